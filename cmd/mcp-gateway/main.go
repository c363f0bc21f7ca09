// Command mcp-gateway serves MCP sessions over stdio, legacy SSE and
// streamable HTTP.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ggoodman/mcp-gateway/server"
	"github.com/spf13/cobra"
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mcp-gateway: %v\n", err)
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	cfg, envErr := server.ConfigFromEnv()

	cmd := &cobra.Command{
		Use:           "mcp-gateway",
		Short:         "mcp-gateway multiplexes MCP clients over stdio, SSE and streamable HTTP",
		SilenceErrors: true,
		Example: `
  # Streamable HTTP and legacy SSE on :8080 with an in-memory store
  mcp-gateway --listen :8080

  # Single stdio session for a local client
  mcp-gateway --transport stdio

  # Shared state across replicas
  REDIS_ADDR=redis:6379 mcp-gateway --store redis --broker redis
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return envErr
			}
			cmd.SilenceUsage = true

			log, err := server.NewLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)
			if err != nil {
				return err
			}
			log.InfoContext(cmd.Context(), "gateway.start",
				"version", server.Version,
				"transport", cfg.Transport,
				"pid", os.Getpid())

			srv, err := server.New(cmd.Context(), cfg, server.WithLogger(log))
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport mode (http, stdio)")
	flags.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	flags.StringVar(&cfg.BasePath, "base-path", cfg.BasePath, "prefix for every HTTP route")
	flags.StringVar(&cfg.PublicURL, "public-url", cfg.PublicURL, "externally visible origin used in protected resource metadata")
	flags.StringVar(&cfg.OIDCIssuer, "oidc-issuer", cfg.OIDCIssuer, "OIDC issuer for bearer token validation")
	flags.StringVar(&cfg.OIDCAudience, "oidc-audience", cfg.OIDCAudience, "expected access token audience")
	flags.BoolVar(&cfg.RequireAuth, "require-auth", cfg.RequireAuth, "reject anonymous HTTP requests")
	flags.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for redis backends")
	flags.StringVar(&cfg.Store, "store", cfg.Store, "credential store backend (memory, redis)")
	flags.StringVar(&cfg.Broker, "broker", cfg.Broker, "stream broker backend (memory, redis)")
	flags.StringVar(&cfg.ToolsDir, "tools-dir", cfg.ToolsDir, "directory of JSON tool manifests to watch")
	flags.DurationVar(&cfg.BroadcastTimeout, "broadcast-timeout", cfg.BroadcastTimeout, "per-session deadline for list_changed delivery")
	flags.DurationVar(&cfg.SessionIdleTimeout, "session-idle-timeout", cfg.SessionIdleTimeout, "remove sessions idle this long (0 disables)")
	flags.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "bound on the shutdown sequence")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, json)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")

	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the mcp-gateway version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "mcp-gateway %s\n", server.Version)
			return err
		},
	}
}
