package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Transport modes.
const (
	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

// Backend kinds for MCP_STORE and MCP_BROKER.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the process configuration. Defaults are loaded from the
// environment via envdecode; the CLI overrides individual fields from flags.
type Config struct {
	// Transport is "http" (SSE and streamable) or "stdio". ENV: MCP_TRANSPORT
	Transport string `env:"MCP_TRANSPORT,default=http"`
	// ListenAddr like ":8080". ENV: MCP_LISTEN_ADDR
	ListenAddr string `env:"MCP_LISTEN_ADDR,default=:8080"`
	// BasePath prefixes every route, e.g. "/gateway". ENV: MCP_BASE_PATH
	BasePath string `env:"MCP_BASE_PATH"`
	// PublicURL is the externally visible origin, used for the protected
	// resource metadata document. ENV: MCP_PUBLIC_URL
	PublicURL string `env:"MCP_PUBLIC_URL"`

	// StaticToken enables static bearer authentication. ENV: MCP_STATIC_TOKEN
	StaticToken string `env:"MCP_STATIC_TOKEN"`
	// StaticUser is the user id the static token maps to. ENV: MCP_STATIC_USER
	StaticUser string `env:"MCP_STATIC_USER,default=static"`
	// OIDCIssuer enables JWT access token validation. ENV: OIDC_ISSUER
	OIDCIssuer string `env:"OIDC_ISSUER"`
	// OIDCAudience is the expected token audience. ENV: OIDC_AUDIENCE
	OIDCAudience string `env:"OIDC_AUDIENCE"`
	// RequireAuth rejects anonymous HTTP requests. ENV: MCP_REQUIRE_AUTH
	RequireAuth bool `env:"MCP_REQUIRE_AUTH,default=false"`

	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// Store backs the credential store: memory or redis. ENV: MCP_STORE
	Store string `env:"MCP_STORE,default=memory"`
	// Broker backs streamable GET streams: memory or redis. ENV: MCP_BROKER
	Broker string `env:"MCP_BROKER,default=memory"`

	// ToolsDir holds JSON tool manifests, watched for changes. ENV: MCP_TOOLS_DIR
	ToolsDir string `env:"MCP_TOOLS_DIR"`

	BroadcastTimeout   time.Duration `env:"MCP_BROADCAST_TIMEOUT,default=5s"`
	// SessionIdleTimeout removes sessions idle this long; zero disables the
	// reaper. Credential associations expire after the larger of this and
	// credstore.DefaultTTL without activity. ENV: MCP_SESSION_IDLE_TIMEOUT
	SessionIdleTimeout time.Duration `env:"MCP_SESSION_IDLE_TIMEOUT,default=0s"`
	ShutdownTimeout    time.Duration `env:"MCP_SHUTDOWN_TIMEOUT,default=10s"`

	LogFormat string `env:"MCP_LOG_FORMAT,default=text"`
	LogLevel  string `env:"MCP_LOG_LEVEL,default=info"`
}

// ConfigFromEnv decodes Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks enumerations and combinations.
func (c Config) Validate() error {
	var errs []error
	switch c.Transport {
	case TransportHTTP, TransportStdio:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	for name, v := range map[string]string{"store": c.Store, "broker": c.Broker} {
		if v != BackendMemory && v != BackendRedis {
			errs = append(errs, fmt.Errorf("unknown %s backend %q", name, v))
		}
	}
	if c.OIDCIssuer != "" && c.OIDCAudience == "" {
		errs = append(errs, errors.New("OIDC_AUDIENCE is required with OIDC_ISSUER"))
	}
	if c.BasePath != "" && (!strings.HasPrefix(c.BasePath, "/") || strings.HasSuffix(c.BasePath, "/")) {
		errs = append(errs, fmt.Errorf("base path %q must start and not end with /", c.BasePath))
	}
	if c.RequireAuth && c.StaticToken == "" && c.OIDCIssuer == "" {
		errs = append(errs, errors.New("auth is required but no authenticator is configured"))
	}
	return errors.Join(errs...)
}
