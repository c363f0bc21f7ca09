package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/broker"
	memorybroker "github.com/ggoodman/mcp-gateway/broker/memory"
	redisbroker "github.com/ggoodman/mcp-gateway/broker/redis"
	"github.com/ggoodman/mcp-gateway/credstore"
	"github.com/ggoodman/mcp-gateway/engine"
	"github.com/ggoodman/mcp-gateway/internal/wellknown"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/ggoodman/mcp-gateway/sse"
	"github.com/ggoodman/mcp-gateway/stdio"
	"github.com/ggoodman/mcp-gateway/storage"
	memorystorage "github.com/ggoodman/mcp-gateway/storage/memory"
	redisstorage "github.com/ggoodman/mcp-gateway/storage/redis"
	"github.com/ggoodman/mcp-gateway/streaminghttp"
	"github.com/ggoodman/mcp-gateway/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

// Version is reported as the server version on initialize.
var Version = "dev"

// Option configures a Server.
type Option func(*options)

type options struct {
	log     *slog.Logger
	stdin   io.Reader
	stdout  io.Writer
	tools   []tools.Tool
	exit    func(int)
	signals <-chan os.Signal
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithStdio overrides the pipes used in stdio mode.
func WithStdio(r io.Reader, w io.Writer) Option {
	return func(o *options) { o.stdin, o.stdout = r, w }
}

// WithTools adds built-in tools next to whoami.
func WithTools(ts ...tools.Tool) Option {
	return func(o *options) { o.tools = append(o.tools, ts...) }
}

// WithExitFunc replaces os.Exit in the shutdown coordinator.
func WithExitFunc(exit func(int)) Option {
	return func(o *options) { o.exit = exit }
}

// WithSignalSource replaces SIGINT/SIGTERM delivery.
func WithSignalSource(ch <-chan os.Signal) Option {
	return func(o *options) { o.signals = ch }
}

// Server is an assembled gateway process.
type Server struct {
	cfg  Config
	opts options
	log  *slog.Logger

	authn    auth.Authenticator
	prm      *wellknown.ProtectedResourceMetadata
	prmURL   string
	creds    credstore.Store
	broker   broker.Broker
	tools    *tools.Registry
	sessions *sessions.Registry
	metrics  *prometheus.Registry
	closers  []namedCloser
}

// New builds every component named by cfg. Network collaborators (OIDC
// discovery, Redis) are contacted here so misconfiguration fails fast.
func New(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := options{log: slog.Default(), stdin: os.Stdin, stdout: os.Stdout, exit: os.Exit}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Server{cfg: cfg, opts: o, log: o.log}

	s.metrics = prometheus.NewRegistry()
	s.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := s.buildAuth(ctx); err != nil {
		s.closeAll()
		return nil, err
	}
	if err := s.buildStores(ctx); err != nil {
		s.closeAll()
		return nil, err
	}

	s.tools = tools.NewRegistry(append([]tools.Tool{tools.Whoami()}, o.tools...)...)
	s.closers = append(s.closers, namedCloser{"tools", func() error { s.tools.Close(); return nil }})

	factory := engine.NewFactory(s.tools,
		engine.WithLogger(s.log),
		engine.WithServerInfo(mcp.ImplementationInfo{Name: "mcp-gateway", Version: Version}),
	)
	s.sessions = sessions.NewRegistry(factory,
		sessions.WithLogger(s.log),
		sessions.WithBroadcastTimeout(cfg.BroadcastTimeout),
		sessions.WithIdleTimeout(cfg.SessionIdleTimeout),
		sessions.WithRegisterer(s.metrics),
		sessions.WithOnRemove(s.dropAssociation),
	)
	return s, nil
}

func (s *Server) buildAuth(ctx context.Context) error {
	var chain []auth.Authenticator
	if s.cfg.OIDCIssuer != "" {
		a, err := auth.NewFromDiscovery(ctx, s.cfg.OIDCIssuer, s.cfg.OIDCAudience)
		if err != nil {
			return fmt.Errorf("oidc: %w", err)
		}
		chain = append(chain, a)

		resource := s.cfg.OIDCAudience
		if s.cfg.PublicURL != "" {
			resource = s.cfg.PublicURL + s.cfg.BasePath + "/mcp"
		}
		s.prm = &wellknown.ProtectedResourceMetadata{
			Resource:               resource,
			AuthorizationServers:   []string{a.Issuer()},
			ScopesSupported:        a.ScopesSupported(),
			BearerMethodsSupported: []string{"header"},
			ResourceName:           "mcp-gateway",
		}
		if u, err := wellknown.MetadataURL(resource); err == nil {
			s.prmURL = u
		}
	}
	if s.cfg.StaticToken != "" {
		chain = append(chain, auth.NewStaticToken(map[string]auth.Identity{
			s.cfg.StaticToken: {UserID: s.cfg.StaticUser, Username: s.cfg.StaticUser},
		}))
	}
	switch len(chain) {
	case 0:
	case 1:
		s.authn = chain[0]
	default:
		s.authn = auth.Chain(chain...)
	}
	return nil
}

func (s *Server) redisClient(ctx context.Context) (*redis.Client, error) {
	cl := redis.NewClient(&redis.Options{Addr: s.cfg.RedisAddr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping %s: %w", s.cfg.RedisAddr, err)
	}
	return cl, nil
}

func (s *Server) buildStores(ctx context.Context) error {
	var (
		backend storage.Storage
		err     error
	)
	switch s.cfg.Store {
	case BackendRedis:
		cl, cerr := s.redisClient(ctx)
		if cerr != nil {
			return cerr
		}
		backend, err = redisstorage.New(redisstorage.Config{Client: cl})
	default:
		backend, err = memorystorage.New(10_000, time.Minute)
	}
	if err != nil {
		return fmt.Errorf("credential storage: %w", err)
	}
	creds := credstore.New(backend, credstore.WithLogger(s.log), credstore.WithTTL(credentialTTL(s.cfg.SessionIdleTimeout)))
	if err := creds.Initialize(ctx); err != nil {
		_ = creds.Close()
		return fmt.Errorf("credential store: %w", err)
	}
	s.creds = creds
	s.closers = append(s.closers, namedCloser{"credentials", creds.Close})

	switch s.cfg.Broker {
	case BackendRedis:
		cl, err := s.redisClient(ctx)
		if err != nil {
			return err
		}
		b := redisbroker.New(redisbroker.Config{Client: cl})
		s.broker = b
		s.closers = append(s.closers, namedCloser{"broker", b.Close})
	default:
		s.broker = memorybroker.New(0)
	}
	return nil
}

// credentialTTL keeps credential associations alive at least as long as the
// reaper keeps an idle session registered.
func credentialTTL(idle time.Duration) time.Duration {
	if idle > credstore.DefaultTTL {
		return idle
	}
	return credstore.DefaultTTL
}

// closeAll releases whatever New managed to build before failing.
func (s *Server) closeAll() {
	for _, c := range s.closers {
		_ = c.close()
	}
}

func (s *Server) dropAssociation(ctx context.Context, sess *sessions.Session) error {
	if sess.CredentialSessionID() == "" {
		return nil
	}
	return s.creds.RemoveSessionAssociation(ctx, sess.ID)
}

// Sessions exposes the session registry.
func (s *Server) Sessions() *sessions.Registry { return s.sessions }

// Tools exposes the tool registry.
func (s *Server) Tools() *tools.Registry { return s.tools }

// Handler returns the HTTP routes. In stdio mode no routes are registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.cfg.Transport == TransportStdio {
		return mux
	}
	base := s.cfg.BasePath

	sseOpts := []sse.Option{sse.WithLogger(s.log), sse.WithMessagesPath(base + "/messages")}
	streamOpts := []streaminghttp.Option{streaminghttp.WithLogger(s.log), streaminghttp.WithCredentialStore(s.creds)}
	if s.authn != nil {
		sseOpts = append(sseOpts, sse.WithAuthenticator(s.authn))
		streamOpts = append(streamOpts, streaminghttp.WithAuthenticator(s.authn))
	}
	if s.cfg.RequireAuth {
		streamOpts = append(streamOpts, streaminghttp.WithRequireAuth(s.prmURL))
	}
	legacy := sse.NewHandler(s.sessions, sseOpts...)

	mux.HandleFunc(base+"/sse", legacy.ServeStream)
	mux.HandleFunc(base+"/messages", legacy.ServeMessages)
	mux.Handle(base+"/mcp", streaminghttp.New(s.sessions, s.broker, streamOpts...))
	mux.HandleFunc("GET "+base+"/healthz", s.healthz)
	mux.Handle("GET "+base+"/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	if s.prm != nil {
		prm := wellknown.Handler(*s.prm)
		mux.Handle(wellknown.ProtectedResourcePath+"/", prm)
		mux.Handle(wellknown.ProtectedResourcePath, prm)
	}
	return otelhttp.NewHandler(mux, "mcp-gateway")
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, "{\"status\":\"ok\",\"sessions\":%d}\n", s.sessions.ActiveSessionCount())
}

// Run serves until a signal, the end of ctx, or, in stdio mode, EOF on the
// input. Every path ends in the coordinator's single shutdown sequence.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe before anything can change the tool set.
	changes := s.tools.Changes()

	coordOpts := []CoordinatorOption{
		WithCoordinatorLogger(s.log),
		WithExit(s.opts.exit),
		WithShutdownTimeout(s.cfg.ShutdownTimeout),
		WithOnDone(cancel),
	}
	if s.opts.signals != nil {
		coordOpts = append(coordOpts, WithSignals(s.opts.signals))
	}
	for _, c := range s.closers {
		coordOpts = append(coordOpts, WithCloser(c.name, c.close))
	}

	var httpSrv *http.Server
	if s.cfg.Transport == TransportHTTP {
		httpSrv = &http.Server{
			Addr:              s.cfg.ListenAddr,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		coordOpts = append(coordOpts, WithStopper(httpSrv))
	}
	coord := NewCoordinator(s.sessions, coordOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		coord.Watch(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		coord.Shutdown(context.WithoutCancel(gctx))
		return nil
	})
	g.Go(func() error {
		s.broadcastChanges(gctx, changes)
		return nil
	})
	g.Go(func() error {
		s.sessions.RunReaper(gctx)
		return nil
	})
	if s.cfg.ToolsDir != "" {
		w := tools.NewWatcher(s.cfg.ToolsDir, s.tools, tools.WithWatcherLogger(s.log))
		g.Go(func() error {
			if err := w.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("tools watcher: %w", err)
			}
			return nil
		})
	}

	switch s.cfg.Transport {
	case TransportStdio:
		h := stdio.NewHandler(s.sessions,
			stdio.WithIO(s.opts.stdin, s.opts.stdout),
			stdio.WithLogger(s.log),
			stdio.WithUserProvider(s.stdioUser()),
		)
		g.Go(func() error {
			err := h.Serve(gctx)
			coord.Shutdown(context.WithoutCancel(gctx))
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	default:
		g.Go(func() error {
			s.log.InfoContext(gctx, "http.listen", slog.String("addr", httpSrv.Addr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// stdioUser is the static identity when one is configured, else the OS user.
func (s *Server) stdioUser() stdio.UserProvider {
	if s.cfg.StaticToken != "" {
		return stdio.StaticUser{UserID: s.cfg.StaticUser, Username: s.cfg.StaticUser, Token: s.cfg.StaticToken}
	}
	return stdio.OSUserProvider{}
}

func (s *Server) broadcastChanges(ctx context.Context, changes <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			s.sessions.BroadcastToolsListChanged(ctx)
		}
	}
}
