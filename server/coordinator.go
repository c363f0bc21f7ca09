package server

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Shutdowner is anything stopped gracefully within a deadline: the session
// registry, an *http.Server.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(log *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.log = log }
}

// WithCloser adds a resource closed after sessions are drained, such as the
// credential store.
func WithCloser(name string, close func() error) CoordinatorOption {
	return func(c *Coordinator) { c.closers = append(c.closers, namedCloser{name, close}) }
}

// WithStopper adds a server stopped after the closers run.
func WithStopper(s Shutdowner) CoordinatorOption {
	return func(c *Coordinator) { c.stoppers = append(c.stoppers, s) }
}

// WithExit replaces os.Exit.
func WithExit(exit func(code int)) CoordinatorOption {
	return func(c *Coordinator) { c.exit = exit }
}

// WithSignals replaces the process signal source.
func WithSignals(ch <-chan os.Signal) CoordinatorOption {
	return func(c *Coordinator) { c.signals = ch }
}

// WithShutdownTimeout bounds the whole shutdown sequence.
func WithShutdownTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithOnDone runs fn at the end of shutdown, before exit.
func WithOnDone(fn func()) CoordinatorOption {
	return func(c *Coordinator) { c.onDone = fn }
}

type namedCloser struct {
	name  string
	close func() error
}

// Coordinator turns SIGINT/SIGTERM into exactly one orderly shutdown:
// drain sessions, close collaborators, stop servers, exit 0.
type Coordinator struct {
	sessions Shutdowner
	log      *slog.Logger
	closers  []namedCloser
	stoppers []Shutdowner
	exit     func(int)
	signals  <-chan os.Signal
	timeout  time.Duration
	onDone   func()

	once sync.Once
	done chan struct{}
}

// NewCoordinator returns a Coordinator draining sessions.
func NewCoordinator(sessions Shutdowner, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		sessions: sessions,
		log:      slog.Default(),
		exit:     os.Exit,
		timeout:  10 * time.Second,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Watch waits for a signal and then shuts down and exits. It returns when
// ctx ends without a signal.
func (c *Coordinator) Watch(ctx context.Context) {
	signals := c.signals
	if signals == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		signals = ch
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case sig := <-signals:
			c.log.InfoContext(ctx, "shutdown.signal", slog.String("signal", sig.String()))
			// Shutdown is idempotent, so repeated signals are harmless.
			c.Shutdown(context.WithoutCancel(ctx))
			c.exit(0)
			return
		}
	}
}

// Shutdown runs the shutdown sequence once. Every step is attempted;
// failures and panics are logged and never stop the sequence.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.once.Do(func() {
		defer close(c.done)

		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		start := time.Now()

		c.step(ctx, "sessions", func() error { return c.sessions.Shutdown(ctx) })
		for _, cl := range c.closers {
			c.step(ctx, "close", cl.close, slog.String("resource", cl.name))
		}
		for _, s := range c.stoppers {
			c.step(ctx, "server", func() error { return s.Shutdown(ctx) })
		}
		if c.onDone != nil {
			c.step(ctx, "done", func() error { c.onDone(); return nil })
		}
		c.log.InfoContext(ctx, "shutdown.done", slog.Duration("dur", time.Since(start)))
	})
}

func (c *Coordinator) step(ctx context.Context, name string, fn func() error, attrs ...slog.Attr) {
	defer func() {
		if r := recover(); r != nil {
			c.log.LogAttrs(ctx, slog.LevelError, "shutdown."+name+".panic",
				append(attrs, slog.Any("panic", r))...)
		}
	}()
	if err := fn(); err != nil {
		c.log.LogAttrs(ctx, slog.LevelWarn, "shutdown."+name+".fail",
			append(attrs, slog.String("err", err.Error()))...)
	}
}

// Done is closed once Shutdown has completed.
func (c *Coordinator) Done() <-chan struct{} { return c.done }
