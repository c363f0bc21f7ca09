package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-gateway/engine"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrDuplicateSession is returned by CreateSession when the id is live
	// or being created.
	ErrDuplicateSession = errors.New("sessions: duplicate session id")
	// ErrSessionNotFound is returned by lookups of unknown ids.
	ErrSessionNotFound = errors.New("sessions: session not found")
	// ErrRegistryClosed is returned by CreateSession after Shutdown.
	ErrRegistryClosed = errors.New("sessions: registry shut down")
)

// DefaultBroadcastTimeout bounds one session's notification delivery.
const DefaultBroadcastTimeout = 5 * time.Second

// RemoveHook runs after a session has been removed, e.g. to drop its
// credential store association.
type RemoveHook func(ctx context.Context, s *Session) error

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithBroadcastTimeout sets the per-session delivery timeout.
func WithBroadcastTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.broadcastTimeout = d
		}
	}
}

// WithIdleTimeout enables RunReaper for sessions idle longer than d.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) { r.idleTimeout = d }
}

// WithOnRemove adds a hook run after every removal.
func WithOnRemove(h RemoveHook) Option {
	return func(r *Registry) { r.onRemove = append(r.onRemove, h) }
}

// WithRegisterer registers the registry's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Registry) { r.registerer = reg }
}

// Registry is the set of live sessions of this process.
type Registry struct {
	factory          engine.Factory
	log              *slog.Logger
	broadcastTimeout time.Duration
	idleTimeout      time.Duration
	onRemove         []RemoveHook
	registerer       prometheus.Registerer
	metrics          *metrics
	now              func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	// pending holds ids whose engine is being built.
	pending map[string]struct{}
	closed  bool
}

// NewRegistry returns an empty Registry building engines with factory.
func NewRegistry(factory engine.Factory, opts ...Option) *Registry {
	r := &Registry{
		factory:          factory,
		log:              slog.Default(),
		broadcastTimeout: DefaultBroadcastTimeout,
		now:              time.Now,
		sessions:         make(map[string]*Session),
		pending:          make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.metrics = newMetrics(r.registerer)
	return r
}

func sessionCtx(ctx context.Context, id string, kind TransportKind) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, Transport: string(kind)})
}

// CreateSession builds an engine bound to t and registers it under id. The
// session is visible to Lookup only once fully registered.
func (r *Registry) CreateSession(ctx context.Context, id string, kind TransportKind, t engine.Transport) (engine.Engine, error) {
	ctx = sessionCtx(ctx, id, kind)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if _, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	if _, ok := r.pending[id]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	r.pending[id] = struct{}{}
	r.mu.Unlock()

	eng, err := r.factory(ctx, id, t)
	if err == nil && eng == nil {
		err = errors.New("engine factory returned nil engine")
	}

	r.mu.Lock()
	delete(r.pending, id)
	if err != nil {
		r.mu.Unlock()
		r.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		return nil, fmt.Errorf("sessions: create %s: %w", id, err)
	}
	if r.closed {
		r.mu.Unlock()
		_ = eng.Close()
		return nil, ErrRegistryClosed
	}
	now := r.now()
	r.sessions[id] = &Session{
		ID:             id,
		Kind:           kind,
		Engine:         eng,
		Transport:      t,
		CreatedAt:      now,
		lastActivityAt: now,
	}
	r.mu.Unlock()

	r.metrics.active.WithLabelValues(string(kind)).Inc()
	r.metrics.created.WithLabelValues(string(kind)).Inc()
	r.log.InfoContext(ctx, "session.create.ok")
	return eng, nil
}

// Lookup returns the live session with id.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// TouchSession records activity on id. Unknown ids are ignored.
func (r *Registry) TouchSession(id string) {
	if s, ok := r.Lookup(id); ok {
		s.touch(r.now())
	}
}

// SetCredentialSession links a live session to a credential store record.
func (r *Registry) SetCredentialSession(id, credentialSessionID string) error {
	s, ok := r.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.setCredentialSessionID(credentialSessionID)
	return nil
}

// RemoveSession tears down id: the entry is deleted, then its engine and
// transport are closed and remove hooks run. Removing an unknown id is a
// no-op. Teardown failures are logged, never returned.
func (r *Registry) RemoveSession(ctx context.Context, id string) {
	_ = r.remove(ctx, id)
}

func (r *Registry) remove(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	ctx = sessionCtx(ctx, id, s.Kind)

	var errs []error
	if err := s.Engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close engine: %w", err))
	}
	if s.Transport != nil {
		if err := s.Transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	for _, h := range r.onRemove {
		if err := h(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("remove hook: %w", err))
		}
	}

	r.metrics.active.WithLabelValues(string(s.Kind)).Dec()
	r.metrics.removed.WithLabelValues(string(s.Kind)).Inc()

	err := errors.Join(errs...)
	if err != nil {
		r.log.WarnContext(ctx, "session.remove.fail", slog.String("err", err.Error()))
	} else {
		r.log.InfoContext(ctx, "session.remove.ok")
	}
	return err
}

// ActiveSessionCount is the number of live sessions.
func (r *Registry) ActiveSessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of the live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// BroadcastResult summarises one broadcast.
type BroadcastResult struct {
	Delivered int
	Failed    int
}

// BroadcastToolsListChanged notifies every live session that the tool set
// changed. Deliveries run concurrently and each is bounded by the broadcast
// timeout; failures are logged and counted, never returned.
func (r *Registry) BroadcastToolsListChanged(ctx context.Context) BroadcastResult {
	targets := r.Sessions()

	var (
		mu  sync.Mutex
		res BroadcastResult
		g   errgroup.Group
	)
	g.SetLimit(64)
	for _, s := range targets {
		g.Go(func() error {
			err := r.deliver(ctx, s)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				r.metrics.broadcastFailures.Inc()
				r.log.WarnContext(sessionCtx(ctx, s.ID, s.Kind), "broadcast.deliver.fail", slog.String("err", err.Error()))
			} else {
				res.Delivered++
			}
			return nil
		})
	}
	_ = g.Wait()

	r.log.InfoContext(ctx, "broadcast.tools_list_changed",
		slog.Int("delivered", res.Delivered), slog.Int("failed", res.Failed))
	return res
}

// deliver gives up once the timeout passes even if the engine ignores ctx.
func (r *Registry) deliver(ctx context.Context, s *Session) error {
	ctx, cancel := context.WithTimeout(ctx, r.broadcastTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Engine.NotifyToolsListChanged(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting sessions and removes every live one. Every
// session is attempted; the joined teardown errors are returned.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := r.remove(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	r.log.InfoContext(ctx, "sessions.shutdown.done", slog.Int("removed", len(ids)), slog.Int("failed", len(errs)))
	return errors.Join(errs...)
}

// RunReaper removes non-stdio sessions idle longer than the idle timeout
// until ctx ends. It returns immediately when no idle timeout is set.
func (r *Registry) RunReaper(ctx context.Context) {
	if r.idleTimeout <= 0 {
		return
	}
	every := max(r.idleTimeout/2, time.Second)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapIdle(ctx)
		}
	}
}

func (r *Registry) reapIdle(ctx context.Context) int {
	cutoff := r.now().Add(-r.idleTimeout)
	n := 0
	for _, s := range r.Sessions() {
		if s.Kind == KindStdio || s.LastActivityAt().After(cutoff) {
			continue
		}
		r.log.InfoContext(sessionCtx(ctx, s.ID, s.Kind), "session.reap.idle")
		r.RemoveSession(ctx, s.ID)
		n++
	}
	return n
}
