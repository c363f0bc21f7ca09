// Package httpx holds the HTTP plumbing shared by the SSE and streamable
// transports: commit tracking, SSE framing, JSON errors and bearer auth.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-gateway/auth"
)

// CommitWriter records whether the status line has been sent. Once it has,
// nothing else may be written as an error response.
type CommitWriter struct {
	http.ResponseWriter
	committed atomic.Bool
}

// Track wraps w. If w is already a *CommitWriter it is returned as is.
func Track(w http.ResponseWriter) *CommitWriter {
	if cw, ok := w.(*CommitWriter); ok {
		return cw
	}
	return &CommitWriter{ResponseWriter: w}
}

func (c *CommitWriter) WriteHeader(status int) {
	if c.committed.Swap(true) {
		return
	}
	c.ResponseWriter.WriteHeader(status)
}

func (c *CommitWriter) Write(p []byte) (int, error) {
	c.committed.Store(true)
	return c.ResponseWriter.Write(p)
}

func (c *CommitWriter) Flush() {
	c.committed.Store(true)
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (c *CommitWriter) Unwrap() http.ResponseWriter { return c.ResponseWriter }

// Committed reports whether headers have been sent.
func (c *CommitWriter) Committed() bool { return c.committed.Load() }

// WriteJSON writes v as the JSON body with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteJSONError emits {"error":{"code":status,"message":msg}} for
// transport-level rejections that happen before any JSON-RPC exchange.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// EventWriter writes Server-Sent Events. Writes are serialized and stop once
// ctx is done.
type EventWriter struct {
	mu  sync.Mutex
	w   http.ResponseWriter
	rc  *http.ResponseController
	ctx context.Context
}

// NewEventWriter sets the event-stream headers, sends the 200 status and
// returns a writer for the stream.
func NewEventWriter(ctx context.Context, w http.ResponseWriter) (*EventWriter, error) {
	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return nil, fmt.Errorf("sse: flush unsupported: %w", err)
	}
	return &EventWriter{w: w, rc: rc, ctx: ctx}, nil
}

// WriteEvent writes one event. id and event are omitted when empty.
func (e *EventWriter) WriteEvent(id, event string, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ctx.Err(); err != nil {
		return err
	}

	var b strings.Builder
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")

	if _, err := e.w.Write([]byte(b.String())); err != nil {
		return fmt.Errorf("sse: write event: %w", err)
	}
	if err := e.rc.Flush(); err != nil {
		return fmt.Errorf("sse: flush: %w", err)
	}
	return nil
}

// WriteComment writes a keep-alive comment line.
func (e *EventWriter) WriteComment(text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ctx.Err(); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, ": %s\n\n", text); err != nil {
		return err
	}
	return e.rc.Flush()
}

// ErrMalformedAuthorization is returned for an Authorization header that is
// not a non-empty bearer credential.
var ErrMalformedAuthorization = errors.New("malformed bearer authorization header")

// BearerToken extracts the bearer token. present is false when the request
// carries no Authorization header at all.
func BearerToken(r *http.Request) (tok string, present bool, err error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false, nil
	}
	scheme, rest, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", true, ErrMalformedAuthorization
	}
	tok = strings.TrimSpace(rest)
	if tok == "" {
		return "", true, ErrMalformedAuthorization
	}
	return tok, true, nil
}

// Authenticate resolves the request's bearer credential with authn. It
// returns ok=false with no challenge when the request is anonymous, and a
// non-nil challenge when a credential was presented but rejected.
func Authenticate(ctx context.Context, r *http.Request, authn auth.Authenticator, realm string) (id auth.Identity, ok bool, challenge *auth.Challenge) {
	tok, present, err := BearerToken(r)
	if !present {
		return auth.Identity{}, false, nil
	}
	if err != nil {
		c := auth.NewInvalidAuthorizationHeader(realm)
		return auth.Identity{}, false, &c
	}
	if authn == nil {
		c := auth.ChallengeFor(auth.ErrUnauthorized, realm)
		return auth.Identity{}, false, &c
	}
	id, err = authn.Authenticate(ctx, tok)
	if err != nil {
		c := auth.ChallengeFor(err, realm)
		return auth.Identity{}, false, &c
	}
	return id, true, nil
}
