package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/engine"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/ggoodman/mcp-gateway/sessions"
)

const defaultMaxFrame = 4 << 20

// Handler is the stdio transport adapter.
type Handler struct {
	reg      *sessions.Registry
	r        io.Reader
	w        io.Writer
	log      *slog.Logger
	users    UserProvider
	maxFrame int

	wmu sync.Mutex
	// served guards against a second Serve on the same pipe.
	served sync.Once
}

// NewHandler constructs a stdio Handler bound to reg.
func NewHandler(reg *sessions.Registry, opts ...Option) *Handler {
	h := &Handler{
		reg:      reg,
		r:        os.Stdin,
		w:        os.Stdout,
		log:      slog.Default(),
		users:    OSUserProvider{},
		maxFrame: defaultMaxFrame,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ErrAlreadyServed is returned by a second call to Serve.
var ErrAlreadyServed = errors.New("stdio: handler already served")

// Serve registers the stdio session and processes frames until EOF on the
// reader or until ctx is canceled. EOF returns nil. The session is left in
// the registry; the shutdown path removes it.
func (h *Handler) Serve(ctx context.Context) error {
	err := ErrAlreadyServed
	h.served.Do(func() { err = h.serve(ctx) })
	return err
}

func (h *Handler) serve(ctx context.Context) error {
	id, err := h.users.CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("stdio: resolve user: %w", err)
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sessions.StdioSessionID,
		Transport: string(sessions.KindStdio),
		UserID:    id.UserID,
	})

	eng, err := h.reg.CreateSession(ctx, sessions.StdioSessionID, sessions.KindStdio, &transport{h: h})
	if err != nil {
		return fmt.Errorf("stdio: create session: %w", err)
	}
	h.log.InfoContext(ctx, "stdio.serve.start")

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go h.readLoop(ctx, frames, readErr)

	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "stdio.serve.end", slog.String("reason", "context"))
			return ctx.Err()
		case err := <-readErr:
			if err != nil {
				h.log.ErrorContext(ctx, "stdio.read.fail", slog.String("err", err.Error()))
				return fmt.Errorf("stdio: read: %w", err)
			}
			h.log.InfoContext(ctx, "stdio.serve.end", slog.String("reason", "eof"))
			return nil
		case frame := <-frames:
			h.reg.TouchSession(sessions.StdioSessionID)
			err := auth.RunWithIdentity(ctx, id, func(ctx context.Context) error {
				return h.handleFrame(ctx, eng, frame)
			})
			if err != nil {
				h.log.ErrorContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
				return fmt.Errorf("stdio: write: %w", err)
			}
		}
	}
}

// readLoop delivers non-empty lines in order. It reports nil on EOF.
func (h *Handler) readLoop(ctx context.Context, frames chan<- []byte, done chan<- error) {
	sc := bufio.NewScanner(h.r)
	sc.Buffer(make([]byte, 0, 64*1024), h.maxFrame)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		select {
		case frames <- append([]byte(nil), line...):
		case <-ctx.Done():
			return
		}
	}
	done <- sc.Err()
}

// handleFrame returns only errors writing to the peer; protocol failures
// are answered on the wire.
func (h *Handler) handleFrame(ctx context.Context, eng engine.Engine, frame []byte) error {
	msg, err := jsonrpc.Decode(frame)
	if err != nil {
		h.log.WarnContext(ctx, "stdio.frame.invalid", slog.String("err", err.Error()))
		code := jsonrpc.ErrorCodeInvalidRequest
		if !json.Valid(frame) {
			code = jsonrpc.ErrorCodeParseError
		}
		return h.write(jsonrpc.NewError(nil, code, err.Error(), nil))
	}

	resp, err := eng.Handle(ctx, msg)
	if err != nil {
		h.log.ErrorContext(ctx, "stdio.frame.fail", slog.String("err", err.Error()))
		if msg.Kind() != jsonrpc.KindRequest {
			return nil
		}
		resp = jsonrpc.NewError(msg.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	if resp == nil {
		return nil
	}
	return h.write(resp)
}

func (h *Handler) write(msg *jsonrpc.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	h.wmu.Lock()
	defer h.wmu.Unlock()
	_, err = h.w.Write(b)
	return err
}

// transport carries server-initiated messages for the stdio session.
type transport struct {
	h *Handler
}

func (t *transport) Send(ctx context.Context, msg *jsonrpc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.h.write(msg)
}

func (t *transport) Close() error {
	if c, ok := t.h.w.(io.Closer); ok && t.h.w != os.Stdout {
		return c.Close()
	}
	return nil
}
