package sse

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/engine"
	"github.com/ggoodman/mcp-gateway/internal/httpx"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/google/uuid"
)

const (
	sessionIDParam  = "sessionId"
	maxMessageBytes = 4 << 20
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithAuthenticator enables optional bearer authentication. Requests without
// an Authorization header stay anonymous.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(h *Handler) { h.authn = a }
}

// WithMessagesPath sets the path advertised in the endpoint event.
// Defaults to "/messages".
func WithMessagesPath(p string) Option {
	return func(h *Handler) { h.messagesPath = p }
}

// WithKeepAlive sets the interval of comment frames on idle streams. Zero
// disables them.
func WithKeepAlive(d time.Duration) Option {
	return func(h *Handler) { h.keepAlive = d }
}

// Handler serves both halves of the SSE transport.
type Handler struct {
	reg          *sessions.Registry
	authn        auth.Authenticator
	log          *slog.Logger
	messagesPath string
	keepAlive    time.Duration
	realm        string
}

// NewHandler returns a Handler registering sessions in reg.
func NewHandler(reg *sessions.Registry, opts ...Option) *Handler {
	h := &Handler{
		reg:          reg,
		log:          slog.Default(),
		messagesPath: "/messages",
		keepAlive:    30 * time.Second,
		realm:        "mcp",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func requestCtx(r *http.Request) context.Context {
	return logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
	})
}

// ServeStream handles GET /sse.
func (h *Handler) ServeStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		httpx.WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx := requestCtx(r)
	cw := httpx.Track(w)

	id, _, challenge := httpx.Authenticate(ctx, r, h.authn, h.realm)
	if challenge != nil {
		h.log.InfoContext(ctx, "auth.fail", slog.Int("status", challenge.Status))
		challenge.Write(cw)
		return
	}

	sessionID := uuid.NewString()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID, Transport: string(sessions.KindSSE), UserID: id.UserID})

	t := newTransport(id, 64)
	if _, err := h.reg.CreateSession(ctx, sessionID, sessions.KindSSE, t); err != nil {
		// Nothing was registered, so there is nothing to clean up on disconnect.
		h.log.ErrorContext(ctx, "sse.session.create.fail", slog.String("err", err.Error()))
		if !cw.Committed() {
			httpx.WriteJSONError(cw, http.StatusInternalServerError, "failed to create session")
		}
		return
	}
	defer h.reg.RemoveSession(context.WithoutCancel(ctx), sessionID)

	ew, err := httpx.NewEventWriter(ctx, cw)
	if err != nil {
		h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
		return
	}

	endpoint := h.messagesPath + "?" + url.Values{sessionIDParam: {sessionID}}.Encode()
	if err := ew.WriteEvent("", "endpoint", []byte(endpoint)); err != nil {
		h.log.WarnContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.start")

	var tick <-chan time.Time
	if h.keepAlive > 0 {
		ticker := time.NewTicker(h.keepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.end", slog.String("reason", "client"))
			return
		case <-t.closed:
			h.log.InfoContext(ctx, "sse.stream.end", slog.String("reason", "session"))
			return
		case <-tick:
			if err := ew.WriteComment("keep-alive"); err != nil {
				h.log.InfoContext(ctx, "sse.stream.end", slog.String("err", err.Error()))
				return
			}
		case msg := <-t.out:
			b, err := json.Marshal(msg)
			if err != nil {
				h.log.ErrorContext(ctx, "sse.message.encode.fail", slog.String("err", err.Error()))
				continue
			}
			if err := ew.WriteEvent("", "message", b); err != nil {
				h.log.InfoContext(ctx, "sse.stream.end", slog.String("err", err.Error()))
				return
			}
		}
	}
}

func writeSessionNotFound(w http.ResponseWriter) {
	httpx.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "Session not found"})
}

// ServeMessages handles POST /messages?sessionId=<id>.
func (h *Handler) ServeMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		httpx.WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx := requestCtx(r)

	sessionID := r.URL.Query().Get(sessionIDParam)
	s, ok := h.reg.Lookup(sessionID)
	if sessionID == "" || !ok || s.Kind != sessions.KindSSE {
		h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sessionID))
		writeSessionNotFound(w)
		return
	}
	t, ok := s.Transport.(*transport)
	if !ok {
		writeSessionNotFound(w)
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID, Transport: string(s.Kind), UserID: t.identity.UserID})

	id, authed, challenge := httpx.Authenticate(ctx, r, h.authn, h.realm)
	if challenge != nil {
		h.log.InfoContext(ctx, "auth.fail", slog.Int("status", challenge.Status))
		challenge.Write(w)
		return
	}
	switch {
	case authed && !t.identity.IsZero() && id.UserID != t.identity.UserID:
		h.log.WarnContext(ctx, "auth.fail", slog.String("err", "user does not own session"))
		auth.ChallengeFor(auth.ErrForbidden, h.realm).Write(w)
		return
	case !authed:
		id = t.identity
	}

	if ct, err := contenttype.GetMediaType(r); err == nil && ct.Type != "" && !ct.Matches(jsonMediaType) {
		httpx.WriteJSONError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		httpx.WriteJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	msg, err := jsonrpc.Decode(body)
	if err != nil {
		h.log.InfoContext(ctx, "sse.message.invalid", slog.String("err", err.Error()))
		httpx.WriteJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message")
		return
	}

	h.reg.TouchSession(sessionID)

	var resp *jsonrpc.Message
	err = auth.RunWithIdentity(ctx, id, func(ctx context.Context) error {
		var err error
		resp, err = s.Engine.Handle(ctx, msg)
		return err
	})
	if errors.Is(err, engine.ErrClosed) {
		writeSessionNotFound(w)
		return
	}
	if err != nil {
		h.log.ErrorContext(ctx, "sse.message.fail", slog.String("err", err.Error()))
		httpx.WriteJSONError(w, http.StatusInternalServerError, "failed to handle message")
		return
	}

	if resp != nil {
		if err := t.Send(ctx, resp); err != nil {
			h.log.WarnContext(ctx, "sse.message.deliver.fail", slog.String("err", err.Error()))
			httpx.WriteJSONError(w, http.StatusInternalServerError, "failed to deliver response")
			return
		}
	}

	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, "Accepted")
}
