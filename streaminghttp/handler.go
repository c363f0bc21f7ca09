package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/broker"
	"github.com/ggoodman/mcp-gateway/credstore"
	"github.com/ggoodman/mcp-gateway/engine"
	"github.com/ggoodman/mcp-gateway/internal/httpx"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/google/uuid"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
	responseMediaTypes    = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
)

const (
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"

	maxMessageBytes = 4 << 20
)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithAuthenticator validates bearer tokens presented on /mcp.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(h *Handler) { h.authn = a }
}

// WithRequireAuth rejects requests that resolve to no identity. The
// challenge points clients at resourceMetadataURL when it is set.
func WithRequireAuth(resourceMetadataURL string) Option {
	return func(h *Handler) {
		h.requireAuth = true
		h.resourceMetadataURL = resourceMetadataURL
	}
}

// WithCredentialStore persists the identity of authenticated sessions.
func WithCredentialStore(s credstore.Store) Option {
	return func(h *Handler) { h.creds = s }
}

// WithRealm sets the realm of WWW-Authenticate challenges. Defaults to "mcp".
func WithRealm(realm string) Option {
	return func(h *Handler) { h.realm = realm }
}

// Handler serves the streamable transport.
type Handler struct {
	reg    *sessions.Registry
	broker broker.Broker
	log    *slog.Logger

	authn               auth.Authenticator
	requireAuth         bool
	resourceMetadataURL string
	realm               string
	creds               credstore.Store
}

// New returns a Handler that registers sessions in reg and routes
// server-initiated messages through br.
func New(reg *sessions.Registry, br broker.Broker, opts ...Option) *Handler {
	h := &Handler{reg: reg, broker: br, log: slog.Default(), realm: "mcp"}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
	})
	r = r.WithContext(ctx)
	cw := httpx.Track(w)

	switch r.Method {
	case http.MethodPost:
		h.handlePost(cw, r)
	case http.MethodGet:
		h.handleGet(cw, r)
	case http.MethodDelete:
		h.handleDelete(cw, r)
	default:
		cw.Header().Set("Allow", "GET, POST, DELETE")
		httpx.WriteJSONError(cw, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// fail writes a JSON error unless the response is already under way.
func (h *Handler) fail(ctx context.Context, w *httpx.CommitWriter, status int, msg string) {
	if w.Committed() {
		h.log.WarnContext(ctx, "http.error.suppressed", slog.Int("status", status), slog.String("msg", msg))
		return
	}
	httpx.WriteJSONError(w, status, msg)
}

// onInitialized makes a session live: the engine is registered, then the
// identity, if any, is linked in the credential store.
func (h *Handler) onInitialized(ctx context.Context, id string, t *sessionHandle, who auth.Identity) (engine.Engine, error) {
	eng, err := h.reg.CreateSession(ctx, id, sessions.KindStreamable, t)
	if err != nil {
		return nil, err
	}
	if who.IsZero() || h.creds == nil {
		return eng, nil
	}

	credID, err := h.creds.SaveCredential(ctx, who)
	if err == nil {
		err = h.creds.AssociateSession(ctx, id, credID)
	}
	if err == nil {
		err = h.reg.SetCredentialSession(id, credID)
	}
	if err != nil {
		h.reg.RemoveSession(context.WithoutCancel(ctx), id)
		return nil, fmt.Errorf("associate credential: %w", err)
	}
	return eng, nil
}

func (h *Handler) onClosed(ctx context.Context, id string) {
	h.reg.RemoveSession(ctx, id)
}

// identify resolves the caller. A bearer token wins; otherwise the identity
// associated with s, if any. A token naming a different user than the
// session's owner is forbidden. A session that was opened with credentials
// but whose association is gone is refused and removed rather than served
// anonymously.
func (h *Handler) identify(ctx context.Context, w http.ResponseWriter, r *http.Request, s *sessions.Session) (auth.Identity, bool) {
	who, authed, challenge := httpx.Authenticate(ctx, r, h.authn, h.realm)
	if challenge != nil {
		h.log.InfoContext(ctx, "auth.fail", slog.Int("status", challenge.Status))
		challenge.Write(w)
		return auth.Identity{}, false
	}

	var owner auth.Identity
	if s != nil && h.creds != nil {
		o, ok, err := h.creds.ResolveSession(ctx, s.ID)
		if err != nil {
			h.log.ErrorContext(ctx, "credstore.resolve.fail", slog.String("err", err.Error()))
			httpx.WriteJSONError(w, http.StatusInternalServerError, "failed to resolve session credentials")
			return auth.Identity{}, false
		}
		if ok {
			owner = o
			if err := h.creds.RefreshSession(ctx, s.ID, o.CredentialSessionID); err != nil {
				h.log.WarnContext(ctx, "credstore.refresh.fail", slog.String("err", err.Error()))
			}
		}
	}
	if s != nil && owner.IsZero() && s.CredentialSessionID() != "" {
		h.log.WarnContext(ctx, "credstore.association.lost", slog.String("credential_session_id", s.CredentialSessionID()))
		h.onClosed(context.WithoutCancel(ctx), s.ID)
		httpx.WriteJSONError(w, http.StatusNotFound, "session not found")
		return auth.Identity{}, false
	}

	switch {
	case authed && !owner.IsZero() && who.UserID != owner.UserID:
		h.log.WarnContext(ctx, "auth.fail", slog.String("err", "user does not own session"))
		auth.ChallengeFor(auth.ErrForbidden, h.realm).Write(w)
		return auth.Identity{}, false
	case authed:
		who.CredentialSessionID = owner.CredentialSessionID
	default:
		who = owner
	}

	if h.requireAuth && who.IsZero() {
		h.log.InfoContext(ctx, "auth.fail", slog.String("err", "credentials required"))
		auth.NewAuthenticationRequired(h.resourceMetadataURL).Write(w)
		return auth.Identity{}, false
	}
	return who, true
}

// liveSession loads the session named by the header, answering 400 or 404
// when there is none.
func (h *Handler) liveSession(ctx context.Context, w *httpx.CommitWriter, r *http.Request) (*sessions.Session, context.Context, bool) {
	id := r.Header.Get(mcpSessionIDHeader)
	if id == "" {
		h.log.WarnContext(ctx, "session.id.missing")
		httpx.WriteJSONError(w, http.StatusBadRequest, "missing Mcp-Session-Id header")
		return nil, ctx, false
	}
	s, ok := h.reg.Lookup(id)
	if !ok || s.Kind != sessions.KindStreamable {
		h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", id))
		httpx.WriteJSONError(w, http.StatusNotFound, "session not found")
		return nil, ctx, false
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, Transport: string(s.Kind)})
	return s, ctx, true
}

type versioned interface{ ProtocolVersion() string }

func protocolVersion(eng engine.Engine) string {
	if v, ok := eng.(versioned); ok {
		return v.ProtocolVersion()
	}
	return ""
}

func (h *Handler) handlePost(w *httpx.CommitWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.log.WarnContext(ctx, "content_type.unsupported")
		httpx.WriteJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		httpx.WriteJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > 0 && body[0] == '[' {
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		httpx.WriteJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are not supported")
		return
	}
	msg, err := jsonrpc.Decode(body)
	if err != nil {
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		httpx.WriteJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message")
		return
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: string(msg.Kind())})

	if r.Header.Get(mcpSessionIDHeader) == "" {
		h.openSession(ctx, w, r, msg, start)
		return
	}

	s, ctx, ok := h.liveSession(ctx, w, r)
	if !ok {
		return
	}
	who, ok := h.identify(ctx, w, r, s)
	if !ok {
		return
	}

	spv := protocolVersion(s.Engine)
	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" && spv != "" && pv != spv {
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
		httpx.WriteJSONError(w, http.StatusBadRequest, "protocol version mismatch")
		return
	}

	h.reg.TouchSession(s.ID)

	var resp *jsonrpc.Message
	err = auth.RunWithIdentity(ctx, who, func(ctx context.Context) error {
		var err error
		resp, err = s.Engine.Handle(ctx, msg)
		return err
	})
	if errors.Is(err, engine.ErrClosed) {
		h.fail(ctx, w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		h.fail(ctx, w, http.StatusInternalServerError, "failed to handle message")
		return
	}

	if spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}
	h.writeResponse(ctx, w, r, resp)
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) openSession(ctx context.Context, w *httpx.CommitWriter, r *http.Request, msg *jsonrpc.Message, start time.Time) {
	who, ok := h.identify(ctx, w, r, nil)
	if !ok {
		return
	}

	id := uuid.NewString()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, Transport: string(sessions.KindStreamable), UserID: who.UserID})
	t := &sessionHandle{id: id, broker: h.broker, onInitialized: h.onInitialized, onClosed: h.onClosed}

	resp, err := t.open(ctx, msg, who)
	var rpcErr *jsonrpc.Error
	switch {
	case errors.Is(err, errNotInitialize):
		h.log.InfoContext(ctx, "session.initialize.invalid")
		httpx.WriteJSONError(w, http.StatusBadRequest, "expected initialize request")
		return
	case errors.As(err, &rpcErr) && resp != nil:
		// The engine refused the handshake; the session is already gone.
		h.log.InfoContext(ctx, "session.initialize.rejected", slog.String("err", rpcErr.Message))
		h.writeResponse(ctx, w, r, resp)
		return
	case err != nil:
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		h.fail(ctx, w, http.StatusInternalServerError, "failed to initialize session")
		return
	}

	w.Header().Set(mcpSessionIDHeader, id)
	if v := protocolVersion(h.engineOf(id)); v != "" {
		w.Header().Set(mcpProtocolVersionHeader, v)
	}
	h.writeResponse(ctx, w, r, resp)
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) engineOf(id string) engine.Engine {
	if s, ok := h.reg.Lookup(id); ok {
		return s.Engine
	}
	return nil
}

// writeResponse answers with JSON, or with a one-event SSE stream when the
// client accepts only text/event-stream.
func (h *Handler) writeResponse(ctx context.Context, w *httpx.CommitWriter, r *http.Request, resp *jsonrpc.Message) {
	b, err := json.Marshal(resp)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		h.fail(ctx, w, http.StatusInternalServerError, "failed to encode response")
		return
	}

	mt := jsonMediaType
	if r.Header.Get("Accept") != "" {
		if accepted, _, err := contenttype.GetAcceptableMediaType(r, responseMediaTypes); err == nil {
			mt = accepted
		}
	}

	if mt.Matches(eventStreamMediaType) {
		ew, err := httpx.NewEventWriter(ctx, w)
		if err != nil {
			h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
			return
		}
		if err := ew.WriteEvent("", "", b); err != nil {
			h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		}
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(append(b, '\n')); err != nil {
		h.log.WarnContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) handleGet(w *httpx.CommitWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		httpx.WriteJSONError(w, http.StatusNotAcceptable, "accept must allow text/event-stream")
		return
	}
	s, ctx, ok := h.liveSession(ctx, w, r)
	if !ok {
		return
	}
	if _, ok := h.identify(ctx, w, r, s); !ok {
		return
	}
	h.reg.TouchSession(s.ID)

	if spv := protocolVersion(s.Engine); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	ew, err := httpx.NewEventWriter(ctx, w)
	if err != nil {
		h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.start")

	err = h.broker.Subscribe(ctx, s.ID, r.Header.Get(lastEventIDHeader), func(ctx context.Context, env broker.MessageEnvelope) error {
		if err := ew.WriteEvent(env.ID, "", env.Data); err != nil {
			return err
		}
		h.reg.TouchSession(s.ID)
		return nil
	})
	switch {
	case err == nil:
		h.log.InfoContext(ctx, "sse.stream.end", slog.String("reason", "session"), slog.Duration("dur", time.Since(start)))
	case errors.Is(err, context.Canceled):
		h.log.InfoContext(ctx, "sse.stream.end", slog.String("reason", "client"), slog.Duration("dur", time.Since(start)))
	default:
		h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) handleDelete(w *httpx.CommitWriter, r *http.Request) {
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	s, ctx, ok := h.liveSession(ctx, w, r)
	if !ok {
		return
	}
	if _, ok := h.identify(ctx, w, r, s); !ok {
		return
	}

	h.onClosed(context.WithoutCancel(ctx), s.ID)
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok")
}
