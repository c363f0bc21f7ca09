package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/tools"
)

// Option configures the engines built by NewFactory.
type Option func(*config)

type config struct {
	info         mcp.ImplementationInfo
	instructions string
	log          *slog.Logger
}

// WithServerInfo sets the implementation info returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(c *config) { c.info = info }
}

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(s string) Option {
	return func(c *config) { c.instructions = s }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) { c.log = log }
}

// NewFactory returns a Factory producing Protocol engines that serve reg.
func NewFactory(reg *tools.Registry, opts ...Option) Factory {
	cfg := config{
		info: mcp.ImplementationInfo{Name: "mcp-gateway", Version: "dev"},
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return func(_ context.Context, sessionID string, t Transport) (Engine, error) {
		return &Protocol{
			sessionID: sessionID,
			transport: t,
			tools:     reg,
			cfg:       cfg,
		}, nil
	}
}

// Protocol is the default MCP engine: initialize, ping, tools/list and
// tools/call over a tools.Registry.
type Protocol struct {
	sessionID string
	transport Transport
	tools     *tools.Registry
	cfg       config

	// mu serializes frame processing for the session.
	mu sync.Mutex

	protocolVersion atomic.Pointer[string]
	initialized     atomic.Bool
	closed      atomic.Bool
}

var _ Engine = (*Protocol)(nil)

func (p *Protocol) Handle(ctx context.Context, msg *jsonrpc.Message) (*jsonrpc.Message, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   string(msg.Kind()),
	})

	switch msg.Kind() {
	case jsonrpc.KindResponse:
		// The gateway never issues requests to clients.
		p.cfg.log.DebugContext(ctx, "engine.response.ignored")
		return nil, nil
	case jsonrpc.KindNotification:
		p.handleNotification(ctx, msg)
		return nil, nil
	}

	resp := p.handleRequest(ctx, msg)
	if resp.Error != nil {
		p.cfg.log.InfoContext(ctx, "engine.request.fail",
			slog.Int("code", int(resp.Error.Code)), slog.String("err", resp.Error.Message))
	}
	return resp, nil
}

func (p *Protocol) handleNotification(ctx context.Context, msg *jsonrpc.Message) {
	switch mcp.Method(msg.Method) {
	case mcp.InitializedNotificationMethod:
		p.cfg.log.DebugContext(ctx, "engine.initialized")
	case mcp.CancelledNotificationMethod:
		// Frames are handled synchronously, so nothing is in flight to cancel.
	default:
		p.cfg.log.DebugContext(ctx, "engine.notification.unknown")
	}
}

func (p *Protocol) handleRequest(ctx context.Context, msg *jsonrpc.Message) *jsonrpc.Message {
	method := mcp.Method(msg.Method)
	if method != mcp.InitializeMethod && method != mcp.PingMethod && !p.initialized.Load() {
		return jsonrpc.NewError(msg.ID, jsonrpc.ErrorCodeInvalidRequest, "session not initialized", nil)
	}

	switch method {
	case mcp.InitializeMethod:
		var req mcp.InitializeRequest
		if err := unmarshalParams(msg, &req); err != nil {
			return jsonrpc.NewError(msg.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
		}
		return p.result(msg, p.initialize(ctx, &req))

	case mcp.PingMethod:
		return p.result(msg, mcp.EmptyResult{})

	case mcp.ToolsListMethod:
		var req struct {
			Cursor string `json:"cursor"`
		}
		if err := unmarshalParams(msg, &req); err != nil {
			return jsonrpc.NewError(msg.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
		}
		return p.result(msg, p.tools.List(req.Cursor))

	case mcp.ToolsCallMethod:
		var req mcp.CallToolRequest
		if err := unmarshalParams(msg, &req); err != nil {
			return jsonrpc.NewError(msg.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
		}
		res, err := p.tools.Call(ctx, &req)
		switch {
		case errors.Is(err, tools.ErrToolNotFound):
			return jsonrpc.NewError(msg.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
		case err != nil:
			p.cfg.log.WarnContext(ctx, "engine.tool.fail", slog.String("tool", req.Name), slog.String("err", err.Error()))
			res = tools.Errorf("tool %s failed: %v", req.Name, err)
		}
		return p.result(msg, res)

	default:
		return jsonrpc.NewError(msg.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+msg.Method, nil)
	}
}

func (p *Protocol) initialize(ctx context.Context, req *mcp.InitializeRequest) *mcp.InitializeResult {
	version := mcp.LatestProtocolVersion
	if slices.Contains(mcp.SupportedProtocolVersions, req.ProtocolVersion) {
		version = req.ProtocolVersion
	}
	p.protocolVersion.Store(&version)
	p.initialized.Store(true)

	p.cfg.log.InfoContext(ctx, "engine.initialize.ok",
		slog.String("client", req.ClientInfo.Name),
		slog.String("protocol_version", version))

	return &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: mcp.ServerCapabilities{
			Tools: &mcp.ToolsCapability{ListChanged: true},
		},
		ServerInfo:   p.cfg.info,
		Instructions: p.cfg.instructions,
	}
}

func (p *Protocol) result(msg *jsonrpc.Message, v any) *jsonrpc.Message {
	resp, err := jsonrpc.NewResult(msg.ID, v)
	if err != nil {
		return jsonrpc.NewError(msg.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
	}
	return resp
}

// ProtocolVersion is the version negotiated during initialize. It does not
// wait behind in-flight frames.
func (p *Protocol) ProtocolVersion() string {
	if v := p.protocolVersion.Load(); v != nil {
		return *v
	}
	return ""
}

// NotifyToolsListChanged does not wait behind in-flight frames. Sessions that
// have not finished initialize are skipped.
func (p *Protocol) NotifyToolsListChanged(ctx context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if !p.initialized.Load() {
		return nil
	}
	n, err := jsonrpc.NewNotification(string(mcp.ToolsListChangedNotificationMethod), nil)
	if err != nil {
		return err
	}
	return p.transport.Send(ctx, n)
}

// Close stops the engine. The transport is closed by its owner.
func (p *Protocol) Close() error {
	p.closed.Store(true)
	return nil
}

func unmarshalParams(msg *jsonrpc.Message, v any) error {
	if len(msg.Params) == 0 {
		return nil
	}
	return json.Unmarshal(msg.Params, v)
}
