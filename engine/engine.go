// Package engine defines the per-session protocol engine and the transport
// handle it writes server-initiated messages through.
package engine

import (
	"context"
	"errors"

	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
)

// ErrClosed is returned by an engine or transport after Close.
var ErrClosed = errors.New("engine: closed")

// Transport is the outbound half of a session's connection.
type Transport interface {
	// Send delivers a server-initiated message to the client.
	Send(ctx context.Context, msg *jsonrpc.Message) error
	Close() error
}

// Engine processes the inbound frames of exactly one session. Frames handed
// to one engine are processed one at a time in the order Handle is called.
type Engine interface {
	// Handle processes one inbound message and returns the response to send
	// back, or nil for notifications and responses.
	Handle(ctx context.Context, msg *jsonrpc.Message) (*jsonrpc.Message, error)

	// NotifyToolsListChanged tells the client the tool set changed.
	NotifyToolsListChanged(ctx context.Context) error

	Close() error
}

// Factory builds the engine for a new session bound to t.
type Factory func(ctx context.Context, sessionID string, t Transport) (Engine, error)
