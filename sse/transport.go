package sse

import (
	"context"
	"sync"

	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/engine"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
)

// transport is the outbound queue of one SSE session. The stream goroutine
// owned by the GET request drains it.
type transport struct {
	identity auth.Identity

	out    chan *jsonrpc.Message
	closed chan struct{}
	once   sync.Once
}

func newTransport(id auth.Identity, buffer int) *transport {
	return &transport{
		identity: id,
		out:      make(chan *jsonrpc.Message, buffer),
		closed:   make(chan struct{}),
	}
}

func (t *transport) Send(ctx context.Context, msg *jsonrpc.Message) error {
	select {
	case <-t.closed:
		return engine.ErrClosed
	default:
	}
	select {
	case t.out <- msg:
		return nil
	case <-t.closed:
		return engine.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *transport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

var _ engine.Transport = (*transport)(nil)
