package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/broker"
	"github.com/ggoodman/mcp-gateway/engine"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
)

// sessionHandle is the transport of one streamable session. It is created
// for a pre-generated id before the session exists; onInitialized makes the
// session live and onClosed ends it.
type sessionHandle struct {
	id     string
	broker broker.Broker

	onInitialized func(ctx context.Context, id string, t *sessionHandle, who auth.Identity) (engine.Engine, error)
	onClosed      func(ctx context.Context, id string)

	live      atomic.Bool
	closeOnce sync.Once
}

var errNotInitialize = errors.New("session must be opened with an initialize request")

// open processes the frame that opens the session. Only an initialize
// request may do so.
func (s *sessionHandle) open(ctx context.Context, msg *jsonrpc.Message, who auth.Identity) (*jsonrpc.Message, error) {
	if msg.Kind() != jsonrpc.KindRequest || msg.Method != "initialize" {
		return nil, errNotInitialize
	}

	eng, err := s.onInitialized(ctx, s.id, s, who)
	if err != nil {
		return nil, err
	}
	s.live.Store(true)

	var resp *jsonrpc.Message
	err = auth.RunWithIdentity(ctx, who, func(ctx context.Context) error {
		var err error
		resp, err = eng.Handle(ctx, msg)
		return err
	})
	if err == nil && resp != nil && resp.Error != nil {
		err = resp.Error
	}
	if err != nil {
		s.onClosed(context.WithoutCancel(ctx), s.id)
		return resp, fmt.Errorf("initialize: %w", err)
	}
	return resp, nil
}

func (s *sessionHandle) Send(ctx context.Context, msg *jsonrpc.Message) error {
	if !s.live.Load() {
		return engine.ErrClosed
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := s.broker.Publish(ctx, s.id, b); err != nil {
		if errors.Is(err, broker.ErrNamespaceClosed) {
			return engine.ErrClosed
		}
		return err
	}
	return nil
}

// Close ends every GET stream of the session.
func (s *sessionHandle) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.live.Store(false)
		err = s.broker.Cleanup(context.Background(), s.id)
	})
	return err
}

var _ engine.Transport = (*sessionHandle)(nil)
