// Package memory provides a single-process broker.Broker.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ggoodman/mcp-gateway/broker"
)

// DefaultRetention is the number of messages kept per namespace for replay.
const DefaultRetention = 256

// TombstoneTTL is how long a cleaned up namespace keeps rejecting publishes.
// It matches the redis broker's default stream TTL.
const TombstoneTTL = time.Hour

// Broker implements broker.Broker with in-memory buffers.
type Broker struct {
	mu         sync.Mutex
	namespaces map[string]*namespace
	seq        int64
	retention  int

	// tombstones maps cleaned up namespaces to their expiry.
	tombstones map[string]time.Time
	lastPrune  time.Time
	now        func() time.Time
}

type namespace struct {
	messages []entry
	// wake is closed and replaced on every publish.
	wake   chan struct{}
	closed bool
}

type entry struct {
	seq int64
	env broker.MessageEnvelope
}

// New creates a Broker retaining up to retention messages per namespace.
// A non-positive retention selects DefaultRetention.
func New(retention int) *Broker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Broker{
		namespaces: make(map[string]*namespace),
		retention:  retention,
		tombstones: make(map[string]time.Time),
		now:        time.Now,
	}
}

func (b *Broker) tombstoned(name string) bool {
	exp, ok := b.tombstones[name]
	return ok && b.now().Before(exp)
}

// pruneLocked drops expired tombstones, at most once per minute.
func (b *Broker) pruneLocked() {
	now := b.now()
	if now.Sub(b.lastPrune) < time.Minute {
		return
	}
	b.lastPrune = now
	for name, exp := range b.tombstones {
		if !now.Before(exp) {
			delete(b.tombstones, name)
		}
	}
}

func (b *Broker) ns(name string) *namespace {
	ns, ok := b.namespaces[name]
	if !ok {
		ns = &namespace{wake: make(chan struct{})}
		b.namespaces[name] = ns
	}
	return ns
}

func (b *Broker) Publish(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tombstoned(name) {
		return "", broker.ErrNamespaceClosed
	}
	ns := b.ns(name)
	b.seq++
	id := strconv.FormatInt(b.seq, 10)
	ns.messages = append(ns.messages, entry{seq: b.seq, env: broker.MessageEnvelope{ID: id, Data: append([]byte(nil), data...)}})
	if over := len(ns.messages) - b.retention; over > 0 {
		ns.messages = append(ns.messages[:0:0], ns.messages[over:]...)
	}
	close(ns.wake)
	ns.wake = make(chan struct{})
	return id, nil
}

func (b *Broker) Subscribe(ctx context.Context, name string, lastEventID string, handler broker.MessageHandler) error {
	b.mu.Lock()
	if b.tombstoned(name) {
		b.mu.Unlock()
		return nil
	}
	ns := b.ns(name)
	var pos int64
	if n, err := strconv.ParseInt(lastEventID, 10, 64); err == nil && n <= b.seq {
		pos = n
	} else {
		pos = b.seq
	}
	b.mu.Unlock()

	for {
		b.mu.Lock()
		if ns.closed {
			b.mu.Unlock()
			return nil
		}
		var pending []broker.MessageEnvelope
		for _, e := range ns.messages {
			if e.seq > pos {
				pending = append(pending, e.env)
				pos = e.seq
			}
		}
		wake := ns.wake
		b.mu.Unlock()

		for _, env := range pending {
			if err := handler(ctx, env); err != nil {
				return err
			}
		}
		if len(pending) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

func (b *Broker) Cleanup(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Late publishes fail against the tombstone until it expires.
	b.pruneLocked()
	b.tombstones[name] = b.now().Add(TombstoneTTL)

	ns, ok := b.namespaces[name]
	if !ok {
		return nil
	}
	delete(b.namespaces, name)
	ns.closed = true
	ns.messages = nil
	close(ns.wake)
	return nil
}

var _ broker.Broker = (*Broker)(nil)
