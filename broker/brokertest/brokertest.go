// Package brokertest is a conformance suite for broker.Broker implementations.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/broker"
)

// BrokerFactory creates a fresh broker for one subtest.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the suite against brokers produced by factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("DeliversMessagesPublishedAfterSubscribe", func(t *testing.T) { testLive(t, factory(t)) })
	t.Run("ResumesAfterLastEventID", func(t *testing.T) { testResume(t, factory(t)) })
	t.Run("UnknownLastEventIDStartsAtTail", func(t *testing.T) { testUnknownResume(t, factory(t)) })
	t.Run("NamespaceIsolation", func(t *testing.T) { testIsolation(t, factory(t)) })
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerError(t, factory(t)) })
	t.Run("CleanupEndsSubscription", func(t *testing.T) { testCleanup(t, factory(t)) })
}

type collector struct {
	mu   sync.Mutex
	got  []broker.MessageEnvelope
	want int
	done chan struct{}
}

func newCollector(want int) *collector {
	return &collector{want: want, done: make(chan struct{})}
}

func (c *collector) handle(_ context.Context, env broker.MessageEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, env)
	if len(c.got) == c.want {
		close(c.done)
	}
	return nil
}

func (c *collector) wait(t *testing.T) []broker.MessageEnvelope {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		c.mu.Lock()
		defer c.mu.Unlock()
		t.Fatalf("timed out with %d/%d messages", len(c.got), c.want)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]broker.MessageEnvelope(nil), c.got...)
}

func subscribe(t *testing.T, b broker.Broker, ns, last string, h broker.MessageHandler) (cancel func(), errc <-chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- b.Subscribe(ctx, ns, last, h) }()
	// Give the subscriber a moment to anchor at the tail.
	time.Sleep(50 * time.Millisecond)
	return cancelFn, ch
}

func publish(t *testing.T, b broker.Broker, ns string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := b.Publish(context.Background(), ns, []byte(fmt.Sprintf(`{"n":%d}`, i)))
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func testLive(t *testing.T, b broker.Broker) {
	publish(t, b, "live", 2) // before subscribe: not delivered

	c := newCollector(3)
	cancel, _ := subscribe(t, b, "live", "", c.handle)
	defer cancel()

	ids := publish(t, b, "live", 3)
	got := c.wait(t)
	for i := range ids {
		if got[i].ID != ids[i] {
			t.Fatalf("message %d: want id %s, got %s", i, ids[i], got[i].ID)
		}
		if string(got[i].Data) != fmt.Sprintf(`{"n":%d}`, i) {
			t.Fatalf("message %d: unexpected data %s", i, got[i].Data)
		}
	}
}

func testResume(t *testing.T, b broker.Broker) {
	ids := publish(t, b, "resume", 4)

	c := newCollector(2)
	cancel, _ := subscribe(t, b, "resume", ids[1], c.handle)
	defer cancel()

	got := c.wait(t)
	if got[0].ID != ids[2] || got[1].ID != ids[3] {
		t.Fatalf("want replay of %v, got %v", ids[2:], []string{got[0].ID, got[1].ID})
	}
}

func testUnknownResume(t *testing.T, b broker.Broker) {
	publish(t, b, "unknown", 2)

	c := newCollector(1)
	cancel, _ := subscribe(t, b, "unknown", "not-an-id", c.handle)
	defer cancel()

	ids := publish(t, b, "unknown", 1)
	if got := c.wait(t); got[0].ID != ids[0] {
		t.Fatalf("want %s, got %s", ids[0], got[0].ID)
	}
}

func testIsolation(t *testing.T, b broker.Broker) {
	c := newCollector(1)
	cancel, _ := subscribe(t, b, "ns-a", "", c.handle)
	defer cancel()

	publish(t, b, "ns-b", 1)
	ids := publish(t, b, "ns-a", 1)
	if got := c.wait(t); len(got) != 1 || got[0].ID != ids[0] {
		t.Fatalf("namespace leak: %v", got)
	}
}

func testHandlerError(t *testing.T, b broker.Broker) {
	stop := errors.New("stop")
	cancel, errc := subscribe(t, b, "stop", "", func(context.Context, broker.MessageEnvelope) error { return stop })
	defer cancel()

	publish(t, b, "stop", 1)
	select {
	case err := <-errc:
		if !errors.Is(err, stop) {
			t.Fatalf("want handler error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("subscription did not stop")
	}
}

func testCleanup(t *testing.T, b broker.Broker) {
	cancel, errc := subscribe(t, b, "gone", "", func(context.Context, broker.MessageEnvelope) error { return nil })
	defer cancel()

	if err := b.Cleanup(context.Background(), "gone"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("want clean end, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("subscription survived cleanup")
	}
	if _, err := b.Publish(context.Background(), "gone", []byte(`{}`)); !errors.Is(err, broker.ErrNamespaceClosed) {
		t.Fatalf("want ErrNamespaceClosed, got %v", err)
	}
}
