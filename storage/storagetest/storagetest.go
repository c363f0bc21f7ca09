// Package storagetest is a conformance suite for storage.Storage backends.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/storage"
)

// Factory returns a fresh backend for one subtest.
type Factory func(t *testing.T) storage.Storage

// Run runs the suite.
func Run(t *testing.T, factory Factory) {
	t.Run("SetGet", func(t *testing.T) { testSetGet(t, factory(t)) })
	t.Run("Missing", func(t *testing.T) { testMissing(t, factory(t)) })
	t.Run("NamespaceIsolation", func(t *testing.T) { testNamespaces(t, factory(t)) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, factory(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory(t)) })
}

func mustGet(t *testing.T, s storage.Storage, key string, opts ...storage.Option) *storage.Item {
	t.Helper()
	it, err := s.Get(context.Background(), key, opts...)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	return it
}

func mustSet(t *testing.T, s storage.Storage, key, val string, opts ...storage.Option) {
	t.Helper()
	if err := s.Set(context.Background(), key, []byte(val), opts...); err != nil {
		t.Fatalf("set %s: %v", key, err)
	}
}

func testSetGet(t *testing.T, s storage.Storage) {
	mustSet(t, s, "k", "v")
	it := mustGet(t, s, "k")
	if it == nil || string(it.Data) != "v" {
		t.Fatalf("want v, got %+v", it)
	}
	if it.CreatedAt.IsZero() {
		t.Fatalf("created at not set")
	}
}

func testMissing(t *testing.T, s storage.Storage) {
	if it := mustGet(t, s, "absent"); it != nil {
		t.Fatalf("want nil, got %+v", it)
	}
}

func testNamespaces(t *testing.T, s storage.Storage) {
	mustSet(t, s, "k", "a", storage.WithNamespace("a"))
	mustSet(t, s, "k", "b", storage.WithNamespace("b"))

	if it := mustGet(t, s, "k", storage.WithNamespace("a")); it == nil || string(it.Data) != "a" {
		t.Fatalf("namespace a: %+v", it)
	}
	if it := mustGet(t, s, "k", storage.WithNamespace("b")); it == nil || string(it.Data) != "b" {
		t.Fatalf("namespace b: %+v", it)
	}
	if it := mustGet(t, s, "k"); it != nil {
		t.Fatalf("global namespace leaked: %+v", it)
	}
}

func testTTL(t *testing.T, s storage.Storage) {
	mustSet(t, s, "short", "x", storage.WithTTL(100*time.Millisecond))
	if it := mustGet(t, s, "short"); it == nil || it.ExpiresAt == nil {
		t.Fatalf("want live item with expiry, got %+v", it)
	}
	time.Sleep(250 * time.Millisecond)
	if it := mustGet(t, s, "short"); it != nil {
		t.Fatalf("item survived ttl: %+v", it)
	}
}

func testDelete(t *testing.T, s storage.Storage) {
	mustSet(t, s, "k", "v", storage.WithNamespace("ns"))
	if err := s.Delete(context.Background(), "k", storage.WithNamespace("ns")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if it := mustGet(t, s, "k", storage.WithNamespace("ns")); it != nil {
		t.Fatalf("item survived delete")
	}
	if err := s.Delete(context.Background(), "k", storage.WithNamespace("ns")); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}
