package credstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/storage"
	"github.com/ggoodman/mcp-gateway/storage/memory"
)

func newStore(t *testing.T) *StorageStore {
	t.Helper()
	backend, err := memory.New(64, 0)
	if err != nil {
		t.Fatal(err)
	}
	s := New(backend)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAssociateAndResolve(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	credID, err := s.SaveCredential(ctx, auth.Identity{UserID: "u1", Token: "tok", Scopes: []string{"mcp:tools"}})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.AssociateSession(ctx, "sess-1", credID); err != nil {
		t.Fatalf("associate: %v", err)
	}

	id, ok, err := s.ResolveSession(ctx, "sess-1")
	if err != nil || !ok {
		t.Fatalf("resolve: ok=%v err=%v", ok, err)
	}
	if id.UserID != "u1" || id.Token != "tok" || id.CredentialSessionID != credID {
		t.Fatalf("unexpected identity %+v", id)
	}

	if err := s.RemoveSessionAssociation(ctx, "sess-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := s.ResolveSession(ctx, "sess-1"); ok {
		t.Fatalf("association survived removal")
	}
	if err := s.RemoveSessionAssociation(ctx, "sess-1"); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}

func TestRequiresInitialize(t *testing.T) {
	backend, err := memory.New(4, 0)
	if err != nil {
		t.Fatal(err)
	}
	s := New(backend)
	defer s.Close()

	if err := s.AssociateSession(context.Background(), "a", "b"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("want ErrNotInitialized, got %v", err)
	}
}

func TestTTL(t *testing.T) {
	ctx := context.Background()
	backend, err := memory.New(16, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	expiry := func(t *testing.T, ns, key string) time.Duration {
		t.Helper()
		item, err := backend.Get(ctx, key, storage.WithNamespace(ns))
		if err != nil || item == nil || item.ExpiresAt == nil {
			t.Fatalf("%s/%s: item=%v err=%v", ns, key, item, err)
		}
		return time.Until(*item.ExpiresAt)
	}

	t.Run("Default", func(t *testing.T) {
		s := New(backend)
		if err := s.Initialize(ctx); err != nil {
			t.Fatal(err)
		}
		credID, err := s.SaveCredential(ctx, auth.Identity{UserID: "u1"})
		if err != nil {
			t.Fatal(err)
		}
		if err := s.AssociateSession(ctx, "sess-default", credID); err != nil {
			t.Fatal(err)
		}
		for _, left := range []time.Duration{
			expiry(t, credentialNamespace, credID),
			expiry(t, associationNamespace, "sess-default"),
		} {
			if left <= DefaultTTL-time.Minute || left > DefaultTTL {
				t.Fatalf("want about %v left, got %v", DefaultTTL, left)
			}
		}
	})

	t.Run("RefreshSlidesExpiry", func(t *testing.T) {
		s := New(backend, WithTTL(time.Second))
		if err := s.Initialize(ctx); err != nil {
			t.Fatal(err)
		}
		credID, err := s.SaveCredential(ctx, auth.Identity{UserID: "u1"})
		if err != nil {
			t.Fatal(err)
		}
		if err := s.AssociateSession(ctx, "sess-slide", credID); err != nil {
			t.Fatal(err)
		}

		for i := 0; i < 3; i++ {
			time.Sleep(600 * time.Millisecond)
			if err := s.RefreshSession(ctx, "sess-slide", credID); err != nil {
				t.Fatalf("refresh: %v", err)
			}
		}
		id, ok, err := s.ResolveSession(ctx, "sess-slide")
		if err != nil || !ok {
			t.Fatalf("refreshed session expired: ok=%v err=%v", ok, err)
		}
		if want, got := "u1", id.UserID; want != got {
			t.Fatalf("want %q, got %q", want, got)
		}
	})
}
