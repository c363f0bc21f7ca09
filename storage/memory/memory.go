// Package memory implements storage.Storage on a bounded LRU cache.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ggoodman/mcp-gateway/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Storage is an in-process storage.Storage. The least recently used entries
// are evicted once maxItems is reached.
type Storage struct {
	cache *lru.Cache[string, *storage.Item]

	closeOnce sync.Once
	stop      chan struct{}
}

// New creates a Storage holding at most maxItems entries and sweeping
// expired entries every sweep interval (one minute when zero).
func New(maxItems int, sweep time.Duration) (*Storage, error) {
	cache, err := lru.New[string, *storage.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	if sweep <= 0 {
		sweep = time.Minute
	}
	s := &Storage{cache: cache, stop: make(chan struct{})}
	go s.sweepExpired(sweep)
	return s, nil
}

func (s *Storage) closed() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Storage) Get(_ context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	if s.closed() {
		return nil, storage.ErrClosed
	}
	o := storage.Apply(opts...)
	k := storage.Key(o.Namespace, key)

	item, ok := s.cache.Get(k)
	if !ok {
		return nil, nil
	}
	if item.IsExpired() {
		s.cache.Remove(k)
		return nil, nil
	}
	return item, nil
}

func (s *Storage) Set(_ context.Context, key string, data []byte, opts ...storage.Option) error {
	if s.closed() {
		return storage.ErrClosed
	}
	o := storage.Apply(opts...)

	now := time.Now()
	item := &storage.Item{Data: append([]byte(nil), data...), CreatedAt: now}
	if o.TTL > 0 {
		exp := now.Add(o.TTL)
		item.ExpiresAt = &exp
	}
	s.cache.Add(storage.Key(o.Namespace, key), item)
	return nil
}

func (s *Storage) Delete(_ context.Context, key string, opts ...storage.Option) error {
	if s.closed() {
		return storage.ErrClosed
	}
	o := storage.Apply(opts...)
	s.cache.Remove(storage.Key(o.Namespace, key))
	return nil
}

func (s *Storage) Ping(context.Context) error {
	if s.closed() {
		return storage.ErrClosed
	}
	return nil
}

func (s *Storage) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.cache.Purge()
	})
	return nil
}

func (s *Storage) sweepExpired(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		for _, k := range s.cache.Keys() {
			if item, ok := s.cache.Peek(k); ok && item.IsExpired() {
				s.cache.Remove(k)
			}
		}
	}
}

var _ storage.Storage = (*Storage)(nil)
