// Package storage is the key-value layer under the credential store.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage stores opaque values under namespaced keys with optional expiry.
type Storage interface {
	// Get returns nil, nil when the key is absent or expired.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes one key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string, opts ...Option) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Item is a stored value with metadata.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// IsExpired reports whether the item's TTL has elapsed.
func (it *Item) IsExpired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

// Option configures a storage operation.
type Option func(*Options)

// Options is the resolved form of a list of Option values.
type Options struct {
	Namespace string
	TTL       time.Duration
}

// Apply resolves opts.
func Apply(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithNamespace scopes the key, e.g. "credentials" or "associations".
func WithNamespace(ns string) Option {
	return func(o *Options) { o.Namespace = ns }
}

// WithTTL expires the value after ttl. Zero means no expiry.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = ttl }
}

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("storage: closed")

// Key joins a namespace and key the way every backend lays them out.
func Key(ns, key string) string {
	if ns == "" {
		return "global:" + key
	}
	return ns + ":" + key
}
