// Package redis provides a broker.Broker on Redis Streams so that a session's
// GET stream can be served by any node.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/mcp-gateway/broker"
	"github.com/redis/go-redis/v9"
)

// Broker is a Redis Streams implementation of broker.Broker.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
	ttl       time.Duration
}

// Config contains configuration options for the Redis broker.
type Config struct {
	Client redis.UniversalClient
	// KeyPrefix defaults to "mcp:broker:".
	KeyPrefix string
	// MaxLen approximately caps each stream. Defaults to 1000.
	MaxLen int64
	// TTL is refreshed on every publish so abandoned streams expire.
	// Defaults to one hour.
	TTL time.Duration
}

// New creates a Redis-backed broker.
func New(cfg Config) *Broker {
	client := cfg.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	}
	b := &Broker{client: client, keyPrefix: cfg.KeyPrefix, maxLen: cfg.MaxLen, ttl: cfg.TTL}
	if b.keyPrefix == "" {
		b.keyPrefix = "mcp:broker:"
	}
	if b.maxLen <= 0 {
		b.maxLen = 1000
	}
	if b.ttl <= 0 {
		b.ttl = time.Hour
	}
	return b
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

func (b *Broker) Publish(ctx context.Context, namespace string, data []byte) (string, error) {
	key := b.streamKey(namespace)
	if n, err := b.client.Exists(ctx, b.closedKey(namespace)).Result(); err == nil && n > 0 {
		return "", broker.ErrNamespaceClosed
	}

	var add *redis.StringCmd
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		add = p.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: b.maxLen,
			Approx: true,
			Values: map[string]any{"data": data},
		})
		p.Expire(ctx, key, b.ttl)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish to stream %s: %w", key, err)
	}
	return add.Val(), nil
}

func (b *Broker) Subscribe(ctx context.Context, namespace string, lastEventID string, handler broker.MessageHandler) error {
	key := b.streamKey(namespace)

	startID := lastEventID
	if !validStreamID(startID) {
		startID = "0-0"
		last, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to read stream tail %s: %w", key, err)
		}
		if len(last) > 0 {
			startID = last[0].ID
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if n, err := b.client.Exists(ctx, b.closedKey(namespace)).Result(); err == nil && n > 0 {
			return nil
		}

		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, startID},
			Count:   64,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read from stream %s: %w", key, err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				startID = msg.ID
				data, ok := msg.Values["data"].(string)
				if !ok {
					continue
				}
				if err := handler(ctx, broker.MessageEnvelope{ID: msg.ID, Data: []byte(data)}); err != nil {
					return err
				}
			}
		}
	}
}

// Cleanup deletes the stream and leaves a short-lived tombstone so that
// subscribers on other nodes stop.
func (b *Broker) Cleanup(ctx context.Context, namespace string) error {
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, b.streamKey(namespace))
		p.Set(ctx, b.closedKey(namespace), 1, b.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to cleanup namespace %s: %w", namespace, err)
	}
	return nil
}

func validStreamID(id string) bool {
	ms, seq, found := strings.Cut(id, "-")
	if _, err := strconv.ParseUint(ms, 10, 64); err != nil {
		return false
	}
	if !found {
		return true
	}
	_, err := strconv.ParseUint(seq, 10, 64)
	return err == nil
}

func (b *Broker) streamKey(namespace string) string {
	return b.keyPrefix + "stream:" + namespace
}

func (b *Broker) closedKey(namespace string) string {
	return b.keyPrefix + "closed:" + namespace
}

var _ broker.Broker = (*Broker)(nil)
