// Package broker fans server-initiated messages out to the GET event streams
// of streamable HTTP sessions, with replay from a Last-Event-ID.
package broker

import (
	"context"
	"errors"
)

// ErrNamespaceClosed is returned by Publish after Cleanup for the namespace.
var ErrNamespaceClosed = errors.New("broker: namespace closed")

// Broker delivers messages published to a namespace, in order, to every
// subscriber of that namespace. Namespaces are MCP session ids.
type Broker interface {
	// Publish appends data to namespace and returns its event id.
	Publish(ctx context.Context, namespace string, data []byte) (eventID string, err error)

	// Subscribe calls handler for each message published to namespace until
	// ctx ends, handler returns an error, or the namespace is cleaned up.
	// With an empty lastEventID delivery starts with the next published
	// message; otherwise it resumes after lastEventID. An unknown
	// lastEventID behaves like an empty one.
	Subscribe(ctx context.Context, namespace string, lastEventID string, handler MessageHandler) error

	// Cleanup drops retained messages and ends active subscriptions.
	Cleanup(ctx context.Context, namespace string) error
}

// MessageHandler receives one envelope. Returning an error stops the subscription.
type MessageHandler func(ctx context.Context, env MessageEnvelope) error

// MessageEnvelope wraps a message with its event id.
type MessageEnvelope struct {
	ID   string `json:"id"`
	Data []byte `json:"data"`
}
