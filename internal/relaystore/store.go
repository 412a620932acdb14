// Package relaystore defines the shared-store contract (C1) that every
// other core component depends on: a content-addressed KV+list store with
// ttl, and a pub/sub bus for cross-node fan-out. internal/storage provides
// the Redis- and NATS-backed implementations; registry, broker, and history
// depend only on these interfaces so they can be driven by in-memory fakes
// in unit tests.
package relaystore

import (
	"context"
	"time"
)

// Store is the KV+TTL+list half of the shared store.
type Store interface {
	// SetWithTTL durably stores value under key until ttl elapses.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the latest value for key, or ok=false if absent or
	// expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Delete removes key if present. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// PushToList appends entry to the list at key, resetting the list's
	// ttl to the given value. A ttl of zero or less leaves the list with
	// no expiry.
	PushToList(ctx context.Context, key string, entry []byte, ttl time.Duration) error

	// RangeList returns every entry at key in append order, or an empty
	// slice if the key is absent.
	RangeList(ctx context.Context, key string) ([][]byte, error)
}

// Bus is the pub/sub half of the shared store: the cross-node channel.
type Bus interface {
	// Publish fans payload out to every live Subscribe stream on channel,
	// on this node and every other node sharing the bus.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a stream of payloads published to channel. The
	// returned Subscription must be closed by the caller when no longer
	// needed.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription is a live cross-node channel subscription.
type Subscription interface {
	// Messages yields payloads in publish order. The channel is closed
	// when the subscription is closed; losing the bus connection does not
	// close it.
	Messages() <-chan []byte

	// Close releases the subscription. Idempotent.
	Close() error
}
