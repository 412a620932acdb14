package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/walletconnect-labs/relay/internal/relaystore"
)

// NATSBus implements relaystore.Bus on core NATS pub/sub. Cross-node
// fan-out only needs at-least-once delivery to currently-live subscribers;
// persistence and retention belong to the Redis-backed Store, so no
// JetStream stream is provisioned here.
type NATSBus struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATSBus connects to a NATS server for cross-node channel fan-out.
func NewNATSBus(url, nodeID string) (*NATSBus, error) {
	logger := slog.Default().With("component", "nats-bus")

	opts := []nats.Option{
		nats.Name(nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, &relaystore.FatalStoreError{Op: "nats connect", Err: err}
	}

	return &NATSBus{conn: nc, logger: logger}, nil
}

// Close drains the connection, flushing any in-flight publishes before
// disconnecting.
func (b *NATSBus) Close() error {
	return b.conn.Drain()
}

// Ping verifies connectivity to NATS, for the ambient health endpoint.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("nats: not connected")
	}
	return nil
}

// Publish fans payload out to every live Subscribe stream on channel.
func (b *NATSBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.conn.Publish(channel, payload); err != nil {
		return &relaystore.TransientStoreError{Op: fmt.Sprintf("publish %q", channel), Err: err}
	}
	return nil
}

// Subscribe returns a live stream of payloads published to channel.
func (b *NATSBus) Subscribe(ctx context.Context, channel string) (relaystore.Subscription, error) {
	ns := &natsSubscription{msgs: make(chan []byte, 64)}

	sub, err := b.conn.Subscribe(channel, func(m *nats.Msg) {
		ns.mu.Lock()
		defer ns.mu.Unlock()
		if ns.closed {
			return
		}
		select {
		case ns.msgs <- m.Data:
		default:
			b.logger.Warn("dropping cross-node message, subscriber stream full", "channel", channel)
		}
	})
	if err != nil {
		close(ns.msgs)
		return nil, &relaystore.TransientStoreError{Op: fmt.Sprintf("subscribe %q", channel), Err: err}
	}

	ns.sub = sub
	return ns, nil
}

// natsSubscription implements relaystore.Subscription. closed/mu guard
// against the delivery callback sending on msgs after Close has closed it;
// NATS's Unsubscribe does not guarantee no callback is already in flight.
type natsSubscription struct {
	sub  *nats.Subscription
	msgs chan []byte

	mu     sync.Mutex
	closed bool
}

func (s *natsSubscription) Messages() <-chan []byte { return s.msgs }

// Close unsubscribes and closes the message channel so any drainChannel
// goroutine ranging over Messages() returns, per the Subscription contract.
// Idempotent.
func (s *natsSubscription) Close() error {
	err := s.sub.Unsubscribe()

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.msgs)
	}
	s.mu.Unlock()

	return err
}

var _ relaystore.Bus = (*NATSBus)(nil)
