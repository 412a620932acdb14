// Package socket implements the Socket Session Layer (C4): the WebSocket
// accept loop, per-connection read/write pumps, and the state machine that
// turns protocol/capacity/transient failures into the close codes spec 7.
// calls for.
package socket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/walletconnect-labs/relay/internal/domain"
)

// Relay is the narrow surface the socket layer dispatches inbound
// JSON-RPC calls to. It is implemented by a small adapter composing the
// registry, broker, and history -- the socket layer never imports any of
// those packages directly, the same cyclic-ownership break the registry
// and broker use between themselves.
type Relay interface {
	Publish(ctx context.Context, from domain.SocketID, topic domain.Topic, payload string, ttl time.Duration) (uint64, error)
	Subscribe(ctx context.Context, socketID domain.SocketID, topic domain.Topic) (domain.SubscriptionID, error)
	Unsubscribe(ctx context.Context, socketID domain.SocketID, subscriptionID domain.SubscriptionID) error
	Acknowledge(ctx context.Context, socketID domain.SocketID, topic domain.Topic, messageHash string) error
	OnClose(ctx context.Context, socketID domain.SocketID)

	HistorySet(ctx context.Context, topic domain.Topic, id uint64, req domain.JSONRPCRequest, chainID string) error
	HistoryUpdate(ctx context.Context, topic domain.Topic, id uint64, resp domain.JSONRPCResponse) error
	HistoryGet(ctx context.Context, topic domain.Topic, id uint64) (domain.HistoryRecord, error)
	HistoryDelete(ctx context.Context, topic domain.Topic, id *uint64) error
	HistoryPending(ctx context.Context) ([]domain.HistoryRecord, error)
}

// Config tunes the socket layer's timing and capacity limits, sourced from
// the process configuration.
type Config struct {
	BeatInterval  time.Duration
	MaxFrameBytes int64
	SendBuffer    int
}

func (c Config) withDefaults() Config {
	if c.BeatInterval <= 0 {
		c.BeatInterval = 5 * time.Second
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 512 * 1024
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	return c
}

// Hub owns every live connection on this node and implements broker.Sender
// so the message broker can push relay_subscription frames without knowing
// anything about WebSocket framing.
type Hub struct {
	cfg    Config
	relay  Relay
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[domain.SocketID]*Client

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

// NewHub constructs a Hub. relay may be nil at construction time and set
// later via SetRelay, to break the construction-order cycle between the
// hub (which the broker needs as a Sender) and the relay adapter (which
// needs the broker). Run must be started in its own goroutine before any
// client is accepted.
func NewHub(relay Relay, cfg Config) *Hub {
	return &Hub{
		cfg:        cfg.withDefaults(),
		relay:      relay,
		logger:     slog.Default().With("component", "socket-hub"),
		clients:    make(map[domain.SocketID]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// SetRelay binds the dispatch target. Must be called before Accept; not
// safe for concurrent use with dispatch.
func (h *Hub) SetRelay(relay Relay) {
	h.relay = relay
}

// Run drives client registration until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			h.mu.Unlock()
			h.logger.Info("socket registered", "socket", c.id, "total", h.count())

		case c := <-h.unregister:
			h.mu.Lock()
			if existing, ok := h.clients[c.id]; ok && existing == c {
				delete(h.clients, c.id)
			}
			h.mu.Unlock()
			h.relay.OnClose(context.Background(), c.id)
			h.logger.Info("socket unregistered", "socket", c.id, "total", h.count())

		case <-ctx.Done():
			h.shutdown()
			return
		}
	}
}

// Done returns a channel closed once Run has finished shutting down every
// socket, for callers bounding the shutdown grace window.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// shutdown closes every live socket with code 1012 (service restart) ahead
// of process exit, per spec 5.'s shutdown grace window.
func (h *Hub) shutdown() {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.closeWithCode(closeServiceRestart, "server shutting down")
	}
}

// SendToSocket implements broker.Sender: enqueue frame for delivery to
// socketID. Returns an error if the socket is unknown or its send buffer
// is saturated; the caller (broker) treats this as "did not deliver" and
// leaves the message retained.
func (h *Hub) SendToSocket(socketID domain.SocketID, frame []byte) error {
	h.mu.RLock()
	c, ok := h.clients[socketID]
	h.mu.RUnlock()
	if !ok {
		return ErrUnknownSocket
	}
	return c.enqueue(frame)
}

// Accept registers a fresh connection and starts its pumps. Callers obtain
// conn from the HTTP upgrade handshake.
func (h *Hub) Accept(conn Conn) *Client {
	c := newClient(h, conn)
	h.register <- c
	go c.writePump()
	go c.readPump()
	return c
}
