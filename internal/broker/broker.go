// Package broker implements the Message Broker (C3): publish/acknowledge
// semantics, retained-until-acked storage, and cross-node fan-out driven
// off the registry's local-interest notifications.
package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/walletconnect-labs/relay/internal/domain"
	"github.com/walletconnect-labs/relay/internal/jsonrpc"
	"github.com/walletconnect-labs/relay/internal/relaystore"
	"github.com/walletconnect-labs/relay/internal/storage"
)

// SubscriberLookup is the narrow slice of the registry the broker needs: it
// never receives the registry itself, per the cyclic-ownership note this
// core follows throughout.
type SubscriberLookup interface {
	SocketsForTopic(topic domain.Topic) []domain.SocketID
	SubscriptionIDFor(socketID domain.SocketID, topic domain.Topic) (domain.SubscriptionID, bool)
}

// Sender is the outbound-send function the broker needs, not the socket
// hub that owns it. Any socket close on a failed send is the sender's
// business (the socket hub closes a socket whose send buffer is saturated
// with code 1013); the broker only needs to know the send did not succeed
// so it can leave the message retained.
type Sender interface {
	SendToSocket(socketID domain.SocketID, frame []byte) error
}

// kindMessage tags broker message fan-out on a topic's shared channel. The
// registry's interest notices travel on the same channel under their own
// kinds, which drainChannel ignores.
const (
	kindMessage = "message"
)

// busMessage is the cross-node fan-out envelope for a published message.
type busMessage struct {
	Kind      string    `json:"kind"`
	Topic     string    `json:"topic"`
	Payload   string    `json:"payload"`
	Hash      string    `json:"messageHash"`
	ExpiresAt time.Time `json:"expiresAt"`
	Origin    string    `json:"origin"`
}

// retainedEntry is the durable, cross-node-visible record of one retained
// message, persisted as a JSON array under storage.RetainedKey(topic).
type retainedEntry struct {
	Hash      string    `json:"messageHash"`
	Payload   string    `json:"payload"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// pendingAck tracks, on this node only, which local sockets still owe an
// ack for one retained message.
type pendingAck struct {
	payload  string
	eligible map[domain.SocketID]struct{}
}

// Broker is the C3 Message Broker.
type Broker struct {
	store  relaystore.Store
	bus    relaystore.Bus
	lookup SubscriberLookup
	sender Sender
	nodeID string
	defaultTTL time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	pending map[domain.Topic]map[string]*pendingAck // topic -> hash -> ack state
	subs    map[domain.Topic]relaystore.Subscription // topics this node actively listens to on the bus

	msgCounter uint64
}

// New constructs a Broker. defaultTTL is applied to a publish that omits
// its own ttl.
func New(store relaystore.Store, bus relaystore.Bus, lookup SubscriberLookup, sender Sender, nodeID string, defaultTTL time.Duration) *Broker {
	return &Broker{
		store:      store,
		bus:        bus,
		lookup:     lookup,
		sender:     sender,
		nodeID:     nodeID,
		defaultTTL: defaultTTL,
		logger:     slog.Default().With("component", "broker"),
		pending:    make(map[domain.Topic]map[string]*pendingAck),
		subs:       make(map[domain.Topic]relaystore.Subscription),
	}
}

// HandleLocalInterestChange is the InterestChangeFunc the registry invokes
// when local interest in a topic starts or stops. Registered at
// construction by the caller wiring registry and broker together.
func (b *Broker) HandleLocalInterestChange(topic domain.Topic, active bool) {
	ctx := context.Background()
	if active {
		b.joinChannel(ctx, topic)
	} else {
		b.leaveChannel(topic)
	}
}

func (b *Broker) joinChannel(ctx context.Context, topic domain.Topic) {
	if b.bus == nil {
		return
	}

	b.mu.Lock()
	if _, ok := b.subs[topic]; ok {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	sub, err := b.bus.Subscribe(ctx, storage.SubChannel(string(topic)))
	if err != nil {
		b.logger.Warn("join cross-node channel failed", "topic", topic, "error", err)
		return
	}

	b.mu.Lock()
	b.subs[topic] = sub
	b.mu.Unlock()

	go b.drainChannel(topic, sub)
}

func (b *Broker) leaveChannel(topic domain.Topic) {
	b.mu.Lock()
	sub, ok := b.subs[topic]
	if ok {
		delete(b.subs, topic)
	}
	b.mu.Unlock()

	if ok {
		_ = sub.Close()
	}
}

// drainChannel also receives registry.InterestNotice envelopes published on
// the same channel (subscribe_request/subscribe_release); it deliberately
// ignores them rather than acting on subscribe_request to re-drain retained
// messages to the requesting node. Retained entries live in the shared
// store (retain/loadRetained), not per-node memory, so OnNewSubscriber
// already re-reads them directly on the subscribing node -- there is no
// "other node holding the only copy" case for this broker to react to.
func (b *Broker) drainChannel(topic domain.Topic, sub relaystore.Subscription) {
	for payload := range sub.Messages() {
		var env busMessage
		if err := json.Unmarshal(payload, &env); err != nil {
			b.logger.Warn("malformed cross-node envelope", "topic", topic, "error", err)
			continue
		}
		switch env.Kind {
		case kindMessage:
			if env.Origin == b.nodeID {
				continue // avoid re-delivering our own publish back to ourselves
			}
			b.fanOutLocal(context.Background(), topic, env.Hash, env.Payload, env.ExpiresAt, "")
		}
	}
}

// Publish accepts a message for topic. fromSocketID, if non-empty, is
// excluded from local fan-out (P3, no self-echo).
func (b *Broker) Publish(ctx context.Context, fromSocketID domain.SocketID, topic domain.Topic, payload string, ttl time.Duration) (uint64, error) {
	if ttl <= 0 {
		ttl = b.defaultTTL
	}
	hash := domain.HashPayload(payload)
	expiresAt := time.Now().Add(ttl)

	if err := b.retain(ctx, topic, hash, payload, expiresAt); err != nil {
		return 0, err
	}

	messageID := atomic.AddUint64(&b.msgCounter, 1)

	b.fanOutLocal(ctx, topic, hash, payload, expiresAt, fromSocketID)

	if b.bus != nil {
		env := busMessage{Kind: kindMessage, Topic: string(topic), Payload: payload, Hash: hash, ExpiresAt: expiresAt, Origin: b.nodeID}
		raw, err := json.Marshal(env)
		if err != nil {
			b.logger.Error("marshal cross-node envelope", "error", err)
		} else if err := b.bus.Publish(ctx, storage.SubChannel(string(topic)), raw); err != nil {
			b.logger.Warn("broker degraded: cross-node publish failed, continuing local-only", "topic", topic, "error", err)
		}
	}

	return messageID, nil
}

// retain appends (topic, hash, payload, expiresAt) to the durable retained
// manifest, unless an unexpired entry for the same hash already exists --
// in which case the publish is a no-op republish (spec 4.3 step 2).
func (b *Broker) retain(ctx context.Context, topic domain.Topic, hash, payload string, expiresAt time.Time) error {
	key := storage.RetainedKey(string(topic))

	entries, err := b.loadRetained(ctx, key)
	if err != nil {
		return err
	}

	now := time.Now()
	kept := entries[:0]
	found := false
	for _, e := range entries {
		if e.ExpiresAt.Before(now) {
			continue // drop expired entries while we're rewriting anyway
		}
		if e.Hash == hash {
			found = true
		}
		kept = append(kept, e)
	}
	if !found {
		kept = append(kept, retainedEntry{Hash: hash, Payload: payload, ExpiresAt: expiresAt})
	}

	raw, err := json.Marshal(kept)
	if err != nil {
		return err
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	return b.store.SetWithTTL(ctx, key, raw, ttl)
}

func (b *Broker) loadRetained(ctx context.Context, key string) ([]retainedEntry, error) {
	raw, ok, err := b.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var entries []retainedEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, nil
	}
	return entries, nil
}

// fanOutLocal delivers one message to every local subscriber of topic
// except excludeSocket, registering each as eligible to ack.
func (b *Broker) fanOutLocal(ctx context.Context, topic domain.Topic, hash, payload string, expiresAt time.Time, excludeSocket domain.SocketID) {
	sockets := b.lookup.SocketsForTopic(topic)
	if len(sockets) == 0 {
		return
	}

	b.mu.Lock()
	if b.pending[topic] == nil {
		b.pending[topic] = make(map[string]*pendingAck)
	}
	pa, ok := b.pending[topic][hash]
	if !ok {
		pa = &pendingAck{payload: payload, eligible: make(map[domain.SocketID]struct{})}
		b.pending[topic][hash] = pa
	}
	b.mu.Unlock()

	for _, sock := range sockets {
		if sock == excludeSocket {
			continue
		}
		b.deliver(topic, sock, hash, payload, pa)
	}
}

func (b *Broker) deliver(topic domain.Topic, sock domain.SocketID, hash, payload string, pa *pendingAck) {
	subID, ok := b.lookup.SubscriptionIDFor(sock, topic)
	if !ok {
		return
	}

	b.mu.Lock()
	pa.eligible[sock] = struct{}{}
	b.mu.Unlock()

	params := jsonrpc.SubscriptionParams{
		ID: string(subID),
		Data: jsonrpc.SubscriptionData{
			Topic:       string(topic),
			Message:     payload,
			MessageHash: hash,
		},
	}
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		b.logger.Error("marshal subscription params", "error", err)
		return
	}
	req := jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: jsonrpc.MethodSubscription, Params: paramsRaw}
	frame, err := json.Marshal(req)
	if err != nil {
		b.logger.Error("marshal subscription request", "error", err)
		return
	}

	if err := b.sender.SendToSocket(sock, frame); err != nil {
		// Send failure: message stays retained; closing the socket, if
		// any, is left to the sender. Nothing further to do here.
		b.logger.Warn("delivery failed, message remains retained", "socket", sock, "topic", topic, "error", err)
	}
}

// Acknowledge marks (socketID, topic, messageHash) acknowledged. When every
// socket eligible at publish time has acked, the retention entry is
// removed.
func (b *Broker) Acknowledge(ctx context.Context, socketID domain.SocketID, topic domain.Topic, messageHash string) error {
	b.mu.Lock()
	pa, ok := b.pending[topic][messageHash]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	delete(pa.eligible, socketID)
	drained := len(pa.eligible) == 0
	if drained {
		delete(b.pending[topic], messageHash)
	}
	b.mu.Unlock()

	if !drained {
		return nil
	}
	return b.removeRetained(ctx, topic, messageHash)
}

func (b *Broker) removeRetained(ctx context.Context, topic domain.Topic, hash string) error {
	key := storage.RetainedKey(string(topic))
	entries, err := b.loadRetained(ctx, key)
	if err != nil {
		return err
	}

	kept := entries[:0]
	for _, e := range entries {
		if e.Hash != hash {
			kept = append(kept, e)
		}
	}

	if len(kept) == 0 {
		return b.store.Delete(ctx, key)
	}
	raw, err := json.Marshal(kept)
	if err != nil {
		return err
	}
	longest := time.Second
	for _, e := range kept {
		if d := time.Until(e.ExpiresAt); d > longest {
			longest = d
		}
	}
	return b.store.SetWithTTL(ctx, key, raw, longest)
}

// OnNewSubscriber delivers every unexpired retained message for topic to
// socketID and registers it as eligible to ack each one (spec 4.3).
func (b *Broker) OnNewSubscriber(ctx context.Context, socketID domain.SocketID, topic domain.Topic) error {
	entries, err := b.loadRetained(ctx, storage.RetainedKey(string(topic)))
	if err != nil {
		return err
	}

	now := time.Now()
	for _, e := range entries {
		if e.ExpiresAt.Before(now) {
			continue
		}

		b.mu.Lock()
		if b.pending[topic] == nil {
			b.pending[topic] = make(map[string]*pendingAck)
		}
		pa, ok := b.pending[topic][e.Hash]
		if !ok {
			pa = &pendingAck{payload: e.Payload, eligible: make(map[domain.SocketID]struct{})}
			b.pending[topic][e.Hash] = pa
		}
		b.mu.Unlock()

		b.deliver(topic, socketID, e.Hash, e.Payload, pa)
	}
	return nil
}
