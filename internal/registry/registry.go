// Package registry implements the Subscription Registry (C2): the per-node
// topic<->socket index, replicated across nodes only through the cross-node
// interest notifications it publishes on the shared store's bus.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/walletconnect-labs/relay/internal/domain"
	"github.com/walletconnect-labs/relay/internal/relaystore"
	"github.com/walletconnect-labs/relay/internal/storage"
)

// InterestNotice is the envelope published on a topic's cross-node channel
// when local interest in that topic starts or stops. It is advisory: the
// message broker receives these on channels it has joined but does not act
// on them, since retained messages live in the shared store and are read
// directly by the subscribing node.
type InterestNotice struct {
	Kind  string `json:"kind"` // "subscribe_request" | "subscribe_release"
	Topic string `json:"topic"`
	Node  string `json:"node"`
}

const (
	KindSubscribeRequest = "subscribe_request"
	KindSubscribeRelease = "subscribe_release"
)

type subEntry struct {
	socketID domain.SocketID
	topic    domain.Topic
}

// InterestChangeFunc is invoked synchronously whenever local interest in a
// topic starts (active=true, the first local subscriber) or stops
// (active=false, the last local subscriber left). Registered at
// construction per the callback convention used throughout the core, so
// the registry never needs a reference to the broker that consumes it.
type InterestChangeFunc func(topic domain.Topic, active bool)

// Registry is the C2 Subscription Registry.
type Registry struct {
	mu sync.RWMutex

	// topic -> set of SubscriptionId
	byTopic map[domain.Topic]map[domain.SubscriptionID]struct{}
	// socketId -> set of SubscriptionId
	bySocket map[domain.SocketID]map[domain.SubscriptionID]struct{}
	// SubscriptionId -> resolution entry
	subs map[domain.SubscriptionID]subEntry
	// (socketId, topic) -> SubscriptionId, for idempotent subscribe (P6)
	existing map[domain.SocketID]map[domain.Topic]domain.SubscriptionID

	bus    relaystore.Bus
	nodeID string
	onInterestChange InterestChangeFunc
	logger *slog.Logger
}

// New constructs a Registry. onInterestChange may be nil if the caller does
// not need cross-node draining (e.g. in tests with a single node).
func New(bus relaystore.Bus, nodeID string, onInterestChange InterestChangeFunc) *Registry {
	return &Registry{
		byTopic:          make(map[domain.Topic]map[domain.SubscriptionID]struct{}),
		bySocket:         make(map[domain.SocketID]map[domain.SubscriptionID]struct{}),
		subs:             make(map[domain.SubscriptionID]subEntry),
		existing:         make(map[domain.SocketID]map[domain.Topic]domain.SubscriptionID),
		bus:              bus,
		nodeID:           nodeID,
		onInterestChange: onInterestChange,
		logger:           slog.Default().With("component", "registry"),
	}
}

// SetInterestChangeFunc binds the callback after construction, breaking the
// construction-order cycle between the registry and a broker built from it
// (the broker needs the registry as a SubscriberLookup before it can offer
// back the callback the registry wants). Must be called before the
// registry serves any traffic; not safe for concurrent use with Subscribe.
func (r *Registry) SetInterestChangeFunc(fn InterestChangeFunc) {
	r.onInterestChange = fn
}

// Subscribe binds socketID to topic. Idempotent per (socket, topic): a
// second call with the same pair returns the existing SubscriptionId (P6).
func (r *Registry) Subscribe(ctx context.Context, socketID domain.SocketID, topic domain.Topic) (domain.SubscriptionID, error) {
	r.mu.Lock()

	if byTopic, ok := r.existing[socketID]; ok {
		if id, ok := byTopic[topic]; ok {
			r.mu.Unlock()
			return id, nil
		}
	}

	id := domain.NewSubscriptionID()
	r.subs[id] = subEntry{socketID: socketID, topic: topic}

	if r.byTopic[topic] == nil {
		r.byTopic[topic] = make(map[domain.SubscriptionID]struct{})
	}
	firstInterest := len(r.byTopic[topic]) == 0
	r.byTopic[topic][id] = struct{}{}

	if r.bySocket[socketID] == nil {
		r.bySocket[socketID] = make(map[domain.SubscriptionID]struct{})
	}
	r.bySocket[socketID][id] = struct{}{}

	if r.existing[socketID] == nil {
		r.existing[socketID] = make(map[domain.Topic]domain.SubscriptionID)
	}
	r.existing[socketID][topic] = id

	r.mu.Unlock()

	r.logger.Debug("subscribed", "socket", socketID, "topic", topic, "subscription", id)

	if firstInterest {
		r.notifyInterest(ctx, topic, true)
	}

	return id, nil
}

// Unsubscribe removes exactly one entry. Returns silently if unknown.
func (r *Registry) Unsubscribe(ctx context.Context, socketID domain.SocketID, subscriptionID domain.SubscriptionID) error {
	r.mu.Lock()

	entry, ok := r.subs[subscriptionID]
	if !ok || entry.socketID != socketID {
		r.mu.Unlock()
		return nil
	}

	delete(r.subs, subscriptionID)

	lastInterest := false
	if topicSubs, ok := r.byTopic[entry.topic]; ok {
		delete(topicSubs, subscriptionID)
		if len(topicSubs) == 0 {
			delete(r.byTopic, entry.topic)
			lastInterest = true
		}
	}
	if socketSubs, ok := r.bySocket[socketID]; ok {
		delete(socketSubs, subscriptionID)
		if len(socketSubs) == 0 {
			delete(r.bySocket, socketID)
		}
	}
	if byTopic, ok := r.existing[socketID]; ok {
		delete(byTopic, entry.topic)
		if len(byTopic) == 0 {
			delete(r.existing, socketID)
		}
	}

	r.mu.Unlock()

	r.logger.Debug("unsubscribed", "socket", socketID, "topic", entry.topic, "subscription", subscriptionID)

	if lastInterest {
		r.notifyInterest(ctx, entry.topic, false)
	}

	return nil
}

// SocketsForTopic returns every socket currently subscribed to topic on
// this node.
func (r *Registry) SocketsForTopic(topic domain.Topic) []domain.SocketID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs, ok := r.byTopic[topic]
	if !ok {
		return nil
	}
	seen := make(map[domain.SocketID]struct{}, len(subs))
	out := make([]domain.SocketID, 0, len(subs))
	for id := range subs {
		sid := r.subs[id].socketID
		if _, dup := seen[sid]; dup {
			continue
		}
		seen[sid] = struct{}{}
		out = append(out, sid)
	}
	return out
}

// SubscriptionIDFor returns the SubscriptionId bound to (socketID, topic)
// on this node, if any. Used by the broker to stamp outgoing
// relay_subscription notifications with the handle the subscriber would
// use to unsubscribe.
func (r *Registry) SubscriptionIDFor(socketID domain.SocketID, topic domain.Topic) (domain.SubscriptionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byTopic, ok := r.existing[socketID]
	if !ok {
		return "", false
	}
	id, ok := byTopic[topic]
	return id, ok
}

// TopicsForSocket returns every topic socketID is subscribed to on this
// node.
func (r *Registry) TopicsForSocket(socketID domain.SocketID) []domain.Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs, ok := r.bySocket[socketID]
	if !ok {
		return nil
	}
	out := make([]domain.Topic, 0, len(subs))
	for id := range subs {
		out = append(out, r.subs[id].topic)
	}
	return out
}

// OnClose removes every subscription of socketID.
func (r *Registry) OnClose(ctx context.Context, socketID domain.SocketID) {
	r.mu.Lock()
	ids := make([]domain.SubscriptionID, 0, len(r.bySocket[socketID]))
	for id := range r.bySocket[socketID] {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		_ = r.Unsubscribe(ctx, socketID, id)
	}
}

func (r *Registry) notifyInterest(ctx context.Context, topic domain.Topic, active bool) {
	if r.onInterestChange != nil {
		r.onInterestChange(topic, active)
	}

	if r.bus == nil {
		return
	}

	kind := KindSubscribeRequest
	if !active {
		kind = KindSubscribeRelease
	}
	notice := InterestNotice{Kind: kind, Topic: string(topic), Node: r.nodeID}
	raw, err := json.Marshal(notice)
	if err != nil {
		r.logger.Error("marshal interest notice", "error", err)
		return
	}
	if err := r.bus.Publish(ctx, storage.SubChannel(string(topic)), raw); err != nil {
		r.logger.Warn("publish interest notice failed", "topic", topic, "error", err)
	}
}
