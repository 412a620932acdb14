package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletconnect-labs/relay/internal/domain"
)

// fakeStore is an in-memory relaystore.Store for unit tests.
type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{data: make(map[string][]byte)} }

func (s *fakeStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *fakeStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *fakeStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *fakeStore) PushToList(ctx context.Context, key string, entry []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append(s.data[key], entry...)
	return nil
}

func (s *fakeStore) RangeList(ctx context.Context, key string) ([][]byte, error) {
	return nil, nil
}

// fakeLookup is a minimal SubscriberLookup.
type fakeLookup struct {
	mu      sync.Mutex
	sockets map[domain.Topic][]domain.SocketID
	subIDs  map[domain.SocketID]map[domain.Topic]domain.SubscriptionID
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{
		sockets: make(map[domain.Topic][]domain.SocketID),
		subIDs:  make(map[domain.SocketID]map[domain.Topic]domain.SubscriptionID),
	}
}

func (l *fakeLookup) add(sock domain.SocketID, topic domain.Topic) domain.SubscriptionID {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sockets[topic] = append(l.sockets[topic], sock)
	if l.subIDs[sock] == nil {
		l.subIDs[sock] = make(map[domain.Topic]domain.SubscriptionID)
	}
	id := domain.NewSubscriptionID()
	l.subIDs[sock][topic] = id
	return id
}

func (l *fakeLookup) SocketsForTopic(topic domain.Topic) []domain.SocketID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.SocketID(nil), l.sockets[topic]...)
}

func (l *fakeLookup) SubscriptionIDFor(socketID domain.SocketID, topic domain.Topic) (domain.SubscriptionID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.subIDs[socketID][topic]
	return id, ok
}

// fakeSender records every frame sent to each socket.
type fakeSender struct {
	mu      sync.Mutex
	sent    map[domain.SocketID][][]byte
	failFor map[domain.SocketID]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[domain.SocketID][][]byte), failFor: make(map[domain.SocketID]bool)}
}

func (s *fakeSender) SendToSocket(socketID domain.SocketID, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[socketID] {
		return assert.AnError
	}
	s.sent[socketID] = append(s.sent[socketID], frame)
	return nil
}

func (s *fakeSender) countFor(sock domain.SocketID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent[sock])
}

func TestPublish_FanOutExcludesPublisher(t *testing.T) {
	store := newFakeStore()
	lookup := newFakeLookup()
	sender := newFakeSender()
	topic := domain.Topic("aa")

	publisher := domain.NewSocketID()
	other := domain.NewSocketID()
	lookup.add(publisher, topic)
	lookup.add(other, topic)

	b := New(store, nil, lookup, sender, "node-1", time.Minute)

	_, err := b.Publish(context.Background(), publisher, topic, "hello", time.Minute)
	require.NoError(t, err)

	assert.Equal(t, 0, sender.countFor(publisher))
	assert.Equal(t, 1, sender.countFor(other))
}

func TestAcknowledge_DrainsRetentionWhenAllAck(t *testing.T) {
	store := newFakeStore()
	lookup := newFakeLookup()
	sender := newFakeSender()
	topic := domain.Topic("aa")

	sub := domain.NewSocketID()
	lookup.add(sub, topic)

	b := New(store, nil, lookup, sender, "node-1", time.Minute)
	ctx := context.Background()

	_, err := b.Publish(ctx, "", topic, "hello", time.Minute)
	require.NoError(t, err)

	hash := domain.HashPayload("hello")
	require.NoError(t, b.Acknowledge(ctx, sub, topic, hash))

	_, ok, err := store.Get(ctx, "retained:aa")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOnNewSubscriber_DeliversUnexpiredRetained(t *testing.T) {
	store := newFakeStore()
	lookup := newFakeLookup()
	sender := newFakeSender()
	topic := domain.Topic("aa")

	b := New(store, nil, lookup, sender, "node-1", time.Minute)
	ctx := context.Background()

	// Publish with no subscribers yet: message is retained but not delivered.
	_, err := b.Publish(ctx, "", topic, "msg1", time.Minute)
	require.NoError(t, err)

	late := domain.NewSocketID()
	lookup.add(late, topic)

	require.NoError(t, b.OnNewSubscriber(ctx, late, topic))
	assert.Equal(t, 1, sender.countFor(late))
}

func TestOnNewSubscriber_SkipsExpiredRetained(t *testing.T) {
	store := newFakeStore()
	lookup := newFakeLookup()
	sender := newFakeSender()
	topic := domain.Topic("aa")

	b := New(store, nil, lookup, sender, "node-1", time.Minute)
	ctx := context.Background()

	_, err := b.Publish(ctx, "", topic, "msg2", time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	late := domain.NewSocketID()
	lookup.add(late, topic)

	require.NoError(t, b.OnNewSubscriber(ctx, late, topic))
	assert.Equal(t, 0, sender.countFor(late))
}

func TestPublish_RepublishSameHashIsNoOpOnRetention(t *testing.T) {
	store := newFakeStore()
	lookup := newFakeLookup()
	sender := newFakeSender()
	topic := domain.Topic("aa")

	sock := domain.NewSocketID()
	lookup.add(sock, topic)

	b := New(store, nil, lookup, sender, "node-1", time.Minute)
	ctx := context.Background()

	_, err := b.Publish(ctx, "", topic, "dup", time.Minute)
	require.NoError(t, err)
	_, err = b.Publish(ctx, "", topic, "dup", time.Minute)
	require.NoError(t, err)

	// Still fanned out both times (peers may legitimately republish to
	// recover a lost ack), but retention holds one entry.
	assert.Equal(t, 2, sender.countFor(sock))

	raw, ok, err := store.Get(ctx, "retained:aa")
	require.NoError(t, err)
	require.True(t, ok)
	var entries []retainedEntry
	require.NoError(t, json.Unmarshal(raw, &entries))
	assert.Len(t, entries, 1)
}
