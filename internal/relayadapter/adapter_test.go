package relayadapter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletconnect-labs/relay/internal/broker"
	"github.com/walletconnect-labs/relay/internal/domain"
	"github.com/walletconnect-labs/relay/internal/history"
	"github.com/walletconnect-labs/relay/internal/registry"
	"github.com/walletconnect-labs/relay/internal/relaystore"
)

// memStore is a minimal in-memory relaystore.Store shared by this
// package's tests.
type memStore struct {
	mu   sync.Mutex
	kv   map[string][]byte
	list map[string][][]byte
}

func newMemStore() *memStore {
	return &memStore{kv: make(map[string][]byte), list: make(map[string][][]byte)}
}

func (s *memStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = append([]byte(nil), value...)
	return nil
}

func (s *memStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.kv[key]
	return v, ok, nil
}

func (s *memStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

func (s *memStore) PushToList(ctx context.Context, key string, entry []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list[key] = append(s.list[key], append([]byte(nil), entry...))
	return nil
}

func (s *memStore) RangeList(ctx context.Context, key string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.list[key]))
	copy(out, s.list[key])
	return out, nil
}

// memSender records frames sent to each socket; satisfies broker.Sender.
type memSender struct {
	mu   sync.Mutex
	sent map[domain.SocketID]int
}

func newMemSender() *memSender { return &memSender{sent: make(map[domain.SocketID]int)} }

func (s *memSender) SendToSocket(socketID domain.SocketID, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[socketID]++
	return nil
}

func (s *memSender) countFor(sock domain.SocketID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[sock]
}

var _ relaystore.Store = (*memStore)(nil)

func TestSubscribe_DeliversRetainedMessageThroughComposedCall(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	sender := newMemSender()

	reg := registry.New(nil, "node-1", nil)
	b := broker.New(store, nil, reg, sender, "node-1", time.Minute)
	reg.SetInterestChangeFunc(b.HandleLocalInterestChange)
	hist := history.New(store, "history:wc@1:client", nil)
	require.NoError(t, hist.Restore(ctx))

	a := New(reg, b, hist)

	topic := domain.Topic("aa")
	_, err := a.Publish(ctx, "", topic, "retained-payload", time.Minute)
	require.NoError(t, err)

	late := domain.NewSocketID()
	_, err = a.Subscribe(ctx, late, topic)
	require.NoError(t, err)

	assert.Equal(t, 1, sender.countFor(late))
}

func TestHistoryRoundTrip_ThroughAdapter(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	reg := registry.New(nil, "node-1", nil)
	b := broker.New(store, nil, reg, newMemSender(), "node-1", time.Minute)
	hist := history.New(store, "history:wc@1:client", nil)
	require.NoError(t, hist.Restore(ctx))

	a := New(reg, b, hist)
	topic := domain.Topic("aa")

	require.NoError(t, a.HistorySet(ctx, topic, 7, domain.JSONRPCRequest{Method: "eth_sign"}, ""))
	require.NoError(t, a.HistoryUpdate(ctx, topic, 7, domain.JSONRPCResponse{Result: []byte(`"0x1"`)}))

	record, err := a.HistoryGet(ctx, topic, 7)
	require.NoError(t, err)
	assert.NotNil(t, record.Response)
}

func TestOnClose_DelegatesToRegistry(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	reg := registry.New(nil, "node-1", nil)
	b := broker.New(store, nil, reg, newMemSender(), "node-1", time.Minute)
	hist := history.New(store, "history:wc@1:client", nil)
	require.NoError(t, hist.Restore(ctx))

	a := New(reg, b, hist)
	topic := domain.Topic("aa")
	sock := domain.NewSocketID()

	_, err := a.Subscribe(ctx, sock, topic)
	require.NoError(t, err)

	a.OnClose(ctx, sock)
	assert.Empty(t, reg.SocketsForTopic(topic))
}
