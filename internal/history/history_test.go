package history

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletconnect-labs/relay/internal/domain"
)

// fakeStore is a minimal in-memory relaystore.Store, enough for the
// operation-log replay this package relies on.
type fakeStore struct {
	mu   sync.Mutex
	data map[string][][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{data: make(map[string][][]byte)} }

func (s *fakeStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}

func (s *fakeStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, nil
}

func (s *fakeStore) Delete(ctx context.Context, key string) error { return nil }

func (s *fakeStore) PushToList(ctx context.Context, key string, entry []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append(s.data[key], append([]byte(nil), entry...))
	return nil
}

func (s *fakeStore) RangeList(ctx context.Context, key string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.data[key]))
	copy(out, s.data[key])
	return out, nil
}

func newReady(t *testing.T, store *fakeStore) *History {
	t.Helper()
	h := New(store, "history:wc@1:client", nil)
	require.NoError(t, h.Restore(context.Background()))
	return h
}

func TestSet_RejectsDuplicateID(t *testing.T) {
	h := newReady(t, newFakeStore())
	ctx := context.Background()
	topic := domain.Topic("aa")

	require.NoError(t, h.Set(ctx, topic, 1, domain.JSONRPCRequest{Method: "eth_chainId"}, ""))
	err := h.Set(ctx, topic, 1, domain.JSONRPCRequest{Method: "eth_chainId"}, "")
	assert.ErrorIs(t, err, ErrRecordAlreadyExists)
}

func TestGet_NoMatchingID(t *testing.T) {
	h := newReady(t, newFakeStore())
	_, err := h.Get(context.Background(), domain.Topic("aa"), 99)
	assert.ErrorIs(t, err, ErrNoMatchingID)
}

func TestGet_MismatchedTopic(t *testing.T) {
	h := newReady(t, newFakeStore())
	ctx := context.Background()

	require.NoError(t, h.Set(ctx, domain.Topic("aa"), 1, domain.JSONRPCRequest{Method: "m"}, ""))

	_, err := h.Get(ctx, domain.Topic("bb"), 1)
	assert.ErrorIs(t, err, ErrMismatchedTopic)
}

func TestUpdate_RoundTrip(t *testing.T) {
	h := newReady(t, newFakeStore())
	ctx := context.Background()
	topic := domain.Topic("aa")

	require.NoError(t, h.Set(ctx, topic, 1, domain.JSONRPCRequest{Method: "m"}, ""))
	require.NoError(t, h.Update(ctx, topic, 1, domain.JSONRPCResponse{Result: []byte(`"ok"`)}))

	record, err := h.Get(ctx, topic, 1)
	require.NoError(t, err)
	require.NotNil(t, record.Response)
	assert.False(t, record.Pending())
}

func TestUpdate_SecondResponseIsNoOp(t *testing.T) {
	h := newReady(t, newFakeStore())
	ctx := context.Background()
	topic := domain.Topic("aa")

	require.NoError(t, h.Set(ctx, topic, 1, domain.JSONRPCRequest{Method: "m"}, ""))
	require.NoError(t, h.Update(ctx, topic, 1, domain.JSONRPCResponse{Result: []byte(`"first"`)}))
	require.NoError(t, h.Update(ctx, topic, 1, domain.JSONRPCResponse{Result: []byte(`"second"`)}))

	record, err := h.Get(ctx, topic, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte(`"first"`), []byte(record.Response.Result))
}

func TestPending_ExcludesAnswered(t *testing.T) {
	h := newReady(t, newFakeStore())
	ctx := context.Background()
	topic := domain.Topic("aa")

	require.NoError(t, h.Set(ctx, topic, 1, domain.JSONRPCRequest{Method: "m1"}, ""))
	require.NoError(t, h.Set(ctx, topic, 2, domain.JSONRPCRequest{Method: "m2"}, ""))
	require.NoError(t, h.Update(ctx, topic, 1, domain.JSONRPCResponse{Result: []byte(`"ok"`)}))

	pending, err := h.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(2), pending[0].ID)
}

func TestDelete_WithID(t *testing.T) {
	h := newReady(t, newFakeStore())
	ctx := context.Background()
	topic := domain.Topic("aa")

	require.NoError(t, h.Set(ctx, topic, 1, domain.JSONRPCRequest{Method: "m"}, ""))
	id := uint64(1)
	require.NoError(t, h.Delete(ctx, topic, &id))

	assert.False(t, h.Exists(ctx, topic, 1))
}

func TestDelete_WithoutIDRemovesWholeTopic(t *testing.T) {
	h := newReady(t, newFakeStore())
	ctx := context.Background()
	topic := domain.Topic("aa")

	require.NoError(t, h.Set(ctx, topic, 1, domain.JSONRPCRequest{Method: "m1"}, ""))
	require.NoError(t, h.Set(ctx, topic, 2, domain.JSONRPCRequest{Method: "m2"}, ""))

	require.NoError(t, h.Delete(ctx, topic, nil))

	assert.False(t, h.Exists(ctx, topic, 1))
	assert.False(t, h.Exists(ctx, topic, 2))
}

func TestRestore_ReplaysOperationLog(t *testing.T) {
	store := newFakeStore()
	topic := domain.Topic("aa")

	first := New(store, "history:wc@1:client", nil)
	ctx := context.Background()
	require.NoError(t, first.Restore(ctx))
	require.NoError(t, first.Set(ctx, topic, 1, domain.JSONRPCRequest{Method: "m"}, ""))
	require.NoError(t, first.Update(ctx, topic, 1, domain.JSONRPCResponse{Result: []byte(`"ok"`)}))

	// Give the async persistence goroutines a chance to land before a
	// second History replays the same key.
	require.Eventually(t, func() bool {
		entries, _ := store.RangeList(ctx, "history:wc@1:client")
		return len(entries) == 2
	}, time.Second, time.Millisecond)

	second := New(store, "history:wc@1:client", nil)
	require.NoError(t, second.Restore(ctx))

	record, err := second.Get(ctx, topic, 1)
	require.NoError(t, err)
	require.NotNil(t, record.Response)
}

func TestRestore_RejectsWhenAlreadyPopulated(t *testing.T) {
	h := newReady(t, newFakeStore())
	err := h.Restore(context.Background())
	assert.NoError(t, err) // no records yet, so the first extra call is harmless

	require.NoError(t, h.Set(context.Background(), domain.Topic("aa"), 1, domain.JSONRPCRequest{Method: "m"}, ""))

	err = h.Restore(context.Background())
	assert.ErrorIs(t, err, ErrRestoreWouldOverride)
}

func TestEvents_FireOnCreateUpdateDelete(t *testing.T) {
	var mu sync.Mutex
	var kinds []EventKind

	store := newFakeStore()
	h := New(store, "history:wc@1:client", func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, e.Kind)
	})
	ctx := context.Background()
	require.NoError(t, h.Restore(ctx))

	topic := domain.Topic("aa")
	require.NoError(t, h.Set(ctx, topic, 1, domain.JSONRPCRequest{Method: "m"}, ""))
	require.NoError(t, h.Update(ctx, topic, 1, domain.JSONRPCResponse{Result: []byte(`"ok"`)}))
	id := uint64(1)
	require.NoError(t, h.Delete(ctx, topic, &id))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventKind{EventCreated, EventUpdated, EventDeleted}, kinds)
}
