package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/walletconnect-labs/relay/internal/relaystore"
)

// ---------------------------------------------------------------------------
// Key builders
// ---------------------------------------------------------------------------

func TestRetainedKey(t *testing.T) {
	assert.Equal(t, "retained:aabb", RetainedKey("aabb"))
}

func TestHistoryKey(t *testing.T) {
	assert.Equal(t, "history:wc@2:main", HistoryKey("wc", "2", "main"))
}

func TestSubChannel(t *testing.T) {
	assert.Equal(t, "sub:aabb", SubChannel("aabb"))
}

func TestKeys_DifferentTopicsDifferentKeys(t *testing.T) {
	assert.NotEqual(t, RetainedKey("a"), RetainedKey("b"))
	assert.NotEqual(t, SubChannel("a"), SubChannel("b"))
}

// ---------------------------------------------------------------------------
// Interface compliance
// ---------------------------------------------------------------------------

func TestRedisStore_ImplementsStore(t *testing.T) {
	var _ relaystore.Store = (*RedisStore)(nil)
}

// ---------------------------------------------------------------------------
// Error classification
// ---------------------------------------------------------------------------

func TestClassify_NilIsNil(t *testing.T) {
	assert.NoError(t, classify("op", nil))
}

func TestClassify_WrapsAsTransientByDefault(t *testing.T) {
	err := classify("get x", assert.AnError)
	var transient *relaystore.TransientStoreError
	assert.ErrorAs(t, err, &transient)
}
