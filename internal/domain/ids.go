// Package domain holds the wire-level data model shared by every relay
// component: topics, socket/subscription identifiers, messages, and the
// JSON-RPC history record.
package domain

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"regexp"
)

// Topic is a 32-byte opaque routing tag, hex-encoded, shared off-band by two
// peers. The relay never inspects or generates topic values; it only
// validates their shape.
type Topic string

var topicPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ErrInvalidTopic is returned when a topic string is not 64 lowercase hex
// characters (32 bytes).
var ErrInvalidTopic = errors.New("domain: topic must be 64 lowercase hex characters")

// Validate reports whether t is a well-formed topic.
func (t Topic) Validate() error {
	if !topicPattern.MatchString(string(t)) {
		return ErrInvalidTopic
	}
	return nil
}

// SocketID uniquely identifies a live WebSocket connection within one relay
// process. Assigned at accept; never reused.
type SocketID string

// SubscriptionID is a revocable handle returned to a subscriber so it can
// later unsubscribe.
type SubscriptionID string

// newHexID returns n random bytes hex-encoded, matching the "fresh 32-byte
// hex string" identifiers the spec calls for on both SocketID and
// SubscriptionID.
func newHexID(n int) string {
	buf := make([]byte, n)
	// crypto/rand.Read never returns a short read without an error, and an
	// error here means the OS entropy source is broken -- nothing downstream
	// can recover from that, so surface it the same way a failed os.Open
	// would: panic at startup-adjacent code, never mid-request.
	if _, err := rand.Read(buf); err != nil {
		panic("domain: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// NewSocketID generates a fresh 32-byte hex socket identifier.
func NewSocketID() SocketID {
	return SocketID(newHexID(32))
}

// NewSubscriptionID generates a fresh 32-byte hex subscription identifier.
func NewSubscriptionID() SubscriptionID {
	return SubscriptionID(newHexID(32))
}
