// Package storage provides the Redis- and NATS-backed implementations of
// relaystore.Store and relaystore.Bus used by a production relay node.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/walletconnect-labs/relay/internal/relaystore"
)

// RedisStore implements relaystore.Store on top of go-redis: SET/GET for
// the KV half, RPUSH/LRANGE/PEXPIRE for the list half.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed Store from a redis:// URL. A failure
// to parse the URL or reach the server at startup is fatal -- nothing
// downstream can proceed without the shared store.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, &relaystore.FatalStoreError{Op: "parse url", Err: err}
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, &relaystore.FatalStoreError{Op: "ping", Err: err}
	}

	return &RedisStore{client: client}, nil
}

// Close releases the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping verifies connectivity to Redis, for the ambient health endpoint.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.ErrClosed) {
		return &relaystore.FatalStoreError{Op: op, Err: err}
	}
	return &relaystore.TransientStoreError{Op: op, Err: err}
}

// SetWithTTL stores value under key until ttl elapses.
func (s *RedisStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return classify(fmt.Sprintf("set %q", key), err)
	}
	return nil
}

// Get returns the latest value for key, or ok=false if absent or expired.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify(fmt.Sprintf("get %q", key), err)
	}
	return val, true, nil
}

// Delete removes key if present.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return classify(fmt.Sprintf("delete %q", key), err)
	}
	return nil
}

// pushToListScript appends entry to the list at KEYS[1] and resets its ttl
// in one round trip, so a crash between RPUSH and PEXPIRE never leaves a
// retained-message list that outlives its intended ttl. A non-positive ttl
// means the list is durable (e.g. the history operation log) and PERSISTs
// the key instead of expiring it.
var pushToListScript = redis.NewScript(`
	redis.call('RPUSH', KEYS[1], ARGV[1])
	if tonumber(ARGV[2]) > 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	else
		redis.call('PERSIST', KEYS[1])
	end
	return 1
`)

// PushToList appends entry to the list at key, resetting the list's ttl. A
// ttl of zero or less leaves the list durable (no expiry).
func (s *RedisStore) PushToList(ctx context.Context, key string, entry []byte, ttl time.Duration) error {
	if err := pushToListScript.Run(ctx, s.client, []string{key}, entry, ttl.Milliseconds()).Err(); err != nil {
		return classify(fmt.Sprintf("push to list %q", key), err)
	}
	return nil
}

// RangeList returns every entry at key in append order.
func (s *RedisStore) RangeList(ctx context.Context, key string) ([][]byte, error) {
	vals, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, classify(fmt.Sprintf("range list %q", key), err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

var _ relaystore.Store = (*RedisStore)(nil)
