// Package kvstore is the fast key/value store used by the job fabric, the
// rate-limit admission layer, and the progress pub/sub fan-out. It wraps
// Redis the way the teacher's RedisRepository wraps it for its
// CacheRepository role, generalized to the counter/lock/pub-sub/TTL
// operations those three components need.
package kvstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"cmdbgraph.io/core/errs"
)

// Store is the key/value abstraction consumed by jobqueue, ratelimit, and
// progress. A single Redis-backed implementation is provided; the
// interface exists so each of those packages can be tested against an
// in-memory fake.
type Store interface {
	SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string, out any) (bool, error)
	Delete(ctx context.Context, key string) error

	// IncrWithExpire increments key and, only on the first increment of a
	// fresh window (the returned count is 1), sets its TTL — giving a true
	// fixed window rather than a sliding one that never expires.
	IncrWithExpire(ctx context.Context, key string, window time.Duration) (int64, error)
	// TTL returns the remaining time-to-live for key, or zero if it has
	// no expiry or does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)

	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error

	Publish(ctx context.Context, channel string, message any) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)

	Close() error
}

// RedisStore implements Store over go-redis/v9.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials addr and verifies connectivity before returning.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, errs.Wrap(errs.QueryFailure, "connect to redis", err)
	}

	return &RedisStore{client: client}, nil
}

// SetWithTTL stores value (JSON-encoded) under key with the given TTL.
func (s *RedisStore) SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errs.Wrap(errs.ValidationFailure, "marshal value for "+key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return errs.Wrap(errs.QueryFailure, "set "+key, err)
	}
	return nil
}

// Get loads key into out, returning found=false (and no error) on a miss.
func (s *RedisStore) Get(ctx context.Context, key string, out any) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errs.Wrap(errs.QueryFailure, "get "+key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, errs.Wrap(errs.QueryFailure, "unmarshal "+key, err)
	}
	return true, nil
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return errs.Wrap(errs.QueryFailure, "delete "+key, err)
	}
	return nil
}

// IncrWithExpire implements the fixed-window counter pattern: INCR, then
// EXPIRE only when this increment started a fresh window (count == 1).
// A race between two first-incrementers both observing count==1 and both
// calling EXPIRE is harmless since they set the same TTL.
func (s *RedisStore) IncrWithExpire(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, errs.Wrap(errs.QueryFailure, "incr "+key, err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return 0, errs.Wrap(errs.QueryFailure, "expire "+key, err)
		}
	}
	return count, nil
}

// TTL returns the remaining time-to-live for key.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, errs.Wrap(errs.QueryFailure, "ttl "+key, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// AcquireLock is a SETNX-based mutual-exclusion lock with a TTL. No
// package in this module calls it; the temporal engine serializes
// versioned writes with its own in-process locks.
func (s *RedisStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, "lock:"+key, time.Now().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, errs.Wrap(errs.QueryFailure, "acquire lock "+key, err)
	}
	return ok, nil
}

// ReleaseLock releases a lock acquired with AcquireLock.
func (s *RedisStore) ReleaseLock(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, "lock:"+key).Err(); err != nil {
		return errs.Wrap(errs.QueryFailure, "release lock "+key, err)
	}
	return nil
}

// Publish JSON-encodes message and publishes it on channel.
func (s *RedisStore) Publish(ctx context.Context, channel string, message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return errs.Wrap(errs.ValidationFailure, "marshal message for "+channel, err)
	}
	if err := s.client.Publish(ctx, channel, data).Err(); err != nil {
		return errs.Wrap(errs.QueueFailure, "publish "+channel, err)
	}
	return nil
}

// Subscribe returns a channel of raw message payloads for channel, and a
// cancel func the caller must invoke to stop the subscription and free
// its goroutine.
func (s *RedisStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, errs.Wrap(errs.QueueFailure, "subscribe "+channel, err)
	}

	out := make(chan []byte)
	done := make(chan struct{})
	cancel := func() { close(done) }

	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-done:
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, cancel, nil
}

// Close shuts down the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
