package kvstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is an in-process Store implementation backing unit tests
// for every package that depends on Store, so those tests never require
// a live Redis.
type MemoryStore struct {
	mu       sync.Mutex
	values   map[string]memoryEntry
	counters map[string]int64
	subs     map[string][]chan []byte
}

type memoryEntry struct {
	data    []byte
	expires time.Time // zero means no expiry
}

// NewMemoryStore returns a ready MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:   make(map[string]memoryEntry),
		counters: make(map[string]int64),
		subs:     make(map[string][]chan []byte),
	}
}

func (s *MemoryStore) expired(key string) bool {
	e, ok := s.values[key]
	if !ok {
		return true
	}
	return !e.expires.IsZero() && time.Now().After(e.expires)
}

func (s *MemoryStore) SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	s.values[key] = memoryEntry{data: data, expires: expires}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string, out any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired(key) {
		delete(s.values, key)
		return false, nil
	}
	return true, json.Unmarshal(s.values[key].data, out)
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *MemoryStore) IncrWithExpire(ctx context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired(key) {
		s.counters[key] = 0
	}
	s.counters[key]++
	count := s.counters[key]
	if count == 1 {
		s.values[key] = memoryEntry{expires: time.Now().Add(window)}
	}
	return count, nil
}

func (s *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.values[key]
	if !ok || e.expires.IsZero() {
		return 0, nil
	}
	remaining := time.Until(e.expires)
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

func (s *MemoryStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lockKey := "lock:" + key
	if !s.expired(lockKey) {
		return false, nil
	}
	s.values[lockKey] = memoryEntry{data: []byte("1"), expires: time.Now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ReleaseLock(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, "lock:"+key)
	return nil
}

func (s *MemoryStore) Publish(ctx context.Context, channel string, message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	s.mu.Lock()
	subs := append([]chan []byte(nil), s.subs[channel]...)
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 16)
	s.mu.Lock()
	s.subs[channel] = append(s.subs[channel], ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[channel]
		for i, c := range subs {
			if c == ch {
				s.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}
	return ch, cancel, nil
}

func (s *MemoryStore) Close() error { return nil }
