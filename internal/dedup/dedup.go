// Package dedup suppresses repeated dispatches for the same scheduler tick.
//
// Cloud schedulers deliver their HTTP requests at least once. When a
// delivery is retried after gotrigger already dispatched the event, the
// store reports the key as already seen and the dispatch is skipped.
package dedup

import (
	"context"
	"sync"
	"time"
)

// Store records keys for a limited time.
type Store interface {
	// Acquire records key for ttl. It returns true if the key was not
	// recorded before, false if it is a duplicate.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release removes the key, it is used when the dispatch failed and a
	// scheduler retry must be processed again.
	Release(ctx context.Context, key string) error
}

// MemoryStore is a Store that keeps keys in process memory.
// It is only suitable when a single gotrigger instance receives the
// scheduler requests.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: map[string]time.Time{},
		now:  time.Now,
	}
}

func (s *MemoryStore) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.expire(now)

	if _, exists := s.keys[key]; exists {
		return false, nil
	}

	s.keys[key] = now.Add(ttl)

	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.keys, key)

	return nil
}

// expire removes all expired keys, s.mu must be held.
func (s *MemoryStore) expire(now time.Time) {
	for k, expiry := range s.keys {
		if !now.Before(expiry) {
			delete(s.keys, k)
		}
	}
}

// Len returns the number of unexpired keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expire(s.now())

	return len(s.keys)
}
