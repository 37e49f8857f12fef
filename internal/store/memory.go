// memory.go -- In-process counter store for single-instance deployments.
//
// Every increment runs inside one critical section, so concurrent requests on
// the same bucket never lose counts. Expired windows are reclaimed
// opportunistically from inside Increment, at most once per purge interval.
package store

import (
	"context"
	"sync"
	"time"
)

// defaultPurgeEvery bounds how often Increment sweeps expired counters.
const defaultPurgeEvery = time.Minute

// MemoryCounterStore keeps counters in a map guarded by a mutex.
type MemoryCounterStore struct {
	mu         sync.Mutex
	counters   map[string]counterRecord
	now        func() time.Time
	purgeEvery time.Duration
	lastPurge  time.Time
}

// NewMemoryCounterStore returns an empty store. now may be nil (time.Now).
func NewMemoryCounterStore(now func() time.Time) *MemoryCounterStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryCounterStore{
		counters:   make(map[string]counterRecord),
		now:        now,
		purgeEvery: defaultPurgeEvery,
		lastPurge:  now(),
	}
}

// Increment bumps key's counter and returns the new count.
// A counter whose window elapsed is restarted at 1.
func (s *MemoryCounterStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastPurge) >= s.purgeEvery {
		s.purgeLocked(now)
	}

	rec, ok := s.counters[key]
	if !ok || rec.expired(now) {
		rec = counterRecord{ExpiresAt: now.Add(window)}
	}
	rec.Count++
	s.counters[key] = rec
	return rec.Count, nil
}

// Purge removes every counter whose window has elapsed and returns how many
// were removed. Active counters are left untouched.
func (s *MemoryCounterStore) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purgeLocked(s.now())
}

func (s *MemoryCounterStore) purgeLocked(now time.Time) int {
	n := 0
	for key, rec := range s.counters {
		if rec.expired(now) {
			delete(s.counters, key)
			n++
		}
	}
	s.lastPurge = now
	return n
}

// Len returns the number of tracked counters, expired or not.
func (s *MemoryCounterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

// CheckHealth always reports ErrCacheDisabled; there is nothing remote to ping.
func (s *MemoryCounterStore) CheckHealth(ctx context.Context) error {
	return ErrCacheDisabled
}

// Close is a no-op.
func (s *MemoryCounterStore) Close() error { return nil }
