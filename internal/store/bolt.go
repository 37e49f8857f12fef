// bolt.go -- bbolt-backed counter store.
//
// For single-node deployments that want counters to survive a restart.
// bbolt serializes write transactions, so each Increment's read and write
// happen under the database's single writer lock.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const bucketCounters = "counters"

// boltPurgeEvery bounds how often Increment sweeps expired records.
const boltPurgeEvery = 5 * time.Minute

// BoltCounterStore keeps msgpack-encoded counter records in one bbolt bucket.
type BoltCounterStore struct {
	db        *bolt.DB
	now       func() time.Time
	lastPurge atomic.Int64 // unix nanos
}

// NewBoltCounterStore opens (or creates) the database at path.
// now may be nil (time.Now).
func NewBoltCounterStore(path string, now func() time.Time) (*BoltCounterStore, error) {
	if now == nil {
		now = time.Now
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketCounters))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketCounters, err)
	}

	s := &BoltCounterStore{db: db, now: now}
	s.lastPurge.Store(now().UnixNano())
	return s, nil
}

// Increment bumps key inside a write transaction and returns the new count.
// An expired record is restarted at 1.
//
// Waiting for the writer lock is bounded by ctx. A transaction abandoned on
// ctx expiry still commits once the lock frees, so that hit is counted.
func (s *BoltCounterStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := s.now()
	type result struct {
		count int64
		err   error
	}
	done := make(chan result, 1)
	go func() {
		count, err := s.increment(key, window, now)
		done <- result{count, err}
	}()

	var count int64
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, r.err)
		}
		count = r.count
	}

	if last := s.lastPurge.Load(); now.UnixNano()-last >= int64(boltPurgeEvery) {
		if s.lastPurge.CompareAndSwap(last, now.UnixNano()) {
			go func() {
				if _, err := s.Purge(); err != nil {
					// Next sweep retries; counters stay correct either way.
					slog.Warn("bbolt counter purge failed", "error", err)
				}
			}()
		}
	}
	return count, nil
}

func (s *BoltCounterStore) increment(key string, window time.Duration, now time.Time) (int64, error) {
	var count int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCounters))

		var rec counterRecord
		if raw := b.Get([]byte(key)); raw != nil {
			if err := msgpack.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("unmarshal counter %s: %w", key, err)
			}
		}
		if rec.ExpiresAt.IsZero() || rec.expired(now) {
			rec = counterRecord{ExpiresAt: now.Add(window)}
		}
		rec.Count++

		data, err := msgpack.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal counter %s: %w", key, err)
		}
		count = rec.Count
		return b.Put([]byte(key), data)
	})
	return count, err
}

// Purge deletes every expired record and returns how many were removed.
func (s *BoltCounterStore) Purge() (int, error) {
	now := s.now()
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCounters))
		var stale [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var rec counterRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil || rec.expired(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purging counters: %w", err)
	}
	return removed, nil
}

// Len returns the number of stored records.
func (s *BoltCounterStore) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(bucketCounters)).Stats().KeyN
		return nil
	})
	return n, err
}

// CheckHealth reports ErrCacheDisabled: bbolt is local and has nothing to ping.
func (s *BoltCounterStore) CheckHealth(ctx context.Context) error {
	return ErrCacheDisabled
}

// Close closes the database file.
func (s *BoltCounterStore) Close() error {
	return s.db.Close()
}
