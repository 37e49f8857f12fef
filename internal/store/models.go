// models.go -- Shared types and sentinel errors for the store package.
// Used by the counter stores (memory, Redis, bbolt) and the Postgres profile store.
package store

import (
	"errors"
	"time"
)

// ErrStoreUnavailable wraps infrastructure failures from a counter store.
// Callers use errors.Is to tell "store down" apart from bad input.
var ErrStoreUnavailable = errors.New("counter store unavailable")

// ErrProfileNotFound is returned by GetProfileRole when no profile row exists
// for the user. Treated as "not authorized" by the analytics handler.
var ErrProfileNotFound = errors.New("profile not found")

// ErrCacheDisabled is returned by CheckHealth on stores that have no remote
// dependency to ping. Callers report "disabled" rather than "error".
var ErrCacheDisabled = errors.New("store has no remote dependency")

// counterRecord is one bucket's count for one window.
// ExpiresAt is when the record may be reclaimed; it is never read back as a
// reset time (the limiter derives reset times from the window id).
type counterRecord struct {
	Count     int64     `msgpack:"c"`
	ExpiresAt time.Time `msgpack:"e"`
}

// expired reports whether the record's window has fully elapsed at now.
func (c counterRecord) expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
