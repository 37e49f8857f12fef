// limiter.go -- Fixed-window rate limiter over a shared counter store.
//
// Each rule counts requests in windows aligned to the Unix epoch
// (window id = floor(now / window)). Counter keys embed the window id, so a
// bucket's count in one window never leaks into the next.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"
)

// CounterStore atomically increments the counter for key and returns the
// post-increment count. The counter must expire no earlier than window after
// its first increment. Satisfied by the counter stores in internal/store.
type CounterStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// ErrInvalidRule is returned by Rule.Validate for unusable rules.
var ErrInvalidRule = errors.New("invalid rate limit rule")

// Rule is one bucket's limit: at most Limit requests per Window.
type Rule struct {
	BucketKey string
	Limit     int
	Window    time.Duration
}

// Validate rejects rules that cannot be evaluated.
func (r Rule) Validate() error {
	if r.BucketKey == "" {
		return fmt.Errorf("%w: empty bucket key", ErrInvalidRule)
	}
	if r.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidRule, r.Limit)
	}
	if r.Window < time.Second {
		return fmt.Errorf("%w: window must be at least 1s, got %s", ErrInvalidRule, r.Window)
	}
	return nil
}

// windowSeconds returns the window length in whole seconds (>= 1).
func (r Rule) windowSeconds() int64 {
	return max(1, int64(r.Window/time.Second))
}

// Decision is the outcome of one rule for one request.
type Decision struct {
	Rule              Rule
	Allowed           bool
	Count             int64
	Remaining         int
	ResetAt           time.Time
	RetryAfterSeconds int // only meaningful when !Allowed
}

// Result holds per-rule decisions plus the aggregate used to gate the request.
type Result struct {
	Decisions []Decision
	Aggregate Decision
	// Degraded is true when the store failed and the failure policy decided.
	Degraded bool
}

// Options configures a Limiter. Zero values fall back to defaults.
type Options struct {
	// FailOpen allows requests when the store errors or times out.
	FailOpen bool
	// StoreTimeout bounds every store call. Default 250ms.
	StoreTimeout time.Duration
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
	// OnStoreError is called once per failed store call (metrics hook).
	OnStoreError func(err error)
}

// Limiter evaluates rules against a CounterStore. Safe for concurrent use.
type Limiter struct {
	store        CounterStore
	failOpen     bool
	storeTimeout time.Duration
	now          func() time.Time
	onStoreError func(err error)
}

// New returns a Limiter backed by store.
func New(store CounterStore, opts Options) *Limiter {
	l := &Limiter{
		store:        store,
		failOpen:     opts.FailOpen,
		storeTimeout: opts.StoreTimeout,
		now:          opts.Now,
		onStoreError: opts.OnStoreError,
	}
	if l.storeTimeout <= 0 {
		l.storeTimeout = 250 * time.Millisecond
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// FailOpen reports the configured failure policy.
func (l *Limiter) FailOpen() bool { return l.failOpen }

// Evaluate increments every rule's counter and returns one decision per rule
// plus the aggregate. Invalid rules are skipped with a warning.
// Never returns an error: store failures are resolved by the failure policy.
func (l *Limiter) Evaluate(ctx context.Context, rules ...Rule) Result {
	now := l.now()
	res := Result{Decisions: make([]Decision, 0, len(rules))}

	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			slog.Warn("skipping rate limit rule", "bucket", rule.BucketKey, "error", err)
			continue
		}
		d, err := l.evaluateRule(ctx, rule, now)
		if err != nil {
			slog.Error("rate limit store failed", "bucket", rule.BucketKey, "fail_open", l.failOpen, "error", err)
			if l.onStoreError != nil {
				l.onStoreError(err)
			}
			res.Degraded = true
			d = l.degradedDecision(rule, now)
		}
		res.Decisions = append(res.Decisions, d)
	}

	res.Aggregate = aggregate(res.Decisions, now)
	return res
}

// evaluateRule performs the bounded store increment for a single rule.
func (l *Limiter) evaluateRule(ctx context.Context, rule Rule, now time.Time) (Decision, error) {
	ws := rule.windowSeconds()
	windowID := now.Unix() / ws
	resetAt := time.Unix((windowID+1)*ws, 0)
	key := rule.BucketKey + ":" + strconv.FormatInt(ws, 10) + ":" + strconv.FormatInt(windowID, 10)

	storeCtx, cancel := context.WithTimeout(ctx, l.storeTimeout)
	defer cancel()

	count, err := l.store.Increment(storeCtx, key, time.Duration(ws)*time.Second)
	if err != nil {
		return Decision{}, fmt.Errorf("incrementing %s: %w", key, err)
	}

	d := Decision{
		Rule:      rule,
		Allowed:   count <= int64(rule.Limit),
		Count:     count,
		Remaining: int(max(0, int64(rule.Limit)-count)),
		ResetAt:   resetAt,
	}
	if !d.Allowed {
		d.RetryAfterSeconds = retryAfter(resetAt, now)
	}
	return d, nil
}

// degradedDecision applies the failure policy when the store is unusable.
func (l *Limiter) degradedDecision(rule Rule, now time.Time) Decision {
	ws := rule.windowSeconds()
	resetAt := time.Unix((now.Unix()/ws+1)*ws, 0)
	if l.failOpen {
		return Decision{Rule: rule, Allowed: true, Remaining: rule.Limit, ResetAt: resetAt}
	}
	return Decision{
		Rule:              rule,
		Allowed:           false,
		ResetAt:           resetAt,
		RetryAfterSeconds: retryAfter(resetAt, now),
	}
}

// aggregate folds per-rule decisions: allowed iff all allowed. When denied the
// aggregate mirrors the violated rule that resets first, so clients retry as
// soon as any blocking bucket clears. When allowed it mirrors the rule with the
// fewest remaining requests.
func aggregate(decisions []Decision, now time.Time) Decision {
	if len(decisions) == 0 {
		return Decision{Allowed: true}
	}

	var blocking *Decision
	for i := range decisions {
		d := &decisions[i]
		if d.Allowed {
			continue
		}
		if blocking == nil || d.ResetAt.Before(blocking.ResetAt) {
			blocking = d
		}
	}
	if blocking != nil {
		agg := *blocking
		agg.Remaining = 0
		agg.RetryAfterSeconds = retryAfter(blocking.ResetAt, now)
		return agg
	}

	tightest := &decisions[0]
	for i := 1; i < len(decisions); i++ {
		if decisions[i].Remaining < tightest.Remaining {
			tightest = &decisions[i]
		}
	}
	return *tightest
}

// retryAfter returns whole seconds until resetAt, rounded up, never below 1.
func retryAfter(resetAt, now time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(now).Seconds()))
	return max(1, secs)
}
