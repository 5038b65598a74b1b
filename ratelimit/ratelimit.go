// Package ratelimit implements the Rate-Limit Admission Layer (C7):
// windowed per-(client-IP, endpoint-class) counters backed by
// kvstore.Store, plus a process-wide token-bucket smoother.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"cmdbgraph.io/core/errs"
	"cmdbgraph.io/core/kvstore"
)

// Class is an endpoint sensitivity class; each carries its own
// per-window budget.
type Class string

const (
	ClassRead        Class = "read"
	ClassWrite       Class = "write"
	ClassExpensive   Class = "expensive"
	ClassDestructive Class = "destructive"
)

// Limits is the per-class budget for one window.
type Limits struct {
	Window      time.Duration
	Read        int64
	Write       int64
	Expensive   int64
	Destructive int64
}

// DefaultLimits matches the spec's four windowed budgets.
func DefaultLimits() Limits {
	return Limits{
		Window:      15 * time.Minute,
		Read:        100,
		Write:       30,
		Expensive:   30,
		Destructive: 5,
	}
}

func (l Limits) budgetFor(class Class) int64 {
	switch class {
	case ClassRead:
		return l.Read
	case ClassWrite:
		return l.Write
	case ClassExpensive:
		return l.Expensive
	case ClassDestructive:
		return l.Destructive
	default:
		return l.Read
	}
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetAfter time.Duration
}

// Limiter checks windowed per-(IP, class) counters in store and smooths
// process-wide throughput with an x/time/rate token bucket.
type Limiter struct {
	store   kvstore.Store
	limits  Limits
	process *rate.Limiter
}

// NewLimiter wires a Limiter. processTokensPerSec/processBurst configure
// the process-wide smoother (spec §4.7's "standard response headers"
// counters are per client+class; the token bucket is an additional,
// process-global smoothing layer the spec's concurrency model implies
// but does not itself budget per-client).
func NewLimiter(store kvstore.Store, limits Limits, processTokensPerSec float64, processBurst int) *Limiter {
	return &Limiter{
		store:   store,
		limits:  limits,
		process: rate.NewLimiter(rate.Limit(processTokensPerSec), processBurst),
	}
}

// Allow checks and increments the windowed counter for (clientIP, class),
// returning a Decision describing the result and the remaining budget.
func (l *Limiter) Allow(ctx context.Context, clientIP string, class Class) (Decision, error) {
	if !l.process.Allow() {
		return Decision{Allowed: false, Limit: l.limits.budgetFor(class), ResetAfter: time.Second}, nil
	}

	limit := l.limits.budgetFor(class)
	key := windowKey(clientIP, class)

	count, err := l.store.IncrWithExpire(ctx, key, l.limits.Window)
	if err != nil {
		return Decision{}, errs.Wrap(errs.QueryFailure, "increment rate-limit counter", err)
	}

	ttl, err := l.store.TTL(ctx, key)
	if err != nil {
		return Decision{}, err
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	if count > limit {
		return Decision{Allowed: false, Limit: limit, Remaining: 0, ResetAfter: ttl}, nil
	}

	return Decision{Allowed: true, Limit: limit, Remaining: remaining, ResetAfter: ttl}, nil
}

func windowKey(clientIP string, class Class) string {
	return fmt.Sprintf("ratelimit:%s:%s", class, clientIP)
}

// TooManyRequests builds the standardized rate-limited error for a
// rejected Decision.
func TooManyRequests(decision Decision) error {
	return errs.New(errs.RateLimited, fmt.Sprintf("rate limit exceeded, retry after %s", decision.ResetAfter))
}
