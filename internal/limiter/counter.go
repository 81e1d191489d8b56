// Package limiter holds the counter-based admission checks: a fixed-window rate
// limiter and a duplicate-content suppressor. Both sit on the same primitive,
// an increment-with-expiry counter that lives in a shared store.
package limiter

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

var ErrStoreUnavailable = errors.New("counter store unavailable")

// CounterStore increments key and returns the post-increment value. The first
// increment creates the key with value 1 and starts its ttl; later increments
// must not reset the ttl. Any error means the store is unavailable.
type CounterStore interface {
	IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// FailurePolicy decides what a check returns when the store is unavailable.
type FailurePolicy int

const (
	FailOpen FailurePolicy = iota
	FailClosed
)

func (p FailurePolicy) String() string {
	if p == FailClosed {
		return "fail-closed"
	}
	return "fail-open"
}

// Decision is the outcome of one counter check. Degraded is set when the store
// could not be reached and the policy decided instead of the counter.
type Decision struct {
	Allowed  bool
	Count    int64
	Degraded bool
}

type Option func(*options)

type options struct {
	now    func() time.Time
	log    *zap.Logger
	policy FailurePolicy
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

func WithFailurePolicy(p FailurePolicy) Option {
	return func(o *options) { o.policy = p }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, policy: FailOpen}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = zap.L()
	}
	return o
}

// degraded applies the failure policy after a store error.
func (o options) degraded(check, key string, err error) Decision {
	o.log.Warn("limiter.store_unavailable",
		zap.String("check", check),
		zap.String("key", key),
		zap.String("policy", o.policy.String()),
		zap.Error(err),
	)
	return Decision{Allowed: o.policy == FailOpen, Degraded: true}
}
