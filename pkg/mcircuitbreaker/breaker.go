// Package mcircuitbreaker wraps github.com/sony/gobreaker around the
// scheduler's warehouse materialisation calls, so a warehouse outage trips
// open instead of stalling every scheduler worker
// (spec.md §7 propagation policy, SPEC_FULL.md §3 domain stack).
package mcircuitbreaker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/flowkit/queryserver/common/mlog"
	"github.com/flowkit/queryserver/pkg/mretry"
)

// Breaker wraps a named gobreaker.CircuitBreaker with the retry policy
// that runs inside it: each Run call is itself retried with bounded
// exponential backoff (pkg/mretry) before the breaker counts a failure.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	retry  mretry.Policy
	logger mlog.Logger
}

// New builds a Breaker named name, tripping open after consecutiveFailures
// repeated failures and resetting after openDuration.
func New(name string, consecutiveFailures uint32, openDuration time.Duration, logger mlog.Logger) *Breaker {
	settings := gobreaker.Settings{
		Name:    name,
		Timeout: openDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Infof("circuit breaker %s: %s -> %s", name, from, to)
		},
	}

	return &Breaker{
		cb:     gobreaker.NewCircuitBreaker(settings),
		retry:  mretry.Default,
		logger: logger,
	}
}

// Run executes fn through the breaker, retrying transient failures with
// bounded exponential backoff before the breaker observes the outcome.
func (b *Breaker) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, mretry.Do(ctx, b.retry, fn)
	})

	return err
}

// State reports the breaker's current state, for health checks.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
