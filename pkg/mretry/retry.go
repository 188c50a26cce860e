// Package mretry implements the bounded exponential backoff spec.md §7
// requires for transient failures: "retry with bounded backoff, default 3
// attempts, exponential".
package mretry

import (
	"context"
	"time"
)

// Policy configures a bounded exponential backoff.
type Policy struct {
	MaxAttempts int           // default 3 attempts (spec.md §7)
	BaseDelay   time.Duration // delay before the first retry
	MaxDelay    time.Duration
}

// Default is the policy spec.md §7 names explicitly.
var Default = Policy{
	MaxAttempts: 3,
	BaseDelay:   100 * time.Millisecond,
	MaxDelay:    2 * time.Second,
}

// Do runs fn, retrying on error up to p.MaxAttempts total attempts with
// exponential backoff between tries. It returns the last error if every
// attempt fails, or nil on the first success. A zero Policy falls back to
// Default.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p = Default
	}

	delay := p.BaseDelay
	if delay <= 0 {
		delay = Default.BaseDelay
	}

	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == p.MaxAttempts {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return lastErr
}
