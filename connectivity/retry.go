// Package connectivity holds the outbound call policy shared by the
// notification channels: bounded attempts with backoff that respects
// context cancellation.
package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Policy bounds a retried call.
type Policy struct {
	// MaxAttempts is the total number of calls, first one included.
	// Values below 1 are treated as 1.
	MaxAttempts int
	// Backoff is the wait after the first failure, doubled after each
	// further failure. Zero retries immediately.
	Backoff time.Duration
	// Logger receives one warning per failed attempt. Nil is silent.
	Logger *slog.Logger
}

// Attempt is a single call. attempt starts at 1.
type Attempt func(ctx context.Context, attempt int) error

// Retry calls fn until it succeeds, returns a Permanent error, the context
// is done, or MaxAttempts is reached. It returns the number of calls made.
// When every attempt failed the error is an *ErrRetriesExhausted wrapping
// the last failure.
func Retry(ctx context.Context, p Policy, fn Attempt) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		var perm *ErrPermanent
		if errors.As(err, &perm) {
			return attempt, perm.Cause
		}
		if ctx.Err() != nil {
			return attempt, lastErr
		}

		if p.Logger != nil {
			p.Logger.WarnContext(ctx, "connectivity: attempt failed",
				"attempt", attempt, "max_attempts", maxAttempts, "error", err)
		}

		if attempt < maxAttempts && p.Backoff > 0 {
			wait := p.Backoff * (1 << uint(attempt-1))
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return attempt, lastErr
			case <-t.C:
			}
		}
	}
	return maxAttempts, &ErrRetriesExhausted{Attempts: maxAttempts, Cause: lastErr}
}
