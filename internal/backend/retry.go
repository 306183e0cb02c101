package backend

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// RetryPolicy is the single retry component every backend integration
// shares: max attempts, base delay, and a predicate deciding which
// errors are worth another attempt. Integrations supply only the
// endpoint and payload shape.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Retryable   func(error) bool
	Logger      *slog.Logger
}

// DefaultRetryPolicy retries transient network failures, 429 and 5xx.
func DefaultRetryPolicy(logger *slog.Logger) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Retryable:   IsRetryable,
		Logger:      logger,
	}
}

// Do runs fn until it succeeds, exhausts the attempts, or hits a
// non-retryable error. Backoff grows quadratically with jitter to
// prevent thundering herd.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * base
			backoff += time.Duration(rand.Int63n(int64(backoff/2 + 1)))
			if p.Logger != nil {
				p.Logger.Warn("retrying request", "attempt", attempt+1, "backoff", backoff)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if p.Logger != nil {
			p.Logger.Warn("request failed, will retry", "err", lastErr)
		}
	}
	return fmt.Errorf("request failed after %d attempts: %w", attempts, lastErr)
}
