package notify

import (
	"context"
	"fmt"
	"time"
)

// retrying wraps a Notifier and retries transient failures with doubling
// backoff. Context cancellation aborts between attempts.
type retrying struct {
	inner    Notifier
	attempts int
	delay    time.Duration
}

func newRetrying(inner Notifier, attempts int, delay time.Duration) *retrying {
	if attempts < 1 {
		attempts = 1
	}
	return &retrying{inner: inner, attempts: attempts, delay: delay}
}

// Name returns the name of the wrapped notifier.
func (r *retrying) Name() string { return r.inner.Name() }

// Send attempts delivery up to the configured number of times.
func (r *retrying) Send(ctx context.Context, msg Message) error {
	var lastErr error
	delay := r.delay
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
		if lastErr = r.inner.Send(ctx, msg); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("after %d attempts: %w", r.attempts, lastErr)
}
