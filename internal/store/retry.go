package store

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/sharevault/trading-engine/internal/metrics"
)

// MaxRetries bounds how often a single-record operation is retried after a
// transient failure.
const MaxRetries = 3

// RetryBase is the first backoff delay; it doubles per attempt.
var RetryBase = 20 * time.Millisecond

// Retry runs fn and retries it while it fails with a transient store error.
// Any other error, or the last transient one, is returned unchanged.
func Retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := retry.NewExponential(RetryBase)
	b = retry.WithJitter(RetryBase/2, b)
	b = retry.WithMaxRetries(MaxRetries, b)

	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if attempt > 0 {
			metrics.StoreRetries.WithLabelValues(op).Inc()
		}
		attempt++

		err := fn(ctx)
		if IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
