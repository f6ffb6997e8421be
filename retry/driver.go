package retry

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Producer is a fallible operation the driver re-invokes until it
// succeeds or fails terminally.
type Producer[T any] func(ctx context.Context) (T, error)

// Run repeatedly calls producer on a fixed interval until it returns a
// nil error (success) or a terminal error. There is no exponential
// backoff: operators tune the fixed interval to the service being
// called.
//
// Each retryable error is reported to onRetry (if non-nil) as a
// progress event before the driver sleeps interval and tries again.
// Run returns promptly with ctx.Err() if ctx is cancelled while
// waiting.
func Run[T any](ctx context.Context, clock clockwork.Clock, interval time.Duration, onRetry func(err error), producer Producer[T]) (T, error) {
	for {
		value, err := producer(ctx)
		if err == nil {
			return value, nil
		}
		if ctx.Err() != nil {
			var zero T
			return zero, ctx.Err()
		}
		if Classify(err) == Terminal {
			var zero T
			return zero, err
		}
		if onRetry != nil {
			onRetry(err)
		}
		select {
		case <-clock.After(interval):
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}
