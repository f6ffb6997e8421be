// Package event provides the single helper every engine (download,
// upload, chunked) uses to publish progress events: a blocking send,
// so a slow consumer applies backpressure to the engine rather than
// the engine buffering unboundedly or dropping events.
package event

import "context"

// Emit sends ev on ch, returning ctx.Err() instead of blocking forever
// if ctx is cancelled first.
func Emit[E any](ctx context.Context, ch chan<- E, ev E) error {
	select {
	case ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
