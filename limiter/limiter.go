// Package limiter implements the monthly transfer-amount limiter: a
// gate that callers reserve bytes against before transferring, so a
// metered or capped link never exceeds its monthly allowance.
package limiter

import "context"

// Reservation is returned by Limiter.Reserve once enough budget is
// available. The caller calls MarkComplete exactly once, after the
// transfer succeeds; it charges the reserved amount to the budget.
type Reservation interface {
	MarkComplete(ctx context.Context) error
}

// Limiter gates a transfer of amount bytes identified by id. Reserve
// blocks (respecting ctx) until amount bytes are available within the
// current budget period.
type Limiter interface {
	Reserve(ctx context.Context, id string, amount uint64) (Reservation, error)

	// GetReservation reports whether id is still queued, so a resumed
	// transfer can reuse its existing place in line instead of
	// enqueueing again.
	GetReservation(ctx context.Context, id string) (Reservation, bool, error)
}

// UnlimitedLimiter never blocks; it is the limiter used when no
// monthly cap is configured.
type UnlimitedLimiter struct{}

var _ Limiter = UnlimitedLimiter{}

func (UnlimitedLimiter) Reserve(context.Context, string, uint64) (Reservation, error) {
	return unlimitedReservation{}, nil
}

func (UnlimitedLimiter) GetReservation(context.Context, string) (Reservation, bool, error) {
	return nil, false, nil
}

type unlimitedReservation struct{}

func (unlimitedReservation) MarkComplete(context.Context) error { return nil }
