package limiter

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestFileBackedLimiter_ReserveUnderLimit(t *testing.T) {
	dir := t.TempDir()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	l := NewFileBackedLimiter(filepath.Join(dir, "budget.json"), 1000, "test", clock)

	res, err := l.Reserve(context.Background(), "job-1", 100)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := res.MarkComplete(context.Background()); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}

	lf, data, err := openAndRead(l.path, clock.Now())
	if err != nil {
		t.Fatalf("openAndRead: %v", err)
	}
	defer func() { _ = lf.close() }()
	if data.UsedThisMonth != 100 {
		t.Errorf("UsedThisMonth = %d, want 100", data.UsedThisMonth)
	}
	if len(data.Queue) != 0 {
		t.Errorf("queue not drained: %+v", data.Queue)
	}
}

func TestFileBackedLimiter_StretchAllowsOversizedSingleReservation(t *testing.T) {
	dir := t.TempDir()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	l := NewFileBackedLimiter(filepath.Join(dir, "budget.json"), 10, "test", clock)

	done := make(chan error, 1)
	go func() {
		_, err := l.Reserve(context.Background(), "big-job", 1000)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Reserve: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Reserve blocked despite stretch rule for an empty queue")
	}
}

func TestFileBackedLimiter_SecondReservationWaitsForBudget(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	path := filepath.Join(dir, "budget.json")
	l := NewFileBackedLimiter(path, 100, "test", clock)

	first, err := l.Reserve(context.Background(), "job-1", 100)
	if err != nil {
		t.Fatalf("Reserve first: %v", err)
	}
	if err := first.MarkComplete(context.Background()); err != nil {
		t.Fatalf("MarkComplete first: %v", err)
	}

	resultCh := make(chan error, 1)
	go func() {
		_, err := l.Reserve(context.Background(), "job-2", 50)
		resultCh <- err
	}()

	clock.BlockUntil(1)
	clock.Advance(31 * 24 * time.Hour)

	select {
	case err := <-resultCh:
		if err != nil {
			t.Fatalf("Reserve second: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second reservation never unblocked after month rollover")
	}
}

func TestStartOfNextMonth(t *testing.T) {
	cases := []struct {
		in, want time.Time
	}{
		{time.Date(2025, time.December, 13, 0, 0, 0, 0, time.UTC), time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2025, time.July, 2, 0, 0, 0, 0, time.UTC), time.Date(2025, time.August, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		if got := startOfNextMonth(c.in); !got.Equal(c.want) {
			t.Errorf("startOfNextMonth(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestFileBackedLimiter_GetReservation(t *testing.T) {
	dir := t.TempDir()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	l := NewFileBackedLimiter(filepath.Join(dir, "budget.json"), 1000, "test", clock)

	if _, ok, err := l.GetReservation(context.Background(), "job-1"); err != nil || ok {
		t.Fatalf("GetReservation before Reserve = (ok=%v, err=%v), want (false, nil)", ok, err)
	}

	if _, err := l.Reserve(context.Background(), "job-1", 100); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	res, ok, err := l.GetReservation(context.Background(), "job-1")
	if err != nil || !ok {
		t.Fatalf("GetReservation after Reserve = (ok=%v, err=%v), want (true, nil)", ok, err)
	}
	if err := res.MarkComplete(context.Background()); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}
}

func TestUnlimitedLimiter_NeverBlocks(t *testing.T) {
	res, err := UnlimitedLimiter{}.Reserve(context.Background(), "anything", 1<<40)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := res.MarkComplete(context.Background()); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}
}
