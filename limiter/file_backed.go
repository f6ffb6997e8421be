package limiter

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"
)

const monthKeyLayout = "2006-01"

type queueItem struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Amount      uint64    `json:"amount"`
	TimeAdded   time.Time `json:"timeAdded"`
}

type fileData struct {
	CurrentMonth  string      `json:"currentMonth"`
	UsedThisMonth uint64      `json:"usedThisMonth"`
	Queue         []queueItem `json:"queue"`
}

func (d *fileData) indexOf(id string) int {
	for i, item := range d.Queue {
		if item.ID == id {
			return i
		}
	}
	return -1
}

// FileBackedLimiter is a Limiter backed by a single JSON file on disk,
// guarded by an advisory exclusive lock so multiple processes sharing
// the same budget never oversubscribe it. The limit resets at the
// start of every UTC month; a single transfer larger than the whole
// monthly budget "stretches" the limit rather than deadlocking.
type FileBackedLimiter struct {
	path        string
	limit       uint64
	description string
	clock       clockwork.Clock
}

var _ Limiter = (*FileBackedLimiter)(nil)

// NewFileBackedLimiter builds a FileBackedLimiter. limit is the
// monthly budget in bytes; description labels new queue entries for
// operator-readable ledgers.
func NewFileBackedLimiter(path string, limit uint64, description string, clock clockwork.Clock) *FileBackedLimiter {
	return &FileBackedLimiter{path: path, limit: limit, description: description, clock: clock}
}

type lockedFile struct {
	lock *flock.Flock
	file *os.File
}

func openAndRead(path string, now time.Time) (*lockedFile, fileData, error) {
	fl := flock.New(path)
	if err := fl.Lock(); err != nil {
		return nil, fileData{}, fmt.Errorf("limiter: lock %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		_ = fl.Unlock()
		return nil, fileData{}, fmt.Errorf("limiter: open %s: %w", path, err)
	}

	raw, err := io.ReadAll(f)
	if err != nil {
		_ = f.Close()
		_ = fl.Unlock()
		return nil, fileData{}, fmt.Errorf("limiter: read %s: %w", path, err)
	}

	month := now.UTC().Format(monthKeyLayout)
	var data fileData
	if len(raw) == 0 {
		data = fileData{CurrentMonth: month}
	} else {
		if err := json.Unmarshal(raw, &data); err != nil {
			_ = f.Close()
			_ = fl.Unlock()
			return nil, fileData{}, fmt.Errorf("limiter: parse %s: %w", path, err)
		}
		if data.CurrentMonth != month {
			data.CurrentMonth = month
			data.UsedThisMonth = 0
		}
	}

	return &lockedFile{lock: fl, file: f}, data, nil
}

func (lf *lockedFile) writeAndClose(data fileData) error {
	defer lf.lock.Unlock()
	defer lf.file.Close()

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("limiter: encode: %w", err)
	}
	if _, err := lf.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("limiter: seek: %w", err)
	}
	if err := lf.file.Truncate(0); err != nil {
		return fmt.Errorf("limiter: truncate: %w", err)
	}
	if _, err := lf.file.Write(raw); err != nil {
		return fmt.Errorf("limiter: write: %w", err)
	}
	return nil
}

func (lf *lockedFile) close() error {
	defer lf.lock.Unlock()
	return lf.file.Close()
}

// startOfNextMonth returns the first instant (UTC midnight) of the
// month following t's month.
func startOfNextMonth(t time.Time) time.Time {
	t = t.UTC()
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

func sleepCtx(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reserve enqueues id immediately, then blocks until the queue
// position ahead of id plus amount fits within the remaining monthly
// budget, stretching the limit so that a single transfer larger than
// the whole monthly budget is never permanently stuck.
func (l *FileBackedLimiter) Reserve(ctx context.Context, id string, amount uint64) (Reservation, error) {
	now := l.clock.Now()
	lf, data, err := openAndRead(l.path, now)
	if err != nil {
		return nil, err
	}
	if data.indexOf(id) == -1 {
		data.Queue = append(data.Queue, queueItem{
			ID:          id,
			Description: l.description,
			Amount:      amount,
			TimeAdded:   now,
		})
	}
	if err := lf.writeAndClose(data); err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now = l.clock.Now()
		lf, data, err := openAndRead(l.path, now)
		if err != nil {
			return nil, err
		}
		if err := lf.close(); err != nil {
			return nil, err
		}

		idx := data.indexOf(id)
		if idx == -1 {
			return nil, fmt.Errorf("limiter: reservation %q vanished from queue", id)
		}
		var queueTotal uint64
		for _, item := range data.Queue[:idx] {
			queueTotal += item.Amount
		}

		limit := l.limit
		if amount > limit {
			limit = amount
		}
		if data.UsedThisMonth+queueTotal+amount <= limit {
			break
		}

		monthsToWait := 1 + int((queueTotal+amount)/l.limit)
		recheck := now
		for i := 0; i < monthsToWait; i++ {
			recheck = startOfNextMonth(recheck)
		}
		// TODO: time spent with the machine suspended is not counted
		// toward this sleep, so the re-check can run late.
		if err := sleepCtx(ctx, l.clock, recheck.Sub(now)); err != nil {
			return nil, err
		}
	}

	return &fileBackedReservation{limiter: l, id: id}, nil
}

// GetReservation reports whether id is still present in the on-disk
// queue.
func (l *FileBackedLimiter) GetReservation(ctx context.Context, id string) (Reservation, bool, error) {
	lf, data, err := openAndRead(l.path, l.clock.Now())
	if err != nil {
		return nil, false, err
	}
	if err := lf.close(); err != nil {
		return nil, false, err
	}
	if data.indexOf(id) == -1 {
		return nil, false, nil
	}
	return &fileBackedReservation{limiter: l, id: id}, true, nil
}

type fileBackedReservation struct {
	limiter *FileBackedLimiter
	id      string
}

var _ Reservation = (*fileBackedReservation)(nil)

// MarkComplete removes id from the queue and credits its amount
// against the current month's usage.
func (r *fileBackedReservation) MarkComplete(ctx context.Context) error {
	lf, data, err := openAndRead(r.limiter.path, r.limiter.clock.Now())
	if err != nil {
		return err
	}
	idx := data.indexOf(r.id)
	if idx == -1 {
		return lf.close()
	}
	item := data.Queue[idx]
	data.Queue = append(data.Queue[:idx], data.Queue[idx+1:]...)
	data.UsedThisMonth += item.Amount
	return lf.writeAndClose(data)
}
