// Package download implements the resumable download engine: a warm
// single-GET path, and a cold-storage restore state machine that
// persists its stage so a crash mid-restore resumes rather than
// restarts.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/jonboulle/clockwork"

	"github.com/gurre/s3xfer/limiter"
	"github.com/gurre/s3xfer/objectstore"
	"github.com/gurre/s3xfer/progress"
)

// Event is implemented by every event this engine emits.
type Event interface{ isDownloadEvent() }

type GettingObjectLen struct{}
type ReservingDownloadAmount struct{}
type CheckObjectLenError struct{ Err error }
type DownloadError struct{ Err error }
type Progress struct{ DownloadedFromService, WrittenToSink, Total uint64 }
type RestoreError struct{ Err error }
type RestoreInitiated struct{}
type NotYetRestored struct{}
type RestoreComplete struct{}
type CheckStatusError struct{ Err error }
type UpdateSavedProgress struct{ Progress progress.DownloadProgress }
type MarkingReservationComplete struct{}

func (GettingObjectLen) isDownloadEvent()           {}
func (ReservingDownloadAmount) isDownloadEvent()    {}
func (CheckObjectLenError) isDownloadEvent()        {}
func (DownloadError) isDownloadEvent()              {}
func (Progress) isDownloadEvent()                   {}
func (RestoreError) isDownloadEvent()               {}
func (RestoreInitiated) isDownloadEvent()           {}
func (NotYetRestored) isDownloadEvent()             {}
func (RestoreComplete) isDownloadEvent()            {}
func (CheckStatusError) isDownloadEvent()           {}
func (UpdateSavedProgress) isDownloadEvent()        {}
func (MarkingReservationComplete) isDownloadEvent() {}

// ErrNoContentLength is terminal: the store answered without a
// content-length header, so the engine cannot size the reservation or
// report progress against a total.
var ErrNoContentLength = errors.New("download: object has no content length")

// ErrUnknownRestoreString is terminal: the x-amz-restore header didn't
// match either documented prefix.
var ErrUnknownRestoreString = errors.New("download: unparseable x-amz-restore header")

// Strategy selects the warm or cold-restore code path.
type Strategy struct {
	Cold bool
	// Tier and PollInterval are only used when Cold is true.
	Tier         types.Tier
	PollInterval time.Duration
}

// Input gathers everything one download needs. Limiter may be nil,
// meaning limiter.UnlimitedLimiter{}.
type Input struct {
	Client        objectstore.Client
	Src           objectstore.Src
	Dest          io.Writer
	Strategy      Strategy
	RetryInterval time.Duration
	Limiter       limiter.Limiter
	SavedProgress progress.DownloadProgress
	Clock         clockwork.Clock
}

func reservationID(src objectstore.Src) string {
	return fmt.Sprintf("download:%s/%s", src.Bucket, src.ObjectKey)
}

// reserve applies the reservation-recovery rules: reuse a still-queued
// reservation; otherwise re-measure (if the saved reservation wasn't
// yet enqueued) or reuse the saved amount, and finally reserve fresh
// when there is no saved reservation at all.
func reserve(ctx context.Context, lim limiter.Limiter, id string, saved *progress.SavedReservation, measure func(ctx context.Context) (uint64, error)) (limiter.Reservation, uint64, error) {
	if saved != nil {
		if res, ok, err := lim.GetReservation(ctx, id); err != nil {
			return nil, 0, err
		} else if ok {
			return res, saved.Amount, nil
		}
		if !saved.Reserved {
			amount, err := measure(ctx)
			if err != nil {
				return nil, 0, err
			}
			res, err := lim.Reserve(ctx, id, amount)
			return res, amount, err
		}
		res, err := lim.Reserve(ctx, id, saved.Amount)
		return res, saved.Amount, err
	}
	amount, err := measure(ctx)
	if err != nil {
		return nil, 0, err
	}
	res, err := lim.Reserve(ctx, id, amount)
	return res, amount, err
}
