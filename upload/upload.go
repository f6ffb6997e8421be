// Package upload implements the single-object upload engine: reserve,
// schedule, then PUT through the retry driver, re-opening the source
// stream fresh on every attempt since streams are not assumed
// rewindable.
//
// On a partial upload failure the limiter is charged the full length
// even though only part of it hit the wire; there is no way to know
// how much data was actually transferred, so the full length is the
// conservative answer.
package upload

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jonboulle/clockwork"

	"github.com/gurre/s3xfer/event"
	"github.com/gurre/s3xfer/limiter"
	"github.com/gurre/s3xfer/objectstore"
	"github.com/gurre/s3xfer/retry"
	"github.com/gurre/s3xfer/scheduler"
)

// Event is implemented by every event this engine emits.
type Event interface{ isUploadEvent() }

type ReadingMetadata struct{}
type ReservingUploadAmount struct{}
type GettingUploadStream struct{}
type ScheduledStart struct{ At time.Time }
type StartingUpload struct{}
type UploadError struct{ Err error }

func (ReadingMetadata) isUploadEvent()       {}
func (ReservingUploadAmount) isUploadEvent() {}
func (GettingUploadStream) isUploadEvent()   {}
func (ScheduledStart) isUploadEvent()        {}
func (StartingUpload) isUploadEvent()        {}
func (UploadError) isUploadEvent()           {}

// Source supplies the bytes to upload. Open is called once per retry
// attempt since streams are not assumed seekable. Len is read once,
// up front, to size the reservation and the PUT's content length.
type Source interface {
	Len(ctx context.Context) (uint64, error)
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Input gathers everything one upload needs. Scheduler may be nil,
// meaning scheduler.AnyTime{}; Limiter may be nil, meaning
// limiter.UnlimitedLimiter{}.
type Input struct {
	Client        objectstore.Client
	Src           Source
	Dest          objectstore.Dest
	RetryInterval time.Duration
	Scheduler     scheduler.Scheduler
	Limiter       limiter.Limiter
	Tagging       string
	Clock         clockwork.Clock
}

func reservationID(dest objectstore.Dest) string {
	return fmt.Sprintf("upload:%s/%s", dest.Bucket, dest.ObjectKey)
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

// Run drives one upload to completion. It emits events on events (a
// blocking send; see package event) and returns the terminal error,
// if any.
func Run(ctx context.Context, events chan<- Event, in Input) error {
	sched := in.Scheduler
	if sched == nil {
		sched = scheduler.AnyTime{}
	}
	lim := in.Limiter
	if lim == nil {
		lim = limiter.UnlimitedLimiter{}
	}

	if err := event.Emit[Event](ctx, events, ReadingMetadata{}); err != nil {
		return err
	}
	length, err := in.Src.Len(ctx)
	if err != nil {
		return fmt.Errorf("upload: read metadata: %w", err)
	}

	_, err = retry.Run(ctx, in.Clock, in.RetryInterval, func(e error) {
		_ = event.Emit[Event](ctx, events, UploadError{Err: e})
	}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, attempt(ctx, events, in, sched, lim, length)
	})
	return err
}

// attempt performs one reserve-schedule-PUT cycle: the reservation
// joins its existing queue entry idempotently, the scheduler is
// consulted afresh in case a transfer window has closed, and a new
// stream is opened since streams are not assumed rewindable. On
// success the reservation is marked complete before the attempt
// returns.
func attempt(ctx context.Context, events chan<- Event, in Input, sched scheduler.Scheduler, lim limiter.Limiter, length uint64) error {
	if err := event.Emit[Event](ctx, events, ReservingUploadAmount{}); err != nil {
		return err
	}
	res, err := lim.Reserve(ctx, reservationID(in.Dest), length)
	if err != nil {
		return fmt.Errorf("upload: reserve: %w", err)
	}

	start := sched.GetStartTime(length)
	if !start.Immediate {
		if err := event.Emit[Event](ctx, events, ScheduledStart{At: start.At}); err != nil {
			return err
		}
		if err := sleepCtx(ctx, in.Clock, start.At.Sub(in.Clock.Now())); err != nil {
			return err
		}
	}

	if err := event.Emit[Event](ctx, events, GettingUploadStream{}); err != nil {
		return err
	}
	body, err := in.Src.Open(ctx)
	if err != nil {
		return fmt.Errorf("upload: open source: %w", err)
	}
	defer func() { _ = body.Close() }()

	if err := event.Emit[Event](ctx, events, StartingUpload{}); err != nil {
		return err
	}

	contentLength := int64(length)
	input := &s3.PutObjectInput{
		Bucket:        &in.Dest.Bucket,
		Key:           &in.Dest.ObjectKey,
		Body:          body,
		StorageClass:  in.Dest.StorageClass,
		ContentLength: aws.Int64(contentLength),
	}
	if in.Tagging != "" {
		input.Tagging = aws.String(in.Tagging)
	}

	if _, err := in.Client.PutObject(ctx, input); err != nil {
		return err
	}
	return res.MarkComplete(ctx)
}
