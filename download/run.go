package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/gurre/s3xfer/event"
	"github.com/gurre/s3xfer/limiter"
	"github.com/gurre/s3xfer/objectstore"
	"github.com/gurre/s3xfer/progress"
	"github.com/gurre/s3xfer/retry"
)

// Run drives one download to completion. It emits events on events (a
// blocking send; see package event) and returns the terminal error,
// if any.
func Run(ctx context.Context, events chan<- Event, in Input) error {
	lim := in.Limiter
	if lim == nil {
		lim = limiter.UnlimitedLimiter{}
	}
	id := reservationID(in.Src)

	measure := func(ctx context.Context) (uint64, error) {
		if err := event.Emit[Event](ctx, events, GettingObjectLen{}); err != nil {
			return 0, err
		}
		out, err := retry.Run(ctx, in.Clock, in.RetryInterval, func(e error) {
			_ = event.Emit[Event](ctx, events, CheckObjectLenError{Err: e})
		}, func(ctx context.Context) (*s3.HeadObjectOutput, error) {
			return in.Client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &in.Src.Bucket, Key: &in.Src.ObjectKey})
		})
		if err != nil {
			return 0, err
		}
		if out.ContentLength == nil {
			return 0, ErrNoContentLength
		}
		return uint64(*out.ContentLength), nil
	}

	if err := event.Emit[Event](ctx, events, ReservingDownloadAmount{}); err != nil {
		return err
	}
	res, amount, err := reserve(ctx, lim, id, in.SavedProgress.Reservation, measure)
	if err != nil {
		return err
	}
	progressState := in.SavedProgress
	progressState.Reservation = &progress.SavedReservation{Amount: amount, Reserved: true}
	if err := event.Emit[Event](ctx, events, UpdateSavedProgress{Progress: progressState}); err != nil {
		return err
	}

	for {
		if in.Strategy.Cold {
			if err := runCold(ctx, events, in, &progressState); err != nil {
				return err
			}
		}

		err := runWarm(ctx, events, in)
		if err == nil {
			break
		}
		if in.Strategy.Cold && objectstore.IsInvalidObjectState(err) {
			// The restored copy expired between the HEAD check and the
			// GET; go back to WillInitiateRestore and try again.
			progressState.Stage = progress.WillInitiateRestore
			if emitErr := event.Emit[Event](ctx, events, UpdateSavedProgress{Progress: progressState}); emitErr != nil {
				return emitErr
			}
			continue
		}
		return err
	}

	if err := event.Emit[Event](ctx, events, MarkingReservationComplete{}); err != nil {
		return err
	}
	return res.MarkComplete(ctx)
}

// runWarm issues the GET and streams the body to in.Dest, reporting
// progress once per chunk read and once per chunk written.
func runWarm(ctx context.Context, events chan<- Event, in Input) error {
	out, err := retry.Run(ctx, in.Clock, in.RetryInterval, func(e error) {
		_ = event.Emit[Event](ctx, events, DownloadError{Err: e})
	}, func(ctx context.Context) (*s3.GetObjectOutput, error) {
		return in.Client.GetObject(ctx, &s3.GetObjectInput{Bucket: &in.Src.Bucket, Key: &in.Src.ObjectKey})
	})
	if err != nil {
		return err
	}
	defer func() { _ = out.Body.Close() }()

	if out.ContentLength == nil {
		return ErrNoContentLength
	}

	var progressState Progress
	progressState.Total = uint64(*out.ContentLength)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := out.Body.Read(buf)
		if n > 0 {
			progressState.DownloadedFromService += uint64(n)
			if err := event.Emit[Event](ctx, events, progressState); err != nil {
				return err
			}
			if _, werr := in.Dest.Write(buf[:n]); werr != nil {
				return fmt.Errorf("download: write to destination: %w", werr)
			}
			progressState.WrittenToSink += uint64(n)
			if err := event.Emit[Event](ctx, events, progressState); err != nil {
				return err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("download: read object body: %w", readErr)
		}
	}
}

// runCold drives the restore state machine until the restored copy is
// ready, persisting progressState.Stage after each transition. Run
// loops back into it with stage WillInitiateRestore if the GET in
// runWarm later reports the restored copy expired.
func runCold(ctx context.Context, events chan<- Event, in Input, progressState *progress.DownloadProgress) error {
	for {
		switch progressState.Stage {
		case progress.WillInitiateRestore:
			_, err := retry.Run(ctx, in.Clock, in.RetryInterval, func(e error) {
				_ = event.Emit[Event](ctx, events, RestoreError{Err: e})
			}, func(ctx context.Context) (*s3.RestoreObjectOutput, error) {
				out, err := in.Client.RestoreObject(ctx, &s3.RestoreObjectInput{
					Bucket: &in.Src.Bucket,
					Key:    &in.Src.ObjectKey,
					RestoreRequest: &types.RestoreRequest{
						Days:                 aws.Int32(1),
						GlacierJobParameters: &types.GlacierJobParameters{Tier: in.Strategy.Tier},
					},
				})
				if err != nil && objectstore.IsRestoreAlreadyInProgress(err) {
					return out, nil
				}
				return out, err
			})
			if err != nil {
				return err
			}
			if err := event.Emit[Event](ctx, events, RestoreInitiated{}); err != nil {
				return err
			}
			progressState.Stage = progress.RestoreInitiated
			nowInitiated := in.Clock.Now().Unix()
			progressState.LastCheckedAt = &nowInitiated
			if err := event.Emit[Event](ctx, events, UpdateSavedProgress{Progress: *progressState}); err != nil {
				return err
			}

		case progress.RestoreInitiated:
			wait := in.Strategy.PollInterval
			if progressState.LastCheckedAt != nil {
				elapsed := in.Clock.Now().Sub(time.Unix(*progressState.LastCheckedAt, 0))
				wait -= elapsed
				if wait < 0 {
					wait = 0
				}
			}
			if wait > 0 {
				select {
				case <-in.Clock.After(wait):
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			out, err := retry.Run(ctx, in.Clock, in.RetryInterval, func(e error) {
				_ = event.Emit[Event](ctx, events, CheckStatusError{Err: e})
			}, func(ctx context.Context) (*s3.HeadObjectOutput, error) {
				return in.Client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &in.Src.Bucket, Key: &in.Src.ObjectKey})
			})
			if err != nil {
				return err
			}

			now := in.Clock.Now().Unix()
			switch {
			case out.Restore == nil:
				progressState.Stage = progress.WillInitiateRestore
				progressState.LastCheckedAt = nil
			case strings.HasPrefix(*out.Restore, `ongoing-request="false"`):
				progressState.Stage = progress.RestoreComplete
				progressState.LastCheckedAt = nil
			case strings.HasPrefix(*out.Restore, `ongoing-request="true"`):
				progressState.LastCheckedAt = &now
				if err := event.Emit[Event](ctx, events, NotYetRestored{}); err != nil {
					return err
				}
			default:
				return ErrUnknownRestoreString
			}
			if err := event.Emit[Event](ctx, events, UpdateSavedProgress{Progress: *progressState}); err != nil {
				return err
			}

		case progress.RestoreComplete:
			if err := event.Emit[Event](ctx, events, RestoreComplete{}); err != nil {
				return err
			}
			return nil
		}
	}
}
