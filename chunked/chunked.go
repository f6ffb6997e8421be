// Package chunked implements the chunked upload driver: split a file
// into fixed-size windows and drive the single-object upload engine
// per window, persisting progress so a crash resumes at the next
// unfinished chunk rather than restarting the whole file.
//
// Chunk i is written to the child key "{object_key}/{i}"; the store
// never assembles the children, so consumers concatenate them in
// order.
package chunked

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/gurre/s3xfer/event"
	"github.com/gurre/s3xfer/limiter"
	"github.com/gurre/s3xfer/objectstore"
	"github.com/gurre/s3xfer/progress"
	"github.com/gurre/s3xfer/scheduler"
	"github.com/gurre/s3xfer/upload"
)

// Event is implemented by every event this driver emits. ChunkEvent
// passes through the underlying upload
// engine's events for the chunk currently in flight, so a UI can show
// per-chunk detail without the driver re-deriving it.
type Event interface{ isChunkedEvent() }

type SaveProgress struct{ Progress progress.ChunkedProgress }
type StartingChunk struct{ Index, Total uint64 }
type ChunkEvent struct{ Event upload.Event }
type ChunkUploadError struct{ Err error }

func (SaveProgress) isChunkedEvent()     {}
func (StartingChunk) isChunkedEvent()    {}
func (ChunkEvent) isChunkedEvent()       {}
func (ChunkUploadError) isChunkedEvent() {}

// Input gathers everything one chunked upload needs. Scheduler and
// Limiter may be nil, meaning
// scheduler.AnyTime{} and limiter.UnlimitedLimiter{} respectively.
type Input struct {
	Client        objectstore.Client
	Path          string
	Dest          objectstore.Dest
	ChunkSize     uint64
	RetryInterval time.Duration
	Scheduler     scheduler.Scheduler
	Limiter       limiter.Limiter
	SavedProgress progress.ChunkedProgress
	Clock         clockwork.Clock
}

func childKey(objectKey string, index uint64) string {
	return fmt.Sprintf("%s/%d", objectKey, index)
}

func tagging(totalLen, chunkSize, chunksCount, chunkNumber uint64, objectKey string) string {
	var v urlValues
	v.set("file", objectKey)
	v.set("total_len", fmt.Sprintf("%d", totalLen))
	v.set("chunks_count", fmt.Sprintf("%d", chunksCount))
	v.set("chunk_size", fmt.Sprintf("%d", chunkSize))
	v.set("chunk_number", fmt.Sprintf("%d", chunkNumber))
	return v.encode()
}

// Run drives a chunked upload to completion. It emits events on
// events (a blocking send; see package event) and
// returns the terminal error, if any. Terminal chunk-upload errors
// propagate; the driver never retries a chunk beyond what the upload
// engine's own retry driver already does.
func Run(ctx context.Context, events chan<- Event, in Input) error {
	state := in.SavedProgress

	if state.TotalLen == nil {
		fi, err := os.Stat(in.Path)
		if err != nil {
			return fmt.Errorf("chunked: stat %s: %w", in.Path, err)
		}
		total := uint64(fi.Size())
		state.TotalLen = &total
		if err := event.Emit[Event](ctx, events, SaveProgress{Progress: state}); err != nil {
			return err
		}
	}

	totalLen := *state.TotalLen
	totalChunks := ceilDiv(totalLen, in.ChunkSize)

	for state.PartsUploaded < totalChunks {
		offset := state.PartsUploaded * in.ChunkSize
		length := in.ChunkSize
		if remaining := totalLen - offset; remaining < length {
			length = remaining
		}

		if err := event.Emit[Event](ctx, events, StartingChunk{Index: state.PartsUploaded, Total: totalChunks}); err != nil {
			return err
		}

		chunkEvents := make(chan upload.Event)
		relayDone := make(chan struct{})
		go func() {
			defer close(relayDone)
			for e := range chunkEvents {
				if ue, ok := e.(upload.UploadError); ok {
					_ = event.Emit[Event](ctx, events, ChunkUploadError{Err: ue.Err})
				}
				_ = event.Emit[Event](ctx, events, ChunkEvent{Event: e})
			}
		}()

		err := upload.Run(ctx, chunkEvents, upload.Input{
			Client:        in.Client,
			Src:           upload.RangeSource{Path: in.Path, Offset: int64(offset), Length: length},
			Dest:          objectstore.Dest{Bucket: in.Dest.Bucket, ObjectKey: childKey(in.Dest.ObjectKey, state.PartsUploaded), StorageClass: in.Dest.StorageClass},
			RetryInterval: in.RetryInterval,
			Scheduler:     in.Scheduler,
			Limiter:       in.Limiter,
			Tagging:       tagging(totalLen, in.ChunkSize, totalChunks, state.PartsUploaded, in.Dest.ObjectKey),
			Clock:         in.Clock,
		})
		close(chunkEvents)
		<-relayDone
		if err != nil {
			return fmt.Errorf("chunked: upload chunk %d: %w", state.PartsUploaded, err)
		}

		state.PartsUploaded++
		if err := event.Emit[Event](ctx, events, SaveProgress{Progress: state}); err != nil {
			return err
		}
	}

	return nil
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// urlValues is a tiny ordered query-string builder, used in place of
// net/url.Values to keep the tagging string's key order stable
// (file, total_len, chunks_count, chunk_size, chunk_number):
// net/url.Values.Encode sorts keys alphabetically, which would
// scramble it.
type urlValues struct {
	keys []string
	vals map[string]string
}

func (v *urlValues) set(key, val string) {
	if v.vals == nil {
		v.vals = make(map[string]string)
	}
	if _, ok := v.vals[key]; !ok {
		v.keys = append(v.keys, key)
	}
	v.vals[key] = val
}

func (v urlValues) encode() string {
	out := ""
	for i, k := range v.keys {
		if i > 0 {
			out += "&"
		}
		out += k + "=" + v.vals[k]
	}
	return out
}
