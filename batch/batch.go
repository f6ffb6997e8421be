package batch

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/jonboulle/clockwork"

	"github.com/gurre/s3xfer/chunked"
	"github.com/gurre/s3xfer/limiter"
	"github.com/gurre/s3xfer/metrics"
	"github.com/gurre/s3xfer/objectstore"
	"github.com/gurre/s3xfer/scheduler"
	"github.com/gurre/s3xfer/upload"
)

// WorkerStatus tracks one worker's progress for monitoring.
type WorkerStatus struct {
	LastErrorTime time.Time
	StartTime     time.Time
	LastActive    time.Time
	LastError     error
	CurrentFile   string
	BytesSent     int64
	ID            int
}

// Config gathers the parameters shared across every transfer in a
// batch run.
type Config struct {
	Client        objectstore.Client
	Bucket        string
	StorageClass  types.StorageClass
	RetryInterval time.Duration
	Scheduler     scheduler.Scheduler
	Limiter       limiter.Limiter
	Chunked       bool
	ChunkSize     uint64
	MaxWorkers    int
	Clock         clockwork.Clock
}

// Runner drives a Manifest's entries through the upload or chunked
// engine, MaxWorkers at a time, sharing one limiter and one clock
// across every worker. Workers in one process queue against the same
// ledger entries as workers in any other process sharing the ledger
// file.
type Runner struct {
	cfg     Config
	metrics *metrics.Metrics

	statusMu sync.RWMutex
	status   map[int]*WorkerStatus
}

// NewRunner builds a Runner ready to drive cfg.MaxWorkers concurrent
// transfers.
func NewRunner(cfg Config) *Runner {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	return &Runner{
		cfg:     cfg,
		metrics: metrics.NewMetrics(),
		status:  make(map[int]*WorkerStatus),
	}
}

// Metrics returns the batch's running metrics; call after Run
// completes for a final report.
func (r *Runner) Metrics() *metrics.Metrics { return r.metrics }

// Run drives m's entries to completion. It installs SIGINT/SIGTERM
// cancellation, runs a 5-second progress ticker, and returns a
// combined error if any worker failed.
func (r *Runner) Run(ctx context.Context, m Manifest) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tasks := make(chan Entry)
	results := make(chan error, r.cfg.MaxWorkers)
	var wg sync.WaitGroup

	done := make(chan struct{})
	go r.reportProgress(ctx, done)
	defer close(done)

	for i := 0; i < r.cfg.MaxWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			r.initWorker(workerID)
			if err := r.worker(ctx, workerID, tasks); err != nil {
				results <- fmt.Errorf("worker %d failed: %w", workerID, err)
			}
		}(i)
	}

	go func() {
		defer close(tasks)
		for _, entry := range m.Entries {
			select {
			case tasks <- entry:
			case <-ctx.Done():
				return
			}
		}
	}()

	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	var errs []error
collect:
	for {
		select {
		case err := <-results:
			if err != nil {
				errs = append(errs, err)
			}
		case <-workersDone:
			for {
				select {
				case err := <-results:
					if err != nil {
						errs = append(errs, err)
					}
				default:
					break collect
				}
			}
		case <-ctx.Done():
			<-workersDone
			return ctx.Err()
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("some transfers failed: %v", errs)
	}
	return nil
}

func (r *Runner) initWorker(id int) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	r.status[id] = &WorkerStatus{ID: id, StartTime: time.Now()}
}

func (r *Runner) updateWorkerStatus(id int, fn func(*WorkerStatus)) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	if s, ok := r.status[id]; ok {
		fn(s)
		s.LastActive = time.Now()
	}
}

func (r *Runner) reportProgress(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.statusMu.RLock()
			var totalBytes int64
			active := 0
			for _, s := range r.status {
				if time.Since(s.LastActive) < 10*time.Second {
					active++
				}
				totalBytes += s.BytesSent
			}
			r.statusMu.RUnlock()
			fmt.Printf("batch progress: %d bytes uploaded (%d active workers)\n", totalBytes, active)
		case <-ctx.Done():
			return
		case <-done:
			return
		}
	}
}

func (r *Runner) worker(ctx context.Context, id int, tasks <-chan Entry) error {
	for entry := range tasks {
		r.updateWorkerStatus(id, func(s *WorkerStatus) { s.CurrentFile = entry.LocalPath })

		start := time.Now()
		var err error
		if r.cfg.Chunked {
			err = r.runChunked(ctx, id, entry)
		} else {
			err = r.runSingle(ctx, id, entry)
		}
		r.metrics.RecordProcessingTime(time.Since(start))

		if err != nil {
			r.metrics.RecordFileFailed()
			r.updateWorkerStatus(id, func(s *WorkerStatus) { s.LastError = err; s.LastErrorTime = time.Now() })
			return fmt.Errorf("transfer %s: %w", entry.LocalPath, err)
		}
		if fi, statErr := os.Stat(entry.LocalPath); statErr == nil {
			r.metrics.RecordBytesUploaded(uint64(fi.Size()))
			r.updateWorkerStatus(id, func(s *WorkerStatus) { s.BytesSent += fi.Size() })
		}
		r.metrics.RecordFileCompleted()
	}
	return nil
}

func (r *Runner) runSingle(ctx context.Context, id int, entry Entry) error {
	events := make(chan upload.Event)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range events {
			r.observeUploadEvent(id, e)
		}
	}()

	err := upload.Run(ctx, events, upload.Input{
		Client:        r.cfg.Client,
		Src:           upload.PathSource{Path: entry.LocalPath},
		Dest:          objectstore.Dest{Bucket: r.cfg.Bucket, ObjectKey: entry.ObjectKey, StorageClass: r.cfg.StorageClass},
		RetryInterval: r.cfg.RetryInterval,
		Scheduler:     r.cfg.Scheduler,
		Limiter:       r.cfg.Limiter,
		Clock:         r.cfg.Clock,
	})
	close(events)
	<-done
	return err
}

func (r *Runner) runChunked(ctx context.Context, id int, entry Entry) error {
	events := make(chan chunked.Event)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range events {
			if ce, ok := e.(chunked.ChunkEvent); ok {
				r.observeUploadEvent(id, ce.Event)
			}
		}
	}()

	err := chunked.Run(ctx, events, chunked.Input{
		Client:        r.cfg.Client,
		Path:          entry.LocalPath,
		Dest:          objectstore.Dest{Bucket: r.cfg.Bucket, ObjectKey: entry.ObjectKey, StorageClass: r.cfg.StorageClass},
		ChunkSize:     r.cfg.ChunkSize,
		RetryInterval: r.cfg.RetryInterval,
		Scheduler:     r.cfg.Scheduler,
		Limiter:       r.cfg.Limiter,
		Clock:         r.cfg.Clock,
	})
	close(events)
	<-done
	return err
}

func (r *Runner) observeUploadEvent(id int, e upload.Event) {
	switch e.(type) {
	case upload.UploadError:
		r.metrics.RecordRetry()
	case upload.StartingUpload:
		r.updateWorkerStatus(id, func(s *WorkerStatus) {})
	}
}
