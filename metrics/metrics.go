// Package metrics collects transfer counters across a batch run and
// renders a final report.
package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
)

// Metrics collects counters across every transfer in a batch run. It
// uses atomic operations for thread-safe counter updates since
// batch.Runner.Run drives many transfers concurrently.
type Metrics struct {
	mu sync.RWMutex

	filesCompleted int64
	filesFailed    int64
	bytesUploaded  int64
	retries        int64

	processingTime time.Duration
	startTime      time.Time
}

// NewMetrics creates a new Metrics instance with its clock started.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordFileCompleted increments the completed-transfer counter.
func (m *Metrics) RecordFileCompleted() {
	atomic.AddInt64(&m.filesCompleted, 1)
}

// RecordFileFailed increments the failed-transfer counter.
func (m *Metrics) RecordFileFailed() {
	atomic.AddInt64(&m.filesFailed, 1)
}

// RecordBytesUploaded adds n to the total bytes uploaded.
func (m *Metrics) RecordBytesUploaded(n uint64) {
	atomic.AddInt64(&m.bytesUploaded, int64(n))
}

// RecordRetry increments the retryable-error counter, called once per
// Retryable event surfaced by retry.Run.
func (m *Metrics) RecordRetry() {
	atomic.AddInt64(&m.retries, 1)
}

// RecordProcessingTime records the wall time spent inside a single
// transfer's engine loop.
func (m *Metrics) RecordProcessingTime(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processingTime += d
}

// Report is a snapshot of the metrics counters. String renders it for
// console output and MarshalJSON for storage; nothing in this package
// prints or uploads it.
type Report struct {
	StartTime      time.Time     `json:"startTime"`
	EndTime        time.Time     `json:"endTime"`
	FilesCompleted int64         `json:"filesCompleted"`
	FilesFailed    int64         `json:"filesFailed"`
	BytesUploaded  int64         `json:"bytesUploaded"`
	Retries        int64         `json:"retries"`
	Duration       time.Duration `json:"duration"`
	ThroughputBps  float64       `json:"throughputBytesPerSec"`
}

// GenerateReport snapshots the current counters into a Report.
func (m *Metrics) GenerateReport() Report {
	endTime := time.Now()
	duration := endTime.Sub(m.startTime)

	var throughput float64
	if duration > 0 {
		throughput = float64(atomic.LoadInt64(&m.bytesUploaded)) / duration.Seconds()
	}

	return Report{
		StartTime:      m.startTime,
		EndTime:        endTime,
		FilesCompleted: atomic.LoadInt64(&m.filesCompleted),
		FilesFailed:    atomic.LoadInt64(&m.filesFailed),
		BytesUploaded:  atomic.LoadInt64(&m.bytesUploaded),
		Retries:        atomic.LoadInt64(&m.retries),
		Duration:       duration,
		ThroughputBps:  throughput,
	}
}

// MarshalJSON renders Duration as a human string: a raw int64
// nanosecond count isn't self-describing to an operator reading the
// file.
func (r Report) MarshalJSON() ([]byte, error) {
	type Alias Report
	return json.Marshal(&struct {
		Alias
		Duration string `json:"duration"`
	}{
		Alias:    Alias(r),
		Duration: r.Duration.String(),
	})
}

// String renders a human-readable summary for console output.
func (r Report) String() string {
	return fmt.Sprintf(
		"Transfer completed in %s\n"+
			"Files completed: %d\n"+
			"Files failed: %d\n"+
			"Bytes uploaded: %d\n"+
			"Retries: %d\n"+
			"Throughput: %.2f B/sec",
		r.Duration,
		r.FilesCompleted,
		r.FilesFailed,
		r.BytesUploaded,
		r.Retries,
		r.ThroughputBps,
	)
}
