// Package main implements the s3xfer command line: a single upload,
// plain or chunked, persisting progress to disk on every save event
// so an interrupted transfer resumes instead of restarting.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jonboulle/clockwork"

	"github.com/gurre/s3xfer/chunked"
	"github.com/gurre/s3xfer/config"
	"github.com/gurre/s3xfer/limiter"
	"github.com/gurre/s3xfer/objectstore"
	"github.com/gurre/s3xfer/progress"
	"github.com/gurre/s3xfer/upload"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)

	src := fs.String("src", "", "local file path to upload")
	bucket := fs.String("bucket", "", "destination S3 bucket")
	objectKey := fs.String("object-key", "", "destination S3 object key")
	storageClass := fs.String("storage-class", "STANDARD", "S3 storage class, e.g. GLACIER")
	retryInterval := fs.Duration("retry-interval", 5*time.Second, "fixed retry-driver sleep interval, as a duration such as 5s")
	amountLimiterFile := fs.String("amount-limiter-file", "", "path to the monthly budget ledger; empty disables the limiter")
	amountLimit := fs.Uint64("amount-limit", 0, "monthly byte budget, required if amount-limiter-file is set")
	description := fs.String("description", "", "operator label recorded in new ledger queue entries")
	chunkedFlag := fs.Bool("chunked", false, "drive the chunked upload path instead of a single PUT")
	maxChunkSize := fs.Uint64("max-chunk-size", 64<<20, "chunk window size in bytes, chunked mode only")
	progressFile := fs.String("progress-file", "", "where to persist resumable progress: a local path or an s3://bucket/key URI; defaults to <src>.progress.json")
	region := fs.String("region", "", "AWS region (defaults to AWS_REGION env)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	if *progressFile == "" && *src != "" {
		*progressFile = *src + ".progress.json"
	}

	cfg := &config.Config{
		SrcPath:         *src,
		Bucket:          *bucket,
		ObjectKey:       *objectKey,
		StorageClass:    *storageClass,
		RetryInterval:   *retryInterval,
		AmountLimitFile: *amountLimiterFile,
		AmountLimit:     *amountLimit,
		Description:     *description,
		Chunked:         *chunkedFlag,
		MaxChunkSize:    *maxChunkSize,
		ProgressFile:    *progressFile,
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(*region))
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}
	client := objectstore.NewClient(s3.NewFromConfig(awsCfg))
	clock := clockwork.NewRealClock()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	dest := objectstore.Dest{Bucket: cfg.Bucket, ObjectKey: cfg.ObjectKey, StorageClass: cfg.ResolvedStorageClass()}

	var lim limiter.Limiter = limiter.UnlimitedLimiter{}
	if cfg.AmountLimitFile != "" {
		lim = limiter.NewFileBackedLimiter(cfg.AmountLimitFile, cfg.AmountLimit, cfg.Description, clock)
	}

	if cfg.Chunked {
		return runChunked(ctx, cfg, dest, client, lim, clock)
	}
	return runSingle(ctx, cfg, dest, client, lim, clock)
}

func runSingle(ctx context.Context, cfg *config.Config, dest objectstore.Dest, client objectstore.Client, lim limiter.Limiter, clock clockwork.Clock) error {
	events := make(chan upload.Event)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range events {
			printUploadEvent(e)
		}
	}()

	err := upload.Run(ctx, events, upload.Input{
		Client:        client,
		Src:           upload.PathSource{Path: cfg.SrcPath},
		Dest:          dest,
		RetryInterval: cfg.RetryInterval,
		Limiter:       lim,
		Clock:         clock,
	})
	close(events)
	<-done

	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	return nil
}

func runChunked(ctx context.Context, cfg *config.Config, dest objectstore.Dest, client objectstore.Client, lim limiter.Limiter, clock clockwork.Clock) error {
	store, err := newProgressStore(client, cfg.ProgressFile)
	if err != nil {
		return fmt.Errorf("open progress store: %w", err)
	}
	saved, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load progress: %w", err)
	}

	events := make(chan chunked.Event)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range events {
			switch ev := e.(type) {
			case chunked.SaveProgress:
				if err := store.Save(ctx, ev.Progress); err != nil {
					fmt.Fprintf(os.Stderr, "warning: failed to persist progress: %v\n", err)
				}
			case chunked.StartingChunk:
				fmt.Printf("chunk %d/%d\n", ev.Index+1, ev.Total)
			case chunked.ChunkUploadError:
				fmt.Printf("retryable error: %v\n", ev.Err)
			case chunked.ChunkEvent:
				printUploadEvent(ev.Event)
			}
		}
	}()

	err = chunked.Run(ctx, events, chunked.Input{
		Client:        client,
		Path:          cfg.SrcPath,
		Dest:          dest,
		ChunkSize:     cfg.MaxChunkSize,
		RetryInterval: cfg.RetryInterval,
		Limiter:       lim,
		SavedProgress: saved,
		Clock:         clock,
	})
	close(events)
	<-done

	if err != nil {
		return fmt.Errorf("chunked upload: %w", err)
	}

	if strings.HasPrefix(cfg.ProgressFile, "s3://") {
		// No delete operation on the client; a zero snapshot makes a
		// rerun start from scratch the way removing the file does.
		if err := store.Save(ctx, progress.ChunkedProgress{}); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to reset progress object: %v\n", err)
		}
	} else if err := os.Remove(cfg.ProgressFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: failed to remove progress file: %v\n", err)
	}
	return nil
}

// newProgressStore picks the progress backend from the path's shape:
// an s3://bucket/key URI persists the snapshot in the object store, a
// plain path persists it in a local file.
func newProgressStore(client objectstore.Client, path string) (progress.Store[progress.ChunkedProgress], error) {
	if strings.HasPrefix(path, "s3://") {
		return progress.NewS3Store[progress.ChunkedProgress](client, path)
	}
	return progress.NewFileStore[progress.ChunkedProgress](path)
}

func printUploadEvent(e upload.Event) {
	switch ev := e.(type) {
	case upload.ScheduledStart:
		fmt.Printf("scheduled start at %s\n", ev.At.Format(time.RFC3339))
	case upload.UploadError:
		fmt.Printf("retryable error: %v\n", ev.Err)
	case upload.StartingUpload:
		fmt.Println("starting upload")
	}
}
