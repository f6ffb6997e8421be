package chunked

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jonboulle/clockwork"

	"github.com/gurre/s3xfer/objectstore"
	"github.com/gurre/s3xfer/objectstore/objectstoretest"
	"github.com/gurre/s3xfer/progress"
)

func TestRun_SplitsIntoChunksOfExpectedSizes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	body := make([]byte, 2500)
	for i := range body {
		body[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	client := objectstoretest.New()
	clock := clockwork.NewFakeClock()
	events := make(chan Event, 256)
	done := make(chan struct{})
	var saves []progress.ChunkedProgress
	go func() {
		for e := range events {
			if sp, ok := e.(SaveProgress); ok {
				saves = append(saves, sp.Progress)
			}
		}
		close(done)
	}()

	err := Run(context.Background(), events, Input{
		Client:        client,
		Path:          path,
		Dest:          objectstore.Dest{Bucket: "b", ObjectKey: "k"},
		ChunkSize:     1000,
		RetryInterval: time.Second,
		Clock:         clock,
	})
	close(events)
	<-done
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantSizes := []int{1000, 1000, 500}
	for i, size := range wantSizes {
		key := childKey("k", uint64(i))
		out, gerr := client.GetObject(context.Background(), &s3.GetObjectInput{Bucket: strPtr("b"), Key: strPtr(key)})
		if gerr != nil {
			t.Fatalf("GetObject %s: %v", key, gerr)
		}
		data := readAll(t, out)
		if len(data) != size {
			t.Errorf("chunk %d size = %d, want %d", i, len(data), size)
		}
	}

	for i := range wantSizes {
		key := childKey("k", uint64(i))
		want := fmt.Sprintf("file=k&total_len=2500&chunks_count=3&chunk_size=1000&chunk_number=%d", i)
		if got := client.Tagging("b", key); got != want {
			t.Errorf("chunk %d tagging = %q, want %q", i, got, want)
		}
	}

	if len(saves) == 0 {
		t.Fatal("expected at least one SaveProgress event")
	}
	final := saves[len(saves)-1]
	if final.PartsUploaded != 3 {
		t.Errorf("final PartsUploaded = %d, want 3", final.PartsUploaded)
	}
	if final.TotalLen == nil || *final.TotalLen != 2500 {
		t.Errorf("final TotalLen = %v, want 2500", final.TotalLen)
	}
}

func TestRun_ResumesFromSavedProgress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	body := make([]byte, 2500)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	client := objectstoretest.New()
	clock := clockwork.NewFakeClock()
	events := make(chan Event, 256)
	go func() {
		for range events {
		}
	}()

	total := uint64(2500)
	err := Run(context.Background(), events, Input{
		Client:        client,
		Path:          path,
		Dest:          objectstore.Dest{Bucket: "b", ObjectKey: "k"},
		ChunkSize:     1000,
		RetryInterval: time.Second,
		Clock:         clock,
		SavedProgress: progress.ChunkedProgress{TotalLen: &total, PartsUploaded: 2},
	})
	close(events)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	key0 := childKey("k", 0)
	if _, err := client.GetObject(context.Background(), &s3.GetObjectInput{Bucket: strPtr("b"), Key: &key0}); !objectstore.IsNotFound(err) {
		t.Error("chunk 0 should not have been re-uploaded; only resumed from part 2")
	}
	key2 := childKey("k", 2)
	if _, err := client.GetObject(context.Background(), &s3.GetObjectInput{Bucket: strPtr("b"), Key: &key2}); err != nil {
		t.Error("chunk 2 should have been uploaded on resume")
	}
}

func strPtr(s string) *string { return &s }

func readAll(t *testing.T, out *s3.GetObjectOutput) []byte {
	t.Helper()
	defer out.Body.Close()
	data := make([]byte, 0)
	buf := make([]byte, 4096)
	for {
		n, err := out.Body.Read(buf)
		data = append(data, buf[:n]...)
		if err != nil {
			break
		}
	}
	return data
}
