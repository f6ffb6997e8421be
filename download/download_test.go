package download

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jonboulle/clockwork"

	"github.com/gurre/s3xfer/limiter"
	"github.com/gurre/s3xfer/objectstore"
	"github.com/gurre/s3xfer/objectstore/objectstoretest"
	"github.com/gurre/s3xfer/progress"
)

func drain(events <-chan Event, sink *[]Event) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range events {
			*sink = append(*sink, e)
		}
	}()
	return done
}

func TestRun_WarmDownload_WritesAllBytes(t *testing.T) {
	client := objectstoretest.New()
	payload := bytes.Repeat([]byte{0x5A}, 1024)
	client.PutTestObject("b", "k", payload)

	var buf bytes.Buffer
	var events []Event
	ch := make(chan Event)
	done := drain(ch, &events)

	err := Run(context.Background(), ch, Input{
		Client:        client,
		Src:           objectstore.Src{Bucket: "b", ObjectKey: "k"},
		Dest:          &buf,
		RetryInterval: time.Second,
		Clock:         clockwork.NewFakeClock(),
	})
	close(ch)
	<-done
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), payload) {
		t.Errorf("destination has %d bytes, want %d", buf.Len(), len(payload))
	}

	var last *Progress
	for _, e := range events {
		if p, ok := e.(Progress); ok {
			p := p
			last = &p
		}
	}
	if last == nil {
		t.Fatal("expected at least one Progress event")
	}
	if last.WrittenToSink != 1024 || last.Total != 1024 {
		t.Errorf("final progress = %+v, want WrittenToSink=1024 Total=1024", *last)
	}
}

// stubClient lets individual tests script exact object-store responses
// that the shared in-memory mock has no reason to produce, like a
// malformed x-amz-restore header.
type stubClient struct {
	get     func(ctx context.Context, params *s3.GetObjectInput) (*s3.GetObjectOutput, error)
	head    func(ctx context.Context, params *s3.HeadObjectInput) (*s3.HeadObjectOutput, error)
	restore func(ctx context.Context, params *s3.RestoreObjectInput) (*s3.RestoreObjectOutput, error)
}

func (c *stubClient) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return c.get(ctx, params)
}

func (c *stubClient) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return nil, errors.New("unexpected PutObject")
}

func (c *stubClient) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return c.head(ctx, params)
}

func (c *stubClient) RestoreObject(ctx context.Context, params *s3.RestoreObjectInput, optFns ...func(*s3.Options)) (*s3.RestoreObjectOutput, error) {
	return c.restore(ctx, params)
}

func TestRun_WarmDownload_NoContentLengthIsTerminal(t *testing.T) {
	length := int64(3)
	client := &stubClient{
		head: func(ctx context.Context, params *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
			return &s3.HeadObjectOutput{ContentLength: &length}, nil
		},
		get: func(ctx context.Context, params *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
			return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader([]byte("abc")))}, nil
		},
	}

	var events []Event
	ch := make(chan Event)
	done := drain(ch, &events)
	err := Run(context.Background(), ch, Input{
		Client:        client,
		Src:           objectstore.Src{Bucket: "b", ObjectKey: "k"},
		Dest:          io.Discard,
		RetryInterval: time.Second,
		Clock:         clockwork.NewFakeClock(),
	})
	close(ch)
	<-done
	if !errors.Is(err, ErrNoContentLength) {
		t.Errorf("err = %v, want ErrNoContentLength", err)
	}
}

func TestRun_ColdDownload_UnknownRestoreStringIsTerminal(t *testing.T) {
	length := int64(3)
	client := &stubClient{
		head: func(ctx context.Context, params *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
			return &s3.HeadObjectOutput{
				ContentLength: &length,
				Restore:       aws.String(`pending-request="maybe"`),
			}, nil
		},
		restore: func(ctx context.Context, params *s3.RestoreObjectInput) (*s3.RestoreObjectOutput, error) {
			return &s3.RestoreObjectOutput{}, nil
		},
	}

	var events []Event
	ch := make(chan Event)
	done := drain(ch, &events)
	err := Run(context.Background(), ch, Input{
		Client: client,
		Src:    objectstore.Src{Bucket: "b", ObjectKey: "k"},
		Dest:   io.Discard,
		Strategy:      Strategy{Cold: true},
		RetryInterval: time.Second,
		Clock:         clockwork.NewFakeClock(),
	})
	close(ch)
	<-done
	if !errors.Is(err, ErrUnknownRestoreString) {
		t.Errorf("err = %v, want ErrUnknownRestoreString", err)
	}
}

type fakeLimiter struct {
	queued   map[string]bool
	reserves []uint64
}

func (f *fakeLimiter) Reserve(ctx context.Context, id string, amount uint64) (limiter.Reservation, error) {
	f.reserves = append(f.reserves, amount)
	return fakeReservation{}, nil
}

func (f *fakeLimiter) GetReservation(ctx context.Context, id string) (limiter.Reservation, bool, error) {
	if f.queued[id] {
		return fakeReservation{}, true, nil
	}
	return nil, false, nil
}

type fakeReservation struct{}

func (fakeReservation) MarkComplete(context.Context) error { return nil }

func TestReserve_RecoveryRules(t *testing.T) {
	ctx := context.Background()
	measured := func(calls *int) func(context.Context) (uint64, error) {
		return func(context.Context) (uint64, error) {
			*calls++
			return 777, nil
		}
	}

	t.Run("no saved reservation measures and reserves", func(t *testing.T) {
		lim := &fakeLimiter{}
		calls := 0
		_, amount, err := reserve(ctx, lim, "id", nil, measured(&calls))
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if calls != 1 || amount != 777 {
			t.Errorf("calls = %d, amount = %d; want 1, 777", calls, amount)
		}
		if len(lim.reserves) != 1 || lim.reserves[0] != 777 {
			t.Errorf("reserves = %v, want [777]", lim.reserves)
		}
	})

	t.Run("still queued reuses without measuring", func(t *testing.T) {
		lim := &fakeLimiter{queued: map[string]bool{"id": true}}
		calls := 0
		_, amount, err := reserve(ctx, lim, "id", &progress.SavedReservation{Amount: 500, Reserved: true}, measured(&calls))
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if calls != 0 || amount != 500 {
			t.Errorf("calls = %d, amount = %d; want 0, 500", calls, amount)
		}
		if len(lim.reserves) != 0 {
			t.Errorf("reserves = %v, want none", lim.reserves)
		}
	})

	t.Run("saved but never enqueued re-measures", func(t *testing.T) {
		lim := &fakeLimiter{}
		calls := 0
		_, amount, err := reserve(ctx, lim, "id", &progress.SavedReservation{Amount: 500, Reserved: false}, measured(&calls))
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if calls != 1 || amount != 777 {
			t.Errorf("calls = %d, amount = %d; want 1, 777", calls, amount)
		}
	})

	t.Run("enqueued but gone from ledger reserves saved amount", func(t *testing.T) {
		lim := &fakeLimiter{}
		calls := 0
		_, amount, err := reserve(ctx, lim, "id", &progress.SavedReservation{Amount: 500, Reserved: true}, measured(&calls))
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if calls != 0 || amount != 500 {
			t.Errorf("calls = %d, amount = %d; want 0, 500", calls, amount)
		}
		if len(lim.reserves) != 1 || lim.reserves[0] != 500 {
			t.Errorf("reserves = %v, want [500]", lim.reserves)
		}
	})
}
