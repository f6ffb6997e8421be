package upload

import (
	"context"
	"fmt"
	"io"
	"os"
)

// PathSource is a Source backed by a local file path, the common
// case. Len stats the file; Open opens a fresh file handle for every
// retry attempt.
type PathSource struct {
	Path string
}

func (s PathSource) Len(ctx context.Context) (uint64, error) {
	fi, err := os.Stat(s.Path)
	if err != nil {
		return 0, fmt.Errorf("upload: stat %s: %w", s.Path, err)
	}
	return uint64(fi.Size()), nil
}

func (s PathSource) Open(ctx context.Context) (io.ReadCloser, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("upload: open %s: %w", s.Path, err)
	}
	return f, nil
}

// RangeSource is a Source over a bounded byte window of a local file,
// used by the chunked upload driver to present each fixed-size chunk
// as an independent upload. Length is supplied externally rather than
// derived from the file size.
type RangeSource struct {
	Path   string
	Offset int64
	Length uint64
}

func (s RangeSource) Len(ctx context.Context) (uint64, error) {
	return s.Length, nil
}

func (s RangeSource) Open(ctx context.Context) (io.ReadCloser, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("upload: open %s: %w", s.Path, err)
	}
	if _, err := f.Seek(s.Offset, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("upload: seek %s: %w", s.Path, err)
	}
	return &limitedReadCloser{r: io.LimitReader(f, int64(s.Length)), c: f}, nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error               { return l.c.Close() }
