package progress

import (
	"errors"
	"io"
	"time"

	"golang.org/x/time/rate"
)

// ErrExceedsTotal is returned by Read when the source yields more bytes
// than Total. Those bytes are neither counted nor reported.
var ErrExceedsTotal = errors.New("read past the declared total")

// Reader wraps an io.Reader, counts the bytes read on top of a starting
// offset and reports them through a callback at most once per interval.
type Reader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(received int64, total int64)

	received  int64
	sometimes rate.Sometimes
}

// NewReader returns a reader that starts counting at offset. Total is -1
// when the size is unknown.
func NewReader(r io.Reader, offset, total int64, interval time.Duration, cb func(received int64, total int64)) *Reader {
	return &Reader{
		Reader:     r,
		Total:      total,
		OnProgress: cb,
		received:   offset,
		sometimes:  rate.Sometimes{Interval: interval},
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if pr.Total >= 0 && pr.received+int64(n) > pr.Total {
		return 0, ErrExceedsTotal
	}

	if n > 0 {
		pr.received += int64(n)
		pr.sometimes.Do(pr.report)
	}

	return n, err
}

// Received returns the running byte count including the starting offset.
func (pr *Reader) Received() int64 {
	return pr.received
}

// Flush reports the current count unconditionally.
func (pr *Reader) Flush() {
	pr.report()
}

func (pr *Reader) report() {
	if pr.OnProgress != nil {
		pr.OnProgress(pr.received, pr.Total)
	}
}
