package span

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

// TeeWriter duplicates writes across every non-nil target, used to stream
// program output to the console while capturing it for the report. Close
// closes whichever targets are closers, joining their errors.
func TeeWriter(writers ...io.Writer) io.WriteCloser {
	fan := &fanOutWriter{}
	for _, w := range writers {
		if w != nil {
			fan.targets = append(fan.targets, w)
		}
	}
	return fan
}

type fanOutWriter struct {
	targets []io.Writer
}

func (f *fanOutWriter) Write(p []byte) (int, error) {
	written := -1
	var errs []error
	for _, w := range f.targets {
		n, err := w.Write(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if written >= 0 && n != written {
			return 0, fmt.Errorf("uneven write %d != %d", written, n)
		}
		written = n
	}
	if len(errs) > 0 {
		return 0, errors.Join(errs...)
	} else if written < 0 {
		return len(p), nil
	}
	return written, nil
}

func (f *fanOutWriter) Close() error {
	var errs []error
	for _, w := range f.targets {
		if c, ok := w.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// newLimitedRollingBufferWriter bounds buf to roughly sizeLimit bytes,
// discarding the oldest half whenever the limit is exceeded and marking the
// cut with "...". Build and program output pass through it so a chatty
// target can never grow the capture without bound.
func newLimitedRollingBufferWriter(buf *bytes.Buffer, sizeLimit int) io.Writer {
	return &rollingTailWriter{buf: buf, limit: sizeLimit}
}

type rollingTailWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *rollingTailWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	if w.buf.Len() > w.limit {
		held := w.buf.Bytes()
		tail := append([]byte(nil), held[len(held)-w.limit/2:]...)
		w.buf.Reset()
		w.buf.WriteString("...")
		w.buf.Write(tail)
	}
	return len(p), nil
}

// LockedBuffer is a mutex-guarded byte buffer, safe to share between the
// stdout and stderr streams of one running program.
type LockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func NewLockedBuffer() *LockedBuffer {
	return &LockedBuffer{}
}

func (lb *LockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	return lb.buf.Write(p)
}

// Bytes returns a detached copy of the buffered contents.
func (lb *LockedBuffer) Bytes() []byte {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	return append([]byte(nil), lb.buf.Bytes()...)
}

func (lb *LockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	return lb.buf.String()
}

func (lb *LockedBuffer) Len() int {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	return lb.buf.Len()
}

func (lb *LockedBuffer) Reset() {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.buf.Reset()
}
