// Package sink writes exported events as JSON lines to stdout, local files
// or S3 objects.
package sink

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Writer serializes events one per line. It is safe for concurrent use,
// so parallel downloads can share one destination.
type Writer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	w      *bufio.Writer
	c      io.Closer
	lines  int64
	closed bool
}

// NewWriter wraps wc. Closing the Writer flushes and closes wc.
func NewWriter(wc io.WriteCloser) *Writer {
	return &Writer{w: bufio.NewWriterSize(wc, 64*1024), c: wc}
}

// Write appends raw as a single line. Insignificant whitespace is removed
// so a pretty-printed record cannot span lines.
func (w *Writer) Write(raw json.RawMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("write event: sink closed")
	}
	w.buf.Reset()
	if err := json.Compact(&w.buf, raw); err != nil {
		return fmt.Errorf("compact event: %w", err)
	}
	w.buf.WriteByte('\n')
	if _, err := w.w.Write(w.buf.Bytes()); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.lines++
	return nil
}

// Lines returns the number of lines written.
func (w *Writer) Lines() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lines
}

// Flush pushes buffered lines to the destination.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Flush()
}

// Close flushes and closes the destination. For S3 targets this is where
// the upload happens. Only the first call has any effect.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	err := w.w.Flush()
	if cerr := w.c.Close(); err == nil {
		err = cerr
	}
	return err
}

// Expand fills the {date} and {time} placeholders of an output target so
// scheduled runs can write to a fresh destination each time.
func Expand(target string, now time.Time) string {
	now = now.UTC()
	return strings.NewReplacer(
		"{date}", now.Format("20060102"),
		"{time}", now.Format("20060102T150405Z"),
	).Replace(target)
}
