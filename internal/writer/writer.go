// Package writer implements the output sinks from spec §4.4: a
// crash-safe rotating NDJSON file sink and a plain stdout sink for
// debugging and --dry-run.
package writer

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"github.com/polaris-labs/device-subclient/internal/record"
)

// Writer is the output sink contract the pipeline writes events to.
type Writer interface {
	Write(event record.Event) error
	Close() error
}

// StdoutWriter writes NDJSON bytes to stdout and flushes after every
// record, matching original_source/output.py's StdoutSink — useful for
// --dry-run and interactive debugging where buffering would hide
// output.
type StdoutWriter struct {
	mu  sync.Mutex
	buf *bufio.Writer
}

// NewStdoutWriter builds a StdoutWriter over os.Stdout.
func NewStdoutWriter() *StdoutWriter {
	return &StdoutWriter{buf: bufio.NewWriter(os.Stdout)}
}

// Write serializes event as one NDJSON line and flushes immediately.
func (w *StdoutWriter) Write(event record.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	line, err := event.MarshalNDJSON()
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if _, err := w.buf.Write(line); err != nil {
		return err
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return err
	}
	return w.buf.Flush()
}

// Close flushes any buffered bytes. Stdout itself is never closed.
func (w *StdoutWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Flush()
}
