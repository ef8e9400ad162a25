package main

import (
	"fmt"
	"os"
	"sync"
)

// rotatingLogFile is a size-triggered rotating io.WriteCloser for the
// optional operational log file (logging.file.*, per spec §9 "File
// logging rotation"). On crossing maxSizeBytes it shifts
// path.N -> path.N+1 up to backupCount, dropping anything older, then
// reopens path fresh — the same numbered-backup convention
// original_source's Python logging config used via
// RotatingFileHandler, reimplemented by hand since the corpus carries
// no log-rotation library and the Writer package already hand-rolls its
// own NDJSON rotation in internal/writer/file_writer.go.
type rotatingLogFile struct {
	mu sync.Mutex

	path         string
	maxSizeBytes int64
	backupCount  int

	fh      *os.File
	written int64
}

func newRotatingLogFile(path string, maxSizeBytes int64, backupCount int) (*rotatingLogFile, error) {
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", path, err)
	}
	info, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, fmt.Errorf("statting log file %s: %w", path, err)
	}
	return &rotatingLogFile{
		path:         path,
		maxSizeBytes: maxSizeBytes,
		backupCount:  backupCount,
		fh:           fh,
		written:      info.Size(),
	}, nil
}

func (r *rotatingLogFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxSizeBytes > 0 && r.written+int64(len(p)) > r.maxSizeBytes {
		if err := r.rotateLocked(); err != nil {
			return 0, err
		}
	}

	n, err := r.fh.Write(p)
	r.written += int64(n)
	return n, err
}

func (r *rotatingLogFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fh.Close()
}

// rotateLocked closes the current file, shifts existing numbered
// backups up by one slot (dropping anything beyond backupCount), moves
// the current file to .1, and reopens path truncated.
func (r *rotatingLogFile) rotateLocked() error {
	if err := r.fh.Close(); err != nil {
		return fmt.Errorf("closing log file before rotation: %w", err)
	}

	if r.backupCount > 0 {
		oldest := fmt.Sprintf("%s.%d", r.path, r.backupCount)
		if _, err := os.Stat(oldest); err == nil {
			os.Remove(oldest)
		}
		for n := r.backupCount - 1; n >= 1; n-- {
			src := fmt.Sprintf("%s.%d", r.path, n)
			dst := fmt.Sprintf("%s.%d", r.path, n+1)
			if _, err := os.Stat(src); err == nil {
				if err := os.Rename(src, dst); err != nil {
					return fmt.Errorf("rotating log backup %s: %w", src, err)
				}
			}
		}
		if err := os.Rename(r.path, fmt.Sprintf("%s.1", r.path)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("rotating log file %s: %w", r.path, err)
		}
	}

	fh, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("reopening log file %s after rotation: %w", r.path, err)
	}
	r.fh = fh
	r.written = 0
	return nil
}
