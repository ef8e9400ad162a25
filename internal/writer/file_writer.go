package writer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/polaris-labs/device-subclient/internal/config"
	"github.com/polaris-labs/device-subclient/internal/record"
)

const activeSuffix = ".ndjson.active"
const finalSuffix = ".ndjson"

// FileWriter is the crash-safe rotating NDJSON sink from spec §4.4:
// events accumulate in a `*.ndjson.active` file that is fsynced, closed,
// and atomically renamed to `*.ndjson` on every rotation and on
// shutdown, so a reader only ever sees complete files. Adapted from
// original_source/output.py's FileSink, translated to Go's os.File
// fsync/rename primitives.
type FileWriter struct {
	mu sync.Mutex

	outputDir    string
	prefix       string
	instanceID   string
	rotation     config.RotationConfig
	flush        config.FlushConfig
	minFreeBytes int64
	logger       zerolog.Logger

	fh             *os.File
	activePath     string
	finalPath      string
	bytesWritten   int64
	eventsSinceFlush int
	openedAt       time.Time
	lastFlush      time.Time
}

// NewFileWriter creates the output directory if needed, recovers any
// `.ndjson.active` files left behind by a previous crash, and opens a
// fresh active file.
func NewFileWriter(cfg config.FileOutputConfig, instanceID string, logger zerolog.Logger) (*FileWriter, error) {
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	w := &FileWriter{
		outputDir:    cfg.OutputDir,
		prefix:       cfg.FilePrefix,
		instanceID:   instanceID,
		rotation:     cfg.Rotation,
		flush:        cfg.Flush,
		minFreeBytes: cfg.MinFreeBytes,
		logger:       logger.With().Str("component", "writer").Logger(),
	}

	if err := RecoverStaleFiles(cfg.OutputDir, w.logger); err != nil {
		w.logger.Warn().Err(err).Msg("startup recovery scan encountered an error")
	}

	if err := w.openNewFile(); err != nil {
		return nil, err
	}
	return w, nil
}

// Write appends event to the active file as one NDJSON line, rotating
// first if a threshold has been crossed, per spec §4.4.
func (w *FileWriter) Write(event record.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.shouldRotate() {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	if err := checkDiskSpace(w.outputDir, w.minFreeBytes); err != nil {
		// Transient: caller may retry once space frees up. The active
		// file is left exactly as it was.
		return fmt.Errorf("disk space check failed: %w", err)
	}

	line, err := event.MarshalNDJSON()
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	line = append(line, '\n')

	n, err := w.fh.Write(line)
	if err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	w.bytesWritten += int64(n)
	w.eventsSinceFlush++

	if w.shouldFlush() {
		return w.flushLocked()
	}
	return nil
}

// Close flushes, fsyncs, closes, and finalizes the active file. Safe to
// call once during graceful shutdown.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finalizeLocked()
}

func (w *FileWriter) shouldRotate() bool {
	elapsed := time.Since(w.openedAt)
	return w.bytesWritten >= w.rotation.MaxSizeBytes ||
		elapsed >= time.Duration(w.rotation.IntervalSeconds)*time.Second
}

func (w *FileWriter) rotate() error {
	if err := w.finalizeLocked(); err != nil {
		return err
	}
	return w.openNewFile()
}

func (w *FileWriter) shouldFlush() bool {
	if w.eventsSinceFlush >= w.flush.EveryNEvents {
		return true
	}
	return time.Since(w.lastFlush) >= time.Duration(w.flush.IntervalMs)*time.Millisecond
}

func (w *FileWriter) flushLocked() error {
	if err := w.fh.Sync(); err != nil {
		return fmt.Errorf("flushing active file: %w", err)
	}
	w.eventsSinceFlush = 0
	w.lastFlush = time.Now()
	return nil
}

// finalizeLocked fsyncs, closes, and atomically renames the active file
// to its final name, per spec §4.4's crash-safety invariant: a consumer
// tailing output_dir only ever sees `.ndjson` files that are complete.
func (w *FileWriter) finalizeLocked() error {
	if w.fh == nil {
		return nil
	}
	if err := w.fh.Sync(); err != nil {
		w.fh.Close()
		return fmt.Errorf("fsyncing active file: %w", err)
	}
	if err := w.fh.Close(); err != nil {
		return fmt.Errorf("closing active file: %w", err)
	}
	if err := os.Rename(w.activePath, w.finalPath); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", w.activePath, w.finalPath, err)
	}
	w.logger.Info().Str("file", filepath.Base(w.finalPath)).Int64("bytes", w.bytesWritten).Msg("finalized output file")
	w.fh = nil
	return nil
}

func (w *FileWriter) openNewFile() error {
	ts := time.Now().UTC().Format("20060102T150405Z")
	stem := fmt.Sprintf("%s-%s-%s", w.prefix, sanitizeForFilename(w.instanceID), ts)
	base := stem
	// A rotation within the same second as the previous file would reuse
	// its name and overwrite it on rename; append -1, -2, ... instead.
	for n := 1; pathExists(filepath.Join(w.outputDir, base+activeSuffix)) || pathExists(filepath.Join(w.outputDir, base+finalSuffix)); n++ {
		base = fmt.Sprintf("%s-%d", stem, n)
	}
	w.activePath = filepath.Join(w.outputDir, base+activeSuffix)
	w.finalPath = filepath.Join(w.outputDir, base+finalSuffix)

	fh, err := os.OpenFile(w.activePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening active file: %w", err)
	}

	w.fh = fh
	w.bytesWritten = 0
	w.eventsSinceFlush = 0
	w.openedAt = time.Now()
	w.lastFlush = time.Now()
	w.logger.Info().Str("file", filepath.Base(w.activePath)).Msg("opened new output file")
	return nil
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// sanitizeForFilename implements instance_id_sanitized from spec §4.4:
// any character outside [A-Za-z0-9_] becomes '-', since instance_id is
// operator-configured and ends up embedded in the active/final file
// names.
func sanitizeForFilename(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	if len(out) == 0 {
		return "unknown"
	}
	return string(out)
}
