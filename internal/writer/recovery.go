package writer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/polaris-labs/device-subclient/internal/utils"
)

// RecoverStaleFiles scans dir at startup for `*.ndjson.active` files left
// behind by a previous crash, truncates each to its last complete
// NDJSON line, and atomically renames it to its finished `*.ndjson`
// name — the same finalization FileWriter performs on a clean rotation,
// so a tailing consumer never has to special-case a post-crash restart.
// Multiple stale files are finalized concurrently via the worker pool
// adapted from BenMeehan-iot-agent/internal/utils/worker_pool.go.
func RecoverStaleFiles(dir string, logger zerolog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("listing output directory: %w", err)
	}

	var stale []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), activeSuffix) {
			stale = append(stale, filepath.Join(dir, entry.Name()))
		}
	}
	if len(stale) == 0 {
		return nil
	}

	pool := utils.NewWorkerPool(min(len(stale), 4))
	var mu sync.Mutex
	var errs []error

	for _, path := range stale {
		path := path
		pool.Submit(func() {
			if err := recoverOne(path, logger); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	pool.Shutdown()

	if len(errs) > 0 {
		return fmt.Errorf("recovering %d stale file(s), first error: %w", len(errs), errs[0])
	}
	return nil
}

// recoverOne truncates path to its last complete, valid-JSON NDJSON line
// and renames it to the matching `.ndjson` final name.
func recoverOne(path string, logger zerolog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	clean := truncateToLastCompleteLine(data)
	if len(clean) != len(data) {
		if err := os.WriteFile(path, clean, 0644); err != nil {
			return fmt.Errorf("truncating %s: %w", path, err)
		}
		logger.Warn().Str("file", filepath.Base(path)).Int("dropped_bytes", len(data)-len(clean)).Msg("truncated incomplete tail on recovery")
	}

	fh, err := os.OpenFile(path, os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("reopening %s: %w", path, err)
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		return fmt.Errorf("fsyncing %s: %w", path, err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}

	finalPath := strings.TrimSuffix(path, activeSuffix) + finalSuffix
	if err := os.Rename(path, finalPath); err != nil {
		return fmt.Errorf("renaming %s: %w", path, err)
	}
	logger.Info().Str("from", filepath.Base(path)).Str("to", filepath.Base(finalPath)).Msg("recovered stale active file")
	return nil
}

// truncateToLastCompleteLine drops any trailing bytes after the last
// newline, and also drops the last newline-terminated line if it is not
// valid JSON — a crash can land mid-write to either the framing newline
// or the record itself.
func truncateToLastCompleteLine(data []byte) []byte {
	if len(data) == 0 {
		return data
	}

	end := len(data)
	if data[end-1] != '\n' {
		if idx := bytes.LastIndexByte(data, '\n'); idx >= 0 {
			end = idx + 1
		} else {
			return nil
		}
	}

	trimmed := data[:end]
	lastStart := bytes.LastIndexByte(trimmed[:end-1], '\n')
	lastLine := trimmed[lastStart+1 : end-1]
	if !json.Valid(lastLine) {
		if lastStart < 0 {
			return nil
		}
		return trimmed[:lastStart+1]
	}
	return trimmed
}
