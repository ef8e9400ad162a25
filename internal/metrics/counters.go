// Package metrics tracks the pipeline's in-process counters described in
// spec §9: malformed records by error code, dropped events by state,
// and write errors, surfaced only through periodic debug log lines —
// there is no remote metrics sink in scope.
package metrics

import (
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

// Counters accumulates process-lifetime counts. Safe for concurrent use:
// the pipeline's consumer goroutine writes to it while LogPeriodically
// reads it from its own goroutine, per spec §9.
type Counters struct {
	malformedByCode cmap.ConcurrentMap[string, int64]
	droppedByState  cmap.ConcurrentMap[string, int64]
	writeErrors     atomic.Int64
}

// New builds an empty Counters.
func New() *Counters {
	return &Counters{
		malformedByCode: cmap.New[int64](),
		droppedByState:  cmap.New[int64](),
	}
}

// IncMalformed records one malformed event under the given error code.
func (c *Counters) IncMalformed(code string) {
	c.malformedByCode.Upsert(code, 0, func(exists bool, valueInMap, _ int64) int64 {
		if !exists {
			return 1
		}
		return valueInMap + 1
	})
}

// IncDropped records one filtered-out event, keyed by the state passed
// in. The pipeline passes the dropped event's current_state whatever the
// rule that dropped it, so identity-based drops are counted under the
// event's state as well.
func (c *Counters) IncDropped(state string) {
	c.droppedByState.Upsert(state, 0, func(exists bool, valueInMap, _ int64) int64 {
		if !exists {
			return 1
		}
		return valueInMap + 1
	})
}

// IncWriteError records one failed Writer.Write call.
func (c *Counters) IncWriteError() {
	c.writeErrors.Add(1)
}

// Snapshot is a point-in-time copy of all counters, suitable for logging.
type Snapshot struct {
	MalformedByCode map[string]int64
	DroppedByState  map[string]int64
	WriteErrors     int64
}

// Snapshot copies the current counter values.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		MalformedByCode: c.malformedByCode.Items(),
		DroppedByState:  c.droppedByState.Items(),
		WriteErrors:     c.writeErrors.Load(),
	}
}

// LogPeriodically emits a debug-level snapshot every interval until done
// is closed, matching original_source's practice of logging operational
// counters rather than exporting them — spec §9 scopes a remote metrics
// sink out.
func LogPeriodically(done <-chan struct{}, counters *Counters, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			snap := counters.Snapshot()
			logger.Debug().
				Interface("malformed_by_code", snap.MalformedByCode).
				Interface("dropped_by_state", snap.DroppedByState).
				Int64("write_errors", snap.WriteErrors).
				Msg("pipeline counters")
		}
	}
}
