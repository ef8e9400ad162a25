// Package filter implements the deterministic drop/keep rule chain from
// spec §4.3, evaluated against already-normalized state_change events.
// Malformed events always pass through: filtering rules are about device
// state and identity, which a malformed record by definition lacks.
package filter

import (
	"github.com/rs/zerolog"

	"github.com/polaris-labs/device-subclient/internal/config"
	"github.com/polaris-labs/device-subclient/internal/record"
	"github.com/polaris-labs/device-subclient/internal/utils"
)

// Filter evaluates the four-rule chain from spec §4.3, in order:
//  1. current_state in drop_states                              → drop
//  2. device_id in drop_device_ids                               → drop
//  3. keep_device_ids non-empty AND device_id not in it          → drop
//  4. otherwise                                                  → keep
type Filter struct {
	dropStates    map[string]struct{}
	dropDeviceIDs map[string]struct{}
	keepDeviceIDs map[string]struct{}
	logger        zerolog.Logger
}

// New builds a Filter from the configured drop/keep lists.
func New(cfg config.FilterConfig, logger zerolog.Logger) *Filter {
	return &Filter{
		dropStates:    utils.SliceToSet(cfg.DropStates),
		dropDeviceIDs: utils.SliceToSet(cfg.DropDeviceIDs),
		keepDeviceIDs: utils.SliceToSet(cfg.KeepDeviceIDs),
		logger:        logger.With().Str("component", "filter").Logger(),
	}
}

// Apply returns true when event should continue to the Writer, false
// when it should be dropped.
func (f *Filter) Apply(event record.Event) bool {
	if event.IsMalformed() {
		return true
	}

	deviceID := event.DeviceID()
	state := event.CurrentState()

	if _, drop := f.dropStates[state]; drop {
		f.logger.Debug().Str("device_id", deviceID).Str("state", state).Msg("event_dropped: state in drop_states")
		return false
	}

	if _, drop := f.dropDeviceIDs[deviceID]; drop {
		f.logger.Debug().Str("device_id", deviceID).Msg("event_dropped: device_id in drop_device_ids")
		return false
	}

	if len(f.keepDeviceIDs) > 0 {
		if _, keep := f.keepDeviceIDs[deviceID]; !keep {
			f.logger.Debug().Str("device_id", deviceID).Msg("event_dropped: device_id not in keep_device_ids")
			return false
		}
	}

	return true
}
