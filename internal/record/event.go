package record

import "encoding/json"

// Event is the tagged union the pipeline moves downstream of the
// normalizer: exactly one of StateChange or Malformed is set, mirroring
// spec §9's "model this as a tagged sum Record = StateChange | Malformed"
// guidance for ports from dynamic, duck-typed sources.
type Event struct {
	StateChange *StateChange
	Malformed   *Malformed
}

// FromStateChange wraps a StateChange as an Event.
func FromStateChange(sc StateChange) Event {
	return Event{StateChange: &sc}
}

// FromMalformed wraps a Malformed as an Event.
func FromMalformed(m Malformed) Event {
	return Event{Malformed: &m}
}

// IsMalformed reports whether this event is a diagnostic record rather
// than a state change.
func (e Event) IsMalformed() bool {
	return e.Malformed != nil
}

// CurrentState returns the current_state value for a StateChange event,
// or "" for a Malformed event.
func (e Event) CurrentState() string {
	if e.StateChange == nil {
		return ""
	}
	return e.StateChange.CurrentState
}

// DeviceID returns the device_id for a StateChange event, or "" for a
// Malformed event.
func (e Event) DeviceID() string {
	if e.StateChange == nil {
		return ""
	}
	return e.StateChange.DeviceID
}

// MarshalNDJSON serializes the underlying record as a single compact
// JSON object, without a trailing newline — the writer appends that.
func (e Event) MarshalNDJSON() ([]byte, error) {
	if e.Malformed != nil {
		return json.Marshal(e.Malformed)
	}
	return json.Marshal(e.StateChange)
}
