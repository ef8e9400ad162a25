// Package normalizer implements the Event Normalizer from spec §4.2: it
// turns the raw `payload.data` bytes the Connection Manager hands
// downstream into either a state_change or a malformed record, tracking
// each device's previous state across the lifetime of one process.
package normalizer

import (
	"encoding/json"
	"fmt"

	"github.com/polaris-labs/device-subclient/internal/connection"
	"github.com/polaris-labs/device-subclient/internal/record"
)

// Normalizer is not safe for concurrent use: spec §4.2 requires the
// previous-state lookup and update happen as one atomic step per device,
// so callers must invoke Normalize serially from a single goroutine (the
// pipeline stage owns the only instance).
type Normalizer struct {
	instanceID string
	lastState  map[string]string
}

// New builds a Normalizer for instanceID. Each record's
// source.subscription_id is read directly off the raw message passed to
// Normalize, since the Connection Manager stamps a fresh subscription id
// on every RawMessage as sessions are (re)established.
func New(instanceID string) *Normalizer {
	return &Normalizer{
		instanceID: instanceID,
		lastState:  make(map[string]string),
	}
}

// Normalize classifies one raw message into a StateChange or Malformed
// event, per spec §4.2's seven-step algorithm. raw.Payload holds the
// `data` value of a `next` frame — i.e. `{"devices": {...}}`.
func (n *Normalizer) Normalize(raw connection.RawMessage) record.Event {
	receivedAt := record.FormatInstant(raw.ReceivedAt)

	// Step 1: parse JSON.
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw.Payload, &envelope); err != nil {
		return record.FromMalformed(n.malformed(record.ErrParseError, err.Error(), raw.Payload, receivedAt, raw.SubscriptionID))
	}

	// Step 2: walk to the documented subscription payload shape.
	devicesRaw, ok := envelope["devices"]
	if !ok {
		return record.FromMalformed(n.malformed(record.ErrSchemaMismatch, "missing path: devices", raw.Payload, receivedAt, raw.SubscriptionID))
	}
	var device map[string]json.RawMessage
	if err := json.Unmarshal(devicesRaw, &device); err != nil {
		return record.FromMalformed(n.malformed(record.ErrSchemaMismatch, "devices is not an object", raw.Payload, receivedAt, raw.SubscriptionID))
	}

	// Step 3: extract required fields.
	deviceID, ok := stringField(device, "id")
	if !ok || deviceID == "" {
		return record.FromMalformed(n.malformed(record.ErrMissingFields, "device object missing required field: id", raw.Payload, receivedAt, raw.SubscriptionID))
	}

	rawState, stateOK := walkString(device, "services", "rtk", "connectionStatus")
	if !stateOK {
		return record.FromMalformed(n.malformed(record.ErrMissingFields, "device object missing required field: services.rtk.connectionStatus", raw.Payload, receivedAt, raw.SubscriptionID))
	}

	// Step 4: validate against the closed enum.
	currentState, known := record.ParseDeviceState(rawState)
	if !known {
		return record.FromMalformed(n.malformed(record.ErrUnknownState, fmt.Sprintf("unrecognized device state: %q", rawState), raw.Payload, receivedAt, raw.SubscriptionID))
	}

	// Step 5: previous_state lookup and update.
	var previousState *string
	if prev, seen := n.lastState[deviceID]; seen {
		p := prev
		previousState = &p
	}
	n.lastState[deviceID] = string(currentState)

	// Step 6: optional fields, coerced without erroring on absence.
	sc := record.StateChange{
		EventType:     "state_change",
		ReceivedAt:    receivedAt,
		DeviceID:      deviceID,
		PreviousState: previousState,
		CurrentState:  string(currentState),
		Tags:          tagsField(device),
		Source: record.Source{
			InstanceID:     n.instanceID,
			SubscriptionID: raw.SubscriptionID,
		},
	}

	if label, ok := stringField(device, "label"); ok {
		sc.DeviceLabel = &label
	}

	if ts, ok := walkString(device, "lastPosition", "timestamp"); ok {
		sc.Timestamp = ts
	} else {
		sc.Timestamp = receivedAt
	}

	if lat, ok := walkFloat(device, "lastPosition", "position", "llaDec", "lat"); ok {
		sc.Latitude = &lat
	}
	if lon, ok := walkFloat(device, "lastPosition", "position", "llaDec", "lon"); ok {
		sc.Longitude = &lon
	}
	if alt, ok := walkFloat(device, "lastPosition", "position", "llaDec", "alt"); ok {
		sc.AltitudeM = &alt
	}
	if enabled, ok := walkBool(device, "services", "rtk", "enabled"); ok {
		sc.RTKEnabled = &enabled
	}

	// Step 7: stamping is complete — ReceivedAt/Source were set above.
	return record.FromStateChange(sc)
}

func (n *Normalizer) malformed(code record.ErrorCode, message string, raw []byte, receivedAt, subscriptionID string) record.Malformed {
	truncated := len(raw) > record.MaxRawPayloadBytes
	payload := raw
	if truncated {
		payload = raw[:record.MaxRawPayloadBytes]
	}
	return record.Malformed{
		EventType:  "malformed",
		Timestamp:  receivedAt,
		ReceivedAt: receivedAt,
		Error: record.ErrorDetail{
			Code:                string(code),
			Message:             message,
			RawPayload:          string(payload),
			RawPayloadTruncated: truncated,
		},
		Source: record.Source{
			InstanceID:     n.instanceID,
			SubscriptionID: subscriptionID,
		},
	}
}
