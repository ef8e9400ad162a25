package normalizer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polaris-labs/device-subclient/internal/connection"
	"github.com/polaris-labs/device-subclient/internal/record"
)

func rawMessage(t *testing.T, payload any) connection.RawMessage {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return connection.RawMessage{
		Payload:        data,
		ReceivedAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		SubscriptionID: "sub-1",
	}
}

func fullDevicePayload(id, state string) map[string]any {
	return map[string]any{
		"devices": map[string]any{
			"id":    id,
			"label": "Rover 1",
			"tags": []map[string]string{
				{"key": "site", "value": "north"},
			},
			"lastPosition": map[string]any{
				"timestamp": "2026-01-02T03:04:00.000Z",
				"position": map[string]any{
					"llaDec": map[string]any{
						"lat": 37.1,
						"lon": -122.2,
						"alt": 10.5,
					},
				},
			},
			"services": map[string]any{
				"rtk": map[string]any{
					"enabled":           true,
					"connectionStatus":  state,
				},
			},
		},
	}
}

func TestNormalize_ValidMessage_ProducesStateChange(t *testing.T) {
	n := New("writer-01")

	event := n.Normalize(rawMessage(t, fullDevicePayload("dev-1", "CONNECTED")))

	require.False(t, event.IsMalformed())
	sc := event.StateChange
	assert.Equal(t, "state_change", sc.EventType)
	assert.Equal(t, "dev-1", sc.DeviceID)
	assert.Equal(t, "CONNECTED", sc.CurrentState)
	assert.Nil(t, sc.PreviousState)
	require.NotNil(t, sc.DeviceLabel)
	assert.Equal(t, "Rover 1", *sc.DeviceLabel)
	require.NotNil(t, sc.Latitude)
	assert.InDelta(t, 37.1, *sc.Latitude, 0.0001)
	require.NotNil(t, sc.RTKEnabled)
	assert.True(t, *sc.RTKEnabled)
	require.Len(t, sc.Tags, 1)
	assert.Equal(t, "site", sc.Tags[0].Key)
	assert.Equal(t, "writer-01", sc.Source.InstanceID)
	assert.Equal(t, "sub-1", sc.Source.SubscriptionID)
}

func TestNormalize_TracksPreviousStatePerDevice(t *testing.T) {
	n := New("writer-01")

	first := n.Normalize(rawMessage(t, fullDevicePayload("dev-1", "CONNECTING")))
	require.False(t, first.IsMalformed())
	assert.Nil(t, first.StateChange.PreviousState)

	second := n.Normalize(rawMessage(t, fullDevicePayload("dev-1", "CONNECTED")))
	require.False(t, second.IsMalformed())
	require.NotNil(t, second.StateChange.PreviousState)
	assert.Equal(t, "CONNECTING", *second.StateChange.PreviousState)
}

func TestNormalize_DifferentDevicesTrackedIndependently(t *testing.T) {
	n := New("writer-01")

	n.Normalize(rawMessage(t, fullDevicePayload("dev-1", "CONNECTED")))
	second := n.Normalize(rawMessage(t, fullDevicePayload("dev-2", "DISCONNECTED")))

	require.False(t, second.IsMalformed())
	assert.Nil(t, second.StateChange.PreviousState)
}

func TestNormalize_MissingDevicesKey_SchemaMismatch(t *testing.T) {
	n := New("writer-01")
	event := n.Normalize(rawMessage(t, map[string]any{"notDevices": 1}))

	require.True(t, event.IsMalformed())
	assert.Equal(t, string(record.ErrSchemaMismatch), event.Malformed.Error.Code)
}

func TestNormalize_MissingDeviceID_MissingFields(t *testing.T) {
	n := New("writer-01")
	event := n.Normalize(rawMessage(t, map[string]any{
		"devices": map[string]any{
			"services": map[string]any{"rtk": map[string]any{"connectionStatus": "CONNECTED"}},
		},
	}))

	require.True(t, event.IsMalformed())
	assert.Equal(t, string(record.ErrMissingFields), event.Malformed.Error.Code)
}

func TestNormalize_MissingConnectionStatus_MissingFields(t *testing.T) {
	n := New("writer-01")
	event := n.Normalize(rawMessage(t, map[string]any{
		"devices": map[string]any{"id": "dev-1"},
	}))

	require.True(t, event.IsMalformed())
	assert.Equal(t, string(record.ErrMissingFields), event.Malformed.Error.Code)
}

func TestNormalize_UnknownState_PreservesRawValue(t *testing.T) {
	n := New("writer-01")
	event := n.Normalize(rawMessage(t, fullDevicePayload("dev-1", "FROBNICATING")))

	require.True(t, event.IsMalformed())
	assert.Equal(t, string(record.ErrUnknownState), event.Malformed.Error.Code)
	assert.Contains(t, event.Malformed.Error.Message, "FROBNICATING")
}

func TestNormalize_UnparseableJSON_ParseError(t *testing.T) {
	n := New("writer-01")
	event := n.Normalize(connection.RawMessage{Payload: []byte("{not json"), ReceivedAt: time.Now()})

	require.True(t, event.IsMalformed())
	assert.Equal(t, string(record.ErrParseError), event.Malformed.Error.Code)
}

func TestNormalize_MissingTimestamp_FallsBackToReceivedAt(t *testing.T) {
	n := New("writer-01")
	event := n.Normalize(rawMessage(t, map[string]any{
		"devices": map[string]any{
			"id":       "dev-1",
			"services": map[string]any{"rtk": map[string]any{"connectionStatus": "CONNECTED"}},
		},
	}))

	require.False(t, event.IsMalformed())
	assert.Equal(t, event.StateChange.ReceivedAt, event.StateChange.Timestamp)
}
