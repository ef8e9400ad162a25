package geocode

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polaris-labs/device-subclient/internal/record"
)

// fakeClient returns a scripted label/error pair and records whether it
// was invoked, so tests can assert Enrich's short-circuit branches never
// reach the client.
type fakeClient struct {
	label  string
	err    error
	called bool
}

func (f *fakeClient) Label(context.Context, float64, float64) (string, error) {
	f.called = true
	return f.label, f.err
}

func newCoordStateChange(lat, lon float64) record.Event {
	sc := record.StateChange{
		EventType:    "state_change",
		DeviceID:     "dev-1",
		CurrentState: "CONNECTED",
		Latitude:     &lat,
		Longitude:    &lon,
	}
	return record.FromStateChange(sc)
}

func TestEnrich_SetsDeviceLabelOnSuccess(t *testing.T) {
	client := &fakeClient{label: "Golden Gate Park"}
	event := newCoordStateChange(37.1, -122.2)

	enriched := Enrich(context.Background(), client, event, zerolog.Nop())

	require.True(t, client.called)
	require.NotNil(t, enriched.StateChange.DeviceLabel)
	assert.Equal(t, "Golden Gate Park", *enriched.StateChange.DeviceLabel)
}

func TestEnrich_AlreadyLabeled_SkipsClient(t *testing.T) {
	client := &fakeClient{label: "should not be used"}
	sc := record.StateChange{
		DeviceID:    "dev-1",
		Latitude:    floatPtr(37.1),
		Longitude:   floatPtr(-122.2),
		DeviceLabel: strPtr("Rover 1"),
	}
	event := record.FromStateChange(sc)

	enriched := Enrich(context.Background(), client, event, zerolog.Nop())

	assert.False(t, client.called)
	require.NotNil(t, enriched.StateChange.DeviceLabel)
	assert.Equal(t, "Rover 1", *enriched.StateChange.DeviceLabel)
}

func TestEnrich_MissingCoordinates_SkipsClient(t *testing.T) {
	client := &fakeClient{label: "should not be used"}
	sc := record.StateChange{DeviceID: "dev-1"}
	event := record.FromStateChange(sc)

	enriched := Enrich(context.Background(), client, event, zerolog.Nop())

	assert.False(t, client.called)
	assert.Nil(t, enriched.StateChange.DeviceLabel)
}

func TestEnrich_ClientError_LeavesEventUnchanged(t *testing.T) {
	client := &fakeClient{err: errors.New("upstream timeout")}
	event := newCoordStateChange(37.1, -122.2)

	enriched := Enrich(context.Background(), client, event, zerolog.Nop())

	require.True(t, client.called)
	assert.Nil(t, enriched.StateChange.DeviceLabel)
}

func TestEnrich_EmptyLabel_LeavesEventUnchanged(t *testing.T) {
	client := &fakeClient{label: ""}
	event := newCoordStateChange(37.1, -122.2)

	enriched := Enrich(context.Background(), client, event, zerolog.Nop())

	require.True(t, client.called)
	assert.Nil(t, enriched.StateChange.DeviceLabel)
}

func TestEnrich_MalformedEvent_SkipsClient(t *testing.T) {
	client := &fakeClient{label: "should not be used"}
	event := record.FromMalformed(record.Malformed{
		EventType: "malformed",
		Error:     record.ErrorDetail{Code: string(record.ErrParseError)},
	})

	enriched := Enrich(context.Background(), client, event, zerolog.Nop())

	assert.False(t, client.called)
	assert.True(t, enriched.IsMalformed())
}

func TestDisabledClient_AlwaysReturnsEmptyLabel(t *testing.T) {
	label, err := disabledClient{}.Label(context.Background(), 37.1, -122.2)
	require.NoError(t, err)
	assert.Empty(t, label)
}

func floatPtr(f float64) *float64 { return &f }
func strPtr(s string) *string     { return &s }
