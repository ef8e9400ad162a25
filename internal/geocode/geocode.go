// Package geocode implements the optional device_label enrichment
// described in SPEC_FULL.md's enrichment section: when a device reports
// a position but no label, and reverse geocoding is enabled, resolve a
// human-readable label from its coordinates. It is strictly
// best-effort — any failure leaves the record exactly as the normalizer
// produced it.
package geocode

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"googlemaps.github.io/maps"

	"github.com/polaris-labs/device-subclient/internal/config"
	"github.com/polaris-labs/device-subclient/internal/record"
)

// Client looks up a label for a lat/lon pair. It's an interface so the
// pipeline can be wired with a no-op when enrichment is disabled, and
// tests can substitute a fake.
type Client interface {
	Label(ctx context.Context, lat, lon float64) (string, error)
}

// disabledClient always reports "no label", used when
// enrichment.reverse_geocode.enabled is false (the default).
type disabledClient struct{}

func (disabledClient) Label(context.Context, float64, float64) (string, error) {
	return "", nil
}

// googleClient resolves labels via the Google Maps Geocoding API.
type googleClient struct {
	maps    *maps.Client
	timeout time.Duration
	logger  zerolog.Logger
}

// New builds a Client from cfg: a disabledClient if reverse geocoding is
// turned off, otherwise a googleClient backed by
// googlemaps.github.io/maps.
func New(cfg config.ReverseGeocodeConfig, logger zerolog.Logger) (Client, error) {
	if !cfg.Enabled {
		return disabledClient{}, nil
	}
	c, err := maps.NewClient(maps.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("building Google Maps client: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &googleClient{maps: c, timeout: timeout, logger: logger.With().Str("component", "geocode").Logger()}, nil
}

// Label reverse-geocodes (lat, lon) into the formatted address of the
// first result the API returns. Returns "" without error when the API
// yields no result.
func (g *googleClient) Label(ctx context.Context, lat, lon float64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req := &maps.GeocodingRequest{
		LatLng: &maps.LatLng{Lat: lat, Lng: lon},
	}
	results, err := g.maps.ReverseGeocode(ctx, req)
	if err != nil {
		return "", fmt.Errorf("reverse geocoding (%f,%f): %w", lat, lon, err)
	}
	if len(results) == 0 {
		return "", nil
	}
	return results[0].FormattedAddress, nil
}

// Enrich sets event's device_label from (lat, lon) when the event is a
// StateChange with coordinates but no label yet. Failures are logged and
// otherwise ignored — enrichment never blocks or fails the pipeline, per
// SPEC_FULL.md's enrichment section.
func Enrich(ctx context.Context, client Client, event record.Event, logger zerolog.Logger) record.Event {
	if event.IsMalformed() || event.StateChange == nil {
		return event
	}
	sc := event.StateChange
	if sc.DeviceLabel != nil || sc.Latitude == nil || sc.Longitude == nil {
		return event
	}

	label, err := client.Label(ctx, *sc.Latitude, *sc.Longitude)
	if err != nil {
		logger.Debug().Err(err).Str("device_id", sc.DeviceID).Msg("reverse geocode enrichment failed")
		return event
	}
	if label == "" {
		return event
	}
	sc.DeviceLabel = &label
	return record.FromStateChange(*sc)
}
