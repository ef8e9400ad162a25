// Package config loads, interpolates, and validates the layered
// application configuration described in spec §6, and provides the
// log-line redactor required by spec §7.
package config

import "time"

// ReconnectConfig holds the exponential-backoff-with-jitter parameters
// for the Connection Manager, per spec §4.1.
type ReconnectConfig struct {
	InitialDelayMs    int `yaml:"initial_delay_ms"`
	MaxDelayMs        int `yaml:"max_delay_ms"`
	BackoffMultiplier int `yaml:"backoff_multiplier"`
	JitterPct         int `yaml:"jitter_pct"`
}

// DefaultReconnectConfig matches original_source/config.py's defaults.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelayMs:    1000,
		MaxDelayMs:        60000,
		BackoffMultiplier: 2,
		JitterPct:         20,
	}
}

// PolarisConfig holds the upstream GraphQL subscription endpoint
// settings.
type PolarisConfig struct {
	APIURL       string          `yaml:"api_url"`
	APIKey       string          `yaml:"api_key"`
	Subscription string          `yaml:"subscription"`
	Reconnect    ReconnectConfig `yaml:"reconnect"`
}

// RotationConfig holds the Writer's rotation thresholds, per spec §4.4.
type RotationConfig struct {
	IntervalSeconds int   `yaml:"interval_seconds"`
	MaxSizeBytes    int64 `yaml:"max_size_bytes"`
}

// FlushConfig holds the Writer's flush thresholds, per spec §4.4.
type FlushConfig struct {
	IntervalMs  int `yaml:"interval_ms"`
	EveryNEvents int `yaml:"every_n_events"`
}

// FileOutputConfig holds file-mode output settings.
type FileOutputConfig struct {
	OutputDir    string         `yaml:"output_dir"`
	FilePrefix   string         `yaml:"file_prefix"`
	Rotation     RotationConfig `yaml:"rotation"`
	Flush        FlushConfig    `yaml:"flush"`
	MinFreeBytes int64          `yaml:"min_free_bytes"`
}

// OutputConfig wraps the output section.
type OutputConfig struct {
	File FileOutputConfig `yaml:"file"`
}

// FilterConfig holds the deny/allow lists evaluated by the Filter stage,
// per spec §4.3.
type FilterConfig struct {
	DropStates    []string `yaml:"drop_states"`
	DropDeviceIDs []string `yaml:"drop_device_ids"`
	KeepDeviceIDs []string `yaml:"keep_device_ids"`
}

// LogFileConfig configures the optional rotating operational-log file,
// per spec §9 "File logging rotation".
type LogFileConfig struct {
	Enabled      bool  `yaml:"enabled"`
	Path         string `yaml:"path"`
	MaxSizeBytes int64  `yaml:"max_size_bytes"`
	BackupCount  int    `yaml:"backup_count"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	File           LogFileConfig `yaml:"file"`
	RedactPatterns []string      `yaml:"redact_patterns"`
}

// ReverseGeocodeConfig gates the optional device_label enrichment
// described in SPEC_FULL.md §B/§C.
type ReverseGeocodeConfig struct {
	Enabled    bool          `yaml:"enabled"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
}

// EnrichmentConfig wraps optional, non-blocking enrichment features.
type EnrichmentConfig struct {
	ReverseGeocode ReverseGeocodeConfig `yaml:"reverse_geocode"`
}

// AppConfig is the fully resolved, immutable application configuration
// built once at startup and passed by reference, per spec §9.
type AppConfig struct {
	SchemaVersion string           `yaml:"config_schema_version"`
	InstanceID    string           `yaml:"instance_id"`
	Polaris       PolarisConfig    `yaml:"polaris"`
	Filter        FilterConfig     `yaml:"filter"`
	Output        OutputConfig     `yaml:"output"`
	Logging       LoggingConfig    `yaml:"logging"`
	Enrichment    EnrichmentConfig `yaml:"enrichment"`
}

// Defaults returns the built-in default configuration, the lowest tier
// of the precedence chain in spec §6.
func Defaults() AppConfig {
	return AppConfig{
		SchemaVersion: "1.x",
		InstanceID:    "writer-01",
		Polaris: PolarisConfig{
			APIURL:       "wss://graphql.pointonenav.com/subscriptions",
			Subscription: "devices",
			Reconnect:    DefaultReconnectConfig(),
		},
		Filter: FilterConfig{
			DropStates: []string{"UNDEFINED"},
		},
		Output: OutputConfig{
			File: FileOutputConfig{
				OutputDir:  "/var/lib/polaris/data",
				FilePrefix: "events",
				Rotation: RotationConfig{
					IntervalSeconds: 600,
					MaxSizeBytes:    52428800,
				},
				Flush: FlushConfig{
					IntervalMs:   1000,
					EveryNEvents: 50,
				},
				MinFreeBytes: 10485760,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
			File: LogFileConfig{
				Path:         "/var/log/polaris-device-subclient/app.log",
				MaxSizeBytes: 10485760,
				BackupCount:  5,
			},
			RedactPatterns: []string{"*key*", "*token*", "*secret*", "*password*"},
		},
	}
}
