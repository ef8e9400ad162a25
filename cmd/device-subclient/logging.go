package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/polaris-labs/device-subclient/internal/config"
)

// setupLogging builds the process-wide zerolog.Logger: console or JSON
// output to stderr per logCfg.Format, optionally teed to a rotating
// operational log file, and always wrapped in a RedactingWriter that
// scrubs every config value stored under a key matching
// logging.redact_patterns (such as API keys), per spec §7.
func setupLogging(logCfg config.LoggingConfig, full config.AppConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(logCfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parsing log level %q: %w", logCfg.Level, err)
	}

	var dest io.Writer = os.Stderr
	if logCfg.Format != "json" {
		dest = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}

	if logCfg.File.Enabled {
		logFile, err := newRotatingLogFile(logCfg.File.Path, logCfg.File.MaxSizeBytes, logCfg.File.BackupCount)
		if err != nil {
			return zerolog.Logger{}, err
		}
		dest = io.MultiWriter(dest, logFile)
	}

	redacting := config.NewRedactingWriter(dest, secretValuesFrom(full))

	logger := zerolog.New(redacting).Level(level).With().Timestamp().Logger()
	return logger, nil
}

// secretValuesFrom marshals cfg through YAML into a generic map and runs
// it through config.CollectSecretValues, so every value under a key
// matching one of the configured redact_patterns is scrubbed from logs
// even though it's held in typed struct fields rather than a raw map.
func secretValuesFrom(cfg config.AppConfig) []string {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return nil
	}
	var generic map[string]any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil
	}
	return config.CollectSecretValues(generic, cfg.Logging.RedactPatterns)
}
