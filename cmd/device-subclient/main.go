// Command device-subclient runs the Polaris device-state-change bridge:
// it holds a GraphQL-over-WebSocket subscription open and writes
// rotated, crash-safe NDJSON files for external log collectors to tail.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/polaris-labs/device-subclient/internal/config"
	"github.com/polaris-labs/device-subclient/internal/connection"
	"github.com/polaris-labs/device-subclient/internal/filter"
	"github.com/polaris-labs/device-subclient/internal/geocode"
	"github.com/polaris-labs/device-subclient/internal/metrics"
	"github.com/polaris-labs/device-subclient/internal/normalizer"
	"github.com/polaris-labs/device-subclient/internal/pipeline"
	"github.com/polaris-labs/device-subclient/internal/writer"
	"github.com/polaris-labs/device-subclient/pkg/file"
)

// version is overridden at build time via -ldflags.
var version = "dev"

// Exit codes, per spec §6.
const (
	exitOK              = 0
	exitUnexpectedCrash = 1
	exitConfigError     = 2
	exitFatalIO         = 3
)

// dryRunTimeout bounds how long --dry-run waits for its first N records
// before giving up and exiting 2 ("connect failure") per spec §6's CLI
// surface table. Sized to one full reconnect cycle at the default
// backoff ceiling (max_delay_ms=60s) plus margin for the handshake
// itself.
const dryRunTimeout = 90 * time.Second

func main() {
	os.Exit(run())
}

func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "unexpected crash: %v\n", r)
			code = exitUnexpectedCrash
		}
	}()

	flags := parseFlags()
	if flags.ShowVersion {
		fmt.Println("polaris-device-subclient", version)
		return exitOK
	}

	fc := file.NewFileService()
	loader := config.NewLoader(fc)

	overrides := config.Overrides{}
	if flags.PolarisAPIKey != "" {
		overrides["POLARIS_API_KEY"] = flags.PolarisAPIKey
	}
	if flags.PolarisAPIURL != "" {
		overrides["POLARIS_API_URL"] = flags.PolarisAPIURL
	}

	if keyFile := os.Getenv("POLARIS_KEY_FILE"); keyFile != "" {
		secretsPath := getEnv("POLARIS_SECRETS_FILE", "/etc/polaris/.secrets.enc")
		secrets, err := config.LoadSecrets(fc, secretsPath, keyFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "loading secrets store: %v\n", err)
			return exitConfigError
		}
		loader.Secrets = secrets
	}

	cfg, err := loader.Load(flags.ConfigPath, overrides, zerolog.New(os.Stderr))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfigError
	}

	if flags.OutputDir != "" {
		cfg.Output.File.OutputDir = flags.OutputDir
	}
	if flags.LogLevel != "" {
		cfg.Logging.Level = flags.LogLevel
	}

	logger, err := setupLogging(cfg.Logging, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging setup error: %v\n", err)
		return exitConfigError
	}

	if flags.ValidateConfig {
		logger.Info().Msg("configuration is valid")
		return exitOK
	}

	logger.Info().
		Str("version", version).
		Str("instance_id", cfg.InstanceID).
		Str("output", flags.Output).
		Msg("starting polaris-device-subclient")

	return runPipeline(cfg, flags, logger)
}

func runPipeline(cfg config.AppConfig, flags *cliFlags, logger zerolog.Logger) int {
	out, err := buildWriter(flags.Output, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize output: %v\n", err)
		return exitFatalIO
	}

	connMgr := connection.NewManager(cfg.Polaris, cfg.InstanceID, logger, connection.DefaultDialer)
	norm := normalizer.New(cfg.InstanceID)
	filt := filter.New(cfg.Filter, logger)
	counters := metrics.New()

	geoClient, err := geocode.New(cfg.Enrichment.ReverseGeocode, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("reverse geocode enrichment disabled: failed to initialize")
		geoClient = nil
	}

	p := pipeline.New(connMgr, norm, filt, geoClient, out, counters, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if flags.DryRun {
		p.DryRunLimit = 5
		var dryRunCancel context.CancelFunc
		ctx, dryRunCancel = context.WithTimeout(ctx, dryRunTimeout)
		defer dryRunCancel()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	metricsDone := make(chan struct{})
	go metrics.LogPeriodically(metricsDone, counters, 60*time.Second, logger)
	defer close(metricsDone)

	if err := p.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("pipeline exited with error")
		return exitFatalIO
	}

	if flags.DryRun && !p.DryRunSatisfied() {
		logger.Error().Msg("dry run timed out before reaching its record limit")
		return exitConfigError
	}

	logger.Info().Msg("pipeline shut down cleanly")
	return exitOK
}

func buildWriter(mode string, cfg config.AppConfig, logger zerolog.Logger) (writer.Writer, error) {
	if mode == "stdout" {
		return writer.NewStdoutWriter(), nil
	}
	return writer.NewFileWriter(cfg.Output.File, cfg.InstanceID, logger)
}

func parseFlags() *cliFlags {
	f := &cliFlags{}

	flag.StringVar(&f.Output, "output", getEnv("POLARIS_OUTPUT", "file"), "Output mode: stdout or file (env: POLARIS_OUTPUT)")
	flag.StringVar(&f.OutputDir, "output-dir", os.Getenv("POLARIS_OUTPUT_DIR"), "Override output directory (env: POLARIS_OUTPUT_DIR)")
	flag.StringVar(&f.ConfigPath, "config", getEnv("POLARIS_CONFIG", defaultConfigPath), "Path to the config file (env: POLARIS_CONFIG)")
	flag.StringVar(&f.LogLevel, "log-level", os.Getenv("POLARIS_LOG_LEVEL"), "Log level: debug, info, warn, error (env: POLARIS_LOG_LEVEL)")
	flag.BoolVar(&f.DryRun, "dry-run", false, "Receive a handful of events then exit")
	flag.BoolVar(&f.ValidateConfig, "validate-config", false, "Validate configuration and exit")
	flag.StringVar(&f.PolarisAPIKey, "polaris-api-key", "", "Override the Polaris API key")
	flag.StringVar(&f.PolarisAPIURL, "polaris-api-url", "", "Override the Polaris API URL")
	flag.BoolVar(&f.ShowVersion, "version", false, "Print version and exit")

	flag.Parse()
	return f
}
