package main

import (
	"os"
)

// cliFlags holds the command-line surface from spec §6, resolved with
// environment-variable fallback in the style of
// C360Studio-semstreams/cmd/semstreams/flags.go.
type cliFlags struct {
	Output         string
	OutputDir      string
	ConfigPath     string
	LogLevel       string
	DryRun         bool
	ValidateConfig bool
	PolarisAPIKey  string
	PolarisAPIURL  string
	ShowVersion    bool
}

const defaultConfigPath = "/etc/polaris/config.yaml"

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
