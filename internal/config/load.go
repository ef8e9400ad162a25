package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/polaris-labs/device-subclient/pkg/file"
)

// supportedSchemaRange is the semver constraint this binary accepts for
// config_schema_version. Grounded on the teacher's use of
// Masterminds/semver to gate firmware-update compatibility in
// internal/services/update_service.go; here it gates config/binary
// compatibility instead.
const supportedSchemaRange = ">= 1.0.0, < 2.0.0"

var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// topLevelKeys and nestedKeys describe the schema surface used to flag
// unknown keys, per spec §6: unknown top-level keys are an error, unknown
// nested keys under polaris/output/logging/filter are warnings.
var topLevelKeys = map[string]struct{}{
	"config_schema_version": {},
	"instance_id":            {},
	"polaris":                {},
	"filter":                 {},
	"output":                 {},
	"logging":                {},
	"enrichment":             {},
}

var nestedKeys = map[string]map[string]struct{}{
	"polaris": {"api_url": {}, "api_key": {}, "subscription": {}, "reconnect": {}},
	"output":  {"file": {}},
	"logging": {"level": {}, "format": {}, "output": {}, "file": {}, "redact_patterns": {}},
	"filter":  {"drop_states": {}, "drop_device_ids": {}, "keep_device_ids": {}},
}

// Overrides carries CLI-supplied variable values, the highest-precedence
// tier in spec §6's layered configuration.
type Overrides map[string]string

// Loader resolves the layered configuration. fileClient is injected so
// tests can substitute an in-memory implementation, matching the
// teacher's dependency-injection style (pkg/file.FileOperations).
type Loader struct {
	FileClient file.FileOperations
	Secrets    map[string]string // decrypted secrets store, may be nil
	Env        func(string) (string, bool)
}

// NewLoader builds a Loader that reads the real filesystem and
// environment.
func NewLoader(fc file.FileOperations) *Loader {
	return &Loader{
		FileClient: fc,
		Env:        os.LookupEnv,
	}
}

// Load reads path, performs ${VAR} interpolation with the documented
// precedence, validates the result, and returns the resolved AppConfig.
// Warnings about unknown nested keys are logged at warn level; an
// unknown top-level key is a hard error, matching spec §6.
func (l *Loader) Load(path string, overrides Overrides, logger zerolog.Logger) (AppConfig, error) {
	raw, err := l.FileClient.ReadFileRaw(path)
	if err != nil {
		return AppConfig{}, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return AppConfig{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if len(node.Content) == 0 {
		return Defaults(), nil
	}

	root := node.Content[0]

	if err := l.interpolate(root, overrides); err != nil {
		return AppConfig{}, err
	}

	if err := validateKeys(root); err != nil {
		return AppConfig{}, err
	}
	for _, warning := range unknownNestedKeyWarnings(root) {
		logger.Warn().Msg(warning)
	}

	cfg := Defaults()
	if err := root.Decode(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decoding config file %s: %w", path, err)
	}

	if cfg.SchemaVersion != "" {
		if err := checkSchemaVersion(cfg.SchemaVersion); err != nil {
			return AppConfig{}, err
		}
	}

	return cfg, nil
}

// interpolate walks a YAML document tree and substitutes ${VAR} /
// ${VAR:-default} in every scalar string node, per spec §6's
// "string scalars only" rule.
func (l *Loader) interpolate(n *yaml.Node, overrides Overrides) error {
	if n.Kind == yaml.ScalarNode && n.Tag == "!!str" {
		resolved, err := l.interpolateValue(n.Value, overrides)
		if err != nil {
			return err
		}
		n.Value = resolved
		return nil
	}
	for _, child := range n.Content {
		if err := l.interpolate(child, overrides); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) interpolateValue(value string, overrides Overrides) (string, error) {
	var firstErr error
	result := varPattern.ReplaceAllStringFunc(value, func(match string) string {
		groups := varPattern.FindStringSubmatch(match)
		name, hasDefault, def := groups[1], groups[2] != "" || strings.Contains(match, ":-"), groups[2]

		if overrides != nil {
			if v, ok := overrides[name]; ok {
				return v
			}
		}
		if l.Env != nil {
			if v, ok := l.Env(name); ok {
				return v
			}
		}
		if l.Secrets != nil {
			if v, ok := l.Secrets[name]; ok {
				return v
			}
		}
		if hasDefault {
			return def
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("required variable ${%s} is not set in CLI overrides, environment, or secrets", name)
		}
		return match
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

func validateKeys(root *yaml.Node) error {
	for i := 0; i < len(root.Content); i += 2 {
		key := root.Content[i].Value
		if _, ok := topLevelKeys[key]; !ok {
			return fmt.Errorf("unknown top-level config key: %q", key)
		}
	}
	return nil
}

func unknownNestedKeyWarnings(root *yaml.Node) []string {
	var warnings []string
	for i := 0; i < len(root.Content); i += 2 {
		section := root.Content[i].Value
		allowed, tracked := nestedKeys[section]
		if !tracked {
			continue
		}
		value := root.Content[i+1]
		if value.Kind != yaml.MappingNode {
			continue
		}
		for j := 0; j < len(value.Content); j += 2 {
			nestedKey := value.Content[j].Value
			if _, ok := allowed[nestedKey]; !ok {
				warnings = append(warnings, fmt.Sprintf("unknown key %q under %q", nestedKey, section))
			}
		}
	}
	return warnings
}

func checkSchemaVersion(raw string) error {
	v, err := semver.NewVersion(strings.TrimSuffix(raw, ".x"))
	if err != nil {
		// A wildcard like "1.x" isn't a strict semver; treat as major-only.
		v, err = semver.NewVersion(strings.TrimSuffix(raw, ".x") + ".0.0")
		if err != nil {
			return fmt.Errorf("invalid config_schema_version %q: %w", raw, err)
		}
	}
	constraint, err := semver.NewConstraint(supportedSchemaRange)
	if err != nil {
		return fmt.Errorf("internal error parsing schema constraint: %w", err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("config_schema_version %q is not supported (need %s)", raw, supportedSchemaRange)
	}
	return nil
}
