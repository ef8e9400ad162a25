package config

import (
	"bytes"
	"path/filepath"
	"strings"
)

// RedactedPlaceholder replaces every matched secret value in a log line.
const RedactedPlaceholder = "[REDACTED]"

// RedactingWriter wraps a destination writer and scrubs known secret
// values out of every write before it reaches dest. zerolog serializes
// each log record to a single []byte before calling Write, so scrubbing
// the fully-serialized line here gives the same "no credential substring
// survives" guarantee (spec §3 invariant 4 / §8 property 6) that
// original_source/redactor.py gets by filtering LogRecord fields before
// its formatter serializes them — zerolog's API doesn't expose a
// pre-serialization hook, so the equivalent point of interception is the
// Writer that sits just after serialization instead.
type RedactingWriter struct {
	dest    []byteWriter
	secrets [][]byte
}

type byteWriter interface {
	Write(p []byte) (int, error)
}

// NewRedactingWriter builds a RedactingWriter over dest that scrubs every
// value in secretValues from each line written to it. Values of one byte
// or less are ignored, as in AddSecrets.
func NewRedactingWriter(dest byteWriter, secretValues []string) *RedactingWriter {
	rw := &RedactingWriter{dest: []byteWriter{dest}}
	rw.AddSecrets(secretValues)
	return rw
}

// AddSecrets registers additional secret values at runtime, e.g. once a
// credential is resolved after logging has already started. Values of
// one byte or less are skipped.
func (w *RedactingWriter) AddSecrets(values []string) {
	for _, v := range values {
		if len(v) > 1 {
			w.secrets = append(w.secrets, []byte(v))
		}
	}
}

// Write scrubs every known secret substring from p and forwards the
// result to the wrapped writer. It always reports len(p) written on
// success so callers relying on the io.Writer contract don't see a short
// write from the substitution changing the byte count.
func (w *RedactingWriter) Write(p []byte) (int, error) {
	out := p
	for _, secret := range w.secrets {
		if bytes.Contains(out, secret) {
			out = bytes.ReplaceAll(out, secret, []byte(RedactedPlaceholder))
		}
	}
	if _, err := w.dest[0].Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CollectSecretValues walks a config value (already decoded into a
// generic map, e.g. via yaml.Node.Decode into map[string]any) and returns
// every string value whose key matches one of the glob-style patterns in
// patterns, matching original_source/redactor.py's
// collect_secret_values.
func CollectSecretValues(obj any, patterns []string) []string {
	var out []string
	walkForSecrets(obj, patterns, &out)
	return out
}

func walkForSecrets(obj any, patterns []string, out *[]string) {
	switch v := obj.(type) {
	case map[string]any:
		for key, val := range v {
			if s, ok := val.(string); ok && matchesAny(key, patterns) {
				*out = append(*out, s)
			}
			walkForSecrets(val, patterns, out)
		}
	case []any:
		for _, item := range v {
			walkForSecrets(item, patterns, out)
		}
	}
}

func matchesAny(key string, patterns []string) bool {
	lower := strings.ToLower(key)
	for _, p := range patterns {
		if ok, _ := filepath.Match(strings.ToLower(p), lower); ok {
			return true
		}
	}
	return false
}
