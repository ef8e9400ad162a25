package normalizer

import (
	"encoding/json"

	"github.com/polaris-labs/device-subclient/internal/record"
)

// stringField reads a top-level string field from obj.
func stringField(obj map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := obj[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// walkString descends nested JSON objects by key, returning the string
// value at the final key, or ok=false if any intermediate node is
// missing or not an object.
func walkString(obj map[string]json.RawMessage, keys ...string) (string, bool) {
	raw, ok := descend(obj, keys)
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func walkFloat(obj map[string]json.RawMessage, keys ...string) (float64, bool) {
	raw, ok := descend(obj, keys)
	if !ok {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	return f, true
}

func walkBool(obj map[string]json.RawMessage, keys ...string) (bool, bool) {
	raw, ok := descend(obj, keys)
	if !ok {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, false
	}
	return b, true
}

// descend walks obj through all but the last key as nested objects, and
// returns the raw value at the last key.
func descend(obj map[string]json.RawMessage, keys []string) (json.RawMessage, bool) {
	if len(keys) == 0 {
		return nil, false
	}
	current := obj
	for i, key := range keys {
		raw, ok := current[key]
		if !ok {
			return nil, false
		}
		if i == len(keys)-1 {
			return raw, true
		}
		var next map[string]json.RawMessage
		if err := json.Unmarshal(raw, &next); err != nil {
			return nil, false
		}
		current = next
	}
	return nil, false
}

// tagsField extracts the device's tags array, preserving server order per
// spec §3. Absent or malformed tags yield nil rather than an error: tags
// are optional.
func tagsField(obj map[string]json.RawMessage) []record.Tag {
	raw, ok := obj["tags"]
	if !ok {
		return nil
	}
	var tags []record.Tag
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil
	}
	return tags
}
