package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Save writes cfg to path in the format its extension selects.
func Save(path string, cfg *Config) error {
	data, err := encode(formatOf(path), cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

// ToMap converts cfg to a nested map keyed by its JSON field names.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns cfg as dot-separated keys, optionally with secrets
// masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue returns the value stored under a dot-separated key. A known
// key missing from the file reports its effective value. The file is
// created with defaults if missing.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	if v, ok := Flatten(raw)[key]; ok {
		return v, nil
	}
	if knownKey(key) {
		m, err := ToMap(cfg)
		if err != nil {
			return nil, err
		}
		return Flatten(m)[key], nil
	}
	return nil, fmt.Errorf("unknown config key: %s", key)
}

// SetValue stores value under a dot-separated key in an existing file.
// Numbers and booleans are stored typed, everything else as a string.
func SetValue(path, key, value string) error {
	if !knownKey(key) {
		return fmt.Errorf("unknown config key: %s", key)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	flat := Flatten(raw)
	flat[key] = parseValue(value)

	nested := Unflatten(flat)
	data, err := encode(formatOf(path), nested)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := writeAtomic(path, data); err != nil {
		return err
	}

	// Reject values that no longer load, restoring the previous content.
	if _, err := Load(path); err != nil {
		if prev, encErr := encode(formatOf(path), raw); encErr == nil {
			writeAtomic(path, prev)
		}
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func parseValue(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
