package config

import (
	"slices"
	"strings"
)

// secretSuffixes mark keys whose values are credentials.
var secretSuffixes = []string{"api_key", "token", "password"}

// IsSecretKey reports whether a dotted key holds a credential.
func IsSecretKey(key string) bool {
	leaf := key[strings.LastIndexByte(key, '.')+1:]
	for _, s := range secretSuffixes {
		if strings.HasSuffix(leaf, s) {
			return true
		}
	}
	return false
}

// Flatten turns nested maps into dotted keys:
// {"backend": {"mode": "auto"}} becomes {"backend.mode": "auto"}.
// Empty nested maps produce no keys.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	type frame struct {
		prefix string
		m      map[string]any
	}
	stack := []frame{{"", m}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for k, v := range f.m {
			key := k
			if f.prefix != "" {
				key = f.prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				stack = append(stack, frame{key, child})
				continue
			}
			out[key] = v
		}
	}
	return out
}

// Unflatten is the inverse of Flatten. A key that collides with a
// non-map value replaces it.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for _, k := range Keys(flat) {
		parts := strings.Split(k, ".")
		node := out
		for _, part := range parts[:len(parts)-1] {
			next, ok := node[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				node[part] = next
			}
			node = next
		}
		node[parts[len(parts)-1]] = flat[k]
	}
	return out
}

// Keys returns the keys of a flat map in sorted order.
func Keys(flat map[string]any) []string {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// MaskSecrets returns a copy of flat with credential values replaced by
// "***" and their last four characters. Empty and non-string values are
// kept.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		s, ok := v.(string)
		if !IsSecretKey(k) || !ok || s == "" {
			out[k] = v
			continue
		}
		out[k] = "***" + s[max(0, len(s)-4):]
	}
	return out
}

// knownKey reports whether key names a setting of Config.
func knownKey(key string) bool {
	m, err := ToMap(Default())
	if err != nil {
		return false
	}
	_, ok := Flatten(m)[key]
	return ok
}
