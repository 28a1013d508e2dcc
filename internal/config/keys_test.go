package config

import (
	"testing"
)

func TestFlatten_Nested(t *testing.T) {
	m := map[string]any{
		"backend": map[string]any{
			"mode":      "auto",
			"local_url": "http://127.0.0.1:4319",
		},
		"log_level": "info",
	}
	got := Flatten(m)
	if got["backend.mode"] != "auto" {
		t.Errorf("expected backend.mode=auto, got %v", got["backend.mode"])
	}
	if got["backend.local_url"] != "http://127.0.0.1:4319" {
		t.Errorf("expected backend.local_url, got %v", got["backend.local_url"])
	}
	if got["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", got["log_level"])
	}
	if len(got) != 3 {
		t.Errorf("expected 3 keys, got %d", len(got))
	}
}

func TestFlatten_EmptyNestedMap(t *testing.T) {
	got := Flatten(map[string]any{"a": map[string]any{}})
	if len(got) != 0 {
		t.Errorf("expected 0 keys (empty nested map produces nothing), got %d", len(got))
	}
}

func TestUnflatten_DeeplyNested(t *testing.T) {
	got := Unflatten(map[string]any{"a.b.c": "deep"})
	a, ok := got["a"].(map[string]any)
	if !ok {
		t.Fatalf("expected a to be map, got %T", got["a"])
	}
	b, ok := a["b"].(map[string]any)
	if !ok {
		t.Fatalf("expected a.b to be map, got %T", a["b"])
	}
	if b["c"] != "deep" {
		t.Errorf("expected a.b.c=deep, got %v", b["c"])
	}
}

func TestRoundTrip_FlattenUnflatten(t *testing.T) {
	original := map[string]any{
		"data_dir": "/home/test/.chronicle",
		"server": map[string]any{
			"addr":       "127.0.0.1:4319",
			"queue_size": 256.0,
		},
		"backend": map[string]any{
			"remote_api_key": "rk-abcdef",
		},
	}

	restored := Unflatten(Flatten(original))

	if restored["data_dir"] != original["data_dir"] {
		t.Errorf("data_dir mismatch: %v != %v", restored["data_dir"], original["data_dir"])
	}
	server := restored["server"].(map[string]any)
	if server["addr"] != "127.0.0.1:4319" || server["queue_size"] != 256.0 {
		t.Errorf("server mismatch: %v", server)
	}
	backend := restored["backend"].(map[string]any)
	if backend["remote_api_key"] != "rk-abcdef" {
		t.Errorf("backend.remote_api_key mismatch: %v", backend["remote_api_key"])
	}
}

func TestMaskSecrets(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  any
	}{
		{"long", "rk-test123456", "***3456"},
		{"empty", "", ""},
		{"short", "ab", "***ab"},
		{"exactly four", "abcd", "***abcd"},
		{"non-string", 42.0, 42.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MaskSecrets(map[string]any{
				"backend.remote_api_key": tt.value,
				"backend.mode":           "remote",
			})
			if got["backend.remote_api_key"] != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got["backend.remote_api_key"])
			}
			if got["backend.mode"] != "remote" {
				t.Errorf("non-secret changed: %v", got["backend.mode"])
			}
		})
	}
}

func TestIsSecretKey(t *testing.T) {
	if !IsSecretKey("backend.remote_api_key") {
		t.Error("expected remote api key to be secret")
	}
	if IsSecretKey("backend.remote_url") {
		t.Error("expected remote url not to be secret")
	}
	if !IsSecretKey("sink.auth_token") {
		t.Error("expected token suffix to be secret")
	}
}

func TestKeysSorted(t *testing.T) {
	got := Keys(map[string]any{"server.addr": 1, "backend.mode": 2, "data_dir": 3})
	want := []string{"backend.mode", "data_dir", "server.addr"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
		}
	}
}

func TestKnownKey(t *testing.T) {
	if !knownKey("hook.budget_ms") {
		t.Error("expected hook.budget_ms to be known")
	}
	if knownKey("hook.nope") {
		t.Error("expected hook.nope to be unknown")
	}
}
