package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromPathMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	raw := `
agent:
  backendUrl: https://backend.example
  appId: app.notes
  promptTimeout: 30s
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := LoadFromPath(path)
	if cfg.BackendURL != "https://backend.example" {
		t.Fatalf("BackendURL = %q", cfg.BackendURL)
	}
	if cfg.AppID != "app.notes" {
		t.Fatalf("AppID = %q", cfg.AppID)
	}
	if cfg.PromptTimeout != 30*time.Second {
		t.Fatalf("PromptTimeout = %v", cfg.PromptTimeout)
	}
	// Untouched fields keep their defaults.
	if cfg.Listen != DefaultConfig().Listen {
		t.Fatalf("Listen = %q", cfg.Listen)
	}
	if cfg.AskBurst != DefaultConfig().AskBurst {
		t.Fatalf("AskBurst = %d", cfg.AskBurst)
	}
}

func TestLoadFromPathMissingFileKeepsDefaults(t *testing.T) {
	cfg := LoadFromPath(filepath.Join(t.TempDir(), "absent.yaml"))
	if cfg.BackendURL != DefaultConfig().BackendURL {
		t.Fatalf("BackendURL = %q", cfg.BackendURL)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("VIBE_BACKEND_URL", "https://env.example")
	t.Setenv("VIBE_DATA_DIR", "/tmp/vibe-test")
	t.Setenv("VIBE_PROMPT_TIMEOUT", "45s")

	cfg := DefaultConfig()
	ApplyEnvOverrides(&cfg)
	if cfg.BackendURL != "https://env.example" {
		t.Fatalf("BackendURL = %q", cfg.BackendURL)
	}
	if cfg.DataDir != "/tmp/vibe-test" {
		t.Fatalf("DataDir = %q", cfg.DataDir)
	}
	if cfg.PromptTimeout != 45*time.Second {
		t.Fatalf("PromptTimeout = %v", cfg.PromptTimeout)
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	if err := os.WriteFile(path, []byte("agent:\n  backendUrl: https://file.example\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VIBE_BACKEND_URL", "https://env.example")

	cfg := LoadFromPath(path)
	if cfg.BackendURL != "https://env.example" {
		t.Fatalf("BackendURL = %q", cfg.BackendURL)
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"https://backend.example", "https://backend.example"},
		{"https://backend.example/", "https://backend.example"},
		{"http://127.0.0.1:8787", "http://127.0.0.1:8787"},
		{"/dns4/backend.example/tcp/443/https", "https://backend.example"},
		{"/dns4/backend.example/tcp/8443/https", "https://backend.example:8443"},
		{"/ip4/127.0.0.1/tcp/8787/http", "http://127.0.0.1:8787"},
		{"/ip4/10.0.0.5/tcp/80/http", "http://10.0.0.5"},
		{"/dns/backend.example/tcp/443/tls", "https://backend.example"},
	}
	for _, tc := range cases {
		got, err := NormalizeEndpoint(tc.in)
		if err != nil {
			t.Errorf("NormalizeEndpoint(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeEndpoint(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeEndpointRejectsGarbage(t *testing.T) {
	for _, bad := range []string{
		"",
		"backend.example",
		"/dns4/backend.example",
		"/unix/tmp/sock",
		"ftp://backend.example",
	} {
		if _, err := NormalizeEndpoint(bad); err == nil {
			t.Errorf("NormalizeEndpoint(%q) accepted", bad)
		}
	}
}
