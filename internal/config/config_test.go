package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadClientConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadClientConfig(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server != "ws://127.0.0.1:3777" {
		t.Fatalf("unexpected default server: %s", cfg.Server)
	}
	if len(cfg.Ignore) == 0 {
		t.Fatal("expected default ignore patterns")
	}
}

func TestLoadClientConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".partsync.toml")
	content := `
server = "ws://relay.example.com:3777"
name = "alice"
dir = "./project"
ignore = ["**/vendor/**"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server != "ws://relay.example.com:3777" {
		t.Fatalf("unexpected server: %s", cfg.Server)
	}
	if cfg.Name != "alice" {
		t.Fatalf("unexpected name: %s", cfg.Name)
	}
	if len(cfg.Ignore) != 1 || cfg.Ignore[0] != "**/vendor/**" {
		t.Fatalf("unexpected ignore: %v", cfg.Ignore)
	}
}

func TestLoadRelayConfigDefaults(t *testing.T) {
	cfg, err := LoadRelayConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 3777 {
		t.Fatalf("unexpected default port: %d", cfg.Port)
	}
	if cfg.MaxDiffHistory != 100 {
		t.Fatalf("unexpected default max diff history: %d", cfg.MaxDiffHistory)
	}
}

func TestLoadRelayConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	content := "port: 4000\ndbPath: /tmp/relay.db\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadRelayConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 4000 {
		t.Fatalf("unexpected port: %d", cfg.Port)
	}
	if cfg.DBPath != "/tmp/relay.db" {
		t.Fatalf("unexpected db path: %s", cfg.DBPath)
	}
	// Untouched fields keep their defaults.
	if cfg.MaxDiffHistory != 100 {
		t.Fatalf("unexpected max diff history default: %d", cfg.MaxDiffHistory)
	}
}
