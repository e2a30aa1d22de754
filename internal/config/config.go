// Package config loads the client's per-project settings from a
// .partsync.toml file, the teacher's configuration format
// (github.com/BurntSushi/toml), with CLI flags taking precedence over
// file values.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/partsync/partsync/internal/wire"
)

// ClientConfig is the shape of .partsync.toml.
type ClientConfig struct {
	Server  string   `toml:"server"`
	Name    string   `toml:"name"`
	Dir     string   `toml:"dir"`
	Ignore  []string `toml:"ignore"`
	LogFile string   `toml:"log_file"`
}

// DefaultClientConfig returns the baseline config before any file or flag
// overrides are applied.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Server: "ws://127.0.0.1:3777",
		Ignore: append([]string(nil), wire.DefaultIgnorePatterns...),
	}
}

// LoadClientConfig reads path (if it exists) and merges it over the
// defaults. A missing file is not an error — the client runs on defaults
// and flags alone.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	if len(cfg.Ignore) == 0 {
		cfg.Ignore = append([]string(nil), wire.DefaultIgnorePatterns...)
	}
	return cfg, nil
}

// RelayConfig is the relay's operational settings, loaded as YAML
// (gopkg.in/yaml.v3) alongside the TOML client config — the teacher's
// go.mod carries both formats side by side.
type RelayConfig struct {
	Port                int   `yaml:"port"`
	DBPath              string `yaml:"dbPath"`
	MaxDiffHistory      int   `yaml:"maxDiffHistory"`
	DashboardIntervalMS int   `yaml:"dashboardIntervalMs"`
	LogFile             string `yaml:"logFile"`
}

// DefaultRelayConfig returns the relay's baseline settings.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Port:                wire.DefaultPort,
		DBPath:              ".partsync/relay.db",
		MaxDiffHistory:      wire.MaxDiffHistory,
		DashboardIntervalMS: wire.DashboardUpdateIntervalMS,
	}
}

// LoadRelayConfig reads path (if it exists) as YAML and merges it over
// the defaults. A missing file is not an error.
func LoadRelayConfig(path string) (RelayConfig, error) {
	cfg := DefaultRelayConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Port == 0 {
		cfg.Port = wire.DefaultPort
	}
	if cfg.MaxDiffHistory == 0 {
		cfg.MaxDiffHistory = wire.MaxDiffHistory
	}
	if cfg.DashboardIntervalMS == 0 {
		cfg.DashboardIntervalMS = wire.DashboardUpdateIntervalMS
	}
	return cfg, nil
}
