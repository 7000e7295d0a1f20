// Package config handles loading, validating, and writing the Dev Proxy
// process configuration from devproxy.yaml.
//
// The config defines:
//   - Listen address/port for the MITM transport
//   - CA certificate directory and system-proxy/install-cert behavior
//   - The ordered list of plugins to load, each with its own watch patterns
//     and config section (design doc Section 4.6/6)
//   - Process-lifecycle knobs: recording, failure-rate, allowed-errors,
//     watched PIDs/process names
//
// See design doc Section 6 for the full CLI/config surface this mirrors.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nivlark/devproxy/internal/pluginhost"
	"github.com/nivlark/devproxy/internal/watch"
)

// Config is the top-level Dev Proxy process configuration.
type Config struct {
	Server        ServerConfig            `yaml:"server"`
	CA            CAConfig                `yaml:"ca"`
	Plugins       []pluginhost.Descriptor `yaml:"plugins"`
	Recording     RecordingConfig         `yaml:"recording"`
	FailureRate   int                     `yaml:"failureRate"`
	AllowedErrors []int                   `yaml:"allowedErrors"`
	Process       ProcessConfig           `yaml:"process"`

	// WatchPatterns scopes the MITM transport's CONNECT-host interception
	// (design doc Section 4.1's C1 matcher): an empty list decrypts every
	// host, matching watch.Matcher's permissive-default-when-absent bias.
	// Distinct from each plugin's own urlsToWatch, which scope a plugin's
	// per-request handling within whatever the transport already decrypted.
	WatchPatterns []watch.PatternSpec `yaml:"watchPatterns"`
}

// ServerConfig defines where the MITM transport listens.
// Default: 127.0.0.1:8000 (design doc Section 4.3: "default 8000").
type ServerConfig struct {
	IPAddress string `yaml:"ipAddress"`
	Port      int    `yaml:"port"`
}

// CAConfig controls root CA generation/installation (design doc Section 4.2).
type CAConfig struct {
	Dir         string `yaml:"dir"`
	InstallCert bool   `yaml:"installCert"`
}

// RecordingConfig controls whether a recording window is open at startup
// and where the AfterRecordingStop report is written.
type RecordingConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ReportPath string `yaml:"reportPath"`
}

// ProcessConfig holds the process-lifecycle knobs from design doc Section
// 6/4.11 (C11).
type ProcessConfig struct {
	AsSystemProxy     bool     `yaml:"asSystemProxy"`
	WatchPIDs         []int    `yaml:"watchPids"`
	WatchProcessNames []string `yaml:"watchProcessNames"`
	NoFirstRun        bool     `yaml:"noFirstRun"`
}

// Load reads and parses devproxy.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file — use defaults, matching first-run behavior.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default devproxy.yaml with all fields populated and
// a comment header. cmd/devproxy does not call it.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# Dev Proxy Configuration
# See design doc Section 6 for details.
#
# server:
#   ipAddress: Bind address (default: 127.0.0.1)
#   port: Listen port (default: 8000)
#
# plugins:
#   - name: Plugin name (must match a registered in-process factory, or
#           set pluginPath to load a compiled plugin binary)
#     enabled: true/false
#     urlsToWatch: [{url: pattern, exclude: bool}, ...]
#     configSection: name of a section in this file the plugin reads
#
# watchPatterns: [{url: pattern, exclude: bool}, ...]
#   Scopes which hosts the MITM transport decrypts at all (default: all).
#
`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their default
// values (design doc Section 6 CLI defaults).
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			IPAddress: "127.0.0.1",
			Port:      8000,
		},
		CA: CAConfig{
			Dir:         "~appFolder/ca",
			InstallCert: false,
		},
		Recording: RecordingConfig{
			Enabled:    false,
			ReportPath: "~appFolder/report.json",
		},
		FailureRate:   50,
		AllowedErrors: []int{429, 500, 502, 503, 504},
		Process: ProcessConfig{
			AsSystemProxy: true,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.IPAddress == "" {
		return fmt.Errorf("server.ipAddress must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if cfg.FailureRate < 0 || cfg.FailureRate > 100 {
		return fmt.Errorf("failureRate %d out of range (0-100)", cfg.FailureRate)
	}

	seen := make(map[string]bool, len(cfg.Plugins))
	for _, p := range cfg.Plugins {
		if p.Name == "" {
			return fmt.Errorf("plugin entry missing name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate plugin name %q", p.Name)
		}
		seen[p.Name] = true
	}

	return nil
}
