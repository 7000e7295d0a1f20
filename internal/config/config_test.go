package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nivlark/devproxy/internal/pluginhost"
)

func TestLoad_NonexistentFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load with nonexistent file should not error: %v", err)
	}

	if cfg.Server.IPAddress != "127.0.0.1" {
		t.Errorf("default ipAddress: expected 127.0.0.1, got %q", cfg.Server.IPAddress)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("default port: expected 8000, got %d", cfg.Server.Port)
	}
	if cfg.CA.InstallCert {
		t.Error("default installCert: expected false")
	}
	if cfg.Recording.Enabled {
		t.Error("default recording: expected false")
	}
	if cfg.FailureRate != 50 {
		t.Errorf("default failureRate: expected 50, got %d", cfg.FailureRate)
	}
	if !cfg.Process.AsSystemProxy {
		t.Error("default asSystemProxy: expected true")
	}
	wantErrors := []int{429, 500, 502, 503, 504}
	if len(cfg.AllowedErrors) != len(wantErrors) {
		t.Fatalf("default allowedErrors: expected %v, got %v", wantErrors, cfg.AllowedErrors)
	}
	for i, code := range wantErrors {
		if cfg.AllowedErrors[i] != code {
			t.Errorf("allowedErrors[%d]: expected %d, got %d", i, code, cfg.AllowedErrors[i])
		}
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devproxy.yaml")
	yaml := `
server:
  ipAddress: "0.0.0.0"
  port: 9090
plugins:
  - name: latency
    enabled: true
    urlsToWatch:
      - url: "https://graph.microsoft.com/*"
recording:
  enabled: true
failureRate: 25
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.IPAddress != "0.0.0.0" {
		t.Errorf("ipAddress: expected 0.0.0.0, got %q", cfg.Server.IPAddress)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port: expected 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Recording.Enabled {
		t.Error("recording: expected true")
	}
	if cfg.FailureRate != 25 {
		t.Errorf("failureRate: expected 25, got %d", cfg.FailureRate)
	}
	if len(cfg.Plugins) != 1 || cfg.Plugins[0].Name != "latency" {
		t.Fatalf("expected one plugin named latency, got %+v", cfg.Plugins)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devproxy.yaml")
	if err := os.WriteFile(path, []byte(`{{{invalid yaml`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_PartialOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devproxy.yaml")
	yaml := `
server:
  port: 9090
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port: expected 9090, got %d", cfg.Server.Port)
	}
	if cfg.Server.IPAddress != "127.0.0.1" {
		t.Errorf("ipAddress should be default 127.0.0.1, got %q", cfg.Server.IPAddress)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name:    "valid",
			cfg:     *applyDefaults(),
			wantErr: false,
		},
		{
			name: "empty ipAddress",
			cfg: Config{
				Server: ServerConfig{IPAddress: "", Port: 8000},
			},
			wantErr: true,
		},
		{
			name: "port 0",
			cfg: Config{
				Server: ServerConfig{IPAddress: "127.0.0.1", Port: 0},
			},
			wantErr: true,
		},
		{
			name: "port 65536",
			cfg: Config{
				Server: ServerConfig{IPAddress: "127.0.0.1", Port: 65536},
			},
			wantErr: true,
		},
		{
			name: "failureRate out of range",
			cfg: Config{
				Server:      ServerConfig{IPAddress: "127.0.0.1", Port: 8000},
				FailureRate: 101,
			},
			wantErr: true,
		},
		{
			name: "duplicate plugin name",
			cfg: Config{
				Server: ServerConfig{IPAddress: "127.0.0.1", Port: 8000},
				Plugins: []pluginhost.Descriptor{
					{Name: "latency", Enabled: true},
					{Name: "latency", Enabled: true},
				},
			},
			wantErr: true,
		},
		{
			name: "plugin missing name",
			cfg: Config{
				Server:  ServerConfig{IPAddress: "127.0.0.1", Port: 8000},
				Plugins: []pluginhost.Descriptor{{Enabled: true}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(&tt.cfg)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestWriteDefault_Roundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devproxy.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file not created: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load after WriteDefault: %v", err)
	}

	if cfg.Server.Port != 8000 {
		t.Errorf("roundtrip port: expected 8000, got %d", cfg.Server.Port)
	}
	if cfg.FailureRate != 50 {
		t.Errorf("roundtrip failureRate: expected 50, got %d", cfg.FailureRate)
	}
}

func TestLoad_WatchPatterns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devproxy.yaml")
	yaml := `
watchPatterns:
  - url: "https://graph.microsoft.com/*"
  - url: "https://login.microsoftonline.com/*"
    exclude: true
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.WatchPatterns) != 2 {
		t.Fatalf("expected 2 watch patterns, got %d", len(cfg.WatchPatterns))
	}
	if cfg.WatchPatterns[0].URL != "https://graph.microsoft.com/*" || cfg.WatchPatterns[0].Exclude {
		t.Errorf("unexpected first pattern: %+v", cfg.WatchPatterns[0])
	}
	if !cfg.WatchPatterns[1].Exclude {
		t.Error("expected second pattern to be an exclude")
	}
}

func TestLoad_WatchPatternsDefaultEmpty(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.WatchPatterns) != 0 {
		t.Errorf("expected no default watch patterns, got %+v", cfg.WatchPatterns)
	}
}
