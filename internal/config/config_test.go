package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Log:       LogConfig{Level: "info"},
		Output:    OutputConfig{Mode: "console"},
		Transport: TransportConfig{Timeout: 30 * time.Second, MaxRetries: 2},
		Services: []ServiceConfig{
			{Key: "users", BaseURL: "https://users.example.com"},
		},
		Capture: CaptureConfig{
			Enable:        true,
			Driver:        "file",
			Path:          "./data",
			PruneSchedule: "@every 10m",
		},
		Web: WebConfig{
			Enable:    true,
			Listen:    "127.0.0.1:0",
			AdminPath: "/api",
			PageSize:  100,
			Export:    WebExportConfig{Enable: true, Formats: []string{"json"}},
		},
		Metrics: MetricsConfig{Enable: true, Path: "/metrics"},
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("", nil)
	if err != nil {
		t.Fatalf("Failed to load default config: %v", err)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Expected default log level 'info', got %s", cfg.Log.Level)
	}
	if cfg.Transport.Timeout != 30*time.Second {
		t.Errorf("Expected default transport timeout 30s, got %s", cfg.Transport.Timeout)
	}
	if cfg.Transport.MaxRetries != 2 {
		t.Errorf("Expected default max retries 2, got %d", cfg.Transport.MaxRetries)
	}
	if cfg.Capture.Driver != "file" || !cfg.Capture.Enable {
		t.Errorf("Expected file capture enabled by default, got %+v", cfg.Capture)
	}
	if cfg.Capture.Retention != 168*time.Hour {
		t.Errorf("Expected default retention 168h, got %s", cfg.Capture.Retention)
	}
	if cfg.Progress.Refresh != 200*time.Millisecond {
		t.Errorf("Expected default refresh 200ms, got %s", cfg.Progress.Refresh)
	}
	if len(cfg.Capture.RedactHeaders) == 0 {
		t.Error("Expected default redact headers")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadConfigWithFile(t *testing.T) {
	configContent := `
log:
  level: "debug"
  file_logging:
    enable: true
    path: "/tmp/tapkit-test.log"
    max_size_mb: 5

transport:
  timeout: 10s
  http2: false

services:
  - key: users
    base_url: https://users.example.com/v1
    retries: 0
    headers:
      x-team: core
  - key: files
    base_url: https://files.example.com
    module: storage
    capture: false
    path_strategy:
      mode: strip_prefix
      strip_prefix: /gw

capture:
  driver: sqlite
  path: /tmp/tapkit.db
  max_records: 50
  retention: 2h
  encryption_key: secret
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(configContent), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path, nil)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config should validate: %v", err)
	}

	if cfg.Log.Level != "debug" || !cfg.Log.FileLogging.Enable {
		t.Errorf("unexpected log config %+v", cfg.Log)
	}
	if cfg.Transport.Timeout != 10*time.Second || cfg.Transport.HTTP2 {
		t.Errorf("unexpected transport config %+v", cfg.Transport)
	}
	if len(cfg.Services) != 2 {
		t.Fatalf("Expected 2 services, got %d", len(cfg.Services))
	}

	users, ok := cfg.Service("users")
	if !ok {
		t.Fatal("users service missing")
	}
	if users.RetriesOr(3) != 0 {
		t.Errorf("explicit zero retries must win over the default")
	}
	if users.Headers["X-Team"] != "core" {
		t.Errorf("expected canonical header key, got %v", users.Headers)
	}
	if users.ModuleName() != "users" || !users.CaptureOr(true) {
		t.Errorf("unexpected users defaults module=%s", users.ModuleName())
	}

	files, _ := cfg.Service("files")
	if files.ModuleName() != "storage" || files.CaptureOr(true) {
		t.Errorf("unexpected files service %+v", files)
	}
	if files.PathStrategy.StripPrefix != "/gw" {
		t.Errorf("unexpected path strategy %+v", files.PathStrategy)
	}
	if files.RetriesOr(3) != 3 {
		t.Errorf("unset retries should fall back to the default")
	}

	if cfg.Capture.Driver != "sqlite" || cfg.Capture.MaxRecords != 50 || cfg.Capture.Retention != 2*time.Hour {
		t.Errorf("unexpected capture config %+v", cfg.Capture)
	}
	if cfg.Capture.EncryptionKey != "secret" {
		t.Errorf("encryption key not loaded")
	}
}

func TestLoadConfigInvalidFile(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml", nil)
	if err == nil {
		t.Error("Expected error for missing config file")
	}
	if cfg != nil {
		t.Error("Expected nil config for missing file")
	}
}

func TestConfigValidation(t *testing.T) {
	negative := -1
	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:     "bad log level",
			mutate:   func(c *Config) { c.Log.Level = "loud" },
			errorMsg: "invalid log level",
		},
		{
			name:     "bad output mode",
			mutate:   func(c *Config) { c.Output.Mode = "xml" },
			errorMsg: "output mode",
		},
		{
			name:     "empty service key",
			mutate:   func(c *Config) { c.Services = append(c.Services, ServiceConfig{}) },
			errorMsg: "key cannot be empty",
		},
		{
			name:     "duplicate service",
			mutate:   func(c *Config) { c.Services = append(c.Services, c.Services[0]) },
			errorMsg: "declared twice",
		},
		{
			name:     "relative base url",
			mutate:   func(c *Config) { c.Services[0].BaseURL = "/users" },
			errorMsg: "absolute URL",
		},
		{
			name:     "negative retries",
			mutate:   func(c *Config) { c.Services[0].Retries = &negative },
			errorMsg: "retries cannot be negative",
		},
		{
			name:     "rewrite without rules",
			mutate:   func(c *Config) { c.Services[0].PathStrategy.Mode = "rewrite" },
			errorMsg: "rules cannot be empty",
		},
		{
			name:     "unknown driver",
			mutate:   func(c *Config) { c.Capture.Driver = "mongo" },
			errorMsg: "capture driver",
		},
		{
			name:     "bad prune schedule",
			mutate:   func(c *Config) { c.Capture.PruneSchedule = "every now and then" },
			errorMsg: "prune_schedule",
		},
		{
			name:     "auth without tokens",
			mutate:   func(c *Config) { c.Web.Auth.Enable = true },
			errorMsg: "at least one token",
		},
		{
			name: "auth with bad role",
			mutate: func(c *Config) {
				c.Web.Auth.Enable = true
				c.Web.Auth.Tokens = []WebTokenConfig{{Token: "t", Role: "root"}}
			},
			errorMsg: "admin or viewer",
		},
		{
			name:     "admin path without slash",
			mutate:   func(c *Config) { c.Web.AdminPath = "api" },
			errorMsg: "admin path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Fatalf("expected error containing %q, got %v", tt.errorMsg, err)
			}
		})
	}
}

func TestValidateNormalizesDriver(t *testing.T) {
	cfg := validConfig()
	cfg.Capture.Driver = "SQLite3"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Capture.Driver != "sqlite" {
		t.Fatalf("expected normalized driver, got %s", cfg.Capture.Driver)
	}
}
