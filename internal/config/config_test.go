package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	writeFile(t, cfgPath, `
server:
  port: 9090
  host: "0.0.0.0"
  allowed_origins:
    - "https://robot.local"
session:
  max_modules: 2
  max_duration: 10m
safety:
  timeout: 3s
telemetry:
  url: nats://127.0.0.1:4222
report:
  dir: /var/lib/tokymon/reports
runtime:
  time_scale: 0.5
`)

	cfg, err := load(cfgPath, "")
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://robot.local" {
		t.Errorf("Server.AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Session.MaxModules != 2 {
		t.Errorf("Session.MaxModules = %d, want 2", cfg.Session.MaxModules)
	}
	if cfg.Session.MaxDuration != 10*time.Minute {
		t.Errorf("Session.MaxDuration = %v, want 10m", cfg.Session.MaxDuration)
	}
	if cfg.Safety.Timeout != 3*time.Second {
		t.Errorf("Safety.Timeout = %v, want 3s", cfg.Safety.Timeout)
	}
	if cfg.Telemetry.URL != "nats://127.0.0.1:4222" {
		t.Errorf("Telemetry.URL = %q", cfg.Telemetry.URL)
	}
	if cfg.Report.Dir != "/var/lib/tokymon/reports" {
		t.Errorf("Report.Dir = %q", cfg.Report.Dir)
	}
	if cfg.Runtime.Activity().TimeScale != 0.5 {
		t.Errorf("Runtime.TimeScale = %v, want 0.5", cfg.Runtime.TimeScale)
	}

	// Defaults should still be applied for unspecified fields.
	if cfg.Safety.PollInterval != Default().Safety.PollInterval {
		t.Errorf("Safety.PollInterval = %v, want default", cfg.Safety.PollInterval)
	}
	if cfg.Telemetry.Prefix != "tokymon" {
		t.Errorf("Telemetry.Prefix = %q, want default", cfg.Telemetry.Prefix)
	}
	if cfg.Runtime.Runner().StepInterval != Default().Runtime.StepInterval {
		t.Errorf("Runtime.StepInterval = %v, want default", cfg.Runtime.StepInterval)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := load("/nonexistent/path/config.yaml", "")
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}

	def := Default()
	if cfg.Server.Port != def.Server.Port {
		t.Errorf("Server.Port = %d, want default %d", cfg.Server.Port, def.Server.Port)
	}
	if cfg.Session.MaxModules != 3 {
		t.Errorf("Session.MaxModules = %d, want 3", cfg.Session.MaxModules)
	}
	if cfg.Session.MaxDuration != 15*time.Minute {
		t.Errorf("Session.MaxDuration = %v, want 15m", cfg.Session.MaxDuration)
	}
}

func TestLoadEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, `
server:
  port: 9090
  host: "0.0.0.0"
session:
  max_duration: 10m
`)
	writeFile(t, filepath.Join(dir, "env.dev.yaml"), `
server:
  port: 9191
runtime:
  time_scale: 0.1
`)

	cfg, err := load(cfgPath, "dev")
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("Server.Port = %d, want overlay 9191", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want base value kept by deep merge", cfg.Server.Host)
	}
	if cfg.Session.MaxDuration != 10*time.Minute {
		t.Errorf("Session.MaxDuration = %v, want base 10m", cfg.Session.MaxDuration)
	}
	if cfg.Runtime.TimeScale != 0.1 {
		t.Errorf("Runtime.TimeScale = %v, want 0.1", cfg.Runtime.TimeScale)
	}

	// A missing overlay is not an error.
	if _, err := load(cfgPath, "prod"); err != nil {
		t.Fatalf("load() with missing overlay: %v", err)
	}
}

func TestLoadEnvironmentVariables(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, "session:\n  max_duration: 10m\n")

	t.Setenv("TOKY_SESSION_MAX_DURATION", "90s")
	t.Setenv("TOKY_SERVER_AUTH_TOKEN", "secret")
	t.Setenv("TOKY_RUNTIME_TIME_SCALE", "0.25")
	t.Setenv("TOKY_LOGGING_LEVEL", "debug")

	cfg, err := load(cfgPath, "")
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}
	if cfg.Session.MaxDuration != 90*time.Second {
		t.Errorf("Session.MaxDuration = %v, want 90s from env", cfg.Session.MaxDuration)
	}
	if cfg.Server.AuthToken != "secret" {
		t.Errorf("Server.AuthToken = %q, want secret", cfg.Server.AuthToken)
	}
	if cfg.Runtime.TimeScale != 0.25 {
		t.Errorf("Runtime.TimeScale = %v, want 0.25", cfg.Runtime.TimeScale)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestEnvKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"TOKY_SESSION_MAX_DURATION", "session.max_duration"},
		{"TOKY_SERVER_PORT", "server.port"},
		{"TOKY_MONITOR_MAX_TEMPERATURE", "monitor.max_temperature"},
		{"TOKY_ENV", "env"},
	}

	for _, tt := range tests {
		if got := envKey(tt.in); got != tt.want {
			t.Errorf("envKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yaml")
	writeFile(t, cfgPath, ":::not valid yaml")

	if _, err := load(cfgPath, ""); err == nil {
		t.Fatal("load() with invalid YAML should return error")
	}
}

func TestLoadTooLarge(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, "# "+strings.Repeat("x", maxConfigFileSize))

	if _, err := load(cfgPath, ""); err == nil {
		t.Fatal("load() should reject oversized config")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"too many modules", func(c *Config) { c.Session.MaxModules = 4 }, "session.max_modules"},
		{"no modules", func(c *Config) { c.Session.MaxModules = 0 }, "session.max_modules"},
		{"duration", func(c *Config) { c.Session.MaxDuration = 0 }, "session.max_duration"},
		{"watchdog timeout", func(c *Config) { c.Safety.Timeout = 0 }, "safety.timeout"},
		{"watchdog poll", func(c *Config) { c.Safety.PollInterval = time.Minute }, "safety.poll_interval"},
		{"step slower than watchdog", func(c *Config) { c.Runtime.StepInterval = c.Safety.Timeout }, "runtime.step_interval"},
		{"negative scale", func(c *Config) { c.Runtime.TimeScale = -1 }, "runtime.time_scale"},
		{"hardware", func(c *Config) { c.Runtime.Simulator = false }, "runtime.simulator"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}
