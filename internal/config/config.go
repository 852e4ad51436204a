// Package config loads sessiond settings.
//
// Precedence, lowest to highest:
//  1. built-in defaults
//  2. the base YAML file (config.yaml)
//  3. an environment overlay next to it (env.<TOKY_ENV>.yaml), deep-merged
//  4. TOKY_* environment variables
//
// Environment variables split on the first underscore after the prefix:
//
//	TOKY_SESSION_MAX_DURATION -> session.max_duration
//	TOKY_SERVER_AUTH_TOKEN    -> server.auth_token
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/tokymon/sessiond/internal/activity"
	"github.com/tokymon/sessiond/internal/logging"
	"github.com/tokymon/sessiond/internal/monitor"
	"github.com/tokymon/sessiond/internal/report"
	"github.com/tokymon/sessiond/internal/runner"
	"github.com/tokymon/sessiond/internal/safety"
	"github.com/tokymon/sessiond/internal/session"
	"github.com/tokymon/sessiond/internal/telemetry"
	"github.com/tokymon/sessiond/internal/ws"
)

const (
	EnvPrefix = "TOKY_"
	// EnvName selects the overlay file, e.g. TOKY_ENV=dev loads env.dev.yaml.
	EnvName = "TOKY_ENV"

	maxConfigFileSize = 1024 * 1024
)

type Config struct {
	Server    ws.Config        `koanf:"server"`
	Session   session.Config   `koanf:"session"`
	Safety    safety.Config    `koanf:"safety"`
	Telemetry telemetry.Config `koanf:"telemetry"`
	Report    report.Config    `koanf:"report"`
	Monitor   monitor.Config   `koanf:"monitor"`
	Logging   logging.Config   `koanf:"logging"`
	Runtime   RuntimeConfig    `koanf:"runtime"`
}

// RuntimeConfig holds settings for the simulated robot and the driver loop.
// It stays flat so every key has an environment variable.
type RuntimeConfig struct {
	// Simulator replaces the motors with an in-memory stand-in. It is the
	// only backend this build ships.
	Simulator      bool          `koanf:"simulator"`
	TimeScale      float64       `koanf:"time_scale"`
	StepInterval   time.Duration `koanf:"step_interval"`
	PromptDuration time.Duration `koanf:"prompt_duration"`
	HistorySize    int           `koanf:"history_size"`
}

func (r RuntimeConfig) Activity() activity.Config { return activity.Config{TimeScale: r.TimeScale} }

func (r RuntimeConfig) Runner() runner.Config { return runner.Config{StepInterval: r.StepInterval} }

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Server: ws.Config{
			Host:             "127.0.0.1",
			Port:             ws.DefaultPort,
			MaxConnections:   ws.DefaultMaxConnections,
			Throttle:         ws.DefaultThrottle,
			SnapshotInterval: ws.DefaultSnapshotInterval,
		},
		Session: session.Config{
			MaxModules:  session.MaxModulesPerSession,
			MaxDuration: session.DefaultMaxDuration,
		},
		Safety: safety.Config{
			Timeout:      safety.DefaultTimeout,
			PollInterval: safety.DefaultPollInterval,
		},
		Telemetry: telemetry.Config{
			Prefix: telemetry.DefaultPrefix,
		},
		Monitor: monitor.Config{
			PollInterval:     monitor.DefaultPollInterval,
			FailureThreshold: monitor.DefaultFailureThreshold,
			MaxTemperature:   80,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
		Runtime: RuntimeConfig{
			Simulator:      true,
			TimeScale:      1,
			StepInterval:   runner.DefaultStepInterval,
			PromptDuration: activity.DefaultPromptDuration,
			HistorySize:    session.DefaultHistorySize,
		},
	}
}

// Load reads path (if it exists), its environment overlay, and TOKY_*
// variables on top of the defaults. An empty path skips the files.
func Load(path string) (*Config, error) {
	return load(path, os.Getenv(EnvName))
}

func load(path, envName string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := loadFile(k, path); err != nil {
			return nil, err
		}
		if envName != "" {
			overlay := filepath.Join(filepath.Dir(path), "env."+envName+".yaml")
			if err := loadFile(k, overlay); err != nil {
				return nil, err
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// loadFile merges a YAML file into k. A missing file is not an error.
func loadFile(k *koanf.Koanf, path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if len(content) > maxConfigFileSize {
		return fmt.Errorf("config file %s too large (max %d bytes)", path, maxConfigFileSize)
	}

	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return nil
}

// envKey maps TOKY_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Session.MaxModules < 1 || c.Session.MaxModules > session.MaxModulesPerSession {
		errs = append(errs, fmt.Errorf("session.max_modules must be between 1 and %d", session.MaxModulesPerSession))
	}
	if c.Session.MaxDuration <= 0 {
		errs = append(errs, errors.New("session.max_duration must be positive"))
	}
	if c.Safety.Timeout <= 0 {
		errs = append(errs, errors.New("safety.timeout must be positive"))
	}
	if c.Safety.PollInterval <= 0 || c.Safety.PollInterval > c.Safety.Timeout {
		errs = append(errs, errors.New("safety.poll_interval must be positive and no longer than safety.timeout"))
	}
	if c.Runtime.StepInterval <= 0 || c.Runtime.StepInterval >= c.Safety.Timeout {
		errs = append(errs, errors.New("runtime.step_interval must be positive and shorter than safety.timeout"))
	}
	if c.Runtime.TimeScale < 0 {
		errs = append(errs, errors.New("runtime.time_scale must not be negative"))
	}
	if !c.Runtime.Simulator {
		errs = append(errs, errors.New("runtime.simulator: no hardware backend is available"))
	}
	return errors.Join(errs...)
}
