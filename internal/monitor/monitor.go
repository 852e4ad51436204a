// Package monitor watches the robot's host computer and stops the session
// when it overheats.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tokymon/sessiond/internal/metrics"
)

const (
	sensorCPU         = "cpu"
	sensorMemory      = "memory"
	sensorTemperature = "temperature"
)

const (
	DefaultPollInterval     = 5 * time.Second
	DefaultFailureThreshold = 3
	// overheatHysteresis is how far the temperature must fall below the
	// limit before another overheat can fire.
	overheatHysteresis = 5.0
)

type Config struct {
	PollInterval     time.Duration `koanf:"poll_interval"`
	FailureThreshold int           `koanf:"failure_threshold"`
	// MaxTemperature in degrees Celsius. Zero disables the overheat hook.
	MaxTemperature float64 `koanf:"max_temperature"`
}

// Probe reads host sensors.
type Probe interface {
	CPUPercent(ctx context.Context) (float64, error)
	MemPercent(ctx context.Context) (float64, error)
	Temperature(ctx context.Context) (float64, error)
}

// Reading is one sample of the host sensors. Fields whose sensor failed keep
// their previous value.
type Reading struct {
	CPUPercent  float64   `json:"cpuPercent"`
	MemPercent  float64   `json:"memPercent"`
	Temperature float64   `json:"temperatureC"`
	TakenAt     time.Time `json:"takenAt"`
}

// Report is what the HTTP API exposes.
type Report struct {
	Reading
	Status     Status `json:"status"`
	LastError  string `json:"lastError,omitempty"`
	Overheated bool   `json:"overheated"`
}

type Monitor struct {
	cfg    Config
	probe  Probe
	logger *zap.Logger
	health *probeHealth

	mu         sync.RWMutex
	last       Reading
	overheated bool
	onOverheat func(Reading)
}

func New(cfg Config, probe Probe, logger *zap.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:    cfg,
		probe:  probe,
		logger: logger.Named("monitor"),
		health: newProbeHealth(),
	}
}

// OnOverheat sets the hook called once each time the temperature crosses
// MaxTemperature. It runs on the poll goroutine.
func (m *Monitor) OnOverheat(fn func(Reading)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOverheat = fn
}

// Start polls until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.logger.Info("host monitor started",
		zap.Duration("poll_interval", m.cfg.PollInterval),
		zap.Float64("max_temperature", m.cfg.MaxTemperature))

	m.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("host monitor stopped")
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	reading, err := m.sample(ctx)
	if err != nil {
		m.health.recordSampleFailure(err)
		m.logger.Warn("host probe failed", zap.Error(err))
	} else {
		m.health.recordSampleSuccess()
	}

	status, lastErr, changed := m.health.snapshotAndEmit(m.cfg.FailureThreshold)
	metrics.SetCurrent(metrics.HostHealth, string(status), allStatuses)
	if changed {
		m.logger.Warn("host monitor health changed",
			zap.String("status", string(status)),
			zap.String("last_error", lastErr))
	}
	if err != nil {
		return
	}

	metrics.HostTemperature.Set(reading.Temperature)
	m.checkTemperature(reading)
}

// sample reads every sensor. It fails only when all of them fail; a panic
// in the probe counts as a failure.
func (m *Monitor) sample(ctx context.Context) (reading Reading, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panic: %v", r)
		}
	}()

	m.mu.RLock()
	reading = m.last
	m.mu.RUnlock()
	reading.TakenAt = time.Now()

	sensors := []struct {
		name string
		read func(context.Context) (float64, error)
		dst  *float64
	}{
		{sensorCPU, m.probe.CPUPercent, &reading.CPUPercent},
		{sensorMemory, m.probe.MemPercent, &reading.MemPercent},
		{sensorTemperature, m.probe.Temperature, &reading.Temperature},
	}

	var errs []error
	for _, s := range sensors {
		v, serr := s.read(ctx)
		if serr != nil {
			m.health.recordSensorFailure(s.name, serr)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, serr))
			continue
		}
		m.health.recordSensorSuccess(s.name)
		*s.dst = v
	}
	if len(errs) == len(sensors) {
		return Reading{}, errors.Join(errs...)
	}

	m.mu.Lock()
	m.last = reading
	m.mu.Unlock()
	return reading, nil
}

func (m *Monitor) checkTemperature(r Reading) {
	limit := m.cfg.MaxTemperature
	if limit <= 0 {
		return
	}

	m.mu.Lock()
	fire := false
	switch {
	case !m.overheated && r.Temperature > limit:
		m.overheated = true
		fire = true
	case m.overheated && r.Temperature < limit-overheatHysteresis:
		m.overheated = false
		m.logger.Info("host temperature back to normal", zap.Float64("temperature", r.Temperature))
	}
	hook := m.onOverheat
	m.mu.Unlock()

	if !fire {
		return
	}
	m.logger.Warn("host overheating",
		zap.Float64("temperature", r.Temperature),
		zap.Float64("limit", limit))
	if hook != nil {
		hook(r)
	}
}

// Report returns the latest reading and health.
func (m *Monitor) Report() Report {
	m.mu.RLock()
	r := Report{Reading: m.last, Overheated: m.overheated}
	m.mu.RUnlock()
	r.Status = m.health.status(m.cfg.FailureThreshold)
	r.LastError = m.health.lastError()
	return r
}
