// Package actuator is the boundary to the drive motors. The hardware driver
// lives outside this repository; Sim stands in for it in simulator mode and
// in tests.
package actuator

import (
	"sync"

	"go.uber.org/zap"
)

// Stopper halts every actuator. It is the only command the safety watchdog
// needs from the hardware layer.
type Stopper interface {
	Stop() error
}

// Motors drives the two-wheel base.
type Motors interface {
	Stopper
	Forward() error
	Backward() error
}

// Direction is the last commanded motion.
type Direction string

const (
	Stopped  Direction = "stopped"
	Forward  Direction = "forward"
	Backward Direction = "backward"
)

// Sim is an in-memory Motors implementation that logs commands.
type Sim struct {
	mu        sync.Mutex
	logger    *zap.Logger
	direction Direction
	stops     int
	stopErr   error
}

func NewSim(logger *zap.Logger) *Sim {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sim{logger: logger, direction: Stopped}
}

func (s *Sim) Forward() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.direction = Forward
	s.logger.Info("motors forward")
	return nil
}

func (s *Sim) Backward() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.direction = Backward
	s.logger.Info("motors backward")
	return nil
}

// Stop always records the attempt. When a failure was injected with
// FailStops the motors keep their direction and the error is returned.
func (s *Sim) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	if s.stopErr != nil {
		return s.stopErr
	}
	s.direction = Stopped
	s.logger.Info("motors stop")
	return nil
}

// FailStops makes subsequent Stop calls return err. Pass nil to recover.
func (s *Sim) FailStops(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopErr = err
}

func (s *Sim) Direction() Direction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direction
}

// StopCount returns how many times Stop was called.
func (s *Sim) StopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}
