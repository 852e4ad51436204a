// Package runner drives the orchestrator: it calls Step at a steady pace and
// keeps the watchdog fed between steps.
package runner

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tokymon/sessiond/internal/safety"
	"github.com/tokymon/sessiond/internal/session"
)

const (
	DefaultStepInterval = 100 * time.Millisecond
	// maxDrainSteps bounds the unwind after cancellation. EmergencyStop
	// reaches SessionEnd in two steps.
	maxDrainSteps = 10
)

type Config struct {
	StepInterval time.Duration `koanf:"step_interval"`
}

// Orchestrator is the part of session.Orchestrator the runner drives.
type Orchestrator interface {
	Step(ctx context.Context) session.Snapshot
	EmergencyStop()
	IsSessionActive() bool
}

type Runner struct {
	orch    Orchestrator
	hb      safety.Heartbeater
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New returns a runner. hb may be nil.
func New(cfg Config, orch Orchestrator, hb safety.Heartbeater, logger *zap.Logger) *Runner {
	if cfg.StepInterval <= 0 {
		cfg.StepInterval = DefaultStepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		orch:    orch,
		hb:      hb,
		limiter: rate.NewLimiter(rate.Every(cfg.StepInterval), 1),
		logger:  logger.Named("runner"),
	}
}

// Run steps the current session until it ends. If ctx is cancelled first,
// Run triggers an emergency stop and keeps stepping until the session has
// unwound. The returned snapshot is the last one observed.
func (r *Runner) Run(ctx context.Context) session.Snapshot {
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return r.drain()
		}
		snap := r.orch.Step(ctx)
		r.heartbeat()
		if done(snap) {
			return snap
		}
		if ctx.Err() != nil {
			return r.drain()
		}
	}
}

// Serve runs every session started on the orchestrator until ctx is
// cancelled, calling onEnd with each final snapshot. Between sessions it
// keeps heartbeating so an idle robot does not trip the watchdog.
func (r *Runner) Serve(ctx context.Context, onEnd func(session.Snapshot)) {
	r.logger.Info("runner serving")
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			r.logger.Info("runner stopped")
			return
		}
		r.heartbeat()
		if !r.orch.IsSessionActive() {
			continue
		}
		snap := r.Run(ctx)
		if onEnd != nil {
			onEnd(snap)
		}
	}
}

func (r *Runner) drain() session.Snapshot {
	r.logger.Warn("runner cancelled, stopping session")
	r.orch.EmergencyStop()

	ctx := context.Background()
	var snap session.Snapshot
	for i := 0; i < maxDrainSteps; i++ {
		snap = r.orch.Step(ctx)
		r.heartbeat()
		if done(snap) {
			return snap
		}
	}
	r.logger.Error("session did not unwind", zap.Stringer("state", snap.State))
	return snap
}

func (r *Runner) heartbeat() {
	if r.hb != nil {
		r.hb.Heartbeat()
	}
}

func done(s session.Snapshot) bool {
	return s.State == session.SessionEnd || s.State == session.Idle
}
