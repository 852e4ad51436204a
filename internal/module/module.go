// Package module defines the contract between the session orchestrator and
// the activity modules it runs.
//
// A module instance is long lived: it is built once when the orchestrator is
// constructed and reused by every session. The orchestrator never invokes an
// instance concurrently with itself, and always calls Exit once Enter has
// been attempted.
package module

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tokymon/sessiond/internal/actuator"
)

// Module is one activity the orchestrator can sequence.
type Module interface {
	Name() string
	// Enter performs one-time setup before Run.
	Enter(ctx context.Context) error
	// Run is the module body. It must check StopRequested (or ctx) at its own
	// checkpoints and return promptly once a stop was requested.
	Run(ctx context.Context) (Result, error)
	// Exit cleans up after Run returned, failed, or was interrupted.
	Exit(ctx context.Context) error
	// RequestStop asks Run to return. It must not block.
	RequestStop()
}

// Result is what a module reports for one invocation.
type Result struct {
	Completed bool `json:"completed" yaml:"completed"`
	// Engagement is nil when the module has no engagement signal.
	Engagement *bool `json:"engagement,omitempty" yaml:"engagement,omitempty"`
}

// Engaged returns a pointer to v for use as Result.Engagement.
func Engaged(v bool) *bool { return &v }

// Liveness is the slice of the safety watchdog modules use to stay alive
// across blocking work.
type Liveness interface {
	Heartbeat()
	Lease(d time.Duration) (release func())
}

// Speaker plays a voice prompt and blocks until playback ends.
type Speaker interface {
	Say(ctx context.Context, prompt string) error
}

// Deps are the collaborators handed to every module factory.
type Deps struct {
	Logger   *zap.Logger
	Liveness Liveness
	Motors   actuator.Motors
	Face     *FaceState
	Speaker  Speaker
}

// Resetter is implemented by modules whose stop flag outlives one
// invocation. The orchestrator calls Reset when it selects the module, before
// Enter, so a stop that arrives after selection is never lost.
type Resetter interface {
	Reset()
}

// Base carries the name, logger and cooperative stop flag shared by every
// module. Embedding a *Base makes a module a Resetter.
type Base struct {
	name   string
	logger *zap.Logger
	stop   atomic.Bool
}

func NewBase(name string, logger *zap.Logger) *Base {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Base{name: name, logger: logger.Named("module." + name)}
}

func (b *Base) Name() string { return b.name }

func (b *Base) Logger() *zap.Logger { return b.logger }

func (b *Base) RequestStop() {
	b.stop.Store(true)
	b.logger.Info("stop requested")
}

func (b *Base) StopRequested() bool { return b.stop.Load() }

// Reset clears a stop request left over from a previous session.
func (b *Base) Reset() { b.stop.Store(false) }
