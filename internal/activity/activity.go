// Package activity holds the scripted activities the robot runs with a child.
// Each activity is a fixed sequence of prompts, face changes, moves and
// pauses; perception and speech recognition live outside this service.
package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tokymon/sessiond/internal/actuator"
	"github.com/tokymon/sessiond/internal/module"
	"github.com/tokymon/sessiond/internal/safety"
)

// stopCheckInterval bounds how long a pause runs without looking at the
// stop flag.
const stopCheckInterval = 50 * time.Millisecond

// promptLease covers a single voice prompt on a speaker that cannot
// heartbeat while it plays.
const promptLease = 30 * time.Second

var errStopped = errors.New("stop requested")

// Step is one instruction of a script. Fields apply in order: Face, Say,
// Move, Pause. A Move drives for Pause and then brakes.
type Step struct {
	Face  module.FaceMode
	Say   string
	Move  actuator.Direction
	Pause time.Duration
}

// Activity runs a script as a module.
type Activity struct {
	*module.Base
	deps  module.Deps
	scale float64

	intro  string
	outro  string
	script func() []Step
}

func newActivity(name string, deps module.Deps, scale float64, script func() []Step) *Activity {
	if scale <= 0 {
		scale = 1
	}
	return &Activity{
		Base:   module.NewBase(name, deps.Logger),
		deps:   deps,
		scale:  scale,
		script: script,
	}
}

func (a *Activity) Enter(ctx context.Context) error {
	a.Logger().Info("module start")
	a.setFace(module.FaceNormal)
	if a.intro == "" {
		return nil
	}
	return a.say(ctx, a.intro)
}

func (a *Activity) Run(ctx context.Context) (module.Result, error) {
	steps := a.script()
	for i, step := range steps {
		if a.StopRequested() || ctx.Err() != nil {
			a.Logger().Info("stopping early", zap.Int("step", i), zap.Int("steps", len(steps)))
			return module.Result{}, nil
		}
		if err := a.do(ctx, step); err != nil {
			if errors.Is(err, errStopped) || ctx.Err() != nil {
				return module.Result{}, nil
			}
			return module.Result{}, fmt.Errorf("step %d: %w", i, err)
		}
		if a.deps.Liveness != nil {
			a.deps.Liveness.Heartbeat()
		}
	}
	a.setFace(module.FaceNormal)
	return module.Result{Completed: true}, nil
}

// Exit brakes, restores the resting face and plays the goodbye prompt if the
// activity has one.
func (a *Activity) Exit(ctx context.Context) error {
	var errs []error
	if a.deps.Motors != nil {
		if err := a.deps.Motors.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("brake: %w", err))
		}
	}
	a.setFace(module.FaceNormal)
	if a.outro != "" {
		if err := a.say(ctx, a.outro); err != nil && ctx.Err() == nil {
			errs = append(errs, err)
		}
	}
	a.Logger().Info("module end")
	return errors.Join(errs...)
}

func (a *Activity) do(ctx context.Context, step Step) error {
	if step.Face != "" {
		a.setFace(step.Face)
	}
	if step.Say != "" {
		if err := a.say(ctx, step.Say); err != nil {
			return err
		}
	}
	if step.Move != "" && step.Move != actuator.Stopped {
		return a.move(ctx, step.Move, step.Pause)
	}
	return a.wait(ctx, step.Pause)
}

func (a *Activity) say(ctx context.Context, prompt string) error {
	if a.deps.Speaker == nil {
		return nil
	}
	if a.deps.Liveness != nil {
		release := a.deps.Liveness.Lease(promptLease)
		defer release()
	}
	prev := a.face()
	a.setFace(module.FaceSpeaking)
	defer a.setFace(prev)
	if err := a.deps.Speaker.Say(ctx, prompt); err != nil {
		return fmt.Errorf("say %s: %w", prompt, err)
	}
	return nil
}

func (a *Activity) move(ctx context.Context, dir actuator.Direction, d time.Duration) error {
	if a.deps.Motors == nil {
		return a.wait(ctx, d)
	}
	var err error
	switch dir {
	case actuator.Forward:
		err = a.deps.Motors.Forward()
	case actuator.Backward:
		err = a.deps.Motors.Backward()
	default:
		return fmt.Errorf("unknown direction %q", dir)
	}
	if err != nil {
		return fmt.Errorf("move %s: %w", dir, err)
	}

	a.setFace(module.FaceMoving)
	waitErr := a.wait(ctx, d)
	brakeErr := a.deps.Motors.Stop()
	a.setFace(module.FaceNormal)
	if waitErr != nil {
		return waitErr
	}
	if brakeErr != nil {
		return fmt.Errorf("brake: %w", brakeErr)
	}
	return nil
}

// wait pauses for the scaled duration, heartbeating and checking the stop
// flag in short slices.
func (a *Activity) wait(ctx context.Context, d time.Duration) error {
	d = time.Duration(float64(d) * a.scale)
	deadline := time.Now().Add(d)
	for {
		if a.StopRequested() {
			return errStopped
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		if err := safety.Sleep(ctx, a.heartbeater(), min(remaining, stopCheckInterval)); err != nil {
			return err
		}
	}
}

func (a *Activity) heartbeater() safety.Heartbeater {
	if a.deps.Liveness == nil {
		return nil
	}
	return a.deps.Liveness
}

func (a *Activity) setFace(mode module.FaceMode) {
	if a.deps.Face != nil {
		a.deps.Face.Set(mode)
	}
}

func (a *Activity) face() module.FaceMode {
	if a.deps.Face == nil {
		return module.FaceNormal
	}
	return a.deps.Face.Get().Mode
}
