// Package moduletest provides a scriptable module for orchestrator tests.
package moduletest

import (
	"context"
	"sync"

	"github.com/tokymon/sessiond/internal/module"
)

// Fake is a module whose lifecycle calls are recorded and whose behaviour is
// set through its exported fields. Set fields before the orchestrator runs it.
type Fake struct {
	*module.Base

	Result   module.Result
	EnterErr error
	RunErr   error
	ExitErr  error
	// RunPanic makes Run panic with this value when non-nil.
	RunPanic any
	// Block makes Run wait until RequestStop, ctx cancellation or Release.
	Block bool
	// Started is closed when Run begins, if non-nil.
	Started chan struct{}
	// BlockEnter makes Enter wait until ctx cancellation or ReleaseEnter.
	BlockEnter bool
	// Entered is closed when Enter begins, if non-nil.
	Entered chan struct{}

	mu           sync.Mutex
	calls        []string
	release      chan struct{}
	enterRelease chan struct{}
}

func New(name string) *Fake {
	return &Fake{
		Base:         module.NewBase(name, nil),
		Result:       module.Result{Completed: true},
		release:      make(chan struct{}),
		enterRelease: make(chan struct{}),
	}
}

// Factory returns a module.Factory that always yields f.
func (f *Fake) Factory() module.Factory {
	return func(module.Deps) module.Module { return f }
}

func (f *Fake) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

// Calls returns the lifecycle calls seen so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// Count returns how many times call was recorded.
func (f *Fake) Count(call string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

// Release unblocks a Run started with Block set.
func (f *Fake) Release() { close(f.release) }

// ReleaseEnter unblocks an Enter started with BlockEnter set.
func (f *Fake) ReleaseEnter() { close(f.enterRelease) }

func (f *Fake) Enter(ctx context.Context) error {
	f.record("enter")
	if f.Entered != nil {
		close(f.Entered)
	}
	if f.BlockEnter {
		select {
		case <-ctx.Done():
		case <-f.enterRelease:
		}
	}
	return f.EnterErr
}

func (f *Fake) Run(ctx context.Context) (module.Result, error) {
	f.record("run")
	if f.Started != nil {
		close(f.Started)
	}
	if f.RunPanic != nil {
		panic(f.RunPanic)
	}
	if f.Block {
		select {
		case <-ctx.Done():
			return module.Result{}, nil
		case <-f.release:
		}
	}
	if f.StopRequested() {
		return module.Result{}, nil
	}
	return f.Result, f.RunErr
}

func (f *Fake) Exit(context.Context) error {
	f.record("exit")
	return f.ExitErr
}

func (f *Fake) RequestStop() {
	f.record("request_stop")
	f.Base.RequestStop()
}
