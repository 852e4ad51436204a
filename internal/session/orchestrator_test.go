package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tokymon/sessiond/internal/actuator"
	"github.com/tokymon/sessiond/internal/metrics"
	"github.com/tokymon/sessiond/internal/module"
	"github.com/tokymon/sessiond/internal/module/moduletest"
	"github.com/tokymon/sessiond/internal/safety"
)

type countingSafety struct{ n atomic.Int32 }

func (c *countingSafety) EmergencyStop() { c.n.Add(1) }

func (c *countingSafety) count() int { return int(c.n.Load()) }

func fakes(names ...string) []*moduletest.Fake {
	out := make([]*moduletest.Fake, len(names))
	for i, n := range names {
		out[i] = moduletest.New(n)
	}
	return out
}

func newTestOrchestrator(t *testing.T, mods []*moduletest.Fake, opts ...Option) (*Orchestrator, *countingSafety) {
	t.Helper()
	entries := make([]module.Entry, len(mods))
	for i, m := range mods {
		entries[i] = module.Entry{Name: m.Name(), Factory: m.Factory()}
	}
	reg, err := module.NewRegistry(entries...)
	require.NoError(t, err)
	safety := &countingSafety{}
	return New(reg, module.Deps{}, safety, Config{}, zap.NewNop(), opts...), safety
}

// runToEnd steps until SessionEnd and returns the states observed after
// each step.
func runToEnd(t *testing.T, o *Orchestrator) []State {
	t.Helper()
	var states []State
	for i := 0; i < 50; i++ {
		snap := o.Step(context.Background())
		states = append(states, snap.State)
		if snap.State == SessionEnd {
			return states
		}
	}
	t.Fatalf("session did not end, states: %v", states)
	return nil
}

func stepUntil(t *testing.T, o *Orchestrator, want State) Snapshot {
	t.Helper()
	for i := 0; i < 50; i++ {
		snap := o.Step(context.Background())
		if snap.State == want {
			return snap
		}
	}
	t.Fatalf("never reached %s", want)
	return Snapshot{}
}

func TestStepIdleReturnsEmptySnapshot(t *testing.T) {
	o, _ := newTestOrchestrator(t, fakes("a"))

	snap := o.Step(context.Background())
	assert.Equal(t, Idle, snap.State)
	assert.Empty(t, snap.SessionID)
	assert.Empty(t, snap.ExecutionLog)
	assert.NotNil(t, snap.ModulesRun)
	assert.False(t, o.IsSessionActive())
}

func TestNormalSessionSequence(t *testing.T) {
	mods := fakes("a", "b")
	o, safety := newTestOrchestrator(t, mods)

	id, err := o.StartSession([]string{"a", "b"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, SessionStart, o.State())
	assert.True(t, o.IsSessionActive())

	states := runToEnd(t, o)
	assert.Equal(t, []State{
		Greeting, ModuleSelect, ModuleRunning, ModuleComplete,
		ModuleSelect, ModuleRunning, ModuleComplete, SessionEnd,
	}, states)

	snap := o.SessionResults()
	assert.Equal(t, id, snap.SessionID)
	assert.True(t, snap.Completed)
	assert.False(t, snap.Aborted)
	assert.Equal(t, []string{"a", "b"}, snap.ModulesRun)
	require.Len(t, snap.ExecutionLog, 2)
	for i, e := range snap.ExecutionLog {
		assert.Equal(t, []string{"a", "b"}[i], e.ModuleName)
		assert.True(t, e.Completed)
		assert.Empty(t, e.Phase)
		assert.False(t, e.EndTime.Before(e.StartTime))
	}
	assert.GreaterOrEqual(t, snap.SessionDuration, 0.0)
	assert.Empty(t, snap.CurrentModule)
	assert.False(t, o.IsSessionActive())
	assert.Zero(t, safety.count())

	for _, m := range mods {
		assert.Equal(t, []string{"enter", "run", "exit"}, m.Calls())
	}
}

func TestCurrentModuleOnlyWhileRunning(t *testing.T) {
	o, _ := newTestOrchestrator(t, fakes("a"))
	_, err := o.StartSession(nil)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		snap := o.Step(context.Background())
		if snap.State == ModuleRunning {
			assert.Equal(t, "a", snap.CurrentModule)
		} else {
			assert.Empty(t, snap.CurrentModule, "state %s", snap.State)
		}
		if snap.State == SessionEnd {
			return
		}
	}
	t.Fatal("session did not end")
}

func TestStartSessionDefaultSelection(t *testing.T) {
	o, _ := newTestOrchestrator(t, fakes("a", "b", "c", "d"))

	_, err := o.StartSession(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, o.SessionResults().SelectedModules)
}

func TestStartSessionTruncates(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	mods := fakes("a", "b", "c", "d", "e")
	entries := make([]module.Entry, len(mods))
	for i, m := range mods {
		entries[i] = module.Entry{Name: m.Name(), Factory: m.Factory()}
	}
	reg, err := module.NewRegistry(entries...)
	require.NoError(t, err)
	o := New(reg, module.Deps{}, nil, Config{}, zap.New(core))

	_, err = o.StartSession([]string{"e", "d", "c", "b", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"e", "d", "c"}, o.SessionResults().SelectedModules)
	assert.Equal(t, 1, logs.FilterMessageSnippet("truncating").Len())

	runToEnd(t, o)
	assert.Equal(t, []string{"e", "d", "c"}, o.SessionResults().ModulesRun)
	assert.Empty(t, mods[0].Calls())
	assert.Empty(t, mods[1].Calls())
}

func TestStartSessionInvalidModule(t *testing.T) {
	o, _ := newTestOrchestrator(t, fakes("a", "b"))

	_, err := o.StartSession([]string{"a", "nope"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidModule))
	assert.Contains(t, err.Error(), "nope")
	assert.Equal(t, Idle, o.State())
	assert.Empty(t, o.SessionResults().SessionID)
}

func TestStartSessionWhileActive(t *testing.T) {
	o, _ := newTestOrchestrator(t, fakes("a"))

	id, err := o.StartSession(nil)
	require.NoError(t, err)
	o.Step(context.Background())

	_, err = o.StartSession(nil)
	assert.True(t, errors.Is(err, ErrAlreadyInSession))
	assert.Equal(t, id, o.SessionResults().SessionID)
	assert.Equal(t, Greeting, o.State())
}

func TestStartSessionAfterEnd(t *testing.T) {
	o, _ := newTestOrchestrator(t, fakes("a"))

	first, err := o.StartSession(nil)
	require.NoError(t, err)
	runToEnd(t, o)

	second, err := o.StartSession(nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	snap := o.SessionResults()
	assert.Equal(t, SessionStart, snap.State)
	assert.Empty(t, snap.ExecutionLog)
	assert.Empty(t, snap.ModulesRun)

	runToEnd(t, o)
	assert.True(t, o.SessionResults().Completed)
}

func TestReset(t *testing.T) {
	o, _ := newTestOrchestrator(t, fakes("a"))

	o.Reset()
	assert.Equal(t, Idle, o.State())

	_, err := o.StartSession(nil)
	require.NoError(t, err)
	o.Reset()
	assert.Equal(t, SessionStart, o.State(), "reset only applies to a finished session")

	runToEnd(t, o)
	o.Reset()
	assert.Equal(t, Idle, o.State())
	assert.Empty(t, o.SessionResults().SessionID)
}

func TestEmergencyStopMidSession(t *testing.T) {
	mods := fakes("a", "b")
	o, safety := newTestOrchestrator(t, mods)
	before := testutil.ToFloat64(metrics.SessionsEnded.WithLabelValues("aborted"))

	_, err := o.StartSession([]string{"a", "b"})
	require.NoError(t, err)

	// a completes, b is selected.
	stepUntil(t, o, ModuleComplete)
	snap := stepUntil(t, o, ModuleRunning)
	assert.Equal(t, "b", snap.CurrentModule)

	o.EmergencyStop()
	assert.Equal(t, EmergencyStop, o.State())
	assert.Equal(t, 1, safety.count())

	snap = o.Step(context.Background())
	assert.Equal(t, SafeShutdown, snap.State)
	require.Len(t, snap.ExecutionLog, 2)
	assert.True(t, snap.ExecutionLog[0].Completed)
	failed := snap.ExecutionLog[1]
	assert.Equal(t, "b", failed.ModuleName)
	assert.False(t, failed.Completed)
	assert.Equal(t, PhaseInterrupt, failed.Phase)

	snap = o.Step(context.Background())
	assert.Equal(t, SessionEnd, snap.State)
	assert.False(t, snap.Completed)
	assert.True(t, snap.Aborted)
	assert.Equal(t, []string{"a"}, snap.ModulesRun)
	assert.Equal(t, 2, safety.count(), "safe shutdown stops the motors again")

	assert.Zero(t, mods[1].Count("enter"))
	assert.Zero(t, mods[1].Count("exit"))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SessionsEnded.WithLabelValues("aborted")))
}

func TestEmergencyStopIdempotent(t *testing.T) {
	o, safety := newTestOrchestrator(t, fakes("a"))

	_, err := o.StartSession(nil)
	require.NoError(t, err)
	stepUntil(t, o, ModuleRunning)

	o.EmergencyStop()
	o.EmergencyStop()
	assert.Equal(t, EmergencyStop, o.State())
	assert.Equal(t, 2, safety.count())

	assert.Equal(t, SafeShutdown, o.Step(context.Background()).State)
	o.EmergencyStop()
	assert.Equal(t, SafeShutdown, o.State(), "emergency stop never rewinds the unwind path")

	snap := o.Step(context.Background())
	assert.Equal(t, SessionEnd, snap.State)
	assert.Len(t, snap.ExecutionLog, 1)

	o.EmergencyStop()
	assert.Equal(t, SessionEnd, o.State())
}

func TestEmergencyStopWithoutSession(t *testing.T) {
	o, safety := newTestOrchestrator(t, fakes("a"))

	o.EmergencyStop()
	assert.Equal(t, Idle, o.State())
	assert.Equal(t, 1, safety.count())
}

func TestStopBeforeFirstStep(t *testing.T) {
	o, safety := newTestOrchestrator(t, fakes("a"))

	_, err := o.StartSession(nil)
	require.NoError(t, err)
	o.Stop()

	assert.Equal(t, SafeShutdown, o.Step(context.Background()).State)
	snap := o.Step(context.Background())
	assert.Equal(t, SessionEnd, snap.State)
	assert.Empty(t, snap.ExecutionLog)
	assert.False(t, snap.Completed)
	assert.Equal(t, 1, safety.count())
}

func TestStopInterruptsBlockingRun(t *testing.T) {
	mods := fakes("a")
	mods[0].Block = true
	mods[0].Started = make(chan struct{})
	o, _ := newTestOrchestrator(t, mods)

	_, err := o.StartSession(nil)
	require.NoError(t, err)
	stepUntil(t, o, ModuleRunning)

	done := make(chan Snapshot, 1)
	go func() { done <- o.Step(context.Background()) }()

	select {
	case <-mods[0].Started:
	case <-time.After(2 * time.Second):
		t.Fatal("module never started")
	}
	assert.True(t, o.IsSessionActive())
	o.Stop()

	var snap Snapshot
	select {
	case snap = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("step did not return after stop")
	}

	assert.Equal(t, EmergencyStop, snap.State)
	require.Len(t, snap.ExecutionLog, 1)
	assert.False(t, snap.ExecutionLog[0].Completed)
	assert.Equal(t, PhaseInterrupt, snap.ExecutionLog[0].Phase)
	assert.Equal(t, 1, mods[0].Count("exit"))
	assert.GreaterOrEqual(t, mods[0].Count("request_stop"), 1)

	states := runToEnd(t, o)
	assert.Equal(t, []State{SafeShutdown, SessionEnd}, states)
	assert.Equal(t, 1, mods[0].Count("exit"), "exit is never called twice")
	assert.Len(t, o.SessionResults().ExecutionLog, 1)
}

func TestEmergencyStopDuringRun(t *testing.T) {
	mods := fakes("a")
	mods[0].Block = true
	mods[0].Started = make(chan struct{})
	o, safety := newTestOrchestrator(t, mods)

	_, err := o.StartSession(nil)
	require.NoError(t, err)
	stepUntil(t, o, ModuleRunning)

	done := make(chan Snapshot, 1)
	go func() { done <- o.Step(context.Background()) }()
	<-mods[0].Started

	o.EmergencyStop()
	assert.Equal(t, 1, safety.count(), "motors stop before the module returns")

	snap := <-done
	assert.Equal(t, EmergencyStop, snap.State)
	runToEnd(t, o)
	assert.Equal(t, 1, mods[0].Count("exit"))
}

func TestDurationCap(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	o, safety := newTestOrchestrator(t, fakes("a"), WithClock(clock))

	events := make(chan Event, 64)
	o.SetEvents(events)

	_, err := o.StartSession(nil)
	require.NoError(t, err)
	o.Step(context.Background())

	now = now.Add(DefaultMaxDuration + time.Second)
	snap := o.Step(context.Background())
	assert.Equal(t, SessionEnd, snap.State, "an expired session ends on the next step")
	assert.False(t, snap.Completed)
	assert.InDelta(t, (DefaultMaxDuration + time.Second).Seconds(), snap.SessionDuration, 0.001)
	assert.Equal(t, 1, safety.count())

	var sawEmergency bool
	for len(events) > 0 {
		ev := <-events
		if ev.Type == EventTransition && ev.Snapshot.State == EmergencyStop {
			sawEmergency = true
		}
	}
	assert.True(t, sawEmergency, "duration cap passes through emergency_stop")
}

func TestDurationCapDuringModule(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	mods := fakes("a")
	o, _ := newTestOrchestrator(t, mods, WithClock(clock))

	_, err := o.StartSession(nil)
	require.NoError(t, err)
	stepUntil(t, o, ModuleRunning)

	now = now.Add(DefaultMaxDuration + time.Second)
	snap := o.Step(context.Background())
	assert.Equal(t, SessionEnd, snap.State)
	require.Len(t, snap.ExecutionLog, 1)
	assert.Equal(t, PhaseInterrupt, snap.ExecutionLog[0].Phase)
	assert.Zero(t, mods[0].Count("enter"))
}

func TestModuleFailures(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name      string
		setup     func(f *moduletest.Fake)
		wantPhase string
		wantRun   int
	}{
		{"enter error", func(f *moduletest.Fake) { f.EnterErr = boom }, PhaseEnter, 0},
		{"run error", func(f *moduletest.Fake) { f.RunErr = boom }, PhaseRun, 1},
		{"exit error", func(f *moduletest.Fake) { f.ExitErr = boom }, PhaseExit, 1},
		{"run panic", func(f *moduletest.Fake) { f.RunPanic = "kaboom" }, PhaseRun, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mods := fakes("a", "b")
			tt.setup(mods[0])
			o, safety := newTestOrchestrator(t, mods)

			_, err := o.StartSession(nil)
			require.NoError(t, err)
			snap := stepUntil(t, o, EmergencyStop)

			require.Len(t, snap.ExecutionLog, 1)
			entry := snap.ExecutionLog[0]
			assert.Equal(t, "a", entry.ModuleName)
			assert.False(t, entry.Completed)
			assert.Equal(t, tt.wantPhase, entry.Phase)
			assert.NotEmpty(t, entry.Error)

			assert.Equal(t, tt.wantRun, mods[0].Count("run"))
			assert.Equal(t, 1, mods[0].Count("exit"), "exit is called once enter was attempted")

			states := runToEnd(t, o)
			assert.Equal(t, []State{SafeShutdown, SessionEnd}, states)
			final := o.SessionResults()
			assert.False(t, final.Completed)
			assert.Empty(t, final.ModulesRun)
			assert.Len(t, final.ExecutionLog, 1)
			assert.Empty(t, mods[1].Calls(), "no module runs after a failure")
			assert.Equal(t, 1, safety.count())
		})
	}
}

func TestModuleFailureLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	f := moduletest.New("a")
	f.RunErr = fmt.Errorf("sensor unavailable")
	reg, err := module.NewRegistry(module.Entry{Name: "a", Factory: f.Factory()})
	require.NoError(t, err)
	o := New(reg, module.Deps{}, nil, Config{}, zap.New(core))

	_, err = o.StartSession(nil)
	require.NoError(t, err)
	runToEnd(t, o)

	failures := logs.FilterMessage("module failed").All()
	require.Len(t, failures, 1)
	fields := failures[0].ContextMap()
	assert.Equal(t, "a", fields["module"])
	assert.Equal(t, PhaseRun, fields["phase"])
	assert.Equal(t, "sensor unavailable", fields["error"])
}

func TestIncompleteModule(t *testing.T) {
	mods := fakes("a")
	mods[0].Result = module.Result{Completed: false, Engagement: module.Engaged(false)}
	o, _ := newTestOrchestrator(t, mods)

	_, err := o.StartSession(nil)
	require.NoError(t, err)
	runToEnd(t, o)

	snap := o.SessionResults()
	assert.True(t, snap.Completed, "the session itself ended normally")
	assert.Empty(t, snap.ModulesRun)
	require.Len(t, snap.ExecutionLog, 1)
	assert.False(t, snap.ExecutionLog[0].Completed)
	assert.Empty(t, snap.ExecutionLog[0].Phase)
	require.NotNil(t, snap.ExecutionLog[0].Engagement)
	assert.False(t, *snap.ExecutionLog[0].Engagement)
}

func TestEngagementRecorded(t *testing.T) {
	mods := fakes("a")
	mods[0].Result = module.Result{Completed: true, Engagement: module.Engaged(true)}
	o, _ := newTestOrchestrator(t, mods)

	_, err := o.StartSession(nil)
	require.NoError(t, err)
	runToEnd(t, o)

	entry := o.SessionResults().ExecutionLog[0]
	require.NotNil(t, entry.Engagement)
	assert.True(t, *entry.Engagement)
}

func TestSessionResultsIsReadOnly(t *testing.T) {
	o, _ := newTestOrchestrator(t, fakes("a"))

	_, err := o.StartSession(nil)
	require.NoError(t, err)
	runToEnd(t, o)

	first := o.SessionResults()
	first.ModulesRun[0] = "mutated"
	first.ExecutionLog[0].ModuleName = "mutated"
	second := o.SessionResults()

	assert.Equal(t, []string{"a"}, second.ModulesRun)
	assert.Equal(t, "a", second.ExecutionLog[0].ModuleName)
	assert.Equal(t, first.SessionDuration, second.SessionDuration, "duration is frozen at session end")
	assert.Equal(t, SessionEnd, o.Step(context.Background()).State)
}

func TestEventsEmitted(t *testing.T) {
	o, _ := newTestOrchestrator(t, fakes("a"))
	events := make(chan Event, 64)
	o.SetEvents(events)

	_, err := o.StartSession(nil)
	require.NoError(t, err)
	runToEnd(t, o)
	close(events)

	var types []EventType
	var moduleDone *LogEntry
	for ev := range events {
		types = append(types, ev.Type)
		require.NotNil(t, ev.Snapshot)
		if ev.Type == EventModuleDone {
			moduleDone = ev.Entry
		}
	}
	require.NotEmpty(t, types)
	assert.Equal(t, EventEnded, types[len(types)-1])
	assert.Contains(t, types, EventStarted)
	require.NotNil(t, moduleDone)
	assert.Equal(t, "a", moduleDone.ModuleName)
}

func TestEventsNeverBlock(t *testing.T) {
	o, _ := newTestOrchestrator(t, fakes("a", "b", "c"))
	o.SetEvents(make(chan Event)) // nobody reads

	_, err := o.StartSession(nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		runToEnd(t, o)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator blocked on a full events channel")
	}
}

func TestStepContextCancelledInterruptsRun(t *testing.T) {
	mods := fakes("a")
	mods[0].Block = true
	mods[0].Started = make(chan struct{})
	o, _ := newTestOrchestrator(t, mods)

	_, err := o.StartSession(nil)
	require.NoError(t, err)
	stepUntil(t, o, ModuleRunning)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Snapshot, 1)
	go func() { done <- o.Step(ctx) }()
	<-mods[0].Started
	cancel()

	snap := <-done
	assert.Equal(t, EmergencyStop, snap.State)
	assert.Equal(t, PhaseInterrupt, snap.ExecutionLog[0].Phase)
}

func TestStopBetweenSelectionAndEnter(t *testing.T) {
	mods := fakes("a")
	o, _ := newTestOrchestrator(t, mods)

	_, err := o.StartSession(nil)
	require.NoError(t, err)
	stepUntil(t, o, ModuleRunning)

	// Stop lands after Step released the lock for the module call.
	o.Stop()
	o.runModule(context.Background())

	assert.Equal(t, EmergencyStop, o.State())
	assert.Zero(t, mods[0].Count("enter"), "a stopped module is never entered")
	assert.Zero(t, mods[0].Count("run"))

	snap := o.Step(context.Background())
	assert.Equal(t, SafeShutdown, snap.State)
	require.Len(t, snap.ExecutionLog, 1)
	assert.Equal(t, PhaseInterrupt, snap.ExecutionLog[0].Phase)
	assert.Zero(t, mods[0].Count("exit"))
}

func TestStopFlagClearedForNextSession(t *testing.T) {
	mods := fakes("a")
	mods[0].Block = true
	mods[0].Started = make(chan struct{})
	o, _ := newTestOrchestrator(t, mods)

	_, err := o.StartSession(nil)
	require.NoError(t, err)
	stepUntil(t, o, ModuleRunning)

	done := make(chan Snapshot, 1)
	go func() { done <- o.Step(context.Background()) }()
	<-mods[0].Started
	o.Stop()
	<-done
	runToEnd(t, o)
	require.True(t, mods[0].StopRequested())

	mods[0].Block = false
	mods[0].Started = nil
	_, err = o.StartSession(nil)
	require.NoError(t, err)
	runToEnd(t, o)

	snap := o.SessionResults()
	assert.True(t, snap.Completed)
	assert.Equal(t, []string{"a"}, snap.ModulesRun)
}

func TestBlockingEnterKeepsOrchestratorResponsive(t *testing.T) {
	mods := fakes("a")
	mods[0].BlockEnter = true
	mods[0].Entered = make(chan struct{})
	o, _ := newTestOrchestrator(t, mods)

	_, err := o.StartSession(nil)
	require.NoError(t, err)
	stepUntil(t, o, ModuleRunning)

	done := make(chan Snapshot, 1)
	go func() { done <- o.Step(context.Background()) }()
	<-mods[0].Entered

	responsive := make(chan struct{})
	go func() {
		defer close(responsive)
		assert.Equal(t, ModuleRunning, o.State())
		assert.Equal(t, "a", o.SessionResults().CurrentModule)
		assert.True(t, o.IsSessionActive())
		o.Stop()
	}()
	select {
	case <-responsive:
	case <-time.After(time.Second):
		t.Fatal("orchestrator blocked while Enter runs")
	}

	var snap Snapshot
	select {
	case snap = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("step did not return after stop")
	}
	assert.Equal(t, EmergencyStop, snap.State)
	require.Len(t, snap.ExecutionLog, 1)
	assert.Equal(t, PhaseInterrupt, snap.ExecutionLog[0].Phase)
	assert.Zero(t, mods[0].Count("run"), "run is skipped once a stop arrived during enter")
	assert.Equal(t, 1, mods[0].Count("exit"))

	runToEnd(t, o)
	assert.Equal(t, 1, mods[0].Count("exit"))
}

func TestWatchdogTripWhileEnterBlocks(t *testing.T) {
	f := moduletest.New("a")
	f.BlockEnter = true
	f.Entered = make(chan struct{})
	reg, err := module.NewRegistry(module.Entry{Name: "a", Factory: f.Factory()})
	require.NoError(t, err)

	motors := actuator.NewSim(nil)
	wd := safety.NewWatchdog(safety.Config{Timeout: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond}, motors, nil)
	o := New(reg, module.Deps{}, wd, Config{}, zap.NewNop())
	wd.RegisterShutdownCallback(func() error {
		o.Stop()
		return nil
	})

	_, err = o.StartSession(nil)
	require.NoError(t, err)
	stepUntil(t, o, ModuleRunning)

	done := make(chan Snapshot, 1)
	go func() { done <- o.Step(context.Background()) }()
	<-f.Entered
	wd.Start(context.Background())

	// The trip's Stop cancels Enter's context, so Step unwinds.
	select {
	case snap := <-done:
		assert.Equal(t, EmergencyStop, snap.State)
	case <-time.After(2 * time.Second):
		t.Fatal("step did not return after the watchdog tripped")
	}
	assert.GreaterOrEqual(t, motors.StopCount(), 1)

	stopped := make(chan struct{})
	go func() {
		wd.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("watchdog loop wedged in a shutdown callback")
	}
}

func TestConcurrentEmergencyStop(t *testing.T) {
	mods := fakes("a")
	mods[0].Block = true
	mods[0].Started = make(chan struct{})
	o, motors := newTestOrchestrator(t, mods)

	_, err := o.StartSession(nil)
	require.NoError(t, err)
	stepUntil(t, o, ModuleRunning)

	done := make(chan Snapshot, 1)
	go func() { done <- o.Step(context.Background()) }()
	<-mods[0].Started

	const callers = 16
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			o.EmergencyStop()
		}()
	}
	wg.Wait()

	assert.Equal(t, callers, motors.count(), "every call stops the motors")
	assert.Equal(t, EmergencyStop, o.State())

	<-done
	states := runToEnd(t, o)
	assert.Equal(t, []State{SafeShutdown, SessionEnd}, states)

	snap := o.SessionResults()
	require.Len(t, snap.ExecutionLog, 1)
	assert.Equal(t, PhaseInterrupt, snap.ExecutionLog[0].Phase)
	assert.Equal(t, 1, mods[0].Count("exit"))
	assert.True(t, snap.Aborted)
}
