// Package session drives one activity session at a time through the
// orchestrator state machine and keeps the history of finished sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tokymon/sessiond/internal/metrics"
	"github.com/tokymon/sessiond/internal/module"
)

const (
	// MaxModulesPerSession is the hard cap on modules in one session.
	MaxModulesPerSession = 3
	DefaultMaxDuration   = 15 * time.Minute
)

var (
	ErrAlreadyInSession = errors.New("already in session")
	ErrInvalidModule    = errors.New("invalid module name")
)

// SafetyStop is the single path to the actuation layer's stop command.
type SafetyStop interface {
	EmergencyStop()
}

type Config struct {
	MaxModules  int           `koanf:"max_modules"`
	MaxDuration time.Duration `koanf:"max_duration"`
}

type Option func(*Orchestrator)

// WithClock replaces time.Now for session timing.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator owns the session state machine. Step is driven by a single
// caller; Stop and EmergencyStop may be called from any goroutine, including
// while Step is blocked in a module's Run.
type Orchestrator struct {
	registry    *module.Registry
	instances   map[string]module.Module // read-only after New
	safety      SafetyStop
	logger      *zap.Logger
	maxModules  int
	maxDuration time.Duration
	now         func() time.Time

	stepMu sync.Mutex // serialises Step so a module never runs concurrently with itself

	mu     sync.Mutex // protects everything below
	state  State
	sess   *sessionData
	active *invocation

	events        chan<- Event // nil disables event emission
	eventsDropped int64
	eventsLastLog time.Time
}

type sessionData struct {
	id            string
	startedAt     time.Time
	endedAt       time.Time
	selected      []string
	index         int
	completed     []string
	log           []LogEntry
	stopRequested bool
	aborted       bool
}

// invocation is the module currently selected for ModuleRunning.
type invocation struct {
	name      string
	mod       module.Module
	cancel    context.CancelFunc
	startedAt time.Time
	entered   bool
	exited    bool
	logged    bool
}

func (inv *invocation) requestStop() {
	inv.mod.RequestStop()
	if inv.cancel != nil {
		inv.cancel()
	}
}

// New builds one instance per registered module. safety may be nil in
// tests; in production it is the watchdog.
func New(registry *module.Registry, deps module.Deps, safety SafetyStop, cfg Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxModules <= 0 || cfg.MaxModules > MaxModulesPerSession {
		cfg.MaxModules = MaxModulesPerSession
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	if deps.Logger == nil {
		deps.Logger = logger
	}

	o := &Orchestrator{
		registry:    registry,
		instances:   registry.Build(deps),
		safety:      safety,
		logger:      logger,
		maxModules:  cfg.MaxModules,
		maxDuration: cfg.MaxDuration,
		now:         time.Now,
		state:       Idle,
	}
	for _, opt := range opts {
		opt(o)
	}
	logger.Info("initialized modules", zap.Int("count", len(o.instances)))
	return o
}

// SetEvents configures a channel for lifecycle events. Sends never block;
// when the consumer falls behind events are dropped and counted. Pass nil
// to disable. Must be called before the first session starts.
func (o *Orchestrator) SetEvents(ch chan<- Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = ch
}

// Modules returns the registered module names in registry order.
func (o *Orchestrator) Modules() []string { return o.registry.Names() }

// MaxDuration returns the configured session wall-clock cap.
func (o *Orchestrator) MaxDuration() time.Duration { return o.maxDuration }

// StartSession begins a new session and returns its id. A nil or empty
// names selects the first registered modules up to the configured maximum.
// More than MaxModulesPerSession names are truncated. Starting from
// SessionEnd resets to Idle first; starting from any other active state
// fails with ErrAlreadyInSession. Failed calls change nothing.
func (o *Orchestrator) StartSession(names []string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.Active() {
		return "", fmt.Errorf("%w: current state is %s", ErrAlreadyInSession, o.state)
	}

	selected, err := o.selectModules(names)
	if err != nil {
		return "", err
	}

	if o.state == SessionEnd {
		o.resetLocked()
	}

	o.sess = &sessionData{
		id:        uuid.NewString(),
		startedAt: o.now(),
		selected:  selected,
		completed: []string{},
		log:       []LogEntry{},
	}
	o.active = nil

	metrics.SessionsStarted.Inc()
	o.logger.Info("starting session",
		zap.String("session_id", o.sess.id),
		zap.Strings("modules", selected))

	o.transitionLocked(SessionStart)
	o.emitLocked(Event{Type: EventStarted, Snapshot: o.snapshotPtrLocked()})
	return o.sess.id, nil
}

func (o *Orchestrator) selectModules(names []string) ([]string, error) {
	if len(names) == 0 {
		all := o.registry.Names()
		n := o.maxModules
		if n > len(all) {
			n = len(all)
		}
		return all[:n], nil
	}

	var invalid []string
	for _, name := range names {
		if !o.registry.Has(name) {
			invalid = append(invalid, name)
		}
	}
	if len(invalid) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidModule, strings.Join(invalid, ", "))
	}

	if len(names) > MaxModulesPerSession {
		o.logger.Warn("more than the maximum modules requested, truncating",
			zap.Int("requested", len(names)),
			zap.Int("max", MaxModulesPerSession),
			zap.Strings("dropped", names[MaxModulesPerSession:]))
		names = names[:MaxModulesPerSession]
	}
	return cloneStrings(names), nil
}

// Step advances the state machine by one state and returns the resulting
// snapshot. It blocks while a module runs. Module failures are recorded and
// escalated to EmergencyStop; Step never returns an error.
//
// Module code never runs with o.mu held, so State, SessionResults, Stop and
// EmergencyStop stay responsive while a module blocks.
func (o *Orchestrator) Step(ctx context.Context) Snapshot {
	o.stepMu.Lock()
	defer o.stepMu.Unlock()

	o.mu.Lock()
	if o.state == Idle {
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap
	}

	if o.enforceLimitsLocked() {
		// An expired session ends on this step.
		o.mu.Unlock()
		o.handleEmergency()
		o.safeShutdown()
		return o.SessionResults()
	}

	switch o.state {
	case SessionStart:
		o.logger.Info("session started", zap.String("session_id", o.sess.id))
		o.transitionLocked(Greeting)
	case Greeting:
		o.transitionLocked(ModuleSelect)
	case ModuleSelect:
		o.selectNextLocked()
	case ModuleRunning:
		o.mu.Unlock()
		o.runModule(ctx)
		return o.SessionResults()
	case ModuleComplete:
		o.sess.index++
		if o.sess.index < len(o.sess.selected) {
			o.transitionLocked(ModuleSelect)
		} else {
			o.transitionLocked(SessionEnd)
		}
	case EmergencyStop:
		o.mu.Unlock()
		o.handleEmergency()
		return o.SessionResults()
	case SafeShutdown:
		o.mu.Unlock()
		o.safeShutdown()
		return o.SessionResults()
	case SessionEnd:
	}

	snap := o.snapshotLocked()
	o.mu.Unlock()
	return snap
}

// enforceLimitsLocked forces EmergencyStop on a stop request or when the
// session outlived its cap, and reports whether the cap tripped. Caller must
// hold o.mu.
func (o *Orchestrator) enforceLimitsLocked() (expired bool) {
	if o.state.Unwinding() {
		return false
	}
	if elapsed := o.now().Sub(o.sess.startedAt); elapsed > o.maxDuration && !o.sess.stopRequested {
		o.logger.Warn("session duration limit exceeded, ending session",
			zap.String("session_id", o.sess.id),
			zap.Duration("elapsed", elapsed),
			zap.Duration("limit", o.maxDuration))
		o.requestStopLocked()
		expired = true
	}
	if o.sess.stopRequested {
		o.transitionLocked(EmergencyStop)
	}
	return expired
}

func (o *Orchestrator) selectNextLocked() {
	if o.sess.index >= len(o.sess.selected) {
		o.transitionLocked(SessionEnd)
		return
	}
	name := o.sess.selected[o.sess.index]
	mod := o.instances[name]
	if r, ok := mod.(module.Resetter); ok {
		r.Reset()
	}
	o.active = &invocation{name: name, mod: mod}
	o.logger.Info("selected module", zap.String("module", name))
	o.transitionLocked(ModuleRunning)
}

// runModule performs one module invocation. The state is checked and the
// invocation marked entered under the lock; Enter, Run and Exit run outside
// it.
func (o *Orchestrator) runModule(ctx context.Context) {
	o.mu.Lock()
	inv := o.active
	if o.state != ModuleRunning {
		o.mu.Unlock()
		return
	}
	if inv == nil || inv.mod == nil {
		o.logger.Error("no current module in module_running state")
		o.sess.aborted = true
		o.transitionLocked(EmergencyStop)
		o.mu.Unlock()
		return
	}
	if o.sess.stopRequested {
		// Stopped between selection and entry; the emergency path logs it.
		o.transitionLocked(EmergencyStop)
		o.mu.Unlock()
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	inv.cancel = cancel
	inv.startedAt = o.now()
	inv.entered = true
	o.mu.Unlock()

	if err := o.call(inv, PhaseEnter, func() error { return inv.mod.Enter(runCtx) }); err != nil {
		o.finish(ctx, inv, module.Result{}, PhaseEnter, err)
		return
	}

	o.mu.Lock()
	interrupted := o.interruptedLocked(ctx)
	o.mu.Unlock()
	if interrupted {
		o.finish(ctx, inv, module.Result{}, PhaseInterrupt, nil)
		return
	}

	var res module.Result
	runErr := o.call(inv, PhaseRun, func() error {
		var err error
		res, err = inv.mod.Run(runCtx)
		return err
	})
	if runErr != nil {
		o.finish(ctx, inv, res, PhaseRun, runErr)
		return
	}
	o.finish(ctx, inv, res, "", nil)
}

// interruptedLocked reports whether the invocation in flight was told to
// stop. Caller must hold o.mu.
func (o *Orchestrator) interruptedLocked(ctx context.Context) bool {
	return o.state != ModuleRunning || o.sess.stopRequested || ctx.Err() != nil
}

// exitModule calls Exit at most once per entered invocation. Exit gets an
// uncancelled context so cleanup can still talk to hardware. Caller must not
// hold o.mu.
func (o *Orchestrator) exitModule(inv *invocation) error {
	o.mu.Lock()
	if !inv.entered || inv.exited {
		o.mu.Unlock()
		return nil
	}
	inv.exited = true
	o.mu.Unlock()

	err := o.call(inv, PhaseExit, func() error { return inv.mod.Exit(context.Background()) })
	if err != nil {
		o.logger.Error("module exit failed",
			zap.String("module", inv.name),
			zap.Error(err))
	}
	return err
}

// call invokes one lifecycle phase, turning panics into errors.
func (o *Orchestrator) call(inv *invocation, phase string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", phase, r)
			o.logger.Error("module panicked",
				zap.String("module", inv.name),
				zap.String("phase", phase),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	return fn()
}

// finish exits the module, appends its log entry and picks the successor
// state. failPhase is empty for a normal return. Caller must not hold o.mu.
func (o *Orchestrator) finish(ctx context.Context, inv *invocation, res module.Result, failPhase string, err error) {
	if exitErr := o.exitModule(inv); exitErr != nil && err == nil {
		failPhase, err = PhaseExit, exitErr
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if inv.cancel != nil {
		inv.cancel()
	}
	if failPhase == "" && o.interruptedLocked(ctx) {
		failPhase = PhaseInterrupt
	}

	if err != nil {
		o.logger.Error("module failed",
			zap.String("session_id", o.sess.id),
			zap.String("module", inv.name),
			zap.String("phase", failPhase),
			zap.Error(err))
	}

	completed := failPhase == "" && res.Completed
	o.appendLogLocked(inv, res.Engagement, completed, failPhase, err)

	switch {
	case err != nil:
		o.sess.aborted = true
		if !o.state.Unwinding() {
			o.transitionLocked(EmergencyStop)
		}
	case failPhase == PhaseInterrupt:
		o.logger.Warn("module interrupted", zap.String("module", inv.name))
		if !o.state.Unwinding() {
			o.transitionLocked(EmergencyStop)
		}
	default:
		o.logger.Info("module finished",
			zap.String("module", inv.name),
			zap.Bool("completed", completed))
		o.transitionLocked(ModuleComplete)
	}
}

func (o *Orchestrator) appendLogLocked(inv *invocation, engagement *bool, completed bool, failPhase string, err error) {
	if inv.logged {
		return
	}
	inv.logged = true

	end := o.now()
	start := inv.startedAt
	if start.IsZero() {
		start = end
	}
	if end.Before(start) {
		end = start
	}
	entry := LogEntry{
		ModuleName: inv.name,
		StartTime:  start,
		EndTime:    end,
		Completed:  completed,
		Engagement: engagement,
		Phase:      failPhase,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	o.sess.log = append(o.sess.log, entry)
	if completed {
		o.sess.completed = append(o.sess.completed, inv.name)
	}
	if o.active == inv {
		o.active = nil
	}

	outcome := "completed"
	switch {
	case err != nil:
		outcome = "failed"
	case !completed:
		outcome = "incomplete"
	}
	metrics.ModuleRuns.WithLabelValues(inv.name, outcome).Inc()
	metrics.ModuleDuration.WithLabelValues(inv.name).Observe(entry.Duration().Seconds())

	e := entry
	o.emitLocked(Event{Type: EventModuleDone, Entry: &e, Snapshot: o.snapshotPtrLocked()})
}

// handleEmergency unwinds a module that was selected or running when the
// stop arrived and moves on to SafeShutdown. Caller must not hold o.mu.
func (o *Orchestrator) handleEmergency() {
	o.mu.Lock()
	o.logger.Error("emergency stop active", zap.String("session_id", o.sess.id))
	o.sess.aborted = true
	inv := o.active
	if inv != nil {
		inv.requestStop()
	}
	o.mu.Unlock()

	if inv != nil {
		_ = o.exitModule(inv)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if inv != nil {
		o.appendLogLocked(inv, nil, false, PhaseInterrupt, nil)
	}
	if o.state == EmergencyStop {
		o.transitionLocked(SafeShutdown)
	}
}

// safeShutdown commands the actuation layer to a safe state. The watchdog
// runs its callbacks, which may call back into the orchestrator, so the lock
// is not held.
func (o *Orchestrator) safeShutdown() {
	o.logger.Info("performing safe shutdown")
	if o.safety != nil {
		o.safety.EmergencyStop()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == SafeShutdown {
		o.transitionLocked(SessionEnd)
	}
}

// Stop requests the session to unwind. The module in flight gets
// RequestStop and its context is cancelled; the transition to EmergencyStop
// happens on the next Step.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.state.Active() {
		return
	}
	o.logger.Warn("stop requested", zap.String("session_id", o.sess.id))
	o.requestStopLocked()
}

func (o *Orchestrator) requestStopLocked() {
	o.sess.stopRequested = true
	if o.active != nil {
		o.active.requestStop()
	}
}

// EmergencyStop stops the motors through the safety path first, then
// requests a stop and moves the state machine to EmergencyStop without
// waiting for the next Step. Repeated calls stop the motors again but never
// rewind the state machine.
func (o *Orchestrator) EmergencyStop() {
	o.logger.Error("EMERGENCY STOP triggered")
	if o.safety != nil {
		o.safety.EmergencyStop()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.state.Active() {
		return
	}
	o.requestStopLocked()
	o.sess.aborted = true
	if !o.state.Unwinding() {
		o.transitionLocked(EmergencyStop)
	}
}

// Reset returns a finished orchestrator to Idle, discarding the session.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == SessionEnd {
		o.resetLocked()
	}
}

func (o *Orchestrator) resetLocked() {
	o.sess = nil
	o.active = nil
	o.transitionLocked(Idle)
}

func (o *Orchestrator) IsSessionActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Active()
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SessionResults returns the current snapshot without changing anything.
func (o *Orchestrator) SessionResults() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) transitionLocked(to State) {
	from := o.state
	o.state = to
	o.logger.Debug("state transition",
		zap.Stringer("from", from),
		zap.Stringer("to", to))
	metrics.SetCurrent(metrics.SessionState, to.String(), stateLabels)

	if to == SessionEnd && o.sess != nil {
		o.sess.endedAt = o.now()
		outcome := "completed"
		if o.sess.aborted {
			outcome = "aborted"
		}
		metrics.SessionsEnded.WithLabelValues(outcome).Inc()
		o.logger.Info("session ended",
			zap.String("session_id", o.sess.id),
			zap.String("outcome", outcome),
			zap.Strings("modules_run", o.sess.completed),
			zap.Duration("duration", o.sess.endedAt.Sub(o.sess.startedAt)))
	}

	snap := o.snapshotPtrLocked()
	o.emitLocked(Event{Type: EventTransition, From: from, Snapshot: snap})
	if to == SessionEnd {
		o.emitLocked(Event{Type: EventEnded, Snapshot: snap.Clone()})
	}
}

var stateLabels = func() []string {
	all := AllStates()
	labels := make([]string, len(all))
	for i, s := range all {
		labels[i] = s.String()
	}
	return labels
}()

// emitLocked sends ev without blocking. Drops are logged at most once per
// 10 seconds. Caller must hold o.mu.
func (o *Orchestrator) emitLocked(ev Event) {
	if o.events == nil {
		return
	}
	select {
	case o.events <- ev:
	default:
		o.eventsDropped++
		now := time.Now()
		if o.eventsLastLog.IsZero() || now.Sub(o.eventsLastLog) >= 10*time.Second {
			o.logger.Warn("session events dropped (channel full)", zap.Int64("dropped", o.eventsDropped))
			o.eventsDropped = 0
			o.eventsLastLog = now
		}
	}
}

func (o *Orchestrator) snapshotPtrLocked() *Snapshot {
	s := o.snapshotLocked()
	return &s
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:           o.state,
		SelectedModules: []string{},
		ModulesRun:      []string{},
		ExecutionLog:    []LogEntry{},
	}
	s := o.sess
	if s == nil {
		return snap
	}

	snap.SessionID = s.id
	snap.StartedAt = s.startedAt
	snap.SelectedModules = cloneStrings(s.selected)
	snap.ModulesRun = cloneStrings(s.completed)
	snap.ExecutionLog = make([]LogEntry, len(s.log))
	copy(snap.ExecutionLog, s.log)
	snap.Aborted = s.aborted
	snap.Completed = o.state == SessionEnd && !s.aborted
	if o.state == ModuleRunning && o.active != nil {
		snap.CurrentModule = o.active.name
	}

	end := o.now()
	if !s.endedAt.IsZero() {
		end = s.endedAt
	}
	snap.SessionDuration = end.Sub(s.startedAt).Seconds()
	return snap
}
