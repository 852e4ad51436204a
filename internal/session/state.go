package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is a node of the orchestrator's state machine.
//
//	Idle -> SessionStart -> Greeting -> ModuleSelect -> ModuleRunning
//	     -> ModuleComplete -> (ModuleSelect | SessionEnd)
//
// EmergencyStop -> SafeShutdown -> SessionEnd is reachable from every other
// active state.
type State int

const (
	Idle State = iota
	SessionStart
	Greeting
	ModuleSelect
	ModuleRunning
	ModuleComplete
	SessionEnd
	EmergencyStop
	SafeShutdown
)

var stateNames = map[State]string{
	Idle:           "idle",
	SessionStart:   "session_start",
	Greeting:       "greeting",
	ModuleSelect:   "module_select",
	ModuleRunning:  "module_running",
	ModuleComplete: "module_complete",
	SessionEnd:     "session_end",
	EmergencyStop:  "emergency_stop",
	SafeShutdown:   "safe_shutdown",
}

var stateFromName = map[string]State{
	"idle":            Idle,
	"session_start":   SessionStart,
	"greeting":        Greeting,
	"module_select":   ModuleSelect,
	"module_running":  ModuleRunning,
	"module_complete": ModuleComplete,
	"session_end":     SessionEnd,
	"emergency_stop":  EmergencyStop,
	"safe_shutdown":   SafeShutdown,
}

// AllStates lists every state in declaration order.
func AllStates() []State {
	return []State{Idle, SessionStart, Greeting, ModuleSelect, ModuleRunning,
		ModuleComplete, SessionEnd, EmergencyStop, SafeShutdown}
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Active reports whether a session exists in this state.
func (s State) Active() bool {
	return s != Idle && s != SessionEnd
}

// Unwinding reports whether the session is already on the emergency path
// or finished, so a stop must not pull it back to EmergencyStop.
func (s State) Unwinding() bool {
	return s == EmergencyStop || s == SafeShutdown || s == SessionEnd
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(data []byte) error {
	v, ok := stateFromName[string(data)]
	if !ok {
		return fmt.Errorf("unknown session state %q", data)
	}
	*s = v
	return nil
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	return s.UnmarshalText([]byte(name))
}

// Failure phases recorded on a LogEntry.
const (
	PhaseEnter     = "enter"
	PhaseRun       = "run"
	PhaseExit      = "exit"
	PhaseInterrupt = "interrupted"
)

// LogEntry records one module invocation. Entries are append-only.
type LogEntry struct {
	ModuleName string    `json:"moduleName" yaml:"module_name"`
	StartTime  time.Time `json:"startTime" yaml:"start_time"`
	EndTime    time.Time `json:"endTime" yaml:"end_time"`
	Completed  bool      `json:"completed" yaml:"completed"`
	Engagement *bool     `json:"engagement,omitempty" yaml:"engagement,omitempty"`
	Phase      string    `json:"phase,omitempty" yaml:"phase,omitempty"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// Duration is EndTime - StartTime.
func (e LogEntry) Duration() time.Duration { return e.EndTime.Sub(e.StartTime) }

// Snapshot is a copy of the orchestrator's session as of one Step.
type Snapshot struct {
	SessionID       string     `json:"sessionId" yaml:"session_id"`
	State           State      `json:"state" yaml:"state"`
	Completed       bool       `json:"completed" yaml:"completed"`
	Aborted         bool       `json:"aborted,omitempty" yaml:"aborted,omitempty"`
	SelectedModules []string   `json:"selectedModules" yaml:"selected_modules"`
	CurrentModule   string     `json:"currentModule,omitempty" yaml:"current_module,omitempty"`
	ModulesRun      []string   `json:"modulesRun" yaml:"modules_run"`
	ExecutionLog    []LogEntry `json:"executionLog" yaml:"execution_log"`
	StartedAt       time.Time  `json:"startedAt,omitempty" yaml:"started_at,omitempty"`
	SessionDuration float64    `json:"sessionDuration" yaml:"session_duration"`
}

// Elapsed returns SessionDuration as a time.Duration.
func (s *Snapshot) Elapsed() time.Duration {
	return time.Duration(s.SessionDuration * float64(time.Second))
}

// Clone returns a deep copy of the snapshot, duplicating slices so the copy
// can be mutated independently of the original.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.SelectedModules = cloneStrings(s.SelectedModules)
	c.ModulesRun = cloneStrings(s.ModulesRun)
	if s.ExecutionLog != nil {
		c.ExecutionLog = make([]LogEntry, len(s.ExecutionLog))
		for i, e := range s.ExecutionLog {
			if e.Engagement != nil {
				v := *e.Engagement
				e.Engagement = &v
			}
			c.ExecutionLog[i] = e
		}
	}
	return &c
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
