package session

import "context"

// EventType classifies orchestrator lifecycle events.
type EventType int

const (
	EventStarted    EventType = iota // StartSession accepted a session
	EventTransition                  // state changed
	EventModuleDone                  // a module invocation was logged
	EventEnded                       // session reached SessionEnd
)

var eventTypeNames = map[EventType]string{
	EventStarted:    "started",
	EventTransition: "transition",
	EventModuleDone: "module_done",
	EventEnded:      "ended",
}

func (t EventType) String() string {
	if s, ok := eventTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// Event carries a session snapshot to observers.
type Event struct {
	Type     EventType
	From     State     // previous state, for EventTransition
	Snapshot *Snapshot // copy, safe to retain
	Entry    *LogEntry // the logged invocation, for EventModuleDone
}

// Sink consumes orchestrator events. HandleEvent must not block for long;
// sinks run one after another on the dispatch goroutine.
type Sink interface {
	HandleEvent(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) HandleEvent(ev Event) { f(ev) }

// Dispatch delivers every event from ch to each sink in order until ch is
// closed or ctx is done.
func Dispatch(ctx context.Context, ch <-chan Event, sinks ...Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			for _, s := range sinks {
				s.HandleEvent(ev)
			}
		}
	}
}

// HandleEvent records finished sessions.
func (s *Store) HandleEvent(ev Event) {
	if ev.Type == EventEnded {
		s.Add(ev.Snapshot)
	}
}
