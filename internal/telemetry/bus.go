// Package telemetry bridges session events onto NATS and accepts remote stop
// commands from it.
package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/tokymon/sessiond/internal/session"
)

const DefaultPrefix = "tokymon"

type Config struct {
	// URL of the NATS server. Empty disables telemetry.
	URL    string `koanf:"url"`
	Prefix string `koanf:"prefix"`
}

// Controller receives remote stop commands.
type Controller interface {
	Stop()
	EmergencyStop()
}

// Bus publishes session events as JSON. A Bus without a connection logs and
// drops everything, so callers never need to check whether telemetry is on.
type Bus struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect dials cfg.URL. An empty URL returns a disabled Bus.
func Connect(cfg Config, logger *zap.Logger) (*Bus, error) {
	if cfg.URL == "" {
		return NewBus(nil, cfg.Prefix, logger), nil
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("sessiond"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", cfg.URL, err)
	}
	return NewBus(nc, cfg.Prefix, logger), nil
}

// NewBus wraps an existing connection. nc may be nil.
func NewBus(nc *nats.Conn, prefix string, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Bus{nc: nc, prefix: strings.TrimSuffix(prefix, "."), logger: logger.Named("telemetry")}
}

// Enabled reports whether the bus has a connection.
func (b *Bus) Enabled() bool { return b.nc != nil }

// Subject joins parts under the configured prefix.
func (b *Bus) Subject(parts ...string) string {
	return b.prefix + "." + strings.Join(parts, ".")
}

// Publish marshals v to JSON and publishes it. Failures are logged.
func (b *Bus) Publish(subject string, v any) {
	if b.nc == nil {
		b.logger.Debug("telemetry disabled, dropping message", zap.String("subject", subject))
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Warn("marshal telemetry payload", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := b.nc.Publish(subject, data); err != nil {
		b.logger.Warn("publish telemetry", zap.String("subject", subject), zap.Error(err))
	}
}

type startPayload struct {
	SessionID string   `json:"sessionId"`
	Modules   []string `json:"modules"`
}

type statePayload struct {
	SessionID string        `json:"sessionId"`
	State     session.State `json:"state"`
	From      session.State `json:"from"`
}

type modulePayload struct {
	SessionID string `json:"sessionId"`
	session.LogEntry
}

type endPayload struct {
	SessionID string `json:"sessionId"`
	Completed bool   `json:"completed"`
}

// HandleEvent maps orchestrator events onto subjects:
//
//	<prefix>.session.start    session accepted
//	<prefix>.session.state    every transition
//	<prefix>.session.module   every logged module invocation
//	<prefix>.session.end      session reached session_end
//	<prefix>.session.results  final snapshot
func (b *Bus) HandleEvent(ev session.Event) {
	snap := ev.Snapshot
	if snap == nil {
		return
	}
	switch ev.Type {
	case session.EventStarted:
		b.Publish(b.Subject("session", "start"), startPayload{SessionID: snap.SessionID, Modules: snap.SelectedModules})
	case session.EventTransition:
		b.Publish(b.Subject("session", "state"), statePayload{SessionID: snap.SessionID, State: snap.State, From: ev.From})
	case session.EventModuleDone:
		if ev.Entry != nil {
			b.Publish(b.Subject("session", "module"), modulePayload{SessionID: snap.SessionID, LogEntry: *ev.Entry})
		}
	case session.EventEnded:
		b.Publish(b.Subject("session", "end"), endPayload{SessionID: snap.SessionID, Completed: snap.Completed})
		b.Publish(b.Subject("session", "results"), snap)
	}
}

// SubscribeControl routes <prefix>.control.stop and
// <prefix>.control.emergency_stop to c. It is a no-op on a disabled bus.
func (b *Bus) SubscribeControl(c Controller) error {
	if b.nc == nil {
		return nil
	}
	handlers := map[string]func(){
		b.Subject("control", "stop"):           c.Stop,
		b.Subject("control", "emergency_stop"): c.EmergencyStop,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for subject, fn := range handlers {
		fn := fn // per-iteration copy; the go directive predates 1.22 loop semantics
		sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
			b.logger.Warn("remote control command", zap.String("subject", msg.Subject))
			fn()
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		b.subs = append(b.subs, sub)
	}
	return nil
}

// Flush waits until the server has processed everything published so far.
func (b *Bus) Flush() error {
	if b.nc == nil {
		return nil
	}
	return b.nc.Flush()
}

// Close unsubscribes and closes the connection.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			b.logger.Debug("unsubscribe", zap.String("subject", s.Subject), zap.Error(err))
		}
	}
	if b.nc != nil {
		b.nc.Close()
	}
}
