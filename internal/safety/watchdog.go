// Package safety implements the liveness watchdog that forces the robot to
// a safe stop when the controlling process stops proving it is alive.
package safety

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tokymon/sessiond/internal/actuator"
	"github.com/tokymon/sessiond/internal/metrics"
)

const (
	DefaultTimeout      = 2 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
)

type Config struct {
	Timeout      time.Duration `koanf:"timeout"`
	PollInterval time.Duration `koanf:"poll_interval"`
}

// ShutdownFunc is invoked on every emergency stop. Errors and panics are
// logged and never stop the remaining callbacks from running.
type ShutdownFunc func() error

// Watchdog tracks the last heartbeat and triggers an emergency stop when it
// is older than the timeout. All methods are safe for concurrent use.
//
// Timestamps are offsets from a fixed base so they stay on the monotonic
// clock and Heartbeat can be a single atomic store.
type Watchdog struct {
	motors       actuator.Stopper
	logger       *zap.Logger
	timeout      time.Duration
	pollInterval time.Duration

	base     time.Time
	lastBeat atomic.Int64 // offset from base, nanoseconds
	tripped  atomic.Bool  // set on timeout, cleared by the next heartbeat

	mu        sync.Mutex // protects callbacks, leases, started
	callbacks []ShutdownFunc
	leases    map[uint64]time.Duration // lease id -> expiry offset from base
	nextLease uint64
	started   bool

	done     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
}

func NewWatchdog(cfg Config, motors actuator.Stopper, logger *zap.Logger) *Watchdog {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watchdog{
		motors:       motors,
		logger:       logger,
		timeout:      cfg.Timeout,
		pollInterval: cfg.PollInterval,
		base:         time.Now(),
		leases:       make(map[uint64]time.Duration),
		done:         make(chan struct{}),
		loopDone:     make(chan struct{}),
	}
}

// Timeout returns the configured heartbeat timeout.
func (w *Watchdog) Timeout() time.Duration { return w.timeout }

func (w *Watchdog) since() time.Duration { return time.Since(w.base) }

// Start launches the monitoring loop. It returns immediately; the loop runs
// until ctx is cancelled or Stop is called. Calling Start more than once is
// a logged no-op.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		w.logger.Warn("watchdog already started")
		return
	}
	w.started = true
	w.mu.Unlock()

	w.Heartbeat()
	go w.loop(ctx)
	w.logger.Info("watchdog started",
		zap.Duration("timeout", w.timeout),
		zap.Duration("poll_interval", w.pollInterval))
}

func (w *Watchdog) loop(ctx context.Context) {
	defer close(w.loopDone)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// Heartbeat records that the caller is alive.
func (w *Watchdog) Heartbeat() {
	w.lastBeat.Store(int64(w.since()))
	w.tripped.Store(false)
}

// Tripped reports whether a timeout has fired with no heartbeat since.
func (w *Watchdog) Tripped() bool { return w.tripped.Load() }

// RegisterShutdownCallback appends fn to the callbacks run by EmergencyStop,
// in registration order.
func (w *Watchdog) RegisterShutdownCallback(fn ShutdownFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Lease extends the heartbeat tolerance for a caller about to block for up
// to d. The lease ends at now+d or when release is called, whichever comes
// first. Release also counts as a heartbeat and is safe to call twice.
func (w *Watchdog) Lease(d time.Duration) (release func()) {
	w.mu.Lock()
	id := w.nextLease
	w.nextLease++
	w.leases[id] = w.since() + d
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.leases, id)
			w.mu.Unlock()
			w.Heartbeat()
		})
	}
}

// leaseExpiry returns the latest live lease expiry, pruning expired leases.
func (w *Watchdog) leaseExpiry(now time.Duration) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	var latest time.Duration
	for id, expiry := range w.leases {
		if expiry < now {
			delete(w.leases, id)
			continue
		}
		if expiry > latest {
			latest = expiry
		}
	}
	return latest
}

// check runs one watchdog pass and reports whether it fired. A caller that
// stays stalled is stopped again after every further full timeout, which
// also retries a motor stop that failed.
func (w *Watchdog) check() bool {
	now := w.since()
	last := time.Duration(w.lastBeat.Load())
	deadline := last + w.timeout
	if lease := w.leaseExpiry(now); lease > deadline {
		deadline = lease
	}
	if now <= deadline {
		return false
	}

	w.logger.Warn("watchdog timeout, stopping motors",
		zap.Duration("since_heartbeat", now-last),
		zap.Duration("timeout", w.timeout))
	metrics.WatchdogTrips.Inc()

	w.tripped.Store(true)
	w.emergencyStop("watchdog")
	// The next deadline is a full timeout from now.
	w.lastBeat.Store(int64(w.since()))
	return true
}

// EmergencyStop halts the motors synchronously and then runs every
// registered callback. It never panics and never returns an error.
func (w *Watchdog) EmergencyStop() {
	w.emergencyStop("external")
}

func (w *Watchdog) emergencyStop(source string) {
	w.logger.Error("emergency stop triggered", zap.String("source", source))
	metrics.EmergencyStops.WithLabelValues(source).Inc()

	w.stopMotors()

	w.mu.Lock()
	callbacks := make([]ShutdownFunc, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for i, fn := range callbacks {
		if err := safeCall(fn); err != nil {
			w.logger.Error("shutdown callback failed", zap.Int("callback", i), zap.Error(err))
		}
	}
}

func (w *Watchdog) stopMotors() {
	if w.motors == nil {
		return
	}
	if err := safeCall(w.motors.Stop); err != nil {
		// The next watchdog pass or emergency stop retries.
		w.logger.Error("motor stop failed", zap.Error(err))
	}
}

// Stop ends the monitoring loop and issues a final motor stop. It is safe to
// call more than once.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)

		w.mu.Lock()
		started := w.started
		w.mu.Unlock()
		if started {
			<-w.loopDone
		}

		w.stopMotors()
		w.logger.Info("watchdog stopped")
	})
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
