package safety

import (
	"context"
	"fmt"
	"time"
)

// DefaultKeepAliveInterval is well inside DefaultTimeout so a single late
// tick cannot trip the watchdog.
const DefaultKeepAliveInterval = 100 * time.Millisecond

// Heartbeater is the part of the watchdog callers need to prove liveness.
type Heartbeater interface {
	Heartbeat()
}

// KeepAlive runs fn on a worker goroutine and heartbeats hb every interval
// until fn returns. Heartbeats stop as soon as fn returns, fails or panics,
// or ctx is cancelled; in the last case KeepAlive returns ctx.Err() without
// waiting for fn, so a wedged worker cannot keep the watchdog fed.
func KeepAlive(ctx context.Context, hb Heartbeater, interval time.Duration, fn func(context.Context) error) error {
	if hb == nil {
		return fn(ctx)
	}
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("keepalive worker panic: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	hb.Heartbeat()
	for {
		select {
		case err := <-done:
			hb.Heartbeat()
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			hb.Heartbeat()
		}
	}
}

// Sleep waits for d while keeping hb fed. It returns early with ctx.Err()
// when ctx is cancelled.
func Sleep(ctx context.Context, hb Heartbeater, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	return KeepAlive(ctx, hb, DefaultKeepAliveInterval, func(ctx context.Context) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}
