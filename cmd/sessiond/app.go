package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tokymon/sessiond/internal/activity"
	"github.com/tokymon/sessiond/internal/actuator"
	"github.com/tokymon/sessiond/internal/config"
	"github.com/tokymon/sessiond/internal/frontend"
	"github.com/tokymon/sessiond/internal/module"
	"github.com/tokymon/sessiond/internal/monitor"
	"github.com/tokymon/sessiond/internal/report"
	"github.com/tokymon/sessiond/internal/runner"
	"github.com/tokymon/sessiond/internal/safety"
	"github.com/tokymon/sessiond/internal/session"
	"github.com/tokymon/sessiond/internal/telemetry"
	"github.com/tokymon/sessiond/internal/ws"
)

const (
	eventBuffer     = 256
	shutdownTimeout = 5 * time.Second
	idlePoll        = 50 * time.Millisecond
)

// app holds every long-lived component of the daemon.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	motors   *actuator.Sim
	watchdog *safety.Watchdog
	face     *module.FaceState
	orch     *session.Orchestrator
	events   chan session.Event
	store    *session.Store
	reports  *report.Writer
	bus      *telemetry.Bus
	monitor  *monitor.Monitor
	runner   *runner.Runner
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		motors: actuator.NewSim(logger),
		face:   module.NewFaceState(),
		events: make(chan session.Event, eventBuffer),
		store:  session.NewStore(cfg.Runtime.HistorySize),
	}
	a.watchdog = safety.NewWatchdog(cfg.Safety, a.motors, logger)

	registry, err := activity.Registry(cfg.Runtime.Activity())
	if err != nil {
		return nil, fmt.Errorf("build activity catalog: %w", err)
	}

	deps := module.Deps{
		Logger:   logger,
		Liveness: a.watchdog,
		Motors:   a.motors,
		Face:     a.face,
		Speaker:  activity.NewSimSpeaker(logger, a.watchdog, cfg.Runtime.PromptDuration),
	}
	a.orch = session.New(registry, deps, a.watchdog, cfg.Session, logger)
	a.orch.SetEvents(a.events)

	a.watchdog.RegisterShutdownCallback(func() error {
		a.face.Set(module.FaceStop)
		return nil
	})
	a.watchdog.RegisterShutdownCallback(func() error {
		a.orch.Stop()
		return nil
	})

	a.bus, err = telemetry.Connect(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("connect telemetry: %w", err)
	}
	if err := a.bus.SubscribeControl(a.orch); err != nil {
		a.bus.Close()
		return nil, fmt.Errorf("subscribe control: %w", err)
	}

	a.reports = report.NewWriter(cfg.Report, logger)

	a.monitor = monitor.New(cfg.Monitor, monitor.HostProbe{}, logger)
	a.monitor.OnOverheat(func(r monitor.Reading) {
		logger.Warn("stopping session, host too hot", zap.Float64("temperature", r.Temperature))
		a.orch.Stop()
	})

	a.runner = runner.New(cfg.Runtime.Runner(), a.orch, a.watchdog, logger)
	return a, nil
}

func (a *app) sinks(extra ...session.Sink) []session.Sink {
	return append([]session.Sink{a.store, a.bus, a.reports}, extra...)
}

func (a *app) close() {
	a.watchdog.Stop()
	if err := a.bus.Flush(); err != nil {
		a.logger.Warn("telemetry flush failed", zap.Error(err))
	}
	a.bus.Close()
}

// runSession runs one session to completion and returns its final snapshot.
// Cancelling ctx unwinds the session through an emergency stop.
func (a *app) runSession(ctx context.Context, names []string) (session.Snapshot, error) {
	if _, err := a.orch.StartSession(names); err != nil {
		return session.Snapshot{}, err
	}

	sinks := a.sinks()
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		session.Dispatch(dispatchCtx, a.events, sinks...)
	}()

	a.watchdog.Start(ctx)
	snap := a.runner.Run(ctx)

	stopDispatch()
	<-dispatched
	drainEvents(a.events, sinks)
	return snap, nil
}

// serve runs the HTTP surface and the runner until ctx is cancelled.
func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg.Server
	broadcaster := ws.NewBroadcaster(a.orch.SessionResults, a.store, cfg.Throttle, cfg.SnapshotInterval, cfg.MaxConnections, a.logger)
	defer broadcaster.Stop()

	server := ws.NewServer(cfg, a.orch, a.store, broadcaster, a.face, a.monitor, frontend.Handler(), a.logger)
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	a.watchdog.Start(gctx)

	sinks := a.sinks(broadcaster)
	g.Go(func() error {
		session.Dispatch(gctx, a.events, sinks...)
		drainEvents(a.events, sinks)
		return nil
	})
	g.Go(func() error {
		a.monitor.Start(gctx)
		return nil
	})
	g.Go(func() error {
		a.runner.Serve(gctx, func(s session.Snapshot) {
			a.logger.Info("session finished",
				zap.String("session_id", s.SessionID),
				zap.Bool("completed", s.Completed),
				zap.Strings("modules_run", s.ModulesRun),
				zap.Float64("duration_s", s.SessionDuration))
		})
		return nil
	})
	g.Go(func() error {
		a.logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// waitIdle returns once no session is active or ctx is done.
func (a *app) waitIdle(ctx context.Context) {
	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()
	for a.orch.IsSessionActive() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func drainEvents(ch <-chan session.Event, sinks []session.Sink) {
	for {
		select {
		case ev := <-ch:
			for _, s := range sinks {
				s.HandleEvent(ev)
			}
		default:
			return
		}
	}
}
