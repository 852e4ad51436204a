// Command sessiond runs tokymon companion sessions: a short sequence of
// activities driven by the session state machine under the safety watchdog.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tokymon/sessiond/internal/activity"
	"github.com/tokymon/sessiond/internal/config"
	"github.com/tokymon/sessiond/internal/logging"
	"github.com/tokymon/sessiond/internal/session"
)

var (
	configPath string
	logLevel   string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sessiond",
	Short: "Companion robot session daemon",
	Long: `sessiond runs tokymon sessions: a greeting, up to three activities and a
goodbye, with a watchdog that stops the motors if the control loop stalls.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to config file (env overlay: TOKY_ENV)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")
	runCmd.Flags().StringSlice("modules", nil, "activities to run, in order (default: first three of the catalog)")
	runCmd.Flags().Bool("json", false, "print the final session as JSON")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(modulesCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one session and exit",
	Long: `Run one session and exit.

Examples:
  # Default activities
  sessiond run

  # Pick activities
  sessiond run --modules object_identification,emotion_affect`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and run sessions as they are started",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "List the activity catalog",
	Args:  cobra.NoArgs,
	RunE:  runModules,
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runRun(cmd *cobra.Command, _ []string) error {
	names, err := cmd.Flags().GetStringSlice("modules")
	if err != nil {
		return err
	}
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}

	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	stopSignals := handleSignals(ctx, a, logger, cancel)
	defer stopSignals()

	snap, err := a.runSession(ctx, names)
	if err != nil {
		return err
	}
	return printSummary(cmd, snap, asJSON)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	stopSignals := handleSignals(ctx, a, logger, cancel)
	defer stopSignals()

	logger.Info("sessiond serving", zap.String("version", version), zap.Strings("modules", a.orch.Modules()))
	return a.serve(ctx)
}

func runModules(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	reg, err := activity.Registry(cfg.Runtime.Activity())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for i, name := range reg.Names() {
		marker := " "
		if i < cfg.Session.MaxModules {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %s\n", marker, name)
	}
	fmt.Fprintln(out, "\n* runs when no activities are given")
	return nil
}

// handleSignals stops the session on the first SIGINT/SIGTERM and shuts down
// once it has unwound. A second signal triggers an emergency stop.
func handleSignals(ctx context.Context, a *app, logger *zap.Logger, shutdown context.CancelFunc) (stop func()) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			logger.Warn("signal received, stopping session", zap.String("signal", sig.String()))
			a.orch.Stop()
		}

		go func() {
			a.waitIdle(ctx)
			shutdown()
		}()

		select {
		case <-done:
		case <-ctx.Done():
		case sig := <-sigCh:
			logger.Error("second signal, emergency stop", zap.String("signal", sig.String()))
			a.orch.EmergencyStop()
			shutdown()
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func printSummary(cmd *cobra.Command, snap session.Snapshot, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	fmt.Fprintf(out, "session %s: completed=%t duration=%.1fs\n", snap.SessionID, snap.Completed, snap.SessionDuration)
	for _, e := range snap.ExecutionLog {
		status := "ok"
		switch {
		case e.Error != "":
			status = e.Phase + " failed: " + e.Error
		case !e.Completed:
			status = "incomplete"
		}
		fmt.Fprintf(out, "  %-24s %6.1fs  %s\n", e.ModuleName, e.Duration().Seconds(), status)
	}
	return nil
}
