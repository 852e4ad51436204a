// Package report writes a YAML report for every finished session.
package report

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tokymon/sessiond/internal/session"
)

// reportVersion is bumped when the report schema changes.
const reportVersion = 1

var ErrInvalidSessionID = errors.New("invalid session id")

type Config struct {
	// Dir receives one <session-id>.yaml per session. Empty disables reports.
	Dir string `koanf:"dir"`
}

// Report is the on-disk document.
type Report struct {
	Version     int               `yaml:"version"`
	GeneratedAt time.Time         `yaml:"generated_at"`
	Session     *session.Snapshot `yaml:"session"`
}

// Writer stores reports in a directory.
type Writer struct {
	dir    string
	logger *zap.Logger
}

func NewWriter(cfg Config, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{dir: cfg.Dir, logger: logger.Named("report")}
}

// Enabled reports whether a directory is configured.
func (w *Writer) Enabled() bool { return w.dir != "" }

// Path returns the report path for a session id.
func (w *Writer) Path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return filepath.Join(w.dir, id+".yaml"), nil
}

// Write stores snap using an atomic temp-file-then-rename pattern. The
// directory is created if it does not already exist.
func (w *Writer) Write(snap *session.Snapshot) error {
	if !w.Enabled() {
		return nil
	}
	path, err := w.Path(snap.SessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating report dir: %w", err)
	}

	data, err := yaml.Marshal(Report{
		Version:     reportVersion,
		GeneratedAt: time.Now().UTC(),
		Session:     snap,
	})
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}

	tmp, err := os.CreateTemp(w.dir, ".report-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming report file: %w", err)
	}
	committed = true
	return nil
}

// Load reads the report for a session id.
func (w *Writer) Load(id string) (*Report, error) {
	path, err := w.Path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading report: %w", err)
	}
	var r Report
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing report: %w", err)
	}
	return &r, nil
}

// HandleEvent writes a report when a session ends. Failures are logged.
func (w *Writer) HandleEvent(ev session.Event) {
	if ev.Type != session.EventEnded || ev.Snapshot == nil || !w.Enabled() {
		return
	}
	if err := w.Write(ev.Snapshot); err != nil {
		w.logger.Error("failed to write session report",
			zap.String("session_id", ev.Snapshot.SessionID),
			zap.Error(err))
		return
	}
	w.logger.Info("session report written", zap.String("session_id", ev.Snapshot.SessionID))
}
