// Package obslog writes the structured, per-execution event trail the
// engine appends to on every state transition (§4.5, timeline_events).
// Adapted from the teacher's research-session logger: same per-run JSONL
// file and slog.JSONHandler shape, retargeted at execution ids and the
// engine's own component names (orchestrator, sandbox, connector) instead
// of DeepDAG's fixed principal/researcher/critic agents.
package obslog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// LogSchema is the shape persisted for every event.
type LogSchema struct {
	Timestamp string      `json:"timestamp"`
	RunID     string      `json:"run_id"`
	Component string      `json:"component"` // orchestrator, sandbox, connector, timer
	Event     string      `json:"event"`     // node_started, node_completed, lease_lost, ...
	Payload   interface{} `json:"payload"`
}

var (
	mu            sync.Mutex
	currentLogger *slog.Logger
	logFile       *os.File
	logDir        = "logs"
)

// SetLogDir overrides the directory run logs are written under. Must be
// called before InitLogger; defaults to "./logs".
func SetLogDir(dir string) {
	mu.Lock()
	defer mu.Unlock()
	logDir = dir
}

// InitLogger opens a new per-execution log file at <logDir>/<runID>.jsonl.
func InitLogger(runID string) error {
	if runID == "" {
		runID = uuid.New().String()
	}

	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}

	path := filepath.Join(logDir, fmt.Sprintf("%s.jsonl", runID))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	logFile = f

	handler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelInfo})
	currentLogger = slog.New(handler)

	logEventLocked(runID, "orchestrator", "session_start", map[string]string{
		"message": "execution logging started",
	})
	return nil
}

// LogEvent writes a structured log entry for runID. Safe to call before
// InitLogger (falls back to stdout) and concurrently from multiple
// goroutines dispatching different nodes of the same execution.
func LogEvent(ctx context.Context, runID, component, event string, payload interface{}) {
	mu.Lock()
	defer mu.Unlock()
	logEventLocked(runID, component, event, payload)
}

func logEventLocked(runID, component, event string, payload interface{}) {
	if currentLogger == nil {
		handler := slog.NewJSONHandler(os.Stdout, nil)
		currentLogger = slog.New(handler)
	}
	currentLogger.Info(event,
		slog.String("run_id", runID),
		slog.String("component", component),
		slog.Any("payload", payload),
	)
}

// GenerateRunID returns a fresh random identifier for callers that need to
// label a log stream before an executionId has been assigned.
func GenerateRunID() string {
	return uuid.New().String()
}

// Close flushes and closes the current run's log file.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}
