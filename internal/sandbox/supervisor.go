package sandbox

import (
	"context"
	"fmt"
)

// Config selects and configures the isolation model. Grounded on
// internal/concurrency/lock_manager.go's NewLockManager: a single
// provider-switch constructor that picks a concrete backend and falls back
// sensibly, generalized here from lock-backend selection to
// executor-backend selection.
type Config struct {
	Executor string // "subprocess" (default) | "thread"
	Subprocess SubprocessConfig
	ScriptEngine ScriptEngine // required when Executor == "thread"

	RecycleThreshold    int
	QuarantineThreshold int
}

// Supervisor is the public SandboxSupervisor (C3) surface: Execute runs one
// tenant entry-point call under the configured isolation model.
type Supervisor struct {
	executor Executor
	watchdog *WatchdogFactory
}

// NewSupervisor builds a Supervisor from Config, mirroring the teacher's
// lock-manager factory: pick the named backend, wire a shared watchdog
// across it regardless of which executor ends up serving calls.
func NewSupervisor(cfg Config) (*Supervisor, error) {
	watchdog := NewWatchdogFactory(cfg.RecycleThreshold, cfg.QuarantineThreshold)

	var executor Executor
	switch cfg.Executor {
	case "thread":
		if cfg.ScriptEngine == nil {
			return nil, fmt.Errorf("sandbox: thread executor requires a ScriptEngine")
		}
		executor = NewThreadExecutor(cfg.ScriptEngine, watchdog)
	case "subprocess", "":
		sub := cfg.Subprocess
		sub.Watchdog = watchdog
		if sub.RuntimeCommand == "" {
			return nil, fmt.Errorf("sandbox: subprocess executor requires a RuntimeCommand")
		}
		executor = NewSubprocessExecutor(sub)
	default:
		return nil, fmt.Errorf("sandbox: unsupported executor %q", cfg.Executor)
	}

	return &Supervisor{executor: executor, watchdog: watchdog}, nil
}

// Execute runs one call, merging a base TenancyPolicy with per-call
// overrides and dispatching to the configured executor.
func (s *Supervisor) Execute(ctx context.Context, base TenancyPolicy, requiredOutbound, callSecrets []string, override ResourceLimits, call Call) (*Result, error) {
	policy := Merge(base, override, requiredOutbound, callSecrets)
	policy.OrganizationID = call.Policy.OrganizationID
	policy.ExecutionID = call.Policy.ExecutionID
	policy.NodeID = call.Policy.NodeID
	policy.UserID = call.Policy.UserID
	call.Policy = policy
	return s.executor.Execute(ctx, call)
}

// Watchdog exposes the shared watchdog so callers (e.g. the orchestrator's
// node-dispatch loop) can check IsQuarantined before even attempting a call.
func (s *Supervisor) Watchdog() *WatchdogFactory { return s.watchdog }
