package sandbox

import (
	"context"
	"time"
)

// ScriptEngine is the in-process tenant-code evaluator the ThreadExecutor
// delegates to. It is deliberately an injected interface rather than a
// concrete implementation: evaluating an arbitrary tenant code string is an
// external runtime concern (an embeddable interpreter), not something this
// supervisor package implements itself — it owns isolation, supervision and
// policy, not language semantics.
type ScriptEngine interface {
	Run(ctx context.Context, call Call, heartbeat func(), log func(line string)) (interface{}, error)
}

// ThreadExecutor runs tenant code over a worker goroutine instead of a
// forked process, for callers where fork cost dominates and CPU enforcement
// is delegated to the OS (no cgroup/prlimit step, matching the spec: "CPU
// enforcement delegated to the OS"). Heartbeat supervision matches the
// subprocess path; outbound network policy is not checked here, since the
// ScriptEngine is given only heartbeat and log hooks.
type ThreadExecutor struct {
	engine   ScriptEngine
	watchdog *WatchdogFactory
}

func NewThreadExecutor(engine ScriptEngine, watchdog *WatchdogFactory) *ThreadExecutor {
	return &ThreadExecutor{engine: engine, watchdog: watchdog}
}

func (e *ThreadExecutor) Execute(ctx context.Context, call Call) (*Result, error) {
	scope := scopeKey{
		Organization: call.Policy.OrganizationID,
		Execution:    call.Policy.ExecutionID,
		NodeID:       call.Policy.NodeID,
	}
	if e.watchdog != nil && e.watchdog.IsQuarantined(scope) {
		return nil, &Error{Kind: KindPolicyViolation, Message: "scope is quarantined"}
	}

	start := time.Now()
	timeout := call.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hb := newHeartbeatMonitor(call.Policy.HeartbeatIntervalMs, call.Policy.HeartbeatTimeoutMs)
	redactor := newRedactor(call.Policy.Secrets)

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	var logs []string

	go func() {
		v, err := e.engine.Run(runCtx, call, hb.Beat, func(line string) {
			logs = append(logs, line)
		})
		done <- outcome{value: v, err: err}
	}()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var finalErr *Error
	var result *Result

loop:
	for {
		select {
		case o := <-done:
			if o.err != nil {
				finalErr = classifyEngineError(o.err)
				break loop
			}
			result = &Result{Value: o.value}
			break loop
		case <-runCtx.Done():
			finalErr = &Error{Kind: KindTimeout, Message: "execution timeout exceeded"}
			break loop
		case <-ticker.C:
			if hb.Expired(time.Now()) {
				finalErr = &Error{Kind: KindHeartbeatTimeout, Message: "heartbeat not received in time"}
				break loop
			}
		}
	}

	if e.watchdog != nil {
		if finalErr != nil && finalErr.Kind == KindPolicyViolation {
			e.watchdog.RecordViolation(scope)
		} else if finalErr != nil && finalErr.Kind == KindHeartbeatTimeout {
			e.watchdog.RecordHeartbeatMiss(scope)
		} else if finalErr == nil {
			e.watchdog.RecordSuccess(scope)
		}
	}

	if finalErr != nil {
		return nil, finalErr
	}
	result.Logs = redactor.Lines(logs)
	result.Value = redactor.Value(result.Value)
	result.DurationMs = time.Since(start).Milliseconds()
	return result, nil
}

func classifyEngineError(err error) *Error {
	if se, ok := err.(*Error); ok {
		return se
	}
	return &Error{Kind: KindAbort, Message: err.Error(), Cause: err}
}
