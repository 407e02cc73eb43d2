package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// message is one line of the newline-delimited JSON protocol spoken between
// the supervisor and the child it forks. Grounded on the teacher's
// internal/clients request/response envelope style, generalized from gRPC
// request/response pairs to a line-oriented IPC protocol since the child
// here is an arbitrary subprocess, not a known gRPC service.
type message struct {
	Type   string                 `json:"type"`
	Value  interface{}            `json:"value,omitempty"`
	Logs   []string               `json:"logs,omitempty"`
	Host   string                 `json:"host,omitempty"`
	Kind   string                 `json:"kind,omitempty"`
	Reason string                 `json:"reason,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// SubprocessConfig configures the forked-child isolation model.
type SubprocessConfig struct {
	// RuntimeCommand is the external interpreter that loads tenant code and
	// speaks the message protocol over stdio — e.g. a language runtime
	// binary the operator provisions alongside this engine. The supervisor
	// itself never evaluates tenant code; it only forks, feeds, supervises
	// and tears the child down.
	RuntimeCommand string
	RuntimeArgs    []string
	// CgroupRoot, when non-empty, enables cgroup v2 resource enforcement;
	// when empty the subprocess executor falls back to prlimit.
	CgroupRoot    string
	AuditRecorder AuditRecorder
	Watchdog      *WatchdogFactory
}

// SubprocessExecutor forks a fresh OS child per call. Grounded on
// itskum47-FluxForge's agent/executor.go (os/exec + stdout/stderr capture +
// exit-status handling) for the spawn/wait shape, extended with the
// heartbeat/resource/network supervision the spec requires.
type SubprocessExecutor struct {
	cfg SubprocessConfig
}

func NewSubprocessExecutor(cfg SubprocessConfig) *SubprocessExecutor {
	return &SubprocessExecutor{cfg: cfg}
}

func (e *SubprocessExecutor) Execute(ctx context.Context, call Call) (*Result, error) {
	scope := scopeKey{
		Organization: call.Policy.OrganizationID,
		Execution:    call.Policy.ExecutionID,
		NodeID:       call.Policy.NodeID,
	}
	if e.cfg.Watchdog != nil && e.cfg.Watchdog.IsQuarantined(scope) {
		return nil, &Error{Kind: KindPolicyViolation, Message: "scope is quarantined"}
	}

	start := time.Now()
	timeout := call.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.cfg.RuntimeCommand, e.cfg.RuntimeArgs...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sandbox: spawn child: %w", err)
	}
	pid := cmd.Process.Pid

	var scopeObj *cgroupScope
	if e.cfg.CgroupRoot != "" {
		scopeObj, err = newCgroupScope(e.cfg.CgroupRoot, call.Policy.ResourceLimits)
		if err == nil && scopeObj != nil {
			scopeObj.attach(pid)
		}
	} else if !call.Policy.ResourceLimits.disabled() {
		applyPrlimit(pid, call.Policy.ResourceLimits)
	}
	defer scopeObj.destroy()

	enc := json.NewEncoder(stdin)
	if err := enc.Encode(message{Type: "params", Params: map[string]interface{}{
		"code":       call.Code,
		"entryPoint": call.EntryPoint,
		"params":     call.Params,
		"context":    call.Context,
		"compileTimeoutMs": compileTimeout(timeout).Milliseconds(),
	}}); err != nil {
		cmd.Process.Kill()
		return nil, fmt.Errorf("sandbox: write params: %w", err)
	}

	hb := newHeartbeatMonitor(call.Policy.HeartbeatIntervalMs, call.Policy.HeartbeatTimeoutMs)
	redactor := newRedactor(call.Policy.Secrets)

	resultCh := make(chan *Result, 1)
	errCh := make(chan *Error, 1)
	logsCh := make(chan []string, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.readLoop(stdout, stdin, call, hb, redactor, resultCh, errCh, logsCh)
	}()

	watchdogTicker := time.NewTicker(200 * time.Millisecond)
	defer watchdogTicker.Stop()

	var finalErr *Error
	var finalResult *Result
	var logs []string

loop:
	for {
		select {
		case r := <-resultCh:
			finalResult = r
			break loop
		case sandboxErr := <-errCh:
			finalErr = sandboxErr
			break loop
		case l := <-logsCh:
			logs = append(logs, l...)
		case <-runCtx.Done():
			finalErr = &Error{Kind: KindTimeout, Message: "execution timeout exceeded"}
			break loop
		case <-watchdogTicker.C:
			now := time.Now()
			if hb.Expired(now) {
				finalErr = &Error{Kind: KindHeartbeatTimeout, Message: "heartbeat not received in time"}
				break loop
			}
			if !call.Policy.ResourceLimits.disabled() {
				u, uerr := readProcUsage(pid)
				if uerr == nil {
					if exceeded, resource := u.exceeds(call.Policy.ResourceLimits); exceeded {
						finalErr = &Error{Kind: KindResourceLimit, Resource: resource}
						break loop
					}
				}
			}
		}
	}

	cmd.Process.Kill()
	cmd.Wait()
	wg.Wait()

	if e.cfg.Watchdog != nil {
		if finalErr != nil && finalErr.Kind == KindPolicyViolation {
			e.cfg.Watchdog.RecordViolation(scope)
		}
		if finalErr != nil && finalErr.Kind == KindHeartbeatTimeout {
			e.cfg.Watchdog.RecordHeartbeatMiss(scope)
		}
		if finalErr == nil {
			e.cfg.Watchdog.RecordSuccess(scope)
		}
	}

	if finalErr != nil {
		return nil, finalErr
	}
	if finalResult == nil {
		return nil, &Error{Kind: KindAbort, Message: "child exited without a result"}
	}
	finalResult.Logs = append(redactor.Lines(logs), finalResult.Logs...)
	finalResult.Value = redactor.Value(finalResult.Value)
	finalResult.DurationMs = time.Since(start).Milliseconds()
	return finalResult, nil
}

// readLoop parses newline-delimited JSON messages from the child and
// services heartbeat/log/network-request/result/error frames until one of
// result/error arrives or the pipe closes.
func (e *SubprocessExecutor) readLoop(
	stdout io.Reader,
	stdin io.Writer,
	call Call,
	hb *heartbeatMonitor,
	redactor *redactor,
	resultCh chan<- *Result,
	errCh chan<- *Error,
	logsCh chan<- []string,
) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var m message
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			continue
		}
		switch m.Type {
		case "heartbeat":
			hb.Beat()
		case "log":
			if len(m.Logs) > 0 {
				select {
				case logsCh <- redactor.Lines(m.Logs):
				default:
					// Supervisor has already moved past the select loop
					// (timeout/heartbeat/result already decided); dropping
					// late log lines is preferable to blocking the reader
					// goroutine forever.
				}
			}
		case "network_request":
			decision := checkNetworkPolicy(call.Policy.NetworkPolicy, m.Host, AuditRecord{
				OrganizationID: call.Policy.OrganizationID,
				ExecutionID:    call.Policy.ExecutionID,
				NodeID:         call.Policy.NodeID,
				UserID:         call.Policy.UserID,
			}, e.auditRecorder())
			resp := message{Type: "network_response", Value: decision == nil}
			if decision != nil {
				resp.Reason = decision.Reason
			}
			b, _ := json.Marshal(resp)
			stdin.Write(append(b, '\n'))
		case "result":
			resultCh <- &Result{Value: m.Value}
			return
		case "error":
			errCh <- &Error{Kind: Kind(m.Kind), Message: m.Reason}
			return
		}
	}
}

func (e *SubprocessExecutor) auditRecorder() AuditRecorder {
	if e.cfg.AuditRecorder != nil {
		return e.cfg.AuditRecorder
	}
	return nil
}
