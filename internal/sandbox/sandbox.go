// Package sandbox is the SandboxSupervisor (C3): it runs a tenant-supplied
// entry point function under isolation, timeout, heartbeat supervision,
// resource quotas and network policy. Grounded on the teacher's
// process/dial-retry idioms (internal/clients) and on
// other_examples/02a7d7aa_kdeps-kdeps__pkg-bus-resilient_client.go.go for the
// child-process resilient-wrapper shape; the executor-selection factory
// mirrors internal/concurrency/lock_manager.go's provider-switch pattern.
package sandbox

import (
	"context"
	"fmt"
	"time"
)

// Kind enumerates the throw cases a Supervisor.Execute call can surface.
type Kind string

const (
	KindTimeout          Kind = "Timeout"
	KindAbort            Kind = "Abort"
	KindResourceLimit    Kind = "ResourceLimit"
	KindNetworkDenied    Kind = "NetworkDenied"
	KindHeartbeatTimeout Kind = "HeartbeatTimeout"
	KindPolicyViolation  Kind = "PolicyViolation"
)

// Error is the typed failure a sandboxed call raises. RetryManager treats
// PolicyViolation (and everything it subsumes: resource limits, network
// denial, heartbeat loss) as fatal rather than retryable.
type Error struct {
	Kind     Kind
	Resource string // set for ResourceLimit: "cpu" | "memory"
	Reason   string // set for NetworkDenied: "host_denied" | "host_not_allowlisted"
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	switch {
	case e.Resource != "":
		return fmt.Sprintf("sandbox: %s limit exceeded (%s)", e.Kind, e.Resource)
	case e.Reason != "":
		return fmt.Sprintf("sandbox: %s (%s)", e.Kind, e.Reason)
	case e.Message != "":
		return fmt.Sprintf("sandbox: %s: %s", e.Kind, e.Message)
	default:
		return fmt.Sprintf("sandbox: %s", e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// ResourceLimits bounds CPU time and resident memory for one call. A zero
// field means "no limit" for that resource.
type ResourceLimits struct {
	CPUQuotaMs  int64
	MemoryBytes int64
}

// disabled reports whether enforcement has nothing left to enforce, per the
// tenancy-overlay rule: "if no CPU and no memory limit remain, resource
// enforcement is disabled."
func (r ResourceLimits) disabled() bool {
	return r.CPUQuotaMs <= 0 && r.MemoryBytes <= 0
}

// NetworkPolicy is the effective allow/deny rule set for outbound calls
// made from inside the sandbox.
type NetworkPolicy struct {
	Allow []string
	Deny  []string
}

// TenancyPolicy is the base, per-organization policy merged with per-call
// overrides to produce the effective Policy for one execution.
type TenancyPolicy struct {
	DependencyAllowlist []string
	SecretScopes        []string
	PolicyVersion       string
	ResourceLimits      ResourceLimits
	NetworkPolicy       NetworkPolicy
}

// Policy is the fully merged, per-call configuration: base TenancyPolicy
// overlaid with call-specific overrides, union/override semantics per field.
type Policy struct {
	ResourceLimits ResourceLimits
	NetworkPolicy  NetworkPolicy
	Secrets        []string // every string to redact: credentials + auth + caller secrets[]

	HeartbeatIntervalMs int64
	HeartbeatTimeoutMs  int64
	ExecutionTimeout    time.Duration

	OrganizationID string
	ExecutionID    string
	NodeID         string
	UserID         string
}

const (
	DefaultHeartbeatIntervalMs = 500
	DefaultHeartbeatTimeoutMs  = 3000
	maxCompileTimeout          = 10 * time.Second
)

// Merge overlays call-level overrides onto base, applying union/override
// semantics for limits (any set override wins, base fills the rest) and
// merging connector-declared requiredOutbound into the effective allowlist.
func Merge(base TenancyPolicy, override ResourceLimits, requiredOutbound []string, callSecrets []string) Policy {
	limits := base.ResourceLimits
	if override.CPUQuotaMs > 0 {
		limits.CPUQuotaMs = override.CPUQuotaMs
	}
	if override.MemoryBytes > 0 {
		limits.MemoryBytes = override.MemoryBytes
	}

	allow := append([]string{}, base.NetworkPolicy.Allow...)
	allow = append(allow, requiredOutbound...)

	return Policy{
		ResourceLimits: limits,
		NetworkPolicy:  NetworkPolicy{Allow: dedupe(allow), Deny: base.NetworkPolicy.Deny},
		Secrets:        dedupe(append(append([]string{}, base.SecretScopes...), callSecrets...)),

		HeartbeatIntervalMs: DefaultHeartbeatIntervalMs,
		HeartbeatTimeoutMs:  DefaultHeartbeatTimeoutMs,
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Call is one Execute invocation's input.
type Call struct {
	Code       string
	EntryPoint string
	Params     map[string]interface{}
	Context    map[string]interface{}
	Policy     Policy
	Timeout    time.Duration
}

// Result is the return shape of a successful Execute call.
type Result struct {
	Value      interface{}
	Logs       []string
	DurationMs int64
}

// Executor is the shared contract the subprocess and thread isolation
// models both implement.
type Executor interface {
	Execute(ctx context.Context, call Call) (*Result, error)
}

func compileTimeout(executionTimeout time.Duration) time.Duration {
	if executionTimeout <= 0 || executionTimeout > maxCompileTimeout {
		return maxCompileTimeout
	}
	return executionTimeout
}
