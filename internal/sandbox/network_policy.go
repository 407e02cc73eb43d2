package sandbox

import (
	"net"
	"strings"
	"sync"
	"time"
)

// AuditRecord is emitted for every allow/deny decision the network policy
// makes on behalf of a sandboxed call's outbound requests.
type AuditRecord struct {
	OrganizationID string
	ExecutionID    string
	NodeID         string
	ConnectionID   string
	UserID         string
	Host           string
	Allowed        bool
	Reason         string
	At             time.Time
}

// AuditRecorder persists network policy decisions. The connection service
// referenced in the spec is an external collaborator; this interface is the
// seam a concrete implementation plugs into.
type AuditRecorder interface {
	RecordNetworkDecision(AuditRecord)
}

// InMemoryAuditRecorder is a minimal AuditRecorder used by tests and by
// single-node deployments that have not wired a connection service yet.
type InMemoryAuditRecorder struct {
	mu      sync.Mutex
	records []AuditRecord
}

func NewInMemoryAuditRecorder() *InMemoryAuditRecorder {
	return &InMemoryAuditRecorder{}
}

func (r *InMemoryAuditRecorder) RecordNetworkDecision(rec AuditRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *InMemoryAuditRecorder) Records() []AuditRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AuditRecord, len(r.records))
	copy(out, r.records)
	return out
}

// checkNetworkPolicy evaluates one outbound host against the effective
// policy, recording an audit entry for the decision either way. Order
// matters: denylist first, then allowlist-if-nonempty, matching the spec's
// numbered network policy steps.
func checkNetworkPolicy(policy NetworkPolicy, host string, audit AuditRecord, recorder AuditRecorder) *Error {
	audit.Host = host
	audit.At = time.Now()

	if matchesAny(policy.Deny, host) {
		audit.Allowed = false
		audit.Reason = "host_denied"
		if recorder != nil {
			recorder.RecordNetworkDecision(audit)
		}
		return &Error{Kind: KindNetworkDenied, Reason: "host_denied", Message: host}
	}

	if len(policy.Allow) > 0 && !matchesAny(policy.Allow, host) {
		audit.Allowed = false
		audit.Reason = "host_not_allowlisted"
		if recorder != nil {
			recorder.RecordNetworkDecision(audit)
		}
		return &Error{Kind: KindNetworkDenied, Reason: "host_not_allowlisted", Message: host}
	}

	audit.Allowed = true
	audit.Reason = ""
	if recorder != nil {
		recorder.RecordNetworkDecision(audit)
	}
	return nil
}

// matchesAny reports whether host matches any rule: a literal hostname, a
// "*.suffix" wildcard, or a v4/v6 CIDR block.
func matchesAny(rules []string, host string) bool {
	ip := net.ParseIP(host)
	for _, rule := range rules {
		if rule == "" {
			continue
		}
		if strings.HasPrefix(rule, "*.") {
			suffix := rule[1:] // keep the leading dot
			if strings.HasSuffix(host, suffix) || host == rule[2:] {
				return true
			}
			continue
		}
		if strings.Contains(rule, "/") {
			if ip == nil {
				continue
			}
			_, cidr, err := net.ParseCIDR(rule)
			if err == nil && cidr.Contains(ip) {
				return true
			}
			continue
		}
		if strings.EqualFold(rule, host) {
			return true
		}
	}
	return false
}
