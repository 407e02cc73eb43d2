package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"workflowengine/internal/concurrency"
	"workflowengine/internal/metrics"
	"workflowengine/internal/retry"
	"workflowengine/internal/store"
)

const rateWindow = 60 * time.Second

// defaultTenantProfile is used when an organization has no billing plan
// row yet — new tenants are admitted at a conservative default rather
// than rejected outright.
var defaultTenantProfile = TenantProfile{
	Region:                  "us",
	MaxConcurrentExecutions: 10,
	MaxExecutionsPerMinute:  60,
	MaxExecutionsPerMonth:   0, // 0 means unmetered
}

// orgLimiter pairs a token-bucket rate limiter with the per-minute cap it
// was built from, so Check can detect a plan change and rebuild it.
type orgLimiter struct {
	limiter     *rate.Limiter
	perMinute   int
	recentAdmit []time.Time // telemetry only: windowCount/windowStart metadata
}

// Admission implements §4.5.1's 7-step check: usage quota, connector
// concurrency, and a sliding rate+concurrency window, all admitted
// atomically enough that no tenant can borrow past its cap under
// concurrent enqueues. Grounded on the teacher's RateLimiterManager
// (per-key token buckets) composed with the durable store's monthly
// usage counters; the per-minute rate gate itself uses
// golang.org/x/time/rate the way FluxForge's scheduler limiter does,
// rather than a hand-rolled sliding window.
type Admission struct {
	st                store.Store
	connectorLimiters *concurrency.RateLimiterManager

	mu       sync.Mutex
	limiters map[string]*orgLimiter // organizationId -> rate gate
}

// NewAdmission builds an Admission checker against the durable store and
// a shared connector concurrency limiter manager.
func NewAdmission(st store.Store, connectorLimiters *concurrency.RateLimiterManager) *Admission {
	return &Admission{
		st:                st,
		connectorLimiters: connectorLimiters,
		limiters:          make(map[string]*orgLimiter),
	}
}

// allowRate gates on a per-organization token bucket sized to
// perMinute tokens refilled over 60s, and returns the telemetry the
// admission metadata blob reports alongside the decision.
func (a *Admission) allowRate(orgID string, perMinute int) (bool, int, time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ol, ok := a.limiters[orgID]
	if !ok || ol.perMinute != perMinute {
		ol = &orgLimiter{
			limiter:   rate.NewLimiter(rate.Limit(float64(perMinute)/rateWindow.Seconds()), perMinute),
			perMinute: perMinute,
		}
		a.limiters[orgID] = ol
	}

	now := time.Now()
	cutoff := now.Add(-rateWindow)
	kept := ol.recentAdmit[:0]
	for _, t := range ol.recentAdmit {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	ol.recentAdmit = kept

	if !ol.limiter.Allow() {
		return false, len(ol.recentAdmit), cutoff
	}
	ol.recentAdmit = append(ol.recentAdmit, now)
	return true, len(ol.recentAdmit), cutoff
}

func (a *Admission) resolveTenantProfile(orgID string) (TenantProfile, *store.OrganizationLimits, *store.BillingPlan) {
	limits, plan, err := a.st.GetOrganizationLimits(orgID)
	if err != nil || limits == nil || plan == nil {
		return defaultTenantProfile, limits, plan
	}
	return TenantProfile{
		Region:                  defaultTenantProfile.Region,
		MaxConcurrentExecutions: plan.MaxConcurrentExecutions,
		MaxExecutionsPerMinute:  plan.MaxExecutionsPerMinute,
		MaxExecutionsPerMonth:   plan.MaxExecutionsPerMonth,
	}, limits, plan
}

// Check runs the admission pipeline for a fresh enqueue. On success it
// returns the resolved profile and the metadata blob to stamp onto the
// queued execution row (§4.5.1 step 6). On failure it returns an
// *AdmissionError, releases any connector slots it had already reserved,
// and persists a terminal failed execution row carrying the quota
// verdict (§4.5.1 steps 3-5, §4.5.7).
func (a *Admission) Check(req AdmissionCheckRequest) (TenantProfile, map[string]interface{}, error) {
	orgID := req.OrganizationID
	connectorIDs := req.ConnectorIDs
	profile, _, plan := a.resolveTenantProfile(orgID)

	month := time.Now().UTC().Format("2006-01")
	limits, _, err := a.st.GetOrganizationLimits(orgID)
	if err == nil && limits != nil && plan != nil && plan.MaxExecutionsPerMonth > 0 {
		sameMonth := limits.UsageMonth == month
		used := limits.ExecutionsThisMonth
		if !sameMonth {
			used = 0
		}
		if used >= plan.MaxExecutionsPerMonth {
			metrics.RecordQuotaBlock("usage")
			msg := "organization has exceeded its monthly execution quota"
			a.recordDenial(req, retry.CodeQuotaUsage, msg, map[string]interface{}{"usedThisMonth": used, "maxPerMonth": plan.MaxExecutionsPerMonth})
			return profile, nil, &AdmissionError{Code: string(retry.CodeQuotaUsage), Message: msg}
		}
	}

	reserved := make([]string, 0, len(connectorIDs))
	for _, connID := range connectorIDs {
		limiter := a.connectorLimiters.GetLimiter(connID)
		if !limiter.TryAcquire() {
			a.releaseConnectorSlots(reserved)
			metrics.RecordQuotaBlock("connector_concurrency")
			msg := "connector " + connID + " is at its concurrency limit"
			a.recordDenial(req, retry.CodeConnectorConcurrent, msg, map[string]interface{}{"connectorId": connID})
			return profile, nil, &AdmissionError{Code: string(retry.CodeConnectorConcurrent), Message: msg}
		}
		reserved = append(reserved, connID)
	}

	running, err := a.st.CountRunningExecutions(orgID)
	if err != nil {
		a.releaseConnectorSlots(reserved)
		return profile, nil, err
	}
	if running >= profile.MaxConcurrentExecutions {
		a.releaseConnectorSlots(reserved)
		metrics.RecordQuotaBlock("concurrency")
		msg := "organization is at its concurrent execution limit"
		a.recordDenial(req, retry.CodeQuotaConcurrency, msg, map[string]interface{}{"running": running, "maxConcurrent": profile.MaxConcurrentExecutions})
		return profile, nil, &AdmissionError{Code: string(retry.CodeQuotaConcurrency), Message: msg}
	}

	now := time.Now()
	allowed, windowCount, windowStart := a.allowRate(orgID, profile.MaxExecutionsPerMinute)
	if !allowed {
		a.releaseConnectorSlots(reserved)
		metrics.RecordQuotaBlock("rate")
		msg := "organization has exceeded its per-minute execution rate"
		a.recordDenial(req, retry.CodeQuotaRate, msg, map[string]interface{}{"windowCount": windowCount, "maxPerMinute": profile.MaxExecutionsPerMinute})
		return profile, nil, &AdmissionError{Code: string(retry.CodeQuotaRate), Message: msg}
	}

	if incErr := a.st.IncrementMonthlyUsage(orgID, month); incErr != nil {
		a.releaseConnectorSlots(reserved)
		return profile, nil, incErr
	}

	metadata := map[string]interface{}{
		"queuedAt": now,
		"region":   profile.Region,
		"quota": map[string]interface{}{
			"runningBeforeEnqueue": running,
			"windowCount":          windowCount,
			"windowStart":          windowStart,
			"limits": map[string]interface{}{
				"maxConcurrentExecutions": profile.MaxConcurrentExecutions,
				"maxExecutionsPerMinute":  profile.MaxExecutionsPerMinute,
			},
		},
	}
	return profile, metadata, nil
}

// recordDenial persists a synthetic terminal failed execution row
// carrying the quota verdict for an admission that never reached a
// queued state (§4.5.1 steps 3-5: "create a terminal failed execution
// row carrying the quota verdict"). Best-effort: a failure to persist
// here must never block the AdmissionError from reaching the caller.
func (a *Admission) recordDenial(req AdmissionCheckRequest, code retry.ErrorCode, message string, quota map[string]interface{}) {
	exec := &store.Execution{
		ID:             uuid.New().String(),
		WorkflowID:     req.WorkflowID,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		Status:         store.StatusQueued,
		StartedAt:      time.Now(),
		TriggerType:    req.TriggerType,
		TriggerData:    req.TriggerData,
		Metadata: map[string]interface{}{
			"denialCode": string(code),
			"quota":      quota,
		},
	}
	if err := a.st.StartExecution(exec); err != nil {
		return
	}
	_ = a.st.CompleteExecution(exec.ID, nil, message)
	_ = a.st.AppendTimelineEvent(exec.ID, "", "quota_block", map[string]interface{}{
		"code":    string(code),
		"message": message,
		"quota":   quota,
	})
}

// releaseConnectorSlots returns reserved connector concurrency tokens when
// admission is aborted partway through (§4.5.1's "on enqueue failure,
// release admission reservation").
func (a *Admission) releaseConnectorSlots(connectorIDs []string) {
	for _, connID := range connectorIDs {
		a.connectorLimiters.GetLimiter(connID).Release()
	}
}

// ReleaseConnectorSlots is the public form used by the orchestrator when a
// job fails to enqueue after admission succeeded.
func (a *Admission) ReleaseConnectorSlots(connectorIDs []string) {
	a.releaseConnectorSlots(connectorIDs)
}
