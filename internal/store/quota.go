package store

import (
	"database/sql"
	"fmt"
	"time"
)

// BillingPlan caps an organization's concurrent, per-minute, and per-month
// execution counts — the QUOTA_CONCURRENCY/QUOTA_RATE/QUOTA_USAGE admission
// checks of §4.5.1/§7 read against this row via OrganizationLimits.
type BillingPlan struct {
	PlanID                  string
	MaxConcurrentExecutions int
	MaxExecutionsPerMinute  int
	MaxExecutionsPerMonth   int
}

// OrganizationLimits tracks one organization's plan assignment and running
// month-to-date usage counter.
type OrganizationLimits struct {
	OrganizationID      string
	PlanID              string
	UsageMonth          string // "2026-07"
	ExecutionsThisMonth int
}

// ResumeToken is a single-use credential minted when an execution suspends
// on a callback node, consumed by POST /executions/{id}/callbacks/{tokenId}
// to resume it (§4.5.5).
type ResumeToken struct {
	TokenID     string
	ExecutionID string
	NodeID      string
	TimerID     string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ConsumedAt  *time.Time
}

// UpsertBillingPlan creates or updates a plan's caps.
func (s *SQLiteStore) UpsertBillingPlan(p *BillingPlan) error {
	_, err := s.db.Exec(`
		INSERT INTO billing_plans (plan_id, max_concurrent_executions, max_executions_per_minute, max_executions_per_month)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(plan_id) DO UPDATE SET
			max_concurrent_executions = excluded.max_concurrent_executions,
			max_executions_per_minute = excluded.max_executions_per_minute,
			max_executions_per_month = excluded.max_executions_per_month
	`, p.PlanID, p.MaxConcurrentExecutions, p.MaxExecutionsPerMinute, p.MaxExecutionsPerMonth)
	return err
}

// AssignOrganizationPlan provisions or re-assigns an organization's
// billing plan. Idempotent: calling it again with the same planID leaves
// the usage counter untouched.
func (s *SQLiteStore) AssignOrganizationPlan(orgID, planID string) error {
	_, err := s.db.Exec(`
		INSERT INTO organization_limits (organization_id, plan_id, usage_month, executions_this_month)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(organization_id) DO UPDATE SET plan_id = excluded.plan_id
	`, orgID, planID, time.Now().UTC().Format("2006-01"))
	return err
}

// GetOrganizationLimits returns an organization's plan assignment and
// current month-to-date usage, or sql.ErrNoRows if the org has never been
// provisioned.
func (s *SQLiteStore) GetOrganizationLimits(orgID string) (*OrganizationLimits, *BillingPlan, error) {
	var l OrganizationLimits
	l.OrganizationID = orgID
	err := s.db.QueryRow(`
		SELECT plan_id, usage_month, executions_this_month FROM organization_limits WHERE organization_id = ?
	`, orgID).Scan(&l.PlanID, &l.UsageMonth, &l.ExecutionsThisMonth)
	if err != nil {
		return nil, nil, err
	}

	var p BillingPlan
	p.PlanID = l.PlanID
	err = s.db.QueryRow(`
		SELECT max_concurrent_executions, max_executions_per_minute, max_executions_per_month
		FROM billing_plans WHERE plan_id = ?
	`, l.PlanID).Scan(&p.MaxConcurrentExecutions, &p.MaxExecutionsPerMinute, &p.MaxExecutionsPerMonth)
	if err != nil {
		return nil, nil, fmt.Errorf("organization %s references unknown plan %s: %w", orgID, l.PlanID, err)
	}

	return &l, &p, nil
}

// IncrementMonthlyUsage bumps the organization's counter for the given
// month, resetting it to 1 if the stored usage_month has rolled over.
func (s *SQLiteStore) IncrementMonthlyUsage(orgID, month string) error {
	result, err := s.db.Exec(`
		UPDATE organization_limits
		SET executions_this_month = executions_this_month + 1
		WHERE organization_id = ? AND usage_month = ?
	`, orgID, month)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	_, err = s.db.Exec(`
		UPDATE organization_limits SET usage_month = ?, executions_this_month = 1 WHERE organization_id = ?
	`, month, orgID)
	return err
}

// CountRunningExecutions answers the QUOTA_CONCURRENCY admission check.
func (s *SQLiteStore) CountRunningExecutions(orgID string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM executions WHERE organization_id = ? AND status IN ('queued', 'running', 'waiting')
	`, orgID).Scan(&n)
	return n, err
}

// IssueResumeToken persists a single-use callback token for a suspended node.
func (s *SQLiteStore) IssueResumeToken(t *ResumeToken) error {
	_, err := s.db.Exec(`
		INSERT INTO execution_resume_tokens (token_id, execution_id, node_id, timer_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.TokenID, t.ExecutionID, t.NodeID, t.TimerID, t.CreatedAt, t.ExpiresAt)
	return err
}

// ConsumeResumeToken atomically marks a token consumed, returning an error
// if it was already consumed, expired, or unknown — the CAS that keeps a
// replayed callback POST from resuming the same node twice.
func (s *SQLiteStore) ConsumeResumeToken(tokenID string, now time.Time) (*ResumeToken, error) {
	var t ResumeToken
	var timerID sql.NullString
	err := s.db.QueryRow(`
		SELECT token_id, execution_id, node_id, timer_id, created_at, expires_at
		FROM execution_resume_tokens WHERE token_id = ? AND consumed_at IS NULL
	`, tokenID).Scan(&t.TokenID, &t.ExecutionID, &t.NodeID, &timerID, &t.CreatedAt, &t.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if timerID.Valid {
		t.TimerID = timerID.String
	}
	if t.ExpiresAt.Before(now) {
		return nil, fmt.Errorf("resume token %s expired at %s", tokenID, t.ExpiresAt)
	}

	result, err := s.db.Exec(`
		UPDATE execution_resume_tokens SET consumed_at = ? WHERE token_id = ? AND consumed_at IS NULL
	`, now, tokenID)
	if err != nil {
		return nil, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, fmt.Errorf("resume token %s already consumed", tokenID)
	}

	t.ConsumedAt = &now
	return &t, nil
}
