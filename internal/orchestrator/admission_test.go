package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"workflowengine/internal/concurrency"
	"workflowengine/internal/store"
)

func newAdmissionTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("WORKFLOWENGINE_DB_PATH", filepath.Join(dir, "admission.db"))
	t.Cleanup(func() { os.Unsetenv("WORKFLOWENGINE_DB_PATH") })

	s, err := store.NewSQLiteStore()
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAdmissionDefaultsNewTenant(t *testing.T) {
	st := newAdmissionTestStore(t)
	a := NewAdmission(st, concurrency.NewRateLimiterManager(100))

	profile, metadata, err := a.Check(AdmissionCheckRequest{OrganizationID: "org-new"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if profile.MaxConcurrentExecutions != defaultTenantProfile.MaxConcurrentExecutions {
		t.Fatalf("expected default profile, got %+v", profile)
	}
	if metadata["region"] != profile.Region {
		t.Fatalf("expected metadata to carry region, got %+v", metadata)
	}
}

func TestAdmissionRejectsOverConcurrencyLimit(t *testing.T) {
	st := newAdmissionTestStore(t)
	if err := st.UpsertBillingPlan(&store.BillingPlan{PlanID: "basic", MaxConcurrentExecutions: 1, MaxExecutionsPerMinute: 100, MaxExecutionsPerMonth: 0}); err != nil {
		t.Fatalf("UpsertBillingPlan: %v", err)
	}
	if err := st.AssignOrganizationPlan("org-1", "basic"); err != nil {
		t.Fatalf("seed org limits: %v", err)
	}

	if err := st.StartExecution(&store.Execution{ID: "running-1", WorkflowID: "wf", OrganizationID: "org-1", Status: store.StatusRunning}); err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	a := NewAdmission(st, concurrency.NewRateLimiterManager(100))
	_, _, err := a.Check(AdmissionCheckRequest{OrganizationID: "org-1"})
	if err == nil {
		t.Fatal("expected concurrency quota rejection")
	}
	admissionErr, ok := err.(*AdmissionError)
	if !ok {
		t.Fatalf("expected *AdmissionError, got %T", err)
	}
	if admissionErr.Code != "QUOTA_CONCURRENCY" {
		t.Fatalf("expected QUOTA_CONCURRENCY, got %s", admissionErr.Code)
	}
}

func TestAdmissionRejectsConnectorConcurrency(t *testing.T) {
	st := newAdmissionTestStore(t)
	limiters := concurrency.NewRateLimiterManager(100)
	limiters.SetLimiter("slack", 1)
	limiters.GetLimiter("slack").Acquire(context.Background())

	a := NewAdmission(st, limiters)
	_, _, err := a.Check(AdmissionCheckRequest{OrganizationID: "org-2", ConnectorIDs: []string{"slack"}})
	if err == nil {
		t.Fatal("expected connector concurrency rejection")
	}
	if err.(*AdmissionError).Code != "CONNECTOR_CONCURRENCY" {
		t.Fatalf("expected CONNECTOR_CONCURRENCY, got %v", err)
	}
}

func TestAdmissionRejectsRateWindow(t *testing.T) {
	st := newAdmissionTestStore(t)
	if err := st.UpsertBillingPlan(&store.BillingPlan{PlanID: "tight", MaxConcurrentExecutions: 100, MaxExecutionsPerMinute: 1}); err != nil {
		t.Fatalf("UpsertBillingPlan: %v", err)
	}
	if err := st.AssignOrganizationPlan("org-3", "tight"); err != nil {
		t.Fatalf("seed org limits: %v", err)
	}

	a := NewAdmission(st, concurrency.NewRateLimiterManager(100))
	if _, _, err := a.Check(AdmissionCheckRequest{OrganizationID: "org-3"}); err != nil {
		t.Fatalf("expected first admission to succeed, got %v", err)
	}
	_, _, err := a.Check(AdmissionCheckRequest{OrganizationID: "org-3"})
	if err == nil {
		t.Fatal("expected second admission within the same window to be rate limited")
	}
	if err.(*AdmissionError).Code != "QUOTA_RATE" {
		t.Fatalf("expected QUOTA_RATE, got %v", err)
	}
}
