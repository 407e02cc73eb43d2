package sandbox

import "testing"

func TestWatchdogFactory_RecyclesBeforeQuarantine(t *testing.T) {
	w := NewWatchdogFactory(2, 4)
	scope := scopeKey{Organization: "org1", Execution: "exec1", NodeID: "n1"}

	if d := w.RecordViolation(scope); d != DecisionContinue {
		t.Fatalf("expected continue after first violation, got %v", d)
	}
	if d := w.RecordViolation(scope); d != DecisionRecycle {
		t.Fatalf("expected recycle at threshold, got %v", d)
	}
	if w.IsQuarantined(scope) {
		t.Fatal("recycle should not quarantine")
	}
}

func TestWatchdogFactory_QuarantineBlocksUntilSuccess(t *testing.T) {
	w := NewWatchdogFactory(1, 2)
	scope := scopeKey{Organization: "org1", Execution: "exec1", NodeID: "n1"}

	w.RecordViolation(scope)
	if d := w.RecordViolation(scope); d != DecisionQuarantine {
		t.Fatalf("expected quarantine, got %v", d)
	}
	if !w.IsQuarantined(scope) {
		t.Fatal("expected scope to be quarantined")
	}

	w.RecordSuccess(scope)
	if w.IsQuarantined(scope) {
		t.Fatal("expected a successful run to lift quarantine")
	}
}

func TestWatchdogFactory_ScopesAreIndependent(t *testing.T) {
	w := NewWatchdogFactory(1, 1)
	a := scopeKey{Organization: "org1", Execution: "e1", NodeID: "n1"}
	b := scopeKey{Organization: "org1", Execution: "e2", NodeID: "n1"}

	w.RecordViolation(a)
	if w.IsQuarantined(b) {
		t.Fatal("violation in one scope must not quarantine an unrelated scope")
	}
}
