package sandbox

import (
	"testing"
	"time"
)

func TestHeartbeatMonitor_ExpiresPastTimeout(t *testing.T) {
	hb := newHeartbeatMonitor(10, 30)
	if hb.Expired(time.Now()) {
		t.Fatal("expected fresh monitor to not be expired")
	}
	if !hb.Expired(time.Now().Add(40 * time.Millisecond)) {
		t.Fatal("expected monitor to expire past timeout")
	}
}

func TestHeartbeatMonitor_BeatResetsExpiry(t *testing.T) {
	hb := newHeartbeatMonitor(10, 30)
	future := time.Now().Add(40 * time.Millisecond)
	if !hb.Expired(future) {
		t.Fatal("expected expiry before a beat")
	}
	hb.Beat()
	if hb.Expired(time.Now().Add(5 * time.Millisecond)) {
		t.Fatal("expected beat to push back the expiry")
	}
}

func TestNewHeartbeatMonitor_EnforcesMinimumTimeout(t *testing.T) {
	hb := newHeartbeatMonitor(500, 100) // below the 2x-interval floor
	if hb.timeoutMs < 2*hb.intervalMs {
		t.Fatalf("expected timeout to be clamped to >= 2x interval, got %d/%d", hb.timeoutMs, hb.intervalMs)
	}
}
