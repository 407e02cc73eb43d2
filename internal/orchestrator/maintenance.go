package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"workflowengine/internal/idempotency"
	"workflowengine/internal/retry"
	"workflowengine/internal/store"
)

// MaintenanceSweeper runs the three periodic cleanup jobs §4.2 and §4.4
// describe: hourly idempotency-TTL eviction, hourly stale-breaker and
// error-ring eviction, and a 2h execution/node-log retention sweep.
// Grounded on TimerSweeper's robfig/cron scheduling, split into its own
// cron instance so a slow retention sweep never delays timer delivery.
type MaintenanceSweeper struct {
	Store       store.Store
	Idempotency *idempotency.Store
	Breakers    *retry.Breakers
	ErrorRing   *retry.ErrorRing

	RetentionTTL      time.Duration // default 30 days (§4.4)
	BreakerInactivity time.Duration // default 7 days (§4.2)
	ErrorRingTTL      time.Duration // default 7 days (§4.2)

	cronRunner *cron.Cron
}

// Start registers every sweep job and begins the cron scheduler.
func (m *MaintenanceSweeper) Start() error {
	if m.RetentionTTL <= 0 {
		m.RetentionTTL = 30 * 24 * time.Hour
	}
	if m.BreakerInactivity <= 0 {
		m.BreakerInactivity = 7 * 24 * time.Hour
	}
	if m.ErrorRingTTL <= 0 {
		m.ErrorRingTTL = 7 * 24 * time.Hour
	}

	m.cronRunner = cron.New()
	if _, err := m.cronRunner.AddFunc("@hourly", m.hourlySweep); err != nil {
		return err
	}
	if _, err := m.cronRunner.AddFunc("@every 2h", m.retentionSweep); err != nil {
		return err
	}
	m.cronRunner.Start()
	return nil
}

// Stop halts the cron scheduler, waiting for an in-flight sweep to finish.
func (m *MaintenanceSweeper) Stop() {
	if m.cronRunner != nil {
		ctx := m.cronRunner.Stop()
		<-ctx.Done()
	}
}

// hourlySweep implements §4.2's "every hour: evict ... records older than
// 7 days; call IdempotencyStore.deleteExpired; drop closed breakers
// inactive for 7 days."
func (m *MaintenanceSweeper) hourlySweep() {
	now := time.Now()

	if m.Idempotency != nil {
		if n, err := m.Idempotency.DeleteExpired(context.Background(), now); err != nil {
			log.Printf("[MaintenanceSweeper] idempotency sweep failed: %v", err)
		} else if n > 0 {
			log.Printf("[MaintenanceSweeper] evicted %d expired idempotency records", n)
		}
	}

	if m.Store != nil {
		if n, err := m.Store.DeleteStaleCircuitBreakers(now.Add(-m.BreakerInactivity)); err != nil {
			log.Printf("[MaintenanceSweeper] breaker cleanup failed: %v", err)
		} else if n > 0 {
			log.Printf("[MaintenanceSweeper] dropped %d stale circuit breaker rows", n)
		}
	}

	if m.Breakers != nil {
		if n := m.Breakers.EvictInactive(now.Add(-m.BreakerInactivity)); n > 0 {
			log.Printf("[MaintenanceSweeper] evicted %d inactive in-memory breakers", n)
		}
	}

	if m.ErrorRing != nil {
		if n := m.ErrorRing.EvictOlderThan(now.Add(-m.ErrorRingTTL)); n > 0 {
			log.Printf("[MaintenanceSweeper] evicted %d stale actionable errors", n)
		}
	}
}

// retentionSweep implements §4.4's "cleanup sweep every 2h deletes
// executions and node logs older than a configurable TTL (default 30
// days)."
func (m *MaintenanceSweeper) retentionSweep() {
	if m.Store == nil {
		return
	}
	n, err := m.Store.DeleteExecutionsOlderThan(time.Now().Add(-m.RetentionTTL))
	if err != nil {
		log.Printf("[MaintenanceSweeper] retention sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[MaintenanceSweeper] retention sweep deleted %d executions", n)
	}
}
