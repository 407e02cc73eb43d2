package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"workflowengine/internal/store"
)

// TimerSweeper periodically scans for due WorkflowTimer rows and
// re-enqueues each as a resume job (§4.5.5's Delay-timer suspension
// vector). Scheduled with robfig/cron, like the other periodic
// maintenance tasks.
type TimerSweeper struct {
	Store        store.Store
	Orchestrator *Orchestrator
	Schedule     string // cron expression, e.g. "@every 5s"

	cronRunner *cron.Cron
}

// Start registers the sweep job and begins the cron scheduler.
func (t *TimerSweeper) Start() error {
	if t.Schedule == "" {
		t.Schedule = "@every 5s"
	}
	t.cronRunner = cron.New()
	_, err := t.cronRunner.AddFunc(t.Schedule, t.sweep)
	if err != nil {
		return fmt.Errorf("timer sweeper: %w", err)
	}
	t.cronRunner.Start()
	return nil
}

// Stop halts the cron scheduler, waiting for an in-flight sweep to finish.
func (t *TimerSweeper) Stop() {
	if t.cronRunner != nil {
		ctx := t.cronRunner.Stop()
		<-ctx.Done()
	}
}

func (t *TimerSweeper) sweep() {
	due, err := t.Store.DuePendingTimers(time.Now())
	if err != nil {
		return
	}
	for _, timer := range due {
		claimed, err := t.Store.ClaimTimer(timer.ID)
		if err != nil || !claimed {
			continue // another sweeper replica claimed it first
		}

		var resumeState ResumeState
		if len(timer.Payload) > 0 {
			if err := json.Unmarshal(timer.Payload, &resumeState); err != nil {
				_ = t.Store.MarkTimerStatus(timer.ID, "failed", err.Error())
				continue
			}
		}

		err = t.Orchestrator.EnqueueResume(context.Background(), EnqueueResumeRequest{
			ExecutionID: timer.ExecutionID,
			TimerID:     timer.ID,
			ResumeState: &resumeState,
		})
		if err != nil {
			// push resumeAt out by 5s and let the next sweep retry;
			// Attempts++ mirrors the increment ClaimTimer made in the row.
			timer.Status = "pending"
			timer.Attempts++
			timer.LastError = err.Error()
			timer.ResumeAt = time.Now().Add(5 * time.Second)
			_ = t.Store.SaveTimer(timer)
			continue
		}
		_ = t.Store.MarkTimerStatus(timer.ID, "completed", "")
	}
}

// CallbackTokens issues and consumes the one-time resume tokens a
// suspended node's external callback vector relies on (§4.5.5's
// Callback/external-signal suspension vector; §6's
// POST /executions/{executionId}/callbacks/{tokenId} contract).
type CallbackTokens struct {
	Store        store.Store
	Orchestrator *Orchestrator
}

// Issue creates a single-use resume token for a node awaiting an external
// signal, expiring at waitUntil.
func (c *CallbackTokens) Issue(executionID, nodeID string, waitUntil time.Time) (*store.ResumeToken, error) {
	token := &store.ResumeToken{
		TokenID:     uuid.New().String(),
		ExecutionID: executionID,
		NodeID:      nodeID,
		CreatedAt:   time.Now(),
		ExpiresAt:   waitUntil,
	}
	if err := c.Store.IssueResumeToken(token); err != nil {
		return nil, err
	}
	return token, nil
}

// Consume validates and single-use-consumes a callback token, then
// triggers enqueueResume with the data the caller posted.
func (c *CallbackTokens) Consume(ctx context.Context, tokenID string, resumeState *ResumeState, initialData map[string]interface{}) error {
	token, err := c.Store.ConsumeResumeToken(tokenID, time.Now())
	if err != nil {
		return err
	}
	return c.Orchestrator.EnqueueResume(ctx, EnqueueResumeRequest{
		ExecutionID: token.ExecutionID,
		TimerID:     token.TimerID,
		TokenID:     token.TokenID,
		ResumeState: resumeState,
		InitialData: initialData,
	})
}
