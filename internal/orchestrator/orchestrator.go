package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"workflowengine/internal/concurrency"
	"workflowengine/internal/execgraph"
	"workflowengine/internal/metrics"
	"workflowengine/internal/store"
)

// WorkflowLoader resolves a workflowId to its compiled graph. The
// workflow-definition CRUD surface is out of this package's scope; the
// orchestrator only needs read access to the graph it must walk.
type WorkflowLoader interface {
	Load(workflowID string) (*execgraph.Graph, error)
}

// Orchestrator is the public ExecutionOrchestrator (C5) surface: enqueue,
// enqueueResume, start, stop. Grounded on the teacher's DAGExecutor —
// its batch-scheduling main loop becomes this package's worker pool over
// a tenant-fair region queue, and its per-node lock/rate-limit/retry
// wrapper becomes NodeRunner.withRetry plus the lease/heartbeat pump
// below.
type Orchestrator struct {
	Queue     Queue
	Store     store.Store
	Admission *Admission
	Runner    *NodeRunner
	Workflows WorkflowLoader

	WorkerConcurrency  int
	LeaseDuration      time.Duration
	LeaseRenewTime     time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	HeartbeatPersistMs time.Duration
	Region             string

	// TenantLimiters enforces §4.5.2/§4.5.3 step 1's per-tenant running-slot
	// cap T: handleJob reserves a "tenant:<organizationId>" slot with
	// bounded backoff before dispatch and releases it once this dispatch
	// attempt ends, for any reason. Nil disables the cap.
	TenantLimiters *concurrency.RateLimiterManager

	// Locks layers a cross-process mutual-exclusion lease on top of the
	// queue's own in-memory lease (§4.5.3), selected via LOCK_PROVIDER
	// (etcd|redis|memory). Nil disables the extra check; the queue's
	// leaseExpiresAt reclaim loop still protects single-process
	// deployments either way.
	Locks *concurrency.LockManager

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Enqueue is the public entry point: admission, execution row creation,
// and a single job on the region queue (§4.5.1).
func (o *Orchestrator) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	connectorIDs := connectorIDsOf(req.Graph)

	profile, metadata, err := o.Admission.Check(AdmissionCheckRequest{
		WorkflowID:     req.WorkflowID,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		TriggerType:    req.TriggerType,
		TriggerData:    req.TriggerData,
		ConnectorIDs:   connectorIDs,
	})
	if err != nil {
		return "", err
	}

	executionID := uuid.New().String()
	exec := &store.Execution{
		ID:             executionID,
		WorkflowID:     req.WorkflowID,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		Status:         store.StatusQueued,
		StartedAt:      time.Now(),
		TriggerType:    req.TriggerType,
		TriggerData:    req.TriggerData,
		Metadata:       metadata,
	}
	if err := o.Store.StartExecution(exec); err != nil {
		o.Admission.ReleaseConnectorSlots(connectorIDs)
		return "", err
	}

	payload := JobPayload{
		ExecutionID:    executionID,
		WorkflowID:     req.WorkflowID,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		TriggerType:    req.TriggerType,
		TriggerData:    req.TriggerData,
		Connectors:     connectorIDs,
		Region:         profile.Region,
	}
	if err := o.Queue.Add(ctx, payload, executionID, req.OrganizationID); err != nil {
		o.Admission.ReleaseConnectorSlots(connectorIDs)
		_ = o.Store.CompleteExecution(executionID, nil, "failed to enqueue job: "+err.Error())
		return "", err
	}

	return executionID, nil
}

// EnqueueResume re-enters a suspended execution (timer fire, callback
// consumption, or crash recovery): same admission-free fast path, carrying
// resumeState/initialData/timerId through to the job payload (§4.5.1's
// "resume enqueue is identical but carries resumeState...").
func (o *Orchestrator) EnqueueResume(ctx context.Context, req EnqueueResumeRequest) error {
	exec, err := o.Store.GetExecution(req.ExecutionID)
	if err != nil {
		return err
	}
	workflowID := req.WorkflowID
	if workflowID == "" {
		workflowID = exec.WorkflowID
	}
	orgID := exec.OrganizationID

	payload := JobPayload{
		ExecutionID:    req.ExecutionID,
		WorkflowID:     workflowID,
		OrganizationID: orgID,
		ResumeState:    req.ResumeState,
		InitialData:    req.InitialData,
		TimerID:        req.TimerID,
		Region:         o.Region,
	}
	if err := o.Store.UpdateExecutionStatus(req.ExecutionID, store.StatusRunning); err != nil {
		return err
	}
	return o.Queue.Add(ctx, payload, req.ExecutionID+":resume:"+time.Now().Format(time.RFC3339Nano), orgID)
}

// Start launches WorkerConcurrency worker goroutines plus the lease
// reclaimer; each worker reserves jobs from Queue in a loop until Stop is
// called or ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.WorkerConcurrency <= 0 {
		o.WorkerConcurrency = 1
	}
	o.stopCh = make(chan struct{})

	for i := 0; i < o.WorkerConcurrency; i++ {
		o.wg.Add(1)
		go o.workerLoop(ctx)
	}

	o.wg.Add(1)
	go o.reclaimLoop(ctx)

	return nil
}

// Stop signals every worker to exit and waits for in-flight jobs to
// release their leases.
func (o *Orchestrator) Stop() {
	if o.stopCh != nil {
		close(o.stopCh)
	}
	o.wg.Wait()
}

func (o *Orchestrator) workerLoop(ctx context.Context) {
	defer o.wg.Done()
	workerID := uuid.New().String()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		// Reserve blocks until a job arrives or its ctx ends, so tie that
		// ctx to stopCh as well; the job itself still runs under ctx.
		reserveCtx, cancelReserve := context.WithCancel(ctx)
		go func() {
			select {
			case <-o.stopCh:
				cancelReserve()
			case <-reserveCtx.Done():
			}
		}()
		job, err := o.Queue.Reserve(reserveCtx, o.LeaseDuration)
		cancelReserve()
		if err != nil {
			continue
		}
		o.handleJob(ctx, job, workerID)
	}
}

func (o *Orchestrator) reclaimLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Queue.ReclaimExpired()
		}
	}
}

// handleJob carries out §4.5.3-§4.5.6: tenant slot, cross-process lease,
// heartbeat, node loop, terminal cleanup.
func (o *Orchestrator) handleJob(ctx context.Context, job *Job, workerID string) {
	metrics.IncrementActiveExecutions()
	defer metrics.DecrementActiveExecutions()

	// §4.5.3 step 1: reserve a running slot in the tenant counter with
	// bounded backoff; on timeout the job returns to queue with backoff
	// rather than failing the execution outright.
	if o.TenantLimiters != nil {
		tenantKey := "tenant:" + job.Payload.OrganizationID
		timeout := o.LeaseDuration
		if timeout < 5*time.Second {
			timeout = 5 * time.Second
		}
		limiter := o.TenantLimiters.GetLimiter(tenantKey)
		if err := limiter.AcquireWithTimeout(timeout); err != nil {
			metrics.RecordQuotaBlock("tenant_concurrency")
			o.Queue.FailWithBackoff(job.ID, time.Second)
			return
		}
		defer limiter.Release()
	}

	// §4.5.3 steps 2-3: cross-process lease on top of the queue's own
	// in-memory one, so two orchestrator processes racing on a reclaimed
	// job can't both run it at once.
	if o.Locks != nil {
		acquired, err := o.Locks.AcquireNodeLock(ctx, job.Payload.ExecutionID)
		if err != nil || !acquired {
			o.Queue.FailWithBackoff(job.ID, time.Second)
			return
		}
		defer o.Locks.ReleaseNodeLock(context.Background(), job.Payload.ExecutionID)
	}

	if err := o.Store.UpdateExecutionStatus(job.Payload.ExecutionID, store.StatusRunning); err != nil {
		o.Queue.FailWithBackoff(job.ID, time.Second)
		return
	}

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	o.startHeartbeat(heartbeatCtx, job)

	exec, err := o.Store.GetExecution(job.Payload.ExecutionID)
	if err != nil {
		o.Queue.FailWithBackoff(job.ID, time.Second)
		return
	}

	graph, err := o.Workflows.Load(job.Payload.WorkflowID)
	if err != nil {
		_ = o.Store.CompleteExecution(exec.ID, nil, fmt.Sprintf("failed to load workflow %q: %v", job.Payload.WorkflowID, err))
		o.Admission.ReleaseConnectorSlots(job.Payload.Connectors)
		o.Queue.Complete(job.ID)
		return
	}

	order, err := graph.TopologicalOrder()
	if err != nil {
		_ = o.Store.CompleteExecution(exec.ID, nil, "invalid graph: "+err.Error())
		o.Admission.ReleaseConnectorSlots(job.Payload.Connectors)
		o.Queue.Complete(job.ID)
		return
	}

	var resumeState *ResumeState
	if job.Payload.ResumeState != nil {
		resumeState = job.Payload.ResumeState
	}

	start := time.Now()
	result, err := o.Runner.RunNodes(ctx, exec, graph, order, resumeState)
	if err != nil {
		_ = o.Store.CompleteExecution(exec.ID, nil, err.Error())
		o.Admission.ReleaseConnectorSlots(job.Payload.Connectors)
		metrics.RecordExecution(time.Since(start).Seconds(), "failed")
		o.Queue.FailWithBackoff(job.ID, time.Second)
		return
	}

	if result.Suspended {
		if result.Timer != nil {
			_ = o.Store.SaveTimer(result.Timer)
		}
		_ = o.Store.UpdateExecutionStatus(exec.ID, store.StatusWaiting)
		o.Admission.ReleaseConnectorSlots(job.Payload.Connectors)
		metrics.RecordExecution(time.Since(start).Seconds(), "partial")
		o.Queue.Complete(job.ID)
		return
	}

	_ = o.Store.CompleteExecution(exec.ID, result.Outputs, "")
	o.Admission.ReleaseConnectorSlots(job.Payload.Connectors)
	metrics.RecordExecution(time.Since(start).Seconds(), "completed")
	o.Queue.Complete(job.ID)
}

// startHeartbeat runs the lease-renewal pump described in §4.5.3: it
// extends the queue lease (and the cross-process lock, when Locks is set)
// every HeartbeatInterval and stops on its own once ctx is cancelled by
// the caller finishing the job. It does not write the lease back to the
// execution row; HeartbeatPersistMs is not read here.
func (o *Orchestrator) startHeartbeat(ctx context.Context, job *Job) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = o.Queue.RenewLock(job.ID, o.LeaseDuration)
				if o.Locks != nil {
					_ = o.Locks.ExtendLock(ctx, job.Payload.ExecutionID)
				}
			}
		}
	}()
}

func connectorIDsOf(g *execgraph.Graph) []string {
	if g == nil {
		return nil
	}
	seen := map[string]bool{}
	var ids []string
	for _, n := range g.Nodes {
		if n.ConnectorID == "" || seen[n.ConnectorID] {
			continue
		}
		seen[n.ConnectorID] = true
		ids = append(ids, n.ConnectorID)
	}
	return ids
}
