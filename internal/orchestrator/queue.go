package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Job is one unit of dispatchable work on a region queue.
type Job struct {
	ID             string
	Group          string // organizationId, the fairness partition key
	Payload        JobPayload
	Attempt        int
	leaseExpiresAt time.Time
}

// QueueCounts is the enumerate-counts operation §6 requires for
// observability endpoints.
type QueueCounts struct {
	Waiting, Active, Completed, Failed, Delayed, Paused int
}

// Queue is the region-local job queue contract (§6): add, reserve with a
// lease, renew the lease, complete, fail-with-backoff, and reclaim jobs
// whose lease expired without a renewal (worker crash or lost heartbeat).
type Queue interface {
	Add(ctx context.Context, payload JobPayload, jobID, group string) error
	Reserve(ctx context.Context, leaseDuration time.Duration) (*Job, error)
	RenewLock(jobID string, leaseDuration time.Duration) error
	Complete(jobID string) error
	FailWithBackoff(jobID string, backoff time.Duration) error
	ReclaimExpired() int
	Counts() QueueCounts
}

type delayedJob struct {
	job     *Job
	readyAt time.Time
}

// InMemoryQueue is the QUEUE_DRIVER=inmemory implementation: single
// process, tenant-grouped round robin so no organization starves another
// under a long burst (§4.5.2). Grounded on the teacher's worker pool
// channel-based task queue, reshaped from a single FIFO channel into a
// per-group FIFO with a round-robin cursor so fairness holds across
// groups instead of only across individual tasks.
type InMemoryQueue struct {
	mu         sync.Mutex
	groupOrder []string
	groupIdx   map[string]int // group -> index into groupOrder
	waiting    map[string][]*Job
	delayed    []*delayedJob
	active     map[string]*Job
	completed  int
	failed     int
	cursor     int
	notify     chan struct{}
}

// NewInMemoryQueue builds an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		groupIdx: make(map[string]int),
		waiting:  make(map[string][]*Job),
		active:   make(map[string]*Job),
		notify:   make(chan struct{}, 1),
	}
}

func (q *InMemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Add enqueues a job onto its group's FIFO.
func (q *InMemoryQueue) Add(ctx context.Context, payload JobPayload, jobID, group string) error {
	q.mu.Lock()
	if _, ok := q.groupIdx[group]; !ok {
		q.groupIdx[group] = len(q.groupOrder)
		q.groupOrder = append(q.groupOrder, group)
	}
	q.waiting[group] = append(q.waiting[group], &Job{ID: jobID, Group: group, Payload: payload})
	q.mu.Unlock()
	q.wake()
	return nil
}

// promoteDelayedLocked moves delayed jobs whose readyAt has elapsed back
// onto their group's waiting FIFO. Caller must hold q.mu.
func (q *InMemoryQueue) promoteDelayedLocked(now time.Time) {
	if len(q.delayed) == 0 {
		return
	}
	remaining := q.delayed[:0]
	for _, d := range q.delayed {
		if !now.Before(d.readyAt) {
			q.waiting[d.job.Group] = append(q.waiting[d.job.Group], d.job)
		} else {
			remaining = append(remaining, d)
		}
	}
	q.delayed = remaining
}

// Reserve blocks until a job is available (round robin across groups with
// a waiting job) or ctx is done; the reserved job's lease runs for
// leaseDuration from the moment it is handed out.
func (q *InMemoryQueue) Reserve(ctx context.Context, leaseDuration time.Duration) (*Job, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		q.mu.Lock()
		q.promoteDelayedLocked(time.Now())
		if job := q.popReadyLocked(); job != nil {
			job.Attempt++
			job.leaseExpiresAt = time.Now().Add(leaseDuration)
			q.active[job.ID] = job
			q.mu.Unlock()
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-ticker.C:
		}
	}
}

// popReadyLocked scans groupOrder starting at cursor for the first group
// with a waiting job, pops it, and advances the cursor past it. Caller
// must hold q.mu.
func (q *InMemoryQueue) popReadyLocked() *Job {
	n := len(q.groupOrder)
	for i := 0; i < n; i++ {
		idx := (q.cursor + i) % n
		group := q.groupOrder[idx]
		jobs := q.waiting[group]
		if len(jobs) == 0 {
			continue
		}
		job := jobs[0]
		q.waiting[group] = jobs[1:]
		q.cursor = (idx + 1) % n
		return job
	}
	return nil
}

// RenewLock extends an active job's lease, called by the orchestrator's
// heartbeat pump (§4.5.3).
func (q *InMemoryQueue) RenewLock(jobID string, leaseDuration time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.active[jobID]
	if !ok {
		return fmt.Errorf("orchestrator: cannot renew lock, job %q is not active", jobID)
	}
	job.leaseExpiresAt = time.Now().Add(leaseDuration)
	return nil
}

// Complete removes a job from the active set on success.
func (q *InMemoryQueue) Complete(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.active[jobID]; !ok {
		return fmt.Errorf("orchestrator: cannot complete, job %q is not active", jobID)
	}
	delete(q.active, jobID)
	q.completed++
	return nil
}

// FailWithBackoff moves a job from active to delayed, to be retried after
// backoff elapses (§4.5.7's "job returns to queue with backoff").
func (q *InMemoryQueue) FailWithBackoff(jobID string, backoff time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.active[jobID]
	if !ok {
		return fmt.Errorf("orchestrator: cannot fail, job %q is not active", jobID)
	}
	delete(q.active, jobID)
	q.failed++
	q.delayed = append(q.delayed, &delayedJob{job: job, readyAt: time.Now().Add(backoff)})
	return nil
}

// ReclaimExpired moves every active job whose lease has expired without a
// renewal back onto its group's waiting FIFO (worker crash / lost
// heartbeat, §4.5.3/§4.5.7), and returns how many were reclaimed.
func (q *InMemoryQueue) ReclaimExpired() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	reclaimed := 0
	for id, job := range q.active {
		if now.After(job.leaseExpiresAt) {
			delete(q.active, id)
			q.waiting[job.Group] = append(q.waiting[job.Group], job)
			reclaimed++
		}
	}
	return reclaimed
}

// Counts reports queue depth by state for observability endpoints.
func (q *InMemoryQueue) Counts() QueueCounts {
	q.mu.Lock()
	defer q.mu.Unlock()
	waiting := 0
	for _, jobs := range q.waiting {
		waiting += len(jobs)
	}
	return QueueCounts{
		Waiting:   waiting,
		Active:    len(q.active),
		Completed: q.completed,
		Failed:    q.failed,
		Delayed:   len(q.delayed),
	}
}
