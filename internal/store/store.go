// Package store is the durable execution/node-record store (C4): it
// persists Execution and NodeAttempt rows, idempotency records, workflow
// timers, and circuit breaker snapshots, and answers queries by id,
// correlation id, or time window. Adapted from the teacher's SQLite+WAL
// storage layer, repointed at this engine's schema.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Status is shared by Execution's lifecycle.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPartial   Status = "partial"
)

// AttemptStatus is NodeAttempt's lifecycle.
type AttemptStatus string

const (
	AttemptRunning   AttemptStatus = "running"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
	AttemptRetrying  AttemptStatus = "retrying"
	AttemptDLQ       AttemptStatus = "dlq"
)

// isValidExecutionTransition enforces that terminal statuses never
// transition back except via an explicit replay, which creates a new
// Execution row rather than mutating this one.
func isValidExecutionTransition(current, target Status) bool {
	if current == target {
		return true
	}
	switch current {
	case StatusQueued:
		return target == StatusRunning || target == StatusFailed
	case StatusRunning:
		return target == StatusWaiting || target == StatusCompleted || target == StatusFailed || target == StatusPartial
	case StatusWaiting:
		return target == StatusRunning || target == StatusFailed
	default:
		return false // completed/failed/partial are terminal
	}
}

// isValidAttemptTransition enforces NodeAttempt's lifecycle: at most one
// running attempt per (executionId, nodeId) at a time, and dlq/succeeded
// are terminal for that attempt number.
func isValidAttemptTransition(current, target AttemptStatus) bool {
	if current == target {
		return true
	}
	switch current {
	case AttemptRunning:
		return target == AttemptSucceeded || target == AttemptFailed || target == AttemptRetrying
	case AttemptRetrying:
		return target == AttemptRunning || target == AttemptDLQ
	default:
		return false
	}
}

// Execution is one run of a workflow graph.
type Execution struct {
	ID             string
	WorkflowID     string
	OrganizationID string
	UserID         string
	Status         Status
	StartedAt      time.Time
	CompletedAt    *time.Time
	DurationMs     *int64
	TriggerType    string
	TriggerData    map[string]interface{}
	NodeOutputs    map[string]interface{}
	Error          string
	CorrelationID  string
	Tags           []string
	Metadata       map[string]interface{}
}

// NodeAttempt is one invocation of one node within an execution.
type NodeAttempt struct {
	ExecutionID string
	NodeID      string
	Attempt     int
	Status      AttemptStatus
	StartedAt   time.Time
	EndedAt     *time.Time
	Input       map[string]interface{}
	Output      map[string]interface{}
	Error       string
	RetryHistory []RetryRecord
	Metadata    map[string]interface{}
}

// RetryRecord is one entry of a NodeAttempt's retry history.
type RetryRecord struct {
	At        time.Time
	ErrorCode string
	DelayMs   int64
}

// IdempotencyRecord maps (executionId, nodeId, idempotencyKey) to a cached result.
type IdempotencyRecord struct {
	ExecutionID    string
	NodeID         string
	IdempotencyKey string
	ResultHash     string
	ResultData     map[string]interface{}
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// WorkflowTimer is a scheduled resume point for a suspended execution.
type WorkflowTimer struct {
	ID          string
	ExecutionID string
	ResumeAt    time.Time
	Payload     []byte // serialized ResumeState + graph ref
	Status      string // pending, in_flight, completed, failed
	Attempts    int
	LastError   string
}

// CircuitBreakerRow is the persisted snapshot of a (connectorId, nodeId) breaker.
type CircuitBreakerRow struct {
	ConnectorID         string
	NodeID              string
	State               string
	ConsecutiveFailures int
	OpenedAt            *time.Time
	LastFailureAt       *time.Time
}

// Store is the durable persistence contract for C4.
type Store interface {
	StartExecution(e *Execution) error
	GetExecution(id string) (*Execution, error)
	UpdateExecutionStatus(id string, status Status) error
	CompleteExecution(id string, nodeOutputs map[string]interface{}, execErr string) error
	ListExecutionsByCorrelation(correlationID string) ([]*Execution, error)
	ListExecutionsInWindow(orgID string, from, to time.Time) ([]*Execution, error)

	StartNodeExecution(a *NodeAttempt) error
	CompleteNodeExecution(executionID, nodeID string, attempt int, output map[string]interface{}, metadata map[string]interface{}) error
	FailNodeExecution(executionID, nodeID string, attempt int, errMsg string, metadata map[string]interface{}) error
	GetNodeAttempts(executionID, nodeID string) ([]*NodeAttempt, error)
	GetRunningAttempt(executionID, nodeID string) (*NodeAttempt, error)

	UpsertIdempotencyRecord(r *IdempotencyRecord) error
	FindIdempotencyRecord(executionID, nodeID, key string) (*IdempotencyRecord, error)
	DeleteExpiredIdempotencyRecords(now time.Time) (int64, error)

	SaveTimer(t *WorkflowTimer) error
	DuePendingTimers(now time.Time) ([]*WorkflowTimer, error)
	MarkTimerStatus(id, status, lastError string) error
	ClaimTimer(id string) (bool, error)

	SaveCircuitBreaker(r *CircuitBreakerRow) error
	ListCircuitBreakers() ([]*CircuitBreakerRow, error)
	DeleteStaleCircuitBreakers(inactiveSince time.Time) (int64, error)

	DeleteExecutionsOlderThan(cutoff time.Time) (int64, error)

	AppendTimelineEvent(executionID, nodeID, eventType string, payload map[string]interface{}) error

	UpsertBillingPlan(p *BillingPlan) error
	AssignOrganizationPlan(orgID, planID string) error
	GetOrganizationLimits(orgID string) (*OrganizationLimits, *BillingPlan, error)
	IncrementMonthlyUsage(orgID, month string) error
	CountRunningExecutions(orgID string) (int, error)
	IssueResumeToken(t *ResumeToken) error
	ConsumeResumeToken(tokenID string, now time.Time) (*ResumeToken, error)

	Close() error
}

// SQLiteStore implements Store using SQLite in WAL mode.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore opens (creating if needed) the SQLite-backed store.
// dbPath can be set via WORKFLOWENGINE_DB_PATH env var, defaults to
// ./data/workflowengine.db.
func NewSQLiteStore() (*SQLiteStore, error) {
	dbPath := os.Getenv("WORKFLOWENGINE_DB_PATH")
	if dbPath == "" {
		dbPath = "./data/workflowengine.db"
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?cache=shared&mode=rwc&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := InitSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Printf("[store] sqlite store initialized at %s", dbPath)
	return &SQLiteStore{db: db}, nil
}

func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(s string, v interface{}) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

// StartExecution writes the initial queued row.
func (s *SQLiteStore) StartExecution(e *Execution) error {
	triggerJSON, err := marshalJSON(e.TriggerData)
	if err != nil {
		return fmt.Errorf("encode triggerData: %w", err)
	}
	outputsJSON, err := marshalJSON(e.NodeOutputs)
	if err != nil {
		return fmt.Errorf("encode nodeOutputs: %w", err)
	}
	tagsJSON, err := marshalJSON(e.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	metaJSON, err := marshalJSON(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO executions (
			id, workflow_id, organization_id, user_id, status, started_at,
			trigger_type, trigger_data, node_outputs, correlation_id, tags, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status
	`, e.ID, e.WorkflowID, e.OrganizationID, e.UserID, string(e.Status), e.StartedAt,
		e.TriggerType, triggerJSON, outputsJSON, e.CorrelationID, tagsJSON, metaJSON)
	return err
}

// GetExecution retrieves an execution row by id.
func (s *SQLiteStore) GetExecution(id string) (*Execution, error) {
	var e Execution
	var status string
	var completedAt sql.NullTime
	var durationMs sql.NullInt64
	var triggerJSON, outputsJSON, tagsJSON, metaJSON string
	var errMsg sql.NullString

	err := s.db.QueryRow(`
		SELECT id, workflow_id, organization_id, user_id, status, started_at, completed_at,
		       duration_ms, trigger_type, trigger_data, node_outputs, error, correlation_id, tags, metadata
		FROM executions WHERE id = ?
	`, id).Scan(&e.ID, &e.WorkflowID, &e.OrganizationID, &e.UserID, &status, &e.StartedAt, &completedAt,
		&durationMs, &e.TriggerType, &triggerJSON, &outputsJSON, &errMsg, &e.CorrelationID, &tagsJSON, &metaJSON)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	if durationMs.Valid {
		e.DurationMs = &durationMs.Int64
	}
	if errMsg.Valid {
		e.Error = errMsg.String
	}
	if err := unmarshalJSON(triggerJSON, &e.TriggerData); err != nil {
		return nil, fmt.Errorf("decode triggerData: %w", err)
	}
	if err := unmarshalJSON(outputsJSON, &e.NodeOutputs); err != nil {
		return nil, fmt.Errorf("decode nodeOutputs: %w", err)
	}
	if err := unmarshalJSON(tagsJSON, &e.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if err := unmarshalJSON(metaJSON, &e.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	return &e, nil
}

// UpdateExecutionStatus transitions an execution's status, rejecting
// invalid transitions per the terminal-status invariant.
func (s *SQLiteStore) UpdateExecutionStatus(id string, status Status) error {
	current, err := s.GetExecution(id)
	if err != nil {
		return err
	}
	if !isValidExecutionTransition(current.Status, status) {
		return fmt.Errorf("invalid execution status transition: %s -> %s", current.Status, status)
	}

	_, err = s.db.Exec(`UPDATE executions SET status = ? WHERE id = ?`, string(status), id)
	return err
}

// CompleteExecution marks a terminal status and stores final outputs/error.
func (s *SQLiteStore) CompleteExecution(id string, nodeOutputs map[string]interface{}, execErr string) error {
	current, err := s.GetExecution(id)
	if err != nil {
		return err
	}

	target := StatusCompleted
	if execErr != "" {
		target = StatusFailed
	}
	if !isValidExecutionTransition(current.Status, target) {
		return fmt.Errorf("invalid execution status transition: %s -> %s", current.Status, target)
	}

	outputsJSON, err := marshalJSON(nodeOutputs)
	if err != nil {
		return fmt.Errorf("encode nodeOutputs: %w", err)
	}

	now := time.Now()
	durationMs := now.Sub(current.StartedAt).Milliseconds()

	_, err = s.db.Exec(`
		UPDATE executions
		SET status = ?, completed_at = ?, duration_ms = ?, node_outputs = ?, error = ?
		WHERE id = ?
	`, string(target), now, durationMs, outputsJSON, execErr, id)
	return err
}

// ListExecutionsByCorrelation answers the correlation-id query surface.
func (s *SQLiteStore) ListExecutionsByCorrelation(correlationID string) ([]*Execution, error) {
	rows, err := s.db.Query(`SELECT id FROM executions WHERE correlation_id = ?`, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return s.loadExecutions(ids)
}

// ListExecutionsInWindow answers the time-window query surface.
func (s *SQLiteStore) ListExecutionsInWindow(orgID string, from, to time.Time) ([]*Execution, error) {
	rows, err := s.db.Query(`
		SELECT id FROM executions
		WHERE organization_id = ? AND started_at >= ? AND started_at <= ?
		ORDER BY started_at
	`, orgID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return s.loadExecutions(ids)
}

func (s *SQLiteStore) loadExecutions(ids []string) ([]*Execution, error) {
	out := make([]*Execution, 0, len(ids))
	for _, id := range ids {
		e, err := s.GetExecution(id)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// StartNodeExecution creates a NodeAttempt row. Callers must already hold
// the guarantee of at most one running attempt per (executionId, nodeId) —
// enforced here by rejecting the insert if one is already running.
func (s *SQLiteStore) StartNodeExecution(a *NodeAttempt) error {
	existing, err := s.GetRunningAttempt(a.ExecutionID, a.NodeID)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if existing != nil && existing.Attempt != a.Attempt {
		return fmt.Errorf("node %s already has a running attempt (%d) for execution %s", a.NodeID, existing.Attempt, a.ExecutionID)
	}

	inputJSON, err := marshalJSON(a.Input)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	metaJSON, err := marshalJSON(a.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO node_attempts (execution_id, node_id, attempt, status, started_at, input, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, node_id, attempt) DO UPDATE SET
			status = excluded.status, started_at = excluded.started_at,
			input = excluded.input, metadata = excluded.metadata
	`, a.ExecutionID, a.NodeID, a.Attempt, string(AttemptRunning), a.StartedAt, inputJSON, metaJSON)
	return err
}

// CompleteNodeExecution stamps success, duration, and the rollup metadata.
func (s *SQLiteStore) CompleteNodeExecution(executionID, nodeID string, attempt int, output map[string]interface{}, metadata map[string]interface{}) error {
	outputJSON, err := marshalJSON(output)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	metaJSON, err := marshalJSON(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.db.Exec(`
		UPDATE node_attempts
		SET status = ?, ended_at = ?, output = ?, metadata = ?
		WHERE execution_id = ? AND node_id = ? AND attempt = ?
	`, string(AttemptSucceeded), time.Now(), outputJSON, metaJSON, executionID, nodeID, attempt)
	return err
}

// FailNodeExecution stamps a failed attempt.
func (s *SQLiteStore) FailNodeExecution(executionID, nodeID string, attempt int, errMsg string, metadata map[string]interface{}) error {
	metaJSON, err := marshalJSON(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.db.Exec(`
		UPDATE node_attempts
		SET status = ?, ended_at = ?, error = ?, metadata = ?
		WHERE execution_id = ? AND node_id = ? AND attempt = ?
	`, string(AttemptFailed), time.Now(), errMsg, metaJSON, executionID, nodeID, attempt)
	return err
}

// GetNodeAttempts returns every attempt recorded for a node, ordered by attempt number.
func (s *SQLiteStore) GetNodeAttempts(executionID, nodeID string) ([]*NodeAttempt, error) {
	rows, err := s.db.Query(`
		SELECT attempt, status, started_at, ended_at, input, output, error, metadata
		FROM node_attempts
		WHERE execution_id = ? AND node_id = ?
		ORDER BY attempt
	`, executionID, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*NodeAttempt
	for rows.Next() {
		a := &NodeAttempt{ExecutionID: executionID, NodeID: nodeID}
		var status string
		var endedAt sql.NullTime
		var inputJSON, metaJSON string
		var outputJSON, errMsg sql.NullString

		if err := rows.Scan(&a.Attempt, &status, &a.StartedAt, &endedAt, &inputJSON, &outputJSON, &errMsg, &metaJSON); err != nil {
			return nil, err
		}
		a.Status = AttemptStatus(status)
		if endedAt.Valid {
			a.EndedAt = &endedAt.Time
		}
		if errMsg.Valid {
			a.Error = errMsg.String
		}
		if err := unmarshalJSON(inputJSON, &a.Input); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(outputJSON.String, &a.Output); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(metaJSON, &a.Metadata); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// GetRunningAttempt returns the single in-flight attempt for a node, if any.
func (s *SQLiteStore) GetRunningAttempt(executionID, nodeID string) (*NodeAttempt, error) {
	attempts, err := s.GetNodeAttempts(executionID, nodeID)
	if err != nil {
		return nil, err
	}
	for _, a := range attempts {
		if a.Status == AttemptRunning {
			return a, nil
		}
	}
	return nil, sql.ErrNoRows
}

// Close releases the underlying connection pool.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
