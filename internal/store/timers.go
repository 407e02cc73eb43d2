package store

import "time"

// SaveTimer persists a WorkflowTimer, used both when an execution first
// suspends and when the sweeper re-enqueues it as in_flight.
func (s *SQLiteStore) SaveTimer(t *WorkflowTimer) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_timers (id, execution_id, resume_at, payload, status, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			resume_at = excluded.resume_at,
			payload = excluded.payload,
			status = excluded.status,
			attempts = excluded.attempts,
			last_error = excluded.last_error
	`, t.ID, t.ExecutionID, t.ResumeAt, t.Payload, t.Status, t.Attempts, t.LastError)
	return err
}

// DuePendingTimers returns every timer whose resumeAt has passed and
// which is still pending — the set the cron sweeper re-enqueues.
func (s *SQLiteStore) DuePendingTimers(now time.Time) ([]*WorkflowTimer, error) {
	rows, err := s.db.Query(`
		SELECT id, execution_id, resume_at, payload, status, attempts, last_error
		FROM workflow_timers
		WHERE status = 'pending' AND resume_at <= ?
		ORDER BY resume_at
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var timers []*WorkflowTimer
	for rows.Next() {
		t := &WorkflowTimer{}
		var lastError *string
		if err := rows.Scan(&t.ID, &t.ExecutionID, &t.ResumeAt, &t.Payload, &t.Status, &t.Attempts, &lastError); err != nil {
			return nil, err
		}
		if lastError != nil {
			t.LastError = *lastError
		}
		timers = append(timers, t)
	}
	return timers, rows.Err()
}

// MarkTimerStatus transitions a timer's status (pending -> in_flight ->
// completed/failed) and records the sweep error, if any.
func (s *SQLiteStore) MarkTimerStatus(id, status, lastError string) error {
	_, err := s.db.Exec(`
		UPDATE workflow_timers
		SET status = ?, last_error = ?, attempts = attempts + 1
		WHERE id = ?
	`, status, lastError, id)
	return err
}

// ClaimTimer atomically transitions a pending timer to in_flight, the CAS
// the sweeper needs so two sweep cycles (or a sweeper racing a crash
// recovery pass) never both enqueue the same resume. Returns false, nil if
// the timer was not in pending state when this ran.
func (s *SQLiteStore) ClaimTimer(id string) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE workflow_timers
		SET status = 'in_flight', attempts = attempts + 1
		WHERE id = ? AND status = 'pending'
	`, id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
