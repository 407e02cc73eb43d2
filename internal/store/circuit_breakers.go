package store

import "time"

// SaveCircuitBreaker upserts a (connectorId, nodeId) breaker snapshot.
// Nothing in the engine calls it; in-process breaker state is not
// persisted across restarts.
func (s *SQLiteStore) SaveCircuitBreaker(r *CircuitBreakerRow) error {
	_, err := s.db.Exec(`
		INSERT INTO circuit_breakers (connector_id, node_id, state, consecutive_failures, opened_at, last_failure_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(connector_id, node_id) DO UPDATE SET
			state = excluded.state,
			consecutive_failures = excluded.consecutive_failures,
			opened_at = excluded.opened_at,
			last_failure_at = excluded.last_failure_at
	`, r.ConnectorID, r.NodeID, r.State, r.ConsecutiveFailures, r.OpenedAt, r.LastFailureAt)
	return err
}

// ListCircuitBreakers returns every persisted breaker snapshot.
func (s *SQLiteStore) ListCircuitBreakers() ([]*CircuitBreakerRow, error) {
	rows, err := s.db.Query(`
		SELECT connector_id, node_id, state, consecutive_failures, opened_at, last_failure_at
		FROM circuit_breakers
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CircuitBreakerRow
	for rows.Next() {
		r := &CircuitBreakerRow{}
		if err := rows.Scan(&r.ConnectorID, &r.NodeID, &r.State, &r.ConsecutiveFailures, &r.OpenedAt, &r.LastFailureAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteStaleCircuitBreakers drops closed breakers that haven't recorded
// a failure since inactiveSince — run by the hourly maintenance sweep.
func (s *SQLiteStore) DeleteStaleCircuitBreakers(inactiveSince time.Time) (int64, error) {
	result, err := s.db.Exec(`
		DELETE FROM circuit_breakers
		WHERE state = 'closed' AND (last_failure_at IS NULL OR last_failure_at <= ?)
	`, inactiveSince)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
