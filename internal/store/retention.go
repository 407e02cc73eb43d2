package store

import "time"

// DeleteExecutionsOlderThan removes terminal execution rows (and their
// node-attempt and timeline history) started before cutoff — run by the
// 2h retention sweep (§4.4: "cleanup sweep every 2h deletes executions
// and node logs older than a configurable TTL"). Executions still queued,
// running, or waiting are never swept regardless of age.
func (s *SQLiteStore) DeleteExecutionsOlderThan(cutoff time.Time) (int64, error) {
	terminal := []interface{}{string(StatusCompleted), string(StatusFailed), string(StatusPartial)}

	if _, err := s.db.Exec(`
		DELETE FROM timeline_events WHERE execution_id IN (
			SELECT id FROM executions WHERE started_at <= ? AND status IN (?, ?, ?)
		)
	`, append([]interface{}{cutoff}, terminal...)...); err != nil {
		return 0, err
	}

	if _, err := s.db.Exec(`
		DELETE FROM node_attempts WHERE execution_id IN (
			SELECT id FROM executions WHERE started_at <= ? AND status IN (?, ?, ?)
		)
	`, append([]interface{}{cutoff}, terminal...)...); err != nil {
		return 0, err
	}

	result, err := s.db.Exec(`
		DELETE FROM executions WHERE started_at <= ? AND status IN (?, ?, ?)
	`, append([]interface{}{cutoff}, terminal...)...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
