package store

// AppendTimelineEvent records a structured event on an execution's
// timeline — node start/complete/fail, quota denial, circuit transition,
// timer fired. This is the audit trail RunExecutionManager exposes
// alongside the execution/attempt rows themselves.
func (s *SQLiteStore) AppendTimelineEvent(executionID, nodeID, eventType string, payload map[string]interface{}) error {
	payloadJSON, err := marshalJSON(payload)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO timeline_events (execution_id, node_id, event_type, payload)
		VALUES (?, ?, ?, ?)
	`, executionID, nullableString(nodeID), eventType, payloadJSON)
	return err
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
