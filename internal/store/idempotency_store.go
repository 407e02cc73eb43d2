package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertIdempotencyRecord is last-writer-wins on hash, matching the
// at-most-once-per-key contract: concurrent executeWithRetry calls racing
// on the same key simply agree on whichever write lands last.
func (s *SQLiteStore) UpsertIdempotencyRecord(r *IdempotencyRecord) error {
	dataJSON, err := marshalJSON(r.ResultData)
	if err != nil {
		return fmt.Errorf("encode resultData: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO idempotency_records (execution_id, node_id, idempotency_key, result_hash, result_data, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, node_id, idempotency_key) DO UPDATE SET
			result_hash = excluded.result_hash,
			result_data = excluded.result_data,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`, r.ExecutionID, r.NodeID, r.IdempotencyKey, r.ResultHash, dataJSON, r.CreatedAt, r.ExpiresAt)
	return err
}

// FindIdempotencyRecord returns the cached record, or nil if it doesn't
// exist or has already expired — an expired row is never surfaced, even
// microseconds past its expiresAt.
func (s *SQLiteStore) FindIdempotencyRecord(executionID, nodeID, key string) (*IdempotencyRecord, error) {
	var r IdempotencyRecord
	var dataJSON string

	err := s.db.QueryRow(`
		SELECT execution_id, node_id, idempotency_key, result_hash, result_data, created_at, expires_at
		FROM idempotency_records
		WHERE execution_id = ? AND node_id = ? AND idempotency_key = ?
	`, executionID, nodeID, key).Scan(
		&r.ExecutionID, &r.NodeID, &r.IdempotencyKey, &r.ResultHash, &dataJSON, &r.CreatedAt, &r.ExpiresAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if !r.ExpiresAt.After(time.Now()) {
		return nil, nil
	}

	if err := unmarshalJSON(dataJSON, &r.ResultData); err != nil {
		return nil, fmt.Errorf("decode resultData: %w", err)
	}

	return &r, nil
}

// DeleteExpiredIdempotencyRecords sweeps every record past its TTL. Run
// by the hourly cron sweeper.
func (s *SQLiteStore) DeleteExpiredIdempotencyRecords(now time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM idempotency_records WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
