package idempotency

import (
	"time"

	"workflowengine/internal/store"
)

// storeAdapter bridges store.Store (SQLite-backed) to this package's
// Backend interface, translating between store.IdempotencyRecord and
// Record so internal/store never has to import internal/idempotency.
type storeAdapter struct {
	db store.Store
}

// NewStoreBackend wraps a durable store.Store as an idempotency Backend.
func NewStoreBackend(db store.Store) Backend {
	return &storeAdapter{db: db}
}

func (a *storeAdapter) UpsertIdempotencyRecord(r *Record) error {
	return a.db.UpsertIdempotencyRecord(&store.IdempotencyRecord{
		ExecutionID:    r.ExecutionID,
		NodeID:         r.NodeID,
		IdempotencyKey: r.IdempotencyKey,
		ResultHash:     r.ResultHash,
		ResultData:     r.ResultData,
		CreatedAt:      r.CreatedAt,
		ExpiresAt:      r.ExpiresAt,
	})
}

func (a *storeAdapter) FindIdempotencyRecord(executionID, nodeID, key string) (*Record, error) {
	rec, err := a.db.FindIdempotencyRecord(executionID, nodeID, key)
	if err != nil || rec == nil {
		return nil, err
	}
	return &Record{
		ExecutionID:    rec.ExecutionID,
		NodeID:         rec.NodeID,
		IdempotencyKey: rec.IdempotencyKey,
		ResultHash:     rec.ResultHash,
		ResultData:     rec.ResultData,
		CreatedAt:      rec.CreatedAt,
		ExpiresAt:      rec.ExpiresAt,
	}, nil
}

func (a *storeAdapter) DeleteExpiredIdempotencyRecords(now time.Time) (int64, error) {
	return a.db.DeleteExpiredIdempotencyRecords(now)
}
