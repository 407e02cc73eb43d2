// Package idempotency is the content-addressed result cache (C1):
// (executionId, nodeId, key) -> (resultHash, resultData, expiresAt), with
// a primary durable backend and an authoritative in-memory fallback when
// the primary is unreachable. Grounded on the teacher's dual
// file/in-memory CheckpointStore shape, generalized from per-attempt
// retry checkpoints to content-addressed result caching.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Record is one cached result.
type Record struct {
	ExecutionID    string
	NodeID         string
	IdempotencyKey string
	ResultHash     string
	ResultData     map[string]interface{}
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Backend is the durability contract a Store operates against. The
// concrete SQLite-backed implementation lives in internal/store, bridged
// via NewStoreBackend in adapter.go so this package never imports
// database/sql directly.
type Backend interface {
	UpsertIdempotencyRecord(r *Record) error
	FindIdempotencyRecord(executionID, nodeID, key string) (*Record, error)
	DeleteExpiredIdempotencyRecords(now time.Time) (int64, error)
}

// TTL is the fixed expiry window for every idempotency record.
const TTL = 24 * time.Hour

// Store is C1's public operations surface.
type Store struct {
	mu sync.RWMutex

	primary  Backend
	fallback map[string]*Record // used only when primary is nil or erroring
	usingFallback bool
	activeCount   int
	activeCountValid bool
}

// New constructs a Store. primary may be nil, in which case the store
// operates purely on the in-memory fallback — the authoritative behavior
// for single-node/test mode, not a degraded cache.
func New(primary Backend) *Store {
	return &Store{
		primary:  primary,
		fallback: make(map[string]*Record),
	}
}

func key(executionID, nodeID, idempotencyKey string) string {
	return executionID + "|" + nodeID + "|" + idempotencyKey
}

// Hash computes resultHash = sha256(canonical-JSON(normalize(result))).
// undefined/nil becomes JSON null; if marshaling fails for any reason
// (e.g. a channel or func value leaked into the result), it falls back to
// hashing the Go %v representation so find/upsert still behaves
// consistently rather than erroring the whole node execution.
func Hash(result interface{}) string {
	data, err := canonicalJSON(result)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", result))
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON produces a deterministic encoding: map keys sorted,
// achieved for free by encoding/json's default map marshaling, which
// already sorts string keys.
func canonicalJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// GenerateKey deterministically derives the idempotency key for a node's
// first attempt on an execution: sha256 of executionId|nodeId|attempt, so a
// replayed dispatch of the same attempt (e.g. a worker crash before the
// lease expired and another worker picks the node back up) always computes
// the same key without needing to consult any state beyond its own
// arguments. Callers must still check resumeState.idempotencyKeys[nodeId]
// first and only fall back to GenerateKey when no prior key was recorded —
// this is what lets a resumed execution produce the byte-identical request
// hash an at-least-once connector call requires.
func GenerateKey(executionID, nodeID string, attempt int) string {
	data := fmt.Sprintf("%s|%s|%d", executionID, nodeID, attempt)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// Find returns the cached record for the key, or nil if absent or
// expired. Expired records are never returned, even microseconds past
// expiry.
func (s *Store) Find(ctx context.Context, executionID, nodeID, idempotencyKey string) (*Record, error) {
	if s.primary != nil && !s.usingFallback {
		rec, err := s.primary.FindIdempotencyRecord(executionID, nodeID, idempotencyKey)
		if err == nil {
			return rec, nil
		}
		s.demoteToFallback()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.fallback[key(executionID, nodeID, idempotencyKey)]
	if !ok {
		return nil, nil
	}
	if !rec.ExpiresAt.After(time.Now()) {
		return nil, nil
	}
	return rec, nil
}

// Upsert writes or overwrites a record, last-writer-wins on hash.
func (s *Store) Upsert(ctx context.Context, r *Record) error {
	if r.ExpiresAt.IsZero() {
		r.ExpiresAt = r.CreatedAt.Add(TTL)
	}

	if s.primary != nil && !s.usingFallback {
		if err := s.primary.UpsertIdempotencyRecord(r); err == nil {
			s.invalidateCount()
			return nil
		}
		s.demoteToFallback()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback[key(r.ExecutionID, r.NodeID, r.IdempotencyKey)] = r
	s.activeCountValid = false
	return nil
}

// DeleteExpired evicts every record past its TTL and returns the count
// removed — invoked by the hourly cron sweep.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64

	if s.primary != nil && !s.usingFallback {
		n, err := s.primary.DeleteExpiredIdempotencyRecords(now)
		if err != nil {
			s.demoteToFallback()
		} else {
			total += n
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, rec := range s.fallback {
		if !rec.ExpiresAt.After(now) {
			delete(s.fallback, k)
			total++
		}
	}
	s.activeCountValid = false

	return total, nil
}

// CountActive returns the number of non-expired records in the in-memory
// fallback map. Records written to the primary store are not counted, so
// while the primary is live the result covers only what reached the
// fallback. The count is cached and invalidated on every upsert/delete.
func (s *Store) CountActive(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeCountValid {
		return s.activeCount
	}

	count := 0
	for _, rec := range s.fallback {
		if rec.ExpiresAt.After(now) {
			count++
		}
	}
	s.activeCount = count
	s.activeCountValid = true
	return count
}

func (s *Store) invalidateCount() {
	s.mu.Lock()
	s.activeCountValid = false
	s.mu.Unlock()
}

// demoteToFallback switches the store to in-memory-only mode for the
// remainder of the process lifetime once the primary backend starts
// erroring. The fallback is authoritative, not best-effort, for whatever
// happens after the switch — matching the spec's "not a cache" durability
// note.
func (s *Store) demoteToFallback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usingFallback = true
}

// UsingFallback reports whether the store has demoted off its primary backend.
func (s *Store) UsingFallback() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usingFallback
}
