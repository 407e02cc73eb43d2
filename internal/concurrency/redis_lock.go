package concurrency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLock implements distributed locking on top of Redis SET NX / a
// compare-and-delete Lua script, the minimal single-instance subset of
// Redlock sufficient for one Redis deployment fronting the lease/heartbeat
// path (§4.5.3). The value is a UUID minted once per RedisLock instance,
// so release/extend only ever touch a lock this instance actually holds.
type RedisLock struct {
	client *redis.Client
	owner  string
}

const lockKeyPrefix = "workflowengine:lock:"

var errLockNotOwned = errors.New("lock not held by this owner")

// NewRedisLock dials addr and verifies connectivity before returning.
func NewRedisLock(addr string) (*RedisLock, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisLock{client: client, owner: uuid.NewString()}, nil
}

func lockKey(nodeID string) string {
	return lockKeyPrefix + nodeID
}

// AcquireNodeLock acquires a distributed lock using Redis SET NX with a
// process-unique value so a subsequent Release/Extend can verify ownership.
func (r *RedisLock) AcquireNodeLock(ctx context.Context, nodeID string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, lockKey(nodeID), r.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SetNX failed: %w", err)
	}
	return ok, nil
}

// releaseScript deletes the key only if it still holds this owner's value,
// so a lock already reclaimed by someone else after expiry is left alone.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// ReleaseNodeLock releases the Redis lock via the compare-and-delete script.
func (r *RedisLock) ReleaseNodeLock(ctx context.Context, nodeID string) error {
	result, err := r.client.Eval(ctx, releaseScript, []string{lockKey(nodeID)}, r.owner).Result()
	if err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	if n, ok := result.(int64); ok && n == 0 {
		return errLockNotOwned
	}
	return nil
}

// extendScript extends TTL only if this owner still holds the key.
const extendScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`

// ExtendLock extends the TTL using a compare-and-expire script, the
// heartbeat renewal primitive the lease manager calls on its renew tick.
func (r *RedisLock) ExtendLock(ctx context.Context, nodeID string, ttl time.Duration) error {
	result, err := r.client.Eval(ctx, extendScript, []string{lockKey(nodeID)}, r.owner, ttl.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("redis extend failed: %w", err)
	}
	if n, ok := result.(int64); ok && n == 0 {
		return errLockNotOwned
	}
	return nil
}

// Close closes the Redis client connection.
func (r *RedisLock) Close() error {
	return r.client.Close()
}

// HealthCheck verifies Redis is accessible.
func (r *RedisLock) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.client.Ping(ctx).Err()
}
