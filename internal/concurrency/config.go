package concurrency

import (
	"os"
	"strconv"
	"time"
)

// Config holds the engine's concurrency, lease, and sandbox tuning knobs,
// loaded from the environment-variable contract in spec §6. Adapted from
// the teacher's getEnv* helper style; the field set is rebuilt around the
// engine's own variables instead of DeepDAG's 3 fixed agent rate limits.
type Config struct {
	// EXECUTION_WORKER_CONCURRENCY / EXECUTION_TENANT_CONCURRENCY: the
	// global N and per-tenant T dispatch tokens (§4.5.2, §5).
	WorkerConcurrency int
	TenantConcurrency int

	MaxRetries       int
	RetryDelayMs     int64
	MaxRetryDelayMs  int64

	LockDurationMs   int64
	LockRenewMs      int64

	HeartbeatIntervalMs int64
	HeartbeatTimeoutMs  int64
	HeartbeatPersistMs  int64

	SandboxMaxCPUMs        int64
	SandboxCPUQuotaMs      int64
	SandboxMaxMemoryMB     int64
	SandboxCgroupRoot      string
	SandboxHeartbeatIntervalMs int64
	SandboxHeartbeatTimeoutMs  int64
	SandboxExecutor            string // "worker" | "process"

	DataResidencyRegion string // "us" | "eu" | "apac"
	QueueDriver         string // "durable" | "inmemory"
	GenericExecutorEnabled bool

	LockProvider  string
	EtcdEndpoints string
	RedisAddr     string
	LockTimeout   time.Duration
}

// LoadConfig reads every EXECUTION_*/SANDBOX_*/lock variable from the
// environment with the defaults spec §9's "no environment variable should
// be load-bearing for correctness" note expects.
func LoadConfig() *Config {
	return &Config{
		WorkerConcurrency: getEnvInt("EXECUTION_WORKER_CONCURRENCY", 10),
		TenantConcurrency: getEnvInt("EXECUTION_TENANT_CONCURRENCY", 3),

		MaxRetries:      getEnvInt("EXECUTION_MAX_RETRIES", 3),
		RetryDelayMs:    getEnvInt64("EXECUTION_RETRY_DELAY_MS", 1000),
		MaxRetryDelayMs: getEnvInt64("EXECUTION_MAX_RETRY_DELAY_MS", 30000),

		LockDurationMs: getEnvInt64("EXECUTION_LOCK_DURATION_MS", 30000),
		LockRenewMs:    getEnvInt64("EXECUTION_LOCK_RENEW_MS", 10000),

		HeartbeatIntervalMs: getEnvInt64("EXECUTION_HEARTBEAT_INTERVAL_MS", 5000),
		HeartbeatTimeoutMs:  getEnvInt64("EXECUTION_HEARTBEAT_TIMEOUT_MS", 20000),
		HeartbeatPersistMs:  getEnvInt64("EXECUTION_HEARTBEAT_PERSIST_MS", 15000),

		SandboxMaxCPUMs:            getEnvInt64("SANDBOX_MAX_CPU_MS", 10000),
		SandboxCPUQuotaMs:          getEnvInt64("SANDBOX_CPU_QUOTA_MS", 10000),
		SandboxMaxMemoryMB:         getEnvInt64("SANDBOX_MAX_MEMORY_MB", 256),
		SandboxCgroupRoot:          getEnvString("SANDBOX_CGROUP_ROOT", ""),
		SandboxHeartbeatIntervalMs: getEnvInt64("SANDBOX_HEARTBEAT_INTERVAL_MS", 500),
		SandboxHeartbeatTimeoutMs:  getEnvInt64("SANDBOX_HEARTBEAT_TIMEOUT_MS", 3000),
		SandboxExecutor:            getEnvString("SANDBOX_EXECUTOR", "process"),

		DataResidencyRegion:    getEnvString("DATA_RESIDENCY_REGION", "us"),
		QueueDriver:            getEnvString("QUEUE_DRIVER", "inmemory"),
		GenericExecutorEnabled: getEnvBool("GENERIC_EXECUTOR_ENABLED", true),

		LockProvider:  getEnvString("LOCK_PROVIDER", "none"),
		EtcdEndpoints: getEnvString("ETCD_ENDPOINTS", "localhost:2379"),
		RedisAddr:     getEnvString("REDIS_ADDR", "localhost:6379"),
		LockTimeout:   getEnvDuration("LOCK_TIMEOUT", 30*time.Second),
	}
}

func getEnvInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvString(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
