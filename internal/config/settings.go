// Package config loads the engine's environment-variable contract (§6)
// through viper, keeping the teacher's env > env-yaml > base-yaml
// precedence and HDRP_ENV-style environment overlay idiom, retargeted at
// workflow-engine settings instead of the three fixed agent-service
// addresses DeepDAG hardcoded.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the application's fully resolved settings.
type Config struct {
	Environment string            `mapstructure:"environment"`
	Execution   ExecutionConfig   `mapstructure:"execution"`
	Sandbox     SandboxConfig     `mapstructure:"sandbox"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Lock        LockConfig        `mapstructure:"lock"`
	Storage     StorageConfig     `mapstructure:"storage"`
}

// ExecutionConfig holds the orchestrator's dispatch, retry, and lease tuning.
type ExecutionConfig struct {
	WorkerConcurrency int `mapstructure:"worker_concurrency"`
	TenantConcurrency int `mapstructure:"tenant_concurrency"`
	MaxRetries        int `mapstructure:"max_retries"`
	RetryDelayMs      int64 `mapstructure:"retry_delay_ms"`
	MaxRetryDelayMs   int64 `mapstructure:"max_retry_delay_ms"`
	LockDurationMs    int64 `mapstructure:"lock_duration_ms"`
	LockRenewMs       int64 `mapstructure:"lock_renew_ms"`
	HeartbeatIntervalMs int64 `mapstructure:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs  int64 `mapstructure:"heartbeat_timeout_ms"`
	HeartbeatPersistMs  int64 `mapstructure:"heartbeat_persist_ms"`
}

// SandboxConfig holds the SandboxSupervisor's resource/network/executor knobs.
type SandboxConfig struct {
	MaxCPUMs            int64  `mapstructure:"max_cpu_ms"`
	CPUQuotaMs          int64  `mapstructure:"cpu_quota_ms"`
	MaxMemoryMB         int64  `mapstructure:"max_memory_mb"`
	CgroupRoot          string `mapstructure:"cgroup_root"`
	HeartbeatIntervalMs int64  `mapstructure:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs  int64  `mapstructure:"heartbeat_timeout_ms"`
	Executor            string `mapstructure:"executor"` // worker | process
}

// QueueConfig holds the region/queue-driver selection.
type QueueConfig struct {
	DataResidencyRegion   string `mapstructure:"data_residency_region"` // us | eu | apac
	Driver                string `mapstructure:"driver"`                // durable | inmemory
	GenericExecutorEnabled bool  `mapstructure:"generic_executor_enabled"`
}

// LockConfig holds distributed locking configuration.
type LockConfig struct {
	Provider       string      `mapstructure:"provider"` // none, etcd, redis
	Etcd           EtcdConfig  `mapstructure:"etcd"`
	Redis          RedisConfig `mapstructure:"redis"`
	TimeoutSeconds int         `mapstructure:"timeout_seconds"`
}

// EtcdConfig holds etcd-specific settings.
type EtcdConfig struct {
	Endpoints string `mapstructure:"endpoints"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Address string `mapstructure:"address"`
}

// StorageConfig holds storage path configuration.
type StorageConfig struct {
	Database DatabaseConfig `mapstructure:"database"`
}

// DatabaseConfig holds database-specific settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// Load reads configuration from YAML files and environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (the §6 contract: EXECUTION_*, SANDBOX_*, etc.)
//  2. Environment-specific YAML (e.g., config.dev.yaml)
//  3. Base YAML (config.yaml)
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath == "" {
		configPath = filepath.Join("..", "config", "config.yaml")
	}
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	configDir := filepath.Dir(configPath)
	configExt := filepath.Ext(configPath)
	configBase := strings.TrimSuffix(filepath.Base(configPath), configExt)

	env := os.Getenv("WORKFLOWENGINE_ENV")
	if env == "" {
		env = v.GetString("environment")
	}
	if env == "" {
		env = "development"
	}

	envConfigPath := filepath.Join(configDir, fmt.Sprintf("%s.%s%s", configBase, env, configExt))
	if _, err := os.Stat(envConfigPath); err == nil {
		v.SetConfigFile(envConfigPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to merge environment config: %w", err)
		}
	}

	v.SetDefault("execution.worker_concurrency", 10)
	v.SetDefault("execution.tenant_concurrency", 3)
	v.SetDefault("execution.max_retries", 3)
	v.SetDefault("execution.retry_delay_ms", 1000)
	v.SetDefault("execution.max_retry_delay_ms", 30000)
	v.SetDefault("execution.lock_duration_ms", 30000)
	v.SetDefault("execution.lock_renew_ms", 10000)
	v.SetDefault("execution.heartbeat_interval_ms", 5000)
	v.SetDefault("execution.heartbeat_timeout_ms", 20000)
	v.SetDefault("execution.heartbeat_persist_ms", 15000)
	v.SetDefault("sandbox.max_cpu_ms", 10000)
	v.SetDefault("sandbox.cpu_quota_ms", 10000)
	v.SetDefault("sandbox.max_memory_mb", 256)
	v.SetDefault("sandbox.heartbeat_interval_ms", 500)
	v.SetDefault("sandbox.heartbeat_timeout_ms", 3000)
	v.SetDefault("sandbox.executor", "process")
	v.SetDefault("queue.data_residency_region", "us")
	v.SetDefault("queue.driver", "inmemory")
	v.SetDefault("queue.generic_executor_enabled", true)
	v.SetDefault("lock.provider", "none")

	// AutomaticEnv is not enabled: each key below is bound explicitly to
	// its flat SCREAMING_SNAKE environment name, since those names don't
	// follow the nested dotted-key convention above.
	bindings := map[string]string{
		"execution.worker_concurrency":   "EXECUTION_WORKER_CONCURRENCY",
		"execution.tenant_concurrency":   "EXECUTION_TENANT_CONCURRENCY",
		"execution.max_retries":          "EXECUTION_MAX_RETRIES",
		"execution.retry_delay_ms":       "EXECUTION_RETRY_DELAY_MS",
		"execution.max_retry_delay_ms":   "EXECUTION_MAX_RETRY_DELAY_MS",
		"execution.lock_duration_ms":     "EXECUTION_LOCK_DURATION_MS",
		"execution.lock_renew_ms":        "EXECUTION_LOCK_RENEW_MS",
		"execution.heartbeat_interval_ms": "EXECUTION_HEARTBEAT_INTERVAL_MS",
		"execution.heartbeat_timeout_ms":  "EXECUTION_HEARTBEAT_TIMEOUT_MS",
		"execution.heartbeat_persist_ms":  "EXECUTION_HEARTBEAT_PERSIST_MS",
		"sandbox.max_cpu_ms":             "SANDBOX_MAX_CPU_MS",
		"sandbox.cpu_quota_ms":           "SANDBOX_CPU_QUOTA_MS",
		"sandbox.max_memory_mb":          "SANDBOX_MAX_MEMORY_MB",
		"sandbox.cgroup_root":            "SANDBOX_CGROUP_ROOT",
		"sandbox.heartbeat_interval_ms":  "SANDBOX_HEARTBEAT_INTERVAL_MS",
		"sandbox.heartbeat_timeout_ms":   "SANDBOX_HEARTBEAT_TIMEOUT_MS",
		"sandbox.executor":               "SANDBOX_EXECUTOR",
		"queue.data_residency_region":    "DATA_RESIDENCY_REGION",
		"queue.driver":                   "QUEUE_DRIVER",
		"queue.generic_executor_enabled": "GENERIC_EXECUTOR_ENABLED",
		"lock.provider":                  "LOCK_PROVIDER",
		"lock.etcd.endpoints":            "ETCD_ENDPOINTS",
		"lock.redis.address":             "REDIS_ADDR",
	}
	for key, env := range bindings {
		v.BindEnv(key, env)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Execution.WorkerConcurrency <= 0 {
		return fmt.Errorf("execution.worker_concurrency must be greater than 0")
	}
	if cfg.Execution.TenantConcurrency <= 0 {
		return fmt.Errorf("execution.tenant_concurrency must be greater than 0")
	}
	switch cfg.Queue.DataResidencyRegion {
	case "us", "eu", "apac":
	default:
		return fmt.Errorf("queue.data_residency_region must be one of us|eu|apac, got %q", cfg.Queue.DataResidencyRegion)
	}
	return nil
}

// LockRenewInterval is min(1s, lockRenewMs/2), the lease renewal cadence
// used by the heartbeat pump (§4.5.3).
func (c *ExecutionConfig) LockRenewInterval() time.Duration {
	half := time.Duration(c.LockRenewMs/2) * time.Millisecond
	if half > time.Second {
		return time.Second
	}
	if half <= 0 {
		return time.Second
	}
	return half
}

// LockDuration is max(lockDurationMs, 5s), the floor the lease TTL never
// drops below.
func (c *ExecutionConfig) LockDuration() time.Duration {
	d := time.Duration(c.LockDurationMs) * time.Millisecond
	if d < 5*time.Second {
		return 5 * time.Second
	}
	return d
}
