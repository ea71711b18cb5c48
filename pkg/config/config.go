// Package config holds the pipeline's tuning knobs. Connection endpoints stay with
// their clients (CLICKHOUSE_ADDR, POSTGRES_URL, TEMPORAL_HOSTPORT, REDIS_HOST).
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/canopy-network/commercex/pkg/etlerr"
	"github.com/canopy-network/commercex/pkg/retry"
)

const (
	BackendMemory     = "memory"
	BackendClickHouse = "clickhouse"
	BackendPostgres   = "postgres"
)

type Config struct {
	WarehouseBackend string `env:"WAREHOUSE_BACKEND" envDefault:"clickhouse"`
	AuditBackend     string `env:"AUDIT_BACKEND"     envDefault:"postgres"`
	WarehouseDB      string `env:"WAREHOUSE_DB"      envDefault:"commercex_dwh"`
	AuditDB          string `env:"AUDIT_DB"          envDefault:"commercex_audit"`
	SourceDir        string `env:"SOURCE_DIR"        envDefault:"./data"`

	BatchSize   int `env:"BATCH_SIZE"           envDefault:"10000"`
	Parallelism int `env:"PIPELINE_PARALLELISM" envDefault:"4"`

	RowCountTolerancePct float64 `env:"QUALITY_ROWCOUNT_TOLERANCE_PCT" envDefault:"50"`
	TrailingRuns         int     `env:"QUALITY_TRAILING_RUNS"          envDefault:"7"`

	StoreMaxAttempts    int           `env:"STORE_MAX_ATTEMPTS"    envDefault:"5"`
	StoreInitialBackoff time.Duration `env:"STORE_INITIAL_BACKOFF" envDefault:"500ms"`
	StoreMaxBackoff     time.Duration `env:"STORE_MAX_BACKOFF"     envDefault:"30s"`
	StoreQueryTimeout   time.Duration `env:"STORE_QUERY_TIMEOUT"   envDefault:"2m"`

	SchedulerCron  string        `env:"SCHEDULER_CRON"    envDefault:"0 30 2 * * *"`
	SchedulerAddr  string        `env:"SCHEDULER_ADDR"    envDefault:":3000"`
	TriggerTimeout time.Duration `env:"TRIGGER_TIMEOUT"   envDefault:"30s"`
	NotifyRedis    bool          `env:"NOTIFY_REDIS"      envDefault:"false"`
}

// Load parses Config from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration with every default applied and no environment lookups.
func Default() Config {
	var cfg Config
	// parsing an empty environment only applies envDefault tags
	_ = env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}})
	return cfg
}

func (c Config) Validate() error {
	switch c.WarehouseBackend {
	case BackendMemory, BackendClickHouse:
	default:
		return fmt.Errorf("WAREHOUSE_BACKEND must be %q or %q, got %q", BackendMemory, BackendClickHouse, c.WarehouseBackend)
	}
	switch c.AuditBackend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("AUDIT_BACKEND must be %q or %q, got %q", BackendMemory, BackendPostgres, c.AuditBackend)
	}
	if c.Parallelism < 1 {
		return fmt.Errorf("PIPELINE_PARALLELISM must be positive, got %d", c.Parallelism)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.StoreMaxAttempts < 1 {
		return fmt.Errorf("STORE_MAX_ATTEMPTS must be positive, got %d", c.StoreMaxAttempts)
	}
	if c.RowCountTolerancePct < 0 {
		return fmt.Errorf("QUALITY_ROWCOUNT_TOLERANCE_PCT must not be negative")
	}
	if c.TrailingRuns < 1 {
		return fmt.Errorf("QUALITY_TRAILING_RUNS must be positive, got %d", c.TrailingRuns)
	}
	return nil
}

// StoreRetry returns the backoff applied to stage store failures.
func (c Config) StoreRetry() retry.Config {
	return retry.Config{
		MaxRetries:     c.StoreMaxAttempts,
		InitialDelay:   c.StoreInitialBackoff,
		MaxDelay:       c.StoreMaxBackoff,
		Multiplier:     2.0,
		JitterEnabled:  true,
		AttemptTimeout: c.StoreQueryTimeout,
		Retryable:      etlerr.IsRetryable,
	}
}
