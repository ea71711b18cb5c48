package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/commercex/pkg/retry"
	"github.com/canopy-network/commercex/pkg/utils"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// UniqueViolation is the SQLSTATE raised when a unique index rejects a row.
const UniqueViolation = "23505"

// Executor is implemented by both *pgxpool.Pool and pgx.Tx.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Client wraps a PostgreSQL connection pool bound to TargetDatabase.
type Client struct {
	Logger         *zap.Logger
	Pool           *pgxpool.Pool
	TargetDatabase string
}

// PoolConfig defines connection pool settings for a specific component
type PoolConfig struct {
	MinConns        int32
	MaxConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	Component       string
}

// New connects to POSTGRES_URL, creates dbName when missing and returns a pool on it.
func New(ctx context.Context, logger *zap.Logger, dbName string, poolConfig *PoolConfig) (Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	if poolConfig == nil {
		poolConfig = PoolConfigFor("")
	}
	dbURL := utils.Env("POSTGRES_URL", "postgres://localhost:5432/postgres")

	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return Client{}, fmt.Errorf("failed to parse POSTGRES_URL: %w", err)
	}
	config.MinConns = poolConfig.MinConns
	config.MaxConns = poolConfig.MaxConns
	config.MaxConnLifetime = poolConfig.ConnMaxLifetime
	config.MaxConnIdleTime = poolConfig.ConnMaxIdleTime

	// Bootstrap against the database named in the URL, then move to dbName.
	bootstrap, err := connect(connCtx, logger, config.Copy(), poolConfig.Component)
	if err != nil {
		return Client{}, err
	}
	boot := Client{Logger: logger, Pool: bootstrap, TargetDatabase: config.ConnConfig.Database}
	if err := boot.CreateDbIfNotExists(connCtx, dbName); err != nil {
		bootstrap.Close()
		return Client{}, err
	}
	if config.ConnConfig.Database == dbName {
		return boot, nil
	}
	bootstrap.Close()

	config.ConnConfig.Database = dbName
	pool, err := connect(connCtx, logger, config, poolConfig.Component)
	if err != nil {
		return Client{}, err
	}

	logger.Info("PostgreSQL connection pool configured",
		zap.String("database", dbName),
		zap.String("component", poolConfig.Component),
		zap.Int32("min_conns", poolConfig.MinConns),
		zap.Int32("max_conns", poolConfig.MaxConns),
		zap.Duration("conn_max_lifetime", poolConfig.ConnMaxLifetime),
		zap.Duration("conn_max_idle_time", poolConfig.ConnMaxIdleTime),
	)
	return Client{Logger: logger, Pool: pool, TargetDatabase: dbName}, nil
}

func connect(ctx context.Context, logger *zap.Logger, config *pgxpool.Config, component string) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	err := retry.WithBackoff(ctx, retry.DefaultConfig(), logger, "postgres_connection", func() error {
		p, openErr := pgxpool.NewWithConfig(ctx, config)
		if openErr != nil {
			return fmt.Errorf("failed to create postgres connection pool: %w", openErr)
		}
		logger.Debug("Pinging PostgreSQL connection",
			zap.String("db", config.ConnConfig.Database),
			zap.String("component", component),
		)
		if pingErr := p.Ping(ctx); pingErr != nil {
			p.Close()
			return fmt.Errorf("failed to ping postgres: %w", pingErr)
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// CreateDbIfNotExists creates dbName from the current connection when it is missing.
func (c *Client) CreateDbIfNotExists(ctx context.Context, dbName string) error {
	var exists bool
	err := c.Pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", dbName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check if database exists: %w", err)
	}
	if exists {
		return nil
	}

	// CREATE DATABASE takes no parameters.
	query := fmt.Sprintf("CREATE DATABASE %s", pgx.Identifier{dbName}.Sanitize())
	c.Logger.Info("Creating database", zap.String("database", dbName))
	if _, err := c.Pool.Exec(ctx, query); err != nil {
		var pgErr *pgconn.PgError
		// Lost a race with another process creating the same database.
		if errors.As(err, &pgErr) && pgErr.Code == "42P04" {
			return nil
		}
		return fmt.Errorf("failed to create database: %w", err)
	}
	return nil
}

// Exec executes a query without returning any rows
func (c *Client) Exec(ctx context.Context, query string, args ...any) error {
	_, err := c.GetExecutor(ctx).Exec(ctx, query, args...)
	return err
}

// Query executes a query that returns rows. The caller must close them.
func (c *Client) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return c.GetExecutor(ctx).Query(ctx, query, args...)
}

func (c *Client) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	return c.GetExecutor(ctx).QueryRow(ctx, query, args...)
}

// BeginFunc runs fn in a transaction, committing when it returns nil. fn's context
// carries the transaction, so Client methods called with it join the transaction.
func (c *Client) BeginFunc(ctx context.Context, fn func(ctx context.Context) error) error {
	return pgx.BeginFunc(ctx, c.Pool, func(tx pgx.Tx) error {
		return fn(c.WithTx(ctx, tx))
	})
}

// SendBatch sends a batch of queries
func (c *Client) SendBatch(ctx context.Context, batch *pgx.Batch) pgx.BatchResults {
	return c.GetExecutor(ctx).SendBatch(ctx, batch)
}

func (c *Client) Close() {
	if c.Pool != nil {
		c.Pool.Close()
	}
}

type ctxKey string

const txKey ctxKey = "pgx_tx"

// WithTx returns a context carrying tx.
func (c *Client) WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey, tx)
}

// GetExecutor returns the transaction in ctx, or the pool when there is none.
func (c *Client) GetExecutor(ctx context.Context) Executor {
	if tx, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return tx
	}
	return c.Pool
}

func (c *Client) TableExists(ctx context.Context, table string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = 'public'
			AND table_name = $1
		)
	`
	var exists bool
	if err := c.QueryRow(ctx, query, table).Scan(&exists); err != nil {
		return false, fmt.Errorf("check if table exists %s: %w", table, err)
	}
	return exists, nil
}

// IsNoRows checks if the error is a "no rows" error
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// IsUniqueViolation reports whether err was raised by a unique constraint.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == UniqueViolation
}

// PoolConfigFor returns pool settings for each component.
func PoolConfigFor(component string) *PoolConfig {
	cfg := &PoolConfig{
		MinConns:        1,
		MaxConns:        10,
		ConnMaxLifetime: utils.EnvDuration("POSTGRES_CONN_MAX_LIFETIME", time.Hour),
		ConnMaxIdleTime: 10 * time.Minute,
		Component:       component,
	}
	switch component {
	case "etl":
		cfg.MinConns, cfg.MaxConns = 2, 8
	case "scheduler":
		cfg.MinConns, cfg.MaxConns = 1, 2
	case "query":
		cfg.MinConns, cfg.MaxConns = 1, 4
	}
	return cfg
}
