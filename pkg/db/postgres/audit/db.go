// Package audit is the PostgreSQL run ledger.
//
// At most one run is open at a time: a partial unique index over running rows
// rejects a second BeginRun, which surfaces as etlerr.ErrRunInProgress.
package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/canopy-network/commercex/pkg/db"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/canopy-network/commercex/pkg/db/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

var _ db.AuditStore = (*DB)(nil)

const (
	RunsTableName    = "audit_runs"
	QualityTableName = "quality_checks"

	runLockIndex = "audit_runs_single_running"
)

// DB is the audit database.
type DB struct {
	postgres.Client
	Name string
}

// New connects and creates the audit tables.
func New(ctx context.Context, logger *zap.Logger, name string, poolConfig *postgres.PoolConfig) (*DB, error) {
	component := ""
	if poolConfig != nil {
		component = poolConfig.Component
	}
	client, err := postgres.New(ctx, logger.With(
		zap.String("db", name),
		zap.String("component", component),
	), name, poolConfig)
	if err != nil {
		return nil, err
	}

	auditDB := &DB{Client: client, Name: name}
	if err := auditDB.InitializeDB(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return auditDB, nil
}

func (db *DB) Close() error {
	db.Client.Close()
	return nil
}

// InitializeDB creates the ledger tables and indexes.
func (db *DB) InitializeDB(ctx context.Context) error {
	db.Logger.Info("Initializing audit database", zap.String("database", db.Name))
	for _, stmt := range schema() {
		if err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("initialize audit schema: %w", err)
		}
	}
	return nil
}

func schema() []string {
	return []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id TEXT PRIMARY KEY,
			window_start TIMESTAMPTZ NOT NULL,
			window_end TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			status TEXT NOT NULL,
			stage_counts JSONB NOT NULL DEFAULT '{}',
			error_counts JSONB NOT NULL DEFAULT '{}',
			error_text TEXT NOT NULL DEFAULT ''
		)`, RunsTableName),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s ((status)) WHERE status = '%s'`,
			runLockIndex, RunsTableName, dwh.RunRunning),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS audit_runs_window_end ON %s (window_end DESC)`, RunsTableName),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES %s (run_id),
			table_name TEXT NOT NULL,
			check_type TEXT NOT NULL,
			passed BOOLEAN NOT NULL,
			records_checked BIGINT NOT NULL DEFAULT 0,
			records_failed BIGINT NOT NULL DEFAULT 0,
			details TEXT NOT NULL DEFAULT '',
			checked_at TIMESTAMPTZ NOT NULL
		)`, QualityTableName, RunsTableName),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS quality_checks_history ON %s (table_name, check_type, checked_at DESC)`, QualityTableName),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS quality_checks_run ON %s (run_id)`, QualityTableName),
	}
}

// isRunLockViolation reports whether err came from the single running run index.
func isRunLockViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == postgres.UniqueViolation && pgErr.ConstraintName == runLockIndex
}

const entryColumns = `run_id, window_start, window_end, started_at, ended_at, status, stage_counts, error_counts, error_text`

func scanEntry(row pgx.Row) (dwh.AuditEntry, error) {
	var (
		e      dwh.AuditEntry
		status string
	)
	err := row.Scan(
		&e.RunID,
		&e.WindowStart,
		&e.WindowEnd,
		&e.StartedAt,
		&e.EndedAt,
		&status,
		&e.StageCounts,
		&e.ErrorCounts,
		&e.ErrorText,
	)
	if err != nil {
		return dwh.AuditEntry{}, err
	}
	e.Status = dwh.RunStatus(status)
	e.WindowStart = e.WindowStart.UTC()
	e.WindowEnd = e.WindowEnd.UTC()
	e.StartedAt = e.StartedAt.UTC()
	if e.EndedAt != nil {
		t := e.EndedAt.UTC()
		e.EndedAt = &t
	}
	if e.StageCounts == nil {
		e.StageCounts = map[string]int64{}
	}
	if e.ErrorCounts == nil {
		e.ErrorCounts = map[string]int64{}
	}
	return e, nil
}

func counts(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}
