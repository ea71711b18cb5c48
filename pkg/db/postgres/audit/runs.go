package audit

import (
	"context"
	"fmt"

	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/canopy-network/commercex/pkg/db/postgres"
	"github.com/canopy-network/commercex/pkg/etlerr"
	"github.com/jackc/pgx/v5"
)

func (db *DB) BeginRun(ctx context.Context, entry dwh.AuditEntry) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (run_id, window_start, window_end, started_at, status, stage_counts, error_counts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, RunsTableName)

	err := db.Exec(ctx, query,
		entry.RunID,
		entry.WindowStart,
		entry.WindowEnd,
		entry.StartedAt,
		string(dwh.RunRunning),
		counts(entry.StageCounts),
		counts(entry.ErrorCounts),
	)
	if err == nil {
		return nil
	}
	if isRunLockViolation(err) {
		return fmt.Errorf("run %s: %w", entry.RunID, etlerr.ErrRunInProgress)
	}
	if postgres.IsUniqueViolation(err) {
		return fmt.Errorf("run %s already recorded", entry.RunID)
	}
	return fmt.Errorf("insert run %s: %w", entry.RunID, err)
}

// FinishRun closes a running entry. The status guard in the WHERE clause keeps a
// closed entry immutable.
func (db *DB) FinishRun(ctx context.Context, entry dwh.AuditEntry) error {
	if !entry.Status.Closed() {
		return fmt.Errorf("run %s: cannot finish with status %q", entry.RunID, entry.Status)
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET ended_at = $2, status = $3, stage_counts = $4, error_counts = $5, error_text = $6
		WHERE run_id = $1 AND status = $7
	`, RunsTableName)

	tag, err := db.GetExecutor(ctx).Exec(ctx, query,
		entry.RunID,
		entry.EndedAt,
		string(entry.Status),
		counts(entry.StageCounts),
		counts(entry.ErrorCounts),
		entry.ErrorText,
		string(dwh.RunRunning),
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", entry.RunID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := db.GetRun(ctx, entry.RunID)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("run %s not found", entry.RunID)
	}
	return fmt.Errorf("run %s already closed as %s", entry.RunID, current.Status)
}

func (db *DB) GetRun(ctx context.Context, runID string) (*dwh.AuditEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE run_id = $1`, entryColumns, RunsTableName)
	entry, err := scanEntry(db.QueryRow(ctx, query, runID))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query run %s: %w", runID, err)
	}
	return &entry, nil
}

// LastSuccessfulRun returns the closed run reaching furthest, partial runs included.
func (db *DB) LastSuccessfulRun(ctx context.Context) (*dwh.AuditEntry, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status IN ($1, $2)
		ORDER BY window_end DESC, started_at DESC
		LIMIT 1
	`, entryColumns, RunsTableName)

	entry, err := scanEntry(db.QueryRow(ctx, query, string(dwh.RunSuccess), string(dwh.RunPartial)))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query last successful run: %w", err)
	}
	return &entry, nil
}

// RecentRuns returns runs newest first. A non-positive limit returns all of them.
func (db *DB) RecentRuns(ctx context.Context, limit int) ([]dwh.AuditEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY started_at DESC, run_id DESC`, entryColumns, RunsTableName)
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (dwh.AuditEntry, error) {
		return scanEntry(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan recent runs: %w", err)
	}
	return entries, nil
}
