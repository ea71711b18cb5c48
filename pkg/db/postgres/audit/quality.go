package audit

import (
	"context"
	"fmt"

	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/jackc/pgx/v5"
)

const qualityColumns = `run_id, table_name, check_type, passed, records_checked, records_failed, details, checked_at`

// RecordQuality inserts every result in one transaction.
func (db *DB) RecordQuality(ctx context.Context, checks []dwh.QualityCheck) error {
	if len(checks) == 0 {
		return nil
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, QualityTableName, qualityColumns)

	return db.BeginFunc(ctx, func(ctx context.Context) error {
		batch := &pgx.Batch{}
		for _, q := range checks {
			batch.Queue(query, q.RunID, q.Table, q.CheckType, q.Passed, q.RecordsChecked, q.RecordsFailed, q.Details, q.CheckedAt)
		}
		results := db.SendBatch(ctx, batch)
		for i := range checks {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("insert quality check %d of %d: %w", i+1, len(checks), err)
			}
		}
		return results.Close()
	})
}

func (db *DB) QualityForRun(ctx context.Context, runID string) ([]dwh.QualityCheck, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE run_id = $1 ORDER BY id`, qualityColumns, QualityTableName)
	return db.selectQuality(ctx, query, runID)
}

func (db *DB) QualityHistory(ctx context.Context, table, checkType string, limit int) ([]dwh.QualityCheck, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE table_name = $1 AND check_type = $2
		ORDER BY checked_at DESC, id DESC
	`, qualityColumns, QualityTableName)
	args := []any{table, checkType}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	return db.selectQuality(ctx, query, args...)
}

func (db *DB) selectQuality(ctx context.Context, query string, args ...any) ([]dwh.QualityCheck, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query quality checks: %w", err)
	}
	checks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (dwh.QualityCheck, error) {
		var q dwh.QualityCheck
		err := row.Scan(&q.RunID, &q.Table, &q.CheckType, &q.Passed, &q.RecordsChecked, &q.RecordsFailed, &q.Details, &q.CheckedAt)
		q.CheckedAt = q.CheckedAt.UTC()
		return q, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan quality checks: %w", err)
	}
	return checks, nil
}
