package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/canopy-network/commercex/pkg/db/entities"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/canopy-network/commercex/pkg/etlerr"
)

// replaceTable rebuilds metric in its shadow table and exchanges the two, so
// readers see either the previous or the new contents and nothing in between.
func replaceTable[T any](ctx context.Context, db *DB, metric entities.Metric, columns []dwh.ColumnDef, rows []T) error {
	table := metric.TableName()
	shadow := table + shadowSuffix

	if err := db.Exec(ctx, fmt.Sprintf(`TRUNCATE TABLE IF EXISTS %s %s`, db.Table(shadow), db.OnCluster())); err != nil {
		return fmt.Errorf("truncate %s: %w", shadow, err)
	}
	if len(rows) > 0 {
		if err := appendRows(ctx, db, shadow, columns, rows); err != nil {
			return fmt.Errorf("fill %s: %w", shadow, err)
		}
	}
	if err := db.Exec(ctx, fmt.Sprintf(`EXCHANGE TABLES %s AND %s %s`, db.Table(table), db.Table(shadow), db.OnCluster())); err != nil {
		return fmt.Errorf("exchange %s: %w", table, err)
	}
	return nil
}

func appendRows[T any](ctx context.Context, db *DB, table string, columns []dwh.ColumnDef, rows []T) error {
	batch, err := db.PrepareBatch(ctx, db.insertSQL(table, columns))
	if err != nil {
		return err
	}
	defer func(batch driver.Batch) {
		_ = batch.Abort()
	}(batch)

	for i := range rows {
		if err := batch.AppendStruct(&rows[i]); err != nil {
			return err
		}
	}
	return batch.Send()
}

func (db *DB) ReplaceRFM(ctx context.Context, rows []dwh.RFMRow) error {
	return etlerr.Store("ReplaceRFM", replaceTable(ctx, db, entities.RFMMetric, dwh.RFMColumns, rows))
}

func (db *DB) ReplaceCohorts(ctx context.Context, rows []dwh.CohortRow) error {
	return etlerr.Store("ReplaceCohorts", replaceTable(ctx, db, entities.CohortMetric, dwh.CohortColumns, rows))
}

func (db *DB) ReplaceAffinity(ctx context.Context, rows []dwh.AffinityRow) error {
	return etlerr.Store("ReplaceAffinity", replaceTable(ctx, db, entities.AffinityMetric, dwh.AffinityColumns, rows))
}

func (db *DB) MaxFunnelDate(ctx context.Context) (time.Time, bool, error) {
	var (
		n    uint64
		last time.Time
	)
	query := fmt.Sprintf(`SELECT count(), max(date) FROM %s`, db.Table(entities.FunnelMetric.TableName()))
	if err := db.QueryRow(ctx, query).Scan(&n, &last); err != nil {
		return time.Time{}, false, etlerr.Store("MaxFunnelDate", err)
	}
	if n == 0 {
		return time.Time{}, false, nil
	}
	return last.UTC(), true, nil
}

// AppendFunnel inserts daily funnel rows. A day written twice collapses to the
// latest insert under FINAL.
func (db *DB) AppendFunnel(ctx context.Context, rows []dwh.FunnelRow) error {
	if len(rows) == 0 {
		return nil
	}
	return etlerr.Store("AppendFunnel", appendRows(ctx, db, entities.FunnelMetric.TableName(), dwh.FunnelColumns, rows))
}

func (db *DB) RFM(ctx context.Context) ([]dwh.RFMRow, error) {
	var rows []dwh.RFMRow
	query := db.selectSQL(entities.RFMMetric.TableName(), dwh.RFMColumns, false) + " ORDER BY customer_key"
	if err := db.Select(ctx, &rows, query); err != nil {
		return nil, etlerr.Store("RFM", err)
	}
	for i := range rows {
		rows[i].ComputedAt = rows[i].ComputedAt.UTC()
	}
	return rows, nil
}

func (db *DB) Funnel(ctx context.Context, from, to time.Time) ([]dwh.FunnelRow, error) {
	where, args := timeRange("date", from, to)
	query := fmt.Sprintf(`%s WHERE %s ORDER BY date, stage_order`,
		db.selectSQL(entities.FunnelMetric.TableName(), dwh.FunnelColumns, true), where)

	var rows []dwh.FunnelRow
	if err := db.SelectWithFinal(ctx, &rows, query, args...); err != nil {
		return nil, etlerr.Store("Funnel", err)
	}
	for i := range rows {
		rows[i].Date = rows[i].Date.UTC()
	}
	return rows, nil
}

func (db *DB) Cohorts(ctx context.Context) ([]dwh.CohortRow, error) {
	var rows []dwh.CohortRow
	query := db.selectSQL(entities.CohortMetric.TableName(), dwh.CohortColumns, false) + " ORDER BY cohort_month, months_since_first"
	if err := db.Select(ctx, &rows, query); err != nil {
		return nil, etlerr.Store("Cohorts", err)
	}
	for i := range rows {
		rows[i].CohortMonth = rows[i].CohortMonth.UTC()
	}
	return rows, nil
}

func (db *DB) Affinity(ctx context.Context) ([]dwh.AffinityRow, error) {
	var rows []dwh.AffinityRow
	query := db.selectSQL(entities.AffinityMetric.TableName(), dwh.AffinityColumns, false) + " ORDER BY product_a, product_b"
	if err := db.Select(ctx, &rows, query); err != nil {
		return nil, etlerr.Store("Affinity", err)
	}
	return rows, nil
}

func (db *DB) Progress(ctx context.Context, name string) (uint64, error) {
	var rows []struct {
		Seq uint64 `ch:"seq"`
	}
	query := fmt.Sprintf(`SELECT seq FROM %s FINAL WHERE name = ?`, db.Table(ProgressTableName))
	if err := db.SelectWithFinal(ctx, &rows, query, name); err != nil {
		return 0, etlerr.Store("Progress", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Seq, nil
}

func (db *DB) SetProgress(ctx context.Context, name string, seq uint64) error {
	query := fmt.Sprintf(`INSERT INTO %s (name, seq, updated_at) VALUES (?, ?, ?)`, db.Table(ProgressTableName))
	return etlerr.Store("SetProgress", db.Exec(ctx, query, name, seq, time.Now().UTC()))
}
