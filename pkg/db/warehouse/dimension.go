package warehouse

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/canopy-network/commercex/pkg/db/clickhouse"
	"github.com/canopy-network/commercex/pkg/db/entities"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/canopy-network/commercex/pkg/etlerr"
)

func (db *DB) selectDimensions(ctx context.Context, dim entities.Dimension, where string, args ...any) ([]dwh.DimensionRow, error) {
	if !dim.IsValid() {
		return nil, fmt.Errorf("unknown dimension %q", dim)
	}
	query := db.selectSQL(dim.TableName(), dwh.DimensionColumns, true)
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY natural_key, effective_date, surrogate_key"

	var rows []dwh.DimensionRow
	if err := db.SelectWithFinal(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].Dimension = dim
		rows[i].EffectiveDate = rows[i].EffectiveDate.UTC()
		if rows[i].ExpiryDate != nil {
			e := rows[i].ExpiryDate.UTC()
			rows[i].ExpiryDate = &e
		}
		if rows[i].Attributes == nil {
			rows[i].Attributes = map[string]string{}
		}
	}
	return rows, nil
}

func groupByKey(rows []dwh.DimensionRow) map[string][]dwh.DimensionRow {
	out := make(map[string][]dwh.DimensionRow)
	for _, r := range rows {
		out[r.NaturalKey] = append(out[r.NaturalKey], r)
	}
	return out
}

func (db *DB) CurrentDimensions(ctx context.Context, dim entities.Dimension, naturalKeys []string) (map[string][]dwh.DimensionRow, error) {
	if len(naturalKeys) == 0 {
		return map[string][]dwh.DimensionRow{}, nil
	}
	rows, err := db.selectDimensions(ctx, dim, "natural_key IN (?) AND is_current", naturalKeys)
	if err != nil {
		return nil, etlerr.Store("CurrentDimensions", err)
	}
	return groupByKey(rows), nil
}

func (db *DB) DimensionHistory(ctx context.Context, dim entities.Dimension, naturalKeys []string) (map[string][]dwh.DimensionRow, error) {
	if len(naturalKeys) == 0 {
		return map[string][]dwh.DimensionRow{}, nil
	}
	rows, err := db.selectDimensions(ctx, dim, "natural_key IN (?)", naturalKeys)
	if err != nil {
		return nil, etlerr.Store("DimensionHistory", err)
	}
	return groupByKey(rows), nil
}

func (db *DB) ScanDimensions(ctx context.Context, dim entities.Dimension) ([]dwh.DimensionRow, error) {
	rows, err := db.selectDimensions(ctx, dim, "")
	if err != nil {
		return nil, etlerr.Store("ScanDimensions", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].SurrogateKey < rows[j].SurrogateKey })
	return rows, nil
}

func (db *DB) InsertDimension(ctx context.Context, row dwh.DimensionRow) (dwh.DimensionRow, error) {
	if !row.Dimension.IsValid() {
		return dwh.DimensionRow{}, etlerr.Store("InsertDimension", fmt.Errorf("unknown dimension %q", row.Dimension))
	}
	db.keyMu.Lock()
	defer db.keyMu.Unlock()

	key, err := db.keyFor(ctx, row.Dimension)
	if err != nil {
		return dwh.DimensionRow{}, etlerr.Store("InsertDimension", err)
	}
	first := firstVersion(row, key)
	if err := db.writeDimensionRows(ctx, row.Dimension, first); err != nil {
		return dwh.DimensionRow{}, etlerr.Store("InsertDimension", err)
	}
	db.nextKey[row.Dimension] = key + 1
	return first.Clone(), nil
}

// SupersedeDimension writes the closed version of current and its successor in a
// single INSERT block, which ClickHouse applies atomically. The closed row carries
// a higher version so FINAL collapses it over the open one.
func (db *DB) SupersedeDimension(ctx context.Context, current dwh.DimensionRow, expiry time.Time, next dwh.DimensionRow) (dwh.DimensionRow, error) {
	dim := current.Dimension
	if !dim.IsValid() {
		return dwh.DimensionRow{}, etlerr.Store("SupersedeDimension", fmt.Errorf("unknown dimension %q", dim))
	}
	db.keyMu.Lock()
	defer db.keyMu.Unlock()

	stored, err := db.selectDimensions(clickhouse.WithSequentialConsistency(ctx), dim, "natural_key = ?", current.NaturalKey)
	if err != nil {
		return dwh.DimensionRow{}, etlerr.Store("SupersedeDimension", err)
	}
	var (
		match       *dwh.DimensionRow
		currentRows int
	)
	for i := range stored {
		if !stored[i].IsCurrent {
			continue
		}
		currentRows++
		if stored[i].SurrogateKey == current.SurrogateKey {
			match = &stored[i]
		}
	}
	if match == nil || match.Version != current.Version {
		return dwh.DimensionRow{}, &etlerr.ConsistencyError{
			Dimension:   dim.String(),
			NaturalKey:  current.NaturalKey,
			CurrentRows: currentRows,
			Detail:      fmt.Sprintf("row %d changed underneath the conformer", current.SurrogateKey),
		}
	}

	key, err := db.keyFor(ctx, dim)
	if err != nil {
		return dwh.DimensionRow{}, etlerr.Store("SupersedeDimension", err)
	}
	next.Dimension = dim
	next.NaturalKey = current.NaturalKey
	successor := firstVersion(next, key)
	if err := db.writeDimensionRows(ctx, dim, match.Closed(expiry), successor); err != nil {
		return dwh.DimensionRow{}, etlerr.Store("SupersedeDimension", err)
	}
	db.nextKey[dim] = key + 1
	return successor.Clone(), nil
}

func firstVersion(row dwh.DimensionRow, key uint64) dwh.DimensionRow {
	out := row.Clone()
	out.SurrogateKey = key
	out.ExpiryDate = nil
	out.IsCurrent = true
	out.Version = 1
	return out
}

// keyFor returns the next free surrogate key of dim. Callers hold keyMu.
func (db *DB) keyFor(ctx context.Context, dim entities.Dimension) (uint64, error) {
	if next, ok := db.nextKey[dim]; ok {
		return next, nil
	}
	var maxKey uint64
	query := fmt.Sprintf(`SELECT max(surrogate_key) FROM %s`, db.Table(dim.TableName()))
	if err := db.QueryRow(ctx, query).Scan(&maxKey); err != nil {
		return 0, fmt.Errorf("read max surrogate key of %s: %w", dim, err)
	}
	return maxKey + 1, nil
}

func (db *DB) writeDimensionRows(ctx context.Context, dim entities.Dimension, rows ...dwh.DimensionRow) error {
	batch, err := db.PrepareBatch(ctx, db.insertSQL(dim.TableName(), dwh.DimensionColumns))
	if err != nil {
		return err
	}
	defer func(batch driver.Batch) {
		_ = batch.Abort()
	}(batch)

	for _, r := range rows {
		attrs := r.Attributes
		if attrs == nil {
			attrs = map[string]string{}
		}
		err = batch.Append(
			r.SurrogateKey,
			r.NaturalKey,
			attrs,
			r.EffectiveDate,
			r.ExpiryDate,
			r.IsCurrent,
			r.Version,
		)
		if err != nil {
			return err
		}
	}
	return batch.Send()
}
