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

// stagedRow is the storage shape of dwh.StagedRecord.
type stagedRow struct {
	Seq        uint64            `ch:"seq"`
	Entity     string            `ch:"entity"`
	NaturalKey string            `ch:"natural_key"`
	SourceTime time.Time         `ch:"source_time"`
	LoadedAt   time.Time         `ch:"loaded_at"`
	BatchID    string            `ch:"batch_id"`
	Fields     map[string]string `ch:"fields"`
}

func (r stagedRow) record() dwh.StagedRecord {
	return dwh.StagedRecord{
		Seq:        r.Seq,
		Entity:     entities.Entity(r.Entity),
		NaturalKey: r.NaturalKey,
		SourceTime: r.SourceTime.UTC(),
		LoadedAt:   r.LoadedAt.UTC(),
		BatchID:    r.BatchID,
		Fields:     r.Fields,
	}
}

func (db *DB) ExistingStageKeys(ctx context.Context, entity entities.Entity, keys []dwh.StageKey) (map[dwh.StageKey]bool, error) {
	out := make(map[dwh.StageKey]bool)
	if len(keys) == 0 {
		return out, nil
	}
	if !entity.IsValid() {
		return nil, etlerr.Store("ExistingStageKeys", fmt.Errorf("unknown entity %q", entity))
	}

	naturalKeys := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k.NaturalKey] {
			seen[k.NaturalKey] = true
			naturalKeys = append(naturalKeys, k.NaturalKey)
		}
	}

	var rows []struct {
		NaturalKey string    `ch:"natural_key"`
		SourceTime time.Time `ch:"source_time"`
	}
	query := fmt.Sprintf(`SELECT natural_key, source_time FROM %s WHERE natural_key IN (?)`, db.Table(entity.StagingTableName()))
	if err := db.Select(ctx, &rows, query, naturalKeys); err != nil {
		return nil, etlerr.Store("ExistingStageKeys", err)
	}

	type stored struct {
		key    string
		micros int64
	}
	have := make(map[stored]bool, len(rows))
	for _, r := range rows {
		have[stored{r.NaturalKey, micros(r.SourceTime)}] = true
	}
	for _, k := range keys {
		if have[stored{k.NaturalKey, micros(time.Unix(0, k.SourceTime))}] {
			out[k] = true
		}
	}
	return out, nil
}

// AppendStaged inserts records with sequence numbers continuing from the highest
// stored one, one INSERT per entity.
func (db *DB) AppendStaged(ctx context.Context, records []dwh.StagedRecord) error {
	if len(records) == 0 {
		return nil
	}
	byEntity := make(map[entities.Entity][]dwh.StagedRecord)
	for _, r := range records {
		if !r.Entity.IsValid() {
			return etlerr.Store("AppendStaged", fmt.Errorf("unknown entity %q", r.Entity))
		}
		byEntity[r.Entity] = append(byEntity[r.Entity], r)
	}

	db.keyMu.Lock()
	defer db.keyMu.Unlock()

	for _, entity := range entities.All() {
		batchRecords := byEntity[entity]
		if len(batchRecords) == 0 {
			continue
		}
		next, err := db.seqFor(ctx, entity)
		if err != nil {
			return etlerr.Store("AppendStaged", err)
		}
		if err := db.insertStaged(ctx, entity, next, batchRecords); err != nil {
			return etlerr.Store("AppendStaged", err)
		}
		db.nextSeq[entity] = next + uint64(len(batchRecords))
	}
	return nil
}

func (db *DB) insertStaged(ctx context.Context, entity entities.Entity, next uint64, records []dwh.StagedRecord) error {
	batch, err := db.PrepareBatch(ctx, db.insertSQL(entity.StagingTableName(), dwh.StagedColumns))
	if err != nil {
		return err
	}
	defer func(batch driver.Batch) {
		_ = batch.Abort()
	}(batch)

	for i, r := range records {
		fields := r.Fields
		if fields == nil {
			fields = map[string]string{}
		}
		err = batch.Append(
			next+uint64(i),
			string(r.Entity),
			r.NaturalKey,
			r.SourceTime,
			r.LoadedAt,
			r.BatchID,
			fields,
		)
		if err != nil {
			return err
		}
	}
	return batch.Send()
}

// seqFor returns the next free sequence number of entity. Callers hold keyMu.
func (db *DB) seqFor(ctx context.Context, entity entities.Entity) (uint64, error) {
	if next, ok := db.nextSeq[entity]; ok {
		return next, nil
	}
	var maxSeq uint64
	query := fmt.Sprintf(`SELECT max(seq) FROM %s`, db.Table(entity.StagingTableName()))
	if err := db.QueryRow(ctx, query).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("read max seq of %s: %w", entity, err)
	}
	return maxSeq + 1, nil
}

func (db *DB) ScanStaged(ctx context.Context, entity entities.Entity, from, to time.Time) ([]dwh.StagedRecord, error) {
	if !entity.IsValid() {
		return nil, etlerr.Store("ScanStaged", fmt.Errorf("unknown entity %q", entity))
	}
	where, args := timeRange("source_time", from, to)
	query := fmt.Sprintf(`%s WHERE %s ORDER BY seq`, db.selectSQL(entity.StagingTableName(), dwh.StagedColumns, false), where)

	var rows []stagedRow
	if err := db.Select(ctx, &rows, query, args...); err != nil {
		return nil, etlerr.Store("ScanStaged", err)
	}
	out := make([]dwh.StagedRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func (db *DB) ScanStagedAfter(ctx context.Context, entity entities.Entity, afterSeq uint64) ([]dwh.StagedRecord, error) {
	if !entity.IsValid() {
		return nil, etlerr.Store("ScanStagedAfter", fmt.Errorf("unknown entity %q", entity))
	}
	query := fmt.Sprintf(`%s WHERE seq > ? ORDER BY seq`, db.selectSQL(entity.StagingTableName(), dwh.StagedColumns, false))

	var rows []stagedRow
	if err := db.Select(ctx, &rows, query, afterSeq); err != nil {
		return nil, etlerr.Store("ScanStagedAfter", err)
	}
	out := make([]dwh.StagedRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func (db *DB) CountStaged(ctx context.Context, entity entities.Entity) (int64, error) {
	if !entity.IsValid() {
		return 0, etlerr.Store("CountStaged", fmt.Errorf("unknown entity %q", entity))
	}
	var n uint64
	query := fmt.Sprintf(`SELECT count() FROM %s`, db.Table(entity.StagingTableName()))
	if err := db.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, etlerr.Store("CountStaged", err)
	}
	return int64(n), nil
}
