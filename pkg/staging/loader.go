// Package staging lands raw source batches in the append-only staging tables.
package staging

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/canopy-network/commercex/pkg/db"
	"github.com/canopy-network/commercex/pkg/db/entities"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/canopy-network/commercex/pkg/etlerr"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReasonMissingTimestamp rejects records carrying none of their entity's timestamp fields.
const ReasonMissingTimestamp = "missing timestamp"

// maxKeptRejections caps the rejection samples returned in a LoadResult.
const maxKeptRejections = 100

// LoadResult summarises one Load call.
type LoadResult struct {
	BatchID    string
	Accepted   int
	Rejected   int
	Duplicates int
	// Reasons counts rejections by reason.
	Reasons map[string]int
	// Rejections keeps the first rejected records for diagnostics.
	Rejections []etlerr.ValidationError
	ByEntity   map[entities.Entity]int
}

// Loader validates, coerces and deduplicates source records before appending them.
type Loader struct {
	store     db.StagingStore
	logger    *zap.Logger
	batchSize int
	now       func() time.Time
	newID     func() string
}

type Option func(*Loader)

// WithBatchSize bounds how many records go into one store call.
func WithBatchSize(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

// WithClock overrides the load timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Loader) { l.now = now }
}

func NewLoader(store db.StagingStore, logger *zap.Logger, opts ...Option) *Loader {
	l := &Loader{
		store:     store,
		logger:    logger,
		batchSize: 10000,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load stages batch. Invalid records are counted and skipped; only store failures are returned.
//
// Within the batch the last record for an (entity, natural key, source time) wins.
// Against already staged data the first write wins and later copies count as duplicates.
func (l *Loader) Load(ctx context.Context, batch []dwh.RawRecord) (LoadResult, error) {
	start := time.Now()
	loadedAt := l.now().UTC()
	res := LoadResult{
		BatchID:  l.newID(),
		Reasons:  make(map[string]int),
		ByEntity: make(map[entities.Entity]int),
	}

	type slot struct {
		entity entities.Entity
		key    dwh.StageKey
	}
	latest := make(map[slot]int)
	var staged []dwh.StagedRecord

	for _, raw := range batch {
		rec, verr := Validate(raw, loadedAt)
		if verr != nil {
			res.reject(*verr)
			l.logger.Debug("Rejected staged record",
				zap.String("entity", verr.Entity),
				zap.String("naturalKey", verr.NaturalKey),
				zap.String("reason", verr.Reason))
			continue
		}
		rec.BatchID = res.BatchID
		k := slot{entity: rec.Entity, key: rec.Key()}
		if idx, seen := latest[k]; seen {
			staged[idx] = rec
			res.Duplicates++
			continue
		}
		latest[k] = len(staged)
		staged = append(staged, rec)
	}

	byEntity := make(map[entities.Entity][]dwh.StagedRecord)
	for _, rec := range staged {
		byEntity[rec.Entity] = append(byEntity[rec.Entity], rec)
	}

	for _, entity := range entities.All() {
		records := byEntity[entity]
		for from := 0; from < len(records); from += l.batchSize {
			to := from + l.batchSize
			if to > len(records) {
				to = len(records)
			}
			appended, dups, err := l.appendNew(ctx, entity, records[from:to])
			if err != nil {
				return res, fmt.Errorf("stage %s: %w", entity, err)
			}
			res.Accepted += appended
			res.Duplicates += dups
			res.ByEntity[entity] += appended
		}
	}

	l.logger.Info("Staging batch loaded",
		zap.String("batchId", res.BatchID),
		zap.Int("received", len(batch)),
		zap.Int("accepted", res.Accepted),
		zap.Int("rejected", res.Rejected),
		zap.Int("duplicates", res.Duplicates),
		zap.Float64("durationMs", float64(time.Since(start).Microseconds())/1000.0))
	return res, nil
}

func (l *Loader) appendNew(ctx context.Context, entity entities.Entity, records []dwh.StagedRecord) (int, int, error) {
	keys := make([]dwh.StageKey, len(records))
	for i, r := range records {
		keys[i] = r.Key()
	}
	existing, err := l.store.ExistingStageKeys(ctx, entity, keys)
	if err != nil {
		return 0, 0, etlerr.Store("existing stage keys", err)
	}
	fresh := records[:0:0]
	for _, r := range records {
		if !existing[r.Key()] {
			fresh = append(fresh, r)
		}
	}
	if len(fresh) == 0 {
		return 0, len(records), nil
	}
	if err := l.store.AppendStaged(ctx, fresh); err != nil {
		return 0, 0, etlerr.Store("append staged", err)
	}
	return len(fresh), len(records) - len(fresh), nil
}

func (r *LoadResult) reject(v etlerr.ValidationError) {
	r.Rejected++
	r.Reasons[v.Reason]++
	if len(r.Rejections) < maxKeptRejections {
		r.Rejections = append(r.Rejections, v)
	}
}

// Validate coerces raw against its entity schema. A record without any of the
// schema's timestamp fields is rejected: the source time is part of the dedup
// key and must not depend on when the batch was loaded.
func Validate(raw dwh.RawRecord, loadedAt time.Time) (dwh.StagedRecord, *etlerr.ValidationError) {
	schema, ok := SchemaFor(raw.Entity)
	if !ok {
		return dwh.StagedRecord{}, &etlerr.ValidationError{Entity: raw.Entity.String(), Reason: "unknown entity"}
	}
	reject := func(key, reason string) (dwh.StagedRecord, *etlerr.ValidationError) {
		return dwh.StagedRecord{}, &etlerr.ValidationError{Entity: raw.Entity.String(), NaturalKey: key, Reason: reason}
	}

	key, present, err := Coerce(raw.Fields[schema.KeyField], KindString)
	if err != nil || !present {
		return reject("", "missing natural key "+schema.KeyField)
	}

	rec := dwh.StagedRecord{
		Entity:     schema.Entity,
		NaturalKey: key,
		LoadedAt:   loadedAt,
		Fields:     make(map[string]string, len(schema.Fields)+1),
	}

	timeSet := false
	for _, name := range schema.TimeFields {
		v, present, err := Coerce(raw.Fields[name], KindTime)
		if err != nil {
			return reject(key, fmt.Sprintf("%s: %v", name, err))
		}
		if present && !timeSet {
			rec.SourceTime, _ = time.Parse(time.RFC3339Nano, v)
			timeSet = true
		}
		if present {
			rec.Fields[name] = v
		}
	}
	if !timeSet {
		return reject(key, ReasonMissingTimestamp)
	}

	for _, f := range schema.Fields {
		if _, done := rec.Fields[f.Name]; done {
			continue
		}
		v, present, err := Coerce(raw.Fields[f.Name], f.Kind)
		if err != nil {
			return reject(key, fmt.Sprintf("%s: %v", f.Name, err))
		}
		if !present {
			if f.Required {
				return reject(key, "missing required field "+f.Name)
			}
			continue
		}
		rec.Fields[f.Name] = v
	}
	return rec, nil
}

// SortedReasons returns rejection reasons ordered by count, most frequent first.
func (r LoadResult) SortedReasons() []string {
	out := make([]string, 0, len(r.Reasons))
	for reason := range r.Reasons {
		out = append(out, reason)
	}
	sort.Slice(out, func(i, j int) bool {
		if r.Reasons[out[i]] != r.Reasons[out[j]] {
			return r.Reasons[out[i]] > r.Reasons[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}
