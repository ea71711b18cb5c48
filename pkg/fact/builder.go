// Package fact builds immutable, point-in-time resolved fact rows from staged records.
package fact

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/canopy-network/commercex/pkg/db"
	"github.com/canopy-network/commercex/pkg/db/entities"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/canopy-network/commercex/pkg/etlerr"
	"go.uber.org/zap"
)

// BuildResult summarises one Build call.
type BuildResult struct {
	Fact    entities.Fact
	Scanned int
	// Deferred counts staged records stamped at or after the window end.
	Deferred int
	// RowsWritten counts new fact versions.
	RowsWritten int
	// Existing counts versions that were already present.
	Existing       int
	OrderingErrors []etlerr.OrderingError
}

// Builder writes fact rows. Each fact version is written once; derived measures are frozen at write time.
type Builder struct {
	store     db.Store
	logger    *zap.Logger
	batchSize int
	now       func() time.Time
}

type Option func(*Builder)

func WithBatchSize(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

func NewBuilder(store db.Store, logger *zap.Logger, opts ...Option) *Builder {
	b := &Builder{
		store:     store,
		logger:    logger,
		batchSize: 10000,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build writes the facts of one kind for window.
//
// The input is every staged record loaded since the previous build of fact, whatever its
// business time, except records stamped at or after window.End which wait for a later
// window. Records whose dimension references cannot be resolved at their business time
// are reported in OrderingErrors and skipped; the rest are written. Skipped and deferred
// records are read again by the next build.
func (b *Builder) Build(ctx context.Context, fact entities.Fact, window dwh.Window) (BuildResult, error) {
	if err := window.Validate(); err != nil {
		return BuildResult{Fact: fact}, err
	}
	start := time.Now()

	var (
		res BuildResult
		err error
	)
	switch fact {
	case entities.OrderFacts:
		res, err = b.buildOrders(ctx, window)
	case entities.OrderItemFacts:
		res, err = b.buildOrderItems(ctx, window)
	case entities.WebEventFacts:
		res, err = b.buildWebEvents(ctx, window)
	case entities.BehaviorFacts:
		res, err = b.buildBehavior(ctx, window)
	default:
		return BuildResult{Fact: fact}, fmt.Errorf("unknown fact %q", fact)
	}
	res.Fact = fact
	if err != nil {
		return res, err
	}

	b.logger.Info("Fact built",
		zap.String("fact", fact.String()),
		zap.Stringer("window", window),
		zap.Int("scanned", res.Scanned),
		zap.Int("deferred", res.Deferred),
		zap.Int("rowsWritten", res.RowsWritten),
		zap.Int("existing", res.Existing),
		zap.Int("orderingErrors", len(res.OrderingErrors)),
		zap.Float64("durationMs", float64(time.Since(start).Microseconds())/1000.0))
	return res, nil
}

// ProgressName is the progress marker of fact.
func ProgressName(fact entities.Fact) string {
	return "build:" + fact.String()
}

// pending is the part of a fact's source staged since its previous build.
type pending struct {
	fact  entities.Fact
	after uint64
	// records are stamped before the window end, in Seq order.
	records  []dwh.StagedRecord
	deferred []dwh.StagedRecord
	last     uint64
	held     uint64
}

// hold keeps seq and everything loaded after it for the next build.
func (p *pending) hold(seq uint64) {
	if p.held == 0 || seq < p.held {
		p.held = seq
	}
}

func (p *pending) progress() uint64 {
	if p.held != 0 {
		return p.held - 1
	}
	return p.last
}

func (b *Builder) scan(ctx context.Context, fact entities.Fact, window dwh.Window, res *BuildResult) (*pending, error) {
	after, err := b.store.Progress(ctx, ProgressName(fact))
	if err != nil {
		return nil, etlerr.Store("read progress "+fact.String(), err)
	}
	records, err := b.store.ScanStagedAfter(ctx, fact.Source(), after)
	if err != nil {
		return nil, etlerr.Store("scan staged "+fact.Source().String(), err)
	}
	p := &pending{fact: fact, after: after, last: after}
	for _, r := range records {
		p.last = max(p.last, r.Seq)
		if !r.SourceTime.Before(window.End) {
			p.deferred = append(p.deferred, r)
			p.hold(r.Seq)
			continue
		}
		p.records = append(p.records, r)
	}
	res.Scanned = len(p.records)
	res.Deferred = len(p.deferred)
	return p, nil
}

// commit records how far the staged source has been consumed. It runs after the
// facts are written so a failed build is read again in full.
func (b *Builder) commit(ctx context.Context, p *pending) error {
	next := p.progress()
	if next <= p.after {
		return nil
	}
	if err := b.store.SetProgress(ctx, ProgressName(p.fact), next); err != nil {
		return etlerr.Store("set progress "+p.fact.String(), err)
	}
	return nil
}

// fresh drops records whose fact version already exists.
func (b *Builder) fresh(ctx context.Context, fact entities.Fact, records []dwh.StagedRecord) ([]dwh.StagedRecord, int, error) {
	ids := make([]dwh.FactID, len(records))
	for i, r := range records {
		ids[i] = dwh.FactID{NaturalKey: r.NaturalKey, Version: r.SourceTime.UnixNano()}
	}
	existing, err := b.store.ExistingFacts(ctx, fact, ids)
	if err != nil {
		return nil, 0, etlerr.Store("existing facts", err)
	}
	out := make([]dwh.StagedRecord, 0, len(records))
	for i, r := range records {
		if !existing[ids[i]] {
			out = append(out, r)
		}
	}
	return out, len(records) - len(out), nil
}

// history loads every version of the referenced dimension members.
func (b *Builder) history(ctx context.Context, dim entities.Dimension, keys map[string]struct{}) (map[string][]dwh.DimensionRow, error) {
	if len(keys) == 0 {
		return map[string][]dwh.DimensionRow{}, nil
	}
	list := make([]string, 0, len(keys))
	for k := range keys {
		list = append(list, k)
	}
	sort.Strings(list)
	out := make(map[string][]dwh.DimensionRow, len(list))
	for from := 0; from < len(list); from += b.batchSize {
		to := min(from+b.batchSize, len(list))
		h, err := b.store.DimensionHistory(ctx, dim, list[from:to])
		if err != nil {
			return nil, etlerr.Store("dimension history "+dim.String(), err)
		}
		for k, rows := range h {
			out[k] = rows
		}
	}
	return out, nil
}

// PointInTime returns the version of a dimension member in effect at t.
func PointInTime(history []dwh.DimensionRow, t time.Time) (dwh.DimensionRow, bool) {
	for _, row := range history {
		if row.Covers(t) {
			return row, true
		}
	}
	return dwh.DimensionRow{}, false
}

func chunks[T any](rows []T, size int, fn func([]T) error) error {
	for from := 0; from < len(rows); from += size {
		if err := fn(rows[from:min(from+size, len(rows))]); err != nil {
			return err
		}
	}
	return nil
}
