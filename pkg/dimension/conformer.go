// Package dimension conforms staged records into type 2 slowly changing dimensions.
package dimension

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

// Spec binds a dimension to the staged fields it tracks.
type Spec struct {
	Dimension entities.Dimension
	Tracked   []string
	// KeyOf extracts the member key from a staged record. Empty means not a member.
	KeyOf func(dwh.StagedRecord) string
}

var specs = map[entities.Dimension]Spec{
	entities.CustomerDim: {
		Dimension: entities.CustomerDim,
		Tracked:   []string{"name", "email", "city", "state", "country", "tier", "signup_date"},
		KeyOf:     func(r dwh.StagedRecord) string { return r.NaturalKey },
	},
	entities.ProductDim: {
		Dimension: entities.ProductDim,
		Tracked:   []string{"name", "category", "subcategory", "brand", "unit_price", "unit_cost", "is_active"},
		KeyOf:     func(r dwh.StagedRecord) string { return r.NaturalKey },
	},
	entities.SessionDim: {
		Dimension: entities.SessionDim,
		Tracked:   []string{"customer_id", "device_type", "traffic_source"},
		KeyOf:     func(r dwh.StagedRecord) string { return r.Field("session_id") },
	},
}

// SpecFor returns the conformance spec of dim.
func SpecFor(dim entities.Dimension) (Spec, bool) {
	s, ok := specs[dim]
	return s, ok
}

// ConformResult summarises one Conform call.
type ConformResult struct {
	Dimension entities.Dimension
	Keys      int
	Inserted  int
	Expired   int
	Unchanged int
	// Stale counts changes older than the current version of their key.
	Stale int
	// Deferred counts records stamped after asOf.
	Deferred int
}

// Conformer applies staged changes to dimension history.
type Conformer struct {
	store     db.Store
	logger    *zap.Logger
	batchSize int
}

func NewConformer(store db.Store, logger *zap.Logger, batchSize int) *Conformer {
	if batchSize <= 0 {
		batchSize = 10000
	}
	return &Conformer{store: store, logger: logger, batchSize: batchSize}
}

// ProgressName is the progress marker of dim.
func ProgressName(dim entities.Dimension) string {
	return "conform:" + dim.String()
}

// Conform applies every staged change of dim with source time up to and including asOf.
//
// Records are read by load order after the stored progress, so a change staged late is
// applied no matter how old its source time is. Records stamped after asOf stay unread
// until a later call. Changes to one key are applied in ascending source time, each as
// one atomic close-and-insert. A cancelled context stops between keys.
//
// Effective and expiry dates come from the source time of each record, never from asOf.
func (c *Conformer) Conform(ctx context.Context, dim entities.Dimension, asOf time.Time) (ConformResult, error) {
	start := time.Now()
	res := ConformResult{Dimension: dim}
	spec, ok := SpecFor(dim)
	if !ok {
		return res, fmt.Errorf("unknown dimension %q", dim)
	}

	after, err := c.store.Progress(ctx, ProgressName(dim))
	if err != nil {
		return res, etlerr.Store("read progress", err)
	}
	scanned, err := c.store.ScanStagedAfter(ctx, dim.Source(), after)
	if err != nil {
		return res, etlerr.Store("scan staged", err)
	}

	// next stops short of the first record left for a later call.
	next, deferred := after, false
	records := make([]dwh.StagedRecord, 0, len(scanned))
	for _, r := range scanned {
		if r.SourceTime.After(asOf) {
			deferred = true
			res.Deferred++
			continue
		}
		records = append(records, r)
		if !deferred {
			next = r.Seq
		}
	}

	byKey := make(map[string][]dwh.StagedRecord)
	for _, r := range records {
		if key := spec.KeyOf(r); key != "" {
			byKey[key] = append(byKey[key], r)
		}
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	res.Keys = len(keys)

	for from := 0; from < len(keys); from += c.batchSize {
		to := from + c.batchSize
		if to > len(keys) {
			to = len(keys)
		}
		chunk := keys[from:to]
		history, err := c.store.DimensionHistory(ctx, dim, chunk)
		if err != nil {
			return res, etlerr.Store("dimension history", err)
		}
		for _, key := range chunk {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if err := c.conformKey(ctx, spec, key, history[key], byKey[key], &res); err != nil {
				return res, err
			}
		}
	}

	if next > after {
		if err := c.store.SetProgress(ctx, ProgressName(dim), next); err != nil {
			return res, etlerr.Store("set progress", err)
		}
	}

	c.logger.Info("Dimension conformed",
		zap.String("dimension", dim.String()),
		zap.Time("asOf", asOf),
		zap.Int("keys", res.Keys),
		zap.Int("inserted", res.Inserted),
		zap.Int("expired", res.Expired),
		zap.Int("unchanged", res.Unchanged),
		zap.Int("stale", res.Stale),
		zap.Int("deferred", res.Deferred),
		zap.Float64("durationMs", float64(time.Since(start).Microseconds())/1000.0))
	return res, nil
}

func (c *Conformer) conformKey(ctx context.Context, spec Spec, key string, history []dwh.DimensionRow, records []dwh.StagedRecord, res *ConformResult) error {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].SourceTime.Equal(records[j].SourceTime) {
			return records[i].SourceTime.Before(records[j].SourceTime)
		}
		return records[i].Seq < records[j].Seq
	})

	for _, rec := range records {
		p := Proposal{NaturalKey: key, At: rec.SourceTime, Attributes: tracked(spec, rec)}
		d, err := Decide(spec.Dimension.String(), history, p)
		if err != nil {
			return err
		}
		switch d.Action {
		case ActionInsert:
			row, err := c.store.InsertDimension(ctx, dwh.DimensionRow{
				Dimension:     spec.Dimension,
				NaturalKey:    key,
				Attributes:    d.Attributes,
				EffectiveDate: p.At,
			})
			if err != nil {
				return etlerr.Store("insert dimension", err)
			}
			history = append(history, row)
			res.Inserted++
		case ActionSupersede:
			row, err := c.store.SupersedeDimension(ctx, *d.Current, p.At, dwh.DimensionRow{
				Dimension:     spec.Dimension,
				NaturalKey:    key,
				Attributes:    d.Attributes,
				EffectiveDate: p.At,
			})
			if err != nil {
				return etlerr.Store("supersede dimension", err)
			}
			history = replaceCurrent(history, d.Current.SurrogateKey, p.At, row)
			res.Inserted++
			res.Expired++
		case ActionNoop:
			res.Unchanged++
		case ActionStale:
			res.Stale++
			c.logger.Debug("Ignoring stale dimension change",
				zap.String("dimension", spec.Dimension.String()),
				zap.String("naturalKey", key),
				zap.Time("at", p.At),
				zap.Time("currentEffective", d.Current.EffectiveDate))
		}
	}
	return nil
}

func tracked(spec Spec, rec dwh.StagedRecord) map[string]string {
	out := make(map[string]string, len(spec.Tracked))
	for _, f := range spec.Tracked {
		if v, ok := rec.Fields[f]; ok {
			out[f] = v
		}
	}
	return out
}

func replaceCurrent(history []dwh.DimensionRow, closedKey uint64, expiry time.Time, next dwh.DimensionRow) []dwh.DimensionRow {
	out := make([]dwh.DimensionRow, 0, len(history)+1)
	for _, row := range history {
		if row.SurrogateKey == closedKey {
			row = row.Closed(expiry)
		}
		out = append(out, row)
	}
	return append(out, next)
}
