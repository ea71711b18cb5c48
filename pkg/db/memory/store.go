// Package memory is an in-process implementation of the warehouse and audit stores.
//
// Every mutating call holds one lock for its whole duration, so multi-row changes
// (closing a dimension row and inserting its successor, swapping a metric table) are
// atomic with respect to readers. It backs unit tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/canopy-network/commercex/pkg/db"
	"github.com/canopy-network/commercex/pkg/db/entities"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/canopy-network/commercex/pkg/etlerr"
	"github.com/puzpuzpuz/xsync/v4"
)

var _ db.Store = (*Store)(nil)

// Fault lets tests fail a named operation. Returning nil lets the call proceed.
type Fault func(op string) error

type dimTable struct {
	rows    map[uint64]dwh.DimensionRow
	byKey   map[string][]uint64
	nextKey uint64
}

type funnelKey struct {
	date  int64
	stage string
}

// Store is the in-memory warehouse.
type Store struct {
	mu sync.RWMutex

	seq        uint64
	staged     map[entities.Entity][]dwh.StagedRecord
	stagedKeys map[entities.Entity]map[dwh.StageKey]bool

	dims map[entities.Dimension]*dimTable

	factIDs  map[entities.Fact]map[dwh.FactID]bool
	orders   []dwh.OrderFact
	items    []dwh.OrderItemFact
	events   []dwh.WebEventFact
	behavior []dwh.BehaviorFact

	rfm      []dwh.RFMRow
	funnel   map[funnelKey]dwh.FunnelRow
	cohorts  []dwh.CohortRow
	affinity []dwh.AffinityRow

	progress *xsync.Map[string, uint64]

	faultMu sync.RWMutex
	fault   Fault
}

func New() *Store {
	s := &Store{
		staged:     make(map[entities.Entity][]dwh.StagedRecord),
		stagedKeys: make(map[entities.Entity]map[dwh.StageKey]bool),
		dims:       make(map[entities.Dimension]*dimTable),
		factIDs:    make(map[entities.Fact]map[dwh.FactID]bool),
		funnel:     make(map[funnelKey]dwh.FunnelRow),
		progress:   xsync.NewMap[string, uint64](),
	}
	for _, d := range entities.Dimensions() {
		s.dims[d] = &dimTable{rows: make(map[uint64]dwh.DimensionRow), byKey: make(map[string][]uint64)}
	}
	for _, f := range entities.Facts() {
		s.factIDs[f] = make(map[dwh.FactID]bool)
	}
	return s
}

// SetFault installs a fault hook; nil removes it.
func (s *Store) SetFault(f Fault) {
	s.faultMu.Lock()
	s.fault = f
	s.faultMu.Unlock()
}

func (s *Store) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.faultMu.RLock()
	f := s.fault
	s.faultMu.RUnlock()
	if f == nil {
		return nil
	}
	return etlerr.Store(op, f(op))
}

func (s *Store) Close() error { return nil }

// --- Staging

func (s *Store) ExistingStageKeys(ctx context.Context, entity entities.Entity, keys []dwh.StageKey) (map[dwh.StageKey]bool, error) {
	if err := s.check(ctx, "ExistingStageKeys"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[dwh.StageKey]bool)
	for _, k := range keys {
		if s.stagedKeys[entity][k] {
			out[k] = true
		}
	}
	return out, nil
}

func (s *Store) AppendStaged(ctx context.Context, records []dwh.StagedRecord) error {
	if err := s.check(ctx, "AppendStaged"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if !r.Entity.IsValid() {
			return fmt.Errorf("append staged: unknown entity %q", r.Entity)
		}
	}
	for _, r := range records {
		s.seq++
		r.Seq = s.seq
		r.Fields = copyFields(r.Fields)
		s.staged[r.Entity] = append(s.staged[r.Entity], r)
		keys := s.stagedKeys[r.Entity]
		if keys == nil {
			keys = make(map[dwh.StageKey]bool)
			s.stagedKeys[r.Entity] = keys
		}
		keys[r.Key()] = true
	}
	return nil
}

func (s *Store) ScanStaged(ctx context.Context, entity entities.Entity, from, to time.Time) ([]dwh.StagedRecord, error) {
	if err := s.check(ctx, "ScanStaged"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []dwh.StagedRecord
	for _, r := range s.staged[entity] {
		if !inRange(r.SourceTime, from, to) {
			continue
		}
		r.Fields = copyFields(r.Fields)
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) ScanStagedAfter(ctx context.Context, entity entities.Entity, afterSeq uint64) ([]dwh.StagedRecord, error) {
	if err := s.check(ctx, "ScanStagedAfter"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []dwh.StagedRecord
	for _, r := range s.staged[entity] {
		if r.Seq <= afterSeq {
			continue
		}
		r.Fields = copyFields(r.Fields)
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) CountStaged(ctx context.Context, entity entities.Entity) (int64, error) {
	if err := s.check(ctx, "CountStaged"); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.staged[entity])), nil
}

// --- Dimensions

func (s *Store) table(dim entities.Dimension) (*dimTable, error) {
	t, ok := s.dims[dim]
	if !ok {
		return nil, fmt.Errorf("unknown dimension %q", dim)
	}
	return t, nil
}

func (s *Store) CurrentDimensions(ctx context.Context, dim entities.Dimension, naturalKeys []string) (map[string][]dwh.DimensionRow, error) {
	if err := s.check(ctx, "CurrentDimensions"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(dim)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]dwh.DimensionRow)
	for _, key := range naturalKeys {
		for _, sk := range t.byKey[key] {
			if row := t.rows[sk]; row.IsCurrent {
				out[key] = append(out[key], row.Clone())
			}
		}
	}
	return out, nil
}

func (s *Store) DimensionHistory(ctx context.Context, dim entities.Dimension, naturalKeys []string) (map[string][]dwh.DimensionRow, error) {
	if err := s.check(ctx, "DimensionHistory"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(dim)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]dwh.DimensionRow)
	for _, key := range naturalKeys {
		for _, sk := range t.byKey[key] {
			out[key] = append(out[key], t.rows[sk].Clone())
		}
		sortHistory(out[key])
	}
	return out, nil
}

func (s *Store) InsertDimension(ctx context.Context, row dwh.DimensionRow) (dwh.DimensionRow, error) {
	if err := s.check(ctx, "InsertDimension"); err != nil {
		return dwh.DimensionRow{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(row.Dimension)
	if err != nil {
		return dwh.DimensionRow{}, err
	}
	return t.insert(row), nil
}

func (s *Store) SupersedeDimension(ctx context.Context, current dwh.DimensionRow, expiry time.Time, next dwh.DimensionRow) (dwh.DimensionRow, error) {
	if err := s.check(ctx, "SupersedeDimension"); err != nil {
		return dwh.DimensionRow{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(current.Dimension)
	if err != nil {
		return dwh.DimensionRow{}, err
	}
	stored, ok := t.rows[current.SurrogateKey]
	if !ok || !stored.IsCurrent || stored.Version != current.Version {
		return dwh.DimensionRow{}, &etlerr.ConsistencyError{
			Dimension:   current.Dimension.String(),
			NaturalKey:  current.NaturalKey,
			CurrentRows: t.currentCount(current.NaturalKey),
			Detail:      fmt.Sprintf("row %d changed underneath the conformer", current.SurrogateKey),
		}
	}
	t.rows[stored.SurrogateKey] = stored.Closed(expiry)
	next.Dimension = current.Dimension
	next.NaturalKey = current.NaturalKey
	return t.insert(next), nil
}

func (s *Store) ScanDimensions(ctx context.Context, dim entities.Dimension) ([]dwh.DimensionRow, error) {
	if err := s.check(ctx, "ScanDimensions"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(dim)
	if err != nil {
		return nil, err
	}
	out := make([]dwh.DimensionRow, 0, len(t.rows))
	for _, row := range t.rows {
		out = append(out, row.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SurrogateKey < out[j].SurrogateKey })
	return out, nil
}

func (t *dimTable) insert(row dwh.DimensionRow) dwh.DimensionRow {
	t.nextKey++
	row = row.Clone()
	row.SurrogateKey = t.nextKey
	row.ExpiryDate = nil
	row.IsCurrent = true
	row.Version = 1
	t.rows[row.SurrogateKey] = row
	t.byKey[row.NaturalKey] = append(t.byKey[row.NaturalKey], row.SurrogateKey)
	return row.Clone()
}

func (t *dimTable) currentCount(key string) int {
	n := 0
	for _, sk := range t.byKey[key] {
		if t.rows[sk].IsCurrent {
			n++
		}
	}
	return n
}

// --- Facts

func (s *Store) ExistingFacts(ctx context.Context, fact entities.Fact, ids []dwh.FactID) (map[dwh.FactID]bool, error) {
	if err := s.check(ctx, "ExistingFacts"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	known, ok := s.factIDs[fact]
	if !ok {
		return nil, fmt.Errorf("unknown fact %q", fact)
	}
	out := make(map[dwh.FactID]bool)
	for _, id := range ids {
		if known[id] {
			out[id] = true
		}
	}
	return out, nil
}

// insertFacts appends rows whose id is not yet present. Facts are write-once.
func insertFacts[T interface{ ID() dwh.FactID }](s *Store, ctx context.Context, op string, fact entities.Fact, dst *[]T, rows []T) error {
	if err := s.check(ctx, op); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	known := s.factIDs[fact]
	for _, r := range rows {
		if known[r.ID()] {
			continue
		}
		known[r.ID()] = true
		*dst = append(*dst, r)
	}
	return nil
}

func (s *Store) InsertOrderFacts(ctx context.Context, rows []dwh.OrderFact) error {
	return insertFacts(s, ctx, "InsertOrderFacts", entities.OrderFacts, &s.orders, cloneOrders(rows))
}

func (s *Store) InsertOrderItemFacts(ctx context.Context, rows []dwh.OrderItemFact) error {
	return insertFacts(s, ctx, "InsertOrderItemFacts", entities.OrderItemFacts, &s.items, rows)
}

func (s *Store) InsertWebEventFacts(ctx context.Context, rows []dwh.WebEventFact) error {
	return insertFacts(s, ctx, "InsertWebEventFacts", entities.WebEventFacts, &s.events, rows)
}

func (s *Store) InsertBehaviorFacts(ctx context.Context, rows []dwh.BehaviorFact) error {
	return insertFacts(s, ctx, "InsertBehaviorFacts", entities.BehaviorFacts, &s.behavior, rows)
}

func (s *Store) OrderFactsForCustomers(ctx context.Context, customerIDs []string) (map[string][]dwh.OrderFact, error) {
	if err := s.check(ctx, "OrderFactsForCustomers"); err != nil {
		return nil, err
	}
	want := toSet(customerIDs)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]dwh.OrderFact)
	for _, f := range s.orders {
		if want[f.CustomerID] {
			out[f.CustomerID] = append(out[f.CustomerID], cloneOrder(f))
		}
	}
	return out, nil
}

func (s *Store) OrderFactsByID(ctx context.Context, orderIDs []string) (map[string][]dwh.OrderFact, error) {
	if err := s.check(ctx, "OrderFactsByID"); err != nil {
		return nil, err
	}
	want := toSet(orderIDs)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]dwh.OrderFact)
	for _, f := range s.orders {
		if want[f.OrderID] {
			out[f.OrderID] = append(out[f.OrderID], cloneOrder(f))
		}
	}
	return out, nil
}

func (s *Store) ScanOrderFacts(ctx context.Context, from, to time.Time) ([]dwh.OrderFact, error) {
	if err := s.check(ctx, "ScanOrderFacts"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []dwh.OrderFact
	for _, f := range s.orders {
		if inRange(f.OrderDate, from, to) {
			out = append(out, cloneOrder(f))
		}
	}
	return out, nil
}

func (s *Store) ScanOrderItemFacts(ctx context.Context, from, to time.Time) ([]dwh.OrderItemFact, error) {
	if err := s.check(ctx, "ScanOrderItemFacts"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []dwh.OrderItemFact
	for _, f := range s.items {
		if inRange(f.OrderDate, from, to) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *Store) ScanWebEventFacts(ctx context.Context, from, to time.Time) ([]dwh.WebEventFact, error) {
	if err := s.check(ctx, "ScanWebEventFacts"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []dwh.WebEventFact
	for _, f := range s.events {
		if inRange(f.EventTime, from, to) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *Store) ScanBehaviorFacts(ctx context.Context, from, to time.Time) ([]dwh.BehaviorFact, error) {
	if err := s.check(ctx, "ScanBehaviorFacts"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []dwh.BehaviorFact
	for _, f := range s.behavior {
		if inRange(f.FirstEventAt, from, to) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *Store) WebEventFactsForSessions(ctx context.Context, sessionIDs []string) (map[string][]dwh.WebEventFact, error) {
	if err := s.check(ctx, "WebEventFactsForSessions"); err != nil {
		return nil, err
	}
	want := toSet(sessionIDs)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]dwh.WebEventFact)
	for _, f := range s.events {
		if want[f.SessionID] {
			out[f.SessionID] = append(out[f.SessionID], f)
		}
	}
	return out, nil
}

func (s *Store) SummarisedSessions(ctx context.Context, sessionIDs []string) (map[string]bool, error) {
	if err := s.check(ctx, "SummarisedSessions"); err != nil {
		return nil, err
	}
	want := toSet(sessionIDs)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool)
	for _, f := range s.behavior {
		if want[f.SessionID] {
			out[f.SessionID] = true
		}
	}
	return out, nil
}

func (s *Store) CountFacts(ctx context.Context, fact entities.Fact) (int64, error) {
	if err := s.check(ctx, "CountFacts"); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	known, ok := s.factIDs[fact]
	if !ok {
		return 0, fmt.Errorf("unknown fact %q", fact)
	}
	return int64(len(known)), nil
}

// --- Metrics

func (s *Store) ReplaceRFM(ctx context.Context, rows []dwh.RFMRow) error {
	if err := s.check(ctx, "ReplaceRFM"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rfm = append([]dwh.RFMRow(nil), rows...)
	return nil
}

func (s *Store) ReplaceCohorts(ctx context.Context, rows []dwh.CohortRow) error {
	if err := s.check(ctx, "ReplaceCohorts"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cohorts = append([]dwh.CohortRow(nil), rows...)
	return nil
}

func (s *Store) ReplaceAffinity(ctx context.Context, rows []dwh.AffinityRow) error {
	if err := s.check(ctx, "ReplaceAffinity"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.affinity = append([]dwh.AffinityRow(nil), rows...)
	return nil
}

func (s *Store) MaxFunnelDate(ctx context.Context) (time.Time, bool, error) {
	if err := s.check(ctx, "MaxFunnelDate"); err != nil {
		return time.Time{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		max   time.Time
		found bool
	)
	for _, row := range s.funnel {
		if !found || row.Date.After(max) {
			max, found = row.Date, true
		}
	}
	return max, found, nil
}

func (s *Store) AppendFunnel(ctx context.Context, rows []dwh.FunnelRow) error {
	if err := s.check(ctx, "AppendFunnel"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		s.funnel[funnelKey{date: row.Date.Unix(), stage: row.Stage}] = row
	}
	return nil
}

func (s *Store) RFM(ctx context.Context) ([]dwh.RFMRow, error) {
	if err := s.check(ctx, "RFM"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]dwh.RFMRow(nil), s.rfm...), nil
}

func (s *Store) Funnel(ctx context.Context, from, to time.Time) ([]dwh.FunnelRow, error) {
	if err := s.check(ctx, "Funnel"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []dwh.FunnelRow
	for _, row := range s.funnel {
		if inRange(row.Date, from, to) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].StageOrder < out[j].StageOrder
	})
	return out, nil
}

func (s *Store) Cohorts(ctx context.Context) ([]dwh.CohortRow, error) {
	if err := s.check(ctx, "Cohorts"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]dwh.CohortRow(nil), s.cohorts...), nil
}

func (s *Store) Affinity(ctx context.Context) ([]dwh.AffinityRow, error) {
	if err := s.check(ctx, "Affinity"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]dwh.AffinityRow(nil), s.affinity...), nil
}

// --- Progress

func (s *Store) Progress(ctx context.Context, name string) (uint64, error) {
	if err := s.check(ctx, "Progress"); err != nil {
		return 0, err
	}
	seq, _ := s.progress.Load(name)
	return seq, nil
}

func (s *Store) SetProgress(ctx context.Context, name string, seq uint64) error {
	if err := s.check(ctx, "SetProgress"); err != nil {
		return err
	}
	s.progress.Store(name, seq)
	return nil
}

// --- helpers

// inRange treats a zero upper bound as unbounded.
func inRange(t, from, to time.Time) bool {
	if t.Before(from) {
		return false
	}
	return to.IsZero() || t.Before(to)
}

func toSet(keys []string) map[string]bool {
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		out[k] = true
	}
	return out
}

func copyFields(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneOrder(f dwh.OrderFact) dwh.OrderFact {
	if f.DaysSinceLastOrder != nil {
		d := *f.DaysSinceLastOrder
		f.DaysSinceLastOrder = &d
	}
	return f
}

func cloneOrders(in []dwh.OrderFact) []dwh.OrderFact {
	out := make([]dwh.OrderFact, len(in))
	for i, f := range in {
		out[i] = cloneOrder(f)
	}
	return out
}

func sortHistory(rows []dwh.DimensionRow) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].EffectiveDate.Equal(rows[j].EffectiveDate) {
			return rows[i].EffectiveDate.Before(rows[j].EffectiveDate)
		}
		return rows[i].SurrogateKey < rows[j].SurrogateKey
	})
}
