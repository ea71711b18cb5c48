// Package metrics derives the analytical metric tables from facts and dimensions.
//
// RFM, cohort retention and product affinity are recomputed in full on every run
// and swapped in one step; the conversion funnel only appends dates it has not seen.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/commercex/pkg/db"
	"github.com/canopy-network/commercex/pkg/db/entities"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/canopy-network/commercex/pkg/etlerr"
	"go.uber.org/zap"
)

// Result summarises one derivation.
type Result struct {
	Metric     entities.Metric
	Rows       int
	DurationMs float64
}

// Engine computes metrics against a store.
type Engine struct {
	store  db.Store
	logger *zap.Logger
	pool   pond.Pool
}

// NewEngine creates an engine whose ComputeAll runs at most parallelism derivations at once.
func NewEngine(store db.Store, logger *zap.Logger, parallelism int) *Engine {
	if parallelism <= 0 {
		parallelism = len(entities.Metrics())
	}
	return &Engine{
		store:  store,
		logger: logger,
		pool:   pond.NewPool(parallelism, pond.WithQueueSize(len(entities.Metrics()))),
	}
}

// Close stops the worker pool after in-flight derivations finish.
func (e *Engine) Close() {
	e.pool.StopAndWait()
}

// Compute derives one metric as of now, the end of the run window.
func (e *Engine) Compute(ctx context.Context, metric entities.Metric, now time.Time) (Result, error) {
	start := time.Now()
	var (
		rows int
		err  error
	)
	switch metric {
	case entities.RFMMetric:
		rows, err = e.computeRFM(ctx, now)
	case entities.FunnelMetric:
		rows, err = e.computeFunnel(ctx, now)
	case entities.CohortMetric:
		rows, err = e.computeCohorts(ctx, now)
	case entities.AffinityMetric:
		rows, err = e.computeAffinity(ctx, now)
	default:
		return Result{Metric: metric}, fmt.Errorf("unknown metric %q", metric)
	}
	res := Result{Metric: metric, Rows: rows, DurationMs: float64(time.Since(start).Microseconds()) / 1000.0}
	if err != nil {
		return res, fmt.Errorf("compute %s: %w", metric, err)
	}
	e.logger.Info("Metric computed",
		zap.String("metric", metric.String()),
		zap.Time("now", now),
		zap.Int("rows", rows),
		zap.Float64("durationMs", res.DurationMs))
	return res, nil
}

// ComputeAll derives every metric concurrently. All derivations run to completion;
// the returned error joins every failure.
func (e *Engine) ComputeAll(ctx context.Context, now time.Time) (map[entities.Metric]Result, error) {
	var (
		mu      sync.Mutex
		results = make(map[entities.Metric]Result, len(entities.Metrics()))
		errs    []error
	)

	group := e.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, metric := range entities.Metrics() {
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			res, err := e.Compute(groupCtx, metric, now)
			mu.Lock()
			defer mu.Unlock()
			results[metric] = res
			if err != nil {
				errs = append(errs, err)
			}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		e.logger.Warn("metric group encountered error", zap.Error(err))
	}
	if err := ctx.Err(); err != nil && len(errs) == 0 {
		errs = append(errs, err)
	}
	return results, errors.Join(errs...)
}

func (e *Engine) latestOrders(ctx context.Context, now time.Time) ([]dwh.OrderFact, error) {
	facts, err := e.store.ScanOrderFacts(ctx, time.Time{}, now)
	if err != nil {
		return nil, etlerr.Store("scan order facts", err)
	}
	latest := dwh.LatestOrders(facts)
	out := make([]dwh.OrderFact, 0, len(latest))
	for _, f := range latest {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

// currentKeys maps natural keys to the surrogate key of their current version.
func (e *Engine) currentKeys(ctx context.Context, dim entities.Dimension, naturalKeys []string) (map[string]uint64, error) {
	current, err := e.store.CurrentDimensions(ctx, dim, naturalKeys)
	if err != nil {
		return nil, etlerr.Store("current "+dim.String(), err)
	}
	out := make(map[string]uint64, len(current))
	for key, rows := range current {
		if len(rows) != 1 {
			return nil, &etlerr.ConsistencyError{Dimension: dim.String(), NaturalKey: key, CurrentRows: len(rows)}
		}
		out[key] = rows[0].SurrogateKey
	}
	return out, nil
}

func (e *Engine) computeRFM(ctx context.Context, now time.Time) (int, error) {
	orders, err := e.latestOrders(ctx, now)
	if err != nil {
		return 0, err
	}
	ids := make(map[string]bool)
	var customers []string
	for _, o := range orders {
		if !ids[o.CustomerID] {
			ids[o.CustomerID] = true
			customers = append(customers, o.CustomerID)
		}
	}
	keys, err := e.currentKeys(ctx, entities.CustomerDim, customers)
	if err != nil {
		return 0, err
	}
	rows := RFM(orders, keys, now)
	if err := e.store.ReplaceRFM(ctx, rows); err != nil {
		return 0, etlerr.Store("replace rfm", err)
	}
	return len(rows), nil
}

func (e *Engine) computeFunnel(ctx context.Context, now time.Time) (int, error) {
	last, ok, err := e.store.MaxFunnelDate(ctx)
	if err != nil {
		return 0, etlerr.Store("max funnel date", err)
	}
	from, to := FunnelRange(last, ok, now)
	if !from.Before(to) {
		return 0, nil
	}
	events, err := e.store.ScanWebEventFacts(ctx, from, to)
	if err != nil {
		return 0, etlerr.Store("scan web event facts", err)
	}
	latest := make(map[string]dwh.WebEventFact, len(events))
	for _, ev := range events {
		if cur, seen := latest[ev.EventID]; !seen || ev.Version.After(cur.Version) {
			latest[ev.EventID] = ev
		}
	}
	deduped := make([]dwh.WebEventFact, 0, len(latest))
	for _, ev := range latest {
		deduped = append(deduped, ev)
	}
	rows := Funnel(deduped)
	if len(rows) == 0 {
		return 0, nil
	}
	if err := e.store.AppendFunnel(ctx, rows); err != nil {
		return 0, etlerr.Store("append funnel", err)
	}
	return len(rows), nil
}

func (e *Engine) computeCohorts(ctx context.Context, now time.Time) (int, error) {
	orders, err := e.latestOrders(ctx, now)
	if err != nil {
		return 0, err
	}
	rows := Cohorts(withoutCancelled(orders))
	if err := e.store.ReplaceCohorts(ctx, rows); err != nil {
		return 0, etlerr.Store("replace cohorts", err)
	}
	return len(rows), nil
}

func (e *Engine) computeAffinity(ctx context.Context, now time.Time) (int, error) {
	orders, err := e.latestOrders(ctx, now)
	if err != nil {
		return 0, err
	}
	open := make(map[string]bool)
	for _, o := range withoutCancelled(orders) {
		open[o.OrderID] = true
	}

	items, err := e.store.ScanOrderItemFacts(ctx, time.Time{}, now)
	if err != nil {
		return 0, etlerr.Store("scan order item facts", err)
	}
	byOrder := make(map[string][]string)
	productSet := make(map[string]bool)
	var products []string
	for _, it := range dwh.LatestOrderItems(items) {
		if !open[it.OrderID] {
			continue
		}
		byOrder[it.OrderID] = append(byOrder[it.OrderID], it.ProductID)
		if !productSet[it.ProductID] {
			productSet[it.ProductID] = true
			products = append(products, it.ProductID)
		}
	}
	keys, err := e.currentKeys(ctx, entities.ProductDim, products)
	if err != nil {
		return 0, err
	}

	orderIDs := make([]string, 0, len(byOrder))
	for id := range byOrder {
		orderIDs = append(orderIDs, id)
	}
	sort.Strings(orderIDs)
	baskets := make([][]uint64, 0, len(orderIDs))
	for _, id := range orderIDs {
		basket := make([]uint64, 0, len(byOrder[id]))
		for _, p := range byOrder[id] {
			basket = append(basket, keys[p])
		}
		baskets = append(baskets, basket)
	}

	rows := Affinity(baskets, len(open))
	if err := e.store.ReplaceAffinity(ctx, rows); err != nil {
		return 0, etlerr.Store("replace affinity", err)
	}
	return len(rows), nil
}

func withoutCancelled(orders []dwh.OrderFact) []dwh.OrderFact {
	out := make([]dwh.OrderFact, 0, len(orders))
	for _, o := range orders {
		if o.Status != dwh.StatusCancelled {
			out = append(out, o)
		}
	}
	return out
}
