package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/canopy-network/commercex/pkg/config"
	"github.com/canopy-network/commercex/pkg/db/entities"
	"github.com/canopy-network/commercex/pkg/db/memory"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/canopy-network/commercex/pkg/etlerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var window = dwh.Window{
	Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
}

type staticSource []dwh.RawRecord

func (s staticSource) Read(context.Context, dwh.Window) ([]dwh.RawRecord, error) {
	return s, nil
}

type sourceFunc func(ctx context.Context) ([]dwh.RawRecord, error)

func (f sourceFunc) Read(ctx context.Context, _ dwh.Window) ([]dwh.RawRecord, error) {
	return f(ctx)
}

func rec(entity entities.Entity, fields map[string]any) dwh.RawRecord {
	return dwh.RawRecord{Entity: entity, Fields: fields}
}

func shop(extra ...dwh.RawRecord) staticSource {
	return append(staticSource{
		rec(entities.Customers, map[string]any{"customer_id": "C1", "name": "Alice", "updated_at": "2024-01-01"}),
		rec(entities.Customers, map[string]any{"customer_id": "C1", "name": "Alicia", "updated_at": "2024-02-01"}),
		rec(entities.Products, map[string]any{"product_id": "P1", "name": "Mug", "unit_price": 10.0, "unit_cost": 4.0, "updated_at": "2024-01-01"}),
		rec(entities.Products, map[string]any{"product_id": "P2", "name": "Tea", "unit_price": 5.0, "unit_cost": 1.0, "updated_at": "2024-01-01"}),
		rec(entities.Orders, map[string]any{"order_id": "O1", "customer_id": "C1", "order_date": "2024-01-15", "order_status": "completed", "order_total": 18.0}),
		rec(entities.Orders, map[string]any{"order_id": "O2", "customer_id": "C1", "order_date": "2024-02-10", "order_status": "completed", "order_total": 5.0}),
		rec(entities.OrderItems, map[string]any{"order_item_id": "I1", "order_id": "O1", "product_id": "P1", "quantity": 2, "unit_price": 10.0, "discount": 2.0, "updated_at": "2024-01-15"}),
		rec(entities.OrderItems, map[string]any{"order_item_id": "I2", "order_id": "O2", "product_id": "P2", "quantity": 1, "unit_price": 5.0, "updated_at": "2024-02-10"}),
		rec(entities.Events, map[string]any{"event_id": "E1", "session_id": "S1", "customer_id": "C1", "page_views": 1, "event_timestamp": "2024-01-20T10:00:00Z"}),
		rec(entities.Events, map[string]any{"event_id": "E2", "session_id": "S1", "customer_id": "C1", "add_to_cart": 1, "event_timestamp": "2024-01-20T10:10:00Z"}),
		rec(entities.Events, map[string]any{"event_id": "E3", "session_id": "S2", "page_views": 1, "purchase_completed": 1, "event_timestamp": "2024-01-21T11:00:00Z"}),
	}, extra...)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Parallelism = 2
	cfg.StoreMaxAttempts = 5
	cfg.StoreInitialBackoff = time.Millisecond
	cfg.StoreMaxBackoff = 2 * time.Millisecond
	return cfg
}

func newOrchestrator(t *testing.T, src Source) (*Orchestrator, *memory.Store, *memory.AuditLog) {
	t.Helper()
	store := memory.New()
	auditLog := memory.NewAuditLog()
	o := New(store, auditLog, src, testConfig(), zaptest.NewLogger(t))
	t.Cleanup(o.Close)
	return o, store, auditLog
}

func TestRunSucceeds(t *testing.T) {
	ctx := context.Background()
	o, _, auditLog := newOrchestrator(t, shop())

	out, err := o.Run(ctx, window)
	require.NoError(t, err)
	assert.Equal(t, Succeeded, out.Summary)
	assert.Equal(t, 0, out.Summary.ExitCode())
	assert.Equal(t, dwh.RunSuccess, out.Status)
	assert.Empty(t, out.Error)
	assert.Empty(t, out.FailedStage)

	assert.Equal(t, int64(2), out.StageCounts["customers_staging"])
	assert.Equal(t, int64(2), out.StageCounts["orders_staging"])
	assert.Equal(t, int64(2), out.StageCounts["dim_customer"])
	assert.Equal(t, int64(2), out.StageCounts["fact_orders"])
	assert.Equal(t, int64(2), out.StageCounts["fact_order_items"])
	assert.Equal(t, int64(3), out.StageCounts["fact_web_events"])
	assert.Equal(t, int64(1), out.StageCounts["metric_customer_rfm"])
	assert.Zero(t, out.ErrorCounts[string(etlerr.KindOrdering)])
	assert.NotEmpty(t, out.Quality)

	state := o.State()
	assert.Equal(t, StateSucceeded, state.State)
	assert.Equal(t, out.RunID, state.RunID)

	entry, err := auditLog.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, dwh.RunSuccess, entry.Status)
	assert.Equal(t, out.StageCounts, entry.StageCounts)

	quality, err := auditLog.QualityForRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Len(t, quality, len(out.Quality))
}

func TestRunTwiceWritesNothingNew(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newOrchestrator(t, shop())

	_, err := o.Run(ctx, window)
	require.NoError(t, err)
	firstRFM, err := store.RFM(ctx)
	require.NoError(t, err)

	out, err := o.Run(ctx, window)
	require.NoError(t, err)
	assert.Equal(t, Succeeded, out.Summary)
	assert.Zero(t, out.StageCounts["orders_staging"])
	assert.Zero(t, out.StageCounts["dim_customer"])
	assert.Zero(t, out.StageCounts["fact_orders"])
	assert.Zero(t, out.StageCounts["fact_customer_behavior"])

	secondRFM, err := store.RFM(ctx)
	require.NoError(t, err)
	assert.Equal(t, firstRFM, secondRFM)

	n, err := store.CountFacts(ctx, entities.OrderFacts)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRunWithOrderingErrorsIsPartial(t *testing.T) {
	o, _, _ := newOrchestrator(t, shop(
		rec(entities.Orders, map[string]any{"order_id": "O3", "customer_id": "C9", "order_date": "2024-02-11", "order_status": "pending", "order_total": 1.0}),
	))

	out, err := o.Run(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, Partial, out.Summary)
	assert.Equal(t, 2, out.Summary.ExitCode())
	assert.Equal(t, int64(1), out.ErrorCounts[string(etlerr.KindOrdering)])
	assert.Equal(t, int64(2), out.StageCounts["fact_orders"])
	assert.Equal(t, StateSucceeded, o.State().State, "skipped records do not stop the run")
}

func TestRunBuildsOrderStagedAfterItsWindow(t *testing.T) {
	ctx := context.Background()
	late := shop(
		rec(entities.Orders, map[string]any{"order_id": "O3", "customer_id": "C1", "order_date": "2024-02-20", "order_status": "completed", "order_total": 10.0}),
		rec(entities.OrderItems, map[string]any{"order_item_id": "I3", "order_id": "O3", "product_id": "P1", "quantity": 1, "unit_price": 10.0, "updated_at": "2024-02-20"}),
	)
	var reads atomic.Int32
	o, store, _ := newOrchestrator(t, sourceFunc(func(context.Context) ([]dwh.RawRecord, error) {
		if reads.Add(1) == 1 {
			return shop(), nil
		}
		return late, nil
	}))

	_, err := o.Run(ctx, window)
	require.NoError(t, err)

	march := dwh.Window{Start: window.End, End: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)}
	out, err := o.Run(ctx, march)
	require.NoError(t, err)
	assert.Equal(t, Succeeded, out.Summary)
	assert.Equal(t, int64(1), out.StageCounts["orders_staging"])
	assert.Equal(t, int64(1), out.StageCounts["fact_orders"])
	assert.Equal(t, int64(1), out.StageCounts["fact_order_items"])

	n, err := store.CountFacts(ctx, entities.OrderFacts)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n, "a late order is built in the run that stages it")

	versions, err := store.OrderFactsByID(ctx, []string{"O3"})
	require.NoError(t, err)
	require.Len(t, versions["O3"], 1)
	assert.Equal(t, time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC), versions["O3"][0].OrderDate)
}

func TestRunRetriesStoreFailures(t *testing.T) {
	o, store, _ := newOrchestrator(t, shop())
	var calls atomic.Int32
	store.SetFault(func(op string) error {
		if op == "InsertOrderFacts" && calls.Add(1) <= 2 {
			return errors.New("connection reset")
		}
		return nil
	})

	out, err := o.Run(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, Succeeded, out.Summary)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(2), out.StageCounts["fact_orders"])
	assert.Equal(t, int64(3), out.StageCounts["fact_web_events"], "rows from the failed attempt still count once")
	assert.Zero(t, out.ErrorCounts[string(etlerr.KindStore)])
}

func TestRunStopsOnConsistencyError(t *testing.T) {
	o, store, auditLog := newOrchestrator(t, shop())
	var calls atomic.Int32
	store.SetFault(func(op string) error {
		if op == "Progress" {
			calls.Add(1)
			return &etlerr.ConsistencyError{Dimension: "customer", NaturalKey: "C1", CurrentRows: 2}
		}
		return nil
	})

	out, err := o.Run(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, Failed, out.Summary)
	assert.Equal(t, 1, out.Summary.ExitCode())
	assert.Equal(t, StageDimensions, out.FailedStage)
	assert.Equal(t, int64(1), out.ErrorCounts[string(etlerr.KindConsistency)])
	assert.Equal(t, int32(len(entities.Dimensions())), calls.Load(), "fatal errors are not retried")
	assert.Contains(t, out.Error, "current rows")
	assert.Zero(t, out.StageCounts["fact_orders"])

	entry, err := auditLog.GetRun(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.Equal(t, dwh.RunFailed, entry.Status)
	assert.NotEmpty(t, entry.ErrorText)
}

func TestRunRecordsCancelledRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o, _, auditLog := newOrchestrator(t, sourceFunc(func(ctx context.Context) ([]dwh.RawRecord, error) {
		cancel()
		return nil, ctx.Err()
	}))

	out, err := o.Run(ctx, window)
	require.NoError(t, err)
	assert.Equal(t, Failed, out.Summary)
	assert.Equal(t, StageStaging, out.FailedStage)
	assert.Equal(t, int64(1), out.ErrorCounts[string(etlerr.KindCancelled)])

	entry, err := auditLog.GetRun(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.Equal(t, dwh.RunFailed, entry.Status)
	require.NotNil(t, entry.EndedAt)
}

func TestRunRefusesConcurrentRun(t *testing.T) {
	ctx := context.Background()
	o, _, auditLog := newOrchestrator(t, shop())
	require.NoError(t, auditLog.BeginRun(ctx, dwh.AuditEntry{
		RunID:       "other",
		WindowStart: window.Start,
		WindowEnd:   window.End,
		StartedAt:   time.Now().UTC(),
		Status:      dwh.RunRunning,
	}))

	_, err := o.Run(ctx, window)
	require.ErrorIs(t, err, etlerr.ErrRunInProgress)

	runs, err := auditLog.RecentRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1, "a refused run leaves no entry")
	assert.Equal(t, StateIdle, o.State().State)
}

func TestDefaultWindow(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newOrchestrator(t, shop())

	w, err := o.DefaultWindow(ctx, window.End)
	require.NoError(t, err)
	assert.True(t, w.Start.Equal(time.Unix(0, 0)))
	assert.True(t, w.End.Equal(window.End))

	_, err = o.Run(ctx, window)
	require.NoError(t, err)

	next := window.End.Add(24 * time.Hour)
	w, err = o.DefaultWindow(ctx, next)
	require.NoError(t, err)
	assert.True(t, w.Start.Equal(window.End))
	assert.True(t, w.End.Equal(next))

	_, err = o.DefaultWindow(ctx, window.End)
	assert.Error(t, err, "an empty window is invalid")
}
