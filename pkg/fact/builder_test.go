package fact

import (
	"context"
	"testing"
	"time"

	"github.com/canopy-network/commercex/pkg/db/entities"
	"github.com/canopy-network/commercex/pkg/db/memory"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/canopy-network/commercex/pkg/dimension"
	"github.com/canopy-network/commercex/pkg/staging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var window = dwh.Window{
	Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
}

func rec(entity entities.Entity, fields map[string]any) dwh.RawRecord {
	return dwh.RawRecord{Entity: entity, Fields: fields}
}

// seed stages a small shop and conforms every dimension up to the window end.
func seed(t *testing.T, extra ...dwh.RawRecord) *memory.Store {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	batch := []dwh.RawRecord{
		rec(entities.Customers, map[string]any{"customer_id": "C1", "name": "Alice", "updated_at": "2024-01-01"}),
		rec(entities.Customers, map[string]any{"customer_id": "C1", "name": "Alicia", "updated_at": "2024-02-01"}),
		rec(entities.Products, map[string]any{"product_id": "P1", "name": "Mug", "unit_price": 10.0, "unit_cost": 4.0, "updated_at": "2024-01-01"}),
		rec(entities.Products, map[string]any{"product_id": "P2", "name": "Tea", "unit_price": 5.0, "unit_cost": 1.0, "updated_at": "2024-01-01"}),
		rec(entities.Orders, map[string]any{"order_id": "O1", "customer_id": "C1", "order_date": "2024-01-15", "order_status": "completed", "order_total": 18.0}),
		rec(entities.Orders, map[string]any{"order_id": "O2", "customer_id": "C1", "order_date": "2024-02-10", "order_status": "completed", "order_total": 5.0}),
		rec(entities.Orders, map[string]any{"order_id": "O3", "customer_id": "C9", "order_date": "2024-02-11", "order_status": "pending", "order_total": 1.0}),
		rec(entities.OrderItems, map[string]any{"order_item_id": "I1", "order_id": "O1", "product_id": "P1", "quantity": 2, "unit_price": 10.0, "discount": 2.0, "updated_at": "2024-01-15"}),
		rec(entities.OrderItems, map[string]any{"order_item_id": "I2", "order_id": "O2", "product_id": "P2", "quantity": 1, "unit_price": 5.0, "updated_at": "2024-02-10"}),
		rec(entities.OrderItems, map[string]any{"order_item_id": "I3", "order_id": "O404", "product_id": "P1", "quantity": 1, "unit_price": 10.0, "updated_at": "2024-02-10"}),
		rec(entities.Events, map[string]any{"event_id": "E1", "session_id": "S1", "customer_id": "C1", "page_views": 1, "event_timestamp": "2024-01-20T10:00:00Z"}),
		rec(entities.Events, map[string]any{"event_id": "E2", "session_id": "S1", "customer_id": "C1", "add_to_cart": 1, "event_timestamp": "2024-01-20T10:10:00Z"}),
		rec(entities.Events, map[string]any{"event_id": "E3", "session_id": "S2", "page_views": 1, "purchase_completed": 1, "event_timestamp": "2024-01-21T11:00:00Z"}),
	}
	_, err := staging.NewLoader(store, zaptest.NewLogger(t)).Load(ctx, append(batch, extra...))
	require.NoError(t, err)

	conformer := dimension.NewConformer(store, zaptest.NewLogger(t), 100)
	for _, dim := range entities.Dimensions() {
		_, err := conformer.Conform(ctx, dim, window.End)
		require.NoError(t, err)
	}
	return store
}

func TestBuildOrdersResolvesPointInTimeCustomer(t *testing.T) {
	ctx := context.Background()
	store := seed(t)
	b := NewBuilder(store, zaptest.NewLogger(t))

	res, err := b.Build(ctx, entities.OrderFacts, window)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 2, res.RowsWritten)
	require.Len(t, res.OrderingErrors, 1)
	assert.Equal(t, "O3", res.OrderingErrors[0].NaturalKey)
	assert.Equal(t, "customer", res.OrderingErrors[0].Dimension)
	assert.Equal(t, "C9", res.OrderingErrors[0].DimensionKey)

	facts, err := store.ScanOrderFacts(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	latest := dwh.LatestOrders(facts)

	o1 := latest["O1"]
	assert.Equal(t, uint64(1), o1.CustomerKey, "Alice was in effect on Jan 15")
	assert.True(t, o1.IsFirstOrder)
	assert.Nil(t, o1.DaysSinceLastOrder)

	o2 := latest["O2"]
	assert.Equal(t, uint64(2), o2.CustomerKey, "Alicia was in effect on Feb 10")
	assert.False(t, o2.IsFirstOrder)
	require.NotNil(t, o2.DaysSinceLastOrder)
	assert.Equal(t, int32(26), *o2.DaysSinceLastOrder)
}

func TestBuildIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := seed(t)
	b := NewBuilder(store, zaptest.NewLogger(t))

	for _, f := range []entities.Fact{entities.OrderFacts, entities.OrderItemFacts, entities.WebEventFacts, entities.BehaviorFacts} {
		_, err := b.Build(ctx, f, window)
		require.NoError(t, err)
	}
	before, err := store.CountFacts(ctx, entities.OrderFacts)
	require.NoError(t, err)

	res, err := b.Build(ctx, entities.OrderFacts, window)
	require.NoError(t, err)
	assert.Equal(t, 0, res.RowsWritten)
	assert.Equal(t, 1, res.Scanned, "only the unresolved order is read again")
	require.Len(t, res.OrderingErrors, 1)
	assert.Equal(t, "O3", res.OrderingErrors[0].NaturalKey)

	res, err = b.Build(ctx, entities.BehaviorFacts, window)
	require.NoError(t, err)
	assert.Equal(t, 0, res.RowsWritten)
	assert.Equal(t, 0, res.Scanned)

	// replaying every staged record writes nothing either
	for _, f := range []entities.Fact{entities.OrderFacts, entities.BehaviorFacts} {
		require.NoError(t, store.SetProgress(ctx, ProgressName(f), 0))
	}
	res, err = b.Build(ctx, entities.OrderFacts, window)
	require.NoError(t, err)
	assert.Equal(t, 0, res.RowsWritten)
	assert.Equal(t, 2, res.Existing)
	res, err = b.Build(ctx, entities.BehaviorFacts, window)
	require.NoError(t, err)
	assert.Equal(t, 0, res.RowsWritten)
	assert.Equal(t, 2, res.Existing)

	after, err := store.CountFacts(ctx, entities.OrderFacts)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestBuildOrderCorrectionIsNewVersion(t *testing.T) {
	ctx := context.Background()
	store := seed(t)
	b := NewBuilder(store, zaptest.NewLogger(t))
	_, err := b.Build(ctx, entities.OrderFacts, window)
	require.NoError(t, err)

	_, err = staging.NewLoader(store, zaptest.NewLogger(t)).Load(ctx, []dwh.RawRecord{
		rec(entities.Orders, map[string]any{"order_id": "O1", "customer_id": "C1", "order_date": "2024-01-15", "order_status": "cancelled", "order_total": 18.0, "updated_at": "2024-01-20"}),
	})
	require.NoError(t, err)

	res, err := b.Build(ctx, entities.OrderFacts, window)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowsWritten)

	versions, err := store.OrderFactsByID(ctx, []string{"O1"})
	require.NoError(t, err)
	require.Len(t, versions["O1"], 2)
	latest := dwh.LatestOrders(versions["O1"])["O1"]
	assert.Equal(t, dwh.StatusCancelled, latest.Status)
	assert.True(t, latest.IsFirstOrder, "an order is never its own predecessor")
}

func TestBuildOrderItems(t *testing.T) {
	ctx := context.Background()
	store := seed(t)
	b := NewBuilder(store, zaptest.NewLogger(t))

	res, err := b.Build(ctx, entities.OrderItemFacts, window)
	require.NoError(t, err)
	assert.Equal(t, 0, res.RowsWritten)
	assert.Len(t, res.OrderingErrors, 3, "items before their order facts are ordering errors")

	_, err = b.Build(ctx, entities.OrderFacts, window)
	require.NoError(t, err)
	res, err = b.Build(ctx, entities.OrderItemFacts, window)
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowsWritten)
	require.Len(t, res.OrderingErrors, 1)
	assert.Equal(t, "I3", res.OrderingErrors[0].NaturalKey)
	assert.Equal(t, "order", res.OrderingErrors[0].Dimension)

	items, err := store.ScanOrderItemFacts(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	byID := dwh.LatestOrderItems(items)
	i1 := byID["I1"]
	assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), i1.OrderDate)
	assert.Equal(t, uint64(1), i1.CustomerKey)
	assert.InDelta(t, 18.0, i1.LineTotal, 1e-9)
	assert.InDelta(t, 8.0, i1.LineCost, 1e-9)
	assert.InDelta(t, 10.0, i1.Profit, 1e-9)
	assert.InDelta(t, 10.0/18.0, i1.Margin, 1e-9)
}

func TestBuildWebEventsAndBehavior(t *testing.T) {
	ctx := context.Background()
	store := seed(t)
	b := NewBuilder(store, zaptest.NewLogger(t))

	res, err := b.Build(ctx, entities.WebEventFacts, window)
	require.NoError(t, err)
	assert.Equal(t, 3, res.RowsWritten)
	assert.Empty(t, res.OrderingErrors)

	events, err := store.ScanWebEventFacts(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	for _, e := range events {
		assert.NotZero(t, e.SessionKey)
		if e.SessionID == "S2" {
			assert.Zero(t, e.CustomerKey)
		} else {
			assert.Equal(t, uint64(1), e.CustomerKey)
		}
		assert.Equal(t, 0, e.EventDate.Hour())
	}

	res, err = b.Build(ctx, entities.BehaviorFacts, window)
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowsWritten)

	rows, err := store.ScanBehaviorFacts(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	bySession := map[string]dwh.BehaviorFact{}
	for _, r := range rows {
		bySession[r.SessionID] = r
	}
	s1 := bySession["S1"]
	assert.Equal(t, "C1", s1.CustomerID)
	assert.Equal(t, int64(2), s1.EventCount)
	assert.Equal(t, int64(600), s1.SessionDurationSeconds)
	assert.True(t, s1.AbandonedCart)
	assert.False(t, s1.Converted)
	assert.True(t, bySession["S2"].Converted)
}

var march = dwh.Window{Start: window.End, End: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)}

func TestBuildPicksUpOrderStagedAfterItsWindow(t *testing.T) {
	ctx := context.Background()
	store := seed(t)
	b := NewBuilder(store, zaptest.NewLogger(t))
	_, err := b.Build(ctx, entities.OrderFacts, window)
	require.NoError(t, err)

	// placed in February, delivered by the source in March
	_, err = staging.NewLoader(store, zaptest.NewLogger(t)).Load(ctx, []dwh.RawRecord{
		rec(entities.Orders, map[string]any{"order_id": "O4", "customer_id": "C1", "order_date": "2024-02-20", "order_status": "completed", "order_total": 7.0}),
	})
	require.NoError(t, err)

	res, err := b.Build(ctx, entities.OrderFacts, march)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowsWritten)

	versions, err := store.OrderFactsByID(ctx, []string{"O4"})
	require.NoError(t, err)
	require.Len(t, versions["O4"], 1)
	o4 := versions["O4"][0]
	assert.Equal(t, uint64(2), o4.CustomerKey, "resolved at the order date, not the load time")
	require.NotNil(t, o4.DaysSinceLastOrder)
	assert.Equal(t, int32(10), *o4.DaysSinceLastOrder)
}

func TestBuildDefersRecordsPastWindowEnd(t *testing.T) {
	ctx := context.Background()
	store := seed(t,
		rec(entities.Orders, map[string]any{"order_id": "O5", "customer_id": "C1", "order_date": "2024-03-05", "order_status": "completed", "order_total": 3.0}),
	)
	b := NewBuilder(store, zaptest.NewLogger(t))

	res, err := b.Build(ctx, entities.OrderFacts, window)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)
	assert.Equal(t, 2, res.RowsWritten)
	versions, err := store.OrderFactsByID(ctx, []string{"O5"})
	require.NoError(t, err)
	assert.Empty(t, versions["O5"])

	res, err = b.Build(ctx, entities.OrderFacts, march)
	require.NoError(t, err)
	assert.Zero(t, res.Deferred)
	assert.Equal(t, 1, res.RowsWritten)
	versions, err = store.OrderFactsByID(ctx, []string{"O5"})
	require.NoError(t, err)
	assert.Len(t, versions["O5"], 1)
}

func TestBuildBehaviorKeepsSummaryOfLongSession(t *testing.T) {
	ctx := context.Background()
	store := seed(t)
	b := NewBuilder(store, zaptest.NewLogger(t))
	for _, f := range []entities.Fact{entities.WebEventFacts, entities.BehaviorFacts} {
		_, err := b.Build(ctx, f, window)
		require.NoError(t, err)
	}

	// another S1 event, hours after the session started, staged in March
	_, err := staging.NewLoader(store, zaptest.NewLogger(t)).Load(ctx, []dwh.RawRecord{
		rec(entities.Events, map[string]any{"event_id": "E4", "session_id": "S1", "customer_id": "C1", "page_views": 1, "event_timestamp": "2024-01-20T15:00:00Z"}),
	})
	require.NoError(t, err)

	res, err := b.Build(ctx, entities.WebEventFacts, march)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowsWritten)

	res, err = b.Build(ctx, entities.BehaviorFacts, march)
	require.NoError(t, err)
	assert.Equal(t, 0, res.RowsWritten)
	assert.Equal(t, 1, res.Existing)

	n, err := store.CountFacts(ctx, entities.BehaviorFacts)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "one behavior row per session")
}

func TestBuildBehaviorWaitsForSessionSpanningWindowEnd(t *testing.T) {
	ctx := context.Background()
	store := seed(t,
		rec(entities.Events, map[string]any{"event_id": "E5", "session_id": "S3", "page_views": 1, "event_timestamp": "2024-02-29T23:50:00Z"}),
		rec(entities.Events, map[string]any{"event_id": "E6", "session_id": "S3", "purchase_completed": 1, "event_timestamp": "2024-03-01T00:05:00Z"}),
	)
	b := NewBuilder(store, zaptest.NewLogger(t))

	res, err := b.Build(ctx, entities.WebEventFacts, window)
	require.NoError(t, err)
	assert.Equal(t, 4, res.RowsWritten)
	assert.Equal(t, 1, res.Deferred)

	res, err = b.Build(ctx, entities.BehaviorFacts, window)
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowsWritten, "S3 is still open at the window end")

	for _, f := range []entities.Fact{entities.WebEventFacts, entities.BehaviorFacts} {
		_, err := b.Build(ctx, f, march)
		require.NoError(t, err)
	}
	rows, err := store.ScanBehaviorFacts(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, r := range rows {
		if r.SessionID == "S3" {
			assert.Equal(t, int64(2), r.EventCount)
			assert.True(t, r.Converted)
		}
	}
}

func TestBuildRejectsBadWindow(t *testing.T) {
	b := NewBuilder(memory.New(), zaptest.NewLogger(t))
	_, err := b.Build(context.Background(), entities.OrderFacts, dwh.Window{Start: window.End, End: window.Start})
	require.Error(t, err)
	_, err = b.Build(context.Background(), entities.Fact("nope"), window)
	require.Error(t, err)
}

func TestLineMeasuresZeroTotal(t *testing.T) {
	total, cost, profit, margin := LineMeasures(1, 5, 5, 2)
	assert.Zero(t, total)
	assert.Equal(t, 2.0, cost)
	assert.Equal(t, -2.0, profit)
	assert.Zero(t, margin)
}

func TestPointInTimeBoundaries(t *testing.T) {
	feb := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	hist := []dwh.DimensionRow{
		{SurrogateKey: 1, EffectiveDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), ExpiryDate: &feb},
		{SurrogateKey: 2, EffectiveDate: feb, IsCurrent: true},
	}
	row, ok := PointInTime(hist, feb.Add(-time.Nanosecond))
	require.True(t, ok)
	assert.Equal(t, uint64(1), row.SurrogateKey)
	row, ok = PointInTime(hist, feb)
	require.True(t, ok)
	assert.Equal(t, uint64(2), row.SurrogateKey)
	_, ok = PointInTime(hist, time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC))
	assert.False(t, ok)
}
