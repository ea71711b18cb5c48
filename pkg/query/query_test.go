package query

import (
	"context"
	"testing"
	"time"

	"github.com/canopy-network/commercex/pkg/db/memory"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jan(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }

var window = dwh.Window{Start: jan(1), End: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)}

func order(id, customer string, day int, total float64, status string, version time.Time) dwh.OrderFact {
	return dwh.OrderFact{OrderID: id, CustomerID: customer, OrderDate: jan(day), OrderTotal: total, Status: status, Version: version}
}

func session(id string, day int, seconds, pages int64, converted, abandoned bool) dwh.BehaviorFact {
	return dwh.BehaviorFact{
		SessionID:              id,
		CustomerID:             "C1",
		FirstEventAt:           jan(day),
		SessionDurationSeconds: seconds,
		PageViews:              pages,
		Converted:              converted,
		AbandonedCart:          abandoned,
	}
}

func seeded(t *testing.T) *Service {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.InsertOrderFacts(ctx, []dwh.OrderFact{
		order("O1", "C1", 5, 100, dwh.StatusCompleted, jan(5)),
		order("O2", "C1", 10, 40, dwh.StatusPending, jan(10)),
		order("O2", "C1", 10, 50, dwh.StatusCompleted, jan(11)),
		order("O3", "C2", 12, 30, dwh.StatusCancelled, jan(12)),
		order("O4", "C2", 20, 70, dwh.StatusCompleted, jan(20)),
		{OrderID: "O5", CustomerID: "C3", OrderDate: time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC), OrderTotal: 999, Status: dwh.StatusCompleted, Version: jan(30)},
	}))
	require.NoError(t, store.InsertBehaviorFacts(ctx, []dwh.BehaviorFact{
		session("S1", 2, 600, 5, true, false),
		session("S2", 3, 0, 1, false, true),
		{SessionID: "S3", CustomerID: "C2", FirstEventAt: jan(4), SessionDurationSeconds: 300, PageViews: 3},
		{SessionID: "S4", CustomerID: "C1", FirstEventAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), SessionDurationSeconds: 9999},
	}))
	require.NoError(t, store.ReplaceRFM(ctx, []dwh.RFMRow{
		{CustomerKey: 1, CustomerID: "C1", Monetary: 150, Segment: dwh.SegmentChampions},
		{CustomerKey: 2, CustomerID: "C2", Monetary: 70, Segment: dwh.SegmentAtRisk},
		{CustomerKey: 3, CustomerID: "C3", Monetary: 300, Segment: dwh.SegmentChampions},
	}))
	var funnel []dwh.FunnelRow
	for _, day := range []struct {
		d      int
		counts [5]int64
	}{
		{1, [5]int64{10, 8, 4, 2, 1}},
		{2, [5]int64{10, 6, 4, 2, 3}},
		{5, [5]int64{100, 100, 100, 100, 100}},
	} {
		for i, stage := range dwh.FunnelStages {
			funnel = append(funnel, dwh.FunnelRow{Date: jan(day.d), Stage: stage, StageOrder: uint8(i + 1), Sessions: day.counts[i]})
		}
	}
	require.NoError(t, store.AppendFunnel(ctx, funnel))
	require.NoError(t, store.ReplaceAffinity(ctx, []dwh.AffinityRow{
		{ProductA: 1, ProductB: 3, Support: 0.5, Lift: 1},
		{ProductA: 2, ProductB: 3, Support: 0.005, Lift: 4},
		{ProductA: 1, ProductB: 2, Support: 0.5, Lift: 2},
	}))
	feb := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.ReplaceCohorts(ctx, []dwh.CohortRow{
		{CohortMonth: feb, MonthsSinceFirst: 0, CohortSize: 2, ActiveCustomers: 2, RetentionRate: 1, Revenue: 20},
		{CohortMonth: jan(1), MonthsSinceFirst: 2, CohortSize: 4, ActiveCustomers: 2, RetentionRate: 0.5, Revenue: 15},
		{CohortMonth: jan(1), MonthsSinceFirst: 0, CohortSize: 4, ActiveCustomers: 4, RetentionRate: 1, Revenue: 40},
	}))
	return NewService(store)
}

func TestSummary(t *testing.T) {
	k, err := seeded(t).Summary(context.Background(), window)
	require.NoError(t, err)

	assert.Equal(t, int64(3), k.TotalOrders, "latest versions only, cancelled and out-of-window excluded")
	assert.Equal(t, 220.0, k.TotalRevenue)
	assert.Equal(t, int64(2), k.UniqueCustomers)
	assert.Equal(t, 73.33, k.AvgOrderValue)
	assert.Equal(t, 110.0, k.RevenuePerCustomer)
	assert.Equal(t, 1.5, k.OrdersPerCustomer)

	assert.Equal(t, 300.0, k.AvgSessionSeconds)
	assert.Equal(t, 3.0, k.AvgPageViews)
	assert.Equal(t, 33.33, k.ConversionRate)
	assert.Equal(t, 33.33, k.CartAbandonment)
}

func TestSummaryOfEmptyWindow(t *testing.T) {
	k, err := NewService(memory.New()).Summary(context.Background(), window)
	require.NoError(t, err)
	assert.Zero(t, k.TotalOrders)
	assert.Zero(t, k.AvgOrderValue)
	assert.Zero(t, k.RevenuePerCustomer)

	_, err = NewService(memory.New()).Summary(context.Background(), dwh.Window{Start: jan(2), End: jan(1)})
	assert.Error(t, err)
}

func TestRFMReport(t *testing.T) {
	s := seeded(t)
	rep, err := s.RFM(context.Background(), "", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.TotalCustomers)
	assert.Equal(t, map[string]int{dwh.SegmentChampions: 2, dwh.SegmentAtRisk: 1}, rep.Distribution)
	require.Len(t, rep.TopCustomers, 2)
	assert.Equal(t, "C3", rep.TopCustomers[0].CustomerID)
	assert.Equal(t, "C1", rep.TopCustomers[1].CustomerID)

	rep, err = s.RFM(context.Background(), dwh.SegmentAtRisk, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.TotalCustomers)
	require.Len(t, rep.TopCustomers, 1)
	assert.Equal(t, "C2", rep.TopCustomers[0].CustomerID)
}

func TestSegments(t *testing.T) {
	stats, err := seeded(t).Segments(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 7)
	assert.Equal(t, SegmentStat{Segment: dwh.SegmentChampions, Customers: 2, AvgMonetary: 225}, stats[0])
	assert.Equal(t, SegmentStat{Segment: dwh.SegmentLoyal}, stats[1])
	assert.Equal(t, SegmentStat{Segment: dwh.SegmentAtRisk, Customers: 1, AvgMonetary: 70}, stats[3])
}

func TestFunnelOverRange(t *testing.T) {
	rep, err := seeded(t).Funnel(context.Background(), jan(1), jan(3))
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Days)
	require.Len(t, rep.Stages, 5)

	assert.Equal(t, int64(20), rep.Stages[0].Sessions)
	assert.Equal(t, 1.0, rep.Stages[0].ConversionRate)
	assert.Equal(t, 0.0, rep.Stages[0].DropOffRate)

	assert.Equal(t, int64(14), rep.Stages[1].Sessions)
	assert.InDelta(t, 0.7, rep.Stages[1].ConversionRate, 1e-9)
	assert.InDelta(t, 0.3, rep.Stages[1].DropOffRate, 1e-9)
	assert.InDelta(t, 8.0/14.0, rep.Stages[2].StageConversion, 1e-9)
	assert.Equal(t, int64(4), rep.Stages[4].Sessions)
	assert.Equal(t, 20.0, rep.Overall)
}

func TestFunnelWithoutData(t *testing.T) {
	rep, err := NewService(memory.New()).Funnel(context.Background(), jan(1), jan(3))
	require.NoError(t, err)
	assert.Zero(t, rep.Days)
	assert.Zero(t, rep.Overall)
	for _, st := range rep.Stages {
		assert.Zero(t, st.ConversionRate)
		assert.Zero(t, st.StageConversion)
	}
}

func TestAffinityFiltersAndLimits(t *testing.T) {
	s := seeded(t)
	rep, err := s.Affinity(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultMinSupport, rep.MinSupport)
	assert.Equal(t, 2, rep.TotalPairs)
	require.Len(t, rep.Pairs, 2)
	assert.Equal(t, uint64(2), rep.Pairs[0].ProductB, "equal support orders by lift")
	assert.Equal(t, uint64(3), rep.Pairs[1].ProductB)

	rep, err = s.Affinity(context.Background(), 0.001, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.TotalPairs)
	assert.Len(t, rep.Pairs, 1)
}

func TestCohortMatrix(t *testing.T) {
	lines, err := seeded(t).CohortMatrix(context.Background())
	require.NoError(t, err)
	require.Len(t, lines, 2)

	assert.Equal(t, "2024-01", lines[0].Cohort)
	assert.Equal(t, int64(4), lines[0].Size)
	assert.Equal(t, []float64{1, 0, 0.5}, lines[0].Retention)
	assert.Equal(t, []float64{40, 0, 15}, lines[0].Revenue)

	assert.Equal(t, "2024-02", lines[1].Cohort)
	assert.Equal(t, []float64{1}, lines[1].Retention)
}

func TestBehaviorForCustomer(t *testing.T) {
	s := seeded(t)
	rep, err := s.Behavior(context.Background(), window, "C1")
	require.NoError(t, err)
	assert.Equal(t, 2, rep.TotalSessions)
	assert.Equal(t, 300.0, rep.AvgSessionSeconds)
	assert.Equal(t, 50.0, rep.ConversionRate)
	assert.Equal(t, 50.0, rep.CartAbandonment)
	require.Len(t, rep.Sample, 2)
	assert.Equal(t, "S1", rep.Sample[0].SessionID)

	rep, err = s.Behavior(context.Background(), window, "")
	require.NoError(t, err)
	assert.Equal(t, 3, rep.TotalSessions)
}
