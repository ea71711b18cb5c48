package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/canopy-network/commercex/pkg/db/entities"
	"github.com/canopy-network/commercex/pkg/db/memory"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/canopy-network/commercex/pkg/etlerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) NotifyRun(ctx context.Context, entry dwh.AuditEntry) {
	m.Called(ctx, entry)
}

func (m *mockNotifier) NotifyQuality(ctx context.Context, runID string, report map[string][]dwh.QualityCheck) {
	m.Called(ctx, runID, report)
}

var window = dwh.Window{
	Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Minute)
	return c.t
}

func newRecorder(t *testing.T, opts ...Option) (*Recorder, *memory.AuditLog, *memory.Store) {
	t.Helper()
	log := memory.NewAuditLog()
	store := memory.New()
	c := &clock{t: window.End}
	opts = append([]Option{WithClock(c.now)}, opts...)
	return NewRecorder(log, store, zaptest.NewLogger(t), opts...), log, store
}

func TestBeginHoldsTheRunLock(t *testing.T) {
	ctx := context.Background()
	r, log, _ := newRecorder(t)

	entry, err := r.Begin(ctx, window)
	require.NoError(t, err)
	assert.Equal(t, dwh.RunRunning, entry.Status)
	assert.NotEmpty(t, entry.RunID)

	_, err = r.Begin(ctx, window)
	require.ErrorIs(t, err, etlerr.ErrRunInProgress)

	_, err = r.RecordRun(ctx, entry, StageResults{})
	require.NoError(t, err)
	second, err := r.Begin(ctx, window)
	require.NoError(t, err)
	assert.NotEqual(t, entry.RunID, second.RunID)

	runs, err := log.RecentRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestBeginRejectsInvalidWindow(t *testing.T) {
	r, _, _ := newRecorder(t)
	_, err := r.Begin(context.Background(), dwh.Window{Start: window.End, End: window.Start})
	require.Error(t, err)
}

func TestRecordRunStatus(t *testing.T) {
	cases := []struct {
		name    string
		results StageResults
		want    dwh.RunStatus
	}{
		{"success", StageResults{Counts: map[string]int64{"fact_orders": 3}}, dwh.RunSuccess},
		{"partial", StageResults{Errors: map[string]int64{string(etlerr.KindOrdering): 2}}, dwh.RunPartial},
		{"failed", StageResults{Err: &etlerr.ConsistencyError{Dimension: "customer", NaturalKey: "C1", CurrentRows: 2}, Errors: map[string]int64{string(etlerr.KindOrdering): 2}}, dwh.RunFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			r, log, _ := newRecorder(t)
			entry, err := r.Begin(ctx, window)
			require.NoError(t, err)

			closed, err := r.RecordRun(ctx, entry, tc.results)
			require.NoError(t, err)
			assert.Equal(t, tc.want, closed.Status)
			require.NotNil(t, closed.EndedAt)

			stored, err := log.GetRun(ctx, entry.RunID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, stored.Status)
			if tc.results.Err != nil {
				assert.Contains(t, stored.ErrorText, "current rows")
			}
		})
	}
}

func TestRecordRunSurvivesCancelledContext(t *testing.T) {
	r, log, _ := newRecorder(t)
	ctx, cancel := context.WithCancel(context.Background())
	entry, err := r.Begin(ctx, window)
	require.NoError(t, err)
	cancel()

	closed, err := r.RecordRun(ctx, entry, StageResults{Err: context.Canceled})
	require.NoError(t, err)
	assert.Equal(t, dwh.RunFailed, closed.Status)

	stored, err := log.GetRun(context.Background(), entry.RunID)
	require.NoError(t, err)
	assert.Equal(t, dwh.RunFailed, stored.Status)

	_, err = r.RecordRun(context.Background(), entry, StageResults{})
	require.Error(t, err, "closed entries are immutable")
}

func TestRunChecksOnCleanWarehouse(t *testing.T) {
	ctx := context.Background()
	notifier := &mockNotifier{}
	r, _, store := newRecorder(t, WithNotifier(notifier))
	_, err := store.InsertDimension(ctx, dwh.DimensionRow{Dimension: entities.CustomerDim, NaturalKey: "C1", EffectiveDate: window.Start})
	require.NoError(t, err)
	require.NoError(t, store.AppendFunnel(ctx, []dwh.FunnelRow{{Date: window.Start, Stage: dwh.StageVisit, StageOrder: 1, Sessions: 4, ConversionRate: 1, StageConversion: 1}}))

	entry, err := r.Begin(ctx, window)
	require.NoError(t, err)

	notifier.On("NotifyQuality", mock.Anything, entry.RunID, mock.Anything).Once()
	checks, err := r.RunChecks(ctx, entry)
	require.NoError(t, err)
	notifier.AssertExpectations(t)

	for _, c := range checks {
		assert.True(t, c.Passed, "%s %s: %s", c.Table, c.CheckType, c.Details)
		assert.Equal(t, entry.RunID, c.RunID)
	}
	report, err := r.QualityReport(ctx, entry.RunID)
	require.NoError(t, err)
	assert.Contains(t, report, "dim_customer")
	assert.Contains(t, report, "metric_conversion_funnel")
	assert.Len(t, report["dim_customer"], 2)
}

func TestRunChecksFlagsTwoCurrentRows(t *testing.T) {
	ctx := context.Background()
	r, _, store := newRecorder(t)
	for i := 0; i < 2; i++ {
		_, err := store.InsertDimension(ctx, dwh.DimensionRow{Dimension: entities.ProductDim, NaturalKey: "P1", EffectiveDate: window.Start})
		require.NoError(t, err)
	}
	entry, err := r.Begin(ctx, window)
	require.NoError(t, err)

	checks, err := r.RunChecks(ctx, entry)
	require.NoError(t, err, "a failing check is advisory")
	found := false
	for _, c := range checks {
		if c.Table == "dim_product" && c.CheckType == CheckSingleCurrentRow {
			found = true
			assert.False(t, c.Passed)
			assert.Equal(t, int64(1), c.RecordsFailed)
			assert.Equal(t, "fail", c.Result())
		}
	}
	assert.True(t, found)
}

func TestRowCountTrailingAverage(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newRecorder(t, WithChecks(Check{Type: CheckRowCountTrailingAvg, Run: rowCountTrailingAverage}), WithRowCountTolerance(50, 3))

	run := func(orders int64) dwh.QualityCheck {
		entry, err := r.Begin(ctx, window)
		require.NoError(t, err)
		entry.StageCounts = map[string]int64{"fact_orders": orders}
		checks, err := r.RunChecks(ctx, entry)
		require.NoError(t, err)
		_, err = r.RecordRun(ctx, entry, StageResults{Counts: entry.StageCounts})
		require.NoError(t, err)
		for _, c := range checks {
			if c.Table == "fact_orders" {
				return c
			}
		}
		t.Fatal("no fact_orders result")
		return dwh.QualityCheck{}
	}

	assert.True(t, run(100).Passed, "first run has nothing to compare against")
	assert.True(t, run(120).Passed)
	assert.True(t, run(80).Passed)
	low := run(10)
	assert.False(t, low.Passed)
	assert.Contains(t, low.Details, "trailing average 100.0 over 3 runs")
}

func TestRunNotifies(t *testing.T) {
	ctx := context.Background()
	notifier := &mockNotifier{}
	r, _, _ := newRecorder(t, WithNotifier(notifier))
	entry, err := r.Begin(ctx, window)
	require.NoError(t, err)

	notifier.On("NotifyRun", mock.Anything, mock.MatchedBy(func(e dwh.AuditEntry) bool {
		return e.RunID == entry.RunID && e.Status == dwh.RunFailed
	})).Once()
	_, err = r.RecordRun(ctx, entry, StageResults{Err: errors.New("boom")})
	require.NoError(t, err)
	notifier.AssertExpectations(t)
}
