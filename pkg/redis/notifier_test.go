package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/canopy-network/commercex/pkg/audit"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var _ audit.Notifier = (*Client)(nil)

type fakeCommander struct{ mock.Mock }

func (f *fakeCommander) Publish(_ context.Context, channel string, message any) *redis.IntCmd {
	args := f.Called(channel, message)
	return redis.NewIntResult(1, args.Error(0))
}

func (f *fakeCommander) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	args := f.Called(a.Stream, a.MaxLen)
	return redis.NewStringResult("1-0", args.Error(0))
}

func newTestClient(t *testing.T, cmd commander) *Client {
	return &Client{cmd: cmd, logger: zaptest.NewLogger(t), streamMaxLen: 100}
}

func sampleEntry() dwh.AuditEntry {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ended := start.Add(26 * time.Hour)
	return dwh.AuditEntry{
		RunID:       "r1",
		WindowStart: start,
		WindowEnd:   start.Add(24 * time.Hour),
		StartedAt:   start.Add(25 * time.Hour),
		EndedAt:     &ended,
		Status:      dwh.RunPartial,
		StageCounts: map[string]int64{"fact_orders": 2},
		ErrorCounts: map[string]int64{"ordering": 1},
	}
}

func TestNotifyRunPublishesAndAppendsToStream(t *testing.T) {
	cmd := &fakeCommander{}
	cmd.On("Publish", RunChannel, mock.MatchedBy(func(b []byte) bool {
		var ev RunEvent
		if err := json.Unmarshal(b, &ev); err != nil {
			return false
		}
		return ev.RunID == "r1" && ev.Status == dwh.RunPartial && ev.ErrorCounts["ordering"] == 1
	})).Return(nil).Once()
	cmd.On("XAdd", RunStream, int64(100)).Return(nil).Once()

	newTestClient(t, cmd).NotifyRun(context.Background(), sampleEntry())
	cmd.AssertExpectations(t)
}

func TestNotifyRunSurvivesPublishFailure(t *testing.T) {
	cmd := &fakeCommander{}
	cmd.On("Publish", RunChannel, mock.Anything).Return(errors.New("connection refused"))
	cmd.On("XAdd", RunStream, int64(100)).Return(errors.New("connection refused"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NotPanics(t, func() {
		newTestClient(t, cmd).NotifyRun(ctx, sampleEntry())
	})
	cmd.AssertNumberOfCalls(t, "Publish", 1)
}

func TestNotifyQualityCountsResults(t *testing.T) {
	report := map[string][]dwh.QualityCheck{
		"dim_customer": {{Table: "dim_customer", CheckType: "single_current_row", Passed: true}},
		"fact_orders": {
			{Table: "fact_orders", CheckType: "not_null_natural_key", Passed: true},
			{Table: "fact_orders", CheckType: "row_count_trailing_average", Passed: false},
		},
	}

	var payload []byte
	cmd := &fakeCommander{}
	cmd.On("Publish", QualityChannel, mock.Anything).Run(func(args mock.Arguments) {
		payload = args.Get(1).([]byte)
	}).Return(nil).Once()

	newTestClient(t, cmd).NotifyQuality(context.Background(), "r1", report)

	var ev QualityEvent
	require.NoError(t, json.Unmarshal(payload, &ev))
	assert.Equal(t, "r1", ev.RunID)
	assert.Equal(t, 2, ev.Passed)
	assert.Equal(t, 1, ev.Failed)
	assert.Len(t, ev.ByTable["fact_orders"], 2)
}

func TestXAddUnlimitedStream(t *testing.T) {
	cmd := &fakeCommander{}
	cmd.On("XAdd", "s", int64(0)).Return(nil).Once()

	c := newTestClient(t, cmd)
	c.streamMaxLen = 0
	assert.Equal(t, "1-0", c.XAdd(context.Background(), "s", map[string]any{"a": 1}))
}
