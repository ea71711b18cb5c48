package dimension

import (
	"context"
	"testing"
	"time"

	"github.com/canopy-network/commercex/pkg/db/entities"
	"github.com/canopy-network/commercex/pkg/db/memory"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/canopy-network/commercex/pkg/etlerr"
	"github.com/canopy-network/commercex/pkg/staging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func date(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func stageCustomers(t *testing.T, store *memory.Store, rows ...map[string]any) {
	t.Helper()
	batch := make([]dwh.RawRecord, len(rows))
	for i, r := range rows {
		batch[i] = dwh.RawRecord{Entity: entities.Customers, Fields: r}
	}
	_, err := staging.NewLoader(store, zaptest.NewLogger(t)).Load(context.Background(), batch)
	require.NoError(t, err)
}

func history(t *testing.T, store *memory.Store, dim entities.Dimension, key string) []dwh.DimensionRow {
	t.Helper()
	h, err := store.DimensionHistory(context.Background(), dim, []string{key})
	require.NoError(t, err)
	return h[key]
}

func TestConformCustomerNameChange(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	c := NewConformer(store, zaptest.NewLogger(t), 100)

	stageCustomers(t, store, map[string]any{"customer_id": "C1", "name": "Alice", "updated_at": "2024-01-01"})
	res, err := c.Conform(ctx, entities.CustomerDim, date(2024, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	rows := history(t, store, entities.CustomerDim, "C1")
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(1), rows[0].SurrogateKey)
	assert.Equal(t, date(2024, 1, 1), rows[0].EffectiveDate)
	assert.Nil(t, rows[0].ExpiryDate)
	assert.True(t, rows[0].IsCurrent)

	stageCustomers(t, store, map[string]any{"customer_id": "C1", "name": "Alicia", "updated_at": "2024-02-01"})
	res, err = c.Conform(ctx, entities.CustomerDim, date(2024, 2, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Expired)

	rows = history(t, store, entities.CustomerDim, "C1")
	require.Len(t, rows, 2)
	require.NotNil(t, rows[0].ExpiryDate)
	assert.Equal(t, date(2024, 2, 1), *rows[0].ExpiryDate)
	assert.False(t, rows[0].IsCurrent)
	assert.Equal(t, uint64(2), rows[1].SurrogateKey)
	assert.Equal(t, "Alicia", rows[1].Attributes["name"])
	assert.Equal(t, date(2024, 2, 1), rows[1].EffectiveDate)
	assert.True(t, rows[1].IsCurrent)
}

func TestConformIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	c := NewConformer(store, zaptest.NewLogger(t), 100)
	stageCustomers(t, store,
		map[string]any{"customer_id": "C1", "name": "Alice", "updated_at": "2024-01-01"},
		map[string]any{"customer_id": "C2", "name": "Bob", "updated_at": "2024-01-01"},
	)

	_, err := c.Conform(ctx, entities.CustomerDim, date(2024, 1, 2))
	require.NoError(t, err)
	res, err := c.Conform(ctx, entities.CustomerDim, date(2024, 1, 2))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Keys, "consumed records are not read again")

	// replaying from the start of staging changes nothing
	require.NoError(t, store.SetProgress(ctx, ProgressName(entities.CustomerDim), 0))
	res, err = c.Conform(ctx, entities.CustomerDim, date(2024, 1, 2))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 0, res.Expired)
	assert.Equal(t, 2, res.Unchanged)

	all, err := store.ScanDimensions(ctx, entities.CustomerDim)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestConformAppliesSameRunUpdatesInOrder(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	c := NewConformer(store, zaptest.NewLogger(t), 100)
	stageCustomers(t, store,
		map[string]any{"customer_id": "C1", "tier": "gold", "updated_at": "2024-01-20"},
		map[string]any{"customer_id": "C1", "tier": "bronze", "updated_at": "2024-01-01"},
		map[string]any{"customer_id": "C1", "tier": "silver", "updated_at": "2024-01-10"},
	)

	res, err := c.Conform(ctx, entities.CustomerDim, date(2024, 1, 31))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 2, res.Expired)

	rows := history(t, store, entities.CustomerDim, "C1")
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"bronze", "silver", "gold"}, []string{rows[0].Attributes["tier"], rows[1].Attributes["tier"], rows[2].Attributes["tier"]})
	assert.Equal(t, date(2024, 1, 10), *rows[0].ExpiryDate)
	assert.Equal(t, date(2024, 1, 20), *rows[1].ExpiryDate)
	assert.True(t, rows[2].IsCurrent)
}

func TestConformPartialRecordInheritsAttributes(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	c := NewConformer(store, zaptest.NewLogger(t), 100)
	stageCustomers(t, store, map[string]any{"customer_id": "C1", "name": "Alice", "city": "Lisbon", "updated_at": "2024-01-01"})
	_, err := c.Conform(ctx, entities.CustomerDim, date(2024, 1, 1))
	require.NoError(t, err)

	stageCustomers(t, store, map[string]any{"customer_id": "C1", "city": "Lisbon", "updated_at": "2024-01-05"})
	res, err := c.Conform(ctx, entities.CustomerDim, date(2024, 1, 5))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, res.Unchanged)
	assert.Len(t, history(t, store, entities.CustomerDim, "C1"), 1)
}

func TestConformIgnoresStaleLateArrival(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	c := NewConformer(store, zaptest.NewLogger(t), 100)
	stageCustomers(t, store, map[string]any{"customer_id": "C1", "name": "Alicia", "updated_at": "2024-02-01"})
	_, err := c.Conform(ctx, entities.CustomerDim, date(2024, 2, 1))
	require.NoError(t, err)

	stageCustomers(t, store, map[string]any{"customer_id": "C1", "name": "Al", "updated_at": "2024-01-15"})
	res, err := c.Conform(ctx, entities.CustomerDim, date(2024, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stale)
	assert.Len(t, history(t, store, entities.CustomerDim, "C1"), 1)
}

func TestConformAppliesChangeStagedLate(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	c := NewConformer(store, zaptest.NewLogger(t), 100)
	stageCustomers(t, store, map[string]any{"customer_id": "C1", "name": "Alice", "updated_at": "2024-01-01"})
	_, err := c.Conform(ctx, entities.CustomerDim, date(2024, 3, 1))
	require.NoError(t, err)

	// C2 changed in January but only reaches staging months later
	stageCustomers(t, store, map[string]any{"customer_id": "C2", "name": "Bob", "updated_at": "2024-01-05"})
	res, err := c.Conform(ctx, entities.CustomerDim, date(2024, 6, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Keys)
	assert.Equal(t, 1, res.Inserted)

	rows := history(t, store, entities.CustomerDim, "C2")
	require.Len(t, rows, 1)
	assert.Equal(t, date(2024, 1, 5), rows[0].EffectiveDate)
}

func TestConformDefersRecordsAfterAsOf(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	c := NewConformer(store, zaptest.NewLogger(t), 100)
	stageCustomers(t, store,
		map[string]any{"customer_id": "C1", "name": "Alice", "updated_at": "2024-01-01"},
		map[string]any{"customer_id": "C1", "name": "Alicia", "updated_at": "2024-02-01"},
		map[string]any{"customer_id": "C2", "name": "Bob", "updated_at": "2024-01-02"},
	)

	res, err := c.Conform(ctx, entities.CustomerDim, date(2024, 1, 31))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.Deferred)
	assert.Len(t, history(t, store, entities.CustomerDim, "C1"), 1)

	seq, err := store.Progress(ctx, ProgressName(entities.CustomerDim))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq, "progress stops before the deferred record")

	res, err = c.Conform(ctx, entities.CustomerDim, date(2024, 2, 29))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 1, res.Unchanged, "C2 is read again and left as is")
	assert.Zero(t, res.Deferred)

	rows := history(t, store, entities.CustomerDim, "C1")
	require.Len(t, rows, 2)
	assert.Equal(t, "Alicia", rows[1].Attributes["name"])
	assert.Equal(t, date(2024, 2, 1), rows[1].EffectiveDate)

	seq, err = store.Progress(ctx, ProgressName(entities.CustomerDim))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
}

func TestConformSessionsFromEvents(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_, err := staging.NewLoader(store, zaptest.NewLogger(t)).Load(ctx, []dwh.RawRecord{
		{Entity: entities.Events, Fields: map[string]any{"event_id": "E1", "session_id": "S1", "customer_id": "C1", "device_type": "mobile", "event_timestamp": "2024-01-01T10:00:00Z"}},
		{Entity: entities.Events, Fields: map[string]any{"event_id": "E2", "session_id": "S1", "customer_id": "C1", "event_timestamp": "2024-01-01T10:05:00Z"}},
		{Entity: entities.Events, Fields: map[string]any{"event_id": "E3", "session_id": "S2", "event_timestamp": "2024-01-01T11:00:00Z"}},
	})
	require.NoError(t, err)

	res, err := NewConformer(store, zaptest.NewLogger(t), 100).Conform(ctx, entities.SessionDim, date(2024, 1, 2))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Keys)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.Unchanged)

	rows := history(t, store, entities.SessionDim, "S1")
	require.Len(t, rows, 1)
	assert.Equal(t, "mobile", rows[0].Attributes["device_type"])
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), rows[0].EffectiveDate)
}

func TestConformStopsOnCancelledContext(t *testing.T) {
	store := memory.New()
	stageCustomers(t, store, map[string]any{"customer_id": "C1", "name": "Alice", "updated_at": "2024-01-01"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewConformer(store, zaptest.NewLogger(t), 100).Conform(ctx, entities.CustomerDim, date(2024, 1, 2))
	require.ErrorIs(t, err, context.Canceled)
}

func TestDecideDetectsMultipleCurrentRows(t *testing.T) {
	hist := []dwh.DimensionRow{
		{SurrogateKey: 1, NaturalKey: "C1", EffectiveDate: date(2024, 1, 1), IsCurrent: true},
		{SurrogateKey: 2, NaturalKey: "C1", EffectiveDate: date(2024, 1, 5), IsCurrent: true},
	}
	_, err := Decide("customer", hist, Proposal{NaturalKey: "C1", At: date(2024, 2, 1)})
	var ce *etlerr.ConsistencyError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 2, ce.CurrentRows)
	assert.True(t, etlerr.IsFatal(err))

	expiry := date(2024, 1, 5)
	_, err = Decide("customer", []dwh.DimensionRow{{SurrogateKey: 1, EffectiveDate: date(2024, 1, 1), ExpiryDate: &expiry}}, Proposal{NaturalKey: "C1", At: date(2024, 2, 1)})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 0, ce.CurrentRows)
}

func TestDecideTable(t *testing.T) {
	current := dwh.DimensionRow{SurrogateKey: 1, Attributes: map[string]string{"name": "Alice"}, EffectiveDate: date(2024, 1, 10), IsCurrent: true}
	cases := []struct {
		name string
		hist []dwh.DimensionRow
		p    Proposal
		want Action
	}{
		{"new key", nil, Proposal{At: date(2024, 1, 1), Attributes: map[string]string{"name": "Alice"}}, ActionInsert},
		{"same attributes later", []dwh.DimensionRow{current}, Proposal{At: date(2024, 2, 1), Attributes: map[string]string{"name": "Alice"}}, ActionNoop},
		{"changed later", []dwh.DimensionRow{current}, Proposal{At: date(2024, 2, 1), Attributes: map[string]string{"name": "Alicia"}}, ActionSupersede},
		{"changed at same instant", []dwh.DimensionRow{current}, Proposal{At: date(2024, 1, 10), Attributes: map[string]string{"name": "Alicia"}}, ActionStale},
		{"redelivered current", []dwh.DimensionRow{current}, Proposal{At: date(2024, 1, 10), Attributes: map[string]string{"name": "Alice"}}, ActionNoop},
		{"before first version", []dwh.DimensionRow{current}, Proposal{At: date(2024, 1, 1), Attributes: map[string]string{"name": "Alice"}}, ActionStale},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := Decide("customer", tc.hist, tc.p)
			require.NoError(t, err)
			assert.Equal(t, tc.want, d.Action, d.Action.String())
		})
	}
}
