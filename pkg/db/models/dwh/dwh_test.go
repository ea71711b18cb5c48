package dwh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }

func TestDimensionRowCovers(t *testing.T) {
	expiry := day(10)
	row := DimensionRow{EffectiveDate: day(1), ExpiryDate: &expiry}
	assert.False(t, row.Covers(day(1).Add(-time.Nanosecond)))
	assert.True(t, row.Covers(day(1)))
	assert.True(t, row.Covers(day(9)))
	assert.False(t, row.Covers(day(10)), "expiry is exclusive")

	open := DimensionRow{EffectiveDate: day(10), IsCurrent: true}
	assert.True(t, open.Covers(day(31)))
}

func TestDimensionRowClosedDoesNotAlias(t *testing.T) {
	row := DimensionRow{NaturalKey: "C1", Attributes: map[string]string{"name": "Alice"}, EffectiveDate: day(1), IsCurrent: true, Version: 1}
	closed := row.Closed(day(5))
	closed.Attributes["name"] = "changed"

	assert.Equal(t, "Alice", row.Attributes["name"])
	assert.True(t, row.IsCurrent)
	assert.Nil(t, row.ExpiryDate)
	assert.False(t, closed.IsCurrent)
	require.NotNil(t, closed.ExpiryDate)
	assert.Equal(t, day(5), *closed.ExpiryDate)
	assert.Equal(t, uint64(2), closed.Version)
}

func TestWindow(t *testing.T) {
	w := Window{Start: day(1), End: day(2)}
	require.NoError(t, w.Validate())
	assert.True(t, w.Contains(day(1)))
	assert.False(t, w.Contains(day(2)))
	assert.Error(t, Window{Start: day(2), End: day(1)}.Validate())
	assert.Error(t, Window{}.Validate())
	assert.Equal(t, "[2024-01-01T00:00:00Z, 2024-01-02T00:00:00Z)", w.String())
}

func TestStagedRecordAccessors(t *testing.T) {
	r := StagedRecord{Fields: map[string]string{
		"qty": "3", "price": "9.5", "active": "true", "at": "2024-01-02T03:04:05Z",
	}}
	assert.Equal(t, int64(3), r.Int("qty"))
	assert.Equal(t, 9.5, r.Float("price"))
	assert.True(t, r.Bool("active"))
	at, ok := r.Time("at")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), at)
	_, ok = r.Time("missing")
	assert.False(t, ok)
}

func TestLatestOrders(t *testing.T) {
	facts := []OrderFact{
		{OrderID: "O1", Version: day(1), Status: StatusPending},
		{OrderID: "O1", Version: day(3), Status: StatusCompleted},
		{OrderID: "O1", Version: day(2), Status: StatusCancelled},
		{OrderID: "O2", Version: day(1), Status: StatusPending},
	}
	latest := LatestOrders(facts)
	assert.Len(t, latest, 2)
	assert.Equal(t, StatusCompleted, latest["O1"].Status)
}

func TestColumnsAreValid(t *testing.T) {
	for name, cols := range map[string][]ColumnDef{
		"staged":    StagedColumns,
		"dimension": DimensionColumns,
		"orders":    OrderFactColumns,
		"items":     OrderItemFactColumns,
		"events":    WebEventFactColumns,
		"behavior":  BehaviorFactColumns,
		"rfm":       RFMColumns,
		"funnel":    FunnelColumns,
		"cohort":    CohortColumns,
		"affinity":  AffinityColumns,
	} {
		assert.NoError(t, ValidateColumns(cols), name)
	}
	assert.Error(t, ValidateColumns([]ColumnDef{{Name: "a", Type: "String"}, {Name: "a", Type: "UInt8"}}))
	assert.Equal(t, "a String CODEC(ZSTD(1)),\n\t\t\tb UInt8", ColumnsToSchemaSQL([]ColumnDef{{Name: "a", Type: "String", Codec: "ZSTD(1)"}, {Name: "b", Type: "UInt8"}}))
}
