package warehouse

import (
	"strings"
	"testing"
	"time"

	"github.com/canopy-network/commercex/pkg/db/clickhouse"
	"github.com/canopy-network/commercex/pkg/db/entities"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTablesCoverEveryEntity(t *testing.T) {
	wh := NewWithClient(clickhouse.Client{Database: "shop"})

	names := make(map[string]tableDef)
	for _, def := range wh.tables() {
		_, dup := names[def.name]
		require.False(t, dup, "table %s defined twice", def.name)
		require.NoError(t, dwh.ValidateColumns(def.columns), def.name)
		names[def.name] = def
	}

	for _, e := range entities.All() {
		assert.Contains(t, names, e.StagingTableName())
	}
	for _, d := range entities.Dimensions() {
		assert.Contains(t, names, d.TableName())
	}
	for _, f := range entities.Facts() {
		assert.Contains(t, names, f.TableName())
	}
	for _, m := range entities.Metrics() {
		assert.Contains(t, names, m.TableName())
	}
	assert.Contains(t, names, "metric_customer_rfm_next")
	assert.Contains(t, names, ProgressTableName)
	assert.NotContains(t, names, "metric_conversion_funnel_next")
}

func TestCreateTableSQL(t *testing.T) {
	wh := NewWithClient(clickhouse.Client{Database: "shop"})
	sql := wh.createTableSQL(tableDef{
		name:        "fact_orders",
		columns:     []dwh.ColumnDef{{Name: "order_id", Type: "String"}, {Name: "version", Type: "DateTime64(6)"}},
		engine:      wh.Engine(clickhouse.ReplacingMergeTree, "built_at"),
		orderBy:     "(order_id, version)",
		partitionBy: "toYYYYMM(version)",
	})

	assert.True(t, strings.HasPrefix(sql, `CREATE TABLE IF NOT EXISTS "shop"."fact_orders"`))
	assert.Contains(t, sql, "order_id String,\n\t\t\tversion DateTime64(6)")
	assert.Contains(t, sql, "ENGINE = ReplacingMergeTree(built_at)")
	assert.Contains(t, sql, "PARTITION BY toYYYYMM(version)")
	assert.True(t, strings.HasSuffix(sql, "ORDER BY (order_id, version)"))
	assert.NotContains(t, sql, "ON CLUSTER")
}

func TestCreateTableSQLOnCluster(t *testing.T) {
	wh := NewWithClient(clickhouse.Client{Database: "shop", Cluster: "dwh"})
	for _, def := range wh.tables() {
		if def.name != entities.CustomerDim.TableName() {
			continue
		}
		sql := wh.createTableSQL(def)
		assert.Contains(t, sql, `"shop"."dim_customer" ON CLUSTER dwh`)
		assert.Contains(t, sql, "ENGINE = ReplicatedReplacingMergeTree(version)")
		assert.Contains(t, sql, "ORDER BY (natural_key, surrogate_key)")
		assert.NotContains(t, sql, "PARTITION BY")
		return
	}
	t.Fatal("dim_customer not defined")
}

func TestFactSchemasMatchColumns(t *testing.T) {
	for _, f := range entities.Facts() {
		s, err := schemaOf(f)
		require.NoError(t, err, f)
		names := dwh.ColumnsToNameList(s.columns)
		assert.Contains(t, names, s.keyCol, f)
		assert.Contains(t, names, s.versionCol, f)
		assert.Contains(t, names, s.timeCol, f)
	}
	_, err := schemaOf(entities.Fact("refunds"))
	assert.Error(t, err)
}

func TestTimeRange(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	where, args := timeRange("order_date", from, to)
	assert.Equal(t, "order_date >= ? AND order_date < ?", where)
	assert.Equal(t, []any{from, to}, args)

	where, args = timeRange("order_date", from, time.Time{})
	assert.Equal(t, "order_date >= ?", where)
	assert.Equal(t, []any{from}, args)
}

func TestInsertAndSelectSQL(t *testing.T) {
	wh := NewWithClient(clickhouse.Client{Database: "shop"})
	cols := []dwh.ColumnDef{{Name: "a", Type: "String"}, {Name: "b", Type: "UInt8"}}
	assert.Equal(t, `INSERT INTO "shop"."t" (a, b)`, wh.insertSQL("t", cols))
	assert.Equal(t, `SELECT a, b FROM "shop"."t" FINAL`, wh.selectSQL("t", cols, true))
	assert.Equal(t, `SELECT a, b FROM "shop"."t"`, wh.selectSQL("t", cols, false))
}

func TestMicrosMatchesStoredPrecision(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 123456789, time.UTC)
	stored := at.Truncate(time.Microsecond)
	assert.Equal(t, micros(stored), micros(time.Unix(0, at.UnixNano())))
}
