// Package warehouse is the ClickHouse implementation of db.Store.
//
// Staging tables are plain MergeTree and append-only. Dimension, fact, funnel and
// progress tables are ReplacingMergeTree and every read of them carries FINAL.
// Whole-table metrics are rebuilt in a shadow table and swapped in with EXCHANGE
// TABLES, which requires the Atomic database engine created by the client.
package warehouse

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/canopy-network/commercex/pkg/db"
	"github.com/canopy-network/commercex/pkg/db/clickhouse"
	"github.com/canopy-network/commercex/pkg/db/entities"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"go.uber.org/zap"
)

var _ db.Store = (*DB)(nil)

// ProgressTableName holds the staging Seq each stage has consumed up to.
const ProgressTableName = "etl_progress"

// shadowSuffix names the table a full metric rebuild is written to before the swap.
const shadowSuffix = "_next"

// DB is the warehouse database. Surrogate keys and staging sequence numbers are
// assigned here, so one process owns writes at a time; the audit run lock
// guarantees that.
type DB struct {
	clickhouse.Client

	keyMu   sync.Mutex
	nextSeq map[entities.Entity]uint64
	nextKey map[entities.Dimension]uint64
}

// New connects to ClickHouse and creates the warehouse database and tables.
func New(ctx context.Context, logger *zap.Logger, dbName string, pool *clickhouse.PoolConfig) (*DB, error) {
	name := clickhouse.SanitizeName(dbName)
	component := ""
	if pool != nil {
		component = pool.Component
	}
	client, err := clickhouse.New(ctx, logger.With(
		zap.String("db", name),
		zap.String("component", component),
	), name, pool)
	if err != nil {
		return nil, err
	}

	wh := NewWithClient(client)
	if err := wh.InitializeDB(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return wh, nil
}

// NewWithClient wraps an existing connection. Tables must already exist.
func NewWithClient(client clickhouse.Client) *DB {
	return &DB{
		Client:  client,
		nextSeq: make(map[entities.Entity]uint64),
		nextKey: make(map[entities.Dimension]uint64),
	}
}

// Close terminates the underlying ClickHouse connection.
func (db *DB) Close() error {
	return db.Client.Close()
}

// tableDef describes one warehouse table.
type tableDef struct {
	name    string
	columns []dwh.ColumnDef
	engine  string
	orderBy string
	// partitionBy is optional.
	partitionBy string
}

// tables lists every table the warehouse owns, shadow tables included.
func (db *DB) tables() []tableDef {
	var defs []tableDef
	for _, e := range entities.All() {
		defs = append(defs, tableDef{
			name:        e.StagingTableName(),
			columns:     dwh.StagedColumns,
			engine:      db.Engine(clickhouse.MergeTree, ""),
			orderBy:     "(natural_key, source_time, seq)",
			partitionBy: "toYYYYMM(source_time)",
		})
	}
	for _, d := range entities.Dimensions() {
		defs = append(defs, tableDef{
			name:    d.TableName(),
			columns: dwh.DimensionColumns,
			engine:  db.Engine(clickhouse.ReplacingMergeTree, "version"),
			orderBy: "(natural_key, surrogate_key)",
		})
	}
	for _, f := range entities.Facts() {
		s := factSchemas[f]
		defs = append(defs, tableDef{
			name:        f.TableName(),
			columns:     s.columns,
			engine:      db.Engine(clickhouse.ReplacingMergeTree, "built_at"),
			orderBy:     fmt.Sprintf("(%s, %s)", s.keyCol, s.versionCol),
			partitionBy: fmt.Sprintf("toYYYYMM(%s)", s.timeCol),
		})
	}
	defs = append(defs, tableDef{
		name:    entities.FunnelMetric.TableName(),
		columns: dwh.FunnelColumns,
		engine:  db.Engine(clickhouse.ReplacingMergeTree, ""),
		orderBy: "(date, stage_order)",
	})
	for _, m := range []struct {
		metric  entities.Metric
		columns []dwh.ColumnDef
		orderBy string
	}{
		{entities.RFMMetric, dwh.RFMColumns, "customer_key"},
		{entities.CohortMetric, dwh.CohortColumns, "(cohort_month, months_since_first)"},
		{entities.AffinityMetric, dwh.AffinityColumns, "(product_a, product_b)"},
	} {
		for _, name := range []string{m.metric.TableName(), m.metric.TableName() + shadowSuffix} {
			defs = append(defs, tableDef{
				name:    name,
				columns: m.columns,
				engine:  db.Engine(clickhouse.MergeTree, ""),
				orderBy: m.orderBy,
			})
		}
	}
	defs = append(defs, tableDef{
		name: ProgressTableName,
		columns: []dwh.ColumnDef{
			{Name: "name", Type: "String"},
			{Name: "seq", Type: "UInt64"},
			{Name: "updated_at", Type: "DateTime64(6)"},
		},
		engine:  db.Engine(clickhouse.ReplacingMergeTree, "updated_at"),
		orderBy: "name",
	})
	return defs
}

func (db *DB) createTableSQL(t tableDef) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s %s (\n\t\t\t%s\n\t\t) ENGINE = %s",
		db.Table(t.name), db.OnCluster(), dwh.ColumnsToSchemaSQL(t.columns), t.engine)
	if t.partitionBy != "" {
		fmt.Fprintf(&b, "\n\t\tPARTITION BY %s", t.partitionBy)
	}
	fmt.Fprintf(&b, "\n\t\tORDER BY %s", t.orderBy)
	return b.String()
}

// InitializeDB creates every warehouse table that does not exist yet. The CREATE
// statements are independent and issued concurrently.
func (db *DB) InitializeDB(ctx context.Context) error {
	start := time.Now()
	defs := db.tables()

	var wg sync.WaitGroup
	errCh := make(chan error, len(defs))
	for _, t := range defs {
		wg.Add(1)
		go func(t tableDef) {
			defer wg.Done()
			if err := db.Exec(ctx, db.createTableSQL(t)); err != nil {
				errCh <- fmt.Errorf("create %s: %w", t.name, err)
			}
		}(t)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}

	db.Logger.Info("Warehouse database initialized",
		zap.String("database", db.Database),
		zap.Int("tables", len(defs)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// insertSQL renders the column-qualified INSERT prefix used by PrepareBatch.
func (db *DB) insertSQL(table string, columns []dwh.ColumnDef) string {
	return fmt.Sprintf("INSERT INTO %s (%s)", db.Table(table), strings.Join(dwh.ColumnsToNameList(columns), ", "))
}

// selectSQL renders SELECT <columns> FROM <table> [FINAL].
func (db *DB) selectSQL(table string, columns []dwh.ColumnDef, final bool) string {
	q := fmt.Sprintf("SELECT %s FROM %s", strings.Join(dwh.ColumnsToNameList(columns), ", "), db.Table(table))
	if final {
		q += " FINAL"
	}
	return q
}

// timeRange renders the [from, to) predicate on col. A zero to is unbounded.
func timeRange(col string, from, to time.Time) (string, []any) {
	if to.IsZero() {
		return fmt.Sprintf("%s >= ?", col), []any{from}
	}
	return fmt.Sprintf("%s >= ? AND %s < ?", col, col), []any{from, to}
}

// micros truncates to the DateTime64(6) precision stored by every table.
func micros(t time.Time) int64 {
	return t.UnixMicro()
}
