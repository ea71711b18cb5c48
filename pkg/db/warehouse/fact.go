package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/canopy-network/commercex/pkg/db/entities"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/canopy-network/commercex/pkg/etlerr"
)

// factSchema maps a fact to its columns and the columns forming its FactID.
type factSchema struct {
	columns    []dwh.ColumnDef
	keyCol     string
	versionCol string
	// timeCol is the business timestamp range scans filter and order on.
	timeCol string
}

var factSchemas = map[entities.Fact]factSchema{
	entities.OrderFacts:     {dwh.OrderFactColumns, "order_id", "version", "order_date"},
	entities.OrderItemFacts: {dwh.OrderItemFactColumns, "order_item_id", "version", "order_date"},
	entities.WebEventFacts:  {dwh.WebEventFactColumns, "event_id", "version", "event_time"},
	entities.BehaviorFacts:  {dwh.BehaviorFactColumns, "session_id", "first_event_at", "first_event_at"},
}

func schemaOf(fact entities.Fact) (factSchema, error) {
	s, ok := factSchemas[fact]
	if !ok {
		return factSchema{}, fmt.Errorf("unknown fact %q", fact)
	}
	return s, nil
}

type factIDRow struct {
	Key     string    `ch:"key"`
	Version time.Time `ch:"version"`
}

func (db *DB) ExistingFacts(ctx context.Context, fact entities.Fact, ids []dwh.FactID) (map[dwh.FactID]bool, error) {
	out := make(map[dwh.FactID]bool)
	if len(ids) == 0 {
		return out, nil
	}
	s, err := schemaOf(fact)
	if err != nil {
		return nil, etlerr.Store("ExistingFacts", err)
	}

	keys := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id.NaturalKey] {
			seen[id.NaturalKey] = true
			keys = append(keys, id.NaturalKey)
		}
	}

	var rows []factIDRow
	query := fmt.Sprintf(`SELECT %s AS key, %s AS version FROM %s FINAL WHERE %s IN (?)`,
		s.keyCol, s.versionCol, db.Table(fact.TableName()), s.keyCol)
	if err := db.SelectWithFinal(ctx, &rows, query, keys); err != nil {
		return nil, etlerr.Store("ExistingFacts", err)
	}

	type stored struct {
		key    string
		micros int64
	}
	have := make(map[stored]bool, len(rows))
	for _, r := range rows {
		have[stored{r.Key, micros(r.Version)}] = true
	}
	for _, id := range ids {
		if have[stored{id.NaturalKey, micros(time.Unix(0, id.Version))}] {
			out[id] = true
		}
	}
	return out, nil
}

// insertFacts writes rows whose id is not stored yet. Facts are write-once, so a
// repeated build of the same version leaves the table unchanged.
func insertFacts[T interface{ ID() dwh.FactID }](ctx context.Context, db *DB, op string, fact entities.Fact, rows []T) error {
	if len(rows) == 0 {
		return nil
	}
	s, err := schemaOf(fact)
	if err != nil {
		return etlerr.Store(op, err)
	}

	ids := make([]dwh.FactID, len(rows))
	for i, r := range rows {
		ids[i] = r.ID()
	}
	existing, err := db.ExistingFacts(ctx, fact, ids)
	if err != nil {
		return etlerr.Store(op, err)
	}

	batch, err := db.PrepareBatch(ctx, db.insertSQL(fact.TableName(), s.columns))
	if err != nil {
		return etlerr.Store(op, err)
	}
	defer func(batch driver.Batch) {
		_ = batch.Abort()
	}(batch)

	written := make(map[dwh.FactID]bool, len(rows))
	for i := range rows {
		id := rows[i].ID()
		if existing[id] || written[id] {
			continue
		}
		written[id] = true
		if err := batch.AppendStruct(&rows[i]); err != nil {
			return etlerr.Store(op, err)
		}
	}
	if len(written) == 0 {
		return nil
	}
	return etlerr.Store(op, batch.Send())
}

func (db *DB) InsertOrderFacts(ctx context.Context, rows []dwh.OrderFact) error {
	return insertFacts(ctx, db, "InsertOrderFacts", entities.OrderFacts, rows)
}

func (db *DB) InsertOrderItemFacts(ctx context.Context, rows []dwh.OrderItemFact) error {
	return insertFacts(ctx, db, "InsertOrderItemFacts", entities.OrderItemFacts, rows)
}

func (db *DB) InsertWebEventFacts(ctx context.Context, rows []dwh.WebEventFact) error {
	return insertFacts(ctx, db, "InsertWebEventFacts", entities.WebEventFacts, rows)
}

func (db *DB) InsertBehaviorFacts(ctx context.Context, rows []dwh.BehaviorFact) error {
	return insertFacts(ctx, db, "InsertBehaviorFacts", entities.BehaviorFacts, rows)
}

// selectFacts reads fact rows matching where, ordered by the fact's business time.
func selectFacts[T any](ctx context.Context, db *DB, fact entities.Fact, where string, args ...any) ([]T, error) {
	s, err := schemaOf(fact)
	if err != nil {
		return nil, err
	}
	query := db.selectSQL(fact.TableName(), s.columns, true)
	if where != "" {
		query += " WHERE " + where
	}
	query += fmt.Sprintf(" ORDER BY %s, %s, %s", s.timeCol, s.keyCol, s.versionCol)

	var rows []T
	if err := db.SelectWithFinal(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (db *DB) OrderFactsForCustomers(ctx context.Context, customerIDs []string) (map[string][]dwh.OrderFact, error) {
	out := make(map[string][]dwh.OrderFact)
	if len(customerIDs) == 0 {
		return out, nil
	}
	rows, err := selectFacts[dwh.OrderFact](ctx, db, entities.OrderFacts, "customer_id IN (?)", customerIDs)
	if err != nil {
		return nil, etlerr.Store("OrderFactsForCustomers", err)
	}
	for _, f := range rows {
		f = utcOrder(f)
		out[f.CustomerID] = append(out[f.CustomerID], f)
	}
	return out, nil
}

func (db *DB) OrderFactsByID(ctx context.Context, orderIDs []string) (map[string][]dwh.OrderFact, error) {
	out := make(map[string][]dwh.OrderFact)
	if len(orderIDs) == 0 {
		return out, nil
	}
	rows, err := selectFacts[dwh.OrderFact](ctx, db, entities.OrderFacts, "order_id IN (?)", orderIDs)
	if err != nil {
		return nil, etlerr.Store("OrderFactsByID", err)
	}
	for _, f := range rows {
		f = utcOrder(f)
		out[f.OrderID] = append(out[f.OrderID], f)
	}
	return out, nil
}

func (db *DB) ScanOrderFacts(ctx context.Context, from, to time.Time) ([]dwh.OrderFact, error) {
	where, args := timeRange("order_date", from, to)
	rows, err := selectFacts[dwh.OrderFact](ctx, db, entities.OrderFacts, where, args...)
	if err != nil {
		return nil, etlerr.Store("ScanOrderFacts", err)
	}
	for i := range rows {
		rows[i] = utcOrder(rows[i])
	}
	return rows, nil
}

func (db *DB) ScanOrderItemFacts(ctx context.Context, from, to time.Time) ([]dwh.OrderItemFact, error) {
	where, args := timeRange("order_date", from, to)
	rows, err := selectFacts[dwh.OrderItemFact](ctx, db, entities.OrderItemFacts, where, args...)
	if err != nil {
		return nil, etlerr.Store("ScanOrderItemFacts", err)
	}
	for i := range rows {
		rows[i].Version = rows[i].Version.UTC()
		rows[i].OrderDate = rows[i].OrderDate.UTC()
	}
	return rows, nil
}

func (db *DB) ScanWebEventFacts(ctx context.Context, from, to time.Time) ([]dwh.WebEventFact, error) {
	where, args := timeRange("event_time", from, to)
	rows, err := selectFacts[dwh.WebEventFact](ctx, db, entities.WebEventFacts, where, args...)
	if err != nil {
		return nil, etlerr.Store("ScanWebEventFacts", err)
	}
	for i := range rows {
		rows[i].Version = rows[i].Version.UTC()
		rows[i].EventTime = rows[i].EventTime.UTC()
		rows[i].EventDate = rows[i].EventDate.UTC()
	}
	return rows, nil
}

func (db *DB) ScanBehaviorFacts(ctx context.Context, from, to time.Time) ([]dwh.BehaviorFact, error) {
	where, args := timeRange("first_event_at", from, to)
	rows, err := selectFacts[dwh.BehaviorFact](ctx, db, entities.BehaviorFacts, where, args...)
	if err != nil {
		return nil, etlerr.Store("ScanBehaviorFacts", err)
	}
	for i := range rows {
		rows[i].FirstEventAt = rows[i].FirstEventAt.UTC()
		rows[i].LastEventAt = rows[i].LastEventAt.UTC()
	}
	return rows, nil
}

func (db *DB) WebEventFactsForSessions(ctx context.Context, sessionIDs []string) (map[string][]dwh.WebEventFact, error) {
	out := make(map[string][]dwh.WebEventFact)
	if len(sessionIDs) == 0 {
		return out, nil
	}
	rows, err := selectFacts[dwh.WebEventFact](ctx, db, entities.WebEventFacts, "session_id IN (?)", sessionIDs)
	if err != nil {
		return nil, etlerr.Store("WebEventFactsForSessions", err)
	}
	for _, f := range rows {
		f.Version = f.Version.UTC()
		f.EventTime = f.EventTime.UTC()
		f.EventDate = f.EventDate.UTC()
		out[f.SessionID] = append(out[f.SessionID], f)
	}
	return out, nil
}

func (db *DB) SummarisedSessions(ctx context.Context, sessionIDs []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(sessionIDs) == 0 {
		return out, nil
	}
	var rows []struct {
		SessionID string `ch:"session_id"`
	}
	query := fmt.Sprintf(`SELECT DISTINCT session_id FROM %s FINAL WHERE session_id IN (?)`, db.Table(entities.BehaviorFacts.TableName()))
	if err := db.SelectWithFinal(ctx, &rows, query, sessionIDs); err != nil {
		return nil, etlerr.Store("SummarisedSessions", err)
	}
	for _, r := range rows {
		out[r.SessionID] = true
	}
	return out, nil
}

func (db *DB) CountFacts(ctx context.Context, fact entities.Fact) (int64, error) {
	if _, err := schemaOf(fact); err != nil {
		return 0, etlerr.Store("CountFacts", err)
	}
	var n uint64
	query := fmt.Sprintf(`SELECT count() FROM %s FINAL`, db.Table(fact.TableName()))
	if err := db.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, etlerr.Store("CountFacts", err)
	}
	return int64(n), nil
}

func utcOrder(f dwh.OrderFact) dwh.OrderFact {
	f.Version = f.Version.UTC()
	f.OrderDate = f.OrderDate.UTC()
	return f
}
