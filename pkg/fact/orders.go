package fact

import (
	"context"
	"sort"
	"time"

	"github.com/canopy-network/commercex/pkg/db/entities"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/canopy-network/commercex/pkg/etlerr"
)

// buildOrders writes order facts in ascending order date so that orders of the same
// customer within one batch see each other as predecessors.
func (b *Builder) buildOrders(ctx context.Context, window dwh.Window) (BuildResult, error) {
	var res BuildResult
	p, err := b.scan(ctx, entities.OrderFacts, window, &res)
	if err != nil {
		return res, err
	}
	var records []dwh.StagedRecord
	records, res.Existing, err = b.fresh(ctx, entities.OrderFacts, p.records)
	if err != nil {
		return res, err
	}
	if len(records) == 0 {
		return res, b.commit(ctx, p)
	}

	type candidate struct {
		rec       dwh.StagedRecord
		orderDate time.Time
	}
	rows := make([]candidate, 0, len(records))
	customers := make(map[string]struct{})
	for _, r := range records {
		od, _ := r.Time("order_date")
		rows = append(rows, candidate{rec: r, orderDate: od})
		customers[r.Field("customer_id")] = struct{}{}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].orderDate.Equal(rows[j].orderDate) {
			return rows[i].orderDate.Before(rows[j].orderDate)
		}
		if rows[i].rec.NaturalKey != rows[j].rec.NaturalKey {
			return rows[i].rec.NaturalKey < rows[j].rec.NaturalKey
		}
		return rows[i].rec.SourceTime.Before(rows[j].rec.SourceTime)
	})

	custHistory, err := b.history(ctx, entities.CustomerDim, customers)
	if err != nil {
		return res, err
	}
	prior, err := b.priorOrderDates(ctx, customers)
	if err != nil {
		return res, err
	}

	builtAt := b.now().UTC()
	facts := make([]dwh.OrderFact, 0, len(rows))
	for _, c := range rows {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		r := c.rec
		customerID := r.Field("customer_id")
		cust, ok := PointInTime(custHistory[customerID], c.orderDate)
		if !ok {
			p.hold(r.Seq)
			res.OrderingErrors = append(res.OrderingErrors, etlerr.OrderingError{
				Fact:         entities.OrderFacts.String(),
				NaturalKey:   r.NaturalKey,
				Dimension:    entities.CustomerDim.String(),
				DimensionKey: customerID,
				At:           c.orderDate,
			})
			continue
		}

		f := dwh.OrderFact{
			OrderID:        r.NaturalKey,
			Version:        r.SourceTime,
			CustomerID:     customerID,
			CustomerKey:    cust.SurrogateKey,
			OrderDate:      c.orderDate,
			Status:         r.Field("order_status"),
			PaymentMethod:  r.Field("payment_method"),
			OrderTotal:     r.Float("order_total"),
			ShippingCost:   r.Float("shipping_cost"),
			DiscountAmount: r.Float("discount_amount"),
			BuiltAt:        builtAt,
		}
		f.IsFirstOrder, f.DaysSinceLastOrder = orderHistory(prior[customerID], r.NaturalKey, c.orderDate)
		facts = append(facts, f)

		if prior[customerID] == nil {
			prior[customerID] = make(map[string]time.Time)
		}
		if _, known := prior[customerID][r.NaturalKey]; !known {
			prior[customerID][r.NaturalKey] = c.orderDate
		}
	}

	err = chunks(facts, b.batchSize, func(batch []dwh.OrderFact) error {
		if err := b.store.InsertOrderFacts(ctx, batch); err != nil {
			return etlerr.Store("insert order facts", err)
		}
		res.RowsWritten += len(batch)
		return nil
	})
	if err != nil {
		return res, err
	}
	return res, b.commit(ctx, p)
}

// priorOrderDates maps customer -> order id -> order date of the latest stored version.
func (b *Builder) priorOrderDates(ctx context.Context, customers map[string]struct{}) (map[string]map[string]time.Time, error) {
	ids := make([]string, 0, len(customers))
	for c := range customers {
		ids = append(ids, c)
	}
	stored, err := b.store.OrderFactsForCustomers(ctx, ids)
	if err != nil {
		return nil, etlerr.Store("order facts for customers", err)
	}
	out := make(map[string]map[string]time.Time, len(stored))
	for customerID, facts := range stored {
		dates := make(map[string]time.Time)
		for orderID, f := range dwh.LatestOrders(facts) {
			dates[orderID] = f.OrderDate
		}
		out[customerID] = dates
	}
	return out, nil
}

// orderHistory derives is_first_order and days_since_last_order from the other
// orders of the customer placed strictly before orderDate.
func orderHistory(prior map[string]time.Time, orderID string, orderDate time.Time) (bool, *int32) {
	var last time.Time
	found := false
	for id, d := range prior {
		if id == orderID || !d.Before(orderDate) {
			continue
		}
		if !found || d.After(last) {
			last = d
			found = true
		}
	}
	if !found {
		return true, nil
	}
	days := int32(orderDate.Sub(last) / (24 * time.Hour))
	return false, &days
}
