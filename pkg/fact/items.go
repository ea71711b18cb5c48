package fact

import (
	"context"
	"sort"
	"strconv"

	"github.com/canopy-network/commercex/pkg/db/entities"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/canopy-network/commercex/pkg/etlerr"
)

// orderRef names the order header an item depends on in ordering errors.
const orderRef = "order"

func (b *Builder) buildOrderItems(ctx context.Context, window dwh.Window) (BuildResult, error) {
	var res BuildResult
	p, err := b.scan(ctx, entities.OrderItemFacts, window, &res)
	if err != nil {
		return res, err
	}
	var records []dwh.StagedRecord
	records, res.Existing, err = b.fresh(ctx, entities.OrderItemFacts, p.records)
	if err != nil {
		return res, err
	}
	if len(records) == 0 {
		return res, b.commit(ctx, p)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })

	orderIDs := make([]string, 0)
	seenOrder := make(map[string]bool)
	products := make(map[string]struct{})
	for _, r := range records {
		if id := r.Field("order_id"); !seenOrder[id] {
			seenOrder[id] = true
			orderIDs = append(orderIDs, id)
		}
		products[r.Field("product_id")] = struct{}{}
	}

	orders := make(map[string]dwh.OrderFact, len(orderIDs))
	err = chunks(orderIDs, b.batchSize, func(ids []string) error {
		stored, err := b.store.OrderFactsByID(ctx, ids)
		if err != nil {
			return etlerr.Store("order facts by id", err)
		}
		for id, versions := range stored {
			orders[id] = dwh.LatestOrders(versions)[id]
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	prodHistory, err := b.history(ctx, entities.ProductDim, products)
	if err != nil {
		return res, err
	}

	builtAt := b.now().UTC()
	facts := make([]dwh.OrderItemFact, 0, len(records))
	for _, r := range records {
		orderID := r.Field("order_id")
		order, ok := orders[orderID]
		if !ok {
			p.hold(r.Seq)
			res.OrderingErrors = append(res.OrderingErrors, etlerr.OrderingError{
				Fact:         entities.OrderItemFacts.String(),
				NaturalKey:   r.NaturalKey,
				Dimension:    orderRef,
				DimensionKey: orderID,
				At:           r.SourceTime,
			})
			continue
		}
		productID := r.Field("product_id")
		product, ok := PointInTime(prodHistory[productID], order.OrderDate)
		if !ok {
			p.hold(r.Seq)
			res.OrderingErrors = append(res.OrderingErrors, etlerr.OrderingError{
				Fact:         entities.OrderItemFacts.String(),
				NaturalKey:   r.NaturalKey,
				Dimension:    entities.ProductDim.String(),
				DimensionKey: productID,
				At:           order.OrderDate,
			})
			continue
		}

		unitCost, _ := strconv.ParseFloat(product.Attributes["unit_cost"], 64)
		f := dwh.OrderItemFact{
			OrderItemID: r.NaturalKey,
			Version:     r.SourceTime,
			OrderID:     orderID,
			OrderDate:   order.OrderDate,
			CustomerKey: order.CustomerKey,
			ProductID:   productID,
			ProductKey:  product.SurrogateKey,
			Quantity:    r.Int("quantity"),
			UnitPrice:   r.Float("unit_price"),
			Discount:    r.Float("discount"),
			UnitCost:    unitCost,
			BuiltAt:     builtAt,
		}
		f.LineTotal, f.LineCost, f.Profit, f.Margin = LineMeasures(f.Quantity, f.UnitPrice, f.Discount, unitCost)
		facts = append(facts, f)
	}

	err = chunks(facts, b.batchSize, func(batch []dwh.OrderItemFact) error {
		if err := b.store.InsertOrderItemFacts(ctx, batch); err != nil {
			return etlerr.Store("insert order item facts", err)
		}
		res.RowsWritten += len(batch)
		return nil
	})
	if err != nil {
		return res, err
	}
	return res, b.commit(ctx, p)
}

// LineMeasures derives line profitability. Margin is 0 for a zero line total.
func LineMeasures(quantity int64, unitPrice, discount, unitCost float64) (lineTotal, lineCost, profit, margin float64) {
	lineTotal = float64(quantity)*unitPrice - discount
	lineCost = float64(quantity) * unitCost
	profit = lineTotal - lineCost
	if lineTotal != 0 {
		margin = profit / lineTotal
	}
	return lineTotal, lineCost, profit, margin
}
