package fact

import (
	"context"
	"sort"
	"time"

	"github.com/canopy-network/commercex/pkg/db/entities"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/canopy-network/commercex/pkg/etlerr"
)

func (b *Builder) buildWebEvents(ctx context.Context, window dwh.Window) (BuildResult, error) {
	var res BuildResult
	p, err := b.scan(ctx, entities.WebEventFacts, window, &res)
	if err != nil {
		return res, err
	}
	var records []dwh.StagedRecord
	records, res.Existing, err = b.fresh(ctx, entities.WebEventFacts, p.records)
	if err != nil {
		return res, err
	}
	if len(records) == 0 {
		return res, b.commit(ctx, p)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })

	sessions := make(map[string]struct{})
	customers := make(map[string]struct{})
	for _, r := range records {
		sessions[r.Field("session_id")] = struct{}{}
		if c := r.Field("customer_id"); c != "" {
			customers[c] = struct{}{}
		}
	}
	sessHistory, err := b.history(ctx, entities.SessionDim, sessions)
	if err != nil {
		return res, err
	}
	custHistory, err := b.history(ctx, entities.CustomerDim, customers)
	if err != nil {
		return res, err
	}

	builtAt := b.now().UTC()
	facts := make([]dwh.WebEventFact, 0, len(records))
	for _, r := range records {
		at := r.SourceTime
		sessionID := r.Field("session_id")
		session, ok := PointInTime(sessHistory[sessionID], at)
		if !ok {
			p.hold(r.Seq)
			res.OrderingErrors = append(res.OrderingErrors, etlerr.OrderingError{
				Fact:         entities.WebEventFacts.String(),
				NaturalKey:   r.NaturalKey,
				Dimension:    entities.SessionDim.String(),
				DimensionKey: sessionID,
				At:           at,
			})
			continue
		}

		f := dwh.WebEventFact{
			EventID:           r.NaturalKey,
			Version:           r.SourceTime,
			SessionID:         sessionID,
			SessionKey:        session.SurrogateKey,
			EventTime:         at,
			EventDate:         at.UTC().Truncate(24 * time.Hour),
			ProductID:         r.Field("product_id"),
			PageViews:         r.Int("page_views"),
			ProductViews:      r.Int("product_views"),
			AddToCart:         r.Int("add_to_cart"),
			CheckoutStarted:   r.Int("checkout_started"),
			PurchaseCompleted: r.Int("purchase_completed"),
			BuiltAt:           builtAt,
		}
		if customerID := r.Field("customer_id"); customerID != "" {
			cust, ok := PointInTime(custHistory[customerID], at)
			if !ok {
				p.hold(r.Seq)
				res.OrderingErrors = append(res.OrderingErrors, etlerr.OrderingError{
					Fact:         entities.WebEventFacts.String(),
					NaturalKey:   r.NaturalKey,
					Dimension:    entities.CustomerDim.String(),
					DimensionKey: customerID,
					At:           at,
				})
				continue
			}
			f.CustomerID = customerID
			f.CustomerKey = cust.SurrogateKey
		}
		facts = append(facts, f)
	}

	err = chunks(facts, b.batchSize, func(batch []dwh.WebEventFact) error {
		if err := b.store.InsertWebEventFacts(ctx, batch); err != nil {
			return etlerr.Store("insert web event facts", err)
		}
		res.RowsWritten += len(batch)
		return nil
	})
	if err != nil {
		return res, err
	}
	return res, b.commit(ctx, p)
}
