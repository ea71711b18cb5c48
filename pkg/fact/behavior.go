package fact

import (
	"context"
	"sort"
	"time"

	"github.com/canopy-network/commercex/pkg/db/entities"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/canopy-network/commercex/pkg/etlerr"
)

// buildBehavior summarises the sessions that received staged events since the previous
// build. A session is summarised once, from its web event facts, and only when every
// staged event of it up to the window end has its fact; otherwise it waits for a later
// build. Sessions that already have a behavior row are skipped.
func (b *Builder) buildBehavior(ctx context.Context, window dwh.Window) (BuildResult, error) {
	var res BuildResult
	p, err := b.scan(ctx, entities.BehaviorFacts, window, &res)
	if err != nil {
		return res, err
	}
	if len(p.records) == 0 && len(p.deferred) == 0 {
		return res, nil
	}

	touched := make(map[string]bool)
	for _, r := range p.records {
		touched[r.Field("session_id")] = true
	}
	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	events := make(map[string][]dwh.WebEventFact, len(ids))
	summarised := make(map[string]bool)
	err = chunks(ids, b.batchSize, func(batch []string) error {
		stored, err := b.store.WebEventFactsForSessions(ctx, batch)
		if err != nil {
			return etlerr.Store("web event facts for sessions", err)
		}
		for id, rows := range stored {
			events[id] = rows
		}
		done, err := b.store.SummarisedSessions(ctx, batch)
		if err != nil {
			return etlerr.Store("summarised sessions", err)
		}
		for id := range done {
			summarised[id] = true
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	// a session is incomplete while one of its staged events lacks a fact or lies past the window
	incomplete := make(map[string]bool)
	for _, r := range p.deferred {
		incomplete[r.Field("session_id")] = true
	}
	for _, r := range p.records {
		id := r.Field("session_id")
		if summarised[id] || hasEvent(events[id], r) {
			continue
		}
		incomplete[id] = true
		p.hold(r.Seq)
	}

	builtAt := b.now().UTC()
	facts := make([]dwh.BehaviorFact, 0, len(ids))
	for _, id := range ids {
		switch {
		case summarised[id]:
			res.Existing++
		case incomplete[id]:
			p.holdSession(id)
		default:
			f := Summarise(latestEvents(events[id]))
			f.BuiltAt = builtAt
			facts = append(facts, f)
		}
	}

	err = chunks(facts, b.batchSize, func(batch []dwh.BehaviorFact) error {
		if err := b.store.InsertBehaviorFacts(ctx, batch); err != nil {
			return etlerr.Store("insert behavior facts", err)
		}
		res.RowsWritten += len(batch)
		return nil
	})
	if err != nil {
		return res, err
	}
	return res, b.commit(ctx, p)
}

// holdSession keeps the earliest pending event of session for the next build.
func (p *pending) holdSession(session string) {
	for _, r := range p.records {
		if r.Field("session_id") == session {
			p.hold(r.Seq)
			return
		}
	}
}

func hasEvent(facts []dwh.WebEventFact, r dwh.StagedRecord) bool {
	for _, f := range facts {
		if f.EventID == r.NaturalKey && f.Version.Truncate(time.Microsecond).Equal(r.SourceTime.Truncate(time.Microsecond)) {
			return true
		}
	}
	return false
}

func latestEvents(events []dwh.WebEventFact) []dwh.WebEventFact {
	latest := make(map[string]dwh.WebEventFact, len(events))
	for _, e := range events {
		if cur, ok := latest[e.EventID]; !ok || e.Version.After(cur.Version) {
			latest[e.EventID] = e
		}
	}
	out := make([]dwh.WebEventFact, 0, len(latest))
	for _, e := range latest {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EventTime.Equal(out[j].EventTime) {
			return out[i].EventTime.Before(out[j].EventTime)
		}
		return out[i].EventID < out[j].EventID
	})
	return out
}

// Summarise folds the events of one session, ordered by event time, into a behavior row.
func Summarise(events []dwh.WebEventFact) dwh.BehaviorFact {
	first := events[0]
	f := dwh.BehaviorFact{
		SessionID:    first.SessionID,
		SessionKey:   first.SessionKey,
		FirstEventAt: first.EventTime,
		LastEventAt:  first.EventTime,
	}
	for _, e := range events {
		if f.CustomerID == "" && e.CustomerID != "" {
			f.CustomerID = e.CustomerID
			f.CustomerKey = e.CustomerKey
		}
		if e.EventTime.Before(f.FirstEventAt) {
			f.FirstEventAt = e.EventTime
		}
		if e.EventTime.After(f.LastEventAt) {
			f.LastEventAt = e.EventTime
		}
		f.EventCount++
		f.PageViews += e.PageViews
		f.ProductViews += e.ProductViews
		f.AddToCart += e.AddToCart
		f.CheckoutStarted += e.CheckoutStarted
		f.PurchaseCompleted += e.PurchaseCompleted
	}
	f.SessionDurationSeconds = int64(f.LastEventAt.Sub(f.FirstEventAt).Seconds())
	f.Converted = f.PurchaseCompleted > 0
	f.AbandonedCart = f.AddToCart > 0 && f.PurchaseCompleted == 0
	return f
}
