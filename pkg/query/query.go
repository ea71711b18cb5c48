// Package query answers read-only analytical questions over the warehouse tables.
// It never derives metrics itself; RFM, funnel, cohort and affinity rows are read as
// the last pipeline run stored them.
package query

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/canopy-network/commercex/pkg/db"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
)

const (
	DefaultTopCustomers = 10
	DefaultMinSupport   = 0.01
	DefaultAffinityRows = 20
	behaviorSampleSize  = 10
)

// segmentOrder lists segments in decision-table order.
var segmentOrder = []string{
	dwh.SegmentChampions,
	dwh.SegmentLoyal,
	dwh.SegmentNew,
	dwh.SegmentAtRisk,
	dwh.SegmentLost,
	dwh.SegmentPotentialLoyalists,
	dwh.SegmentRegular,
}

type Service struct {
	store db.Store
}

func NewService(store db.Store) *Service {
	return &Service{store: store}
}

// KPIs is the headline summary of a window.
type KPIs struct {
	Window             dwh.Window `json:"window"`
	TotalOrders        int64      `json:"total_orders"`
	TotalRevenue       float64    `json:"total_revenue"`
	UniqueCustomers    int64      `json:"unique_customers"`
	AvgOrderValue      float64    `json:"avg_order_value"`
	RevenuePerCustomer float64    `json:"revenue_per_customer"`
	OrdersPerCustomer  float64    `json:"orders_per_customer"`
	ConversionRate     float64    `json:"conversion_rate"`
	CartAbandonment    float64    `json:"cart_abandonment_rate"`
	AvgSessionSeconds  float64    `json:"avg_session_duration"`
	AvgPageViews       float64    `json:"avg_page_views"`
}

// Summary computes KPIs over non-cancelled orders and sessions that started in window.
// Rates are percentages rounded to two decimals.
func (s *Service) Summary(ctx context.Context, window dwh.Window) (KPIs, error) {
	if err := window.Validate(); err != nil {
		return KPIs{}, err
	}
	orders, err := s.orders(ctx, window)
	if err != nil {
		return KPIs{}, err
	}
	k := KPIs{Window: window}
	customers := make(map[string]struct{})
	for _, o := range orders {
		k.TotalOrders++
		k.TotalRevenue += o.OrderTotal
		customers[o.CustomerID] = struct{}{}
	}
	k.UniqueCustomers = int64(len(customers))
	k.AvgOrderValue = round2(ratio(k.TotalRevenue, float64(k.TotalOrders)))
	k.RevenuePerCustomer = round2(ratio(k.TotalRevenue, float64(k.UniqueCustomers)))
	k.OrdersPerCustomer = round2(ratio(float64(k.TotalOrders), float64(k.UniqueCustomers)))
	k.TotalRevenue = round2(k.TotalRevenue)

	sessions, err := s.store.ScanBehaviorFacts(ctx, window.Start, window.End)
	if err != nil {
		return KPIs{}, fmt.Errorf("scan behavior facts: %w", err)
	}
	b := summarise(sessions)
	k.ConversionRate = b.ConversionRate
	k.CartAbandonment = b.CartAbandonment
	k.AvgSessionSeconds = b.AvgSessionSeconds
	k.AvgPageViews = b.AvgPageViews
	return k, nil
}

// orders returns the latest version of each non-cancelled order dated in window.
func (s *Service) orders(ctx context.Context, window dwh.Window) ([]dwh.OrderFact, error) {
	facts, err := s.store.ScanOrderFacts(ctx, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("scan order facts: %w", err)
	}
	latest := dwh.LatestOrders(facts)
	out := make([]dwh.OrderFact, 0, len(latest))
	for _, o := range latest {
		if o.Status == dwh.StatusCancelled {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

// RFMReport is the stored RFM table, optionally narrowed to one segment.
type RFMReport struct {
	TotalCustomers int            `json:"total_customers"`
	Distribution   map[string]int `json:"segment_distribution"`
	TopCustomers   []dwh.RFMRow   `json:"top_customers"`
}

// RFM reports the segment distribution and the top customers by monetary value.
// An empty segment means all customers.
func (s *Service) RFM(ctx context.Context, segment string, top int) (RFMReport, error) {
	if top <= 0 {
		top = DefaultTopCustomers
	}
	rows, err := s.store.RFM(ctx)
	if err != nil {
		return RFMReport{}, fmt.Errorf("read rfm: %w", err)
	}
	if segment != "" {
		kept := rows[:0:0]
		for _, r := range rows {
			if r.Segment == segment {
				kept = append(kept, r)
			}
		}
		rows = kept
	}
	rep := RFMReport{TotalCustomers: len(rows), Distribution: make(map[string]int)}
	for _, r := range rows {
		rep.Distribution[r.Segment]++
	}
	sorted := append([]dwh.RFMRow(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Monetary != sorted[j].Monetary {
			return sorted[i].Monetary > sorted[j].Monetary
		}
		return sorted[i].CustomerID < sorted[j].CustomerID
	})
	rep.TopCustomers = sorted[:min(top, len(sorted))]
	return rep, nil
}

// SegmentStat describes one customer segment.
type SegmentStat struct {
	Segment     string  `json:"segment"`
	Customers   int     `json:"count"`
	AvgMonetary float64 `json:"avg_monetary"`
}

// Segments lists every segment in decision-table order, including empty ones.
func (s *Service) Segments(ctx context.Context) ([]SegmentStat, error) {
	rows, err := s.store.RFM(ctx)
	if err != nil {
		return nil, fmt.Errorf("read rfm: %w", err)
	}
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, r := range rows {
		sums[r.Segment] += r.Monetary
		counts[r.Segment]++
	}
	out := make([]SegmentStat, 0, len(segmentOrder))
	for _, seg := range segmentOrder {
		out = append(out, SegmentStat{
			Segment:     seg,
			Customers:   counts[seg],
			AvgMonetary: round2(ratio(sums[seg], float64(counts[seg]))),
		})
	}
	return out, nil
}

// FunnelStage is one stage of a funnel aggregated over a date range.
type FunnelStage struct {
	Stage           string  `json:"stage"`
	Sessions        int64   `json:"sessions"`
	ConversionRate  float64 `json:"conversion_rate"`
	DropOffRate     float64 `json:"drop_off_rate"`
	StageConversion float64 `json:"stage_conversion"`
}

type FunnelReport struct {
	From    time.Time     `json:"from"`
	To      time.Time     `json:"to"`
	Days    int           `json:"days"`
	Stages  []FunnelStage `json:"funnel"`
	Overall float64       `json:"overall_conversion_rate"`
}

// Funnel sums the stored daily funnel over [from, to) and recomputes the rates on
// the totals. Overall is purchases over visits as a percentage.
func (s *Service) Funnel(ctx context.Context, from, to time.Time) (FunnelReport, error) {
	rows, err := s.store.Funnel(ctx, from, to)
	if err != nil {
		return FunnelReport{}, fmt.Errorf("read funnel: %w", err)
	}
	rep := FunnelReport{From: from, To: to}
	totals := make(map[string]int64, len(dwh.FunnelStages))
	days := make(map[int64]struct{})
	for _, r := range rows {
		totals[r.Stage] += r.Sessions
		days[r.Date.Unix()] = struct{}{}
	}
	rep.Days = len(days)

	visits := totals[dwh.StageVisit]
	prev := visits
	for _, stage := range dwh.FunnelStages {
		n := totals[stage]
		fs := FunnelStage{Stage: stage, Sessions: n}
		fs.ConversionRate = ratio(float64(n), float64(visits))
		fs.DropOffRate = 0
		if visits > 0 {
			fs.DropOffRate = 1 - fs.ConversionRate
		}
		fs.StageConversion = ratio(float64(n), float64(prev))
		prev = n
		rep.Stages = append(rep.Stages, fs)
	}
	rep.Overall = round2(ratio(float64(totals[dwh.StagePurchase]), float64(visits)) * 100)
	return rep, nil
}

type AffinityReport struct {
	MinSupport float64           `json:"min_support"`
	TotalPairs int               `json:"total_pairs"`
	Pairs      []dwh.AffinityRow `json:"product_pairs"`
}

// Affinity returns pairs with support at least minSupport, strongest first.
// TotalPairs counts every qualifying pair before limit applies.
func (s *Service) Affinity(ctx context.Context, minSupport float64, limit int) (AffinityReport, error) {
	if minSupport <= 0 {
		minSupport = DefaultMinSupport
	}
	if limit <= 0 {
		limit = DefaultAffinityRows
	}
	rows, err := s.store.Affinity(ctx)
	if err != nil {
		return AffinityReport{}, fmt.Errorf("read affinity: %w", err)
	}
	kept := rows[:0:0]
	for _, r := range rows {
		if r.Support >= minSupport {
			kept = append(kept, r)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i], kept[j]
		if a.Support != b.Support {
			return a.Support > b.Support
		}
		if a.Lift != b.Lift {
			return a.Lift > b.Lift
		}
		if a.ProductA != b.ProductA {
			return a.ProductA < b.ProductA
		}
		return a.ProductB < b.ProductB
	})
	return AffinityReport{
		MinSupport: minSupport,
		TotalPairs: len(kept),
		Pairs:      kept[:min(limit, len(kept))],
	}, nil
}

// CohortLine is one cohort with retention by months since first order.
type CohortLine struct {
	Cohort    string    `json:"cohort"`
	Size      int64     `json:"size"`
	Retention []float64 `json:"retention"`
	Revenue   []float64 `json:"revenue"`
}

// CohortMatrix pivots the stored retention rows into one line per cohort month.
// Offsets with no active customers are zero.
func (s *Service) CohortMatrix(ctx context.Context) ([]CohortLine, error) {
	rows, err := s.store.Cohorts(ctx)
	if err != nil {
		return nil, fmt.Errorf("read cohorts: %w", err)
	}
	byMonth := make(map[time.Time][]dwh.CohortRow)
	for _, r := range rows {
		m := r.CohortMonth.UTC()
		byMonth[m] = append(byMonth[m], r)
	}
	months := make([]time.Time, 0, len(byMonth))
	for m := range byMonth {
		months = append(months, m)
	}
	sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })

	out := make([]CohortLine, 0, len(months))
	for _, m := range months {
		line := CohortLine{Cohort: m.Format("2006-01")}
		width := int32(0)
		for _, r := range byMonth[m] {
			width = max(width, r.MonthsSinceFirst+1)
			line.Size = r.CohortSize
		}
		line.Retention = make([]float64, width)
		line.Revenue = make([]float64, width)
		for _, r := range byMonth[m] {
			line.Retention[r.MonthsSinceFirst] = r.RetentionRate
			line.Revenue[r.MonthsSinceFirst] = r.Revenue
		}
		out = append(out, line)
	}
	return out, nil
}

// BehaviorReport summarises browsing sessions.
type BehaviorReport struct {
	TotalSessions     int                `json:"total_sessions"`
	AvgSessionSeconds float64            `json:"avg_session_duration"`
	ConversionRate    float64            `json:"conversion_rate"`
	CartAbandonment   float64            `json:"cart_abandonment_rate"`
	AvgPageViews      float64            `json:"avg_page_views"`
	Sample            []dwh.BehaviorFact `json:"sample_sessions"`
}

// Behavior summarises sessions that started in window, optionally for one customer.
func (s *Service) Behavior(ctx context.Context, window dwh.Window, customerID string) (BehaviorReport, error) {
	if err := window.Validate(); err != nil {
		return BehaviorReport{}, err
	}
	sessions, err := s.store.ScanBehaviorFacts(ctx, window.Start, window.End)
	if err != nil {
		return BehaviorReport{}, fmt.Errorf("scan behavior facts: %w", err)
	}
	if customerID != "" {
		kept := sessions[:0:0]
		for _, b := range sessions {
			if b.CustomerID == customerID {
				kept = append(kept, b)
			}
		}
		sessions = kept
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].FirstEventAt.Equal(sessions[j].FirstEventAt) {
			return sessions[i].FirstEventAt.Before(sessions[j].FirstEventAt)
		}
		return sessions[i].SessionID < sessions[j].SessionID
	})
	rep := summarise(sessions)
	rep.Sample = sessions[:min(behaviorSampleSize, len(sessions))]
	return rep, nil
}

func summarise(sessions []dwh.BehaviorFact) BehaviorReport {
	rep := BehaviorReport{TotalSessions: len(sessions)}
	if len(sessions) == 0 {
		return rep
	}
	var duration, pages, converted, abandoned float64
	for _, b := range sessions {
		duration += float64(b.SessionDurationSeconds)
		pages += float64(b.PageViews)
		if b.Converted {
			converted++
		}
		if b.AbandonedCart {
			abandoned++
		}
	}
	n := float64(len(sessions))
	rep.AvgSessionSeconds = round2(duration / n)
	rep.AvgPageViews = round2(pages / n)
	rep.ConversionRate = round2(converted / n * 100)
	rep.CartAbandonment = round2(abandoned / n * 100)
	return rep
}

func ratio(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
