package metrics

import (
	"fmt"
	"sort"
	"time"

	"github.com/canopy-network/commercex/pkg/db/models/dwh"
)

// RFM profiles every customer with at least one order. orders must hold the latest
// version per order id; keys maps customer natural key to its current surrogate key.
func RFM(orders []dwh.OrderFact, keys map[string]uint64, now time.Time) []dwh.RFMRow {
	type acc struct {
		last      time.Time
		completed map[string]bool
		monetary  float64
	}
	byCustomer := make(map[string]*acc)
	for _, o := range orders {
		a, ok := byCustomer[o.CustomerID]
		if !ok {
			a = &acc{last: o.OrderDate, completed: make(map[string]bool)}
			byCustomer[o.CustomerID] = a
		}
		if o.OrderDate.After(a.last) {
			a.last = o.OrderDate
		}
		if o.Status == dwh.StatusCompleted && !a.completed[o.OrderID] {
			a.completed[o.OrderID] = true
			a.monetary += o.OrderTotal
		}
	}

	rows := make([]dwh.RFMRow, 0, len(byCustomer))
	for customerID, a := range byCustomer {
		key, ok := keys[customerID]
		if !ok {
			continue
		}
		row := dwh.RFMRow{
			CustomerKey: key,
			CustomerID:  customerID,
			RecencyDays: int64(now.Sub(a.last) / (24 * time.Hour)),
			Frequency:   int64(len(a.completed)),
			Monetary:    a.monetary,
			ComputedAt:  now,
		}
		if row.Frequency > 0 {
			aov := row.Monetary / float64(row.Frequency)
			row.AvgOrderValue = &aov
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CustomerKey < rows[j].CustomerKey })

	byKey := func(i, j int) bool { return rows[i].CustomerKey < rows[j].CustomerKey }
	r := Quintiles(len(rows), func(i, j int) bool {
		if rows[i].RecencyDays != rows[j].RecencyDays {
			return rows[i].RecencyDays > rows[j].RecencyDays
		}
		return byKey(i, j)
	})
	f := Quintiles(len(rows), func(i, j int) bool {
		if rows[i].Frequency != rows[j].Frequency {
			return rows[i].Frequency < rows[j].Frequency
		}
		return byKey(i, j)
	})
	m := Quintiles(len(rows), func(i, j int) bool {
		if rows[i].Monetary != rows[j].Monetary {
			return rows[i].Monetary < rows[j].Monetary
		}
		return byKey(i, j)
	})
	for i := range rows {
		rows[i].RScore, rows[i].FScore, rows[i].MScore = r[i], f[i], m[i]
		rows[i].RFMScore = fmt.Sprintf("%d%d%d", r[i], f[i], m[i])
		rows[i].Segment = Segment(r[i], f[i], m[i])
	}
	return rows
}

// Segment classifies RFM scores. Rules overlap and are evaluated in order; the first match wins.
func Segment(r, f, m uint8) string {
	switch {
	case r >= 4 && f >= 4 && m >= 4:
		return dwh.SegmentChampions
	case r >= 3 && f >= 3 && m >= 3:
		return dwh.SegmentLoyal
	case r >= 4 && f <= 2:
		return dwh.SegmentNew
	case r <= 2 && f >= 3:
		return dwh.SegmentAtRisk
	case r <= 2 && f <= 2:
		return dwh.SegmentLost
	case r >= 3 && f <= 2:
		return dwh.SegmentPotentialLoyalists
	default:
		return dwh.SegmentRegular
	}
}
