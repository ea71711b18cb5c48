package metrics

import (
	"sort"
	"time"

	"github.com/canopy-network/commercex/pkg/db/models/dwh"
)

func monthOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func monthsBetween(from, to time.Time) int32 {
	return int32((to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month()))
}

// Cohorts groups customers by the month of their first order and tracks how many of
// them order again in each following month. orders must hold the latest version per
// order id with cancelled orders already removed.
func Cohorts(orders []dwh.OrderFact) []dwh.CohortRow {
	first := make(map[string]time.Time)
	for _, o := range orders {
		m := monthOf(o.OrderDate)
		if cur, ok := first[o.CustomerID]; !ok || m.Before(cur) {
			first[o.CustomerID] = m
		}
	}

	type cell struct {
		cohort time.Time
		offset int32
	}
	active := make(map[cell]map[string]bool)
	revenue := make(map[cell]float64)
	size := make(map[time.Time]int64)
	for _, m := range first {
		size[m]++
	}
	for _, o := range orders {
		cohort := first[o.CustomerID]
		c := cell{cohort: cohort, offset: monthsBetween(cohort, monthOf(o.OrderDate))}
		if active[c] == nil {
			active[c] = make(map[string]bool)
		}
		active[c][o.CustomerID] = true
		revenue[c] += o.OrderTotal
	}

	rows := make([]dwh.CohortRow, 0, len(active))
	for c, customers := range active {
		n := size[c.cohort]
		rows = append(rows, dwh.CohortRow{
			CohortMonth:      c.cohort,
			MonthsSinceFirst: c.offset,
			CohortSize:       n,
			ActiveCustomers:  int64(len(customers)),
			RetentionRate:    float64(len(customers)) / float64(n),
			Revenue:          revenue[c],
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CohortMonth.Equal(rows[j].CohortMonth) {
			return rows[i].CohortMonth.Before(rows[j].CohortMonth)
		}
		return rows[i].MonthsSinceFirst < rows[j].MonthsSinceFirst
	})
	return rows
}
