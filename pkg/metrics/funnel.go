package metrics

import (
	"sort"
	"time"

	"github.com/canopy-network/commercex/pkg/db/models/dwh"
)

const day = 24 * time.Hour

// Funnel counts distinct sessions per stage for each event date. events must hold the
// latest version per event id.
func Funnel(events []dwh.WebEventFact) []dwh.FunnelRow {
	type stages [5]map[string]bool
	byDate := make(map[time.Time]*stages)
	for _, e := range events {
		d := e.EventTime.UTC().Truncate(day)
		s, ok := byDate[d]
		if !ok {
			s = &stages{}
			for i := range s {
				s[i] = make(map[string]bool)
			}
			byDate[d] = s
		}
		s[0][e.SessionID] = true
		if e.ProductViews > 0 {
			s[1][e.SessionID] = true
		}
		if e.AddToCart > 0 {
			s[2][e.SessionID] = true
		}
		if e.CheckoutStarted > 0 {
			s[3][e.SessionID] = true
		}
		if e.PurchaseCompleted > 0 {
			s[4][e.SessionID] = true
		}
	}

	dates := make([]time.Time, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	rows := make([]dwh.FunnelRow, 0, len(dates)*len(dwh.FunnelStages))
	for _, d := range dates {
		s := byDate[d]
		var counts [5]int64
		for i := range s {
			counts[i] = int64(len(s[i]))
		}
		rows = append(rows, FunnelDay(d, counts)...)
	}
	return rows
}

// FunnelDay derives the stage rates of one date from its per-stage session counts.
func FunnelDay(date time.Time, sessions [5]int64) []dwh.FunnelRow {
	rows := make([]dwh.FunnelRow, len(dwh.FunnelStages))
	for i, stage := range dwh.FunnelStages {
		row := dwh.FunnelRow{
			Date:       date,
			Stage:      stage,
			StageOrder: uint8(i + 1),
			Sessions:   sessions[i],
		}
		if i == 0 {
			row.ConversionRate = 1
			row.StageConversion = 1
		} else {
			if sessions[0] > 0 {
				row.ConversionRate = float64(sessions[i]) / float64(sessions[0])
			}
			if sessions[i-1] > 0 {
				row.StageConversion = float64(sessions[i]) / float64(sessions[i-1])
			}
		}
		row.DropOffRate = 1 - row.ConversionRate
		rows[i] = row
	}
	return rows
}

// FunnelRange returns the dates still to compute: strictly after the last stored date
// and up to, not including, the day containing end. Empty when from is not before to.
func FunnelRange(lastStored time.Time, haveStored bool, end time.Time) (from, to time.Time) {
	to = end.UTC().Truncate(day)
	if haveStored {
		from = lastStored.UTC().Truncate(day).Add(day)
	}
	return from, to
}
