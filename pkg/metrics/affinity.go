package metrics

import (
	"sort"

	"github.com/canopy-network/commercex/pkg/db/models/dwh"
)

type pair struct{ a, b uint64 }

// Affinity scores every product pair bought in the same basket. Each basket is the set
// of product surrogate keys of one order; duplicates within a basket are ignored.
// Support and the lift baseline are shares of totalOrders, which counts orders without
// items too. Pairs are stored once with ProductA < ProductB.
func Affinity(baskets [][]uint64, totalOrders int) []dwh.AffinityRow {
	filled := 0
	single := make(map[uint64]int64)
	co := make(map[pair]int64)
	for _, basket := range baskets {
		products := distinct(basket)
		if len(products) == 0 {
			continue
		}
		filled++
		for i, a := range products {
			single[a]++
			for _, b := range products[i+1:] {
				co[pair{a: a, b: b}]++
			}
		}
	}

	total := max(totalOrders, filled)
	rows := make([]dwh.AffinityRow, 0, len(co))
	for p, n := range co {
		support := float64(n) / float64(total)
		confidence := float64(n) / float64(single[p.a])
		baseline := float64(single[p.b]) / float64(total)
		rows = append(rows, dwh.AffinityRow{
			ProductA:     p.a,
			ProductB:     p.b,
			CoOccurrence: n,
			Support:      support,
			Confidence:   confidence,
			Lift:         confidence / baseline,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ProductA != rows[j].ProductA {
			return rows[i].ProductA < rows[j].ProductA
		}
		return rows[i].ProductB < rows[j].ProductB
	})
	return rows
}

// distinct returns the sorted unique keys of basket.
func distinct(basket []uint64) []uint64 {
	seen := make(map[uint64]bool, len(basket))
	out := make([]uint64, 0, len(basket))
	for _, k := range basket {
		if k == 0 || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
