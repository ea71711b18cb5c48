package metrics

import "sort"

// Quintiles ranks n items into 5 buckets with NTILE(5) semantics: items are ordered
// by less (which must be a strict total order) and the first n%5 buckets receive one
// extra item. The returned score of item i is its 1-based bucket.
func Quintiles(n int, less func(i, j int) bool) []uint8 {
	return NTile(n, 5, less)
}

// NTile is Quintiles for any bucket count.
func NTile(n, buckets int, less func(i, j int) bool) []uint8 {
	scores := make([]uint8, n)
	if n == 0 || buckets <= 0 {
		return scores
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return less(order[a], order[b]) })

	base, extra := n/buckets, n%buckets
	pos := 0
	for bucket := 1; bucket <= buckets && pos < n; bucket++ {
		size := base
		if bucket <= extra {
			size++
		}
		for k := 0; k < size; k++ {
			scores[order[pos]] = uint8(bucket)
			pos++
		}
	}
	return scores
}
