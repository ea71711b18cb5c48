package dimension

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/canopy-network/commercex/pkg/db/entities"
	"github.com/canopy-network/commercex/pkg/db/memory"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/canopy-network/commercex/pkg/staging"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"
)

// Any sequence of staged updates leaves exactly one current row per key, contiguous
// non-overlapping intervals, and surrogate keys that are never reused.
func TestPropertyHistoryStaysWellFormed(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	properties.Property("single current row and ordered intervals", prop.ForAll(
		func(keys []int, days []int, tiers []int) bool {
			ctx := context.Background()
			store := memory.New()
			loader := staging.NewLoader(store, zap.NewNop())
			conformer := NewConformer(store, zap.NewNop(), 16)

			n := len(keys)
			if len(days) < n {
				n = len(days)
			}
			if len(tiers) < n {
				n = len(tiers)
			}
			// two runs, each staging half of the updates
			for run, part := range [][2]int{{0, n / 2}, {n / 2, n}} {
				batch := make([]dwh.RawRecord, 0, part[1]-part[0])
				for i := part[0]; i < part[1]; i++ {
					batch = append(batch, dwh.RawRecord{Entity: entities.Customers, Fields: map[string]any{
						"customer_id": fmt.Sprintf("C%d", keys[i]),
						"tier":        fmt.Sprintf("t%d", tiers[i]),
						"updated_at":  base.AddDate(0, 0, days[i]).Format(time.RFC3339),
					}})
				}
				if _, err := loader.Load(ctx, batch); err != nil {
					return false
				}
				if _, err := conformer.Conform(ctx, entities.CustomerDim, base.AddDate(0, 0, 60*(run+1))); err != nil {
					return false
				}
			}

			rows, err := store.ScanDimensions(ctx, entities.CustomerDim)
			if err != nil {
				return false
			}
			seen := make(map[uint64]bool)
			byKey := make(map[string][]dwh.DimensionRow)
			for _, r := range rows {
				if seen[r.SurrogateKey] {
					return false
				}
				seen[r.SurrogateKey] = true
				byKey[r.NaturalKey] = append(byKey[r.NaturalKey], r)
			}
			for key := range byKey {
				hist, err := store.DimensionHistory(ctx, entities.CustomerDim, []string{key})
				if err != nil {
					return false
				}
				versions := hist[key]
				current := 0
				for i, v := range versions {
					if v.IsCurrent {
						current++
						if v.ExpiryDate != nil || i != len(versions)-1 {
							return false
						}
						continue
					}
					if v.ExpiryDate == nil || i+1 >= len(versions) {
						return false
					}
					if !v.ExpiryDate.Equal(versions[i+1].EffectiveDate) || !v.EffectiveDate.Before(*v.ExpiryDate) {
						return false
					}
				}
				if current != 1 {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(20, gen.IntRange(1, 4)),
		gen.SliceOfN(20, gen.IntRange(0, 100)),
		gen.SliceOfN(20, gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}
