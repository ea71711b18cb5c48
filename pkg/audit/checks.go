package audit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/canopy-network/commercex/pkg/db"
	"github.com/canopy-network/commercex/pkg/db/entities"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
)

// Quality check types.
const (
	CheckNotNullNaturalKey   = "not_null_natural_key"
	CheckSingleCurrentRow    = "single_current_row"
	CheckRowCountTrailingAvg = "row_count_trailing_average"
	CheckUniqueMetricKey     = "unique_metric_key"
	CheckFunnelStageOneRate  = "funnel_stage_one_rate"
)

// CheckEnv is what a check may inspect.
type CheckEnv struct {
	Entry        dwh.AuditEntry
	Warehouse    db.Store
	Audit        db.AuditStore
	TolerancePct float64
	TrailingRuns int
}

// Check is one advisory predicate producing a result per table it covers.
// RunID, CheckType and CheckedAt are filled in by the Recorder.
type Check struct {
	Type string
	Run  func(ctx context.Context, env CheckEnv) ([]dwh.QualityCheck, error)
}

// DefaultChecks returns the built-in checks in evaluation order.
func DefaultChecks() []Check {
	return []Check{
		{Type: CheckNotNullNaturalKey, Run: notNullNaturalKey},
		{Type: CheckSingleCurrentRow, Run: singleCurrentRow},
		{Type: CheckRowCountTrailingAvg, Run: rowCountTrailingAverage},
		{Type: CheckUniqueMetricKey, Run: uniqueMetricKey},
		{Type: CheckFunnelStageOneRate, Run: funnelStageOneRate},
	}
}

func result(table string, checked, failed int64, details string) dwh.QualityCheck {
	return dwh.QualityCheck{
		Table:          table,
		Passed:         failed == 0,
		RecordsChecked: checked,
		RecordsFailed:  failed,
		Details:        details,
	}
}

func countWhere[T any](rows []T, bad func(T) bool) (int64, int64) {
	var failed int64
	for _, r := range rows {
		if bad(r) {
			failed++
		}
	}
	return int64(len(rows)), failed
}

func notNullNaturalKey(ctx context.Context, env CheckEnv) ([]dwh.QualityCheck, error) {
	var out []dwh.QualityCheck
	for _, dim := range entities.Dimensions() {
		rows, err := env.Warehouse.ScanDimensions(ctx, dim)
		if err != nil {
			return nil, err
		}
		checked, failed := countWhere(rows, func(r dwh.DimensionRow) bool { return r.NaturalKey == "" })
		out = append(out, result(dim.TableName(), checked, failed, fmt.Sprintf("%d of %d rows without natural key", failed, checked)))
	}

	w := env.Entry.Window()
	orders, err := env.Warehouse.ScanOrderFacts(ctx, w.Start, w.End)
	if err != nil {
		return nil, err
	}
	checked, failed := countWhere(orders, func(f dwh.OrderFact) bool { return f.OrderID == "" || f.CustomerID == "" })
	out = append(out, result(entities.OrderFacts.TableName(), checked, failed, fmt.Sprintf("%d of %d rows missing order or customer id", failed, checked)))

	items, err := env.Warehouse.ScanOrderItemFacts(ctx, w.Start, w.End)
	if err != nil {
		return nil, err
	}
	checked, failed = countWhere(items, func(f dwh.OrderItemFact) bool {
		return f.OrderItemID == "" || f.OrderID == "" || f.ProductID == ""
	})
	out = append(out, result(entities.OrderItemFacts.TableName(), checked, failed, fmt.Sprintf("%d of %d rows missing item, order or product id", failed, checked)))

	events, err := env.Warehouse.ScanWebEventFacts(ctx, w.Start, w.End)
	if err != nil {
		return nil, err
	}
	checked, failed = countWhere(events, func(f dwh.WebEventFact) bool { return f.EventID == "" || f.SessionID == "" })
	out = append(out, result(entities.WebEventFacts.TableName(), checked, failed, fmt.Sprintf("%d of %d rows missing event or session id", failed, checked)))

	behavior, err := env.Warehouse.ScanBehaviorFacts(ctx, w.Start, w.End)
	if err != nil {
		return nil, err
	}
	checked, failed = countWhere(behavior, func(f dwh.BehaviorFact) bool { return f.SessionID == "" })
	out = append(out, result(entities.BehaviorFacts.TableName(), checked, failed, fmt.Sprintf("%d of %d rows missing session id", failed, checked)))
	return out, nil
}

func singleCurrentRow(ctx context.Context, env CheckEnv) ([]dwh.QualityCheck, error) {
	out := make([]dwh.QualityCheck, 0, len(entities.Dimensions()))
	for _, dim := range entities.Dimensions() {
		rows, err := env.Warehouse.ScanDimensions(ctx, dim)
		if err != nil {
			return nil, err
		}
		current := make(map[string]int)
		for _, r := range rows {
			if _, ok := current[r.NaturalKey]; !ok {
				current[r.NaturalKey] = 0
			}
			if r.IsCurrent {
				current[r.NaturalKey]++
			}
		}
		var failed int64
		for _, n := range current {
			if n != 1 {
				failed++
			}
		}
		out = append(out, result(dim.TableName(), int64(len(current)), failed,
			fmt.Sprintf("%d of %d keys without exactly one current row", failed, len(current))))
	}
	return out, nil
}

// rowCountTrailingAverage compares the rows each fact table gained in this run with
// the average of the previous runs' counts. RecordsChecked carries the count so the
// next run can average it.
func rowCountTrailingAverage(ctx context.Context, env CheckEnv) ([]dwh.QualityCheck, error) {
	out := make([]dwh.QualityCheck, 0, len(entities.Facts()))
	for _, fact := range entities.Facts() {
		table := fact.TableName()
		count := env.Entry.StageCounts[table]
		history, err := env.Audit.QualityHistory(ctx, table, CheckRowCountTrailingAvg, env.TrailingRuns)
		if err != nil {
			return nil, err
		}
		qc := dwh.QualityCheck{Table: table, Passed: true, RecordsChecked: count}
		if len(history) == 0 {
			qc.Details = fmt.Sprintf("%d rows, no prior runs to compare", count)
			out = append(out, qc)
			continue
		}
		var sum int64
		for _, h := range history {
			sum += h.RecordsChecked
		}
		avg := float64(sum) / float64(len(history))
		allowed := avg * env.TolerancePct / 100
		if math.Abs(float64(count)-avg) > allowed {
			qc.Passed = false
			qc.RecordsFailed = count
		}
		qc.Details = fmt.Sprintf("%d rows vs trailing average %.1f over %d runs (tolerance %.0f%%)", count, avg, len(history), env.TolerancePct)
		out = append(out, qc)
	}
	return out, nil
}

func duplicates[K comparable, T any](rows []T, key func(T) K) int64 {
	seen := make(map[K]bool, len(rows))
	var dup int64
	for _, r := range rows {
		k := key(r)
		if seen[k] {
			dup++
		}
		seen[k] = true
	}
	return dup
}

func uniqueMetricKey(ctx context.Context, env CheckEnv) ([]dwh.QualityCheck, error) {
	rfm, err := env.Warehouse.RFM(ctx)
	if err != nil {
		return nil, err
	}
	funnel, err := env.Warehouse.Funnel(ctx, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	cohorts, err := env.Warehouse.Cohorts(ctx)
	if err != nil {
		return nil, err
	}
	affinity, err := env.Warehouse.Affinity(ctx)
	if err != nil {
		return nil, err
	}

	type funnelKey struct {
		date  int64
		stage string
	}
	type cohortKey struct {
		month  int64
		offset int32
	}
	rfmDup := duplicates(rfm, func(r dwh.RFMRow) uint64 { return r.CustomerKey })
	funnelDup := duplicates(funnel, func(r dwh.FunnelRow) funnelKey { return funnelKey{r.Date.Unix(), r.Stage} })
	cohortDup := duplicates(cohorts, func(r dwh.CohortRow) cohortKey { return cohortKey{r.CohortMonth.Unix(), r.MonthsSinceFirst} })
	// (a,b) and (b,a) share one key so reversed duplicates are caught too
	affinityDup := duplicates(affinity, func(r dwh.AffinityRow) [2]uint64 {
		if r.ProductA > r.ProductB {
			return [2]uint64{r.ProductB, r.ProductA}
		}
		return [2]uint64{r.ProductA, r.ProductB}
	})
	_, reversed := countWhere(affinity, func(r dwh.AffinityRow) bool { return r.ProductA >= r.ProductB })

	return []dwh.QualityCheck{
		result(entities.RFMMetric.TableName(), int64(len(rfm)), rfmDup, fmt.Sprintf("%d duplicate customer keys", rfmDup)),
		result(entities.FunnelMetric.TableName(), int64(len(funnel)), funnelDup, fmt.Sprintf("%d duplicate (date, stage) keys", funnelDup)),
		result(entities.CohortMetric.TableName(), int64(len(cohorts)), cohortDup, fmt.Sprintf("%d duplicate (cohort, offset) keys", cohortDup)),
		result(entities.AffinityMetric.TableName(), int64(len(affinity)), affinityDup+reversed,
			fmt.Sprintf("%d duplicate pairs, %d pairs not in canonical order", affinityDup, reversed)),
	}, nil
}

func funnelStageOneRate(ctx context.Context, env CheckEnv) ([]dwh.QualityCheck, error) {
	rows, err := env.Warehouse.Funnel(ctx, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	var checked, failed int64
	for _, r := range rows {
		if r.StageOrder != 1 {
			continue
		}
		checked++
		if r.ConversionRate != 1 || r.DropOffRate != 0 {
			failed++
		}
	}
	return []dwh.QualityCheck{
		result(entities.FunnelMetric.TableName(), checked, failed, fmt.Sprintf("%d of %d dates with a first stage rate other than 1", failed, checked)),
	}, nil
}
