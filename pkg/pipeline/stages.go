package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/commercex/pkg/db/entities"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/canopy-network/commercex/pkg/etlerr"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// StageReport is what one stage contributes to the audit entry.
type StageReport struct {
	Stage      Stage
	Counts     map[string]int64
	Errors     map[string]int64
	Quality    []dwh.QualityCheck
	DurationMs float64
}

// counter accumulates per-table counts from concurrent workers.
type counter struct {
	m *xsync.Map[string, int64]
}

func newCounter() counter {
	return counter{m: xsync.NewMap[string, int64]()}
}

func (c counter) add(key string, n int64) {
	c.m.Compute(key, func(old int64, _ bool) (int64, xsync.ComputeOp) {
		return old + n, xsync.UpdateOp
	})
}

func (c counter) snapshot() map[string]int64 {
	out := make(map[string]int64)
	c.m.Range(func(k string, v int64) bool {
		out[k] = v
		return true
	})
	return out
}

// RunStage executes one stage for entry's window. Store failures are retried with
// backoff; every stage is idempotent so a retry redoes the whole stage.
func (o *Orchestrator) RunStage(ctx context.Context, stage Stage, entry dwh.AuditEntry) (StageReport, error) {
	start := time.Now()
	window := entry.Window()
	var (
		report StageReport
		// rows committed by a failed attempt are not written again by the retry
		written = make(map[string]int64)
	)
	err := o.retry(ctx, "stage "+string(stage), func(ctx context.Context) error {
		var err error
		switch stage {
		case StageStaging:
			report, err = o.stage(ctx, window)
		case StageDimensions:
			report, err = o.conform(ctx, window)
		case StageFacts:
			report, err = o.build(ctx, window)
		case StageMetrics:
			report, err = o.derive(ctx, window)
		case StageAudit:
			report, err = o.check(ctx, entry)
		default:
			return fmt.Errorf("unknown stage %q", stage)
		}
		if stage == StageMetrics {
			// metric tables are replaced, their counts are sizes not increments
			clear(written)
		}
		merge(written, report.Counts)
		return err
	})
	report.Stage = stage
	report.Counts = written
	report.DurationMs = float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		o.logger.Error("Stage failed",
			zap.String("runId", entry.RunID),
			zap.String("stage", string(stage)),
			zap.String("kind", string(etlerr.KindOf(err))),
			zap.Float64("durationMs", report.DurationMs),
			zap.Error(err))
		return report, err
	}
	o.logger.Info("Stage finished",
		zap.String("runId", entry.RunID),
		zap.String("stage", string(stage)),
		zap.Any("counts", report.Counts),
		zap.Float64("durationMs", report.DurationMs))
	return report, nil
}

func (o *Orchestrator) stage(ctx context.Context, window dwh.Window) (StageReport, error) {
	report := StageReport{Counts: map[string]int64{}, Errors: map[string]int64{}}
	if o.source == nil {
		return report, nil
	}
	records, err := o.source.Read(ctx, window)
	if err != nil {
		return report, fmt.Errorf("read source: %w", err)
	}
	res, err := o.loader.Load(ctx, records)
	for entity, n := range res.ByEntity {
		report.Counts[entity.StagingTableName()] += int64(n)
	}
	if res.Rejected > 0 {
		report.Errors[string(etlerr.KindValidation)] = int64(res.Rejected)
	}
	return report, err
}

// conform applies every dimension in parallel. Dimensions never read each other.
func (o *Orchestrator) conform(ctx context.Context, window dwh.Window) (StageReport, error) {
	counts := newCounter()
	errs := make([]error, len(entities.Dimensions()))

	group := o.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i, dim := range entities.Dimensions() {
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				errs[i] = err
				return
			}
			res, err := o.conformer.Conform(groupCtx, dim, window.End)
			if err != nil {
				errs[i] = fmt.Errorf("conform %s: %w", dim, err)
				return
			}
			counts.add(dim.TableName(), int64(res.Inserted))
		})
	}
	if err := group.Wait(); !isGroupNoise(err) {
		o.logger.Warn("dimension group encountered error", zap.Error(err))
	}
	return StageReport{Counts: counts.snapshot(), Errors: map[string]int64{}}, firstErr(ctx, errs)
}

// build writes facts along two independent chains. Order items resolve their order
// fact and behavior summaries read web events, so each chain runs in order.
func (o *Orchestrator) build(ctx context.Context, window dwh.Window) (StageReport, error) {
	counts := newCounter()
	ordering := newCounter()
	chains := [][]entities.Fact{
		{entities.OrderFacts, entities.OrderItemFacts},
		{entities.WebEventFacts, entities.BehaviorFacts},
	}
	errs := make([]error, len(chains))

	group := o.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i, chain := range chains {
		group.Submit(func() {
			for _, f := range chain {
				if err := groupCtx.Err(); err != nil {
					errs[i] = err
					return
				}
				res, err := o.builder.Build(groupCtx, f, window)
				if err != nil {
					errs[i] = fmt.Errorf("build %s: %w", f, err)
					return
				}
				counts.add(f.TableName(), int64(res.RowsWritten))
				if n := len(res.OrderingErrors); n > 0 {
					ordering.add(string(etlerr.KindOrdering), int64(n))
				}
			}
		})
	}
	if err := group.Wait(); !isGroupNoise(err) {
		o.logger.Warn("fact group encountered error", zap.Error(err))
	}
	return StageReport{Counts: counts.snapshot(), Errors: ordering.snapshot()}, firstErr(ctx, errs)
}

func (o *Orchestrator) derive(ctx context.Context, window dwh.Window) (StageReport, error) {
	report := StageReport{Counts: map[string]int64{}, Errors: map[string]int64{}}
	results, err := o.engine.ComputeAll(ctx, window.End)
	for metric, res := range results {
		report.Counts[metric.TableName()] = int64(res.Rows)
	}
	return report, err
}

// check runs the quality checks. Failing checks are reported, never fatal; a check
// that cannot be evaluated only logs.
func (o *Orchestrator) check(ctx context.Context, entry dwh.AuditEntry) (StageReport, error) {
	report := StageReport{Counts: map[string]int64{}, Errors: map[string]int64{}}
	results, err := o.recorder.RunChecks(ctx, entry)
	report.Quality = results
	if err != nil {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		o.logger.Warn("quality checks incomplete", zap.String("runId", entry.RunID), zap.Error(err))
	}
	return report, nil
}

// firstErr prefers a real failure over the cancellations it caused in sibling workers.
func firstErr(ctx context.Context, errs []error) error {
	var cancelled error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) {
			cancelled = err
			continue
		}
		return err
	}
	if cancelled != nil {
		return cancelled
	}
	return ctx.Err()
}
