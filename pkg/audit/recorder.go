// Package audit keeps the run ledger and the advisory data quality history.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/canopy-network/commercex/pkg/db"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/canopy-network/commercex/pkg/etlerr"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notifier receives run and quality outcomes. Delivery is best-effort.
type Notifier interface {
	NotifyRun(ctx context.Context, entry dwh.AuditEntry)
	NotifyQuality(ctx context.Context, runID string, report map[string][]dwh.QualityCheck)
}

// StageResults is what a run reports when it closes.
type StageResults struct {
	// Counts holds rows written per table.
	Counts map[string]int64
	// Errors holds error counts per etlerr kind.
	Errors map[string]int64
	// Err is the error that stopped the run, nil when every stage completed.
	Err error
}

// Status derives the closing status: failed on a stopping error, partial when
// records were skipped for ordering violations, success otherwise.
func (r StageResults) Status() dwh.RunStatus {
	switch {
	case r.Err != nil:
		return dwh.RunFailed
	case r.Errors[string(etlerr.KindOrdering)] > 0:
		return dwh.RunPartial
	default:
		return dwh.RunSuccess
	}
}

// Recorder writes audit entries and quality results.
type Recorder struct {
	audit         db.AuditStore
	warehouse     db.Store
	logger        *zap.Logger
	checks        []Check
	notifier      Notifier
	finishTimeout time.Duration
	tolerancePct  float64
	trailingRuns  int
	now           func() time.Time
	newID         func() string
}

type Option func(*Recorder)

func WithNotifier(n Notifier) Option {
	return func(r *Recorder) { r.notifier = n }
}

// WithChecks replaces the default quality checks.
func WithChecks(checks ...Check) Option {
	return func(r *Recorder) { r.checks = checks }
}

// WithRowCountTolerance configures row_count_trailing_average.
func WithRowCountTolerance(pct float64, trailingRuns int) Option {
	return func(r *Recorder) {
		r.tolerancePct = pct
		r.trailingRuns = trailingRuns
	}
}

// WithFinishTimeout bounds the detached write of the closing entry.
func WithFinishTimeout(d time.Duration) Option {
	return func(r *Recorder) { r.finishTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func NewRecorder(audit db.AuditStore, warehouse db.Store, logger *zap.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		audit:         audit,
		warehouse:     warehouse,
		logger:        logger,
		checks:        DefaultChecks(),
		finishTimeout: 30 * time.Second,
		tolerancePct:  50,
		trailingRuns:  7,
		now:           time.Now,
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Begin opens a run for window. It fails with etlerr.ErrRunInProgress while another run is open.
func (r *Recorder) Begin(ctx context.Context, window dwh.Window) (dwh.AuditEntry, error) {
	if err := window.Validate(); err != nil {
		return dwh.AuditEntry{}, err
	}
	entry := dwh.AuditEntry{
		RunID:       r.newID(),
		WindowStart: window.Start,
		WindowEnd:   window.End,
		StartedAt:   r.now().UTC(),
		Status:      dwh.RunRunning,
		StageCounts: map[string]int64{},
		ErrorCounts: map[string]int64{},
	}
	if err := r.audit.BeginRun(ctx, entry); err != nil {
		if errors.Is(err, etlerr.ErrRunInProgress) {
			return dwh.AuditEntry{}, err
		}
		return dwh.AuditEntry{}, etlerr.Store("begin run", err)
	}
	r.logger.Info("Run started",
		zap.String("runId", entry.RunID),
		zap.Stringer("window", window))
	return entry, nil
}

// RecordRun closes entry with the outcome in results.
//
// The write uses a context detached from ctx so a cancelled or failed run is still
// recorded, bounded by the finish timeout.
func (r *Recorder) RecordRun(ctx context.Context, entry dwh.AuditEntry, results StageResults) (dwh.AuditEntry, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.finishTimeout)
	defer cancel()

	ended := r.now().UTC()
	entry.EndedAt = &ended
	entry.Status = results.Status()
	entry.StageCounts = copyCounts(results.Counts)
	entry.ErrorCounts = copyCounts(results.Errors)
	if results.Err != nil {
		entry.ErrorText = results.Err.Error()
	}

	if err := r.audit.FinishRun(wctx, entry); err != nil {
		return entry, etlerr.Store("finish run", err)
	}

	fields := []zap.Field{
		zap.String("runId", entry.RunID),
		zap.String("status", string(entry.Status)),
		zap.Any("stageCounts", entry.StageCounts),
		zap.Any("errorCounts", entry.ErrorCounts),
		zap.Duration("elapsed", ended.Sub(entry.StartedAt)),
	}
	if entry.Status == dwh.RunFailed {
		r.logger.Error("Run finished", append(fields, zap.String("error", entry.ErrorText))...)
	} else {
		r.logger.Info("Run finished", fields...)
	}

	if r.notifier != nil {
		r.notifier.NotifyRun(wctx, entry)
	}
	return entry, nil
}

// RunChecks evaluates every quality check for entry and records the results.
// A failing check never fails the call; only storage errors do.
func (r *Recorder) RunChecks(ctx context.Context, entry dwh.AuditEntry) ([]dwh.QualityCheck, error) {
	env := CheckEnv{
		Entry:        entry,
		Warehouse:    r.warehouse,
		Audit:        r.audit,
		TolerancePct: r.tolerancePct,
		TrailingRuns: r.trailingRuns,
	}
	checkedAt := r.now().UTC()
	var results []dwh.QualityCheck
	for _, check := range r.checks {
		out, err := check.Run(ctx, env)
		if err != nil {
			return results, fmt.Errorf("quality check %s: %w", check.Type, err)
		}
		for i := range out {
			out[i].RunID = entry.RunID
			out[i].CheckType = check.Type
			out[i].CheckedAt = checkedAt
			if !out[i].Passed {
				r.logger.Warn("Quality check failed",
					zap.String("runId", entry.RunID),
					zap.String("table", out[i].Table),
					zap.String("checkType", check.Type),
					zap.Int64("recordsFailed", out[i].RecordsFailed),
					zap.String("details", out[i].Details))
			}
		}
		results = append(results, out...)
	}
	if err := r.audit.RecordQuality(ctx, results); err != nil {
		return results, etlerr.Store("record quality", err)
	}
	if r.notifier != nil {
		r.notifier.NotifyQuality(ctx, entry.RunID, GroupByTable(results))
	}
	return results, nil
}

// QualityReport returns the recorded results of a run grouped by table.
func (r *Recorder) QualityReport(ctx context.Context, runID string) (map[string][]dwh.QualityCheck, error) {
	checks, err := r.audit.QualityForRun(ctx, runID)
	if err != nil {
		return nil, etlerr.Store("quality for run", err)
	}
	return GroupByTable(checks), nil
}

// GroupByTable groups results by table, each list ordered by check type.
func GroupByTable(checks []dwh.QualityCheck) map[string][]dwh.QualityCheck {
	out := make(map[string][]dwh.QualityCheck)
	for _, c := range checks {
		out[c.Table] = append(out[c.Table], c)
	}
	for _, list := range out {
		sort.SliceStable(list, func(i, j int) bool { return list[i].CheckType < list[j].CheckType })
	}
	return out
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
