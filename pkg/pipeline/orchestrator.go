// Package pipeline runs the warehouse stages in order for one business window.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/commercex/pkg/audit"
	"github.com/canopy-network/commercex/pkg/config"
	"github.com/canopy-network/commercex/pkg/db"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/canopy-network/commercex/pkg/dimension"
	"github.com/canopy-network/commercex/pkg/etlerr"
	"github.com/canopy-network/commercex/pkg/fact"
	"github.com/canopy-network/commercex/pkg/metrics"
	"github.com/canopy-network/commercex/pkg/retry"
	"github.com/canopy-network/commercex/pkg/staging"
	"go.uber.org/zap"
)

// Source delivers the raw records of a window to the staging stage.
type Source interface {
	Read(ctx context.Context, window dwh.Window) ([]dwh.RawRecord, error)
}

// Summary is the single outcome surfaced to schedulers.
type Summary string

const (
	Succeeded Summary = "Succeeded"
	Failed    Summary = "Failed"
	Partial   Summary = "Partial"
)

// ExitCode maps a summary to the process exit code: 0 succeeded, 1 failed, 2 partial.
func (s Summary) ExitCode() int {
	switch s {
	case Succeeded:
		return 0
	case Partial:
		return 2
	default:
		return 1
	}
}

// SummaryOf maps a closed audit status to its summary.
func SummaryOf(status dwh.RunStatus) Summary {
	switch status {
	case dwh.RunSuccess:
		return Succeeded
	case dwh.RunPartial:
		return Partial
	default:
		return Failed
	}
}

// Outcome is the result of one run.
type Outcome struct {
	RunID       string
	Window      dwh.Window
	Summary     Summary
	Status      dwh.RunStatus
	FailedStage Stage
	StageCounts map[string]int64
	ErrorCounts map[string]int64
	// Error is the message of the error that stopped the run.
	Error   string
	Quality []dwh.QualityCheck
}

// Orchestrator wires the stage components over one warehouse and one audit log.
type Orchestrator struct {
	store     db.Store
	audit     db.AuditStore
	source    Source
	cfg       config.Config
	logger    *zap.Logger
	loader    *staging.Loader
	conformer *dimension.Conformer
	builder   *fact.Builder
	engine    *metrics.Engine
	recorder  *audit.Recorder
	pool      pond.Pool

	mu      sync.Mutex
	machine Machine
}

type Option func(*options)

type options struct {
	notifier audit.Notifier
	clock    func() time.Time
}

// WithNotifier publishes run and quality outcomes.
func WithNotifier(n audit.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithClock overrides the wall clock used for load, build and audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// New builds an orchestrator. source may be nil when records are staged out of band.
func New(store db.Store, auditStore db.AuditStore, source Source, cfg config.Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	recorderOpts := []audit.Option{
		audit.WithRowCountTolerance(cfg.RowCountTolerancePct, cfg.TrailingRuns),
		audit.WithClock(o.clock),
	}
	if o.notifier != nil {
		recorderOpts = append(recorderOpts, audit.WithNotifier(o.notifier))
	}
	return &Orchestrator{
		store:     store,
		audit:     auditStore,
		source:    source,
		cfg:       cfg,
		logger:    logger,
		loader:    staging.NewLoader(store, logger, staging.WithBatchSize(cfg.BatchSize), staging.WithClock(o.clock)),
		conformer: dimension.NewConformer(store, logger, cfg.BatchSize),
		builder: fact.NewBuilder(store, logger,
			fact.WithBatchSize(cfg.BatchSize),
			fact.WithClock(o.clock)),
		engine:   metrics.NewEngine(store, logger, cfg.Parallelism),
		recorder: audit.NewRecorder(auditStore, store, logger, recorderOpts...),
		pool:     pond.NewPool(cfg.Parallelism, pond.WithQueueSize(cfg.Parallelism*4)),
		machine:  NewMachine(),
	}
}

// Close stops the worker pools. It does not close the stores.
func (o *Orchestrator) Close() {
	o.pool.StopAndWait()
	o.engine.Close()
}

// Recorder exposes the audit recorder for callers driving stages one by one.
func (o *Orchestrator) Recorder() *audit.Recorder {
	return o.recorder
}

// State returns a snapshot of the current run's state machine.
func (o *Orchestrator) State() Machine {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.machine
}

// DefaultWindow ends at end and starts where the last successful run ended. Without
// a previous run it starts at the Unix epoch so the first run takes everything.
func (o *Orchestrator) DefaultWindow(ctx context.Context, end time.Time) (dwh.Window, error) {
	last, err := o.audit.LastSuccessfulRun(ctx)
	if err != nil {
		return dwh.Window{}, etlerr.Store("last successful run", err)
	}
	start := time.Unix(0, 0).UTC()
	if last != nil {
		start = last.WindowEnd
	}
	w := dwh.Window{Start: start, End: end.UTC()}
	return w, w.Validate()
}

// Run executes every stage for window and always records the audit entry once the
// run lock is taken. A concurrent run yields etlerr.ErrRunInProgress and no entry.
//
// A failing stage stops the run; outputs already committed stay in place and the
// next run picks up from them idempotently.
func (o *Orchestrator) Run(ctx context.Context, window dwh.Window) (Outcome, error) {
	entry, err := o.recorder.Begin(ctx, window)
	if err != nil {
		return Outcome{Window: window, Summary: Failed}, err
	}

	o.mu.Lock()
	o.machine = NewMachine()
	_ = o.machine.Start(entry.RunID)
	o.mu.Unlock()

	counts := make(map[string]int64)
	errCounts := make(map[string]int64)
	var (
		runErr  error
		quality []dwh.QualityCheck
	)

	for _, stage := range Stages {
		o.transition(func(m *Machine) error { return m.Enter(stage) })
		entry.StageCounts = counts
		report, err := o.RunStage(ctx, stage, entry)
		merge(counts, report.Counts)
		merge(errCounts, report.Errors)
		if err != nil {
			runErr = err
			errCounts[string(etlerr.KindOf(err))]++
			o.transition(func(m *Machine) error { return m.Fail() })
			break
		}
		quality = append(quality, report.Quality...)
	}
	if runErr == nil {
		o.transition(func(m *Machine) error { return m.Succeed() })
	}

	closed, recErr := o.recorder.RecordRun(ctx, entry, audit.StageResults{Counts: counts, Errors: errCounts, Err: runErr})
	out := Outcome{
		RunID:       entry.RunID,
		Window:      window,
		Status:      closed.Status,
		Summary:     SummaryOf(closed.Status),
		FailedStage: o.State().Failed,
		StageCounts: counts,
		ErrorCounts: errCounts,
		Quality:     quality,
	}
	if runErr != nil {
		out.Error = runErr.Error()
	}
	if recErr != nil {
		return out, fmt.Errorf("record run %s: %w", entry.RunID, recErr)
	}
	return out, nil
}

func (o *Orchestrator) transition(fn func(m *Machine) error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := fn(&o.machine); err != nil {
		o.logger.Warn("invalid state transition", zap.Error(err))
	}
}

func merge(dst, src map[string]int64) {
	for k, v := range src {
		dst[k] += v
	}
}

// isGroupNoise reports pond group errors that only echo a cancellation.
func isGroupNoise(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, pond.ErrGroupStopped)
}

func (o *Orchestrator) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, o.cfg.StoreRetry(), o.logger, op, fn)
}
