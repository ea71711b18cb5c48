package activity

import (
	"context"
	"errors"
	"time"

	"github.com/canopy-network/commercex/app/etl/types"
	"github.com/canopy-network/commercex/pkg/audit"
	"go.uber.org/zap"
)

// ResolveWindow fills a missing window start from the last successful run.
func (c *Context) ResolveWindow(ctx context.Context, in types.ResolveWindowInput) (types.ResolveWindowOutput, error) {
	start := time.Now()
	w, err := c.Orchestrator.DefaultWindow(ctx, in.End)
	if err != nil {
		return types.ResolveWindowOutput{}, applicationError(err)
	}
	if !in.Start.IsZero() {
		w.Start = in.Start.UTC()
		if err := w.Validate(); err != nil {
			return types.ResolveWindowOutput{}, applicationError(err)
		}
	}
	c.Logger.Debug("Resolved run window", zap.Stringer("window", w))
	return types.ResolveWindowOutput{
		Window:     w,
		DurationMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}, nil
}

// BeginRun takes the run lock and opens the audit entry.
func (c *Context) BeginRun(ctx context.Context, in types.BeginRunInput) (types.BeginRunOutput, error) {
	start := time.Now()
	entry, err := c.Orchestrator.Recorder().Begin(ctx, in.Window)
	if err != nil {
		return types.BeginRunOutput{}, applicationError(err)
	}
	return types.BeginRunOutput{
		Entry:      entry,
		DurationMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}, nil
}

// RunStage executes one stage. On failure the report travels as the error's details
// so the workflow can still account for rows the stage committed.
func (c *Context) RunStage(ctx context.Context, in types.RunStageInput) (types.RunStageOutput, error) {
	start := time.Now()
	report, err := c.Orchestrator.RunStage(ctx, in.Stage, in.Entry)
	out := types.RunStageOutput{
		Report:     report,
		DurationMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}
	if err != nil {
		return out, applicationError(err, out.Report)
	}
	return out, nil
}

// RecordRun closes the audit entry and runs the notifier.
func (c *Context) RecordRun(ctx context.Context, in types.RecordRunInput) (types.RecordRunOutput, error) {
	start := time.Now()
	results := audit.StageResults{Counts: in.StageCounts, Errors: in.ErrorCounts}
	if in.Error != "" {
		results.Err = errors.New(in.Error)
	}
	closed, err := c.Orchestrator.Recorder().RecordRun(ctx, in.Entry, results)
	if err != nil {
		return types.RecordRunOutput{}, applicationError(err)
	}
	return types.RecordRunOutput{
		Entry:      closed,
		DurationMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}, nil
}
