package workflow

import (
	"errors"
	"time"

	"github.com/canopy-network/commercex/app/etl/types"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/canopy-network/commercex/pkg/etlerr"
	"github.com/canopy-network/commercex/pkg/pipeline"
	"github.com/canopy-network/commercex/pkg/temporal"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// PipelineWorkflowName is the registered name of PipelineWorkflow.
const PipelineWorkflowName = temporal.PipelineWorkflowName

// PipelineWorkflow runs every stage once over one window and always closes the audit
// entry once the run lock is taken. The current state machine is exposed through
// the pipeline_state query.
//
// A failed or partial run completes the workflow normally; the result carries the
// summary. Only a run that never started returns an error.
func (wc *Context) PipelineWorkflow(ctx workflow.Context, in types.PipelineInput) (types.PipelineResult, error) {
	cfg := wc.Config
	if cfg.StageTimeout == 0 {
		cfg = DefaultConfig()
	}
	logger := workflow.GetLogger(ctx)
	startedAt := workflow.Now(ctx)

	machine := pipeline.NewMachine()
	if err := workflow.SetQueryHandler(ctx, temporal.QueryPipelineState, func() (pipeline.Machine, error) {
		return machine, nil
	}); err != nil {
		return types.PipelineResult{Summary: pipeline.Failed}, err
	}

	shortCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &sdktemporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    5,
		},
	})
	stageCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: cfg.StageTimeout,
		RetryPolicy: &sdktemporal.RetryPolicy{
			InitialInterval:    10 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    5 * time.Minute,
			MaximumAttempts:    cfg.StageAttempts,
		},
	})

	end := in.End
	if end.IsZero() {
		end = startedAt
	}
	var windowOut types.ResolveWindowOutput
	if err := workflow.ExecuteActivity(shortCtx, wc.ActivityContext.ResolveWindow, types.ResolveWindowInput{
		Start: in.Start,
		End:   end,
	}).Get(ctx, &windowOut); err != nil {
		return types.PipelineResult{Summary: pipeline.Failed}, err
	}

	var begin types.BeginRunOutput
	if err := workflow.ExecuteActivity(shortCtx, wc.ActivityContext.BeginRun, types.BeginRunInput{
		Window: windowOut.Window,
	}).Get(ctx, &begin); err != nil {
		return types.PipelineResult{Window: windowOut.Window, Summary: pipeline.Failed}, err
	}
	entry := begin.Entry
	_ = machine.Start(entry.RunID)

	counts := make(map[string]int64)
	errCounts := make(map[string]int64)
	var runErr error

	for _, stage := range pipeline.Stages {
		_ = machine.Enter(stage)
		entry.StageCounts = counts

		var out types.RunStageOutput
		err := workflow.ExecuteActivity(stageCtx, wc.ActivityContext.RunStage, types.RunStageInput{
			Stage: stage,
			Entry: entry,
		}).Get(ctx, &out)
		if err != nil {
			report := failedReport(err)
			merge(counts, report.Counts)
			merge(errCounts, report.Errors)
			errCounts[kindOf(err)]++
			runErr = err
			_ = machine.Fail()
			logger.Error("Stage failed", "RunID", entry.RunID, "Stage", stage, "Error", err)
			break
		}
		merge(counts, out.Report.Counts)
		merge(errCounts, out.Report.Errors)
	}
	if runErr == nil {
		_ = machine.Succeed()
	}

	// close the entry even when the workflow itself is being cancelled
	recordCtx, _ := workflow.NewDisconnectedContext(shortCtx)
	record := types.RecordRunInput{Entry: entry, StageCounts: counts, ErrorCounts: errCounts}
	if runErr != nil {
		record.Error = rootMessage(runErr)
	}
	var closed types.RecordRunOutput
	recErr := workflow.ExecuteActivity(recordCtx, wc.ActivityContext.RecordRun, record).Get(recordCtx, &closed)

	result := types.PipelineResult{
		RunID:       entry.RunID,
		Window:      windowOut.Window,
		FailedStage: machine.Failed,
		StageCounts: counts,
		ErrorCounts: errCounts,
		Error:       record.Error,
		DurationMs:  float64(workflow.Now(ctx).Sub(startedAt).Microseconds()) / 1000.0,
	}
	if recErr != nil {
		// the entry stays open; report what the run would have closed as
		result.Status = dwh.RunFailed
		result.Summary = pipeline.Failed
		return result, recErr
	}
	result.Status = closed.Entry.Status
	result.Summary = pipeline.SummaryOf(closed.Entry.Status)
	return result, nil
}

// failedReport recovers the stage report attached to a failed RunStage.
func failedReport(err error) pipeline.StageReport {
	var appErr *sdktemporal.ApplicationError
	var report pipeline.StageReport
	if errors.As(err, &appErr) && appErr.HasDetails() {
		_ = appErr.Details(&report)
	}
	return report
}

// kindOf reads the etlerr kind the activity tagged the failure with.
func kindOf(err error) string {
	var appErr *sdktemporal.ApplicationError
	switch {
	case sdktemporal.IsCanceledError(err):
		return string(etlerr.KindCancelled)
	case errors.As(err, &appErr) && appErr.Type() != "":
		return appErr.Type()
	case sdktemporal.IsTimeoutError(err):
		return string(etlerr.KindStore)
	default:
		return string(etlerr.KindOther)
	}
}

// rootMessage strips the activity wrapping so the audit entry reads like a direct run.
func rootMessage(err error) string {
	var appErr *sdktemporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Message()
	}
	return err.Error()
}

func merge(dst, src map[string]int64) {
	for k, v := range src {
		dst[k] += v
	}
}
