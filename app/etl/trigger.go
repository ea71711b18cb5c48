package etl

import (
	"context"
	"fmt"

	"github.com/canopy-network/commercex/app/etl/types"
	"github.com/canopy-network/commercex/app/etl/workflow"
	"github.com/canopy-network/commercex/pkg/etlerr"
	"github.com/canopy-network/commercex/pkg/temporal"
	"go.temporal.io/sdk/client"
)

// StartPipeline submits one pipeline run. A run already open under the fixed
// workflow id yields etlerr.ErrRunInProgress.
func StartPipeline(ctx context.Context, c *temporal.Client, in types.PipelineInput) (client.WorkflowRun, error) {
	run, err := c.TClient.ExecuteWorkflow(ctx, c.PipelineWorkflowOptions(), workflow.PipelineWorkflowName, in)
	if err != nil {
		if temporal.IsAlreadyStarted(err) {
			return nil, fmt.Errorf("workflow %s: %w", temporal.WorkflowIDPipelineRun, etlerr.ErrRunInProgress)
		}
		return nil, fmt.Errorf("start pipeline workflow: %w", err)
	}
	return run, nil
}

// WaitPipeline blocks until run completes and returns its result.
func WaitPipeline(ctx context.Context, run client.WorkflowRun) (types.PipelineResult, error) {
	var out types.PipelineResult
	if err := run.Get(ctx, &out); err != nil {
		return out, fmt.Errorf("pipeline workflow %s: %w", run.GetRunID(), err)
	}
	return out, nil
}
