package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/commercex/app/etl"
	"github.com/canopy-network/commercex/app/etl/types"
	"github.com/canopy-network/commercex/pkg/pipeline"
	"github.com/canopy-network/commercex/pkg/temporal"
)

// TemporalTrigger submits the pipeline workflow and returns once the server accepted it.
func TemporalTrigger(c *temporal.Client, timeout time.Duration) Trigger {
	return TriggerFunc(func(ctx context.Context, end time.Time) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		_, err := etl.StartPipeline(ctx, c, types.PipelineInput{End: end})
		return err
	})
}

// LocalTrigger runs the pipeline in-process and returns when it has finished.
func LocalTrigger(o *pipeline.Orchestrator) Trigger {
	return TriggerFunc(func(ctx context.Context, end time.Time) error {
		window, err := o.DefaultWindow(ctx, end)
		if err != nil {
			return err
		}
		out, err := o.Run(ctx, window)
		if err != nil {
			return err
		}
		if out.Summary == pipeline.Failed {
			return fmt.Errorf("run %s failed in %s: %s", out.RunID, out.FailedStage, out.Error)
		}
		return nil
	})
}
