package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/canopy-network/commercex/app/etl"
	"github.com/canopy-network/commercex/app/etl/types"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/canopy-network/commercex/pkg/pipeline"
	"github.com/canopy-network/commercex/pkg/temporal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd(c *cli) *cobra.Command {
	var (
		window      windowFlags
		viaTemporal bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once over a window",
		Long: `Run every stage once over [start, end) and print the outcome.

Exit status is 0 when the run succeeded, 1 when it failed and 2 when it completed
with skipped records (partial).

Examples:
  etl run
  etl run --start 2024-01-01 --end 2024-02-01
  etl run --temporal`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start, end, err := window.resolve(time.Now())
			if err != nil {
				return err
			}
			if viaTemporal {
				return c.runTemporal(cmd.Context(), cmd.OutOrStdout(), start, end)
			}
			return c.runLocal(cmd.Context(), cmd.OutOrStdout(), start, end)
		},
	}
	window.register(cmd, "window start, inclusive (default end of the last successful run)")
	cmd.Flags().BoolVar(&viaTemporal, "temporal", false, "submit the run to the pipeline worker and wait for it")
	return cmd
}

func (c *cli) runLocal(ctx context.Context, w io.Writer, start, end time.Time) error {
	stores, err := etl.OpenStores(ctx, c.cfg, c.logger, "etl")
	if err != nil {
		return err
	}
	defer func() { _ = stores.Close() }()

	o := etl.NewOrchestrator(c.cfg, stores, c.logger)
	defer o.Close()

	window := dwh.Window{Start: start, End: end}
	if start.IsZero() {
		if window, err = o.DefaultWindow(ctx, end); err != nil {
			return err
		}
	}

	out, runErr := o.Run(ctx, window)
	if out.RunID == "" {
		// the run lock was never taken
		return runErr
	}
	if err := printJSON(w, out); err != nil {
		return err
	}
	if runErr != nil {
		c.logger.Error("Run outcome not recorded", zap.String("runId", out.RunID), zap.Error(runErr))
		return &exitError{code: 1, err: runErr}
	}
	return exitFor(out.Summary, out.RunID, out.FailedStage, out.Error)
}

func (c *cli) runTemporal(ctx context.Context, w io.Writer, start, end time.Time) error {
	tc, err := temporal.NewClient(ctx, c.logger)
	if err != nil {
		return fmt.Errorf("connect temporal: %w", err)
	}
	defer tc.Close()

	run, err := etl.StartPipeline(ctx, tc, types.PipelineInput{Start: start, End: end})
	if err != nil {
		return err
	}
	c.logger.Info("Pipeline workflow started",
		zap.String("workflowId", run.GetID()),
		zap.String("temporalRunId", run.GetRunID()))

	out, err := etl.WaitPipeline(ctx, run)
	if err != nil {
		return err
	}
	if err := printJSON(w, out); err != nil {
		return err
	}
	return exitFor(out.Summary, out.RunID, out.FailedStage, out.Error)
}

// exitFor maps a summary to the process exit status.
func exitFor(s pipeline.Summary, runID string, stage pipeline.Stage, msg string) error {
	switch code := s.ExitCode(); code {
	case 0:
		return nil
	case 2:
		return &exitError{code: code}
	default:
		return &exitError{code: code, err: fmt.Errorf("run %s failed in stage %s: %s", runID, stage, msg)}
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
