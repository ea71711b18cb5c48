package main

import (
	"context"
	"fmt"

	"github.com/canopy-network/commercex/app/etl"
	"github.com/canopy-network/commercex/app/scheduler"
	"github.com/canopy-network/commercex/pkg/temporal"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSchedulerCmd(c *cli) *cobra.Command {
	var (
		local bool
		spec  string
		addr  string
	)
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Trigger the pipeline on a cron schedule",
		Long: `Trigger the pipeline on a cron schedule (seconds field first) and serve
/healthz, /readyz and /status.

By default each tick submits the pipeline workflow to Temporal; with --local the
run happens in this process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if !cmd.Flags().Changed("cron") {
				spec = c.cfg.SchedulerCron
			}
			if !cmd.Flags().Changed("addr") {
				addr = c.cfg.SchedulerAddr
			}

			var (
				trigger scheduler.Trigger
				checks  []scheduler.ReadyCheck
			)
			if local {
				stores, err := etl.OpenStores(ctx, c.cfg, c.logger, "scheduler")
				if err != nil {
					return err
				}
				defer func() { _ = stores.Close() }()
				o := etl.NewOrchestrator(c.cfg, stores, c.logger)
				defer o.Close()
				trigger = scheduler.LocalTrigger(o)
				checks = append(checks, func(ctx context.Context) error {
					_, err := stores.Audit.RecentRuns(ctx, 1)
					return err
				})
			} else {
				tc, err := temporal.NewClient(ctx, c.logger)
				if err != nil {
					return fmt.Errorf("connect temporal: %w", err)
				}
				defer tc.Close()
				trigger = scheduler.TemporalTrigger(tc, c.cfg.TriggerTimeout)
				checks = append(checks, func(ctx context.Context) error {
					_, err := tc.Health(ctx)
					return err
				})
			}

			app := scheduler.New(spec, addr, trigger, c.logger, checks...)
			app.SetupServer()
			if err := app.SetupScheduler(ctx, cron.VerbosePrintfLogger(zap.NewStdLog(c.logger))); err != nil {
				return fmt.Errorf("invalid cron spec %q: %w", spec, err)
			}
			app.Start(ctx)
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "run the pipeline in-process instead of through Temporal")
	cmd.Flags().StringVar(&spec, "cron", "", "cron spec with seconds (default $SCHEDULER_CRON)")
	cmd.Flags().StringVar(&addr, "addr", "", "probe listen address (default $SCHEDULER_ADDR)")
	return cmd
}
