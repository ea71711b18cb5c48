package main

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/commercex/app/etl"
	"github.com/canopy-network/commercex/pkg/audit"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/canopy-network/commercex/pkg/query"
	"github.com/spf13/cobra"
)

// reportFunc answers one report from the opened stores.
type reportFunc func(ctx context.Context, stores *etl.Stores) (any, error)

func newReportCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print analytical reports from the warehouse",
		Long: `Print analytical reports as JSON. Reports read what the last pipeline run stored;
they never recompute metrics.

Examples:
  etl report summary --start 2024-01-01 --end 2024-02-01
  etl report rfm --segment Champions --top 20
  etl report affinity --min-support 0.05
  etl report quality --run-id 0d3c...`,
	}

	var window windowFlags
	summary := c.reportCmd("summary", "Headline KPIs over a window", func(ctx context.Context, s *etl.Stores) (any, error) {
		w, err := window.window(time.Now())
		if err != nil {
			return nil, err
		}
		return query.NewService(s.Warehouse).Summary(ctx, w)
	})
	window.register(summary, "window start, inclusive (default the Unix epoch)")

	var (
		segment string
		top     int
	)
	rfm := c.reportCmd("rfm", "Customers by RFM segment, top spenders first", func(ctx context.Context, s *etl.Stores) (any, error) {
		return query.NewService(s.Warehouse).RFM(ctx, segment, top)
	})
	rfm.Flags().StringVar(&segment, "segment", "", "only this segment")
	rfm.Flags().IntVar(&top, "top", query.DefaultTopCustomers, "number of top customers by monetary value")

	segments := c.reportCmd("segments", "Customer count and value per RFM segment", func(ctx context.Context, s *etl.Stores) (any, error) {
		return query.NewService(s.Warehouse).Segments(ctx)
	})

	var funnelWindow windowFlags
	funnel := c.reportCmd("funnel", "Conversion funnel by date", func(ctx context.Context, s *etl.Stores) (any, error) {
		w, err := funnelWindow.window(time.Now())
		if err != nil {
			return nil, err
		}
		return query.NewService(s.Warehouse).Funnel(ctx, w.Start, w.End)
	})
	funnelWindow.register(funnel, "first date, inclusive (default the Unix epoch)")

	var (
		minSupport float64
		limit      int
	)
	affinity := c.reportCmd("affinity", "Product pairs bought together", func(ctx context.Context, s *etl.Stores) (any, error) {
		return query.NewService(s.Warehouse).Affinity(ctx, minSupport, limit)
	})
	affinity.Flags().Float64Var(&minSupport, "min-support", query.DefaultMinSupport, "minimum pair support")
	affinity.Flags().IntVar(&limit, "limit", query.DefaultAffinityRows, "maximum pairs")

	cohorts := c.reportCmd("cohorts", "Monthly retention matrix", func(ctx context.Context, s *etl.Stores) (any, error) {
		return query.NewService(s.Warehouse).CohortMatrix(ctx)
	})

	var (
		behaviorWindow windowFlags
		customerID     string
	)
	behavior := c.reportCmd("behavior", "Session behavior summary", func(ctx context.Context, s *etl.Stores) (any, error) {
		w, err := behaviorWindow.window(time.Now())
		if err != nil {
			return nil, err
		}
		return query.NewService(s.Warehouse).Behavior(ctx, w, customerID)
	})
	behaviorWindow.register(behavior, "sessions starting at or after (default the Unix epoch)")
	behavior.Flags().StringVar(&customerID, "customer", "", "only sessions of this customer id")

	var runLimit int
	runs := c.reportCmd("runs", "Recent pipeline runs from the audit log", func(ctx context.Context, s *etl.Stores) (any, error) {
		return s.Audit.RecentRuns(ctx, runLimit)
	})
	runs.Flags().IntVar(&runLimit, "limit", 10, "number of runs, 0 for all")

	var runID string
	quality := c.reportCmd("quality", "Quality check results of a run, grouped by table", func(ctx context.Context, s *etl.Stores) (any, error) {
		id := runID
		if id == "" {
			last, err := s.Audit.RecentRuns(ctx, 1)
			if err != nil {
				return nil, err
			}
			if len(last) == 0 {
				return nil, fmt.Errorf("no runs recorded")
			}
			id = last[0].RunID
		}
		return audit.NewRecorder(s.Audit, s.Warehouse, c.logger).QualityReport(ctx, id)
	})
	quality.Flags().StringVar(&runID, "run-id", "", "run to report (default the latest run)")

	cmd.AddCommand(summary, rfm, segments, funnel, affinity, cohorts, behavior, runs, quality)
	return cmd
}

func (c *cli) reportCmd(use, short string, fn reportFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stores, err := etl.OpenStores(cmd.Context(), c.cfg, c.logger, "query")
			if err != nil {
				return err
			}
			defer func() { _ = stores.Close() }()

			out, err := fn(cmd.Context(), stores)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

// window resolves the flags into a closed window, defaulting the start to the epoch.
func (w *windowFlags) window(now time.Time) (dwh.Window, error) {
	start, end, err := w.resolve(now)
	if err != nil {
		return dwh.Window{}, err
	}
	if start.IsZero() {
		start = time.Unix(0, 0).UTC()
	}
	win := dwh.Window{Start: start, End: end}
	return win, win.Validate()
}
