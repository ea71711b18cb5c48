package main

import (
	"fmt"
	"time"

	"github.com/canopy-network/commercex/pkg/config"
	"github.com/canopy-network/commercex/pkg/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// cli holds the state shared by every command once the root pre-run has finished.
type cli struct {
	cfg    config.Config
	logger *zap.Logger

	warehouse string
	audit     string
	sourceDir string
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "etl",
		Short: "commercex warehouse pipeline",
		Long: `etl loads raw e-commerce batches into the warehouse, conforms dimensions,
builds facts, derives metrics and records an audit trail for every run.

Configuration is read from the environment; flags override the backend selection.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&c.warehouse, "warehouse", "", "warehouse backend: memory or clickhouse (default $WAREHOUSE_BACKEND)")
	root.PersistentFlags().StringVar(&c.audit, "audit", "", "audit backend: memory or postgres (default $AUDIT_BACKEND)")
	root.PersistentFlags().StringVar(&c.sourceDir, "source-dir", "", "directory of NDJSON feeds (default $SOURCE_DIR)")

	root.AddCommand(
		newRunCmd(c),
		newWorkerCmd(c),
		newSchedulerCmd(c),
		newReportCmd(c),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("warehouse") {
		cfg.WarehouseBackend = c.warehouse
	}
	if cmd.Flags().Changed("audit") {
		cfg.AuditBackend = c.audit
	}
	if cmd.Flags().Changed("source-dir") {
		cfg.SourceDir = c.sourceDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfg = cfg

	logger, err := logging.New()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	c.logger = logger.With(zap.String("command", cmd.Name()))
	return nil
}

// parseTime accepts RFC3339 timestamps and plain dates, both read as UTC.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

// windowFlags are the --start/--end pair shared by run and report.
type windowFlags struct {
	start string
	end   string
}

func (w *windowFlags) register(cmd *cobra.Command, startHelp string) {
	cmd.Flags().StringVar(&w.start, "start", "", startHelp)
	cmd.Flags().StringVar(&w.end, "end", "", "window end, exclusive (default now)")
}

// resolve parses the flags. A missing end is now; a missing start stays zero.
func (w *windowFlags) resolve(now time.Time) (start, end time.Time, err error) {
	end = now.UTC()
	if w.end != "" {
		if end, err = parseTime(w.end); err != nil {
			return
		}
	}
	if w.start != "" {
		if start, err = parseTime(w.start); err != nil {
			return
		}
		if !start.Before(end) {
			err = fmt.Errorf("--start %s must be before --end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
		}
	}
	return
}
