package main

import (
	"github.com/canopy-network/commercex/app/etl"
	"github.com/spf13/cobra"
)

func newWorkerCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Serve the pipeline workflow on the Temporal queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := etl.Initialize(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			return app.Start(cmd.Context())
		},
	}
}
