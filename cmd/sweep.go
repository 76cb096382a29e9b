package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one liveness sweep",
	Long:  "Marks silent workers offline and requeues or fails the jobs they were holding.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "worker")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := newSweeper(st).Sweep(ctx)
		if err != nil {
			return eris.Wrap(err, "sweep")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "agents_offline=%d sessions_abandoned=%d requeued=%d failed=%d\n",
			res.AgentsMarkedOffline, res.SessionsAbandoned, res.JobsRequeued, res.JobsFailed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
