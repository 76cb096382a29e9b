package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/contact-dispatch/internal/model"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect the worker fleet",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "worker")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		agents, err := st.ListAgents(ctx)
		if err != nil {
			return eris.Wrap(err, "agents list")
		}
		if len(agents) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "No agents registered.")
			return nil
		}
		formatAgentsList(cmd.OutOrStdout(), agents, time.Now().UTC())
		return nil
	},
}

func init() {
	agentsCmd.AddCommand(agentsListCmd)
	rootCmd.AddCommand(agentsCmd)
}

func formatAgentsList(w io.Writer, agents []model.WorkerAgent, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPLATFORM\tSTATUS\tLAST HEARTBEAT")
	for _, a := range agents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s ago\n",
			a.ID,
			a.Name,
			a.Platform,
			a.Status,
			now.Sub(a.LastHeartbeat).Truncate(time.Second),
		)
	}
	_ = tw.Flush()
}
