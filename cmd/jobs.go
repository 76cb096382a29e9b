package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/contact-dispatch/internal/dispatch"
	"github.com/sells-group/contact-dispatch/internal/model"
	"github.com/sells-group/contact-dispatch/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage enrichment jobs",
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrichment jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "worker")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		jobType, _ := cmd.Flags().GetString("type")
		user, _ := cmd.Flags().GetString("user")
		target, _ := cmd.Flags().GetString("target")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		jobs, err := dispatch.NewOperator(st, st).ListJobs(ctx, store.JobFilter{
			Status:   model.JobStatus(status),
			Type:     model.JobType(jobType),
			UserID:   user,
			TargetID: target,
			Limit:    limit,
			Offset:   offset,
		})
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}

		if len(jobs) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "No jobs found.")
			return nil
		}
		formatJobsList(cmd.OutOrStdout(), jobs)
		return nil
	},
}

// -- jobs show --

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job with its sessions and retries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "worker")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		op := dispatch.NewOperator(st, st)
		job, err := op.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}
		sessions, retries, err := op.JobHistory(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}

		return writeIndented(cmd.OutOrStdout(), map[string]any{
			"job":      job,
			"sessions": sessions,
			"retries":  retries,
		})
	},
}

// -- jobs retry --

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Return a failed job to the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "worker")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		by, _ := cmd.Flags().GetString("by")
		job, err := dispatch.NewOperator(st, st).Retry(ctx, args[0], by)
		if err != nil {
			return eris.Wrap(err, "jobs retry")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "job %s is %s (retry %d)\n", job.ID, job.Status, job.RetryCount)
		return nil
	},
}

// -- jobs cancel --

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "worker")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		job, err := dispatch.NewOperator(st, st).Cancel(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs cancel")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "job %s is %s\n", job.ID, job.Status)
		return nil
	},
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by status (pending, processing, completed, failed, cancelled)")
	jobsListCmd.Flags().String("type", "", "filter by job type")
	jobsListCmd.Flags().String("user", "", "filter by owning user id")
	jobsListCmd.Flags().String("target", "", "filter by target id")
	jobsListCmd.Flags().Int("limit", 50, "max number of jobs to display")
	jobsListCmd.Flags().Int("offset", 0, "number of jobs to skip")

	jobsRetryCmd.Flags().String("by", "operator", "recorded as the requester of the retry")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	rootCmd.AddCommand(jobsCmd)
}

func formatJobsList(w io.Writer, jobs []model.EnrichmentJob) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tTARGET\tRETRIES\tCREATED\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			j.ID,
			j.Type,
			j.Status,
			j.TargetID,
			j.RetryCount,
			j.CreatedAt.Format(time.DateTime),
			truncate(j.ErrorMessage, 60),
		)
	}
	_ = tw.Flush()
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
