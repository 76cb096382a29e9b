package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/contact-dispatch/internal/model"
)

var (
	ingestUser    string
	ingestVerbose bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file.jsonl>",
	Short: "Ingest contacts from a JSON Lines file",
	Long:  "Reads one raw contact per line (\"-\" for stdin), runs each through the ingestion pipeline and prints a summary.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var r io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return eris.Wrap(err, "ingest: open input")
			}
			defer f.Close() //nolint:errcheck
			r = f
		}

		inputs, err := readInputs(r, ingestUser)
		if err != nil {
			return err
		}

		st, err := initStore(ctx, "ingest")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p, err := newPipeline(st)
		if err != nil {
			return err
		}

		results, summary, err := p.IngestBatch(ctx, inputs)
		if err != nil {
			return eris.Wrap(err, "ingest")
		}

		out := cmd.OutOrStdout()
		for i, res := range results {
			if res == nil {
				continue
			}
			if ingestVerbose || !res.Success {
				line, _ := json.Marshal(res)
				fmt.Fprintf(out, "%d\t%s\n", i+1, line)
			}
		}

		zap.L().Info("ingest complete",
			zap.Int("total", summary.Total),
			zap.Int("created", summary.Created),
			zap.Int("merged", summary.Merged),
			zap.Int("failed", summary.Failed),
			zap.Int("jobs_queued", summary.JobsQueued),
		)
		fmt.Fprintf(out, "total=%d created=%d merged=%d failed=%d jobs_queued=%d\n",
			summary.Total, summary.Created, summary.Merged, summary.Failed, summary.JobsQueued)

		if summary.Failed > 0 {
			return eris.Errorf("ingest: %d of %d records failed", summary.Failed, summary.Total)
		}
		return nil
	},
}

// readInputs decodes JSON Lines into raw contacts. Blank lines are skipped.
// Records without a user id are assigned userID.
func readInputs(r io.Reader, userID string) ([]model.RawContactInput, error) {
	var inputs []model.RawContactInput
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var in model.RawContactInput
		if err := json.Unmarshal([]byte(line), &in); err != nil {
			return nil, eris.Wrapf(err, "ingest: line %d", lineNo)
		}
		if in.UserID == "" {
			in.UserID = userID
		}
		if in.UserID == "" {
			return nil, eris.Errorf("ingest: line %d has no user_id and --user is not set", lineNo)
		}
		inputs = append(inputs, in)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "ingest: read input")
	}
	return inputs, nil
}

func init() {
	ingestCmd.Flags().StringVar(&ingestUser, "user", "", "user id for records that do not carry one")
	ingestCmd.Flags().BoolVarP(&ingestVerbose, "verbose", "v", false, "print every result, not only failures")
	rootCmd.AddCommand(ingestCmd)
}
