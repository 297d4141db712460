package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/cropsoil/internal/ledger"
	"github.com/sells-group/cropsoil/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Inspect batch run history",
	Long:  "Lists recent runs, or with --run shows one run and its failed and skipped units.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		l, err := initLedger(ctx)
		if err != nil {
			return err
		}
		defer l.Close() //nolint:errcheck

		runID, _ := cmd.Flags().GetString("run")
		if runID != "" {
			run, err := l.GetRun(ctx, runID)
			if err != nil {
				return eris.Wrap(err, "status")
			}
			all, _ := cmd.Flags().GetBool("all")
			state, _ := cmd.Flags().GetString("state")
			units, err := l.ListUnits(ctx, runID, ledger.UnitFilter{State: state})
			if err != nil {
				return eris.Wrap(err, "status units")
			}
			formatRun(os.Stdout, run, units, all)
			return nil
		}

		stage, _ := cmd.Flags().GetString("stage")
		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := l.ListRuns(ctx, ledger.RunFilter{Stage: model.Stage(stage), Limit: limit})
		if err != nil {
			return eris.Wrap(err, "status")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		formatRunsList(os.Stdout, runs)
		return nil
	},
}

func init() {
	statusCmd.Flags().String("run", "", "show one run by ID")
	statusCmd.Flags().Bool("all", false, "with --run, include succeeded units")
	statusCmd.Flags().String("state", "", "with --run, only units of this state GID_1")
	statusCmd.Flags().String("stage", "", "filter by stage (summary, soilfiles, download)")
	statusCmd.Flags().Int("limit", 20, "max number of runs to display")
	rootCmd.AddCommand(statusCmd)
}

// runDuration is how long a run took, or has been running.
func runDuration(r model.Run, now time.Time) time.Duration {
	end := now
	if r.FinishedAt != nil {
		end = *r.FinishedAt
	}
	return end.Sub(r.StartedAt).Round(time.Second)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	now := time.Now()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTAGE\tSTATUS\tOK\tSKIP\tFAIL\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-----\t------\t--\t----\t----\t-------\t--------")

	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			truncateID(r.ID),
			r.Stage,
			r.Status,
			r.Counts.Succeeded,
			r.Counts.Skipped,
			r.Counts.Failed,
			r.StartedAt.Format("2006-01-02 15:04"),
			runDuration(r, now),
		)
	}
	_ = w.Flush()
}

// formatRun writes a run header and its units to w. Succeeded units are
// listed only when all is set.
func formatRun(out io.Writer, run *model.Run, units []model.UnitRecord, all bool) {
	_, _ = fmt.Fprintf(out, "Run %s (%s) %s: %d succeeded, %d skipped, %d failed\n",
		run.ID, run.Stage, run.Status, run.Counts.Succeeded, run.Counts.Skipped, run.Counts.Failed)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STATE\tCOUNTY\tTYPE\tSTATUS\tDETAIL")
	for _, u := range units {
		if u.Status == model.UnitSucceeded && !all {
			continue
		}
		detail := u.Reason
		if u.Error != "" {
			detail = u.Error
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", u.State, u.County, u.Type, u.Status, detail)
	}
	_ = w.Flush()
}
