package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect validation run history",
	Long:  "Commands for listing, viewing, and summarizing validation runs.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		return cfg.Validate("runs")
	},
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List validation runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		plan, _ := cmd.Flags().GetString("plan")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Status:   model.RunStatus(status),
			PlanName: plan,
			Limit:    limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

// runDetail is a run with its stored row outcomes.
type runDetail struct {
	*model.Run
	Rows []model.RowOutcome `json:"rows,omitempty"`
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		withRows, _ := cmd.Flags().GetBool("rows")
		detail, err := loadRunDetail(ctx, st, args[0], withRows)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(detail)
	},
}

func loadRunDetail(ctx context.Context, st store.Store, runID string, withRows bool) (*runDetail, error) {
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "runs show")
	}
	detail := &runDetail{Run: run}
	if withRows {
		detail.Rows, err = st.ListRowOutcomes(ctx, runID)
		if err != nil {
			return nil, eris.Wrap(err, "runs show: rows")
		}
	}
	return detail, nil
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		stats, err := collectRunStats(ctx, st, since, time.Now())
		if err != nil {
			return err
		}
		formatRunStats(os.Stdout, stats)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (running, complete, failed, interrupted)")
	runsListCmd.Flags().String("plan", "", "filter by plan name")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsShowCmd.Flags().Bool("rows", false, "include stored row outcomes")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total       int
	Complete    int
	Failed      int
	Interrupted int
	Running     int
	AvgDurSecs  float64

	Rows           store.RowStats
	DLQDepth       int
	AvgPassRate    float64
	summarizedRuns int
}

// collectRunStats gathers run and row statistics for the window ending now.
// A zero since covers all history.
func collectRunStats(ctx context.Context, st store.Store, since time.Duration, now time.Time) (runStats, error) {
	var cutoff time.Time
	if since > 0 {
		cutoff = now.Add(-since)
	}

	runs, err := st.ListRuns(ctx, store.RunFilter{Limit: 10000}) // high limit for stats
	if err != nil {
		return runStats{}, eris.Wrap(err, "runs stats")
	}
	var windowed []model.Run
	for _, r := range runs {
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		windowed = append(windowed, r)
	}
	s := computeRunStats(windowed)

	if s.Rows, err = st.RowStats(ctx, cutoff); err != nil {
		return runStats{}, eris.Wrap(err, "runs stats: rows")
	}
	if s.DLQDepth, err = st.CountDLQ(ctx); err != nil {
		return runStats{}, eris.Wrap(err, "runs stats: dlq")
	}
	return s, nil
}

// computeRunStats computes aggregate statistics from a list of runs.
func computeRunStats(runs []model.Run) runStats {
	var s runStats
	s.Total = len(runs)

	var totalDur time.Duration
	var durCount int
	var passSum float64

	for _, r := range runs {
		switch r.Status {
		case model.RunStatusComplete:
			s.Complete++
			totalDur += r.UpdatedAt.Sub(r.CreatedAt)
			durCount++
		case model.RunStatusFailed:
			s.Failed++
		case model.RunStatusInterrupted:
			s.Interrupted++
		case model.RunStatusRunning:
			s.Running++
		}
		if r.Summary != nil && r.Summary.Total > 0 {
			passSum += r.Summary.PassRate
			s.summarizedRuns++
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	if s.summarizedRuns > 0 {
		s.AvgPassRate = passSum / float64(s.summarizedRuns)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPLAN\tSOURCE\tSTATUS\tROWS\tPASS_RATE\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t------\t----\t---------\t-------\t--------")

	for _, r := range runs {
		dur := r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second).String()

		rows, pass := "-", "-"
		if r.Summary != nil {
			rows = fmt.Sprintf("%d", r.Summary.Total)
			pass = fmt.Sprintf("%.1f%%", r.Summary.PassRate*100)
		}

		source := r.Source
		if len(source) > 30 {
			source = "..." + source[len(source)-27:]
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.PlanName,
			source,
			r.Status,
			rows,
			pass,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Complete:\t%d\n", s.Complete)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Interrupted:\t%d\n", s.Interrupted)
	_, _ = fmt.Fprintf(w, "Running:\t%d\n", s.Running)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	if s.summarizedRuns > 0 {
		_, _ = fmt.Fprintf(w, "Avg pass rate:\t%.1f%%\n", s.AvgPassRate*100)
	}
	_, _ = fmt.Fprintf(w, "Rows:\t%d\n", s.Rows.Total)
	_, _ = fmt.Fprintf(w, "  Matched:\t%d\n", s.Rows.Matched)
	_, _ = fmt.Fprintf(w, "  Failed:\t%d (%.1f%%)\n", s.Rows.Failed, s.Rows.FailureRate()*100)
	_, _ = fmt.Fprintf(w, "  Mean confidence:\t%.3f\n", s.Rows.MeanConfidence)
	_, _ = fmt.Fprintf(w, "Dead-letter queue:\t%d\n", s.DLQDepth)
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
