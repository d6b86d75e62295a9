package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/registry"
	"github.com/sells-group/webcheck/internal/resilience"
	"github.com/sells-group/webcheck/internal/store"
)

// retryOptions are the inputs of one retry invocation.
type retryOptions struct {
	PlanPath string
	RunID    string
	Limit    int
	Offline  bool
}

// retryResult counts what happened to the replayed entries.
type retryResult struct {
	Considered  int
	Recovered   int
	Rescheduled int
	Exhausted   int
	Permanent   int
}

var retryOpts retryOptions

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Replay rows from the dead-letter queue",
	Long: `Replays transient dead-letter entries whose next retry time has passed.
Recovered rows leave the queue and their stored outcome is replaced; rows
that fail again are rescheduled with backoff until their retry budget is
spent. Rows that fail fatally are marked permanent and never replayed.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("retry"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		res, err := runRetry(ctx, retryOpts)
		if err != nil {
			return err
		}
		formatRetryResult(os.Stdout, res)
		return nil
	},
}

func init() {
	f := retryCmd.Flags()
	f.StringVar(&retryOpts.PlanPath, "plan", "", "validation plan the entries were produced with")
	f.StringVar(&retryOpts.RunID, "run", "", "only replay entries from this run")
	f.IntVar(&retryOpts.Limit, "limit", 100, "max entries to replay")
	f.BoolVar(&retryOpts.Offline, "offline", false, "use local stub pages instead of the network")
	_ = retryCmd.MarkFlagRequired("plan")
	rootCmd.AddCommand(retryCmd)
}

// runRetry loads due entries and replays them.
func runRetry(ctx context.Context, opts retryOptions) (retryResult, error) {
	plan, err := registry.LoadPlan(opts.PlanPath)
	if err != nil {
		return retryResult{}, eris.Wrap(err, "retry: load plan")
	}

	st, err := initStore(ctx)
	if err != nil {
		return retryResult{}, err
	}

	entries, err := dueEntries(ctx, st, opts, time.Now())
	if err != nil {
		_ = st.Close()
		return retryResult{}, err
	}
	if len(entries) == 0 {
		_ = st.Close()
		zap.L().Info("no dead-letter entries due for retry")
		return retryResult{}, nil
	}

	rows := make([]model.Row, len(entries))
	for i, e := range entries {
		rows[i] = model.Row{Index: e.RowIndex, Fields: e.Row}
	}
	env, err := buildEnv(st, envOptions{Offline: opts.Offline, Plan: plan, Rows: rows})
	if err != nil {
		_ = st.Close()
		return retryResult{}, err
	}
	defer env.Close(context.WithoutCancel(ctx))

	return replayEntries(ctx, env, plan, entries)
}

// dueEntries returns the transient entries eligible for replay now. The
// store already leaves out entries that are not yet due.
func dueEntries(ctx context.Context, st store.Store, opts retryOptions, now time.Time) ([]resilience.DLQEntry, error) {
	all, err := st.DequeueDLQ(ctx, resilience.DLQFilter{
		ErrorType: "transient",
		RunID:     opts.RunID,
		Limit:     opts.Limit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "retry: dequeue")
	}
	var due []resilience.DLQEntry
	for _, e := range all {
		if e.Due(now) {
			due = append(due, e)
		}
	}
	return due, nil
}

// replayEntries runs each entry's row again. The coordinator overwrites the
// stored outcome; the queue entry is removed or rescheduled here.
func replayEntries(ctx context.Context, env *validatorEnv, plan *model.Plan, entries []resilience.DLQEntry) (retryResult, error) {
	var (
		mu  sync.Mutex
		res = retryResult{Considered: len(entries)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.Orchestrator.ParallelWorkers, 1))
	for _, e := range entries {
		g.Go(func() error {
			row := model.Row{Index: e.RowIndex, Fields: e.Row}
			out := env.Orchestrator.RunRow(gctx, e.RunID, plan, row)
			outcome, err := settleEntry(gctx, env.Store, env.Retry, e, out, time.Now())
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case "recovered":
				res.Recovered++
			case "rescheduled":
				res.Rescheduled++
			case "exhausted":
				res.Exhausted++
			case "permanent":
				res.Permanent++
			}
			return nil
		})
	}
	err := g.Wait()

	env.Metrics.SetDLQDepth(countDLQ(context.WithoutCancel(ctx), env.Store))
	zap.L().Info("dead-letter replay complete",
		zap.Int("considered", res.Considered),
		zap.Int("recovered", res.Recovered),
		zap.Int("rescheduled", res.Rescheduled),
		zap.Int("exhausted", res.Exhausted),
		zap.Int("permanent", res.Permanent),
	)
	return res, err
}

// settleEntry updates the queue after a replay and reports what happened.
func settleEntry(ctx context.Context, st store.Store, retry resilience.RetryConfig, e resilience.DLQEntry, out *model.RowOutcome, now time.Time) (string, error) {
	log := zap.L().With(zap.String("dlq_id", e.ID), zap.String("run_id", e.RunID), zap.Int("row_index", e.RowIndex))

	if !out.Failed() {
		if err := st.RemoveDLQ(ctx, e.ID); err != nil {
			return "", eris.Wrapf(err, "retry: remove entry %s", e.ID)
		}
		log.Info("row recovered", zap.Bool("overall_match", out.OverallMatch))
		return "recovered", nil
	}

	msg, kind := terminalError(out)
	if kind == resilience.KindFatal.String() {
		e.ErrorType = "permanent"
	}
	e.FailedPhase = string(lastPhase(out))
	e.ScheduleNext(now, retry, msg)
	if err := st.EnqueueDLQ(ctx, e); err != nil {
		return "", eris.Wrapf(err, "retry: reschedule entry %s", e.ID)
	}

	switch {
	case e.ErrorType == "permanent":
		log.Warn("row failed permanently", zap.String("error", msg))
		return "permanent", nil
	case !e.CanRetry():
		log.Warn("row exhausted its retries", zap.Int("retry_count", e.RetryCount), zap.String("error", msg))
		return "exhausted", nil
	default:
		log.Info("row rescheduled", zap.Int("retry_count", e.RetryCount), zap.Time("next_retry_at", e.NextRetryAt))
		return "rescheduled", nil
	}
}

// terminalError returns the last recorded error, which ended the row.
func terminalError(out *model.RowOutcome) (msg, kind string) {
	if len(out.Errors) == 0 {
		return "row failed", resilience.KindRecoverable.String()
	}
	last := out.Errors[len(out.Errors)-1]
	return last.Message, last.Kind
}

func lastPhase(out *model.RowOutcome) model.RowState {
	if len(out.Errors) == 0 {
		return model.RowPending
	}
	return out.Errors[len(out.Errors)-1].Phase
}

func countDLQ(ctx context.Context, st store.Store) int {
	n, err := st.CountDLQ(ctx)
	if err != nil {
		zap.L().Warn("failed to count dead-letter queue", zap.Error(err))
		return 0
	}
	return n
}

// formatRetryResult writes replay counts to w.
func formatRetryResult(w io.Writer, r retryResult) {
	_, _ = fmt.Fprintf(w, "Considered:  %d\n", r.Considered)
	_, _ = fmt.Fprintf(w, "Recovered:   %d\n", r.Recovered)
	_, _ = fmt.Fprintf(w, "Rescheduled: %d\n", r.Rescheduled)
	_, _ = fmt.Fprintf(w, "Exhausted:   %d\n", r.Exhausted)
	_, _ = fmt.Fprintf(w, "Permanent:   %d\n", r.Permanent)
}
