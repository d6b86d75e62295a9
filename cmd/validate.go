package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/orchestrator"
	"github.com/sells-group/webcheck/internal/registry"
	"github.com/sells-group/webcheck/internal/report"
)

// validateOptions are the inputs of one validate invocation.
type validateOptions struct {
	PlanPath   string
	InputPath  string
	Limit      int
	Offset     int
	DryRun     bool
	Offline    bool
	DeadLetter bool
	Format     string
	Output     string
}

var validateOpts validateOptions

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate CSV rows against their live web pages",
	Long: `Loads a validation plan and an input file (.csv or .xlsx), visits the
target page of every row, extracts the mapped fields and reports whether the
page agrees with the row.

Examples:
  # Parse the input and resolve target URLs only
  webcheck validate --plan plan.yaml --input rows.csv --dry-run

  # Full pipeline without network access
  webcheck validate --plan plan.yaml --input rows.csv --offline

  # Live run, CSV report to a file
  webcheck validate --plan plan.yaml --input rows.csv --format csv --output report.csv`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("validate"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		out, closeOut, err := openOutput(validateOpts.Output)
		if err != nil {
			return err
		}
		defer closeOut()

		summary, err := runValidate(ctx, validateOpts, out)
		if err != nil {
			return err
		}
		if summary != nil && summary.Failed > 0 {
			zap.L().Warn("some rows failed", zap.Int("failed", summary.Failed), zap.Int("total", summary.Total))
		}
		return nil
	},
}

func init() {
	f := validateCmd.Flags()
	f.StringVar(&validateOpts.PlanPath, "plan", "", "validation plan file (.yaml or .json)")
	f.StringVar(&validateOpts.InputPath, "input", "", "input rows (.csv or .xlsx)")
	f.IntVar(&validateOpts.Limit, "limit", 0, "max rows to validate (0 = all)")
	f.IntVar(&validateOpts.Offset, "offset", 0, "rows to skip before validating")
	f.BoolVar(&validateOpts.DryRun, "dry-run", false, "resolve target URLs and exit")
	f.BoolVar(&validateOpts.Offline, "offline", false, "use local stub pages instead of the network")
	f.BoolVar(&validateOpts.DeadLetter, "dead-letter", true, "queue failed rows for 'webcheck retry'")
	f.StringVar(&validateOpts.Format, "format", "json", "report format: json, csv or xlsx")
	f.StringVarP(&validateOpts.Output, "output", "o", "", "report file (default stdout)")
	_ = validateCmd.MarkFlagRequired("plan")
	_ = validateCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(validateCmd)
}

// runValidate loads the plan and rows, drives them through the
// orchestrator and writes the report to out. An interrupt drains rows in
// flight, records the run as interrupted and still writes the report.
func runValidate(ctx context.Context, opts validateOptions, out io.Writer) (*model.RunSummary, error) {
	format, err := report.ParseFormat(opts.Format)
	if err != nil {
		return nil, err
	}

	plan, err := registry.LoadPlan(opts.PlanPath)
	if err != nil {
		return nil, eris.Wrap(err, "validate: load plan")
	}
	rows, err := registry.LoadRows(ctx, opts.InputPath)
	if err != nil {
		return nil, eris.Wrap(err, "validate: load rows")
	}
	rows = window(rows, opts.Offset, opts.Limit)
	zap.L().Info("loaded input",
		zap.String("plan", plan.Name),
		zap.String("input", opts.InputPath),
		zap.Int("rows", len(rows)),
	)

	if opts.DryRun {
		return nil, printTargets(out, plan, rows)
	}

	env, err := initEnv(ctx, envOptions{
		Offline:    opts.Offline,
		DeadLetter: opts.DeadLetter,
		Plan:       plan,
		Rows:       rows,
	})
	if err != nil {
		return nil, err
	}
	defer env.Close(context.WithoutCancel(ctx))

	return validateRows(ctx, env, plan, rows, opts.InputPath, format, out)
}

// validateRows runs rows under a new Run record and streams the report.
func validateRows(ctx context.Context, env *validatorEnv, plan *model.Plan, rows []model.Row, source string, format report.Format, out io.Writer) (*model.RunSummary, error) {
	run, err := env.Store.CreateRun(ctx, source, plan.Name)
	if err != nil {
		return nil, eris.Wrap(err, "validate: create run")
	}
	log := zap.L().With(zap.String("run_id", run.ID))

	w, err := report.New(format, out, report.Meta{
		RunID:   run.ID,
		Source:  source,
		Plan:    plan,
		Started: run.CreatedAt,
	})
	if err != nil {
		return nil, err
	}

	// Rows keep running on a context that an interrupt does not cancel;
	// the interrupt triggers a graceful shutdown instead.
	var interrupted atomic.Bool
	stopWatch := context.AfterFunc(ctx, func() {
		interrupted.Store(true)
		log.Warn("interrupt received, draining rows in flight")
		if err := env.Orchestrator.Shutdown(context.Background()); err != nil {
			log.Warn("shutdown incomplete", zap.Error(err))
		}
	})
	defer stopWatch()

	start := time.Now()
	var tally orchestrator.Tally
	var writeErr error
	seq := env.Orchestrator.Run(context.WithoutCancel(ctx), orchestrator.Request{RunID: run.ID, Plan: plan, Rows: rows})
	for o := range seq {
		tally.Add(o)
		if err := w.Write(o); err != nil {
			writeErr = eris.Wrap(err, "validate: write report")
			break
		}
	}
	summary := tally.Summary()

	status := model.RunStatusComplete
	switch {
	case writeErr != nil:
		status = model.RunStatusFailed
	case interrupted.Load() || summary.Total < len(rows):
		status = model.RunStatusInterrupted
	}
	if err := env.Store.CompleteRun(context.WithoutCancel(ctx), run.ID, status, &summary); err != nil {
		log.Error("failed to complete run", zap.Error(err))
	}
	if writeErr != nil {
		return &summary, writeErr
	}
	if err := w.Close(summary); err != nil {
		return &summary, eris.Wrap(err, "validate: close report")
	}

	log.Info("validation complete",
		zap.String("status", string(status)),
		zap.Int("total", summary.Total),
		zap.Int("matched", summary.Matched),
		zap.Int("mismatched", summary.Mismatched),
		zap.Int("failed", summary.Failed),
		zap.Float64("pass_rate", summary.PassRate),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &summary, nil
}

// window applies --offset and --limit.
func window(rows []model.Row, offset, limit int) []model.Row {
	if offset > 0 {
		if offset >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

// printTargets writes one line per row with its resolved target URL.
func printTargets(out io.Writer, plan *model.Plan, rows []model.Row) error {
	var bad int
	for _, row := range rows {
		target, err := registry.ResolveURL(plan.Target.URL, row)
		if err != nil {
			bad++
			target = "ERROR: " + err.Error()
		}
		if _, err := fmt.Fprintf(out, "%d\t%s\t%s\n", row.Index, plan.RowID(row), target); err != nil {
			return eris.Wrap(err, "validate: write targets")
		}
	}
	if bad > 0 {
		return eris.Errorf("validate: %d of %d rows have unresolvable targets", bad, len(rows))
	}
	return nil
}

// openOutput returns stdout or a created file.
func openOutput(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, eris.Wrap(err, "create output file")
	}
	return f, func() { _ = f.Close() }, nil
}
