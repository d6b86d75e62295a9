package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/webcheck/internal/evidence"
	"github.com/sells-group/webcheck/internal/fusion"
	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/registry"
	"github.com/sells-group/webcheck/internal/resilience"
)

// ErrShuttingDown is returned for rows submitted after Shutdown began.
var ErrShuttingDown = eris.New("orchestrator: shutting down")

// rowRun is the mutable state of one row while its pipeline runs. The
// error, warning and retry lists are appended from concurrent field tasks.
type rowRun struct {
	o   *Orchestrator
	log *zap.Logger

	mu  sync.Mutex
	out *model.RowOutcome
}

func (r *rowRun) setState(s model.RowState) {
	r.mu.Lock()
	r.out.State = s
	r.mu.Unlock()
	r.log.Debug("row state", zap.String("state", string(s)))
}

func (r *rowRun) addError(phase model.RowState, role model.Role, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out.Errors = append(r.out.Errors, model.RowError{
		Phase:   phase,
		Role:    role,
		Kind:    resilience.Classify(err).String(),
		Message: err.Error(),
	})
}

func (r *rowRun) warn(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out.Warnings = append(r.out.Warnings, msg)
}

func (r *rowRun) addRetry(rec model.RetryRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out.RetryHistory = append(r.out.RetryHistory, rec)
}

// dispatch runs one task through the retry loop. Every failed attempt is
// recorded in the row's retry history whether or not it is retried.
func (r *rowRun) dispatch(ctx context.Context, role model.Role, payload any) (model.Outcome, error) {
	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	task := model.NewTask(role, payload, deadline)

	for {
		start := r.o.nowFunc()
		out, err := r.o.attempt(ctx, task)
		kind := resilience.Classify(err)
		r.o.metrics.RecordTask(role, kind, r.o.nowFunc().Sub(start))
		if err == nil {
			return out, nil
		}

		dec := r.o.policy.ShouldRetry(task, kind)
		r.addRetry(model.RetryRecord{
			TaskID:  task.ID,
			Role:    role,
			Attempt: task.Attempt,
			Kind:    kind.String(),
			Error:   err.Error(),
			Retried: dec.Retry,
			Delay:   dec.Delay,
		})

		log := r.log.With(
			zap.String("task_id", task.ID),
			zap.String("role", string(role)),
			zap.Int("attempt", task.Attempt),
		)
		if !dec.Retry {
			log.Debug("orchestrator: task failed",
				zap.String("kind", kind.String()),
				zap.String("reason", dec.Reason),
				zap.Error(err),
			)
			return out, err
		}

		log.Debug("orchestrator: retrying task", zap.Duration("delay", dec.Delay), zap.Error(err))
		r.o.metrics.RecordRetry(role)
		if serr := r.o.sleep(ctx, dec.Delay); serr != nil {
			return out, eris.Wrapf(serr, "orchestrator: %s retry interrupted after %v", role, err)
		}
		task = task.WithAttempt(task.Attempt + 1)
	}
}

// RunRow runs one row through its pipeline and returns the finalized
// outcome. Failures are reported on the outcome, never as a Go error.
func (o *Orchestrator) RunRow(ctx context.Context, runID string, plan *model.Plan, row model.Row) *model.RowOutcome {
	if !o.rows.begin() {
		return o.rejected(runID, plan, row)
	}
	defer o.rows.end()
	return o.runRow(ctx, runID, plan, row)
}

func (o *Orchestrator) rejected(runID string, plan *model.Plan, row model.Row) *model.RowOutcome {
	out := &model.RowOutcome{
		RunID:     runID,
		RowIndex:  row.Index,
		RowID:     plan.RowID(row),
		State:     model.RowFailed,
		StartedAt: o.nowFunc(),
		Errors: []model.RowError{{
			Phase:   model.RowPending,
			Kind:    resilience.KindCanceled.String(),
			Message: ErrShuttingDown.Error(),
		}},
	}
	out.FieldDecisions = o.noSignal(plan, row)
	return out
}

func (o *Orchestrator) runRow(ctx context.Context, runID string, plan *model.Plan, row model.Row) *model.RowOutcome {
	if o.cfg.RowTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RowTimeout)
		defer cancel()
	}

	r := &rowRun{
		o: o,
		out: &model.RowOutcome{
			RunID:     runID,
			RowIndex:  row.Index,
			RowID:     plan.RowID(row),
			State:     model.RowPending,
			StartedAt: o.nowFunc(),
		},
	}
	r.log = o.log.With(zap.Int("row_index", row.Index), zap.String("row_id", r.out.RowID))

	if err := r.pipeline(ctx, plan, row); err != nil {
		r.out.State = model.RowFailed
		r.out.FieldDecisions = o.noSignal(plan, row)
		r.out.OverallMatch = false
		r.out.OverallConfidence = 0
		r.out.MeetsThreshold = false
		r.log.Warn("orchestrator: row failed", zap.Error(err))
	} else {
		r.out.State = model.RowDone
	}
	r.out.Duration = o.nowFunc().Sub(r.out.StartedAt)

	r.record(ctx, row)
	o.metrics.RecordRow(r.out)
	r.log.Info("orchestrator: row finished",
		zap.String("state", string(r.out.State)),
		zap.Bool("overall_match", r.out.OverallMatch),
		zap.Float64("overall_confidence", r.out.OverallConfidence),
		zap.Int("errors", len(r.out.Errors)),
		zap.Duration("duration", r.out.Duration),
	)
	return r.out
}

// noSignal builds the decisions of a row that never produced signals.
func (o *Orchestrator) noSignal(plan *model.Plan, row model.Row) []model.FieldDecision {
	out := make([]model.FieldDecision, len(plan.Fields))
	for i, m := range plan.Fields {
		expected, _ := row.Lookup(m.Field)
		out[i] = o.fusion.Fuse(m, expected, nil)
	}
	return out
}

// pipeline walks the row through its phases. A returned error means the
// row is Failed and has already been recorded on the outcome.
func (r *rowRun) pipeline(ctx context.Context, plan *model.Plan, row model.Row) error {
	target, err := r.prepare(plan, row)
	if err != nil {
		r.addError(model.RowPending, "", err)
		return err
	}
	r.out.TargetURL = target

	r.setState(model.RowNavigating)
	page, err := r.navigate(ctx, plan, row, target)
	if err != nil {
		r.addError(model.RowNavigating, model.RoleNavigator, err)
		return err
	}

	r.setState(model.RowExtracting)
	signals, err := r.extract(ctx, plan, row, page)
	if err != nil {
		return err
	}

	r.setState(model.RowValidating)
	decisions := r.validate(ctx, plan, row, signals)
	agg := r.o.fusion.Aggregate(decisions)
	r.out.FieldDecisions = decisions
	r.out.OverallMatch = agg.OverallMatch
	r.out.OverallConfidence = agg.OverallConfidence
	r.out.MeetsThreshold = agg.MeetsThreshold

	r.setState(model.RowCollectingEvidence)
	r.collectEvidence(ctx, page, decisions)
	return nil
}

// prepare resolves the target URL and checks that the row carries every
// mapped field.
func (r *rowRun) prepare(plan *model.Plan, row model.Row) (string, error) {
	for _, m := range plan.Fields {
		if _, ok := row.Lookup(m.Field); !ok {
			return "", resilience.NewConfigurationError("row %d has no column for field %q", row.Index, m.Field)
		}
	}
	return registry.ResolveURL(plan.Target.URL, row)
}

func (r *rowRun) navigate(ctx context.Context, plan *model.Plan, row model.Row, target string) (*model.Page, error) {
	out, err := r.dispatch(ctx, model.RoleNavigator, model.NavigatePayload{
		URL:          target,
		WaitSelector: plan.Target.WaitSelector,
		Row:          row,
	})
	if res, ok := out.Result.(model.NavigationResult); ok {
		nav := res
		r.out.Navigation = &nav
	}
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: navigate")
	}
	nav := r.out.Navigation
	switch {
	case nav == nil:
		return nil, resilience.NewFatalError(eris.New("orchestrator: navigator returned no result"), 0)
	case !nav.Success:
		return nil, resilience.StatusError(nav.Status, target)
	case nav.Page == nil:
		return nil, resilience.NewFatalError(eris.New("orchestrator: navigator returned no page"), 0)
	}
	return nav.Page, nil
}

// extract gathers DOM and OCR signals for every field concurrently. The
// result is indexed by field declaration order.
func (r *rowRun) extract(ctx context.Context, plan *model.Plan, row model.Row, page *model.Page) ([][]model.FieldSignal, error) {
	signals := make([][]model.FieldSignal, len(plan.Fields))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range plan.Fields {
		expected, _ := row.Lookup(m.Field)
		g.Go(func() error {
			s, err := r.extractField(gctx, m, expected, page)
			signals[i] = s
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return signals, nil
}

func (r *rowRun) ocrAvailable(m model.FieldMapping, page *model.Page) bool {
	return m.OCREnabled() && r.o.pool.Has(model.RoleOCRSpecialist) && len(page.Screenshot) > 0
}

func (r *rowRun) extractField(ctx context.Context, m model.FieldMapping, expected string, page *model.Page) ([]model.FieldSignal, error) {
	var signals []model.FieldSignal
	domConf := 0.0

	out, err := r.dispatch(ctx, model.RoleExtractor, model.ExtractPayload{Mapping: m, Page: page})
	if err != nil {
		switch resilience.Classify(err) {
		case resilience.KindFatal, resilience.KindCanceled:
			r.addError(model.RowExtracting, model.RoleExtractor, err)
			return nil, eris.Wrapf(err, "orchestrator: extract %s", m.Field)
		case resilience.KindRejected:
			if !r.ocrAvailable(m, page) {
				r.addError(model.RowExtracting, model.RoleExtractor, err)
				return nil, eris.Wrapf(err, "orchestrator: extract %s", m.Field)
			}
		}
		r.addError(model.RowExtracting, model.RoleExtractor, err)
	} else if x, ok := out.Result.(model.Extraction); ok && x.Value != "" {
		j := r.o.heuristic.Compare(expected, x.Value, m.Type)
		signals = append(signals, model.FieldSignal{
			Field:      m.Field,
			Source:     model.SourceDOM,
			Value:      x.Value,
			Match:      j.Match,
			Confidence: signalConfidence(x, j),
			Reasoning:  j.Reasoning,
		})
		domConf = x.Confidence
	}

	if domConf >= r.o.cfg.OCRThreshold || !r.ocrAvailable(m, page) {
		return signals, nil
	}

	out, err = r.dispatch(ctx, model.RoleOCRSpecialist, model.OCRPayload{Mapping: m, Page: page, Expected: expected})
	if err != nil {
		if resilience.Classify(err) == resilience.KindCanceled {
			return nil, eris.Wrapf(err, "orchestrator: ocr %s", m.Field)
		}
		r.addError(model.RowExtracting, model.RoleOCRSpecialist, err)
		return signals, nil
	}
	if x, ok := out.Result.(model.Extraction); ok && x.Value != "" {
		j := r.o.heuristic.Compare(expected, x.Value, m.Type)
		signals = append(signals, model.FieldSignal{
			Field:      m.Field,
			Source:     model.SourceOCR,
			Value:      x.Value,
			Match:      j.Match,
			Confidence: signalConfidence(x, j),
			Reasoning:  j.Reasoning,
		})
	}
	return signals, nil
}

// signalConfidence bounds an observation by both how well it was read and
// how sure the comparison is, so a weak heuristic match never carries the
// extractor's confidence.
func signalConfidence(x model.Extraction, j model.Judgment) float64 {
	return min(x.Confidence, j.Confidence)
}

// validate asks the validator about each observed value and fuses the
// signals. Validator failures degrade the field to its extraction signals.
func (r *rowRun) validate(ctx context.Context, plan *model.Plan, row model.Row, signals [][]model.FieldSignal) []model.FieldDecision {
	if r.o.pool.Has(model.RoleValidator) {
		var wg sync.WaitGroup
		for i, m := range plan.Fields {
			observed, ok := fusion.Observed(signals[i])
			if !ok {
				continue
			}
			expected, _ := row.Lookup(m.Field)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if s, ok := r.judge(ctx, m, expected, observed.Value); ok {
					signals[i] = append(signals[i], s)
				}
			}()
		}
		wg.Wait()
	}

	decisions := make([]model.FieldDecision, len(plan.Fields))
	for i, m := range plan.Fields {
		expected, _ := row.Lookup(m.Field)
		decisions[i] = r.o.fusion.Fuse(m, expected, signals[i])
	}
	return decisions
}

func (r *rowRun) judge(ctx context.Context, m model.FieldMapping, expected, observed string) (model.FieldSignal, bool) {
	out, err := r.dispatch(ctx, model.RoleValidator, model.JudgePayload{Mapping: m, Expected: expected, Observed: observed})
	if err != nil {
		r.addError(model.RowValidating, model.RoleValidator, eris.Wrapf(err, "orchestrator: judge %s", m.Field))
		return model.FieldSignal{}, false
	}
	j, ok := out.Result.(model.Judgment)
	if !ok {
		return model.FieldSignal{}, false
	}
	return model.FieldSignal{
		Field:      m.Field,
		Source:     model.SourceSemantic,
		Value:      observed,
		Match:      j.Match,
		Confidence: j.Confidence,
		Reasoning:  j.Reasoning,
	}, true
}

// collectEvidence stores artifacts for the row. Failures become warnings.
func (r *rowRun) collectEvidence(ctx context.Context, page *model.Page, decisions []model.FieldDecision) {
	if !r.o.pool.Has(model.RoleEvidenceCollector) {
		return
	}
	out, err := r.dispatch(ctx, model.RoleEvidenceCollector, model.EvidencePayload{
		RunID:     r.out.RunID,
		RowIndex:  r.out.RowIndex,
		RowID:     r.out.RowID,
		Artifacts: evidence.Artifacts(page, decisions),
	})
	if err != nil {
		r.warn("evidence collection failed: " + err.Error())
		r.log.Warn("orchestrator: evidence collection failed", zap.Error(err))
		return
	}
	if ref, ok := out.Result.(string); ok {
		r.out.EvidenceRef = ref
	}
}

// record hands the finalized row to the coordinator. It runs even when the
// row's context was canceled so interrupted rows are still persisted.
func (r *rowRun) record(ctx context.Context, row model.Row) {
	if !r.o.pool.Has(model.RoleCoordinator) {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.cfg.RecordTimeout)
	defer cancel()

	snapshot := *r.out
	_, err := r.dispatch(rctx, model.RoleCoordinator, model.RecordPayload{
		RunID:      r.out.RunID,
		Row:        row,
		Outcome:    &snapshot,
		DeadLetter: r.o.cfg.DeadLetter,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = eris.Wrapf(err, "orchestrator: record exceeded %s", r.o.cfg.RecordTimeout)
		}
		r.warn("record failed: " + err.Error())
		r.log.Warn("orchestrator: record failed", zap.Error(err))
	}
}
