package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/webcheck/internal/fusion"
	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/resilience"
)

func TestRunRow_Success(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out := h.o.RunRow(ctx, "run-1", h.plan, testRow(3, "42"))

	assert.Equal(t, model.RowDone, out.State)
	assert.Equal(t, "https://x.test/42", out.TargetURL)
	assert.Equal(t, "42", out.RowID)
	assert.Equal(t, 3, out.RowIndex)
	assert.True(t, out.OverallMatch)
	assert.InDelta(t, 0.95, out.OverallConfidence, 1e-9)
	assert.True(t, out.MeetsThreshold)
	assert.Empty(t, out.Errors)
	require.NotNil(t, out.Navigation)
	assert.Equal(t, 200, out.Navigation.Status)

	require.Len(t, out.FieldDecisions, 2)
	assert.Equal(t, "name", out.FieldDecisions[0].Field)
	assert.Equal(t, "email", out.FieldDecisions[1].Field)
	for _, d := range out.FieldDecisions {
		assert.True(t, d.Match, d.Field)
		sources := make(map[model.SignalSource]bool)
		for _, s := range d.ContributingSignals {
			sources[s.Source] = true
		}
		assert.True(t, sources[model.SourceDOM], d.Field)
		assert.True(t, sources[model.SourceSemantic], d.Field)
	}

	require.NotEmpty(t, out.EvidenceRef)
	m, err := h.sink.ReadManifest(out.EvidenceRef)
	require.NoError(t, err)
	assert.Equal(t, "42", m.RowID)

	stored, err := h.st.ListRowOutcomes(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, model.RowDone, stored[0].State)
}

func TestRunRow_OptionalFieldDoesNotGateMatch(t *testing.T) {
	h := newHarness(t, func(s *setup) {
		s.values = map[string]string{"name": "Acme"}
	})

	out := h.o.RunRow(context.Background(), "run-1", h.plan, testRow(0, "42"))

	assert.Equal(t, model.RowDone, out.State)
	assert.True(t, out.OverallMatch)
	assert.InDelta(t, 0.475, out.OverallConfidence, 1e-9)
	assert.False(t, out.MeetsThreshold)
	email := out.FieldDecisions[1]
	assert.False(t, email.Match)
	assert.Zero(t, email.Confidence)
	assert.Equal(t, fusion.ReasonNoSignal, email.Reasoning)
}

func TestRunRow_RequiredFieldMismatch(t *testing.T) {
	h := newHarness(t, func(s *setup) {
		s.values = map[string]string{"name": "Globex", "email": "info@acme.test"}
	})

	out := h.o.RunRow(context.Background(), "run-1", h.plan, testRow(0, "42"))

	assert.Equal(t, model.RowDone, out.State)
	assert.False(t, out.OverallMatch)
	assert.False(t, out.MeetsThreshold)
	assert.False(t, out.FieldDecisions[0].Match)
	assert.True(t, out.FieldDecisions[1].Match)
}

func TestRunRow_UnresolvedPlaceholder(t *testing.T) {
	h := newHarness(t)
	row := model.Row{Index: 0, Fields: map[string]string{"other": "42", "name": "Acme", "email": "a@b.test"}}

	out := h.o.RunRow(context.Background(), "run-1", h.plan, row)

	assert.True(t, out.Failed())
	assert.Empty(t, out.TargetURL)
	assert.Zero(t, h.nav.calls.Load(), "never navigates to a literal placeholder")
	require.Len(t, out.Errors, 1)
	assert.Equal(t, model.RowPending, out.Errors[0].Phase)
	assert.Equal(t, "fatal", out.Errors[0].Kind)
	assert.Contains(t, out.Errors[0].Message, "{id}")
	assert.False(t, out.OverallMatch)
	assert.Zero(t, out.OverallConfidence)
}

func TestRunRow_MissingFieldColumn(t *testing.T) {
	h := newHarness(t)
	row := model.Row{Index: 0, Fields: map[string]string{"id": "42", "name": "Acme"}}

	out := h.o.RunRow(context.Background(), "run-1", h.plan, row)

	assert.True(t, out.Failed())
	assert.Zero(t, h.nav.calls.Load())
	assert.Contains(t, out.Errors[0].Message, "email")
}

func TestRunRow_NavigationNon2xxRetriedThenFailed(t *testing.T) {
	h := newHarness(t)
	h.nav.fn = func(_ context.Context, task model.Task) (model.Outcome, error) {
		p := task.Payload.(model.NavigatePayload)
		return model.Outcome{Result: model.NavigationResult{Status: 503, FinalURL: p.URL}},
			resilience.StatusError(503, p.URL)
	}

	out := h.o.RunRow(context.Background(), "run-1", h.plan, testRow(0, "42"))

	assert.True(t, out.Failed())
	assert.Equal(t, int64(3), h.nav.calls.Load())
	assert.Zero(t, h.ext.calls.Load(), "no extraction without a page")
	assert.False(t, out.OverallMatch)
	assert.Zero(t, out.OverallConfidence)
	require.Len(t, out.FieldDecisions, 2)
	for _, d := range out.FieldDecisions {
		assert.False(t, d.Match)
		assert.Equal(t, fusion.ReasonNoSignal, d.Reasoning)
	}
	require.NotNil(t, out.Navigation)
	assert.Equal(t, 503, out.Navigation.Status)

	require.Len(t, out.RetryHistory, 3)
	assert.True(t, out.RetryHistory[0].Retried)
	assert.True(t, out.RetryHistory[1].Retried)
	assert.False(t, out.RetryHistory[2].Retried)
	assert.Equal(t, out.RetryHistory[0].TaskID, out.RetryHistory[2].TaskID)
	assert.Equal(t, 2, out.RetryHistory[2].Attempt)
}

func TestRunRow_NavigationNotFoundIsFatal(t *testing.T) {
	h := newHarness(t)
	h.nav.fn = func(_ context.Context, task model.Task) (model.Outcome, error) {
		p := task.Payload.(model.NavigatePayload)
		return model.Outcome{Result: model.NavigationResult{Status: 404}}, resilience.StatusError(404, p.URL)
	}

	out := h.o.RunRow(context.Background(), "run-1", h.plan, testRow(0, "42"))

	assert.True(t, out.Failed())
	assert.Equal(t, int64(1), h.nav.calls.Load())
	assert.Equal(t, "fatal", out.Errors[0].Kind)
}

func TestRunRow_RetryExhaustionBackoff(t *testing.T) {
	h := newHarness(t, func(s *setup) {
		s.retry = resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: 100 * time.Millisecond, Multiplier: 2}
	})
	h.plan.Fields = h.plan.Fields[:1]
	h.ext.fn = func(context.Context, model.Task) (model.Outcome, error) {
		return model.Outcome{}, resilience.NewTransientError(errors.New("selector timeout"), 0)
	}

	out := h.o.RunRow(context.Background(), "run-1", h.plan, testRow(0, "42"))

	assert.Equal(t, int64(3), h.ext.calls.Load(), "never a fourth attempt")
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, h.sleeps())

	// Exhausted extraction degrades the row instead of failing it.
	assert.Equal(t, model.RowDone, out.State)
	assert.False(t, out.OverallMatch)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, model.RowExtracting, out.Errors[0].Phase)
	assert.Equal(t, "recoverable", out.Errors[0].Kind)
}

func TestRunRow_CircuitOpensAfterThreshold(t *testing.T) {
	h := newHarness(t, func(s *setup) {
		s.retry = resilience.RetryConfig{MaxAttempts: 1}
	})
	h.nav.fn = func(_ context.Context, task model.Task) (model.Outcome, error) {
		return model.Outcome{}, resilience.NewTransientError(errors.New("connection reset"), 0)
	}
	ctx := context.Background()

	for i := range 5 {
		out := h.o.RunRow(ctx, "run-1", h.plan, testRow(i, "42"))
		require.True(t, out.Failed())
		assert.Equal(t, "recoverable", out.Errors[0].Kind)
	}
	assert.Equal(t, int64(5), h.nav.calls.Load())

	out := h.o.RunRow(ctx, "run-1", h.plan, testRow(5, "42"))
	assert.True(t, out.Failed())
	assert.Equal(t, int64(5), h.nav.calls.Load(), "sixth dispatch fails fast")
	assert.Equal(t, "rejected", out.Errors[0].Kind)
	assert.Contains(t, out.Errors[0].Message, "circuit breaker is open")
}

func TestRunRow_OCRFallbackOnLowConfidence(t *testing.T) {
	ocr := &stubAgent{role: model.RoleOCRSpecialist, fn: func(_ context.Context, task model.Task) (model.Outcome, error) {
		p := task.Payload.(model.OCRPayload)
		return model.Outcome{Result: model.Extraction{Field: p.Mapping.Field, Value: "Acme", Confidence: 0.8, Method: model.MethodOCR}}, nil
	}}
	h := newHarness(t, func(s *setup) { s.extra = append(s.extra, ocr) })
	h.ext.fn = func(_ context.Context, task model.Task) (model.Outcome, error) {
		p := task.Payload.(model.ExtractPayload)
		if p.Mapping.Field == "name" {
			return model.Outcome{Result: model.Extraction{Field: "name", Value: "Acm3", Confidence: 0.3}}, nil
		}
		return model.Outcome{Result: model.Extraction{Field: "email", Value: "info@acme.test", Confidence: 0.95}}, nil
	}

	out := h.o.RunRow(context.Background(), "run-1", h.plan, testRow(0, "42"))

	assert.Equal(t, int64(1), ocr.calls.Load(), "only the low-confidence field goes to OCR")
	name := out.FieldDecisions[0]
	assert.Equal(t, "Acme", name.Observed)
	assert.True(t, name.Match)
	assert.True(t, out.OverallMatch)
}

func TestRunRow_WeakHeuristicMatchCapsSignalConfidence(t *testing.T) {
	failing := &stubAgent{role: model.RoleValidator, fn: func(context.Context, model.Task) (model.Outcome, error) {
		return model.Outcome{}, resilience.NewFatalError(errors.New("model refused"), 0)
	}}
	h := newHarness(t, func(s *setup) {
		s.validator = failing
		s.values = map[string]string{"name": "Acme Corporation Holdings", "email": "info@acme.test"}
	})

	out := h.o.RunRow(context.Background(), "run-1", h.plan, testRow(0, "42"))

	name := out.FieldDecisions[0]
	require.Len(t, name.ContributingSignals, 1)
	dom := name.ContributingSignals[0]
	assert.Equal(t, model.SourceDOM, dom.Source)
	assert.True(t, dom.Match, "containment still counts as a match")
	assert.InDelta(t, 0.6, dom.Confidence, 1e-9, "bounded by the heuristic, not the extractor")
	assert.LessOrEqual(t, name.Confidence, 0.6, "the fused field inherits the capped signal")

	email := out.FieldDecisions[1]
	require.Len(t, email.ContributingSignals, 1)
	assert.InDelta(t, 0.95, email.ContributingSignals[0].Confidence, 1e-9)
}

func TestRunRow_OCRDisabledPerField(t *testing.T) {
	ocr := &stubAgent{role: model.RoleOCRSpecialist, fn: func(context.Context, model.Task) (model.Outcome, error) {
		return model.Outcome{}, nil
	}}
	h := newHarness(t, func(s *setup) {
		s.extra = append(s.extra, ocr)
		s.values = map[string]string{"name": "Acme"}
	})
	off := false
	h.plan.Fields[1].OCR = &off

	h.o.RunRow(context.Background(), "run-1", h.plan, testRow(0, "42"))
	assert.Zero(t, ocr.calls.Load())
}

func TestRunRow_FatalExtractionFailsRow(t *testing.T) {
	h := newHarness(t)
	h.ext.fn = func(context.Context, model.Task) (model.Outcome, error) {
		return model.Outcome{}, resilience.NewConfigurationError("selector %q does not compile", "[[")
	}

	out := h.o.RunRow(context.Background(), "run-1", h.plan, testRow(0, "42"))

	assert.True(t, out.Failed())
	assert.False(t, out.OverallMatch)
	require.NotEmpty(t, out.Errors)
	assert.Equal(t, model.RowExtracting, out.Errors[0].Phase)
}

func TestRunRow_ValidatorFailureDegradesToExtraction(t *testing.T) {
	failing := &stubAgent{role: model.RoleValidator, fn: func(context.Context, model.Task) (model.Outcome, error) {
		return model.Outcome{}, resilience.NewFatalError(errors.New("model refused"), 0)
	}}
	h := newHarness(t, func(s *setup) { s.validator = failing })

	out := h.o.RunRow(context.Background(), "run-1", h.plan, testRow(0, "42"))

	assert.Equal(t, model.RowDone, out.State)
	assert.True(t, out.OverallMatch, "DOM signals still match")
	require.NotEmpty(t, out.Errors)
	for _, e := range out.Errors {
		assert.Equal(t, model.RowValidating, e.Phase)
	}
	for _, d := range out.FieldDecisions {
		for _, s := range d.ContributingSignals {
			assert.NotEqual(t, model.SourceSemantic, s.Source)
		}
	}
}

func TestRunRow_EvidenceFailureIsWarning(t *testing.T) {
	broken := &stubAgent{role: model.RoleEvidenceCollector, fn: func(context.Context, model.Task) (model.Outcome, error) {
		return model.Outcome{}, resilience.NewFatalError(errors.New("disk full"), 0)
	}}
	h := newHarness(t, func(s *setup) { s.evidence = broken })

	out := h.o.RunRow(context.Background(), "run-1", h.plan, testRow(0, "42"))

	assert.Equal(t, model.RowDone, out.State)
	assert.True(t, out.OverallMatch)
	assert.Empty(t, out.EvidenceRef)
	assert.Empty(t, out.Errors)
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], "disk full")
}

func TestRunRow_DeadLettersFailedRows(t *testing.T) {
	h := newHarness(t, func(s *setup) { s.cfg.DeadLetter = true })
	h.nav.fn = func(context.Context, model.Task) (model.Outcome, error) {
		return model.Outcome{}, resilience.NewTransientError(errors.New("connection reset"), 0)
	}
	ctx := context.Background()

	out := h.o.RunRow(ctx, "run-1", h.plan, testRow(0, "42"))
	require.True(t, out.Failed())

	n, err := h.st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	entries, err := h.st.DequeueDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "transient", entries[0].ErrorType)
	assert.Equal(t, "run-1", entries[0].RunID)
}

func TestRunRow_CanceledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := h.o.RunRow(ctx, "run-1", h.plan, testRow(0, "42"))

	assert.True(t, out.Failed())
	assert.Equal(t, "canceled", out.Errors[0].Kind)
	assert.Zero(t, h.nav.calls.Load())
}
