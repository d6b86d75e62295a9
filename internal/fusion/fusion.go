// Package fusion combines DOM, OCR and semantic signals into one decision
// per field and an aggregate per row.
package fusion

import (
	"fmt"
	"math"
	"sort"

	"github.com/sells-group/webcheck/internal/model"
)

const (
	// DisagreementFactor scales the winning confidence when DOM and OCR
	// signals disagree on the match.
	DisagreementFactor = 0.5

	// DOMWeight and OCRWeight rank structural and optical signals in the
	// weighted maximum.
	DOMWeight = 1.0
	OCRWeight = 0.9

	// ReasonNoSignal is the reasoning of a field with nothing to go on.
	ReasonNoSignal = "no extraction signal"
)

// Config holds the thresholds the engine applies.
type Config struct {
	MinimumField   float64
	MinimumOverall float64
}

// Engine is the confidence fusion engine. It holds no mutable state.
type Engine struct {
	cfg Config
}

// New creates an Engine.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Fuse produces the decision for one field mapping from its signals. The
// result depends only on the set of signals, not their order.
func (e *Engine) Fuse(m model.FieldMapping, expected string, signals []model.FieldSignal) model.FieldDecision {
	d := model.FieldDecision{
		Field:    m.Field,
		Required: m.Required,
		Expected: expected,
	}

	var dom, ocr, sem []model.FieldSignal
	for _, s := range signals {
		if s.Field != "" && s.Field != m.Field {
			continue
		}
		s.Field = m.Field
		s.Confidence = clamp(s.Confidence)
		switch s.Source {
		case model.SourceDOM:
			dom = append(dom, s)
		case model.SourceOCR:
			ocr = append(ocr, s)
		case model.SourceSemantic:
			sem = append(sem, s)
		}
	}
	d.ContributingSignals = sortedSignals(dom, ocr, sem)

	bestDOM, hasDOM := best(dom)
	bestOCR, hasOCR := best(ocr)
	bestSem, hasSem := best(sem)

	switch {
	case hasDOM && hasOCR:
		if weighted(bestOCR) > weighted(bestDOM) {
			d.Observed = bestOCR.Value
		} else {
			d.Observed = bestDOM.Value
		}
	case hasDOM:
		d.Observed = bestDOM.Value
	case hasOCR:
		d.Observed = bestOCR.Value
	case hasSem:
		d.Observed = bestSem.Value
	}

	if hasSem && bestSem.Confidence >= e.cfg.MinimumField {
		d.Match = bestSem.Match
		d.Confidence = bestSem.Confidence
		d.Reasoning = bestSem.Reasoning
		if d.Reasoning == "" {
			d.Reasoning = "semantic judgment"
		}
		return d
	}

	if !hasDOM && !hasOCR {
		d.Reasoning = ReasonNoSignal
		if hasSem {
			d.Reasoning = fmt.Sprintf("%s (semantic confidence %.2f below %.2f)",
				ReasonNoSignal, bestSem.Confidence, e.cfg.MinimumField)
		}
		return d
	}

	winner, loser, hasLoser := bestDOM, bestOCR, hasOCR
	if !hasDOM || (hasOCR && weighted(bestOCR) > weighted(bestDOM)) {
		winner, loser, hasLoser = bestOCR, bestDOM, hasDOM
	}

	d.Match = winner.Match
	d.Confidence = weighted(winner)
	d.Reasoning = fmt.Sprintf("%s signal wins at %.2f", winner.Source, d.Confidence)
	if hasLoser && loser.Match != winner.Match {
		d.Confidence *= DisagreementFactor
		d.Reasoning = fmt.Sprintf("%s signal wins at %.2f; %s disagrees, penalized to %.2f",
			winner.Source, weighted(winner), loser.Source, d.Confidence)
	}
	if hasSem {
		d.Reasoning += fmt.Sprintf("; semantic confidence %.2f below %.2f ignored", bestSem.Confidence, e.cfg.MinimumField)
	}
	return d
}

// Aggregate is the row-level result of a set of field decisions.
type Aggregate struct {
	OverallMatch      bool
	OverallConfidence float64
	MeetsThreshold    bool
}

// Aggregate combines field decisions. OverallMatch holds iff every required
// field matched; with no required fields at least one field must match.
// OverallConfidence is the mean over all fields, required or not.
func (e *Engine) Aggregate(decisions []model.FieldDecision) Aggregate {
	if len(decisions) == 0 {
		return Aggregate{}
	}

	var sum float64
	var anyRequired, anyMatch bool
	allRequired := true
	for _, d := range decisions {
		sum += d.Confidence
		if d.Match {
			anyMatch = true
		}
		if d.Required {
			anyRequired = true
			if !d.Match {
				allRequired = false
			}
		}
	}

	a := Aggregate{OverallConfidence: sum / float64(len(decisions))}
	if anyRequired {
		a.OverallMatch = allRequired
	} else {
		a.OverallMatch = anyMatch
	}
	a.MeetsThreshold = a.OverallMatch && a.OverallConfidence >= e.cfg.MinimumOverall
	return a
}

// Observed returns the DOM or OCR signal fusion would rank highest, which
// is the value handed to the semantic validator.
func Observed(signals []model.FieldSignal) (model.FieldSignal, bool) {
	var dom, ocr []model.FieldSignal
	for _, s := range signals {
		switch s.Source {
		case model.SourceDOM:
			dom = append(dom, s)
		case model.SourceOCR:
			ocr = append(ocr, s)
		}
	}
	bestDOM, hasDOM := best(dom)
	bestOCR, hasOCR := best(ocr)
	switch {
	case hasDOM && hasOCR:
		if weighted(bestOCR) > weighted(bestDOM) {
			return bestOCR, true
		}
		return bestDOM, true
	case hasDOM:
		return bestDOM, true
	default:
		return bestOCR, hasOCR
	}
}

func weighted(s model.FieldSignal) float64 {
	switch s.Source {
	case model.SourceOCR:
		return s.Confidence * OCRWeight
	default:
		return s.Confidence * DOMWeight
	}
}

// less orders signals by descending confidence, then non-match first, then
// value, so selection never depends on input order.
func less(a, b model.FieldSignal) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Match != b.Match {
		return !a.Match
	}
	if a.Value != b.Value {
		return a.Value < b.Value
	}
	return a.Reasoning < b.Reasoning
}

func best(signals []model.FieldSignal) (model.FieldSignal, bool) {
	if len(signals) == 0 {
		return model.FieldSignal{}, false
	}
	b := signals[0]
	for _, s := range signals[1:] {
		if less(s, b) {
			b = s
		}
	}
	return b, true
}

func sortedSignals(groups ...[]model.FieldSignal) []model.FieldSignal {
	var out []model.FieldSignal
	for _, g := range groups {
		sorted := append([]model.FieldSignal(nil), g...)
		sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
		out = append(out, sorted...)
	}
	return out
}

func clamp(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
