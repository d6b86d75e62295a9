package orchestrator

import "github.com/sells-group/webcheck/internal/model"

// Tally accumulates a run summary as outcomes stream by. The zero value is
// ready to use.
type Tally struct {
	s       model.RunSummary
	confSum float64
}

// Add counts one outcome. Failed rows count as neither matched nor
// mismatched and contribute zero confidence.
func (t *Tally) Add(o *model.RowOutcome) {
	t.s.Total++
	t.s.Warnings += len(o.Warnings)
	switch {
	case o.Failed():
		t.s.Failed++
		return
	case o.OverallMatch:
		t.s.Matched++
	default:
		t.s.Mismatched++
	}
	if o.MeetsThreshold {
		t.s.AboveThreshold++
	}
	t.confSum += o.OverallConfidence
}

// Summary returns the totals so far. PassRate is matched rows over all
// rows and is zero for an empty run.
func (t *Tally) Summary() model.RunSummary {
	s := t.s
	if s.Total > 0 {
		s.MeanConfidence = t.confSum / float64(s.Total)
		s.PassRate = float64(s.Matched) / float64(s.Total)
	}
	return s
}

// Summarize tallies a complete set of outcomes.
func Summarize(outcomes []*model.RowOutcome) model.RunSummary {
	var t Tally
	for _, o := range outcomes {
		t.Add(o)
	}
	return t.Summary()
}
