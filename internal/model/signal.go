package model

// SignalSource identifies where a field signal came from.
type SignalSource string

const (
	SourceDOM      SignalSource = "dom"
	SourceOCR      SignalSource = "ocr"
	SourceSemantic SignalSource = "semantic"
)

// FieldSignal is one extraction or judgment result for a field. Match
// carries the signal's verdict on whether the observed value equals the
// input value.
type FieldSignal struct {
	Field      string       `json:"field"`
	Source     SignalSource `json:"source"`
	Value      string       `json:"value"`
	Match      bool         `json:"match"`
	Confidence float64      `json:"confidence"`
	Reasoning  string       `json:"reasoning,omitempty"`
}

// FieldDecision is the fused verdict for one field mapping.
type FieldDecision struct {
	Field               string        `json:"field"`
	Required            bool          `json:"required"`
	Expected            string        `json:"expected"`
	Observed            string        `json:"observed"`
	Match               bool          `json:"match"`
	Confidence          float64       `json:"confidence"`
	ContributingSignals []FieldSignal `json:"contributing_signals"`
	Reasoning           string        `json:"reasoning"`
}
