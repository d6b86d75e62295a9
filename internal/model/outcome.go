package model

import "time"

// RowState is the position of a row in the validation pipeline.
type RowState string

const (
	RowPending            RowState = "pending"
	RowNavigating         RowState = "navigating"
	RowExtracting         RowState = "extracting"
	RowValidating         RowState = "validating"
	RowCollectingEvidence RowState = "collecting_evidence"
	RowDone               RowState = "done"
	RowFailed             RowState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s RowState) Terminal() bool {
	return s == RowDone || s == RowFailed
}

// RowError records a failure attached to a row.
type RowError struct {
	Phase   RowState `json:"phase"`
	Role    Role     `json:"role,omitempty"`
	Kind    string   `json:"kind"`
	Message string   `json:"message"`
}

// RetryRecord is one failed attempt that the retry policy looked at.
type RetryRecord struct {
	TaskID  string        `json:"task_id"`
	Role    Role          `json:"role"`
	Attempt int           `json:"attempt"`
	Kind    string        `json:"kind"`
	Error   string        `json:"error"`
	Retried bool          `json:"retried"`
	Delay   time.Duration `json:"delay"`
}

// RowOutcome is the finalized result for one row.
type RowOutcome struct {
	RunID             string            `json:"run_id,omitempty"`
	RowIndex          int               `json:"row_index"`
	RowID             string            `json:"row_id"`
	TargetURL         string            `json:"target_url,omitempty"`
	State             RowState          `json:"state"`
	FieldDecisions    []FieldDecision   `json:"field_decisions"`
	OverallMatch      bool              `json:"overall_match"`
	OverallConfidence float64           `json:"overall_confidence"`
	MeetsThreshold    bool              `json:"meets_threshold"`
	EvidenceRef       string            `json:"evidence_ref,omitempty"`
	Navigation        *NavigationResult `json:"navigation,omitempty"`
	Errors            []RowError        `json:"errors,omitempty"`
	Warnings          []string          `json:"warnings,omitempty"`
	RetryHistory      []RetryRecord     `json:"retry_history,omitempty"`
	StartedAt         time.Time         `json:"started_at"`
	Duration          time.Duration     `json:"duration"`
}

// Failed reports whether the row ended in the Failed state.
func (o *RowOutcome) Failed() bool {
	return o.State == RowFailed
}

// RunStatus represents the lifecycle state of a validation run.
type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusComplete    RunStatus = "complete"
	RunStatusFailed      RunStatus = "failed"
	RunStatusInterrupted RunStatus = "interrupted"
)

// Run is one invocation of the validator over an input file.
type Run struct {
	ID        string      `json:"id"`
	Source    string      `json:"source"`
	PlanName  string      `json:"plan_name"`
	Status    RunStatus   `json:"status"`
	Summary   *RunSummary `json:"summary,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// RunSummary aggregates row outcomes. PassRate counts only rows whose
// overall match was true.
type RunSummary struct {
	Total          int     `json:"total"`
	Matched        int     `json:"matched"`
	Mismatched     int     `json:"mismatched"`
	Failed         int     `json:"failed"`
	AboveThreshold int     `json:"above_threshold"`
	MeanConfidence float64 `json:"mean_confidence"`
	PassRate       float64 `json:"pass_rate"`
	Warnings       int     `json:"warnings"`
}

// ResourceUsageSnapshot is a point-in-time view of one role's resource use.
type ResourceUsageSnapshot struct {
	Role           Role  `json:"role"`
	ActiveCount    int   `json:"active_count"`
	QueuedCount    int   `json:"queued_count"`
	Handles        int   `json:"handles"`
	MemoryEstimate int64 `json:"memory_estimate"`
}
