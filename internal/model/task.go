package model

import (
	"time"

	"github.com/google/uuid"
)

// Task is one unit of dispatch. Tasks are never mutated after creation;
// WithAttempt returns a copy for the next retry.
type Task struct {
	ID       string    `json:"id"`
	Role     Role      `json:"role"`
	Payload  any       `json:"-"`
	Attempt  int       `json:"attempt"`
	Deadline time.Time `json:"deadline,omitzero"`
}

// NewTask creates a first-attempt task for role.
func NewTask(role Role, payload any, deadline time.Time) Task {
	return Task{
		ID:       uuid.NewString(),
		Role:     role,
		Payload:  payload,
		Deadline: deadline,
	}
}

// WithAttempt returns a copy of t for the given attempt number.
func (t Task) WithAttempt(attempt int) Task {
	t.Attempt = attempt
	return t
}

// Outcome is the uniform success result of Agent.Execute.
type Outcome struct {
	TaskID  string        `json:"task_id"`
	Role    Role          `json:"role"`
	Result  any           `json:"result,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// NavigatePayload asks the navigator to load a resolved target URL.
type NavigatePayload struct {
	URL          string
	WaitSelector string
	Row          Row
}

// ExtractPayload asks the extractor for one field from a loaded page.
type ExtractPayload struct {
	Mapping FieldMapping
	Page    *Page
}

// OCRPayload asks the OCR specialist to locate one field in the page screenshot.
type OCRPayload struct {
	Mapping  FieldMapping
	Page     *Page
	Expected string
}

// JudgePayload asks the validator whether an observed value matches the input.
type JudgePayload struct {
	Mapping  FieldMapping
	Expected string
	Observed string
}

// EvidencePayload hands artifacts to the evidence collector.
type EvidencePayload struct {
	RunID     string
	RowIndex  int
	RowID     string
	Artifacts []Artifact
}

// RecordPayload asks the coordinator to persist a finalized row. When
// DeadLetter is set a failed row is also queued for replay with its input.
type RecordPayload struct {
	RunID      string
	Row        Row
	Outcome    *RowOutcome
	DeadLetter bool
}

// AgentState is the lifecycle state of one agent instance.
type AgentState string

const (
	AgentIdle      AgentState = "idle"
	AgentBusy      AgentState = "busy"
	AgentUnhealthy AgentState = "unhealthy"
	AgentDraining  AgentState = "draining"
)

// AgentDescriptor is a point-in-time view of one agent instance.
type AgentDescriptor struct {
	Role         Role       `json:"role"`
	Instance     int        `json:"instance"`
	Capabilities []string   `json:"capabilities"`
	State        AgentState `json:"state"`
	CurrentTask  string     `json:"current_task,omitempty"`
	Completed    int64      `json:"completed"`
	Failed       int64      `json:"failed"`
	LastError    string     `json:"last_error,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
