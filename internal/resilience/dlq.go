package resilience

import (
	"time"
)

// DLQEntry represents a failed row that can be replayed later.
type DLQEntry struct {
	ID           string            `json:"id"`
	RunID        string            `json:"run_id"`
	RowIndex     int               `json:"row_index"`
	RowID        string            `json:"row_id"`
	Row          map[string]string `json:"row"`
	TargetURL    string            `json:"target_url,omitempty"`
	Error        string            `json:"error"`
	ErrorType    string            `json:"error_type"` // "transient" or "permanent"
	FailedPhase  string            `json:"failed_phase,omitempty"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	NextRetryAt  time.Time         `json:"next_retry_at"`
	CreatedAt    time.Time         `json:"created_at"`
	LastFailedAt time.Time         `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	RunID     string `json:"run_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry returns true if this entry is transient and hasn't exceeded its
// max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.ErrorType != "permanent" && e.RetryCount < e.MaxRetries
}

// Due reports whether the entry may be replayed at now.
func (e *DLQEntry) Due(now time.Time) bool {
	return e.CanRetry() && !now.Before(e.NextRetryAt)
}

// ScheduleNext records another failed replay and pushes NextRetryAt out by
// the backoff for the new retry count.
func (e *DLQEntry) ScheduleNext(now time.Time, cfg RetryConfig, errMsg string) {
	cfg = applyDefaults(cfg)
	cfg.JitterFraction = 0
	e.RetryCount++
	e.Error = errMsg
	e.LastFailedAt = now
	e.NextRetryAt = now.Add(computeBackoff(e.RetryCount, cfg))
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	switch Classify(err) {
	case KindRecoverable, KindRejected:
		return "transient"
	default:
		return "permanent"
	}
}
