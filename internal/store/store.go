// Package store persists validation runs, finalized row outcomes and the
// dead-letter queue.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/resilience"
)

// ErrNotFound is returned when a run or DLQ entry does not exist.
var ErrNotFound = errors.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status   model.RunStatus `json:"status,omitempty"`
	PlanName string          `json:"plan_name,omitempty"`
	Limit    int             `json:"limit,omitempty"`
	Offset   int             `json:"offset,omitempty"`
}

// RowStats aggregates persisted row outcomes over a time window.
type RowStats struct {
	Total          int     `json:"total"`
	Matched        int     `json:"matched"`
	Failed         int     `json:"failed"`
	MeanConfidence float64 `json:"mean_confidence"`
}

// FailureRate returns Failed/Total, or 0 for an empty window.
func (s RowStats) FailureRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Failed) / float64(s.Total)
}

// Store defines the persistence interface for validation runs.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, source, planName string) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	CompleteRun(ctx context.Context, runID string, status model.RunStatus, summary *model.RunSummary) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Row outcomes
	SaveRowOutcome(ctx context.Context, outcome *model.RowOutcome) error
	ListRowOutcomes(ctx context.Context, runID string) ([]model.RowOutcome, error)
	RowStats(ctx context.Context, since time.Time) (RowStats, error)

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func summaryOf(outcome *model.RowOutcome) (matched, failed bool) {
	return outcome.OverallMatch && !outcome.Failed(), outcome.Failed()
}

// Open constructs the Store named by driver and runs its migration.
// Supported drivers are "sqlite", "postgres" and "memory".
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	var (
		s   Store
		err error
	)
	switch driver {
	case "sqlite", "":
		s, err = NewSQLite(dsn)
	case "postgres":
		s, err = NewPostgres(ctx, dsn, nil)
	case "memory":
		s = NewMemory()
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}
