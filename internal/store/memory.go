package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/resilience"
)

type memOutcome struct {
	outcome model.RowOutcome
	savedAt time.Time
}

// MemoryStore is an in-process Store used by offline runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[string]*model.Run
	outcomes map[string]map[int]memOutcome
	dlq      map[string]resilience.DLQEntry
	nowFunc  func() time.Time
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[string]*model.Run),
		outcomes: make(map[string]map[int]memOutcome),
		dlq:      make(map[string]resilience.DLQEntry),
		nowFunc:  time.Now,
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateRun(_ context.Context, source, planName string) (*model.Run, error) {
	now := m.nowFunc().UTC()
	r := &model.Run{
		ID:        uuid.New().String(),
		Source:    source,
		PlanName:  planName,
		Status:    model.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = r
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpdateRunStatus(_ context.Context, runID string, status model.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	r.Status = status
	r.UpdatedAt = m.nowFunc().UTC()
	return nil
}

func (m *MemoryStore) CompleteRun(_ context.Context, runID string, status model.RunStatus, summary *model.RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	r.Status = status
	if summary != nil {
		s := *summary
		r.Summary = &s
	}
	r.UpdatedAt = m.nowFunc().UTC()
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, runID string) (*model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]model.Run, error) {
	m.mu.RLock()
	var runs []model.Run
	for _, r := range m.runs {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.PlanName != "" && r.PlanName != filter.PlanName {
			continue
		}
		runs = append(runs, *r)
	}
	m.mu.RUnlock()

	slices.SortFunc(runs, func(a, b model.Run) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(runs) {
			return nil, nil
		}
		runs = runs[filter.Offset:]
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (m *MemoryStore) SaveRowOutcome(_ context.Context, o *model.RowOutcome) error {
	if o == nil {
		return eris.New("memory: nil row outcome")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byRow, ok := m.outcomes[o.RunID]
	if !ok {
		byRow = make(map[int]memOutcome)
		m.outcomes[o.RunID] = byRow
	}
	byRow[o.RowIndex] = memOutcome{outcome: *o, savedAt: m.nowFunc()}
	return nil
}

func (m *MemoryStore) ListRowOutcomes(_ context.Context, runID string) ([]model.RowOutcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byRow := m.outcomes[runID]
	out := make([]model.RowOutcome, 0, len(byRow))
	for _, mo := range byRow {
		out = append(out, mo.outcome)
	}
	slices.SortFunc(out, func(a, b model.RowOutcome) int { return a.RowIndex - b.RowIndex })
	return out, nil
}

func (m *MemoryStore) RowStats(_ context.Context, since time.Time) (RowStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var st RowStats
	var sum float64
	for _, byRow := range m.outcomes {
		for _, mo := range byRow {
			if mo.savedAt.Before(since) {
				continue
			}
			st.Total++
			matched, failed := summaryOf(&mo.outcome)
			if matched {
				st.Matched++
			}
			if failed {
				st.Failed++
			}
			sum += mo.outcome.OverallConfidence
		}
	}
	if st.Total > 0 {
		st.MeanConfidence = sum / float64(st.Total)
	}
	return st, nil
}

func (m *MemoryStore) EnqueueDLQ(_ context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dlq[entry.ID] = entry
	return nil
}

func (m *MemoryStore) DequeueDLQ(_ context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	now := m.nowFunc()
	m.mu.RLock()
	var entries []resilience.DLQEntry
	for _, e := range m.dlq {
		if now.Before(e.NextRetryAt) || e.RetryCount >= e.MaxRetries {
			continue
		}
		if filter.ErrorType != "" && e.ErrorType != filter.ErrorType {
			continue
		}
		if filter.RunID != "" && e.RunID != filter.RunID {
			continue
		}
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	slices.SortFunc(entries, func(a, b resilience.DLQEntry) int {
		if c := a.NextRetryAt.Compare(b.NextRetryAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (m *MemoryStore) IncrementDLQRetry(_ context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.dlq[id]
	if !ok {
		return eris.Wrapf(ErrNotFound, "dlq_entry %s", id)
	}
	e.RetryCount++
	e.NextRetryAt = nextRetryAt
	e.Error = lastErr
	e.LastFailedAt = m.nowFunc()
	m.dlq[id] = e
	return nil
}

func (m *MemoryStore) RemoveDLQ(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dlq, id)
	return nil
}

func (m *MemoryStore) CountDLQ(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.dlq), nil
}
