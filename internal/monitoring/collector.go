package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/webcheck/internal/metrics"
	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/resilience"
	"github.com/sells-group/webcheck/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Row metrics (within lookback window).
	RowsTotal      int     `json:"rows_total"`
	RowsMatched    int     `json:"rows_matched"`
	RowsFailed     int     `json:"rows_failed"`
	RowFailRate    float64 `json:"row_fail_rate"`
	MeanConfidence float64 `json:"mean_confidence"`

	// Runs currently marked running.
	RunsRunning int `json:"runs_running"`

	// Roles whose circuit is open or half-open.
	OpenCircuits []string `json:"open_circuits,omitempty"`

	// DLQ depth.
	DLQDepth int `json:"dlq_depth"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// CircuitSource reports per-role circuit states.
type CircuitSource interface {
	States() map[model.Role]resilience.CircuitState
}

// Collector gathers health metrics from the store and the live circuits.
type Collector struct {
	store    store.Store
	circuits CircuitSource
	metrics  *metrics.Collector
	nowFunc  func() time.Time
}

// NewCollector creates a new health collector. circuits and m may be nil.
func NewCollector(st store.Store, circuits CircuitSource, m *metrics.Collector) *Collector {
	return &Collector{store: st, circuits: circuits, metrics: m, nowFunc: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.nowFunc().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	stats, err := c.store.RowStats(ctx, now.Add(-time.Duration(lookbackHours)*time.Hour))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: row stats")
	}
	snap.RowsTotal = stats.Total
	snap.RowsMatched = stats.Matched
	snap.RowsFailed = stats.Failed
	snap.RowFailRate = stats.FailureRate()
	snap.MeanConfidence = stats.MeanConfidence

	running, err := c.store.ListRuns(ctx, store.RunFilter{Status: model.RunStatusRunning, Limit: 1000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	snap.RunsRunning = len(running)

	if c.circuits != nil {
		for role, state := range c.circuits.States() {
			if state != resilience.CircuitClosed {
				snap.OpenCircuits = append(snap.OpenCircuits, string(role))
			}
		}
		sort.Strings(snap.OpenCircuits)
	}

	depth, err := c.store.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	snap.DLQDepth = depth
	c.metrics.SetDLQDepth(depth)

	return snap, nil
}
