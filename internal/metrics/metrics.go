// Package metrics exposes Prometheus instrumentation for task dispatch,
// circuit breakers, the concurrency limiter and finalized rows.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/resilience"
)

// Namespace prefixes every metric name.
const Namespace = "webcheck"

// Collector records orchestration metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	tasksTotal      *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	admissionWait   *prometheus.HistogramVec
	leasesRevoked   *prometheus.CounterVec
	circuitState    *prometheus.GaugeVec
	circuitChanges  *prometheus.CounterVec
	rowsTotal       *prometheus.CounterVec
	rowConfidence   prometheus.Histogram
	fieldConfidence *prometheus.HistogramVec
	dlqDepth        prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector registers all metrics with reg. Tests pass a fresh
// prometheus.NewRegistry(); the CLI passes the registry it serves on /metrics.
func NewCollector(reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := promauto.With(reg)
	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.tasksTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tasks_total",
			Help:      "Agent task attempts by role and result",
		},
		[]string{"role", "result"},
	)

	c.taskDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "task_duration_seconds",
			Help:      "Agent task execution time in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"role"},
	)

	c.retriesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "task_retries_total",
			Help:      "Tasks re-dispatched after a recoverable failure",
		},
		[]string{"role"},
	)

	c.admissionWait = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "limiter_admission_wait_seconds",
			Help:      "Time spent queued for a concurrency lease",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 9),
		},
		[]string{"role"},
	)

	c.leasesRevoked = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "limiter_leases_revoked_total",
			Help:      "Leases revoked after the task timeout",
		},
		[]string{"role"},
	)

	c.circuitState = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state per role (0 closed, 1 open, 2 half-open)",
		},
		[]string{"role"},
	)

	c.circuitChanges = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"role", "to"},
	)

	c.rowsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rows_total",
			Help:      "Finalized rows by terminal state and match",
		},
		[]string{"state", "match"},
	)

	c.rowConfidence = f.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "row_confidence",
			Help:      "Overall confidence of finalized rows",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		},
	)

	c.fieldConfidence = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "field_confidence",
			Help:      "Fused field confidence by match outcome",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		},
		[]string{"match"},
	)

	c.dlqDepth = f.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "dlq_depth",
			Help:      "Entries in the dead-letter queue",
		},
	)

	c.httpRequests = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_requests_total",
			Help:      "Requests served by the status server",
		},
		[]string{"method", "path", "status"},
	)

	c.httpDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Status server request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	return c
}

// RecordTask records one finished task attempt. result is "ok" or the
// failure kind name.
func (c *Collector) RecordTask(role model.Role, kind resilience.FailureKind, d time.Duration) {
	if c == nil {
		return
	}
	result := "ok"
	if kind != resilience.KindNone {
		result = kind.String()
	}
	c.tasksTotal.WithLabelValues(string(role), result).Inc()
	c.taskDuration.WithLabelValues(string(role)).Observe(d.Seconds())
}

// RecordRetry counts one re-dispatch.
func (c *Collector) RecordRetry(role model.Role) {
	if c == nil {
		return
	}
	c.retriesTotal.WithLabelValues(string(role)).Inc()
}

// RecordAdmission records time spent waiting for a lease.
func (c *Collector) RecordAdmission(role model.Role, wait time.Duration) {
	if c == nil {
		return
	}
	c.admissionWait.WithLabelValues(string(role)).Observe(wait.Seconds())
}

// RecordRevoked counts a revoked lease.
func (c *Collector) RecordRevoked(role model.Role) {
	if c == nil {
		return
	}
	c.leasesRevoked.WithLabelValues(string(role)).Inc()
}

// RecordCircuit records a breaker transition.
func (c *Collector) RecordCircuit(role model.Role, from, to resilience.CircuitState) {
	if c == nil {
		return
	}
	c.circuitState.WithLabelValues(string(role)).Set(float64(to))
	c.circuitChanges.WithLabelValues(string(role), to.String()).Inc()
	c.logger.Debug("circuit transition",
		zap.String("role", string(role)),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

// RecordRow records a finalized row outcome.
func (c *Collector) RecordRow(o *model.RowOutcome) {
	if c == nil || o == nil {
		return
	}
	c.rowsTotal.WithLabelValues(string(o.State), strconv.FormatBool(o.OverallMatch)).Inc()
	c.rowConfidence.Observe(o.OverallConfidence)
	for _, d := range o.FieldDecisions {
		c.fieldConfidence.WithLabelValues(strconv.FormatBool(d.Match)).Observe(d.Confidence)
	}
}

// SetDLQDepth publishes the current dead-letter queue size.
func (c *Collector) SetDLQDepth(n int) {
	if c == nil {
		return
	}
	c.dlqDepth.Set(float64(n))
}

// RecordHTTPRequest records one request served by the status server.
func (c *Collector) RecordHTTPRequest(method, path string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
