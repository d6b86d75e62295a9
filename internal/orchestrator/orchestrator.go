// Package orchestrator drives rows through navigation, extraction,
// validation and evidence collection on top of the agent pool, the
// concurrency limiter, per-role circuit breakers and the retry policy.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/webcheck/internal/agent"
	"github.com/sells-group/webcheck/internal/fusion"
	"github.com/sells-group/webcheck/internal/judge"
	"github.com/sells-group/webcheck/internal/limiter"
	"github.com/sells-group/webcheck/internal/metrics"
	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/resilience"
	"github.com/sells-group/webcheck/internal/resource"
)

// Config holds orchestrator settings.
type Config struct {
	// OCRThreshold is the DOM confidence below which OCR is attempted.
	OCRThreshold float64
	// ParallelWorkers bounds how many rows run at once. Default: 1.
	ParallelWorkers int
	// RowTimeout bounds one row end to end. Zero means no bound.
	RowTimeout time.Duration
	// RecordTimeout bounds persisting a finalized row. Default: 10s.
	RecordTimeout time.Duration
	// ShutdownTimeout is how long Shutdown waits for rows before canceling
	// them. Default: 30s.
	ShutdownTimeout time.Duration
	// DeadLetter queues failed rows for replay.
	DeadLetter bool
}

// Deps are the collaborators an Orchestrator coordinates. Pool, Limiter,
// Policy and Fusion are required.
type Deps struct {
	Pool      *agent.Pool
	Limiter   *limiter.Limiter
	Breakers  *resilience.RoleBreakers
	Policy    *resilience.Policy
	Fusion    *fusion.Engine
	Resources *resource.Registry
	Metrics   *metrics.Collector
	Heuristic judge.Heuristic
}

// Orchestrator is the task orchestrator. It is safe for concurrent use.
type Orchestrator struct {
	cfg       Config
	pool      *agent.Pool
	limiter   *limiter.Limiter
	breakers  *resilience.RoleBreakers
	policy    *resilience.Policy
	fusion    *fusion.Engine
	resources *resource.Registry
	metrics   *metrics.Collector
	heuristic judge.Heuristic
	log       *zap.Logger

	rows *tracker

	// stopCtx ends when Shutdown stops admitting rows; hardCtx ends when
	// in-flight rows are canceled.
	stopCtx    context.Context
	stopFn     context.CancelFunc
	hardCtx    context.Context
	hardCancel context.CancelFunc

	shutdownOnce sync.Once
	shuttingDown atomic.Bool

	sleep   func(ctx context.Context, d time.Duration) error
	nowFunc func() time.Time
}

// New creates an Orchestrator. log may be nil.
func New(cfg Config, deps Deps, log *zap.Logger) (*Orchestrator, error) {
	switch {
	case deps.Pool == nil:
		return nil, resilience.NewConfigurationError("orchestrator: agent pool is required")
	case deps.Limiter == nil:
		return nil, resilience.NewConfigurationError("orchestrator: limiter is required")
	case deps.Policy == nil:
		return nil, resilience.NewConfigurationError("orchestrator: retry policy is required")
	case deps.Fusion == nil:
		return nil, resilience.NewConfigurationError("orchestrator: fusion engine is required")
	}
	for _, role := range []model.Role{model.RoleNavigator, model.RoleExtractor} {
		if !deps.Pool.Has(role) {
			return nil, resilience.NewConfigurationError("orchestrator: no %s agent registered", role)
		}
	}

	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ParallelWorkers <= 0 {
		cfg.ParallelWorkers = 1
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if deps.Breakers == nil {
		deps.Breakers = resilience.NewRoleBreakers(resilience.DefaultCircuitBreakerConfig(), nil)
	}
	if deps.Resources == nil {
		deps.Resources = resource.NewRegistry(deps.Limiter, log)
	}
	if deps.Metrics != nil {
		deps.Limiter.OnRevoke(deps.Metrics.RecordRevoked)
	}

	o := &Orchestrator{
		cfg:       cfg,
		pool:      deps.Pool,
		limiter:   deps.Limiter,
		breakers:  deps.Breakers,
		policy:    deps.Policy,
		fusion:    deps.Fusion,
		resources: deps.Resources,
		metrics:   deps.Metrics,
		heuristic: deps.Heuristic,
		log:       log.With(zap.String("component", "orchestrator")),
		rows:      newTracker(),
		sleep:     resilience.Sleep,
		nowFunc:   time.Now,
	}
	o.stopCtx, o.stopFn = context.WithCancel(context.Background())
	o.hardCtx, o.hardCancel = context.WithCancel(context.Background())
	return o, nil
}

// attempt makes one dispatch of task: circuit check, limiter admission,
// then the pool. The lease is released before attempt returns.
func (o *Orchestrator) attempt(ctx context.Context, task model.Task) (model.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return model.Outcome{}, eris.Wrapf(err, "orchestrator: %s task %s", task.Role, task.ID)
	}
	ticket, err := o.breakers.Get(task.Role).Allow()
	if err != nil {
		return model.Outcome{}, err
	}

	start := o.nowFunc()
	lease, err := o.limiter.Admit(ctx, task.Role)
	if err != nil {
		ticket.Done(err)
		return model.Outcome{}, err
	}
	defer lease.Release()
	o.metrics.RecordAdmission(task.Role, o.nowFunc().Sub(start))

	out, err := o.pool.Dispatch(lease.Context(), task)
	err = lease.Err(err)
	ticket.Done(err)
	return out, err
}

// Status is a point-in-time view of the orchestrator and what it holds.
type Status struct {
	Agents       []model.AgentDescriptor       `json:"agents"`
	Circuits     []resilience.CircuitSnapshot  `json:"circuits"`
	Resources    []model.ResourceUsageSnapshot `json:"resources"`
	Limits       []limiter.RoleStats           `json:"limits"`
	RowsInFlight int                           `json:"rows_in_flight"`
	ShuttingDown bool                          `json:"shutting_down"`
}

// Status reports agent descriptors, circuit states, resource use and
// limiter queues.
func (o *Orchestrator) Status() Status {
	st := Status{
		Agents:       o.pool.Descriptors(),
		Circuits:     o.breakers.Snapshots(),
		Resources:    o.resources.Snapshots(),
		RowsInFlight: o.rows.active(),
		ShuttingDown: o.shuttingDown.Load(),
	}
	for _, role := range model.AllRoles() {
		if o.pool.Has(role) {
			st.Limits = append(st.Limits, o.limiter.Stats(role))
		}
	}
	return st
}

// Shutdown stops admitting rows, waits up to the shutdown timeout for rows
// in flight, cancels whatever is left and releases every resource. Only the
// first call does the work; later and concurrent calls wait for it and
// return nil.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var err error
	o.shutdownOnce.Do(func() { err = o.drain(ctx) })
	return err
}

func (o *Orchestrator) drain(ctx context.Context) error {
	o.shuttingDown.Store(true)
	o.log.Info("orchestrator: shutting down", zap.Int("rows_in_flight", o.rows.active()))
	o.stopFn()
	quiet := o.rows.stop()

	timer := time.NewTimer(o.cfg.ShutdownTimeout)
	defer timer.Stop()

	grace := o.cfg.ShutdownTimeout / 4
	if grace < time.Second {
		grace = time.Second
	}

	select {
	case <-quiet:
	case <-timer.C:
		o.log.Warn("orchestrator: shutdown timeout, canceling rows",
			zap.Duration("timeout", o.cfg.ShutdownTimeout),
			zap.Int("rows_in_flight", o.rows.active()),
		)
		o.hardCancel()
	case <-ctx.Done():
		o.hardCancel()
	}

	graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()

	var errs []error
	select {
	case <-quiet:
	case <-graceCtx.Done():
		errs = append(errs, eris.Errorf("orchestrator: %d rows still running after cancel", o.rows.active()))
	}
	o.hardCancel()

	o.limiter.Close()
	if err := o.limiter.Wait(graceCtx); err != nil {
		errs = append(errs, err)
	}
	if err := o.pool.Drain(graceCtx); err != nil {
		errs = append(errs, err)
	}
	if err := o.resources.ReleaseAll(); err != nil {
		errs = append(errs, eris.Wrap(err, "orchestrator: release resources"))
	}

	err := errors.Join(errs...)
	if err != nil {
		o.log.Error("orchestrator: shutdown incomplete", zap.Error(err))
	} else {
		o.log.Info("orchestrator: shutdown complete")
	}
	return err
}

// tracker counts rows in flight and refuses new ones once stopped.
type tracker struct {
	mu      sync.Mutex
	n       int
	stopped bool
	quiet   chan struct{}
}

func newTracker() *tracker {
	t := &tracker{quiet: make(chan struct{})}
	close(t.quiet)
	return t
}

func (t *tracker) begin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	if t.n == 0 {
		t.quiet = make(chan struct{})
	}
	t.n++
	return true
}

func (t *tracker) end() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n--
	if t.n == 0 {
		close(t.quiet)
	}
}

// stop refuses further rows and returns a channel closed once none run.
func (t *tracker) stop() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return t.quiet
}

func (t *tracker) active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}
