// Package agent holds the six role agents and the pool that dispatches
// tasks to them.
package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/resilience"
)

// Agent executes tasks for one role. Each implementation wraps exactly one
// external collaborator.
type Agent interface {
	Role() model.Role
	Execute(ctx context.Context, task model.Task) (model.Outcome, error)
}

// validTransitions lists the descriptor state changes the pool performs.
var validTransitions = map[model.AgentState][]model.AgentState{
	model.AgentIdle:      {model.AgentBusy, model.AgentDraining},
	model.AgentBusy:      {model.AgentIdle, model.AgentUnhealthy, model.AgentDraining},
	model.AgentUnhealthy: {model.AgentBusy, model.AgentDraining},
	model.AgentDraining:  {},
}

// CanTransition reports whether an agent instance may move from one state to another.
func CanTransition(from, to model.AgentState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PoolConfig controls pool sizing.
type PoolConfig struct {
	// Instances is the number of instance slots per role. Default: 1.
	Instances map[model.Role]int
	// AdmissionTimeout bounds how long Dispatch waits for a free instance.
	// Zero waits until the context is done.
	AdmissionTimeout time.Duration
}

type instance struct {
	mu   sync.Mutex
	desc model.AgentDescriptor
}

func (in *instance) set(to model.AgentState, now time.Time, update func(d *model.AgentDescriptor)) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.desc.State != to && CanTransition(in.desc.State, to) {
		in.desc.State = to
	}
	if update != nil {
		update(&in.desc)
	}
	in.desc.UpdatedAt = now
}

func (in *instance) snapshot() model.AgentDescriptor {
	in.mu.Lock()
	defer in.mu.Unlock()
	d := in.desc
	d.Capabilities = append([]string(nil), in.desc.Capabilities...)
	return d
}

type worker struct {
	agent     Agent
	idle      chan *instance
	instances []*instance
}

// Pool holds one logical worker per role. A worker owns a fixed number of
// instance slots, and each slot is exclusively held by one task at a time.
type Pool struct {
	workers  map[model.Role]*worker
	cfg      PoolConfig
	log      *zap.Logger
	draining atomic.Bool
	nowFunc  func() time.Time

	mu       sync.Mutex
	inflight int
	quiet    chan struct{}
}

// NewPool creates a pool over agents. At most one agent per role is
// accepted. log may be nil.
func NewPool(agents []Agent, cfg PoolConfig, log *zap.Logger) (*Pool, error) {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{
		workers: make(map[model.Role]*worker, len(agents)),
		cfg:     cfg,
		log:     log.With(zap.String("component", "agent_pool")),
		nowFunc: time.Now,
		quiet:   make(chan struct{}),
	}
	close(p.quiet)

	now := p.nowFunc()
	for _, a := range agents {
		role := a.Role()
		if !role.Valid() {
			return nil, resilience.NewConfigurationError("agent for unknown role %q", role)
		}
		if _, dup := p.workers[role]; dup {
			return nil, resilience.NewConfigurationError("duplicate agent for role %q", role)
		}
		n := cfg.Instances[role]
		if n <= 0 {
			n = 1
		}
		w := &worker{agent: a, idle: make(chan *instance, n)}
		for i := range n {
			in := &instance{desc: model.AgentDescriptor{
				Role:         role,
				Instance:     i,
				Capabilities: role.Capabilities(),
				State:        model.AgentIdle,
				UpdatedAt:    now,
			}}
			w.instances = append(w.instances, in)
			w.idle <- in
		}
		p.workers[role] = w
	}
	return p, nil
}

// Has reports whether an agent is registered for role.
func (p *Pool) Has(role model.Role) bool {
	_, ok := p.workers[role]
	return ok
}

// Dispatch runs task on a free instance of its role. It returns the
// agent's outcome or typed failure, or ErrResourceUnavailable when no
// instance frees up within the admission window.
func (p *Pool) Dispatch(ctx context.Context, task model.Task) (model.Outcome, error) {
	w, ok := p.workers[task.Role]
	if !ok {
		return model.Outcome{}, resilience.NewConfigurationError("no agent registered for role %q", task.Role)
	}

	in, err := p.acquire(ctx, w, task)
	if err != nil {
		return model.Outcome{}, err
	}
	defer p.done()

	start := p.nowFunc()
	out, err := p.execute(ctx, w.agent, task)
	elapsed := p.nowFunc().Sub(start)
	p.release(w, in, err)

	out.TaskID = task.ID
	out.Role = task.Role
	out.Elapsed = elapsed
	return out, err
}

func (p *Pool) acquire(ctx context.Context, w *worker, task model.Task) (*instance, error) {
	p.mu.Lock()
	if p.draining.Load() {
		p.mu.Unlock()
		return nil, eris.Wrapf(resilience.ErrResourceUnavailable, "agent: pool draining, %s task %s refused", task.Role, task.ID)
	}
	if p.inflight == 0 {
		p.quiet = make(chan struct{})
	}
	p.inflight++
	p.mu.Unlock()

	var timeout <-chan time.Time
	if p.cfg.AdmissionTimeout > 0 {
		t := time.NewTimer(p.cfg.AdmissionTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case in := <-w.idle:
		in.set(model.AgentBusy, p.nowFunc(), func(d *model.AgentDescriptor) { d.CurrentTask = task.ID })
		return in, nil
	case <-timeout:
		p.done()
		return nil, eris.Wrapf(resilience.ErrResourceUnavailable, "agent: no %s instance within %s", task.Role, p.cfg.AdmissionTimeout)
	case <-ctx.Done():
		p.done()
		return nil, eris.Wrapf(ctx.Err(), "agent: waiting for %s instance", task.Role)
	}
}

func (p *Pool) execute(ctx context.Context, a Agent, task model.Task) (out model.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = resilience.NewFatalError(eris.Errorf("agent: %s panicked: %v", task.Role, r), 0)
		}
	}()
	return a.Execute(ctx, task)
}

func (p *Pool) release(w *worker, in *instance, err error) {
	next := model.AgentIdle
	if err != nil && resilience.Classify(err) == resilience.KindRecoverable {
		next = model.AgentUnhealthy
	}
	if p.draining.Load() {
		next = model.AgentDraining
	}
	in.set(next, p.nowFunc(), func(d *model.AgentDescriptor) {
		d.CurrentTask = ""
		if err != nil {
			d.Failed++
			d.LastError = err.Error()
		} else {
			d.Completed++
		}
	})
	if next == model.AgentUnhealthy {
		p.log.Debug("agent instance unhealthy",
			zap.String("role", string(w.agent.Role())),
			zap.Error(err),
		)
	}
	w.idle <- in
}

func (p *Pool) done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inflight--
	if p.inflight == 0 {
		close(p.quiet)
	}
}

// Descriptors returns a snapshot of every instance in role order.
func (p *Pool) Descriptors() []model.AgentDescriptor {
	var out []model.AgentDescriptor
	for _, role := range model.AllRoles() {
		w, ok := p.workers[role]
		if !ok {
			continue
		}
		for _, in := range w.instances {
			out = append(out, in.snapshot())
		}
	}
	return out
}

// Drain stops accepting tasks and waits for in-flight ones to finish or
// ctx to end. It is safe to call more than once.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	first := !p.draining.Swap(true)
	quiet := p.quiet
	inflight := p.inflight
	p.mu.Unlock()

	if first {
		p.log.Info("draining agent pool", zap.Int("in_flight", inflight))
		now := p.nowFunc()
		for _, w := range p.workers {
			for _, in := range w.instances {
				in.mu.Lock()
				if in.desc.State != model.AgentBusy {
					in.desc.State = model.AgentDraining
					in.desc.UpdatedAt = now
				}
				in.mu.Unlock()
			}
		}
	}

	select {
	case <-quiet:
		return nil
	case <-ctx.Done():
		return eris.Wrapf(ctx.Err(), "agent: drain with %d tasks in flight", p.InFlight())
	}
}

// InFlight returns the number of tasks holding or waiting for an instance.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight
}
