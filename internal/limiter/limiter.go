// Package limiter bounds in-flight tasks per role and overall. Callers queue
// in FIFO order until capacity frees up and hold a Lease while they work.
package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/resilience"
)

// ErrClosed is returned by Admit after Close.
var ErrClosed = eris.Wrap(resilience.ErrDraining, "limiter: closed to new admissions")

// Config controls limiter capacity.
type Config struct {
	// Global caps in-flight tasks across all roles. Default: 5.
	Global int
	// PerRole caps one role. Roles without an entry get Global.
	PerRole map[model.Role]int
	// TaskTimeout is how long a lease may be held before it is revoked.
	// Zero disables revocation.
	TaskTimeout time.Duration
	// AdmissionTimeout bounds how long Admit waits in the queue. Zero waits
	// until the context is done.
	AdmissionTimeout time.Duration
}

// RoleStats is a point-in-time view of one role's queue.
type RoleStats struct {
	Role     model.Role `json:"role"`
	Capacity int        `json:"capacity"`
	Active   int        `json:"active"`
	Queued   int        `json:"queued"`
	Revoked  int64      `json:"revoked"`
}

type roleSlot struct {
	sem      *semaphore.Weighted
	capacity int
	active   atomic.Int64
	queued   atomic.Int64
	revoked  atomic.Int64
}

// Limiter is the concurrency limiter shared by every row of a run.
type Limiter struct {
	cfg    Config
	global *semaphore.Weighted
	roles  map[model.Role]*roleSlot
	log    *zap.Logger
	closed atomic.Bool

	mu       sync.Mutex
	inflight int
	idle     chan struct{}

	onRevoke func(model.Role)
}

// New creates a limiter. log may be nil.
func New(cfg Config, log *zap.Logger) *Limiter {
	if cfg.Global <= 0 {
		cfg.Global = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	l := &Limiter{
		cfg:    cfg,
		global: semaphore.NewWeighted(int64(cfg.Global)),
		roles:  make(map[model.Role]*roleSlot, len(model.AllRoles())),
		log:    log.With(zap.String("component", "limiter")),
		idle:   make(chan struct{}),
	}
	close(l.idle)
	for _, role := range model.AllRoles() {
		capacity := cfg.Global
		if n, ok := cfg.PerRole[role]; ok && n > 0 && n < cfg.Global {
			capacity = n
		}
		l.roles[role] = &roleSlot{sem: semaphore.NewWeighted(int64(capacity)), capacity: capacity}
	}
	return l
}

// OnRevoke registers a callback run whenever a lease is forcibly revoked.
func (l *Limiter) OnRevoke(fn func(model.Role)) {
	l.onRevoke = fn
}

// Admit blocks until both the role and the global cap have room, then
// returns a lease. Waiters for one role are served in arrival order.
func (l *Limiter) Admit(ctx context.Context, role model.Role) (*Lease, error) {
	slot, ok := l.roles[role]
	if !ok {
		return nil, resilience.NewConfigurationError("unknown role %q", role)
	}
	if l.closed.Load() {
		return nil, ErrClosed
	}

	waitCtx := ctx
	if l.cfg.AdmissionTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.cfg.AdmissionTimeout)
		defer cancel()
	}

	slot.queued.Add(1)
	err := slot.sem.Acquire(waitCtx, 1)
	if err == nil {
		if err = l.global.Acquire(waitCtx, 1); err != nil {
			slot.sem.Release(1)
		}
	}
	slot.queued.Add(-1)
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrapf(ctx.Err(), "limiter: admit %s", role)
		}
		return nil, eris.Wrapf(resilience.ErrResourceUnavailable, "limiter: admit %s: %v", role, err)
	}

	// Close may have raced with the wait.
	if l.closed.Load() {
		l.global.Release(1)
		slot.sem.Release(1)
		return nil, ErrClosed
	}

	slot.active.Add(1)
	l.mu.Lock()
	if l.inflight == 0 {
		l.idle = make(chan struct{})
	}
	l.inflight++
	l.mu.Unlock()

	return l.newLease(ctx, role, slot), nil
}

func (l *Limiter) newLease(parent context.Context, role model.Role, slot *roleSlot) *Lease {
	ctx, cancel := context.WithCancelCause(parent)
	ls := &Lease{
		role:   role,
		ctx:    ctx,
		cancel: cancel,
	}
	ls.release = func() {
		slot.active.Add(-1)
		l.global.Release(1)
		slot.sem.Release(1)
		l.mu.Lock()
		l.inflight--
		if l.inflight == 0 {
			close(l.idle)
		}
		l.mu.Unlock()
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	// Parent cancellation frees the slot right away.
	ls.stopParent = context.AfterFunc(parent, ls.Release)
	if l.cfg.TaskTimeout > 0 {
		ls.timer = time.AfterFunc(l.cfg.TaskTimeout, func() {
			ls.revoked.Store(true)
			slot.revoked.Add(1)
			l.log.Warn("limiter: lease revoked",
				zap.String("role", string(role)),
				zap.Duration("task_timeout", l.cfg.TaskTimeout),
			)
			if l.onRevoke != nil {
				l.onRevoke(role)
			}
			ls.cancel(resilience.ErrTimedOut)
			ls.Release()
		})
	}
	return ls
}

// Stats returns queue figures for one role.
func (l *Limiter) Stats(role model.Role) RoleStats {
	s, ok := l.roles[role]
	if !ok {
		return RoleStats{Role: role}
	}
	return RoleStats{
		Role:     role,
		Capacity: s.capacity,
		Active:   int(s.active.Load()),
		Queued:   int(s.queued.Load()),
		Revoked:  s.revoked.Load(),
	}
}

// Usage reports active and queued counts for role.
func (l *Limiter) Usage(role model.Role) (active, queued int) {
	st := l.Stats(role)
	return st.Active, st.Queued
}

// InFlight returns the number of unreleased leases.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inflight
}

// Close stops new admissions. Existing leases are unaffected.
func (l *Limiter) Close() {
	l.closed.Store(true)
}

// Wait blocks until every lease has been released or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		if l.inflight == 0 {
			l.mu.Unlock()
			return nil
		}
		idle := l.idle
		l.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return eris.Wrapf(ctx.Err(), "limiter: %d leases still held", l.InFlight())
		}
	}
}

// Lease is one unit of admitted capacity. Release is idempotent.
type Lease struct {
	role   model.Role
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu         sync.Mutex
	timer      *time.Timer
	stopParent func() bool
	release    func()
	once       sync.Once
	revoked    atomic.Bool
}

// Role returns the role the lease was admitted for.
func (ls *Lease) Role() model.Role {
	return ls.role
}

// Context is canceled when the lease is released, revoked or its parent
// context ends. Work done under the lease should use it.
func (ls *Lease) Context() context.Context {
	return ls.ctx
}

// Revoked reports whether the lease was taken back after the task timeout.
func (ls *Lease) Revoked() bool {
	return ls.revoked.Load()
}

// Err converts a work error into ErrTimedOut when the lease was revoked.
func (ls *Lease) Err(err error) error {
	if err == nil {
		return nil
	}
	if ls.Revoked() || errors.Is(context.Cause(ls.ctx), resilience.ErrTimedOut) {
		return eris.Wrapf(resilience.ErrTimedOut, "limiter: %s lease revoked: %v", ls.role, err)
	}
	return err
}

// Release returns capacity to the limiter.
func (ls *Lease) Release() {
	ls.once.Do(func() {
		ls.mu.Lock()
		if ls.timer != nil {
			ls.timer.Stop()
		}
		if ls.stopParent != nil {
			ls.stopParent()
		}
		ls.mu.Unlock()
		ls.cancel(context.Canceled)
		ls.release()
	})
}
