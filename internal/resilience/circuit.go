// Package resilience provides failure classification, per-role circuit
// breakers and retry policies for agent dispatch.
package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/webcheck/internal/model"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state. Requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many failures. Requests are rejected immediately.
	CircuitOpen
	// CircuitHalfOpen allows a single trial request to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
	ErrCircuitOpen = eris.New("circuit breaker is open")

	// ErrCircuitHalfOpenBusy is returned when a half-open circuit already has
	// its trial request in flight.
	ErrCircuitHalfOpenBusy = eris.New("circuit breaker trial in progress")
)

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	// the circuit. Default: 5.
	FailureThreshold int

	// Window bounds how far apart the failures of one streak may be. A
	// failure arriving after the window restarts the streak. Zero disables
	// the window.
	Window time.Duration

	// Cooldown is how long the circuit stays open before a trial. Default: 30s.
	Cooldown time.Duration

	// MaxCooldown caps the cooldown after repeated failed trials. Default: 8x Cooldown.
	MaxCooldown time.Duration

	// ShouldTrip decides whether an error counts toward the threshold. If
	// nil, DefaultShouldTrip is used.
	ShouldTrip func(err error) bool

	// OnStateChange is called when the circuit transitions between states.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
		MaxCooldown:      4 * time.Minute,
	}
}

// DefaultShouldTrip counts recoverable collaborator failures. Fatal row
// errors (404, bad config) and local capacity errors say nothing about the
// collaborator's health.
func DefaultShouldTrip(err error) bool {
	if errors.Is(err, ErrResourceUnavailable) {
		return false
	}
	return Classify(err) == KindRecoverable
}

// neutral results neither close nor trip the circuit.
func neutral(err error) bool {
	switch Classify(err) {
	case KindCanceled, KindRejected:
		return true
	}
	return errors.Is(err, ErrResourceUnavailable) || IsConfigurationError(err)
}

// CircuitSnapshot is a point-in-time view of a breaker.
type CircuitSnapshot struct {
	Name                string        `json:"name"`
	State               string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastFailureAt       time.Time     `json:"last_failure_at,omitzero"`
	CooldownUntil       time.Time     `json:"cooldown_until,omitzero"`
	Cooldown            time.Duration `json:"cooldown"`
}

// Ticket is the permission to make one call. Done must be called exactly
// once with the call's result.
type Ticket struct {
	cb    *CircuitBreaker
	trial bool
	once  sync.Once
}

// Trial reports whether this ticket is the half-open trial.
func (t *Ticket) Trial() bool {
	return t.trial
}

// Done records the call result.
func (t *Ticket) Done(err error) {
	t.once.Do(func() { t.cb.recordResult(t.trial, err) })
}

// CircuitBreaker implements the circuit breaker pattern for a single role.
type CircuitBreaker struct {
	name  string
	cfg   CircuitBreakerConfig
	mu    sync.Mutex
	state CircuitState

	consecutiveFailures int
	streakStart         time.Time
	lastFailureTime     time.Time
	cooldownUntil       time.Time
	cooldown            time.Duration
	trialInFlight       bool

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = 8 * cfg.Cooldown
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = DefaultShouldTrip
	}
	return &CircuitBreaker{
		name:     name,
		cfg:      cfg,
		state:    CircuitClosed,
		cooldown: cfg.Cooldown,
		nowFunc:  time.Now,
	}
}

// Name returns the breaker's name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Allow asks for permission to make one call. It fails fast with
// ErrCircuitOpen while cooling down and with ErrCircuitHalfOpenBusy when
// another caller holds the trial.
func (cb *CircuitBreaker) Allow() (*Ticket, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.nowFunc().Before(cb.cooldownUntil) {
			return nil, eris.Wrapf(ErrCircuitOpen, "resilience: %s", cb.name)
		}
		cb.transition(CircuitHalfOpen)
		cb.trialInFlight = true
		return &Ticket{cb: cb, trial: true}, nil
	case CircuitHalfOpen:
		if cb.trialInFlight {
			return nil, eris.Wrapf(ErrCircuitHalfOpenBusy, "resilience: %s", cb.name)
		}
		cb.trialInFlight = true
		return &Ticket{cb: cb, trial: true}, nil
	default:
		return &Ticket{cb: cb}, nil
	}
}

// State returns the current circuit state. An open circuit whose cooldown
// has elapsed reports half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *CircuitBreaker) stateLocked() CircuitState {
	if cb.state == CircuitOpen && !cb.nowFunc().Before(cb.cooldownUntil) {
		return CircuitHalfOpen
	}
	return cb.state
}

// Snapshot returns the breaker's counters for observability.
func (cb *CircuitBreaker) Snapshot() CircuitSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := CircuitSnapshot{
		Name:                cb.name,
		State:               cb.stateLocked().String(),
		ConsecutiveFailures: cb.consecutiveFailures,
		LastFailureAt:       cb.lastFailureTime,
		Cooldown:            cb.cooldown,
	}
	if cb.state == CircuitOpen {
		s.CooldownUntil = cb.cooldownUntil
	}
	return s
}

func (cb *CircuitBreaker) recordResult(trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		cb.trialInFlight = false
	}

	if err != nil && neutral(err) {
		return
	}

	if err == nil || !cb.cfg.ShouldTrip(err) {
		switch {
		case trial && cb.state == CircuitHalfOpen:
			cb.consecutiveFailures = 0
			cb.cooldown = cb.cfg.Cooldown
			cb.transition(CircuitClosed)
		case cb.state == CircuitClosed:
			cb.consecutiveFailures = 0
		}
		return
	}

	now := cb.nowFunc()
	cb.lastFailureTime = now

	switch {
	case trial && cb.state == CircuitHalfOpen:
		cb.cooldown *= 2
		if cb.cooldown > cb.cfg.MaxCooldown {
			cb.cooldown = cb.cfg.MaxCooldown
		}
		cb.open(now)
	case cb.state == CircuitClosed:
		if cb.consecutiveFailures == 0 || (cb.cfg.Window > 0 && now.Sub(cb.streakStart) > cb.cfg.Window) {
			cb.consecutiveFailures = 0
			cb.streakStart = now
		}
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.open(now)
		}
	}
}

func (cb *CircuitBreaker) open(now time.Time) {
	cb.cooldownUntil = now.Add(cb.cooldown)
	cb.transition(CircuitOpen)
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil && from != to {
		cb.cfg.OnStateChange(from, to)
	}
}

// RoleBreakers holds one circuit breaker per agent role.
type RoleBreakers struct {
	mu       sync.RWMutex
	breakers map[model.Role]*CircuitBreaker
	cfg      CircuitBreakerConfig
	onChange func(role model.Role, from, to CircuitState)
}

// NewRoleBreakers creates a registry of per-role circuit breakers. onChange
// may be nil.
func NewRoleBreakers(cfg CircuitBreakerConfig, onChange func(role model.Role, from, to CircuitState)) *RoleBreakers {
	return &RoleBreakers{
		breakers: make(map[model.Role]*CircuitBreaker),
		cfg:      cfg,
		onChange: onChange,
	}
}

// Get returns the circuit breaker for the role, creating one if needed.
func (rb *RoleBreakers) Get(role model.Role) *CircuitBreaker {
	rb.mu.RLock()
	cb, ok := rb.breakers[role]
	rb.mu.RUnlock()
	if ok {
		return cb
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()
	// Double-check after acquiring write lock.
	if cb, ok = rb.breakers[role]; ok {
		return cb
	}
	cfg := rb.cfg
	if rb.onChange != nil {
		cfg.OnStateChange = func(from, to CircuitState) { rb.onChange(role, from, to) }
	}
	cb = NewCircuitBreaker(string(role), cfg)
	rb.breakers[role] = cb
	return cb
}

// States returns a snapshot of all circuit breaker states.
func (rb *RoleBreakers) States() map[model.Role]CircuitState {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	states := make(map[model.Role]CircuitState, len(rb.breakers))
	for role, cb := range rb.breakers {
		states[role] = cb.State()
	}
	return states
}

// Snapshots returns counters for every breaker created so far.
func (rb *RoleBreakers) Snapshots() []CircuitSnapshot {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	out := make([]CircuitSnapshot, 0, len(rb.breakers))
	for _, role := range model.AllRoles() {
		if cb, ok := rb.breakers[role]; ok {
			out = append(out, cb.Snapshot())
		}
	}
	return out
}
