// Package circuitbreaker isolates failing providers. Each provider gets one
// breaker; enough failures inside the trailing monitoring window open it,
// and while open every call fails fast without touching the provider.
//
// States:
//   - Closed: normal operation, requests pass through
//   - Open: failing fast, requests rejected with the remaining wait time
//   - Half-Open: trial mode, a limited number of requests probe recovery
//
// Breaker state is process-local on purpose: a cold start assumes providers
// are healthy.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/abclegacyllc/modelgate/internal/domain"
)

// State represents the current state of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config defines circuit breaker behavior.
type Config struct {
	FailureThreshold int           // failures inside the window before opening
	MonitoringWindow time.Duration // trailing window failures are counted in
	ResetTimeout     time.Duration // wait before a half-open trial
	HalfOpenQuota    int           // consecutive successes to close from half-open
}

// DefaultConfig returns sensible defaults for most providers.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		MonitoringWindow: time.Minute,
		ResetTimeout:     30 * time.Second,
		HalfOpenQuota:    2,
	}
}

// Breaker is the per-provider failure isolation state machine. Safe for
// concurrent use; many simultaneous requests record outcomes against the
// same breaker.
type Breaker struct {
	name string
	cfg  Config

	mu           sync.Mutex
	state        State
	failures     []time.Time
	successes    int
	changedAt    time.Time
	now          func() time.Time
	onTransition func(name string, from, to State)
}

// New creates a closed breaker for the named provider.
func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name:      name,
		cfg:       cfg,
		state:     StateClosed,
		changedAt: time.Now(),
		now:       time.Now,
	}
}

// Execute runs fn through the breaker. When the circuit is open and the
// reset timeout has not elapsed, fn is never invoked and a CIRCUIT_OPEN
// error carrying the remaining wait is returned. Otherwise fn's result is
// propagated unchanged after the outcome is recorded.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}

	err := fn()
	if err != nil {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	return err
}

// Allow reports whether a call may proceed, returning the CIRCUIT_OPEN
// error when it may not. Callers that use Allow directly (streaming, where
// the outcome is only known after delivery) must follow up with exactly one
// RecordSuccess or RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		elapsed := b.now().Sub(b.changedAt)
		if elapsed < b.cfg.ResetTimeout {
			remaining := b.cfg.ResetTimeout - elapsed
			return domain.NewError(domain.KindCircuitOpen, "provider "+b.name+" unavailable, circuit open").
				WithRetryAfter(remaining).
				WithDetails(map[string]any{"provider": b.name, "retryAfterMs": remaining.Milliseconds()})
		}
		b.transition(StateHalfOpen)
		b.successes = 0
	}
	return nil
}

// RecordSuccess registers a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = b.failures[:0]
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenQuota {
			b.transition(StateClosed)
			b.failures = b.failures[:0]
			b.successes = 0
		}
	}
}

// RecordFailure registers a failed call outcome.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	switch b.state {
	case StateClosed:
		b.failures = append(b.pruned(now), now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		// One failure during the trial reopens immediately.
		b.transition(StateOpen)
		b.successes = 0
	}
}

// pruned drops failures that aged out of the monitoring window.
func (b *Breaker) pruned(now time.Time) []time.Time {
	cutoff := now.Add(-b.cfg.MonitoringWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.changedAt = b.now()
	if b.onTransition != nil {
		go b.onTransition(b.name, from, to)
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the failure count inside the current window.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = b.pruned(b.now())
	return len(b.failures)
}

// Registry lazily creates and reuses one breaker per provider name.
type Registry struct {
	mu           sync.RWMutex
	breakers     map[string]*Breaker
	cfg          Config
	onTransition func(name string, from, to State)
}

// NewRegistry creates a registry applying cfg to every breaker it creates.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
	}
}

// OnTransition installs a hook invoked (on its own goroutine) for every
// state change of every breaker. Must be called before the first Get.
func (r *Registry) OnTransition(fn func(name string, from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTransition = fn
	for _, b := range r.breakers {
		b.onTransition = fn
	}
}

// Get returns the breaker for a provider, creating one if needed.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}

	b = New(name, r.cfg)
	b.onTransition = r.onTransition
	r.breakers[name] = b
	return b
}

// States returns the state of every known breaker.
func (r *Registry) States() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		states[name] = b.State().String()
	}
	return states
}
