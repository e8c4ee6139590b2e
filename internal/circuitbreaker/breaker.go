// Package circuitbreaker guards outbound provider calls (LLM chat,
// embeddings, payment links) against cascading failures. Breakers live in a
// per-process registry; state is mutated under a mutex per breaker.
package circuitbreaker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed   State = iota // calls flow, failures count
	StateOpen                  // calls fail fast until the timeout elapses
	StateHalfOpen              // a single probe decides reopen vs close
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned without invoking the wrapped call.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrTooManyRequests is returned when the half-open probe slot is taken.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config holds one breaker's policy.
type Config struct {
	// Name identifies the breaker in logs and metrics.
	Name string

	// MaxRequests is how many calls may probe in half-open state.
	MaxRequests uint32

	// Interval, when positive, periodically clears counts in closed state.
	// Zero keeps consecutive-failure counts until a success resets them.
	Interval time.Duration

	// Timeout is how long the breaker stays open before half-opening.
	Timeout time.Duration

	// ReadyToTrip decides, after each failure in closed state, whether to open.
	ReadyToTrip func(counts Counts) bool

	// OnStateChange observes transitions, e.g. for metrics.
	OnStateChange func(name string, from State, to State)
}

// DefaultConfig trips after 5 consecutive failures, stays open for 60s, and
// lets a single probe through when half-open.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:        name,
		MaxRequests: 1,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from State, to State) {
			log.Printf("[BREAKER:%s] %s -> %s", name, from, to)
		},
	}
}

// ============================================================================
// COUNTS
// ============================================================================

// Counts holds request outcomes for the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Clear resets all counts.
func (c *Counts) Clear() {
	*c = Counts{}
}

// OnSuccess records a successful call.
func (c *Counts) OnSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

// OnFailure records a failed call.
func (c *Counts) OnFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// ============================================================================
// CIRCUIT BREAKER
// ============================================================================

// CircuitBreaker tracks {name, consecutive failures, opened-at} for one
// outbound dependency. Generations make results from before a state change
// harmless: a stale success cannot close a breaker that re-opened meanwhile.
type CircuitBreaker struct {
	cfg *Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
	openedAt   time.Time
}

// New creates a breaker; a nil config gets defaults.
func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// State returns the current state, applying any pending open→half-open move.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.currentState(time.Now())
	return state
}

// Counts returns a copy of the current generation's counts.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// OpenedAt reports when the breaker last opened (zero if never).
func (cb *CircuitBreaker) OpenedAt() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.openedAt
}

// ExecuteContext runs req if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) ExecuteContext(
	ctx context.Context,
	req func(context.Context) (interface{}, error),
) (interface{}, error) {
	generation, err := cb.beforeRequest()
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false)
			panic(r)
		}
	}()

	result, err := req(ctx)
	cb.afterRequest(generation, err == nil)
	return result, err
}

// Do is a typed wrapper over ExecuteContext.
func Do[T any](ctx context.Context, cb *CircuitBreaker, req func(context.Context) (T, error)) (T, error) {
	result, err := cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return req(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)

	if state == StateOpen {
		return generation, ErrCircuitOpen
	}
	if state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxRequests {
		return generation, ErrTooManyRequests
	}

	cb.counts.Requests++
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(generation uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, currentGeneration := cb.currentState(now)
	if generation != currentGeneration {
		return
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.OnSuccess()
	case StateHalfOpen:
		cb.counts.OnSuccess()
		if cb.counts.ConsecutiveSuccesses >= cb.cfg.MaxRequests {
			cb.setState(StateClosed, now)
		}
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.OnFailure()
		if cb.cfg.ReadyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		// The probe failed; go straight back to open.
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	if state == StateOpen {
		cb.openedAt = now
	}

	cb.toNewGeneration(now)

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prev, state)
	}
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts.Clear()

	var expiry time.Time
	switch cb.state {
	case StateClosed:
		if cb.cfg.Interval > 0 {
			expiry = now.Add(cb.cfg.Interval)
		}
	case StateOpen:
		expiry = now.Add(cb.cfg.Timeout)
	}
	cb.expiry = expiry
}

// ============================================================================
// REGISTRY
// ============================================================================

// Registry holds the process's breakers, one per dependency name.
type Registry struct {
	mu            sync.RWMutex
	breakers      map[string]*CircuitBreaker
	onStateChange func(name string, from State, to State)
}

// NewRegistry creates a registry. The observer, when non-nil, is attached to
// every breaker created through the registry.
func NewRegistry(onStateChange func(name string, from State, to State)) *Registry {
	return &Registry{
		breakers:      make(map[string]*CircuitBreaker),
		onStateChange: onStateChange,
	}
}

// Get returns the named breaker, creating it with defaults if needed.
func (r *Registry) Get(name string) *CircuitBreaker {
	return r.GetOrCreate(name, nil)
}

// GetOrCreate returns the named breaker, creating it from cfg on first use.
func (r *Registry) GetOrCreate(name string, cfg *Config) *CircuitBreaker {
	r.mu.RLock()
	cb, exists := r.breakers[name]
	r.mu.RUnlock()
	if exists {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, exists = r.breakers[name]; exists {
		return cb
	}

	if cfg == nil {
		cfg = DefaultConfig(name)
	}
	cfg.Name = name
	if r.onStateChange != nil {
		inner := cfg.OnStateChange
		observer := r.onStateChange
		cfg.OnStateChange = func(name string, from, to State) {
			if inner != nil {
				inner(name, from, to)
			}
			observer(name, from, to)
		}
	}

	cb = New(cfg)
	r.breakers[name] = cb
	return cb
}

// Stats snapshots every breaker for health reporting.
func (r *Registry) Stats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]Stats, len(r.breakers))
	for name, cb := range r.breakers {
		state := cb.State()
		stats[name] = Stats{
			Name:                name,
			State:               state,
			StateName:           state.String(),
			ConsecutiveFailures: cb.Counts().ConsecutiveFailures,
			OpenedAt:            cb.OpenedAt(),
		}
	}
	return stats
}

// Stats describes one breaker's position.
type Stats struct {
	Name                string    `json:"name"`
	State               State     `json:"-"`
	StateName           string    `json:"state"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// ============================================================================
// PROVIDER BREAKERS
// ============================================================================

// ProviderBreakers are the backend's pre-configured breakers for outbound
// dependencies.
type ProviderBreakers struct {
	Registry *Registry

	// Chat guards LLM synthesis calls: 5 consecutive failures open the
	// circuit for 60s, then a single probe decides.
	Chat *CircuitBreaker

	// Embed guards embedding calls with the same policy.
	Embed *CircuitBreaker

	// Payment guards payment-link creation against a down provider.
	Payment *CircuitBreaker
}

// NewProviderBreakers builds the registry plus the standard breakers.
func NewProviderBreakers(onStateChange func(name string, from State, to State)) *ProviderBreakers {
	registry := NewRegistry(onStateChange)
	return &ProviderBreakers{
		Registry: registry,
		Chat:     registry.GetOrCreate("cohere_chat", DefaultConfig("cohere_chat")),
		Embed:    registry.GetOrCreate("cohere_embed", DefaultConfig("cohere_embed")),
		Payment:  registry.GetOrCreate("payplus", DefaultConfig("payplus")),
	}
}

// HealthStatus reports "healthy" unless any breaker is open.
func (p *ProviderBreakers) HealthStatus() (string, map[string]string) {
	stats := p.Registry.Stats()

	statuses := make(map[string]string, len(stats))
	healthy := true
	for name, stat := range stats {
		statuses[name] = stat.State.String()
		if stat.State == StateOpen {
			healthy = false
		}
	}

	if healthy {
		return "healthy", statuses
	}
	return "degraded", statuses
}
