package delegation

import (
	"sync"
	"time"

	"github.com/rendis/chutney/pkg/schema"
)

// BreakerState is the state of the circuit breaker of one agent.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls flow
	BreakerOpen                         // calls fail fast
	BreakerHalfOpen                     // one probe call allowed
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the per-agent circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive connectivity failures opening the circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects calls before letting a probe through.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe calls allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	state    BreakerState
	failures int
	openedAt time.Time
	probes   int
}

// BreakerRegistry tracks connectivity failures per remote agent.
type BreakerRegistry struct {
	mu       sync.Mutex
	config   BreakerConfig
	breakers map[string]*breaker
	now      func() time.Time
}

// NewBreakerRegistry creates a registry. Zero config fields take the defaults.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	def := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = def.HalfOpenMax
	}
	return &BreakerRegistry{
		config:   config,
		breakers: make(map[string]*breaker),
		now:      time.Now,
	}
}

// Allow returns nil when a call to agent may proceed, or a CIRCUIT_OPEN error.
func (r *BreakerRegistry) Allow(agent string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.getLocked(agent)
	r.coolDownLocked(b)

	switch b.state {
	case BreakerOpen:
		remaining := r.config.Cooldown - r.now().Sub(b.openedAt)
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for agent %q after %d consecutive failures", agent, b.failures).
			WithDetails(map[string]any{
				"agent":              agent,
				"failures":           b.failures,
				"cooldown_remaining": remaining.String(),
			})
	case BreakerHalfOpen:
		if b.probes >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit half-open for agent %q: probe in flight", agent)
		}
		b.probes++
	}
	return nil
}

// Success closes the circuit of agent.
func (r *BreakerRegistry) Success(agent string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.getLocked(agent)
	b.state = BreakerClosed
	b.failures = 0
	b.probes = 0
}

// Failure records a connectivity failure and returns the new state.
// A failed probe reopens the circuit immediately.
func (r *BreakerRegistry) Failure(agent string) BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.getLocked(agent)
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= r.config.FailureThreshold {
		b.state = BreakerOpen
		b.openedAt = r.now()
		b.probes = 0
	}
	return b.state
}

// State returns the current state of the circuit of agent.
func (r *BreakerRegistry) State(agent string) BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.getLocked(agent)
	r.coolDownLocked(b)
	return b.state
}

func (r *BreakerRegistry) coolDownLocked(b *breaker) {
	if b.state == BreakerOpen && r.now().Sub(b.openedAt) >= r.config.Cooldown {
		b.state = BreakerHalfOpen
		b.probes = 0
	}
}

func (r *BreakerRegistry) getLocked(agent string) *breaker {
	b, ok := r.breakers[agent]
	if !ok {
		b = &breaker{}
		r.breakers[agent] = b
	}
	return b
}
