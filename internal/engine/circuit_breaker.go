package engine

import (
	"sync"
	"time"

	"github.com/rendis/chainflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // dispatching normally
	CircuitOpen                         // rejecting dispatches
	CircuitHalfOpen                     // letting one trial call through
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the per node type circuit breakers. A zero
// FailureThreshold disables them.
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
	HalfOpenMax      int
}

// DefaultBreakerConfig trips after five consecutive failures and lets a
// trial call through after thirty seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	state            CircuitState
	failures         int
	openedAt         time.Time
	halfOpenInFlight int
}

// Breakers guards provider node types. A provider whose calls keep failing
// is rejected with CIRCUIT_OPEN until the cooldown elapses, across runs.
// Built-in node kinds never trip.
type Breakers struct {
	mu     sync.Mutex
	byType map[string]*breaker
	config BreakerConfig
	now    func() time.Time
}

// NewBreakers creates a Breakers with the given config.
func NewBreakers(config BreakerConfig, now func() time.Time) *Breakers {
	if now == nil {
		now = time.Now
	}
	if config.HalfOpenMax < 1 {
		config.HalfOpenMax = 1
	}
	return &Breakers{byType: make(map[string]*breaker), config: config, now: now}
}

func (b *Breakers) guards(nodeType schema.NodeType) bool {
	return b != nil && b.config.FailureThreshold > 0 && !nodeType.IsBuiltin()
}

// Allow reports whether a dispatch of nodeType may proceed.
func (b *Breakers) Allow(nodeType schema.NodeType) error {
	if !b.guards(nodeType) {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	br := b.get(string(nodeType))

	switch br.state {
	case CircuitOpen:
		remaining := b.config.Cooldown - b.now().Sub(br.openedAt)
		if remaining > 0 {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit open for node type %q after %d consecutive failures", nodeType, br.failures).
				WithDetails(map[string]any{
					"node_type":            string(nodeType),
					"consecutive_failures": br.failures,
					"cooldown_remaining":   remaining.String(),
				})
		}
		br.state = CircuitHalfOpen
		br.halfOpenInFlight = 1
		return nil
	case CircuitHalfOpen:
		if br.halfOpenInFlight >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for node type %q: trial call already in flight", nodeType)
		}
		br.halfOpenInFlight++
	}
	return nil
}

// Record feeds the outcome of a dispatch back into the breaker of nodeType.
// Deterministic failures such as bad configuration do not count.
func (b *Breakers) Record(nodeType schema.NodeType, success bool) CircuitState {
	if !b.guards(nodeType) {
		return CircuitClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	br := b.get(string(nodeType))

	if success {
		br.failures = 0
		br.halfOpenInFlight = 0
		br.state = CircuitClosed
		return br.state
	}

	br.failures++
	if br.state == CircuitHalfOpen || br.failures >= b.config.FailureThreshold {
		br.state = CircuitOpen
		br.openedAt = b.now()
		br.halfOpenInFlight = 0
	}
	return br.state
}

// State returns the current state for nodeType.
func (b *Breakers) State(nodeType schema.NodeType) CircuitState {
	if !b.guards(nodeType) {
		return CircuitClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	br := b.get(string(nodeType))
	if br.state == CircuitOpen && b.now().Sub(br.openedAt) >= b.config.Cooldown {
		return CircuitHalfOpen
	}
	return br.state
}

// Stats lists the breakers that have seen traffic, keyed by node type.
func (b *Breakers) Stats() map[string]map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]map[string]any, len(b.byType))
	for t, br := range b.byType {
		out[t] = map[string]any{
			"state":                br.state.String(),
			"consecutive_failures": br.failures,
			"failure_threshold":    b.config.FailureThreshold,
		}
	}
	return out
}

func (b *Breakers) get(nodeType string) *breaker {
	br, ok := b.byType[nodeType]
	if !ok {
		br = &breaker{}
		b.byType[nodeType] = br
	}
	return br
}
