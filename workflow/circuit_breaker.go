package workflow

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/types"
)

// CircuitState is the state of one agent's circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
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

// MarshalText renders the state name.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CircuitBreakerConfig configures the per-agent breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// RecoveryTimeout is how long an open circuit rejects calls.
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	// HalfOpenMaxProbes bounds calls admitted while half-open.
	HalfOpenMaxProbes int `json:"half_open_max_probes" yaml:"half_open_max_probes"`
	// SuccessThresholdInHalfOpen successes close a half-open circuit.
	SuccessThresholdInHalfOpen int `json:"success_threshold_in_half_open" yaml:"success_threshold_in_half_open"`
}

// DefaultCircuitBreakerConfig returns the default thresholds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:           5,
		RecoveryTimeout:            30 * time.Second,
		HalfOpenMaxProbes:          3,
		SuccessThresholdInHalfOpen: 2,
	}
}

// CircuitBreakerEvent describes one state transition.
type CircuitBreakerEvent struct {
	AgentID   string       `json:"agent_id"`
	OldState  CircuitState `json:"old_state"`
	NewState  CircuitState `json:"new_state"`
	Timestamp time.Time    `json:"timestamp"`
	Reason    string       `json:"reason"`
	Failures  int          `json:"failures"`
}

// CircuitBreakerEventHandler receives transitions asynchronously.
type CircuitBreakerEventHandler func(event CircuitBreakerEvent)

// CircuitBreaker guards calls to one agent. Queue retries still pass through
// Allow, so an open circuit fails them without reaching the agent.
type CircuitBreaker struct {
	agentID         string
	config          CircuitBreakerConfig
	state           CircuitState
	failures        int // consecutive
	successes       int // consecutive, half-open only
	lastFailureTime time.Time
	probeCount      int
	onChange        CircuitBreakerEventHandler
	now             func() time.Time
	logger          *zap.Logger
	mu              sync.Mutex
}

// NewCircuitBreaker creates a closed breaker for agentID.
func NewCircuitBreaker(agentID string, config CircuitBreakerConfig, onChange CircuitBreakerEventHandler, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		agentID:  agentID,
		config:   config,
		state:    CircuitClosed,
		onChange: onChange,
		now:      time.Now,
		logger:   logger.With(zap.String("agent_id", agentID)),
	}
}

// Allow admits a call or returns a retryable CIRCUIT_OPEN error.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := cb.now().Sub(cb.lastFailureTime)
		if elapsed >= cb.config.RecoveryTimeout {
			cb.transitionTo(CircuitHalfOpen, "recovery timeout elapsed")
			cb.probeCount = 1
			cb.successes = 0
			return nil
		}
		return circuitOpenError(fmt.Sprintf("circuit open for agent %s: %d consecutive failures, retry after %v",
			cb.agentID, cb.failures, cb.config.RecoveryTimeout-elapsed))

	case CircuitHalfOpen:
		if cb.probeCount < cb.config.HalfOpenMaxProbes {
			cb.probeCount++
			return nil
		}
		return circuitOpenError(fmt.Sprintf("circuit half-open for agent %s: max probes (%d) reached",
			cb.agentID, cb.config.HalfOpenMaxProbes))
	}
	return nil
}

func circuitOpenError(msg string) *types.Error {
	return types.NewError(types.ErrCircuitOpen, msg).
		WithHTTPStatus(http.StatusServiceUnavailable).
		WithRetryable(true)
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThresholdInHalfOpen {
			cb.transitionTo(CircuitClosed, fmt.Sprintf("%d consecutive successes in half-open", cb.successes))
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen, fmt.Sprintf("%d consecutive failures", cb.failures))
		}
	case CircuitHalfOpen:
		cb.successes = 0
		cb.transitionTo(CircuitOpen, "failure in half-open state")
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit and clears counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitClosed {
		cb.transitionTo(CircuitClosed, "manual reset")
	}
	cb.failures = 0
	cb.successes = 0
	cb.probeCount = 0
}

// transitionTo must be called with cb.mu held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState, reason string) {
	oldState := cb.state
	cb.state = newState

	cb.logger.Info("circuit breaker state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", cb.failures))

	if cb.onChange != nil {
		event := CircuitBreakerEvent{
			AgentID:   cb.agentID,
			OldState:  oldState,
			NewState:  newState,
			Timestamp: cb.now(),
			Reason:    reason,
			Failures:  cb.failures,
		}
		go cb.onChange(event)
	}
}

// =============================================================================
// Registry
// =============================================================================

// CircuitBreakerRegistry holds one breaker per agent id.
type CircuitBreakerRegistry struct {
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
	onChange CircuitBreakerEventHandler
	logger   *zap.Logger
	mu       sync.RWMutex
}

// NewCircuitBreakerRegistry creates an empty registry.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig, onChange CircuitBreakerEventHandler, logger *zap.Logger) *CircuitBreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
		onChange: onChange,
		logger:   logger.With(zap.String("component", "circuit_breaker")),
	}
}

// GetOrCreate returns the breaker for agentID, creating it on first use.
func (r *CircuitBreakerRegistry) GetOrCreate(agentID string) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[agentID]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[agentID]; ok {
		return cb
	}
	cb := NewCircuitBreaker(agentID, r.config, r.onChange, r.logger)
	r.breakers[agentID] = cb
	return cb
}

// States returns the state of every known breaker.
func (r *CircuitBreakerRegistry) States() map[string]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]CircuitState, len(r.breakers))
	for id, cb := range r.breakers {
		states[id] = cb.State()
	}
	return states
}

// ResetAll resets every breaker.
func (r *CircuitBreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}
