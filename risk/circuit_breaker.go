package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER - Protection against consecutive order failures
// ═══════════════════════════════════════════════════════════════════════════════
//
// Trips after N failed entry orders in a row and refuses new entries until the
// cooldown elapses. Exits are never gated by the breaker.
//
// ═══════════════════════════════════════════════════════════════════════════════

type CircuitBreaker struct {
	mu sync.RWMutex

	// Configuration
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time

	// State
	consecutiveFailures int
	tripped             bool
	trippedAt           time.Time
	reason              string
}

// NewCircuitBreaker creates a breaker; maxFailures <= 0 disables it
func NewCircuitBreaker(maxFailures int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

// Allow reports whether new entries may be attempted
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.tripped {
		return true
	}
	if cb.now().Sub(cb.trippedAt) >= cb.cooldown {
		cb.reset()
		log.Info().Msg("✅ Circuit breaker reset after cooldown")
		return true
	}
	return false
}

// RecordFailure records a failed order
func (cb *CircuitBreaker) RecordFailure(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	if cb.maxFailures > 0 && cb.consecutiveFailures >= cb.maxFailures && !cb.tripped {
		cb.trip(reason)
	}
}

// RecordSuccess clears the failure streak
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
}

// trip activates the circuit breaker
func (cb *CircuitBreaker) trip(reason string) {
	cb.tripped = true
	cb.trippedAt = cb.now()
	cb.reason = reason
	log.Warn().
		Str("reason", reason).
		Int("consecutive_failures", cb.consecutiveFailures).
		Dur("cooldown", cb.cooldown).
		Msg("🚨 CIRCUIT BREAKER TRIPPED")
}

// reset clears the circuit breaker state
func (cb *CircuitBreaker) reset() {
	cb.consecutiveFailures = 0
	cb.tripped = false
	cb.reason = ""
}

// IsTripped returns current trip state without applying the cooldown
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.tripped
}

// GetStats returns circuit breaker statistics
func (cb *CircuitBreaker) GetStats() (consecutiveFailures int, tripped bool, reason string) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.consecutiveFailures, cb.tripped, cb.reason
}

// ForceReset manually resets the circuit breaker
func (cb *CircuitBreaker) ForceReset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.reset()
	log.Info().Msg("Circuit breaker manually reset")
}
