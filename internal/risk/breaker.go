package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perparb/perparb/internal/telemetry"
)

// Breaker is the trading circuit breaker. While active, pre-trade
// validation rejects everything and the detector refuses to auto-execute.
type Breaker struct {
	mu                  sync.Mutex
	active              bool
	reason              string
	activatedAt         time.Time
	consecutiveFailures int
	metrics             *telemetry.Metrics
}

// BreakerStatus is the API view of the breaker.
type BreakerStatus struct {
	Active              bool      `json:"active"`
	Reason              string    `json:"reason,omitempty"`
	ActivatedAt         time.Time `json:"activated_at,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// NewBreaker builds an inactive breaker.
func NewBreaker(m *telemetry.Metrics) *Breaker {
	return &Breaker{metrics: m}
}

// Activate trips the breaker. Idempotent; the first reason wins until
// deactivation.
func (b *Breaker) Activate(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active {
		return
	}
	b.active = true
	b.reason = reason
	b.activatedAt = time.Now().UTC()
	b.metrics.CircuitBreakerState.Set(1)
	log.Warn().Str("reason", reason).Msg("circuit breaker activated")
}

// Deactivate resets the breaker and the failure streak.
func (b *Breaker) Deactivate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active {
		return
	}
	b.active = false
	b.reason = ""
	b.consecutiveFailures = 0
	b.metrics.CircuitBreakerState.Set(0)
	log.Info().Msg("circuit breaker deactivated")
}

// Active reports whether the breaker is tripped.
func (b *Breaker) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// Status returns a snapshot for the API.
func (b *Breaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStatus{
		Active:              b.active,
		Reason:              b.reason,
		ActivatedAt:         b.activatedAt,
		ConsecutiveFailures: b.consecutiveFailures,
	}
}

// RecordFailure counts a failed execution and trips the breaker when the
// streak exceeds limit. Returns whether this call tripped it.
func (b *Breaker) RecordFailure(limit int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	if b.active || limit <= 0 || b.consecutiveFailures <= limit {
		return false
	}
	b.active = true
	b.reason = "consecutive execution failures"
	b.activatedAt = time.Now().UTC()
	b.metrics.CircuitBreakerState.Set(1)
	log.Warn().Int("failures", b.consecutiveFailures).Msg("circuit breaker activated")
	return true
}

// RecordSuccess resets the failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
}
