package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// GuardConfig tunes one venue's request guard.
type GuardConfig struct {
	Venue          string
	MaxConcurrent  int           // in-flight request cap, venue default 5-10
	RequestsPerSec float64       // steady-state rate
	Burst          int           // rate limiter burst
	BreakerTimeout time.Duration // open-state cool down
}

func (c *GuardConfig) defaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.RequestsPerSec <= 0 {
		c.RequestsPerSec = 10
	}
	if c.Burst <= 0 {
		c.Burst = c.MaxConcurrent * 2
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
}

// Guard serializes access to one venue: a semaphore caps in-flight requests,
// a token bucket paces them, and a circuit breaker sheds load after repeated
// failures. Every adapter call goes through Do.
type Guard struct {
	venue   string
	sem     chan struct{}
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewGuard builds a venue guard.
func NewGuard(cfg GuardConfig) *Guard {
	cfg.defaults()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Venue,
		MaxRequests: 2,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("venue", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("venue circuit breaker state change")
		},
	})
	return &Guard{
		venue:   cfg.Venue,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		breaker: breaker,
	}
}

// Do runs fn under the semaphore, rate limiter, and breaker. Classification
// of fn's error is the caller's job; the breaker counts any non-nil error.
func (g *Guard) Do(ctx context.Context, fn func() error) error {
	select {
	case g.sem <- struct{}{}:
		defer func() { <-g.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("venue %s circuit open: %w", g.venue, ClassifyTransport(g.venue, err))
	}
	return err
}

// Open reports whether the breaker is currently shedding load.
func (g *Guard) Open() bool {
	return g.breaker.State() == gobreaker.StateOpen
}
