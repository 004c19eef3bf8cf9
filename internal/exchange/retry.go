package exchange

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
)

// RetryPolicy bounds adapter call retries. Only errors classified as
// retryable are retried; everything else surfaces immediately.
type RetryPolicy struct {
	MaxRetries int
	MinDelay   time.Duration
	MaxDelay   time.Duration
}

func (p *RetryPolicy) defaults() {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.MinDelay <= 0 {
		p.MinDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
}

// withRetry runs fn until it succeeds, fails terminally, or the retry budget
// is spent. Delays grow exponentially with jitter.
func withRetry(ctx context.Context, venue string, policy RetryPolicy, fn func() error) error {
	policy.defaults()
	b := &backoff.Backoff{
		Min:    policy.MinDelay,
		Max:    policy.MaxDelay,
		Factor: 2,
		Jitter: true,
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		kind := KindOf(err)
		if !kind.Retryable() || attempt >= policy.MaxRetries {
			return err
		}
		delay := b.Duration()
		log.Debug().
			Str("venue", venue).
			Str("kind", string(kind)).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("retrying venue call")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
