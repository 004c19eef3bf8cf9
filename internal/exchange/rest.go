package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perparb/perparb/internal/models"
	"github.com/perparb/perparb/internal/secrets"
)

// venueAPI is the raw per-venue surface: request building, signing, and
// response decoding with no cross-cutting behavior. guardedAdapter wraps it
// with the semaphore, rate limiter, breaker, retry, and health tracking.
type venueAPI interface {
	Name() string
	Ping(ctx context.Context) error
	FundingRates(ctx context.Context) ([]models.FundingRate, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetLiquidity(ctx context.Context, symbol string) (*Liquidity, error)
	MinOrderSize(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetBalance(ctx context.Context) (*Balance, error)
	GetPositions(ctx context.Context) ([]models.ExchangePosition, error)
	GetOpenOrders(ctx context.Context) ([]models.ExchangeOrder, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// AdapterConfig parameterizes one venue adapter instance.
type AdapterConfig struct {
	Venue       string
	Testnet     bool
	Credentials secrets.Credentials
	Guard       GuardConfig
	Retry       RetryPolicy
	Timeout     time.Duration
}

func (c *AdapterConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Guard.Venue == "" {
		c.Guard.Venue = c.Venue
	}
}

// guardedAdapter implements Adapter by wrapping a venueAPI with the shared
// cross-cutting layers.
type guardedAdapter struct {
	api    venueAPI
	guard  *Guard
	retry  RetryPolicy
	health *HealthTracker
}

func newGuardedAdapter(api venueAPI, cfg AdapterConfig) *guardedAdapter {
	cfg.defaults()
	return &guardedAdapter{
		api:    api,
		guard:  NewGuard(cfg.Guard),
		retry:  cfg.Retry,
		health: NewHealthTracker(0, 0),
	}
}

func (a *guardedAdapter) Name() string { return a.api.Name() }

func (a *guardedAdapter) Initialize(ctx context.Context) error {
	return a.do(ctx, func() error { return a.api.Ping(ctx) })
}

func (a *guardedAdapter) Close() error { return nil }

// do is the single chokepoint: retry outside, guard inside, health on the
// final outcome.
func (a *guardedAdapter) do(ctx context.Context, fn func() error) error {
	if !a.health.TryRecover() {
		return fmt.Errorf("venue %s marked down: %w",
			a.api.Name(), ClassifyTransport(a.api.Name(), fmt.Errorf("recovery budget exhausted")))
	}
	err := withRetry(ctx, a.api.Name(), a.retry, func() error {
		return a.guard.Do(ctx, fn)
	})
	if err != nil {
		a.health.RecordError(err)
		return err
	}
	a.health.RecordSuccess()
	return nil
}

func (a *guardedAdapter) FundingRates(ctx context.Context) ([]models.FundingRate, error) {
	var out []models.FundingRate
	err := a.do(ctx, func() (e error) { out, e = a.api.FundingRates(ctx); return })
	return out, err
}

func (a *guardedAdapter) Prices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, symbol := range symbols {
		ticker, err := a.GetTicker(ctx, symbol)
		if err != nil {
			return nil, err
		}
		out[symbol] = ticker.Last
	}
	return out, nil
}

func (a *guardedAdapter) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	var out *Ticker
	err := a.do(ctx, func() (e error) { out, e = a.api.GetTicker(ctx, symbol); return })
	return out, err
}

func (a *guardedAdapter) GetLiquidity(ctx context.Context, symbol string) (*Liquidity, error) {
	var out *Liquidity
	err := a.do(ctx, func() (e error) { out, e = a.api.GetLiquidity(ctx, symbol); return })
	return out, err
}

func (a *guardedAdapter) MinOrderSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := a.do(ctx, func() (e error) { out, e = a.api.MinOrderSize(ctx, symbol); return })
	return out, err
}

func (a *guardedAdapter) GetBalance(ctx context.Context) (*Balance, error) {
	var out *Balance
	err := a.do(ctx, func() (e error) { out, e = a.api.GetBalance(ctx); return })
	return out, err
}

func (a *guardedAdapter) GetPositions(ctx context.Context) ([]models.ExchangePosition, error) {
	var out []models.ExchangePosition
	err := a.do(ctx, func() (e error) { out, e = a.api.GetPositions(ctx); return })
	return out, err
}

func (a *guardedAdapter) GetOpenOrders(ctx context.Context) ([]models.ExchangeOrder, error) {
	var out []models.ExchangeOrder
	err := a.do(ctx, func() (e error) { out, e = a.api.GetOpenOrders(ctx); return })
	return out, err
}

func (a *guardedAdapter) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	var out *OrderResult
	// Orders are never blindly retried: a transient failure after submission
	// could have filled. The single attempt still goes through the guard.
	if !a.health.TryRecover() {
		return nil, ClassifyTransport(a.api.Name(), fmt.Errorf("venue marked down"))
	}
	err := a.guard.Do(ctx, func() (e error) { out, e = a.api.PlaceOrder(ctx, req); return })
	if err != nil {
		a.health.RecordError(err)
		return nil, err
	}
	a.health.RecordSuccess()
	return out, nil
}

func (a *guardedAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return a.do(ctx, func() error { return a.api.CancelOrder(ctx, symbol, orderID) })
}

// Health exposes the tracker for the aggregator's venue health loop.
func (a *guardedAdapter) Health() *HealthTracker { return a.health }
