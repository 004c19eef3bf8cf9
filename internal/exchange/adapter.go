// Package exchange provides the venue adapter layer: a uniform capability
// interface over heterogeneous perpetual-futures APIs, with per-venue
// concurrency guards, rate limiting, circuit breaking, retry, and error
// classification.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perparb/perparb/internal/models"
)

// OrderType is the venue-agnostic order type.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// OrderRequest is a venue-agnostic order. Quantity is in base units.
type OrderRequest struct {
	Symbol     string
	Side       models.PositionSide
	Type       OrderType
	Quantity   decimal.Decimal
	Price      decimal.Decimal // limit orders only
	ReduceOnly bool
	ClientID   string
}

// OrderResult is what the venue acknowledged.
type OrderResult struct {
	OrderID        string
	Status         string
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	PlacedAt       time.Time
}

// Ticker is a venue's current view of one symbol.
type Ticker struct {
	Symbol    string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Last      decimal.Decimal
	MarkPrice decimal.Decimal
	Volume24h decimal.Decimal
	UpdatedAt time.Time
}

// Liquidity summarizes top-of-book depth for slippage estimation.
type Liquidity struct {
	Symbol       string
	BidDepthUSD  decimal.Decimal
	AskDepthUSD  decimal.Decimal
	SpreadBps    decimal.Decimal
	Volume24hUSD decimal.Decimal
	UpdatedAt    time.Time
}

// Balance is the venue account's USD-denominated margin state.
type Balance struct {
	Venue     string
	TotalUSD  decimal.Decimal
	FreeUSD   decimal.Decimal
	UsedUSD   decimal.Decimal
	UpdatedAt time.Time
}

// Adapter is the uniform capability surface over one venue. Read-only
// methods work without credentials; trading methods require them.
type Adapter interface {
	Name() string
	// Initialize verifies connectivity and, when credentials are present,
	// authentication. Adapters must be initialized before trading calls.
	Initialize(ctx context.Context) error
	Close() error

	FundingRates(ctx context.Context) ([]models.FundingRate, error)
	Prices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetLiquidity(ctx context.Context, symbol string) (*Liquidity, error)
	MinOrderSize(ctx context.Context, symbol string) (decimal.Decimal, error)

	GetBalance(ctx context.Context) (*Balance, error)
	GetPositions(ctx context.Context) ([]models.ExchangePosition, error)
	GetOpenOrders(ctx context.Context) ([]models.ExchangeOrder, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}
