package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/perparb/perparb/internal/models"
)

const (
	dydxMainnetURL = "https://indexer.dydx.trade/v4"
	dydxTestnetURL = "https://indexer.v4testnet.dydx.exchange/v4"
)

// dydxAPI reads the dYdX v4 indexer. Order placement goes through the chain,
// not the indexer, so trading requires the local signing sidecar; without it
// the adapter participates in market data and reconciliation only. Funding
// settles hourly.
type dydxAPI struct {
	client  *resty.Client
	address string
}

// NewDYDX builds the dYdX adapter. address is the account's chain address;
// empty leaves account methods unavailable.
func NewDYDX(cfg AdapterConfig, address string) Adapter {
	cfg.defaults()
	base := dydxMainnetURL
	if cfg.Testnet {
		base = dydxTestnetURL
	}
	api := &dydxAPI{
		client:  resty.New().SetBaseURL(base).SetTimeout(cfg.Timeout),
		address: address,
	}
	return newGuardedAdapter(api, cfg)
}

func (d *dydxAPI) Name() string { return "dydx" }

func (d *dydxAPI) get(ctx context.Context, path string, out interface{}) error {
	resp, err := d.client.R().SetContext(ctx).Get(path)
	if err != nil {
		return ClassifyTransport("dydx", err)
	}
	if resp.IsError() {
		var apiErr struct {
			Errors []struct {
				Msg string `json:"msg"`
			} `json:"errors"`
		}
		if json.Unmarshal(resp.Body(), &apiErr) == nil && len(apiErr.Errors) > 0 {
			return Classify("dydx", "", apiErr.Errors[0].Msg)
		}
		return ClassifyTransport("dydx", fmt.Errorf("http %d", resp.StatusCode()))
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("dydx: failed to decode %s response: %w", path, err)
	}
	return nil
}

type dydxMarket struct {
	Ticker          string `json:"ticker"`
	OraclePrice     string `json:"oraclePrice"`
	NextFundingRate string `json:"nextFundingRate"`
	Volume24H       string `json:"volume24H"`
	StepSize        string `json:"stepSize"`
}

func (d *dydxAPI) markets(ctx context.Context) (map[string]dydxMarket, error) {
	var result struct {
		Markets map[string]dydxMarket `json:"markets"`
	}
	if err := d.get(ctx, "/perpetualMarkets", &result); err != nil {
		return nil, err
	}
	return result.Markets, nil
}

func (d *dydxAPI) Ping(ctx context.Context) error {
	_, err := d.markets(ctx)
	return err
}

func (d *dydxAPI) FundingRates(ctx context.Context) ([]models.FundingRate, error) {
	markets, err := d.markets(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]models.FundingRate, 0, len(markets))
	for _, m := range markets {
		fr := models.NewFundingRate("dydx", m.Ticker,
			parseDecimal(m.NextFundingRate), 1, models.SourceExchangeAPI)
		fr.NextFundingTime = now.Truncate(time.Hour).Add(time.Hour)
		out = append(out, fr)
	}
	return out, nil
}

func (d *dydxAPI) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	markets, err := d.markets(ctx)
	if err != nil {
		return nil, err
	}
	m, ok := markets[symbol]
	if !ok {
		return nil, &APIError{Venue: "dydx", Kind: ErrInvalidSymbol,
			Message: fmt.Sprintf("market %s not found", symbol)}
	}
	return &Ticker{
		Symbol:    symbol,
		Last:      parseDecimal(m.OraclePrice),
		MarkPrice: parseDecimal(m.OraclePrice),
		Volume24h: parseDecimal(m.Volume24H),
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (d *dydxAPI) GetLiquidity(ctx context.Context, symbol string) (*Liquidity, error) {
	var book struct {
		Bids []struct {
			Price string `json:"price"`
			Size  string `json:"size"`
		} `json:"bids"`
		Asks []struct {
			Price string `json:"price"`
			Size  string `json:"size"`
		} `json:"asks"`
	}
	if err := d.get(ctx, "/orderbooks/perpetualMarket/"+symbol, &book); err != nil {
		return nil, err
	}
	liq := &Liquidity{Symbol: symbol, UpdatedAt: time.Now().UTC()}
	for _, lvl := range book.Bids {
		liq.BidDepthUSD = liq.BidDepthUSD.Add(parseDecimal(lvl.Price).Mul(parseDecimal(lvl.Size)))
	}
	for _, lvl := range book.Asks {
		liq.AskDepthUSD = liq.AskDepthUSD.Add(parseDecimal(lvl.Price).Mul(parseDecimal(lvl.Size)))
	}
	if len(book.Bids) > 0 && len(book.Asks) > 0 {
		liq.SpreadBps = spreadBps(parseDecimal(book.Bids[0].Price), parseDecimal(book.Asks[0].Price))
	}
	return liq, nil
}

func (d *dydxAPI) MinOrderSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	markets, err := d.markets(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	m, ok := markets[symbol]
	if !ok {
		return decimal.Zero, &APIError{Venue: "dydx", Kind: ErrInvalidSymbol,
			Message: fmt.Sprintf("market %s not found", symbol)}
	}
	return parseDecimal(m.StepSize), nil
}

type dydxSubaccount struct {
	Subaccount struct {
		Equity                 string `json:"equity"`
		FreeCollateral         string `json:"freeCollateral"`
		OpenPerpetualPositions map[string]struct {
			Side          string `json:"side"`
			Size          string `json:"size"`
			EntryPrice    string `json:"entryPrice"`
			UnrealizedPnl string `json:"unrealizedPnl"`
		} `json:"openPerpetualPositions"`
	} `json:"subaccount"`
}

func (d *dydxAPI) subaccount(ctx context.Context) (*dydxSubaccount, error) {
	if d.address == "" {
		return nil, &APIError{Venue: "dydx", Kind: ErrAuth, Message: "no account address configured"}
	}
	var sub dydxSubaccount
	path := fmt.Sprintf("/addresses/%s/subaccountNumber/0", d.address)
	if err := d.get(ctx, path, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (d *dydxAPI) GetBalance(ctx context.Context) (*Balance, error) {
	sub, err := d.subaccount(ctx)
	if err != nil {
		return nil, err
	}
	total := parseDecimal(sub.Subaccount.Equity)
	free := parseDecimal(sub.Subaccount.FreeCollateral)
	return &Balance{
		Venue:     "dydx",
		TotalUSD:  total,
		FreeUSD:   free,
		UsedUSD:   total.Sub(free),
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (d *dydxAPI) GetPositions(ctx context.Context) ([]models.ExchangePosition, error) {
	sub, err := d.subaccount(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var out []models.ExchangePosition
	for ticker, p := range sub.Subaccount.OpenPerpetualPositions {
		size := parseDecimal(p.Size).Abs()
		if size.IsZero() {
			continue
		}
		side := models.SideLong
		if p.Side == "SHORT" {
			side = models.SideShort
		}
		entry := parseDecimal(p.EntryPrice)
		out = append(out, models.ExchangePosition{
			Exchange:      "dydx",
			Symbol:        ticker,
			Side:          side,
			Size:          size,
			NotionalUSD:   size.Mul(entry),
			EntryPrice:    entry,
			UnrealizedPnL: parseDecimal(p.UnrealizedPnl),
			MarginMode:    "cross",
			UpdatedAt:     now,
		})
	}
	return out, nil
}

func (d *dydxAPI) GetOpenOrders(ctx context.Context) ([]models.ExchangeOrder, error) {
	if d.address == "" {
		return nil, &APIError{Venue: "dydx", Kind: ErrAuth, Message: "no account address configured"}
	}
	var rows []struct {
		ID         string `json:"id"`
		Ticker     string `json:"ticker"`
		Side       string `json:"side"`
		Type       string `json:"type"`
		Size       string `json:"size"`
		Price      string `json:"price"`
		Status     string `json:"status"`
		ReduceOnly bool   `json:"reduceOnly"`
	}
	path := fmt.Sprintf("/orders?address=%s&subaccountNumber=0&status=OPEN", d.address)
	if err := d.get(ctx, path, &rows); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]models.ExchangeOrder, 0, len(rows))
	for _, row := range rows {
		side := models.SideLong
		if row.Side == "SELL" {
			side = models.SideShort
		}
		out = append(out, models.ExchangeOrder{
			Exchange:        "dydx",
			ExchangeOrderID: row.ID,
			Symbol:          row.Ticker,
			Side:            side,
			OrderType:       row.Type,
			Quantity:        parseDecimal(row.Size),
			Price:           parseDecimal(row.Price),
			Status:          row.Status,
			ReduceOnly:      row.ReduceOnly,
			UpdatedAt:       now,
		})
	}
	return out, nil
}

func (d *dydxAPI) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	return nil, &APIError{Venue: "dydx", Kind: ErrAuth,
		Message: "order placement requires the chain signing sidecar"}
}

func (d *dydxAPI) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return &APIError{Venue: "dydx", Kind: ErrAuth,
		Message: "order cancellation requires the chain signing sidecar"}
}
