package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/perparb/perparb/internal/models"
	"github.com/perparb/perparb/internal/secrets"
)

const (
	gateMainnetURL = "https://api.gateio.ws"
	gateTestnetURL = "https://fx-api-testnet.gateio.ws"
	gatePrefix     = "/api/v4"
)

// gateAPI talks to Gate.io USDT-settled perpetual futures. Contract sizes are
// integer numbers of contracts; the caller's base-unit quantity is converted
// with the contract multiplier.
type gateAPI struct {
	client *resty.Client
	creds  secrets.Credentials
}

// NewGate builds the Gate.io adapter.
func NewGate(cfg AdapterConfig) Adapter {
	cfg.defaults()
	base := gateMainnetURL
	if cfg.Testnet {
		base = gateTestnetURL
	}
	api := &gateAPI{
		client: resty.New().SetBaseURL(base).SetTimeout(cfg.Timeout),
		creds:  cfg.Credentials,
	}
	return newGuardedAdapter(api, cfg)
}

func (g *gateAPI) Name() string { return "gate" }

type gateError struct {
	Label   string `json:"label"`
	Message string `json:"message"`
}

func (g *gateAPI) request(ctx context.Context, method, path string, query url.Values, body interface{}, signed bool, out interface{}) error {
	r := g.client.R().SetContext(ctx)
	queryStr := ""
	if query != nil {
		queryStr = query.Encode()
		r.SetQueryParamsFromValues(query)
	}
	payload := ""
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gate: failed to marshal request: %w", err)
		}
		payload = string(raw)
		r.SetHeader("Content-Type", "application/json").SetBody(raw)
	}
	if signed {
		if g.creds.IsZero() {
			return &APIError{Venue: "gate", Kind: ErrAuth, Message: "no credentials configured"}
		}
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		bodyHash := sha512.Sum512([]byte(payload))
		msg := method + "\n" + gatePrefix + path + "\n" + queryStr + "\n" +
			hex.EncodeToString(bodyHash[:]) + "\n" + ts
		mac := hmac.New(sha512.New, []byte(g.creds.APISecret))
		mac.Write([]byte(msg))
		r.SetHeaders(map[string]string{
			"KEY":       g.creds.APIKey,
			"Timestamp": ts,
			"SIGN":      hex.EncodeToString(mac.Sum(nil)),
		})
	}

	resp, err := r.Execute(method, gatePrefix+path)
	if err != nil {
		return ClassifyTransport("gate", err)
	}
	if resp.IsError() {
		var apiErr gateError
		if json.Unmarshal(resp.Body(), &apiErr) == nil && apiErr.Label != "" {
			return Classify("gate", apiErr.Label, apiErr.Message)
		}
		return ClassifyTransport("gate", fmt.Errorf("http %d", resp.StatusCode()))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("gate: failed to decode %s response: %w", path, err)
	}
	return nil
}

func (g *gateAPI) Ping(ctx context.Context) error {
	var out interface{}
	return g.request(ctx, "GET", "/futures/usdt/contracts", url.Values{"limit": {"1"}}, nil, false, &out)
}

type gateContract struct {
	Name             string `json:"name"`
	FundingRate      string `json:"funding_rate"`
	FundingNextApply int64  `json:"funding_next_apply"`
	FundingInterval  int64  `json:"funding_interval"`
	OrderSizeMin     int64  `json:"order_size_min"`
	QuantoMultiplier string `json:"quanto_multiplier"`
	LastPrice        string `json:"last_price"`
}

func (g *gateAPI) contracts(ctx context.Context) ([]gateContract, error) {
	var rows []gateContract
	if err := g.request(ctx, "GET", "/futures/usdt/contracts", nil, nil, false, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (g *gateAPI) FundingRates(ctx context.Context) ([]models.FundingRate, error) {
	rows, err := g.contracts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.FundingRate, 0, len(rows))
	for _, row := range rows {
		interval := 8
		if row.FundingInterval == 3600 {
			interval = 1
		}
		fr := models.NewFundingRate("gate", row.Name,
			parseDecimal(row.FundingRate), interval, models.SourceExchangeAPI)
		if row.FundingNextApply > 0 {
			fr.NextFundingTime = time.Unix(row.FundingNextApply, 0).UTC()
		}
		out = append(out, fr)
	}
	return out, nil
}

func (g *gateAPI) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	query := url.Values{"contract": {symbol}}
	var rows []struct {
		Last        string `json:"last"`
		HighestBid  string `json:"highest_bid"`
		LowestAsk   string `json:"lowest_ask"`
		Volume24hQ  string `json:"volume_24h_quote"`
		MarkPrice   string `json:"mark_price"`
	}
	if err := g.request(ctx, "GET", "/futures/usdt/tickers", query, nil, false, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &APIError{Venue: "gate", Kind: ErrInvalidSymbol,
			Message: fmt.Sprintf("contract %s not listed", symbol)}
	}
	row := rows[0]
	return &Ticker{
		Symbol:    symbol,
		Bid:       parseDecimal(row.HighestBid),
		Ask:       parseDecimal(row.LowestAsk),
		Last:      parseDecimal(row.Last),
		MarkPrice: parseDecimal(row.MarkPrice),
		Volume24h: parseDecimal(row.Volume24hQ),
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (g *gateAPI) GetLiquidity(ctx context.Context, symbol string) (*Liquidity, error) {
	query := url.Values{"contract": {symbol}, "limit": {"50"}}
	var book struct {
		Bids []struct {
			P string          `json:"p"`
			S json.Number     `json:"s"`
		} `json:"bids"`
		Asks []struct {
			P string          `json:"p"`
			S json.Number     `json:"s"`
		} `json:"asks"`
	}
	if err := g.request(ctx, "GET", "/futures/usdt/order_book", query, nil, false, &book); err != nil {
		return nil, err
	}
	liq := &Liquidity{Symbol: symbol, UpdatedAt: time.Now().UTC()}
	for _, lvl := range book.Bids {
		liq.BidDepthUSD = liq.BidDepthUSD.Add(parseDecimal(lvl.P).Mul(parseDecimal(lvl.S.String())))
	}
	for _, lvl := range book.Asks {
		liq.AskDepthUSD = liq.AskDepthUSD.Add(parseDecimal(lvl.P).Mul(parseDecimal(lvl.S.String())))
	}
	if len(book.Bids) > 0 && len(book.Asks) > 0 {
		liq.SpreadBps = spreadBps(parseDecimal(book.Bids[0].P), parseDecimal(book.Asks[0].P))
	}
	return liq, nil
}

func (g *gateAPI) MinOrderSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	rows, err := g.contracts(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, row := range rows {
		if row.Name == symbol {
			// min contracts times the per-contract base quantity
			return decimal.NewFromInt(row.OrderSizeMin).Mul(parseDecimal(row.QuantoMultiplier)), nil
		}
	}
	return decimal.Zero, &APIError{Venue: "gate", Kind: ErrInvalidSymbol,
		Message: fmt.Sprintf("contract %s not listed", symbol)}
}

func (g *gateAPI) GetBalance(ctx context.Context) (*Balance, error) {
	var acct struct {
		Total     string `json:"total"`
		Available string `json:"available"`
	}
	if err := g.request(ctx, "GET", "/futures/usdt/accounts", nil, nil, true, &acct); err != nil {
		return nil, err
	}
	total := parseDecimal(acct.Total)
	free := parseDecimal(acct.Available)
	return &Balance{
		Venue:     "gate",
		TotalUSD:  total,
		FreeUSD:   free,
		UsedUSD:   total.Sub(free),
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (g *gateAPI) GetPositions(ctx context.Context) ([]models.ExchangePosition, error) {
	var rows []struct {
		Contract      string `json:"contract"`
		Size          int64  `json:"size"`
		EntryPrice    string `json:"entry_price"`
		MarkPrice     string `json:"mark_price"`
		UnrealisedPnl string `json:"unrealised_pnl"`
		Leverage      string `json:"leverage"`
		LiqPrice      string `json:"liq_price"`
		Mode          string `json:"mode"`
	}
	if err := g.request(ctx, "GET", "/futures/usdt/positions", nil, nil, true, &rows); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var out []models.ExchangePosition
	for _, row := range rows {
		if row.Size == 0 {
			continue
		}
		side := models.SideLong
		size := decimal.NewFromInt(row.Size)
		if row.Size < 0 {
			side = models.SideShort
			size = size.Abs()
		}
		mark := parseDecimal(row.MarkPrice)
		out = append(out, models.ExchangePosition{
			Exchange:         "gate",
			Symbol:           row.Contract,
			Side:             side,
			Size:             size,
			NotionalUSD:      size.Mul(mark),
			EntryPrice:       parseDecimal(row.EntryPrice),
			MarkPrice:        mark,
			UnrealizedPnL:    parseDecimal(row.UnrealisedPnl),
			Leverage:         parseDecimal(row.Leverage),
			LiquidationPrice: parseDecimal(row.LiqPrice),
			MarginMode:       row.Mode,
			UpdatedAt:        now,
		})
	}
	return out, nil
}

func (g *gateAPI) GetOpenOrders(ctx context.Context) ([]models.ExchangeOrder, error) {
	query := url.Values{"status": {"open"}}
	var rows []struct {
		ID       int64       `json:"id"`
		Contract string      `json:"contract"`
		Size     int64       `json:"size"`
		Price    string      `json:"price"`
		Status   string      `json:"status"`
		IsReduceOnly bool    `json:"is_reduce_only"`
	}
	if err := g.request(ctx, "GET", "/futures/usdt/orders", query, nil, true, &rows); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]models.ExchangeOrder, 0, len(rows))
	for _, row := range rows {
		side := models.SideLong
		size := decimal.NewFromInt(row.Size)
		if row.Size < 0 {
			side = models.SideShort
			size = size.Abs()
		}
		out = append(out, models.ExchangeOrder{
			Exchange:        "gate",
			ExchangeOrderID: strconv.FormatInt(row.ID, 10),
			Symbol:          row.Contract,
			Side:            side,
			OrderType:       "limit",
			Quantity:        size,
			Price:           parseDecimal(row.Price),
			Status:          row.Status,
			ReduceOnly:      row.IsReduceOnly,
			UpdatedAt:       now,
		})
	}
	return out, nil
}

func (g *gateAPI) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	// Convert base quantity to signed contract count.
	multiplier := decimal.NewFromInt(1)
	rows, err := g.contracts(ctx)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.Name == req.Symbol {
			if m := parseDecimal(row.QuantoMultiplier); !m.IsZero() {
				multiplier = m
			}
			break
		}
	}
	contracts := req.Quantity.Div(multiplier).Round(0)
	if req.Side == models.SideShort {
		contracts = contracts.Neg()
	}
	body := map[string]interface{}{
		"contract": req.Symbol,
		"size":     contracts.IntPart(),
		"price":    "0", // market order
		"tif":      "ioc",
	}
	if req.Type == OrderLimit {
		body["price"] = req.Price.String()
		body["tif"] = "gtc"
	}
	if req.ReduceOnly {
		body["reduce_only"] = true
	}

	var result struct {
		ID         int64  `json:"id"`
		Status     string `json:"status"`
		FillPrice  string `json:"fill_price"`
	}
	if err := g.request(ctx, "POST", "/futures/usdt/orders", nil, body, true, &result); err != nil {
		return nil, err
	}
	return &OrderResult{
		OrderID:        strconv.FormatInt(result.ID, 10),
		Status:         result.Status,
		FilledQuantity: req.Quantity,
		AvgFillPrice:   parseDecimal(result.FillPrice),
		PlacedAt:       time.Now().UTC(),
	}, nil
}

func (g *gateAPI) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return g.request(ctx, "DELETE", "/futures/usdt/orders/"+orderID, nil, nil, true, nil)
}
