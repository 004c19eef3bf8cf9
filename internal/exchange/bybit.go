package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
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
	bybitMainnetURL = "https://api.bybit.com"
	bybitTestnetURL = "https://api-testnet.bybit.com"
)

// bybitAPI talks to Bybit v5 linear perpetuals.
type bybitAPI struct {
	client *resty.Client
	creds  secrets.Credentials
}

// NewBybit builds the Bybit adapter.
func NewBybit(cfg AdapterConfig) Adapter {
	cfg.defaults()
	base := bybitMainnetURL
	if cfg.Testnet {
		base = bybitTestnetURL
	}
	api := &bybitAPI{
		client: resty.New().SetBaseURL(base).SetTimeout(cfg.Timeout),
		creds:  cfg.Credentials,
	}
	return newGuardedAdapter(api, cfg)
}

func (b *bybitAPI) Name() string { return "bybit" }

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// request runs one v5 call. The signature covers
// timestamp + key + recvWindow + payload, where payload is the query string
// for GETs and the JSON body for POSTs.
func (b *bybitAPI) request(ctx context.Context, method, path string, query url.Values, body interface{}, signed bool, out interface{}) error {
	r := b.client.R().SetContext(ctx)
	payload := ""
	if query != nil {
		payload = query.Encode()
		r.SetQueryParamsFromValues(query)
	}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("bybit: failed to marshal request: %w", err)
		}
		payload = string(raw)
		r.SetHeader("Content-Type", "application/json").SetBody(raw)
	}
	if signed {
		if b.creds.IsZero() {
			return &APIError{Venue: "bybit", Kind: ErrAuth, Message: "no credentials configured"}
		}
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		recvWindow := "5000"
		mac := hmac.New(sha256.New, []byte(b.creds.APISecret))
		mac.Write([]byte(ts + b.creds.APIKey + recvWindow + payload))
		r.SetHeaders(map[string]string{
			"X-BAPI-API-KEY":     b.creds.APIKey,
			"X-BAPI-TIMESTAMP":   ts,
			"X-BAPI-RECV-WINDOW": recvWindow,
			"X-BAPI-SIGN":        hex.EncodeToString(mac.Sum(nil)),
		})
	}

	resp, err := r.Execute(method, path)
	if err != nil {
		return ClassifyTransport("bybit", err)
	}
	if resp.IsError() {
		return ClassifyTransport("bybit", fmt.Errorf("http %d", resp.StatusCode()))
	}
	var env bybitEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("bybit: failed to decode %s response: %w", path, err)
	}
	if env.RetCode != 0 {
		return Classify("bybit", strconv.Itoa(env.RetCode), env.RetMsg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("bybit: failed to decode %s result: %w", path, err)
	}
	return nil
}

func (b *bybitAPI) Ping(ctx context.Context) error {
	return b.request(ctx, "GET", "/v5/market/time", nil, nil, false, nil)
}

type bybitTickerRow struct {
	Symbol          string `json:"symbol"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
	LastPrice       string `json:"lastPrice"`
	Bid1Price       string `json:"bid1Price"`
	Ask1Price       string `json:"ask1Price"`
	MarkPrice       string `json:"markPrice"`
	Turnover24h     string `json:"turnover24h"`
}

func (b *bybitAPI) tickers(ctx context.Context, symbol string) ([]bybitTickerRow, error) {
	query := url.Values{"category": {"linear"}}
	if symbol != "" {
		query.Set("symbol", symbol)
	}
	var result struct {
		List []bybitTickerRow `json:"list"`
	}
	if err := b.request(ctx, "GET", "/v5/market/tickers", query, nil, false, &result); err != nil {
		return nil, err
	}
	return result.List, nil
}

func (b *bybitAPI) FundingRates(ctx context.Context) ([]models.FundingRate, error) {
	rows, err := b.tickers(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]models.FundingRate, 0, len(rows))
	for _, row := range rows {
		if row.FundingRate == "" {
			continue
		}
		fr := models.NewFundingRate("bybit", row.Symbol,
			parseDecimal(row.FundingRate), 8, models.SourceExchangeAPI)
		fr.NextFundingTime = parseMillisStr(row.NextFundingTime)
		out = append(out, fr)
	}
	return out, nil
}

func (b *bybitAPI) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	rows, err := b.tickers(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &APIError{Venue: "bybit", Kind: ErrInvalidSymbol,
			Message: fmt.Sprintf("symbol %s not listed", symbol)}
	}
	row := rows[0]
	return &Ticker{
		Symbol:    symbol,
		Bid:       parseDecimal(row.Bid1Price),
		Ask:       parseDecimal(row.Ask1Price),
		Last:      parseDecimal(row.LastPrice),
		MarkPrice: parseDecimal(row.MarkPrice),
		Volume24h: parseDecimal(row.Turnover24h),
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (b *bybitAPI) GetLiquidity(ctx context.Context, symbol string) (*Liquidity, error) {
	query := url.Values{"category": {"linear"}, "symbol": {symbol}, "limit": {"50"}}
	var result struct {
		Bids [][]string `json:"b"`
		Asks [][]string `json:"a"`
	}
	if err := b.request(ctx, "GET", "/v5/market/orderbook", query, nil, false, &result); err != nil {
		return nil, err
	}
	liq := &Liquidity{
		Symbol:      symbol,
		BidDepthUSD: depthUSD(result.Bids),
		AskDepthUSD: depthUSD(result.Asks),
		UpdatedAt:   time.Now().UTC(),
	}
	if len(result.Bids) > 0 && len(result.Asks) > 0 {
		liq.SpreadBps = spreadBps(parseDecimal(result.Bids[0][0]), parseDecimal(result.Asks[0][0]))
	}
	return liq, nil
}

func (b *bybitAPI) MinOrderSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	query := url.Values{"category": {"linear"}, "symbol": {symbol}}
	var result struct {
		List []struct {
			LotSizeFilter struct {
				MinOrderQty string `json:"minOrderQty"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := b.request(ctx, "GET", "/v5/market/instruments-info", query, nil, false, &result); err != nil {
		return decimal.Zero, err
	}
	if len(result.List) == 0 {
		return decimal.Zero, &APIError{Venue: "bybit", Kind: ErrInvalidSymbol,
			Message: fmt.Sprintf("symbol %s not listed", symbol)}
	}
	return parseDecimal(result.List[0].LotSizeFilter.MinOrderQty), nil
}

func (b *bybitAPI) GetBalance(ctx context.Context) (*Balance, error) {
	query := url.Values{"accountType": {"UNIFIED"}}
	var result struct {
		List []struct {
			TotalEquity           string `json:"totalEquity"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
		} `json:"list"`
	}
	if err := b.request(ctx, "GET", "/v5/account/wallet-balance", query, nil, true, &result); err != nil {
		return nil, err
	}
	bal := &Balance{Venue: "bybit", UpdatedAt: time.Now().UTC()}
	if len(result.List) > 0 {
		bal.TotalUSD = parseDecimal(result.List[0].TotalEquity)
		bal.FreeUSD = parseDecimal(result.List[0].TotalAvailableBalance)
		bal.UsedUSD = bal.TotalUSD.Sub(bal.FreeUSD)
	}
	return bal, nil
}

func (b *bybitAPI) GetPositions(ctx context.Context) ([]models.ExchangePosition, error) {
	query := url.Values{"category": {"linear"}, "settleCoin": {"USDT"}}
	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
			Leverage      string `json:"leverage"`
			LiqPrice      string `json:"liqPrice"`
			TradeMode     int    `json:"tradeMode"`
		} `json:"list"`
	}
	if err := b.request(ctx, "GET", "/v5/position/list", query, nil, true, &result); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var out []models.ExchangePosition
	for _, row := range result.List {
		size := parseDecimal(row.Size)
		if size.IsZero() {
			continue
		}
		side := models.SideLong
		if row.Side == "Sell" {
			side = models.SideShort
		}
		marginMode := "cross"
		if row.TradeMode == 1 {
			marginMode = "isolated"
		}
		mark := parseDecimal(row.MarkPrice)
		out = append(out, models.ExchangePosition{
			Exchange:         "bybit",
			Symbol:           row.Symbol,
			Side:             side,
			Size:             size,
			NotionalUSD:      size.Mul(mark),
			EntryPrice:       parseDecimal(row.AvgPrice),
			MarkPrice:        mark,
			UnrealizedPnL:    parseDecimal(row.UnrealisedPnl),
			Leverage:         parseDecimal(row.Leverage),
			LiquidationPrice: parseDecimal(row.LiqPrice),
			MarginMode:       marginMode,
			UpdatedAt:        now,
		})
	}
	return out, nil
}

func (b *bybitAPI) GetOpenOrders(ctx context.Context) ([]models.ExchangeOrder, error) {
	query := url.Values{"category": {"linear"}, "settleCoin": {"USDT"}}
	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			OrderType   string `json:"orderType"`
			Qty         string `json:"qty"`
			Price       string `json:"price"`
			OrderStatus string `json:"orderStatus"`
			ReduceOnly  bool   `json:"reduceOnly"`
		} `json:"list"`
	}
	if err := b.request(ctx, "GET", "/v5/order/realtime", query, nil, true, &result); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]models.ExchangeOrder, 0, len(result.List))
	for _, row := range result.List {
		side := models.SideLong
		if row.Side == "Sell" {
			side = models.SideShort
		}
		out = append(out, models.ExchangeOrder{
			Exchange:        "bybit",
			ExchangeOrderID: row.OrderID,
			Symbol:          row.Symbol,
			Side:            side,
			OrderType:       row.OrderType,
			Quantity:        parseDecimal(row.Qty),
			Price:           parseDecimal(row.Price),
			Status:          row.OrderStatus,
			ReduceOnly:      row.ReduceOnly,
			UpdatedAt:       now,
		})
	}
	return out, nil
}

func (b *bybitAPI) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	side := "Buy"
	if req.Side == models.SideShort {
		side = "Sell"
	}
	body := map[string]interface{}{
		"category":  "linear",
		"symbol":    req.Symbol,
		"side":      side,
		"orderType": "Market",
		"qty":       req.Quantity.String(),
	}
	if req.Type == OrderLimit {
		body["orderType"] = "Limit"
		body["price"] = req.Price.String()
		body["timeInForce"] = "GTC"
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}
	if req.ClientID != "" {
		body["orderLinkId"] = req.ClientID
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := b.request(ctx, "POST", "/v5/order/create", nil, body, true, &result); err != nil {
		return nil, err
	}
	// Market orders on v5 ack with the id only; fills arrive via the order
	// query. Report the requested quantity as submitted.
	return &OrderResult{
		OrderID:        result.OrderID,
		Status:         "submitted",
		FilledQuantity: req.Quantity,
		PlacedAt:       time.Now().UTC(),
	}, nil
}

func (b *bybitAPI) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	}
	return b.request(ctx, "POST", "/v5/order/cancel", nil, body, true, nil)
}
