package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
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
	bitgetBaseURL     = "https://api.bitget.com"
	bitgetProductType = "USDT-FUTURES"
)

// bitgetAPI talks to Bitget mix (futures) v2.
type bitgetAPI struct {
	client *resty.Client
	creds  secrets.Credentials
}

// NewBitget builds the Bitget adapter.
func NewBitget(cfg AdapterConfig) Adapter {
	cfg.defaults()
	api := &bitgetAPI{
		client: resty.New().SetBaseURL(bitgetBaseURL).SetTimeout(cfg.Timeout),
		creds:  cfg.Credentials,
	}
	return newGuardedAdapter(api, cfg)
}

func (b *bitgetAPI) Name() string { return "bitget" }

type bitgetEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (b *bitgetAPI) request(ctx context.Context, method, path string, query url.Values, body interface{}, signed bool, out interface{}) error {
	r := b.client.R().SetContext(ctx)
	requestPath := path
	if query != nil {
		requestPath = path + "?" + query.Encode()
		r.SetQueryParamsFromValues(query)
	}
	payload := ""
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("bitget: failed to marshal request: %w", err)
		}
		payload = string(raw)
		r.SetHeader("Content-Type", "application/json").SetBody(raw)
	}
	if signed {
		if b.creds.IsZero() {
			return &APIError{Venue: "bitget", Kind: ErrAuth, Message: "no credentials configured"}
		}
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		mac := hmac.New(sha256.New, []byte(b.creds.APISecret))
		mac.Write([]byte(ts + method + requestPath + payload))
		r.SetHeaders(map[string]string{
			"ACCESS-KEY":        b.creds.APIKey,
			"ACCESS-SIGN":       base64.StdEncoding.EncodeToString(mac.Sum(nil)),
			"ACCESS-TIMESTAMP":  ts,
			"ACCESS-PASSPHRASE": b.creds.Passphrase,
		})
	}

	resp, err := r.Execute(method, path)
	if err != nil {
		return ClassifyTransport("bitget", err)
	}
	if resp.IsError() {
		return ClassifyTransport("bitget", fmt.Errorf("http %d", resp.StatusCode()))
	}
	var env bitgetEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("bitget: failed to decode %s response: %w", path, err)
	}
	if env.Code != "00000" {
		return Classify("bitget", env.Code, env.Msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("bitget: failed to decode %s data: %w", path, err)
	}
	return nil
}

func (b *bitgetAPI) Ping(ctx context.Context) error {
	var out json.RawMessage
	return b.request(ctx, "GET", "/api/v2/public/time", nil, nil, false, &out)
}

type bitgetTickerRow struct {
	Symbol      string `json:"symbol"`
	FundingRate string `json:"fundingRate"`
	LastPr      string `json:"lastPr"`
	BidPr       string `json:"bidPr"`
	AskPr       string `json:"askPr"`
	MarkPrice   string `json:"markPrice"`
	UsdtVolume  string `json:"usdtVolume"`
}

func (b *bitgetAPI) tickers(ctx context.Context, symbol string) ([]bitgetTickerRow, error) {
	query := url.Values{"productType": {bitgetProductType}}
	path := "/api/v2/mix/market/tickers"
	if symbol != "" {
		query.Set("symbol", symbol)
		path = "/api/v2/mix/market/ticker"
	}
	var rows []bitgetTickerRow
	if err := b.request(ctx, "GET", path, query, nil, false, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (b *bitgetAPI) FundingRates(ctx context.Context) ([]models.FundingRate, error) {
	rows, err := b.tickers(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]models.FundingRate, 0, len(rows))
	for _, row := range rows {
		if row.FundingRate == "" {
			continue
		}
		out = append(out, models.NewFundingRate("bitget", row.Symbol,
			parseDecimal(row.FundingRate), 8, models.SourceExchangeAPI))
	}
	return out, nil
}

func (b *bitgetAPI) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	rows, err := b.tickers(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &APIError{Venue: "bitget", Kind: ErrInvalidSymbol,
			Message: fmt.Sprintf("symbol %s not listed", symbol)}
	}
	row := rows[0]
	return &Ticker{
		Symbol:    symbol,
		Bid:       parseDecimal(row.BidPr),
		Ask:       parseDecimal(row.AskPr),
		Last:      parseDecimal(row.LastPr),
		MarkPrice: parseDecimal(row.MarkPrice),
		Volume24h: parseDecimal(row.UsdtVolume),
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (b *bitgetAPI) GetLiquidity(ctx context.Context, symbol string) (*Liquidity, error) {
	query := url.Values{
		"productType": {bitgetProductType},
		"symbol":      {symbol},
		"limit":       {"50"},
	}
	var book struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := b.request(ctx, "GET", "/api/v2/mix/market/merge-depth", query, nil, false, &book); err != nil {
		return nil, err
	}
	liq := &Liquidity{
		Symbol:      symbol,
		BidDepthUSD: depthUSD(book.Bids),
		AskDepthUSD: depthUSD(book.Asks),
		UpdatedAt:   time.Now().UTC(),
	}
	if len(book.Bids) > 0 && len(book.Asks) > 0 {
		liq.SpreadBps = spreadBps(parseDecimal(book.Bids[0][0]), parseDecimal(book.Asks[0][0]))
	}
	return liq, nil
}

func (b *bitgetAPI) MinOrderSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	query := url.Values{"productType": {bitgetProductType}, "symbol": {symbol}}
	var rows []struct {
		MinTradeNum string `json:"minTradeNum"`
	}
	if err := b.request(ctx, "GET", "/api/v2/mix/market/contracts", query, nil, false, &rows); err != nil {
		return decimal.Zero, err
	}
	if len(rows) == 0 {
		return decimal.Zero, &APIError{Venue: "bitget", Kind: ErrInvalidSymbol,
			Message: fmt.Sprintf("symbol %s not listed", symbol)}
	}
	return parseDecimal(rows[0].MinTradeNum), nil
}

func (b *bitgetAPI) GetBalance(ctx context.Context) (*Balance, error) {
	query := url.Values{"productType": {bitgetProductType}}
	var rows []struct {
		MarginCoin string `json:"marginCoin"`
		Equity     string `json:"accountEquity"`
		Available  string `json:"available"`
	}
	if err := b.request(ctx, "GET", "/api/v2/mix/account/accounts", query, nil, true, &rows); err != nil {
		return nil, err
	}
	bal := &Balance{Venue: "bitget", UpdatedAt: time.Now().UTC()}
	for _, row := range rows {
		if row.MarginCoin != "USDT" && row.MarginCoin != "USDC" {
			continue
		}
		total := parseDecimal(row.Equity)
		free := parseDecimal(row.Available)
		bal.TotalUSD = bal.TotalUSD.Add(total)
		bal.FreeUSD = bal.FreeUSD.Add(free)
		bal.UsedUSD = bal.UsedUSD.Add(total.Sub(free))
	}
	return bal, nil
}

func (b *bitgetAPI) GetPositions(ctx context.Context) ([]models.ExchangePosition, error) {
	query := url.Values{"productType": {bitgetProductType}}
	var rows []struct {
		Symbol           string `json:"symbol"`
		HoldSide         string `json:"holdSide"`
		Total            string `json:"total"`
		OpenPriceAvg     string `json:"openPriceAvg"`
		MarkPrice        string `json:"markPrice"`
		UnrealizedPL     string `json:"unrealizedPL"`
		Leverage         string `json:"leverage"`
		LiquidationPrice string `json:"liquidationPrice"`
		MarginMode       string `json:"marginMode"`
	}
	if err := b.request(ctx, "GET", "/api/v2/mix/position/all-position", query, nil, true, &rows); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var out []models.ExchangePosition
	for _, row := range rows {
		size := parseDecimal(row.Total)
		if size.IsZero() {
			continue
		}
		side := models.SideLong
		if row.HoldSide == "short" {
			side = models.SideShort
		}
		mark := parseDecimal(row.MarkPrice)
		out = append(out, models.ExchangePosition{
			Exchange:         "bitget",
			Symbol:           row.Symbol,
			Side:             side,
			Size:             size,
			NotionalUSD:      size.Mul(mark),
			EntryPrice:       parseDecimal(row.OpenPriceAvg),
			MarkPrice:        mark,
			UnrealizedPnL:    parseDecimal(row.UnrealizedPL),
			Leverage:         parseDecimal(row.Leverage),
			LiquidationPrice: parseDecimal(row.LiquidationPrice),
			MarginMode:       row.MarginMode,
			UpdatedAt:        now,
		})
	}
	return out, nil
}

func (b *bitgetAPI) GetOpenOrders(ctx context.Context) ([]models.ExchangeOrder, error) {
	query := url.Values{"productType": {bitgetProductType}}
	var result struct {
		EntrustedList []struct {
			OrderID    string `json:"orderId"`
			Symbol     string `json:"symbol"`
			Side       string `json:"side"`
			OrderType  string `json:"orderType"`
			Size       string `json:"size"`
			Price      string `json:"price"`
			Status     string `json:"status"`
			ReduceOnly string `json:"reduceOnly"`
		} `json:"entrustedList"`
	}
	if err := b.request(ctx, "GET", "/api/v2/mix/order/orders-pending", query, nil, true, &result); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]models.ExchangeOrder, 0, len(result.EntrustedList))
	for _, row := range result.EntrustedList {
		side := models.SideLong
		if row.Side == "sell" {
			side = models.SideShort
		}
		out = append(out, models.ExchangeOrder{
			Exchange:        "bitget",
			ExchangeOrderID: row.OrderID,
			Symbol:          row.Symbol,
			Side:            side,
			OrderType:       row.OrderType,
			Quantity:        parseDecimal(row.Size),
			Price:           parseDecimal(row.Price),
			Status:          row.Status,
			ReduceOnly:      row.ReduceOnly == "YES",
			UpdatedAt:       now,
		})
	}
	return out, nil
}

func (b *bitgetAPI) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	side := "buy"
	if req.Side == models.SideShort {
		side = "sell"
	}
	body := map[string]interface{}{
		"symbol":      req.Symbol,
		"productType": bitgetProductType,
		"marginMode":  "crossed",
		"marginCoin":  "USDT",
		"size":        req.Quantity.String(),
		"side":        side,
		"orderType":   "market",
	}
	if req.Type == OrderLimit {
		body["orderType"] = "limit"
		body["price"] = req.Price.String()
	}
	if req.ReduceOnly {
		body["reduceOnly"] = "YES"
	}
	if req.ClientID != "" {
		body["clientOid"] = req.ClientID
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := b.request(ctx, "POST", "/api/v2/mix/order/place-order", nil, body, true, &result); err != nil {
		return nil, err
	}
	return &OrderResult{
		OrderID:        result.OrderID,
		Status:         "submitted",
		FilledQuantity: req.Quantity,
		PlacedAt:       time.Now().UTC(),
	}, nil
}

func (b *bitgetAPI) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]interface{}{
		"symbol":      symbol,
		"productType": bitgetProductType,
		"orderId":     orderID,
	}
	return b.request(ctx, "POST", "/api/v2/mix/order/cancel-order", nil, body, true, nil)
}
