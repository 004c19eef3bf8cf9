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
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/perparb/perparb/internal/models"
	"github.com/perparb/perparb/internal/secrets"
)

const (
	binanceMainnetURL = "https://fapi.binance.com"
	binanceTestnetURL = "https://testnet.binancefuture.com"
)

// binanceAPI talks to Binance USD-M perpetual futures.
type binanceAPI struct {
	client *resty.Client
	creds  secrets.Credentials

	mu       sync.Mutex
	minSizes map[string]decimal.Decimal
}

// NewBinance builds the Binance adapter.
func NewBinance(cfg AdapterConfig) Adapter {
	cfg.defaults()
	base := binanceMainnetURL
	if cfg.Testnet {
		base = binanceTestnetURL
	}
	api := &binanceAPI{
		client: resty.New().
			SetBaseURL(base).
			SetTimeout(cfg.Timeout).
			SetHeader("X-MBX-APIKEY", cfg.Credentials.APIKey),
		creds:    cfg.Credentials,
		minSizes: make(map[string]decimal.Decimal),
	}
	return newGuardedAdapter(api, cfg)
}

func (b *binanceAPI) Name() string { return "binance" }

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// request runs one call, classifying failures. Signed requests get the
// recvWindow, timestamp, and HMAC signature appended.
func (b *binanceAPI) request(ctx context.Context, method, path string, params url.Values, signed bool, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		if b.creds.IsZero() {
			return &APIError{Venue: "binance", Kind: ErrAuth, Message: "no credentials configured"}
		}
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", "5000")
		mac := hmac.New(sha256.New, []byte(b.creds.APISecret))
		mac.Write([]byte(params.Encode()))
		params.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := b.client.R().
		SetContext(ctx).
		SetQueryParamsFromValues(params).
		Execute(method, path)
	if err != nil {
		return ClassifyTransport("binance", err)
	}
	if resp.IsError() {
		var apiErr binanceError
		if json.Unmarshal(resp.Body(), &apiErr) == nil && apiErr.Code != 0 {
			return Classify("binance", strconv.Itoa(apiErr.Code), apiErr.Msg)
		}
		return ClassifyTransport("binance", fmt.Errorf("http %d", resp.StatusCode()))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("binance: failed to decode %s response: %w", path, err)
	}
	return nil
}

func (b *binanceAPI) Ping(ctx context.Context) error {
	return b.request(ctx, "GET", "/fapi/v1/ping", nil, false, nil)
}

func (b *binanceAPI) FundingRates(ctx context.Context) ([]models.FundingRate, error) {
	var rows []struct {
		Symbol          string `json:"symbol"`
		LastFundingRate string `json:"lastFundingRate"`
		NextFundingTime int64  `json:"nextFundingTime"`
	}
	if err := b.request(ctx, "GET", "/fapi/v1/premiumIndex", nil, false, &rows); err != nil {
		return nil, err
	}
	out := make([]models.FundingRate, 0, len(rows))
	for _, row := range rows {
		fr := models.NewFundingRate("binance", row.Symbol,
			parseDecimal(row.LastFundingRate), 8, models.SourceExchangeAPI)
		fr.NextFundingTime = parseMillis(row.NextFundingTime)
		out = append(out, fr)
	}
	return out, nil
}

func (b *binanceAPI) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	params := url.Values{"symbol": {symbol}}
	var book struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := b.request(ctx, "GET", "/fapi/v1/ticker/bookTicker", params, false, &book); err != nil {
		return nil, err
	}
	var day struct {
		LastPrice   string `json:"lastPrice"`
		QuoteVolume string `json:"quoteVolume"`
	}
	if err := b.request(ctx, "GET", "/fapi/v1/ticker/24hr", params, false, &day); err != nil {
		return nil, err
	}
	return &Ticker{
		Symbol:    symbol,
		Bid:       parseDecimal(book.BidPrice),
		Ask:       parseDecimal(book.AskPrice),
		Last:      parseDecimal(day.LastPrice),
		Volume24h: parseDecimal(day.QuoteVolume),
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (b *binanceAPI) GetLiquidity(ctx context.Context, symbol string) (*Liquidity, error) {
	var book struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	params := url.Values{"symbol": {symbol}, "limit": {"50"}}
	if err := b.request(ctx, "GET", "/fapi/v1/depth", params, false, &book); err != nil {
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

func (b *binanceAPI) MinOrderSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	b.mu.Lock()
	if size, ok := b.minSizes[symbol]; ok {
		b.mu.Unlock()
		return size, nil
	}
	b.mu.Unlock()

	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				MinQty     string `json:"minQty"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := b.request(ctx, "GET", "/fapi/v1/exchangeInfo", nil, false, &info); err != nil {
		return decimal.Zero, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range info.Symbols {
		for _, f := range s.Filters {
			if f.FilterType == "LOT_SIZE" {
				b.minSizes[s.Symbol] = parseDecimal(f.MinQty)
			}
		}
	}
	if size, ok := b.minSizes[symbol]; ok {
		return size, nil
	}
	return decimal.Zero, &APIError{Venue: "binance", Kind: ErrInvalidSymbol,
		Message: fmt.Sprintf("symbol %s not listed", symbol)}
}

func (b *binanceAPI) GetBalance(ctx context.Context) (*Balance, error) {
	var rows []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := b.request(ctx, "GET", "/fapi/v2/balance", nil, true, &rows); err != nil {
		return nil, err
	}
	bal := &Balance{Venue: "binance", UpdatedAt: time.Now().UTC()}
	for _, row := range rows {
		if row.Asset != "USDT" && row.Asset != "USDC" {
			continue
		}
		total := parseDecimal(row.Balance)
		free := parseDecimal(row.AvailableBalance)
		bal.TotalUSD = bal.TotalUSD.Add(total)
		bal.FreeUSD = bal.FreeUSD.Add(free)
		bal.UsedUSD = bal.UsedUSD.Add(total.Sub(free))
	}
	return bal, nil
}

func (b *binanceAPI) GetPositions(ctx context.Context) ([]models.ExchangePosition, error) {
	var rows []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnrealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
		LiquidationPrice string `json:"liquidationPrice"`
		MarginType       string `json:"marginType"`
	}
	if err := b.request(ctx, "GET", "/fapi/v2/positionRisk", nil, true, &rows); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var out []models.ExchangePosition
	for _, row := range rows {
		size := parseDecimal(row.PositionAmt)
		if size.IsZero() {
			continue
		}
		side := models.SideLong
		if size.IsNegative() {
			side = models.SideShort
			size = size.Abs()
		}
		mark := parseDecimal(row.MarkPrice)
		out = append(out, models.ExchangePosition{
			Exchange:         "binance",
			Symbol:           row.Symbol,
			Side:             side,
			Size:             size,
			NotionalUSD:      size.Mul(mark),
			EntryPrice:       parseDecimal(row.EntryPrice),
			MarkPrice:        mark,
			UnrealizedPnL:    parseDecimal(row.UnrealizedProfit),
			Leverage:         parseDecimal(row.Leverage),
			LiquidationPrice: parseDecimal(row.LiquidationPrice),
			MarginMode:       row.MarginType,
			UpdatedAt:        now,
		})
	}
	return out, nil
}

func (b *binanceAPI) GetOpenOrders(ctx context.Context) ([]models.ExchangeOrder, error) {
	var rows []struct {
		OrderID    int64  `json:"orderId"`
		Symbol     string `json:"symbol"`
		Side       string `json:"side"`
		Type       string `json:"type"`
		OrigQty    string `json:"origQty"`
		Price      string `json:"price"`
		Status     string `json:"status"`
		ReduceOnly bool   `json:"reduceOnly"`
	}
	if err := b.request(ctx, "GET", "/fapi/v1/openOrders", nil, true, &rows); err != nil {
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
			Exchange:        "binance",
			ExchangeOrderID: strconv.FormatInt(row.OrderID, 10),
			Symbol:          row.Symbol,
			Side:            side,
			OrderType:       row.Type,
			Quantity:        parseDecimal(row.OrigQty),
			Price:           parseDecimal(row.Price),
			Status:          row.Status,
			ReduceOnly:      row.ReduceOnly,
			UpdatedAt:       now,
		})
	}
	return out, nil
}

func (b *binanceAPI) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	side := "BUY"
	if req.Side == models.SideShort {
		side = "SELL"
	}
	params := url.Values{
		"symbol":   {req.Symbol},
		"side":     {side},
		"type":     {"MARKET"},
		"quantity": {req.Quantity.String()},
	}
	if req.Type == OrderLimit {
		params.Set("type", "LIMIT")
		params.Set("price", req.Price.String())
		params.Set("timeInForce", "GTC")
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	var row struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
		AvgPrice    string `json:"avgPrice"`
	}
	if err := b.request(ctx, "POST", "/fapi/v1/order", params, true, &row); err != nil {
		return nil, err
	}
	return &OrderResult{
		OrderID:        strconv.FormatInt(row.OrderID, 10),
		Status:         row.Status,
		FilledQuantity: parseDecimal(row.ExecutedQty),
		AvgFillPrice:   parseDecimal(row.AvgPrice),
		PlacedAt:       time.Now().UTC(),
	}, nil
}

func (b *binanceAPI) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{"symbol": {symbol}, "orderId": {orderID}}
	return b.request(ctx, "DELETE", "/fapi/v1/order", params, true, nil)
}
