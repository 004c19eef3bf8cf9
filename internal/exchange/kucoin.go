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

const kucoinBaseURL = "https://api-futures.kucoin.com"

// kucoinAPI talks to KuCoin Futures. Contract sizes are integer lots; the
// lot multiplier converts to base units.
type kucoinAPI struct {
	client *resty.Client
	creds  secrets.Credentials
}

// NewKuCoin builds the KuCoin Futures adapter.
func NewKuCoin(cfg AdapterConfig) Adapter {
	cfg.defaults()
	api := &kucoinAPI{
		client: resty.New().SetBaseURL(kucoinBaseURL).SetTimeout(cfg.Timeout),
		creds:  cfg.Credentials,
	}
	return newGuardedAdapter(api, cfg)
}

func (k *kucoinAPI) Name() string { return "kucoin" }

type kucoinEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (k *kucoinAPI) request(ctx context.Context, method, path string, query url.Values, body interface{}, signed bool, out interface{}) error {
	r := k.client.R().SetContext(ctx)
	endpoint := path
	if query != nil {
		endpoint = path + "?" + query.Encode()
		r.SetQueryParamsFromValues(query)
	}
	payload := ""
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("kucoin: failed to marshal request: %w", err)
		}
		payload = string(raw)
		r.SetHeader("Content-Type", "application/json").SetBody(raw)
	}
	if signed {
		if k.creds.IsZero() {
			return &APIError{Venue: "kucoin", Kind: ErrAuth, Message: "no credentials configured"}
		}
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		sign := func(msg string) string {
			mac := hmac.New(sha256.New, []byte(k.creds.APISecret))
			mac.Write([]byte(msg))
			return base64.StdEncoding.EncodeToString(mac.Sum(nil))
		}
		r.SetHeaders(map[string]string{
			"KC-API-KEY":         k.creds.APIKey,
			"KC-API-TIMESTAMP":   ts,
			"KC-API-SIGN":        sign(ts + method + endpoint + payload),
			"KC-API-PASSPHRASE":  sign(k.creds.Passphrase),
			"KC-API-KEY-VERSION": "2",
		})
	}

	resp, err := r.Execute(method, path)
	if err != nil {
		return ClassifyTransport("kucoin", err)
	}
	var env kucoinEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		if resp.IsError() {
			return ClassifyTransport("kucoin", fmt.Errorf("http %d", resp.StatusCode()))
		}
		return fmt.Errorf("kucoin: failed to decode %s response: %w", path, err)
	}
	if env.Code != "200000" {
		return Classify("kucoin", env.Code, env.Msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("kucoin: failed to decode %s data: %w", path, err)
	}
	return nil
}

func (k *kucoinAPI) Ping(ctx context.Context) error {
	var ts int64
	return k.request(ctx, "GET", "/api/v1/timestamp", nil, nil, false, &ts)
}

type kucoinContract struct {
	Symbol         string  `json:"symbol"`
	FundingFeeRate float64 `json:"fundingFeeRate"`
	NextFundingRateTime int64 `json:"nextFundingRateTime"`
	LotSize        int64   `json:"lotSize"`
	Multiplier     float64 `json:"multiplier"`
}

func (k *kucoinAPI) contracts(ctx context.Context) ([]kucoinContract, error) {
	var rows []kucoinContract
	if err := k.request(ctx, "GET", "/api/v1/contracts/active", nil, nil, false, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (k *kucoinAPI) FundingRates(ctx context.Context) ([]models.FundingRate, error) {
	rows, err := k.contracts(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]models.FundingRate, 0, len(rows))
	for _, row := range rows {
		fr := models.NewFundingRate("kucoin", row.Symbol,
			decimal.NewFromFloat(row.FundingFeeRate), 8, models.SourceExchangeAPI)
		if row.NextFundingRateTime > 0 {
			// venue reports time remaining, not a timestamp
			fr.NextFundingTime = now.Add(time.Duration(row.NextFundingRateTime) * time.Millisecond)
		}
		out = append(out, fr)
	}
	return out, nil
}

func (k *kucoinAPI) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	query := url.Values{"symbol": {symbol}}
	var row struct {
		Price        string `json:"price"`
		BestBidPrice string `json:"bestBidPrice"`
		BestAskPrice string `json:"bestAskPrice"`
	}
	if err := k.request(ctx, "GET", "/api/v1/ticker", query, nil, false, &row); err != nil {
		return nil, err
	}
	return &Ticker{
		Symbol:    symbol,
		Bid:       parseDecimal(row.BestBidPrice),
		Ask:       parseDecimal(row.BestAskPrice),
		Last:      parseDecimal(row.Price),
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (k *kucoinAPI) GetLiquidity(ctx context.Context, symbol string) (*Liquidity, error) {
	query := url.Values{"symbol": {symbol}}
	var book struct {
		Bids [][]float64 `json:"bids"`
		Asks [][]float64 `json:"asks"`
	}
	if err := k.request(ctx, "GET", "/api/v1/level2/depth100", query, nil, false, &book); err != nil {
		return nil, err
	}
	liq := &Liquidity{Symbol: symbol, UpdatedAt: time.Now().UTC()}
	for _, lvl := range book.Bids {
		if len(lvl) >= 2 {
			liq.BidDepthUSD = liq.BidDepthUSD.Add(decimal.NewFromFloat(lvl[0] * lvl[1]))
		}
	}
	for _, lvl := range book.Asks {
		if len(lvl) >= 2 {
			liq.AskDepthUSD = liq.AskDepthUSD.Add(decimal.NewFromFloat(lvl[0] * lvl[1]))
		}
	}
	if len(book.Bids) > 0 && len(book.Asks) > 0 {
		liq.SpreadBps = spreadBps(decimal.NewFromFloat(book.Bids[0][0]), decimal.NewFromFloat(book.Asks[0][0]))
	}
	return liq, nil
}

func (k *kucoinAPI) MinOrderSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	rows, err := k.contracts(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, row := range rows {
		if row.Symbol == symbol {
			return decimal.NewFromInt(row.LotSize).Mul(decimal.NewFromFloat(row.Multiplier)), nil
		}
	}
	return decimal.Zero, &APIError{Venue: "kucoin", Kind: ErrInvalidSymbol,
		Message: fmt.Sprintf("contract %s not listed", symbol)}
}

func (k *kucoinAPI) GetBalance(ctx context.Context) (*Balance, error) {
	query := url.Values{"currency": {"USDT"}}
	var acct struct {
		AccountEquity    float64 `json:"accountEquity"`
		AvailableBalance float64 `json:"availableBalance"`
	}
	if err := k.request(ctx, "GET", "/api/v1/account-overview", query, nil, true, &acct); err != nil {
		return nil, err
	}
	total := decimal.NewFromFloat(acct.AccountEquity)
	free := decimal.NewFromFloat(acct.AvailableBalance)
	return &Balance{
		Venue:     "kucoin",
		TotalUSD:  total,
		FreeUSD:   free,
		UsedUSD:   total.Sub(free),
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (k *kucoinAPI) GetPositions(ctx context.Context) ([]models.ExchangePosition, error) {
	var rows []struct {
		Symbol           string  `json:"symbol"`
		CurrentQty       int64   `json:"currentQty"`
		AvgEntryPrice    float64 `json:"avgEntryPrice"`
		MarkPrice        float64 `json:"markPrice"`
		UnrealisedPnl    float64 `json:"unrealisedPnl"`
		RealLeverage     float64 `json:"realLeverage"`
		LiquidationPrice float64 `json:"liquidationPrice"`
		CrossMode        bool    `json:"crossMode"`
		PosCost          float64 `json:"posCost"`
	}
	if err := k.request(ctx, "GET", "/api/v1/positions", nil, nil, true, &rows); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var out []models.ExchangePosition
	for _, row := range rows {
		if row.CurrentQty == 0 {
			continue
		}
		side := models.SideLong
		qty := row.CurrentQty
		if qty < 0 {
			side = models.SideShort
			qty = -qty
		}
		marginMode := "isolated"
		if row.CrossMode {
			marginMode = "cross"
		}
		out = append(out, models.ExchangePosition{
			Exchange:         "kucoin",
			Symbol:           row.Symbol,
			Side:             side,
			Size:             decimal.NewFromInt(qty),
			NotionalUSD:      decimal.NewFromFloat(row.PosCost).Abs(),
			EntryPrice:       decimal.NewFromFloat(row.AvgEntryPrice),
			MarkPrice:        decimal.NewFromFloat(row.MarkPrice),
			UnrealizedPnL:    decimal.NewFromFloat(row.UnrealisedPnl),
			Leverage:         decimal.NewFromFloat(row.RealLeverage),
			LiquidationPrice: decimal.NewFromFloat(row.LiquidationPrice),
			MarginMode:       marginMode,
			UpdatedAt:        now,
		})
	}
	return out, nil
}

func (k *kucoinAPI) GetOpenOrders(ctx context.Context) ([]models.ExchangeOrder, error) {
	query := url.Values{"status": {"active"}}
	var result struct {
		Items []struct {
			ID         string `json:"id"`
			Symbol     string `json:"symbol"`
			Side       string `json:"side"`
			Type       string `json:"type"`
			Size       int64  `json:"size"`
			Price      string `json:"price"`
			Status     string `json:"status"`
			ReduceOnly bool   `json:"reduceOnly"`
		} `json:"items"`
	}
	if err := k.request(ctx, "GET", "/api/v1/orders", query, nil, true, &result); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]models.ExchangeOrder, 0, len(result.Items))
	for _, row := range result.Items {
		side := models.SideLong
		if row.Side == "sell" {
			side = models.SideShort
		}
		out = append(out, models.ExchangeOrder{
			Exchange:        "kucoin",
			ExchangeOrderID: row.ID,
			Symbol:          row.Symbol,
			Side:            side,
			OrderType:       row.Type,
			Quantity:        decimal.NewFromInt(row.Size),
			Price:           parseDecimal(row.Price),
			Status:          row.Status,
			ReduceOnly:      row.ReduceOnly,
			UpdatedAt:       now,
		})
	}
	return out, nil
}

func (k *kucoinAPI) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	side := "buy"
	if req.Side == models.SideShort {
		side = "sell"
	}
	// Convert base quantity to lots.
	lots := req.Quantity
	rows, err := k.contracts(ctx)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.Symbol == req.Symbol && row.Multiplier > 0 {
			lots = req.Quantity.Div(decimal.NewFromFloat(row.Multiplier)).Round(0)
			break
		}
	}
	body := map[string]interface{}{
		"clientOid": req.ClientID,
		"symbol":    req.Symbol,
		"side":      side,
		"type":      "market",
		"size":      lots.IntPart(),
		"leverage":  "3",
	}
	if req.Type == OrderLimit {
		body["type"] = "limit"
		body["price"] = req.Price.String()
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := k.request(ctx, "POST", "/api/v1/orders", nil, body, true, &result); err != nil {
		return nil, err
	}
	return &OrderResult{
		OrderID:        result.OrderID,
		Status:         "submitted",
		FilledQuantity: req.Quantity,
		PlacedAt:       time.Now().UTC(),
	}, nil
}

func (k *kucoinAPI) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return k.request(ctx, "DELETE", "/api/v1/orders/"+orderID, nil, nil, true, nil)
}
