package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/perparb/perparb/internal/models"
	"github.com/perparb/perparb/internal/secrets"
)

const okxBaseURL = "https://www.okx.com"

// okxAPI talks to OKX v5 perpetual swaps.
type okxAPI struct {
	client  *resty.Client
	creds   secrets.Credentials
	testnet bool
}

// NewOKX builds the OKX adapter. OKX has no separate testnet host; demo
// trading is selected with a header.
func NewOKX(cfg AdapterConfig) Adapter {
	cfg.defaults()
	api := &okxAPI{
		client:  resty.New().SetBaseURL(okxBaseURL).SetTimeout(cfg.Timeout),
		creds:   cfg.Credentials,
		testnet: cfg.Testnet,
	}
	return newGuardedAdapter(api, cfg)
}

func (o *okxAPI) Name() string { return "okx" }

type okxEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (o *okxAPI) request(ctx context.Context, method, path string, query url.Values, body interface{}, signed bool, out interface{}) error {
	r := o.client.R().SetContext(ctx)
	requestPath := path
	if query != nil {
		requestPath = path + "?" + query.Encode()
		r.SetQueryParamsFromValues(query)
	}
	payload := ""
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("okx: failed to marshal request: %w", err)
		}
		payload = string(raw)
		r.SetHeader("Content-Type", "application/json").SetBody(raw)
	}
	if signed {
		if o.creds.IsZero() {
			return &APIError{Venue: "okx", Kind: ErrAuth, Message: "no credentials configured"}
		}
		ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
		mac := hmac.New(sha256.New, []byte(o.creds.APISecret))
		mac.Write([]byte(ts + method + requestPath + payload))
		r.SetHeaders(map[string]string{
			"OK-ACCESS-KEY":        o.creds.APIKey,
			"OK-ACCESS-SIGN":       base64.StdEncoding.EncodeToString(mac.Sum(nil)),
			"OK-ACCESS-TIMESTAMP":  ts,
			"OK-ACCESS-PASSPHRASE": o.creds.Passphrase,
		})
		if o.testnet {
			r.SetHeader("x-simulated-trading", "1")
		}
	}

	resp, err := r.Execute(method, path)
	if err != nil {
		return ClassifyTransport("okx", err)
	}
	if resp.IsError() {
		return ClassifyTransport("okx", fmt.Errorf("http %d", resp.StatusCode()))
	}
	var env okxEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("okx: failed to decode %s response: %w", path, err)
	}
	if env.Code != "0" {
		return Classify("okx", env.Code, env.Msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("okx: failed to decode %s data: %w", path, err)
	}
	return nil
}

func (o *okxAPI) Ping(ctx context.Context) error {
	return o.request(ctx, "GET", "/api/v5/public/time", nil, nil, false, nil)
}

func (o *okxAPI) FundingRates(ctx context.Context) ([]models.FundingRate, error) {
	query := url.Values{"instId": {"ANY"}}
	var rows []struct {
		InstID          string `json:"instId"`
		FundingRate     string `json:"fundingRate"`
		NextFundingRate string `json:"nextFundingRate"`
		FundingTime     string `json:"fundingTime"`
	}
	if err := o.request(ctx, "GET", "/api/v5/public/funding-rate", query, nil, false, &rows); err != nil {
		return nil, err
	}
	out := make([]models.FundingRate, 0, len(rows))
	for _, row := range rows {
		fr := models.NewFundingRate("okx", row.InstID,
			parseDecimal(row.FundingRate), 8, models.SourceExchangeAPI)
		fr.PredictedRate = parseDecimal(row.NextFundingRate)
		fr.NextFundingTime = parseMillisStr(row.FundingTime)
		out = append(out, fr)
	}
	return out, nil
}

func (o *okxAPI) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	query := url.Values{"instId": {symbol}}
	var rows []struct {
		Last      string `json:"last"`
		BidPx     string `json:"bidPx"`
		AskPx     string `json:"askPx"`
		VolCcy24h string `json:"volCcy24h"`
	}
	if err := o.request(ctx, "GET", "/api/v5/market/ticker", query, nil, false, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &APIError{Venue: "okx", Kind: ErrInvalidSymbol,
			Message: fmt.Sprintf("instrument %s not listed", symbol)}
	}
	row := rows[0]
	return &Ticker{
		Symbol:    symbol,
		Bid:       parseDecimal(row.BidPx),
		Ask:       parseDecimal(row.AskPx),
		Last:      parseDecimal(row.Last),
		Volume24h: parseDecimal(row.VolCcy24h),
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (o *okxAPI) GetLiquidity(ctx context.Context, symbol string) (*Liquidity, error) {
	query := url.Values{"instId": {symbol}, "sz": {"50"}}
	var rows []struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := o.request(ctx, "GET", "/api/v5/market/books", query, nil, false, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &APIError{Venue: "okx", Kind: ErrInvalidSymbol,
			Message: fmt.Sprintf("instrument %s not listed", symbol)}
	}
	book := rows[0]
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

func (o *okxAPI) MinOrderSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	query := url.Values{"instType": {"SWAP"}, "instId": {symbol}}
	var rows []struct {
		MinSz string `json:"minSz"`
	}
	if err := o.request(ctx, "GET", "/api/v5/public/instruments", query, nil, false, &rows); err != nil {
		return decimal.Zero, err
	}
	if len(rows) == 0 {
		return decimal.Zero, &APIError{Venue: "okx", Kind: ErrInvalidSymbol,
			Message: fmt.Sprintf("instrument %s not listed", symbol)}
	}
	return parseDecimal(rows[0].MinSz), nil
}

func (o *okxAPI) GetBalance(ctx context.Context) (*Balance, error) {
	var rows []struct {
		TotalEq string `json:"totalEq"`
		Details []struct {
			Ccy     string `json:"ccy"`
			AvailEq string `json:"availEq"`
		} `json:"details"`
	}
	if err := o.request(ctx, "GET", "/api/v5/account/balance", nil, nil, true, &rows); err != nil {
		return nil, err
	}
	bal := &Balance{Venue: "okx", UpdatedAt: time.Now().UTC()}
	if len(rows) > 0 {
		bal.TotalUSD = parseDecimal(rows[0].TotalEq)
		for _, d := range rows[0].Details {
			if d.Ccy == "USDT" || d.Ccy == "USDC" {
				bal.FreeUSD = bal.FreeUSD.Add(parseDecimal(d.AvailEq))
			}
		}
		bal.UsedUSD = bal.TotalUSD.Sub(bal.FreeUSD)
	}
	return bal, nil
}

func (o *okxAPI) GetPositions(ctx context.Context) ([]models.ExchangePosition, error) {
	query := url.Values{"instType": {"SWAP"}}
	var rows []struct {
		InstID  string `json:"instId"`
		Pos     string `json:"pos"`
		AvgPx   string `json:"avgPx"`
		MarkPx  string `json:"markPx"`
		Upl     string `json:"upl"`
		Lever   string `json:"lever"`
		LiqPx   string `json:"liqPx"`
		MgnMode string `json:"mgnMode"`
		NotionalUsd string `json:"notionalUsd"`
	}
	if err := o.request(ctx, "GET", "/api/v5/account/positions", query, nil, true, &rows); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var out []models.ExchangePosition
	for _, row := range rows {
		size := parseDecimal(row.Pos)
		if size.IsZero() {
			continue
		}
		side := models.SideLong
		if size.IsNegative() {
			side = models.SideShort
			size = size.Abs()
		}
		out = append(out, models.ExchangePosition{
			Exchange:         "okx",
			Symbol:           row.InstID,
			Side:             side,
			Size:             size,
			NotionalUSD:      parseDecimal(row.NotionalUsd),
			EntryPrice:       parseDecimal(row.AvgPx),
			MarkPrice:        parseDecimal(row.MarkPx),
			UnrealizedPnL:    parseDecimal(row.Upl),
			Leverage:         parseDecimal(row.Lever),
			LiquidationPrice: parseDecimal(row.LiqPx),
			MarginMode:       row.MgnMode,
			UpdatedAt:        now,
		})
	}
	return out, nil
}

func (o *okxAPI) GetOpenOrders(ctx context.Context) ([]models.ExchangeOrder, error) {
	query := url.Values{"instType": {"SWAP"}}
	var rows []struct {
		OrdID      string `json:"ordId"`
		InstID     string `json:"instId"`
		Side       string `json:"side"`
		OrdType    string `json:"ordType"`
		Sz         string `json:"sz"`
		Px         string `json:"px"`
		State      string `json:"state"`
		ReduceOnly string `json:"reduceOnly"`
	}
	if err := o.request(ctx, "GET", "/api/v5/trade/orders-pending", query, nil, true, &rows); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]models.ExchangeOrder, 0, len(rows))
	for _, row := range rows {
		side := models.SideLong
		if row.Side == "sell" {
			side = models.SideShort
		}
		out = append(out, models.ExchangeOrder{
			Exchange:        "okx",
			ExchangeOrderID: row.OrdID,
			Symbol:          row.InstID,
			Side:            side,
			OrderType:       row.OrdType,
			Quantity:        parseDecimal(row.Sz),
			Price:           parseDecimal(row.Px),
			Status:          row.State,
			ReduceOnly:      row.ReduceOnly == "true",
			UpdatedAt:       now,
		})
	}
	return out, nil
}

func (o *okxAPI) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	side := "buy"
	if req.Side == models.SideShort {
		side = "sell"
	}
	body := map[string]interface{}{
		"instId":  req.Symbol,
		"tdMode":  "cross",
		"side":    side,
		"ordType": "market",
		"sz":      req.Quantity.String(),
	}
	if req.Type == OrderLimit {
		body["ordType"] = "limit"
		body["px"] = req.Price.String()
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}
	if req.ClientID != "" {
		body["clOrdId"] = req.ClientID
	}

	var rows []struct {
		OrdID string `json:"ordId"`
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	}
	if err := o.request(ctx, "POST", "/api/v5/trade/order", nil, body, true, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ClassifyTransport("okx", fmt.Errorf("empty order response"))
	}
	// Per-order results carry their own code even under a zero envelope code.
	if rows[0].SCode != "" && rows[0].SCode != "0" {
		return nil, Classify("okx", rows[0].SCode, rows[0].SMsg)
	}
	return &OrderResult{
		OrderID:        rows[0].OrdID,
		Status:         "submitted",
		FilledQuantity: req.Quantity,
		PlacedAt:       time.Now().UTC(),
	}, nil
}

func (o *okxAPI) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]interface{}{"instId": symbol, "ordId": orderID}
	return o.request(ctx, "POST", "/api/v5/trade/cancel-order", nil, body, true, nil)
}
