package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/perparb/perparb/internal/models"
)

const (
	hyperliquidMainnetURL = "https://api.hyperliquid.xyz"
	hyperliquidTestnetURL = "https://api.hyperliquid-testnet.xyz"
)

// Signer produces the wallet signature a DEX venue expects over an action
// payload. Key custody stays outside this package.
type Signer interface {
	Address() string
	SignAction(action []byte, nonce int64) (json.RawMessage, error)
}

// hyperliquidAPI talks to the Hyperliquid L1 REST gateway. Market data comes
// from /info; trading posts signed actions to /exchange. Funding settles
// hourly.
type hyperliquidAPI struct {
	client *resty.Client
	signer Signer

	// asset ids are positional in the universe response
	assetIndex map[string]int
	szDecimals map[string]int
}

// NewHyperliquid builds the Hyperliquid adapter. A nil signer leaves the
// adapter read-only.
func NewHyperliquid(cfg AdapterConfig, signer Signer) Adapter {
	cfg.defaults()
	base := hyperliquidMainnetURL
	if cfg.Testnet {
		base = hyperliquidTestnetURL
	}
	api := &hyperliquidAPI{
		client:     resty.New().SetBaseURL(base).SetTimeout(cfg.Timeout),
		signer:     signer,
		assetIndex: make(map[string]int),
		szDecimals: make(map[string]int),
	}
	return newGuardedAdapter(api, cfg)
}

func (h *hyperliquidAPI) Name() string { return "hyperliquid" }

func (h *hyperliquidAPI) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(path)
	if err != nil {
		return ClassifyTransport("hyperliquid", err)
	}
	if resp.IsError() {
		return Classify("hyperliquid", "", string(resp.Body()))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("hyperliquid: failed to decode %s response: %w", path, err)
	}
	return nil
}

type hlAssetCtx struct {
	Funding   string `json:"funding"`
	MarkPx    string `json:"markPx"`
	MidPx     string `json:"midPx"`
	DayNtlVlm string `json:"dayNtlVlm"`
	ImpactPxs []string `json:"impactPxs"`
}

// metaAndCtxs fetches the universe and per-asset contexts, refreshing the
// positional asset index as a side effect.
func (h *hyperliquidAPI) metaAndCtxs(ctx context.Context) ([]string, []hlAssetCtx, error) {
	var raw []json.RawMessage
	if err := h.post(ctx, "/info", map[string]string{"type": "metaAndAssetCtxs"}, &raw); err != nil {
		return nil, nil, err
	}
	if len(raw) < 2 {
		return nil, nil, ClassifyTransport("hyperliquid", fmt.Errorf("truncated metaAndAssetCtxs response"))
	}
	var meta struct {
		Universe []struct {
			Name       string `json:"name"`
			SzDecimals int    `json:"szDecimals"`
		} `json:"universe"`
	}
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return nil, nil, fmt.Errorf("hyperliquid: failed to decode universe: %w", err)
	}
	var ctxs []hlAssetCtx
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return nil, nil, fmt.Errorf("hyperliquid: failed to decode asset contexts: %w", err)
	}
	names := make([]string, len(meta.Universe))
	for i, u := range meta.Universe {
		names[i] = u.Name
		h.assetIndex[u.Name] = i
		h.szDecimals[u.Name] = u.SzDecimals
	}
	return names, ctxs, nil
}

func (h *hyperliquidAPI) FundingRates(ctx context.Context) ([]models.FundingRate, error) {
	names, ctxs, err := h.metaAndCtxs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.FundingRate, 0, len(names))
	now := time.Now().UTC()
	for i, name := range names {
		if i >= len(ctxs) {
			break
		}
		fr := models.NewFundingRate("hyperliquid", name,
			parseDecimal(ctxs[i].Funding), 1, models.SourceExchangeAPI)
		fr.NextFundingTime = now.Truncate(time.Hour).Add(time.Hour)
		out = append(out, fr)
	}
	return out, nil
}

func (h *hyperliquidAPI) assetCtx(ctx context.Context, symbol string) (*hlAssetCtx, error) {
	names, ctxs, err := h.metaAndCtxs(ctx)
	if err != nil {
		return nil, err
	}
	for i, name := range names {
		if name == symbol && i < len(ctxs) {
			return &ctxs[i], nil
		}
	}
	return nil, &APIError{Venue: "hyperliquid", Kind: ErrInvalidSymbol,
		Message: fmt.Sprintf("coin %s not in universe", symbol)}
}

func (h *hyperliquidAPI) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	c, err := h.assetCtx(ctx, symbol)
	if err != nil {
		return nil, err
	}
	t := &Ticker{
		Symbol:    symbol,
		Last:      parseDecimal(c.MidPx),
		MarkPrice: parseDecimal(c.MarkPx),
		Volume24h: parseDecimal(c.DayNtlVlm),
		UpdatedAt: time.Now().UTC(),
	}
	if len(c.ImpactPxs) == 2 {
		t.Bid = parseDecimal(c.ImpactPxs[0])
		t.Ask = parseDecimal(c.ImpactPxs[1])
	}
	return t, nil
}

func (h *hyperliquidAPI) GetLiquidity(ctx context.Context, symbol string) (*Liquidity, error) {
	var book struct {
		Levels [2][]struct {
			Px string `json:"px"`
			Sz string `json:"sz"`
		} `json:"levels"`
	}
	body := map[string]string{"type": "l2Book", "coin": symbol}
	if err := h.post(ctx, "/info", body, &book); err != nil {
		return nil, err
	}
	liq := &Liquidity{Symbol: symbol, UpdatedAt: time.Now().UTC()}
	for _, lvl := range book.Levels[0] {
		liq.BidDepthUSD = liq.BidDepthUSD.Add(parseDecimal(lvl.Px).Mul(parseDecimal(lvl.Sz)))
	}
	for _, lvl := range book.Levels[1] {
		liq.AskDepthUSD = liq.AskDepthUSD.Add(parseDecimal(lvl.Px).Mul(parseDecimal(lvl.Sz)))
	}
	if len(book.Levels[0]) > 0 && len(book.Levels[1]) > 0 {
		liq.SpreadBps = spreadBps(parseDecimal(book.Levels[0][0].Px), parseDecimal(book.Levels[1][0].Px))
	}
	return liq, nil
}

func (h *hyperliquidAPI) MinOrderSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if _, ok := h.szDecimals[symbol]; !ok {
		if _, _, err := h.metaAndCtxs(ctx); err != nil {
			return decimal.Zero, err
		}
	}
	decimals, ok := h.szDecimals[symbol]
	if !ok {
		return decimal.Zero, &APIError{Venue: "hyperliquid", Kind: ErrInvalidSymbol,
			Message: fmt.Sprintf("coin %s not in universe", symbol)}
	}
	// One tick of size at the coin's size precision.
	return decimal.New(1, int32(-decimals)), nil
}

func (h *hyperliquidAPI) Ping(ctx context.Context) error {
	_, _, err := h.metaAndCtxs(ctx)
	return err
}

func (h *hyperliquidAPI) GetBalance(ctx context.Context) (*Balance, error) {
	state, err := h.clearinghouseState(ctx)
	if err != nil {
		return nil, err
	}
	total := parseDecimal(state.MarginSummary.AccountValue)
	used := parseDecimal(state.MarginSummary.TotalMarginUsed)
	return &Balance{
		Venue:     "hyperliquid",
		TotalUSD:  total,
		FreeUSD:   total.Sub(used),
		UsedUSD:   used,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

type hlClearinghouseState struct {
	MarginSummary struct {
		AccountValue    string `json:"accountValue"`
		TotalMarginUsed string `json:"totalMarginUsed"`
	} `json:"marginSummary"`
	AssetPositions []struct {
		Position struct {
			Coin           string `json:"coin"`
			Szi            string `json:"szi"`
			EntryPx        string `json:"entryPx"`
			PositionValue  string `json:"positionValue"`
			UnrealizedPnl  string `json:"unrealizedPnl"`
			LiquidationPx  string `json:"liquidationPx"`
			Leverage       struct {
				Type  string `json:"type"`
				Value int    `json:"value"`
			} `json:"leverage"`
		} `json:"position"`
	} `json:"assetPositions"`
}

func (h *hyperliquidAPI) clearinghouseState(ctx context.Context) (*hlClearinghouseState, error) {
	if h.signer == nil {
		return nil, &APIError{Venue: "hyperliquid", Kind: ErrAuth, Message: "no wallet configured"}
	}
	var state hlClearinghouseState
	body := map[string]string{"type": "clearinghouseState", "user": h.signer.Address()}
	if err := h.post(ctx, "/info", body, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (h *hyperliquidAPI) GetPositions(ctx context.Context) ([]models.ExchangePosition, error) {
	state, err := h.clearinghouseState(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var out []models.ExchangePosition
	for _, ap := range state.AssetPositions {
		p := ap.Position
		size := parseDecimal(p.Szi)
		if size.IsZero() {
			continue
		}
		side := models.SideLong
		if size.IsNegative() {
			side = models.SideShort
			size = size.Abs()
		}
		out = append(out, models.ExchangePosition{
			Exchange:         "hyperliquid",
			Symbol:           p.Coin,
			Side:             side,
			Size:             size,
			NotionalUSD:      parseDecimal(p.PositionValue),
			EntryPrice:       parseDecimal(p.EntryPx),
			UnrealizedPnL:    parseDecimal(p.UnrealizedPnl),
			Leverage:         decimal.NewFromInt(int64(p.Leverage.Value)),
			LiquidationPrice: parseDecimal(p.LiquidationPx),
			MarginMode:       p.Leverage.Type,
			UpdatedAt:        now,
		})
	}
	return out, nil
}

func (h *hyperliquidAPI) GetOpenOrders(ctx context.Context) ([]models.ExchangeOrder, error) {
	if h.signer == nil {
		return nil, &APIError{Venue: "hyperliquid", Kind: ErrAuth, Message: "no wallet configured"}
	}
	var rows []struct {
		Oid       int64  `json:"oid"`
		Coin      string `json:"coin"`
		Side      string `json:"side"`
		Sz        string `json:"sz"`
		LimitPx   string `json:"limitPx"`
		ReduceOnly bool  `json:"reduceOnly"`
	}
	body := map[string]string{"type": "openOrders", "user": h.signer.Address()}
	if err := h.post(ctx, "/info", body, &rows); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]models.ExchangeOrder, 0, len(rows))
	for _, row := range rows {
		side := models.SideLong
		if row.Side == "A" { // ask
			side = models.SideShort
		}
		out = append(out, models.ExchangeOrder{
			Exchange:        "hyperliquid",
			ExchangeOrderID: strconv.FormatInt(row.Oid, 10),
			Symbol:          row.Coin,
			Side:            side,
			OrderType:       "limit",
			Quantity:        parseDecimal(row.Sz),
			Price:           parseDecimal(row.LimitPx),
			Status:          "open",
			ReduceOnly:      row.ReduceOnly,
			UpdatedAt:       now,
		})
	}
	return out, nil
}

// exchangeAction posts one signed action to /exchange.
func (h *hyperliquidAPI) exchangeAction(ctx context.Context, action map[string]interface{}, out interface{}) error {
	if h.signer == nil {
		return &APIError{Venue: "hyperliquid", Kind: ErrAuth, Message: "no wallet configured"}
	}
	nonce := time.Now().UnixMilli()
	raw, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("hyperliquid: failed to marshal action: %w", err)
	}
	sig, err := h.signer.SignAction(raw, nonce)
	if err != nil {
		return &APIError{Venue: "hyperliquid", Kind: ErrAuth, Message: err.Error()}
	}
	body := map[string]interface{}{
		"action":    action,
		"nonce":     nonce,
		"signature": sig,
	}
	return h.post(ctx, "/exchange", body, out)
}

func (h *hyperliquidAPI) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	idx, ok := h.assetIndex[req.Symbol]
	if !ok {
		if _, _, err := h.metaAndCtxs(ctx); err != nil {
			return nil, err
		}
		if idx, ok = h.assetIndex[req.Symbol]; !ok {
			return nil, &APIError{Venue: "hyperliquid", Kind: ErrInvalidSymbol,
				Message: fmt.Sprintf("coin %s not in universe", req.Symbol)}
		}
	}
	// Market orders are expressed as aggressive IOC limits at a far price;
	// the caller supplies the mark-derived limit in Price.
	order := map[string]interface{}{
		"a": idx,
		"b": req.Side == models.SideLong,
		"p": req.Price.String(),
		"s": req.Quantity.String(),
		"r": req.ReduceOnly,
		"t": map[string]interface{}{"limit": map[string]string{"tif": "Ioc"}},
	}
	action := map[string]interface{}{
		"type":     "order",
		"orders":   []interface{}{order},
		"grouping": "na",
	}

	var result struct {
		Status   string `json:"status"`
		Response struct {
			Data struct {
				Statuses []struct {
					Filled *struct {
						Oid     int64  `json:"oid"`
						TotalSz string `json:"totalSz"`
						AvgPx   string `json:"avgPx"`
					} `json:"filled"`
					Error string `json:"error"`
				} `json:"statuses"`
			} `json:"data"`
		} `json:"response"`
	}
	if err := h.exchangeAction(ctx, action, &result); err != nil {
		return nil, err
	}
	if result.Status != "ok" {
		return nil, Classify("hyperliquid", "", result.Status)
	}
	statuses := result.Response.Data.Statuses
	if len(statuses) == 0 {
		return nil, ClassifyTransport("hyperliquid", fmt.Errorf("empty order status"))
	}
	if statuses[0].Error != "" {
		return nil, Classify("hyperliquid", statuses[0].Error, statuses[0].Error)
	}
	filled := statuses[0].Filled
	if filled == nil {
		return &OrderResult{Status: "resting", PlacedAt: time.Now().UTC()}, nil
	}
	return &OrderResult{
		OrderID:        strconv.FormatInt(filled.Oid, 10),
		Status:         "filled",
		FilledQuantity: parseDecimal(filled.TotalSz),
		AvgFillPrice:   parseDecimal(filled.AvgPx),
		PlacedAt:       time.Now().UTC(),
	}, nil
}

func (h *hyperliquidAPI) CancelOrder(ctx context.Context, symbol, orderID string) error {
	idx, ok := h.assetIndex[symbol]
	if !ok {
		return &APIError{Venue: "hyperliquid", Kind: ErrInvalidSymbol,
			Message: fmt.Sprintf("coin %s not in universe", symbol)}
	}
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("hyperliquid: invalid order id %q: %w", orderID, err)
	}
	action := map[string]interface{}{
		"type":    "cancel",
		"cancels": []interface{}{map[string]interface{}{"a": idx, "o": oid}},
	}
	return h.exchangeAction(ctx, action, nil)
}
