package exchange

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// parseDecimal tolerates empty and malformed numeric strings, returning zero.
// Venue payloads routinely omit optional numeric fields.
func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// parseMillis converts a venue millisecond timestamp to time.Time.
func parseMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// parseMillisStr is parseMillis over the string encodings some venues use.
func parseMillisStr(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return parseMillis(ms)
}

// depthUSD sums price*quantity over [price, quantity] string pairs.
func depthUSD(levels [][]string) decimal.Decimal {
	total := decimal.Zero
	for _, level := range levels {
		if len(level) < 2 {
			continue
		}
		total = total.Add(parseDecimal(level[0]).Mul(parseDecimal(level[1])))
	}
	return total
}

// spreadBps computes (ask-bid)/mid in basis points.
func spreadBps(bid, ask decimal.Decimal) decimal.Decimal {
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	if mid.IsZero() {
		return decimal.Zero
	}
	return ask.Sub(bid).Div(mid).Mul(decimal.NewFromInt(10000))
}
