package exchange

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind buckets venue API failures into actionable categories. Execution
// reacts to the kind, never to raw venue codes.
type ErrorKind string

const (
	ErrInsufficientBalance ErrorKind = "insufficient_balance"
	ErrInvalidSymbol       ErrorKind = "invalid_symbol"
	ErrPrecision           ErrorKind = "precision"
	ErrNotionalTooSmall    ErrorKind = "notional_too_small"
	ErrAuth                ErrorKind = "auth"
	ErrRateLimit           ErrorKind = "rate_limit"
	ErrTransientNetwork    ErrorKind = "transient_network"
	ErrUnknown             ErrorKind = "unknown"
)

// Retryable reports whether a retry can plausibly succeed without operator
// or caller intervention.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrRateLimit, ErrTransientNetwork:
		return true
	}
	return false
}

// APIError is a classified venue failure.
type APIError struct {
	Venue   string
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error (%s, code=%s): %s", e.Venue, e.Kind, e.Code, e.Message)
}

// KindOf extracts the classified kind from any error chain.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ErrUnknown
}

// venueCodes maps venue error codes to kinds. Codes come from each venue's
// public API documentation; anything unmapped falls through to message
// heuristics and finally to unknown.
var venueCodes = map[string]map[string]ErrorKind{
	"binance": {
		"-2019": ErrInsufficientBalance,
		"-1121": ErrInvalidSymbol,
		"-1111": ErrPrecision,
		"-4164": ErrNotionalTooSmall,
		"-2014": ErrAuth,
		"-2015": ErrAuth,
		"-1003": ErrRateLimit,
		"-1001": ErrTransientNetwork,
	},
	"bybit": {
		"110007": ErrInsufficientBalance,
		"10001":  ErrInvalidSymbol,
		"110017": ErrPrecision,
		"110094": ErrNotionalTooSmall,
		"10003":  ErrAuth,
		"10004":  ErrAuth,
		"10006":  ErrRateLimit,
		"10002":  ErrTransientNetwork,
	},
	"okx": {
		"51008": ErrInsufficientBalance,
		"51001": ErrInvalidSymbol,
		"51121": ErrPrecision,
		"51120": ErrNotionalTooSmall,
		"50111": ErrAuth,
		"50113": ErrAuth,
		"50011": ErrRateLimit,
		"50013": ErrTransientNetwork,
	},
	"gate": {
		"BALANCE_NOT_ENOUGH":  ErrInsufficientBalance,
		"CONTRACT_NOT_FOUND":  ErrInvalidSymbol,
		"INVALID_PARAM_VALUE": ErrPrecision,
		"ORDER_SIZE_TOO_SMALL": ErrNotionalTooSmall,
		"INVALID_KEY":         ErrAuth,
		"INVALID_SIGNATURE":   ErrAuth,
		"TOO_MANY_REQUESTS":   ErrRateLimit,
		"SERVER_ERROR":        ErrTransientNetwork,
	},
	"kucoin": {
		"300003": ErrInsufficientBalance,
		"400100": ErrInvalidSymbol,
		"300011": ErrPrecision,
		"300012": ErrNotionalTooSmall,
		"400003": ErrAuth,
		"400004": ErrAuth,
		"429000": ErrRateLimit,
		"500000": ErrTransientNetwork,
	},
	"bitget": {
		"43012": ErrInsufficientBalance,
		"40034": ErrInvalidSymbol,
		"45110": ErrPrecision,
		"45111": ErrNotionalTooSmall,
		"40006": ErrAuth,
		"40009": ErrAuth,
		"429":   ErrRateLimit,
		"40725": ErrTransientNetwork,
	},
	"hyperliquid": {
		"insufficient margin": ErrInsufficientBalance,
		"unknown coin":        ErrInvalidSymbol,
		"invalid size":        ErrPrecision,
		"order too small":     ErrNotionalTooSmall,
		"invalid signature":   ErrAuth,
	},
	"dydx": {
		"NEWLY_UNDERCOLLATERALIZED": ErrInsufficientBalance,
		"MARKET_NOT_FOUND":          ErrInvalidSymbol,
		"INVALID_ORDER_SIZE":        ErrPrecision,
		"ORDER_SIZE_BELOW_MIN":      ErrNotionalTooSmall,
		"UNAUTHORIZED":              ErrAuth,
		"TOO_MANY_REQUESTS":         ErrRateLimit,
	},
}

// Classify builds an APIError from a venue error code and message.
func Classify(venue, code, message string) *APIError {
	kind := ErrUnknown
	if table, ok := venueCodes[venue]; ok {
		if k, ok := table[code]; ok {
			kind = k
		}
	}
	if kind == ErrUnknown {
		kind = classifyMessage(message)
	}
	return &APIError{Venue: venue, Kind: kind, Code: code, Message: message}
}

// ClassifyTransport wraps a transport-level failure (timeout, refused
// connection, 5xx with no body) as retryable.
func ClassifyTransport(venue string, err error) *APIError {
	return &APIError{Venue: venue, Kind: ErrTransientNetwork, Message: err.Error()}
}

func classifyMessage(message string) ErrorKind {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "insufficient"):
		return ErrInsufficientBalance
	case strings.Contains(m, "symbol") && (strings.Contains(m, "invalid") || strings.Contains(m, "not found")):
		return ErrInvalidSymbol
	case strings.Contains(m, "precision") || strings.Contains(m, "lot size") || strings.Contains(m, "step size"):
		return ErrPrecision
	case strings.Contains(m, "notional") || strings.Contains(m, "too small") || strings.Contains(m, "min size"):
		return ErrNotionalTooSmall
	case strings.Contains(m, "signature") || strings.Contains(m, "api key") || strings.Contains(m, "unauthorized"):
		return ErrAuth
	case strings.Contains(m, "rate limit") || strings.Contains(m, "too many requests"):
		return ErrRateLimit
	case strings.Contains(m, "timeout") || strings.Contains(m, "connection") || strings.Contains(m, "unavailable"):
		return ErrTransientNetwork
	}
	return ErrUnknown
}
