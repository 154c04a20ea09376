// Package broker defines the brokerage gateway contract the engine trades
// through, plus the Alpaca-backed implementation and a scriptable mock.
// All order statuses crossing this boundary are normalized to a lower-cased
// canonical set so the rest of the engine never branches on raw broker strings.
package broker

import (
	"strings"
	"time"
)

// Order sides
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order types
const (
	OrderTypeMarket       = "market"
	OrderTypeLimit        = "limit"
	OrderTypeStop         = "stop"
	OrderTypeTrailingStop = "trailing_stop"
)

// Time in force
const (
	TIFDay = "day"
	TIFGTC = "gtc"
)

// Canonical order statuses. Raw broker statuses are mapped onto this set by
// NormalizeStatus; unknown statuses pass through lower-cased.
const (
	StatusPending         = "pending"
	StatusAccepted        = "accepted"
	StatusHeld            = "held"
	StatusPartiallyFilled = "partially_filled"
	StatusFilled          = "filled"
	StatusCanceled        = "canceled"
	StatusRejected        = "rejected"
	StatusExpired         = "expired"
)

// Clock is the exchange clock as reported by the broker.
type Clock struct {
	Now       time.Time `json:"now"`
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

// Account is the trading account snapshot.
type Account struct {
	Equity      float64 `json:"equity"`
	Cash        float64 `json:"cash"`
	BuyingPower float64 `json:"buying_power"`
}

// Position is a broker-side open position. Qty is signed: negative for
// shorts. Side is "long" or "short".
type Position struct {
	Symbol         string  `json:"symbol"`
	Qty            int64   `json:"qty"`
	Side           string  `json:"side"`
	AvgEntryPrice  float64 `json:"avg_entry_price"`
	CurrentPrice   float64 `json:"current_price"`
	MarketValue    float64 `json:"market_value"`
	UnrealizedPL   float64 `json:"unrealized_pl"`
	UnrealizedPLPC float64 `json:"unrealized_plpc"`
}

// Bar is a single OHLCV bar.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// Order is the normalized broker view of an order.
type Order struct {
	ID             string     `json:"id"`
	ClientOrderID  string     `json:"client_order_id"`
	Symbol         string     `json:"symbol"`
	Side           string     `json:"side"`
	Type           string     `json:"type"`
	Qty            int64      `json:"qty"`
	FilledQty      int64      `json:"filled_qty"`
	FilledAvgPrice float64    `json:"filled_avg_price"`
	LimitPrice     float64    `json:"limit_price,omitempty"`
	StopPrice      float64    `json:"stop_price,omitempty"`
	Status         string     `json:"status"`
	TimeInForce    string     `json:"time_in_force"`
	CreatedAt      time.Time  `json:"created_at"`
	FilledAt       *time.Time `json:"filled_at,omitempty"`
	Legs           []Order    `json:"legs,omitempty"`
}

// BracketParams carries the child exit legs for a bracket entry.
type BracketParams struct {
	TakeProfitPrice float64 `json:"take_profit_price"`
	StopLossPrice   float64 `json:"stop_loss_price"`
}

// OrderRequest is a normalized order submission. Zero-valued prices mean
// "not set". ClientOrderID is optional; when present the broker deduplicates
// on it.
type OrderRequest struct {
	Symbol        string         `json:"symbol"`
	Qty           int64          `json:"qty"`
	Side          string         `json:"side"`
	Type          string         `json:"type"`
	TimeInForce   string         `json:"time_in_force"`
	LimitPrice    float64        `json:"limit_price,omitempty"`
	StopPrice     float64        `json:"stop_price,omitempty"`
	ClientOrderID string         `json:"client_order_id,omitempty"`
	Bracket       *BracketParams `json:"bracket,omitempty"`
}

// statusAliases maps raw broker statuses onto the canonical set.
var statusAliases = map[string]string{
	"new":                  StatusAccepted,
	"accepted":             StatusAccepted,
	"accepted_for_bidding": StatusAccepted,
	"calculated":           StatusAccepted,
	"pending_new":          StatusPending,
	"pending_cancel":       StatusPending,
	"pending_replace":      StatusPending,
	"held":                 StatusHeld,
	"suspended":            StatusHeld,
	"stopped":              StatusHeld,
	"partially_filled":     StatusPartiallyFilled,
	"partial_fill":         StatusPartiallyFilled,
	"filled":               StatusFilled,
	"fill":                 StatusFilled,
	"executed":             StatusFilled,
	"complete":             StatusFilled,
	"completed":            StatusFilled,
	"canceled":             StatusCanceled,
	"cancelled":            StatusCanceled,
	"rejected":             StatusRejected,
	"expired":              StatusExpired,
	"done_for_day":         StatusExpired,
}

// NormalizeStatus lower-cases a raw broker status and maps known aliases to
// the canonical set. Unknown statuses pass through lower-cased so callers can
// still record them in status histories.
func NormalizeStatus(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if canonical, ok := statusAliases[s]; ok {
		return canonical
	}
	return s
}

// IsTerminalStatus reports whether no further fills can occur.
func IsTerminalStatus(status string) bool {
	switch NormalizeStatus(status) {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// IsActiveStatus reports whether the order is resting at the broker
// (accepted or queued, not yet terminal).
func IsActiveStatus(status string) bool {
	switch NormalizeStatus(status) {
	case StatusAccepted, StatusPending, StatusHeld, StatusPartiallyFilled:
		return true
	}
	return false
}

// ExitSide returns the order side that reduces a position on the given
// position side ("long" or "short").
func ExitSide(positionSide string) string {
	if positionSide == "short" {
		return SideBuy
	}
	return SideSell
}
