package domain

import "strings"

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// TradeStatus represents the lifecycle state of a tracked trade.
// Transitions only move forward:
// PENDING_EXECUTION -> OPEN -> PARTIALLY_CLOSED* -> CLOSED, or
// PENDING_EXECUTION -> FAILED. CLOSED and FAILED are terminal.
type TradeStatus string

const (
	StatusPendingExecution TradeStatus = "PENDING_EXECUTION"
	StatusOpen             TradeStatus = "OPEN"
	StatusPartiallyClosed  TradeStatus = "PARTIALLY_CLOSED"
	StatusClosed           TradeStatus = "CLOSED"
	StatusFailed           TradeStatus = "FAILED"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TradeStatus) IsTerminal() bool {
	return s == StatusClosed || s == StatusFailed
}

// IsActive reports whether the trade still has live exposure at the broker.
func (s TradeStatus) IsActive() bool {
	return s == StatusOpen || s == StatusPartiallyClosed
}

// ModificationType identifies the kind of mutation recorded in a trade's
// audit trail.
type ModificationType string

const (
	ModSLUpdate     ModificationType = "SL_UPDATE"
	ModTPUpdate     ModificationType = "TP_UPDATE"
	ModPartialClose ModificationType = "PARTIAL_CLOSE"
	ModFullClose    ModificationType = "FULL_CLOSE"
)

// NormalizeSymbol uppercases an instrument code and strips common
// separators ("EUR/USD", "eur-usd" -> "EURUSD"). Returns "" if the result
// is too short to be a real instrument code.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	s = strings.NewReplacer("/", "", "-", "", " ", "", "_", "").Replace(s)
	if len(s) < 6 {
		return ""
	}
	return s
}
