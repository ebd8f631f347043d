package ports

import (
	"context"
	"time"

	"signalbridge/internal/domain"
)

// OrderFill is the broker's confirmation of a filled market order.
type OrderFill struct {
	Ticket    int64
	FillPrice float64
}

// ClosedPosition is the broker history record for a position that is no
// longer live.
type ClosedPosition struct {
	ClosePrice float64
	ClosedAt   time.Time
}

// ExecutionGateway abstracts the broker. It is the only blocking boundary
// in the core: calls perform network round trips and the orchestration
// loop serializes behind them deliberately.
type ExecutionGateway interface {
	// OpenMarketOrder places a market order with protective SL/TP levels
	// (0 means no level) and returns the broker ticket and fill price.
	OpenMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, volume, stopLoss, takeProfit float64) (*OrderFill, error)
	// ModifyPosition replaces SL and/or TP on a live position.
	// Returns ErrPositionNotFound if the ticket is not live.
	ModifyPosition(ctx context.Context, ticket int64, newSL, newTP *float64) error
	// ClosePosition closes volume lots of a live position at market and
	// returns the close price. Returns ErrPositionNotFound if the ticket
	// is not live.
	ClosePosition(ctx context.Context, ticket int64, volume float64) (float64, error)
	// ListOpenTickets returns the tickets of all live positions.
	ListOpenTickets(ctx context.Context) ([]int64, error)
	// GetHistory looks a ticket up in broker history. Returns ErrNotFound
	// if the broker has no record of it.
	GetHistory(ctx context.Context, ticket int64) (*ClosedPosition, error)
}
