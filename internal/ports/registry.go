package ports

import (
	"context"
	"time"

	"signalbridge/internal/domain"
)

// TradeDraft is the validated input to TradeRegistry.Create.
type TradeDraft struct {
	Symbol     string
	Side       domain.OrderSide
	Volume     float64
	Entry      float64
	StopLoss   float64
	TakeProfit float64
}

// TradeStats are aggregates over the whole registry, derived on demand.
type TradeStats struct {
	Total       int
	Active      int
	Closed      int
	Failed      int
	Winning     int
	Losing      int
	WinRate     float64 // percent of closed trades with positive P&L
	TotalProfit float64
}

// TradeRegistry is the durable, single source of truth for Trade entities.
// Every state-changing operation persists before returning, so a success
// reported to the caller is always recoverable after a crash. All returned
// trades are snapshots; mutating them has no effect on registry state.
//
// Find methods return (nil, nil) when no trade matches.
type TradeRegistry interface {
	// Create stores a new trade in PENDING_EXECUTION with a fresh ID.
	// Returns ErrDuplicatePending if an identical (symbol, side, entry)
	// pending trade was created within the dedup window.
	Create(ctx context.Context, draft TradeDraft) (*domain.Trade, error)
	// ConfirmFill transitions PENDING_EXECUTION -> OPEN and records the
	// broker ticket, which is unique among non-terminal trades.
	ConfirmFill(ctx context.Context, id string, ticket int64, fillPrice float64) (*domain.Trade, error)
	// ApplyPartialClose decrements remaining volume and appends the audit
	// record; a sub-step residual closes the trade fully instead.
	ApplyPartialClose(ctx context.Context, id string, volumeClosed, closePrice float64) (*domain.Trade, error)
	// ApplyFullClose closes out the entire remaining volume.
	ApplyFullClose(ctx context.Context, id string, closePrice float64) (*domain.Trade, error)
	// ApplyStopsUpdate updates only the supplied fields, appending one
	// audit record per field.
	ApplyStopsUpdate(ctx context.Context, id string, newSL, newTP *float64) (*domain.Trade, error)
	// MarkFailed transitions PENDING_EXECUTION -> FAILED only.
	MarkFailed(ctx context.Context, id string, reason string) (*domain.Trade, error)
	// MarkUnreconciled fails any non-terminal trade; reconciliation's last
	// resort when a position is neither live nor in broker history.
	MarkUnreconciled(ctx context.Context, id string, reason string) (*domain.Trade, error)
	// ReconcileClosed adopts a closure reported by broker history,
	// recording its close price and time. Idempotent: reconciling an
	// already-CLOSED trade is a no-op, not an error.
	ReconcileClosed(ctx context.Context, id string, closePrice float64, closedAt time.Time) (*domain.Trade, error)

	// FindByID retrieves a trade snapshot by registry ID.
	FindByID(ctx context.Context, id string) (*domain.Trade, error)
	// FindByTicket retrieves a trade snapshot by broker ticket.
	FindByTicket(ctx context.Context, ticket int64) (*domain.Trade, error)
	// ListActive returns OPEN and PARTIALLY_CLOSED trades ordered by
	// opened_at ascending. Correlation tie-breaks rely on this order.
	ListActive(ctx context.Context) ([]*domain.Trade, error)
	// ListByStatus returns trades in the given status, opened_at ascending.
	ListByStatus(ctx context.Context, status domain.TradeStatus) ([]*domain.Trade, error)
	// CountOpenedOn counts trades created on the given local calendar day.
	// Derived by scan on every call; never cached.
	CountOpenedOn(ctx context.Context, day time.Time) (int, error)
	// RecentTrades returns up to limit trades, newest first.
	RecentTrades(ctx context.Context, limit int) ([]*domain.Trade, error)
	// Stats derives aggregate counters over the whole registry.
	Stats(ctx context.Context) (*TradeStats, error)
}
