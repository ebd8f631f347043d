package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"signalbridge/internal/domain"
	"signalbridge/internal/ports"
)

// Registry implements ports.TradeRegistry on SQLite. Every state-changing
// operation runs in a single transaction and commits before returning, so
// an acknowledged mutation survives a crash. The modification history is
// stored append-only in its own table; rows are only ever inserted.
type Registry struct {
	db     *sql.DB
	logger ports.Logger

	dedupWindow time.Duration
	volumeStep  float64
	now         func() time.Time
}

// Config holds configuration for the SQLite registry.
type Config struct {
	DBPath string
	Logger ports.Logger
	// DedupWindow guards Create against re-processing the same message:
	// an identical (symbol, side, entry) pending trade within the window
	// is rejected.
	DedupWindow time.Duration
	// VolumeStep is the broker's minimum volume increment, used for
	// partial-close dust handling.
	VolumeStep float64
	// Now overrides the clock; nil means time.Now. Tests use it to cross
	// day boundaries.
	Now func() time.Time
}

// NewRegistry opens (or creates) the registry database.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite registry")
	}
	if cfg.VolumeStep <= 0 {
		return nil, fmt.Errorf("volume step must be positive")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/trades.db"
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 90 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite registry initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite registry initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite registry initialization failed")
		return nil, err
	}

	// The orchestration loop is the single writer; one connection keeps
	// the Go driver from fighting SQLite's own locking.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	r := &Registry{
		db:          db,
		logger:      cfg.Logger,
		dedupWindow: cfg.DedupWindow,
		volumeStep:  cfg.VolumeStep,
		now:         now,
	}
	if err := r.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite registry initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Trade registry ready", map[string]interface{}{"path": dbPath})
	return r, nil
}

func (r *Registry) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		broker_ticket INTEGER DEFAULT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		requested_volume REAL NOT NULL,
		remaining_volume REAL NOT NULL,
		entry_price REAL NOT NULL,
		stop_loss REAL NOT NULL DEFAULT 0,
		take_profit REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		fail_reason TEXT DEFAULT NULL,
		close_price REAL DEFAULT NULL,
		profit_loss REAL DEFAULT NULL,
		opened_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS trade_modifications (
		trade_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		recorded_at TIMESTAMP NOT NULL,
		percent REAL DEFAULT NULL,
		volume REAL DEFAULT NULL,
		price REAL DEFAULT NULL,
		old_value REAL DEFAULT NULL,
		new_value REAL DEFAULT NULL,
		PRIMARY KEY (trade_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_trades_status_opened ON trades (status, opened_at);
	-- Broker tickets must be unique among non-terminal trades.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_live_ticket
		ON trades (broker_ticket)
		WHERE broker_ticket IS NOT NULL AND status NOT IN ('CLOSED', 'FAILED');
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Registry) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing trade registry")
		return r.db.Close()
	}
	return nil
}

// --- State-changing operations ---

// Create stores a new trade in PENDING_EXECUTION.
func (r *Registry) Create(ctx context.Context, draft ports.TradeDraft) (*domain.Trade, error) {
	if draft.Symbol == "" || draft.Volume <= 0 {
		return nil, fmt.Errorf("create trade: symbol and positive volume required: %w", ports.ErrInvalidRequest)
	}
	now := r.now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Dedup window: the same provider message, re-delivered or re-parsed,
	// produces an identical pending draft shortly after the first.
	const dupQuery = `
	SELECT COUNT(*) FROM trades
	WHERE symbol = ? AND side = ? AND entry_price = ? AND status = ? AND opened_at >= ?`
	var dups int
	err = tx.QueryRowContext(ctx, dupQuery,
		draft.Symbol, draft.Side, draft.Entry, domain.StatusPendingExecution, now.Add(-r.dedupWindow)).Scan(&dups)
	if err != nil {
		return nil, fmt.Errorf("failed to check for duplicate pending trade: %w", err)
	}
	if dups > 0 {
		return nil, fmt.Errorf("pending %s %s @ %v created within last %s: %w",
			draft.Side, draft.Symbol, draft.Entry, r.dedupWindow, ports.ErrDuplicatePending)
	}

	t := &domain.Trade{
		ID:              uuid.NewString(),
		Symbol:          draft.Symbol,
		Side:            draft.Side,
		RequestedVolume: draft.Volume,
		RemainingVolume: draft.Volume,
		EntryPrice:      draft.Entry,
		StopLoss:        draft.StopLoss,
		TakeProfit:      draft.TakeProfit,
		Status:          domain.StatusPendingExecution,
		OpenedAt:        now,
	}

	const insQuery = `
	INSERT INTO trades (id, symbol, side, requested_volume, remaining_volume,
	                    entry_price, stop_loss, take_profit, status, opened_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, insQuery,
		t.ID, t.Symbol, t.Side, t.RequestedVolume, t.RemainingVolume,
		t.EntryPrice, t.StopLoss, t.TakeProfit, t.Status, t.OpenedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert trade for symbol %s: %w", t.Symbol, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit trade creation: %w", err)
	}
	r.logger.Debug(ctx, "Trade created", map[string]interface{}{"tradeID": t.ID, "symbol": t.Symbol, "side": t.Side})
	return t.Clone(), nil
}

// ConfirmFill transitions PENDING_EXECUTION -> OPEN.
func (r *Registry) ConfirmFill(ctx context.Context, id string, ticket int64, fillPrice float64) (*domain.Trade, error) {
	return r.mutate(ctx, id, func(t *domain.Trade) error {
		return t.ConfirmFill(ticket, fillPrice)
	})
}

// ApplyPartialClose decrements remaining volume, absorbing sub-step dust
// into a full close.
func (r *Registry) ApplyPartialClose(ctx context.Context, id string, volumeClosed, closePrice float64) (*domain.Trade, error) {
	return r.mutate(ctx, id, func(t *domain.Trade) error {
		return t.PartialClose(volumeClosed, closePrice, r.volumeStep, r.now().UTC())
	})
}

// ApplyFullClose closes out the entire remaining volume.
func (r *Registry) ApplyFullClose(ctx context.Context, id string, closePrice float64) (*domain.Trade, error) {
	return r.mutate(ctx, id, func(t *domain.Trade) error {
		return t.FullClose(closePrice, r.now().UTC())
	})
}

// ApplyStopsUpdate updates the supplied SL/TP fields.
func (r *Registry) ApplyStopsUpdate(ctx context.Context, id string, newSL, newTP *float64) (*domain.Trade, error) {
	return r.mutate(ctx, id, func(t *domain.Trade) error {
		return t.UpdateStops(newSL, newTP, r.now().UTC())
	})
}

// MarkFailed transitions PENDING_EXECUTION -> FAILED.
func (r *Registry) MarkFailed(ctx context.Context, id string, reason string) (*domain.Trade, error) {
	return r.mutate(ctx, id, func(t *domain.Trade) error {
		return t.Fail(reason, r.now().UTC())
	})
}

// MarkUnreconciled fails any non-terminal trade.
func (r *Registry) MarkUnreconciled(ctx context.Context, id string, reason string) (*domain.Trade, error) {
	return r.mutate(ctx, id, func(t *domain.Trade) error {
		return t.FailUnreconciled(reason, r.now().UTC())
	})
}

// ReconcileClosed adopts a broker-history closure. Reconciling a trade
// that is already CLOSED is a no-op.
func (r *Registry) ReconcileClosed(ctx context.Context, id string, closePrice float64, closedAt time.Time) (*domain.Trade, error) {
	return r.mutate(ctx, id, func(t *domain.Trade) error {
		if t.Status == domain.StatusClosed {
			return nil
		}
		at := closedAt
		if at.IsZero() {
			at = r.now().UTC()
		}
		return t.FullClose(closePrice, at)
	})
}

// mutate loads a trade, applies fn, and persists the result plus any
// appended modification records in one transaction. The returned trade is
// a snapshot of the committed state.
func (r *Registry) mutate(ctx context.Context, id string, fn func(*domain.Trade) error) (*domain.Trade, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	t, err := r.loadTrade(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("trade %s: %w", id, ports.ErrNotFound)
	}

	modsBefore := len(t.Modifications)
	if err := fn(t); err != nil {
		return nil, err
	}

	const updQuery = `
	UPDATE trades
	SET broker_ticket = ?, remaining_volume = ?, entry_price = ?, stop_loss = ?,
	    take_profit = ?, status = ?, fail_reason = ?, close_price = ?,
	    profit_loss = ?, closed_at = ?
	WHERE id = ?`
	_, err = tx.ExecContext(ctx, updQuery,
		nullTicket(t.BrokerTicket), t.RemainingVolume, t.EntryPrice, t.StopLoss,
		t.TakeProfit, t.Status, nullString(t.FailReason), nullFloat(t.ClosePrice),
		t.ProfitLoss, nullTime(t.ClosedAt),
		t.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update trade %s: %w", t.ID, err)
	}

	const modQuery = `
	INSERT INTO trade_modifications (trade_id, seq, type, recorded_at, percent, volume, price, old_value, new_value)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for i := modsBefore; i < len(t.Modifications); i++ {
		m := t.Modifications[i]
		_, err = tx.ExecContext(ctx, modQuery,
			t.ID, i, m.Type, m.RecordedAt, m.Percent, m.Volume, m.Price, m.OldValue, m.NewValue)
		if err != nil {
			return nil, fmt.Errorf("failed to append modification %d for trade %s: %w", i, t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit update for trade %s: %w", t.ID, err)
	}
	r.logger.Debug(ctx, "Trade updated", map[string]interface{}{"tradeID": t.ID, "status": t.Status})
	return t.Clone(), nil
}

// --- Read surface ---

// FindByID retrieves a trade snapshot; (nil, nil) if absent.
func (r *Registry) FindByID(ctx context.Context, id string) (*domain.Trade, error) {
	return r.loadTrade(ctx, r.db, id)
}

// FindByTicket retrieves a trade snapshot by broker ticket; (nil, nil) if
// absent. Tickets are unique among non-terminal trades, so a live ticket
// resolves unambiguously; among terminal trades the most recent wins.
func (r *Registry) FindByTicket(ctx context.Context, ticket int64) (*domain.Trade, error) {
	const query = selectTrade + ` WHERE broker_ticket = ? ORDER BY opened_at DESC LIMIT 1`
	return r.queryOne(ctx, query, ticket)
}

// ListActive returns OPEN and PARTIALLY_CLOSED trades, opened_at ascending.
func (r *Registry) ListActive(ctx context.Context) ([]*domain.Trade, error) {
	const query = selectTrade + ` WHERE status IN (?, ?) ORDER BY opened_at ASC`
	return r.queryMany(ctx, query, domain.StatusOpen, domain.StatusPartiallyClosed)
}

// ListByStatus returns trades in the given status, opened_at ascending.
func (r *Registry) ListByStatus(ctx context.Context, status domain.TradeStatus) ([]*domain.Trade, error) {
	const query = selectTrade + ` WHERE status = ? ORDER BY opened_at ASC`
	return r.queryMany(ctx, query, status)
}

// CountOpenedOn counts trades created on day's local calendar date. Always
// derived by scan, so the "daily counter" needs no reset at midnight and
// cannot go stale across restarts.
func (r *Registry) CountOpenedOn(ctx context.Context, day time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM trades WHERE date(opened_at, 'localtime') = date(?, 'localtime')`
	var count int
	if err := r.db.QueryRowContext(ctx, query, day.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count trades for day: %w", err)
	}
	return count, nil
}

// RecentTrades returns up to limit trades, newest first.
func (r *Registry) RecentTrades(ctx context.Context, limit int) ([]*domain.Trade, error) {
	const query = selectTrade + ` ORDER BY opened_at DESC LIMIT ?`
	return r.queryMany(ctx, query, limit)
}

// Stats derives aggregate counters; nothing here is separately stored.
func (r *Registry) Stats(ctx context.Context) (*ports.TradeStats, error) {
	const query = `
	SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN status IN (?, ?) THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = ? AND profit_loss > 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = ? AND profit_loss < 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = ? THEN profit_loss ELSE 0 END), 0)
	FROM trades`
	s := &ports.TradeStats{}
	err := r.db.QueryRowContext(ctx, query,
		domain.StatusOpen, domain.StatusPartiallyClosed,
		domain.StatusClosed, domain.StatusFailed,
		domain.StatusClosed, domain.StatusClosed, domain.StatusClosed,
	).Scan(&s.Total, &s.Active, &s.Closed, &s.Failed, &s.Winning, &s.Losing, &s.TotalProfit)
	if err != nil {
		return nil, fmt.Errorf("failed to derive trade stats: %w", err)
	}
	if s.Closed > 0 {
		s.WinRate = float64(s.Winning) / float64(s.Closed) * 100
	}
	return s, nil
}

// --- Scan helpers ---

const selectTrade = `
	SELECT id, broker_ticket, symbol, side, requested_volume, remaining_volume,
	       entry_price, stop_loss, take_profit, status, fail_reason,
	       close_price, COALESCE(profit_loss, 0), opened_at, closed_at
	FROM trades`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (r *Registry) loadTrade(ctx context.Context, q querier, id string) (*domain.Trade, error) {
	row := q.QueryRowContext(ctx, selectTrade+` WHERE id = ?`, id)
	t, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query trade %s: %w", id, err)
	}
	if err := r.loadModifications(ctx, q, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Registry) queryOne(ctx context.Context, query string, args ...interface{}) (*domain.Trade, error) {
	row := r.db.QueryRowContext(ctx, query, args...)
	t, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query trade: %w", err)
	}
	if err := r.loadModifications(ctx, r.db, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Registry) queryMany(ctx context.Context, query string, args ...interface{}) ([]*domain.Trade, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}
	for _, t := range trades {
		if err := r.loadModifications(ctx, r.db, t); err != nil {
			return nil, err
		}
	}
	return trades, nil
}

func (r *Registry) loadModifications(ctx context.Context, q querier, t *domain.Trade) error {
	const query = `
	SELECT type, recorded_at, percent, volume, price, old_value, new_value
	FROM trade_modifications
	WHERE trade_id = ?
	ORDER BY seq ASC`
	rows, err := q.QueryContext(ctx, query, t.ID)
	if err != nil {
		return fmt.Errorf("failed to query modifications for trade %s: %w", t.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var m domain.ModificationRecord
		var modType string
		if err := rows.Scan(&modType, &m.RecordedAt, &m.Percent, &m.Volume, &m.Price, &m.OldValue, &m.NewValue); err != nil {
			return fmt.Errorf("failed to scan modification for trade %s: %w", t.ID, err)
		}
		m.Type = domain.ModificationType(modType)
		t.Modifications = append(t.Modifications, m)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating modifications for trade %s: %w", t.ID, err)
	}
	return nil
}

// scanner is compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(s scanner) (*domain.Trade, error) {
	t := &domain.Trade{}
	var (
		ticket     sql.NullInt64
		side       string
		status     string
		failReason sql.NullString
		closePrice sql.NullFloat64
		closedAt   sql.NullTime
	)
	err := s.Scan(
		&t.ID, &ticket, &t.Symbol, &side, &t.RequestedVolume, &t.RemainingVolume,
		&t.EntryPrice, &t.StopLoss, &t.TakeProfit, &status, &failReason,
		&closePrice, &t.ProfitLoss, &t.OpenedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	if ticket.Valid {
		t.BrokerTicket = ticket.Int64
	}
	if failReason.Valid {
		t.FailReason = failReason.String
	}
	if closePrice.Valid {
		t.ClosePrice = closePrice.Float64
	}
	if closedAt.Valid {
		t.ClosedAt = closedAt.Time
	}
	t.Side = domain.OrderSide(side)
	t.Status = domain.TradeStatus(status)
	return t, nil
}

// --- Null helpers ---

func nullTicket(ticket int64) sql.NullInt64 {
	if ticket == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ticket, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullFloat(f float64) sql.NullFloat64 {
	if f == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
