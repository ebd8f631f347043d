package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalbridge/internal/domain"
	"signalbridge/internal/ports"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// testClock lets tests move time forward across dedup windows and day
// boundaries.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time        { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func setupRegistry(t *testing.T) (*Registry, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)}
	r, err := NewRegistry(Config{
		DBPath:      filepath.Join(t.TempDir(), "test.db"),
		Logger:      &mockLogger{},
		DedupWindow: 90 * time.Second,
		VolumeStep:  0.01,
		Now:         clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, clock
}

func draft() ports.TradeDraft {
	return ports.TradeDraft{
		Symbol:     "XAUUSD",
		Side:       domain.Buy,
		Volume:     0.10,
		Entry:      2400.0,
		StopLoss:   2390.0,
		TakeProfit: 2430.0,
	}
}

func TestRegistry_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("creates pending trade with fresh ID", func(t *testing.T) {
		r, _ := setupRegistry(t)
		tr, err := r.Create(ctx, draft())
		require.NoError(t, err)

		assert.NotEmpty(t, tr.ID)
		assert.Equal(t, domain.StatusPendingExecution, tr.Status)
		assert.Equal(t, int64(0), tr.BrokerTicket)
		assert.Equal(t, 0.10, tr.RemainingVolume)

		found, err := r.FindByID(ctx, tr.ID)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, tr.ID, found.ID)
		assert.Equal(t, "XAUUSD", found.Symbol)
	})

	t.Run("identical draft within dedup window is rejected", func(t *testing.T) {
		r, clock := setupRegistry(t)
		_, err := r.Create(ctx, draft())
		require.NoError(t, err)

		clock.Advance(30 * time.Second)
		_, err = r.Create(ctx, draft())
		assert.ErrorIs(t, err, ports.ErrDuplicatePending)
	})

	t.Run("identical draft after the window passes", func(t *testing.T) {
		r, clock := setupRegistry(t)
		_, err := r.Create(ctx, draft())
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)
		_, err = r.Create(ctx, draft())
		assert.NoError(t, err)
	})

	t.Run("different entry is not a duplicate", func(t *testing.T) {
		r, _ := setupRegistry(t)
		_, err := r.Create(ctx, draft())
		require.NoError(t, err)

		d := draft()
		d.Entry = 2405.0
		_, err = r.Create(ctx, d)
		assert.NoError(t, err)
	})

	t.Run("rejects empty draft", func(t *testing.T) {
		r, _ := setupRegistry(t)
		_, err := r.Create(ctx, ports.TradeDraft{})
		assert.ErrorIs(t, err, ports.ErrInvalidRequest)
	})
}

func TestRegistry_ConfirmFill(t *testing.T) {
	ctx := context.Background()

	t.Run("pending to open with ticket", func(t *testing.T) {
		r, _ := setupRegistry(t)
		tr, err := r.Create(ctx, draft())
		require.NoError(t, err)

		got, err := r.ConfirmFill(ctx, tr.ID, 1001, 2401.5)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusOpen, got.Status)
		assert.Equal(t, int64(1001), got.BrokerTicket)
		assert.Equal(t, 2401.5, got.EntryPrice)

		byTicket, err := r.FindByTicket(ctx, 1001)
		require.NoError(t, err)
		require.NotNil(t, byTicket)
		assert.Equal(t, tr.ID, byTicket.ID)
	})

	t.Run("live ticket cannot be reused", func(t *testing.T) {
		r, clock := setupRegistry(t)
		first, err := r.Create(ctx, draft())
		require.NoError(t, err)
		_, err = r.ConfirmFill(ctx, first.ID, 1001, 2401.5)
		require.NoError(t, err)

		clock.Advance(5 * time.Minute)
		d := draft()
		d.Symbol = "EURUSD"
		second, err := r.Create(ctx, d)
		require.NoError(t, err)
		_, err = r.ConfirmFill(ctx, second.ID, 1001, 1.0850)
		assert.Error(t, err)
	})

	t.Run("closed trade frees its ticket", func(t *testing.T) {
		r, clock := setupRegistry(t)
		first, err := r.Create(ctx, draft())
		require.NoError(t, err)
		_, err = r.ConfirmFill(ctx, first.ID, 1001, 2401.5)
		require.NoError(t, err)
		_, err = r.ApplyFullClose(ctx, first.ID, 2410.0)
		require.NoError(t, err)

		clock.Advance(5 * time.Minute)
		second, err := r.Create(ctx, draft())
		require.NoError(t, err)
		_, err = r.ConfirmFill(ctx, second.ID, 1001, 2402.0)
		assert.NoError(t, err)
	})

	t.Run("unknown trade is ErrNotFound", func(t *testing.T) {
		r, _ := setupRegistry(t)
		_, err := r.ConfirmFill(ctx, "no-such-id", 1001, 2401.5)
		assert.ErrorIs(t, err, ports.ErrNotFound)
	})
}

func TestRegistry_Closes(t *testing.T) {
	ctx := context.Background()

	openTrade := func(t *testing.T, r *Registry, ticket int64) *domain.Trade {
		t.Helper()
		tr, err := r.Create(ctx, draft())
		require.NoError(t, err)
		tr, err = r.ConfirmFill(ctx, tr.ID, ticket, 2400.0)
		require.NoError(t, err)
		return tr
	}

	t.Run("partial close persists volume and audit record", func(t *testing.T) {
		r, _ := setupRegistry(t)
		tr := openTrade(t, r, 1001)

		got, err := r.ApplyPartialClose(ctx, tr.ID, 0.03, 2410.0)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPartiallyClosed, got.Status)
		assert.InDelta(t, 0.07, got.RemainingVolume, 1e-9)

		// Reload from disk: the audit trail must round-trip.
		found, err := r.FindByID(ctx, tr.ID)
		require.NoError(t, err)
		require.Len(t, found.Modifications, 1)
		assert.Equal(t, domain.ModPartialClose, found.Modifications[0].Type)
		assert.InDelta(t, 30.0, found.Modifications[0].Percent, 1e-9)
	})

	t.Run("full close records price time and P&L", func(t *testing.T) {
		r, clock := setupRegistry(t)
		tr := openTrade(t, r, 1001)
		clock.Advance(time.Hour)

		got, err := r.ApplyFullClose(ctx, tr.ID, 2430.0)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusClosed, got.Status)
		assert.Equal(t, 2430.0, got.ClosePrice)
		assert.InDelta(t, 3.0, got.ProfitLoss, 1e-9)
		assert.False(t, got.ClosedAt.IsZero())
	})

	t.Run("domain rule violations do not persist", func(t *testing.T) {
		r, _ := setupRegistry(t)
		tr := openTrade(t, r, 1001)

		_, err := r.ApplyPartialClose(ctx, tr.ID, 0.50, 2410.0)
		assert.ErrorIs(t, err, domain.ErrOverClose)

		found, err := r.FindByID(ctx, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusOpen, found.Status)
		assert.InDelta(t, 0.10, found.RemainingVolume, 1e-9)
		assert.Empty(t, found.Modifications)
	})

	t.Run("stops update appends one record per field", func(t *testing.T) {
		r, _ := setupRegistry(t)
		tr := openTrade(t, r, 1001)
		sl, tp := 2405.0, 2450.0

		got, err := r.ApplyStopsUpdate(ctx, tr.ID, &sl, &tp)
		require.NoError(t, err)
		assert.Equal(t, sl, got.StopLoss)
		assert.Equal(t, tp, got.TakeProfit)

		found, err := r.FindByID(ctx, tr.ID)
		require.NoError(t, err)
		require.Len(t, found.Modifications, 2)
		assert.Equal(t, domain.ModSLUpdate, found.Modifications[0].Type)
		assert.Equal(t, domain.ModTPUpdate, found.Modifications[1].Type)
	})
}

func TestRegistry_Failure(t *testing.T) {
	ctx := context.Background()

	t.Run("pending trade fails with reason", func(t *testing.T) {
		r, _ := setupRegistry(t)
		tr, err := r.Create(ctx, draft())
		require.NoError(t, err)

		got, err := r.MarkFailed(ctx, tr.ID, "order placement rejected")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, got.Status)
		assert.Equal(t, "order placement rejected", got.FailReason)
		assert.Equal(t, 0.0, got.RemainingVolume)
	})

	t.Run("open trade rejects MarkFailed but accepts MarkUnreconciled", func(t *testing.T) {
		r, _ := setupRegistry(t)
		tr, err := r.Create(ctx, draft())
		require.NoError(t, err)
		tr, err = r.ConfirmFill(ctx, tr.ID, 1001, 2400.0)
		require.NoError(t, err)

		_, err = r.MarkFailed(ctx, tr.ID, "late failure")
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		got, err := r.MarkUnreconciled(ctx, tr.ID, "position vanished from broker")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, got.Status)
	})
}

func TestRegistry_ReconcileClosed(t *testing.T) {
	ctx := context.Background()
	r, _ := setupRegistry(t)

	tr, err := r.Create(ctx, draft())
	require.NoError(t, err)
	tr, err = r.ConfirmFill(ctx, tr.ID, 1001, 2400.0)
	require.NoError(t, err)

	closedAt := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	got, err := r.ReconcileClosed(ctx, tr.ID, 2425.0, closedAt)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, got.Status)
	assert.Equal(t, 2425.0, got.ClosePrice)
	assert.Equal(t, closedAt, got.ClosedAt.UTC())

	// Idempotent: a second reconcile changes nothing and does not error.
	again, err := r.ReconcileClosed(ctx, tr.ID, 9999.0, closedAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2425.0, again.ClosePrice)
	require.Len(t, again.Modifications, 1)
}

func TestRegistry_Queries(t *testing.T) {
	ctx := context.Background()

	t.Run("ListActive orders by opened_at ascending", func(t *testing.T) {
		r, clock := setupRegistry(t)
		var ids []string
		for i, sym := range []string{"XAUUSD", "EURUSD", "GBPUSD"} {
			d := draft()
			d.Symbol = sym
			tr, err := r.Create(ctx, d)
			require.NoError(t, err)
			_, err = r.ConfirmFill(ctx, tr.ID, int64(1001+i), 2400.0)
			require.NoError(t, err)
			ids = append(ids, tr.ID)
			clock.Advance(time.Minute)
		}
		// Close the middle one; it must drop out of the active list.
		_, err := r.ApplyFullClose(ctx, ids[1], 2410.0)
		require.NoError(t, err)

		active, err := r.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, "XAUUSD", active[0].Symbol)
		assert.Equal(t, "GBPUSD", active[1].Symbol)
		assert.True(t, active[0].OpenedAt.Before(active[1].OpenedAt))
	})

	t.Run("FindByID and FindByTicket return nil for absent trades", func(t *testing.T) {
		r, _ := setupRegistry(t)
		tr, err := r.FindByID(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, tr)

		tr, err = r.FindByTicket(ctx, 4242)
		require.NoError(t, err)
		assert.Nil(t, tr)
	})

	t.Run("CountOpenedOn follows the calendar day", func(t *testing.T) {
		r, clock := setupRegistry(t)
		_, err := r.Create(ctx, draft())
		require.NoError(t, err)

		count, err := r.CountOpenedOn(ctx, clock.Now())
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		// Next day: yesterday's trade no longer counts.
		clock.Advance(24 * time.Hour)
		count, err = r.CountOpenedOn(ctx, clock.Now())
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		_, err = r.Create(ctx, draft())
		require.NoError(t, err)
		count, err = r.CountOpenedOn(ctx, clock.Now())
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("RecentTrades returns newest first with limit", func(t *testing.T) {
		r, clock := setupRegistry(t)
		for _, sym := range []string{"XAUUSD", "EURUSD", "GBPUSD"} {
			d := draft()
			d.Symbol = sym
			_, err := r.Create(ctx, d)
			require.NoError(t, err)
			clock.Advance(time.Minute)
		}

		recent, err := r.RecentTrades(ctx, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, "GBPUSD", recent[0].Symbol)
		assert.Equal(t, "EURUSD", recent[1].Symbol)
	})

	t.Run("Stats aggregates wins losses and profit", func(t *testing.T) {
		r, clock := setupRegistry(t)

		open := func(sym string, ticket int64) *domain.Trade {
			d := draft()
			d.Symbol = sym
			tr, err := r.Create(ctx, d)
			require.NoError(t, err)
			tr, err = r.ConfirmFill(ctx, tr.ID, ticket, 2400.0)
			require.NoError(t, err)
			clock.Advance(time.Minute)
			return tr
		}

		winner := open("XAUUSD", 1001)
		loser := open("EURUSD", 1002)
		open("GBPUSD", 1003) // stays active

		_, err := r.ApplyFullClose(ctx, winner.ID, 2430.0) // +3.0
		require.NoError(t, err)
		_, err = r.ApplyFullClose(ctx, loser.ID, 2390.0) // -1.0
		require.NoError(t, err)

		failed, err := r.Create(ctx, ports.TradeDraft{Symbol: "USDJPY", Side: domain.Sell, Volume: 0.10, Entry: 150.0})
		require.NoError(t, err)
		_, err = r.MarkFailed(ctx, failed.ID, "rejected")
		require.NoError(t, err)

		stats, err := r.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, stats.Total)
		assert.Equal(t, 1, stats.Active)
		assert.Equal(t, 2, stats.Closed)
		assert.Equal(t, 1, stats.Failed)
		assert.Equal(t, 1, stats.Winning)
		assert.Equal(t, 1, stats.Losing)
		assert.InDelta(t, 50.0, stats.WinRate, 1e-9)
		assert.InDelta(t, 2.0, stats.TotalProfit, 1e-9)
	})
}

func TestRegistry_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	clock := &testClock{now: time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)}

	r, err := NewRegistry(Config{
		DBPath: dbPath, Logger: &mockLogger{}, VolumeStep: 0.01, Now: clock.Now,
	})
	require.NoError(t, err)

	tr, err := r.Create(ctx, draft())
	require.NoError(t, err)
	tr, err = r.ConfirmFill(ctx, tr.ID, 1001, 2401.5)
	require.NoError(t, err)
	_, err = r.ApplyPartialClose(ctx, tr.ID, 0.03, 2410.0)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	r2, err := NewRegistry(Config{
		DBPath: dbPath, Logger: &mockLogger{}, VolumeStep: 0.01, Now: clock.Now,
	})
	require.NoError(t, err)
	defer r2.Close()

	found, err := r2.FindByID(ctx, tr.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, domain.StatusPartiallyClosed, found.Status)
	assert.Equal(t, int64(1001), found.BrokerTicket)
	assert.Equal(t, 2401.5, found.EntryPrice)
	assert.InDelta(t, 0.07, found.RemainingVolume, 1e-9)
	require.Len(t, found.Modifications, 1)
	assert.Equal(t, domain.ModPartialClose, found.Modifications[0].Type)
}
