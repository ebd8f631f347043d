package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Domain rule violations. The registry surfaces these unchanged so callers
// can distinguish a rule violation from an infrastructure failure.
var (
	ErrInvalidTransition = errors.New("invalid trade status transition")
	ErrOverClose         = errors.New("close volume exceeds remaining volume")
)

// floatTolerance guards float64 comparisons against accumulated rounding
// noise. It is intentionally far below any real broker volume step.
const floatTolerance = 1e-9

// ModificationRecord is an immutable fact in a trade's audit trail.
// The payload is type-specific: closes carry percent/volume/price,
// SL/TP updates carry the old and new level.
type ModificationRecord struct {
	Type       ModificationType
	RecordedAt time.Time

	// Close payload
	Percent float64
	Volume  float64
	Price   float64

	// SL/TP update payload
	OldValue float64
	NewValue float64
}

// Trade is the unit of tracked risk: one signal-originated position and its
// full lifecycle. Instances are owned exclusively by the registry; callers
// receive copies and mutate only through registry operations.
type Trade struct {
	ID           string    // process-generated, immutable
	BrokerTicket int64     // broker identifier, 0 until the fill is confirmed
	Symbol       string    // normalized instrument code
	Side         OrderSide // immutable

	RequestedVolume float64 // volume at signal time, immutable
	RemainingVolume float64 // decreases monotonically on partial closes

	EntryPrice float64
	StopLoss   float64
	TakeProfit float64

	Status     TradeStatus
	FailReason string

	ClosePrice float64
	ProfitLoss float64 // signed points x volume, set on full closure

	OpenedAt time.Time
	ClosedAt time.Time

	// Modifications is append-only; insertion order is the audit trail and
	// is never reordered or truncated.
	Modifications []ModificationRecord
}

// Clone returns a deep copy. Reads hand out clones so no caller ever holds
// a mutable reference into registry-owned state.
func (t *Trade) Clone() *Trade {
	c := *t
	c.Modifications = make([]ModificationRecord, len(t.Modifications))
	copy(c.Modifications, t.Modifications)
	return &c
}

// ConfirmFill transitions PENDING_EXECUTION -> OPEN, recording the broker
// ticket and the actual fill price. The ticket is set exactly once.
// OpenedAt marks creation and is not touched here.
func (t *Trade) ConfirmFill(ticket int64, fillPrice float64) error {
	if t.Status != StatusPendingExecution {
		return fmt.Errorf("confirm fill on trade %s in status %s: %w", t.ID, t.Status, ErrInvalidTransition)
	}
	if ticket <= 0 {
		return fmt.Errorf("confirm fill on trade %s: broker ticket must be positive", t.ID)
	}
	t.BrokerTicket = ticket
	if fillPrice > 0 {
		t.EntryPrice = fillPrice
	}
	t.Status = StatusOpen
	return nil
}

// PartialClose reduces the remaining volume by volumeClosed and appends a
// PARTIAL_CLOSE record. If the residual would fall below one volume step the
// dust is absorbed and the trade closes fully instead. Closing more than the
// remaining volume beyond one step of tolerance is rejected.
func (t *Trade) PartialClose(volumeClosed, closePrice, step float64, at time.Time) error {
	if !t.Status.IsActive() {
		return fmt.Errorf("partial close on trade %s in status %s: %w", t.ID, t.Status, ErrInvalidTransition)
	}
	if volumeClosed <= 0 {
		return fmt.Errorf("partial close on trade %s: volume must be positive", t.ID)
	}
	if volumeClosed > t.RemainingVolume+step+floatTolerance {
		return fmt.Errorf("partial close on trade %s: %.4f of %.4f remaining: %w",
			t.ID, volumeClosed, t.RemainingVolume, ErrOverClose)
	}

	before := t.RemainingVolume
	if volumeClosed > before {
		volumeClosed = before // within one-step tolerance, clamp
	}
	percent := 100.0
	if before > 0 {
		percent = volumeClosed / before * 100.0
	}

	remaining := before - volumeClosed
	if remaining < step-floatTolerance {
		// Residual below one step is dust, absorb it into a full close.
		return t.fullClose(closePrice, at)
	}

	t.RemainingVolume = remaining
	t.Status = StatusPartiallyClosed
	t.Modifications = append(t.Modifications, ModificationRecord{
		Type:       ModPartialClose,
		RecordedAt: at,
		Percent:    percent,
		Volume:     volumeClosed,
		Price:      closePrice,
	})
	return nil
}

// FullClose closes out the entire remaining volume at closePrice.
func (t *Trade) FullClose(closePrice float64, at time.Time) error {
	if !t.Status.IsActive() {
		return fmt.Errorf("full close on trade %s in status %s: %w", t.ID, t.Status, ErrInvalidTransition)
	}
	return t.fullClose(closePrice, at)
}

func (t *Trade) fullClose(closePrice float64, at time.Time) error {
	closed := t.RemainingVolume
	t.RemainingVolume = 0
	t.Status = StatusClosed
	t.ClosePrice = closePrice
	t.ClosedAt = at
	t.ProfitLoss = t.pointsProfit(closePrice, closed)
	t.Modifications = append(t.Modifications, ModificationRecord{
		Type:       ModFullClose,
		RecordedAt: at,
		Percent:    100,
		Volume:     closed,
		Price:      closePrice,
	})
	return nil
}

// UpdateStops updates stop loss and/or take profit, appending one audit
// record per supplied field. Nil fields are left untouched.
func (t *Trade) UpdateStops(newSL, newTP *float64, at time.Time) error {
	if !t.Status.IsActive() {
		return fmt.Errorf("SL/TP update on trade %s in status %s: %w", t.ID, t.Status, ErrInvalidTransition)
	}
	if newSL == nil && newTP == nil {
		return fmt.Errorf("SL/TP update on trade %s: no fields supplied", t.ID)
	}
	if newSL != nil {
		t.Modifications = append(t.Modifications, ModificationRecord{
			Type:       ModSLUpdate,
			RecordedAt: at,
			OldValue:   t.StopLoss,
			NewValue:   *newSL,
		})
		t.StopLoss = *newSL
	}
	if newTP != nil {
		t.Modifications = append(t.Modifications, ModificationRecord{
			Type:       ModTPUpdate,
			RecordedAt: at,
			OldValue:   t.TakeProfit,
			NewValue:   *newTP,
		})
		t.TakeProfit = *newTP
	}
	return nil
}

// Fail transitions PENDING_EXECUTION -> FAILED. Trades that already opened
// cannot fail through this path; see FailUnreconciled.
func (t *Trade) Fail(reason string, at time.Time) error {
	if t.Status != StatusPendingExecution {
		return fmt.Errorf("fail trade %s in status %s: %w", t.ID, t.Status, ErrInvalidTransition)
	}
	t.fail(reason, at)
	return nil
}

// FailUnreconciled marks any non-terminal trade FAILED. Reserved for
// reconciliation when a position is neither live nor in broker history:
// the trade must surface for manual review rather than be dropped.
func (t *Trade) FailUnreconciled(reason string, at time.Time) error {
	if t.Status.IsTerminal() {
		return fmt.Errorf("fail trade %s in status %s: %w", t.ID, t.Status, ErrInvalidTransition)
	}
	t.fail(reason, at)
	return nil
}

func (t *Trade) fail(reason string, at time.Time) {
	t.Status = StatusFailed
	t.FailReason = reason
	t.RemainingVolume = 0
	t.ClosedAt = at
}

// pointsProfit is the signed price move times volume: positive when the
// close is on the profitable side of the entry.
func (t *Trade) pointsProfit(closePrice, volume float64) float64 {
	if closePrice == 0 {
		return 0
	}
	if t.Side == Sell {
		return (t.EntryPrice - closePrice) * volume
	}
	return (closePrice - t.EntryPrice) * volume
}

func (t *Trade) String() string {
	return fmt.Sprintf("Trade(%.8s): %s %s %.2f @ %v [SL %v, TP %v] - %s",
		t.ID, t.Side, t.Symbol, t.RequestedVolume, t.EntryPrice, t.StopLoss, t.TakeProfit, t.Status)
}

// RoundToStep rounds volume to the nearest multiple of the broker's volume
// step. Round-to-nearest is deliberate (not truncation): together with the
// dust absorption in PartialClose it guarantees a partial close never strands
// a sub-step residual position.
func RoundToStep(volume, step float64) float64 {
	if step <= 0 {
		return volume
	}
	steps := math.Round(volume / step)
	// Re-quantize to the step's own precision to shed float64 noise
	// (0.07000000000000001 -> 0.07).
	decimals := 0
	for s := step; decimals < 8; decimals++ {
		if math.Abs(s-math.Round(s)) < floatTolerance {
			break
		}
		s *= 10
	}
	factor := math.Pow(10, float64(decimals))
	return math.Round(steps*step*factor) / factor
}
