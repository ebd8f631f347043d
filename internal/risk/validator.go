package risk

import (
	"fmt"

	"signalbridge/internal/domain"
)

// RejectCode identifies which risk rule a proposed trade failed.
type RejectCode string

const (
	RejectMissingProtection RejectCode = "MissingProtection"
	RejectLotOutOfBounds    RejectCode = "LotOutOfBounds"
	RejectInsufficientRR    RejectCode = "InsufficientRR"
	RejectTooManyOpenTrades RejectCode = "TooManyOpenTrades"
	RejectDailyLimitReached RejectCode = "DailyLimitReached"
)

// RejectionError is a risk rule failure: the trade is never created and the
// code/reason pair is surfaced to the operator.
type RejectionError struct {
	Code   RejectCode
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("risk check failed (%s): %s", e.Code, e.Reason)
}

// Config holds the recognized risk options.
type Config struct {
	MinLot         float64
	MaxLot         float64
	DefaultLot     float64
	MaxOpenTrades  int
	MaxDailyTrades int
	MinRiskReward  float64
	RequireSLTP    bool
}

// Validator gates every NEW signal before a trade is created. It is pure:
// the registry snapshot (active trades, today's count) is passed in, so the
// same inputs always yield the same verdict.
type Validator struct {
	cfg Config
}

// NewValidator creates a validator instance.
func NewValidator(cfg Config) (*Validator, error) {
	if cfg.MinLot <= 0 || cfg.MaxLot < cfg.MinLot {
		return nil, fmt.Errorf("risk config: lot bounds [%v, %v] are invalid", cfg.MinLot, cfg.MaxLot)
	}
	if cfg.DefaultLot < cfg.MinLot || cfg.DefaultLot > cfg.MaxLot {
		return nil, fmt.Errorf("risk config: default lot %v outside [%v, %v]", cfg.DefaultLot, cfg.MinLot, cfg.MaxLot)
	}
	if cfg.MaxOpenTrades <= 0 || cfg.MaxDailyTrades <= 0 {
		return nil, fmt.Errorf("risk config: trade limits must be positive")
	}
	if cfg.MinRiskReward < 0 {
		return nil, fmt.Errorf("risk config: min risk/reward cannot be negative")
	}
	return &Validator{cfg: cfg}, nil
}

// Validate checks a proposed NEW signal against the risk rules in order;
// the first failure wins. On success it returns the normalized volume
// (the requested lot, or the default lot when none was requested).
func (v *Validator) Validate(sig domain.NewSignal, active []*domain.Trade, openedToday int) (float64, error) {
	// 1. Protective levels
	if v.cfg.RequireSLTP && (sig.StopLoss == 0 || sig.TakeProfit == 0) {
		return 0, &RejectionError{
			Code:   RejectMissingProtection,
			Reason: "signal must carry both stop loss and take profit",
		}
	}

	// 2. Lot bounds; an unspecified lot takes the configured default.
	lot := sig.Lot
	if lot == 0 {
		lot = v.cfg.DefaultLot
	} else if lot < v.cfg.MinLot || lot > v.cfg.MaxLot {
		return 0, &RejectionError{
			Code:   RejectLotOutOfBounds,
			Reason: fmt.Sprintf("lot %v outside allowed range [%v, %v]", lot, v.cfg.MinLot, v.cfg.MaxLot),
		}
	}

	// 3. Reward/risk ratio
	if sig.StopLoss != 0 && sig.TakeProfit != 0 {
		rr := RiskReward(sig.Entry, sig.StopLoss, sig.TakeProfit)
		if rr < v.cfg.MinRiskReward {
			return 0, &RejectionError{
				Code:   RejectInsufficientRR,
				Reason: fmt.Sprintf("reward/risk %.2f below minimum %.2f", rr, v.cfg.MinRiskReward),
			}
		}
	}

	// 4. Concurrent exposure
	if len(active) >= v.cfg.MaxOpenTrades {
		return 0, &RejectionError{
			Code:   RejectTooManyOpenTrades,
			Reason: fmt.Sprintf("%d trades already open (max %d)", len(active), v.cfg.MaxOpenTrades),
		}
	}

	// 5. Daily limit. openedToday is derived from the registry by calendar
	// day on every check, so it needs no reset logic at midnight or restart.
	if openedToday >= v.cfg.MaxDailyTrades {
		return 0, &RejectionError{
			Code:   RejectDailyLimitReached,
			Reason: fmt.Sprintf("%d trades opened today (max %d)", openedToday, v.cfg.MaxDailyTrades),
		}
	}

	return lot, nil
}

// RiskReward is |take profit - entry| / |entry - stop loss|. Returns 0 when
// the stop sits on the entry.
func RiskReward(entry, stopLoss, takeProfit float64) float64 {
	risk := entry - stopLoss
	if risk < 0 {
		risk = -risk
	}
	if risk == 0 {
		return 0
	}
	reward := takeProfit - entry
	if reward < 0 {
		reward = -reward
	}
	return reward / risk
}
