// Package correlate maps an ambiguous follow-up signal ("close 30%",
// "move SL on the gold trade") onto exactly one tracked trade, or fails
// with a reason the operator can act on.
package correlate

import (
	"fmt"
	"strings"

	"signalbridge/internal/domain"
)

// FailCode identifies why a reference could not be resolved.
type FailCode string

const (
	NoMatch        FailCode = "NoMatch"
	AmbiguousMatch FailCode = "AmbiguousMatch"
	VolumeTooSmall FailCode = "VolumeTooSmall"
)

// floatTolerance guards volume comparisons against float64 subtraction
// noise; far below any real volume step.
const floatTolerance = 1e-9

// CorrelationError is a resolution failure. No registry mutation has been
// attempted when one is returned.
type CorrelationError struct {
	Code   FailCode
	Reason string
}

func (e *CorrelationError) Error() string {
	return fmt.Sprintf("correlation failed (%s): %s", e.Code, e.Reason)
}

// Config holds the matching knobs.
type Config struct {
	// SymbolAliases maps free-text keywords to instrument codes,
	// e.g. "GOLD" -> "XAUUSD". Keys are matched case-insensitively.
	SymbolAliases map[string]string
	// VolumeStep is the broker's minimum volume increment, used for
	// percent-to-volume conversion.
	VolumeStep float64
}

// Engine resolves trade references against a snapshot of active trades.
// It is pure: the active list (ordered opened_at ascending, as the registry
// returns it) is passed in on every call.
//
// When a reference carries both a symbol hint and an ordinal cue, the
// symbol hint wins: it filters first, and the ordinal only orders the
// trades that survived the filter. The more specific cue takes precedence.
type Engine struct {
	cfg     Config
	aliases map[string]string // upper-cased keys/values
}

// NewEngine creates a correlation engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.VolumeStep <= 0 {
		return nil, fmt.Errorf("correlate config: volume step must be positive")
	}
	aliases := make(map[string]string, len(cfg.SymbolAliases))
	for k, v := range cfg.SymbolAliases {
		sym := domain.NormalizeSymbol(v)
		if sym == "" {
			return nil, fmt.Errorf("correlate config: alias %q maps to invalid symbol %q", k, v)
		}
		aliases[strings.ToUpper(strings.TrimSpace(k))] = sym
	}
	return &Engine{cfg: cfg, aliases: aliases}, nil
}

type ordinalCue int

const (
	ordinalNone ordinalCue = iota
	ordinalOldest
	ordinalNewest
)

// Resolve maps ref onto exactly one trade from active (opened_at ascending)
// following a first-match-wins order: explicit ticket, symbol hint, sole
// active trade, then recency/ordinal tie-break.
func (e *Engine) Resolve(ref domain.TradeRef, active []*domain.Trade) (*domain.Trade, error) {
	if len(active) == 0 {
		return nil, &CorrelationError{Code: NoMatch, Reason: "no active trades"}
	}

	// 1. Explicit ticket beats everything.
	if ref.Ticket != 0 {
		for _, t := range active {
			if t.BrokerTicket == ref.Ticket {
				return t, nil
			}
		}
		// A stale ticket is not fatal; the remaining hints may still resolve.
	}

	candidates := active
	if ref.Side != "" {
		candidates = filterSide(candidates, ref.Side)
		if len(candidates) == 0 {
			return nil, &CorrelationError{
				Code:   NoMatch,
				Reason: fmt.Sprintf("no active %s trades", ref.Side),
			}
		}
	}

	symbol := e.symbolFromHint(ref.Hint, candidates)
	cue := ordinalFromHint(ref.Hint)

	// 2. Symbol hint filters; the ordinal cue only orders what survives.
	if symbol != "" {
		matched := filterSymbol(candidates, symbol)
		switch len(matched) {
		case 0:
			return nil, &CorrelationError{
				Code:   NoMatch,
				Reason: fmt.Sprintf("no active trade for %s", symbol),
			}
		case 1:
			return matched[0], nil
		default:
			// Ambiguous within one symbol: oldest on an explicit ordinal
			// cue, otherwise most recently opened.
			if cue == ordinalOldest {
				return matched[0], nil
			}
			return matched[len(matched)-1], nil
		}
	}

	// 3. No symbol hint and a single active trade: unambiguous.
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	// 4. Multiple candidates and nothing but an ordinal to go on.
	switch cue {
	case ordinalOldest:
		return candidates[0], nil
	case ordinalNewest:
		return candidates[len(candidates)-1], nil
	default:
		return nil, &CorrelationError{
			Code:   AmbiguousMatch,
			Reason: fmt.Sprintf("%d active trades and no distinguishing hint", len(candidates)),
		}
	}
}

// CloseVolume converts a close percent into a broker volume for the trade:
// round_to_step(remaining x percent/100). Returns full=true when the close
// consumes the whole position, including the dust-absorption case where the
// residual would fall below one volume step.
func (e *Engine) CloseVolume(t *domain.Trade, percent float64) (volume float64, full bool, err error) {
	if percent <= 0 || percent > 100 {
		return 0, false, &CorrelationError{
			Code:   VolumeTooSmall,
			Reason: fmt.Sprintf("close percent %v outside (0, 100]", percent),
		}
	}
	step := e.cfg.VolumeStep
	volume = domain.RoundToStep(t.RemainingVolume*percent/100, step)
	if volume < step/2 {
		return 0, false, &CorrelationError{
			Code:   VolumeTooSmall,
			Reason: fmt.Sprintf("%.1f%% of %.4f lots rounds to zero at step %.4f", percent, t.RemainingVolume, step),
		}
	}
	if t.RemainingVolume-volume < step-floatTolerance {
		// Residual below one step would be dust; close the lot. The
		// epsilon keeps an exactly-one-step residual on the partial path
		// despite float subtraction noise.
		return t.RemainingVolume, true, nil
	}
	return volume, false, nil
}

// symbolFromHint extracts an instrument code from free text: first via the
// configured keyword aliases, then by containment against the symbols that
// are actually active ("eurusd long" matches EURUSD, and plain "EURUSD"
// matches a hint that embeds it).
func (e *Engine) symbolFromHint(hint string, active []*domain.Trade) string {
	if hint == "" {
		return ""
	}
	upper := strings.ToUpper(hint)
	compact := strings.NewReplacer("/", "", "-", "", " ", "", "_", "").Replace(upper)

	for keyword, sym := range e.aliases {
		if strings.Contains(upper, keyword) {
			return sym
		}
	}
	for _, t := range active {
		if strings.Contains(compact, t.Symbol) || strings.Contains(t.Symbol, compact) {
			return t.Symbol
		}
	}
	// A well-formed code that matches nothing active still counts as a
	// symbol hint; rule 2 then reports NoMatch instead of guessing.
	if sym := domain.NormalizeSymbol(hint); sym != "" && isCodeLike(compact) {
		return sym
	}
	return ""
}

// isCodeLike reports whether the compacted hint looks like a bare
// instrument code rather than a phrase.
func isCodeLike(compact string) bool {
	if len(compact) < 6 || len(compact) > 10 {
		return false
	}
	for _, r := range compact {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func ordinalFromHint(hint string) ordinalCue {
	upper := strings.ToUpper(hint)
	for _, w := range []string{"FIRST", "OLDEST", "EARLIEST", "ORIGINAL"} {
		if strings.Contains(upper, w) {
			return ordinalOldest
		}
	}
	for _, w := range []string{"LAST", "LATEST", "NEWEST", "RECENT"} {
		if strings.Contains(upper, w) {
			return ordinalNewest
		}
	}
	return ordinalNone
}

func filterSide(trades []*domain.Trade, side domain.OrderSide) []*domain.Trade {
	out := make([]*domain.Trade, 0, len(trades))
	for _, t := range trades {
		if t.Side == side {
			out = append(out, t)
		}
	}
	return out
}

func filterSymbol(trades []*domain.Trade, symbol string) []*domain.Trade {
	out := make([]*domain.Trade, 0, len(trades))
	for _, t := range trades {
		if t.Symbol == symbol {
			out = append(out, t)
		}
	}
	return out
}
