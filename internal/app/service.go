package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"signalbridge/internal/correlate"
	"signalbridge/internal/domain"
	"signalbridge/internal/ports"
	"signalbridge/internal/risk"
)

const defaultQueueSize = 64

// OutcomeStatus classifies what happened to a submitted signal.
type OutcomeStatus string

const (
	// OutcomeExecuted means the broker action succeeded and the registry
	// was updated and persisted.
	OutcomeExecuted OutcomeStatus = "EXECUTED"
	// OutcomeRejected means validation or correlation refused the signal;
	// nothing was mutated.
	OutcomeRejected OutcomeStatus = "REJECTED"
	// OutcomeFailed means the broker or the registry failed mid-flight.
	OutcomeFailed OutcomeStatus = "FAILED"
	// OutcomeIgnored means the signal carried no actionable meaning.
	OutcomeIgnored OutcomeStatus = "IGNORED"
	// OutcomeReconciled means the target position had already closed at
	// the broker and the registry adopted its historical closure.
	OutcomeReconciled OutcomeStatus = "RECONCILED"
)

// Outcome is the structured result of processing one signal. Every signal
// produces exactly one Outcome; nothing is silently dropped.
type Outcome struct {
	Signal domain.Signal
	Status OutcomeStatus
	Code   string // machine-readable reason code for rejections/failures
	Reason string
	Trade  *domain.Trade // snapshot after the operation, when one exists
}

// Config holds the service's own knobs.
type Config struct {
	// SymbolAliases maps keywords to instrument codes for NEW signals
	// ("gold" -> XAUUSD). Correlation has its own copy for follow-ups.
	SymbolAliases map[string]string
	// QueueSize bounds the inbound signal queue; 0 means the default.
	QueueSize int
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Service is the orchestration loop: a single sequential consumer that
// fully resolves one signal (validate/correlate, gateway call, registry
// update, persist) before taking the next. Serializing behind the gateway
// round trip is deliberate; it removes every race between concurrent
// modifications of the same trade. Manual console commands must go through
// Submit as well, never mutate the registry directly.
type Service struct {
	logger     ports.Logger
	registry   ports.TradeRegistry
	gateway    ports.ExecutionGateway
	validator  *risk.Validator
	correlator *correlate.Engine

	aliases   map[string]string
	intents   chan domain.Signal
	onOutcome func(Outcome)
	now       func() time.Time
}

// NewService creates the orchestration service.
func NewService(
	cfg Config,
	logger ports.Logger,
	registry ports.TradeRegistry,
	gateway ports.ExecutionGateway,
	validator *risk.Validator,
	correlator *correlate.Engine,
) (*Service, error) {
	if logger == nil || registry == nil || gateway == nil || validator == nil || correlator == nil {
		return nil, fmt.Errorf("missing required dependencies for Service")
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	aliases := make(map[string]string, len(cfg.SymbolAliases))
	for k, v := range cfg.SymbolAliases {
		aliases[normalizeKeyword(k)] = domain.NormalizeSymbol(v)
	}
	return &Service{
		logger:     logger,
		registry:   registry,
		gateway:    gateway,
		validator:  validator,
		correlator: correlator,
		aliases:    aliases,
		intents:    make(chan domain.Signal, queueSize),
		now:        now,
	}, nil
}

// OnOutcome registers a hook invoked with every Outcome, in processing
// order, from the loop goroutine. Intended for the console surface.
func (s *Service) OnOutcome(fn func(Outcome)) {
	s.onOutcome = fn
}

// Submit enqueues a signal for processing. Signals are consumed strictly
// in FIFO order. This is the only entry point; message-derived and manual
// console intents share it so the single-writer invariant holds.
func (s *Service) Submit(ctx context.Context, sig domain.Signal) error {
	select {
	case s.intents <- sig:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submit signal: %w", ports.ErrContextCanceled)
	}
}

// Run reloads state, reconciles it against the broker, then consumes
// signals until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info(ctx, "Starting orchestration loop")

	if err := s.reconcileStartup(ctx); err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "Orchestration loop stopped")
			return nil
		case sig := <-s.intents:
			outcome := s.handleSignal(ctx, sig)
			s.emit(ctx, outcome)
		}
	}
}

// handleSignal dispatches on the signal variant. The set is closed; an
// unknown variant is a programming error and is surfaced, not dropped.
func (s *Service) handleSignal(ctx context.Context, sig domain.Signal) Outcome {
	switch v := sig.(type) {
	case domain.NewSignal:
		return s.handleNew(ctx, v)
	case domain.ModifySignal:
		return s.handleModify(ctx, v)
	case domain.CloseSignal:
		return s.handleClose(ctx, v)
	case domain.NoSignal:
		return Outcome{Signal: sig, Status: OutcomeIgnored, Reason: v.Reason}
	default:
		return Outcome{
			Signal: sig,
			Status: OutcomeFailed,
			Code:   "UnhandledSignalKind",
			Reason: fmt.Sprintf("no handler for signal kind %q", sig.Kind()),
		}
	}
}

// --- NEW ---

func (s *Service) handleNew(ctx context.Context, sig domain.NewSignal) Outcome {
	symbol := s.resolveSymbol(sig.Symbol)
	if symbol == "" {
		return Outcome{
			Signal: sig, Status: OutcomeRejected, Code: "InvalidSymbol",
			Reason: fmt.Sprintf("cannot resolve instrument from %q", sig.Symbol),
		}
	}
	sig.Symbol = symbol

	active, err := s.registry.ListActive(ctx)
	if err != nil {
		return s.persistenceFailure(sig, "list active trades", err)
	}
	openedToday, err := s.registry.CountOpenedOn(ctx, s.now())
	if err != nil {
		return s.persistenceFailure(sig, "count today's trades", err)
	}

	volume, err := s.validator.Validate(sig, active, openedToday)
	if err != nil {
		var rej *risk.RejectionError
		if errors.As(err, &rej) {
			return Outcome{Signal: sig, Status: OutcomeRejected, Code: string(rej.Code), Reason: rej.Reason}
		}
		return s.persistenceFailure(sig, "risk validation", err)
	}

	trade, err := s.registry.Create(ctx, ports.TradeDraft{
		Symbol:     symbol,
		Side:       sig.Side,
		Volume:     volume,
		Entry:      sig.Entry,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
	})
	if err != nil {
		if errors.Is(err, ports.ErrDuplicatePending) {
			return Outcome{Signal: sig, Status: OutcomeRejected, Code: "DuplicatePending", Reason: err.Error()}
		}
		return s.persistenceFailure(sig, "create trade", err)
	}
	s.logger.Info(ctx, "Trade created, executing", map[string]interface{}{
		"tradeID": trade.ID, "symbol": symbol, "side": sig.Side, "volume": volume,
	})

	fill, err := s.gateway.OpenMarketOrder(ctx, symbol, sig.Side, volume, sig.StopLoss, sig.TakeProfit)
	if err != nil {
		failed, markErr := s.registry.MarkFailed(ctx, trade.ID, err.Error())
		if markErr != nil {
			s.logger.Error(ctx, markErr, "Failed to mark trade FAILED after gateway rejection", map[string]interface{}{"tradeID": trade.ID})
		}
		return Outcome{
			Signal: sig, Status: OutcomeFailed, Code: "ExecutionError",
			Reason: fmt.Sprintf("broker rejected market order: %v", err),
			Trade:  failed,
		}
	}

	confirmed, err := s.registry.ConfirmFill(ctx, trade.ID, fill.Ticket, fill.FillPrice)
	if err != nil {
		// The order is live but the fill is not durably recorded. Do not
		// report success; startup reconciliation picks the trade up from
		// PENDING_EXECUTION on the next run.
		s.logger.Error(ctx, err, "Fill confirmed by broker but not persisted", map[string]interface{}{
			"tradeID": trade.ID, "ticket": fill.Ticket,
		})
		return Outcome{
			Signal: sig, Status: OutcomeFailed, Code: "PersistenceError",
			Reason: fmt.Sprintf("fill not persisted: %v", err), Trade: trade,
		}
	}

	s.logger.Info(ctx, "Trade opened", map[string]interface{}{
		"tradeID": confirmed.ID, "ticket": fill.Ticket, "fillPrice": fill.FillPrice,
	})
	return Outcome{Signal: sig, Status: OutcomeExecuted, Trade: confirmed}
}

// --- MODIFY ---

func (s *Service) handleModify(ctx context.Context, sig domain.ModifySignal) Outcome {
	if sig.NewSL == nil && sig.NewTP == nil {
		return Outcome{Signal: sig, Status: OutcomeRejected, Code: "InvalidRequest", Reason: "modify carries neither SL nor TP"}
	}

	trade, outcome := s.resolveTarget(ctx, sig, sig.Ref)
	if trade == nil {
		return outcome
	}

	if err := s.gateway.ModifyPosition(ctx, trade.BrokerTicket, sig.NewSL, sig.NewTP); err != nil {
		if errors.Is(err, ports.ErrPositionNotFound) {
			return s.reconcile(ctx, sig, trade)
		}
		// A failed modify leaves the position untouched at the broker;
		// the trade record stays as it was.
		return Outcome{
			Signal: sig, Status: OutcomeFailed, Code: "ExecutionError",
			Reason: fmt.Sprintf("broker rejected modify: %v", err), Trade: trade,
		}
	}

	updated, err := s.registry.ApplyStopsUpdate(ctx, trade.ID, sig.NewSL, sig.NewTP)
	if err != nil {
		return s.persistenceFailure(sig, "persist SL/TP update", err)
	}
	s.logger.Info(ctx, "Stops updated", map[string]interface{}{
		"tradeID": updated.ID, "stopLoss": updated.StopLoss, "takeProfit": updated.TakeProfit,
	})
	return Outcome{Signal: sig, Status: OutcomeExecuted, Trade: updated}
}

// --- CLOSE ---

func (s *Service) handleClose(ctx context.Context, sig domain.CloseSignal) Outcome {
	percent := sig.Percent
	if percent == 0 {
		percent = 100
	}

	trade, outcome := s.resolveTarget(ctx, sig, sig.Ref)
	if trade == nil {
		return outcome
	}

	volume, full, err := s.correlator.CloseVolume(trade, percent)
	if err != nil {
		var cerr *correlate.CorrelationError
		if errors.As(err, &cerr) {
			return Outcome{Signal: sig, Status: OutcomeRejected, Code: string(cerr.Code), Reason: cerr.Reason, Trade: trade}
		}
		return Outcome{Signal: sig, Status: OutcomeFailed, Code: "InternalError", Reason: err.Error(), Trade: trade}
	}

	closePrice, err := s.gateway.ClosePosition(ctx, trade.BrokerTicket, volume)
	if err != nil {
		if errors.Is(err, ports.ErrPositionNotFound) {
			return s.reconcile(ctx, sig, trade)
		}
		return Outcome{
			Signal: sig, Status: OutcomeFailed, Code: "ExecutionError",
			Reason: fmt.Sprintf("broker rejected close: %v", err), Trade: trade,
		}
	}

	var updated *domain.Trade
	if full {
		updated, err = s.registry.ApplyFullClose(ctx, trade.ID, closePrice)
	} else {
		updated, err = s.registry.ApplyPartialClose(ctx, trade.ID, volume, closePrice)
	}
	if err != nil {
		return s.persistenceFailure(sig, "persist close", err)
	}

	s.logger.Info(ctx, "Position closed", map[string]interface{}{
		"tradeID": updated.ID, "volume": volume, "closePrice": closePrice,
		"remaining": updated.RemainingVolume, "status": updated.Status,
	})
	return Outcome{Signal: sig, Status: OutcomeExecuted, Trade: updated}
}

// resolveTarget runs correlation for a follow-up signal. On failure the
// returned trade is nil and the Outcome is final.
func (s *Service) resolveTarget(ctx context.Context, sig domain.Signal, ref domain.TradeRef) (*domain.Trade, Outcome) {
	active, err := s.registry.ListActive(ctx)
	if err != nil {
		return nil, s.persistenceFailure(sig, "list active trades", err)
	}
	trade, err := s.correlator.Resolve(ref, active)
	if err != nil {
		var cerr *correlate.CorrelationError
		if errors.As(err, &cerr) {
			return nil, Outcome{Signal: sig, Status: OutcomeRejected, Code: string(cerr.Code), Reason: cerr.Reason}
		}
		return nil, Outcome{Signal: sig, Status: OutcomeFailed, Code: "InternalError", Reason: err.Error()}
	}
	return trade, Outcome{}
}

// --- Reconciliation ---

// reconcile settles a trade whose ticket the broker no longer lists live.
// Found closed in history: adopt the historical closure (expected, logged
// at info). Found nowhere: FAILED with UnknownPosition, flagged for the
// operator. The trade is never silently dropped.
func (s *Service) reconcile(ctx context.Context, sig domain.Signal, trade *domain.Trade) Outcome {
	hist, err := s.gateway.GetHistory(ctx, trade.BrokerTicket)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			failed, markErr := s.registry.MarkUnreconciled(ctx, trade.ID,
				fmt.Sprintf("ticket %d neither live nor in broker history", trade.BrokerTicket))
			if markErr != nil {
				return s.persistenceFailure(sig, "mark unreconciled", markErr)
			}
			s.logger.Error(ctx, nil, "Position unknown to broker, flagged for manual review", map[string]interface{}{
				"tradeID": trade.ID, "ticket": trade.BrokerTicket,
			})
			return Outcome{
				Signal: sig, Status: OutcomeFailed, Code: "UnknownPosition",
				Reason: fmt.Sprintf("ticket %d not found at broker", trade.BrokerTicket), Trade: failed,
			}
		}
		return Outcome{
			Signal: sig, Status: OutcomeFailed, Code: "ExecutionError",
			Reason: fmt.Sprintf("history lookup failed: %v", err), Trade: trade,
		}
	}

	closed, err := s.registry.ReconcileClosed(ctx, trade.ID, hist.ClosePrice, hist.ClosedAt)
	if err != nil {
		return s.persistenceFailure(sig, "adopt historical close", err)
	}
	s.logger.Info(ctx, "Position already closed at broker, registry reconciled", map[string]interface{}{
		"tradeID": closed.ID, "ticket": trade.BrokerTicket, "closePrice": hist.ClosePrice,
	})
	return Outcome{
		Signal: sig, Status: OutcomeReconciled,
		Reason: fmt.Sprintf("ticket %d closed at broker @ %v", trade.BrokerTicket, hist.ClosePrice),
		Trade:  closed,
	}
}

// reconcileStartup settles registry state that may have advanced at the
// broker while the process was down.
func (s *Service) reconcileStartup(ctx context.Context) error {
	// Trades stuck in PENDING_EXECUTION have no ticket to re-confirm
	// against; fail them rather than guess, and let the operator re-issue.
	pending, err := s.registry.ListByStatus(ctx, domain.StatusPendingExecution)
	if err != nil {
		return fmt.Errorf("list pending trades: %w", err)
	}
	for _, t := range pending {
		if _, err := s.registry.MarkFailed(ctx, t.ID,
			"execution unconfirmed across restart; check the venue for an untracked fill before re-issuing"); err != nil {
			return fmt.Errorf("fail stale pending trade %s: %w", t.ID, err)
		}
		s.logger.Warn(ctx, "Stale pending trade failed at startup", map[string]interface{}{
			"tradeID": t.ID, "symbol": t.Symbol,
		})
	}

	active, err := s.registry.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active trades: %w", err)
	}
	if len(active) == 0 {
		s.logger.Info(ctx, "Startup reconciliation complete", map[string]interface{}{"failedPending": len(pending)})
		return nil
	}

	tickets, err := s.gateway.ListOpenTickets(ctx)
	if err != nil {
		return fmt.Errorf("list open broker positions: %w", err)
	}
	live := make(map[int64]bool, len(tickets))
	for _, ticket := range tickets {
		live[ticket] = true
	}

	ghosts := 0
	for _, t := range active {
		if live[t.BrokerTicket] {
			continue
		}
		// Tracked as active here, gone at the broker: same settlement
		// path as a mid-flight NotFound.
		outcome := s.reconcile(ctx, domain.NoSignal{Reason: "startup reconciliation"}, t)
		s.emit(ctx, outcome)
		ghosts++
	}
	s.logger.Info(ctx, "Startup reconciliation complete", map[string]interface{}{
		"failedPending": len(pending), "active": len(active), "reconciled": ghosts,
	})
	return nil
}

// --- helpers ---

func (s *Service) emit(ctx context.Context, outcome Outcome) {
	fields := map[string]interface{}{
		"kind":   string(outcome.Signal.Kind()),
		"status": string(outcome.Status),
	}
	if outcome.Code != "" {
		fields["code"] = outcome.Code
	}
	if outcome.Reason != "" {
		fields["reason"] = outcome.Reason
	}
	if outcome.Trade != nil {
		fields["tradeID"] = outcome.Trade.ID
	}
	switch outcome.Status {
	case OutcomeExecuted, OutcomeReconciled:
		s.logger.Info(ctx, "Signal processed", fields)
	case OutcomeIgnored:
		s.logger.Debug(ctx, "Signal ignored", fields)
	default:
		s.logger.Warn(ctx, "Signal not executed", fields)
	}
	if s.onOutcome != nil {
		s.onOutcome(outcome)
	}
}

func (s *Service) persistenceFailure(sig domain.Signal, op string, err error) Outcome {
	return Outcome{
		Signal: sig, Status: OutcomeFailed, Code: "PersistenceError",
		Reason: fmt.Sprintf("%s: %v", op, err),
	}
}

// resolveSymbol turns a raw instrument string or keyword into a normalized
// symbol, using the configured aliases first ("gold" -> XAUUSD).
func (s *Service) resolveSymbol(raw string) string {
	if sym, ok := s.aliases[normalizeKeyword(raw)]; ok {
		return sym
	}
	return domain.NormalizeSymbol(raw)
}

func normalizeKeyword(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
		}
	}
	return string(out)
}
