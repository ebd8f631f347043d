// Package binanceclient implements ports.ExecutionGateway against Binance
// USD-M futures. Positions are addressed by the entry order ID, which plays
// the role of the broker ticket.
package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"signalbridge/internal/domain"
	"signalbridge/internal/ports"
)

const (
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// positionRef is what the adapter must remember per ticket to address the
// position on Binance, which keys everything by symbol rather than ticket.
type positionRef struct {
	symbol    string
	side      domain.OrderSide
	volume    float64
	slOrderID int64
	tpOrderID int64
}

// TrackedPosition seeds the ticket index after a restart; see Prime.
type TrackedPosition struct {
	Ticket int64
	Symbol string
	Side   domain.OrderSide
	Volume float64
}

// Client implements the ports.ExecutionGateway interface using the
// go-binance library.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger

	mu   sync.Mutex
	refs map[int64]*positionRef
}

// Config holds configuration specific to the Binance gateway adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	Logger     ports.Logger
}

// New creates a new Binance gateway adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("API key and secret are required: %w", ports.ErrConfigurationError)
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance gateway configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance gateway configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	return &Client{
		futuresClient: client,
		logger:        cfg.Logger,
		refs:          make(map[int64]*positionRef),
	}, nil
}

// Prime seeds the ticket index from registry state. The index maps broker
// tickets back to symbols and only lives in memory, so the composition
// root must call Prime with the active trades before the loop starts.
func (c *Client) Prime(positions []TrackedPosition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range positions {
		if p.Ticket == 0 {
			continue
		}
		c.refs[p.Ticket] = &positionRef{symbol: p.Symbol, side: p.Side, volume: p.Volume}
	}
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}
	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1022:
			mappedErr = ports.ErrAuthenticationFailed
		case -2014, -2015:
			mappedErr = ports.ErrAuthenticationFailed
		case -2010, -2022:
			mappedErr = ports.ErrOrderPlacementFailed
		case -2013:
			mappedErr = ports.ErrNotFound
		case -2019, -3005, -3041, -4047:
			mappedErr = ports.ErrInsufficientFunds
		case -4044:
			mappedErr = ports.ErrPositionNotFound
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -4003, -4014:
			mappedErr = ports.ErrInvalidRequest
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, operation+" failed with API error", fields)
		return finalErr
	}

	var finalErr error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		finalErr = fmt.Errorf("%s canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	case strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "connection reset by peer"),
		strings.Contains(err.Error(), "use of closed network connection"):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	default:
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}
	c.logger.Error(ctx, err, operation+" failed", fields)
	return finalErr
}

// OpenMarketOrder places a market order and its protective SL/TP orders.
// If a protective order cannot be placed the position is closed again
// immediately; an unprotected position is worse than a rejected signal.
func (c *Client) OpenMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, volume, stopLoss, takeProfit float64) (*ports.OrderFill, error) {
	op := "OpenMarketOrder"
	qty := formatFloat(volume)

	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(qty).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	fillPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)

	ref := &positionRef{symbol: symbol, side: side, volume: volume}
	exitSide := oppositeSide(side)

	if stopLoss > 0 {
		slOrder, err := c.placeTrigger(ctx, symbol, exitSide, futures.OrderTypeStopMarket, stopLoss)
		if err != nil {
			c.emergencyClose(ctx, symbol, exitSide, qty)
			return nil, fmt.Errorf("stop loss placement after entry: %w", err)
		}
		ref.slOrderID = slOrder.OrderID
	}
	if takeProfit > 0 {
		tpOrder, err := c.placeTrigger(ctx, symbol, exitSide, futures.OrderTypeTakeProfitMarket, takeProfit)
		if err != nil {
			c.cancelQuiet(ctx, symbol, ref.slOrderID)
			c.emergencyClose(ctx, symbol, exitSide, qty)
			return nil, fmt.Errorf("take profit placement after entry: %w", err)
		}
		ref.tpOrderID = tpOrder.OrderID
	}

	c.mu.Lock()
	c.refs[order.OrderID] = ref
	c.mu.Unlock()

	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": symbol, "side": side, "volume": volume, "ticket": order.OrderID, "fillPrice": fillPrice,
	})
	return &ports.OrderFill{Ticket: order.OrderID, FillPrice: fillPrice}, nil
}

// ModifyPosition cancels and re-places the protective orders that changed.
func (c *Client) ModifyPosition(ctx context.Context, ticket int64, newSL, newTP *float64) error {
	op := "ModifyPosition"
	ref, err := c.liveRef(ctx, ticket)
	if err != nil {
		return err
	}
	exitSide := oppositeSide(ref.side)

	if newSL != nil {
		c.cancelQuiet(ctx, ref.symbol, ref.slOrderID)
		slOrder, err := c.placeTrigger(ctx, ref.symbol, exitSide, futures.OrderTypeStopMarket, *newSL)
		if err != nil {
			return c.handleError(ctx, err, op)
		}
		ref.slOrderID = slOrder.OrderID
	}
	if newTP != nil {
		c.cancelQuiet(ctx, ref.symbol, ref.tpOrderID)
		tpOrder, err := c.placeTrigger(ctx, ref.symbol, exitSide, futures.OrderTypeTakeProfitMarket, *newTP)
		if err != nil {
			return c.handleError(ctx, err, op)
		}
		ref.tpOrderID = tpOrder.OrderID
	}

	c.logger.Info(ctx, op+" successful", map[string]interface{}{"ticket": ticket, "symbol": ref.symbol})
	return nil
}

// ClosePosition closes volume lots of the position at market.
func (c *Client) ClosePosition(ctx context.Context, ticket int64, volume float64) (float64, error) {
	op := "ClosePosition"
	ref, err := c.liveRef(ctx, ticket)
	if err != nil {
		return 0, err
	}

	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(ref.symbol).
		Side(futures.SideType(oppositeSide(ref.side))).
		Type(futures.OrderTypeMarket).
		Quantity(formatFloat(volume)).
		ReduceOnly(true).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	closePrice, _ := strconv.ParseFloat(order.AvgPrice, 64)

	ref.volume -= volume
	if ref.volume <= 1e-9 {
		// Fully closed; the protective orders are ClosePosition-type and
		// must not linger as naked triggers.
		c.cancelQuiet(ctx, ref.symbol, ref.slOrderID)
		c.cancelQuiet(ctx, ref.symbol, ref.tpOrderID)
		c.mu.Lock()
		delete(c.refs, ticket)
		c.mu.Unlock()
	}

	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"ticket": ticket, "symbol": ref.symbol, "volume": volume, "closePrice": closePrice,
	})
	return closePrice, nil
}

// ListOpenTickets returns the tickets of all live positions the adapter
// knows about.
func (c *Client) ListOpenTickets(ctx context.Context) ([]int64, error) {
	op := "ListOpenTickets"
	positions, err := c.futuresClient.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	liveSymbols := make(map[string]bool, len(positions))
	for _, p := range positions {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt != 0 {
			liveSymbols[p.Symbol] = true
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	tickets := make([]int64, 0, len(c.refs))
	for ticket, ref := range c.refs {
		if liveSymbols[ref.symbol] {
			tickets = append(tickets, ticket)
		}
	}
	return tickets, nil
}

// GetHistory looks a ticket up in the account trade history: the most
// recent fill on the position's symbol opposite to its entry side is its
// closure. Returns ErrNotFound when the broker has no trace of the ticket.
func (c *Client) GetHistory(ctx context.Context, ticket int64) (*ports.ClosedPosition, error) {
	op := "GetHistory"
	c.mu.Lock()
	ref, ok := c.refs[ticket]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: ticket %d unknown to gateway: %w", op, ticket, ports.ErrNotFound)
	}

	trades, err := c.futuresClient.NewListAccountTradeService().Symbol(ref.symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	exitSide := string(oppositeSide(ref.side))
	for i := len(trades) - 1; i >= 0; i-- {
		t := trades[i]
		if string(t.Side) != exitSide {
			continue
		}
		price, perr := strconv.ParseFloat(t.Price, 64)
		if perr != nil {
			continue
		}
		return &ports.ClosedPosition{
			ClosePrice: price,
			ClosedAt:   time.UnixMilli(t.Time),
		}, nil
	}
	return nil, fmt.Errorf("%s: no closing fill for ticket %d on %s: %w", op, ticket, ref.symbol, ports.ErrNotFound)
}

// --- helpers ---

// liveRef resolves a ticket and verifies the position is still live at the
// broker, mapping both failure modes to ErrPositionNotFound.
func (c *Client) liveRef(ctx context.Context, ticket int64) (*positionRef, error) {
	c.mu.Lock()
	ref, ok := c.refs[ticket]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("ticket %d unknown to gateway: %w", ticket, ports.ErrPositionNotFound)
	}

	positions, err := c.futuresClient.NewGetPositionRiskService().Symbol(ref.symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, "GetPositionRisk")
	}
	for _, p := range positions {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt != 0 {
			return ref, nil
		}
	}
	return nil, fmt.Errorf("ticket %d has no live position on %s: %w", ticket, ref.symbol, ports.ErrPositionNotFound)
}

func (c *Client) placeTrigger(ctx context.Context, symbol string, side domain.OrderSide, orderType futures.OrderType, triggerPrice float64) (*futures.CreateOrderResponse, error) {
	return c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(orderType).
		StopPrice(formatFloat(triggerPrice)).
		ClosePosition(true).
		Do(ctx)
}

// cancelQuiet cancels an order and only logs on failure; the order may
// legitimately be gone already.
func (c *Client) cancelQuiet(ctx context.Context, symbol string, orderID int64) {
	if orderID == 0 {
		return
	}
	_, err := c.futuresClient.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		c.logger.Warn(ctx, "Failed to cancel protective order (may already be gone)", map[string]interface{}{
			"symbol": symbol, "orderID": orderID, "error": err.Error(),
		})
	}
}

// emergencyClose flattens exposure after a protective order could not be
// placed. Failure here needs manual intervention and is logged loudly.
func (c *Client) emergencyClose(ctx context.Context, symbol string, exitSide domain.OrderSide, qty string) {
	_, err := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(exitSide)).
		Type(futures.OrderTypeMarket).
		Quantity(qty).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		c.logger.Error(ctx, err, "EMERGENCY CLOSE FAILED, manual intervention required", map[string]interface{}{
			"symbol": symbol, "quantity": qty,
		})
		return
	}
	c.logger.Warn(ctx, "Emergency close placed after protective order failure", map[string]interface{}{"symbol": symbol})
}

func oppositeSide(side domain.OrderSide) domain.OrderSide {
	if side == domain.Buy {
		return domain.Sell
	}
	return domain.Buy
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
