package broker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// AlpacaConfig configures the Alpaca-backed broker.
type AlpacaConfig struct {
	APIKey         string        `json:"api_key"`
	APISecret      string        `json:"api_secret"`
	BaseURL        string        `json:"base_url"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

// AlpacaBroker implements Broker on the Alpaca trading and market-data APIs.
// The SDK does not accept a context per call, so per-call deadlines are
// enforced by the injected HTTP client timeout; the context is still checked
// before each call so canceled callers fail fast.
type AlpacaBroker struct {
	trading *alpaca.Client
	md      *marketdata.Client
	logger  zerolog.Logger
}

// NewAlpacaBroker creates a broker backed by the Alpaca v3 SDK.
func NewAlpacaBroker(cfg AlpacaConfig, logger zerolog.Logger) *AlpacaBroker {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	return &AlpacaBroker{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:     cfg.APIKey,
			APISecret:  cfg.APISecret,
			BaseURL:    cfg.BaseURL,
			HTTPClient: httpClient,
		}),
		md: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:     cfg.APIKey,
			APISecret:  cfg.APISecret,
			HTTPClient: httpClient,
		}),
		logger: logger.With().Str("component", "AlpacaBroker").Logger(),
	}
}

// GetClock returns the exchange clock.
func (b *AlpacaBroker) GetClock(ctx context.Context) (*Clock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := b.trading.GetClock()
	if err != nil {
		return nil, fmt.Errorf("get clock: %w", err)
	}
	return &Clock{
		Now:       c.Timestamp,
		IsOpen:    c.IsOpen,
		NextOpen:  c.NextOpen,
		NextClose: c.NextClose,
	}, nil
}

// GetAccount returns the account snapshot.
func (b *AlpacaBroker) GetAccount(ctx context.Context) (*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a, err := b.trading.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &Account{
		Equity:      a.Equity.InexactFloat64(),
		Cash:        a.Cash.InexactFloat64(),
		BuyingPower: a.BuyingPower.InexactFloat64(),
	}, nil
}

// ListPositions returns all open positions.
func (b *AlpacaBroker) ListPositions(ctx context.Context) ([]Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := b.trading.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	positions := make([]Position, 0, len(raw))
	for i := range raw {
		positions = append(positions, mapPosition(&raw[i]))
	}
	return positions, nil
}

// GetPosition returns the open position for symbol, or ErrNoPosition.
func (b *AlpacaBroker) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := b.trading.GetPosition(symbol)
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "position does not exist") || strings.Contains(msg, "404") {
			return nil, ErrNoPosition
		}
		return nil, fmt.Errorf("get position %s: %w", symbol, err)
	}
	p := mapPosition(raw)
	return &p, nil
}

// ListOrders returns orders filtered by status and optionally symbol.
// Symbol filtering runs client-side; bracket legs come back nested.
func (b *AlpacaBroker) ListOrders(ctx context.Context, status string, symbol string) ([]Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if status != OrdersOpen && status != OrdersAll {
		return nil, fmt.Errorf("list orders: invalid parameter status=%q", status)
	}
	raw, err := b.trading.GetOrders(alpaca.GetOrdersRequest{
		Status: status,
		Limit:  500,
		Nested: true,
	})
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	orders := make([]Order, 0, len(raw))
	for i := range raw {
		if symbol != "" && raw[i].Symbol != symbol {
			continue
		}
		orders = append(orders, *mapOrder(&raw[i]))
	}
	return orders, nil
}

// GetOrder fetches a single order by broker ID.
func (b *AlpacaBroker) GetOrder(ctx context.Context, id string) (*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := b.trading.GetOrder(id)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return mapOrder(raw), nil
}

// SubmitOrder places an order.
func (b *AlpacaBroker) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	qty := decimal.NewFromInt(req.Qty)
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.OrderType(req.Type),
		TimeInForce:   alpaca.TimeInForce(req.TimeInForce),
		ClientOrderID: req.ClientOrderID,
	}
	if req.LimitPrice > 0 {
		lp := decimal.NewFromFloat(req.LimitPrice)
		placeReq.LimitPrice = &lp
	}
	if req.StopPrice > 0 {
		sp := decimal.NewFromFloat(req.StopPrice)
		placeReq.StopPrice = &sp
	}
	if req.Bracket != nil {
		placeReq.OrderClass = alpaca.Bracket
		if req.Bracket.TakeProfitPrice > 0 {
			tp := decimal.NewFromFloat(req.Bracket.TakeProfitPrice)
			placeReq.TakeProfit = &alpaca.TakeProfit{LimitPrice: &tp}
		}
		if req.Bracket.StopLossPrice > 0 {
			sl := decimal.NewFromFloat(req.Bracket.StopLossPrice)
			placeReq.StopLoss = &alpaca.StopLoss{StopPrice: &sl}
		}
	}
	raw, err := b.trading.PlaceOrder(placeReq)
	if err != nil {
		return nil, fmt.Errorf("submit order %s %s %d %s: %w", req.Side, req.Symbol, req.Qty, req.Type, err)
	}
	b.logger.Debug().
		Str("symbol", req.Symbol).
		Str("side", req.Side).
		Str("type", req.Type).
		Int64("qty", req.Qty).
		Str("order_id", raw.ID).
		Msg("Order submitted")
	return mapOrder(raw), nil
}

// CancelOrder cancels an order by broker ID.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.trading.CancelOrder(id); err != nil {
		return fmt.Errorf("cancel order %s: %w", id, err)
	}
	return nil
}

// GetBars returns up to limit bars, oldest first.
func (b *AlpacaBroker) GetBars(ctx context.Context, symbol string, timeframe string, limit int) ([]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	var tf marketdata.TimeFrame
	var start time.Time
	switch timeframe {
	case TimeframeDay:
		tf = marketdata.OneDay
		start = time.Now().AddDate(0, 0, -limit*2)
	default:
		tf = marketdata.OneMin
		// Triple window to ride out halts and thin prints.
		start = time.Now().Add(-time.Duration(limit*3) * time.Minute)
	}
	raw, err := b.md.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: tf,
		Start:     start,
	})
	if err != nil {
		return nil, fmt.Errorf("get bars %s: %w", symbol, err)
	}
	if len(raw) > limit {
		raw = raw[len(raw)-limit:]
	}
	bars := make([]Bar, 0, len(raw))
	for _, bar := range raw {
		bars = append(bars, Bar{
			Timestamp: bar.Timestamp,
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Close:     bar.Close,
			Volume:    int64(bar.Volume),
		})
	}
	return bars, nil
}

// GetLatestBars returns the most recent minute bar per symbol.
func (b *AlpacaBroker) GetLatestBars(ctx context.Context, symbols []string) (map[string]Bar, error) {
	out := make(map[string]Bar, len(symbols))
	for _, symbol := range symbols {
		bars, err := b.GetBars(ctx, symbol, TimeframeMinute, 1)
		if err != nil {
			return out, err
		}
		if len(bars) > 0 {
			out[symbol] = bars[len(bars)-1]
		}
	}
	return out, nil
}

// GetLatestTradePrice returns the last trade price and its timestamp.
func (b *AlpacaBroker) GetLatestTradePrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return 0, time.Time{}, err
	}
	trade, err := b.md.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("get latest trade %s: %w", symbol, err)
	}
	if trade == nil {
		return 0, time.Time{}, fmt.Errorf("get latest trade %s: no trade data", symbol)
	}
	return trade.Price, trade.Timestamp, nil
}

func mapPosition(p *alpaca.Position) Position {
	qty := p.Qty.IntPart()
	side := "long"
	if qty < 0 {
		side = "short"
	}
	return Position{
		Symbol:         p.Symbol,
		Qty:            qty,
		Side:           side,
		AvgEntryPrice:  p.AvgEntryPrice.InexactFloat64(),
		CurrentPrice:   derefFloat(p.CurrentPrice),
		MarketValue:    derefFloat(p.MarketValue),
		UnrealizedPL:   derefFloat(p.UnrealizedPL),
		UnrealizedPLPC: derefFloat(p.UnrealizedPLPC),
	}
}

func mapOrder(o *alpaca.Order) *Order {
	if o == nil {
		return nil
	}
	var qty int64
	if o.Qty != nil {
		qty = o.Qty.IntPart()
	}
	order := &Order{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Side:           string(o.Side),
		Type:           string(o.Type),
		Qty:            qty,
		FilledQty:      o.FilledQty.IntPart(),
		FilledAvgPrice: derefFloat(o.FilledAvgPrice),
		LimitPrice:     derefFloat(o.LimitPrice),
		StopPrice:      derefFloat(o.StopPrice),
		Status:         NormalizeStatus(o.Status),
		TimeInForce:    string(o.TimeInForce),
		CreatedAt:      o.CreatedAt,
		FilledAt:       o.FilledAt,
	}
	for i := range o.Legs {
		order.Legs = append(order.Legs, *mapOrder(&o.Legs[i]))
	}
	return order
}

func derefFloat(d *decimal.Decimal) float64 {
	if d == nil {
		return 0
	}
	return d.InexactFloat64()
}
