package circuit

import (
	"context"
	"time"

	"alpaca-trading-engine/internal/broker"
)

// BreakerBroker decorates a Broker so every call flows through the
// per-operation breaker set. The engine trades exclusively through this
// wrapper; nothing else in the core touches the raw broker.
type BreakerBroker struct {
	next Broker
	set  *BreakerSet
}

// Broker is the wrapped surface; aliased locally to keep signatures short.
type Broker = broker.Broker

var _ broker.Broker = (*BreakerBroker)(nil)

// WrapBroker guards b with the breaker set.
func WrapBroker(b broker.Broker, set *BreakerSet) *BreakerBroker {
	return &BreakerBroker{next: b, set: set}
}

// GetClock implements broker.Broker.
func (w *BreakerBroker) GetClock(ctx context.Context) (*broker.Clock, error) {
	var out *broker.Clock
	err := w.set.Execute(OpGetClock, func() error {
		var err error
		out, err = w.next.GetClock(ctx)
		return err
	})
	return out, err
}

// GetAccount implements broker.Broker.
func (w *BreakerBroker) GetAccount(ctx context.Context) (*broker.Account, error) {
	var out *broker.Account
	err := w.set.Execute(OpGetAccount, func() error {
		var err error
		out, err = w.next.GetAccount(ctx)
		return err
	})
	return out, err
}

// ListPositions implements broker.Broker.
func (w *BreakerBroker) ListPositions(ctx context.Context) ([]broker.Position, error) {
	var out []broker.Position
	err := w.set.Execute(OpListPositions, func() error {
		var err error
		out, err = w.next.ListPositions(ctx)
		return err
	})
	return out, err
}

// GetPosition implements broker.Broker. ErrNoPosition is a normal outcome
// and never counts against the breaker.
func (w *BreakerBroker) GetPosition(ctx context.Context, symbol string) (*broker.Position, error) {
	var out *broker.Position
	err := w.set.Execute(OpGetPosition, func() error {
		var err error
		out, err = w.next.GetPosition(ctx, symbol)
		return err
	})
	return out, err
}

// ListOrders implements broker.Broker.
func (w *BreakerBroker) ListOrders(ctx context.Context, status string, symbol string) ([]broker.Order, error) {
	var out []broker.Order
	err := w.set.Execute(OpListOrders, func() error {
		var err error
		out, err = w.next.ListOrders(ctx, status, symbol)
		return err
	})
	return out, err
}

// GetOrder implements broker.Broker.
func (w *BreakerBroker) GetOrder(ctx context.Context, id string) (*broker.Order, error) {
	var out *broker.Order
	err := w.set.Execute(OpGetOrder, func() error {
		var err error
		out, err = w.next.GetOrder(ctx, id)
		return err
	})
	return out, err
}

// SubmitOrder implements broker.Broker.
func (w *BreakerBroker) SubmitOrder(ctx context.Context, req broker.OrderRequest) (*broker.Order, error) {
	var out *broker.Order
	err := w.set.Execute(OpSubmitOrder, func() error {
		var err error
		out, err = w.next.SubmitOrder(ctx, req)
		return err
	})
	return out, err
}

// CancelOrder implements broker.Broker.
func (w *BreakerBroker) CancelOrder(ctx context.Context, id string) error {
	return w.set.Execute(OpCancelOrder, func() error {
		return w.next.CancelOrder(ctx, id)
	})
}

// GetBars implements broker.Broker.
func (w *BreakerBroker) GetBars(ctx context.Context, symbol string, timeframe string, limit int) ([]broker.Bar, error) {
	var out []broker.Bar
	err := w.set.Execute(OpGetBars, func() error {
		var err error
		out, err = w.next.GetBars(ctx, symbol, timeframe, limit)
		return err
	})
	return out, err
}

// GetLatestBars implements broker.Broker.
func (w *BreakerBroker) GetLatestBars(ctx context.Context, symbols []string) (map[string]broker.Bar, error) {
	var out map[string]broker.Bar
	err := w.set.Execute(OpGetBars, func() error {
		var err error
		out, err = w.next.GetLatestBars(ctx, symbols)
		return err
	})
	return out, err
}

// GetLatestTradePrice implements broker.Broker.
func (w *BreakerBroker) GetLatestTradePrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	var price float64
	var ts time.Time
	err := w.set.Execute(OpGetLatestTrade, func() error {
		var err error
		price, ts, err = w.next.GetLatestTradePrice(ctx, symbol)
		return err
	})
	return price, ts, err
}
