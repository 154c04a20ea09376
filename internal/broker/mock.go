package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockBroker is an in-memory Broker for tests. Default behavior keeps a map
// of orders and positions; per-method hooks override any call site a test
// wants to script (transient errors, cancel races, rejected submissions).
// Hooks are invoked outside the internal lock so they may block to simulate
// slow broker round trips.
type MockBroker struct {
	mu sync.Mutex

	Clock       *Clock
	Account     *Account
	Positions   map[string]*Position
	Orders      map[string]*Order
	TradePrices map[string]float64
	Bars        map[string][]Bar

	// FillOnSubmit makes market orders fill immediately at the symbol's
	// trade price. Stop and limit orders always rest as accepted.
	FillOnSubmit bool

	// Hooks. Nil means default behavior.
	GetClockFunc    func() (*Clock, error)
	GetAccountFunc  func() (*Account, error)
	GetPositionFunc func(symbol string) (*Position, error)
	ListOrdersFunc  func(status, symbol string) ([]Order, error)
	GetOrderFunc    func(id string) (*Order, error)
	SubmitOrderFunc func(req OrderRequest) (*Order, error)
	CancelOrderFunc func(id string) error

	calls    []string
	orderSeq int
}

// NewMockBroker returns a mock with an open market and a funded account.
func NewMockBroker() *MockBroker {
	return &MockBroker{
		Clock: &Clock{
			Now:       time.Now(),
			IsOpen:    true,
			NextOpen:  time.Now().Add(18 * time.Hour),
			NextClose: time.Now().Add(5 * time.Hour),
		},
		Account:     &Account{Equity: 100000, Cash: 100000, BuyingPower: 200000},
		Positions:   make(map[string]*Position),
		Orders:      make(map[string]*Order),
		TradePrices: make(map[string]float64),
		Bars:        make(map[string][]Bar),
	}
}

func (m *MockBroker) record(format string, args ...interface{}) {
	m.mu.Lock()
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
	m.mu.Unlock()
}

// Calls returns a snapshot of the recorded call log.
func (m *MockBroker) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// AddPosition seeds an open position.
func (m *MockBroker) AddPosition(p Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	m.Positions[p.Symbol] = &cp
}

// AddOrder seeds an order and returns its ID.
func (m *MockBroker) AddOrder(o Order) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == "" {
		m.orderSeq++
		o.ID = fmt.Sprintf("mock-%d", m.orderSeq)
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	cp := o
	m.Orders[o.ID] = &cp
	return o.ID
}

// SetOrderStatus rewrites an order's status, filling fill fields when the
// new status is filled.
func (m *MockBroker) SetOrderStatus(id, status string, fillPrice float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.Orders[id]
	if !ok {
		return
	}
	o.Status = NormalizeStatus(status)
	if o.Status == StatusFilled {
		o.FilledQty = o.Qty
		o.FilledAvgPrice = fillPrice
		now := time.Now()
		o.FilledAt = &now
	}
}

// GetClock implements Broker.
func (m *MockBroker) GetClock(ctx context.Context) (*Clock, error) {
	m.record("get_clock")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.GetClockFunc != nil {
		return m.GetClockFunc()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.Clock
	return &cp, nil
}

// GetAccount implements Broker.
func (m *MockBroker) GetAccount(ctx context.Context) (*Account, error) {
	m.record("get_account")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.GetAccountFunc != nil {
		return m.GetAccountFunc()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.Account
	return &cp, nil
}

// ListPositions implements Broker.
func (m *MockBroker) ListPositions(ctx context.Context) ([]Position, error) {
	m.record("list_positions")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.Positions))
	for _, p := range m.Positions {
		out = append(out, *p)
	}
	return out, nil
}

// GetPosition implements Broker.
func (m *MockBroker) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	m.record("get_position %s", symbol)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.GetPositionFunc != nil {
		return m.GetPositionFunc(symbol)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Positions[symbol]
	if !ok {
		return nil, ErrNoPosition
	}
	cp := *p
	return &cp, nil
}

// ListOrders implements Broker.
func (m *MockBroker) ListOrders(ctx context.Context, status string, symbol string) ([]Order, error) {
	m.record("list_orders %s %s", status, symbol)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.ListOrdersFunc != nil {
		return m.ListOrdersFunc(status, symbol)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.Orders {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		if status == OrdersOpen && !IsActiveStatus(o.Status) {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

// GetOrder implements Broker.
func (m *MockBroker) GetOrder(ctx context.Context, id string) (*Order, error) {
	m.record("get_order %s", id)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.GetOrderFunc != nil {
		return m.GetOrderFunc(id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.Orders[id]
	if !ok {
		return nil, fmt.Errorf("order not found: %s", id)
	}
	cp := *o
	return &cp, nil
}

// SubmitOrder implements Broker.
func (m *MockBroker) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	m.record("submit_order %s %s %s %d", req.Symbol, req.Side, req.Type, req.Qty)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.SubmitOrderFunc != nil {
		return m.SubmitOrderFunc(req)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderSeq++
	o := &Order{
		ID:            fmt.Sprintf("mock-%d", m.orderSeq),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Qty:           req.Qty,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		Status:        StatusAccepted,
		TimeInForce:   req.TimeInForce,
		CreatedAt:     time.Now(),
	}
	if m.FillOnSubmit && req.Type == OrderTypeMarket {
		o.Status = StatusFilled
		o.FilledQty = o.Qty
		o.FilledAvgPrice = m.TradePrices[req.Symbol]
		now := time.Now()
		o.FilledAt = &now
	}
	m.Orders[o.ID] = o
	cp := *o
	return &cp, nil
}

// CancelOrder implements Broker.
func (m *MockBroker) CancelOrder(ctx context.Context, id string) error {
	m.record("cancel_order %s", id)
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.CancelOrderFunc != nil {
		return m.CancelOrderFunc(id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.Orders[id]
	if !ok {
		return fmt.Errorf("order not found: %s", id)
	}
	if o.Status == StatusFilled {
		return fmt.Errorf("order %s already in filled state", id)
	}
	o.Status = StatusCanceled
	return nil
}

// GetBars implements Broker.
func (m *MockBroker) GetBars(ctx context.Context, symbol string, timeframe string, limit int) ([]Bar, error) {
	m.record("get_bars %s %s %d", symbol, timeframe, limit)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bars := m.Bars[symbol]
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	out := make([]Bar, len(bars))
	copy(out, bars)
	return out, nil
}

// GetLatestBars implements Broker.
func (m *MockBroker) GetLatestBars(ctx context.Context, symbols []string) (map[string]Bar, error) {
	m.record("get_latest_bars %d", len(symbols))
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Bar, len(symbols))
	for _, s := range symbols {
		if bars := m.Bars[s]; len(bars) > 0 {
			out[s] = bars[len(bars)-1]
		}
	}
	return out, nil
}

// GetLatestTradePrice implements Broker.
func (m *MockBroker) GetLatestTradePrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	m.record("get_latest_trade %s", symbol)
	if err := ctx.Err(); err != nil {
		return 0, time.Time{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.TradePrices[symbol]
	if !ok {
		return 0, time.Time{}, fmt.Errorf("no trade data for %s", symbol)
	}
	return price, time.Now(), nil
}

// SetTradePrice sets the latest trade price for a symbol.
func (m *MockBroker) SetTradePrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TradePrices[symbol] = price
}
