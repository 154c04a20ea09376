package broker

import (
	"context"
	"errors"
	"time"
)

// ErrNoPosition is returned by GetPosition when the broker holds no open
// position for the symbol.
var ErrNoPosition = errors.New("no open position for symbol")

// ListOrdersStatus values accepted by ListOrders.
const (
	OrdersOpen = "open"
	OrdersAll  = "all"
)

// Broker is the narrow brokerage surface the engine depends on. Every call
// may fail with an error classifiable by Classify. Implementations must
// return orders with statuses already normalized via NormalizeStatus.
type Broker interface {
	// GetClock returns the exchange clock.
	GetClock(ctx context.Context) (*Clock, error)

	// GetAccount returns equity, cash and buying power.
	GetAccount(ctx context.Context) (*Account, error)

	// ListPositions returns all open positions.
	ListPositions(ctx context.Context) ([]Position, error)

	// GetPosition returns the open position for symbol, or ErrNoPosition.
	GetPosition(ctx context.Context, symbol string) (*Position, error)

	// ListOrders returns orders filtered by status (OrdersOpen or OrdersAll)
	// and optionally by symbol (empty string = all symbols).
	ListOrders(ctx context.Context, status string, symbol string) ([]Order, error)

	// GetOrder fetches a single order by broker ID.
	GetOrder(ctx context.Context, id string) (*Order, error)

	// SubmitOrder places an order and returns the broker's view of it.
	SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error)

	// CancelOrder cancels an order by broker ID.
	CancelOrder(ctx context.Context, id string) error

	// GetBars returns up to limit bars of the given timeframe, oldest first.
	GetBars(ctx context.Context, symbol string, timeframe string, limit int) ([]Bar, error)

	// GetLatestBars returns the most recent bar per symbol.
	GetLatestBars(ctx context.Context, symbols []string) (map[string]Bar, error)

	// GetLatestTradePrice returns the last trade price for symbol, with the
	// trade timestamp for staleness checks.
	GetLatestTradePrice(ctx context.Context, symbol string) (float64, time.Time, error)
}

// Bar timeframes accepted by GetBars.
const (
	TimeframeMinute = "1min"
	TimeframeDay    = "1day"
)

// Compile-time interface checks.
var (
	_ Broker = (*AlpacaBroker)(nil)
	_ Broker = (*MockBroker)(nil)
)
