package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"alpaca-trading-engine/internal/broker"
	"alpaca-trading-engine/internal/circuit"
	"alpaca-trading-engine/internal/events"
	"alpaca-trading-engine/internal/position"
	"alpaca-trading-engine/internal/protection"
)

// Status is the operator-facing engine state.
type Status struct {
	Running        bool                   `json:"running"`
	Mode           string                 `json:"mode"` // RUNNING, RECOVERY, STOPPED
	TradingEnabled bool                   `json:"trading_enabled"`
	StartedAt      time.Time              `json:"started_at,omitempty"`
	UptimeSeconds  int64                  `json:"uptime_seconds"`
	Watchlist      []string               `json:"watchlist"`
	OpenPositions  int                    `json:"open_positions"`
	QueueDepth     int                    `json:"queue_depth"`
	QueueDropped   int                    `json:"queue_dropped"`
	RecoveryReason string                 `json:"recovery_reason,omitempty"`
	RecoverySince  time.Time              `json:"recovery_since,omitempty"`
	Breakers       []circuit.BreakerStats `json:"breakers"`
}

// Status reports the current engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	running := e.running
	startedAt := e.startedAt
	enabled := e.tradingEnabled
	e.mu.Unlock()

	st := Status{
		Running:        running,
		Mode:           "STOPPED",
		TradingEnabled: enabled,
		Watchlist:      e.config.Watchlist,
		OpenPositions:  e.deps.Tracker.Count(),
		QueueDepth:     e.deps.Queue.Depth(),
		QueueDropped:   e.deps.Queue.Dropped(),
	}
	if running {
		st.Mode = "RUNNING"
		st.StartedAt = startedAt
		st.UptimeSeconds = int64(time.Since(startedAt).Seconds())
	}
	if e.deps.Recovery != nil && e.deps.Recovery.Active() {
		st.Mode = "RECOVERY"
		st.RecoveryReason, st.RecoverySince = e.deps.Recovery.Info()
	}
	if e.deps.Breakers != nil {
		st.Breakers = e.deps.Breakers.Stats()
	}
	return st
}

// TradingEnabled reports whether new entries are admitted.
func (e *Engine) TradingEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tradingEnabled
}

// SetTradingEnabled toggles entry evaluation. Protection keeps managing
// open positions either way.
func (e *Engine) SetTradingEnabled(enabled bool) {
	e.mu.Lock()
	changed := e.tradingEnabled != enabled
	e.tradingEnabled = enabled
	e.mu.Unlock()
	if !changed {
		return
	}
	e.logger.Info().Bool("enabled", enabled).Msg("Trading toggled")
	if e.deps.Bus != nil {
		e.deps.Bus.Publish(events.Event{
			Type: events.EventTradingToggled,
			Data: map[string]interface{}{"enabled": enabled},
		})
	}
}

// SyncState re-runs broker reconciliation on demand and returns the number
// of positions adopted.
func (e *Engine) SyncState(ctx context.Context) (int, error) {
	return e.deps.Protection.SyncFromBroker(ctx)
}

// PositionSummary is the per-symbol detail view for the control API.
type PositionSummary struct {
	Position   *position.Position `json:"position"`
	OpenOrders []broker.Order     `json:"open_orders"`
	RiskShare  float64            `json:"risk_per_share"`
	Realized   float64            `json:"realized_pl"`
}

// ErrNotTracked is returned by Summary for symbols without a live position.
var ErrNotTracked = errors.New("symbol not tracked")

// Summary returns the tracked position for symbol together with its open
// exit orders and realized P/L from partial exits.
func (e *Engine) Summary(ctx context.Context, symbol string) (*PositionSummary, error) {
	pos, ok := e.deps.Tracker.Get(symbol)
	if !ok {
		return nil, ErrNotTracked
	}
	summary := &PositionSummary{
		Position:  pos,
		RiskShare: pos.RiskPerShare(),
	}
	for _, pe := range pos.PartialExits {
		summary.Realized += pe.ProfitAmount
	}
	open, err := e.deps.Broker.ListOrders(ctx, broker.OrdersOpen, symbol)
	if err != nil {
		e.logger.Warn().Err(err).Str("symbol", symbol).Msg("Summary could not list open orders")
	} else {
		summary.OpenOrders = open
	}
	return summary, nil
}

// FlattenAll disables trading, then closes every position the broker or the
// tracker knows about through the exit sequence. Returns the number closed.
func (e *Engine) FlattenAll(ctx context.Context) (int, error) {
	e.SetTradingEnabled(false)

	symbols := make(map[string]bool)
	for _, s := range e.deps.Tracker.Symbols() {
		symbols[s] = true
	}
	if brokerPositions, err := e.deps.Broker.ListPositions(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Flatten could not list broker positions")
	} else {
		for _, p := range brokerPositions {
			symbols[p.Symbol] = true
		}
	}

	var errs []error
	closed := 0
	for symbol := range symbols {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		tracked, wasTracked := e.deps.Tracker.Get(symbol)
		r := e.deps.Sequencer.ExecuteFullExit(ctx, symbol, "flatten_all")
		if !r.Success {
			errs = append(errs, fmt.Errorf("flatten %s: %s", symbol, r.Message))
			continue
		}
		closed++
		if wasTracked {
			profit := positionProfit(tracked.Side, tracked.EntryPrice, r.FillPrice, r.FillQuantity)
			if e.deps.Journal != nil {
				e.deps.Journal.TradeEvent(protection.TradeEvent{
					Symbol:    symbol,
					Side:      tracked.Side,
					Event:     "exit",
					Reason:    "flatten_all",
					Qty:       r.FillQuantity,
					Price:     r.FillPrice,
					Profit:    profit,
					RMultiple: tracked.RMultiple,
					At:        time.Now(),
				})
			}
			e.deps.Tracker.Remove(symbol)
			if e.deps.Bus != nil {
				e.deps.Bus.PublishPositionClosed(symbol, r.FillPrice, profit, "flatten_all")
			}
		}
	}
	e.logger.Info().Int("closed", closed).Int("failed", len(errs)).Msg("Flatten all finished")
	return closed, errors.Join(errs...)
}

func positionProfit(side string, entry, exit float64, qty int64) float64 {
	if side == position.SideShort {
		return (entry - exit) * float64(qty)
	}
	return (exit - entry) * float64(qty)
}
