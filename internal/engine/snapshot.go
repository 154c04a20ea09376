package engine

import (
	"context"
	"time"

	"alpaca-trading-engine/internal/broker"
	"alpaca-trading-engine/internal/metrics"
	"alpaca-trading-engine/internal/position"
)

// Snapshot is the periodic state broadcast consumed by the WebSocket hub
// and cached for the control API.
type Snapshot struct {
	Status     Status               `json:"status"`
	Positions  []*position.Position `json:"positions"`
	OpenOrders []broker.Order       `json:"open_orders,omitempty"`
	Metrics    *metrics.Snapshot    `json:"metrics,omitempty"`
	Equity     float64              `json:"equity,omitempty"`
	TakenAt    time.Time            `json:"taken_at"`
}

// BuildSnapshot assembles the current engine view. Account equity is best
// effort; a broker error leaves it at zero rather than failing the build.
func (e *Engine) BuildSnapshot(ctx context.Context) *Snapshot {
	snap := &Snapshot{
		Status:    e.Status(),
		Positions: e.deps.Tracker.GetAll(),
		TakenAt:   time.Now(),
	}
	if e.deps.Metrics != nil {
		m := e.deps.Metrics.Snapshot()
		snap.Metrics = &m
	}
	if account, err := e.deps.Broker.GetAccount(ctx); err == nil {
		snap.Equity = account.Equity
		if e.deps.Metrics != nil {
			e.deps.Metrics.SetEquity(account.Equity)
		}
	}
	if open, err := e.deps.Broker.ListOrders(ctx, broker.OrdersOpen, ""); err == nil {
		snap.OpenOrders = open
	}
	return snap
}

func (e *Engine) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := e.BuildSnapshot(ctx)
			if e.deps.Metrics != nil {
				e.deps.Metrics.SetOpenPositions(len(snap.Positions))
				e.deps.Metrics.SetQueueDepth(e.deps.Queue.Depth())
			}
			if e.deps.Cache != nil {
				if err := e.deps.Cache.SetSnapshot(ctx, snap); err != nil {
					e.logger.Debug().Err(err).Msg("Snapshot cache write failed")
				}
			}
		}
	}
}
