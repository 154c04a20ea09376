package protection

import (
	"context"
	"fmt"
	"math"

	"alpaca-trading-engine/internal/broker"
	"alpaca-trading-engine/internal/position"
)

// SyncFromBroker rebuilds the tracker from the broker's books. Every broker
// position becomes a tracked position; the stop is taken from the open stop
// order when one exists, otherwise a fallback stop at SyncFallbackStopPct
// from entry is assumed so the R ladder has something to work from.
// Returns the number of positions reconstructed.
func (m *Manager) SyncFromBroker(ctx context.Context) (int, error) {
	positions, err := m.broker.ListPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("sync: list positions: %w", err)
	}
	open, err := m.broker.ListOrders(ctx, broker.OrdersOpen, "")
	if err != nil {
		return 0, fmt.Errorf("sync: list open orders: %w", err)
	}

	stops := make(map[string][]float64)
	for _, o := range open {
		if o.Type != broker.OrderTypeStop && o.Type != broker.OrderTypeTrailingStop {
			continue
		}
		if o.StopPrice > 0 {
			stops[o.Symbol] = append(stops[o.Symbol], o.StopPrice)
		}
	}

	synced := 0
	for _, bp := range positions {
		if _, tracked := m.tracker.Get(bp.Symbol); tracked {
			continue
		}
		side := position.SideLong
		if bp.Qty < 0 || bp.Side == "short" {
			side = position.SideShort
		}
		qty := bp.Qty
		if qty < 0 {
			qty = -qty
		}
		if qty == 0 {
			continue
		}

		stop, fromOrder := tightestStop(side, stops[bp.Symbol])
		if !fromOrder {
			stop = fallbackStop(side, bp.AvgEntryPrice, m.config.SyncFallbackStopPct)
		}

		p, err := m.tracker.Track(bp.Symbol, bp.AvgEntryPrice, stop, qty, side)
		if err != nil {
			m.logger.Error().
				Str("symbol", bp.Symbol).
				Err(err).
				Msg("Position reconstruction failed")
			continue
		}
		if bp.CurrentPrice > 0 {
			m.tracker.UpdatePrice(bp.Symbol, bp.CurrentPrice)
		}
		synced++
		m.logger.Info().
			Str("symbol", p.Symbol).
			Str("side", side).
			Int64("qty", qty).
			Float64("entry", bp.AvgEntryPrice).
			Float64("stop", stop).
			Bool("stop_from_order", fromOrder).
			Msg("Position reconstructed from broker state")
	}
	return synced, nil
}

// tightestStop picks the stop closest to the market among a symbol's open
// stop orders: the highest for a long, the lowest for a short.
func tightestStop(side string, prices []float64) (float64, bool) {
	if len(prices) == 0 {
		return 0, false
	}
	best := prices[0]
	for _, p := range prices[1:] {
		if side == position.SideShort {
			best = math.Min(best, p)
		} else {
			best = math.Max(best, p)
		}
	}
	return best, true
}

func fallbackStop(side string, entry, pct float64) float64 {
	if side == position.SideShort {
		return entry * (1 + pct)
	}
	return entry * (1 - pct)
}
