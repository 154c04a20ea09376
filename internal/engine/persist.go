package engine

import (
	"context"

	"alpaca-trading-engine/internal/database"
	"alpaca-trading-engine/internal/events"
	"alpaca-trading-engine/internal/metrics"
	"alpaca-trading-engine/internal/protection"
)

// attachPersistence mirrors bus events into Postgres through the async
// journal and feeds the trading metrics. The protection manager writes its
// own trade rows; only entry fills and order submissions originate here.
func (e *Engine) attachPersistence(bus *events.EventBus) {
	journal := e.deps.Journal

	bus.Subscribe(events.EventEntrySubmitted, func(ev events.Event) {
		journal.Order(database.OrderRecord{
			ClientOrderID: str(ev.Data, "client_order_id"),
			BrokerOrderID: str(ev.Data, "order_id"),
			Symbol:        str(ev.Data, "symbol"),
			Side:          str(ev.Data, "side"),
			Type:          str(ev.Data, "order_type"),
			Qty:           i64(ev.Data, "qty"),
			Status:        "submitted",
			SubmittedAt:   ev.Timestamp,
		})
	})

	bus.Subscribe(events.EventPositionOpened, func(ev events.Event) {
		symbol := str(ev.Data, "symbol")
		journal.TradeEvent(protection.TradeEvent{
			Symbol: symbol,
			Side:   str(ev.Data, "side"),
			Event:  "entry",
			Qty:    i64(ev.Data, "quantity"),
			Price:  f64(ev.Data, "entry_price"),
			At:     ev.Timestamp,
		})
		e.upsertPosition(symbol)
	})

	bus.Subscribe(events.EventStopUpdated, func(ev events.Event) {
		e.upsertPosition(str(ev.Data, "symbol"))
		if e.deps.Metrics != nil {
			e.deps.Metrics.StopUpdated()
		}
	})

	bus.Subscribe(events.EventPartialExit, func(ev events.Event) {
		e.upsertPosition(str(ev.Data, "symbol"))
		if e.deps.Metrics != nil {
			e.deps.Metrics.PartialExit(f64(ev.Data, "profit"), f64(ev.Data, "r_multiple"))
		}
	})

	bus.Subscribe(events.EventPositionClosed, func(ev events.Event) {
		journal.PositionClosed(str(ev.Data, "symbol"))
	})

	bus.Subscribe(events.EventSequenceFailed, func(ev events.Event) {
		if e.deps.Metrics != nil {
			e.deps.Metrics.SequenceFinished(false, 0)
		}
	})
}

// upsertPosition snapshots the tracked position into the positions table.
// Already-removed positions are covered by the EventPositionClosed delete.
func (e *Engine) upsertPosition(symbol string) {
	if p, ok := e.deps.Tracker.Get(symbol); ok {
		e.deps.Journal.Position(p)
	}
}

// storeTradeSource adapts the database store to the metrics bootstrap.
type storeTradeSource struct {
	store *database.Store
}

func (s storeTradeSource) RecentTrades(ctx context.Context, limit int) ([]metrics.TradeSample, error) {
	rows, err := s.store.GetTrades(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]metrics.TradeSample, 0, len(rows))
	for _, r := range rows {
		out = append(out, metrics.TradeSample{
			Event:      r.Event,
			Profit:     r.Profit,
			RMultiple:  r.RMultiple,
			OccurredAt: r.OccurredAt,
		})
	}
	return out, nil
}

func str(data map[string]interface{}, key string) string {
	v, _ := data[key].(string)
	return v
}

func f64(data map[string]interface{}, key string) float64 {
	v, _ := data[key].(float64)
	return v
}

func i64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
