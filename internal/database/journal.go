package database

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"alpaca-trading-engine/internal/position"
	"alpaca-trading-engine/internal/protection"
)

// AsyncJournal adapts the store to the fire-and-forget journal the trading
// path expects. Writes queue on a buffered channel and a single worker
// drains them; a full buffer drops the write with a log line rather than
// block a protection tick.
type AsyncJournal struct {
	store  *Store
	ch     chan func(context.Context)
	logger zerolog.Logger
	wg     sync.WaitGroup
	once   sync.Once
}

var _ protection.Journal = (*AsyncJournal)(nil)

// NewAsyncJournal starts the write worker. Call Close on shutdown to drain.
func NewAsyncJournal(store *Store, logger zerolog.Logger) *AsyncJournal {
	j := &AsyncJournal{
		store:  store,
		ch:     make(chan func(context.Context), 512),
		logger: logger.With().Str("component", "Journal").Logger(),
	}
	j.wg.Add(1)
	go j.run()
	return j
}

func (j *AsyncJournal) run() {
	defer j.wg.Done()
	for write := range j.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		write(ctx)
		cancel()
	}
}

func (j *AsyncJournal) enqueue(write func(context.Context)) {
	select {
	case j.ch <- write:
	default:
		j.logger.Warn().Msg("Journal buffer full, write dropped")
	}
}

// TradeEvent implements protection.Journal.
func (j *AsyncJournal) TradeEvent(ev protection.TradeEvent) {
	j.enqueue(func(ctx context.Context) {
		rec := &TradeRecord{
			Symbol:     ev.Symbol,
			Side:       ev.Side,
			Event:      ev.Event,
			Reason:     ev.Reason,
			Qty:        ev.Qty,
			Price:      ev.Price,
			Profit:     ev.Profit,
			RMultiple:  ev.RMultiple,
			OccurredAt: ev.At,
		}
		if err := j.store.AppendTrade(ctx, rec); err != nil {
			j.logger.Error().Str("symbol", ev.Symbol).Str("event", ev.Event).Err(err).
				Msg("Trade journal write failed")
		}
	})
}

// Advisory implements protection.Journal.
func (j *AsyncJournal) Advisory(severity, title, body string) {
	j.enqueue(func(ctx context.Context) {
		if err := j.store.AppendAdvisory(ctx, &Advisory{Severity: severity, Title: title, Body: body}); err != nil {
			j.logger.Error().Str("title", title).Err(err).Msg("Advisory write failed")
		}
	})
}

// Order records an order submission asynchronously.
func (j *AsyncJournal) Order(rec OrderRecord) {
	j.enqueue(func(ctx context.Context) {
		if err := j.store.AppendOrder(ctx, &rec); err != nil {
			j.logger.Error().Str("client_order_id", rec.ClientOrderID).Err(err).
				Msg("Order journal write failed")
		}
	})
}

// Position upserts the live position row asynchronously.
func (j *AsyncJournal) Position(p *position.Position) {
	snapshot := *p
	j.enqueue(func(ctx context.Context) {
		if err := j.store.UpsertPosition(ctx, &snapshot); err != nil {
			j.logger.Error().Str("symbol", snapshot.Symbol).Err(err).
				Msg("Position upsert failed")
		}
	})
}

// PositionClosed removes the live position row asynchronously.
func (j *AsyncJournal) PositionClosed(symbol string) {
	j.enqueue(func(ctx context.Context) {
		if err := j.store.DeletePosition(ctx, symbol); err != nil {
			j.logger.Error().Str("symbol", symbol).Err(err).Msg("Position delete failed")
		}
	})
}

// Close stops accepting writes and drains the buffer.
func (j *AsyncJournal) Close() {
	j.once.Do(func() {
		close(j.ch)
		j.wg.Wait()
	})
}
