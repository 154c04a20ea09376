package protection

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"alpaca-trading-engine/internal/broker"
	"alpaca-trading-engine/internal/events"
	"alpaca-trading-engine/internal/features"
	"alpaca-trading-engine/internal/orders"
	"alpaca-trading-engine/internal/position"
)

// TradeEvent is one journaled position event (entry, partial, exit).
type TradeEvent struct {
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Event     string    `json:"event"` // "entry", "partial_exit", "exit"
	Reason    string    `json:"reason,omitempty"`
	Qty       int64     `json:"qty"`
	Price     float64   `json:"price"`
	Profit    float64   `json:"profit"`
	RMultiple float64   `json:"r_multiple"`
	At        time.Time `json:"at"`
}

// Journal receives fire-and-forget persistence writes. Implementations must
// not block; the engine wires an async adapter over the durable store.
type Journal interface {
	TradeEvent(ev TradeEvent)
	Advisory(severity, title, body string)
}

// Config tunes the protection loop.
type Config struct {
	TickInterval        time.Duration `json:"tick_interval"`
	Schedule            Schedule      `json:"schedule"`
	ADXExitThreshold    float64       `json:"adx_exit_threshold"`
	ExitSignalsEnabled  bool          `json:"exit_signals_enabled"`
	OrphanCheckEvery    int           `json:"orphan_check_every"`     // ticks between orphan sweeps
	ClockCheckEvery     int           `json:"clock_check_every"`      // ticks between session-close checks
	SyncFallbackStopPct float64       `json:"sync_fallback_stop_pct"` // stop distance when reconstruction finds none
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:        time.Second,
		Schedule:            DefaultSchedule(),
		ADXExitThreshold:    20,
		ExitSignalsEnabled:  true,
		OrphanCheckEvery:    30,
		ClockCheckEvery:     30,
		SyncFallbackStopPct: 0.02,
	}
}

// Manager runs the protection workflow once per tick for every tracked
// position: refresh price, advance the trailing stop, fire milestone partial
// exits, and consult the exit signals. Symbols are managed concurrently; a
// symbol whose previous action is still in flight is skipped for the tick,
// never queued behind itself.
type Manager struct {
	tracker  *position.Tracker
	seq      *orders.Sequencer
	broker   broker.Broker
	features *features.Engine
	queue    *orders.OfflineQueue
	journal  Journal
	bus      *events.EventBus
	config   Config
	logger   zerolog.Logger

	mu            sync.Mutex
	inFlight      map[string]bool
	ticks         int
	marketWasOpen bool
}

// NewManager wires the protection loop. features, queue, journal and bus may
// be nil (features disables exit signals).
func NewManager(tracker *position.Tracker, seq *orders.Sequencer, b broker.Broker, fe *features.Engine, queue *orders.OfflineQueue, journal Journal, bus *events.EventBus, config Config, logger zerolog.Logger) *Manager {
	if config.TickInterval <= 0 {
		config = DefaultConfig()
	}
	if len(config.Schedule) == 0 {
		config.Schedule = DefaultSchedule()
	}
	return &Manager{
		tracker:  tracker,
		seq:      seq,
		broker:   b,
		features: fe,
		queue:    queue,
		journal:  journal,
		bus:      bus,
		config:   config,
		logger:   logger.With().Str("component", "ProtectionManager").Logger(),
		inFlight: make(map[string]bool),
	}
}

// Run drives the tick loop until ctx ends. A panicking tick is logged and
// the loop continues; protection must not die with a position open.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info().Dur("tick", m.config.TickInterval).Msg("Protection loop started")
	ticker := time.NewTicker(m.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Protection loop stopped")
			return
		case <-ticker.C:
			m.safeTick(ctx)
		}
	}
}

func (m *Manager) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("Protection tick panicked, loop continues")
		}
	}()
	m.tick(ctx)
}

// tick runs one pass of the protection workflow.
func (m *Manager) tick(ctx context.Context) {
	m.mu.Lock()
	m.ticks++
	tickNo := m.ticks
	m.mu.Unlock()

	positions := m.tracker.GetAll()
	if len(positions) > 0 {
		symbols := make([]string, 0, len(positions))
		for _, p := range positions {
			symbols = append(symbols, p.Symbol)
		}
		bars, err := m.broker.GetLatestBars(ctx, symbols)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Latest-bar refresh failed")
			bars = nil
		}

		var wg sync.WaitGroup
		for _, p := range positions {
			symbol := p.Symbol
			if !m.claim(symbol) {
				continue
			}
			price := m.freshPrice(ctx, symbol, bars)
			if price <= 0 {
				m.release(symbol)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer m.release(symbol)
				m.manageSymbol(ctx, symbol, price)
			}()
		}
		wg.Wait()
	}

	if m.config.OrphanCheckEvery > 0 && tickNo%m.config.OrphanCheckEvery == 0 {
		m.sweepOrphans(ctx)
	}
	if m.config.ClockCheckEvery > 0 && tickNo%m.config.ClockCheckEvery == 0 {
		m.checkSessionClose(ctx)
	}
}

func (m *Manager) claim(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[symbol] {
		return false
	}
	m.inFlight[symbol] = true
	return true
}

func (m *Manager) release(symbol string) {
	m.mu.Lock()
	delete(m.inFlight, symbol)
	m.mu.Unlock()
}

// freshPrice prefers the live trade over the latest bar close.
func (m *Manager) freshPrice(ctx context.Context, symbol string, bars map[string]broker.Bar) float64 {
	if price, _, err := m.broker.GetLatestTradePrice(ctx, symbol); err == nil && price > 0 {
		return price
	}
	if bar, ok := bars[symbol]; ok {
		return bar.Close
	}
	return 0
}

// manageSymbol runs the full per-symbol workflow: price update, trailing
// stop, milestone exit, exit signals. Every action logs its decision
// context.
func (m *Manager) manageSymbol(ctx context.Context, symbol string, price float64) {
	p := m.tracker.UpdatePrice(symbol, price)
	if p == nil {
		return
	}

	// Trailing stop: issue only strictly-better moves.
	target := TargetStop(p.Side, p.EntryPrice, p.InitialStop, p.RMultiple)
	if StopImproves(p.Side, p.StopLoss, target) {
		m.executeStopMove(ctx, p, target)
		// Reload; a stop move may come with state changes.
		if p, _ = m.tracker.Get(symbol); p == nil {
			return
		}
	}

	// Milestone partial exit.
	if qty, ok := m.config.Schedule.NextExit(p.RMultiple, p.OriginalQuantity, p.Quantity, len(p.PartialExits)); ok {
		m.executePartialExit(ctx, p, qty, target)
		if p, _ = m.tracker.Get(symbol); p == nil {
			return
		}
	}

	// Auxiliary exit signals.
	if m.config.ExitSignalsEnabled && m.features != nil {
		f, err := m.features.GetLatestFeatures(ctx, symbol)
		if err != nil {
			m.logger.Debug().Str("symbol", symbol).Err(err).Msg("Exit-signal features unavailable")
			return
		}
		if reason, exit := CheckExitSignals(p, f, m.config.ADXExitThreshold); exit {
			m.executeFullExit(ctx, p, reason)
		}
	}
}

func (m *Manager) executeStopMove(ctx context.Context, p *position.Position, target float64) {
	m.logger.Info().
		Str("symbol", p.Symbol).
		Str("side", p.Side).
		Float64("r_multiple", p.RMultiple).
		Float64("current_stop", p.StopLoss).
		Float64("target_stop", target).
		Float64("entry", p.EntryPrice).
		Float64("price", p.CurrentPrice).
		Msg("Trailing stop advance required")

	r := m.seq.ExecuteStopUpdate(ctx, p.Symbol, target)
	if r.Success {
		m.tracker.UpdateStopLoss(p.Symbol, target)
		if m.bus != nil {
			m.bus.PublishStopUpdated(p.Symbol, p.StopLoss, target, p.RMultiple)
		}
		return
	}

	m.logger.Warn().
		Str("symbol", p.Symbol).
		Str("sequence_id", r.SequenceID).
		Str("message", r.Message).
		Msg("Stop update failed")
	m.deferOp(orders.DeferredOp{
		ClientOrderID: orders.ClientOrderID(p.Symbol, "stop", p.Quantity, target, time.Now()),
		Kind:          orders.OpTypeStopUpdate,
		Symbol:        p.Symbol,
		Qty:           p.Quantity,
		Price:         target,
	})
	if m.bus != nil {
		m.bus.PublishAlert("HIGH", "stop update failed", map[string]interface{}{
			"symbol": p.Symbol, "target_stop": target, "message": r.Message,
		})
	}
}

func (m *Manager) executePartialExit(ctx context.Context, p *position.Position, qty int64, ladderStop float64) {
	// The remainder's stop is the current ladder level, never worse than the
	// stop already in place.
	remainderStop := p.StopLoss
	if StopImproves(p.Side, remainderStop, ladderStop) {
		remainderStop = ladderStop
	}

	m.logger.Info().
		Str("symbol", p.Symbol).
		Float64("r_multiple", p.RMultiple).
		Int64("exit_qty", qty).
		Int64("remaining_before", p.Quantity).
		Int("milestone", len(p.PartialExits)).
		Float64("remainder_stop", remainderStop).
		Msg("Partial-exit milestone reached")

	r := m.seq.ExecutePartialExitWithStopUpdate(ctx, p.Symbol, qty, remainderStop)
	if !r.Success {
		m.logger.Warn().
			Str("symbol", p.Symbol).
			Str("sequence_id", r.SequenceID).
			Str("message", r.Message).
			Bool("rollback", r.RollbackPerformed).
			Msg("Partial exit failed")
		if m.bus != nil {
			m.bus.PublishAlert("HIGH", "partial exit failed", map[string]interface{}{
				"symbol": p.Symbol, "qty": qty, "message": r.Message,
			})
		}
		return
	}

	profit := profitFor(p.Side, p.EntryPrice, r.FillPrice, r.FillQuantity)
	m.tracker.RecordPartialExit(p.Symbol, r.FillQuantity, r.FillPrice, profit)
	m.tracker.UpdateStopLoss(p.Symbol, remainderStop)
	if m.bus != nil {
		m.bus.PublishPartialExit(p.Symbol, r.FillQuantity, r.FillPrice, profit, p.RMultiple)
	}
	m.journalEvent(TradeEvent{
		Symbol: p.Symbol, Side: p.Side, Event: "partial_exit",
		Qty: r.FillQuantity, Price: r.FillPrice, Profit: profit,
		RMultiple: p.RMultiple, At: time.Now(),
	})

	if after, ok := m.tracker.Get(p.Symbol); ok && after.Quantity == 0 {
		m.tracker.Remove(p.Symbol)
		if m.bus != nil {
			m.bus.PublishPositionClosed(p.Symbol, r.FillPrice, profit, "final milestone")
		}
	}
}

func (m *Manager) executeFullExit(ctx context.Context, p *position.Position, reason string) {
	m.logger.Info().
		Str("symbol", p.Symbol).
		Str("reason", reason).
		Float64("r_multiple", p.RMultiple).
		Msg("Exit signal triggered, flattening position")

	r := m.seq.ExecuteFullExit(ctx, p.Symbol, reason)
	if !r.Success {
		m.logger.Warn().
			Str("symbol", p.Symbol).
			Str("message", r.Message).
			Msg("Signal exit failed")
		if m.bus != nil {
			m.bus.PublishAlert("HIGH", "signal exit failed", map[string]interface{}{
				"symbol": p.Symbol, "reason": reason, "message": r.Message,
			})
		}
		return
	}

	profit := profitFor(p.Side, p.EntryPrice, r.FillPrice, r.FillQuantity)
	m.journalEvent(TradeEvent{
		Symbol: p.Symbol, Side: p.Side, Event: "exit", Reason: reason,
		Qty: r.FillQuantity, Price: r.FillPrice, Profit: profit,
		RMultiple: p.RMultiple, At: time.Now(),
	})
	m.tracker.Remove(p.Symbol)
}

// sweepOrphans cancels engine-minted exit orders whose symbol no longer has
// a position anywhere, leftovers from races between exits and cancels.
func (m *Manager) sweepOrphans(ctx context.Context) {
	open, err := m.broker.ListOrders(ctx, broker.OrdersOpen, "")
	if err != nil {
		return
	}
	held := make(map[string]bool)
	if positions, err := m.broker.ListPositions(ctx); err == nil {
		for _, p := range positions {
			held[p.Symbol] = true
		}
	} else {
		return // cannot tell orphans apart without the position list
	}

	for _, o := range open {
		if held[o.Symbol] {
			continue
		}
		if _, tracked := m.tracker.Get(o.Symbol); tracked {
			continue
		}
		if !orders.IsEngineOrderID(o.ClientOrderID) {
			continue
		}
		if err := m.broker.CancelOrder(ctx, o.ID); err != nil {
			m.logger.Warn().Str("order_id", o.ID).Err(err).Msg("Orphan cancel failed")
			continue
		}
		m.logger.Info().
			Str("symbol", o.Symbol).
			Str("order_id", o.ID).
			Str("type", o.Type).
			Msg("Orphan exit order canceled")
	}
}

// checkSessionClose writes the daily summary advisory on the open→closed
// transition.
func (m *Manager) checkSessionClose(ctx context.Context) {
	clock, err := m.broker.GetClock(ctx)
	if err != nil {
		return
	}
	m.mu.Lock()
	wasOpen := m.marketWasOpen
	m.marketWasOpen = clock.IsOpen
	m.mu.Unlock()

	if wasOpen && !clock.IsOpen && m.journal != nil {
		m.journal.Advisory("LOW", "session closed",
			"market session ended; see trade records for realized P/L and exits")
		m.logger.Info().Msg("Session close advisory recorded")
	}
}

func (m *Manager) deferOp(op orders.DeferredOp) {
	if m.queue != nil {
		m.queue.Enqueue(op)
	}
}

func (m *Manager) journalEvent(ev TradeEvent) {
	if m.journal != nil {
		m.journal.TradeEvent(ev)
	}
}

func profitFor(side string, entry, exit float64, qty int64) float64 {
	if side == position.SideShort {
		return (entry - exit) * float64(qty)
	}
	return (exit - entry) * float64(qty)
}
