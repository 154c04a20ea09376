package position

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Tracker errors
var (
	ErrAlreadyTracked = errors.New("position already tracked for symbol")
	ErrInvalidSide    = errors.New("side must be long or short")
	ErrInvalidPrice   = errors.New("price must be positive")
	ErrInvalidQty     = errors.New("quantity must be positive")
)

// Tracker holds the in-memory set of open positions keyed by symbol.
// Reads return deep copies; writes are serialized by a single RWMutex.
// Symbol cardinality here is small and every operation is sub-microsecond
// map work, so the write lock is never held across anything slow.
type Tracker struct {
	mu        sync.RWMutex
	positions map[string]*Position
	logger    zerolog.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger zerolog.Logger) *Tracker {
	return &Tracker{
		positions: make(map[string]*Position),
		logger:    logger.With().Str("component", "PositionTracker").Logger(),
	}
}

// Track begins tracking a fresh position in INITIAL_RISK. Fails if the
// symbol is already tracked or the inputs are malformed. Returns a copy.
func (t *Tracker) Track(symbol string, entryPrice, stopLoss float64, quantity int64, side string) (*Position, error) {
	if side != SideLong && side != SideShort {
		return nil, fmt.Errorf("track %s: %w", symbol, ErrInvalidSide)
	}
	if entryPrice <= 0 || stopLoss <= 0 {
		return nil, fmt.Errorf("track %s: %w", symbol, ErrInvalidPrice)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("track %s: %w", symbol, ErrInvalidQty)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.positions[symbol]; exists {
		return nil, fmt.Errorf("track %s: %w", symbol, ErrAlreadyTracked)
	}

	now := time.Now()
	p := &Position{
		Symbol:           symbol,
		Side:             side,
		EntryPrice:       entryPrice,
		Quantity:         quantity,
		OriginalQuantity: quantity,
		StopLoss:         stopLoss,
		InitialStop:      stopLoss,
		CurrentPrice:     entryPrice,
		State:            StateInitialRisk,
		PartialExits:     make([]PartialExit, 0, 4),
		EntryTime:        now,
		LastUpdated:      now,
	}
	t.positions[symbol] = p

	t.logger.Info().
		Str("symbol", symbol).
		Str("side", side).
		Float64("entry_price", entryPrice).
		Float64("stop_loss", stopLoss).
		Int64("quantity", quantity).
		Msg("Position tracked")

	return p.clone(), nil
}

// UpdatePrice records a new mark price, recomputes P/L and R, and advances
// the protection state when a transition predicate holds. Returns a copy of
// the updated position, or nil when the symbol is not tracked.
func (t *Tracker) UpdatePrice(symbol string, price float64) *Position {
	if price <= 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[symbol]
	if !ok {
		return nil
	}

	p.CurrentPrice = price
	p.RMultiple = computeR(p.Side, p.EntryPrice, p.InitialStop, price)
	if p.Side == SideShort {
		p.UnrealizedPL = (p.EntryPrice - price) * float64(p.Quantity)
		p.UnrealizedPLPct = (p.EntryPrice - price) / p.EntryPrice * 100
	} else {
		p.UnrealizedPL = (price - p.EntryPrice) * float64(p.Quantity)
		p.UnrealizedPLPct = (price - p.EntryPrice) / p.EntryPrice * 100
	}
	p.LastUpdated = time.Now()

	t.advanceState(p)

	return p.clone()
}

// advanceState walks the transition predicates forward, chaining so a large
// price jump can pass through several states in one update. Called with the
// write lock held.
func (t *Tracker) advanceState(p *Position) {
	for {
		next, ok := nextState(p)
		if !ok {
			return
		}
		prev := p.State
		p.State = next
		t.logger.Info().
			Str("symbol", p.Symbol).
			Str("from", prev.String()).
			Str("to", next.String()).
			Float64("r_multiple", p.RMultiple).
			Int("partial_exits", len(p.PartialExits)).
			Msg("Protection state advanced")
	}
}

// nextState evaluates the transition predicate for the position's current
// state. Pure function of (state, R, exit history, remaining).
func nextState(p *Position) (ProtectionState, bool) {
	switch p.State {
	case StateInitialRisk:
		if p.RMultiple >= 1.0 {
			return StateBreakevenProtected, true
		}
	case StateBreakevenProtected:
		if p.RMultiple >= 2.0 && len(p.PartialExits) >= 1 {
			return StatePartialProfitTaken, true
		}
	case StatePartialProfitTaken:
		if p.RMultiple >= 3.0 && len(p.PartialExits) >= 2 {
			return StateAdvancedProfitTaken, true
		}
	case StateAdvancedProfitTaken:
		if p.RMultiple >= 4.0 || p.Quantity == 0 {
			return StateFinalProfitTaken, true
		}
	}
	return p.State, false
}

// UpdateStopLoss writes a new stop level, rejecting any move that would
// loosen the stop: long stops never go down, short stops never go up.
func (t *Tracker) UpdateStopLoss(symbol string, newStop float64) bool {
	if newStop <= 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[symbol]
	if !ok {
		return false
	}
	if p.Side == SideShort {
		if newStop > p.StopLoss {
			return false
		}
	} else {
		if newStop < p.StopLoss {
			return false
		}
	}

	old := p.StopLoss
	p.StopLoss = newStop
	p.LastStopUpdate = time.Now()
	p.LastUpdated = p.LastStopUpdate
	if p.Side == SideShort {
		p.TrailingActive = newStop < p.InitialStop
	} else {
		p.TrailingActive = newStop > p.InitialStop
	}

	t.logger.Info().
		Str("symbol", symbol).
		Float64("old_stop", old).
		Float64("new_stop", newStop).
		Float64("r_multiple", p.RMultiple).
		Msg("Stop loss updated")

	return true
}

// RecordPartialExit appends a milestone exit and decrements the remaining
// quantity. Rejects non-positive or oversized share counts.
func (t *Tracker) RecordPartialExit(symbol string, sharesSold int64, price, profit float64) bool {
	if sharesSold <= 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[symbol]
	if !ok {
		return false
	}
	if sharesSold > p.Quantity {
		t.logger.Error().
			Str("symbol", symbol).
			Int64("shares_sold", sharesSold).
			Int64("remaining", p.Quantity).
			Msg("Partial exit rejected: exceeds remaining quantity")
		return false
	}

	p.Quantity -= sharesSold
	p.PartialExits = append(p.PartialExits, PartialExit{
		SharesSold:      sharesSold,
		ExitPrice:       price,
		ProfitAmount:    profit,
		RMultipleAtExit: p.RMultiple,
		Timestamp:       time.Now(),
	})
	p.LastUpdated = time.Now()

	// Recomputed against the reduced share count.
	if p.Side == SideShort {
		p.UnrealizedPL = (p.EntryPrice - p.CurrentPrice) * float64(p.Quantity)
	} else {
		p.UnrealizedPL = (p.CurrentPrice - p.EntryPrice) * float64(p.Quantity)
	}

	t.advanceState(p)

	t.logger.Info().
		Str("symbol", symbol).
		Int64("shares_sold", sharesSold).
		Float64("exit_price", price).
		Float64("profit", profit).
		Int64("remaining", p.Quantity).
		Str("state", p.State.String()).
		Msg("Partial exit recorded")

	return true
}

// Remove stops tracking a symbol.
func (t *Tracker) Remove(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.positions[symbol]; ok {
		delete(t.positions, symbol)
		t.logger.Info().Str("symbol", symbol).Msg("Position removed from tracking")
	}
}

// Get returns a copy of the tracked position for symbol.
func (t *Tracker) Get(symbol string) (*Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.positions[symbol]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

// GetAll returns copies of every tracked position.
func (t *Tracker) GetAll() []*Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, p.clone())
	}
	return out
}

// Symbols returns the tracked symbols.
func (t *Tracker) Symbols() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.positions))
	for s := range t.positions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of tracked positions.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.positions)
}
