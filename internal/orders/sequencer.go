package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"alpaca-trading-engine/internal/broker"
	"alpaca-trading-engine/internal/events"
)

// Sequencer errors
var (
	ErrSequenceAborted = errors.New("sequence aborted on unresolved conflict")
	ErrNoPosition      = errors.New("no broker position for symbol")
)

// SequencerConfig tunes sequence sub-timeouts and retry behavior.
type SequencerConfig struct {
	CancelTimeout   time.Duration `json:"cancel_timeout"`   // wait for a cancel to land
	ActivateTimeout time.Duration `json:"activate_timeout"` // wait for a new order to go active
	FillWait        time.Duration `json:"fill_wait"`        // wait for a partial-exit market fill
	MaxRetries      int           `json:"max_retries"`
	RetryInitial    time.Duration `json:"retry_initial"` // 0.5s → 1.0s → 2.0s
}

// DefaultSequencerConfig returns the production defaults.
func DefaultSequencerConfig() SequencerConfig {
	return SequencerConfig{
		CancelTimeout:   2 * time.Second,
		ActivateTimeout: 2 * time.Second,
		FillWait:        5 * time.Second,
		MaxRetries:      3,
		RetryInitial:    500 * time.Millisecond,
	}
}

// Sequencer executes every broker-side order mutation as an atomic per-symbol
// sequence: conflict detection, bounded retry, and rollback on failure. A
// per-symbol mutex is held for the life of each sequence, so mutations for
// one symbol are totally ordered while symbols stay independent.
type Sequencer struct {
	broker   broker.Broker
	detector *FillDetector
	config   SequencerConfig
	bus      *events.EventBus
	logger   zerolog.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	active map[string]string // symbol → sequence ID currently holding the lock
}

// NewSequencer creates a sequencer. bus may be nil in tests.
func NewSequencer(b broker.Broker, detector *FillDetector, config SequencerConfig, bus *events.EventBus, logger zerolog.Logger) *Sequencer {
	if config.CancelTimeout <= 0 {
		config = DefaultSequencerConfig()
	}
	return &Sequencer{
		broker:   b,
		detector: detector,
		config:   config,
		bus:      bus,
		logger:   logger.With().Str("component", "OrderSequencer").Logger(),
	}
}

// symbolLock returns the symbol's mutex, allocating lazily. Locks live for
// the process lifetime; symbol cardinality is small.
func (s *Sequencer) symbolLock(symbol string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks == nil {
		s.locks = make(map[string]*sync.Mutex)
		s.active = make(map[string]string)
	}
	l, ok := s.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		s.locks[symbol] = l
	}
	return l
}

func (s *Sequencer) markActive(symbol, seqID string) {
	s.mu.Lock()
	s.active[symbol] = seqID
	s.mu.Unlock()
}

func (s *Sequencer) markIdle(symbol string) {
	s.mu.Lock()
	delete(s.active, symbol)
	s.mu.Unlock()
}

// ActiveSequence returns the sequence ID currently mutating the symbol, if
// any. Used for conflict reporting only; admission is by the lock itself.
func (s *Sequencer) ActiveSequence(symbol string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.active[symbol]
	return id, ok
}

// sequence accumulates the operation trace for one atomic sequence.
type sequence struct {
	id        string
	symbol    string
	start     time.Time
	ops       []SequenceOp
	conflicts []OrderConflict
	rollback  bool
}

func newSequence(symbol string) *sequence {
	return &sequence{id: uuid.New().String(), symbol: symbol, start: time.Now()}
}

func (q *sequence) record(name, orderID string, err error) {
	op := SequenceOp{Name: name, OrderID: orderID, Success: err == nil, At: time.Now()}
	if err != nil {
		op.Error = err.Error()
	}
	q.ops = append(q.ops, op)
}

func (q *sequence) result(success bool, message string) *SequenceResult {
	return &SequenceResult{
		Success:             success,
		SequenceID:          q.id,
		Symbol:              q.symbol,
		OperationsCompleted: q.ops,
		ConflictsDetected:   q.conflicts,
		RollbackPerformed:   q.rollback,
		ExecutionTimeMS:     time.Since(q.start).Milliseconds(),
		Message:             message,
	}
}

// retryWithBackoff runs op with the 0.5s/1.0s/2.0s schedule, failing fast on
// permanent errors and surfacing the last error on exhaustion.
func (s *Sequencer) retryWithBackoff(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.RetryInitial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 4 * s.config.RetryInitial
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.config.MaxRetries)), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if broker.IsPermanent(err) || broker.IsAlreadyFilled(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// DetectConflicts enumerates conditions that would block the given operation
// type for the symbol. Read-only; the execute methods run the same checks
// under the lock and resolve what policy allows.
func (s *Sequencer) DetectConflicts(ctx context.Context, symbol, opType string) []OrderConflict {
	orders, err := s.broker.ListOrders(ctx, broker.OrdersOpen, symbol)
	if err != nil {
		return []OrderConflict{{
			Type:        ConflictBrokerRejection,
			Description: fmt.Sprintf("cannot list open orders: %v", err),
			Blocking:    true,
		}}
	}
	pos, posErr := s.broker.GetPosition(ctx, symbol)
	return s.detectConflicts(symbol, opType, "", orders, pos, posErr)
}

// detectConflicts is the pure conflict scan over already-fetched state.
// selfID names the calling sequence so it never conflicts with itself.
func (s *Sequencer) detectConflicts(symbol, opType, selfID string, open []broker.Order, pos *broker.Position, posErr error) []OrderConflict {
	var conflicts []OrderConflict

	if seqID, busy := s.ActiveSequence(symbol); busy && seqID != selfID {
		conflicts = append(conflicts, OrderConflict{
			Type:        ConflictConcurrentModification,
			Description: "sequence " + seqID + " already active for symbol",
			Blocking:    false, // resolved by waiting on the symbol lock
		})
	}

	var stopIDs []string
	var lockedQty int64
	exitSide := broker.SideSell
	if pos != nil && pos.Side == "short" {
		exitSide = broker.SideBuy
	}
	for _, o := range open {
		if o.Type == broker.OrderTypeStop || o.Type == broker.OrderTypeTrailingStop {
			stopIDs = append(stopIDs, o.ID)
		}
		if o.Side == exitSide {
			lockedQty += o.Qty - o.FilledQty
		}
	}
	if len(stopIDs) > 1 {
		conflicts = append(conflicts, OrderConflict{
			Type:        ConflictDuplicateOrder,
			Description: fmt.Sprintf("%d open stop orders for symbol", len(stopIDs)),
			OrderIDs:    stopIDs,
			Blocking:    false, // resolved by canceling duplicates
		})
	}

	if posErr != nil || pos == nil {
		if opType != OpTypeEntry {
			conflicts = append(conflicts, OrderConflict{
				Type:        ConflictInsufficientShares,
				Description: "no broker position for symbol",
				Blocking:    true,
			})
		}
	} else if lockedQty > 0 && opType == OpTypePartialExit {
		conflicts = append(conflicts, OrderConflict{
			Type:        ConflictSharesLocked,
			Description: fmt.Sprintf("%d shares locked by open exit orders", lockedQty),
			Blocking:    false, // the partial-exit sequence cancels them first
		})
	}

	return conflicts
}

// VerifySharesAvailable reports how many shares a sell-side operation can
// use: |position| minus shares locked by open exit-side orders.
func (s *Sequencer) VerifySharesAvailable(ctx context.Context, symbol string, required int64) SharesCheck {
	pos, err := s.broker.GetPosition(ctx, symbol)
	if err != nil || pos == nil {
		return SharesCheck{}
	}
	held := pos.Qty
	if held < 0 {
		held = -held
	}
	open, err := s.broker.ListOrders(ctx, broker.OrdersOpen, symbol)
	if err != nil {
		return SharesCheck{Available: held}
	}
	var locked int64
	exitSide := broker.ExitSide(pos.Side)
	for _, o := range open {
		if o.Side == exitSide {
			locked += o.Qty - o.FilledQty
		}
	}
	available := held - locked
	return SharesCheck{
		Available:   available,
		Locked:      locked,
		IsAvailable: available >= required,
	}
}

// hasBlocking reports whether any conflict remains a hard blocker.
func hasBlocking(conflicts []OrderConflict) bool {
	for _, c := range conflicts {
		if c.Blocking {
			return true
		}
	}
	return false
}

// waitForTerminal polls an order until cancel lands (canceled, expired or
// rejected) or the timeout passes. A fill during the wait is surfaced so the
// caller can react to the race.
func (s *Sequencer) waitForTerminal(ctx context.Context, orderID string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		o, err := s.broker.GetOrder(ctx, orderID)
		if err == nil {
			status := broker.NormalizeStatus(o.Status)
			switch status {
			case broker.StatusCanceled, broker.StatusExpired, broker.StatusRejected, broker.StatusFilled:
				return status, nil
			}
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("order %s not terminal within %s", orderID, timeout)
		}
		sleepCtx(ctx, 100*time.Millisecond)
	}
}

// waitForActive polls a freshly submitted order until it is resting at the
// broker (accepted/pending) or terminal, bounded by timeout.
func (s *Sequencer) waitForActive(ctx context.Context, orderID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		o, err := s.broker.GetOrder(ctx, orderID)
		if err == nil {
			status := broker.NormalizeStatus(o.Status)
			if broker.IsActiveStatus(status) || status == broker.StatusFilled {
				return nil
			}
			if status == broker.StatusRejected || status == broker.StatusCanceled || status == broker.StatusExpired {
				return fmt.Errorf("order %s terminal before activation: %s", orderID, status)
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("order %s not active within %s", orderID, timeout)
		}
		sleepCtx(ctx, 100*time.Millisecond)
	}
}

// cancelAndConfirm cancels an order with retry and waits for it to reach a
// terminal state. A cancel rejected because the order already filled is
// reported as a fill, not a failure.
func (s *Sequencer) cancelAndConfirm(ctx context.Context, seq *sequence, orderID string) (filled bool, err error) {
	err = s.retryWithBackoff(ctx, func() error {
		return s.broker.CancelOrder(ctx, orderID)
	})
	if err != nil {
		if broker.IsAlreadyFilled(err) {
			seq.record("cancel_order", orderID, nil)
			return true, nil
		}
		seq.record("cancel_order", orderID, err)
		return false, err
	}
	status, err := s.waitForTerminal(ctx, orderID, s.config.CancelTimeout)
	seq.record("confirm_cancel", orderID, err)
	if err != nil {
		return false, err
	}
	return status == broker.StatusFilled, nil
}

// ExecuteStopUpdate atomically replaces the symbol's stop order: cancel the
// existing stop, re-read position size, submit the new stop, confirm it is
// active. On failure after the old stop was canceled, rollback restores it.
func (s *Sequencer) ExecuteStopUpdate(ctx context.Context, symbol string, newStop float64) *SequenceResult {
	seq := newSequence(symbol)

	if newStop <= 0 {
		seq.conflicts = append(seq.conflicts, OrderConflict{
			Type:        ConflictInvalidPrice,
			Description: fmt.Sprintf("stop price %.4f is not positive", newStop),
			Blocking:    true,
		})
		return seq.result(false, "invalid stop price")
	}

	lock := s.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()
	s.markActive(symbol, seq.id)
	defer s.markIdle(symbol)

	s.logger.Info().
		Str("symbol", symbol).
		Str("sequence_id", seq.id).
		Float64("new_stop", newStop).
		Msg("Stop-update sequence started")

	// Step 2: open orders for the symbol.
	open, err := s.broker.ListOrders(ctx, broker.OrdersOpen, symbol)
	seq.record("list_open_orders", "", err)
	if err != nil {
		return s.finish(seq, false, "cannot list open orders: "+err.Error())
	}

	// Step 3: conflicts.
	pos, posErr := s.broker.GetPosition(ctx, symbol)
	seq.conflicts = s.detectConflicts(symbol, OpTypeStopUpdate, seq.id, open, pos, posErr)
	if hasBlocking(seq.conflicts) {
		return s.finish(seq, false, "blocked by unresolved conflict")
	}

	// Step 4: cancel the existing stop (and any duplicates).
	var prior *broker.Order
	for i := range open {
		o := open[i]
		if o.Type != broker.OrderTypeStop && o.Type != broker.OrderTypeTrailingStop {
			continue
		}
		if prior == nil {
			prior = &o
		}
		filled, err := s.cancelAndConfirm(ctx, seq, o.ID)
		if err != nil {
			return s.finish(seq, false, "cannot cancel existing stop: "+err.Error())
		}
		if filled {
			// The stop triggered while we were replacing it; the position is
			// gone or shrinking and a new stop would be wrong.
			return s.finish(seq, false, "existing stop filled during sequence")
		}
	}

	// Step 5: current position size from the broker.
	pos, err = s.broker.GetPosition(ctx, symbol)
	seq.record("get_position", "", err)
	if err != nil {
		s.rollbackStop(ctx, seq, prior)
		return s.finish(seq, false, "cannot read position: "+err.Error())
	}
	qty := pos.Qty
	if qty < 0 {
		qty = -qty
	}
	if qty == 0 {
		return s.finish(seq, false, "position size is zero")
	}

	// Steps 6–7: submit the replacement stop and confirm it is active.
	req := broker.OrderRequest{
		Symbol:        symbol,
		Qty:           qty,
		Side:          broker.ExitSide(pos.Side),
		Type:          broker.OrderTypeStop,
		TimeInForce:   broker.TIFGTC,
		StopPrice:     newStop,
		ClientOrderID: RelatedOrderID(ClientOrderID(symbol, "stop", qty, newStop, time.Now()), "repl"),
	}
	var newOrder *broker.Order
	err = s.retryWithBackoff(ctx, func() error {
		var serr error
		newOrder, serr = s.broker.SubmitOrder(ctx, req)
		return serr
	})
	if newOrder != nil {
		seq.record("submit_stop", newOrder.ID, err)
	} else {
		seq.record("submit_stop", "", err)
	}
	if err != nil {
		s.rollbackStop(ctx, seq, prior)
		return s.finish(seq, false, "cannot submit replacement stop: "+err.Error())
	}

	if err := s.waitForActive(ctx, newOrder.ID, s.config.ActivateTimeout); err != nil {
		seq.record("confirm_active", newOrder.ID, err)
		s.rollbackStop(ctx, seq, prior)
		return s.finish(seq, false, "replacement stop not active: "+err.Error())
	}
	seq.record("confirm_active", newOrder.ID, nil)

	if s.bus != nil {
		oldStop := 0.0
		if prior != nil {
			oldStop = prior.StopPrice
		}
		s.bus.PublishStopUpdated(symbol, oldStop, newStop, 0)
	}
	return s.finish(seq, true, fmt.Sprintf("stop moved to %.4f for %d shares", newStop, qty))
}

// rollbackStop tries to restore a canceled prior stop after a failed
// replacement. Best effort; failure is recorded, not escalated.
func (s *Sequencer) rollbackStop(ctx context.Context, seq *sequence, prior *broker.Order) {
	if prior == nil {
		return
	}
	seq.rollback = true
	req := broker.OrderRequest{
		Symbol:        prior.Symbol,
		Qty:           prior.Qty,
		Side:          prior.Side,
		Type:          prior.Type,
		TimeInForce:   prior.TimeInForce,
		StopPrice:     prior.StopPrice,
		LimitPrice:    prior.LimitPrice,
		ClientOrderID: FallbackOrderID(),
	}
	var restored *broker.Order
	err := s.retryWithBackoff(ctx, func() error {
		var serr error
		restored, serr = s.broker.SubmitOrder(ctx, req)
		return serr
	})
	id := ""
	if restored != nil {
		id = restored.ID
	}
	seq.record("rollback_restore_stop", id, err)
	if err != nil {
		s.logger.Error().
			Str("symbol", prior.Symbol).
			Float64("stop_price", prior.StopPrice).
			Err(err).
			Msg("Rollback failed: position left without stop protection")
		if s.bus != nil {
			s.bus.PublishAlert("CRITICAL", "rollback failed, position unprotected", map[string]interface{}{
				"symbol":     prior.Symbol,
				"stop_price": prior.StopPrice,
			})
		}
	}
}

// ExecutePartialExitWithStopUpdate sells exitQty shares at market and moves
// the stop for the remainder, atomically: snapshot, cancel all exit orders,
// market exit, wait for fill, re-stop the remainder. On a failed exit the
// canceled exit orders are recreated from the snapshot.
func (s *Sequencer) ExecutePartialExitWithStopUpdate(ctx context.Context, symbol string, exitQty int64, newStop float64) *SequenceResult {
	seq := newSequence(symbol)

	if exitQty <= 0 {
		return seq.result(false, "exit quantity must be positive")
	}

	lock := s.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()
	s.markActive(symbol, seq.id)
	defer s.markIdle(symbol)

	s.logger.Info().
		Str("symbol", symbol).
		Str("sequence_id", seq.id).
		Int64("exit_qty", exitQty).
		Float64("new_stop", newStop).
		Msg("Partial-exit sequence started")

	// Step 1: pre-state snapshot for rollback.
	pos, err := s.broker.GetPosition(ctx, symbol)
	seq.record("snapshot_position", "", err)
	if err != nil {
		return s.finish(seq, false, "cannot snapshot position: "+err.Error())
	}
	held := pos.Qty
	if held < 0 {
		held = -held
	}
	if exitQty > held {
		seq.conflicts = append(seq.conflicts, OrderConflict{
			Type:        ConflictInsufficientShares,
			Description: fmt.Sprintf("exit %d > held %d", exitQty, held),
			Blocking:    true,
		})
		return s.finish(seq, false, "insufficient shares for exit")
	}

	open, err := s.broker.ListOrders(ctx, broker.OrdersOpen, symbol)
	seq.record("snapshot_open_orders", "", err)
	if err != nil {
		return s.finish(seq, false, "cannot snapshot open orders: "+err.Error())
	}
	seq.conflicts = s.detectConflicts(symbol, OpTypePartialExit, seq.id, open, pos, nil)
	if hasBlocking(seq.conflicts) {
		return s.finish(seq, false, "blocked by unresolved conflict")
	}

	// Step 2: cancel every exit-side order (stop and limit legs) so shares
	// are free to sell, remembering what we canceled for rollback.
	exitSide := broker.ExitSide(pos.Side)
	var canceled []broker.Order
	for i := range open {
		o := open[i]
		if o.Side != exitSide {
			continue
		}
		filled, err := s.cancelAndConfirm(ctx, seq, o.ID)
		if err != nil {
			s.rollbackExitOrders(ctx, seq, canceled)
			return s.finish(seq, false, "cannot cancel exit order: "+err.Error())
		}
		if filled {
			// An exit leg filled mid-cancel: the position already shrank, so
			// this milestone's quantity is stale. Abort and let the next tick
			// recompute against fresh state.
			return s.finish(seq, false, "exit order filled during cancellation")
		}
		canceled = append(canceled, o)
	}

	// Step 3: day market order for the exit quantity.
	req := broker.OrderRequest{
		Symbol:        symbol,
		Qty:           exitQty,
		Side:          exitSide,
		Type:          broker.OrderTypeMarket,
		TimeInForce:   broker.TIFDay,
		ClientOrderID: ClientOrderID(symbol, "pexit", exitQty, pos.CurrentPrice, time.Now()),
	}
	var exitOrder *broker.Order
	err = s.retryWithBackoff(ctx, func() error {
		var serr error
		exitOrder, serr = s.broker.SubmitOrder(ctx, req)
		return serr
	})
	if exitOrder != nil {
		seq.record("submit_exit_market", exitOrder.ID, err)
	} else {
		seq.record("submit_exit_market", "", err)
	}
	if err != nil {
		s.rollbackExitOrders(ctx, seq, canceled)
		return s.finish(seq, false, "cannot submit exit order: "+err.Error())
	}

	// Step 4: wait for the fill through the fill detector.
	fill := s.detector.WaitForFill(ctx, exitOrder.ID, s.config.FillWait)
	seq.record("wait_exit_fill", exitOrder.ID, fillError(fill))
	if !fill.Filled {
		s.rollbackExitOrders(ctx, seq, canceled)
		return s.finish(seq, false, "exit order not filled: "+string(fill.Status))
	}

	// Step 5: re-read the position; re-stop whatever remains.
	remaining := int64(0)
	if p, err := s.broker.GetPosition(ctx, symbol); err == nil {
		remaining = p.Qty
		if remaining < 0 {
			remaining = -remaining
		}
	}
	seq.record("reread_position", "", nil)

	if remaining > 0 && newStop > 0 {
		stopReq := broker.OrderRequest{
			Symbol:        symbol,
			Qty:           remaining,
			Side:          exitSide,
			Type:          broker.OrderTypeStop,
			TimeInForce:   broker.TIFGTC,
			StopPrice:     newStop,
			ClientOrderID: RelatedOrderID(ClientOrderID(symbol, "stop", remaining, newStop, time.Now()), "rem"),
		}
		var stopOrder *broker.Order
		err = s.retryWithBackoff(ctx, func() error {
			var serr error
			stopOrder, serr = s.broker.SubmitOrder(ctx, stopReq)
			return serr
		})
		if stopOrder != nil {
			seq.record("submit_remainder_stop", stopOrder.ID, err)
		} else {
			seq.record("submit_remainder_stop", "", err)
		}
		if err != nil {
			// Exit filled but the remainder is unprotected. This is outcome
			// (b) of the atomicity contract minus the stop; alert loudly.
			if s.bus != nil {
				s.bus.PublishAlert("CRITICAL", "remainder left without stop after partial exit", map[string]interface{}{
					"symbol": symbol, "remaining": remaining, "intended_stop": newStop,
				})
			}
			return s.finish(seq, false, "exit filled but remainder stop failed: "+err.Error())
		}
		if err := s.waitForActive(ctx, stopOrder.ID, s.config.ActivateTimeout); err != nil {
			seq.record("confirm_remainder_stop", stopOrder.ID, err)
			return s.finish(seq, false, "remainder stop not active: "+err.Error())
		}
		seq.record("confirm_remainder_stop", stopOrder.ID, nil)
	}

	if s.bus != nil {
		s.bus.PublishPartialExit(symbol, fill.FillQuantity, fill.FillPrice, 0, 0)
	}
	r := s.finish(seq, true, fmt.Sprintf("exited %d @ %.4f, %d remaining", fill.FillQuantity, fill.FillPrice, remaining))
	r.FillPrice = fill.FillPrice
	r.FillQuantity = fill.FillQuantity
	return r
}

// rollbackExitOrders recreates exit orders that step 2 canceled, restoring
// the pre-sequence broker state after a failed exit.
func (s *Sequencer) rollbackExitOrders(ctx context.Context, seq *sequence, canceled []broker.Order) {
	if len(canceled) == 0 {
		return
	}
	seq.rollback = true
	for _, o := range canceled {
		req := broker.OrderRequest{
			Symbol:        o.Symbol,
			Qty:           o.Qty,
			Side:          o.Side,
			Type:          o.Type,
			TimeInForce:   o.TimeInForce,
			StopPrice:     o.StopPrice,
			LimitPrice:    o.LimitPrice,
			ClientOrderID: FallbackOrderID(),
		}
		var restored *broker.Order
		err := s.retryWithBackoff(ctx, func() error {
			var serr error
			restored, serr = s.broker.SubmitOrder(ctx, req)
			return serr
		})
		id := ""
		if restored != nil {
			id = restored.ID
		}
		seq.record("rollback_restore_"+o.Type, id, err)
		if err != nil {
			s.logger.Error().
				Str("symbol", o.Symbol).
				Str("order_type", o.Type).
				Err(err).
				Msg("Rollback restore failed")
			if s.bus != nil {
				s.bus.PublishAlert("HIGH", "rollback could not restore exit order", map[string]interface{}{
					"symbol": o.Symbol, "order_type": o.Type,
					"stop_price": o.StopPrice, "limit_price": o.LimitPrice,
				})
			}
		}
	}
}

// ExecuteFullExit closes the entire position at market: cancel all open
// orders for the symbol, submit a market exit for the full size, wait for
// the fill. Used for exit signals and flatten-all.
func (s *Sequencer) ExecuteFullExit(ctx context.Context, symbol, reason string) *SequenceResult {
	seq := newSequence(symbol)

	lock := s.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()
	s.markActive(symbol, seq.id)
	defer s.markIdle(symbol)

	s.logger.Info().
		Str("symbol", symbol).
		Str("sequence_id", seq.id).
		Str("reason", reason).
		Msg("Full-exit sequence started")

	pos, err := s.broker.GetPosition(ctx, symbol)
	seq.record("get_position", "", err)
	if err != nil {
		if errors.Is(err, broker.ErrNoPosition) {
			// Nothing held; still clear any resting orders.
			s.cancelAllOpen(ctx, seq, symbol)
			return s.finish(seq, true, "no position; open orders cleared")
		}
		return s.finish(seq, false, "cannot read position: "+err.Error())
	}

	s.cancelAllOpen(ctx, seq, symbol)

	qty := pos.Qty
	if qty < 0 {
		qty = -qty
	}
	if qty == 0 {
		return s.finish(seq, true, "position already flat")
	}

	req := broker.OrderRequest{
		Symbol:        symbol,
		Qty:           qty,
		Side:          broker.ExitSide(pos.Side),
		Type:          broker.OrderTypeMarket,
		TimeInForce:   broker.TIFDay,
		ClientOrderID: ClientOrderID(symbol, "flat", qty, pos.CurrentPrice, time.Now()),
	}
	var exitOrder *broker.Order
	err = s.retryWithBackoff(ctx, func() error {
		var serr error
		exitOrder, serr = s.broker.SubmitOrder(ctx, req)
		return serr
	})
	if exitOrder != nil {
		seq.record("submit_exit_market", exitOrder.ID, err)
	} else {
		seq.record("submit_exit_market", "", err)
	}
	if err != nil {
		return s.finish(seq, false, "cannot submit full exit: "+err.Error())
	}

	fill := s.detector.WaitForFill(ctx, exitOrder.ID, s.config.FillWait)
	seq.record("wait_exit_fill", exitOrder.ID, fillError(fill))
	if !fill.Filled {
		return s.finish(seq, false, "full exit not filled: "+string(fill.Status))
	}

	if s.bus != nil {
		s.bus.PublishPositionClosed(symbol, fill.FillPrice, 0, reason)
	}
	r := s.finish(seq, true, fmt.Sprintf("flattened %d @ %.4f", fill.FillQuantity, fill.FillPrice))
	r.FillPrice = fill.FillPrice
	r.FillQuantity = fill.FillQuantity
	return r
}

// cancelAllOpen cancels every open order for the symbol, tolerating races
// where an order fills or disappears mid-cancel.
func (s *Sequencer) cancelAllOpen(ctx context.Context, seq *sequence, symbol string) {
	open, err := s.broker.ListOrders(ctx, broker.OrdersOpen, symbol)
	seq.record("list_open_orders", "", err)
	if err != nil {
		return
	}
	for _, o := range open {
		err := s.retryWithBackoff(ctx, func() error {
			cerr := s.broker.CancelOrder(ctx, o.ID)
			if cerr != nil && (broker.IsAlreadyFilled(cerr) || broker.IsPermanent(cerr)) {
				return nil
			}
			return cerr
		})
		seq.record("cancel_order", o.ID, err)
	}
}

// SubmitEntry places an entry order under the symbol lock so it cannot
// interleave with a management sequence. A deterministic client order ID is
// derived when the request carries none.
func (s *Sequencer) SubmitEntry(ctx context.Context, req broker.OrderRequest) (*broker.Order, error) {
	lock := s.symbolLock(req.Symbol)
	lock.Lock()
	defer lock.Unlock()

	if req.ClientOrderID == "" {
		hint := req.LimitPrice
		if hint == 0 {
			hint = req.StopPrice
		}
		req.ClientOrderID = ClientOrderID(req.Symbol, req.Side, req.Qty, hint, time.Now())
	}

	var order *broker.Order
	err := s.retryWithBackoff(ctx, func() error {
		var serr error
		order, serr = s.broker.SubmitOrder(ctx, req)
		return serr
	})
	if err != nil {
		return nil, fmt.Errorf("submit entry %s: %w", req.Symbol, err)
	}
	s.logger.Info().
		Str("symbol", req.Symbol).
		Str("order_id", order.ID).
		Str("client_order_id", req.ClientOrderID).
		Int64("qty", req.Qty).
		Msg("Entry order submitted")
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type: events.EventEntrySubmitted,
			Data: map[string]interface{}{
				"symbol": req.Symbol, "side": req.Side, "qty": req.Qty,
				"order_id": order.ID, "client_order_id": req.ClientOrderID,
				"order_type": req.Type,
			},
		})
	}
	return order, nil
}

// finish logs and builds the sequence result.
func (s *Sequencer) finish(seq *sequence, success bool, message string) *SequenceResult {
	r := seq.result(success, message)
	evt := s.logger.Info()
	if !success {
		evt = s.logger.Warn()
	}
	evt.
		Str("symbol", seq.symbol).
		Str("sequence_id", seq.id).
		Bool("success", success).
		Bool("rollback", seq.rollback).
		Int("operations", len(seq.ops)).
		Int64("duration_ms", r.ExecutionTimeMS).
		Str("message", message).
		Msg("Sequence finished")
	if !success && s.bus != nil {
		s.bus.Publish(events.Event{
			Type: events.EventSequenceFailed,
			Data: map[string]interface{}{
				"symbol": seq.symbol, "sequence_id": seq.id, "message": message,
			},
		})
	}
	return r
}

func fillError(r *FillResult) error {
	if r.Filled {
		return nil
	}
	return fmt.Errorf("fill status %s", r.Status)
}
