package orders

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"alpaca-trading-engine/internal/broker"
	"alpaca-trading-engine/internal/events"
)

// FillDetectorConfig tunes the monitor loop.
type FillDetectorConfig struct {
	PollStart       time.Duration `json:"poll_start"`       // first poll interval
	PollStep        time.Duration `json:"poll_step"`        // added per iteration
	PollCap         time.Duration `json:"poll_cap"`         // interval ceiling
	DefaultDeadline time.Duration `json:"default_deadline"` // top-level timeout
	TransientCap    time.Duration `json:"transient_cap"`    // backoff ceiling on transient errors
}

// DefaultFillDetectorConfig returns the production defaults.
func DefaultFillDetectorConfig() FillDetectorConfig {
	return FillDetectorConfig{
		PollStart:       200 * time.Millisecond,
		PollStep:        50 * time.Millisecond,
		PollCap:         1 * time.Second,
		DefaultDeadline: 30 * time.Second,
		TransientCap:    30 * time.Second,
	}
}

// FillDetector monitors a submitted order until it is definitively filled,
// rejected, or timed out. Its one correctness obligation: never report "not
// filled" when the broker has actually filled the order. Fills are confirmed
// by four independent field checks, and the timeout path handles the
// cancel-race where an order fills between the last poll and the cancel.
type FillDetector struct {
	broker broker.Broker
	config FillDetectorConfig
	bus    *events.EventBus
	logger zerolog.Logger
}

// NewFillDetector creates a detector. bus may be nil in tests.
func NewFillDetector(b broker.Broker, config FillDetectorConfig, bus *events.EventBus, logger zerolog.Logger) *FillDetector {
	if config.PollStart <= 0 {
		config = DefaultFillDetectorConfig()
	}
	return &FillDetector{
		broker: b,
		config: config,
		bus:    bus,
		logger: logger.With().Str("component", "FillDetector").Logger(),
	}
}

// fillCheck is the outcome of one multi-method verification pass.
type fillCheck struct {
	filled     bool
	method     DetectionMethod // highest-confidence method that confirmed
	confidence float64
	methods    int // how many methods confirmed
}

// verifyFill runs the four independent fill checks against a fetched order.
// Any single positive check confirms the fill; confidence rises with the
// number of confirming methods.
func verifyFill(o *broker.Order) fillCheck {
	if o == nil {
		return fillCheck{}
	}

	type methodResult struct {
		method     DetectionMethod
		confidence float64
	}
	var confirmed []methodResult

	if broker.NormalizeStatus(o.Status) == broker.StatusFilled {
		confirmed = append(confirmed, methodResult{MethodStatusField, 1.0})
	}
	if o.FilledQty > 0 {
		if o.FilledQty >= o.Qty {
			confirmed = append(confirmed, methodResult{MethodQuantityMatch, 1.0})
		} else {
			confirmed = append(confirmed, methodResult{MethodQuantityMatch, 0.5})
		}
	}
	if o.FilledAvgPrice > 0 {
		confirmed = append(confirmed, methodResult{MethodFillPrice, 0.9})
	}
	if o.FilledAt != nil && !o.FilledAt.IsZero() {
		confirmed = append(confirmed, methodResult{MethodTimestampCheck, 0.8})
	}

	if len(confirmed) == 0 {
		return fillCheck{}
	}

	best := confirmed[0]
	for _, m := range confirmed[1:] {
		if m.confidence > best.confidence {
			best = m
		}
	}

	overall := 0.7
	switch {
	case len(confirmed) >= 4:
		overall = 1.0
	case len(confirmed) == 3:
		overall = 0.95
	case len(confirmed) == 2:
		overall = 0.85
	}

	return fillCheck{
		filled:     true,
		method:     best.method,
		confidence: overall,
		methods:    len(confirmed),
	}
}

// monitorState carries the loop's bookkeeping into the timeout path.
type monitorState struct {
	orderID    string
	start      time.Time
	apiCalls   int
	checks     int
	retries    int
	history    []StatusTransition
	lastStatus string
	lastOrder  *broker.Order
}

func (s *monitorState) recordStatus(status string) {
	if status == s.lastStatus {
		return
	}
	s.history = append(s.history, StatusTransition{Status: status, At: time.Now()})
	s.lastStatus = status
}

func (s *monitorState) result(status FillStatus) *FillResult {
	return &FillResult{
		OrderID:          s.orderID,
		Status:           status,
		ElapsedTime:      time.Since(s.start),
		APICallsMade:     s.apiCalls,
		RetriesAttempted: s.retries,
		ChecksPerformed:  s.checks,
		StatusHistory:    s.history,
		LastKnownStatus:  s.lastStatus,
	}
}

func (s *monitorState) filledResult(o *broker.Order, check fillCheck, method DetectionMethod) *FillResult {
	r := s.result(FillStatusFilled)
	r.Filled = true
	r.DetectionMethod = method
	r.Confidence = check.confidence
	r.FillPrice = o.FilledAvgPrice
	r.FillQuantity = o.FilledQty
	if r.FillQuantity == 0 {
		// Confirmed by a non-quantity method; the broker has not yet
		// populated filled_qty. Report the ordered quantity.
		r.FillQuantity = o.Qty
	}
	if o.FilledAt != nil {
		r.FillTimestamp = *o.FilledAt
	} else {
		r.FillTimestamp = time.Now()
	}
	return r
}

// WaitForFill monitors the order until filled, rejected, or deadline. Poll
// intervals adapt: start small for fast fills, widen toward the cap as the
// order rests. timeout ≤ 0 uses the configured default.
func (d *FillDetector) WaitForFill(ctx context.Context, orderID string, timeout time.Duration) *FillResult {
	if timeout <= 0 {
		timeout = d.config.DefaultDeadline
	}
	state := &monitorState{orderID: orderID, start: time.Now()}
	deadline := state.start.Add(timeout)
	interval := d.config.PollStart
	transientBase := time.Second

	d.logger.Debug().Str("order_id", orderID).Dur("timeout", timeout).Msg("Fill monitoring started")

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			// Shutdown: run the timeout path so a fill is never lost silently.
			return d.handleTimeout(context.Background(), state)
		}

		o, err := d.broker.GetOrder(ctx, orderID)
		state.apiCalls++
		if err != nil {
			switch broker.Classify(err) {
			case broker.ErrorClassPermanent:
				d.logger.Error().Str("order_id", orderID).Err(err).Msg("Permanent error during fill monitoring")
				r := state.result(FillStatusError)
				r.Error = err.Error()
				return r
			case broker.ErrorClassTransient:
				state.retries++
				delay := transientDelay(transientBase, state.retries, d.config.TransientCap)
				if broker.IsRateLimited(err) {
					delay += 2 * time.Second
				}
				d.logger.Warn().Str("order_id", orderID).Err(err).Dur("delay", delay).Msg("Transient error, backing off")
				sleepCtx(ctx, delay)
				continue
			default:
				// Ambiguous: keep monitoring on the normal cadence.
				d.logger.Warn().Str("order_id", orderID).Err(err).Msg("Ambiguous error, continuing to monitor")
				sleepCtx(ctx, interval)
				continue
			}
		}

		state.lastOrder = o
		state.recordStatus(o.Status)

		// A terminally partial order is reported as PARTIAL, never as a
		// plain fill, so callers reconcile the unfilled remainder.
		if o.FilledQty > 0 && o.FilledQty < o.Qty && broker.IsTerminalStatus(o.Status) {
			d.logger.Warn().
				Str("order_id", orderID).
				Str("status", o.Status).
				Int64("fill_qty", o.FilledQty).
				Int64("qty", o.Qty).
				Msg("Order terminal with partial fill")
			r := state.result(FillStatusPartial)
			r.FillPrice = o.FilledAvgPrice
			r.FillQuantity = o.FilledQty
			return r
		}

		check := verifyFill(o)
		state.checks++
		if check.filled {
			d.logger.Info().
				Str("order_id", orderID).
				Str("method", string(check.method)).
				Float64("confidence", check.confidence).
				Int64("fill_qty", o.FilledQty).
				Float64("fill_price", o.FilledAvgPrice).
				Msg("Fill confirmed")
			d.publishFilled(o)
			return state.filledResult(o, check, check.method)
		}

		switch broker.NormalizeStatus(o.Status) {
		case broker.StatusCanceled, broker.StatusRejected, broker.StatusExpired:
			d.logger.Warn().Str("order_id", orderID).Str("status", o.Status).Msg("Order terminal without fill")
			return state.result(FillStatusRejected)
		}

		sleepCtx(ctx, interval)
		interval += d.config.PollStep
		if interval > d.config.PollCap {
			interval = d.config.PollCap
		}
	}

	return d.handleTimeout(ctx, state)
}

// handleTimeout runs the deadline path: final verification, cancel with
// cancel-race inspection, and the ultimate safety net. Uses its own bounded
// context so a canceled parent cannot abandon an order in limbo.
func (d *FillDetector) handleTimeout(parent context.Context, state *monitorState) *FillResult {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 15*time.Second)
	defer cancel()

	// 1. Final status fetch before giving up.
	if o, err := d.broker.GetOrder(ctx, state.orderID); err == nil {
		state.apiCalls++
		state.lastOrder = o
		state.recordStatus(o.Status)
		if o.FilledQty > 0 && o.FilledQty < o.Qty && broker.IsTerminalStatus(o.Status) {
			r := state.result(FillStatusPartial)
			r.FillPrice = o.FilledAvgPrice
			r.FillQuantity = o.FilledQty
			return r
		}
		if check := verifyFill(o); check.filled {
			state.checks++
			d.logger.Info().Str("order_id", state.orderID).Msg("Fill confirmed on final verification")
			d.publishFilled(o)
			return state.filledResult(o, check, MethodFinalVerification)
		}
		state.checks++
	}

	// 2. Attempt cancel; a rejection may reveal the cancel-race.
	cancelErr := d.broker.CancelOrder(ctx, state.orderID)
	state.apiCalls++
	if cancelErr != nil {
		if broker.IsAlreadyFilled(cancelErr) {
			if r := d.confirmCancelRace(ctx, state); r != nil {
				return r
			}
		}
		d.logger.Warn().Str("order_id", state.orderID).Err(cancelErr).Msg("Cancel failed at timeout")
	} else {
		// 4. Cancel accepted: confirm the canceled status landed.
		if o, err := d.broker.GetOrder(ctx, state.orderID); err == nil {
			state.apiCalls++
			state.recordStatus(o.Status)
			// The cancel itself can race a fill.
			if check := verifyFill(o); check.filled {
				state.checks++
				d.publishFilled(o)
				return state.filledResult(o, check, MethodFinalVerification)
			}
			state.checks++
		}
	}

	// 5. Ultimate safety net: three slow re-checks, then position
	// reconciliation before declaring the order unfilled.
	if r := d.safetyNet(ctx, state); r != nil {
		return r
	}

	d.logger.Warn().
		Str("order_id", state.orderID).
		Int("api_calls", state.apiCalls).
		Msg("Fill monitoring timed out without fill")
	if d.bus != nil {
		d.bus.Publish(events.Event{
			Type: events.EventFillTimeout,
			Data: map[string]interface{}{"order_id": state.orderID, "last_status": state.lastStatus},
		})
	}
	return state.result(FillStatusTimeout)
}

// confirmCancelRace re-fetches the order after an "already filled" cancel
// rejection. One retry after ~200 ms covers broker read-replica lag.
func (d *FillDetector) confirmCancelRace(ctx context.Context, state *monitorState) *FillResult {
	for attempt := 0; attempt < 2; attempt++ {
		o, err := d.broker.GetOrder(ctx, state.orderID)
		state.apiCalls++
		if err == nil {
			state.lastOrder = o
			state.recordStatus(o.Status)
			check := verifyFill(o)
			state.checks++
			if check.filled {
				d.logger.Info().
					Str("order_id", state.orderID).
					Int("attempt", attempt+1).
					Msg("Cancel-race detected: order filled before cancel")
				d.publishFilled(o)
				return state.filledResult(o, check, MethodCancelRace)
			}
		}
		sleepCtx(ctx, 200*time.Millisecond)
	}
	return nil
}

// safetyNet is the last line of defense against a silently lost fill.
func (d *FillDetector) safetyNet(ctx context.Context, state *monitorState) *FillResult {
	for i := 0; i < 3; i++ {
		sleepCtx(ctx, 500*time.Millisecond)
		o, err := d.broker.GetOrder(ctx, state.orderID)
		state.apiCalls++
		if err != nil {
			continue
		}
		state.lastOrder = o
		state.recordStatus(o.Status)
		check := verifyFill(o)
		state.checks++
		if check.filled {
			d.logger.Info().Str("order_id", state.orderID).Msg("Fill confirmed by safety-net recheck")
			d.publishFilled(o)
			return state.filledResult(o, check, MethodFinalVerification)
		}
	}

	// Reconcile against broker positions: a live position in the order's
	// symbol and direction means the entry very likely filled. Re-verify the
	// order by ID one more time before trusting it.
	if state.lastOrder == nil {
		return nil
	}
	symbol := state.lastOrder.Symbol
	positions, err := d.broker.ListPositions(ctx)
	state.apiCalls++
	if err != nil {
		return nil
	}
	for _, p := range positions {
		if p.Symbol != symbol || !matchesDirection(p, state.lastOrder) {
			continue
		}
		o, err := d.broker.GetOrder(ctx, state.orderID)
		state.apiCalls++
		if err != nil {
			continue
		}
		state.recordStatus(o.Status)
		check := verifyFill(o)
		state.checks++
		if check.filled {
			d.logger.Info().
				Str("order_id", state.orderID).
				Str("symbol", symbol).
				Msg("Fill confirmed by position reconciliation")
			d.publishFilled(o)
			return state.filledResult(o, check, MethodPositionReconcile)
		}
	}
	return nil
}

// matchesDirection checks that a broker position is on the side the order
// would have created or grown.
func matchesDirection(p broker.Position, o *broker.Order) bool {
	if o.Side == broker.SideBuy {
		return p.Qty > 0
	}
	return p.Qty < 0
}

func (d *FillDetector) publishFilled(o *broker.Order) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.Event{
		Type: events.EventOrderFilled,
		Data: map[string]interface{}{
			"order_id":   o.ID,
			"symbol":     o.Symbol,
			"side":       o.Side,
			"qty":        o.Qty,
			"filled_qty": o.FilledQty,
			"fill_price": o.FilledAvgPrice,
		},
	})
}

// transientDelay is exponential backoff with jitter, capped.
func transientDelay(base time.Duration, attempt int, cap time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	if d+jitter > cap {
		return cap
	}
	return d + jitter
}

// sleepCtx sleeps for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
