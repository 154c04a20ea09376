package protection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"alpaca-trading-engine/internal/broker"
	"alpaca-trading-engine/internal/orders"
	"alpaca-trading-engine/internal/position"
)

type recordingJournal struct {
	mu         sync.Mutex
	events     []TradeEvent
	advisories []string
}

func (j *recordingJournal) TradeEvent(ev TradeEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
}

func (j *recordingJournal) Advisory(severity, title, body string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.advisories = append(j.advisories, title)
}

func (j *recordingJournal) tradeEvents() []TradeEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]TradeEvent, len(j.events))
	copy(out, j.events)
	return out
}

func testConfig() Config {
	return Config{
		TickInterval:        10 * time.Millisecond,
		Schedule:            DefaultSchedule(),
		ADXExitThreshold:    20,
		ExitSignalsEnabled:  false,
		OrphanCheckEvery:    0,
		ClockCheckEvery:     0,
		SyncFallbackStopPct: 0.02,
	}
}

// stopsDisabled never fires a milestone; for tests isolating the trailing
// stop.
func stopsDisabled() Schedule {
	return Schedule{{RMultiple: 1000, Fraction: 1}}
}

func testManager(mock *broker.MockBroker, cfg Config) (*Manager, *position.Tracker, *orders.OfflineQueue, *recordingJournal) {
	tracker := position.NewTracker(zerolog.Nop())
	det := orders.NewFillDetector(mock, orders.FillDetectorConfig{
		PollStart:       5 * time.Millisecond,
		PollStep:        5 * time.Millisecond,
		PollCap:         20 * time.Millisecond,
		DefaultDeadline: 500 * time.Millisecond,
		TransientCap:    50 * time.Millisecond,
	}, nil, zerolog.Nop())
	seq := orders.NewSequencer(mock, det, orders.SequencerConfig{
		CancelTimeout:   500 * time.Millisecond,
		ActivateTimeout: 500 * time.Millisecond,
		FillWait:        500 * time.Millisecond,
		MaxRetries:      2,
		RetryInitial:    5 * time.Millisecond,
	}, nil, zerolog.Nop())
	queue := orders.NewOfflineQueue(10, zerolog.Nop())
	journal := &recordingJournal{}
	m := NewManager(tracker, seq, mock, nil, queue, journal, nil, cfg, zerolog.Nop())
	return m, tracker, queue, journal
}

func openStopOrders(t *testing.T, mock *broker.MockBroker, symbol string) []broker.Order {
	t.Helper()
	open, err := mock.ListOrders(context.Background(), broker.OrdersOpen, symbol)
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	var stops []broker.Order
	for _, o := range open {
		if o.Type == broker.OrderTypeStop {
			stops = append(stops, o)
		}
	}
	return stops
}

// The trailing stop must walk the R ladder as the price advances and never
// retreat on a pullback. Long 100 shares, entry 100, initial stop 98.
func TestTrailingStopFollowsLadder(t *testing.T) {
	mock := broker.NewMockBroker()
	mock.AddPosition(broker.Position{Symbol: "AAPL", Qty: 100, Side: "long", AvgEntryPrice: 100, CurrentPrice: 100})

	cfg := testConfig()
	cfg.Schedule = stopsDisabled()
	m, tracker, _, _ := testManager(mock, cfg)
	if _, err := tracker.Track("AAPL", 100, 98, 100, position.SideLong); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		price    float64
		wantStop float64
	}{
		{100.50, 98},  // 0.25R, hold initial
		{102.00, 100}, // 1R, breakeven
		{103.00, 101}, // 1.5R
		{104.00, 102}, // 2R
		{106.00, 103}, // 3R
		{108.00, 104}, // 4R
		{101.00, 104}, // pullback, stop holds
	}
	ctx := context.Background()
	for _, step := range steps {
		mock.SetTradePrice("AAPL", step.price)
		m.tick(ctx)
		p, ok := tracker.Get("AAPL")
		if !ok {
			t.Fatalf("price %.2f: position vanished", step.price)
		}
		if p.StopLoss != step.wantStop {
			t.Errorf("price %.2f: stop = %.2f, want %.2f", step.price, p.StopLoss, step.wantStop)
		}
	}

	stops := openStopOrders(t, mock, "AAPL")
	if len(stops) != 1 || stops[0].StopPrice != 104 {
		t.Fatalf("broker stops = %+v, want one at 104", stops)
	}
}

// Full milestone walk: 100 shares exit 50 at 1R, 25 at 2R, and the final 25
// at 3R, after which the position is closed and untracked.
func TestMilestonePartialExitsWalkOut(t *testing.T) {
	mock := broker.NewMockBroker()
	var mu sync.Mutex
	curPrice := 100.0
	brokerQty := int64(100)
	setPrice := func(p float64) {
		mu.Lock()
		curPrice = p
		mu.Unlock()
		mock.SetTradePrice("AAPL", p)
	}
	mock.AddPosition(broker.Position{Symbol: "AAPL", Qty: 100, Side: "long", AvgEntryPrice: 100, CurrentPrice: 100})
	mock.SubmitOrderFunc = func(req broker.OrderRequest) (*broker.Order, error) {
		id := mock.AddOrder(broker.Order{
			Symbol: req.Symbol, Side: req.Side, Type: req.Type, Qty: req.Qty,
			StopPrice: req.StopPrice, LimitPrice: req.LimitPrice,
			Status: "accepted", TimeInForce: req.TimeInForce, ClientOrderID: req.ClientOrderID,
		})
		if req.Type == broker.OrderTypeMarket {
			mu.Lock()
			price := curPrice
			brokerQty -= req.Qty
			qty := brokerQty
			mu.Unlock()
			mock.SetOrderStatus(id, "filled", price)
			mock.AddPosition(broker.Position{Symbol: "AAPL", Qty: qty, Side: "long", AvgEntryPrice: 100, CurrentPrice: price})
		}
		return mock.GetOrder(context.Background(), id)
	}

	m, tracker, _, journal := testManager(mock, testConfig())
	if _, err := tracker.Track("AAPL", 100, 98, 100, position.SideLong); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()

	// 1R: stop to breakeven, then half off.
	setPrice(102)
	m.tick(ctx)
	p, ok := tracker.Get("AAPL")
	if !ok {
		t.Fatal("position gone after first milestone")
	}
	if p.Quantity != 50 || len(p.PartialExits) != 1 {
		t.Fatalf("after 1R: qty = %d, exits = %d, want 50 and 1", p.Quantity, len(p.PartialExits))
	}
	if p.StopLoss != 100 {
		t.Errorf("after 1R: stop = %.2f, want breakeven 100", p.StopLoss)
	}

	// 2R: quarter off.
	setPrice(104)
	m.tick(ctx)
	p, _ = tracker.Get("AAPL")
	if p == nil || p.Quantity != 25 || len(p.PartialExits) != 2 {
		t.Fatalf("after 2R: %+v, want qty 25 and 2 exits", p)
	}

	// 3R: final rung takes the remainder; position closes.
	setPrice(106)
	m.tick(ctx)
	if _, ok := tracker.Get("AAPL"); ok {
		t.Fatal("position still tracked after final milestone")
	}
	if tracker.Count() != 0 {
		t.Errorf("tracker count = %d, want 0", tracker.Count())
	}
	if n := len(openStopOrders(t, mock, "AAPL")); n != 0 {
		t.Errorf("open stops after walkout = %d, want 0", n)
	}

	var sold int64
	for _, ev := range journal.tradeEvents() {
		if ev.Event != "partial_exit" {
			t.Errorf("unexpected journal event %q", ev.Event)
		}
		sold += ev.Qty
	}
	if sold != 100 {
		t.Errorf("journaled shares = %d, want 100", sold)
	}
}

// A failed stop update must leave the tracked stop unchanged and park the
// intent on the offline queue for replay.
func TestStopUpdateFailureDefersToQueue(t *testing.T) {
	mock := broker.NewMockBroker()
	mock.AddPosition(broker.Position{Symbol: "MSFT", Qty: 100, Side: "long", AvgEntryPrice: 100, CurrentPrice: 102})
	mock.SetTradePrice("MSFT", 102)
	mock.SubmitOrderFunc = func(req broker.OrderRequest) (*broker.Order, error) {
		return nil, errors.New("invalid parameter: stop price")
	}

	cfg := testConfig()
	cfg.Schedule = stopsDisabled()
	m, tracker, queue, _ := testManager(mock, cfg)
	if _, err := tracker.Track("MSFT", 100, 98, 100, position.SideLong); err != nil {
		t.Fatal(err)
	}

	m.tick(context.Background())

	p, _ := tracker.Get("MSFT")
	if p == nil || p.StopLoss != 98 {
		t.Fatalf("tracked stop = %+v, want unchanged 98", p)
	}
	if queue.Depth() != 1 {
		t.Errorf("queue depth = %d, want 1 deferred stop update", queue.Depth())
	}
}

// Session close transition writes the daily summary advisory exactly once.
func TestSessionCloseAdvisory(t *testing.T) {
	mock := broker.NewMockBroker()
	cfg := testConfig()
	cfg.ClockCheckEvery = 1
	m, _, _, journal := testManager(mock, cfg)

	ctx := context.Background()
	m.tick(ctx) // open
	mock.Clock.IsOpen = false
	m.tick(ctx) // open -> closed
	m.tick(ctx) // stays closed

	journal.mu.Lock()
	defer journal.mu.Unlock()
	if len(journal.advisories) != 1 {
		t.Fatalf("advisories = %v, want exactly one session-close entry", journal.advisories)
	}
}

// Orphan sweep cancels engine exit orders whose symbol has no position.
func TestOrphanSweep(t *testing.T) {
	mock := broker.NewMockBroker()
	orphan := mock.AddOrder(broker.Order{
		Symbol: "GONE", Side: broker.SideSell, Type: broker.OrderTypeStop,
		Qty: 50, StopPrice: 90, Status: "accepted",
		ClientOrderID: orders.ClientOrderID("GONE", "stop", 50, 90, time.Now()),
	})
	manual := mock.AddOrder(broker.Order{
		Symbol: "GONE", Side: broker.SideSell, Type: broker.OrderTypeLimit,
		Qty: 10, LimitPrice: 95, Status: "accepted", ClientOrderID: "manual-order-1",
	})

	cfg := testConfig()
	cfg.OrphanCheckEvery = 1
	m, _, _, _ := testManager(mock, cfg)
	m.tick(context.Background())

	o, _ := mock.GetOrder(context.Background(), orphan)
	if o.Status != broker.StatusCanceled {
		t.Errorf("orphan status = %s, want canceled", o.Status)
	}
	// Orders the engine did not place are left alone.
	o, _ = mock.GetOrder(context.Background(), manual)
	if o.Status != broker.StatusAccepted {
		t.Errorf("manual order status = %s, want untouched", o.Status)
	}
}
