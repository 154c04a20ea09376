package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"alpaca-trading-engine/internal/broker"
	"alpaca-trading-engine/internal/orders"
	"alpaca-trading-engine/internal/position"
)

func testEngine(mock *broker.MockBroker) (*Engine, *position.Tracker, *orders.OfflineQueue) {
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
	e := New(Deps{
		Broker:    mock,
		Tracker:   tracker,
		Sequencer: seq,
		Queue:     queue,
	}, DefaultConfig(), zerolog.Nop())
	return e, tracker, queue
}

func TestFlattenAllClosesTrackedAndUntracked(t *testing.T) {
	mock := broker.NewMockBroker()
	mock.FillOnSubmit = true
	mock.AddPosition(broker.Position{Symbol: "AAPL", Qty: 100, Side: "long", AvgEntryPrice: 100, CurrentPrice: 104})
	mock.AddPosition(broker.Position{Symbol: "MSFT", Qty: 50, Side: "long", AvgEntryPrice: 300, CurrentPrice: 305})
	mock.SetTradePrice("AAPL", 104)
	mock.SetTradePrice("MSFT", 305)

	e, tracker, _ := testEngine(mock)
	if _, err := tracker.Track("AAPL", 100, 98, 100, position.SideLong); err != nil {
		t.Fatal(err)
	}

	closed, err := e.FlattenAll(context.Background())
	if err != nil {
		t.Fatalf("FlattenAll: %v", err)
	}
	if closed != 2 {
		t.Fatalf("closed = %d, want 2", closed)
	}
	if tracker.Count() != 0 {
		t.Fatalf("tracker still holds %d positions", tracker.Count())
	}
	if e.TradingEnabled() {
		t.Fatal("trading should be disabled after flatten")
	}
}

func TestDrainPassReplaysStopUpdate(t *testing.T) {
	mock := broker.NewMockBroker()
	mock.AddPosition(broker.Position{Symbol: "AAPL", Qty: 100, Side: "long", AvgEntryPrice: 100, CurrentPrice: 103})
	mock.AddOrder(broker.Order{
		Symbol: "AAPL", Side: broker.SideSell, Type: broker.OrderTypeStop,
		Qty: 100, StopPrice: 98, Status: broker.StatusAccepted,
	})

	e, tracker, queue := testEngine(mock)
	if _, err := tracker.Track("AAPL", 100, 98, 100, position.SideLong); err != nil {
		t.Fatal(err)
	}
	queue.Enqueue(orders.DeferredOp{
		Kind: orders.OpTypeStopUpdate, Symbol: "AAPL", Price: 101, EnqueuedAt: time.Now(),
	})

	e.drainPass(context.Background())

	if queue.Depth() != 0 {
		t.Fatalf("queue depth = %d after drain, want 0", queue.Depth())
	}
	open, err := mock.ListOrders(context.Background(), broker.OrdersOpen, "AAPL")
	if err != nil {
		t.Fatal(err)
	}
	var stops []broker.Order
	for _, o := range open {
		if o.Type == broker.OrderTypeStop {
			stops = append(stops, o)
		}
	}
	if len(stops) != 1 || stops[0].StopPrice != 101 {
		t.Fatalf("open stops = %+v, want one at 101", stops)
	}
	if p, _ := tracker.Get("AAPL"); p.StopLoss != 101 {
		t.Fatalf("tracked stop = %v, want 101", p.StopLoss)
	}
}

func TestDrainDropsOpForUntrackedSymbol(t *testing.T) {
	mock := broker.NewMockBroker()
	e, _, queue := testEngine(mock)
	queue.Enqueue(orders.DeferredOp{
		Kind: orders.OpTypeStopUpdate, Symbol: "TSLA", Price: 200, EnqueuedAt: time.Now(),
	})

	e.drainPass(context.Background())

	if queue.Depth() != 0 {
		t.Fatalf("queue depth = %d, want 0 (stale op dropped)", queue.Depth())
	}
	open, _ := mock.ListOrders(context.Background(), broker.OrdersOpen, "TSLA")
	if len(open) != 0 {
		t.Fatalf("unexpected orders submitted for untracked symbol: %+v", open)
	}
}

func TestStatusReflectsLifecycle(t *testing.T) {
	mock := broker.NewMockBroker()
	e, tracker, _ := testEngine(mock)

	st := e.Status()
	if st.Mode != "STOPPED" || st.Running {
		t.Fatalf("fresh engine status = %+v, want STOPPED", st)
	}
	if !st.TradingEnabled {
		t.Fatal("trading should default to enabled")
	}

	if _, err := tracker.Track("AAPL", 100, 98, 100, position.SideLong); err != nil {
		t.Fatal(err)
	}
	e.SetTradingEnabled(false)
	st = e.Status()
	if st.TradingEnabled {
		t.Fatal("toggle off not reflected")
	}
	if st.OpenPositions != 1 {
		t.Fatalf("open positions = %d, want 1", st.OpenPositions)
	}
}

func TestEvalPassSkipsWhenDisabled(t *testing.T) {
	mock := broker.NewMockBroker()
	e, _, _ := testEngine(mock)
	e.config.Watchlist = []string{"AAPL"}
	e.SetTradingEnabled(false)

	// A nil evaluator would panic if the pass ran the pipeline.
	e.evalPass(context.Background())
}
