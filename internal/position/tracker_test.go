package position

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestTracker() *Tracker {
	return NewTracker(zerolog.Nop())
}

func TestTrack(t *testing.T) {
	tr := newTestTracker()

	p, err := tr.Track("AAPL", 100.0, 98.0, 100, SideLong)
	if err != nil {
		t.Fatalf("Track returned error: %v", err)
	}
	if p.State != StateInitialRisk {
		t.Errorf("new position state = %v, want INITIAL_RISK", p.State)
	}
	if p.RMultiple != 0 {
		t.Errorf("new position r_multiple = %v, want 0", p.RMultiple)
	}
	if p.OriginalQuantity != 100 || p.Quantity != 100 {
		t.Errorf("allocation = %d/%d, want 100/100", p.Quantity, p.OriginalQuantity)
	}
	if p.InitialStop != 98.0 || p.StopLoss != 98.0 {
		t.Errorf("stops = %v/%v, want 98/98", p.InitialStop, p.StopLoss)
	}

	if _, err := tr.Track("AAPL", 101.0, 99.0, 50, SideLong); err == nil {
		t.Error("Track on existing symbol should fail")
	}

	invalid := []struct {
		name  string
		entry float64
		stop  float64
		qty   int64
		side  string
	}{
		{"zero entry", 0, 98, 100, SideLong},
		{"zero stop", 100, 0, 100, SideLong},
		{"zero qty", 100, 98, 0, SideLong},
		{"negative qty", 100, 98, -5, SideLong},
		{"bad side", 100, 98, 100, "sideways"},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tr.Track("MSFT", tt.entry, tt.stop, tt.qty, tt.side); err == nil {
				t.Errorf("Track(%s) should fail", tt.name)
			}
		})
	}
}

func TestComputeR(t *testing.T) {
	tests := []struct {
		name    string
		side    string
		entry   float64
		stop    float64
		current float64
		want    float64
	}{
		{"long flat", SideLong, 100, 98, 100, 0},
		{"long 1R", SideLong, 100, 98, 102, 1.0},
		{"long 2.5R", SideLong, 100, 98, 105, 2.5},
		{"long losing", SideLong, 100, 98, 99, -0.5},
		{"short 1R", SideShort, 100, 102, 98, 1.0},
		{"short losing", SideShort, 100, 102, 101, -0.5},
		{"zero risk long", SideLong, 100, 100, 105, 0},
		{"inverted stop long", SideLong, 100, 103, 105, 0},
		{"inverted stop short", SideShort, 100, 99, 95, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := computeR(tt.side, tt.entry, tt.stop, tt.current)
			if math.Abs(got-tt.want) > 1e-3 {
				t.Errorf("computeR = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUpdatePriceRecomputesFields(t *testing.T) {
	tr := newTestTracker()
	tr.Track("AAPL", 100.0, 98.0, 100, SideLong)

	p := tr.UpdatePrice("AAPL", 103.0)
	if p == nil {
		t.Fatal("UpdatePrice returned nil for tracked symbol")
	}
	if math.Abs(p.RMultiple-1.5) > 1e-3 {
		t.Errorf("r_multiple = %v, want 1.5", p.RMultiple)
	}
	if math.Abs(p.UnrealizedPL-300.0) > 1e-6 {
		t.Errorf("unrealized_pl = %v, want 300", p.UnrealizedPL)
	}
	if math.Abs(p.UnrealizedPLPct-3.0) > 1e-6 {
		t.Errorf("unrealized_pl_pct = %v, want 3.0", p.UnrealizedPLPct)
	}

	if got := tr.UpdatePrice("TSLA", 200.0); got != nil {
		t.Error("UpdatePrice for untracked symbol should return nil")
	}
}

func TestProtectionStateTransitions(t *testing.T) {
	tr := newTestTracker()
	tr.Track("AAPL", 100.0, 98.0, 100, SideLong)

	// R=0.5: no transition.
	p := tr.UpdatePrice("AAPL", 101.0)
	if p.State != StateInitialRisk {
		t.Errorf("at R=0.5 state = %v, want INITIAL_RISK", p.State)
	}

	// R=1.0: breakeven protection.
	p = tr.UpdatePrice("AAPL", 102.0)
	if p.State != StateBreakevenProtected {
		t.Errorf("at R=1.0 state = %v, want BREAKEVEN_PROTECTED", p.State)
	}

	// R=2.0 without exits: still breakeven protected.
	p = tr.UpdatePrice("AAPL", 104.0)
	if p.State != StateBreakevenProtected {
		t.Errorf("at R=2.0 no exits state = %v, want BREAKEVEN_PROTECTED", p.State)
	}

	// First exit then R>=2: partial profit taken.
	tr.RecordPartialExit("AAPL", 50, 104.0, 200.0)
	p = tr.UpdatePrice("AAPL", 104.5)
	if p.State != StatePartialProfitTaken {
		t.Errorf("state = %v, want PARTIAL_PROFIT_TAKEN", p.State)
	}

	// Second exit then R>=3: advanced.
	tr.RecordPartialExit("AAPL", 25, 106.0, 150.0)
	p = tr.UpdatePrice("AAPL", 106.0)
	if p.State != StateAdvancedProfitTaken {
		t.Errorf("state = %v, want ADVANCED_PROFIT_TAKEN", p.State)
	}

	// R>=4: final.
	p = tr.UpdatePrice("AAPL", 108.0)
	if p.State != StateFinalProfitTaken {
		t.Errorf("state = %v, want FINAL_PROFIT_TAKEN", p.State)
	}
}

// A price collapse after states advanced must never regress the state.
func TestStateMonotonicity(t *testing.T) {
	tr := newTestTracker()
	tr.Track("AAPL", 100.0, 98.0, 100, SideLong)

	tr.UpdatePrice("AAPL", 102.0) // -> BREAKEVEN_PROTECTED
	p := tr.UpdatePrice("AAPL", 99.0)
	if p.State != StateBreakevenProtected {
		t.Errorf("state after pullback = %v, want BREAKEVEN_PROTECTED", p.State)
	}
	if p.RMultiple >= 0 {
		t.Errorf("r_multiple after pullback = %v, want negative", p.RMultiple)
	}
}

func TestStateChainsThroughLargeJump(t *testing.T) {
	tr := newTestTracker()
	tr.Track("NVDA", 100.0, 98.0, 100, SideLong)
	tr.UpdatePrice("NVDA", 102.0)
	tr.RecordPartialExit("NVDA", 50, 102.0, 100.0)
	tr.RecordPartialExit("NVDA", 25, 102.0, 50.0)

	// Gap straight to R=5: BREAKEVEN -> PARTIAL -> ADVANCED -> FINAL in one tick.
	p := tr.UpdatePrice("NVDA", 110.0)
	if p.State != StateFinalProfitTaken {
		t.Errorf("state after gap = %v, want FINAL_PROFIT_TAKEN", p.State)
	}
}

func TestStopMonotonicity(t *testing.T) {
	tests := []struct {
		name    string
		side    string
		entry   float64
		stop    float64
		updates []struct {
			newStop float64
			want    bool
		}
	}{
		{
			name: "long stop never decreases", side: SideLong, entry: 100, stop: 98,
			updates: []struct {
				newStop float64
				want    bool
			}{
				{100.0, true},  // to breakeven
				{99.0, false},  // regression rejected
				{101.0, true},  // advance
				{101.0, true},  // equal allowed
				{100.5, false}, // regression rejected
			},
		},
		{
			name: "short stop never increases", side: SideShort, entry: 100, stop: 102,
			updates: []struct {
				newStop float64
				want    bool
			}{
				{100.0, true},
				{101.0, false},
				{99.0, true},
				{99.5, false},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTracker()
			tr.Track("SYM", tt.entry, tt.stop, 100, tt.side)
			lastStop := tt.stop
			for i, u := range tt.updates {
				got := tr.UpdateStopLoss("SYM", u.newStop)
				if got != u.want {
					t.Errorf("update %d: UpdateStopLoss(%v) = %v, want %v", i, u.newStop, got, u.want)
				}
				p, _ := tr.Get("SYM")
				if tt.side == SideLong && p.StopLoss < lastStop {
					t.Errorf("update %d: long stop regressed %v -> %v", i, lastStop, p.StopLoss)
				}
				if tt.side == SideShort && p.StopLoss > lastStop {
					t.Errorf("update %d: short stop regressed %v -> %v", i, lastStop, p.StopLoss)
				}
				lastStop = p.StopLoss
			}
		})
	}
}

// Once R reached 1.0 and the stop moved to entry, no later write may put the
// stop back below entry for a long.
func TestBreakevenProtectionHolds(t *testing.T) {
	tr := newTestTracker()
	tr.Track("AAPL", 100.0, 98.0, 100, SideLong)

	tr.UpdatePrice("AAPL", 102.0)
	if !tr.UpdateStopLoss("AAPL", 100.0) {
		t.Fatal("move to breakeven should succeed")
	}
	for _, attempt := range []float64{99.9, 98.0, 50.0} {
		if tr.UpdateStopLoss("AAPL", attempt) {
			t.Errorf("stop write below entry (%v) succeeded after breakeven", attempt)
		}
	}
	p, _ := tr.Get("AAPL")
	if p.StopLoss < p.EntryPrice {
		t.Errorf("stop %v below entry %v after breakeven", p.StopLoss, p.EntryPrice)
	}
}

func TestPartialExitAccounting(t *testing.T) {
	tr := newTestTracker()
	tr.Track("IBM", 100.0, 98.0, 100, SideLong)
	tr.UpdatePrice("IBM", 102.0)

	checkAllocation := func(label string) {
		t.Helper()
		p, _ := tr.Get("IBM")
		var sold int64
		for _, e := range p.PartialExits {
			sold += e.SharesSold
		}
		if p.Quantity+sold != p.OriginalQuantity {
			t.Errorf("%s: remaining(%d) + sold(%d) != original(%d)", label, p.Quantity, sold, p.OriginalQuantity)
		}
		if p.Quantity < 0 {
			t.Errorf("%s: negative remaining %d", label, p.Quantity)
		}
	}

	if !tr.RecordPartialExit("IBM", 50, 102.0, 100.0) {
		t.Fatal("first partial exit rejected")
	}
	checkAllocation("after first exit")

	if tr.RecordPartialExit("IBM", 60, 103.0, 100.0) {
		t.Error("oversized partial exit accepted")
	}
	checkAllocation("after oversized attempt")

	if tr.RecordPartialExit("IBM", 0, 103.0, 0) {
		t.Error("zero-share exit accepted")
	}
	if tr.RecordPartialExit("IBM", -10, 103.0, 0) {
		t.Error("negative-share exit accepted")
	}

	tr.RecordPartialExit("IBM", 25, 104.0, 100.0)
	tr.RecordPartialExit("IBM", 25, 106.0, 150.0)
	checkAllocation("after full unwind")

	p, _ := tr.Get("IBM")
	if p.Quantity != 0 {
		t.Errorf("remaining = %d, want 0", p.Quantity)
	}
	if len(p.PartialExits) != 3 {
		t.Errorf("exit count = %d, want 3", len(p.PartialExits))
	}
}

func TestRecordPartialExitCapturesR(t *testing.T) {
	tr := newTestTracker()
	tr.Track("AMD", 100.0, 98.0, 100, SideLong)
	tr.UpdatePrice("AMD", 104.0) // R=2.0
	tr.RecordPartialExit("AMD", 50, 104.0, 200.0)

	p, _ := tr.Get("AMD")
	if math.Abs(p.PartialExits[0].RMultipleAtExit-2.0) > 1e-3 {
		t.Errorf("r_multiple_at_exit = %v, want 2.0", p.PartialExits[0].RMultipleAtExit)
	}
}

func TestStateFreshness(t *testing.T) {
	tr := newTestTracker()
	tr.Track("AAPL", 100.0, 98.0, 100, SideLong)
	tr.UpdatePrice("AAPL", 101.0)

	p, ok := tr.Get("AAPL")
	if !ok {
		t.Fatal("position missing")
	}
	if age := time.Since(p.LastUpdated); age > 100*time.Millisecond {
		t.Errorf("position staleness %v exceeds 100ms", age)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	tr := newTestTracker()
	tr.Track("AAPL", 100.0, 98.0, 100, SideLong)
	tr.UpdatePrice("AAPL", 102.0)
	tr.RecordPartialExit("AAPL", 50, 102.0, 100.0)

	p, _ := tr.Get("AAPL")
	p.StopLoss = 1.0
	p.Quantity = 9999
	p.PartialExits[0].SharesSold = 7

	fresh, _ := tr.Get("AAPL")
	if fresh.StopLoss == 1.0 || fresh.Quantity == 9999 {
		t.Error("mutating a returned copy leaked into the tracker")
	}
	if fresh.PartialExits[0].SharesSold != 50 {
		t.Error("mutating a returned exit slice leaked into the tracker")
	}
}

func TestRemoveAndGetAll(t *testing.T) {
	tr := newTestTracker()
	tr.Track("AAPL", 100.0, 98.0, 100, SideLong)
	tr.Track("TSLA", 200.0, 204.0, 50, SideShort)

	if got := tr.Count(); got != 2 {
		t.Fatalf("Count = %d, want 2", got)
	}
	all := tr.GetAll()
	if len(all) != 2 {
		t.Fatalf("GetAll returned %d positions, want 2", len(all))
	}

	tr.Remove("AAPL")
	if _, ok := tr.Get("AAPL"); ok {
		t.Error("AAPL still tracked after Remove")
	}
	if got := tr.Count(); got != 1 {
		t.Errorf("Count after remove = %d, want 1", got)
	}
	// Removing twice is a no-op.
	tr.Remove("AAPL")
}

func TestShortPositionPL(t *testing.T) {
	tr := newTestTracker()
	tr.Track("TSLA", 200.0, 204.0, 50, SideShort)

	p := tr.UpdatePrice("TSLA", 196.0) // 1R in profit
	if math.Abs(p.RMultiple-1.0) > 1e-3 {
		t.Errorf("short r_multiple = %v, want 1.0", p.RMultiple)
	}
	if math.Abs(p.UnrealizedPL-200.0) > 1e-6 {
		t.Errorf("short unrealized_pl = %v, want 200", p.UnrealizedPL)
	}
	if p.State != StateBreakevenProtected {
		t.Errorf("short state = %v, want BREAKEVEN_PROTECTED", p.State)
	}
}
