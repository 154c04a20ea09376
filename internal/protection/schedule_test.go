package protection

import "testing"

// The default ladder walks 100 shares out 50/25/25 at 1R/2R/3R; sold shares
// always sum back to the original size.
func TestDefaultScheduleWalksOutCompletely(t *testing.T) {
	s := DefaultSchedule()
	original := int64(100)
	remaining := original
	taken := 0

	steps := []struct {
		r       float64
		wantQty int64
	}{
		{1.0, 50},
		{2.0, 25},
		{3.0, 25},
	}
	var sold int64
	for _, step := range steps {
		qty, ok := s.NextExit(step.r, original, remaining, taken)
		if !ok {
			t.Fatalf("r=%.1f: expected a milestone exit", step.r)
		}
		if qty != step.wantQty {
			t.Errorf("r=%.1f: qty = %d, want %d", step.r, qty, step.wantQty)
		}
		sold += qty
		remaining -= qty
		taken++
	}
	if sold != original || remaining != 0 {
		t.Errorf("sold %d, remaining %d; want %d sold and 0 remaining", sold, remaining, original)
	}
	if _, ok := s.NextExit(10, original, remaining, taken); ok {
		t.Error("ladder exhausted but NextExit still fired")
	}
}

func TestNextExitGapFiresOneRungAtATime(t *testing.T) {
	s := DefaultSchedule()
	// Price gapped straight to 3R with no milestones taken: only the first
	// rung fires now; later rungs wait for later passes.
	qty, ok := s.NextExit(3.0, 100, 100, 0)
	if !ok || qty != 50 {
		t.Fatalf("gap exit = %d/%v, want 50/true", qty, ok)
	}
}

func TestNextExitBelowThreshold(t *testing.T) {
	s := DefaultSchedule()
	if _, ok := s.NextExit(0.8, 100, 100, 0); ok {
		t.Error("exit fired below the first milestone")
	}
	if _, ok := s.NextExit(1.5, 100, 50, 1); ok {
		t.Error("second rung fired below 2R")
	}
}

func TestNextExitFinalRungTakesRemainder(t *testing.T) {
	s := DefaultSchedule()
	// Odd lot: 7 shares. floor(7*0.5)=3, floor(7*0.25)=1, final takes the 3
	// left over rather than floor rounding to 1.
	qty1, _ := s.NextExit(1.0, 7, 7, 0)
	qty2, _ := s.NextExit(2.0, 7, 7-qty1, 1)
	qty3, ok := s.NextExit(3.0, 7, 7-qty1-qty2, 2)
	if !ok {
		t.Fatal("final rung did not fire")
	}
	if qty1+qty2+qty3 != 7 {
		t.Errorf("exits %d+%d+%d != 7", qty1, qty2, qty3)
	}
}

func TestNextExitNothingRemaining(t *testing.T) {
	s := DefaultSchedule()
	if _, ok := s.NextExit(5.0, 100, 0, 2); ok {
		t.Error("exit fired with nothing remaining")
	}
}
