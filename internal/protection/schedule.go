package protection

import "math"

// Milestone is one partial-exit rung: at RMultiple, sell Fraction of the
// original position.
type Milestone struct {
	RMultiple float64 `json:"r_multiple"`
	Fraction  float64 `json:"fraction"`
}

// Schedule is the ordered milestone ladder. The default sells half at 1R and
// a quarter at 2R and 3R; the final milestone always takes whatever remains
// so rounding never strands shares.
type Schedule []Milestone

// DefaultSchedule returns the 50/25/25 at 1R/2R/3R ladder.
func DefaultSchedule() Schedule {
	return Schedule{
		{RMultiple: 1.0, Fraction: 0.50},
		{RMultiple: 2.0, Fraction: 0.25},
		{RMultiple: 3.0, Fraction: 0.25},
	}
}

// NextExit decides whether the next milestone fires. exitsTaken indexes the
// ladder: milestone i is eligible only after milestones 0..i-1 have fired,
// so a gap-up through several thresholds still exits rung by rung.
// Quantities derive from the original position size, not the remainder,
// except the final rung, which takes the remainder.
func (s Schedule) NextExit(r float64, original, remaining int64, exitsTaken int) (qty int64, ok bool) {
	if exitsTaken >= len(s) || remaining <= 0 {
		return 0, false
	}
	m := s[exitsTaken]
	if r < m.RMultiple {
		return 0, false
	}
	if exitsTaken == len(s)-1 {
		return remaining, true
	}
	qty = int64(math.Floor(float64(original) * m.Fraction))
	if qty > remaining {
		qty = remaining
	}
	if qty <= 0 {
		return 0, false
	}
	return qty, true
}
