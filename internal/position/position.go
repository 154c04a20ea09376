// Package position is the single source of truth for open positions. It
// tracks entry, remaining shares, stop level, R-multiple and the protection
// state machine. All operations are synchronous in-memory work; actions that
// follow from state changes (stop moves, exits) belong to the protection
// manager, never to this package.
package position

import (
	"encoding/json"
	"time"
)

// Position sides
const (
	SideLong  = "long"
	SideShort = "short"
)

// ProtectionState is the ordered profit-protection state of a position.
// Transitions are monotonic: a position advances and never regresses.
type ProtectionState int

const (
	StateInitialRisk ProtectionState = iota
	StateBreakevenProtected
	StatePartialProfitTaken
	StateAdvancedProfitTaken
	StateFinalProfitTaken
)

var stateNames = map[ProtectionState]string{
	StateInitialRisk:         "INITIAL_RISK",
	StateBreakevenProtected:  "BREAKEVEN_PROTECTED",
	StatePartialProfitTaken:  "PARTIAL_PROFIT_TAKEN",
	StateAdvancedProfitTaken: "ADVANCED_PROFIT_TAKEN",
	StateFinalProfitTaken:    "FINAL_PROFIT_TAKEN",
}

// String returns the state name.
func (s ProtectionState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// MarshalJSON renders the state by name.
func (s ProtectionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses a state name.
func (s *ProtectionState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for state, n := range stateNames {
		if n == name {
			*s = state
			return nil
		}
	}
	*s = StateInitialRisk
	return nil
}

// PartialExit records one milestone exit. Append-only.
type PartialExit struct {
	SharesSold      int64     `json:"shares_sold"`
	ExitPrice       float64   `json:"exit_price"`
	ProfitAmount    float64   `json:"profit_amount"`
	RMultipleAtExit float64   `json:"r_multiple_at_exit"`
	Timestamp       time.Time `json:"timestamp"`
}

// ShareAllocation is the share-accounting view of a position. Invariant:
// Remaining = Original − Σ exits.SharesSold, and Remaining ≥ 0.
type ShareAllocation struct {
	OriginalQuantity  int64         `json:"original_quantity"`
	RemainingQuantity int64         `json:"remaining_quantity"`
	PartialExits      []PartialExit `json:"partial_exits"`
}

// Position is one tracked open position keyed by symbol.
type Position struct {
	Symbol           string          `json:"symbol"`
	Side             string          `json:"side"`
	EntryPrice       float64         `json:"entry_price"`
	Quantity         int64           `json:"quantity"` // remaining shares
	OriginalQuantity int64           `json:"original_quantity"`
	StopLoss         float64         `json:"stop_loss"`
	InitialStop      float64         `json:"initial_stop"` // fixed at entry; R denominator
	TakeProfit       float64         `json:"take_profit,omitempty"`
	CurrentPrice     float64         `json:"current_price"`
	UnrealizedPL     float64         `json:"unrealized_pl"`
	UnrealizedPLPct  float64         `json:"unrealized_pl_pct"`
	RMultiple        float64         `json:"r_multiple"`
	State            ProtectionState `json:"protection_state"`
	TrailingActive   bool            `json:"trailing_active"`
	PartialExits     []PartialExit   `json:"partial_profits_taken"`
	EntryTime        time.Time       `json:"entry_time"`
	LastUpdated      time.Time       `json:"last_updated"`
	LastStopUpdate   time.Time       `json:"last_stop_update,omitempty"`
}

// RiskPerShare is the fixed initial risk |entry − initial stop|. Zero or
// negative risk makes the R-multiple undefined (reported as 0).
func (p *Position) RiskPerShare() float64 {
	if p.Side == SideShort {
		return p.InitialStop - p.EntryPrice
	}
	return p.EntryPrice - p.InitialStop
}

// Allocation returns the share-accounting view.
func (p *Position) Allocation() ShareAllocation {
	exits := make([]PartialExit, len(p.PartialExits))
	copy(exits, p.PartialExits)
	return ShareAllocation{
		OriginalQuantity:  p.OriginalQuantity,
		RemainingQuantity: p.Quantity,
		PartialExits:      exits,
	}
}

// clone returns a deep copy so readers never share slices with the tracker.
func (p *Position) clone() *Position {
	cp := *p
	cp.PartialExits = make([]PartialExit, len(p.PartialExits))
	copy(cp.PartialExits, p.PartialExits)
	return &cp
}

// computeR returns the R-multiple for the given mark price.
func computeR(side string, entry, initialStop, current float64) float64 {
	var risk, gain float64
	if side == SideShort {
		risk = initialStop - entry
		gain = entry - current
	} else {
		risk = entry - initialStop
		gain = current - entry
	}
	if risk <= 0 {
		return 0
	}
	return gain / risk
}
