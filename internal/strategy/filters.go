package strategy

import (
	"math"
	"time"

	"alpaca-trading-engine/internal/features"
	"alpaca-trading-engine/internal/sentiment"
)

// Trading sessions within the entry window. The session feeds the sizing
// multiplier; outside every session no entries are admitted.
type Session string

const (
	SessionMorning Session = "morning" // 09:30–11:00
	SessionMidday  Session = "midday"  // 11:00–14:00
	SessionClosing Session = "closing" // 14:00–15:30
	SessionClosed  Session = "closed"
)

// SizeMultiplier is the session risk scaling: full size in the morning
// trend window, reduced through lunch, half into the close.
func (s Session) SizeMultiplier() float64 {
	switch s {
	case SessionMorning:
		return 1.0
	case SessionMidday:
		return 0.7
	case SessionClosing:
		return 0.5
	}
	return 0
}

// SessionAt classifies a wall-clock instant against the entry window in the
// exchange timezone.
func SessionAt(t time.Time, loc *time.Location) Session {
	local := t.In(loc)
	minutes := local.Hour()*60 + local.Minute()
	switch {
	case minutes < 9*60+30:
		return SessionClosed
	case minutes < 11*60:
		return SessionMorning
	case minutes < 14*60:
		return SessionMidday
	case minutes < 15*60+30:
		return SessionClosing
	default:
		return SessionClosed
	}
}

// FilterConfig tunes the admission gauntlet.
type FilterConfig struct {
	Cooldown          time.Duration `json:"cooldown"`
	RRFloor           float64       `json:"rr_floor"`
	ShortProximityPct float64       `json:"short_proximity_pct"` // max price distance from EMA(short)
	ShortVolumeBase   float64       `json:"short_volume_base"`
	BuyVolumeBase     float64       `json:"buy_volume_base"`
	ShortMinRSI       float64       `json:"short_min_rsi"` // below this, oversold bounce risk
}

// DefaultFilterConfig returns the production defaults.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		Cooldown:          180 * time.Second,
		RRFloor:           1.95,
		ShortProximityPct: 0.005,
		ShortVolumeBase:   0.30,
		BuyVolumeBase:     0.15,
		ShortMinRSI:       30,
	}
}

// confirmationMinimum is looser for high-confidence signals.
func confirmationMinimum(confidence float64) int {
	if confidence >= 65 {
		return 2
	}
	return 3
}

// shortVolumeFloor scales the short volume-ratio floor with sentiment:
// shorting into a bullish tape demands more volume conviction.
func shortVolumeFloor(score, base float64) float64 {
	return base * (1 + (score-50)/100)
}

// buyVolumeFloor mirrors for longs, much looser: fear raises the bar.
func buyVolumeFloor(score, base float64) float64 {
	return base * (1 + (50-score)/100)
}

// checkShortFilters runs the short-specific gauntlet. Empty reason means
// the signal passed.
func checkShortFilters(sig *Signal, f *features.Features, snap sentiment.Snapshot, cfg FilterConfig) string {
	if snap.Score > 55 {
		return "sentiment bullish, shorting against the tape"
	}
	if snap.Score < 20 && sig.Confidence < 65 {
		return "extreme fear requires confidence >= 65"
	}
	if snap.Score < 35 && sig.Confirmations < 3 {
		return "fearful tape requires 3 confirmations"
	}
	if f.EMAShort >= f.EMALong {
		return "no bearish EMA alignment"
	}
	if math.Abs(f.Price-f.EMAShort)/f.EMAShort > cfg.ShortProximityPct {
		return "price extended from EMA(short)"
	}
	if f.VolumeRatio < shortVolumeFloor(snap.Score, cfg.ShortVolumeBase) {
		return "volume ratio below short floor"
	}
	if f.RSI < cfg.ShortMinRSI {
		return "oversold, bounce risk"
	}
	return ""
}
