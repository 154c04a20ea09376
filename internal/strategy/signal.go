// Package strategy is the entry pipeline: it turns feature vectors into
// directional signals, runs them through the admission gauntlet, sizes the
// survivors, and submits slippage-adjusted bracket orders through the order
// sequencer. Open positions are never managed here.
package strategy

import (
	"math"
	"time"

	"alpaca-trading-engine/internal/features"
)

// Signal sides
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Confirmation weights. Four independent confirmations; weights sum to 1.
const (
	weightRSI    = 0.25
	weightMACD   = 0.30
	weightADX    = 0.25
	weightVolume = 0.20
)

// Signal is a directional trade candidate with its confirmation evidence.
type Signal struct {
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Confidence    float64   `json:"confidence"` // 0..100
	Confirmations int       `json:"confirmations"`
	Reasons       []string  `json:"reasons"`
	GeneratedAt   time.Time `json:"generated_at"`

	Features *features.Features `json:"-"`
}

// SignalConfig tunes signal construction.
type SignalConfig struct {
	ADXConfirm    float64 `json:"adx_confirm"`    // trend strength floor
	VolumeConfirm float64 `json:"volume_confirm"` // volume-ratio floor
	EMASepFull    float64 `json:"ema_sep_full"`   // separation (fraction of price) for full base confidence
}

// DefaultSignalConfig returns the production defaults.
func DefaultSignalConfig() SignalConfig {
	return SignalConfig{
		ADXConfirm:    20,
		VolumeConfirm: 1.2,
		EMASepFull:    0.005,
	}
}

// BuildSignal derives a directional signal from a feature vector, or nil
// when the EMAs give no direction. Direction comes from the EMA(short) to
// EMA(long) relationship; confidence is a base from EMA separation plus the
// weighted confirmation score across RSI zone, MACD histogram, ADX strength
// and volume ratio.
func BuildSignal(f *features.Features, cfg SignalConfig) *Signal {
	if f == nil || f.Price <= 0 || f.EMAShort == 0 || f.EMALong == 0 {
		return nil
	}

	var side string
	switch {
	case f.EMAShort > f.EMALong:
		side = SideBuy
	case f.EMAShort < f.EMALong:
		side = SideSell
	default:
		return nil
	}

	s := &Signal{
		Symbol:      f.Symbol,
		Side:        side,
		GeneratedAt: time.Now(),
		Features:    f,
	}

	// Base confidence from normalized EMA separation, up to 40 points.
	sep := math.Abs(f.EMAShort-f.EMALong) / f.Price
	base := 40 * math.Min(1, sep/cfg.EMASepFull)

	var score float64
	if rsiConfirms(side, f.RSI) {
		score += weightRSI
		s.Confirmations++
		s.Reasons = append(s.Reasons, "rsi_zone")
	}
	hist := f.MACD - f.MACDSignal
	if (side == SideBuy && hist > 0) || (side == SideSell && hist < 0) {
		score += weightMACD
		s.Confirmations++
		s.Reasons = append(s.Reasons, "macd_histogram")
	}
	if f.ADX >= cfg.ADXConfirm {
		score += weightADX
		s.Confirmations++
		s.Reasons = append(s.Reasons, "adx_strength")
	}
	if f.VolumeRatio >= cfg.VolumeConfirm {
		score += weightVolume
		s.Confirmations++
		s.Reasons = append(s.Reasons, "volume_ratio")
	}

	s.Confidence = base + 60*score
	return s
}

// rsiConfirms reports whether RSI sits in the momentum zone for the side:
// above the midline but not overbought for buys, below it but not oversold
// for sells.
func rsiConfirms(side string, rsi float64) bool {
	if side == SideBuy {
		return rsi > 50 && rsi <= 70
	}
	return rsi >= 30 && rsi < 50
}
