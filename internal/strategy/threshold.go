package strategy

import (
	"alpaca-trading-engine/internal/features"
	"alpaca-trading-engine/internal/sentiment"
)

// ThresholdConfig tunes the adaptive confidence threshold.
type ThresholdConfig struct {
	BuyBase        float64 `json:"buy_base"`
	SellBase       float64 `json:"sell_base"`
	ShortCap       float64 `json:"short_cap"`       // shorts never need more than this
	RegimeWeight   float64 `json:"regime_weight"`   // scaling of (1 − regime multiplier)
	SentimentSlope float64 `json:"sentiment_slope"` // points added per adverse sentiment point
	PauseBelow     float64 `json:"pause_below"`     // global pause sentiment floor
}

// DefaultThresholdConfig returns the production defaults.
func DefaultThresholdConfig() ThresholdConfig {
	return ThresholdConfig{
		BuyBase:        62,
		SellBase:       68,
		ShortCap:       75,
		RegimeWeight:   0.25,
		SentimentSlope: 0.2,
		PauseBelow:     10,
	}
}

// AdmissionThreshold computes the confidence a signal must clear given the
// market regime and sentiment. paused is the global short-circuit: extreme
// fear in an adverse regime stops all entries on both sides.
//
// The base threshold per direction is raised as the regime multiplier drops
// and as sentiment moves against the trade (fear for longs, greed for
// shorts). The short threshold is capped so persistent fear regimes cannot
// push it out of reach.
func AdmissionThreshold(side string, f *features.Features, snap sentiment.Snapshot, cfg ThresholdConfig) (threshold float64, paused bool) {
	if snap.Score < cfg.PauseBelow &&
		(f.Regime == features.RegimeBear || f.Regime == features.RegimeVolatile) {
		return 0, true
	}

	base := cfg.BuyBase
	if side == SideSell {
		base = cfg.SellBase
	}
	threshold = base * (1 + cfg.RegimeWeight*(1-f.RegimeMultiplier))

	if side == SideBuy {
		if snap.Score < 50 {
			threshold += (50 - snap.Score) * cfg.SentimentSlope
		}
	} else {
		if snap.Score > 50 {
			threshold += (snap.Score - 50) * cfg.SentimentSlope
		}
		if threshold > cfg.ShortCap {
			threshold = cfg.ShortCap
		}
	}
	return threshold, false
}
