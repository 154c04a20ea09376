package protection

import (
	"alpaca-trading-engine/internal/features"
	"alpaca-trading-engine/internal/position"
)

// Exit-signal reasons reported to the sequencer and the trade journal.
const (
	ReasonRSIDivergence = "rsi_divergence"
	ReasonTrendFade     = "adx_trend_fade"
)

// CheckExitSignals consults the auxiliary exit triggers for a position
// against its latest features. Either trigger requests a full exit:
//
//   - Momentum divergence over the last five bars: for a long, price makes a
//     higher high while RSI makes a lower high (mirrored for shorts).
//   - Trend fade: ADX drops below the threshold while the position sits in a
//     profit milestone state (at least one partial already taken).
func CheckExitSignals(p *position.Position, f *features.Features, adxThreshold float64) (reason string, exit bool) {
	if f == nil {
		return "", false
	}
	if divergence(p.Side, f.RecentCloses, f.RecentRSI) {
		return ReasonRSIDivergence, true
	}
	if f.ADX > 0 && f.ADX < adxThreshold && len(p.PartialExits) >= 1 {
		return ReasonTrendFade, true
	}
	return "", false
}

// divergence detects a five-bar momentum divergence. Series are oldest
// first; the last element is the current bar.
func divergence(side string, closes, rsi []float64) bool {
	if len(closes) < 5 || len(rsi) < 5 {
		return false
	}
	lastClose := closes[len(closes)-1]
	lastRSI := rsi[len(rsi)-1]
	prevCloses := closes[:len(closes)-1]
	prevRSI := rsi[:len(rsi)-1]

	if side == position.SideShort {
		// Bullish divergence against a short: price lower low, RSI higher low.
		return lastClose < minOf(prevCloses) && lastRSI > minOf(prevRSI)
	}
	// Bearish divergence against a long: price higher high, RSI lower high.
	return lastClose > maxOf(prevCloses) && lastRSI < maxOf(prevRSI)
}

func maxOf(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

func minOf(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}
