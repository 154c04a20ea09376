package strategy

import (
	"errors"
	"math"

	"alpaca-trading-engine/internal/broker"
)

// Sizing errors
var (
	ErrNoRisk     = errors.New("zero risk per share, cannot size")
	ErrZeroShares = errors.New("sizing produced zero shares")
)

// SizingConfig tunes risk allocation and bracket geometry.
type SizingConfig struct {
	RiskBasePct    float64 `json:"risk_base_pct"`    // base fraction of equity risked
	MaxRiskPct     float64 `json:"max_risk_pct"`     // hard risk ceiling
	MaxPositionPct float64 `json:"max_position_pct"` // position value ceiling
	SlippagePct    float64 `json:"slippage_pct"`     // expected-fill buffer
	KStop          float64 `json:"k_stop"`           // stop distance in ATRs
	KTarget        float64 `json:"k_target"`         // target distance in ATRs
	MinTargetRR    float64 `json:"min_target_rr"`    // widen target to this R/R when below
}

// DefaultSizingConfig returns the production defaults.
func DefaultSizingConfig() SizingConfig {
	return SizingConfig{
		RiskBasePct:    0.01,
		MaxRiskPct:     0.02,
		MaxPositionPct: 0.20,
		SlippagePct:    0.003,
		KStop:          1.5,
		KTarget:        2.0,
		MinTargetRR:    2.0,
	}
}

// SizedOrder is a fully priced entry ready for bracket submission.
type SizedOrder struct {
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Qty            int64   `json:"qty"`
	ExpectedFill   float64 `json:"expected_fill"`
	Stop           float64 `json:"stop"`
	Target         float64 `json:"target"`
	RiskPct        float64 `json:"risk_pct"`
	RiskPerShare   float64 `json:"risk_per_share"`
	RewardRisk     float64 `json:"reward_risk"`
	SessionMult    float64 `json:"session_mult"`
	ConfidenceMult float64 `json:"confidence_mult"`
}

// confidenceMultiplier is the risk ladder: higher-conviction signals risk
// proportionally more, capped at 2x base.
func confidenceMultiplier(confidence float64) float64 {
	switch {
	case confidence >= 90:
		return 2.0
	case confidence >= 85:
		return 1.8
	case confidence >= 80:
		return 1.5
	case confidence >= 75:
		return 1.2
	default:
		return 1.0
	}
}

// naiveRewardRisk is the reward/risk of the raw ATR multiples before any
// target widening. The admission floor judges this ratio; widening only
// happens later when the bracket is actually sized.
func naiveRewardRisk(atr float64, cfg SizingConfig) float64 {
	risk := cfg.KStop * atr
	if risk <= 0 {
		return 0
	}
	return cfg.KTarget * atr / risk
}

// bracketGeometry computes the stop and target around an entry price from
// the ATR multiples, widening the target to MinTargetRR times the risk when
// the raw multiples fall short. Returns the achievable reward/risk.
func bracketGeometry(side string, entry, atr float64, cfg SizingConfig) (stop, target, rr float64) {
	risk := cfg.KStop * atr
	if risk <= 0 {
		return 0, 0, 0
	}
	reward := cfg.KTarget * atr
	if reward < cfg.MinTargetRR*risk {
		reward = cfg.MinTargetRR * risk
	}
	if side == SideSell {
		return entry + risk, entry - reward, reward / risk
	}
	return entry - risk, entry + reward, reward / risk
}

// SizeEntry prices and sizes a bracket entry for an admitted signal. The
// expected fill applies the slippage buffer in the trade direction; the stop
// and target are recomputed from that expected fill, not the signal price.
func SizeEntry(sig *Signal, account *broker.Account, session Session, cfg SizingConfig) (*SizedOrder, error) {
	f := sig.Features
	fill := f.Price * (1 + cfg.SlippagePct)
	if sig.Side == SideSell {
		fill = f.Price * (1 - cfg.SlippagePct)
	}

	stop, target, rr := bracketGeometry(sig.Side, fill, f.ATR, cfg)
	if rr == 0 {
		return nil, ErrNoRisk
	}
	riskPerShare := math.Abs(fill - stop)
	if riskPerShare <= 0 {
		return nil, ErrNoRisk
	}

	riskPct := cfg.RiskBasePct * confidenceMultiplier(sig.Confidence) * session.SizeMultiplier()
	if riskPct > cfg.MaxRiskPct {
		riskPct = cfg.MaxRiskPct
	}

	qty := int64(math.Floor(account.Equity * riskPct / riskPerShare))
	if maxByValue := int64(math.Floor(cfg.MaxPositionPct * account.Equity / fill)); qty > maxByValue {
		qty = maxByValue
	}
	if maxByBP := int64(math.Floor(account.BuyingPower / fill)); qty > maxByBP {
		qty = maxByBP
	}
	if qty <= 0 {
		return nil, ErrZeroShares
	}

	return &SizedOrder{
		Symbol:         sig.Symbol,
		Side:           sig.Side,
		Qty:            qty,
		ExpectedFill:   fill,
		Stop:           stop,
		Target:         target,
		RiskPct:        riskPct,
		RiskPerShare:   riskPerShare,
		RewardRisk:     rr,
		SessionMult:    session.SizeMultiplier(),
		ConfidenceMult: confidenceMultiplier(sig.Confidence),
	}, nil
}
