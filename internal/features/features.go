// Package features is the market-data feature engine. It turns broker bars
// into the indicator set the strategy consumes (EMA, RSI, MACD, ADX, ATR,
// volume ratios) plus a market-regime label derived from an index proxy.
// Consumers must treat the Timestamp as the staleness signal; this package
// never blocks on anything but the broker's market-data calls.
package features

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"alpaca-trading-engine/internal/broker"
)

// Feature-engine errors
var (
	ErrNotEnoughBars = errors.New("not enough bars for indicator computation")
)

// Regime labels for the aggregated market state.
const (
	RegimeBull     = "bull"
	RegimeBear     = "bear"
	RegimeNeutral  = "neutral"
	RegimeVolatile = "volatile"
)

// Features is the per-symbol feature vector consumed by the strategy and the
// protection manager's exit signals. Price is the real-time last trade when
// available, bar close otherwise; RealTimePrice records which one it is.
type Features struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	BarClose      float64 `json:"bar_close"`
	RealTimePrice bool    `json:"real_time_price"`
	EMAShort      float64 `json:"ema_short"`
	EMALong       float64 `json:"ema_long"`
	RSI           float64 `json:"rsi"`
	MACD          float64 `json:"macd"`
	MACDSignal    float64 `json:"macd_signal"`
	ADX           float64 `json:"adx"`
	ATR           float64 `json:"atr"`
	Volume        float64 `json:"volume"`
	VolumeAvg     float64 `json:"volume_avg"`
	VolumeRatio   float64 `json:"volume_ratio"`

	// Last five closes and RSI values, oldest first, for divergence checks.
	RecentCloses []float64 `json:"recent_closes"`
	RecentRSI    []float64 `json:"recent_rsi"`

	Regime           string  `json:"regime"`
	RegimeMultiplier float64 `json:"regime_multiplier"`

	Timestamp time.Time `json:"timestamp"`
}

// Config tunes indicator periods and the regime proxy.
type Config struct {
	BarLimit       int    `json:"bar_limit"`
	EMAShortPeriod int    `json:"ema_short_period"`
	EMALongPeriod  int    `json:"ema_long_period"`
	RSIPeriod      int    `json:"rsi_period"`
	MACDFast       int    `json:"macd_fast"`
	MACDSlow       int    `json:"macd_slow"`
	MACDSignal     int    `json:"macd_signal"`
	ADXPeriod      int    `json:"adx_period"`
	ATRPeriod      int    `json:"atr_period"`
	VolumePeriod   int    `json:"volume_period"`
	IndexProxy     string `json:"index_proxy"`

	// RegimeTTL bounds how long a computed regime is reused before the index
	// proxy is re-read.
	RegimeTTL time.Duration `json:"regime_ttl"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BarLimit:       120,
		EMAShortPeriod: 9,
		EMALongPeriod:  21,
		RSIPeriod:      14,
		MACDFast:       12,
		MACDSlow:       26,
		MACDSignal:     9,
		ADXPeriod:      14,
		ATRPeriod:      14,
		VolumePeriod:   20,
		IndexProxy:     "SPY",
		RegimeTTL:      time.Minute,
	}
}

// Engine computes features from broker market data.
type Engine struct {
	broker broker.Broker
	config Config
	logger zerolog.Logger

	mu          sync.Mutex
	regime      string
	regimeMult  float64
	regimeTaken time.Time
}

// NewEngine creates a feature engine.
func NewEngine(b broker.Broker, config Config, logger zerolog.Logger) *Engine {
	if config.BarLimit <= 0 {
		config = DefaultConfig()
	}
	return &Engine{
		broker: b,
		config: config,
		logger: logger.With().Str("component", "FeatureEngine").Logger(),
	}
}

// GetLatestFeatures computes the full feature vector for one symbol.
func (e *Engine) GetLatestFeatures(ctx context.Context, symbol string) (*Features, error) {
	bars, err := e.broker.GetBars(ctx, symbol, broker.TimeframeMinute, e.config.BarLimit)
	if err != nil {
		return nil, fmt.Errorf("features %s: %w", symbol, err)
	}
	minBars := e.config.MACDSlow + e.config.MACDSignal
	if len(bars) < minBars {
		return nil, fmt.Errorf("features %s: %w (%d < %d)", symbol, ErrNotEnoughBars, len(bars), minBars)
	}

	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	volumes := make([]float64, len(bars))
	for i, b := range bars {
		highs[i] = b.High
		lows[i] = b.Low
		closes[i] = b.Close
		volumes[i] = float64(b.Volume)
	}

	emaShort := talib.Ema(closes, e.config.EMAShortPeriod)
	emaLong := talib.Ema(closes, e.config.EMALongPeriod)
	rsi := talib.Rsi(closes, e.config.RSIPeriod)
	macd, macdSignal, _ := talib.Macd(closes, e.config.MACDFast, e.config.MACDSlow, e.config.MACDSignal)
	adx := talib.Adx(highs, lows, closes, e.config.ADXPeriod)
	atr := talib.Atr(highs, lows, closes, e.config.ATRPeriod)
	volSMA := talib.Sma(volumes, e.config.VolumePeriod)

	last := len(bars) - 1
	f := &Features{
		Symbol:     symbol,
		BarClose:   closes[last],
		Price:      closes[last],
		EMAShort:   emaShort[last],
		EMALong:    emaLong[last],
		RSI:        rsi[last],
		MACD:       macd[last],
		MACDSignal: macdSignal[last],
		ADX:        adx[last],
		ATR:        atr[last],
		Volume:     volumes[last],
		VolumeAvg:  volSMA[last],
		Timestamp:  bars[last].Timestamp,
	}
	if f.VolumeAvg > 0 {
		f.VolumeRatio = f.Volume / f.VolumeAvg
	}
	f.RecentCloses = tail(closes, 5)
	f.RecentRSI = tail(rsi, 5)

	// Prefer the real-time last trade over stale bar data. A divergence
	// above 0.5% is logged because downstream bracket prices come from the
	// live price, not the evaluation bar.
	if live, ts, err := e.broker.GetLatestTradePrice(ctx, symbol); err == nil && live > 0 {
		diffPct := math.Abs(live-f.BarClose) / f.BarClose * 100
		if diffPct > 0.5 {
			e.logger.Warn().
				Str("symbol", symbol).
				Float64("bar_close", f.BarClose).
				Float64("live_price", live).
				Float64("diff_pct", diffPct).
				Msg("Live price diverges from bar close")
		}
		f.Price = live
		f.RealTimePrice = true
		if ts.After(f.Timestamp) {
			f.Timestamp = ts
		}
	}

	regime, mult, err := e.MarketRegime(ctx)
	if err != nil {
		// Regime is advisory; degrade to neutral rather than failing the
		// whole feature vector.
		e.logger.Warn().Err(err).Msg("Regime computation failed, defaulting to neutral")
		regime, mult = RegimeNeutral, 0.7
	}
	f.Regime = regime
	f.RegimeMultiplier = mult

	return f, nil
}

// MarketRegime classifies the broad market from the index proxy's trend and
// volatility, returning a label and a sizing multiplier in [0,1]. Cached for
// RegimeTTL so per-symbol evaluations share one proxy read.
func (e *Engine) MarketRegime(ctx context.Context) (string, float64, error) {
	e.mu.Lock()
	if e.regime != "" && time.Since(e.regimeTaken) < e.config.RegimeTTL {
		regime, mult := e.regime, e.regimeMult
		e.mu.Unlock()
		return regime, mult, nil
	}
	e.mu.Unlock()

	bars, err := e.broker.GetBars(ctx, e.config.IndexProxy, broker.TimeframeMinute, e.config.BarLimit)
	if err != nil {
		return "", 0, fmt.Errorf("regime proxy %s: %w", e.config.IndexProxy, err)
	}
	if len(bars) < e.config.EMALongPeriod+1 {
		return "", 0, fmt.Errorf("regime proxy %s: %w", e.config.IndexProxy, ErrNotEnoughBars)
	}

	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		highs[i] = b.High
		lows[i] = b.Low
		closes[i] = b.Close
	}
	last := len(bars) - 1
	emaShort := talib.Ema(closes, e.config.EMAShortPeriod)[last]
	emaLong := talib.Ema(closes, e.config.EMALongPeriod)[last]
	atr := talib.Atr(highs, lows, closes, e.config.ATRPeriod)[last]
	atrPct := atr / closes[last] * 100

	regime, mult := classifyRegime(emaShort, emaLong, atrPct)

	e.mu.Lock()
	e.regime = regime
	e.regimeMult = mult
	e.regimeTaken = time.Now()
	e.mu.Unlock()

	e.logger.Debug().
		Str("regime", regime).
		Float64("multiplier", mult).
		Float64("atr_pct", atrPct).
		Msg("Market regime updated")
	return regime, mult, nil
}

// classifyRegime maps proxy trend and volatility onto a regime. High
// volatility dominates trend: a whipsawing tape cuts size regardless of
// direction.
func classifyRegime(emaShort, emaLong, atrPct float64) (string, float64) {
	if atrPct > 0.35 {
		return RegimeVolatile, 0.4
	}
	spread := (emaShort - emaLong) / emaLong * 100
	switch {
	case spread > 0.05:
		return RegimeBull, 1.0
	case spread < -0.05:
		return RegimeBear, 0.6
	default:
		return RegimeNeutral, 0.8
	}
}

// tail returns the last n elements (fewer when the slice is short), copied.
func tail(xs []float64, n int) []float64 {
	if len(xs) < n {
		n = len(xs)
	}
	out := make([]float64, n)
	copy(out, xs[len(xs)-n:])
	return out
}
