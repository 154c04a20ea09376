package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"alpaca-trading-engine/internal/broker"
	"alpaca-trading-engine/internal/cache"
	"alpaca-trading-engine/internal/events"
	"alpaca-trading-engine/internal/features"
	"alpaca-trading-engine/internal/orders"
	"alpaca-trading-engine/internal/position"
	"alpaca-trading-engine/internal/sentiment"
)

// Rejection stages, in gauntlet order.
const (
	StageSignal        = "signal"
	StageOpenPosition  = "open_position"
	StageSession       = "session_window"
	StageCooldown      = "cooldown"
	StageRiskReward    = "risk_reward"
	StageConfidence    = "confidence"
	StageConfirmations = "confirmations"
	StageShortFilters  = "short_filters"
	StageVolumeFloor   = "volume_floor"
	StageSizing        = "sizing"
	StageSubmission    = "submission"
	StageAccepted      = "accepted"
)

// FeatureSource supplies the per-symbol feature vector.
type FeatureSource interface {
	GetLatestFeatures(ctx context.Context, symbol string) (*features.Features, error)
}

var _ FeatureSource = (*features.Engine)(nil)

// Config aggregates the pipeline tunables.
type Config struct {
	Signal    SignalConfig    `json:"signal"`
	Threshold ThresholdConfig `json:"threshold"`
	Filter    FilterConfig    `json:"filter"`
	Sizing    SizingConfig    `json:"sizing"`

	Timezone      string        `json:"timezone"`
	EntryFillWait time.Duration `json:"entry_fill_wait"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Signal:        DefaultSignalConfig(),
		Threshold:     DefaultThresholdConfig(),
		Filter:        DefaultFilterConfig(),
		Sizing:        DefaultSizingConfig(),
		Timezone:      "America/New_York",
		EntryFillWait: 30 * time.Second,
	}
}

// Decision is the full audit trail of one symbol evaluation.
type Decision struct {
	Symbol      string             `json:"symbol"`
	Accepted    bool               `json:"accepted"`
	Stage       string             `json:"stage"`
	Reason      string             `json:"reason,omitempty"`
	Session     Session            `json:"session,omitempty"`
	Threshold   float64            `json:"threshold,omitempty"`
	Signal      *Signal            `json:"signal,omitempty"`
	Sized       *SizedOrder        `json:"sized,omitempty"`
	Order       *broker.Order      `json:"order,omitempty"`
	Fill        *orders.FillResult `json:"fill,omitempty"`
	EvaluatedAt time.Time          `json:"evaluated_at"`
}

// Evaluator runs the entry pipeline for candidate symbols. It holds the
// per-symbol cooldown clock locally and mirrors it to Redis so a restart
// does not forget recent submissions.
type Evaluator struct {
	broker    broker.Broker
	features  FeatureSource
	sentiment sentiment.Provider
	tracker   *position.Tracker
	seq       *orders.Sequencer
	detector  *orders.FillDetector
	observer  *ShadowObserver
	cache     *cache.Service
	bus       *events.EventBus
	config    Config
	logger    zerolog.Logger
	loc       *time.Location

	mu        sync.Mutex
	cooldowns map[string]time.Time

	// now is swappable for session-window tests.
	now func() time.Time
}

// NewEvaluator wires the entry pipeline. observer, cache and bus may be nil.
func NewEvaluator(b broker.Broker, fs FeatureSource, sp sentiment.Provider, tracker *position.Tracker, seq *orders.Sequencer, detector *orders.FillDetector, observer *ShadowObserver, c *cache.Service, bus *events.EventBus, config Config, logger zerolog.Logger) (*Evaluator, error) {
	if config.Timezone == "" {
		config = DefaultConfig()
	}
	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("strategy timezone %q: %w", config.Timezone, err)
	}
	return &Evaluator{
		broker:    b,
		features:  fs,
		sentiment: sp,
		tracker:   tracker,
		seq:       seq,
		detector:  detector,
		observer:  observer,
		cache:     c,
		bus:       bus,
		config:    config,
		logger:    logger.With().Str("component", "StrategyEvaluator").Logger(),
		loc:       loc,
		cooldowns: make(map[string]time.Time),
		now:       time.Now,
	}, nil
}

func (e *Evaluator) reject(d *Decision, stage, reason string) *Decision {
	d.Stage = stage
	d.Reason = reason
	e.logger.Debug().
		Str("symbol", d.Symbol).
		Str("stage", stage).
		Str("reason", reason).
		Msg("Entry rejected")
	return d
}

// EvaluateSymbol runs the whole pipeline for one symbol: signal, admission
// gauntlet, sizing, bracket submission, fill confirmation, tracking.
func (e *Evaluator) EvaluateSymbol(ctx context.Context, symbol string) (*Decision, error) {
	d := &Decision{Symbol: symbol, EvaluatedAt: e.now()}

	f, err := e.features.GetLatestFeatures(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("features for %s: %w", symbol, err)
	}

	sig := BuildSignal(f, e.config.Signal)
	if sig == nil {
		return e.reject(d, StageSignal, "no directional signal"), nil
	}
	d.Signal = sig

	snap := e.sentiment.GetSentiment()
	if e.observer != nil {
		sig.Confidence = e.observer.Blend(ctx, symbol, f, sig.Confidence)
	}

	// Filter 1: open-position guard.
	if _, open := e.tracker.Get(symbol); open {
		return e.reject(d, StageOpenPosition, "position already open"), nil
	}

	// Filter 2: time-of-day window with session tagging.
	session := SessionAt(e.now(), e.loc)
	d.Session = session
	if session == SessionClosed {
		return e.reject(d, StageSession, "outside entry window"), nil
	}

	// Filter 3: per-symbol cooldown.
	if e.inCooldown(ctx, symbol) {
		return e.reject(d, StageCooldown, "recent order for symbol"), nil
	}

	// Filter 4: reward/risk floor on the raw ATR multiples. Target widening
	// belongs to sizing and must not rescue a trade the floor rejects.
	if rr := naiveRewardRisk(f.ATR, e.config.Sizing); rr < e.config.Filter.RRFloor {
		return e.reject(d, StageRiskReward, fmt.Sprintf("reward/risk %.2f below floor", rr)), nil
	}

	// Filter 5: adaptive confidence threshold with global pause.
	threshold, paused := AdmissionThreshold(sig.Side, f, snap, e.config.Threshold)
	d.Threshold = threshold
	if paused {
		return e.reject(d, StageConfidence, "entries paused: extreme fear in adverse regime"), nil
	}
	if sig.Confidence < threshold {
		return e.reject(d, StageConfidence, fmt.Sprintf("confidence %.1f below threshold %.1f", sig.Confidence, threshold)), nil
	}

	// Filter 6: confirmation minimum.
	if minConf := confirmationMinimum(sig.Confidence); sig.Confirmations < minConf {
		return e.reject(d, StageConfirmations, fmt.Sprintf("%d confirmations, need %d", sig.Confirmations, minConf)), nil
	}

	// Filter 7: short-specific gauntlet.
	if sig.Side == SideSell {
		if reason := checkShortFilters(sig, f, snap, e.config.Filter); reason != "" {
			return e.reject(d, StageShortFilters, reason), nil
		}
	}

	// Filter 8: volume floor for buys.
	if sig.Side == SideBuy && f.VolumeRatio < buyVolumeFloor(snap.Score, e.config.Filter.BuyVolumeBase) {
		return e.reject(d, StageVolumeFloor, "volume ratio below buy floor"), nil
	}

	account, err := e.broker.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("account for sizing: %w", err)
	}
	sized, err := SizeEntry(sig, account, session, e.config.Sizing)
	if err != nil {
		return e.reject(d, StageSizing, err.Error()), nil
	}
	d.Sized = sized

	return e.submit(ctx, d, sized)
}

// submit places the bracket, marks the cooldown, and watches the parent to
// a terminal fill before handing the position to tracking.
func (e *Evaluator) submit(ctx context.Context, d *Decision, sized *SizedOrder) (*Decision, error) {
	req := broker.OrderRequest{
		Symbol:      sized.Symbol,
		Qty:         sized.Qty,
		Side:        sized.Side,
		Type:        broker.OrderTypeMarket,
		TimeInForce: broker.TIFDay,
		Bracket: &broker.BracketParams{
			StopLossPrice:   sized.Stop,
			TakeProfitPrice: sized.Target,
		},
		ClientOrderID: orders.ClientOrderID(sized.Symbol, sized.Side, sized.Qty, sized.ExpectedFill, e.now()),
	}

	order, err := e.seq.SubmitEntry(ctx, req)
	e.markCooldown(ctx, sized.Symbol)
	if err != nil {
		return e.reject(d, StageSubmission, err.Error()), nil
	}
	d.Order = order

	e.logger.Info().
		Str("symbol", sized.Symbol).
		Str("side", sized.Side).
		Int64("qty", sized.Qty).
		Float64("expected_fill", sized.ExpectedFill).
		Float64("stop", sized.Stop).
		Float64("target", sized.Target).
		Float64("risk_pct", sized.RiskPct).
		Str("order_id", order.ID).
		Msg("Bracket entry submitted")

	fill := e.detector.WaitForFill(ctx, order.ID, e.config.EntryFillWait)
	d.Fill = fill
	if !fill.Filled {
		return e.reject(d, StageSubmission, "entry not filled: "+string(fill.Status)), nil
	}

	side := position.SideLong
	if sized.Side == SideSell {
		side = position.SideShort
	}
	if _, err := e.tracker.Track(sized.Symbol, fill.FillPrice, sized.Stop, fill.FillQuantity, side); err != nil {
		return nil, fmt.Errorf("track %s after fill: %w", sized.Symbol, err)
	}
	if e.bus != nil {
		e.bus.PublishPositionOpened(sized.Symbol, side, fill.FillPrice, sized.Stop, fill.FillQuantity)
	}

	d.Accepted = true
	d.Stage = StageAccepted
	e.logger.Info().
		Str("symbol", sized.Symbol).
		Float64("fill_price", fill.FillPrice).
		Int64("fill_qty", fill.FillQuantity).
		Msg("Entry filled, position under protection")
	return d, nil
}

func (e *Evaluator) inCooldown(ctx context.Context, symbol string) bool {
	e.mu.Lock()
	last, ok := e.cooldowns[symbol]
	e.mu.Unlock()
	if ok && e.now().Sub(last) < e.config.Filter.Cooldown {
		return true
	}
	return e.cache.InCooldown(ctx, symbol)
}

func (e *Evaluator) markCooldown(ctx context.Context, symbol string) {
	e.mu.Lock()
	e.cooldowns[symbol] = e.now()
	e.mu.Unlock()
	if err := e.cache.MarkCooldown(ctx, symbol, e.config.Filter.Cooldown); err != nil {
		e.logger.Debug().Str("symbol", symbol).Err(err).Msg("Cooldown mirror write failed")
	}
}
