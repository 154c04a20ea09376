package strategy

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"alpaca-trading-engine/internal/features"
)

// Observer is an optional ML predictor consulted for every accepted signal.
// It runs shadow-only unless the blend weight says otherwise: the pipeline
// never rejects or resizes a trade on its output while the weight is zero.
type Observer interface {
	// Predict returns a confidence in [0,100] for the candidate.
	Predict(ctx context.Context, symbol string, f *features.Features, strategyConfidence float64) (float64, error)
}

// Prediction is one recorded shadow observation.
type Prediction struct {
	Symbol             string    `json:"symbol"`
	StrategyConfidence float64   `json:"strategy_confidence"`
	ModelConfidence    float64   `json:"model_confidence"`
	Blended            float64   `json:"blended"`
	At                 time.Time `json:"at"`
}

// ShadowObserver blends a model prediction into the strategy confidence
// with weight omega and records every prediction for offline evaluation.
// Recording is fire and forget through a buffered channel; a full buffer
// drops the record rather than stall the entry path.
type ShadowObserver struct {
	model    Observer
	omega    float64
	deadline time.Duration
	records  chan Prediction
	logger   zerolog.Logger
}

// NewShadowObserver wraps a model. omega 0 is shadow mode: the blended
// confidence equals the strategy confidence exactly. sink receives recorded
// predictions; pass a consumer goroutine draining Records().
func NewShadowObserver(model Observer, omega float64, deadline time.Duration, logger zerolog.Logger) *ShadowObserver {
	if deadline <= 0 {
		deadline = 50 * time.Millisecond
	}
	return &ShadowObserver{
		model:    model,
		omega:    omega,
		deadline: deadline,
		records:  make(chan Prediction, 256),
		logger:   logger.With().Str("component", "ShadowObserver").Logger(),
	}
}

// Records exposes the prediction stream for a persistence consumer.
func (o *ShadowObserver) Records() <-chan Prediction {
	return o.records
}

// Blend consults the model under the deadline and returns the blended
// confidence. Model failures and timeouts are ignored; the strategy
// confidence passes through untouched.
func (o *ShadowObserver) Blend(ctx context.Context, symbol string, f *features.Features, confidence float64) float64 {
	if o == nil || o.model == nil {
		return confidence
	}
	ctx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	predicted, err := o.model.Predict(ctx, symbol, f, confidence)
	if err != nil {
		o.logger.Debug().Str("symbol", symbol).Err(err).Msg("Model prediction skipped")
		return confidence
	}

	blended := (1-o.omega)*confidence + o.omega*predicted
	select {
	case o.records <- Prediction{
		Symbol:             symbol,
		StrategyConfidence: confidence,
		ModelConfidence:    predicted,
		Blended:            blended,
		At:                 time.Now(),
	}:
	default:
	}
	return blended
}
