package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"alpaca-trading-engine/internal/features"
)

type scriptedModel struct {
	confidence float64
	err        error
	delay      time.Duration
}

func (m scriptedModel) Predict(ctx context.Context, symbol string, f *features.Features, c float64) (float64, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return m.confidence, m.err
}

func TestShadowObserverOmegaZeroPassesThrough(t *testing.T) {
	o := NewShadowObserver(scriptedModel{confidence: 10}, 0, 50*time.Millisecond, zerolog.Nop())
	got := o.Blend(context.Background(), "AAPL", nil, 80)
	if got != 80 {
		t.Errorf("blended = %.1f, want strategy confidence 80 untouched", got)
	}
	// The prediction is still recorded for offline evaluation.
	select {
	case rec := <-o.Records():
		if rec.ModelConfidence != 10 || rec.Blended != 80 {
			t.Errorf("record = %+v", rec)
		}
	default:
		t.Error("no prediction recorded")
	}
}

func TestShadowObserverBlends(t *testing.T) {
	o := NewShadowObserver(scriptedModel{confidence: 100}, 0.5, 50*time.Millisecond, zerolog.Nop())
	if got := o.Blend(context.Background(), "AAPL", nil, 60); got != 80 {
		t.Errorf("blended = %.1f, want 80", got)
	}
}

func TestShadowObserverIgnoresFailures(t *testing.T) {
	o := NewShadowObserver(scriptedModel{err: errors.New("model down")}, 0.5, 50*time.Millisecond, zerolog.Nop())
	if got := o.Blend(context.Background(), "AAPL", nil, 70); got != 70 {
		t.Errorf("blended = %.1f, want pass-through on failure", got)
	}
}

func TestShadowObserverDeadline(t *testing.T) {
	o := NewShadowObserver(scriptedModel{confidence: 100, delay: 200 * time.Millisecond}, 0.5, 10*time.Millisecond, zerolog.Nop())
	start := time.Now()
	got := o.Blend(context.Background(), "AAPL", nil, 70)
	if got != 70 {
		t.Errorf("blended = %.1f, want pass-through on timeout", got)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("slow model stalled the entry path")
	}
}
