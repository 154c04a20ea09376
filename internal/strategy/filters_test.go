package strategy

import (
	"testing"
	"time"

	"alpaca-trading-engine/internal/features"
	"alpaca-trading-engine/internal/sentiment"
)

func nyTime(t *testing.T, hour, min int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	return time.Date(2026, 8, 25, hour, min, 0, 0, loc)
}

func TestSessionAt(t *testing.T) {
	loc, _ := time.LoadLocation("America/New_York")
	tests := []struct {
		hour, min int
		want      Session
	}{
		{9, 29, SessionClosed},
		{9, 30, SessionMorning},
		{10, 59, SessionMorning},
		{11, 0, SessionMidday},
		{13, 59, SessionMidday},
		{14, 0, SessionClosing},
		{15, 29, SessionClosing},
		{15, 30, SessionClosed},
		{16, 0, SessionClosed},
	}
	for _, tt := range tests {
		got := SessionAt(nyTime(t, tt.hour, tt.min), loc)
		if got != tt.want {
			t.Errorf("SessionAt(%02d:%02d) = %s, want %s", tt.hour, tt.min, got, tt.want)
		}
	}
}

func TestSessionSizeMultipliers(t *testing.T) {
	if SessionMorning.SizeMultiplier() != 1.0 ||
		SessionMidday.SizeMultiplier() != 0.7 ||
		SessionClosing.SizeMultiplier() != 0.5 ||
		SessionClosed.SizeMultiplier() != 0 {
		t.Error("session multipliers do not match 1.0/0.7/0.5/0")
	}
}

func TestConfirmationMinimum(t *testing.T) {
	if confirmationMinimum(70) != 2 {
		t.Error("confidence >= 65 should need 2 confirmations")
	}
	if confirmationMinimum(60) != 3 {
		t.Error("confidence < 65 should need 3 confirmations")
	}
}

// Short gauntlet around the MSFT case: confidence 70, 3 confirmations,
// RSI 45, volume ratio 1.4, sentiment 48, price 310 within 0.5% of
// EMA(short) 311 with bearish EMA alignment.
func TestCheckShortFilters(t *testing.T) {
	base := func() (*Signal, *features.Features) {
		f := &features.Features{
			Symbol: "MSFT", Price: 310, EMAShort: 311, EMALong: 312,
			RSI: 45, VolumeRatio: 1.4,
		}
		return &Signal{Symbol: "MSFT", Side: SideSell, Confidence: 70, Confirmations: 3, Features: f}, f
	}
	cfg := DefaultFilterConfig()

	sig, f := base()
	if reason := checkShortFilters(sig, f, sentiment.Snapshot{Score: 48}, cfg); reason != "" {
		t.Errorf("aligned short rejected: %s", reason)
	}

	// Bullish tape.
	sig, f = base()
	if reason := checkShortFilters(sig, f, sentiment.Snapshot{Score: 60}, cfg); reason == "" {
		t.Error("sentiment 60 short admitted")
	}

	// Extreme fear needs confidence >= 65.
	sig, f = base()
	sig.Confidence = 60
	if reason := checkShortFilters(sig, f, sentiment.Snapshot{Score: 15}, cfg); reason == "" {
		t.Error("low-confidence short in extreme fear admitted")
	}

	// Fearful tape needs 3 confirmations.
	sig, f = base()
	sig.Confirmations = 2
	if reason := checkShortFilters(sig, f, sentiment.Snapshot{Score: 30}, cfg); reason == "" {
		t.Error("2-confirmation short in fear admitted")
	}

	// Bullish EMA alignment.
	sig, f = base()
	f.EMAShort, f.EMALong = 312, 311
	if reason := checkShortFilters(sig, f, sentiment.Snapshot{Score: 48}, cfg); reason == "" {
		t.Error("short without bearish alignment admitted")
	}

	// Price extended from EMA(short): 313 vs 311 is 0.64%.
	sig, f = base()
	f.Price = 313
	if reason := checkShortFilters(sig, f, sentiment.Snapshot{Score: 48}, cfg); reason == "" {
		t.Error("extended short admitted")
	}

	// Oversold bounce risk.
	sig, f = base()
	f.RSI = 25
	if reason := checkShortFilters(sig, f, sentiment.Snapshot{Score: 48}, cfg); reason == "" {
		t.Error("oversold short admitted")
	}

	// Thin volume.
	sig, f = base()
	f.VolumeRatio = 0.1
	if reason := checkShortFilters(sig, f, sentiment.Snapshot{Score: 48}, cfg); reason == "" {
		t.Error("thin-volume short admitted")
	}
}

func TestVolumeFloorsScaleWithSentiment(t *testing.T) {
	// Shorting into strength needs more volume; buying into fear does too.
	if shortVolumeFloor(80, 0.30) <= shortVolumeFloor(40, 0.30) {
		t.Error("short floor must rise with sentiment")
	}
	if buyVolumeFloor(20, 0.15) <= buyVolumeFloor(60, 0.15) {
		t.Error("buy floor must rise as sentiment falls")
	}
	// At neutral both sit at their bases.
	if shortVolumeFloor(50, 0.30) != 0.30 || buyVolumeFloor(50, 0.15) != 0.15 {
		t.Error("neutral floors should equal their bases")
	}
}
