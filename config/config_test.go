package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	cfg.Server.JWTSecret = "secret"
	cfg.Server.OperatorHash = "$2a$10$hash"
	if err := cfg.validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"schedule length mismatch", func(c *Config) {
			c.Protection.ScheduleR = []float64{1, 2}
		}},
		{"fractions not summing to one", func(c *Config) {
			c.Protection.ScheduleFractions = []float64{0.5, 0.25, 0.1}
		}},
		{"max risk below base risk", func(c *Config) {
			c.Strategy.MaxRiskPct = 0.005
		}},
		{"auth enabled without secret", func(c *Config) {
			c.Server.JWTSecret = ""
		}},
		{"auth enabled without operator hash", func(c *Config) {
			c.Server.OperatorHash = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Server.JWTSecret = "secret"
			cfg.Server.OperatorHash = "$2a$10$hash"
			tt.mutate(cfg)
			if err := cfg.validate(); err == nil {
				t.Fatal("validate accepted a bad config")
			}
		})
	}
}

func TestLoadFileLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	file := `{
		"engine": {"watchlist": ["TSLA"], "eval_interval_sec": 30, "start_enabled": true},
		"strategy": {"risk_base_pct": 0.01, "max_risk_pct": 0.02, "k_stop": 1.5, "k_target": 2.0},
		"protection": {"schedule_r": [1, 2], "schedule_fractions": [0.6, 0.4]}
	}`
	if err := os.WriteFile(path, []byte(file), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ALPACA_API_KEY", "env-key")
	t.Setenv("AUTH_JWT_SECRET", "env-secret")
	t.Setenv("AUTH_OPERATOR_HASH", "$2a$10$hash")
	t.Setenv("ENGINE_WATCHLIST", "AAPL, NVDA")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.EvalIntervalSec != 30 {
		t.Fatalf("eval interval = %d, want 30 from file", cfg.Engine.EvalIntervalSec)
	}
	// Env beats the file for the watchlist.
	if len(cfg.Engine.Watchlist) != 2 || cfg.Engine.Watchlist[0] != "AAPL" || cfg.Engine.Watchlist[1] != "NVDA" {
		t.Fatalf("watchlist = %v, want env override [AAPL NVDA]", cfg.Engine.Watchlist)
	}
	if cfg.Broker.APIKey != "env-key" {
		t.Fatalf("api key = %q, want env-key", cfg.Broker.APIKey)
	}
	if len(cfg.Protection.ScheduleR) != 2 || cfg.Protection.ScheduleFractions[0] != 0.6 {
		t.Fatalf("schedule = %v/%v, want file values", cfg.Protection.ScheduleR, cfg.Protection.ScheduleFractions)
	}
}

func TestLoadFileMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "env-secret")
	t.Setenv("AUTH_OPERATOR_HASH", "$2a$10$hash")

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Strategy.RRFloor != 1.95 {
		t.Fatalf("rr floor = %v, want default 1.95", cfg.Strategy.RRFloor)
	}
	if !cfg.Broker.Paper {
		t.Fatal("default broker mode should be paper")
	}
}

func TestGenerateSampleConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.json")
	if err := GenerateSampleConfig(path); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AUTH_JWT_SECRET", "env-secret")
	t.Setenv("AUTH_OPERATOR_HASH", "$2a$10$hash")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("generated sample did not load: %v", err)
	}
	if len(cfg.Engine.Watchlist) == 0 {
		t.Fatal("sample config lost the default watchlist")
	}
}
