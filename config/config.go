// Package config loads runtime configuration: defaults, then config.json,
// then .env, then environment variable overrides, in increasing precedence.
// Broker credentials may come from the environment or from Vault.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration. Durations are plain seconds
// (or milliseconds where named) so the JSON file stays hand-editable.
type Config struct {
	Engine       EngineConfig       `json:"engine"`
	Broker       BrokerConfig       `json:"broker"`
	Protection   ProtectionConfig   `json:"protection"`
	Strategy     StrategyConfig     `json:"strategy"`
	Sequencer    SequencerConfig    `json:"sequencer"`
	FillDetect   FillDetectConfig   `json:"fill_detect"`
	Circuit      CircuitConfig      `json:"circuit"`
	Queue        QueueConfig        `json:"queue"`
	Database     DatabaseConfig     `json:"database"`
	Redis        RedisConfig        `json:"redis"`
	Server       ServerConfig       `json:"server"`
	Vault        VaultConfig        `json:"vault"`
	Logging      LoggingConfig      `json:"logging"`
	Notification NotificationConfig `json:"notification"`
}

type EngineConfig struct {
	Watchlist         []string `json:"watchlist"`
	EvalIntervalSec   int      `json:"eval_interval_sec"`
	TickIntervalMS    int      `json:"tick_interval_ms"`
	SnapshotSec       int      `json:"snapshot_sec"`
	FlattenOnShutdown bool     `json:"flatten_on_shutdown"`
	StartEnabled      bool     `json:"start_enabled"`
}

type BrokerConfig struct {
	APIKey       string `json:"-"`
	APISecret    string `json:"-"`
	BaseURL      string `json:"base_url"`
	DataBaseURL  string `json:"data_base_url"`
	Paper        bool   `json:"paper"`
	TimeoutSec   int    `json:"timeout_sec"`
	MockMode     bool   `json:"mock_mode"`
	DataFeedType string `json:"data_feed_type"` // iex or sip
}

type ProtectionConfig struct {
	ScheduleR           []float64 `json:"schedule_r"`
	ScheduleFractions   []float64 `json:"schedule_fractions"`
	ADXExitThreshold    float64   `json:"adx_exit_threshold"`
	ExitSignalsEnabled  bool      `json:"exit_signals_enabled"`
	OrphanCheckEvery    int       `json:"orphan_check_every"`
	ClockCheckEvery     int       `json:"clock_check_every"`
	SyncFallbackStopPct float64   `json:"sync_fallback_stop_pct"`
}

type StrategyConfig struct {
	RiskBasePct      float64 `json:"risk_base_pct"`
	MaxRiskPct       float64 `json:"max_risk_pct"`
	MaxPositionPct   float64 `json:"max_position_pct"`
	SlippagePct      float64 `json:"slippage_pct"`
	KStop            float64 `json:"k_stop"`
	KTarget          float64 `json:"k_target"`
	RRFloor          float64 `json:"rr_floor"`
	CooldownSec      int     `json:"cooldown_sec"`
	BuyThreshold     float64 `json:"buy_threshold"`
	SellThreshold    float64 `json:"sell_threshold"`
	ShortCap         float64 `json:"short_cap"`
	ObserverOmega    float64 `json:"observer_omega"`
	ObserverBudgetMS int     `json:"observer_budget_ms"`
	EntryFillWaitSec int     `json:"entry_fill_wait_sec"`
	Timezone         string  `json:"timezone"`
}

type SequencerConfig struct {
	CancelTimeoutSec int `json:"cancel_timeout_sec"`
	FillWaitSec      int `json:"fill_wait_sec"`
	MaxRetries       int `json:"max_retries"`
	RetryInitialMS   int `json:"retry_initial_ms"`
}

type FillDetectConfig struct {
	PollStartMS  int `json:"poll_start_ms"`
	PollStepMS   int `json:"poll_step_ms"`
	PollCapMS    int `json:"poll_cap_ms"`
	DeadlineSec  int `json:"deadline_sec"`
	TransientSec int `json:"transient_sec"`
}

type CircuitConfig struct {
	FailureThreshold int `json:"failure_threshold"`
	RecoverySec      int `json:"recovery_sec"`
	ValidationSec    int `json:"validation_sec"`
}

type QueueConfig struct {
	Capacity int `json:"capacity"`
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"-"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type ServerConfig struct {
	Enabled        bool     `json:"enabled"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	AuthEnabled    bool     `json:"auth_enabled"`
	JWTSecret      string   `json:"-"`
	Operator       string   `json:"operator"`
	OperatorHash   string   `json:"-"`
	TokenTTLHours  int      `json:"token_ttl_hours"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"-"`
	SecretPath string `json:"secret_path"`
}

type LoggingConfig struct {
	Level      string `json:"level"`  // debug, info, warn, error
	Output     string `json:"output"` // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"`
}

type NotificationConfig struct {
	Enabled      bool   `json:"enabled"`
	WebhookURL   string `json:"webhook_url"`
	TimeoutSec   int    `json:"timeout_sec"`
	WebhookRetry int    `json:"webhook_retry"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Watchlist:       []string{"AAPL", "MSFT", "NVDA", "AMZN", "META"},
			EvalIntervalSec: 15,
			TickIntervalMS:  1000,
			SnapshotSec:     10,
			StartEnabled:    true,
		},
		Broker: BrokerConfig{
			BaseURL:      "https://paper-api.alpaca.markets",
			DataBaseURL:  "https://data.alpaca.markets",
			Paper:        true,
			TimeoutSec:   10,
			DataFeedType: "iex",
		},
		Protection: ProtectionConfig{
			ScheduleR:           []float64{1, 2, 3},
			ScheduleFractions:   []float64{0.50, 0.25, 0.25},
			ADXExitThreshold:    20,
			ExitSignalsEnabled:  true,
			OrphanCheckEvery:    30,
			ClockCheckEvery:     30,
			SyncFallbackStopPct: 0.02,
		},
		Strategy: StrategyConfig{
			RiskBasePct:      0.01,
			MaxRiskPct:       0.02,
			MaxPositionPct:   0.20,
			SlippagePct:      0.003,
			KStop:            1.5,
			KTarget:          2.0,
			RRFloor:          1.95,
			CooldownSec:      180,
			BuyThreshold:     62,
			SellThreshold:    68,
			ShortCap:         75,
			ObserverOmega:    0,
			ObserverBudgetMS: 50,
			EntryFillWaitSec: 30,
			Timezone:         "America/New_York",
		},
		Sequencer: SequencerConfig{
			CancelTimeoutSec: 2,
			FillWaitSec:      5,
			MaxRetries:       3,
			RetryInitialMS:   500,
		},
		FillDetect: FillDetectConfig{
			PollStartMS:  200,
			PollStepMS:   50,
			PollCapMS:    1000,
			DeadlineSec:  30,
			TransientSec: 30,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			RecoverySec:      60,
			ValidationSec:    30,
		},
		Queue: QueueConfig{Capacity: 1000},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "trading",
			Database: "trading_engine",
			SSLMode:  "disable",
		},
		Redis: RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		Server: ServerConfig{
			Enabled:        true,
			Host:           "0.0.0.0",
			Port:           8090,
			AllowedOrigins: []string{"http://localhost:3000"},
			AuthEnabled:    true,
			Operator:       "operator",
			TokenTTLHours:  12,
		},
		Vault: VaultConfig{
			SecretPath: "secret/data/trading-engine/alpaca",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     "stdout",
			JSONFormat: true,
		},
		Notification: NotificationConfig{
			TimeoutSec:   5,
			WebhookRetry: 3,
		},
	}
}

// Load reads config.json (if present), .env, and environment overrides.
func Load() (*Config, error) {
	return LoadFile("config.json")
}

// LoadFile is Load with an explicit config path, for tests and tooling.
func LoadFile(path string) (*Config, error) {
	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()

	cfg := Default()
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GenerateSampleConfig writes the default configuration to filename so an
// operator can hand-edit it. Secrets are excluded from the JSON form and
// stay in the environment or Vault.
func GenerateSampleConfig(filename string) error {
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sample config: %w", err)
	}
	if err := os.WriteFile(filename, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Broker.APIKey = getEnv("ALPACA_API_KEY", cfg.Broker.APIKey)
	cfg.Broker.APISecret = getEnv("ALPACA_API_SECRET", cfg.Broker.APISecret)
	cfg.Broker.BaseURL = getEnv("ALPACA_BASE_URL", cfg.Broker.BaseURL)
	cfg.Broker.DataBaseURL = getEnv("ALPACA_DATA_URL", cfg.Broker.DataBaseURL)
	cfg.Broker.Paper = getEnvBool("ALPACA_PAPER", cfg.Broker.Paper)
	cfg.Broker.MockMode = getEnvBool("BROKER_MOCK_MODE", cfg.Broker.MockMode)

	if v := getEnv("ENGINE_WATCHLIST", ""); v != "" {
		cfg.Engine.Watchlist = splitCSV(v)
	}
	cfg.Engine.StartEnabled = getEnvBool("ENGINE_START_ENABLED", cfg.Engine.StartEnabled)
	cfg.Engine.FlattenOnShutdown = getEnvBool("ENGINE_FLATTEN_ON_SHUTDOWN", cfg.Engine.FlattenOnShutdown)

	cfg.Database.Enabled = getEnvBool("DATABASE_ENABLED", cfg.Database.Enabled)
	cfg.Database.Host = getEnv("DATABASE_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvInt("DATABASE_PORT", cfg.Database.Port)
	cfg.Database.User = getEnv("DATABASE_USER", cfg.Database.User)
	cfg.Database.Password = getEnv("DATABASE_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnv("DATABASE_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnv("DATABASE_SSLMODE", cfg.Database.SSLMode)

	cfg.Redis.Enabled = getEnvBool("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Address = getEnv("REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)

	cfg.Server.Enabled = getEnvBool("SERVER_ENABLED", cfg.Server.Enabled)
	cfg.Server.Host = getEnv("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("SERVER_PORT", cfg.Server.Port)
	if v := getEnv("SERVER_ALLOWED_ORIGINS", ""); v != "" {
		cfg.Server.AllowedOrigins = splitCSV(v)
	}
	cfg.Server.AuthEnabled = getEnvBool("AUTH_ENABLED", cfg.Server.AuthEnabled)
	cfg.Server.JWTSecret = getEnv("AUTH_JWT_SECRET", cfg.Server.JWTSecret)
	cfg.Server.Operator = getEnv("AUTH_OPERATOR", cfg.Server.Operator)
	cfg.Server.OperatorHash = getEnv("AUTH_OPERATOR_HASH", cfg.Server.OperatorHash)

	cfg.Vault.Enabled = getEnvBool("VAULT_ENABLED", cfg.Vault.Enabled)
	cfg.Vault.Address = getEnv("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnv("VAULT_TOKEN", cfg.Vault.Token)
	cfg.Vault.SecretPath = getEnv("VAULT_SECRET_PATH", cfg.Vault.SecretPath)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Output = getEnv("LOG_OUTPUT", cfg.Logging.Output)
	cfg.Logging.JSONFormat = getEnvBool("LOG_JSON", cfg.Logging.JSONFormat)

	cfg.Notification.Enabled = getEnvBool("NOTIFICATIONS_ENABLED", cfg.Notification.Enabled)
	cfg.Notification.WebhookURL = getEnv("NOTIFICATION_WEBHOOK_URL", cfg.Notification.WebhookURL)
}

func (cfg *Config) validate() error {
	if len(cfg.Protection.ScheduleR) != len(cfg.Protection.ScheduleFractions) {
		return fmt.Errorf("protection schedule: %d thresholds but %d fractions",
			len(cfg.Protection.ScheduleR), len(cfg.Protection.ScheduleFractions))
	}
	var total float64
	for _, f := range cfg.Protection.ScheduleFractions {
		total += f
	}
	if len(cfg.Protection.ScheduleFractions) > 0 && (total < 0.999 || total > 1.001) {
		return fmt.Errorf("protection schedule fractions sum to %.3f, want 1.0", total)
	}
	if cfg.Strategy.MaxRiskPct < cfg.Strategy.RiskBasePct {
		return fmt.Errorf("strategy max_risk_pct %.4f below risk_base_pct %.4f",
			cfg.Strategy.MaxRiskPct, cfg.Strategy.RiskBasePct)
	}
	if cfg.Server.Enabled && cfg.Server.AuthEnabled {
		if cfg.Server.JWTSecret == "" {
			return fmt.Errorf("auth enabled but AUTH_JWT_SECRET unset")
		}
		if cfg.Server.OperatorHash == "" {
			return fmt.Errorf("auth enabled but AUTH_OPERATOR_HASH unset")
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1"
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
