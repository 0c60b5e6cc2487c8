// Package config defines the top-level configuration for the trading core
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a
// YAML file and then optionally overridden by AVI5_* environment variables.
type Config struct {
	Trading        TradingConfig        `yaml:"trading"`
	Risk           RiskConfig           `yaml:"risk"`
	Bybit          BybitConfig          `yaml:"bybit"`
	DB             DBConfig             `yaml:"db"`
	Redis          RedisConfig          `yaml:"redis"`
	S3             S3Config             `yaml:"s3"`
	UI             UIConfig             `yaml:"ui"`
	AVI5           AVI5Config           `yaml:"avi5"`
	Archiver       ArchiverConfig       `yaml:"archiver"`
	Calibration    CalibrationConfig    `yaml:"calibration"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	LogLevel       string               `yaml:"log_level"`
	Mode           string               `yaml:"mode"`
}

// TradingConfig holds top-level trading gates and the symbol universe the
// signal engine watches.
type TradingConfig struct {
	MaxStake      decimal.Decimal `yaml:"max_stake"`
	ResearchMode  bool            `yaml:"research_mode"`
	Symbols       []string        `yaml:"symbols"`
	KlineInterval string          `yaml:"kline_interval"`
}

// RiskConfig holds portfolio-wide and per-symbol risk limits.
type RiskConfig struct {
	MaxConcurrent            int `yaml:"max_concurrent"`
	MaxTotalRiskR            int `yaml:"max_total_risk_r"`
	MaxPositionsPerSymbol    int `yaml:"max_positions_per_symbol"`
	AntiChurnCooldownMinutes int `yaml:"anti_churn_cooldown_minutes"`
}

// BybitConfig holds Bybit v5 API endpoints and credentials.
type BybitConfig struct {
	RestBaseURL  string `yaml:"rest_base_url"`
	WsPublicURL  string `yaml:"ws_public_url"`
	WsPrivateURL string `yaml:"ws_private_url"`
	APIKey       string `yaml:"api_key"`
	APISecret    string `yaml:"api_secret"`
	RecvWindowMs int    `yaml:"recv_window_ms"`
}

// DBConfig holds PostgreSQL connection parameters.
type DBConfig struct {
	DSN         string `yaml:"dsn"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Database    string `yaml:"database"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	SSLMode     string `yaml:"ssl_mode"`
	PoolMinSize int    `yaml:"pool_min_size"`
	PoolMaxSize int    `yaml:"pool_max_size"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// S3Config holds S3-compatible object storage parameters for the archiver.
type S3Config struct {
	Endpoint       string `yaml:"endpoint"`
	Region         string `yaml:"region"`
	Bucket         string `yaml:"bucket"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	UseSSL         bool   `yaml:"use_ssl"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	Prefix         string `yaml:"prefix"`
}

// UIConfig holds parameters for the operator-facing HTTP/SSE surface.
type UIConfig struct {
	PublicBaseURL string `yaml:"public_base_url"`
	EnableSSE     bool   `yaml:"enable_sse"`
	SSEChannel    string `yaml:"sse_channel"`
}

// AVI5Config holds signal-engine parameters specific to the AVI-5 strategy.
type AVI5Config struct {
	ATRWindow       int             `yaml:"atr_window"`
	ATRMultiplier   float64         `yaml:"atr_multiplier"`
	SpreadThreshold decimal.Decimal `yaml:"spread_threshold"`
}

// ArchiverConfig holds retention windows and batching for cold-storage
// archival.
type ArchiverConfig struct {
	SignalsRetentionDays   int  `yaml:"signals_retention_days"`
	PositionsRetentionDays int  `yaml:"positions_retention_days"`
	BatchSize              int  `yaml:"batch_size"`
	Enabled                bool `yaml:"enabled"`
}

// CalibrationConfig holds parameters for the hourly theta calibration and
// PSI drift check.
type CalibrationConfig struct {
	TrainDays      int             `yaml:"train_days"`
	OOSDays        int             `yaml:"oos_days"`
	ThetaMin       decimal.Decimal `yaml:"theta_min"`
	ThetaMax       decimal.Decimal `yaml:"theta_max"`
	TargetQuantile float64         `yaml:"target_quantile"`
	PSIThreshold   float64         `yaml:"psi_threshold"`
}

// ReconciliationConfig holds parameters for the position reconciliation
// worker.
type ReconciliationConfig struct {
	RunIntervalSec         int  `yaml:"run_interval_sec"`
	CloseMissingInDB       bool `yaml:"close_missing_in_db"`
	CloseMissingOnExchange bool `yaml:"close_missing_on_exchange"`
}

// duration is a wrapper around time.Duration that supports YAML string
// decoding (e.g. "5m", "30s"). Unused by any field currently in Config, but
// kept available for env-override parsing of ad hoc interval flags.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the YAML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values,
// matching config.example.yaml.
func Defaults() Config {
	return Config{
		Trading: TradingConfig{
			MaxStake:      decimal.NewFromInt(250),
			ResearchMode:  false,
			Symbols:       []string{"BTCUSDT", "ETHUSDT"},
			KlineInterval: "5",
		},
		Risk: RiskConfig{
			MaxConcurrent:            6,
			MaxTotalRiskR:            6,
			MaxPositionsPerSymbol:    2,
			AntiChurnCooldownMinutes: 15,
		},
		Bybit: BybitConfig{
			RestBaseURL:  "https://api.bybit.com",
			WsPublicURL:  "wss://stream.bybit.com/v5/public/linear",
			WsPrivateURL: "wss://stream.bybit.com/v5/private",
			RecvWindowMs: 5000,
		},
		DB: DBConfig{
			Host:        "localhost",
			Port:        5432,
			Database:    "avi5",
			User:        "avi5",
			SSLMode:     "disable",
			PoolMinSize: 5,
			PoolMaxSize: 20,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 20,
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "avi5-archive",
			UseSSL:         true,
			ForcePathStyle: false,
			Prefix:         "bybit-algo-grid/archive",
		},
		UI: UIConfig{
			EnableSSE:  true,
			SSEChannel: "signals",
		},
		AVI5: AVI5Config{
			ATRWindow:       14,
			ATRMultiplier:   2.0,
			SpreadThreshold: decimal.Zero,
		},
		Archiver: ArchiverConfig{
			SignalsRetentionDays:   90,
			PositionsRetentionDays: 180,
			BatchSize:              1000,
			Enabled:                true,
		},
		Calibration: CalibrationConfig{
			TrainDays:      180,
			OOSDays:        30,
			ThetaMin:       decimal.NewFromFloat(0.15),
			ThetaMax:       decimal.NewFromFloat(0.50),
			TargetQuantile: 0.7,
			PSIThreshold:   0.2,
		},
		Reconciliation: ReconciliationConfig{
			RunIntervalSec:         60,
			CloseMissingInDB:       false,
			CloseMissingOnExchange: true,
		},
		LogLevel: "info",
		Mode:     "trade",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":     true,
	"reconcile": true,
	"archive":   true,
	"calibrate": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, reconcile, archive, calibrate)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Trading
	if c.Trading.MaxStake.Sign() <= 0 {
		errs = append(errs, "trading: max_stake must be > 0")
	}
	if strings.ToLower(c.Mode) == "trade" && len(c.Trading.Symbols) == 0 {
		errs = append(errs, "trading: symbols must be non-empty in trade mode")
	}
	if c.Trading.KlineInterval == "" {
		errs = append(errs, "trading: kline_interval must be set")
	}

	// Risk
	if c.Risk.MaxConcurrent < 1 {
		errs = append(errs, "risk: max_concurrent must be >= 1")
	}
	if c.Risk.MaxTotalRiskR < 1 {
		errs = append(errs, "risk: max_total_risk_r must be >= 1")
	}
	if c.Risk.MaxPositionsPerSymbol < 1 {
		errs = append(errs, "risk: max_positions_per_symbol must be >= 1")
	}
	if c.Risk.AntiChurnCooldownMinutes < 0 {
		errs = append(errs, "risk: anti_churn_cooldown_minutes must be >= 0")
	}

	// Bybit
	needsBybit := c.Mode == "trade" || c.Mode == "reconcile"
	if c.Bybit.RestBaseURL == "" {
		errs = append(errs, "bybit: rest_base_url must not be empty")
	}
	if needsBybit && (c.Bybit.APIKey == "" || c.Bybit.APISecret == "") {
		errs = append(errs, "bybit: api_key and api_secret are required for mode "+c.Mode)
	}
	if c.Bybit.RecvWindowMs <= 0 {
		errs = append(errs, "bybit: recv_window_ms must be > 0")
	}

	// DB
	if strings.TrimSpace(c.DB.DSN) == "" {
		if c.DB.Host == "" {
			errs = append(errs, "db: host must not be empty (or set db.dsn)")
		}
		if c.DB.Port <= 0 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Sprintf("db: port must be 1-65535, got %d", c.DB.Port))
		}
		if c.DB.Database == "" {
			errs = append(errs, "db: database must not be empty")
		}
	}
	if c.DB.PoolMinSize < 0 {
		errs = append(errs, "db: pool_min_size must be >= 0")
	}
	if c.DB.PoolMaxSize < 1 {
		errs = append(errs, "db: pool_max_size must be >= 1")
	}
	if c.DB.PoolMinSize > c.DB.PoolMaxSize {
		errs = append(errs, "db: pool_min_size must not exceed pool_max_size")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 — only required when the archiver is enabled.
	if c.Archiver.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archiver is enabled")
		}
	}

	// Archiver
	if c.Archiver.SignalsRetentionDays < 1 {
		errs = append(errs, "archiver: signals_retention_days must be >= 1")
	}
	if c.Archiver.PositionsRetentionDays < 1 {
		errs = append(errs, "archiver: positions_retention_days must be >= 1")
	}
	if c.Archiver.BatchSize < 1 {
		errs = append(errs, "archiver: batch_size must be >= 1")
	}

	// Calibration
	if c.Calibration.TrainDays < 1 {
		errs = append(errs, "calibration: train_days must be >= 1")
	}
	if c.Calibration.OOSDays < 1 {
		errs = append(errs, "calibration: oos_days must be >= 1")
	}
	if c.Calibration.ThetaMin.Sign() < 0 || c.Calibration.ThetaMin.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, "calibration: theta_min must be within [0,1]")
	}
	if c.Calibration.ThetaMax.LessThan(c.Calibration.ThetaMin) || c.Calibration.ThetaMax.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, "calibration: theta_max must be within [theta_min,1]")
	}
	if c.Calibration.TargetQuantile <= 0 || c.Calibration.TargetQuantile >= 1 {
		errs = append(errs, "calibration: target_quantile must be within (0,1)")
	}
	if c.Calibration.PSIThreshold <= 0 {
		errs = append(errs, "calibration: psi_threshold must be > 0")
	}

	// Reconciliation
	if c.Reconciliation.RunIntervalSec < 1 {
		errs = append(errs, "reconciliation: run_interval_sec must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
