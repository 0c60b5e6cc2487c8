package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Load reads a YAML configuration file at path, merges it on top of the
// built-in defaults, applies AVI5_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known AVI5_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e.
// not empty). This lets operators inject secrets at deploy time without
// touching the YAML file.
func applyEnvOverrides(cfg *Config) {
	// ── Trading ──
	setDecimal(&cfg.Trading.MaxStake, "AVI5_TRADING_MAX_STAKE")
	setBool(&cfg.Trading.ResearchMode, "AVI5_TRADING_RESEARCH_MODE")
	setStringSlice(&cfg.Trading.Symbols, "AVI5_TRADING_SYMBOLS")
	setStr(&cfg.Trading.KlineInterval, "AVI5_TRADING_KLINE_INTERVAL")

	// ── Risk ──
	setInt(&cfg.Risk.MaxConcurrent, "AVI5_RISK_MAX_CONCURRENT")
	setInt(&cfg.Risk.MaxTotalRiskR, "AVI5_RISK_MAX_TOTAL_RISK_R")
	setInt(&cfg.Risk.MaxPositionsPerSymbol, "AVI5_RISK_MAX_POSITIONS_PER_SYMBOL")
	setInt(&cfg.Risk.AntiChurnCooldownMinutes, "AVI5_RISK_ANTI_CHURN_COOLDOWN_MINUTES")

	// ── Bybit ──
	setStr(&cfg.Bybit.RestBaseURL, "AVI5_BYBIT_REST_BASE_URL")
	setStr(&cfg.Bybit.WsPublicURL, "AVI5_BYBIT_WS_PUBLIC_URL")
	setStr(&cfg.Bybit.WsPrivateURL, "AVI5_BYBIT_WS_PRIVATE_URL")
	setStr(&cfg.Bybit.APIKey, "AVI5_BYBIT_API_KEY")
	setStr(&cfg.Bybit.APISecret, "AVI5_BYBIT_API_SECRET")
	setInt(&cfg.Bybit.RecvWindowMs, "AVI5_BYBIT_RECV_WINDOW_MS")

	// ── DB ──
	setStr(&cfg.DB.DSN, "AVI5_DATABASE_URL")
	setStr(&cfg.DB.DSN, "AVI5_DB_DSN") // compatibility alias
	setStr(&cfg.DB.Host, "AVI5_DB_HOST")
	setInt(&cfg.DB.Port, "AVI5_DB_PORT")
	setStr(&cfg.DB.Database, "AVI5_DB_DATABASE")
	setStr(&cfg.DB.User, "AVI5_DB_USER")
	setStr(&cfg.DB.Password, "AVI5_DB_PASSWORD")
	setStr(&cfg.DB.SSLMode, "AVI5_DB_SSL_MODE")
	setInt(&cfg.DB.PoolMinSize, "AVI5_DB_POOL_MIN_SIZE")
	setInt(&cfg.DB.PoolMaxSize, "AVI5_DB_POOL_MAX_SIZE")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "AVI5_REDIS_URL")
	setStr(&cfg.Redis.Addr, "AVI5_REDIS_DSN") // compatibility alias
	setStr(&cfg.Redis.Password, "AVI5_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "AVI5_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "AVI5_REDIS_POOL_SIZE")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "AVI5_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "AVI5_S3_REGION")
	setStr(&cfg.S3.Bucket, "AVI5_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "AVI5_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "AVI5_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "AVI5_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "AVI5_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "AVI5_S3_PREFIX")

	// ── UI ──
	setStr(&cfg.UI.PublicBaseURL, "AVI5_UI_PUBLIC_BASE_URL")
	setBool(&cfg.UI.EnableSSE, "AVI5_UI_ENABLE_SSE")
	setStr(&cfg.UI.SSEChannel, "AVI5_UI_SSE_CHANNEL")

	// ── AVI5 (signal engine) ──
	setInt(&cfg.AVI5.ATRWindow, "AVI5_AVI5_ATR_WINDOW")
	setFloat64(&cfg.AVI5.ATRMultiplier, "AVI5_AVI5_ATR_MULTIPLIER")
	setDecimal(&cfg.AVI5.SpreadThreshold, "AVI5_AVI5_SPREAD_THRESHOLD")

	// ── Archiver ──
	setInt(&cfg.Archiver.SignalsRetentionDays, "AVI5_ARCHIVER_SIGNALS_RETENTION_DAYS")
	setInt(&cfg.Archiver.PositionsRetentionDays, "AVI5_ARCHIVER_POSITIONS_RETENTION_DAYS")
	setInt(&cfg.Archiver.BatchSize, "AVI5_ARCHIVER_BATCH_SIZE")
	setBool(&cfg.Archiver.Enabled, "AVI5_ARCHIVER_ENABLED")

	// ── Calibration ──
	setInt(&cfg.Calibration.TrainDays, "AVI5_CALIBRATION_TRAIN_DAYS")
	setInt(&cfg.Calibration.OOSDays, "AVI5_CALIBRATION_OOS_DAYS")
	setDecimal(&cfg.Calibration.ThetaMin, "AVI5_CALIBRATION_THETA_MIN")
	setDecimal(&cfg.Calibration.ThetaMax, "AVI5_CALIBRATION_THETA_MAX")
	setFloat64(&cfg.Calibration.TargetQuantile, "AVI5_CALIBRATION_TARGET_QUANTILE")
	setFloat64(&cfg.Calibration.PSIThreshold, "AVI5_CALIBRATION_PSI_THRESHOLD")

	// ── Reconciliation ──
	setInt(&cfg.Reconciliation.RunIntervalSec, "AVI5_RECONCILIATION_RUN_INTERVAL_SEC")
	setBool(&cfg.Reconciliation.CloseMissingInDB, "AVI5_RECONCILIATION_CLOSE_MISSING_IN_DB")
	setBool(&cfg.Reconciliation.CloseMissingOnExchange, "AVI5_RECONCILIATION_CLOSE_MISSING_ON_EXCHANGE")

	// ── Top-level ──
	setStr(&cfg.Mode, "AVI5_MODE")
	setStr(&cfg.LogLevel, "AVI5_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				out = append(out, t)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}
