package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	s3blob "github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/blob/s3"
	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/cache/redis"
	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/calibration"
	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/config"
	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/execution"
	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/pipeline"
	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/platform/bybit"
	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/reconcile"
	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/risk"
	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/store/postgres"
	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/strategy"
)

// Dependencies bundles every concrete collaborator the operating modes need.
// It is constructed by Wire and torn down by the returned cleanup function.
// Fields are left nil when the active mode does not require them, so each
// mode is responsible for checking what it actually uses.
type Dependencies struct {
	Config *config.Config

	// Persistence
	SignalStore   domain.SignalStore
	PositionStore domain.PositionStore

	// Cache / coordination
	LockManager domain.LockManager
	KVStore     domain.KVStore

	// Exchange connectivity
	RateLimiter *bybit.RateLimiter
	RESTClient  *bybit.RESTClient
	PublicWS    *bybit.WSClient
	PrivateWS   *bybit.WSClient

	// Risk and execution
	AntiChurn    *risk.AntiChurnGuard
	RiskManager  *risk.Manager
	SignalEngine *strategy.SignalEngine
	OrderManager *execution.OrderManager
	Slippage     *execution.SlippageMonitor
	FillTracker  *execution.FillTracker

	// Background services
	Reconciler *reconcile.Service
	Calibrator *calibration.Service
	Archiver   *pipeline.Archiver
}

// needsPostgres returns true for modes that read or write signal/position
// history.
func needsPostgres(mode string) bool {
	switch mode {
	case "trade", "reconcile", "archive", "calibrate":
		return true
	default:
		return false
	}
}

// needsExchange returns true for modes that talk to Bybit directly.
func needsExchange(mode string) bool {
	switch mode {
	case "trade", "reconcile":
		return true
	default:
		return false
	}
}

// needsS3 returns true for modes that move data to or from cold storage.
func needsS3(mode string) bool {
	return mode == "archive"
}

// Wire constructs every concrete dependency the configured mode needs and
// returns them alongside a cleanup function that releases them in reverse
// order. Callers must invoke cleanup exactly once, typically via defer.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Config: cfg}

	// --- PostgreSQL ---
	if needsPostgres(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.DB.DSN,
			Host:     cfg.DB.Host,
			Port:     cfg.DB.Port,
			Database: cfg.DB.Database,
			User:     cfg.DB.User,
			Password: cfg.DB.Password,
			SSLMode:  cfg.DB.SSLMode,
			MaxConns: cfg.DB.PoolMaxSize,
			MinConns: cfg.DB.PoolMinSize,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}

		pool := pgClient.Pool()
		deps.SignalStore = postgres.NewSignalStore(pool)
		deps.PositionStore = postgres.NewPositionStore(pool)
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.KVStore = redis.NewKVStore(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient, logger)

	// --- Risk ---
	deps.AntiChurn = risk.NewAntiChurnGuard(deps.KVStore)
	limits := domain.RiskLimits{
		MaxConcurrent:       cfg.Risk.MaxConcurrent,
		MaxTotalRiskR:       cfg.Risk.MaxTotalRiskR,
		MaxPositionsPerBase: cfg.Risk.MaxPositionsPerSymbol,
		AntiChurnCooldown:   cfg.Risk.AntiChurnCooldownMinutes * 60,
	}
	if deps.PositionStore != nil {
		deps.RiskManager = risk.NewManager(limits, deps.AntiChurn, deps.PositionStore, logger)
	}

	// --- Bybit connectivity ---
	if needsExchange(cfg.Mode) {
		deps.RateLimiter = bybit.NewRateLimiter()

		deps.RESTClient = bybit.NewRESTClient(bybit.RESTClientConfig{
			BaseURL:      cfg.Bybit.RestBaseURL,
			APIKey:       cfg.Bybit.APIKey,
			APISecret:    cfg.Bybit.APISecret,
			RecvWindowMs: cfg.Bybit.RecvWindowMs,
			Timeout:      10 * time.Second,
			MaxRetries:   3,
		}, deps.RateLimiter, logger)

		deps.PublicWS = bybit.NewWSClient(bybit.WSClientConfig{
			URL:                  cfg.Bybit.WsPublicURL,
			IsPrivate:            false,
			RecvWindowMs:         cfg.Bybit.RecvWindowMs,
			MaxReconnectAttempts: 0,
		}, deps.RateLimiter, deps.RESTClient, logger)

		deps.PrivateWS = bybit.NewWSClient(bybit.WSClientConfig{
			URL:                  cfg.Bybit.WsPrivateURL,
			IsPrivate:            true,
			APIKey:               cfg.Bybit.APIKey,
			APISecret:            cfg.Bybit.APISecret,
			RecvWindowMs:         cfg.Bybit.RecvWindowMs,
			MaxReconnectAttempts: 0,
		}, deps.RateLimiter, deps.RESTClient, logger)
	}

	// --- Strategy / execution (trade mode) ---
	if cfg.Mode == "trade" && deps.RiskManager != nil {
		avi5Cfg := strategy.AVI5Config{
			ATRWindow:     cfg.AVI5.ATRWindow,
			ATRMultiplier: decimalFromFloat(cfg.AVI5.ATRMultiplier),
			MaxStake:      cfg.Trading.MaxStake,
		}
		deps.SignalEngine = strategy.NewSignalEngine(avi5Cfg, deps.RiskManager, logger)

		deps.Slippage = execution.NewSlippageMonitor(deps.PositionStore, execution.DefaultSlippageConfig(), logger)

		if deps.RESTClient != nil {
			deps.OrderManager = execution.NewOrderManager(
				deps.RESTClient,
				deps.RiskManager,
				deps.SignalStore,
				deps.PositionStore,
				execution.OrderManagerConfig{},
				logger,
			)
		}

		if deps.PrivateWS != nil {
			deps.FillTracker = execution.NewFillTracker(deps.PrivateWS, deps.PositionStore, deps.Slippage, logger)
		}
	}

	// --- Reconciliation ---
	if cfg.Mode == "reconcile" && deps.RESTClient != nil && deps.PositionStore != nil {
		deps.Reconciler = reconcile.NewService(deps.LockManager, deps.RESTClient, deps.PositionStore, reconcile.Config{
			CloseMissingOnExchange: cfg.Reconciliation.CloseMissingOnExchange,
			LockTTL:                time.Duration(cfg.Reconciliation.RunIntervalSec) * time.Second,
		}, logger)
	}

	// --- Calibration ---
	// Built for both "calibrate" mode (writes theta(h) and the PSI baseline)
	// and "trade" mode (reads theta(h) on every signal evaluation): the two
	// modes share the same KV-backed theta map.
	if (cfg.Mode == "calibrate" || cfg.Mode == "trade") && deps.SignalStore != nil {
		params := calibration.DefaultParams()
		params.TrainDays = cfg.Calibration.TrainDays
		params.OOSDays = cfg.Calibration.OOSDays
		params.ThetaMin = cfg.Calibration.ThetaMin
		params.ThetaMax = cfg.Calibration.ThetaMax
		params.TargetQuantile = decimalFromFloat(cfg.Calibration.TargetQuantile)
		params.PSIThreshold = decimalFromFloat(cfg.Calibration.PSIThreshold)
		deps.Calibrator = calibration.NewService(deps.KVStore, deps.SignalStore, params, logger)
	}

	// --- S3 archival ---
	if needsS3(cfg.Mode) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		writer := s3blob.NewWriter(s3Client)
		blobArchiver := s3blob.NewArchiver(writer, cfg.S3.Prefix)

		deps.Archiver = pipeline.NewArchiver(deps.LockManager, blobArchiver, deps.SignalStore, deps.PositionStore, pipeline.ArchiverConfig{
			SignalsRetentionDays:   cfg.Archiver.SignalsRetentionDays,
			PositionsRetentionDays: cfg.Archiver.PositionsRetentionDays,
			BatchSize:              cfg.Archiver.BatchSize,
			Enabled:                cfg.Archiver.Enabled,
		}, logger)
	}

	return deps, cleanup, nil
}

// decimalFromFloat converts a float64 config knob to decimal.Decimal for
// collaborators that compute in fixed-point. Config keeps these as plain
// floats since they round-trip through YAML more readably than strings.
func decimalFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
