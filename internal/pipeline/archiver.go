package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	s3blob "github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/blob/s3"
	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
)

// SignalArchiveStore is the subset of domain.SignalStore the archiver needs:
// pulling aged rows in batches and deleting them once uploaded.
type SignalArchiveStore interface {
	ListOlderThan(ctx context.Context, before time.Time, limit int) ([]domain.Signal, error)
	DeleteBatch(ctx context.Context, ids []uuid.UUID) error
}

// PositionArchiveStore is the subset of domain.PositionStore the archiver
// needs.
type PositionArchiveStore interface {
	ListArchivableBefore(ctx context.Context, before time.Time, limit int) ([]domain.Position, error)
	DeleteBatch(ctx context.Context, ids []uuid.UUID) error
}

// ArchiverConfig controls retention windows and batching for the archiver.
type ArchiverConfig struct {
	SignalsRetentionDays   int
	PositionsRetentionDays int
	BatchSize              int
	Enabled                bool
}

// DefaultArchiverConfig matches the documented retention policy: signals
// kept 90 days, positions kept 180 days, archived in batches of 1000.
func DefaultArchiverConfig() ArchiverConfig {
	return ArchiverConfig{
		SignalsRetentionDays:   90,
		PositionsRetentionDays: 180,
		BatchSize:              1000,
		Enabled:                true,
	}
}

// Archiver moves aged signals and positions to S3 cold storage as
// gzip-compressed NDJSON, deleting each batch from the primary store only
// after its upload succeeds. A named lock ensures only one worker runs a
// pass at a time.
type Archiver struct {
	lock      domain.LockManager
	blob      *s3blob.Archiver
	signals   SignalArchiveStore
	positions PositionArchiveStore
	config    ArchiverConfig
	lockName  string
	logger    *slog.Logger
}

// NewArchiver creates an Archiver. A zero-value ArchiverConfig falls back
// to DefaultArchiverConfig.
func NewArchiver(lock domain.LockManager, blob *s3blob.Archiver, signals SignalArchiveStore, positions PositionArchiveStore, config ArchiverConfig, logger *slog.Logger) *Archiver {
	if config.BatchSize <= 0 {
		config = DefaultArchiverConfig()
	}
	return &Archiver{
		lock:      lock,
		blob:      blob,
		signals:   signals,
		positions: positions,
		config:    config,
		lockName:  "archiver",
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// RunOnce executes a single archive pass, implementing domain.Archiver. If
// disabled, or if another worker already holds the lock, it logs and
// returns nil without error.
func (a *Archiver) RunOnce(ctx context.Context, now time.Time) error {
	if !a.config.Enabled {
		a.logger.DebugContext(ctx, "archiver is disabled, skipping run")
		return nil
	}

	unlock, acquired, err := a.lock.Acquire(ctx, a.lockName, time.Minute, 0, time.Nanosecond)
	if err != nil {
		return fmt.Errorf("archiver: acquire lock: %w", err)
	}
	if !acquired {
		a.logger.InfoContext(ctx, "archiver run skipped: lock held by another worker", slog.String("lock_name", a.lockName))
		return nil
	}
	defer unlock()

	return a.doRun(ctx, now)
}

func (a *Archiver) doRun(ctx context.Context, now time.Time) error {
	signalsCutoff := now.Add(-time.Duration(a.config.SignalsRetentionDays) * 24 * time.Hour)
	positionsCutoff := now.Add(-time.Duration(a.config.PositionsRetentionDays) * 24 * time.Hour)

	a.logger.InfoContext(ctx, "starting archiver run",
		slog.Time("signals_cutoff", signalsCutoff),
		slog.Time("positions_cutoff", positionsCutoff),
	)

	var totalSignals, totalPositions int
	for {
		sigCount, err := a.archiveSignalsBatch(ctx, signalsCutoff, now)
		if err != nil {
			return err
		}
		posCount, err := a.archivePositionsBatch(ctx, positionsCutoff, now)
		if err != nil {
			return err
		}

		totalSignals += sigCount
		totalPositions += posCount

		if sigCount == 0 && posCount == 0 {
			break
		}
	}

	a.logger.InfoContext(ctx, "archiver run completed",
		slog.Int("signals_archived", totalSignals),
		slog.Int("positions_archived", totalPositions),
	)
	return nil
}

func (a *Archiver) archiveSignalsBatch(ctx context.Context, cutoff, now time.Time) (int, error) {
	rows, err := a.signals.ListOlderThan(ctx, cutoff, a.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("archiver: list signals older than cutoff: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	payload, err := s3blob.MarshalNDJSON(rows)
	if err != nil {
		return 0, fmt.Errorf("archiver: marshal signals batch: %w", err)
	}
	key, err := a.blob.UploadGzipNDJSON(ctx, "signals", payload, now)
	if err != nil {
		return 0, fmt.Errorf("archiver: upload signals batch: %w", err)
	}

	ids := make([]uuid.UUID, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	if err := a.signals.DeleteBatch(ctx, ids); err != nil {
		return 0, fmt.Errorf("archiver: delete archived signals: %w", err)
	}

	a.logger.InfoContext(ctx, "archived and deleted signals batch",
		slog.Int("count", len(rows)),
		slog.String("key", key),
	)
	return len(rows), nil
}

func (a *Archiver) archivePositionsBatch(ctx context.Context, cutoff, now time.Time) (int, error) {
	rows, err := a.positions.ListArchivableBefore(ctx, cutoff, a.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("archiver: list positions older than cutoff: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	payload, err := s3blob.MarshalNDJSON(rows)
	if err != nil {
		return 0, fmt.Errorf("archiver: marshal positions batch: %w", err)
	}
	key, err := a.blob.UploadGzipNDJSON(ctx, "positions", payload, now)
	if err != nil {
		return 0, fmt.Errorf("archiver: upload positions batch: %w", err)
	}

	ids := make([]uuid.UUID, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	if err := a.positions.DeleteBatch(ctx, ids); err != nil {
		return 0, fmt.Errorf("archiver: delete archived positions: %w", err)
	}

	a.logger.InfoContext(ctx, "archived and deleted positions batch",
		slog.Int("count", len(rows)),
		slog.String("key", key),
	)
	return len(rows), nil
}

var _ domain.Archiver = (*Archiver)(nil)
