package pipeline_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	s3blob "github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/blob/s3"
	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/pipeline"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLockManager always grants the lock unless told to deny it.
type fakeLockManager struct {
	deny bool
}

func (f *fakeLockManager) Acquire(ctx context.Context, name string, ttl, retryInterval, maxWait time.Duration) (func(), bool, error) {
	if f.deny {
		return nil, false, nil
	}
	return func() {}, true, nil
}

// fakeBlobWriter records every uploaded object in memory.
type fakeBlobWriter struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBlobWriter() *fakeBlobWriter {
	return &fakeBlobWriter{objects: map[string][]byte{}}
}

func (w *fakeBlobWriter) Put(ctx context.Context, path string, data io.Reader, contentType, contentEncoding string) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.objects[path] = raw
	return nil
}

func (w *fakeBlobWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.objects)
}

// fakeSignalStore serves a fixed batch of aged signals once, then reports
// empty, so the archiver's loop-until-dry terminates after one pass.
type fakeSignalStore struct {
	mu      sync.Mutex
	pending []domain.Signal
	deleted []uuid.UUID
}

func (s *fakeSignalStore) ListOlderThan(ctx context.Context, before time.Time, limit int) ([]domain.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, nil
	}
	out := s.pending
	s.pending = nil
	return out, nil
}

func (s *fakeSignalStore) DeleteBatch(ctx context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, ids...)
	return nil
}

type fakePositionStore struct {
	mu      sync.Mutex
	pending []domain.Position
	deleted []uuid.UUID
}

func (s *fakePositionStore) ListArchivableBefore(ctx context.Context, before time.Time, limit int) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, nil
	}
	out := s.pending
	s.pending = nil
	return out, nil
}

func (s *fakePositionStore) DeleteBatch(ctx context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, ids...)
	return nil
}

func TestRunOnce_ArchivesAndDeletesAgedRows(t *testing.T) {
	signals := &fakeSignalStore{pending: []domain.Signal{{ID: uuid.New()}, {ID: uuid.New()}}}
	positions := &fakePositionStore{pending: []domain.Position{{ID: uuid.New()}}}
	writer := newFakeBlobWriter()
	blob := s3blob.NewArchiver(writer, "test-archive")
	lock := &fakeLockManager{}

	archiver := pipeline.NewArchiver(lock, blob, signals, positions, pipeline.ArchiverConfig{
		SignalsRetentionDays:   90,
		PositionsRetentionDays: 180,
		BatchSize:              100,
		Enabled:                true,
	}, testLogger())

	err := archiver.RunOnce(context.Background(), time.Now())
	require.NoError(t, err)

	assert.Len(t, signals.deleted, 2)
	assert.Len(t, positions.deleted, 1)
	assert.Equal(t, 2, writer.count())
}

func TestRunOnce_DisabledSkipsRun(t *testing.T) {
	signals := &fakeSignalStore{pending: []domain.Signal{{ID: uuid.New()}}}
	positions := &fakePositionStore{}
	writer := newFakeBlobWriter()
	blob := s3blob.NewArchiver(writer, "test-archive")
	lock := &fakeLockManager{}

	archiver := pipeline.NewArchiver(lock, blob, signals, positions, pipeline.ArchiverConfig{
		BatchSize: 100,
		Enabled:   false,
	}, testLogger())

	err := archiver.RunOnce(context.Background(), time.Now())
	require.NoError(t, err)

	assert.Empty(t, signals.deleted)
	assert.Equal(t, 0, writer.count())
}

func TestRunOnce_LockHeldByAnotherWorkerSkipsRun(t *testing.T) {
	signals := &fakeSignalStore{pending: []domain.Signal{{ID: uuid.New()}}}
	positions := &fakePositionStore{}
	writer := newFakeBlobWriter()
	blob := s3blob.NewArchiver(writer, "test-archive")
	lock := &fakeLockManager{deny: true}

	archiver := pipeline.NewArchiver(lock, blob, signals, positions, pipeline.ArchiverConfig{
		BatchSize: 100,
		Enabled:   true,
	}, testLogger())

	err := archiver.RunOnce(context.Background(), time.Now())
	require.NoError(t, err)

	assert.Empty(t, signals.deleted)
	assert.Equal(t, 0, writer.count())
}
