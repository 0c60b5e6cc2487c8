package execution_test

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
)

// fakeSignalStore is a minimal in-memory domain.SignalStore for tests.
type fakeSignalStore struct {
	mu      sync.Mutex
	signals map[uuid.UUID]domain.Signal
}

func newFakeSignalStore(signals ...domain.Signal) *fakeSignalStore {
	s := &fakeSignalStore{signals: make(map[uuid.UUID]domain.Signal)}
	for _, sig := range signals {
		s.signals[sig.ID] = sig
	}
	return s
}

func (s *fakeSignalStore) Create(ctx context.Context, sig domain.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals[sig.ID] = sig
	return nil
}

func (s *fakeSignalStore) Update(ctx context.Context, sig domain.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals[sig.ID] = sig
	return nil
}

func (s *fakeSignalStore) GetByID(ctx context.Context, id uuid.UUID) (domain.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[id]
	if !ok {
		return domain.Signal{}, domain.ErrNotFound
	}
	return sig, nil
}

func (s *fakeSignalStore) ListRecent(ctx context.Context, symbol string, since time.Time, limit int) ([]domain.Signal, error) {
	return nil, nil
}

func (s *fakeSignalStore) ListOlderThan(ctx context.Context, before time.Time, limit int) ([]domain.Signal, error) {
	return nil, nil
}

func (s *fakeSignalStore) DeleteBatch(ctx context.Context, ids []uuid.UUID) error {
	return nil
}

func (s *fakeSignalStore) get(id uuid.UUID) (domain.Signal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[id]
	return sig, ok
}

// fakePositionStore is a minimal in-memory domain.PositionStore for tests.
type fakePositionStore struct {
	mu        sync.Mutex
	positions map[uuid.UUID]domain.Position
}

func newFakePositionStore() *fakePositionStore {
	return &fakePositionStore{positions: make(map[uuid.UUID]domain.Position)}
}

func (p *fakePositionStore) Create(ctx context.Context, pos domain.Position) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[pos.ID] = pos
	return nil
}

func (p *fakePositionStore) Update(ctx context.Context, pos domain.Position) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[pos.ID] = pos
	return nil
}

func (p *fakePositionStore) GetByID(ctx context.Context, id uuid.UUID) (domain.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (p *fakePositionStore) ListBySignal(ctx context.Context, signalID uuid.UUID) ([]domain.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Position
	for _, pos := range p.positions {
		if pos.SignalID == signalID {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (p *fakePositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Position
	for _, pos := range p.positions {
		if pos.IsOpen() {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (p *fakePositionStore) MarkClosed(ctx context.Context, id uuid.UUID, closedAt time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	pos.ClosedAt = &closedAt
	pos.Status = domain.PositionStatusClosed
	p.positions[id] = pos
	return nil
}

func (p *fakePositionStore) ListArchivableBefore(ctx context.Context, before time.Time, limit int) ([]domain.Position, error) {
	return nil, nil
}

func (p *fakePositionStore) DeleteBatch(ctx context.Context, ids []uuid.UUID) error {
	return nil
}

func (p *fakePositionStore) one() domain.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pos := range p.positions {
		return pos
	}
	return domain.Position{}
}

// fakeRiskChecker always returns the configured verdict.
type fakeRiskChecker struct {
	allowed bool
	reason  string
	err     error
}

func (f *fakeRiskChecker) CheckWithOpenPositions(ctx context.Context, signal domain.Signal, now time.Time) (bool, string, error) {
	return f.allowed, f.reason, f.err
}
