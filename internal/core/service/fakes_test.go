package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/sweetshop-inventory/internal/adapter/storage"
	"github.com/rl1809/sweetshop-inventory/internal/core/domain"
	"github.com/rl1809/sweetshop-inventory/internal/port"
)

var fastRetry = RetryPolicy{
	MaxRetries:      3,
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
}

func seedSweet(t *testing.T, store port.CatalogStore, name string, quantity int64) *domain.Sweet {
	t.Helper()
	s := &domain.Sweet{
		Name:     name,
		Category: "chocolate",
		Price:    decimal.RequireFromString("2.50"),
		Quantity: quantity,
	}
	if err := store.Create(context.Background(), s); err != nil {
		t.Fatalf("seed %s: %v", name, err)
	}
	return s
}

// untouchableStore fails the test if anything reaches it.
type untouchableStore struct {
	t *testing.T
}

func (s untouchableStore) Get(ctx context.Context, id int64) (*domain.Sweet, error) {
	s.t.Error("store.Get called")
	return nil, errors.New("unexpected")
}

func (s untouchableStore) Create(ctx context.Context, sweet *domain.Sweet) error {
	s.t.Error("store.Create called")
	return errors.New("unexpected")
}

func (s untouchableStore) BeginTx(ctx context.Context) (port.Tx, error) {
	s.t.Error("store.BeginTx called")
	return nil, errors.New("unexpected")
}

func (s untouchableStore) ListAdjustments(ctx context.Context, sweetID int64) ([]domain.Adjustment, error) {
	s.t.Error("store.ListAdjustments called")
	return nil, errors.New("unexpected")
}

// faultyStore wraps a real store and lets a test break individual steps of
// the adjustment transaction.
type faultyStore struct {
	*storage.MemoryAdapter

	appendErr error
	// conflicts is the number of conditional updates that report a
	// predicate mismatch before writes go through; -1 means always.
	conflicts int

	mu       sync.Mutex
	updates  int
	rollback int
}

func (s *faultyStore) BeginTx(ctx context.Context) (port.Tx, error) {
	tx, err := s.MemoryAdapter.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return &faultyTx{Tx: tx, store: s}, nil
}

type faultyTx struct {
	port.Tx
	store *faultyStore
}

func (t *faultyTx) ConditionalUpdateQuantity(ctx context.Context, id, expected, newQuantity int64, at time.Time) (bool, error) {
	t.store.mu.Lock()
	t.store.updates++
	n := t.store.updates
	t.store.mu.Unlock()

	if t.store.conflicts < 0 || n <= t.store.conflicts {
		return false, nil
	}
	return t.Tx.ConditionalUpdateQuantity(ctx, id, expected, newQuantity, at)
}

func (t *faultyTx) AppendAdjustment(ctx context.Context, adj *domain.Adjustment) error {
	if t.store.appendErr != nil {
		return t.store.appendErr
	}
	return t.Tx.AppendAdjustment(ctx, adj)
}

func (t *faultyTx) Rollback() error {
	t.store.mu.Lock()
	t.store.rollback++
	t.store.mu.Unlock()
	return t.Tx.Rollback()
}

// mockCache is an in-process CacheRepository.
type mockCache struct {
	mu          sync.Mutex
	keys        map[string]bool
	stock       map[int64]int64
	setErr      error
	stockErr    error
	releases    int
	stockWrites int
	versions    []int64
}

func newMockCache() *mockCache {
	return &mockCache{
		keys:  make(map[string]bool),
		stock: make(map[int64]int64),
	}
}

func (m *mockCache) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.setErr != nil {
		return false, m.setErr
	}
	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

func (m *mockCache) ReleaseIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
	delete(m.keys, key)
	return nil
}

func (m *mockCache) SetStock(ctx context.Context, sweetID int64, quantity int64, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stockWrites++
	if m.stockErr != nil {
		return m.stockErr
	}
	m.versions = append(m.versions, version)
	m.stock[sweetID] = quantity
	return nil
}

type ledgerCall struct {
	sweetID int64
	delta   int64
	reason  domain.Reason
}

// recordingLedger captures calls instead of touching a store.
type recordingLedger struct {
	calls []ledgerCall
	err   error
}

func (l *recordingLedger) Apply(ctx context.Context, sweetID, delta int64, reason domain.Reason) (*domain.Sweet, error) {
	l.calls = append(l.calls, ledgerCall{sweetID: sweetID, delta: delta, reason: reason})
	if l.err != nil {
		return nil, l.err
	}
	return &domain.Sweet{ID: sweetID, Quantity: 100 + delta, UpdatedAt: time.Now()}, nil
}
