package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rl1809/sweetshop-inventory/internal/core/domain"
	"github.com/rl1809/sweetshop-inventory/internal/port"
)

// MemoryAdapter is an in-process CatalogStore. Transactions take a per-row
// lock on GetForUpdate and buffer writes until Commit, so adjustments on
// different sweets proceed in parallel.
type MemoryAdapter struct {
	mu     sync.RWMutex
	nextID int64
	seq    int64
	sweets map[int64]domain.Sweet
	log    []domain.Adjustment
	rows   map[int64]chan struct{}
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		sweets: make(map[int64]domain.Sweet),
		rows:   make(map[int64]chan struct{}),
	}
}

func (m *MemoryAdapter) Get(ctx context.Context, id int64) (*domain.Sweet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sweets[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &s, nil
}

func (m *MemoryAdapter) Create(ctx context.Context, sweet *domain.Sweet) error {
	if err := sweet.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	now := time.Now().UTC()
	sweet.ID = m.nextID
	sweet.InitialQuantity = sweet.Quantity
	sweet.CreatedAt = now
	sweet.UpdatedAt = now
	m.sweets[sweet.ID] = *sweet
	return nil
}

func (m *MemoryAdapter) ListAdjustments(ctx context.Context, sweetID int64) ([]domain.Adjustment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.adjustmentsFor(sweetID), nil
}

func (m *MemoryAdapter) adjustmentsFor(sweetID int64) []domain.Adjustment {
	var out []domain.Adjustment
	for _, a := range m.log {
		if a.SweetID == sweetID {
			out = append(out, a)
		}
	}
	return out
}

func (m *MemoryAdapter) BeginTx(ctx context.Context) (port.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: begin tx: %w", domain.ErrPersistence, err)
	}
	return &memoryTx{
		store:  m,
		held:   make(map[int64]chan struct{}),
		writes: make(map[int64]domain.Sweet),
	}, nil
}

func (m *MemoryAdapter) rowLock(id int64) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.rows[id]
	if !ok {
		l = make(chan struct{}, 1)
		m.rows[id] = l
	}
	return l
}

type memoryTx struct {
	store   *MemoryAdapter
	held    map[int64]chan struct{}
	writes  map[int64]domain.Sweet
	appends []*domain.Adjustment
	done    bool
}

func (t *memoryTx) GetForUpdate(ctx context.Context, id int64) (*domain.Sweet, error) {
	if t.done {
		return nil, errTxDone
	}
	if _, ok := t.held[id]; !ok {
		l := t.store.rowLock(id)
		select {
		case l <- struct{}{}:
			t.held[id] = l
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: lock sweet %d: %w", domain.ErrPersistence, id, ctx.Err())
		}
	}

	if s, ok := t.writes[id]; ok {
		return &s, nil
	}
	return t.store.Get(ctx, id)
}

func (t *memoryTx) ConditionalUpdateQuantity(ctx context.Context, id, expected, newQuantity int64, at time.Time) (bool, error) {
	if t.done {
		return false, errTxDone
	}
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: update quantity: %w", domain.ErrPersistence, err)
	}
	if _, ok := t.held[id]; !ok {
		return false, fmt.Errorf("%w: sweet %d updated without row lock", domain.ErrPersistence, id)
	}

	current, ok := t.writes[id]
	if !ok {
		s, err := t.store.Get(ctx, id)
		if err != nil {
			return false, err
		}
		current = *s
	}
	if current.Quantity != expected || newQuantity < 0 {
		return false, nil
	}

	current.Quantity = newQuantity
	current.UpdatedAt = at
	t.writes[id] = current
	return true, nil
}

func (t *memoryTx) AppendAdjustment(ctx context.Context, adj *domain.Adjustment) error {
	if t.done {
		return errTxDone
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: append adjustment: %w", domain.ErrPersistence, err)
	}
	t.appends = append(t.appends, adj)
	return nil
}

func (t *memoryTx) ListAdjustments(ctx context.Context, sweetID int64) ([]domain.Adjustment, error) {
	if t.done {
		return nil, errTxDone
	}
	t.store.mu.RLock()
	out := t.store.adjustmentsFor(sweetID)
	t.store.mu.RUnlock()

	for _, a := range t.appends {
		if a.SweetID == sweetID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (t *memoryTx) Commit() error {
	if t.done {
		return errTxDone
	}
	defer t.release()

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for id, s := range t.writes {
		t.store.sweets[id] = s
	}
	for _, a := range t.appends {
		t.store.seq++
		a.Seq = t.store.seq
		t.store.log = append(t.store.log, *a)
	}
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return nil
	}
	t.release()
	return nil
}

func (t *memoryTx) release() {
	t.done = true
	for id, l := range t.held {
		<-l
		delete(t.held, id)
	}
	t.writes = nil
	t.appends = nil
}
