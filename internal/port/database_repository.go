package port

import (
	"context"
	"time"

	"github.com/rl1809/sweetshop-inventory/internal/core/domain"
)

// CatalogStore persists sweets and their adjustment history.
type CatalogStore interface {
	// Get returns domain.ErrNotFound if the sweet does not exist.
	Get(ctx context.Context, id int64) (*domain.Sweet, error)

	// Create inserts a new sweet and assigns its ID. The current quantity is
	// recorded as the initial quantity.
	Create(ctx context.Context, sweet *domain.Sweet) error

	// BeginTx starts a transaction. Callers must end it with Commit or Rollback.
	BeginTx(ctx context.Context) (Tx, error)

	AuditLog
}

// Tx is a transaction scoped to a single quantity adjustment.
type Tx interface {
	// GetForUpdate reads the sweet and holds a row lock until the
	// transaction ends, where the backend supports one.
	GetForUpdate(ctx context.Context, id int64) (*domain.Sweet, error)

	// ConditionalUpdateQuantity writes newQuantity only if the stored quantity
	// still equals expected and newQuantity is not negative. It reports false
	// when the predicate did not match.
	ConditionalUpdateQuantity(ctx context.Context, id, expected, newQuantity int64, at time.Time) (bool, error)

	// AppendAdjustment adds an entry to the audit log and sets its Seq.
	AppendAdjustment(ctx context.Context, adj *domain.Adjustment) error

	// ListAdjustments reads the audit log inside the transaction.
	AuditLog

	Commit() error

	// Rollback is a no-op after a successful Commit.
	Rollback() error
}

// AuditLog is the read side of the append-only adjustment history.
type AuditLog interface {
	// ListAdjustments returns entries for a sweet in commit order.
	ListAdjustments(ctx context.Context, sweetID int64) ([]domain.Adjustment, error)
}
