package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rl1809/sweetshop-inventory/internal/core/domain"
	"github.com/rl1809/sweetshop-inventory/internal/port"
)

var errTxDone = fmt.Errorf("%w: transaction already finished", domain.ErrPersistence)

const sweetColumns = `id, name, description, category, price, quantity, initial_quantity, created_at, updated_at`

// dialect captures the few places MySQL and SQLite differ.
type dialect struct {
	name string
	// lockSuffix is appended to the row read inside a transaction.
	lockSuffix string
	// conflict reports driver errors caused by lock contention.
	conflict func(error) bool
	schema   []string
}

// SQLAdapter is a CatalogStore over database/sql. Adjustments lock the sweet
// row and write through a predicate-guarded UPDATE; the audit entry is
// inserted in the same transaction.
type SQLAdapter struct {
	db      *sqlx.DB
	dialect dialect
}

func (a *SQLAdapter) DB() *sqlx.DB {
	return a.db
}

// Migrate creates the tables if they do not exist.
func (a *SQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range a.dialect.schema {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", a.dialect.name, err)
		}
	}
	return nil
}

func (a *SQLAdapter) Get(ctx context.Context, id int64) (*domain.Sweet, error) {
	var s domain.Sweet
	err := a.db.GetContext(ctx, &s, `SELECT `+sweetColumns+` FROM sweets WHERE id = ?`, id)
	if err != nil {
		return nil, a.wrap("get sweet", err)
	}
	return &s, nil
}

func (a *SQLAdapter) Create(ctx context.Context, sweet *domain.Sweet) error {
	if err := sweet.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	sweet.InitialQuantity = sweet.Quantity
	sweet.CreatedAt = now
	sweet.UpdatedAt = now

	result, err := a.db.NamedExecContext(ctx, `
		INSERT INTO sweets (name, description, category, price, quantity, initial_quantity, created_at, updated_at)
		VALUES (:name, :description, :category, :price, :quantity, :initial_quantity, :created_at, :updated_at)`,
		sweet,
	)
	if err != nil {
		return a.wrap("insert sweet", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return a.wrap("insert sweet", err)
	}
	sweet.ID = id
	return nil
}

func (a *SQLAdapter) ListAdjustments(ctx context.Context, sweetID int64) ([]domain.Adjustment, error) {
	return listAdjustments(ctx, a.db, sweetID, a.wrap)
}

func (a *SQLAdapter) BeginTx(ctx context.Context) (port.Tx, error) {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, a.wrap("begin tx", err)
	}
	return &sqlTx{tx: tx, adapter: a}, nil
}

// wrap maps driver errors onto the domain error kinds.
func (a *SQLAdapter) wrap(op string, err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.ErrNotFound
	case errors.Is(err, sql.ErrTxDone):
		return errTxDone
	case a.dialect.conflict != nil && a.dialect.conflict(err):
		return fmt.Errorf("%w: %s: %w", domain.ErrConcurrencyConflict, op, err)
	default:
		return fmt.Errorf("%w: %s: %w", domain.ErrPersistence, op, err)
	}
}

type sqlTx struct {
	tx      *sqlx.Tx
	adapter *SQLAdapter
}

func (t *sqlTx) GetForUpdate(ctx context.Context, id int64) (*domain.Sweet, error) {
	var s domain.Sweet
	err := t.tx.GetContext(ctx, &s,
		`SELECT `+sweetColumns+` FROM sweets WHERE id = ?`+t.adapter.dialect.lockSuffix, id)
	if err != nil {
		return nil, t.adapter.wrap("lock sweet", err)
	}
	return &s, nil
}

func (t *sqlTx) ConditionalUpdateQuantity(ctx context.Context, id, expected, newQuantity int64, at time.Time) (bool, error) {
	if newQuantity < 0 {
		return false, nil
	}

	result, err := t.tx.ExecContext(ctx, `
		UPDATE sweets
		SET quantity = ?, updated_at = ?
		WHERE id = ? AND quantity = ?`,
		newQuantity, at, id, expected,
	)
	if err != nil {
		return false, t.adapter.wrap("update quantity", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, t.adapter.wrap("update quantity", err)
	}
	return rows == 1, nil
}

func (t *sqlTx) AppendAdjustment(ctx context.Context, adj *domain.Adjustment) error {
	result, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO adjustments (id, sweet_id, delta, reason, created_at)
		VALUES (:id, :sweet_id, :delta, :reason, :created_at)`,
		adj,
	)
	if err != nil {
		return t.adapter.wrap("append adjustment", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return t.adapter.wrap("append adjustment", err)
	}
	adj.Seq = seq
	return nil
}

func (t *sqlTx) ListAdjustments(ctx context.Context, sweetID int64) ([]domain.Adjustment, error) {
	return listAdjustments(ctx, t.tx, sweetID, t.adapter.wrap)
}

func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return t.adapter.wrap("commit", err)
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	err := t.tx.Rollback()
	if err == nil || errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return t.adapter.wrap("rollback", err)
}

func listAdjustments(ctx context.Context, q sqlx.QueryerContext, sweetID int64, wrap func(string, error) error) ([]domain.Adjustment, error) {
	var adjs []domain.Adjustment
	err := sqlx.SelectContext(ctx, q, &adjs, `
		SELECT seq, id, sweet_id, delta, reason, created_at
		FROM adjustments
		WHERE sweet_id = ?
		ORDER BY seq`,
		sweetID,
	)
	if err != nil {
		return nil, wrap("list adjustments", err)
	}
	return adjs, nil
}
