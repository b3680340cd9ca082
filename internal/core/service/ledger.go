package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/sweetshop-inventory/internal/core/domain"
	"github.com/rl1809/sweetshop-inventory/internal/port"
)

const tracerName = "github.com/rl1809/sweetshop-inventory/internal/core/service"

// RetryPolicy bounds how often a conflicting adjustment is retried.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:      5,
	InitialInterval: 10 * time.Millisecond,
	MaxInterval:     250 * time.Millisecond,
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// InventoryLedger applies signed quantity changes to sweets. Each change is
// a single transaction that locks the row, checks the non-negative invariant,
// performs a predicate-guarded write and appends the audit entry.
type InventoryLedger struct {
	store  port.CatalogStore
	logger *zap.Logger
	tracer trace.Tracer
	retry  RetryPolicy
	now    func() time.Time
}

type LedgerOption func(*InventoryLedger)

func WithRetryPolicy(p RetryPolicy) LedgerOption {
	return func(l *InventoryLedger) { l.retry = p }
}

func WithTracer(t trace.Tracer) LedgerOption {
	return func(l *InventoryLedger) { l.tracer = t }
}

func WithClock(now func() time.Time) LedgerOption {
	return func(l *InventoryLedger) { l.now = now }
}

func NewInventoryLedger(store port.CatalogStore, logger *zap.Logger, opts ...LedgerOption) *InventoryLedger {
	l := &InventoryLedger{
		store:  store,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		retry:  DefaultRetryPolicy,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Apply changes the quantity of a sweet by delta and records the adjustment.
// It returns the sweet as committed.
func (l *InventoryLedger) Apply(ctx context.Context, sweetID, delta int64, reason domain.Reason) (*domain.Sweet, error) {
	if delta == 0 {
		return nil, domain.ErrInvalidQuantity
	}
	if !reason.Valid() {
		return nil, domain.ErrInvalidReason
	}

	ctx, span := l.tracer.Start(ctx, "ledger.apply", trace.WithAttributes(
		attribute.Int64("sweet.id", sweetID),
		attribute.Int64("adjustment.delta", delta),
		attribute.String("adjustment.reason", string(reason)),
	))
	defer span.End()

	var (
		sweet    *domain.Sweet
		attempts int
	)
	op := func() error {
		attempts++
		var err error
		sweet, err = l.applyOnce(ctx, sweetID, delta, reason)
		if err == nil || errors.Is(err, domain.ErrConcurrencyConflict) {
			return err
		}
		return backoff.Permanent(err)
	}
	err := backoff.Retry(op, l.retry.backOff(ctx))
	err = classify(err)

	span.SetAttributes(attribute.Int("adjustment.attempts", attempts))
	fields := []zap.Field{
		zap.Int64("sweet_id", sweetID),
		zap.Int64("delta", delta),
		zap.String("reason", string(reason)),
		zap.Int("attempts", attempts),
	}

	switch {
	case err == nil:
		span.SetAttributes(attribute.String("adjustment.outcome", "committed"))
		span.SetStatus(codes.Ok, "")
		l.logger.Debug("adjustment committed", append(fields, zap.Int64("quantity", sweet.Quantity))...)
		return sweet, nil
	case errors.Is(err, domain.ErrInsufficientStock), errors.Is(err, domain.ErrNotFound):
		span.SetAttributes(attribute.String("adjustment.outcome", "rejected"))
		span.SetStatus(codes.Error, err.Error())
		l.logger.Debug("adjustment rejected", append(fields, zap.Error(err))...)
	default:
		span.SetAttributes(attribute.String("adjustment.outcome", "rolled_back"))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.logger.Warn("adjustment rolled back", append(fields, zap.Error(err))...)
	}
	return nil, err
}

func (l *InventoryLedger) applyOnce(ctx context.Context, sweetID, delta int64, reason domain.Reason) (*domain.Sweet, error) {
	var (
		committed *domain.Sweet
		adj       *domain.Adjustment
	)
	err := withinTx(ctx, l.store, func(tx port.Tx) error {
		current, err := tx.GetForUpdate(ctx, sweetID)
		if err != nil {
			return err
		}

		if delta > 0 && current.Quantity > math.MaxInt64-delta {
			return fmt.Errorf("%w: quantity overflow", domain.ErrInvalidQuantity)
		}
		candidate := current.Quantity + delta
		if candidate < 0 {
			return fmt.Errorf("%w: have %d, need %d", domain.ErrInsufficientStock, current.Quantity, -delta)
		}

		now := l.now()
		ok, err := tx.ConditionalUpdateQuantity(ctx, sweetID, current.Quantity, candidate, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrConcurrencyConflict
		}

		adj = &domain.Adjustment{
			ID:        uuid.NewString(),
			SweetID:   sweetID,
			Delta:     delta,
			Reason:    reason,
			CreatedAt: now,
		}
		if err := tx.AppendAdjustment(ctx, adj); err != nil {
			return err
		}

		current.Quantity = candidate
		current.UpdatedAt = now
		committed = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Some stores assign Seq at commit.
	committed.Revision = adj.Seq
	return committed, nil
}

// withinTx runs fn in a transaction. The transaction is rolled back on every
// exit path that does not end in a successful commit, including panics.
func withinTx(ctx context.Context, store port.CatalogStore, fn func(port.Tx) error) (err error) {
	tx, err := store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// classify makes sure every failure leaving the ledger carries one of the
// domain error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{
		domain.ErrInvalidQuantity,
		domain.ErrInvalidReason,
		domain.ErrNotFound,
		domain.ErrInsufficientStock,
		domain.ErrConcurrencyConflict,
		domain.ErrPersistence,
	} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
}
