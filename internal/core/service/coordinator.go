package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rl1809/sweetshop-inventory/internal/core/domain"
	"github.com/rl1809/sweetshop-inventory/internal/port"
)

// Ledger is the atomic quantity-adjustment primitive used by the coordinator.
type Ledger interface {
	Apply(ctx context.Context, sweetID, delta int64, reason domain.Reason) (*domain.Sweet, error)
}

// RestockPolicy may veto a restock before it reaches the ledger. A nil
// policy places no upper bound on stock.
type RestockPolicy func(ctx context.Context, sweetID, quantity int64) error

type AdjustmentCoordinator struct {
	ledger  Ledger
	store   port.CatalogStore
	cache   port.CacheRepository
	restock RestockPolicy
	logger  *zap.Logger
}

type CoordinatorOption func(*AdjustmentCoordinator)

// WithCache enables request deduplication and the stock mirror.
func WithCache(cache port.CacheRepository) CoordinatorOption {
	return func(c *AdjustmentCoordinator) { c.cache = cache }
}

func WithRestockPolicy(p RestockPolicy) CoordinatorOption {
	return func(c *AdjustmentCoordinator) { c.restock = p }
}

func NewAdjustmentCoordinator(ledger Ledger, store port.CatalogStore, logger *zap.Logger, opts ...CoordinatorOption) *AdjustmentCoordinator {
	c := &AdjustmentCoordinator{
		ledger: ledger,
		store:  store,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *AdjustmentCoordinator) Purchase(ctx context.Context, sweetID, quantity int64) (*domain.Sweet, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: purchase quantity must be positive, got %d", domain.ErrInvalidQuantity, quantity)
	}
	return c.adjust(ctx, sweetID, -quantity, domain.ReasonPurchase)
}

func (c *AdjustmentCoordinator) Restock(ctx context.Context, sweetID, quantity int64) (*domain.Sweet, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: restock quantity must be positive, got %d", domain.ErrInvalidQuantity, quantity)
	}
	if c.restock != nil {
		if err := c.restock(ctx, sweetID, quantity); err != nil {
			return nil, err
		}
	}
	return c.adjust(ctx, sweetID, quantity, domain.ReasonRestock)
}

// Correct applies a signed manual correction, e.g. after a stock count.
func (c *AdjustmentCoordinator) Correct(ctx context.Context, sweetID, delta int64) (*domain.Sweet, error) {
	if delta == 0 {
		return nil, fmt.Errorf("%w: correction must be non-zero", domain.ErrInvalidQuantity)
	}
	return c.adjust(ctx, sweetID, delta, domain.ReasonManualCorrection)
}

func (c *AdjustmentCoordinator) Get(ctx context.Context, sweetID int64) (*domain.Sweet, error) {
	sweet, err := c.store.Get(ctx, sweetID)
	if err != nil {
		return nil, classify(err)
	}
	return sweet, nil
}

func (c *AdjustmentCoordinator) History(ctx context.Context, sweetID int64) ([]domain.Adjustment, error) {
	adjs, err := c.store.ListAdjustments(ctx, sweetID)
	if err != nil {
		return nil, classify(err)
	}
	return adjs, nil
}

// Reconcile reads the sweet and its audit log under the row lock so both
// reflect the same commit point.
func (c *AdjustmentCoordinator) Reconcile(ctx context.Context, sweetID int64) (*domain.Reconciliation, error) {
	var rec *domain.Reconciliation
	err := withinTx(ctx, c.store, func(tx port.Tx) error {
		sweet, err := tx.GetForUpdate(ctx, sweetID)
		if err != nil {
			return err
		}
		adjs, err := tx.ListAdjustments(ctx, sweetID)
		if err != nil {
			return err
		}

		rec = &domain.Reconciliation{
			SweetID:         sweetID,
			InitialQuantity: sweet.InitialQuantity,
			CurrentQuantity: sweet.Quantity,
			Entries:         len(adjs),
		}
		for _, a := range adjs {
			rec.SumOfDeltas += a.Delta
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	if !rec.Balanced() {
		c.logger.Error("audit log out of balance",
			zap.Int64("sweet_id", sweetID),
			zap.Int64("sum_of_deltas", rec.SumOfDeltas),
			zap.Int64("net_change", rec.CurrentQuantity-rec.InitialQuantity),
		)
	}
	return rec, nil
}

func (c *AdjustmentCoordinator) adjust(ctx context.Context, sweetID, delta int64, reason domain.Reason) (*domain.Sweet, error) {
	release, err := c.claim(ctx)
	if err != nil {
		return nil, err
	}

	sweet, err := c.ledger.Apply(ctx, sweetID, delta, reason)
	if err != nil {
		release()
		return nil, err
	}

	c.mirror(ctx, sweet)
	return sweet, nil
}

// claim registers the request id carried by ctx, if any. The returned
// release func frees the key for requests that did not commit.
func (c *AdjustmentCoordinator) claim(ctx context.Context) (func(), error) {
	requestID, ok := RequestIDFrom(ctx)
	if c.cache == nil || !ok {
		return func() {}, nil
	}

	key := idempotencyKey(requestID)
	ok, err := c.cache.SetIdempotency(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: idempotency check failed: %w", domain.ErrPersistence, err)
	}
	if !ok {
		return nil, domain.ErrDuplicateRequest
	}

	return func() {
		if err := c.cache.ReleaseIdempotency(context.WithoutCancel(ctx), key); err != nil {
			c.logger.Warn("failed to release idempotency key", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

func (c *AdjustmentCoordinator) mirror(ctx context.Context, sweet *domain.Sweet) {
	if c.cache == nil {
		return
	}
	if err := c.cache.SetStock(context.WithoutCancel(ctx), sweet.ID, sweet.Quantity, sweet.Revision); err != nil {
		c.logger.Warn("failed to mirror stock", zap.Int64("sweet_id", sweet.ID), zap.Error(err))
	}
}

func idempotencyKey(requestID string) string {
	return "idempotency:" + requestID
}
