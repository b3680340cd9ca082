package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Sweet is a catalog item carrying a trackable stock quantity.
// Quantity is only ever changed through the inventory ledger. Revision is
// the Seq of the adjustment that produced the record; it is only set on
// records returned by the ledger.
type Sweet struct {
	ID              int64           `db:"id"`
	Name            string          `db:"name"`
	Description     string          `db:"description"`
	Category        string          `db:"category"`
	Price           decimal.Decimal `db:"price"`
	Quantity        int64           `db:"quantity"`
	InitialQuantity int64           `db:"initial_quantity"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
	Revision        int64           `db:"-"`
}

// Validate checks the catalog-level invariants of a new record.
func (s Sweet) Validate() error {
	if s.Price.IsNegative() {
		return ErrInvalidPrice
	}
	if s.Quantity < 0 {
		return ErrInvalidQuantity
	}
	return nil
}
