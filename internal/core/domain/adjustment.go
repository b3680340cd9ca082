package domain

import "time"

type Reason string

const (
	ReasonPurchase         Reason = "purchase"
	ReasonRestock          Reason = "restock"
	ReasonManualCorrection Reason = "manual_correction"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonPurchase, ReasonRestock, ReasonManualCorrection:
		return true
	}
	return false
}

// Adjustment is one entry of the append-only audit log. Seq is assigned by
// the store at append time and orders entries by commit sequence.
type Adjustment struct {
	Seq       int64     `db:"seq"`
	ID        string    `db:"id"`
	SweetID   int64     `db:"sweet_id"`
	Delta     int64     `db:"delta"`
	Reason    Reason    `db:"reason"`
	CreatedAt time.Time `db:"created_at"`
}

// Reconciliation compares the summed audit history of a sweet against the
// net change of its quantity since creation.
type Reconciliation struct {
	SweetID         int64
	InitialQuantity int64
	CurrentQuantity int64
	SumOfDeltas     int64
	Entries         int
}

func (r Reconciliation) Balanced() bool {
	return r.SumOfDeltas == r.CurrentQuantity-r.InitialQuantity
}
