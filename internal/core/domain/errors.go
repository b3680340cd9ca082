package domain

import "errors"

var (
	ErrInvalidQuantity     = errors.New("invalid quantity")
	ErrInvalidPrice        = errors.New("invalid price")
	ErrInvalidReason       = errors.New("invalid adjustment reason")
	ErrNotFound            = errors.New("sweet not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrPersistence         = errors.New("persistence failure")
	ErrDuplicateRequest    = errors.New("duplicate request")
)

// IsRetryable reports whether the caller may safely retry the operation.
// Nothing was committed for any of these outcomes.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistence) || errors.Is(err, ErrConcurrencyConflict)
}
