package handler

import (
	"time"

	"github.com/rl1809/sweetshop-inventory/internal/core/domain"
)

type SweetResponse struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category"`
	Price       string    `json:"price"`
	Quantity    int64     `json:"quantity"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type AdjustmentResponse struct {
	Seq       int64     `json:"seq"`
	ID        string    `json:"id"`
	SweetID   int64     `json:"sweet_id"`
	Delta     int64     `json:"delta"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

type ReconciliationResponse struct {
	SweetID         int64 `json:"sweet_id"`
	InitialQuantity int64 `json:"initial_quantity"`
	CurrentQuantity int64 `json:"current_quantity"`
	SumOfDeltas     int64 `json:"sum_of_deltas"`
	Entries         int   `json:"entries"`
	Balanced        bool  `json:"balanced"`
}

func toSweetResponse(s *domain.Sweet) *SweetResponse {
	if s == nil {
		return nil
	}
	return &SweetResponse{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		Category:    s.Category,
		Price:       s.Price.StringFixed(2),
		Quantity:    s.Quantity,
		UpdatedAt:   s.UpdatedAt,
	}
}

func toAdjustmentResponses(adjs []domain.Adjustment) []AdjustmentResponse {
	out := make([]AdjustmentResponse, len(adjs))
	for i, a := range adjs {
		out[i] = AdjustmentResponse{
			Seq:       a.Seq,
			ID:        a.ID,
			SweetID:   a.SweetID,
			Delta:     a.Delta,
			Reason:    string(a.Reason),
			CreatedAt: a.CreatedAt,
		}
	}
	return out
}

func toReconciliationResponse(r *domain.Reconciliation) ReconciliationResponse {
	return ReconciliationResponse{
		SweetID:         r.SweetID,
		InitialQuantity: r.InitialQuantity,
		CurrentQuantity: r.CurrentQuantity,
		SumOfDeltas:     r.SumOfDeltas,
		Entries:         r.Entries,
		Balanced:        r.Balanced(),
	}
}
