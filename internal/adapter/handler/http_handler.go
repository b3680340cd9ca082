package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/sweetshop-inventory/internal/core/domain"
	"github.com/rl1809/sweetshop-inventory/internal/core/service"
)

// InventoryService is the part of the adjustment coordinator exposed over
// the transports.
type InventoryService interface {
	Purchase(ctx context.Context, sweetID, quantity int64) (*domain.Sweet, error)
	Restock(ctx context.Context, sweetID, quantity int64) (*domain.Sweet, error)
	Correct(ctx context.Context, sweetID, delta int64) (*domain.Sweet, error)
	Get(ctx context.Context, sweetID int64) (*domain.Sweet, error)
	History(ctx context.Context, sweetID int64) ([]domain.Adjustment, error)
	Reconcile(ctx context.Context, sweetID int64) (*domain.Reconciliation, error)
}

const idempotencyHeader = "Idempotency-Key"

type HTTPHandler struct {
	service InventoryService
	timeout time.Duration
	logger  *zap.Logger
}

type AdjustHTTPRequest struct {
	RequestID string      `json:"request_id"`
	Quantity  json.Number `json:"quantity"`
}

type CorrectHTTPRequest struct {
	RequestID string      `json:"request_id"`
	Delta     json.Number `json:"delta"`
}

type AdjustHTTPResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Sweet   *SweetResponse `json:"sweet,omitempty"`
}

func NewHTTPHandler(svc InventoryService, timeout time.Duration, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{service: svc, timeout: timeout, logger: logger}
}

func (h *HTTPHandler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("GET /api/sweets/{id}", h.Get)
	mux.HandleFunc("POST /api/sweets/{id}/purchase", h.Purchase)
	mux.HandleFunc("POST /api/sweets/{id}/restock", h.Restock)
	mux.HandleFunc("POST /api/sweets/{id}/correct", h.Correct)
	mux.HandleFunc("GET /api/sweets/{id}/adjustments", h.History)
	mux.HandleFunc("GET /api/sweets/{id}/reconciliation", h.Reconcile)
	return mux
}

func (h *HTTPHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, h.service.Purchase)
}

func (h *HTTPHandler) Restock(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, h.service.Restock)
}

func (h *HTTPHandler) adjust(w http.ResponseWriter, r *http.Request, op func(context.Context, int64, int64) (*domain.Sweet, error)) {
	id, ok := sweetID(w, r)
	if !ok {
		return
	}

	var req AdjustHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, AdjustHTTPResponse{Message: "invalid request body"})
		return
	}
	quantity, err := parseInteger(req.Quantity)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %w", domain.ErrInvalidQuantity, err))
		return
	}

	ctx, cancel := h.requestContext(r, req.RequestID)
	defer cancel()

	sweet, err := op(ctx, id, quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AdjustHTTPResponse{Success: true, Sweet: toSweetResponse(sweet)})
}

func (h *HTTPHandler) Correct(w http.ResponseWriter, r *http.Request) {
	id, ok := sweetID(w, r)
	if !ok {
		return
	}

	var req CorrectHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, AdjustHTTPResponse{Message: "invalid request body"})
		return
	}
	delta, err := parseInteger(req.Delta)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %w", domain.ErrInvalidQuantity, err))
		return
	}

	ctx, cancel := h.requestContext(r, req.RequestID)
	defer cancel()

	sweet, err := h.service.Correct(ctx, id, delta)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AdjustHTTPResponse{Success: true, Sweet: toSweetResponse(sweet)})
}

func (h *HTTPHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := sweetID(w, r)
	if !ok {
		return
	}
	sweet, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSweetResponse(sweet))
}

func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := sweetID(w, r)
	if !ok {
		return
	}
	adjs, err := h.service.History(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAdjustmentResponses(adjs))
}

func (h *HTTPHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := sweetID(w, r)
	if !ok {
		return
	}
	rec, err := h.service.Reconcile(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationResponse(rec))
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestContext applies the handler timeout and attaches the request id
// from the body or the Idempotency-Key header.
func (h *HTTPHandler) requestContext(r *http.Request, requestID string) (context.Context, context.CancelFunc) {
	if requestID == "" {
		requestID = r.Header.Get(idempotencyHeader)
	}
	ctx := service.WithRequestID(r.Context(), requestID)
	if h.timeout > 0 {
		return context.WithTimeout(ctx, h.timeout)
	}
	return context.WithCancel(ctx)
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := httpStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	if domain.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, AdjustHTTPResponse{Success: false, Message: message})
}

func sweetID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, AdjustHTTPResponse{Message: "invalid sweet id"})
		return 0, false
	}
	return id, true
}

func parseInteger(n json.Number) (int64, error) {
	if n == "" {
		return 0, errors.New("missing")
	}
	v, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", n.String())
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
