package failures

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"recordexport/internal/middleware"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batchID := r.URL.Query().Get("batchId")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.writeError(ctx, w, "VALIDATION_ERROR", "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	slog.InfoContext(ctx, "listing failed exports", "batch_id", batchID)

	list, err := h.service.List(ctx, batchID, limit)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list failed exports", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to list failed exports", http.StatusInternalServerError)
		return
	}

	if list == nil {
		list = []Failure{}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": list,
		"meta": map[string]int{"count": len(list)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode error response", "error", err)
	}
}
