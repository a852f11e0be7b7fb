package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nvallet/voxgate/internal/ledger"
)

// usageHandler groups usage and transaction HTTP handlers.
type usageHandler struct {
	ledger *ledger.Ledger
}

func newUsageHandler(lgr *ledger.Ledger) *usageHandler {
	return &usageHandler{ledger: lgr}
}

// parseListParams extracts cursor pagination params from the query string.
func parseListParams(r *http.Request) (ledger.ListParams, error) {
	p := ledger.ListParams{Cursor: r.URL.Query().Get("cursor")}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 {
			return p, errInvalidLimit
		}
		p.Limit = l
	}
	return p, nil
}

var errInvalidLimit = errors.New("limit must be a positive integer")

type listResponse struct {
	Items      any    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// GetUsageSummary handles GET /api/v1/admin/accounts/{id}/usage.
func (h *usageHandler) GetUsageSummary(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	summary, err := h.ledger.GetUsageSummary(r.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get usage summary")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListUsageLogs handles GET /api/v1/admin/accounts/{id}/usage/logs.
func (h *usageHandler) ListUsageLogs(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	params, err := parseListParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}

	logs, next, err := h.ledger.ListUsageLogs(r.Context(), accountID, params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list usage logs")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: logs, NextCursor: next})
}

// ListTransactions handles GET /api/v1/admin/accounts/{id}/transactions.
func (h *usageHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	params, err := parseListParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}

	txns, next, err := h.ledger.ListTransactions(r.Context(), accountID, params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list transactions")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: txns, NextCursor: next})
}
