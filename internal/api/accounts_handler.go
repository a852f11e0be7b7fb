package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nvallet/voxgate/internal/account"
	"github.com/nvallet/voxgate/internal/ledger"
)

// accountsHandler groups account and billing HTTP handlers.
type accountsHandler struct {
	accounts *account.Store
	ledger   *ledger.Ledger

	// invalidate drops the auth cache entry after a balance change.
	invalidate func(accountID string)
}

func newAccountsHandler(accounts *account.Store, lgr *ledger.Ledger, invalidate func(string)) *accountsHandler {
	return &accountsHandler{accounts: accounts, ledger: lgr, invalidate: invalidate}
}

// accountResponse is the account shape returned to admins. The password hash
// never leaves the store layer.
type accountResponse struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	Balance    float64   `json:"balance"`
	QuotaLimit float64   `json:"quotaLimit"`
	UsedQuota  float64   `json:"usedQuota"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func toAccountResponse(a *account.Account) accountResponse {
	return accountResponse{
		ID:         a.ID,
		Email:      a.Email,
		Balance:    a.Balance,
		QuotaLimit: a.QuotaLimit,
		UsedQuota:  a.UsedQuota,
		Status:     a.Status,
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}

// GetAccount handles GET /api/v1/admin/accounts/{id}.
func (h *accountsHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	a, err := h.accounts.GetByID(r.Context(), id)
	if errors.Is(err, account.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "account not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load account")
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(a))
}

type rechargeRequest struct {
	AccountID   string  `json:"accountId"`
	Amount      float64 `json:"amount"`
	Description string  `json:"description"`
}

// Recharge handles POST /api/v1/admin/recharge. Credits are applied
// immediately; payment-gateway recharges arrive through the notify endpoint
// instead.
func (h *accountsHandler) Recharge(w http.ResponseWriter, r *http.Request) {
	var req rechargeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}
	if req.AccountID == "" || req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_params", "accountId and a positive amount are required")
		return
	}
	if req.Description == "" {
		req.Description = "manual recharge"
	}

	txn, err := h.ledger.Recharge(r.Context(), req.AccountID, req.Amount, req.Description)
	if errors.Is(err, account.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "account not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to apply recharge")
		return
	}

	h.invalidate(req.AccountID)
	writeJSON(w, http.StatusCreated, txn)
}

type paymentNotifyRequest struct {
	AccountID string  `json:"accountId"`
	Amount    float64 `json:"amount"`
	Status    string  `json:"status"`
	Reference string  `json:"reference"`
}

// PaymentNotify handles POST /api/v1/admin/payments/notify, the callback a
// payment gateway hits once an order resolves. Failed payments are recorded
// without touching the balance.
func (h *accountsHandler) PaymentNotify(w http.ResponseWriter, r *http.Request) {
	var req paymentNotifyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}
	if req.AccountID == "" || req.Amount <= 0 || req.Reference == "" {
		writeError(w, http.StatusBadRequest, "invalid_params", "accountId, reference and a positive amount are required")
		return
	}

	desc := "payment " + req.Reference

	var (
		txn *ledger.Transaction
		err error
	)
	if req.Status == "success" {
		txn, err = h.ledger.Recharge(r.Context(), req.AccountID, req.Amount, desc)
		if err == nil {
			h.invalidate(req.AccountID)
		}
	} else {
		txn, err = h.ledger.RecordFailedRecharge(r.Context(), req.AccountID, req.Amount, desc)
	}

	if errors.Is(err, account.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "account not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to record payment")
		return
	}
	writeJSON(w, http.StatusOK, txn)
}
