package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/tallyhq/tally/internal/ledger"
	"github.com/tallyhq/tally/internal/metrics"
)

// accountsHandler serves the admin account-management surface: provisioning,
// grants, blocking, and history inspection for any user.
type accountsHandler struct {
	ledger       *ledger.Ledger
	metrics      *metrics.Metrics
	freeTier     int64
	historyLimit int
}

func newAccountsHandler(l *ledger.Ledger, m *metrics.Metrics, freeTier int64, historyLimit int) *accountsHandler {
	if historyLimit <= 0 {
		historyLimit = 100
	}
	return &accountsHandler{ledger: l, metrics: m, freeTier: freeTier, historyLimit: historyLimit}
}

type provisionRequest struct {
	UserID string `json:"user_id"`
	Tier   string `json:"tier,omitempty"`
	Grant  *int64 `json:"grant,omitempty"`
}

// ProvisionAccount creates a credit account with its initial grant. Omitting
// the grant applies the configured free-tier amount.
func (h *accountsHandler) ProvisionAccount(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "user_id is required")
		return
	}

	tier := req.Tier
	if tier == "" {
		tier = "free"
	}
	grant := h.freeTier
	if req.Grant != nil {
		grant = *req.Grant
	}
	if grant < 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "grant must not be negative")
		return
	}

	a, err := h.ledger.Provision(r.Context(), req.UserID, tier, grant)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountExists) {
			writeError(w, http.StatusConflict, "account_exists", "credit account already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to provision account")
		return
	}

	if h.metrics != nil && grant > 0 {
		h.metrics.AddCreditsGranted(ledger.OpGrant, grant)
	}
	auditLog(r, "account.provision", "account", a.UserID, "tier", tier, "grant", grant)
	writeJSON(w, http.StatusCreated, a)
}

// GetAccount returns the live account state for any user.
func (h *accountsHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	a, err := h.ledger.GetAccount(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "account_not_found", "no credit account for user")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load account")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type grantRequest struct {
	Credits   int64  `json:"credits"`
	Reason    string `json:"reason"`
	GrantedBy string `json:"granted_by,omitempty"`
}

// GrantCredits adds credits to a user's account with an audited reason.
func (h *accountsHandler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req grantRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Credits <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "credits must be positive")
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "reason is required")
		return
	}

	res, err := h.ledger.Add(r.Context(), userID, req.Credits, ledger.OpGrant,
		&ledger.GrantMetadata{Reason: req.Reason, GrantedBy: req.GrantedBy})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to grant credits")
		return
	}

	if h.metrics != nil && res.Success {
		h.metrics.AddCreditsGranted(ledger.OpGrant, req.Credits)
	}
	auditLog(r, "account.grant", "account", userID, "credits", req.Credits, "reason", req.Reason)
	writeResult(w, res, http.StatusNotFound)
}

// BlockAccount blocks the account from all new spends and reservations.
func (h *accountsHandler) BlockAccount(w http.ResponseWriter, r *http.Request) {
	h.setBlocked(w, r, true)
}

// UnblockAccount re-enables spending on a blocked account.
func (h *accountsHandler) UnblockAccount(w http.ResponseWriter, r *http.Request) {
	h.setBlocked(w, r, false)
}

func (h *accountsHandler) setBlocked(w http.ResponseWriter, r *http.Request, blocked bool) {
	userID := chi.URLParam(r, "userID")
	a, err := h.ledger.SetBlocked(r.Context(), userID, blocked)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "account_not_found", "no credit account for user")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update account")
		return
	}

	action := "account.block"
	if !blocked {
		action = "account.unblock"
	}
	auditLog(r, action, "account", userID)
	writeJSON(w, http.StatusOK, a)
}

// GetHistory returns any user's transaction history, newest first.
func (h *accountsHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	limit := h.historyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}

	txns, err := h.ledger.GetHistory(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load history")
		return
	}
	if txns == nil {
		txns = []ledger.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": txns})
}
