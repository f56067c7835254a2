package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/ledger"
	"github.com/tallyhq/tally/internal/metrics"
)

// creditsHandler serves the client-facing credit operations. All endpoints
// operate on the account of the authenticated client's user.
type creditsHandler struct {
	ledger       *ledger.Ledger
	metrics      *metrics.Metrics
	historyLimit int
}

func newCreditsHandler(l *ledger.Ledger, m *metrics.Metrics, historyLimit int) *creditsHandler {
	if historyLimit <= 0 {
		historyLimit = 100
	}
	return &creditsHandler{ledger: l, metrics: m, historyLimit: historyLimit}
}

// GetBalance returns the live balance snapshot for the caller's account.
func (h *creditsHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	c := auth.ClientFromContext(r.Context())
	a, err := h.ledger.GetAccount(r.Context(), c.UserID)
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

// CheckCredits answers the advisory "can I afford this" question. The answer
// may be stale; the deduct and reserve paths are the authoritative guard.
func (h *creditsHandler) CheckCredits(w http.ResponseWriter, r *http.Request) {
	c := auth.ClientFromContext(r.Context())

	required, err := parsePositiveInt64(r.URL.Query().Get("required"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "required must be a positive integer")
		return
	}

	res, err := h.ledger.CheckCredits(r.Context(), c.UserID, required)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "account_not_found", "no credit account for user")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to check credits")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type deductRequest struct {
	Credits   int64  `json:"credits,omitempty"`
	Tokens    int64  `json:"tokens,omitempty"`
	Operation string `json:"operation,omitempty"`
	Model     string `json:"model,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Deduct charges the caller's account directly, without a reservation. The
// body carries either a credit amount or a raw token count to convert.
func (h *creditsHandler) Deduct(w http.ResponseWriter, r *http.Request) {
	c := auth.ClientFromContext(r.Context())

	var req deductRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if (req.Credits <= 0) == (req.Tokens <= 0) {
		writeError(w, http.StatusBadRequest, "invalid_request", "exactly one of credits or tokens must be positive")
		return
	}

	operation := req.Operation
	if operation == "" {
		operation = ledger.OpChat
	}
	meta := &ledger.ChatUsageMetadata{
		Model:     req.Model,
		Tokens:    req.Tokens,
		RequestID: req.RequestID,
	}

	var (
		res *ledger.Result
		err error
	)
	if req.Tokens > 0 {
		res, err = h.ledger.DeductForTokens(r.Context(), c.UserID, req.Tokens, operation, meta)
	} else {
		res, err = h.ledger.Deduct(r.Context(), c.UserID, req.Credits, operation, meta)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "deduction failed")
		return
	}

	if h.metrics != nil {
		if res.Success {
			h.metrics.AddCreditsDeducted(operation, res.CreditsDeducted)
		} else {
			countDenial(h.metrics, res)
		}
	}
	writeResult(w, res, http.StatusPaymentRequired)
}

// GetHistory returns the caller's transaction history, newest first.
func (h *creditsHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	c := auth.ClientFromContext(r.Context())

	limit := h.historyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		if n < limit {
			limit = n
		}
	}

	txns, err := h.ledger.GetHistory(r.Context(), c.UserID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load history")
		return
	}
	if txns == nil {
		txns = []ledger.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": txns})
}

func parsePositiveInt64(raw string) (int64, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}
