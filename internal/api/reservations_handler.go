package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/ledger"
	"github.com/tallyhq/tally/internal/metrics"
	"github.com/tallyhq/tally/internal/reservation"
)

// reservationsHandler serves the reserve/confirm/release protocol that
// brackets metered calls. Clients reserve an estimated hold before calling
// the provider, then settle with the actual usage.
type reservationsHandler struct {
	manager *reservation.Manager
	metrics *metrics.Metrics
}

func newReservationsHandler(m *reservation.Manager, mm *metrics.Metrics) *reservationsHandler {
	return &reservationsHandler{manager: m, metrics: mm}
}

type reserveRequest struct {
	Credits         int64  `json:"credits,omitempty"`
	EstimatedTokens int64  `json:"estimated_tokens,omitempty"`
	Operation       string `json:"operation,omitempty"`
	ReservationID   string `json:"reservation_id,omitempty"`
}

type reserveResponse struct {
	ReservationID string         `json:"reservation_id"`
	HeldCredits   int64          `json:"held_credits"`
	Result        *ledger.Result `json:"result"`
}

// Reserve places a hold on the caller's available balance. The server
// generates the reservation ID unless the client supplies its own for
// idempotent retries.
func (h *reservationsHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	c := auth.ClientFromContext(r.Context())

	var req reserveRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if (req.Credits <= 0) == (req.EstimatedTokens <= 0) {
		writeError(w, http.StatusBadRequest, "invalid_request", "exactly one of credits or estimated_tokens must be positive")
		return
	}

	credits := req.Credits
	if req.EstimatedTokens > 0 {
		credits = ledger.CreditsForTokens(req.EstimatedTokens)
	}
	operation := req.Operation
	if operation == "" {
		operation = ledger.OpChat
	}
	reservationID := req.ReservationID
	if reservationID == "" {
		reservationID = reservation.NewID()
	}

	res, err := h.manager.Reserve(r.Context(), c.UserID, credits, operation, reservationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "reservation failed")
		return
	}
	if !res.Success {
		if h.metrics != nil {
			h.metrics.IncReservation("denied")
			countDenial(h.metrics, res)
		}
		writeResult(w, res, http.StatusPaymentRequired)
		return
	}

	writeJSON(w, http.StatusCreated, reserveResponse{
		ReservationID: reservationID,
		HeldCredits:   credits,
		Result:        res,
	})
}

type confirmRequest struct {
	ActualTokens int64  `json:"actual_tokens"`
	Operation    string `json:"operation,omitempty"`
	Model        string `json:"model,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
}

// Confirm settles the reservation against actual token usage. Unused credits
// return to the available balance; overruns are clamped against whatever is
// available and any shortfall is recorded as uncovered debt.
func (h *reservationsHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	c := auth.ClientFromContext(r.Context())
	reservationID := chi.URLParam(r, "id")

	var req confirmRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.ActualTokens < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "actual_tokens must not be negative")
		return
	}

	operation := req.Operation
	if operation == "" {
		operation = ledger.OpChat
	}
	meta := &ledger.ChatUsageMetadata{
		Model:     req.Model,
		Tokens:    req.ActualTokens,
		RequestID: req.RequestID,
	}

	res, err := h.manager.Confirm(r.Context(), c.UserID, reservationID, req.ActualTokens, operation, meta)
	if err != nil {
		var cfe *ledger.ConfirmationFailedError
		if errors.As(err, &cfe) {
			if h.metrics != nil {
				h.metrics.ConfirmationFailuresTotal.Inc()
			}
			writeError(w, http.StatusInternalServerError, "confirmation_failed",
				"usage occurred but could not be charged; manual reconciliation may be required")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "confirmation failed")
		return
	}

	if h.metrics != nil && res.Success {
		h.metrics.IncReservation("confirmed")
		h.metrics.AddCreditsDeducted(operation, res.CreditsDeducted)
		if res.UncoveredDebt > 0 {
			h.metrics.ReservationDebtTotal.Add(float64(res.UncoveredDebt))
		}
	}
	writeResult(w, res, http.StatusConflict)
}

type releaseRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Release returns the full hold without charging, for calls that failed or
// were abandoned.
func (h *reservationsHandler) Release(w http.ResponseWriter, r *http.Request) {
	c := auth.ClientFromContext(r.Context())
	reservationID := chi.URLParam(r, "id")

	// The reason is optional; an empty body is fine.
	var req releaseRequest
	if err := readJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	res, err := h.manager.Release(r.Context(), c.UserID, reservationID, req.Reason)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "release failed")
		return
	}

	if h.metrics != nil && res.Success {
		h.metrics.IncReservation("released")
	}
	writeResult(w, res, http.StatusConflict)
}

// ListOpen returns the caller's currently unresolved holds.
func (h *reservationsHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	c := auth.ClientFromContext(r.Context())

	recs, err := h.manager.ListOpen(r.Context(), c.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list reservations")
		return
	}
	if recs == nil {
		recs = []*reservation.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reservations": recs})
}

// GetReservation returns a reservation owned by the caller.
func (h *reservationsHandler) GetReservation(w http.ResponseWriter, r *http.Request) {
	c := auth.ClientFromContext(r.Context())
	reservationID := chi.URLParam(r, "id")

	rec, err := h.manager.Get(r.Context(), reservationID)
	if err != nil {
		if errors.Is(err, ledger.ErrReservationNotFound) {
			writeError(w, http.StatusNotFound, "reservation_not_found", "reservation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load reservation")
		return
	}
	// Reservations are scoped to their owner.
	if rec.UserID != c.UserID {
		writeError(w, http.StatusNotFound, "reservation_not_found", "reservation not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
