package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/usage"
)

// usageHandler serves usage summaries and event listings. Client routes are
// scoped to the caller's user; admin routes accept a user_id filter.
type usageHandler struct {
	store *usage.Store
}

func newUsageHandler(store *usage.Store) *usageHandler {
	return &usageHandler{store: store}
}

// GetSummary returns aggregate usage for the caller's user over an optional
// time range.
func (h *usageHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	c := auth.ClientFromContext(r.Context())
	q, err := queryFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	q.UserID = c.UserID
	h.summary(w, r, q)
}

// GetSummaryAdmin returns aggregate usage across all users, optionally
// filtered by user_id and model.
func (h *usageHandler) GetSummaryAdmin(w http.ResponseWriter, r *http.Request) {
	q, err := queryFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	q.UserID = r.URL.Query().Get("user_id")
	h.summary(w, r, q)
}

func (h *usageHandler) summary(w http.ResponseWriter, r *http.Request, q usage.Query) {
	s, err := h.store.GetSummary(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load usage summary")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ListEvents returns the caller's usage events, newest first, with an opaque
// next cursor.
func (h *usageHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	c := auth.ClientFromContext(r.Context())
	q, err := queryFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	q.UserID = c.UserID
	h.listEvents(w, r, q)
}

// ListEventsAdmin lists events across all users with optional filters.
func (h *usageHandler) ListEventsAdmin(w http.ResponseWriter, r *http.Request) {
	q, err := queryFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	q.UserID = r.URL.Query().Get("user_id")
	h.listEvents(w, r, q)
}

func (h *usageHandler) listEvents(w http.ResponseWriter, r *http.Request, q usage.Query) {
	events, next, err := h.store.ListEvents(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to list usage events")
		return
	}
	if events == nil {
		events = []*usage.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":      events,
		"next_cursor": next,
	})
}

// GetModelBreakdown reports call counts per model across all users.
func (h *usageHandler) GetModelBreakdown(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.GetModelCallCounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load model breakdown")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": counts})
}

// queryFromRequest extracts the shared filter parameters: model, from, to,
// limit and cursor.
func queryFromRequest(r *http.Request) (usage.Query, error) {
	q := usage.Query{
		Model:  r.URL.Query().Get("model"),
		Cursor: r.URL.Query().Get("cursor"),
	}

	var err error
	if q.From, err = parseTimeParam(r.URL.Query().Get("from")); err != nil {
		return q, fmt.Errorf("invalid from: %w", err)
	}
	if q.To, err = parseTimeParam(r.URL.Query().Get("to")); err != nil {
		return q, fmt.Errorf("invalid to: %w", err)
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return q, fmt.Errorf("limit must be a positive integer")
		}
		q.Limit = n
	}
	return q, nil
}

// parseTimeParam accepts RFC3339 timestamps or bare dates. An empty string
// parses to the zero time, meaning no bound.
func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
