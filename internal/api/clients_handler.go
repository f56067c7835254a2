package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/client"
)

// clientsHandler serves admin client management plus the authenticated
// client's self view. API keys are returned exactly once, at creation.
type clientsHandler struct {
	store *client.Store
}

func newClientsHandler(store *client.Store) *clientsHandler {
	return &clientsHandler{store: store}
}

type createClientRequest struct {
	Name      string `json:"name"`
	UserID    string `json:"user_id"`
	RateLimit int    `json:"rate_limit,omitempty"`
}

type createClientResponse struct {
	Client *client.Client `json:"client"`
	APIKey string         `json:"api_key"`
}

// CreateClient registers a client and mints its API key. Only the hash is
// stored; the plaintext key in the response cannot be recovered later.
func (h *clientsHandler) CreateClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Name == "" || req.UserID == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "name and user_id are required")
		return
	}
	if req.RateLimit < 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "rate_limit must not be negative")
		return
	}

	key, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to generate API key")
		return
	}

	c, err := h.store.Create(r.Context(), client.CreateClientInput{
		Name:         req.Name,
		UserID:       req.UserID,
		APIKeyHash:   key.Hash,
		APIKeyPrefix: key.Prefix,
		RateLimit:    req.RateLimit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create client")
		return
	}

	auditLog(r, "client.create", "client", c.ID, "name", c.Name, "user_id", c.UserID)
	writeJSON(w, http.StatusCreated, createClientResponse{Client: c, APIKey: plaintext})
}

// ListClients returns a page of clients with an opaque next cursor.
func (h *clientsHandler) ListClients(w http.ResponseWriter, r *http.Request) {
	params := client.ListParams{Cursor: r.URL.Query().Get("cursor")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		params.Limit = n
	}

	clients, next, err := h.store.List(r.Context(), params)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to list clients")
		return
	}
	if clients == nil {
		clients = []*client.Client{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"clients":     clients,
		"next_cursor": next,
	})
}

// GetClient returns a single client by id.
func (h *clientsHandler) GetClient(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "client not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load client")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// UpdateClient applies a partial update to name and rate limit.
func (h *clientsHandler) UpdateClient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req client.UpdateClientInput
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Name == nil && req.RateLimit == nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "nothing to update")
		return
	}
	if req.RateLimit != nil && *req.RateLimit < 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "rate_limit must not be negative")
		return
	}

	c, err := h.store.Update(r.Context(), id, req)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "client not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update client")
		return
	}

	auditLog(r, "client.update", "client", id)
	writeJSON(w, http.StatusOK, c)
}

// DeleteClient removes a client; its API key stops working immediately.
func (h *clientsHandler) DeleteClient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "client not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete client")
		return
	}

	auditLog(r, "client.delete", "client", id)
	w.WriteHeader(http.StatusNoContent)
}

// GetSelf returns the authenticated client's own record.
func (h *clientsHandler) GetSelf(w http.ResponseWriter, r *http.Request) {
	me := auth.ClientFromContext(r.Context())
	c, err := h.store.GetByID(r.Context(), me.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load client")
		return
	}
	writeJSON(w, http.StatusOK, c)
}
