package client

import "time"

// Client represents a registered API client. Each client spends from the
// credit account identified by UserID; several clients may share one account.
type Client struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	UserID       string    `json:"user_id"`
	APIKeyHash   string    `json:"-"`
	APIKeyPrefix string    `json:"api_key_prefix"`
	RateLimit    int       `json:"rate_limit"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateClientInput holds the fields required to create a new client.
type CreateClientInput struct {
	Name         string `json:"name"`
	UserID       string `json:"user_id"`
	APIKeyHash   string `json:"api_key_hash"`
	APIKeyPrefix string `json:"api_key_prefix"`
	RateLimit    int    `json:"rate_limit"`
}

// UpdateClientInput holds optional fields for a partial client update.
type UpdateClientInput struct {
	Name      *string `json:"name,omitempty"`
	RateLimit *int    `json:"rate_limit,omitempty"`
}

// ListParams controls cursor-based pagination for listing clients.
type ListParams struct {
	Cursor string `json:"cursor"`
	Limit  int    `json:"limit"`
}
