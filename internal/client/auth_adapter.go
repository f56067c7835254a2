package client

import (
	"context"

	"github.com/tallyhq/tally/internal/auth"
)

// AuthAdapter wraps a client Store to satisfy auth.ClientLookup.
type AuthAdapter struct {
	store *Store
}

// NewAuthAdapter creates an adapter that bridges client.Store to auth.ClientLookup.
func NewAuthAdapter(store *Store) *AuthAdapter {
	return &AuthAdapter{store: store}
}

// GetByKeyHash looks up a client by API key hash and converts to auth.Client.
func (a *AuthAdapter) GetByKeyHash(ctx context.Context, hash string) (*auth.Client, error) {
	c, err := a.store.GetByKeyHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	return &auth.Client{
		ID:        c.ID,
		Name:      c.Name,
		UserID:    c.UserID,
		RateLimit: c.RateLimit,
	}, nil
}
