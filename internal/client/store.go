package client

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for clients.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new client store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Create inserts a new client and returns the created record.
func (s *Store) Create(ctx context.Context, in CreateClientInput) (*Client, error) {
	c := &Client{}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO clients (name, user_id, api_key_hash, api_key_prefix, rate_limit)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, name, user_id, api_key_hash, api_key_prefix, rate_limit, created_at`,
		in.Name, in.UserID, in.APIKeyHash, in.APIKeyPrefix, in.RateLimit,
	).Scan(&c.ID, &c.Name, &c.UserID, &c.APIKeyHash, &c.APIKeyPrefix, &c.RateLimit, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating client: %w", err)
	}
	return c, nil
}

// GetByID retrieves a client by its primary key.
func (s *Store) GetByID(ctx context.Context, id string) (*Client, error) {
	c := &Client{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, user_id, api_key_hash, api_key_prefix, rate_limit, created_at
		 FROM clients WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.Name, &c.UserID, &c.APIKeyHash, &c.APIKeyPrefix, &c.RateLimit, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("getting client by id: %w", err)
	}
	return c, nil
}

// GetByKeyHash retrieves a client by its API key hash, used for authentication.
func (s *Store) GetByKeyHash(ctx context.Context, hash string) (*Client, error) {
	c := &Client{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, user_id, api_key_hash, api_key_prefix, rate_limit, created_at
		 FROM clients WHERE api_key_hash = $1`,
		hash,
	).Scan(&c.ID, &c.Name, &c.UserID, &c.APIKeyHash, &c.APIKeyPrefix, &c.RateLimit, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("getting client by key hash: %w", err)
	}
	return c, nil
}

// List returns a page of clients ordered by created_at DESC, id DESC using
// cursor-based pagination. It returns the clients, the next cursor (empty if
// no more results), and any error.
func (s *Store) List(ctx context.Context, params ListParams) ([]*Client, string, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}

	var rows pgx.Rows
	var err error

	if params.Cursor != "" {
		cursorTime, cursorID, cerr := decodeCursor(params.Cursor)
		if cerr != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", cerr)
		}
		rows, err = s.pool.Query(ctx,
			`SELECT id, name, user_id, api_key_hash, api_key_prefix, rate_limit, created_at
			 FROM clients
			 WHERE (created_at, id) < ($1, $2)
			 ORDER BY created_at DESC, id DESC
			 LIMIT $3`,
			cursorTime, cursorID, limit+1,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, name, user_id, api_key_hash, api_key_prefix, rate_limit, created_at
			 FROM clients
			 ORDER BY created_at DESC, id DESC
			 LIMIT $1`,
			limit+1,
		)
	}
	if err != nil {
		return nil, "", fmt.Errorf("listing clients: %w", err)
	}
	defer rows.Close()

	var clients []*Client
	for rows.Next() {
		c := &Client{}
		if err := rows.Scan(&c.ID, &c.Name, &c.UserID, &c.APIKeyHash, &c.APIKeyPrefix, &c.RateLimit, &c.CreatedAt); err != nil {
			return nil, "", fmt.Errorf("scanning client row: %w", err)
		}
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating client rows: %w", err)
	}

	var nextCursor string
	if len(clients) > limit {
		last := clients[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		clients = clients[:limit]
	}

	return clients, nextCursor, nil
}

// Update performs a partial update on the client with the given id and returns
// the updated record.
func (s *Store) Update(ctx context.Context, id string, in UpdateClientInput) (*Client, error) {
	var setClauses []string
	var args []any
	argIdx := 1

	if in.Name != nil {
		setClauses = append(setClauses, fmt.Sprintf("name = $%d", argIdx))
		args = append(args, *in.Name)
		argIdx++
	}
	if in.RateLimit != nil {
		setClauses = append(setClauses, fmt.Sprintf("rate_limit = $%d", argIdx))
		args = append(args, *in.RateLimit)
		argIdx++
	}

	if len(setClauses) == 0 {
		return s.GetByID(ctx, id)
	}

	args = append(args, id)
	query := fmt.Sprintf(
		`UPDATE clients SET %s WHERE id = $%d
		 RETURNING id, name, user_id, api_key_hash, api_key_prefix, rate_limit, created_at`,
		strings.Join(setClauses, ", "), argIdx,
	)

	c := &Client{}
	err := s.pool.QueryRow(ctx, query, args...).
		Scan(&c.ID, &c.Name, &c.UserID, &c.APIKeyHash, &c.APIKeyPrefix, &c.RateLimit, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("updating client: %w", err)
	}
	return c, nil
}

// Delete removes a client by id. Returns pgx.ErrNoRows if no client matched.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM clients WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting client: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// encodeCursor produces a base64 string from a created_at timestamp and id.
func encodeCursor(createdAt time.Time, id string) string {
	raw := createdAt.Format(time.RFC3339Nano) + "|" + id
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// decodeCursor parses a base64 cursor back into its created_at and id parts.
func decodeCursor(cursor string) (time.Time, string, error) {
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor base64: %w", err)
	}

	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("invalid cursor format")
	}

	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor time: %w", err)
	}

	return t, parts[1], nil
}
