package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrPackageNotFound is returned when no package exists for the given id.
var ErrPackageNotFound = errors.New("package not found")

const packageColumns = `id, name, description, credits, price_cents, currency, active, created_at, updated_at`

// Store provides database operations for credit packages.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new package store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanPackage(row pgx.Row) (*Package, error) {
	p := &Package{}
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Credits, &p.PriceCents,
		&p.Currency, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPackageNotFound
		}
		return nil, err
	}
	return p, nil
}

// Create inserts a new package and returns the created record.
func (s *Store) Create(ctx context.Context, in CreatePackageInput) (*Package, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO credit_packages (name, description, credits, price_cents, currency)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+packageColumns,
		in.Name, in.Description, in.Credits, in.PriceCents, in.Currency,
	)
	p, err := scanPackage(row)
	if err != nil {
		return nil, fmt.Errorf("creating package: %w", err)
	}
	return p, nil
}

// GetByID retrieves a package by its primary key.
func (s *Store) GetByID(ctx context.Context, id string) (*Package, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+packageColumns+` FROM credit_packages WHERE id = $1`, id)
	p, err := scanPackage(row)
	if err != nil {
		if errors.Is(err, ErrPackageNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("getting package by id: %w", err)
	}
	return p, nil
}

// List returns packages ordered by price. When activeOnly is set, retired
// packages are excluded.
func (s *Store) List(ctx context.Context, activeOnly bool) ([]*Package, error) {
	query := `SELECT ` + packageColumns + ` FROM credit_packages`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY price_cents ASC, id ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing packages: %w", err)
	}
	defer rows.Close()

	var packages []*Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning package row: %w", err)
		}
		packages = append(packages, p)
	}
	return packages, rows.Err()
}

// Update performs a partial update on the package with the given id and
// returns the updated record.
func (s *Store) Update(ctx context.Context, id string, in UpdatePackageInput) (*Package, error) {
	var setClauses []string
	var args []any
	argIdx := 1

	add := func(col string, val any) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, argIdx))
		args = append(args, val)
		argIdx++
	}

	if in.Name != nil {
		add("name", *in.Name)
	}
	if in.Description != nil {
		add("description", *in.Description)
	}
	if in.Credits != nil {
		add("credits", *in.Credits)
	}
	if in.PriceCents != nil {
		add("price_cents", *in.PriceCents)
	}
	if in.Currency != nil {
		add("currency", *in.Currency)
	}
	if in.Active != nil {
		add("active", *in.Active)
	}

	if len(setClauses) == 0 {
		return s.GetByID(ctx, id)
	}
	setClauses = append(setClauses, "updated_at = now()")

	args = append(args, id)
	query := fmt.Sprintf(
		`UPDATE credit_packages SET %s WHERE id = $%d RETURNING `+packageColumns,
		strings.Join(setClauses, ", "), argIdx,
	)

	p, err := scanPackage(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, ErrPackageNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("updating package: %w", err)
	}
	return p, nil
}

// Delete removes a package by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM credit_packages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting package: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPackageNotFound
	}
	return nil
}
