package catalog

import "time"

// Package is a purchasable credit bundle.
type Package struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Credits     int64     `json:"credits"`
	PriceCents  int64     `json:"price_cents"`
	Currency    string    `json:"currency"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreatePackageInput holds the fields required to create a new package.
type CreatePackageInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Credits     int64  `json:"credits"`
	PriceCents  int64  `json:"price_cents"`
	Currency    string `json:"currency"`
}

// UpdatePackageInput holds the fields that can be updated on a package.
// All fields are optional; only non-nil fields are applied.
type UpdatePackageInput struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Credits     *int64  `json:"credits"`
	PriceCents  *int64  `json:"price_cents"`
	Currency    *string `json:"currency"`
	Active      *bool   `json:"active"`
}

// PurchaseInput describes a completed payment to convert into credits.
// PaymentRef is the upstream payment processor's reference.
type PurchaseInput struct {
	UserID     string `json:"user_id"`
	PackageID  string `json:"package_id"`
	PaymentRef string `json:"payment_ref"`
}
