package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tallyhq/tally/internal/crypto"
	"github.com/tallyhq/tally/internal/ledger"
)

// Validation errors returned by the Service layer.
var (
	ErrNameRequired       = errors.New("name is required")
	ErrCreditsInvalid     = errors.New("credits must be positive")
	ErrPriceInvalid       = errors.New("price_cents must not be negative")
	ErrCurrencyInvalid    = errors.New("currency must be a 3-letter code")
	ErrPackageInactive    = errors.New("package is no longer for sale")
	ErrPaymentRefRequired = errors.New("payment_ref is required")
)

// CreditGranter is the ledger surface purchases settle against; satisfied by
// *ledger.Ledger.
type CreditGranter interface {
	Add(ctx context.Context, userID string, amount int64, operation string, meta ledger.Metadata) (*ledger.Result, error)
}

// packageStore is the persistence surface the Service needs; satisfied by
// *Store and faked in tests.
type packageStore interface {
	Create(ctx context.Context, in CreatePackageInput) (*Package, error)
	GetByID(ctx context.Context, id string) (*Package, error)
	List(ctx context.Context, activeOnly bool) ([]*Package, error)
	Update(ctx context.Context, id string, in UpdatePackageInput) (*Package, error)
	Delete(ctx context.Context, id string) error
}

// Service provides validated business logic over the package Store and turns
// completed payments into credit grants.
type Service struct {
	store  packageStore
	ledger CreditGranter
	cipher *crypto.Cipher
}

// NewService creates a Service. cipher may be nil, in which case payment
// references are stored as-is.
func NewService(store *Store, granter CreditGranter, cipher *crypto.Cipher) *Service {
	return &Service{store: store, ledger: granter, cipher: cipher}
}

// Create validates the input and creates the package.
func (s *Service) Create(ctx context.Context, input CreatePackageInput) (*Package, error) {
	if input.Currency == "" {
		input.Currency = "USD"
	}
	if err := validateCreate(input); err != nil {
		return nil, err
	}
	return s.store.Create(ctx, input)
}

// GetByID retrieves a package by its ID.
func (s *Service) GetByID(ctx context.Context, id string) (*Package, error) {
	return s.store.GetByID(ctx, id)
}

// List returns packages, optionally only those still for sale.
func (s *Service) List(ctx context.Context, activeOnly bool) ([]*Package, error) {
	return s.store.List(ctx, activeOnly)
}

// Update validates the input and applies the update.
func (s *Service) Update(ctx context.Context, id string, input UpdatePackageInput) (*Package, error) {
	if err := validateUpdate(input); err != nil {
		return nil, err
	}
	return s.store.Update(ctx, id, input)
}

// Delete removes a package by its ID.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// Purchase converts a completed payment into a credit grant on the buyer's
// account. The payment reference is encrypted before it lands in transaction
// metadata when a cipher is configured. Called after the payment processor
// has settled; it does not take money.
func (s *Service) Purchase(ctx context.Context, input PurchaseInput) (*ledger.Result, *Package, error) {
	if strings.TrimSpace(input.PaymentRef) == "" {
		return nil, nil, ErrPaymentRefRequired
	}

	pkg, err := s.store.GetByID(ctx, input.PackageID)
	if err != nil {
		return nil, nil, err
	}
	if !pkg.Active {
		return nil, nil, ErrPackageInactive
	}

	ref, err := s.cipher.Encrypt(input.PaymentRef)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypting payment ref: %w", err)
	}

	res, err := s.ledger.Add(ctx, input.UserID, pkg.Credits, ledger.OpPurchase, &ledger.PurchaseMetadata{
		PackageID:  pkg.ID,
		PaymentRef: ref,
	})
	if err != nil {
		return nil, nil, err
	}
	return res, pkg, nil
}

// validateCreate checks that all required fields are present and valid.
func validateCreate(input CreatePackageInput) error {
	if strings.TrimSpace(input.Name) == "" {
		return ErrNameRequired
	}
	if input.Credits <= 0 {
		return ErrCreditsInvalid
	}
	if input.PriceCents < 0 {
		return ErrPriceInvalid
	}
	if len(input.Currency) != 3 {
		return ErrCurrencyInvalid
	}
	return nil
}

// validateUpdate checks that any provided fields are valid.
func validateUpdate(input UpdatePackageInput) error {
	if input.Name != nil && strings.TrimSpace(*input.Name) == "" {
		return ErrNameRequired
	}
	if input.Credits != nil && *input.Credits <= 0 {
		return ErrCreditsInvalid
	}
	if input.PriceCents != nil && *input.PriceCents < 0 {
		return ErrPriceInvalid
	}
	if input.Currency != nil && len(*input.Currency) != 3 {
		return ErrCurrencyInvalid
	}
	return nil
}
