package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tallyhq/tally/internal/catalog"
	"github.com/tallyhq/tally/internal/ledger"
	"github.com/tallyhq/tally/internal/metrics"
)

// packagesHandler serves the credit package catalog and purchases. The
// client-facing list shows active packages only; admins manage the full set.
type packagesHandler struct {
	catalog *catalog.Service
	metrics *metrics.Metrics
}

func newPackagesHandler(svc *catalog.Service, m *metrics.Metrics) *packagesHandler {
	return &packagesHandler{catalog: svc, metrics: m}
}

// ListActive returns purchasable packages, cheapest first.
func (h *packagesHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, true)
}

// ListAll returns every package, including retired ones.
func (h *packagesHandler) ListAll(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, false)
}

func (h *packagesHandler) list(w http.ResponseWriter, r *http.Request, activeOnly bool) {
	pkgs, err := h.catalog.List(r.Context(), activeOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list packages")
		return
	}
	if pkgs == nil {
		pkgs = []*catalog.Package{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"packages": pkgs})
}

// GetPackage returns a single package by id.
func (h *packagesHandler) GetPackage(w http.ResponseWriter, r *http.Request) {
	pkg, err := h.catalog.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, catalog.ErrPackageNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "package not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load package")
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

// CreatePackage adds a package to the catalog.
func (h *packagesHandler) CreatePackage(w http.ResponseWriter, r *http.Request) {
	var req catalog.CreatePackageInput
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	pkg, err := h.catalog.Create(r.Context(), req)
	if err != nil {
		if isCatalogValidationError(err) {
			writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create package")
		return
	}

	auditLog(r, "package.create", "package", pkg.ID, "name", pkg.Name, "credits", pkg.Credits)
	writeJSON(w, http.StatusCreated, pkg)
}

// UpdatePackage applies a partial update, including activation toggles.
func (h *packagesHandler) UpdatePackage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req catalog.UpdatePackageInput
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	pkg, err := h.catalog.Update(r.Context(), id, req)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrPackageNotFound):
			writeError(w, http.StatusNotFound, "not_found", "package not found")
		case isCatalogValidationError(err):
			writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to update package")
		}
		return
	}

	auditLog(r, "package.update", "package", id)
	writeJSON(w, http.StatusOK, pkg)
}

// DeletePackage removes a package from the catalog entirely. Retiring via
// the active flag is usually the better option once purchases reference it.
func (h *packagesHandler) DeletePackage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.catalog.Delete(r.Context(), id); err != nil {
		if errors.Is(err, catalog.ErrPackageNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "package not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete package")
		return
	}

	auditLog(r, "package.delete", "package", id)
	w.WriteHeader(http.StatusNoContent)
}

type purchaseRequest struct {
	UserID     string `json:"user_id"`
	PackageID  string `json:"package_id"`
	PaymentRef string `json:"payment_ref"`
}

// Purchase grants a package's credits to a user against a settled payment
// reference. Called by the payment webhook processor, not by API clients.
func (h *packagesHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "user_id is required")
		return
	}

	res, pkg, err := h.catalog.Purchase(r.Context(), catalog.PurchaseInput{
		UserID:     req.UserID,
		PackageID:  req.PackageID,
		PaymentRef: req.PaymentRef,
	})
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrPackageNotFound):
			writeError(w, http.StatusNotFound, "not_found", "package not found")
		case errors.Is(err, catalog.ErrPackageInactive):
			writeError(w, http.StatusConflict, "package_inactive", "package is not available for purchase")
		case errors.Is(err, catalog.ErrPaymentRefRequired):
			writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", "purchase failed")
		}
		return
	}

	if h.metrics != nil && res.Success {
		h.metrics.AddCreditsGranted(ledger.OpPurchase, pkg.Credits)
	}
	auditLog(r, "package.purchase", "package", req.PackageID, "user_id", req.UserID, "credits", pkg.Credits)
	writeResult(w, res, http.StatusNotFound)
}

func isCatalogValidationError(err error) bool {
	return errors.Is(err, catalog.ErrNameRequired) ||
		errors.Is(err, catalog.ErrCreditsInvalid) ||
		errors.Is(err, catalog.ErrPriceInvalid) ||
		errors.Is(err, catalog.ErrCurrencyInvalid)
}
