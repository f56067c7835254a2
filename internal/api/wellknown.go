package api

import "net/http"

// wellKnownManifest is the static JSON manifest for /.well-known/tally.json.
const wellKnownManifest = `{
  "name": "Tally",
  "description": "Prepaid credit ledger and metering service for AI usage",
  "version": "0.1.0",
  "api_base": "/api/v1",
  "auth": {
    "type": "bearer",
    "header": "Authorization"
  },
  "endpoints": {
    "balance": "/api/v1/credits/balance",
    "deduct": "/api/v1/credits/deduct",
    "history": "/api/v1/credits/history",
    "reservations": "/api/v1/reservations",
    "usage": "/api/v1/usage",
    "packages": "/api/v1/packages"
  },
  "health": "/health"
}`

// WellKnownHandler returns the static Tally well-known manifest.
func WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(wellKnownManifest))
}
