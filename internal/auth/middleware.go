package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

type contextKey int

const clientContextKey contextKey = iota

// ContextWithClient returns a new context carrying the given client.
func ContextWithClient(ctx context.Context, client *Client) context.Context {
	return context.WithValue(ctx, clientContextKey, client)
}

// ClientFromContext extracts the client from the context, or nil if not present.
func ClientFromContext(ctx context.Context) *Client {
	client, _ := ctx.Value(clientContextKey).(*Client)
	return client
}

// ClientAuthMiddleware returns middleware that authenticates requests using an
// API key in the Authorization header. The key is hashed and looked up via the
// service's client store. On success the client is injected into the request
// context. Optional observers are called with the outcome of each attempt.
func ClientAuthMiddleware(svc *Service, observe ...func(success bool)) func(http.Handler) http.Handler {
	report := func(success bool) {
		for _, fn := range observe {
			fn(success)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				report(false)
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}

			hash := HashKey(token)
			client, err := svc.store.GetByKeyHash(r.Context(), hash)
			if err != nil || client == nil {
				report(false)
				writeUnauthorized(w, "invalid api key")
				return
			}

			report(true)
			ctx := ContextWithClient(r.Context(), client)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminKeyMiddleware requires the bearer token to match the configured admin
// key. The stored value is a bcrypt hash so the plaintext never sits in
// config; an empty hash disables all admin routes.
func AdminKeyMiddleware(adminKeyHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminKeyHash == "" {
				writeForbidden(w, "admin access is not configured")
				return
			}

			token := extractBearerToken(r)
			if token == "" {
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}

			if err := bcrypt.CompareHashAndPassword([]byte(adminKeyHash), []byte(token)); err != nil {
				writeUnauthorized(w, "invalid admin key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{
			Code:    "unauthorized",
			Message: message,
		},
	})
}

func writeForbidden(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{
			Code:    "forbidden",
			Message: message,
		},
	})
}
