package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

// --- mock store ---

type mockClientLookup struct {
	clients map[string]*Client
}

func (m *mockClientLookup) GetByKeyHash(ctx context.Context, hash string) (*Client, error) {
	client, ok := m.clients[hash]
	if !ok {
		return nil, errors.New("not found")
	}
	return client, nil
}

// --- GenerateAPIKey tests ---

func TestGenerateAPIKey_PrefixAndLength(t *testing.T) {
	key, plaintext, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey() error: %v", err)
	}

	if !strings.HasPrefix(plaintext, "tally_") {
		t.Errorf("plaintext key should start with 'tally_', got %q", plaintext)
	}

	// "tally_" (6) + 32 random chars = 38
	if len(plaintext) != 38 {
		t.Errorf("expected plaintext length 38, got %d", len(plaintext))
	}

	if key.Prefix != plaintext[:13] {
		t.Errorf("expected prefix %q, got %q", plaintext[:13], key.Prefix)
	}

	if key.Hash == "" {
		t.Error("expected non-empty hash")
	}
}

func TestGenerateAPIKey_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		_, plaintext, err := GenerateAPIKey()
		if err != nil {
			t.Fatalf("GenerateAPIKey() error: %v", err)
		}
		if seen[plaintext] {
			t.Fatalf("duplicate key generated: %s", plaintext)
		}
		seen[plaintext] = true
	}
}

// --- HashKey tests ---

func TestHashKey_Deterministic(t *testing.T) {
	key := "tally_testkey1234567890abcdefghij"
	h1 := HashKey(key)
	h2 := HashKey(key)
	if h1 != h2 {
		t.Errorf("HashKey should be deterministic: %q != %q", h1, h2)
	}
}

func TestHashKey_DifferentInputs(t *testing.T) {
	h1 := HashKey("tally_key_aaa")
	h2 := HashKey("tally_key_bbb")
	if h1 == h2 {
		t.Error("different keys should produce different hashes")
	}
}

func TestHashKey_Length(t *testing.T) {
	h := HashKey("anything")
	// SHA-256 produces 64 hex characters
	if len(h) != 64 {
		t.Errorf("expected hash length 64, got %d", len(h))
	}
}

// --- Context helpers tests ---

func TestClientContext_RoundTrip(t *testing.T) {
	client := &Client{ID: "c1", Name: "test-client", UserID: "user-1", RateLimit: 100}
	ctx := ContextWithClient(context.Background(), client)
	got := ClientFromContext(ctx)
	if got == nil {
		t.Fatal("expected client from context, got nil")
	}
	if got.ID != client.ID {
		t.Errorf("expected ID %q, got %q", client.ID, got.ID)
	}
}

func TestClientFromContext_Empty(t *testing.T) {
	got := ClientFromContext(context.Background())
	if got != nil {
		t.Errorf("expected nil from empty context, got %+v", got)
	}
}

// --- ClientAuthMiddleware tests ---

func TestClientAuthMiddleware(t *testing.T) {
	plaintext := "tally_validkey1234567890abcdefgh"
	hash := HashKey(plaintext)

	store := &mockClientLookup{
		clients: map[string]*Client{
			hash: {ID: "client-1", Name: "TestClient", UserID: "user-1", RateLimit: 60},
		},
	}
	svc := NewService(store)

	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := ClientFromContext(r.Context())
		if client == nil {
			t.Error("expected client in context inside handler")
		}
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
		wantError  bool
	}{
		{
			name:       "valid key",
			authHeader: "Bearer " + plaintext,
			wantStatus: http.StatusOK,
			wantError:  false,
		},
		{
			name:       "invalid key",
			authHeader: "Bearer tally_wrongkey000000000000000000",
			wantStatus: http.StatusUnauthorized,
			wantError:  true,
		},
		{
			name:       "missing header",
			authHeader: "",
			wantStatus: http.StatusUnauthorized,
			wantError:  true,
		},
		{
			name:       "malformed header no bearer",
			authHeader: "Token " + plaintext,
			wantStatus: http.StatusUnauthorized,
			wantError:  true,
		},
		{
			name:       "bearer only no token",
			authHeader: "Bearer",
			wantStatus: http.StatusUnauthorized,
			wantError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rr := httptest.NewRecorder()

			handler := ClientAuthMiddleware(svc)(okHandler)
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}

			if tt.wantError {
				assertJSONError(t, rr, "unauthorized")
			}
		})
	}
}

// --- AdminKeyMiddleware tests ---

func TestAdminKeyMiddleware(t *testing.T) {
	adminKey := "super-secret-admin-key"
	hashed, err := bcrypt.GenerateFromPassword([]byte(adminKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	adminKeyHash := string(hashed)

	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		hash       string
		authHeader string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "valid admin key",
			hash:       adminKeyHash,
			authHeader: "Bearer " + adminKey,
			wantStatus: http.StatusOK,
		},
		{
			name:       "wrong admin key",
			hash:       adminKeyHash,
			authHeader: "Bearer wrong-key",
			wantStatus: http.StatusUnauthorized,
			wantCode:   "unauthorized",
		},
		{
			name:       "missing header",
			hash:       adminKeyHash,
			authHeader: "",
			wantStatus: http.StatusUnauthorized,
			wantCode:   "unauthorized",
		},
		{
			name:       "malformed header",
			hash:       adminKeyHash,
			authHeader: "Basic " + adminKey,
			wantStatus: http.StatusUnauthorized,
			wantCode:   "unauthorized",
		},
		{
			name:       "admin disabled",
			hash:       "",
			authHeader: "Bearer " + adminKey,
			wantStatus: http.StatusForbidden,
			wantCode:   "forbidden",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rr := httptest.NewRecorder()

			handler := AdminKeyMiddleware(tt.hash)(okHandler)
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}

			if tt.wantCode != "" {
				assertJSONError(t, rr, tt.wantCode)
			}
		})
	}
}

// assertJSONError checks that the response body contains the expected error JSON structure.
func assertJSONError(t *testing.T, rr *httptest.ResponseRecorder, wantCode string) {
	t.Helper()

	ct := rr.Header().Get("Content-Type")
	if !strings.Contains(ct, "application/json") {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}

	var resp errorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}

	if resp.Error.Code != wantCode {
		t.Errorf("expected error code %q, got %q", wantCode, resp.Error.Code)
	}
	if resp.Error.Message == "" {
		t.Error("expected non-empty error message")
	}
}
