package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nvallet/voxgate/internal/account"
)

const testSecret = "test-secret"

// --- mock store ---

type mockAccountGetter struct {
	accounts map[string]*account.Account
	calls    int
}

func (m *mockAccountGetter) GetByID(ctx context.Context, id string) (*account.Account, error) {
	m.calls++
	a, ok := m.accounts[id]
	if !ok {
		return nil, account.ErrNotFound
	}
	return a, nil
}

func activeAccount(id string) *account.Account {
	return &account.Account{
		ID:         id,
		Email:      id + "@example.com",
		Balance:    10,
		QuotaLimit: 600,
		Status:     account.StatusActive,
	}
}

func newTestAuthenticator(store AccountGetter) *Authenticator {
	return New(testSecret, store, 16, time.Minute)
}

func mustSign(t *testing.T, secret, accountID string, ttl time.Duration) string {
	t.Helper()
	token, err := SignToken(secret, accountID, ttl)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	return token
}

// --- Authenticate tests ---

func TestAuthenticate_Valid(t *testing.T) {
	store := &mockAccountGetter{accounts: map[string]*account.Account{
		"acc-1": activeAccount("acc-1"),
	}}
	a := newTestAuthenticator(store)

	snap, err := a.Authenticate(context.Background(), mustSign(t, testSecret, "acc-1", time.Hour))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if snap.ID != "acc-1" {
		t.Errorf("expected account id acc-1, got %s", snap.ID)
	}
	if snap.Balance != 10 {
		t.Errorf("expected balance 10, got %v", snap.Balance)
	}
}

func TestAuthenticate_Rejections(t *testing.T) {
	store := &mockAccountGetter{accounts: map[string]*account.Account{
		"acc-1": activeAccount("acc-1"),
	}}
	a := newTestAuthenticator(store)

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"missing token", "", ErrTokenMissing},
		{"malformed token", "not-a-jwt", ErrTokenMalformed},
		{"wrong secret", mustSign(t, "other-secret", "acc-1", time.Hour), ErrTokenInvalid},
		{"expired token", mustSign(t, testSecret, "acc-1", -time.Hour), ErrTokenInvalid},
		{"unknown account", mustSign(t, testSecret, "acc-404", time.Hour), ErrAccountNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Authenticate(context.Background(), tt.token)
			if err != tt.wantErr {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestAuthenticate_CachesSnapshot(t *testing.T) {
	store := &mockAccountGetter{accounts: map[string]*account.Account{
		"acc-1": activeAccount("acc-1"),
	}}
	a := newTestAuthenticator(store)
	token := mustSign(t, testSecret, "acc-1", time.Hour)

	for i := 0; i < 5; i++ {
		if _, err := a.Authenticate(context.Background(), token); err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
	}

	if store.calls != 1 {
		t.Errorf("expected a single store hit, got %d", store.calls)
	}

	a.Invalidate("acc-1")
	if _, err := a.Authenticate(context.Background(), token); err != nil {
		t.Fatalf("Authenticate after invalidate: %v", err)
	}
	if store.calls != 2 {
		t.Errorf("expected a second store hit after invalidate, got %d", store.calls)
	}
}

// --- ExtractBearerToken tests ---

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{"bearer header", "Bearer tok123", "", "tok123"},
		{"lowercase scheme", "bearer tok123", "", "tok123"},
		{"basic scheme rejected", "Basic tok123", "", ""},
		{"query fallback", "", "tok456", "tok456"},
		{"header wins over query", "Bearer tok123", "tok456", "tok123"},
		{"nothing", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "/ws"
			if tt.query != "" {
				url += "?token=" + tt.query
			}
			r := httptest.NewRequest(http.MethodGet, url, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := ExtractBearerToken(r); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

// --- AdminAuthMiddleware tests ---

func TestAdminAuthMiddleware(t *testing.T) {
	adminKey := "super-secret-admin-key"

	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		key        string
		authHeader string
		wantStatus int
	}{
		{"valid admin key", adminKey, "Bearer " + adminKey, http.StatusOK},
		{"wrong admin key", adminKey, "Bearer wrong-key", http.StatusUnauthorized},
		{"missing header", adminKey, "", http.StatusUnauthorized},
		{"malformed header", adminKey, "Basic " + adminKey, http.StatusUnauthorized},
		{"unconfigured key locks out", "", "Bearer anything", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rr := httptest.NewRecorder()

			AdminAuthMiddleware(tt.key)(okHandler).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			if tt.wantStatus == http.StatusUnauthorized {
				assertJSONError(t, rr)
			}
		})
	}
}

func assertJSONError(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()

	ct := rr.Header().Get("Content-Type")
	if !strings.Contains(ct, "application/json") {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}

	var resp errorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}

	if resp.Error.Code != "unauthorized" {
		t.Errorf("expected error code 'unauthorized', got %q", resp.Error.Code)
	}
	if resp.Error.Message == "" {
		t.Error("expected non-empty error message")
	}
}
