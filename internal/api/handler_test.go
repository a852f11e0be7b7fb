package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nvallet/voxgate/internal/auth"
	"github.com/nvallet/voxgate/internal/metrics"
	"github.com/nvallet/voxgate/internal/registry"
)

type idleHandle struct{}

func (idleHandle) Ping() error                   { return nil }
func (idleHandle) ForceClose(code int, _ string) {}

func testRouter(t *testing.T, reg *registry.Registry) http.Handler {
	t.Helper()
	return NewRouter(RouterDeps{
		Registry: reg,
		Auth:     auth.New("test-secret", nil, 16, time.Minute),
		Metrics:  metrics.New(),
		AdminKey: "admin-key",
	})
}

func TestHealthCheck_OK(t *testing.T) {
	handler := testRouter(t, registry.New(10, 3))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", body["status"])
	}
}

func TestMetricsSummary(t *testing.T) {
	handler := testRouter(t, registry.New(10, 3))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/metrics/summary", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var summary metrics.Summary
	if err := json.NewDecoder(rec.Body).Decode(&summary); err != nil {
		t.Fatalf("failed to decode summary: %v", err)
	}
	if summary.Mode != metrics.ModeLive {
		t.Errorf("expected live mode, got %q", summary.Mode)
	}
}

func TestAdminRoutesRequireKey(t *testing.T) {
	handler := testRouter(t, registry.New(10, 3))

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{"no key", "", http.StatusUnauthorized},
		{"wrong key", "Bearer wrong", http.StatusUnauthorized},
		{"right key", "Bearer admin-key", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/connections", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

func TestListConnections(t *testing.T) {
	reg := registry.New(10, 3)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := reg.Register("conn-a", "acct-1", idleHandle{}, now); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("conn-b", "acct-2", idleHandle{}, now.Add(time.Second)); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Touch("conn-a", now)
	reg.Touch("conn-a", now.Add(4*time.Second))

	handler := testRouter(t, reg)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/connections", nil)
	req.Header.Set("Authorization", "Bearer admin-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var resp connectionsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Count != 2 {
		t.Fatalf("expected 2 connections, got %d", resp.Count)
	}
	if resp.Connections[0].ID != "conn-a" || resp.Connections[1].ID != "conn-b" {
		t.Errorf("expected start-time order, got %s then %s", resp.Connections[0].ID, resp.Connections[1].ID)
	}
	if resp.Connections[0].UnbilledSeconds != 4 {
		t.Errorf("expected 4 unbilled seconds, got %v", resp.Connections[0].UnbilledSeconds)
	}
}

func TestRechargeValidation(t *testing.T) {
	handler := testRouter(t, registry.New(10, 3))

	tests := []struct {
		name string
		body string
	}{
		{"malformed body", `{not json`},
		{"missing account", `{"amount": 10}`},
		{"zero amount", `{"accountId": "acct-1", "amount": 0}`},
		{"negative amount", `{"accountId": "acct-1", "amount": -5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/recharge", strings.NewReader(tt.body))
			req.Header.Set("Authorization", "Bearer admin-key")
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d", rec.Code)
			}
			var envelope errorEnvelope
			if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
				t.Fatalf("failed to decode error: %v", err)
			}
			if envelope.Error.Code == "" {
				t.Error("expected an error code in the envelope")
			}
		})
	}
}

func TestPaymentNotifyValidation(t *testing.T) {
	handler := testRouter(t, registry.New(10, 3))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/payments/notify",
		strings.NewReader(`{"accountId": "acct-1", "amount": 10}`))
	req.Header.Set("Authorization", "Bearer admin-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// missing payment reference
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rec.Code)
	}
}
