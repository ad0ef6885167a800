package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	server := NewHTTPServer(env.svc, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		pingErr    error
		wantCode   int
		wantStatus string
		wantDB     string
	}{
		{name: "database up", wantCode: http.StatusOK, wantStatus: "ready", wantDB: "ok"},
		{name: "database down", pingErr: errors.New("connection refused"), wantCode: http.StatusServiceUnavailable, wantStatus: "not_ready", wantDB: "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.store.pingErr = tt.pingErr
			server := NewHTTPServer(env.svc, "*")

			req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
			rr := httptest.NewRecorder()
			server.Handler().ServeHTTP(rr, req)

			if rr.Code != tt.wantCode {
				t.Fatalf("expected status %d, got %d", tt.wantCode, rr.Code)
			}
			var response map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if status := response["status"]; status != tt.wantStatus {
				t.Errorf("expected status=%s, got %v", tt.wantStatus, status)
			}
			checks, _ := response["checks"].(map[string]any)
			dbCheck, ok := checks["database"].(map[string]any)
			if !ok {
				t.Fatalf("expected database check, got %v", response["checks"])
			}
			if dbCheck["status"] != tt.wantDB {
				t.Errorf("expected database status=%s, got %v", tt.wantDB, dbCheck["status"])
			}
			if tt.pingErr != nil && dbCheck["error"] != tt.pingErr.Error() {
				t.Errorf("expected database error=%q, got %v", tt.pingErr.Error(), dbCheck["error"])
			}
		})
	}
}

func TestHealthEndpoint_OptionsRequest(t *testing.T) {
	env := newTestEnv(t)
	server := NewHTTPServer(env.svc, "*")

	req := httptest.NewRequest(http.MethodOptions, "/api/documents", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected status 204 for OPTIONS, got %d", rr.Code)
	}
}

func TestHealthEndpoint_CORSHeaders(t *testing.T) {
	env := newTestEnv(t)
	server := NewHTTPServer(env.svc, "https://editor.example")

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "https://editor.example" {
		t.Errorf("expected CORS origin, got %v", origin)
	}
	if cache := rr.Header().Get("Cache-Control"); cache != "no-store" {
		t.Errorf("expected Cache-Control=no-store, got %v", cache)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Errorf("expected X-Request-ID header")
	}
}

func TestPingMethod(t *testing.T) {
	env := newTestEnv(t)
	if err := env.svc.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	env.store.pingErr = errors.New("connection failed")
	if err := env.svc.Ping(context.Background()); err == nil {
		t.Fatalf("Ping() expected error")
	}
}
