package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/goccy/go-json"
)

func TestMain(m *testing.M) {
	code := m.Run()
	for _, f := range []string{"focusd.db", "focusd.db-wal", "focusd.db-shm"} {
		os.Remove(f)
	}
	os.Exit(code)
}

func TestRoutesRequireAuth(t *testing.T) {
	route := GetMainEngine()

	protected := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/pair/issue"},
		{http.MethodGet, "/pair/qr"},
		{http.MethodPost, "/sync/write"},
		{http.MethodGet, "/sync/docs"},
		{http.MethodGet, "/sync/stream"},
		{http.MethodGet, "/devices/"},
		{http.MethodPost, "/devices/unlink"},
	}
	for _, tt := range protected {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(tt.method, tt.path, nil)
		route.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s = %d, want 401", tt.method, tt.path, w.Code)
		}
	}
}

func TestMetricsExposed(t *testing.T) {
	route := GetMainEngine()
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/metrics", nil)
	route.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("metrics = %d, want 200", w.Code)
	}
}

func TestRegisterLoginRoundTrip(t *testing.T) {
	route := GetMainEngine()

	register, _ := json.Marshal(map[string]string{
		"email":     "roundtrip@example.com",
		"password":  "hunter2hunter2",
		"role":      "Parent",
		"device_id": "dev-main-test",
	})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/auth/register", bytes.NewReader(register))
	req.Header.Set("Content-Type", "application/json")
	route.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("register = %d, body = %s", w.Code, w.Body.String())
	}

	login, _ := json.Marshal(map[string]string{
		"provider_kind": "password",
		"email":         "roundtrip@example.com",
		"password":      "hunter2hunter2",
		"device_id":     "dev-main-test",
	})
	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(login))
	req.Header.Set("Content-Type", "application/json")
	route.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("login = %d, body = %s", w.Code, w.Body.String())
	}

	var loginResp struct {
		Authorization string `json:"authorization"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &loginResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if loginResp.Authorization == "" {
		t.Fatalf("no bearer token in login response")
	}

	// the issued token opens the protected surface
	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/sync/docs", nil)
	req.Header.Set("Authorization", "Bearer "+loginResp.Authorization)
	route.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("authed sync/docs = %d, body = %s", w.Code, w.Body.String())
	}
}
