package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pawfect/cmd/internal/auth"
)

func newTestApp(t *testing.T) *App {
	t.Helper()

	cfg := validConfig()
	cfg.FrontendOrigins = []string{"http://localhost:5173"}
	cfg.SendRateLimit = 0

	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.close)
	return a
}

func TestRouter_HealthAndReady(t *testing.T) {
	t.Parallel()

	h := newTestApp(t).Handler()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("GET %s status=%d want=%d", path, rr.Code, http.StatusOK)
		}
		if rr.Header().Get(requestIDHeader) == "" {
			t.Fatalf("GET %s: missing %s", path, requestIDHeader)
		}
		if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Fatalf("GET %s: missing security headers", path)
		}
	}
}

func TestHandleReady_RequireDB(t *testing.T) {
	t.Parallel()

	rt := routes{cfg: Config{ReadinessRequireDB: true}}
	rr := httptest.NewRecorder()
	rt.handleReady(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want=%d", rr.Code, http.StatusServiceUnavailable)
	}

	rt = routes{cfg: Config{}, db: &Database{}}
	rr = httptest.NewRecorder()
	rt.handleReady(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("db not ready: status=%d want=%d", rr.Code, http.StatusServiceUnavailable)
	}
}

func TestRouter_ConversationsRequireToken(t *testing.T) {
	t.Parallel()

	h := newTestApp(t).Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/conversations/me", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status=%d want=%d", rr.Code, http.StatusUnauthorized)
	}

	iss, err := auth.NewIssuer(testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	tok, err := iss.Issue(auth.Caller{UserID: 7, Role: auth.RoleUser, Email: "owner@example.com"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	get := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/conversations/me", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	first := get()
	if first.Code != http.StatusCreated {
		t.Fatalf("first /me status=%d want=%d body=%s", first.Code, http.StatusCreated, first.Body.String())
	}
	second := get()
	if second.Code != http.StatusOK {
		t.Fatalf("second /me status=%d want=%d", second.Code, http.StatusOK)
	}

	var a, b struct {
		ID int64 `json:"conversation_id"`
	}
	if err := json.Unmarshal(first.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := json.Unmarshal(second.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a.ID == 0 || a.ID != b.ID {
		t.Fatalf("ids=%d,%d want the same non-zero conversation", a.ID, b.ID)
	}
}

func TestRouter_ForgotPasswordIsMounted(t *testing.T) {
	t.Parallel()

	h := newTestApp(t).Handler()

	req := httptest.NewRequest(http.MethodPost, "/users/forgot-password", strings.NewReader(`{"email":"nobody@example.com"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want=%d body=%s", rr.Code, http.StatusOK, rr.Body.String())
	}
}
