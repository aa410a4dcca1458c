package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/creatorpay/escrow-engine/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		FeeRate:            0.1,
		AutoReleaseDays:    7,
		Currency:           "KES",
		SchedulerInterval:  time.Minute,
		ProviderSecretKey:  "whsec_test",
		FrontendURL:        "https://app.example.test",
		PlatformServiceURL: "http://user-service.internal",
		RateLimitRPM:       1000,
		HTTPReadTimeout:    10 * time.Second,
		HTTPWriteTimeout:   30 * time.Second,
		HTTPIdleTimeout:    60 * time.Second,
		RequestTimeout:     30 * time.Second,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if s.rateLimiter != nil {
			s.rateLimiter.Stop()
		}
	})
	return s
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Fatalf("expected status healthy, got %v", resp["status"])
	}
}

// TestHealthEndpoint_NoDatabaseIsStillHealthy confirms that running on
// in-memory stores (no DATABASE_URL) registers no health checks, so the
// aggregate health is trivially healthy rather than degraded.
func TestHealthEndpoint_NoDatabaseIsStillHealthy(t *testing.T) {
	s := newTestServer(t)
	if s.db != nil {
		t.Fatal("expected a nil db when DatabaseURL is unset")
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint_NotReadyUntilRunMarksIt(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before Run() marks the server ready, got %d", w.Code)
	}
}

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.Router().Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"POST:/escrow/from-job-proposal/:id",
		"POST:/escrow/:id/release",
		"POST:/webhooks/payment-provider",
		"POST:/seller/payout-account",
	}

	routeSet := make(map[string]bool, len(routes))
	for _, r := range routes {
		routeSet[r.Method+":"+r.Path] = true
	}
	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("expected route %s to be registered", e)
		}
	}
}

func TestRequestIDMiddleware_GeneratesWhenAbsent(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.Router().ServeHTTP(w, req)

	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a generated X-Request-ID header")
	}
}

func TestRequestIDMiddleware_PreservesProvided(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-fixed-123")
	s.Router().ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "req-fixed-123" {
		t.Fatalf("expected the provided request id to be preserved, got %s", got)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestSecurityHeadersMiddleware_Applied(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.Router().ServeHTTP(w, req)

	if w.Header().Get("X-Content-Type-Options") == "" {
		t.Fatal("expected security headers middleware to set X-Content-Type-Options")
	}
}
