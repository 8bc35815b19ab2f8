package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func rateLimitedEcho(cfg RateLimitConfig) *echo.Echo {
	e := echo.New()
	g := e.Group("", RateLimit(cfg))
	ok := func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }
	g.GET("/patients/:patient_id/chart", ok)
	g.GET("/ping", ok)
	return e
}

func doGet(e *echo.Echo, path, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = ip + ":1234"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_AllowsBurstThenRejects(t *testing.T) {
	e := rateLimitedEcho(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 2})

	for i := 0; i < 2; i++ {
		if rec := doGet(e, "/ping", "10.0.0.1"); rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: expected 204, got %d", i, rec.Code)
		}
	}
	rec := doGet(e, "/ping", "10.0.0.1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if got := doGet(e, "/ping", "10.0.0.2").Code; got != http.StatusNoContent {
		t.Errorf("other clients must not be limited, got %d", got)
	}
}

func TestRateLimit_KeysByPatient(t *testing.T) {
	e := rateLimitedEcho(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1})

	if got := doGet(e, "/patients/a/chart", "10.0.0.1").Code; got != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", got)
	}
	if got := doGet(e, "/patients/a/chart", "10.0.0.1").Code; got != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for the same patient, got %d", got)
	}
	if got := doGet(e, "/patients/b/chart", "10.0.0.1").Code; got != http.StatusNoContent {
		t.Errorf("expected another patient to have its own budget, got %d", got)
	}
}

func TestLimiterStore_SweepsIdleEntries(t *testing.T) {
	store := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	now := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	store.get("a")
	store.get("b")
	if store.len() != 2 {
		t.Fatalf("expected 2 entries, got %d", store.len())
	}
	now = now.Add(2 * time.Minute)
	store.get("c")
	if store.len() != 1 {
		t.Errorf("expected idle entries swept, got %d", store.len())
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := SecurityHeaders()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
		"Referrer-Policy":        "no-referrer",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}
