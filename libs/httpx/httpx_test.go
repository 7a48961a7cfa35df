package httpx

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestChainOrder(t *testing.T) {
	var order []string
	mk := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(okHandler(), mk("a"), nil, mk("b"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if strings.Join(order, ",") != "a,b" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestWithRequestIDKeepsInboundValue(t *testing.T) {
	var seen string
	h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "req-123" || rec.Header().Get(RequestIDHeader) != "req-123" {
		t.Fatalf("expected inbound id to be kept, got %q", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 200))
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen == "" || len(seen) > maxRequestIDLen {
		t.Fatalf("expected a fresh id, got %q", seen)
	}
}

func TestRateLimiterTokenBucket(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	if !rl.Allow("1.2.3.4", now) || !rl.Allow("1.2.3.4", now) {
		t.Fatal("expected burst of 2 to be allowed")
	}
	if rl.Allow("1.2.3.4", now) {
		t.Fatal("expected third request to be limited")
	}
	if !rl.Allow("5.6.7.8", now) {
		t.Fatal("expected other client to have its own bucket")
	}
	if !rl.Allow("1.2.3.4", now.Add(31*time.Second)) {
		t.Fatal("expected a token to be refilled after half a window")
	}
}

func TestRedisRateLimiterMiddleware(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	rl := NewRedisRateLimiter(rdb, 1, time.Minute, "test")
	h := rl.Middleware(slog.New(slog.NewTextHandler(io.Discard, nil)), false)(okHandler())

	send := func() int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := send(); code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", code)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}

	mr.FastForward(time.Minute + time.Second)
	if code := send(); code != http.StatusOK {
		t.Fatalf("expected window reset, got %d", code)
	}
}

func TestRedisRateLimiterFailOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer func() { _ = rdb.Close() }()
	mr.Close()

	rl := NewRedisRateLimiter(rdb, 1, time.Minute, "test")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rec := httptest.NewRecorder()
	rl.Middleware(logger, true)(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected fail-open pass through, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	rl.Middleware(logger, false)(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when failing closed, got %d", rec.Code)
	}
}

func TestWithCORS(t *testing.T) {
	if WithCORS(CORSPolicy{}) != nil {
		t.Fatal("expected nil middleware without origins")
	}
	h := Chain(okHandler(), WithCORS(CORSPolicy{
		AllowedOrigins: []string{"https://widget.example"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://widget.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://widget.example" {
		t.Fatalf("unexpected preflight response %d %v", rec.Code, rec.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("expected no CORS headers for unknown origin")
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var dst struct {
		Reason string `json:"reason"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"reason":"x","other":1}`))
	if err := DecodeJSON(req, &dst); err == nil {
		t.Fatal("expected unknown field error")
	}
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(``))
	if err := DecodeJSON(req, &dst); err != nil {
		t.Fatalf("expected empty body to decode, got %v", err)
	}
}
