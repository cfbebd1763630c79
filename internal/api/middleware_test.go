package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/lalithlochan/vlasia/internal/config"
	"github.com/lalithlochan/vlasia/internal/redis"
)

func TestBearerAuth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name   string
		secret string
		header string
		want   int
	}{
		{name: "valid token", secret: "s3cret", header: "Bearer s3cret", want: http.StatusNoContent},
		{name: "scheme is case insensitive", secret: "s3cret", header: "bearer s3cret", want: http.StatusNoContent},
		{name: "wrong token", secret: "s3cret", header: "Bearer guess", want: http.StatusUnauthorized},
		{name: "missing header", secret: "s3cret", header: "", want: http.StatusUnauthorized},
		{name: "basic scheme", secret: "s3cret", header: "Basic s3cret", want: http.StatusUnauthorized},
		{name: "empty secret rejects everything", secret: "", header: "Bearer ", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := BearerAuth(tt.secret, zap.NewNop())(ok)
			req := httptest.NewRequest(http.MethodGet, "/api/outbox/contacts", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if rec.Code == http.StatusUnauthorized {
				if rec.Header().Get("WWW-Authenticate") == "" {
					t.Error("missing WWW-Authenticate header")
				}
				if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
					t.Errorf("Content-Type = %q", ct)
				}
			}
		})
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{name: "remote addr", remote: "10.0.0.1:5555", want: "ip:10.0.0.1"},
		{name: "forwarded for first hop", remote: "10.0.0.1:5555", headers: map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.2"}, want: "ip:203.0.113.7"},
		{name: "real ip", remote: "10.0.0.1:5555", headers: map[string]string{"X-Real-IP": "198.51.100.4"}, want: "ip:198.51.100.4"},
		{name: "no port", remote: "10.0.0.9", want: "ip:10.0.0.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/contact", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := IPKeyFunc(req); got != tt.want {
				t.Errorf("IPKeyFunc() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := redis.New(context.Background(), config.Redis{Host: mr.Host(), Port: mustPort(t, mr)}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })

	limiter := redis.NewRateLimiter(client, zap.NewNop(), redis.RateLimitConfig{Limit: 2, Window: time.Minute})
	router := NewRouter(NewHandler(zap.NewNop(), NewMockRepository()),
		RouterConfig{OutboxSecret: testOutboxSecret, AdminAPIKey: testAdminKey, FormLimiter: limiter}, zap.NewNop())

	post := func(ip string) *httptest.ResponseRecorder {
		return doJSON(t, router, http.MethodPost, "/api/newsletter/subscribe", "",
			NewsletterRequest{Email: "x" + ip + "@example.com"}, "X-Forwarded-For", ip)
	}

	for i := 0; i < 2; i++ {
		if rec := post("203.0.113.1"); rec.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d limited too early", i+1)
		}
	}
	rec := post("203.0.113.1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" || rec.Header().Get("X-RateLimit-Limit") != "2" {
		t.Errorf("missing rate limit headers: %v", rec.Header())
	}

	if rec := post("203.0.113.2"); rec.Code == http.StatusTooManyRequests {
		t.Fatal("limit must be per client address")
	}

	// outbox routes are not throttled by the form limiter
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/outbox/contacts", nil)
		req.Header.Set("Authorization", "Bearer "+testOutboxSecret)
		req.Header.Set("X-Forwarded-For", "203.0.113.1")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("outbox request %d status = %d", i+1, rec.Code)
		}
	}
}

func TestRateLimitMiddleware_RedisDownFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := redis.New(context.Background(), config.Redis{Host: mr.Host(), Port: mustPort(t, mr)}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })
	limiter := redis.NewRateLimiter(client, zap.NewNop(), redis.RateLimitConfig{Limit: 1, Window: time.Minute})
	mr.Close()

	h := RateLimitMiddleware(limiter, zap.NewNop(), IPKeyFunc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/contact", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want request to pass through", rec.Code)
	}
}
