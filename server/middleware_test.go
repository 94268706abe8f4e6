package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAdminAuth(t *testing.T) {
	tests := []struct {
		name        string
		cfg         authConfig
		reqUser     string
		reqPassword string
		reqToken    string
		want        int
	}{
		{
			name: "auth disabled passes everything",
			cfg:  authConfig{enabled: false},
			want: http.StatusOK,
		},
		{
			name:        "valid basic auth",
			cfg:         authConfig{adminUsername: "admin", adminPassword: "s3cret", enabled: true},
			reqUser:     "admin",
			reqPassword: "s3cret",
			want:        http.StatusOK,
		},
		{
			name:        "wrong password",
			cfg:         authConfig{adminUsername: "admin", adminPassword: "s3cret", enabled: true},
			reqUser:     "admin",
			reqPassword: "nope",
			want:        http.StatusUnauthorized,
		},
		{
			name: "no credentials",
			cfg:  authConfig{adminUsername: "admin", adminPassword: "s3cret", enabled: true},
			want: http.StatusUnauthorized,
		},
		{
			name:     "valid admin token",
			cfg:      authConfig{adminToken: "tok-123", enabled: true},
			reqToken: "tok-123",
			want:     http.StatusOK,
		},
		{
			name:     "wrong admin token",
			cfg:      authConfig{adminToken: "tok-123", enabled: true},
			reqToken: "tok-999",
			want:     http.StatusUnauthorized,
		},
		{
			name:        "token wins even with bad basic auth",
			cfg:         authConfig{adminUsername: "admin", adminPassword: "s3cret", adminToken: "tok-123", enabled: true},
			reqUser:     "wrong",
			reqPassword: "wrong",
			reqToken:    "tok-123",
			want:        http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := adminAuth(okHandler(), &tt.cfg)
			req := httptest.NewRequest(http.MethodPost, "/admin/queue/next", nil)
			if tt.reqUser != "" || tt.reqPassword != "" {
				req.SetBasicAuth(tt.reqUser, tt.reqPassword)
			}
			if tt.reqToken != "" {
				req.Header.Set("X-Admin-Token", tt.reqToken)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 must carry WWW-Authenticate")
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter := newIPRateLimiter(ctx, &rateLimiterConfig{
		enabled:       true,
		requestsPerIP: 3,
		window:        time.Minute,
	})

	for i := 0; i < 3; i++ {
		if !limiter.allow("1.2.3.4") {
			t.Fatalf("request %d denied inside the limit", i+1)
		}
	}
	if limiter.allow("1.2.3.4") {
		t.Error("request over the limit allowed")
	}
	// Other clients have their own window.
	if !limiter.allow("5.6.7.8") {
		t.Error("unrelated IP throttled")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter := newIPRateLimiter(ctx, &rateLimiterConfig{enabled: false, requestsPerIP: 1, window: time.Minute})
	for i := 0; i < 10; i++ {
		if !limiter.allow("1.2.3.4") {
			t.Fatal("disabled limiter must allow everything")
		}
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter := newIPRateLimiter(ctx, &rateLimiterConfig{
		enabled:       true,
		requestsPerIP: 1,
		window:        time.Minute,
	})
	handler := rateLimitMiddleware(okHandler(), limiter)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.RemoteAddr = "9.9.9.9:1234"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("first request = %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 must carry Retry-After")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name      string
		remote    string
		forwarded string
		want      string
	}{
		{"remote addr only", "10.0.0.1:5555", "", "10.0.0.1"},
		{"single forwarded", "10.0.0.1:5555", "203.0.113.7", "203.0.113.7"},
		{"forwarded chain uses first hop", "10.0.0.1:5555", "203.0.113.7, 10.0.0.2", "203.0.113.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	t.Run("permissive mode", func(t *testing.T) {
		handler := withCORSConfig(okHandler(), &corsConfig{permissive: true})
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.Header.Set("Origin", "https://anything.example")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Errorf("ACAO = %q, want *", w.Header().Get("Access-Control-Allow-Origin"))
		}
	})

	t.Run("restricted mode allows listed origin", func(t *testing.T) {
		cfg := &corsConfig{allowedOrigins: []string{"https://painel.example.com"}}
		handler := withCORSConfig(okHandler(), cfg)
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.Header.Set("Origin", "https://painel.example.com")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Header().Get("Access-Control-Allow-Origin") != "https://painel.example.com" {
			t.Error("listed origin must be echoed back")
		}
	})

	t.Run("restricted mode blocks unlisted origin", func(t *testing.T) {
		cfg := &corsConfig{allowedOrigins: []string{"https://painel.example.com"}}
		handler := withCORSConfig(okHandler(), cfg)
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.Header.Set("Origin", "https://evil.example")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Error("unlisted origin must get no CORS headers")
		}
	})

	t.Run("preflight short-circuits", func(t *testing.T) {
		handler := withCORSConfig(okHandler(), &corsConfig{permissive: true})
		req := httptest.NewRequest(http.MethodOptions, "/admin/timer", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusNoContent {
			t.Errorf("OPTIONS = %d, want 204", w.Code)
		}
	})
}

func TestIsOriginAllowedWildcards(t *testing.T) {
	allowed := []string{"*.example.com", "https://fixed.dev"}
	tests := []struct {
		origin string
		want   bool
	}{
		{"https://app.example.com", true},
		{"https://deep.app.example.com", true},
		{"https://example.com", true},
		{"https://notexample.com", false},
		{"https://fixed.dev", true},
		{"https://fixed.dev.evil.com", false},
	}
	for _, tt := range tests {
		if got := isOriginAllowed(tt.origin, allowed); got != tt.want {
			t.Errorf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}
