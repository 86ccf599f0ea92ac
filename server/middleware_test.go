package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAdminAuthMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		admin          Admin
		reqUsername    string
		reqPassword    string
		reqToken       string
		expectedStatus int
	}{
		{
			name:           "no auth configured - allows request",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "valid basic auth",
			admin:          Admin{Username: "admin", Password: "secret123"},
			reqUsername:    "admin",
			reqPassword:    "secret123",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "invalid basic auth password",
			admin:          Admin{Username: "admin", Password: "secret123"},
			reqUsername:    "admin",
			reqPassword:    "wrong",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "valid token auth",
			admin:          Admin{Token: "test-token-12345"},
			reqToken:       "test-token-12345",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "invalid token",
			admin:          Admin{Token: "test-token-12345"},
			reqToken:       "nope",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "basic auth still accepted when token also configured",
			admin:          Admin{Username: "admin", Password: "secret123", Token: "tok"},
			reqUsername:    "admin",
			reqPassword:    "secret123",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "username without password does not enable auth",
			admin:          Admin{Username: "admin"},
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := adminAuth(okHandler(), newAuthConfig(tt.admin))
			req := httptest.NewRequest(http.MethodGet, "/admin/strikes", nil)
			if tt.reqUsername != "" {
				req.SetBasicAuth(tt.reqUsername, tt.reqPassword)
			}
			if tt.reqToken != "" {
				req.Header.Set("X-Admin-Token", tt.reqToken)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			if tt.expectedStatus == http.StatusUnauthorized {
				assert.Contains(t, rr.Header().Get("WWW-Authenticate"), "Basic")
			}
		})
	}
}

func TestRateLimiterPerIP(t *testing.T) {
	limiter := newIPRateLimiter(t.Context(), 2)
	h := rateLimitMiddleware(okHandler(), limiter)

	do := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/admin/strikes", nil)
		req.RemoteAddr = remote
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1:1111").Code)
	assert.Equal(t, http.StatusOK, do("10.0.0.1:2222").Code, "port is not part of the key")
	rr := do("10.0.0.1:3333")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, do("10.0.0.2:1111").Code)
	assert.Equal(t, 2, limiter.size())
}

func TestRateLimiterDisabled(t *testing.T) {
	limiter := newIPRateLimiter(t.Context(), 0)
	for i := 0; i < 100; i++ {
		assert.True(t, limiter.allow("10.0.0.1"))
	}
	assert.Zero(t, limiter.size())
}

func TestRateLimiterCleanup(t *testing.T) {
	limiter := newIPRateLimiter(t.Context(), 5)
	limiter.allow("10.0.0.1")
	limiter.allow("10.0.0.2")

	limiter.cleanup(time.Now())
	assert.Equal(t, 2, limiter.size())

	limiter.cleanup(time.Now().Add(limiter.idle + time.Second))
	assert.Zero(t, limiter.size())
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name      string
		remote    string
		forwarded string
		want      string
	}{
		{"remote with port", "192.0.2.1:5555", "", "192.0.2.1"},
		{"forwarded single", "10.0.0.1:80", "203.0.113.7", "203.0.113.7"},
		{"forwarded chain", "10.0.0.1:80", "203.0.113.7, 10.0.0.2", "203.0.113.7"},
		{"ipv6 remote", "[2001:db8::1]:443", "", "2001:db8::1"},
		{"bare remote", "192.0.2.9", "", "192.0.2.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			assert.Equal(t, tt.want, clientIP(req))
		})
	}
}

func TestCORS(t *testing.T) {
	t.Run("permissive", func(t *testing.T) {
		h := withCORSConfig(okHandler(), &corsConfig{permissive: true})
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/leaderboard", nil))
		assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("restricted", func(t *testing.T) {
		h := withCORSConfig(okHandler(), &corsConfig{allowedOrigins: []string{"https://bot.example.com", "*.example.org"}})

		req := httptest.NewRequest(http.MethodOptions, "/leaderboard", nil)
		req.Header.Set("Origin", "https://bot.example.com")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusNoContent, rr.Code)
		assert.Equal(t, "https://bot.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))

		req = httptest.NewRequest(http.MethodGet, "/leaderboard", nil)
		req.Header.Set("Origin", "https://evil.test")
		rr = httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("env", func(t *testing.T) {
		t.Setenv("ENV", "production")
		t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.test ,,https://b.test")
		cfg := loadCORSConfig()
		assert.False(t, cfg.permissive)
		assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.allowedOrigins)
	})
}

func TestIsOriginAllowedWildcard(t *testing.T) {
	allowed := []string{"*.example.com"}
	assert.True(t, isOriginAllowed("https://app.example.com", allowed))
	assert.True(t, isOriginAllowed("https://example.com", allowed))
	assert.False(t, isOriginAllowed("https://example.com.evil.test", allowed))
}
