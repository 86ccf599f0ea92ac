// Package server exposes the bot's HTTP surface: liveness and readiness checks,
// Prometheus metrics, the public leaderboard and a small set of admin routes.
// Every request carries a correlation id and, when tracing is on, a span.
package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/onnwee/streambot/cooldown"
	"github.com/onnwee/streambot/points"
	"github.com/onnwee/streambot/strike"
	"github.com/onnwee/streambot/telemetry"
)

// LeaderboardSource lists the top balances of a channel.
type LeaderboardSource interface {
	Leaderboard(ctx context.Context, channel string, limit int) ([]points.Standing, error)
}

// StrikeSource reads strike records for the admin API.
type StrikeSource interface {
	Strikes(ctx context.Context, userID string) (strike.Record, error)
	History(ctx context.Context, userID string, limit int) ([]strike.HistoryEntry, error)
}

// CooldownResetter clears a single cooldown entry.
type CooldownResetter interface {
	Reset(ctx context.Context, command string, s cooldown.Scope, bucket cooldown.Bucket) error
}

// ChatStatus reports whether the chat connection is up.
type ChatStatus interface {
	Connected() bool
}

// Check is an extra named readiness check, such as a Redis ping.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Admin holds the credentials guarding /admin/ routes. Leaving all of them
// empty disables authentication.
type Admin struct {
	Username string
	Password string
	Token    string
}

// Deps are the collaborators the routes read from.
type Deps struct {
	DB        *sql.DB
	Ledger    LeaderboardSource
	Strikes   StrikeSource
	Cooldowns CooldownResetter
	Chat      ChatStatus
	Checks    []Check

	Admin              Admin
	RateLimitPerMinute int
}

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter's cleanup goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	authCfg := newAuthConfig(deps.Admin)
	limiter := newIPRateLimiter(ctx, deps.RateLimitPerMinute)
	corsCfg := loadCORSConfig()
	h := &Handlers{deps: deps}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/leaderboard", h.HandleLeaderboard)
	mux.HandleFunc("/admin/strikes", h.HandleAdminStrikes)
	mux.HandleFunc("/admin/cooldowns/reset", h.HandleAdminCooldownReset)

	// Admin routes get auth first, then rate limiting.
	protected := adminAuth(rateLimitMiddleware(mux, limiter), authCfg)
	selective := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/admin/") {
			protected.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, r.Method+" "+r.URL.Path, telemetry.HTTPAttrs(r.Method, r.URL.Path)...)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selective.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.statusCode))
		if rec.statusCode >= 400 {
			span.SetStatus(codes.Error, "HTTP "+strconv.Itoa(rec.statusCode))
		}
	})
	return withCORSConfig(handler, corsCfg)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(ctx, deps),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
