package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/streambot/cooldown"
	"github.com/onnwee/streambot/telemetry"
)

const (
	maxLeaderboard  = 50
	adminHistoryLen = 20
)

var errChatDown = errors.New("chat not connected")

// Handlers serves the routes registered by NewMux.
type Handlers struct {
	deps Deps
}

// queryInt reads an integer query parameter, falling back to def when it is
// absent or malformed.
func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleHealthz responds to liveness checks by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB != nil {
		if err := h.deps.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz runs the readiness checks in order and reports the first failure.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	var checks []Check
	if h.deps.DB != nil {
		checks = append(checks, Check{Name: "database", Fn: h.deps.DB.PingContext})
	}
	if h.deps.Chat != nil {
		checks = append(checks, Check{Name: "chat", Fn: func(context.Context) error {
			if !h.deps.Chat.Connected() {
				return errChatDown
			}
			return nil
		}})
	}
	checks = append(checks, h.deps.Checks...)

	for _, check := range checks {
		if err := check.Fn(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.Name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type standingJSON struct {
	Rank         int    `json:"rank"`
	Username     string `json:"username"`
	Points       int64  `json:"points"`
	WatchMinutes int64  `json:"watch_minutes"`
	Messages     int64  `json:"messages"`
}

// HandleLeaderboard returns the top balances of ?channel= as JSON.
func (h *Handlers) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "leaderboard unavailable")
		return
	}
	channel := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("channel"))), "#")
	if channel == "" {
		writeError(w, http.StatusBadRequest, "channel is required")
		return
	}
	limit := min(max(queryInt(r, "limit", 10), 1), maxLeaderboard)

	rows, err := h.deps.Ledger.Leaderboard(r.Context(), channel, limit)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("leaderboard query failed", slog.String("channel", channel), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]standingJSON, len(rows))
	for i, s := range rows {
		out[i] = standingJSON{Rank: i + 1, Username: s.Username, Points: s.Points, WatchMinutes: s.WatchMinutes, Messages: s.Messages}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": channel, "entries": out})
}

type historyJSON struct {
	StrikeNumber int       `json:"strike_number"`
	Action       string    `json:"action"`
	Reason       string    `json:"reason"`
	Moderator    string    `json:"moderator"`
	Channel      string    `json:"channel"`
	CreatedAt    time.Time `json:"created_at"`
}

type strikesJSON struct {
	User         string        `json:"user"`
	Count        int           `json:"count"`
	LastReason   string        `json:"last_reason,omitempty"`
	LastStrikeAt *time.Time    `json:"last_strike_at,omitempty"`
	ExpiresAt    *time.Time    `json:"expires_at,omitempty"`
	History      []historyJSON `json:"history"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// HandleAdminStrikes returns a user's strike record and recent history.
func (h *Handlers) HandleAdminStrikes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Strikes == nil {
		writeError(w, http.StatusServiceUnavailable, "strikes unavailable")
		return
	}
	user := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("user"))), "@")
	if user == "" {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}
	rec, err := h.deps.Strikes.Strikes(r.Context(), user)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("strike lookup failed", slog.String("user", user), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	hist, err := h.deps.Strikes.History(r.Context(), user, adminHistoryLen)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("strike history failed", slog.String("user", user), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := strikesJSON{
		User:         user,
		Count:        rec.Count,
		LastReason:   rec.LastReason,
		LastStrikeAt: timePtr(rec.LastStrikeAt),
		ExpiresAt:    timePtr(rec.ExpiresAt),
		History:      make([]historyJSON, len(hist)),
	}
	for i, e := range hist {
		out.History[i] = historyJSON{
			StrikeNumber: e.StrikeNumber,
			Action:       e.Action,
			Reason:       e.Reason,
			Moderator:    e.Moderator,
			Channel:      e.Channel,
			CreatedAt:    e.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleAdminCooldownReset clears one cooldown entry so the next invocation
// runs immediately. For the user bucket, user is the chatter's platform id, or
// the login for callers that arrived without one.
func (h *Handlers) HandleAdminCooldownReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Cooldowns == nil {
		writeError(w, http.StatusServiceUnavailable, "cooldowns unavailable")
		return
	}
	q := r.URL.Query()
	command := strings.TrimSpace(q.Get("command"))
	if command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	bucket := cooldown.User
	if b := q.Get("bucket"); b != "" {
		var err error
		if bucket, err = cooldown.ParseBucket(b); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	scope := cooldown.Scope{
		Channel: strings.TrimPrefix(strings.ToLower(q.Get("channel")), "#"),
		User:    strings.TrimPrefix(strings.ToLower(q.Get("user")), "@"),
	}
	switch {
	case bucket != cooldown.Global && scope.Channel == "":
		writeError(w, http.StatusBadRequest, "channel is required for the "+bucket.String()+" bucket")
		return
	case bucket == cooldown.User && scope.User == "":
		writeError(w, http.StatusBadRequest, "user is required for the user bucket")
		return
	}
	if err := h.deps.Cooldowns.Reset(r.Context(), command, scope, bucket); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("cooldown reset failed", slog.String("command", command), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("cooldown reset", slog.String("command", command), slog.String("bucket", bucket.String()),
		slog.String("channel", scope.Channel), slog.String("user", scope.User))
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "command": strings.ToLower(command), "bucket": bucket.String()})
}
