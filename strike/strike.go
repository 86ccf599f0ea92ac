// Package strike implements escalating moderation strikes: a per-user counter
// with expiry, an escalation table mapping the counter to a punishment, and
// subscriber protection that never auto-bans a subscriber.
//
// The engine only decides and records. Callers execute the timeout or ban.
package strike

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// Action is the punishment attached to a strike level.
type Action string

const (
	Warn    Action = "warn"
	Timeout Action = "timeout"
	Ban     Action = "ban"
)

// ExpiryMode decides whether expired strike counts restart from zero.
type ExpiryMode string

const (
	// ExpiryReset treats an expired record as zero strikes, both for display
	// and before computing the next escalation.
	ExpiryReset ExpiryMode = "reset"
	// ExpiryDisplay keeps the raw counter growing; expires_at is informational.
	ExpiryDisplay ExpiryMode = "display"
)

// ParseExpiryMode accepts reset or display. Empty means reset.
func ParseExpiryMode(s string) (ExpiryMode, error) {
	switch ExpiryMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ExpiryReset:
		return ExpiryReset, nil
	case ExpiryDisplay:
		return ExpiryDisplay, nil
	}
	return "", fmt.Errorf("unknown strike expiry mode %q (want reset or display)", s)
}

type level struct {
	action   Action
	duration time.Duration
	template string
}

// escalation is indexed by strike level minus one. Levels beyond the
// configured maximum repeat the maximum's entry.
var escalation = []level{
	{Warn, 0, "@{user} Warning: {reason}"},
	{Timeout, time.Minute, "@{user} Strike 2: 1 minute timeout"},
	{Timeout, 10 * time.Minute, "@{user} Strike 3: 10 minute timeout"},
	{Timeout, time.Hour, "@{user} Strike 4: 1 hour timeout"},
	{Ban, 0, "@{user} Strike 5: Banned"},
}

const subscriberProtection = "@{user} Strike {strike}: 1 hour timeout (subscriber protection)"

// Config tunes the engine.
type Config struct {
	ExpireDays   int
	MaxBeforeBan int
	Expiry       ExpiryMode
}

// DefaultConfig returns 30 day expiry, ban at five strikes, expiry resets counts.
func DefaultConfig() Config {
	return Config{ExpireDays: 30, MaxBeforeBan: 5, Expiry: ExpiryReset}
}

// Request describes one strike to add.
type Request struct {
	UserID     string
	Username   string
	Reason     string
	Moderator  string
	Channel    string
	Subscriber bool
}

// Result is the decision for one added strike.
type Result struct {
	Number    int
	Action    Action
	Duration  time.Duration
	Message   string
	ShouldBan bool
}

// ActionString is the form recorded in history: "timeout:60", "warn" or "ban".
func (r Result) ActionString() string {
	if r.Duration > 0 {
		return fmt.Sprintf("%s:%d", r.Action, int(r.Duration.Seconds()))
	}
	return string(r.Action)
}

// Record is the live strike state of one user.
type Record struct {
	UserID       string
	Username     string
	Count        int
	LastReason   string
	LastStrikeAt time.Time
	ExpiresAt    time.Time // zero when cleared or never struck
}

// Expired reports whether the record's expiry has passed at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// HistoryEntry is one immutable audit row.
type HistoryEntry struct {
	UserID       string
	Username     string
	StrikeNumber int
	Reason       string
	Action       string
	Moderator    string
	Channel      string
	CreatedAt    time.Time
}

// Increment describes the counter bump performed atomically by a Store.
type Increment struct {
	UserID    string
	Username  string
	Reason    string
	At        time.Time
	ExpiresAt time.Time
	// ResetExpired restarts the count at one when the stored record expired before At.
	ResetExpired bool
}

// Store persists strike records and history.
type Store interface {
	Get(ctx context.Context, userID string) (Record, bool, error)
	// Increment bumps the counter in one atomic step and returns the new count.
	Increment(ctx context.Context, inc Increment) (int, error)
	AppendHistory(ctx context.Context, e HistoryEntry) error
	// Clear zeroes the counter and reports whether a record existed.
	Clear(ctx context.Context, userID string) (bool, error)
	History(ctx context.Context, userID string, limit int) ([]HistoryEntry, error)
}

// Engine applies the escalation table on top of a Store.
type Engine struct {
	store Store
	cfg   Config
	clock clockwork.Clock
	log   *slog.Logger
}

func NewEngine(store Store, cfg Config, clock clockwork.Clock) *Engine {
	def := DefaultConfig()
	if cfg.ExpireDays <= 0 {
		cfg.ExpireDays = def.ExpireDays
	}
	if cfg.MaxBeforeBan <= 0 {
		cfg.MaxBeforeBan = def.MaxBeforeBan
	}
	if cfg.MaxBeforeBan > len(escalation) {
		cfg.MaxBeforeBan = len(escalation)
	}
	if cfg.Expiry == "" {
		cfg.Expiry = def.Expiry
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	e := &Engine{store: store, cfg: cfg, clock: clock, log: slog.Default().With(slog.String("component", "strikes"))}
	e.log.Info("strike engine initialized",
		slog.Int("expire_days", cfg.ExpireDays),
		slog.Int("max_strikes", cfg.MaxBeforeBan),
		slog.String("expiry_mode", string(cfg.Expiry)))
	return e
}

// Decide computes the result for a user reaching count strikes. It is pure.
func (e *Engine) Decide(count int, username, reason string, subscriber bool) Result {
	effective := count
	if effective > e.cfg.MaxBeforeBan {
		effective = e.cfg.MaxBeforeBan
	}
	if effective < 1 {
		effective = 1
	}
	lv := escalation[effective-1]
	res := Result{Number: count, Action: lv.action, Duration: lv.duration}
	tmpl := lv.template
	if lv.action == Ban {
		if subscriber {
			res.Action = Timeout
			res.Duration = time.Hour
			tmpl = subscriberProtection
		} else {
			res.ShouldBan = true
		}
	}
	res.Message = render(tmpl, username, reason, count)
	return res
}

func render(tmpl, user, reason string, n int) string {
	return strings.NewReplacer(
		"{user}", user,
		"{reason}", reason,
		"{strike}", fmt.Sprintf("%d", n),
	).Replace(tmpl)
}

// AddStrike increments the user's counter, decides the punishment and appends
// a history entry.
func (e *Engine) AddStrike(ctx context.Context, req Request) (Result, error) {
	now := e.clock.Now().UTC()
	count, err := e.store.Increment(ctx, Increment{
		UserID:       req.UserID,
		Username:     req.Username,
		Reason:       req.Reason,
		At:           now,
		ExpiresAt:    now.Add(time.Duration(e.cfg.ExpireDays) * 24 * time.Hour),
		ResetExpired: e.cfg.Expiry == ExpiryReset,
	})
	if err != nil {
		return Result{}, fmt.Errorf("increment strikes for %s: %w", req.Username, err)
	}

	res := e.Decide(count, req.Username, req.Reason, req.Subscriber)

	if err := e.store.AppendHistory(ctx, HistoryEntry{
		UserID:       req.UserID,
		Username:     req.Username,
		StrikeNumber: count,
		Reason:       req.Reason,
		Action:       res.ActionString(),
		Moderator:    req.Moderator,
		Channel:      req.Channel,
		CreatedAt:    now,
	}); err != nil {
		return res, fmt.Errorf("record strike history for %s: %w", req.Username, err)
	}

	e.log.Info("strike added",
		slog.String("user", req.Username),
		slog.Int("strike", count),
		slog.String("action", string(res.Action)),
		slog.String("reason", req.Reason),
		slog.String("channel", req.Channel))
	return res, nil
}

// Strikes returns the user's current record. In reset mode an expired record
// reads as zero strikes.
func (e *Engine) Strikes(ctx context.Context, userID string) (Record, error) {
	rec, ok, err := e.store.Get(ctx, userID)
	if err != nil {
		return Record{}, fmt.Errorf("get strikes: %w", err)
	}
	if !ok {
		return Record{UserID: userID}, nil
	}
	if e.cfg.Expiry == ExpiryReset && rec.Expired(e.clock.Now()) {
		return Record{UserID: rec.UserID, Username: rec.Username}, nil
	}
	return rec, nil
}

// ClearStrikes zeroes the counter and reports whether a record existed.
func (e *Engine) ClearStrikes(ctx context.Context, userID, moderator string) (bool, error) {
	ok, err := e.store.Clear(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("clear strikes: %w", err)
	}
	if ok {
		e.log.Info("strikes cleared", slog.String("user", userID), slog.String("moderator", moderator))
	}
	return ok, nil
}

// History returns the most recent entries, newest first.
func (e *Engine) History(ctx context.Context, userID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	h, err := e.store.History(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("strike history: %w", err)
	}
	return h, nil
}

// FormatInfo renders the user's strike state for chat.
func (e *Engine) FormatInfo(ctx context.Context, userID, username string) (string, error) {
	rec, err := e.Strikes(ctx, userID)
	if err != nil {
		return "", err
	}
	if rec.Count == 0 {
		return fmt.Sprintf("@%s has no strikes.", username), nil
	}
	expires := ""
	if !rec.ExpiresAt.IsZero() {
		if days := int(rec.ExpiresAt.Sub(e.clock.Now()).Hours() / 24); days > 0 {
			expires = fmt.Sprintf(" (expires in %d days)", days)
		}
	}
	reason := rec.LastReason
	if reason == "" {
		reason = "No reason recorded"
	}
	return fmt.Sprintf("@%s: %d/%d strikes%s. Last: %s", username, rec.Count, e.cfg.MaxBeforeBan, expires, truncate(reason, 50)), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
