// Package points is the persisted loyalty point ledger: one non-negative
// integer balance per (user, channel).
//
// Every write is a single SQL statement. Debits are conditional updates that
// only apply when the balance covers the amount, so concurrent debits from any
// number of handlers or bot instances can never overdraw a balance. The
// points >= 0 CHECK constraint backs this at the storage layer.
package points

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/onnwee/streambot/telemetry"
)

// ErrInvalidAmount is returned for negative credits and non-positive debits.
var ErrInvalidAmount = errors.New("invalid point amount")

// Account identifies a balance. Username is informational and refreshed on writes.
type Account struct {
	UserID   string
	Username string
	Channel  string
}

// Accrual is an activity-driven credit.
type Accrual struct {
	Points       int64
	WatchMinutes int64
	Messages     int64
}

// Standing is the loyalty row of one user in one channel.
type Standing struct {
	UserID       string
	Username     string
	Points       int64
	WatchMinutes int64
	Messages     int64
}

// Ledger reads and writes user_loyalty.
type Ledger struct {
	db *sql.DB
}

func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

func norm(channel string) string { return strings.ToLower(strings.TrimPrefix(channel, "#")) }

// Balance returns the user's points, zero when no row exists.
func (l *Ledger) Balance(ctx context.Context, userID, channel string) (int64, error) {
	var p int64
	err := l.db.QueryRowContext(ctx,
		`SELECT points FROM user_loyalty WHERE user_id = $1 AND channel = $2`,
		userID, norm(channel)).Scan(&p)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return p, nil
}

// Credit adds amount and returns the new balance, creating the row if absent.
func (l *Ledger) Credit(ctx context.Context, acct Account, amount int64) (int64, error) {
	return l.Accrue(ctx, acct, Accrual{Points: amount})
}

// Accrue adds points and activity counters in one upsert.
func (l *Ledger) Accrue(ctx context.Context, acct Account, a Accrual) (int64, error) {
	if a.Points < 0 || a.WatchMinutes < 0 || a.Messages < 0 {
		return 0, ErrInvalidAmount
	}
	var p int64
	err := l.db.QueryRowContext(ctx, `
INSERT INTO user_loyalty (user_id, username, channel, points, watch_time_minutes, message_count, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (user_id, channel) DO UPDATE SET
	username = COALESCE(NULLIF(EXCLUDED.username, ''), user_loyalty.username),
	points = user_loyalty.points + EXCLUDED.points,
	watch_time_minutes = user_loyalty.watch_time_minutes + EXCLUDED.watch_time_minutes,
	message_count = user_loyalty.message_count + EXCLUDED.message_count,
	updated_at = NOW()
RETURNING points`,
		acct.UserID, acct.Username, norm(acct.Channel), a.Points, a.WatchMinutes, a.Messages).Scan(&p)
	if err != nil {
		return 0, fmt.Errorf("credit points: %w", err)
	}
	return p, nil
}

// DebitIfSufficient subtracts amount only when the balance covers it, as one
// conditional UPDATE. On insufficient funds it returns false and the unchanged
// balance without an error.
func (l *Ledger) DebitIfSufficient(ctx context.Context, userID, channel string, amount int64) (bool, int64, error) {
	if amount <= 0 {
		return false, 0, ErrInvalidAmount
	}
	var p int64
	err := l.db.QueryRowContext(ctx, `
UPDATE user_loyalty SET points = points - $1, updated_at = NOW()
WHERE user_id = $2 AND channel = $3 AND points >= $1
RETURNING points`,
		amount, userID, norm(channel)).Scan(&p)
	if errors.Is(err, sql.ErrNoRows) {
		telemetry.ObserveDebit(false)
		current, berr := l.Balance(ctx, userID, channel)
		if berr != nil {
			return false, 0, berr
		}
		return false, current, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("debit points: %w", err)
	}
	telemetry.ObserveDebit(true)
	return true, p, nil
}

// Deduct removes up to amount, flooring the balance at zero. It reports false
// when the user has no row.
func (l *Ledger) Deduct(ctx context.Context, userID, channel string, amount int64) (int64, bool, error) {
	if amount < 0 {
		return 0, false, ErrInvalidAmount
	}
	var p int64
	err := l.db.QueryRowContext(ctx, `
UPDATE user_loyalty SET points = GREATEST(0, points - $1), updated_at = NOW()
WHERE user_id = $2 AND channel = $3
RETURNING points`,
		amount, userID, norm(channel)).Scan(&p)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("deduct points: %w", err)
	}
	return p, true, nil
}

// SetBalance overwrites the balance, clamping negative input to zero.
func (l *Ledger) SetBalance(ctx context.Context, acct Account, amount int64) (int64, error) {
	if amount < 0 {
		amount = 0
	}
	var p int64
	err := l.db.QueryRowContext(ctx, `
INSERT INTO user_loyalty (user_id, username, channel, points, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (user_id, channel) DO UPDATE SET
	username = COALESCE(NULLIF(EXCLUDED.username, ''), user_loyalty.username),
	points = EXCLUDED.points,
	updated_at = NOW()
RETURNING points`,
		acct.UserID, acct.Username, norm(acct.Channel), amount).Scan(&p)
	if err != nil {
		return 0, fmt.Errorf("set balance: %w", err)
	}
	return p, nil
}

// Standing returns the full loyalty row, zero-valued when absent.
func (l *Ledger) Standing(ctx context.Context, userID, channel string) (Standing, error) {
	s := Standing{UserID: userID}
	err := l.db.QueryRowContext(ctx,
		`SELECT username, points, watch_time_minutes, message_count FROM user_loyalty WHERE user_id = $1 AND channel = $2`,
		userID, norm(channel)).Scan(&s.Username, &s.Points, &s.WatchMinutes, &s.Messages)
	if errors.Is(err, sql.ErrNoRows) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("read standing: %w", err)
	}
	return s, nil
}

// Leaderboard returns the top balances of a channel.
func (l *Ledger) Leaderboard(ctx context.Context, channel string, limit int) ([]Standing, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT user_id, username, points, watch_time_minutes, message_count
FROM user_loyalty WHERE channel = $1 AND points > 0
ORDER BY points DESC, username ASC LIMIT $2`, norm(channel), limit)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	defer rows.Close()
	var out []Standing
	for rows.Next() {
		var s Standing
		if err := rows.Scan(&s.UserID, &s.Username, &s.Points, &s.WatchMinutes, &s.Messages); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// LookupUser resolves a login to a user id among the channel's ledger rows.
func (l *Ledger) LookupUser(ctx context.Context, channel, login string) (string, bool, error) {
	var id string
	err := l.db.QueryRowContext(ctx,
		`SELECT user_id FROM user_loyalty WHERE channel = $1 AND LOWER(username) = $2 ORDER BY updated_at DESC LIMIT 1`,
		norm(channel), strings.ToLower(strings.TrimPrefix(login, "@"))).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup user: %w", err)
	}
	return id, true, nil
}
