package automod

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxLoggedMessage bounds the message text kept in the mod log.
const MaxLoggedMessage = 500

// Chatter is the per-channel automod record of one login.
type Chatter struct {
	Login       string
	UserID      string
	FirstSeen   time.Time
	Messages    int64
	Whitelisted bool
}

// Entry is one row of the mod log.
type Entry struct {
	Channel   string
	UserID    string
	Username  string
	Action    Action
	Reason    string
	Score     int
	Message   string
	CreatedAt time.Time
}

// Store persists chatters, link permits and the mod log in Postgres.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func norm(s string) string { return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "#")) }

// Observe counts one message for login and returns the record as it was
// before the message, along with whether a link permit is live at now.
func (s *Store) Observe(ctx context.Context, channel, login, userID string, now time.Time) (Chatter, bool, error) {
	c := Chatter{Login: norm(login), UserID: userID}
	err := s.db.QueryRowContext(ctx, `
INSERT INTO automod_users (channel, login, user_id, first_seen, message_count)
VALUES ($1, $2, $3, $4, 1)
ON CONFLICT (channel, login) DO UPDATE
SET message_count = automod_users.message_count + 1,
    user_id = CASE WHEN EXCLUDED.user_id = '' THEN automod_users.user_id ELSE EXCLUDED.user_id END
RETURNING first_seen, message_count - 1, whitelisted`,
		norm(channel), c.Login, userID, now).Scan(&c.FirstSeen, &c.Messages, &c.Whitelisted)
	if err != nil {
		return Chatter{}, false, fmt.Errorf("observe chatter %s: %w", c.Login, err)
	}
	var permit bool
	err = s.db.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM automod_permits WHERE channel = $1 AND login = $2 AND expires_at > $3)`,
		norm(channel), c.Login, now).Scan(&permit)
	if err != nil {
		return c, false, fmt.Errorf("check permit for %s: %w", c.Login, err)
	}
	return c, permit, nil
}

// Chatter returns the record for login, if any.
func (s *Store) Chatter(ctx context.Context, channel, login string) (Chatter, bool, error) {
	c := Chatter{Login: norm(login)}
	err := s.db.QueryRowContext(ctx, `
SELECT user_id, first_seen, message_count, whitelisted
FROM automod_users WHERE channel = $1 AND login = $2`,
		norm(channel), c.Login).Scan(&c.UserID, &c.FirstSeen, &c.Messages, &c.Whitelisted)
	if errors.Is(err, sql.ErrNoRows) {
		return c, false, nil
	}
	if err != nil {
		return c, false, fmt.Errorf("read chatter %s: %w", c.Login, err)
	}
	return c, true, nil
}

// SetWhitelisted marks login as exempt from filtering, or clears the mark.
func (s *Store) SetWhitelisted(ctx context.Context, channel, login string, on bool) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO automod_users (channel, login, whitelisted) VALUES ($1, $2, $3)
ON CONFLICT (channel, login) DO UPDATE SET whitelisted = EXCLUDED.whitelisted`,
		norm(channel), norm(login), on)
	if err != nil {
		return fmt.Errorf("set whitelist for %s: %w", login, err)
	}
	return nil
}

// GrantPermit lets login post links until the given time.
func (s *Store) GrantPermit(ctx context.Context, channel, login, grantedBy string, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO automod_permits (channel, login, granted_by, expires_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (channel, login) DO UPDATE SET granted_by = EXCLUDED.granted_by, expires_at = EXCLUDED.expires_at`,
		norm(channel), norm(login), grantedBy, until)
	if err != nil {
		return fmt.Errorf("grant permit to %s: %w", login, err)
	}
	return nil
}

// LogAction appends e to the mod log.
func (s *Store) LogAction(ctx context.Context, e Entry) error {
	msg := e.Message
	if utf8.RuneCountInString(msg) > MaxLoggedMessage {
		msg = string([]rune(msg)[:MaxLoggedMessage])
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO automod_actions (channel, user_id, username, action, reason, spam_score, message_content, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		norm(e.Channel), e.UserID, e.Username, string(e.Action), e.Reason, e.Score, msg, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("log automod action: %w", err)
	}
	return nil
}

// Recent returns the newest mod log entries of a channel.
func (s *Store) Recent(ctx context.Context, channel string, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT channel, user_id, username, action, reason, spam_score, message_content, created_at
FROM automod_actions WHERE channel = $1
ORDER BY created_at DESC, id DESC LIMIT $2`, norm(channel), limit)
	if err != nil {
		return nil, fmt.Errorf("read mod log: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var action string
		if err := rows.Scan(&e.Channel, &e.UserID, &e.Username, &action, &e.Reason, &e.Score, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan mod log: %w", err)
		}
		e.Action = Action(action)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Counts tallies the channel's actions since the given time by kind.
func (s *Store) Counts(ctx context.Context, channel string, since time.Time) (map[Action]int, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT action, COUNT(*) FROM automod_actions
WHERE channel = $1 AND created_at >= $2 GROUP BY action`, norm(channel), since)
	if err != nil {
		return nil, fmt.Errorf("count mod actions: %w", err)
	}
	defer rows.Close()
	out := make(map[Action]int)
	for rows.Next() {
		var a string
		var n int
		if err := rows.Scan(&a, &n); err != nil {
			return nil, fmt.Errorf("scan mod action count: %w", err)
		}
		out[Action(a)] = n
	}
	return out, rows.Err()
}
