package strike

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore keeps strike records in user_strikes and the audit trail in
// strike_history.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (Record, bool, error) {
	var (
		rec     Record
		last    sql.NullTime
		expires sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, username, strike_count, last_reason, last_strike_at, expires_at FROM user_strikes WHERE user_id = $1`,
		userID).Scan(&rec.UserID, &rec.Username, &rec.Count, &rec.LastReason, &last, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	if last.Valid {
		rec.LastStrikeAt = last.Time
	}
	if expires.Valid {
		rec.ExpiresAt = expires.Time
	}
	return rec, true, nil
}

// Increment is a single upsert, so concurrent strikes for one user never lose a count.
func (s *PostgresStore) Increment(ctx context.Context, inc Increment) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
INSERT INTO user_strikes (user_id, username, strike_count, last_reason, last_strike_at, expires_at)
VALUES ($1, $2, 1, $3, $4, $5)
ON CONFLICT (user_id) DO UPDATE SET
	username = EXCLUDED.username,
	strike_count = CASE
		WHEN $6::boolean AND user_strikes.expires_at IS NOT NULL AND user_strikes.expires_at < EXCLUDED.last_strike_at THEN 1
		ELSE user_strikes.strike_count + 1
	END,
	last_reason = EXCLUDED.last_reason,
	last_strike_at = EXCLUDED.last_strike_at,
	expires_at = EXCLUDED.expires_at
RETURNING strike_count`,
		inc.UserID, inc.Username, inc.Reason, inc.At, inc.ExpiresAt, inc.ResetExpired).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *PostgresStore) AppendHistory(ctx context.Context, e HistoryEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO strike_history (user_id, username, strike_number, reason, action_taken, moderator, channel, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.UserID, e.Username, e.StrikeNumber, e.Reason, e.Action, e.Moderator, e.Channel, e.CreatedAt)
	return err
}

func (s *PostgresStore) Clear(ctx context.Context, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_strikes SET strike_count = 0, expires_at = NULL WHERE user_id = $1`, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) History(ctx context.Context, userID string, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, username, strike_number, reason, action_taken, moderator, channel, created_at FROM strike_history WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.UserID, &e.Username, &e.StrikeNumber, &e.Reason, &e.Action, &e.Moderator, &e.Channel, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
