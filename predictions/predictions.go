// Package predictions stores channel predictions: a question with two to ten
// outcomes that chatters stake loyalty points on. Each channel runs at most
// one prediction at a time. It moves open -> locked -> resolved, or to
// cancelled from either live state.
//
// The store never touches balances. Callers debit a stake before PlaceBet and
// credit payouts or refunds after the state change that owes them.
package predictions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	MinOutcomes = 2
	MaxOutcomes = 10
)

var (
	ErrNotFound     = errors.New("no active prediction")
	ErrActive       = errors.New("a prediction is already active")
	ErrClosed       = errors.New("betting is closed")
	ErrDuplicateBet = errors.New("already bet on this prediction")
)

type Status string

const (
	Open      Status = "open"
	Locked    Status = "locked"
	Resolved  Status = "resolved"
	Cancelled Status = "cancelled"
)

// Prediction is one question. Winner is a zero-based outcome index, or -1.
type Prediction struct {
	ID         int64
	Channel    string
	Question   string
	Outcomes   []string
	StartedBy  string
	StartedAt  time.Time
	AutoLockAt time.Time // zero when betting stays open until locked by hand
	Status     Status
	Winner     int
}

// Bet is one chatter's stake. Outcome is zero-based.
type Bet struct {
	PredictionID int64
	UserID       string
	Username     string
	Outcome      int
	Amount       int64
	Payout       int64
}

// Pool sums the bets overall and per outcome.
func Pool(bets []Bet, outcomes int) (total int64, per []int64) {
	per = make([]int64, outcomes)
	for _, b := range bets {
		total += b.Amount
		if b.Outcome >= 0 && b.Outcome < outcomes {
			per[b.Outcome] += b.Amount
		}
	}
	return total, per
}

// Odds is the payout multiplier of an outcome, zero when nobody backed it.
func Odds(total, outcome int64) float64 {
	if outcome <= 0 {
		return 0
	}
	return float64(total) / float64(outcome)
}

// Payouts splits the whole pool across the bets on winner in proportion to
// their stakes, rounding down. Winners are returned largest payout first.
func Payouts(bets []Bet, winner int) []Bet {
	var total, pool int64
	for _, b := range bets {
		total += b.Amount
		if b.Outcome == winner {
			pool += b.Amount
		}
	}
	var out []Bet
	for _, b := range bets {
		if b.Outcome != winner || pool == 0 {
			continue
		}
		b.Payout = b.Amount * total / pool
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Payout > out[j].Payout })
	return out
}

// Store reads and writes the predictions and prediction_bets tables.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func norm(channel string) string { return strings.ToLower(strings.TrimPrefix(channel, "#")) }

const columns = `id, channel, question, outcomes, started_by, started_at, auto_lock_at, status, winning_outcome`

func scan(row interface{ Scan(...any) error }) (Prediction, error) {
	var p Prediction
	var outcomes []byte
	var lockAt sql.NullTime
	var winner sql.NullInt64
	var status string
	if err := row.Scan(&p.ID, &p.Channel, &p.Question, &outcomes, &p.StartedBy, &p.StartedAt, &lockAt, &status, &winner); err != nil {
		return p, err
	}
	if err := json.Unmarshal(outcomes, &p.Outcomes); err != nil {
		return p, fmt.Errorf("decode outcomes of prediction %d: %w", p.ID, err)
	}
	p.AutoLockAt = lockAt.Time
	p.Status = Status(status)
	p.Winner = -1
	if winner.Valid {
		p.Winner = int(winner.Int64)
	}
	return p, nil
}

// Start opens p and returns its id. ErrActive means the channel already has
// an open or locked prediction.
func (s *Store) Start(ctx context.Context, p Prediction) (int64, error) {
	if n := len(p.Outcomes); n < MinOutcomes || n > MaxOutcomes {
		return 0, fmt.Errorf("prediction needs %d..%d outcomes, got %d", MinOutcomes, MaxOutcomes, n)
	}
	outcomes, err := json.Marshal(p.Outcomes)
	if err != nil {
		return 0, fmt.Errorf("encode outcomes: %w", err)
	}
	var lockAt sql.NullTime
	if !p.AutoLockAt.IsZero() {
		lockAt = sql.NullTime{Time: p.AutoLockAt, Valid: true}
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
INSERT INTO predictions (channel, question, outcomes, started_by, started_at, auto_lock_at, status)
VALUES ($1, $2, $3, $4, $5, $6, 'open') RETURNING id`,
		norm(p.Channel), p.Question, outcomes, p.StartedBy, p.StartedAt, lockAt).Scan(&id)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return 0, ErrActive
	}
	if err != nil {
		return 0, fmt.Errorf("start prediction: %w", err)
	}
	return id, nil
}

// Active returns the channel's open or locked prediction.
func (s *Store) Active(ctx context.Context, channel string) (Prediction, error) {
	p, err := scan(s.db.QueryRowContext(ctx, `SELECT `+columns+`
FROM predictions WHERE channel = $1 AND status IN ('open', 'locked')
ORDER BY id DESC LIMIT 1`, norm(channel)))
	if errors.Is(err, sql.ErrNoRows) {
		return Prediction{}, ErrNotFound
	}
	if err != nil {
		return Prediction{}, fmt.Errorf("read active prediction: %w", err)
	}
	return p, nil
}

// HasBet reports whether userID already bet on the prediction.
func (s *Store) HasBet(ctx context.Context, predictionID int64, userID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM prediction_bets WHERE prediction_id = $1 AND user_id = $2)`,
		predictionID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check bet: %w", err)
	}
	return ok, nil
}

// PlaceBet records b if the prediction is still open and the user has no bet
// on it yet. It returns ErrClosed or ErrDuplicateBet otherwise.
func (s *Store) PlaceBet(ctx context.Context, b Bet) error {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO prediction_bets (prediction_id, user_id, username, outcome_index, amount)
SELECT $1, $2, $3, $4, $5
WHERE EXISTS (SELECT 1 FROM predictions WHERE id = $1 AND status = 'open')
ON CONFLICT (prediction_id, user_id) DO NOTHING`,
		b.PredictionID, b.UserID, b.Username, b.Outcome, b.Amount)
	if err != nil {
		return fmt.Errorf("place bet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("place bet: %w", err)
	}
	if n == 1 {
		return nil
	}
	dup, err := s.HasBet(ctx, b.PredictionID, b.UserID)
	if err != nil {
		return err
	}
	if dup {
		return ErrDuplicateBet
	}
	return ErrClosed
}

// Bets returns every bet on the prediction in the order placed.
func (s *Store) Bets(ctx context.Context, predictionID int64) ([]Bet, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT prediction_id, user_id, username, outcome_index, amount, payout
FROM prediction_bets WHERE prediction_id = $1 ORDER BY id`, predictionID)
	if err != nil {
		return nil, fmt.Errorf("read bets: %w", err)
	}
	defer rows.Close()
	var out []Bet
	for rows.Next() {
		var b Bet
		if err := rows.Scan(&b.PredictionID, &b.UserID, &b.Username, &b.Outcome, &b.Amount, &b.Payout); err != nil {
			return nil, fmt.Errorf("scan bet: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) transition(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Lock closes betting. It reports false when the prediction was not open.
func (s *Store) Lock(ctx context.Context, id int64, at time.Time) (bool, error) {
	ok, err := s.transition(ctx, `
UPDATE predictions SET status = 'locked', locked_at = $2 WHERE id = $1 AND status = 'open'`, id, at)
	if err != nil {
		return false, fmt.Errorf("lock prediction %d: %w", id, err)
	}
	return ok, nil
}

// LockDue locks every open prediction whose auto-lock time has passed and
// returns them.
func (s *Store) LockDue(ctx context.Context, now time.Time) ([]Prediction, error) {
	rows, err := s.db.QueryContext(ctx, `
UPDATE predictions SET status = 'locked', locked_at = $1
WHERE status = 'open' AND auto_lock_at IS NOT NULL AND auto_lock_at <= $1
RETURNING `+columns, now)
	if err != nil {
		return nil, fmt.Errorf("auto-lock predictions: %w", err)
	}
	defer rows.Close()
	var out []Prediction
	for rows.Next() {
		p, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan locked prediction: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Resolve settles the prediction on winner. It reports false when the
// prediction was no longer live.
func (s *Store) Resolve(ctx context.Context, id int64, winner int, at time.Time) (bool, error) {
	ok, err := s.transition(ctx, `
UPDATE predictions
SET status = 'resolved', winning_outcome = $2, resolved_at = $3, locked_at = COALESCE(locked_at, $3)
WHERE id = $1 AND status IN ('open', 'locked')`, id, winner, at)
	if err != nil {
		return false, fmt.Errorf("resolve prediction %d: %w", id, err)
	}
	return ok, nil
}

// Cancel voids the prediction. It reports false when it was no longer live.
func (s *Store) Cancel(ctx context.Context, id int64, at time.Time) (bool, error) {
	ok, err := s.transition(ctx, `
UPDATE predictions SET status = 'cancelled', resolved_at = $2
WHERE id = $1 AND status IN ('open', 'locked')`, id, at)
	if err != nil {
		return false, fmt.Errorf("cancel prediction %d: %w", id, err)
	}
	return ok, nil
}

// RecordPayout stores what a winning bet paid.
func (s *Store) RecordPayout(ctx context.Context, predictionID int64, userID string, payout int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE prediction_bets SET payout = $3 WHERE prediction_id = $1 AND user_id = $2`, predictionID, userID, payout)
	if err != nil {
		return fmt.Errorf("record payout: %w", err)
	}
	return nil
}

// History returns the channel's finished predictions, newest first.
func (s *Store) History(ctx context.Context, channel string, limit int) ([]Prediction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+`
FROM predictions WHERE channel = $1 AND status IN ('resolved', 'cancelled')
ORDER BY resolved_at DESC, id DESC LIMIT $2`, norm(channel), limit)
	if err != nil {
		return nil, fmt.Errorf("read prediction history: %w", err)
	}
	defer rows.Close()
	var out []Prediction
	for rows.Next() {
		p, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
