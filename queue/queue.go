// Package queue implements named viewer queues per channel: open/close, size
// limits, subscriber priority and moderator picks.
//
// Every mutation runs in a transaction that first locks the queue's settings
// row, so size checks, inserts and picks on one queue are serialized across
// handlers and bot instances while different queues proceed in parallel.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultName is the queue used when a command names none.
const DefaultName = "default"

const (
	defaultMaxSize = 50
	MaxSizeLimit   = 1000
)

var (
	ErrClosed            = errors.New("queue is closed")
	ErrFull              = errors.New("queue is full")
	ErrAlreadyQueued     = errors.New("already in queue")
	ErrAlreadyPicked     = errors.New("already picked")
	ErrRecentlyLeft      = errors.New("recently left queue")
	ErrNotQueued         = errors.New("not in queue")
	ErrPickedCannotLeave = errors.New("picked users cannot leave")
	ErrEmpty             = errors.New("queue is empty")
	ErrInvalidPosition   = errors.New("invalid queue position")
	ErrInvalidSize       = errors.New("invalid queue size")
)

// Settings of one named queue.
type Settings struct {
	Channel     string
	Name        string
	Open        bool
	MaxSize     int
	SubPriority bool
}

// SettingsUpdate changes only the non-nil fields.
type SettingsUpdate struct {
	Open        *bool
	MaxSize     *int
	SubPriority *bool
}

// Member is a viewer joining a queue.
type Member struct {
	UserID     string
	Username   string
	Subscriber bool
}

// Entry is one row of a queue.
type Entry struct {
	ID         int64
	UserID     string
	Username   string
	Subscriber bool
	JoinedAt   time.Time
	Picked     bool
	PickedAt   time.Time
}

// Selection chooses who Pick takes. The zero value picks the next in line.
type Selection struct {
	Position int // 1-based; 0 means next
	Random   bool
}

// Store persists queues in Postgres.
type Store struct {
	db    *sql.DB
	guard *RejoinGuard
	clock clockwork.Clock
	intN  func(n int) int
}

// NewStore wires the queue tables. guard may be nil to disable rejoin protection.
func NewStore(db *sql.DB, guard *RejoinGuard, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{db: db, guard: guard, clock: clock, intN: rand.IntN}
}

// WithRand replaces the random source used by random picks.
func (s *Store) WithRand(intN func(n int) int) *Store {
	s.intN = intN
	return s
}

func normChannel(ch string) string { return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#")) }

func normName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return DefaultName
	}
	return name
}

func orderBy(subPriority bool) string {
	if subPriority {
		return "is_subscriber DESC, joined_at ASC, id ASC"
	}
	return "joined_at ASC, id ASC"
}

// Settings returns the queue settings, creating the default row on first use.
func (s *Store) Settings(ctx context.Context, channel, name string) (Settings, error) {
	return s.UpdateSettings(ctx, channel, name, SettingsUpdate{})
}

// UpdateSettings applies the update in one upsert and returns the result.
func (s *Store) UpdateSettings(ctx context.Context, channel, name string, u SettingsUpdate) (Settings, error) {
	if u.MaxSize != nil && (*u.MaxSize < 1 || *u.MaxSize > MaxSizeLimit) {
		return Settings{}, ErrInvalidSize
	}
	var open, sub sql.NullBool
	var size sql.NullInt64
	if u.Open != nil {
		open = sql.NullBool{Bool: *u.Open, Valid: true}
	}
	if u.SubPriority != nil {
		sub = sql.NullBool{Bool: *u.SubPriority, Valid: true}
	}
	if u.MaxSize != nil {
		size = sql.NullInt64{Int64: int64(*u.MaxSize), Valid: true}
	}
	st := Settings{Channel: normChannel(channel), Name: normName(name)}
	err := s.db.QueryRowContext(ctx, `
INSERT INTO queue_settings (channel, queue_name, is_open, max_size, sub_priority)
VALUES ($1, $2, COALESCE($3::boolean, FALSE), COALESCE($4::integer, $6::integer), COALESCE($5::boolean, FALSE))
ON CONFLICT (channel, queue_name) DO UPDATE SET
	is_open = COALESCE($3::boolean, queue_settings.is_open),
	max_size = COALESCE($4::integer, queue_settings.max_size),
	sub_priority = COALESCE($5::boolean, queue_settings.sub_priority)
RETURNING is_open, max_size, sub_priority`,
		st.Channel, st.Name, open, size, sub, defaultMaxSize).Scan(&st.Open, &st.MaxSize, &st.SubPriority)
	if err != nil {
		return Settings{}, fmt.Errorf("queue settings: %w", err)
	}
	return st, nil
}

// locked runs fn in a transaction holding the settings row lock of the queue.
func (s *Store) locked(ctx context.Context, channel, name string, fn func(tx *sql.Tx, st Settings) error) error {
	st := Settings{Channel: normChannel(channel), Name: normName(name)}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin queue tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO queue_settings (channel, queue_name, is_open, max_size, sub_priority)
VALUES ($1, $2, FALSE, $3, FALSE)
ON CONFLICT (channel, queue_name) DO NOTHING`, st.Channel, st.Name, defaultMaxSize); err != nil {
		return fmt.Errorf("ensure queue settings: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `
SELECT is_open, max_size, sub_priority FROM queue_settings
WHERE channel = $1 AND queue_name = $2
FOR UPDATE`, st.Channel, st.Name).Scan(&st.Open, &st.MaxSize, &st.SubPriority); err != nil {
		return fmt.Errorf("lock queue settings: %w", err)
	}
	if err := fn(tx, st); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit queue tx: %w", err)
	}
	return nil
}

// membership returns whether the user has a row and whether it is picked.
func membership(ctx context.Context, q querier, st Settings, userID string) (found, picked bool, err error) {
	err = q.QueryRowContext(ctx, `
SELECT picked FROM viewer_queue WHERE channel = $1 AND queue_name = $2 AND user_id = $3`,
		st.Channel, st.Name, userID).Scan(&picked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("queue membership: %w", err)
	}
	return true, picked, nil
}

func entries(ctx context.Context, q querier, st Settings, includePicked bool) ([]Entry, error) {
	query := `
SELECT id, user_id, username, is_subscriber, joined_at, picked, picked_at
FROM viewer_queue WHERE channel = $1 AND queue_name = $2`
	if includePicked {
		query += " ORDER BY picked ASC, " + orderBy(st.SubPriority)
	} else {
		query += " AND picked = FALSE ORDER BY " + orderBy(st.SubPriority)
	}
	rows, err := q.QueryContext(ctx, query, st.Channel, st.Name)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var pickedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.UserID, &e.Username, &e.Subscriber, &e.JoinedAt, &e.Picked, &pickedAt); err != nil {
			return nil, err
		}
		if pickedAt.Valid {
			e.PickedAt = pickedAt.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func positionOf(list []Entry, userID string) int {
	for i, e := range list {
		if e.UserID == userID {
			return i + 1
		}
	}
	return 0
}

// Join appends the member and returns their 1-based position.
func (s *Store) Join(ctx context.Context, channel, name string, m Member) (int, error) {
	var pos int
	err := s.locked(ctx, channel, name, func(tx *sql.Tx, st Settings) error {
		if !st.Open {
			return ErrClosed
		}
		found, picked, err := membership(ctx, tx, st, m.UserID)
		if err != nil {
			return err
		}
		if found && picked {
			return ErrAlreadyPicked
		}
		if found {
			return ErrAlreadyQueued
		}
		if s.guard != nil {
			ok, err := s.guard.canRejoin(ctx, tx, st.Channel, st.Name, m.UserID)
			if err != nil {
				return err
			}
			if !ok {
				return ErrRecentlyLeft
			}
		}
		var waiting int
		if err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM viewer_queue WHERE channel = $1 AND queue_name = $2 AND picked = FALSE`,
			st.Channel, st.Name).Scan(&waiting); err != nil {
			return fmt.Errorf("count queue: %w", err)
		}
		if waiting >= st.MaxSize {
			return ErrFull
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO viewer_queue (channel, queue_name, user_id, username, is_subscriber, joined_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
			st.Channel, st.Name, m.UserID, m.Username, m.Subscriber, s.clock.Now().UTC()); err != nil {
			return fmt.Errorf("join queue: %w", err)
		}
		list, err := entries(ctx, tx, st, false)
		if err != nil {
			return err
		}
		pos = positionOf(list, m.UserID)
		return nil
	})
	if err != nil {
		return 0, err
	}
	slog.Debug("queue join", slog.String("channel", normChannel(channel)), slog.String("queue", normName(name)),
		slog.String("user", m.Username), slog.Int("position", pos), slog.String("component", "queue"))
	return pos, nil
}

// Leave removes a waiting member and records the leave for the rejoin guard.
func (s *Store) Leave(ctx context.Context, channel, name string, m Member) error {
	return s.locked(ctx, channel, name, func(tx *sql.Tx, st Settings) error {
		found, picked, err := membership(ctx, tx, st, m.UserID)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotQueued
		}
		if picked {
			return ErrPickedCannotLeave
		}
		if _, err := tx.ExecContext(ctx, `
DELETE FROM viewer_queue WHERE channel = $1 AND queue_name = $2 AND user_id = $3`,
			st.Channel, st.Name, m.UserID); err != nil {
			return fmt.Errorf("leave queue: %w", err)
		}
		if s.guard != nil {
			return s.guard.recordLeave(ctx, tx, LeaveRecord{Channel: st.Channel, Queue: st.Name, UserID: m.UserID, Username: m.Username})
		}
		return nil
	})
}

// Position returns the user's 1-based position, 0 when absent. picked is
// true when the user was already selected.
func (s *Store) Position(ctx context.Context, channel, name, userID string) (pos int, picked bool, err error) {
	st, err := s.Settings(ctx, channel, name)
	if err != nil {
		return 0, false, err
	}
	found, picked, err := membership(ctx, s.db, st, userID)
	if err != nil || !found || picked {
		return 0, picked, err
	}
	list, err := entries(ctx, s.db, st, false)
	if err != nil {
		return 0, false, err
	}
	return positionOf(list, userID), false, nil
}

// Waiting lists unpicked entries in queue order.
func (s *Store) Waiting(ctx context.Context, channel, name string) ([]Entry, Settings, error) {
	st, err := s.Settings(ctx, channel, name)
	if err != nil {
		return nil, st, err
	}
	list, err := entries(ctx, s.db, st, false)
	return list, st, err
}

// All lists waiting entries first, then picked ones.
func (s *Store) All(ctx context.Context, channel, name string) ([]Entry, Settings, error) {
	st, err := s.Settings(ctx, channel, name)
	if err != nil {
		return nil, st, err
	}
	list, err := entries(ctx, s.db, st, true)
	return list, st, err
}

// Pick marks one waiting entry as picked. ErrInvalidPosition is returned with
// the number of waiting entries so callers can report the valid range.
func (s *Store) Pick(ctx context.Context, channel, name string, sel Selection) (Entry, int, error) {
	var picked Entry
	var waiting int
	err := s.locked(ctx, channel, name, func(tx *sql.Tx, st Settings) error {
		list, err := entries(ctx, tx, st, false)
		if err != nil {
			return err
		}
		waiting = len(list)
		if waiting == 0 {
			return ErrEmpty
		}
		switch {
		case sel.Random:
			picked = list[s.intN(waiting)]
		case sel.Position != 0:
			if sel.Position < 1 || sel.Position > waiting {
				return ErrInvalidPosition
			}
			picked = list[sel.Position-1]
		default:
			picked = list[0]
		}
		now := s.clock.Now().UTC()
		if _, err := tx.ExecContext(ctx, `UPDATE viewer_queue SET picked = TRUE, picked_at = $1 WHERE id = $2`, now, picked.ID); err != nil {
			return fmt.Errorf("pick from queue: %w", err)
		}
		picked.Picked = true
		picked.PickedAt = now
		return nil
	})
	return picked, waiting, err
}

// Clear deletes every entry, or only picked ones. Cleared picked entries are
// recorded as picked leaves, which never block rejoining.
func (s *Store) Clear(ctx context.Context, channel, name string, pickedOnly bool) (int, error) {
	var n int
	err := s.locked(ctx, channel, name, func(tx *sql.Tx, st Settings) error {
		query := `DELETE FROM viewer_queue WHERE channel = $1 AND queue_name = $2`
		if pickedOnly {
			query += ` AND picked = TRUE`
		}
		rows, err := tx.QueryContext(ctx, query+` RETURNING user_id, username, picked`, st.Channel, st.Name)
		if err != nil {
			return fmt.Errorf("clear queue: %w", err)
		}
		var leaves []LeaveRecord
		for rows.Next() {
			rec := LeaveRecord{Channel: st.Channel, Queue: st.Name}
			if err := rows.Scan(&rec.UserID, &rec.Username, &rec.Picked); err != nil {
				rows.Close()
				return err
			}
			n++
			if rec.Picked {
				leaves = append(leaves, rec)
			}
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if s.guard == nil {
			return nil
		}
		for _, rec := range leaves {
			if err := s.guard.recordLeave(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	return n, err
}

// Remove deletes a user by login. Moderator removals record no leave.
func (s *Store) Remove(ctx context.Context, channel, name, login string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM viewer_queue WHERE channel = $1 AND queue_name = $2 AND LOWER(username) = $3`,
		normChannel(channel), normName(name), strings.ToLower(strings.TrimPrefix(login, "@")))
	if err != nil {
		return false, fmt.Errorf("remove from queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Count returns the number of waiting entries.
func (s *Store) Count(ctx context.Context, channel, name string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM viewer_queue WHERE channel = $1 AND queue_name = $2 AND picked = FALSE`,
		normChannel(channel), normName(name)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}
