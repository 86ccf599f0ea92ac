package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultRejoinWindow is how long a voluntary leave blocks rejoining.
const DefaultRejoinWindow = 5 * time.Minute

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// LeaveRecord is one row of viewer_queue_history.
type LeaveRecord struct {
	Channel  string
	Queue    string
	UserID   string
	Username string
	Picked   bool
}

// RejoinGuard denies re-entry to users who recently left a queue without
// having been picked.
type RejoinGuard struct {
	db     *sql.DB
	clock  clockwork.Clock
	window time.Duration
}

func NewRejoinGuard(db *sql.DB, clock clockwork.Clock, window time.Duration) *RejoinGuard {
	if window <= 0 {
		window = DefaultRejoinWindow
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RejoinGuard{db: db, clock: clock, window: window}
}

// Window returns the configured block duration.
func (g *RejoinGuard) Window() time.Duration { return g.window }

// RecordLeave appends a leave event stamped with the current time.
func (g *RejoinGuard) RecordLeave(ctx context.Context, rec LeaveRecord) error {
	return g.recordLeave(ctx, g.db, rec)
}

func (g *RejoinGuard) recordLeave(ctx context.Context, q querier, rec LeaveRecord) error {
	_, err := q.ExecContext(ctx, `
INSERT INTO viewer_queue_history (channel, queue_name, user_id, username, left_at, picked)
VALUES ($1, $2, $3, $4, $5, $6)`,
		normChannel(rec.Channel), normName(rec.Queue), rec.UserID, rec.Username, g.clock.Now().UTC(), rec.Picked)
	if err != nil {
		return fmt.Errorf("record queue leave: %w", err)
	}
	return nil
}

// CanRejoin reports whether the user may join again. Only the most recent
// leave inside the window is consulted, and it blocks only when the user had
// not been picked. No history means the user may join.
func (g *RejoinGuard) CanRejoin(ctx context.Context, channel, queue, userID string) (bool, error) {
	return g.canRejoin(ctx, g.db, channel, queue, userID)
}

func (g *RejoinGuard) canRejoin(ctx context.Context, q querier, channel, queue, userID string) (bool, error) {
	since := g.clock.Now().UTC().Add(-g.window)
	var picked bool
	err := q.QueryRowContext(ctx, `
SELECT picked FROM viewer_queue_history
WHERE channel = $1 AND queue_name = $2 AND user_id = $3 AND left_at > $4
ORDER BY left_at DESC, id DESC
LIMIT 1`,
		normChannel(channel), normName(queue), userID, since).Scan(&picked)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("check queue rejoin: %w", err)
	}
	return picked, nil
}
