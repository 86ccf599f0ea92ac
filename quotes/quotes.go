// Package quotes stores memorable chat quotes per channel.
package quotes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sahilm/fuzzy"
)

// MaxLength bounds the stored quote text.
const MaxLength = 500

var ErrNotFound = errors.New("quote not found")

var (
	quotedWithAuthor   = regexp.MustCompile(`^"(.+?)"\s*-\s*(.+)$`)
	quotedOnly         = regexp.MustCompile(`^"(.+?)"$`)
	unquotedWithAuthor = regexp.MustCompile(`^(.+?)\s+-\s*(.+)$`)
)

// Quote is one stored quote. Empty Author and Game mean unknown.
type Quote struct {
	ID        int64
	Channel   string
	Text      string
	Author    string
	Game      string
	AddedBy   string
	CreatedAt time.Time
}

// Parse splits command input into quote text and author. Accepted forms:
//
//	"text" -Author
//	"text"
//	text - Author
//	text
func Parse(input string) (text, author string) {
	input = strings.TrimSpace(input)
	if m := quotedWithAuthor.FindStringSubmatch(input); m != nil {
		return strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
	}
	if m := quotedOnly.FindStringSubmatch(input); m != nil {
		return strings.TrimSpace(m[1]), ""
	}
	if m := unquotedWithAuthor.FindStringSubmatch(input); m != nil {
		return strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
	}
	return input, ""
}

// Format renders a quote for chat.
func Format(q Quote) string {
	author := q.Author
	if author == "" {
		author = "Unknown"
	}
	s := fmt.Sprintf("Quote #%d: \"%s\" - %s", q.ID, q.Text, author)
	if q.Game != "" {
		s += " (" + q.Game + ")"
	}
	return s
}

// Store reads and writes the quotes table.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func norm(channel string) string { return strings.ToLower(strings.TrimPrefix(channel, "#")) }

func nullable(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

const columns = `id, channel, quote_text, author, game, added_by, created_at`

func scan(row interface{ Scan(...any) error }) (Quote, error) {
	var q Quote
	var author, game sql.NullString
	if err := row.Scan(&q.ID, &q.Channel, &q.Text, &author, &game, &q.AddedBy, &q.CreatedAt); err != nil {
		return q, err
	}
	q.Author, q.Game = author.String, game.String
	return q, nil
}

// Add stores the quote and returns its id.
func (s *Store) Add(ctx context.Context, q Quote) (int64, error) {
	if q.Text == "" || utf8.RuneCountInString(q.Text) > MaxLength {
		return 0, fmt.Errorf("quote length must be 1..%d", MaxLength)
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO quotes (channel, quote_text, author, game, added_by)
VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		norm(q.Channel), q.Text, nullable(q.Author), nullable(q.Game), q.AddedBy).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("add quote: %w", err)
	}
	return id, nil
}

func (s *Store) one(ctx context.Context, query string, args ...any) (Quote, error) {
	q, err := scan(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Quote{}, ErrNotFound
	}
	if err != nil {
		return Quote{}, fmt.Errorf("read quote: %w", err)
	}
	return q, nil
}

func (s *Store) Get(ctx context.Context, channel string, id int64) (Quote, error) {
	return s.one(ctx, `SELECT `+columns+` FROM quotes WHERE channel = $1 AND id = $2`, norm(channel), id)
}

func (s *Store) Random(ctx context.Context, channel string) (Quote, error) {
	return s.one(ctx, `SELECT `+columns+` FROM quotes WHERE channel = $1 ORDER BY random() LIMIT 1`, norm(channel))
}

func (s *Store) Last(ctx context.Context, channel string) (Quote, error) {
	return s.one(ctx, `SELECT `+columns+` FROM quotes WHERE channel = $1 ORDER BY id DESC LIMIT 1`, norm(channel))
}

// Delete reports whether a quote was removed.
func (s *Store) Delete(ctx context.Context, channel string, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM quotes WHERE channel = $1 AND id = $2`, norm(channel), id)
	if err != nil {
		return false, fmt.Errorf("delete quote: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) Count(ctx context.Context, channel string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM quotes WHERE channel = $1`, norm(channel)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count quotes: %w", err)
	}
	return n, nil
}

// All returns the channel's quotes in id order.
func (s *Store) All(ctx context.Context, channel string) ([]Quote, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM quotes WHERE channel = $1 ORDER BY id`, norm(channel))
	if err != nil {
		return nil, fmt.Errorf("list quotes: %w", err)
	}
	defer rows.Close()
	var out []Quote
	for rows.Next() {
		q, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// Search returns the channel's quotes matching term, best match first.
func (s *Store) Search(ctx context.Context, channel, term string) ([]Quote, error) {
	all, err := s.All(ctx, channel)
	if err != nil {
		return nil, err
	}
	return Rank(all, term), nil
}

type searchable []Quote

func (s searchable) Len() int { return len(s) }
func (s searchable) String(i int) string {
	return strings.ToLower(s[i].Text + " " + s[i].Author + " " + s[i].Game)
}

// Rank orders quotes by fuzzy match against term and drops non-matches.
// Exact substring hits always rank ahead of scattered subsequence matches.
func Rank(list []Quote, term string) []Quote {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return nil
	}
	src := searchable(list)
	matches := fuzzy.FindFrom(term, src)
	var exact, loose []Quote
	for _, m := range matches {
		if strings.Contains(src.String(m.Index), term) {
			exact = append(exact, list[m.Index])
		} else {
			loose = append(loose, list[m.Index])
		}
	}
	return append(exact, loose...)
}
