package quotes

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in, text, author string
	}{
		{`"I can't believe that worked!" -Streamer`, "I can't believe that worked!", "Streamer"},
		{`"Hello world" - TestUser`, "Hello world", "TestUser"},
		{`"Just a quote"`, "Just a quote", ""},
		{`This is a quote - Author`, "This is a quote", "Author"},
		{`Just some plain text`, "Just some plain text", ""},
		{``, "", ""},
		{`  "Quote with spaces"  -  Author  `, "Quote with spaces", "Author"},
		{`well-known fact`, "well-known fact", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			text, author := Parse(tt.in)
			assert.Equal(t, tt.text, text)
			assert.Equal(t, tt.author, author)
		})
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, `Quote #1: "Hello world" - TestUser`, Format(Quote{ID: 1, Text: "Hello world", Author: "TestUser"}))
	assert.Equal(t, `Quote #5: "Anonymous quote" - Unknown (Just Chatting)`, Format(Quote{ID: 5, Text: "Anonymous quote", Game: "Just Chatting"}))
	assert.Equal(t, `Quote #10: "Minimal quote" - Unknown`, Format(Quote{ID: 10, Text: "Minimal quote"}))
}

func TestRank(t *testing.T) {
	list := []Quote{
		{ID: 1, Text: "the cake is a lie"},
		{ID: 2, Text: "cheese and bread", Author: "Wallace"},
		{ID: 3, Text: "nothing relevant"},
		{ID: 4, Text: "c a k e scattered"},
	}
	got := Rank(list, "Cake")
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID, "substring hit ranks first")
	assert.Equal(t, int64(4), got[1].ID)

	byAuthor := Rank(list, "wallace")
	require.Len(t, byAuthor, 1)
	assert.Equal(t, int64(2), byAuthor[0].ID)

	assert.Empty(t, Rank(list, "   "))
}

var quoteCols = []string{"id", "channel", "quote_text", "author", "game", "added_by", "created_at"}

func TestStoreAddAndGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewStore(db)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO quotes")).
		WithArgs("chan", "hi", "Bob", nil, "mod").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	id, err := s.Add(context.Background(), Quote{Channel: "#Chan", Text: "hi", Author: "Bob", AddedBy: "mod"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)

	mock.ExpectQuery(regexp.QuoteMeta("FROM quotes WHERE channel = $1 AND id = $2")).
		WithArgs("chan", int64(7)).
		WillReturnRows(sqlmock.NewRows(quoteCols).AddRow(7, "chan", "hi", "Bob", nil, "mod", time.Now()))
	q, err := s.Get(context.Background(), "chan", 7)
	require.NoError(t, err)
	assert.Equal(t, "Bob", q.Author)
	assert.Empty(t, q.Game)

	mock.ExpectQuery(regexp.QuoteMeta("FROM quotes WHERE channel = $1 AND id = $2")).
		WithArgs("chan", int64(8)).
		WillReturnRows(sqlmock.NewRows(quoteCols))
	_, err = s.Get(context.Background(), "chan", 8)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreAddRejectsLongText(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewStore(db).Add(context.Background(), Quote{Channel: "c", Text: strings.Repeat("x", MaxLength+1)})
	assert.Error(t, err)
}
