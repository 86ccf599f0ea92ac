package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/streambot/cooldown"
	"github.com/onnwee/streambot/points"
	"github.com/onnwee/streambot/strike"
)

type fakeLedger struct {
	rows       []points.Standing
	err        error
	gotLimit   int
	gotChannel string
}

func (f *fakeLedger) Leaderboard(_ context.Context, channel string, limit int) ([]points.Standing, error) {
	f.gotChannel, f.gotLimit = channel, limit
	if limit < len(f.rows) {
		return f.rows[:limit], f.err
	}
	return f.rows, f.err
}

type fakeChat bool

func (f fakeChat) Connected() bool { return bool(f) }

func serve(t *testing.T, h http.Handler, method, target string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for _, m := range mutate {
		m(req)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rr.Body).Decode(v), rr.Body.String())
}

func TestHealthz(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := NewMux(t.Context(), Deps{DB: db})

	mock.ExpectPing()
	rr := serve(t, h, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	rr = serve(t, h, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadyz(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	redisUp := true
	redisCheck := Check{Name: "redis", Fn: func(context.Context) error {
		if !redisUp {
			return errors.New("dial tcp: connection refused")
		}
		return nil
	}}

	t.Run("ready", func(t *testing.T) {
		mock.ExpectPing()
		h := NewMux(t.Context(), Deps{DB: db, Chat: fakeChat(true), Checks: []Check{redisCheck}})
		rr := serve(t, h, http.MethodGet, "/readyz")
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		var resp map[string]string
		decode(t, rr, &resp)
		assert.Equal(t, "ready", resp["status"])
	})

	t.Run("chat down", func(t *testing.T) {
		mock.ExpectPing()
		h := NewMux(t.Context(), Deps{DB: db, Chat: fakeChat(false), Checks: []Check{redisCheck}})
		rr := serve(t, h, http.MethodGet, "/readyz")
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		var resp map[string]string
		decode(t, rr, &resp)
		assert.Equal(t, "not_ready", resp["status"])
		assert.Equal(t, "chat", resp["failed_check"])
	})

	t.Run("redis down", func(t *testing.T) {
		redisUp = false
		mock.ExpectPing()
		h := NewMux(t.Context(), Deps{DB: db, Chat: fakeChat(true), Checks: []Check{redisCheck}})
		rr := serve(t, h, http.MethodGet, "/readyz")
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		var resp map[string]string
		decode(t, rr, &resp)
		assert.Equal(t, "redis", resp["failed_check"])
	})

	t.Run("database down", func(t *testing.T) {
		mock.ExpectPing().WillReturnError(errors.New("gone"))
		h := NewMux(t.Context(), Deps{DB: db, Chat: fakeChat(true)})
		rr := serve(t, h, http.MethodGet, "/readyz")
		var resp map[string]string
		decode(t, rr, &resp)
		assert.Equal(t, "database", resp["failed_check"])
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaderboard(t *testing.T) {
	ledger := &fakeLedger{rows: []points.Standing{
		{UserID: "1", Username: "alice", Points: 900, WatchMinutes: 120, Messages: 40},
		{UserID: "2", Username: "bob", Points: 300, WatchMinutes: 30, Messages: 5},
	}}
	h := NewMux(t.Context(), Deps{Ledger: ledger})

	rr := serve(t, h, http.MethodGet, "/leaderboard")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(t, h, http.MethodGet, "/leaderboard?channel=%23CoolStreamer&limit=1")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "coolstreamer", ledger.gotChannel)
	assert.Equal(t, 1, ledger.gotLimit)

	var resp struct {
		Channel string         `json:"channel"`
		Entries []standingJSON `json:"entries"`
	}
	decode(t, rr, &resp)
	assert.Equal(t, "coolstreamer", resp.Channel)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, standingJSON{Rank: 1, Username: "alice", Points: 900, WatchMinutes: 120, Messages: 40}, resp.Entries[0])

	serve(t, h, http.MethodGet, "/leaderboard?channel=x&limit=5000")
	assert.Equal(t, maxLeaderboard, ledger.gotLimit)
	serve(t, h, http.MethodGet, "/leaderboard?channel=x&limit=junk")
	assert.Equal(t, 10, ledger.gotLimit)

	rr = serve(t, h, http.MethodPost, "/leaderboard?channel=x")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	ledger.err = errors.New("boom")
	rr = serve(t, h, http.MethodGet, "/leaderboard?channel=x")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestAdminStrikes(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	engine := strike.NewEngine(strike.NewMemoryStore(), strike.DefaultConfig(), clock)
	_, err := engine.AddStrike(context.Background(), strike.Request{UserID: "troll", Username: "troll", Reason: "spam", Moderator: "moddy", Channel: "chan"})
	require.NoError(t, err)

	h := NewMux(t.Context(), Deps{Strikes: engine, Admin: Admin{Token: "s3cret"}, RateLimitPerMinute: 30})
	withToken := func(r *http.Request) { r.Header.Set("X-Admin-Token", "s3cret") }

	rr := serve(t, h, http.MethodGet, "/admin/strikes?user=troll")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = serve(t, h, http.MethodGet, "/admin/strikes", withToken)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(t, h, http.MethodGet, "/admin/strikes?user=@Troll", withToken)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp strikesJSON
	decode(t, rr, &resp)
	assert.Equal(t, "troll", resp.User)
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "spam", resp.LastReason)
	require.NotNil(t, resp.ExpiresAt)
	assert.True(t, resp.ExpiresAt.Equal(clock.Now().Add(30*24*time.Hour)))
	require.Len(t, resp.History, 1)
	assert.Equal(t, "warn", resp.History[0].Action)
	assert.Equal(t, "moddy", resp.History[0].Moderator)

	rr = serve(t, h, http.MethodGet, "/admin/strikes?user=nobody", withToken)
	require.Equal(t, http.StatusOK, rr.Code)
	resp = strikesJSON{}
	decode(t, rr, &resp)
	assert.Zero(t, resp.Count)
	assert.Nil(t, resp.ExpiresAt)
	assert.Empty(t, resp.History)
}

func TestAdminCooldownReset(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ledger := cooldown.NewLedger(cooldown.NewMemoryStore(), clock)
	ctx := context.Background()
	scope := cooldown.Scope{Channel: "chan", User: "42"}
	require.NoError(t, ledger.Update(ctx, "slots", scope, cooldown.User))
	require.NoError(t, ledger.Update(ctx, "ping", scope, cooldown.Channel))

	h := NewMux(t.Context(), Deps{Cooldowns: ledger, RateLimitPerMinute: 30})

	rr := serve(t, h, http.MethodGet, "/admin/cooldowns/reset?command=slots")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = serve(t, h, http.MethodPost, "/admin/cooldowns/reset?command=slots&channel=chan")
	assert.Equal(t, http.StatusBadRequest, rr.Code, "user bucket needs a user")
	rr = serve(t, h, http.MethodPost, "/admin/cooldowns/reset?command=ping&bucket=channel")
	assert.Equal(t, http.StatusBadRequest, rr.Code, "channel bucket needs a channel")
	rr = serve(t, h, http.MethodPost, "/admin/cooldowns/reset?command=ping&bucket=sideways&channel=chan")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(t, h, http.MethodPost, "/admin/cooldowns/reset?command=slots&channel=%23chan&user=42")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp map[string]string
	decode(t, rr, &resp)
	assert.Equal(t, "user", resp["bucket"])

	on, _, err := ledger.Check(ctx, "slots", scope, time.Hour, cooldown.User)
	require.NoError(t, err)
	assert.False(t, on)

	on, _, err = ledger.Check(ctx, "ping", scope, time.Hour, cooldown.Channel)
	require.NoError(t, err)
	assert.True(t, on, "other entries are untouched")

	rr = serve(t, h, http.MethodPost, "/admin/cooldowns/reset?command=ping&bucket=channel&channel=chan")
	require.Equal(t, http.StatusOK, rr.Code)
	on, _, err = ledger.Check(ctx, "ping", scope, time.Hour, cooldown.Channel)
	require.NoError(t, err)
	assert.False(t, on)
}

func TestAdminRoutesAreRateLimited(t *testing.T) {
	h := NewMux(t.Context(), Deps{Strikes: strike.NewEngine(strike.NewMemoryStore(), strike.DefaultConfig(), clockwork.NewFakeClock()), RateLimitPerMinute: 1})
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/admin/strikes?user=a").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(t, h, http.MethodGet, "/admin/strikes?user=a").Code)

	// Public routes are not limited.
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/healthz").Code)
	}
}

func TestCorrelationHeader(t *testing.T) {
	h := NewMux(t.Context(), Deps{})

	rr := serve(t, h, http.MethodGet, "/healthz", func(r *http.Request) { r.Header.Set("X-Correlation-ID", "corr-123") })
	assert.Equal(t, "corr-123", rr.Header().Get("X-Correlation-ID"))

	rr = serve(t, h, http.MethodGet, "/healthz")
	assert.Len(t, rr.Header().Get("X-Correlation-ID"), 36)
}

func TestMetricsRoute(t *testing.T) {
	h := NewMux(t.Context(), Deps{})
	rr := serve(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}
