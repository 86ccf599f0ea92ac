package commands

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/streambot/bot"
	"github.com/onnwee/streambot/cooldown"
	"github.com/onnwee/streambot/permission"
	"github.com/onnwee/streambot/points"
	"github.com/onnwee/streambot/testutil"
)

const testChannel = "chan"

// memLedger mirrors points.Ledger semantics in memory.
type memLedger struct {
	mu   sync.Mutex
	rows map[string]*points.Standing
}

func newMemLedger() *memLedger { return &memLedger{rows: make(map[string]*points.Standing)} }

func lkey(userID, channel string) string { return bot.NormChannel(channel) + "/" + userID }

func (m *memLedger) seed(userID, username string, bal int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[lkey(userID, testChannel)] = &points.Standing{UserID: userID, Username: username, Points: bal}
}

func (m *memLedger) balance(userID string) int64 {
	b, _ := m.Balance(context.Background(), userID, testChannel)
	return b
}

func (m *memLedger) Balance(_ context.Context, userID, channel string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[lkey(userID, channel)]; ok {
		return r.Points, nil
	}
	return 0, nil
}

func (m *memLedger) Credit(_ context.Context, acct points.Account, amount int64) (int64, error) {
	if amount < 0 {
		return 0, points.ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[lkey(acct.UserID, acct.Channel)]
	if !ok {
		r = &points.Standing{UserID: acct.UserID}
		m.rows[lkey(acct.UserID, acct.Channel)] = r
	}
	if acct.Username != "" {
		r.Username = acct.Username
	}
	r.Points += amount
	return r.Points, nil
}

func (m *memLedger) DebitIfSufficient(_ context.Context, userID, channel string, amount int64) (bool, int64, error) {
	if amount <= 0 {
		return false, 0, points.ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[lkey(userID, channel)]
	if !ok {
		return false, 0, nil
	}
	if r.Points < amount {
		return false, r.Points, nil
	}
	r.Points -= amount
	return true, r.Points, nil
}

func (m *memLedger) Deduct(_ context.Context, userID, channel string, amount int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[lkey(userID, channel)]
	if !ok {
		return 0, false, nil
	}
	r.Points -= amount
	if r.Points < 0 {
		r.Points = 0
	}
	return r.Points, true, nil
}

func (m *memLedger) SetBalance(_ context.Context, acct points.Account, amount int64) (int64, error) {
	if amount < 0 {
		amount = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[lkey(acct.UserID, acct.Channel)]
	if !ok {
		r = &points.Standing{UserID: acct.UserID, Username: acct.Username}
		m.rows[lkey(acct.UserID, acct.Channel)] = r
	}
	r.Points = amount
	return amount, nil
}

func (m *memLedger) Standing(_ context.Context, userID, channel string) (points.Standing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[lkey(userID, channel)]; ok {
		return *r, nil
	}
	return points.Standing{UserID: userID}, nil
}

func (m *memLedger) Leaderboard(_ context.Context, channel string, limit int) ([]points.Standing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []points.Standing
	for k, r := range m.rows {
		if strings.HasPrefix(k, bot.NormChannel(channel)+"/") && r.Points > 0 {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Points != out[j].Points {
			return out[i].Points > out[j].Points
		}
		return out[i].Username < out[j].Username
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memLedger) LookupUser(_ context.Context, channel, login string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, r := range m.rows {
		if strings.HasPrefix(k, bot.NormChannel(channel)+"/") && strings.EqualFold(r.Username, bot.NormLogin(login)) {
			return r.UserID, true, nil
		}
	}
	return "", false, nil
}

// rig dispatches commands through a real dispatcher. Cooldowns run on their
// own clock, which jumps an hour after every line so tests can repeat commands.
type rig struct {
	d       *bot.Dispatcher
	chat    *testutil.FakeChat
	cdClock *clockwork.FakeClock
}

func newRig(t *testing.T, cmds ...[]*bot.Command) *rig {
	t.Helper()
	reg := bot.NewRegistry()
	for _, c := range cmds {
		require.NoError(t, reg.Register(c...))
	}
	r := &rig{chat: &testutil.FakeChat{}, cdClock: clockwork.NewFakeClock()}
	cds := cooldown.NewLedger(cooldown.NewMemoryStore(), r.cdClock)
	r.d = bot.NewDispatcher(reg, permission.NewEvaluator("owner"), cds, r.chat, bot.Options{})
	return r
}

// send dispatches text as caller and returns what the bot said in response.
func (r *rig) send(c permission.Caller, text string) []string {
	return r.sendCtx(context.Background(), c, text)
}

func (r *rig) sendCtx(ctx context.Context, c permission.Caller, text string) []string {
	before := len(r.chat.Messages())
	_ = r.d.Dispatch(ctx, bot.Message{Channel: testChannel, Text: text, Caller: c})
	r.cdClock.Advance(time.Hour)
	return r.chat.Messages()[before:]
}

// say is send for commands that answer with exactly one line.
func (r *rig) say(t *testing.T, c permission.Caller, text string) string {
	t.Helper()
	out := r.send(c, text)
	require.Len(t, out, 1, "replies to %q: %v", text, out)
	return out[0]
}

func user(id, name string) permission.Caller { return permission.Caller{ID: id, Name: name} }

func mod(id, name string) permission.Caller {
	return permission.Caller{ID: id, Name: name, Moderator: true}
}

var owner = permission.Caller{ID: "1", Name: "owner"}

// seq returns the given values in order, repeating the last.
func seq(vals ...int) func(int) int {
	var mu sync.Mutex
	i := 0
	return func(int) int {
		mu.Lock()
		defer mu.Unlock()
		v := vals[i]
		if i < len(vals)-1 {
			i++
		}
		return v
	}
}
