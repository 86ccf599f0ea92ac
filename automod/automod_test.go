package automod

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/streambot/bot"
	"github.com/onnwee/streambot/permission"
	"github.com/onnwee/streambot/strike"
	"github.com/onnwee/streambot/testutil"
)

// memChatters is an in-memory chatterStore.
type memChatters struct {
	mu          sync.Mutex
	clock       clockwork.Clock
	rows        map[string]*Chatter
	permits     map[string]time.Time
	whitelisted map[string]bool
	log         []Entry
	err         error
}

func newMemChatters(clock clockwork.Clock) *memChatters {
	return &memChatters{
		clock:       clock,
		rows:        make(map[string]*Chatter),
		permits:     make(map[string]time.Time),
		whitelisted: make(map[string]bool),
	}
}

func (m *memChatters) Observe(_ context.Context, channel, login, userID string, now time.Time) (Chatter, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return Chatter{}, false, m.err
	}
	key := channel + "/" + login
	r, ok := m.rows[key]
	if !ok {
		r = &Chatter{Login: login, UserID: userID, FirstSeen: now}
		m.rows[key] = r
	}
	before := *r
	before.Whitelisted = m.whitelisted[key]
	r.Messages++
	return before, now.Before(m.permits[key]), nil
}

func (m *memChatters) LogAction(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = append(m.log, e)
	return nil
}

func (m *memChatters) entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.log...)
}

// recordingStriker keeps every request on its way to a real engine.
type recordingStriker struct {
	*strike.Engine
	mu   sync.Mutex
	reqs []strike.Request
}

func (r *recordingStriker) AddStrike(ctx context.Context, req strike.Request) (strike.Result, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	return r.Engine.AddStrike(ctx, req)
}

type filterRig struct {
	f       *Filter
	store   *memChatters
	strikes *recordingStriker
	chat    *testutil.FakeChat
	clock   *clockwork.FakeClock
}

func newFilterRig(opts Options) *filterRig {
	clock := clockwork.NewFakeClock()
	r := &filterRig{
		store:   newMemChatters(clock),
		strikes: &recordingStriker{Engine: strike.NewEngine(strike.NewMemoryStore(), strike.DefaultConfig(), clock)},
		chat:    &testutil.FakeChat{},
		clock:   clock,
	}
	r.f = NewFilter(r.store, r.strikes, r.chat, clock, opts)
	return r
}

func (r *filterRig) send(c permission.Caller, id, text string) {
	r.f.OnMessage(context.Background(), bot.Message{ID: id, Channel: "#Chan", Text: text, Caller: c})
}

var (
	spammer = permission.Caller{ID: "7", Name: "Spammer"}
	shouted = strings.ToUpper(followSpam)
)

func TestSpamEscalatesThroughStrikes(t *testing.T) {
	r := newFilterRig(Options{Enabled: true, Strikes: true})

	r.send(spammer, "m1", shouted)
	require.Len(t, r.strikes.reqs, 1)
	req := r.strikes.reqs[0]
	assert.Equal(t, "spammer", req.UserID, "strikes are keyed by login like the strike commands")
	assert.Equal(t, Moderator, req.Moderator)
	assert.Equal(t, "chan", req.Channel)
	assert.LessOrEqual(t, len([]rune(req.Reason)), maxReason)
	assert.True(t, strings.HasPrefix(r.chat.Last(), "@spammer Warning: spam_pattern_match (2 patterns)"), r.chat.Last())

	entries := r.store.entries()
	require.Len(t, entries, 1)
	assert.Equal(t, Ban, entries[0].Action)
	assert.Equal(t, 100, entries[0].Score)
	assert.Equal(t, shouted, entries[0].Message)

	r.send(spammer, "m2", shouted)
	assert.Len(t, r.strikes.reqs, 1, "no second action inside the cooldown")
	assert.Len(t, r.store.entries(), 1)

	r.clock.Advance(ActionCooldown + time.Second)
	r.send(spammer, "m3", shouted)
	require.Len(t, r.strikes.reqs, 2)
	acts := r.chat.Actions()
	require.Len(t, acts, 1)
	assert.Equal(t, testutil.ModAction{Kind: "timeout", Channel: "chan", User: "spammer", Duration: time.Minute, Reason: "@spammer Strike 2: 1 minute timeout"}, acts[0])
}

func TestSubscriberStatusReachesStrikeEngine(t *testing.T) {
	r := newFilterRig(Options{Enabled: true, Strikes: true, Sensitivity: High})
	sub := permission.Caller{ID: "8", Name: "subby", Subscriber: true}

	// 100 - 30 for the subscriber is a timeout on high sensitivity.
	r.send(sub, "m1", shouted)
	require.Len(t, r.strikes.reqs, 1)
	assert.True(t, r.strikes.reqs[0].Subscriber)
	assert.Equal(t, Timeout, r.store.entries()[0].Action)
}

func TestDeleteRemovesTheMessage(t *testing.T) {
	r := newFilterRig(Options{Enabled: true, Strikes: false, Sensitivity: High})
	// 80 - 30 lands between delete and timeout on high sensitivity.
	r.send(permission.Caller{ID: "8", Name: "subby", Subscriber: true}, "abc-123", followSpam)

	assert.Equal(t, []string{"/delete abc-123", "@subby Your message was removed. Please follow chat rules."}, r.chat.Messages())
	assert.Empty(t, r.strikes.reqs)
	assert.Equal(t, Delete, r.store.entries()[0].Action)
}

func TestWithoutStrikesActsDirectly(t *testing.T) {
	r := newFilterRig(Options{Enabled: true})
	r.send(spammer, "m1", shouted)

	acts := r.chat.Actions()
	require.Len(t, acts, 1)
	assert.Equal(t, "ban", acts[0].Kind)
	assert.True(t, strings.HasPrefix(acts[0].Reason, "AutoMod: spam_pattern_match"))
	assert.Empty(t, r.strikes.reqs)
}

func TestFlagOnlyLogs(t *testing.T) {
	r := newFilterRig(Options{Enabled: true, Strikes: true})
	r.send(user("9", "newbie"), "m1", "join discord.gg/abc123 now")

	assert.Empty(t, r.chat.Messages())
	assert.Empty(t, r.chat.Actions())
	require.Len(t, r.store.entries(), 1)
	assert.Equal(t, Flag, r.store.entries()[0].Action)
}

func TestExemptAndIgnoredMessages(t *testing.T) {
	cases := map[string]func(r *filterRig){
		"moderator": func(r *filterRig) {
			r.send(permission.Caller{ID: "2", Name: "moddy", Moderator: true}, "m", shouted)
		},
		"broadcaster": func(r *filterRig) {
			r.send(permission.Caller{ID: "1", Name: "chan", Broadcaster: true}, "m", shouted)
		},
		"whitelisted": func(r *filterRig) {
			r.store.whitelisted["chan/spammer"] = true
			r.send(spammer, "m", shouted)
		},
		"disabled": func(r *filterRig) {
			r.f.SetEnabled(false)
			r.send(spammer, "m", shouted)
		},
		"echo": func(r *filterRig) {
			r.f.OnMessage(context.Background(), bot.Message{Channel: "chan", Text: shouted, Caller: spammer, Echo: true})
		},
		"blank": func(r *filterRig) {
			r.send(spammer, "m", "   ")
		},
		"store down": func(r *filterRig) {
			r.store.err = errors.New("db down")
			r.send(spammer, "m", shouted)
		},
	}
	for name, run := range cases {
		t.Run(name, func(t *testing.T) {
			r := newFilterRig(Options{Enabled: true, Strikes: true})
			run(r)
			assert.Empty(t, r.store.entries())
			assert.Empty(t, r.chat.Messages())
			assert.Empty(t, r.strikes.reqs)
		})
	}
}

func TestPermitLowersLinkScore(t *testing.T) {
	r := newFilterRig(Options{Enabled: true, Strikes: true, Sensitivity: High})
	r.store.permits["chan/linker"] = r.clock.Now().Add(PermitDuration)
	// 30 without the permit would be flagged on high sensitivity.
	r.send(user("5", "linker"), "m1", "check out mysite.com/page")
	assert.Empty(t, r.store.entries())
}

func TestRuntimeSettings(t *testing.T) {
	f := NewFilter(nil, nil, nil, nil, Options{Sensitivity: Low})
	assert.False(t, f.Enabled())
	assert.False(t, f.Strikes())
	assert.Equal(t, Low, f.Sensitivity())

	f.SetEnabled(true)
	f.SetStrikes(true)
	f.SetSensitivity(High)
	assert.True(t, f.Enabled())
	assert.True(t, f.Strikes())
	assert.Equal(t, High, f.Sensitivity())
}

func user(id, name string) permission.Caller { return permission.Caller{ID: id, Name: name} }
