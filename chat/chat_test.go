package chat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/streambot/bot"
)

type fakeConn struct {
	mu        sync.Mutex
	said      []string
	joined    []string
	onMsg     func(twitch.PrivateMessage)
	onConnect func()
	stop      chan struct{}
	ready     chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{stop: make(chan struct{}), ready: make(chan struct{})}
}

func (f *fakeConn) Say(channel, text string) {
	f.mu.Lock()
	f.said = append(f.said, channel+" "+text)
	f.mu.Unlock()
}

func (f *fakeConn) Join(channels ...string) { f.joined = append(f.joined, channels...) }

func (f *fakeConn) OnPrivateMessage(cb func(twitch.PrivateMessage)) { f.onMsg = cb }

func (f *fakeConn) OnConnect(cb func()) { f.onConnect = cb }

func (f *fakeConn) Disconnect() error {
	close(f.stop)
	return nil
}

func (f *fakeConn) Connect() error {
	f.onConnect()
	close(f.ready)
	<-f.stop
	return twitch.ErrClientDisconnected
}

func (f *fakeConn) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.said...)
}

func TestToMessageMapsBadges(t *testing.T) {
	m := twitch.PrivateMessage{
		Channel: "StreamerName",
		Message: "!points",
		ID:      "abc",
		User: twitch.User{ID: "99", Name: "viewer", Badges: map[string]int{
			"subscriber": 12, "vip": 1,
		}},
		Tags: map[string]string{"mod": "1"},
	}
	msg := toMessage("streambot", m)
	assert.Equal(t, "streamername", msg.Channel)
	assert.Equal(t, "99", msg.Caller.ID)
	assert.True(t, msg.Caller.Subscriber)
	assert.True(t, msg.Caller.VIP)
	assert.True(t, msg.Caller.Moderator)
	assert.False(t, msg.Caller.Broadcaster)
	assert.False(t, msg.Echo)

	own := toMessage("streambot", twitch.PrivateMessage{User: twitch.User{Name: "StreamBot"}})
	assert.True(t, own.Echo)
}

func TestSenderCommands(t *testing.T) {
	fc := newFakeConn()
	c := newClient(fc, Options{Nick: "streambot", Channels: []string{"#Chan"}})
	c.connected.Store(true)
	ctx := context.Background()

	require.NoError(t, c.Timeout(ctx, "chan", "@Troll", 10*time.Minute, "Strike 3: 10 minute timeout"))
	require.NoError(t, c.Ban(ctx, "chan", "troll", strings.Repeat("x", 150)))
	require.NoError(t, c.Unban(ctx, "#chan", "Troll"))
	require.NoError(t, c.Say(ctx, "chan", strings.Repeat("é", 600)))

	lines := fc.lines()
	require.Len(t, lines, 4)
	assert.Equal(t, "chan /timeout troll 600 Strike 3: 10 minute timeout", lines[0])
	assert.Equal(t, "chan /ban troll "+strings.Repeat("x", 100), lines[1])
	assert.Equal(t, "chan /unban troll", lines[2])
	assert.Equal(t, MaxMessageLength, len([]rune(strings.TrimPrefix(lines[3], "chan "))))
}

func TestSayBeforeConnect(t *testing.T) {
	c := newClient(newFakeConn(), Options{})
	assert.ErrorIs(t, c.Say(context.Background(), "chan", "hi"), ErrNotConnected)
}

func TestRunDeliversAndShutsDown(t *testing.T) {
	fc := newFakeConn()
	c := newClient(fc, Options{Nick: "streambot", Channels: []string{"#A", "b", ""}})

	got := make(chan bot.Message, 2)
	c.Handle(bot.ListenerFunc(func(_ context.Context, m bot.Message) { got <- m }))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	<-fc.ready
	assert.True(t, c.Connected())
	assert.Equal(t, []string{"a", "b"}, fc.joined)

	fc.onMsg(twitch.PrivateMessage{Channel: "a", Message: "hello", User: twitch.User{ID: "1", Name: "viewer"}})
	fc.onMsg(twitch.PrivateMessage{Channel: "a", Message: "echo", User: twitch.User{ID: "2", Name: "streambot"}})

	select {
	case m := <-got:
		assert.Equal(t, "hello", m.Text)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	cancel()
	require.NoError(t, <-errc)
	assert.False(t, c.Connected())
	assert.Empty(t, got, "echo lines are not delivered")
}
