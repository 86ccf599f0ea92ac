package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"golang.org/x/time/rate"

	"github.com/onnwee/streambot/bot"
	"github.com/onnwee/streambot/permission"
	"github.com/onnwee/streambot/telemetry"
)

const (
	// MaxMessageLength is the Twitch chat line limit in characters.
	MaxMessageLength = 500
	// maxReasonLength bounds the reason appended to moderation commands.
	maxReasonLength = 100

	// 20 lines per 30 seconds for a non-moderator account.
	sayEvery = 1500 * time.Millisecond
	sayBurst = 20
)

// ErrNotConnected is returned by senders before the IRC session is up.
var ErrNotConnected = errors.New("chat client not connected")

// conn is the part of *twitch.Client the bot uses.
type conn interface {
	Say(channel, text string)
	Join(channels ...string)
	Connect() error
	Disconnect() error
	OnPrivateMessage(func(twitch.PrivateMessage))
	OnConnect(func())
}

// Options configure the IRC session.
type Options struct {
	Nick     string
	Token    string
	Channels []string
}

// Client is a bot.Sender backed by Twitch IRC.
type Client struct {
	irc      conn
	nick     string
	channels []string
	limiter  *rate.Limiter

	connected atomic.Bool
	mu        sync.RWMutex
	listener  bot.Listener
	wg        sync.WaitGroup
}

func NewClient(opts Options) *Client {
	return newClient(twitch.NewClient(opts.Nick, opts.Token), opts)
}

func newClient(irc conn, opts Options) *Client {
	chans := make([]string, 0, len(opts.Channels))
	for _, ch := range opts.Channels {
		if ch = bot.NormChannel(ch); ch != "" {
			chans = append(chans, ch)
		}
	}
	return &Client{
		irc:      irc,
		nick:     strings.ToLower(opts.Nick),
		channels: chans,
		limiter:  rate.NewLimiter(rate.Every(sayEvery), sayBurst),
	}
}

// Handle sets the listener that receives every chat message.
func (c *Client) Handle(l bot.Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// Connected reports whether the IRC session is up.
func (c *Client) Connected() bool { return c.connected.Load() }

// Run connects, joins the channels and blocks until ctx is done or the
// connection fails. In-flight handlers are awaited before it returns.
func (c *Client) Run(ctx context.Context) error {
	log := slog.With(slog.String("component", "chat"))
	c.irc.OnConnect(func() {
		c.connected.Store(true)
		log.Info("connected to twitch chat", slog.String("nick", c.nick), slog.Any("channels", c.channels))
	})
	c.irc.OnPrivateMessage(func(m twitch.PrivateMessage) {
		c.deliver(ctx, toMessage(c.nick, m))
	})
	c.irc.Join(c.channels...)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if err := c.irc.Disconnect(); err != nil {
				log.Debug("disconnect", slog.Any("err", err))
			}
		case <-done:
		}
	}()

	err := c.irc.Connect()
	close(done)
	c.connected.Store(false)
	c.wg.Wait()
	if ctx.Err() != nil || errors.Is(err, twitch.ErrClientDisconnected) {
		log.Info("twitch chat disconnected")
		return nil
	}
	if err != nil {
		return fmt.Errorf("twitch chat: %w", err)
	}
	return nil
}

// deliver runs the listener on its own goroutine so slow handlers never stall the reader.
func (c *Client) deliver(ctx context.Context, msg bot.Message) {
	telemetry.ObserveChatMessage()
	c.mu.RLock()
	l := c.listener
	c.mu.RUnlock()
	if l == nil || msg.Echo {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		l.OnMessage(ctx, msg)
	}()
}

// Say posts text, truncated to the chat limit, once the rate limiter allows.
func (c *Client) Say(ctx context.Context, channel, text string) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("say: %w", err)
	}
	c.irc.Say(bot.NormChannel(channel), truncate(text, MaxMessageLength))
	return nil
}

// Timeout sends "/timeout user seconds reason".
func (c *Client) Timeout(ctx context.Context, channel, user string, d time.Duration, reason string) error {
	secs := int64(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return c.Say(ctx, channel, strings.TrimSpace(fmt.Sprintf("/timeout %s %d %s", bot.NormLogin(user), secs, truncate(reason, maxReasonLength))))
}

// Ban sends "/ban user reason".
func (c *Client) Ban(ctx context.Context, channel, user, reason string) error {
	return c.Say(ctx, channel, strings.TrimSpace(fmt.Sprintf("/ban %s %s", bot.NormLogin(user), truncate(reason, maxReasonLength))))
}

func (c *Client) Unban(ctx context.Context, channel, user string) error {
	return c.Say(ctx, channel, "/unban "+bot.NormLogin(user))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func toMessage(nick string, m twitch.PrivateMessage) bot.Message {
	b := m.User.Badges
	return bot.Message{
		ID:      m.ID,
		Channel: bot.NormChannel(m.Channel),
		Text:    m.Message,
		At:      m.Time,
		Echo:    nick != "" && strings.EqualFold(m.User.Name, nick),
		Caller: permission.Caller{
			ID:          m.User.ID,
			Name:        m.User.Name,
			Moderator:   b["moderator"] > 0 || m.Tags["mod"] == "1",
			Broadcaster: b["broadcaster"] > 0,
			Subscriber:  b["subscriber"] > 0 || b["founder"] > 0,
			VIP:         b["vip"] > 0,
		},
	}
}
