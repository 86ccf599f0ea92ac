// Package automod scores every chat line for spam and acts on the verdict:
// flag it in the mod log, delete it, or hand it to the strike engine, which
// decides between a warning, a timeout and a ban.
//
// Moderators, the broadcaster and whitelisted chatters are never filtered.
// Subscribers and VIPs score lower and are never banned outright.
package automod

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/streambot/bot"
	"github.com/onnwee/streambot/strike"
)

const (
	// ActionCooldown is the quiet period after acting on a chatter.
	ActionCooldown = 30 * time.Second
	// PermitDuration is how long a permit lets a chatter post links.
	PermitDuration = 60 * time.Second
	// Moderator is the name strikes are recorded under.
	Moderator = "AutoMod"

	defaultTimeout = 10 * time.Minute
	maxReason      = 100
)

type chatterStore interface {
	Observe(ctx context.Context, channel, login, userID string, now time.Time) (Chatter, bool, error)
	LogAction(ctx context.Context, e Entry) error
}

type striker interface {
	AddStrike(ctx context.Context, req strike.Request) (strike.Result, error)
}

// Options seed the filter's runtime settings.
type Options struct {
	Enabled     bool
	Sensitivity Sensitivity
	// Strikes routes deletes, timeouts and bans through the strike engine.
	Strikes bool
}

// Filter is a bot.Listener that moderates chat.
type Filter struct {
	detector *Detector
	store    chatterStore
	strikes  striker
	sender   bot.Sender
	clock    clockwork.Clock
	log      *slog.Logger

	mu         sync.Mutex
	enabled    bool
	useStrikes bool
	lastAction map[string]time.Time // channel/login
}

func NewFilter(store chatterStore, strikes striker, sender bot.Sender, clock clockwork.Clock, opts Options) *Filter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Filter{
		detector:   NewDetector(opts.Sensitivity),
		store:      store,
		strikes:    strikes,
		sender:     sender,
		clock:      clock,
		log:        slog.Default().With(slog.String("component", "automod")),
		enabled:    opts.Enabled,
		useStrikes: opts.Strikes,
		lastAction: make(map[string]time.Time),
	}
}

func (f *Filter) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *Filter) SetEnabled(on bool) {
	f.mu.Lock()
	f.enabled = on
	f.mu.Unlock()
}

func (f *Filter) Strikes() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.useStrikes
}

func (f *Filter) SetStrikes(on bool) {
	f.mu.Lock()
	f.useStrikes = on
	f.mu.Unlock()
}

func (f *Filter) Sensitivity() Sensitivity     { return f.detector.Sensitivity() }
func (f *Filter) SetSensitivity(s Sensitivity) { f.detector.SetSensitivity(s) }

// OnMessage scores msg and acts on the verdict.
func (f *Filter) OnMessage(ctx context.Context, msg bot.Message) {
	if !f.Enabled() || msg.Echo || msg.Caller.Name == "" || strings.TrimSpace(msg.Text) == "" {
		return
	}
	ch := bot.NormChannel(msg.Channel)
	login := bot.NormLogin(msg.Caller.Name)
	now := f.clock.Now()

	rec, permit, err := f.store.Observe(ctx, ch, login, msg.Caller.ID, now)
	if err != nil {
		f.log.Warn("chatter lookup failed", slog.String("channel", ch), slog.String("user", login), slog.Any("err", err))
		return
	}
	if msg.Caller.Moderator || msg.Caller.Broadcaster || rec.Whitelisted {
		return
	}

	v := f.detector.Analyze(msg.Text, Profile{
		Subscriber: msg.Caller.Subscriber,
		VIP:        msg.Caller.VIP,
		FollowDays: int(now.Sub(rec.FirstSeen) / (24 * time.Hour)),
		Messages:   rec.Messages,
		Permit:     permit,
	})
	if v.Action == Allow {
		return
	}
	f.act(ctx, msg, ch, login, v)
}

// cooling reports whether login was acted on within ActionCooldown, and
// otherwise claims the slot.
func (f *Filter) cooling(key string, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if last, ok := f.lastAction[key]; ok && now.Sub(last) < ActionCooldown {
		return true
	}
	f.lastAction[key] = now
	for k, t := range f.lastAction {
		if now.Sub(t) > 5*time.Minute {
			delete(f.lastAction, k)
		}
	}
	return false
}

func (f *Filter) act(ctx context.Context, msg bot.Message, ch, login string, v Verdict) {
	now := f.clock.Now()
	if f.cooling(ch+"/"+login, now) {
		f.log.Debug("skipping action, user on cooldown", slog.String("user", login))
		return
	}
	reason := v.Reason()
	log := f.log.With(
		slog.String("channel", ch),
		slog.String("user", login),
		slog.String("action", string(v.Action)),
		slog.Int("score", v.Score),
		slog.String("reason", reason))

	switch v.Action {
	case Delete:
		if msg.ID != "" {
			if err := f.sender.Say(ctx, ch, "/delete "+msg.ID); err != nil {
				log.Warn("delete failed", slog.Any("err", err))
			}
		}
		if f.Strikes() {
			res, err := f.strike(ctx, msg, ch, login, reason)
			if err != nil {
				log.Error("strike failed", slog.Any("err", err))
			} else {
				f.say(ctx, log, ch, res.Message)
			}
		} else {
			f.say(ctx, log, ch, "@"+login+" Your message was removed. Please follow chat rules.")
		}
	case Timeout, Ban:
		if f.Strikes() {
			res, err := f.strike(ctx, msg, ch, login, reason)
			if err != nil {
				log.Error("strike failed", slog.Any("err", err))
				break
			}
			f.execute(ctx, log, ch, login, res)
		} else if v.Action == Ban {
			if err := f.sender.Ban(ctx, ch, login, "AutoMod: "+clip(reason, maxReason)); err != nil {
				log.Warn("ban failed", slog.Any("err", err))
			}
		} else {
			if err := f.sender.Timeout(ctx, ch, login, defaultTimeout, "AutoMod: "+clip(reason, maxReason)); err != nil {
				log.Warn("timeout failed", slog.Any("err", err))
			}
			if msg.Caller.Subscriber || msg.Caller.VIP {
				f.say(ctx, log, ch, "@"+login+" Timed out for 10 minutes. As a subscriber, you won't be banned.")
			}
		}
	}

	if err := f.store.LogAction(ctx, Entry{
		Channel:   ch,
		UserID:    msg.Caller.ID,
		Username:  login,
		Action:    v.Action,
		Reason:    reason,
		Score:     v.Score,
		Message:   msg.Text,
		CreatedAt: now,
	}); err != nil {
		log.Error("mod log write failed", slog.Any("err", err))
	}
	log.Info("automod acted")
}

// strike records a strike under the login, the identity the strike commands use.
func (f *Filter) strike(ctx context.Context, msg bot.Message, ch, login, reason string) (strike.Result, error) {
	return f.strikes.AddStrike(ctx, strike.Request{
		UserID:     login,
		Username:   login,
		Reason:     clip(reason, maxReason),
		Moderator:  Moderator,
		Channel:    ch,
		Subscriber: msg.Caller.Subscriber,
	})
}

func (f *Filter) execute(ctx context.Context, log *slog.Logger, ch, login string, res strike.Result) {
	var err error
	switch {
	case res.ShouldBan:
		err = f.sender.Ban(ctx, ch, login, clip(res.Message, maxReason))
	case res.Action == strike.Timeout:
		err = f.sender.Timeout(ctx, ch, login, res.Duration, clip(res.Message, maxReason))
	default:
		err = f.sender.Say(ctx, ch, res.Message)
	}
	if err != nil {
		log.Warn("strike action failed", slog.String("strike_action", res.ActionString()), slog.Any("err", err))
	}
}

func (f *Filter) say(ctx context.Context, log *slog.Logger, ch, text string) {
	if err := f.sender.Say(ctx, ch, text); err != nil {
		log.Warn("automod reply failed", slog.Any("err", err))
	}
}
