package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/streambot/bot"
	"github.com/onnwee/streambot/cooldown"
	"github.com/onnwee/streambot/permission"
	"github.com/onnwee/streambot/strike"
	"github.com/onnwee/streambot/telemetry"
)

const (
	defaultTimeout = 10 * time.Minute
	maxTimeout     = 14 * 24 * time.Hour
	maxSlowMode    = 120
	historyShown   = 5
)

type strikeEngine interface {
	AddStrike(ctx context.Context, req strike.Request) (strike.Result, error)
	ClearStrikes(ctx context.Context, userID, moderator string) (bool, error)
	History(ctx context.Context, userID string, limit int) ([]strike.HistoryEntry, error)
	FormatInfo(ctx context.Context, userID, username string) (string, error)
}

// Moderation wraps the strike engine and the chat moderation actions.
type Moderation struct {
	strikes strikeEngine
	botNick string
}

func NewModeration(strikes strikeEngine, botNick string) *Moderation {
	return &Moderation{strikes: strikes, botNick: bot.NormLogin(botNick)}
}

func (m *Moderation) Commands() []*bot.Command {
	mod := permission.Moderator
	return []*bot.Command{
		{Name: "strike", Aliases: []string{"addstrike"}, Usage: "@user [reason]", Help: "Add a strike and apply its punishment.", Level: mod, Handler: m.strike},
		{Name: "strikes", Usage: "@user", Help: "Show a user's strikes.", Level: mod, Handler: m.info},
		{Name: "clearstrikes", Usage: "@user", Help: "Reset a user's strikes.", Level: mod, Handler: m.clearStrikes},
		{Name: "strikehistory", Usage: "@user", Help: "Show a user's last strikes.", Level: mod, Handler: m.history},
		{Name: "timeout", Aliases: []string{"to", "mute"}, Usage: "@user [seconds] [reason]", Help: "Time a user out.", Level: mod, Cooldown: time.Second, Bucket: cooldown.Channel, Handler: m.timeout},
		{Name: "ban", Usage: "@user [reason]", Help: "Ban a user.", Level: mod, Cooldown: time.Second, Bucket: cooldown.Channel, Handler: m.ban},
		{Name: "unban", Usage: "@user", Help: "Lift a ban.", Level: mod, Cooldown: time.Second, Bucket: cooldown.Channel, Handler: m.unban},
		{Name: "clear", Aliases: []string{"clearchat"}, Help: "Clear the chat.", Level: mod, Cooldown: 10 * time.Second, Bucket: cooldown.Channel, Handler: m.clear},
		{Name: "slowmode", Aliases: []string{"slow"}, Usage: "<seconds> (0 to disable)", Help: "Set slow mode.", Level: mod, Cooldown: 5 * time.Second, Bucket: cooldown.Channel, Handler: m.slowMode},
	}
}

// target returns the lowercased login named by the first argument, which is
// also the strike identity.
func target(inv *bot.Invocation) (string, error) {
	t := bot.NormLogin(inv.Arg(0))
	if t == "" {
		return "", usage(inv)
	}
	return t, nil
}

func (m *Moderation) strike(ctx context.Context, inv *bot.Invocation) error {
	user, err := target(inv)
	if err != nil {
		return err
	}
	reason := inv.Rest(1)
	if reason == "" {
		reason = "Manual strike"
	}
	res, err := m.strikes.AddStrike(ctx, strike.Request{
		UserID:    user,
		Username:  user,
		Reason:    reason,
		Moderator: inv.User(),
		Channel:   inv.Channel,
	})
	if err != nil {
		return err
	}
	telemetry.ObserveStrike(string(res.Action))

	s := inv.Sender()
	switch {
	case res.Action == strike.Timeout:
		err = s.Timeout(ctx, inv.Channel, user, res.Duration, res.Message)
	case res.Action == strike.Ban && res.ShouldBan:
		err = s.Ban(ctx, inv.Channel, user, res.Message)
	}
	if err != nil {
		slog.Error("strike action failed", slog.String("user", user), slog.String("action", res.ActionString()), slog.Any("err", err))
		return bot.Reply("Strike recorded but the %s failed. Check bot permissions.", res.Action)
	}
	return inv.Say(ctx, res.Message)
}

func (m *Moderation) info(ctx context.Context, inv *bot.Invocation) error {
	user, err := target(inv)
	if err != nil {
		return err
	}
	msg, err := m.strikes.FormatInfo(ctx, user, user)
	if err != nil {
		return err
	}
	return inv.Reply(ctx, "%s", msg)
}

func (m *Moderation) clearStrikes(ctx context.Context, inv *bot.Invocation) error {
	user, err := target(inv)
	if err != nil {
		return err
	}
	ok, err := m.strikes.ClearStrikes(ctx, user, inv.User())
	if err != nil {
		return err
	}
	if !ok {
		return inv.Reply(ctx, "No strikes found for %s", user)
	}
	return inv.Reply(ctx, "Cleared strikes for %s", user)
}

func (m *Moderation) history(ctx context.Context, inv *bot.Invocation) error {
	user, err := target(inv)
	if err != nil {
		return err
	}
	hist, err := m.strikes.History(ctx, user, historyShown)
	if err != nil {
		return err
	}
	if len(hist) == 0 {
		return inv.Reply(ctx, "No strike history for %s", user)
	}
	parts := make([]string, len(hist))
	for i, h := range hist {
		parts[i] = fmt.Sprintf("#%d %s (%s) by %s %s", h.StrikeNumber, h.Action, truncateRunes(h.Reason, 40), h.Moderator, h.CreatedAt.Format("2006-01-02"))
	}
	return inv.Reply(ctx, "%s: %s", user, strings.Join(parts, " | "))
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// protected refuses actions against the bot and the broadcaster.
func (m *Moderation) protected(inv *bot.Invocation, user, verb string) error {
	if user == m.botNick {
		return bot.Reply("I can't %s myself! 😅", verb)
	}
	if user == bot.NormChannel(inv.Channel) {
		return bot.Reply("Can't %s the broadcaster!", verb)
	}
	return nil
}

// shortDuration renders seconds as "1h 5m", "5m 3s" or "42s".
func shortDuration(secs int) string {
	switch {
	case secs >= 3600:
		return fmt.Sprintf("%dh %dm", secs/3600, secs%3600/60)
	case secs >= 60:
		return fmt.Sprintf("%dm %ds", secs/60, secs%60)
	}
	return fmt.Sprintf("%ds", secs)
}

func (m *Moderation) timeout(ctx context.Context, inv *bot.Invocation) error {
	user, err := target(inv)
	if err != nil {
		return err
	}
	secs := int(defaultTimeout / time.Second)
	reason := "No reason provided"
	if len(inv.Args) > 1 {
		if secs, err = strconv.Atoi(inv.Arg(1)); err != nil {
			return bot.Reply("Duration must be a number of seconds.")
		}
	}
	if r := inv.Rest(2); r != "" {
		reason = r
	}
	if secs < 1 {
		return bot.Reply("Duration must be at least 1 second.")
	}
	if secs > int(maxTimeout/time.Second) {
		return bot.Reply("Maximum timeout is 2 weeks (%d seconds).", int(maxTimeout/time.Second))
	}
	if err := m.protected(inv, user, "timeout"); err != nil {
		return err
	}
	if err := inv.Sender().Timeout(ctx, inv.Channel, user, time.Duration(secs)*time.Second, reason); err != nil {
		slog.Error("timeout failed", slog.String("user", user), slog.Any("err", err))
		return bot.Reply("Failed to timeout user. Check bot permissions.")
	}
	slog.Info("user timed out", slog.String("by", inv.User()), slog.String("user", user), slog.Int("seconds", secs), slog.String("channel", inv.Channel), slog.String("reason", reason))
	return inv.Reply(ctx, "Timed out %s for %s. ⏱️", user, shortDuration(secs))
}

func (m *Moderation) ban(ctx context.Context, inv *bot.Invocation) error {
	user, err := target(inv)
	if err != nil {
		return err
	}
	reason := inv.Rest(1)
	if reason == "" {
		reason = "No reason provided"
	}
	if err := m.protected(inv, user, "ban"); err != nil {
		return err
	}
	if err := inv.Sender().Ban(ctx, inv.Channel, user, reason); err != nil {
		slog.Error("ban failed", slog.String("user", user), slog.Any("err", err))
		return bot.Reply("Failed to ban user. Check bot permissions.")
	}
	slog.Info("user banned", slog.String("by", inv.User()), slog.String("user", user), slog.String("channel", inv.Channel), slog.String("reason", reason))
	return inv.Reply(ctx, "Banned %s. 🔨", user)
}

func (m *Moderation) unban(ctx context.Context, inv *bot.Invocation) error {
	user, err := target(inv)
	if err != nil {
		return err
	}
	if err := inv.Sender().Unban(ctx, inv.Channel, user); err != nil {
		slog.Error("unban failed", slog.String("user", user), slog.Any("err", err))
		return bot.Reply("Failed to unban user. Check bot permissions.")
	}
	slog.Info("user unbanned", slog.String("by", inv.User()), slog.String("user", user), slog.String("channel", inv.Channel))
	return inv.Reply(ctx, "Unbanned %s. ✅", user)
}

func (m *Moderation) clear(ctx context.Context, inv *bot.Invocation) error {
	if err := inv.Say(ctx, "/clear"); err != nil {
		slog.Error("clear chat failed", slog.String("channel", inv.Channel), slog.Any("err", err))
		return bot.Reply("Failed to clear chat. Check bot permissions.")
	}
	slog.Info("chat cleared", slog.String("by", inv.User()), slog.String("channel", inv.Channel))
	return nil
}

func (m *Moderation) slowMode(ctx context.Context, inv *bot.Invocation) error {
	if len(inv.Args) == 0 {
		return usage(inv)
	}
	secs, err := strconv.Atoi(inv.Arg(0))
	if err != nil || secs < 0 || secs > maxSlowMode {
		return bot.Reply("Slow mode must be between 0-%d seconds.", maxSlowMode)
	}
	if secs == 0 {
		if err := inv.Say(ctx, "/slowoff"); err != nil {
			return bot.Reply("Failed to set slow mode.")
		}
		return inv.Reply(ctx, "Slow mode disabled. ✅")
	}
	if err := inv.Say(ctx, fmt.Sprintf("/slow %d", secs)); err != nil {
		return bot.Reply("Failed to set slow mode.")
	}
	slog.Info("slow mode set", slog.String("by", inv.User()), slog.Int("seconds", secs), slog.String("channel", inv.Channel))
	return inv.Reply(ctx, "Slow mode set to %d seconds. 🐌", secs)
}
