package commands

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/streambot/automod"
	"github.com/onnwee/streambot/bot"
	"github.com/onnwee/streambot/permission"
	"github.com/onnwee/streambot/strike"
)

const (
	modLogDefault = 10
	modLogMax     = 25
	modLogShown   = 3
)

type autoModControl interface {
	Enabled() bool
	SetEnabled(on bool)
	Strikes() bool
	SetStrikes(on bool)
	Sensitivity() automod.Sensitivity
	SetSensitivity(s automod.Sensitivity)
}

type autoModStore interface {
	Chatter(ctx context.Context, channel, login string) (automod.Chatter, bool, error)
	SetWhitelisted(ctx context.Context, channel, login string, on bool) error
	GrantPermit(ctx context.Context, channel, login, grantedBy string, until time.Time) error
	Recent(ctx context.Context, channel string, limit int) ([]automod.Entry, error)
	Counts(ctx context.Context, channel string, since time.Time) (map[automod.Action]int, error)
}

type strikeReader interface {
	Strikes(ctx context.Context, userID string) (strike.Record, error)
}

// AutoMod exposes the spam filter's switches, whitelist, link permits and log.
type AutoMod struct {
	filter  autoModControl
	store   autoModStore
	strikes strikeReader
	perms   *permission.Evaluator
	clock   clockwork.Clock
}

func NewAutoMod(filter autoModControl, store autoModStore, strikes strikeReader, perms *permission.Evaluator, clock clockwork.Clock) *AutoMod {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &AutoMod{filter: filter, store: store, strikes: strikes, perms: perms, clock: clock}
}

func (a *AutoMod) Commands() []*bot.Command {
	mod := permission.Moderator
	return []*bot.Command{
		{Name: "automod", Usage: "<on/off/status/sensitivity/strikes>", Help: "Control the spam filter.", Level: mod, Handler: a.automod},
		{Name: "whitelist", Usage: "@user", Help: "Exempt a user from the spam filter.", Level: mod, Handler: a.whitelist},
		{Name: "unwhitelist", Usage: "@user", Help: "Remove a user from the whitelist.", Level: mod, Handler: a.unwhitelist},
		{Name: "permit", Usage: "@user", Help: "Let a user post a link for 60 seconds.", Level: mod, Handler: a.permit},
		{Name: "modlog", Usage: "[count]", Help: "Show recent automod actions.", Level: mod, Handler: a.modlog},
		{Name: "checkuser", Usage: "@user", Help: "Show a user's automod record.", Level: mod, Handler: a.checkUser},
	}
}

func onOff(on bool, yes, no string) string {
	if on {
		return yes
	}
	return no
}

func (a *AutoMod) automod(ctx context.Context, inv *bot.Invocation) error {
	sub := strings.ToLower(inv.Arg(0))
	if sub == "" {
		sub = "status"
	}
	owner := a.perms.IsOwner(inv.Caller)
	switch sub {
	case "on", "off":
		if !owner {
			return bot.Reply("Only the owner can enable/disable automod.")
		}
		a.filter.SetEnabled(sub == "on")
		slog.Info("automod toggled", slog.String("state", sub), slog.String("by", inv.User()))
		return inv.Reply(ctx, "AutoMod is now %s.", onOff(sub == "on", "ENABLED", "DISABLED"))
	case "sensitivity":
		if !owner {
			return bot.Reply("Only the owner can change sensitivity.")
		}
		s, err := automod.ParseSensitivity(inv.Arg(1))
		if err != nil || inv.Arg(1) == "" {
			return bot.Reply("Valid options: low, medium, high")
		}
		a.filter.SetSensitivity(s)
		slog.Info("automod sensitivity changed", slog.String("sensitivity", string(s)), slog.String("by", inv.User()))
		return inv.Reply(ctx, "AutoMod sensitivity set to %s.", strings.ToUpper(string(s)))
	case "strikes":
		if !owner {
			return bot.Reply("Only the owner can toggle strike system.")
		}
		switch strings.ToLower(inv.Arg(1)) {
		case "on":
			a.filter.SetStrikes(true)
			return inv.Reply(ctx, "Strike system ENABLED.")
		case "off":
			a.filter.SetStrikes(false)
			return inv.Reply(ctx, "Strike system DISABLED.")
		}
		return inv.Reply(ctx, "Strike system: %s. Use %sautomod strikes on/off", onOff(a.filter.Strikes(), "ON", "OFF"), inv.Prefix)
	case "status":
		counts, err := a.store.Counts(ctx, inv.Channel, a.clock.Now().Add(-24*time.Hour))
		if err != nil {
			return err
		}
		kinds := make([]string, 0, len(counts))
		total := 0
		for k, n := range counts {
			kinds = append(kinds, string(k))
			total += n
		}
		sort.Strings(kinds)
		parts := make([]string, len(kinds))
		for i, k := range kinds {
			parts[i] = fmt.Sprintf("%s: %d", k, counts[automod.Action(k)])
		}
		detail := "none"
		if len(parts) > 0 {
			detail = strings.Join(parts, ", ")
		}
		return inv.Reply(ctx, "AutoMod: %s | Sensitivity: %s | Strikes: %s | 24h actions: %d (%s)",
			onOff(a.filter.Enabled(), "ENABLED", "DISABLED"),
			strings.ToUpper(string(a.filter.Sensitivity())),
			onOff(a.filter.Strikes(), "ON", "OFF"),
			total, detail)
	}
	return usage(inv)
}

func (a *AutoMod) whitelist(ctx context.Context, inv *bot.Invocation) error {
	return a.setWhitelisted(ctx, inv, true)
}

func (a *AutoMod) unwhitelist(ctx context.Context, inv *bot.Invocation) error {
	return a.setWhitelisted(ctx, inv, false)
}

func (a *AutoMod) setWhitelisted(ctx context.Context, inv *bot.Invocation, on bool) error {
	user, err := target(inv)
	if err != nil {
		return err
	}
	if err := a.store.SetWhitelisted(ctx, inv.Channel, user, on); err != nil {
		return err
	}
	slog.Info("automod whitelist changed", slog.String("user", user), slog.Bool("whitelisted", on), slog.String("by", inv.User()))
	if on {
		return inv.Reply(ctx, "%s has been added to the whitelist.", user)
	}
	return inv.Reply(ctx, "%s has been removed from the whitelist.", user)
}

func (a *AutoMod) permit(ctx context.Context, inv *bot.Invocation) error {
	user, err := target(inv)
	if err != nil {
		return err
	}
	if err := a.store.GrantPermit(ctx, inv.Channel, user, inv.User(), a.clock.Now().Add(automod.PermitDuration)); err != nil {
		return err
	}
	slog.Info("link permit granted", slog.String("user", user), slog.String("by", inv.User()))
	return inv.Say(ctx, fmt.Sprintf("@%s You have %d seconds to post a link.", user, int(automod.PermitDuration.Seconds())))
}

func (a *AutoMod) modlog(ctx context.Context, inv *bot.Invocation) error {
	limit := modLogDefault
	if n, err := strconv.Atoi(inv.Arg(0)); err == nil && n > 0 {
		limit = min(n, modLogMax)
	}
	entries, err := a.store.Recent(ctx, inv.Channel, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return inv.Reply(ctx, "No recent moderation actions.")
	}
	lines := make([]string, 0, modLogShown)
	for _, e := range entries[:min(modLogShown, len(entries))] {
		lines = append(lines, fmt.Sprintf("%s: %s (score: %d)", e.Username, e.Action, e.Score))
	}
	if err := inv.Reply(ctx, "Recent actions: %s", strings.Join(lines, " | ")); err != nil {
		return err
	}
	if len(entries) > modLogShown {
		return inv.Say(ctx, fmt.Sprintf("... and %d more.", len(entries)-modLogShown))
	}
	return nil
}

func (a *AutoMod) checkUser(ctx context.Context, inv *bot.Invocation) error {
	user, err := target(inv)
	if err != nil {
		return err
	}
	c, ok, err := a.store.Chatter(ctx, inv.Channel, user)
	if err != nil {
		return err
	}
	if !ok {
		return bot.Reply("No data for %s.", user)
	}
	rec, err := a.strikes.Strikes(ctx, user)
	if err != nil {
		return err
	}
	return inv.Reply(ctx, "%s: Messages: %d | First seen: %s | Strikes: %d | Whitelisted: %s",
		user, c.Messages, c.FirstSeen.UTC().Format("2006-01-02"), rec.Count, onOff(c.Whitelisted, "Yes", "No"))
}
