package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/onnwee/streambot/bot"
	"github.com/onnwee/streambot/loyalty"
	"github.com/onnwee/streambot/permission"
	"github.com/onnwee/streambot/points"
	"github.com/onnwee/streambot/twitchapi"
)

const maxLeaderboard = 10

type loyaltyLedger interface {
	Credit(ctx context.Context, acct points.Account, amount int64) (int64, error)
	Deduct(ctx context.Context, userID, channel string, amount int64) (int64, bool, error)
	SetBalance(ctx context.Context, acct points.Account, amount int64) (int64, error)
	Standing(ctx context.Context, userID, channel string) (points.Standing, error)
	Leaderboard(ctx context.Context, channel string, limit int) ([]points.Standing, error)
	LookupUser(ctx context.Context, channel, login string) (string, bool, error)
}

type loyaltySettings interface {
	Get(ctx context.Context, channel string) (loyalty.Settings, error)
	SetEnabled(ctx context.Context, channel string, on bool) (loyalty.Settings, error)
	SetPointsName(ctx context.Context, channel, name string) (loyalty.Settings, error)
	SetRates(ctx context.Context, channel string, perMinute, perMessage float64) (loyalty.Settings, error)
}

// Loyalty exposes balances, watch time and the loyalty admin commands.
type Loyalty struct {
	ledger   loyaltyLedger
	settings loyaltySettings
	users    userLookup
}

// NewLoyalty builds the module. users may be nil when no Helix app token is configured.
func NewLoyalty(ledger loyaltyLedger, settings loyaltySettings, users userLookup) *Loyalty {
	return &Loyalty{ledger: ledger, settings: settings, users: users}
}

func (l *Loyalty) Commands() []*bot.Command {
	return []*bot.Command{
		{Name: "points", Aliases: []string{"balance", "coins"}, Usage: "[@user]", Help: "Show a points balance.", Handler: l.points},
		{Name: "watchtime", Aliases: []string{"wt"}, Usage: "[@user]", Help: "Show watch time.", Handler: l.watchtime},
		{Name: "top", Aliases: []string{"leaderboard", "lb"}, Usage: "[count]", Help: "Show the points leaderboard.", Handler: l.top},
		{Name: "loyalty", Usage: "<on|off|status>", Help: "Turn loyalty points on or off.", Level: permission.Owner, Handler: l.toggle},
		{Name: "setpointsname", Usage: "<name>", Help: "Rename the channel points.", Level: permission.Owner, Handler: l.setName},
		{Name: "setpointsrate", Usage: "<per_minute> <per_message>", Help: "Set the earning rates.", Level: permission.Owner, Handler: l.setRate},
		{Name: "givepoints", Usage: "<user> <amount>", Help: "Give points to a user.", Level: permission.Moderator, Handler: l.give},
		{Name: "removepoints", Usage: "<user> <amount>", Help: "Remove points from a user.", Level: permission.Moderator, Handler: l.remove},
		{Name: "resetpoints", Usage: "<user>", Help: "Reset a user's points to zero.", Level: permission.Owner, Handler: l.reset},
	}
}

// enabled returns the channel settings, or a reply error when loyalty is off.
func (l *Loyalty) enabled(ctx context.Context, channel string) (loyalty.Settings, error) {
	st, err := l.settings.Get(ctx, channel)
	if err != nil {
		return st, err
	}
	if !st.Enabled {
		return st, bot.Reply("Loyalty points are not enabled.")
	}
	return st, nil
}

// resolve maps a login to a user id: the channel's ledger rows first, then Helix.
func (l *Loyalty) resolve(ctx context.Context, channel, login string) (string, bool, error) {
	id, ok, err := l.ledger.LookupUser(ctx, channel, login)
	if err != nil || ok {
		return id, ok, err
	}
	if l.users == nil {
		return "", false, nil
	}
	id, err = l.users.GetUserID(ctx, login)
	if errors.Is(err, twitchapi.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// subject returns the standing of the named user or of the caller.
func (l *Loyalty) subject(ctx context.Context, inv *bot.Invocation) (string, points.Standing, error) {
	if len(inv.Args) == 0 {
		s, err := l.ledger.Standing(ctx, inv.Caller.ID, inv.Channel)
		return inv.User(), s, err
	}
	name := bot.NormLogin(inv.Arg(0))
	id, ok, err := l.resolve(ctx, inv.Channel, name)
	if err != nil || !ok {
		return name, points.Standing{}, err
	}
	s, err := l.ledger.Standing(ctx, id, inv.Channel)
	return name, s, err
}

func (l *Loyalty) points(ctx context.Context, inv *bot.Invocation) error {
	st, err := l.enabled(ctx, inv.Channel)
	if err != nil {
		return err
	}
	name, s, err := l.subject(ctx, inv)
	if err != nil {
		return err
	}
	return inv.Say(ctx, fmt.Sprintf("@%s has %s %s | Watch time: %s", name, commafy(s.Points), st.PointsName, shortWatch(s.WatchMinutes)))
}

func (l *Loyalty) watchtime(ctx context.Context, inv *bot.Invocation) error {
	st, err := l.settings.Get(ctx, inv.Channel)
	if err != nil {
		return err
	}
	if !st.Enabled {
		return bot.Reply("Loyalty system is not enabled.")
	}
	name, s, err := l.subject(ctx, inv)
	if err != nil {
		return err
	}
	return inv.Say(ctx, fmt.Sprintf("@%s has watched for %s", name, longWatch(s.WatchMinutes)))
}

func shortWatch(m int64) string {
	if m >= 60 {
		return fmt.Sprintf("%dh %dm", m/60, m%60)
	}
	return fmt.Sprintf("%dm", m)
}

func longWatch(m int64) string {
	if m >= 60 {
		return fmt.Sprintf("%d hours and %d minutes", m/60, m%60)
	}
	return fmt.Sprintf("%d minutes", m)
}

func (l *Loyalty) top(ctx context.Context, inv *bot.Invocation) error {
	st, err := l.enabled(ctx, inv.Channel)
	if err != nil {
		return err
	}
	limit := 5
	if n, err := strconv.Atoi(inv.Arg(0)); err == nil && n > 0 {
		limit = min(n, maxLeaderboard)
	}
	leaders, err := l.ledger.Leaderboard(ctx, inv.Channel, limit)
	if err != nil {
		return err
	}
	if len(leaders) == 0 {
		return inv.Reply(ctx, "No leaderboard data yet.")
	}
	entries := make([]string, len(leaders))
	for i, s := range leaders {
		name := s.Username
		if name == "" {
			name = "Unknown"
		}
		entries[i] = fmt.Sprintf("%d. %s: %s", i+1, name, commafy(s.Points))
	}
	return inv.Say(ctx, "Top "+st.PointsName+": "+strings.Join(entries, " | "))
}

// rate renders a float the way it was typed for whole numbers too ("1.0", "0.5").
func rate(f float64) string {
	if f == math.Trunc(f) {
		return strconv.FormatFloat(f, 'f', 1, 64)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (l *Loyalty) toggle(ctx context.Context, inv *bot.Invocation) error {
	switch strings.ToLower(inv.Arg(0)) {
	case "on":
		if _, err := l.settings.SetEnabled(ctx, inv.Channel, true); err != nil {
			return err
		}
		slog.Info("loyalty enabled", slog.String("channel", inv.Channel), slog.String("by", inv.User()))
		return inv.Reply(ctx, "Loyalty points system ENABLED!")
	case "off":
		if _, err := l.settings.SetEnabled(ctx, inv.Channel, false); err != nil {
			return err
		}
		slog.Info("loyalty disabled", slog.String("channel", inv.Channel), slog.String("by", inv.User()))
		return inv.Reply(ctx, "Loyalty points system DISABLED.")
	}
	st, err := l.settings.Get(ctx, inv.Channel)
	if err != nil {
		return err
	}
	status := "DISABLED"
	if st.Enabled {
		status = "ENABLED"
	}
	return inv.Reply(ctx, "Loyalty: %s | Name: %s | %s/min, %s/msg", status, st.PointsName, rate(st.PerMinute), rate(st.PerMessage))
}

func (l *Loyalty) setName(ctx context.Context, inv *bot.Invocation) error {
	name := inv.Arg(0)
	if name == "" {
		return usage(inv)
	}
	if _, err := l.settings.SetPointsName(ctx, inv.Channel, name); err != nil {
		return err
	}
	return inv.Reply(ctx, "Points are now called '%s'", name)
}

func (l *Loyalty) setRate(ctx context.Context, inv *bot.Invocation) error {
	if len(inv.Args) == 0 {
		return usage(inv)
	}
	perMin, err := strconv.ParseFloat(inv.Arg(0), 64)
	if err != nil {
		return bot.Reply("Rates must be numbers")
	}
	perMsg := 0.5
	if len(inv.Args) > 1 {
		if perMsg, err = strconv.ParseFloat(inv.Arg(1), 64); err != nil {
			return bot.Reply("Rates must be numbers")
		}
	}
	st, err := l.settings.SetRates(ctx, inv.Channel, perMin, perMsg)
	if errors.Is(err, loyalty.ErrInvalidRate) {
		return bot.Reply("Rates must be between 0 and %d", loyalty.MaxRate)
	}
	if err != nil {
		return err
	}
	return inv.Reply(ctx, "Points rate: %s/min, %s/msg", rate(st.PerMinute), rate(st.PerMessage))
}

// target parses "<user> <amount>" and resolves the user.
func (l *Loyalty) target(ctx context.Context, inv *bot.Invocation) (points.Account, int64, error) {
	if len(inv.Args) < 2 {
		return points.Account{}, 0, usage(inv)
	}
	amount, err := strconv.ParseInt(inv.Arg(1), 10, 64)
	if err != nil {
		return points.Account{}, 0, bot.Reply("Amount must be a number")
	}
	if amount <= 0 {
		return points.Account{}, 0, bot.Reply("Amount must be positive")
	}
	name := bot.NormLogin(inv.Arg(0))
	id, ok, err := l.resolve(ctx, inv.Channel, name)
	if err != nil {
		return points.Account{}, 0, err
	}
	if !ok {
		return points.Account{}, 0, bot.Reply("User %s not found.", name)
	}
	return points.Account{UserID: id, Username: name, Channel: inv.Channel}, amount, nil
}

func (l *Loyalty) give(ctx context.Context, inv *bot.Invocation) error {
	if len(inv.Args) < 2 {
		return usage(inv)
	}
	st, err := l.enabled(ctx, inv.Channel)
	if err != nil {
		return err
	}
	acct, amount, err := l.target(ctx, inv)
	if err != nil {
		return err
	}
	if _, err := l.ledger.Credit(ctx, acct, amount); err != nil {
		return err
	}
	slog.Info("points given", slog.String("by", inv.User()), slog.String("to", acct.Username), slog.Int64("amount", amount))
	return inv.Reply(ctx, "Gave %s %s to %s", commafy(amount), st.PointsName, acct.Username)
}

func (l *Loyalty) remove(ctx context.Context, inv *bot.Invocation) error {
	if len(inv.Args) < 2 {
		return usage(inv)
	}
	st, err := l.enabled(ctx, inv.Channel)
	if err != nil {
		return err
	}
	acct, amount, err := l.target(ctx, inv)
	if err != nil {
		return err
	}
	_, found, err := l.ledger.Deduct(ctx, acct.UserID, acct.Channel, amount)
	if err != nil {
		return err
	}
	if !found {
		return bot.Reply("%s has no %s.", acct.Username, st.PointsName)
	}
	slog.Info("points removed", slog.String("by", inv.User()), slog.String("from", acct.Username), slog.Int64("amount", amount))
	return inv.Reply(ctx, "Removed %s %s from %s", commafy(amount), st.PointsName, acct.Username)
}

func (l *Loyalty) reset(ctx context.Context, inv *bot.Invocation) error {
	if len(inv.Args) < 1 {
		return usage(inv)
	}
	name := bot.NormLogin(inv.Arg(0))
	id, ok, err := l.resolve(ctx, inv.Channel, name)
	if err != nil {
		return err
	}
	if !ok {
		return bot.Reply("User %s not found.", name)
	}
	if _, err := l.ledger.SetBalance(ctx, points.Account{UserID: id, Username: name, Channel: inv.Channel}, 0); err != nil {
		return err
	}
	slog.Info("points reset", slog.String("by", inv.User()), slog.String("user", name))
	return inv.Reply(ctx, "Reset points for %s", name)
}
