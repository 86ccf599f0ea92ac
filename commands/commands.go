// Package commands implements the chat command modules: gambling, loyalty,
// viewer queue, quotes, moderation, automod, predictions and info.
//
// Each module is a small struct built over consumer-side interfaces and
// exposes its commands through Commands(). Register wires the enabled modules
// from concrete stores into a bot.Registry.
package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/streambot/automod"
	"github.com/onnwee/streambot/bot"
	"github.com/onnwee/streambot/config"
	"github.com/onnwee/streambot/loyalty"
	"github.com/onnwee/streambot/permission"
	"github.com/onnwee/streambot/points"
	"github.com/onnwee/streambot/predictions"
	"github.com/onnwee/streambot/queue"
	"github.com/onnwee/streambot/quotes"
	"github.com/onnwee/streambot/strike"
	"github.com/onnwee/streambot/twitchapi"
)

// Deps are the concrete stores the modules run on.
type Deps struct {
	Ledger          *points.Ledger
	LoyaltySettings *loyalty.SettingsStore
	Strikes         *strike.Engine
	Queue           *queue.Store
	Quotes          *quotes.Store
	Helix           *twitchapi.HelixClient
	AutoMod         *automod.Filter
	AutoModStore    *automod.Store
	Predictions     *predictions.Store
	Perms           *permission.Evaluator
	// Sender carries announcements made outside a command, such as auto-lock.
	Sender          bot.Sender
	Clock           clockwork.Clock
	BotNick         string
	DefaultCooldown time.Duration
	Started         time.Time
}

// Runner is a module with background work that lives as long as ctx.
type Runner interface {
	Run(ctx context.Context) error
}

// Register adds the commands of every enabled module to reg and returns the
// modules whose Run must be started alongside the bot.
func Register(reg *bot.Registry, f config.Features, d Deps) ([]Runner, error) {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Started.IsZero() {
		d.Started = d.Clock.Now()
	}
	var users userLookup
	var games gameLookup
	if d.Helix.Enabled() {
		users, games = d.Helix, d.Helix
	}

	if d.Perms == nil {
		d.Perms = permission.NewEvaluator("")
	}

	var mods [][]*bot.Command
	var runners []Runner
	if f.Gambling {
		g := NewGambling(d.Ledger, d.Clock, nil)
		mods = append(mods, g.Commands())
		runners = append(runners, g)
	}
	if f.Loyalty {
		mods = append(mods, NewLoyalty(d.Ledger, d.LoyaltySettings, users).Commands())
	}
	if f.Queue {
		mods = append(mods, NewQueue(d.Queue).Commands())
	}
	if f.Quotes {
		mods = append(mods, NewQuotes(d.Quotes, games).Commands())
	}
	if f.Moderation {
		mods = append(mods, NewModeration(d.Strikes, d.BotNick).Commands())
	}
	if f.AutoMod {
		mods = append(mods, NewAutoMod(d.AutoMod, d.AutoModStore, d.Strikes, d.Perms, d.Clock).Commands())
	}
	if f.Predictions {
		p := NewPredictions(d.Predictions, d.Ledger, d.Perms, d.Sender, d.Clock)
		mods = append(mods, p.Commands())
		runners = append(runners, p)
	}
	if f.Info {
		mods = append(mods, NewInfo(reg, d.Clock, d.Started, d.DefaultCooldown).Commands())
	}
	for _, cmds := range mods {
		if err := reg.Register(cmds...); err != nil {
			return nil, err
		}
	}
	return runners, nil
}

type userLookup interface {
	GetUserID(ctx context.Context, login string) (string, error)
}

type gameLookup interface {
	CurrentGame(ctx context.Context, channel string) (string, error)
}

// commafy renders n with thousands separators.
func commafy(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

// settleTimeout bounds a credit that returns escrowed or won points.
const settleTimeout = 5 * time.Second

// settleContext detaches a credit from the caller's cancellation. Once a
// stake has been taken its payout or refund must still land.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func parseAmount(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.ReplaceAll(s, ",", ""), 10, 64)
	if err != nil {
		return 0, bot.Reply("Invalid amount. Use a number.")
	}
	return n, nil
}

func account(inv *bot.Invocation) points.Account {
	return points.Account{UserID: inv.Caller.ID, Username: inv.User(), Channel: inv.Channel}
}

func usage(inv *bot.Invocation) error {
	return bot.Reply("Usage: %s%s %s", inv.Prefix, inv.Command.Name, inv.Command.Usage)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, one)
	}
	return fmt.Sprintf("%d %s", n, many)
}
