package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/streambot/bot"
	"github.com/onnwee/streambot/cooldown"
	"github.com/onnwee/streambot/permission"
)

// Info answers questions about the bot itself.
type Info struct {
	reg      *bot.Registry
	clock    clockwork.Clock
	started  time.Time
	cooldown time.Duration
}

func NewInfo(reg *bot.Registry, clock clockwork.Clock, started time.Time, cd time.Duration) *Info {
	return &Info{reg: reg, clock: clock, started: started, cooldown: cd}
}

func (i *Info) Commands() []*bot.Command {
	cmd := func(c *bot.Command) *bot.Command {
		c.Cooldown, c.Bucket = i.cooldown, cooldown.Channel
		return c
	}
	return []*bot.Command{
		cmd(&bot.Command{Name: "help", Aliases: []string{"cmds"}, Usage: "[command]", Help: "Show help for a command.", Handler: i.help}),
		cmd(&bot.Command{Name: "commands", Help: "List the available commands.", Handler: i.list}),
		cmd(&bot.Command{Name: "ping", Help: "Check that the bot is responsive.", Handler: i.ping}),
		cmd(&bot.Command{Name: "uptime", Help: "Show how long the bot has been running.", Handler: i.uptime}),
	}
}

func (i *Info) help(ctx context.Context, inv *bot.Invocation) error {
	if len(inv.Args) == 0 {
		return i.list(ctx, inv)
	}
	name := strings.TrimPrefix(strings.ToLower(inv.Arg(0)), inv.Prefix)
	c, ok := i.reg.Lookup(name)
	if !ok {
		return inv.Reply(ctx, "Command '%s' not found.", inv.Arg(0))
	}
	text := c.Help
	if text == "" {
		text = "No description available."
	}
	msg := fmt.Sprintf("%s%s: %s", inv.Prefix, c.Name, text)
	if c.Usage != "" {
		msg += fmt.Sprintf(" Usage: %s%s %s", inv.Prefix, c.Name, c.Usage)
	}
	if len(c.Aliases) > 0 {
		msg += " Aliases: " + strings.Join(c.Aliases, ", ")
	}
	return inv.Reply(ctx, "%s", msg)
}

// list names the commands open to everyone, plus moderator commands for
// moderators and the broadcaster.
func (i *Info) list(ctx context.Context, inv *bot.Invocation) error {
	var open, mod []string
	for _, c := range i.reg.Commands() {
		switch c.Level {
		case permission.Everyone, permission.Subscriber:
			open = append(open, c.Name)
		case permission.Moderator:
			mod = append(mod, c.Name)
		}
	}
	msg := fmt.Sprintf("Commands (%s): %s", inv.Prefix, strings.Join(open, ", "))
	if (inv.Caller.Moderator || inv.Caller.Broadcaster) && len(mod) > 0 {
		msg += " | Mod: " + strings.Join(mod, ", ")
	}
	msg += fmt.Sprintf(" | Use %shelp <command> for details.", inv.Prefix)
	return inv.Reply(ctx, "%s", msg)
}

func (i *Info) ping(ctx context.Context, inv *bot.Invocation) error {
	return inv.Reply(ctx, "Pong! 🏓 Bot is online and responsive.")
}

func (i *Info) uptime(ctx context.Context, inv *bot.Invocation) error {
	return inv.Reply(ctx, "Bot uptime: %s", longUptime(i.clock.Since(i.started)))
}

// longUptime renders d as "2d 3h 4m 5s", omitting zero units other than seconds.
func longUptime(d time.Duration) string {
	secs := int64(d / time.Second)
	days, secs := secs/86400, secs%86400
	hours, secs := secs/3600, secs%3600
	mins, secs := secs/60, secs%60
	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if mins > 0 {
		parts = append(parts, fmt.Sprintf("%dm", mins))
	}
	parts = append(parts, fmt.Sprintf("%ds", secs))
	return strings.Join(parts, " ")
}
