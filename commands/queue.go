package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/streambot/bot"
	"github.com/onnwee/streambot/cooldown"
	"github.com/onnwee/streambot/permission"
	"github.com/onnwee/streambot/queue"
)

type queueStore interface {
	Settings(ctx context.Context, channel, name string) (queue.Settings, error)
	UpdateSettings(ctx context.Context, channel, name string, u queue.SettingsUpdate) (queue.Settings, error)
	Join(ctx context.Context, channel, name string, m queue.Member) (int, error)
	Leave(ctx context.Context, channel, name string, m queue.Member) error
	Position(ctx context.Context, channel, name, userID string) (int, bool, error)
	Waiting(ctx context.Context, channel, name string) ([]queue.Entry, queue.Settings, error)
	All(ctx context.Context, channel, name string) ([]queue.Entry, queue.Settings, error)
	Pick(ctx context.Context, channel, name string, sel queue.Selection) (queue.Entry, int, error)
	Clear(ctx context.Context, channel, name string, pickedOnly bool) (int, error)
	Remove(ctx context.Context, channel, name, login string) (bool, error)
	Count(ctx context.Context, channel, name string) (int, error)
}

// Queue runs named viewer queues.
type Queue struct {
	store queueStore
}

func NewQueue(store queueStore) *Queue { return &Queue{store: store} }

func (q *Queue) Commands() []*bot.Command {
	mod := permission.Moderator
	return []*bot.Command{
		{Name: "vqueue", Aliases: []string{"vq", "viewerqueue"}, Usage: "[queue]", Help: "Show the viewer queue.", Cooldown: 3 * time.Second, Bucket: cooldown.User, Handler: q.status},
		{Name: "vjoin", Aliases: []string{"vj"}, Usage: "[queue]", Help: "Join the viewer queue.", Cooldown: 2 * time.Second, Bucket: cooldown.User, Handler: q.join},
		{Name: "vleave", Aliases: []string{"vl"}, Usage: "[queue]", Help: "Leave the viewer queue.", Cooldown: 2 * time.Second, Bucket: cooldown.User, Handler: q.leave},
		{Name: "vposition", Aliases: []string{"vpos"}, Usage: "[queue]", Help: "Show your queue position.", Cooldown: 3 * time.Second, Bucket: cooldown.User, Handler: q.position},
		{Name: "vnext", Usage: "[queue]", Help: "Pick the next viewer.", Level: mod, Handler: q.next},
		{Name: "vpick", Usage: "<position> [queue]", Help: "Pick the viewer at a position.", Level: mod, Handler: q.pick},
		{Name: "vrandom", Aliases: []string{"vrand"}, Usage: "[queue]", Help: "Pick a random viewer.", Level: mod, Handler: q.random},
		{Name: "vclear", Aliases: []string{"vqclear"}, Usage: "[queue]", Help: "Empty the queue.", Level: mod, Handler: q.clear},
		{Name: "vqopen", Aliases: []string{"vopenqueue"}, Usage: "[queue]", Help: "Open the queue.", Level: mod, Handler: q.open},
		{Name: "vqclose", Aliases: []string{"vclosequeue"}, Usage: "[queue]", Help: "Close the queue.", Level: mod, Handler: q.close},
		{Name: "vqsize", Aliases: []string{"vsetqueuesize"}, Usage: "<size> [queue]", Help: "Set the maximum queue size.", Level: mod, Handler: q.size},
		{Name: "vsubpriority", Usage: "[on|off] [queue]", Help: "Put subscribers first.", Level: mod, Handler: q.subPriority},
		{Name: "vqlist", Aliases: []string{"vql"}, Usage: "[queue]", Help: "Show the full queue.", Level: mod, Handler: q.list},
		{Name: "vqremove", Aliases: []string{"vremove"}, Usage: "<user> [queue]", Help: "Remove a viewer from the queue.", Level: mod, Handler: q.remove},
		{Name: "vqclearpicked", Aliases: []string{"vclearpicked"}, Usage: "[queue]", Help: "Remove picked viewers.", Level: mod, Handler: q.clearPicked},
	}
}

// queueName returns the queue named by argument i.
func queueName(inv *bot.Invocation, i int) string {
	n := strings.ToLower(inv.Arg(i))
	if n == "" {
		return queue.DefaultName
	}
	return n
}

func member(inv *bot.Invocation) queue.Member {
	return queue.Member{UserID: inv.Caller.ID, Username: inv.User(), Subscriber: inv.Caller.Subscriber}
}

func openStatus(open bool) string {
	if open {
		return "OPEN"
	}
	return "CLOSED"
}

func (q *Queue) status(ctx context.Context, inv *bot.Invocation) error {
	list, st, err := q.store.Waiting(ctx, inv.Channel, queueName(inv, 0))
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("Viewer Queue [%s] %s (%d/%d)", st.Name, openStatus(st.Open), len(list), st.MaxSize)
	if len(list) == 0 {
		msg = fmt.Sprintf("Viewer Queue [%s] is %s (%d/%d).", st.Name, openStatus(st.Open), len(list), st.MaxSize)
		if st.Open {
			msg += fmt.Sprintf(" Type %svjoin to enter!", inv.Prefix)
		}
		return inv.Say(ctx, msg)
	}
	shown := min(5, len(list))
	names := make([]string, shown)
	for i, e := range list[:shown] {
		names[i] = fmt.Sprintf("%d. %s", i+1, e.Username)
	}
	msg += ": " + strings.Join(names, ", ")
	if len(list) > shown {
		msg += fmt.Sprintf(" (+%d more)", len(list)-shown)
	}
	if st.Open {
		msg += fmt.Sprintf(" | %svjoin to enter", inv.Prefix)
	}
	return inv.Say(ctx, msg)
}

func (q *Queue) join(ctx context.Context, inv *bot.Invocation) error {
	pos, err := q.store.Join(ctx, inv.Channel, queueName(inv, 0), member(inv))
	switch {
	case errors.Is(err, queue.ErrClosed):
		return bot.Reply("Queue is closed.")
	case errors.Is(err, queue.ErrAlreadyPicked):
		return bot.Reply("You were already picked!")
	case errors.Is(err, queue.ErrAlreadyQueued):
		return bot.Reply("You're already in the queue!")
	case errors.Is(err, queue.ErrRecentlyLeft):
		return bot.Reply("You left the queue recently. Wait a few minutes before rejoining.")
	case errors.Is(err, queue.ErrFull):
		return bot.Reply("Queue is full!")
	case err != nil:
		return err
	}
	return inv.Reply(ctx, "You joined the viewer queue! Position: #%d", pos)
}

func (q *Queue) leave(ctx context.Context, inv *bot.Invocation) error {
	err := q.store.Leave(ctx, inv.Channel, queueName(inv, 0), member(inv))
	switch {
	case errors.Is(err, queue.ErrNotQueued):
		return bot.Reply("You're not in the queue.")
	case errors.Is(err, queue.ErrPickedCannotLeave):
		return bot.Reply("You were already picked and can't leave.")
	case err != nil:
		return err
	}
	return inv.Reply(ctx, "You left the queue.")
}

func (q *Queue) position(ctx context.Context, inv *bot.Invocation) error {
	pos, picked, err := q.store.Position(ctx, inv.Channel, queueName(inv, 0), inv.Caller.ID)
	if err != nil {
		return err
	}
	switch {
	case picked:
		return inv.Reply(ctx, "You were already picked!")
	case pos > 0:
		return inv.Reply(ctx, "You are #%d in the viewer queue.", pos)
	}
	return inv.Reply(ctx, "You're not in the queue. Type %svjoin to enter!", inv.Prefix)
}

func (q *Queue) next(ctx context.Context, inv *bot.Invocation) error {
	e, _, err := q.store.Pick(ctx, inv.Channel, queueName(inv, 0), queue.Selection{})
	if errors.Is(err, queue.ErrEmpty) {
		return inv.Say(ctx, "Viewer queue is empty!")
	}
	if err != nil {
		return err
	}
	return inv.Say(ctx, fmt.Sprintf("@%s - You're up! 🎮", e.Username))
}

func (q *Queue) pick(ctx context.Context, inv *bot.Invocation) error {
	if len(inv.Args) == 0 {
		return usage(inv)
	}
	pos, err := strconv.Atoi(inv.Arg(0))
	if err != nil {
		return bot.Reply("Position must be a number.")
	}
	// Position 0 means "next" to the store.
	if pos < 1 {
		pos = -1
	}
	e, waiting, err := q.store.Pick(ctx, inv.Channel, queueName(inv, 1), queue.Selection{Position: pos})
	switch {
	case errors.Is(err, queue.ErrEmpty):
		return inv.Say(ctx, "Viewer queue is empty!")
	case errors.Is(err, queue.ErrInvalidPosition):
		return inv.Say(ctx, fmt.Sprintf("Invalid position! Queue has %d entries (1-%d).", waiting, waiting))
	case err != nil:
		return err
	}
	return inv.Say(ctx, fmt.Sprintf("@%s - You're up! 🎮 (picked from #%d)", e.Username, pos))
}

func (q *Queue) random(ctx context.Context, inv *bot.Invocation) error {
	e, _, err := q.store.Pick(ctx, inv.Channel, queueName(inv, 0), queue.Selection{Random: true})
	if errors.Is(err, queue.ErrEmpty) {
		return inv.Say(ctx, "Viewer queue is empty!")
	}
	if err != nil {
		return err
	}
	return inv.Say(ctx, fmt.Sprintf("@%s - You're up! 🎲 (randomly selected)", e.Username))
}

func (q *Queue) clear(ctx context.Context, inv *bot.Invocation) error {
	n := queueName(inv, 0)
	cleared, err := q.store.Clear(ctx, inv.Channel, n, false)
	if err != nil {
		return err
	}
	return inv.Say(ctx, fmt.Sprintf("Viewer Queue [%s] cleared! (%d entries removed)", n, cleared))
}

func (q *Queue) clearPicked(ctx context.Context, inv *bot.Invocation) error {
	n := queueName(inv, 0)
	cleared, err := q.store.Clear(ctx, inv.Channel, n, true)
	if err != nil {
		return err
	}
	return inv.Say(ctx, fmt.Sprintf("Cleared %d picked entries from viewer queue [%s].", cleared, n))
}

func (q *Queue) open(ctx context.Context, inv *bot.Invocation) error {
	open := true
	st, err := q.store.UpdateSettings(ctx, inv.Channel, queueName(inv, 0), queue.SettingsUpdate{Open: &open})
	if err != nil {
		return err
	}
	return inv.Say(ctx, fmt.Sprintf("Viewer Queue [%s] is now OPEN! Type %svjoin to enter. 🎮", st.Name, inv.Prefix))
}

func (q *Queue) close(ctx context.Context, inv *bot.Invocation) error {
	open := false
	n := queueName(inv, 0)
	if _, err := q.store.UpdateSettings(ctx, inv.Channel, n, queue.SettingsUpdate{Open: &open}); err != nil {
		return err
	}
	count, err := q.store.Count(ctx, inv.Channel, n)
	if err != nil {
		return err
	}
	return inv.Say(ctx, fmt.Sprintf("Viewer Queue [%s] is now CLOSED. (%d in queue)", n, count))
}

func (q *Queue) size(ctx context.Context, inv *bot.Invocation) error {
	if len(inv.Args) == 0 {
		return usage(inv)
	}
	size, err := strconv.Atoi(inv.Arg(0))
	if err != nil {
		return bot.Reply("Queue size must be between 1 and %d.", queue.MaxSizeLimit)
	}
	st, err := q.store.UpdateSettings(ctx, inv.Channel, queueName(inv, 1), queue.SettingsUpdate{MaxSize: &size})
	if errors.Is(err, queue.ErrInvalidSize) {
		return bot.Reply("Queue size must be between 1 and %d.", queue.MaxSizeLimit)
	}
	if err != nil {
		return err
	}
	return inv.Say(ctx, fmt.Sprintf("Viewer Queue [%s] max size set to %d.", st.Name, st.MaxSize))
}

func (q *Queue) subPriority(ctx context.Context, inv *bot.Invocation) error {
	n := queueName(inv, 1)
	var on bool
	switch strings.ToLower(inv.Arg(0)) {
	case "on", "true", "yes", "1":
		on = true
	case "off", "false", "no", "0":
	default:
		st, err := q.store.Settings(ctx, inv.Channel, n)
		if err != nil {
			return err
		}
		on = !st.SubPriority
	}
	if _, err := q.store.UpdateSettings(ctx, inv.Channel, n, queue.SettingsUpdate{SubPriority: &on}); err != nil {
		return err
	}
	status := "DISABLED"
	if on {
		status = "ENABLED"
	}
	return inv.Say(ctx, fmt.Sprintf("Subscriber priority %s for viewer queue [%s].", status, n))
}

func (q *Queue) list(ctx context.Context, inv *bot.Invocation) error {
	all, st, err := q.store.All(ctx, inv.Channel, queueName(inv, 0))
	if err != nil {
		return err
	}
	var waiting []queue.Entry
	picked := 0
	for _, e := range all {
		if e.Picked {
			picked++
		} else {
			waiting = append(waiting, e)
		}
	}
	sub := "OFF"
	if st.SubPriority {
		sub = "ON"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Viewer Queue [%s] %s | Max: %d | Sub Priority: %s", st.Name, openStatus(st.Open), st.MaxSize, sub)
	if len(waiting) == 0 {
		b.WriteString(" | Queue empty")
	} else {
		shown := min(10, len(waiting))
		names := make([]string, shown)
		for i, e := range waiting[:shown] {
			names[i] = fmt.Sprintf("%d. %s", i+1, e.Username)
			if e.Subscriber {
				names[i] += "*"
			}
		}
		fmt.Fprintf(&b, " | Waiting (%d): %s", len(waiting), strings.Join(names, ", "))
		if len(waiting) > shown {
			fmt.Fprintf(&b, " +%d more", len(waiting)-shown)
		}
	}
	if picked > 0 {
		fmt.Fprintf(&b, " | Picked: %d", picked)
	}
	return inv.Say(ctx, b.String())
}

func (q *Queue) remove(ctx context.Context, inv *bot.Invocation) error {
	if len(inv.Args) == 0 {
		return usage(inv)
	}
	login := bot.NormLogin(inv.Arg(0))
	n := queueName(inv, 1)
	ok, err := q.store.Remove(ctx, inv.Channel, n, login)
	if err != nil {
		return err
	}
	if !ok {
		return inv.Say(ctx, fmt.Sprintf("@%s is not in the viewer queue.", login))
	}
	return inv.Say(ctx, fmt.Sprintf("@%s removed from viewer queue [%s].", login, n))
}
