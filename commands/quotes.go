package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/onnwee/streambot/bot"
	"github.com/onnwee/streambot/cooldown"
	"github.com/onnwee/streambot/permission"
	"github.com/onnwee/streambot/quotes"
)

type quoteStore interface {
	Add(ctx context.Context, q quotes.Quote) (int64, error)
	Get(ctx context.Context, channel string, id int64) (quotes.Quote, error)
	Random(ctx context.Context, channel string) (quotes.Quote, error)
	Last(ctx context.Context, channel string) (quotes.Quote, error)
	Delete(ctx context.Context, channel string, id int64) (bool, error)
	Count(ctx context.Context, channel string) (int, error)
	Search(ctx context.Context, channel, term string) ([]quotes.Quote, error)
}

// Quotes stores and recalls memorable chat lines.
type Quotes struct {
	store quoteStore
	games gameLookup
}

// NewQuotes builds the module. games may be nil, in which case quotes are
// stored without the current game.
func NewQuotes(store quoteStore, games gameLookup) *Quotes {
	return &Quotes{store: store, games: games}
}

func (q *Quotes) Commands() []*bot.Command {
	return []*bot.Command{
		{Name: "addquote", Aliases: []string{"quoteadd"}, Usage: `"quote text" -Author`, Help: "Add a quote.", Level: permission.Moderator, Handler: q.add},
		{Name: "quote", Aliases: []string{"q"}, Usage: "[id]", Help: "Show a quote, random without an id.", Cooldown: 5 * time.Second, Bucket: cooldown.User, Handler: q.get},
		{Name: "delquote", Aliases: []string{"deletequote", "rmquote"}, Usage: "<id>", Help: "Delete a quote.", Level: permission.Moderator, Handler: q.del},
		{Name: "quotes", Aliases: []string{"quotecount"}, Help: "Count the stored quotes.", Handler: q.count},
		{Name: "searchquote", Aliases: []string{"findquote", "quotesearch"}, Usage: "<term>", Help: "Search quotes.", Cooldown: 5 * time.Second, Bucket: cooldown.User, Handler: q.search},
		{Name: "lastquote", Aliases: []string{"latestquote"}, Help: "Show the newest quote.", Handler: q.last},
	}
}

func (q *Quotes) currentGame(ctx context.Context, channel string) string {
	if q.games == nil {
		return ""
	}
	game, err := q.games.CurrentGame(ctx, channel)
	if err != nil {
		slog.Debug("current game lookup failed", slog.String("channel", channel), slog.Any("err", err))
		return ""
	}
	return game
}

func (q *Quotes) empty(inv *bot.Invocation) error {
	return bot.Reply("No quotes found. Add some with %saddquote", inv.Prefix)
}

func quoteID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil {
		return 0, bot.Reply("Quote ID must be a number.")
	}
	return id, nil
}

func (q *Quotes) add(ctx context.Context, inv *bot.Invocation) error {
	input := inv.Rest(0)
	if input == "" {
		return usage(inv)
	}
	text, author := quotes.Parse(input)
	if text == "" {
		return bot.Reply("Please provide a quote to add.")
	}
	if utf8.RuneCountInString(text) > quotes.MaxLength {
		return bot.Reply("Quote too long! Maximum %d characters.", quotes.MaxLength)
	}
	id, err := q.store.Add(ctx, quotes.Quote{
		Channel: inv.Channel,
		Text:    text,
		Author:  author,
		Game:    q.currentGame(ctx, inv.Channel),
		AddedBy: inv.User(),
	})
	if err != nil {
		return err
	}
	slog.Info("quote added", slog.Int64("id", id), slog.String("channel", inv.Channel), slog.String("by", inv.User()))
	return inv.Reply(ctx, "Quote #%d added!", id)
}

func (q *Quotes) get(ctx context.Context, inv *bot.Invocation) error {
	var (
		quote quotes.Quote
		err   error
	)
	if len(inv.Args) > 0 {
		id, perr := quoteID(inv.Arg(0))
		if perr != nil {
			return perr
		}
		quote, err = q.store.Get(ctx, inv.Channel, id)
		if errors.Is(err, quotes.ErrNotFound) {
			return bot.Reply("Quote #%d not found.", id)
		}
	} else {
		quote, err = q.store.Random(ctx, inv.Channel)
		if errors.Is(err, quotes.ErrNotFound) {
			return q.empty(inv)
		}
	}
	if err != nil {
		return err
	}
	return inv.Say(ctx, quotes.Format(quote))
}

func (q *Quotes) del(ctx context.Context, inv *bot.Invocation) error {
	if len(inv.Args) == 0 {
		return usage(inv)
	}
	id, err := quoteID(inv.Arg(0))
	if err != nil {
		return err
	}
	ok, err := q.store.Delete(ctx, inv.Channel, id)
	if err != nil {
		return err
	}
	if !ok {
		return bot.Reply("Quote #%d not found.", id)
	}
	slog.Info("quote deleted", slog.Int64("id", id), slog.String("channel", inv.Channel), slog.String("by", inv.User()))
	return inv.Reply(ctx, "Quote #%d deleted.", id)
}

func (q *Quotes) count(ctx context.Context, inv *bot.Invocation) error {
	n, err := q.store.Count(ctx, inv.Channel)
	if err != nil {
		return err
	}
	switch n {
	case 0:
		return inv.Reply(ctx, "There are no quotes yet. Add some with %saddquote", inv.Prefix)
	case 1:
		return inv.Reply(ctx, "There is 1 quote in the database.")
	}
	return inv.Reply(ctx, "There are %s quotes in the database.", commafy(int64(n)))
}

func (q *Quotes) search(ctx context.Context, inv *bot.Invocation) error {
	term := inv.Rest(0)
	if term == "" {
		return usage(inv)
	}
	found, err := q.store.Search(ctx, inv.Channel, term)
	if err != nil {
		return err
	}
	switch len(found) {
	case 0:
		return inv.Reply(ctx, "No quotes found matching '%s'", term)
	case 1:
		return inv.Say(ctx, quotes.Format(found[0]))
	}
	shown := min(5, len(found))
	ids := make([]string, shown)
	for i, qt := range found[:shown] {
		ids[i] = fmt.Sprintf("#%d", qt.ID)
	}
	msg := fmt.Sprintf("Found %d quotes: %s", len(found), strings.Join(ids, ", "))
	if len(found) > shown {
		msg += fmt.Sprintf(" (+%d more)", len(found)-shown)
	}
	return inv.Reply(ctx, "%s", msg)
}

func (q *Quotes) last(ctx context.Context, inv *bot.Invocation) error {
	quote, err := q.store.Last(ctx, inv.Channel)
	if errors.Is(err, quotes.ErrNotFound) {
		return q.empty(inv)
	}
	if err != nil {
		return err
	}
	return inv.Say(ctx, quotes.Format(quote))
}
