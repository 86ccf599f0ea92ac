package commands

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/streambot/bot"
	"github.com/onnwee/streambot/cooldown"
	"github.com/onnwee/streambot/permission"
	"github.com/onnwee/streambot/points"
)

const (
	DefaultMinBet = 10
	DefaultMaxBet = 10000
	// MaxWinnings caps a single payout.
	MaxWinnings = 1_000_000
	DuelTimeout = 2 * time.Minute
	// DuelSweepInterval is how often Run refunds expired duels.
	DuelSweepInterval = 15 * time.Second
)

var slotSymbols = []string{"🍒", "🍋", "🍊", "🍇", "⭐", "💎", "7️⃣"}

var slotPayouts = map[string]float64{
	"7️⃣": 50,
	"💎":   25,
	"⭐":   10,
	"🍇":   5,
	"🍊":   4,
	"🍋":   3,
	"🍒":   2,
}

var rouletteRed = map[int]bool{
	1: true, 3: true, 5: true, 7: true, 9: true, 12: true, 14: true, 16: true, 18: true,
	19: true, 21: true, 23: true, 25: true, 27: true, 30: true, 32: true, 34: true, 36: true,
}

type gamblingLedger interface {
	Credit(ctx context.Context, acct points.Account, amount int64) (int64, error)
	DebitIfSufficient(ctx context.Context, userID, channel string, amount int64) (bool, int64, error)
}

type duel struct {
	challengerID   string
	challengerName string
	target         string
	amount         int64
	expires        time.Time
}

// Gambling runs the points games. Every stake is taken with a conditional
// debit before the outcome is decided; payouts are plain credits made on a
// context detached from the handler's.
//
// A pending duel holds the challenger's escrowed stake. Run refunds expired
// duels on a ticker and every pending duel when it stops.
type Gambling struct {
	ledger gamblingLedger
	clock  clockwork.Clock
	intN   func(n int) int

	mu      sync.Mutex
	enabled bool
	minBet  int64
	maxBet  int64
	duels   map[string]map[string]*duel // channel -> challenger login
	closed  bool
}

// NewGambling builds the module. intN defaults to math/rand/v2.
func NewGambling(ledger gamblingLedger, clock clockwork.Clock, intN func(int) int) *Gambling {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if intN == nil {
		intN = rand.IntN
	}
	return &Gambling{
		ledger:  ledger,
		clock:   clock,
		intN:    intN,
		enabled: true,
		minBet:  DefaultMinBet,
		maxBet:  DefaultMaxBet,
		duels:   make(map[string]map[string]*duel),
	}
}

func (g *Gambling) Commands() []*bot.Command {
	return []*bot.Command{
		{Name: "slots", Aliases: []string{"slot"}, Usage: "<amount>", Help: "Play the slot machine.",
			Cooldown: 5 * time.Second, Bucket: cooldown.User, Handler: g.slots},
		{Name: "gamble", Aliases: []string{"bet"}, Usage: "<amount>", Help: "50/50 double or nothing.",
			Cooldown: 5 * time.Second, Bucket: cooldown.User, Handler: g.gamble},
		{Name: "roulette", Usage: "<amount> <red/black/green/0-36>", Help: "Bet on a color or a number.",
			Cooldown: 5 * time.Second, Bucket: cooldown.User, Handler: g.roulette},
		{Name: "duel", Usage: "@user <amount>", Help: "Challenge someone to a duel.",
			Cooldown: 10 * time.Second, Bucket: cooldown.User, Handler: g.duel},
		{Name: "accept", Help: "Accept a duel challenge.", Handler: g.accept},
		{Name: "cancelduel", Help: "Cancel your pending duel.", Handler: g.cancelDuel},
		{Name: "gamblingtoggle", Help: "Turn gambling on or off.", Level: permission.Moderator, Handler: g.toggle},
		{Name: "setminbet", Usage: "<amount>", Help: "Set the minimum bet.", Level: permission.Moderator, Handler: g.setMinBet},
		{Name: "setmaxbet", Usage: "<amount>", Help: "Set the maximum bet.", Level: permission.Moderator, Handler: g.setMaxBet},
	}
}

func (g *Gambling) limits() (enabled bool, lo, hi int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled, g.minBet, g.maxBet
}

// bet parses and range-checks a stake.
func (g *Gambling) bet(s string) (int64, error) {
	_, lo, hi := g.limits()
	n, err := parseAmount(s)
	if err != nil {
		return 0, err
	}
	if n < lo {
		return 0, bot.Reply("Minimum bet is %d points.", lo)
	}
	if n > hi {
		return 0, bot.Reply("Maximum bet is %d points.", hi)
	}
	return n, nil
}

// stake debits amount, answering with the current balance when it is not covered.
func (g *Gambling) stake(ctx context.Context, userID, channel string, amount int64) (int64, error) {
	ok, bal, err := g.ledger.DebitIfSufficient(ctx, userID, channel, amount)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, bot.Reply("Insufficient points. You have %s points.", commafy(bal))
	}
	return bal, nil
}

// credit pays out after a stake was taken.
func (g *Gambling) credit(ctx context.Context, acct points.Account, amount int64) (int64, error) {
	ctx, cancel := settleContext(ctx)
	defer cancel()
	return g.ledger.Credit(ctx, acct, amount)
}

func payout(bet int64, mult float64) int64 {
	w := int64(float64(bet) * mult)
	if w > MaxWinnings {
		return MaxWinnings
	}
	return w
}

func (g *Gambling) slots(ctx context.Context, inv *bot.Invocation) error {
	if on, _, _ := g.limits(); !on {
		return nil
	}
	if len(inv.Args) < 1 {
		return usage(inv)
	}
	bet, err := g.bet(inv.Arg(0))
	if err != nil {
		return err
	}
	bal, err := g.stake(ctx, inv.Caller.ID, inv.Channel, bet)
	if err != nil {
		return err
	}

	reels := []string{
		slotSymbols[g.intN(len(slotSymbols))],
		slotSymbols[g.intN(len(slotSymbols))],
		slotSymbols[g.intN(len(slotSymbols))],
	}
	display := strings.Join(reels, " | ")
	var mult float64
	switch {
	case reels[0] == reels[1] && reels[1] == reels[2]:
		mult = slotPayouts[reels[0]]
	case reels[0] == reels[1] || reels[1] == reels[2]:
		mult = 1.5
	}
	if mult == 0 {
		return inv.Reply(ctx, "🎰 %s 🎰 No luck! -%d points. (Balance: %s)", display, bet, commafy(bal))
	}
	win := payout(bet, mult)
	nb, err := g.credit(ctx, account(inv), win)
	if err != nil {
		return err
	}
	if mult >= 10 {
		slog.Info("big slots win", slog.String("user", inv.User()), slog.Int64("won", win), slog.Float64("mult", mult), slog.String("channel", inv.Channel))
	}
	return inv.Reply(ctx, "🎰 %s 🎰 YOU WIN! +%d points! (Balance: %s)", display, win, commafy(nb))
}

func (g *Gambling) gamble(ctx context.Context, inv *bot.Invocation) error {
	if on, _, _ := g.limits(); !on {
		return nil
	}
	if len(inv.Args) < 1 {
		return usage(inv)
	}
	bet, err := g.bet(inv.Arg(0))
	if err != nil {
		return err
	}
	bal, err := g.stake(ctx, inv.Caller.ID, inv.Channel, bet)
	if err != nil {
		return err
	}
	if g.intN(2) != 0 {
		return inv.Reply(ctx, "🎲 You lost! -%d points. (Balance: %s)", bet, commafy(bal))
	}
	nb, err := g.credit(ctx, account(inv), bet*2)
	if err != nil {
		return err
	}
	return inv.Reply(ctx, "🎲 You WON! +%d points! (Balance: %s)", bet, commafy(nb))
}

func (g *Gambling) roulette(ctx context.Context, inv *bot.Invocation) error {
	if on, _, _ := g.limits(); !on {
		return nil
	}
	if len(inv.Args) < 2 {
		return usage(inv)
	}
	bet, err := g.bet(inv.Arg(0))
	if err != nil {
		return err
	}
	choice := strings.ToLower(inv.Arg(1))
	number := -1
	switch choice {
	case "red", "black", "green":
	default:
		n, err := strconv.Atoi(choice)
		if err != nil || n < 0 || n > 36 {
			return bot.Reply("Invalid choice. Use red/black/green or 0-36.")
		}
		number = n
	}
	bal, err := g.stake(ctx, inv.Caller.ID, inv.Channel, bet)
	if err != nil {
		return err
	}

	result := g.intN(37)
	color, emoji := "black", "⚫"
	switch {
	case result == 0:
		color, emoji = "green", "🟢"
	case rouletteRed[result]:
		color, emoji = "red", "🔴"
	}
	var mult float64
	switch {
	case choice == color && color == "green":
		mult = 35
	case choice == color:
		mult = 2
	case number == result:
		mult = 35
	}
	if mult == 0 {
		return inv.Reply(ctx, "%s %d (%s) - You lose! -%d points. (Balance: %s)", emoji, result, color, bet, commafy(bal))
	}
	win := payout(bet, mult)
	nb, err := g.credit(ctx, account(inv), win)
	if err != nil {
		return err
	}
	return inv.Reply(ctx, "%s %d (%s) - YOU WIN! +%d points! (Balance: %s)", emoji, result, color, win, commafy(nb))
}

// sweep refunds and drops the expired duels of a channel.
func (g *Gambling) sweep(ctx context.Context, channel string) {
	now := g.clock.Now()
	g.mu.Lock()
	var expired []*duel
	for who, d := range g.duels[channel] {
		if !now.Before(d.expires) {
			expired = append(expired, d)
			delete(g.duels[channel], who)
		}
	}
	g.mu.Unlock()
	for _, d := range expired {
		g.refund(ctx, channel, d)
		slog.Info("refunded expired duel", slog.String("challenger", d.challengerName), slog.Int64("amount", d.amount))
	}
}

// Run sweeps expired duels every DuelSweepInterval. When ctx ends it refunds
// every pending duel and closes the module to new challenges.
func (g *Gambling) Run(ctx context.Context) error {
	t := g.clock.NewTicker(DuelSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			g.Close(ctx)
			return nil
		case <-t.Chan():
			g.mu.Lock()
			channels := make([]string, 0, len(g.duels))
			for ch := range g.duels {
				channels = append(channels, ch)
			}
			g.mu.Unlock()
			for _, ch := range channels {
				g.sweep(ctx, ch)
			}
		}
	}
}

// Close refunds every pending duel. Later challenges are refused.
func (g *Gambling) Close(ctx context.Context) {
	g.mu.Lock()
	g.closed = true
	all := g.duels
	g.duels = make(map[string]map[string]*duel)
	g.mu.Unlock()
	n := 0
	for ch, duels := range all {
		for _, d := range duels {
			g.refund(ctx, ch, d)
			n++
		}
	}
	if n > 0 {
		slog.Info("refunded pending duels", slog.Int("count", n))
	}
}

func (g *Gambling) pending(channel, challenger string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.duels[channel][challenger]
	return ok
}

func (g *Gambling) duel(ctx context.Context, inv *bot.Invocation) error {
	if on, _, _ := g.limits(); !on {
		return nil
	}
	if len(inv.Args) < 2 {
		return usage(inv)
	}
	target := bot.NormLogin(inv.Arg(0))
	challenger := bot.NormLogin(inv.User())
	if target == challenger {
		return bot.Reply("You can't duel yourself!")
	}
	bet, err := g.bet(inv.Arg(1))
	if err != nil {
		return err
	}

	g.sweep(ctx, inv.Channel)
	if g.pending(inv.Channel, challenger) {
		return bot.Reply("You already have a pending duel! Wait for it to expire.")
	}
	if _, err := g.stake(ctx, inv.Caller.ID, inv.Channel, bet); err != nil {
		return err
	}

	d := &duel{challengerID: inv.Caller.ID, challengerName: challenger, target: target, amount: bet, expires: g.clock.Now().Add(DuelTimeout)}
	g.mu.Lock()
	chDuels, ok := g.duels[inv.Channel]
	if !ok {
		chDuels = make(map[string]*duel)
		g.duels[inv.Channel] = chDuels
	}
	_, raced := chDuels[challenger]
	closed := g.closed
	if !raced && !closed {
		chDuels[challenger] = d
	}
	g.mu.Unlock()
	if raced || closed {
		if _, err := g.credit(ctx, account(inv), bet); err != nil {
			return err
		}
		if closed {
			return bot.Reply("Duels are closed right now.")
		}
		return bot.Reply("You already have a pending duel! Wait for it to expire.")
	}

	return inv.Say(ctx, fmt.Sprintf("@%s - @%s challenges you to a duel for %d points! Type %saccept to fight! (Expires in 2 minutes)",
		target, inv.User(), bet, inv.Prefix))
}

// claim removes and returns the first live duel targeting login.
func (g *Gambling) claim(channel, login string) (string, *duel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for who, d := range g.duels[channel] {
		if d.target == login {
			delete(g.duels[channel], who)
			return who, d
		}
	}
	return "", nil
}

func (g *Gambling) accept(ctx context.Context, inv *bot.Invocation) error {
	g.sweep(ctx, inv.Channel)
	me := bot.NormLogin(inv.User())
	challenger, d := g.claim(inv.Channel, me)
	if d == nil {
		return bot.Reply("No pending duel for you!")
	}
	if _, err := g.stake(ctx, inv.Caller.ID, inv.Channel, d.amount); err != nil {
		g.mu.Lock()
		chDuels := g.duels[inv.Channel]
		_, taken := chDuels[challenger]
		restore := !taken && !g.closed && chDuels != nil
		if restore {
			chDuels[challenger] = d
		}
		g.mu.Unlock()
		if !restore {
			// A new duel or shutdown got there first; return the old stake.
			g.refund(ctx, inv.Channel, d)
		}
		return err
	}

	winner := points.Account{UserID: inv.Caller.ID, Username: inv.User(), Channel: inv.Channel}
	loser := d.challengerName
	if g.intN(2) != 0 {
		winner = points.Account{UserID: d.challengerID, Username: d.challengerName, Channel: inv.Channel}
		loser = inv.User()
	}
	if _, err := g.credit(ctx, winner, d.amount*2); err != nil {
		return err
	}
	slog.Info("duel settled", slog.String("channel", inv.Channel), slog.String("winner", winner.Username), slog.String("loser", loser), slog.Int64("amount", d.amount))
	return inv.Say(ctx, fmt.Sprintf("⚔️ DUEL: @%s defeats @%s and wins %d points! ⚔️", winner.Username, loser, d.amount))
}

func (g *Gambling) refund(ctx context.Context, channel string, d *duel) {
	acct := points.Account{UserID: d.challengerID, Username: d.challengerName, Channel: channel}
	if _, err := g.credit(ctx, acct, d.amount); err != nil {
		slog.Error("duel refund failed", slog.String("challenger", d.challengerName), slog.Int64("amount", d.amount), slog.Any("err", err))
	}
}

func (g *Gambling) cancelDuel(ctx context.Context, inv *bot.Invocation) error {
	g.sweep(ctx, inv.Channel)
	me := bot.NormLogin(inv.User())
	g.mu.Lock()
	d, ok := g.duels[inv.Channel][me]
	if ok {
		delete(g.duels[inv.Channel], me)
	}
	g.mu.Unlock()
	if !ok {
		return bot.Reply("You don't have a pending duel.")
	}
	if _, err := g.credit(ctx, account(inv), d.amount); err != nil {
		return err
	}
	return inv.Reply(ctx, "Your duel challenge has been cancelled and points refunded.")
}

func (g *Gambling) toggle(ctx context.Context, inv *bot.Invocation) error {
	g.mu.Lock()
	g.enabled = !g.enabled
	on := g.enabled
	g.mu.Unlock()
	status := "disabled"
	if on {
		status = "enabled"
	}
	slog.Info("gambling toggled", slog.String("status", status), slog.String("by", inv.User()), slog.String("channel", inv.Channel))
	return inv.Reply(ctx, "Gambling is now %s.", status)
}

func (g *Gambling) setMinBet(ctx context.Context, inv *bot.Invocation) error {
	_, lo, hi := g.limits()
	if len(inv.Args) < 1 {
		return bot.Reply("Current min bet: %d. Usage: %ssetminbet <amount>", lo, inv.Prefix)
	}
	n, err := parseAmount(inv.Arg(0))
	if err != nil {
		return err
	}
	if n < 1 {
		return bot.Reply("Minimum bet must be at least 1.")
	}
	if n > hi {
		return bot.Reply("Minimum bet can't exceed max bet (%d).", hi)
	}
	g.mu.Lock()
	g.minBet = n
	g.mu.Unlock()
	return inv.Reply(ctx, "Minimum bet set to %d points.", n)
}

func (g *Gambling) setMaxBet(ctx context.Context, inv *bot.Invocation) error {
	_, lo, hi := g.limits()
	if len(inv.Args) < 1 {
		return bot.Reply("Current max bet: %d. Usage: %ssetmaxbet <amount>", hi, inv.Prefix)
	}
	n, err := parseAmount(inv.Arg(0))
	if err != nil {
		return err
	}
	if n < lo {
		return bot.Reply("Maximum bet can't be less than min bet (%d).", lo)
	}
	g.mu.Lock()
	g.maxBet = n
	g.mu.Unlock()
	return inv.Reply(ctx, "Maximum bet set to %d points.", n)
}
