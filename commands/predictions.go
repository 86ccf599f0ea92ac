package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/streambot/bot"
	"github.com/onnwee/streambot/cooldown"
	"github.com/onnwee/streambot/permission"
	"github.com/onnwee/streambot/points"
	"github.com/onnwee/streambot/predictions"
)

const (
	DefaultPredictionWindow = 120 * time.Second
	// AutoLockInterval is how often Run locks predictions whose window ran out.
	AutoLockInterval  = 5 * time.Second
	predictionHistory = 5
	topWinners        = 3
)

var quotedArg = regexp.MustCompile(`"([^"]+)"`)

type predictionStore interface {
	Start(ctx context.Context, p predictions.Prediction) (int64, error)
	Active(ctx context.Context, channel string) (predictions.Prediction, error)
	HasBet(ctx context.Context, predictionID int64, userID string) (bool, error)
	PlaceBet(ctx context.Context, b predictions.Bet) error
	Bets(ctx context.Context, predictionID int64) ([]predictions.Bet, error)
	Lock(ctx context.Context, id int64, at time.Time) (bool, error)
	LockDue(ctx context.Context, now time.Time) ([]predictions.Prediction, error)
	Resolve(ctx context.Context, id int64, winner int, at time.Time) (bool, error)
	Cancel(ctx context.Context, id int64, at time.Time) (bool, error)
	RecordPayout(ctx context.Context, predictionID int64, userID string, payout int64) error
	History(ctx context.Context, channel string, limit int) ([]predictions.Prediction, error)
}

type predictionLedger interface {
	gamblingLedger
	Balance(ctx context.Context, userID, channel string) (int64, error)
}

type announcer interface {
	Say(ctx context.Context, channel, text string) error
}

// Predictions lets moderators run a question chatters stake points on.
// Stakes are debited before the bet row is written and refunded if the
// write loses a race with lock or a duplicate. Payouts and refunds follow
// the state change in the store, on a context detached from the handler's.
type Predictions struct {
	store  predictionStore
	ledger predictionLedger
	perms  *permission.Evaluator
	say    announcer
	clock  clockwork.Clock

	mu      sync.Mutex
	enabled bool
	window  time.Duration
	minBet  int64
	maxBet  int64
}

func NewPredictions(store predictionStore, ledger predictionLedger, perms *permission.Evaluator, say announcer, clock clockwork.Clock) *Predictions {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Predictions{
		store:   store,
		ledger:  ledger,
		perms:   perms,
		say:     say,
		clock:   clock,
		enabled: true,
		window:  DefaultPredictionWindow,
		minBet:  DefaultMinBet,
		maxBet:  DefaultMaxBet,
	}
}

func (p *Predictions) Commands() []*bot.Command {
	return []*bot.Command{
		{Name: "predict", Aliases: []string{"prediction"}, Usage: "<start/lock/resolve/cancel/info/odds/history>",
			Help: "Run or inspect the channel prediction.", Handler: p.predict},
		{Name: "pbet", Aliases: []string{"predictbet"}, Usage: "<#> <amount|all>", Help: "Bet points on a prediction outcome.",
			Cooldown: 3 * time.Second, Bucket: cooldown.User, Handler: p.bet},
		{Name: "predictset", Usage: "<window/minbet/maxbet/toggle> [value]", Help: "Configure predictions.",
			Level: permission.Moderator, Handler: p.settings},
	}
}

type predictionSettings struct {
	enabled        bool
	window         time.Duration
	minBet, maxBet int64
}

func (p *Predictions) current() predictionSettings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return predictionSettings{enabled: p.enabled, window: p.window, minBet: p.minBet, maxBet: p.maxBet}
}

func outcomeList(outcomes []string) string {
	parts := make([]string, len(outcomes))
	for i, o := range outcomes {
		parts[i] = fmt.Sprintf("[%d] %s", i+1, o)
	}
	return strings.Join(parts, " | ")
}

func (p *Predictions) predict(ctx context.Context, inv *bot.Invocation) error {
	sub := strings.ToLower(inv.Arg(0))
	switch sub {
	case "start", "lock", "resolve", "cancel":
		if !p.perms.Allows(inv.Caller, permission.Moderator) {
			return bot.Reply("You need to be a moderator to %s predictions.", sub)
		}
	}
	switch sub {
	case "start":
		return p.start(ctx, inv)
	case "lock":
		return p.lock(ctx, inv)
	case "resolve":
		return p.resolve(ctx, inv)
	case "cancel":
		return p.cancel(ctx, inv)
	case "info":
		return p.info(ctx, inv)
	case "odds":
		return p.odds(ctx, inv)
	case "history":
		return p.history(ctx, inv)
	}
	return bot.Reply(`Prediction commands: %[1]spredict start "Question" "Option1" "Option2" | %[1]spredict lock | %[1]spredict resolve <#> | %[1]spredict cancel | %[1]spredict info | %[1]spredict odds`, inv.Prefix)
}

func (p *Predictions) start(ctx context.Context, inv *bot.Invocation) error {
	s := p.current()
	if !s.enabled {
		return bot.Reply("Predictions are disabled in this channel.")
	}
	var quoted []string
	for _, m := range quotedArg.FindAllStringSubmatch(inv.Raw, -1) {
		quoted = append(quoted, strings.TrimSpace(m[1]))
	}
	if len(quoted) < 3 {
		return bot.Reply(`Usage: %spredict start "Question" "Outcome1" "Outcome2" ["Outcome3"...]`, inv.Prefix)
	}
	question, outcomes := quoted[0], quoted[1:]
	if len(outcomes) > predictions.MaxOutcomes {
		return bot.Reply("Maximum %d outcomes allowed.", predictions.MaxOutcomes)
	}

	now := p.clock.Now()
	pred := predictions.Prediction{Channel: inv.Channel, Question: question, Outcomes: outcomes, StartedBy: inv.User(), StartedAt: now}
	if s.window > 0 {
		pred.AutoLockAt = now.Add(s.window)
	}
	id, err := p.store.Start(ctx, pred)
	if errors.Is(err, predictions.ErrActive) {
		return bot.Reply("There's already an active prediction! Use %[1]spredict resolve or %[1]spredict cancel first.", inv.Prefix)
	}
	if err != nil {
		return err
	}
	slog.Info("prediction started", slog.Int64("id", id), slog.String("channel", inv.Channel), slog.String("by", inv.User()), slog.Int("outcomes", len(outcomes)))

	msg := fmt.Sprintf("🔮 PREDICTION: %s | %s | Use %spbet <#> <amount> to bet!", question, outcomeList(outcomes), inv.Prefix)
	if secs := int(s.window.Seconds()); secs > 0 {
		if secs >= 60 {
			msg += fmt.Sprintf(" Betting closes in %dm %ds!", secs/60, secs%60)
		} else {
			msg += fmt.Sprintf(" Betting closes in %ds!", secs)
		}
	}
	return inv.Say(ctx, msg)
}

// active answers missing with "No active prediction<suffix>."
func (p *Predictions) active(ctx context.Context, channel, suffix string) (predictions.Prediction, error) {
	pred, err := p.store.Active(ctx, channel)
	if errors.Is(err, predictions.ErrNotFound) {
		return pred, bot.Reply("No active prediction%s.", suffix)
	}
	return pred, err
}

func (p *Predictions) lock(ctx context.Context, inv *bot.Invocation) error {
	pred, err := p.active(ctx, inv.Channel, " to lock")
	if err != nil {
		return err
	}
	if pred.Status != predictions.Open {
		return bot.Reply("Prediction is already locked.")
	}
	ok, err := p.store.Lock(ctx, pred.ID, p.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return bot.Reply("Prediction is already locked.")
	}
	bets, err := p.store.Bets(ctx, pred.ID)
	if err != nil {
		return err
	}
	total, _ := predictions.Pool(bets, len(pred.Outcomes))
	return inv.Say(ctx, fmt.Sprintf("🔒 Prediction LOCKED! No more bets. Total pool: %s points from %d bets.", commafy(total), len(bets)))
}

func (p *Predictions) resolve(ctx context.Context, inv *bot.Invocation) error {
	pred, err := p.active(ctx, inv.Channel, " to resolve")
	if err != nil {
		return err
	}
	if inv.Arg(1) == "" {
		return bot.Reply("Usage: %spredict resolve <outcome_number> | Outcomes: %s", inv.Prefix, outcomeList(pred.Outcomes))
	}
	n, err := strconv.Atoi(inv.Arg(1))
	if err != nil {
		return bot.Reply("Please provide a valid outcome number.")
	}
	if n < 1 || n > len(pred.Outcomes) {
		return bot.Reply("Invalid outcome. Choose 1-%d.", len(pred.Outcomes))
	}
	ok, err := p.store.Resolve(ctx, pred.ID, n-1, p.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return bot.Reply("No active prediction to resolve.")
	}

	// The prediction is settled in the store; the winners are owed from here on.
	sctx, cancel := settleContext(ctx)
	bets, err := p.store.Bets(sctx, pred.ID)
	cancel()
	if err != nil {
		return fmt.Errorf("read bets of resolved prediction %d: %w", pred.ID, err)
	}
	winners := predictions.Payouts(bets, n-1)
	var paid int64
	for _, w := range winners {
		if err := p.pay(ctx, inv.Channel, w, w.Payout); err != nil {
			slog.Error("prediction payout failed", slog.Int64("prediction", pred.ID), slog.String("user", w.Username), slog.Int64("payout", w.Payout), slog.Any("err", err))
			continue
		}
		paid += w.Payout
		sctx, cancel := settleContext(ctx)
		if err := p.store.RecordPayout(sctx, pred.ID, w.UserID, w.Payout); err != nil {
			slog.Warn("prediction payout not recorded", slog.Int64("prediction", pred.ID), slog.String("user", w.Username), slog.Any("err", err))
		}
		cancel()
	}
	slog.Info("prediction resolved", slog.Int64("id", pred.ID), slog.String("channel", inv.Channel), slog.Int("winner", n), slog.Int("winners", len(winners)), slog.Int64("paid", paid))

	head := fmt.Sprintf("🎉 PREDICTION RESOLVED! Winner: [%d] %s", n, pred.Outcomes[n-1])
	if len(winners) == 0 {
		return inv.Say(ctx, head+" | No winning bets.")
	}
	top := make([]string, 0, topWinners)
	for _, w := range winners[:min(topWinners, len(winners))] {
		top = append(top, fmt.Sprintf("@%s (+%s)", w.Username, commafy(w.Payout)))
	}
	return inv.Say(ctx, fmt.Sprintf("%s | Total payout: %s points | Top winners: %s", head, commafy(paid), strings.Join(top, ", ")))
}

// pay credits a settled bet on a context detached from the handler's.
func (p *Predictions) pay(ctx context.Context, channel string, b predictions.Bet, amount int64) error {
	ctx, cancel := settleContext(ctx)
	defer cancel()
	_, err := p.ledger.Credit(ctx, points.Account{UserID: b.UserID, Username: b.Username, Channel: channel}, amount)
	return err
}

func (p *Predictions) cancel(ctx context.Context, inv *bot.Invocation) error {
	pred, err := p.active(ctx, inv.Channel, " to cancel")
	if err != nil {
		return err
	}
	ok, err := p.store.Cancel(ctx, pred.ID, p.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return bot.Reply("No active prediction to cancel.")
	}
	sctx, cancel := settleContext(ctx)
	bets, err := p.store.Bets(sctx, pred.ID)
	cancel()
	if err != nil {
		return fmt.Errorf("read bets of cancelled prediction %d: %w", pred.ID, err)
	}
	refunded := 0
	for _, b := range bets {
		if err := p.pay(ctx, inv.Channel, b, b.Amount); err != nil {
			slog.Error("prediction refund failed", slog.Int64("prediction", pred.ID), slog.String("user", b.Username), slog.Int64("amount", b.Amount), slog.Any("err", err))
			continue
		}
		refunded++
	}
	slog.Info("prediction cancelled", slog.Int64("id", pred.ID), slog.String("channel", inv.Channel), slog.Int("refunded", refunded))
	return inv.Say(ctx, fmt.Sprintf("❌ Prediction CANCELLED! %d bet(s) have been refunded.", refunded))
}

func (p *Predictions) info(ctx context.Context, inv *bot.Invocation) error {
	pred, err := p.active(ctx, inv.Channel, "")
	if err != nil {
		return err
	}
	bets, err := p.store.Bets(ctx, pred.ID)
	if err != nil {
		return err
	}
	total, per := predictions.Pool(bets, len(pred.Outcomes))
	counts := make([]int, len(pred.Outcomes))
	for _, b := range bets {
		if b.Outcome >= 0 && b.Outcome < len(counts) {
			counts[b.Outcome]++
		}
	}
	parts := make([]string, len(pred.Outcomes))
	for i, o := range pred.Outcomes {
		parts[i] = fmt.Sprintf("[%d] %s: %d bets, %s pts", i+1, o, counts[i], commafy(per[i]))
	}
	return inv.Say(ctx, fmt.Sprintf("🔮 %s | Status: %s | Pool: %s pts (%d bets) | %s",
		pred.Question, strings.ToUpper(string(pred.Status)), commafy(total), len(bets), strings.Join(parts, " | ")))
}

func (p *Predictions) odds(ctx context.Context, inv *bot.Invocation) error {
	pred, err := p.active(ctx, inv.Channel, "")
	if err != nil {
		return err
	}
	bets, err := p.store.Bets(ctx, pred.ID)
	if err != nil {
		return err
	}
	if len(bets) == 0 {
		return bot.Reply("No bets yet! Be the first to bet with %spbet <#> <amount>", inv.Prefix)
	}
	total, per := predictions.Pool(bets, len(pred.Outcomes))
	parts := make([]string, len(pred.Outcomes))
	for i, o := range pred.Outcomes {
		if per[i] == 0 {
			parts[i] = fmt.Sprintf("[%d] %s: No bets", i+1, o)
			continue
		}
		parts[i] = fmt.Sprintf("[%d] %s: %.2fx", i+1, o, predictions.Odds(total, per[i]))
	}
	return inv.Say(ctx, fmt.Sprintf("📊 Current odds: %s | Total pool: %s pts", strings.Join(parts, " | "), commafy(total)))
}

func (p *Predictions) history(ctx context.Context, inv *bot.Invocation) error {
	past, err := p.store.History(ctx, inv.Channel, predictionHistory)
	if err != nil {
		return err
	}
	if len(past) == 0 {
		return bot.Reply("No prediction history yet.")
	}
	entries := make([]string, len(past))
	for i, pr := range past {
		q := pr.Question
		if r := []rune(q); len(r) > 30 {
			q = string(r[:30]) + "..."
		}
		if pr.Status == predictions.Resolved && pr.Winner >= 0 && pr.Winner < len(pr.Outcomes) {
			entries[i] = fmt.Sprintf("✓ %s → %s", q, pr.Outcomes[pr.Winner])
		} else {
			entries[i] = fmt.Sprintf("✗ %s (cancelled)", q)
		}
	}
	return inv.Say(ctx, "📜 Recent predictions: "+strings.Join(entries, " | "))
}

func (p *Predictions) bet(ctx context.Context, inv *bot.Invocation) error {
	s := p.current()
	if !s.enabled {
		return nil
	}
	pred, err := p.active(ctx, inv.Channel, " to bet on")
	if err != nil {
		return err
	}
	if pred.Status != predictions.Open {
		return bot.Reply("Betting is closed for this prediction.")
	}
	if len(inv.Args) < 2 {
		return bot.Reply("Usage: %spbet <outcome_number> <amount> | Outcomes: %s", inv.Prefix, outcomeList(pred.Outcomes))
	}
	n, err := strconv.Atoi(inv.Arg(0))
	if err != nil {
		return bot.Reply("Invalid outcome number.")
	}
	if n < 1 || n > len(pred.Outcomes) {
		return bot.Reply("Invalid outcome. Choose 1-%d.", len(pred.Outcomes))
	}
	var amount int64
	switch strings.ToLower(inv.Arg(1)) {
	case "all", "max":
		bal, err := p.ledger.Balance(ctx, inv.Caller.ID, inv.Channel)
		if err != nil {
			return err
		}
		amount = min(bal, s.maxBet)
	default:
		amount, err = strconv.ParseInt(strings.ReplaceAll(inv.Arg(1), ",", ""), 10, 64)
		if err != nil {
			return bot.Reply("Invalid amount. Use a number or 'all'.")
		}
	}
	if amount < s.minBet {
		return bot.Reply("Minimum bet is %d points.", s.minBet)
	}
	if amount > s.maxBet {
		return bot.Reply("Maximum bet is %d points.", s.maxBet)
	}
	dup, err := p.store.HasBet(ctx, pred.ID, inv.Caller.ID)
	if err != nil {
		return err
	}
	if dup {
		return bot.Reply("You already placed a bet on this prediction.")
	}

	ok, _, err := p.ledger.DebitIfSufficient(ctx, inv.Caller.ID, inv.Channel, amount)
	if err != nil {
		return err
	}
	if !ok {
		return bot.Reply("Insufficient points.")
	}
	b := predictions.Bet{PredictionID: pred.ID, UserID: inv.Caller.ID, Username: inv.User(), Outcome: n - 1, Amount: amount}
	if err := p.store.PlaceBet(ctx, b); err != nil {
		if rerr := p.pay(ctx, inv.Channel, b, amount); rerr != nil {
			slog.Error("bet refund failed", slog.Int64("prediction", pred.ID), slog.String("user", inv.User()), slog.Int64("amount", amount), slog.Any("err", rerr))
		}
		switch {
		case errors.Is(err, predictions.ErrDuplicateBet):
			return bot.Reply("You already placed a bet on this prediction.")
		case errors.Is(err, predictions.ErrClosed):
			return bot.Reply("Betting is closed for this prediction.")
		}
		return err
	}

	odds := ""
	if bets, err := p.store.Bets(ctx, pred.ID); err == nil {
		total, per := predictions.Pool(bets, len(pred.Outcomes))
		if o := predictions.Odds(total, per[n-1]); o > 0 {
			odds = fmt.Sprintf(" (current odds: %.2fx)", o)
		}
	}
	return inv.Reply(ctx, "Bet %s points on [%d] %s%s", commafy(amount), n, pred.Outcomes[n-1], odds)
}

func (p *Predictions) settings(ctx context.Context, inv *bot.Invocation) error {
	s := p.current()
	value := inv.Arg(1)
	switch strings.ToLower(inv.Arg(0)) {
	case "":
		return inv.Reply(ctx, "Prediction settings: Window: %ds | Min bet: %d | Max bet: %d | Status: %s",
			int(s.window.Seconds()), s.minBet, s.maxBet, onOff(s.enabled, "ON", "OFF"))
	case "window":
		secs, err := strconv.Atoi(value)
		if err != nil {
			return bot.Reply("Usage: %spredictset window <seconds>", inv.Prefix)
		}
		secs = max(secs, 0)
		p.mu.Lock()
		p.window = time.Duration(secs) * time.Second
		p.mu.Unlock()
		if secs == 0 {
			return inv.Reply(ctx, "Prediction window set to 0 seconds (auto-lock disabled)")
		}
		return inv.Reply(ctx, "Prediction window set to %d seconds", secs)
	case "minbet":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return bot.Reply("Usage: %spredictset minbet <amount>", inv.Prefix)
		}
		n = max(n, 1)
		if n > s.maxBet {
			return bot.Reply("Min bet must be <= max bet (%d)", s.maxBet)
		}
		p.mu.Lock()
		p.minBet = n
		p.mu.Unlock()
		return inv.Reply(ctx, "Minimum bet set to %d points.", n)
	case "maxbet":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return bot.Reply("Usage: %spredictset maxbet <amount>", inv.Prefix)
		}
		if n < s.minBet {
			return bot.Reply("Max bet must be >= min bet (%d)", s.minBet)
		}
		p.mu.Lock()
		p.maxBet = n
		p.mu.Unlock()
		return inv.Reply(ctx, "Maximum bet set to %d points.", n)
	case "toggle":
		p.mu.Lock()
		p.enabled = !p.enabled
		on := p.enabled
		p.mu.Unlock()
		slog.Info("predictions toggled", slog.Bool("enabled", on), slog.String("by", inv.User()), slog.String("channel", inv.Channel))
		return inv.Reply(ctx, "Predictions are now %s.", onOff(on, "ENABLED", "DISABLED"))
	}
	return bot.Reply("Unknown setting. Use: window, minbet, maxbet, toggle")
}

// Run locks predictions whose betting window has run out and announces it.
func (p *Predictions) Run(ctx context.Context) error {
	t := p.clock.NewTicker(AutoLockInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.Chan():
			p.autoLock(ctx)
		}
	}
}

func (p *Predictions) autoLock(ctx context.Context) {
	locked, err := p.store.LockDue(ctx, p.clock.Now())
	if err != nil {
		slog.Warn("auto-lock failed", slog.Any("err", err))
		return
	}
	for _, pred := range locked {
		slog.Info("auto-locked prediction", slog.Int64("id", pred.ID), slog.String("channel", pred.Channel))
		if p.say == nil {
			continue
		}
		if err := p.say.Say(ctx, pred.Channel, "⏰ Prediction betting is now LOCKED! No more bets accepted."); err != nil {
			slog.Warn("auto-lock announcement failed", slog.String("channel", pred.Channel), slog.Any("err", err))
		}
	}
}
