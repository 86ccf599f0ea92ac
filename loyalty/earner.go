package loyalty

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/streambot/bot"
	"github.com/onnwee/streambot/points"
)

const (
	// DefaultTick is how often watch time is credited.
	DefaultTick = time.Minute
	// maxAccrual caps one credit: the rate ceiling times the largest multiplier
	// a settings row is expected to carry.
	maxAccrual = MaxRate * 10
)

type settingsSource interface {
	Get(ctx context.Context, channel string) (Settings, error)
}

type accruer interface {
	Accrue(ctx context.Context, acct points.Account, a points.Accrual) (int64, error)
}

type chatter struct {
	channel string
	userID  string
}

// Earner credits points for chat messages and for watch time of chatters
// active since the previous tick. Fractional points carry over per chatter
// until they add up to a whole point.
type Earner struct {
	settings settingsSource
	ledger   accruer
	clock    clockwork.Clock
	tick     time.Duration

	mu       sync.Mutex
	active   map[string]map[string]string // channel -> user id -> username
	fraction map[chatter]float64
}

func NewEarner(settings settingsSource, ledger accruer, clock clockwork.Clock, tick time.Duration) *Earner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Earner{
		settings: settings,
		ledger:   ledger,
		clock:    clock,
		tick:     tick,
		active:   make(map[string]map[string]string),
		fraction: make(map[chatter]float64),
	}
}

// take adds amount to the chatter's carry and returns the whole points to
// credit. Amounts that are NaN, negative or above maxAccrual count as zero.
func (e *Earner) take(c chatter, amount float64) int64 {
	if math.IsNaN(amount) || amount < 0 || amount > maxAccrual {
		amount = 0
	}
	total := e.fraction[c] + amount
	whole := math.Floor(total)
	if rem := total - whole; rem > 0 {
		e.fraction[c] = rem
	} else {
		delete(e.fraction, c)
	}
	return int64(whole)
}

// OnMessage marks the chatter active and credits message points.
func (e *Earner) OnMessage(ctx context.Context, msg bot.Message) {
	if msg.Echo || msg.Caller.ID == "" {
		return
	}
	ch := bot.NormChannel(msg.Channel)
	st, err := e.settings.Get(ctx, ch)
	if err != nil {
		slog.Warn("loyalty settings unavailable", slog.String("channel", ch), slog.Any("err", err))
		return
	}
	if !st.Enabled {
		return
	}

	e.mu.Lock()
	users, ok := e.active[ch]
	if !ok {
		users = make(map[string]string)
		e.active[ch] = users
	}
	users[msg.Caller.ID] = msg.Caller.Name
	whole := e.take(chatter{ch, msg.Caller.ID}, st.PerMessage*st.Multiplier(msg.Caller.Subscriber, msg.Caller.VIP))
	e.mu.Unlock()

	acct := points.Account{UserID: msg.Caller.ID, Username: msg.Caller.Name, Channel: ch}
	if _, err := e.ledger.Accrue(ctx, acct, points.Accrual{Points: whole, Messages: 1}); err != nil {
		slog.Error("message points accrual failed", slog.String("channel", ch), slog.String("user", msg.Caller.Name), slog.Any("err", err))
	}
}

// Tick credits one watch minute and the per-minute rate to every chatter
// active since the previous tick, then clears the active set.
func (e *Earner) Tick(ctx context.Context) {
	e.mu.Lock()
	active := e.active
	e.active = make(map[string]map[string]string)
	e.mu.Unlock()

	for ch, users := range active {
		st, err := e.settings.Get(ctx, ch)
		if err != nil {
			slog.Warn("loyalty settings unavailable", slog.String("channel", ch), slog.Any("err", err))
			continue
		}
		if !st.Enabled {
			continue
		}
		for id, name := range users {
			e.mu.Lock()
			whole := e.take(chatter{ch, id}, st.PerMinute)
			e.mu.Unlock()
			acct := points.Account{UserID: id, Username: name, Channel: ch}
			if _, err := e.ledger.Accrue(ctx, acct, points.Accrual{Points: whole, WatchMinutes: 1}); err != nil {
				slog.Error("watch points accrual failed", slog.String("channel", ch), slog.String("user", name), slog.Any("err", err))
			}
		}
	}
	e.prune(active)
}

// prune drops the carries of chatters who were not active during the last
// interval and have not spoken since.
func (e *Earner) prune(last map[string]map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for c := range e.fraction {
		if _, ok := last[c.channel][c.userID]; ok {
			continue
		}
		if _, ok := e.active[c.channel][c.userID]; ok {
			continue
		}
		delete(e.fraction, c)
	}
}

// carries returns how many chatters hold a fractional remainder.
func (e *Earner) carries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.fraction)
}

// Active returns how many chatters are waiting for the next tick.
func (e *Earner) Active(channel string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active[bot.NormChannel(channel)])
}

// Run ticks until ctx is done.
func (e *Earner) Run(ctx context.Context) error {
	t := e.clock.NewTicker(e.tick)
	defer t.Stop()
	slog.Info("loyalty ticker started", slog.Duration("every", e.tick))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.Chan():
			e.Tick(ctx)
		}
	}
}
