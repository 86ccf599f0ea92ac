package commands

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/streambot/points"
)

var (
	alice = user("10", "alice")
	bob   = user("20", "bob")
)

func gamblingRig(t *testing.T, intN func(int) int) (*rig, *memLedger, *clockwork.FakeClock) {
	ledger := newMemLedger()
	clock := clockwork.NewFakeClock()
	g := NewGambling(ledger, clock, intN)
	return newRig(t, g.Commands()), ledger, clock
}

func TestSlots(t *testing.T) {
	cases := []struct {
		name  string
		reels []int
		reply string
		bal   int64
	}{
		{"jackpot", []int{6, 6, 6}, "@alice 🎰 7️⃣ | 7️⃣ | 7️⃣ 🎰 YOU WIN! +5000 points! (Balance: 5,900)", 5900},
		{"cherries", []int{0, 0, 0}, "@alice 🎰 🍒 | 🍒 | 🍒 🎰 YOU WIN! +200 points! (Balance: 1,100)", 1100},
		{"adjacent pair", []int{3, 1, 1}, "@alice 🎰 🍇 | 🍋 | 🍋 🎰 YOU WIN! +150 points! (Balance: 1,050)", 1050},
		{"split pair loses", []int{0, 1, 0}, "@alice 🎰 🍒 | 🍋 | 🍒 🎰 No luck! -100 points. (Balance: 900)", 900},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, ledger, _ := gamblingRig(t, seq(tc.reels...))
			ledger.seed(alice.ID, "alice", 1000)
			assert.Equal(t, tc.reply, r.say(t, alice, "!slots 100"))
			assert.Equal(t, tc.bal, ledger.balance(alice.ID))
		})
	}
}

func TestBetValidation(t *testing.T) {
	r, ledger, _ := gamblingRig(t, seq(1))
	ledger.seed(alice.ID, "alice", 50)

	assert.Equal(t, "@alice Usage: !slots <amount>", r.say(t, alice, "!slot"))
	assert.Equal(t, "@alice Invalid amount. Use a number.", r.say(t, alice, "!gamble lots"))
	assert.Equal(t, "@alice Minimum bet is 10 points.", r.say(t, alice, "!bet 5"))
	assert.Equal(t, "@alice Maximum bet is 10000 points.", r.say(t, alice, "!slots 10001"))
	assert.Equal(t, "@alice Insufficient points. You have 50 points.", r.say(t, alice, "!slots 100"))
	assert.Equal(t, "@alice Invalid choice. Use red/black/green or 0-36.", r.say(t, alice, "!roulette 10 37"))
	assert.Equal(t, int64(50), ledger.balance(alice.ID))
}

func TestGamble(t *testing.T) {
	r, ledger, _ := gamblingRig(t, seq(0, 1))
	ledger.seed(alice.ID, "alice", 1000)

	assert.Equal(t, "@alice 🎲 You WON! +100 points! (Balance: 1,100)", r.say(t, alice, "!gamble 100"))
	assert.Equal(t, "@alice 🎲 You lost! -100 points. (Balance: 1,000)", r.say(t, alice, "!gamble 100"))
}

func TestRoulette(t *testing.T) {
	cases := []struct {
		name   string
		choice string
		spin   int
		reply  string
	}{
		{"green", "green", 0, "@alice 🟢 0 (green) - YOU WIN! +350 points! (Balance: 1,340)"},
		{"number", "17", 17, "@alice ⚫ 17 (black) - YOU WIN! +350 points! (Balance: 1,340)"},
		{"red", "RED", 1, "@alice 🔴 1 (red) - YOU WIN! +20 points! (Balance: 1,010)"},
		{"black loses on red", "black", 3, "@alice 🔴 3 (red) - You lose! -10 points. (Balance: 990)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, ledger, _ := gamblingRig(t, seq(tc.spin))
			ledger.seed(alice.ID, "alice", 1000)
			assert.Equal(t, tc.reply, r.say(t, alice, "!roulette 10 "+tc.choice))
		})
	}
}

func TestConcurrentStakesNeverOverdraw(t *testing.T) {
	r, ledger, _ := gamblingRig(t, seq(1))
	ledger.seed(alice.ID, "alice", 150)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.send(alice, "!gamble 100")
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), ledger.balance(alice.ID))
	lost := 0
	for _, m := range r.chat.Messages() {
		if strings.Contains(m, "You lost!") {
			lost++
		}
	}
	assert.Equal(t, 1, lost)
}

func TestDuelAcceptPaysWinner(t *testing.T) {
	r, ledger, _ := gamblingRig(t, seq(0))
	ledger.seed(alice.ID, "alice", 1000)
	ledger.seed(bob.ID, "bob", 500)

	assert.Equal(t, "@bob - @alice challenges you to a duel for 100 points! Type !accept to fight! (Expires in 2 minutes)",
		r.say(t, alice, "!duel @Bob 100"))
	assert.Equal(t, int64(900), ledger.balance(alice.ID), "challenger stake is escrowed")

	assert.Equal(t, "⚔️ DUEL: @bob defeats @alice and wins 100 points! ⚔️", r.say(t, bob, "!accept"))
	assert.Equal(t, int64(600), ledger.balance(bob.ID))
	assert.Equal(t, int64(900), ledger.balance(alice.ID))

	assert.Equal(t, "@bob No pending duel for you!", r.say(t, bob, "!accept"))
}

func TestDuelRules(t *testing.T) {
	r, ledger, clock := gamblingRig(t, seq(1))
	ledger.seed(alice.ID, "alice", 1000)
	ledger.seed(bob.ID, "bob", 50)

	assert.Equal(t, "@alice You can't duel yourself!", r.say(t, alice, "!duel @alice 100"))

	r.say(t, alice, "!duel bob 100")
	assert.Equal(t, "@alice You already have a pending duel! Wait for it to expire.", r.say(t, alice, "!duel bob 100"))
	assert.Equal(t, int64(900), ledger.balance(alice.ID), "second challenge takes no stake")

	assert.Equal(t, "@bob Insufficient points. You have 50 points.", r.say(t, bob, "!accept"))
	assert.Equal(t, "@alice Your duel challenge has been cancelled and points refunded.", r.say(t, alice, "!cancelduel"))
	assert.Equal(t, int64(1000), ledger.balance(alice.ID), "failed accept leaves the duel open")

	r.say(t, alice, "!duel bob 100")
	clock.Advance(DuelTimeout)
	assert.Equal(t, "@bob No pending duel for you!", r.say(t, bob, "!accept"))
	assert.Equal(t, int64(1000), ledger.balance(alice.ID), "expired duel is refunded")
	assert.Equal(t, "@alice You don't have a pending duel.", r.say(t, alice, "!cancelduel"))
}

func TestGamblingSettings(t *testing.T) {
	r, ledger, _ := gamblingRig(t, seq(1))
	ledger.seed(alice.ID, "alice", 1000)
	m := mod("30", "moddy")

	assert.Equal(t, "@alice This command is for moderators only.", r.say(t, alice, "!gamblingtoggle"))
	assert.Equal(t, "@moddy Gambling is now disabled.", r.say(t, m, "!gamblingtoggle"))
	assert.Empty(t, r.send(alice, "!slots 100"))
	assert.Equal(t, "@moddy Gambling is now enabled.", r.say(t, m, "!gamblingtoggle"))

	assert.Equal(t, "@moddy Current min bet: 10. Usage: !setminbet <amount>", r.say(t, m, "!setminbet"))
	assert.Equal(t, "@moddy Minimum bet must be at least 1.", r.say(t, m, "!setminbet 0"))
	assert.Equal(t, "@moddy Minimum bet can't exceed max bet (10000).", r.say(t, m, "!setminbet 20000"))
	assert.Equal(t, "@moddy Minimum bet set to 50 points.", r.say(t, m, "!setminbet 50"))
	assert.Equal(t, "@moddy Maximum bet can't be less than min bet (50).", r.say(t, m, "!setmaxbet 40"))
	assert.Equal(t, "@moddy Maximum bet set to 500 points.", r.say(t, m, "!setmaxbet 500"))
	assert.Equal(t, "@alice Minimum bet is 50 points.", r.say(t, alice, "!gamble 20"))
	assert.Equal(t, "@alice Maximum bet is 500 points.", r.say(t, alice, "!gamble 600"))
}

func TestPayoutCap(t *testing.T) {
	assert.Equal(t, int64(MaxWinnings), payout(100_000, 50))
	assert.Equal(t, int64(150), payout(100, 1.5))
}

// cancelAfterStake cancels the handler's context as soon as a stake is taken,
// as a shutdown or handler timeout would mid-game. Its credits honor ctx.
type cancelAfterStake struct {
	*memLedger
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (c *cancelAfterStake) arm(cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancel = cancel
}

func (c *cancelAfterStake) DebitIfSufficient(ctx context.Context, userID, channel string, amount int64) (bool, int64, error) {
	ok, bal, err := c.memLedger.DebitIfSufficient(ctx, userID, channel, amount)
	if ok {
		c.mu.Lock()
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		c.mu.Unlock()
	}
	return ok, bal, err
}

func (c *cancelAfterStake) Credit(ctx context.Context, acct points.Account, amount int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.memLedger.Credit(ctx, acct, amount)
}

func TestPayoutSurvivesCancelledHandler(t *testing.T) {
	cases := []struct {
		name string
		line string
		rnd  []int
		bal  int64
	}{
		{"gamble", "!gamble 100", []int{0}, 1100},
		{"slots", "!slots 100", []int{0, 0, 0}, 1100},
		{"roulette", "!roulette 100 red", []int{1}, 1100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ledger := &cancelAfterStake{memLedger: newMemLedger()}
			ledger.seed(alice.ID, "alice", 1000)
			r := newRig(t, NewGambling(ledger, clockwork.NewFakeClock(), seq(tc.rnd...)).Commands())

			ctx, cancel := context.WithCancel(t.Context())
			defer cancel()
			ledger.arm(cancel)
			r.sendCtx(ctx, alice, tc.line)
			assert.Equal(t, tc.bal, ledger.balance(alice.ID))
		})
	}

	t.Run("duel accept", func(t *testing.T) {
		ledger := &cancelAfterStake{memLedger: newMemLedger()}
		ledger.seed(alice.ID, "alice", 1000)
		ledger.seed(bob.ID, "bob", 500)
		r := newRig(t, NewGambling(ledger, clockwork.NewFakeClock(), seq(0)).Commands())
		r.say(t, alice, "!duel bob 100")

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		ledger.arm(cancel)
		r.sendCtx(ctx, bob, "!accept")
		assert.Equal(t, int64(600), ledger.balance(bob.ID))
		assert.Equal(t, int64(900), ledger.balance(alice.ID))
	})
}

func TestRunSweepsExpiredDuels(t *testing.T) {
	ledger := newMemLedger()
	clock := clockwork.NewFakeClock()
	g := NewGambling(ledger, clock, seq(1))
	r := newRig(t, g.Commands())
	ledger.seed(alice.ID, "alice", 1000)
	r.say(t, alice, "!duel bob 100")
	require.Equal(t, int64(900), ledger.balance(alice.ID))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(DuelTimeout)
	require.Eventually(t, func() bool {
		if ledger.balance(alice.ID) == 1000 {
			return true
		}
		clock.Advance(DuelSweepInterval)
		return false
	}, time.Second, 10*time.Millisecond, "nobody chatted, the ticker alone refunds the duel")
	assert.False(t, g.pending(testChannel, "alice"))

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int64(1000), ledger.balance(alice.ID))
}

func TestRunRefundsPendingDuelsOnShutdown(t *testing.T) {
	ledger := newMemLedger()
	clock := clockwork.NewFakeClock()
	g := NewGambling(ledger, clock, seq(1))
	r := newRig(t, g.Commands())
	ledger.seed(alice.ID, "alice", 1000)
	ledger.seed(bob.ID, "bob", 1000)
	r.say(t, alice, "!duel carol 100")
	r.say(t, bob, "!duel carol 250")

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, int64(1000), ledger.balance(alice.ID))
	assert.Equal(t, int64(1000), ledger.balance(bob.ID))
	assert.Equal(t, "@alice Duels are closed right now.", r.say(t, alice, "!duel carol 100"))
	assert.Equal(t, int64(1000), ledger.balance(alice.ID))
	assert.Equal(t, "@carol No pending duel for you!", r.say(t, user("40", "carol"), "!accept"))
}
