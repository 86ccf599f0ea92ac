package points

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/streambot/testutil"
)

func seed(t *testing.T, l *Ledger, balance int64) Account {
	t.Helper()
	acct := Account{UserID: "test-" + uuid.NewString(), Username: "tester", Channel: "ledger_test"}
	_, err := l.SetBalance(context.Background(), acct, balance)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = l.db.Exec(`DELETE FROM user_loyalty WHERE user_id = $1`, acct.UserID)
	})
	return acct
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	db := testutil.SetupTestDB(t)
	l := NewLedger(db)

	cases := []struct {
		name     string
		balance  int64
		amount   int64
		attempts int
	}{
		{"balance covers exactly one", 150, 100, 10},
		{"balance covers exactly one at the edge", 100, 100, 20},
		{"balance covers three", 350, 100, 25},
		{"balance covers none", 99, 100, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			acct := seed(t, l, tc.balance)
			ctx := context.Background()

			var succeeded atomic.Int64
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < tc.attempts; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					ok, bal, err := l.DebitIfSufficient(ctx, acct.UserID, acct.Channel, tc.amount)
					assert.NoError(t, err)
					assert.GreaterOrEqual(t, bal, int64(0))
					if ok {
						succeeded.Add(1)
					}
				}()
			}
			close(start)
			wg.Wait()

			want := tc.balance / tc.amount
			assert.Equal(t, want, succeeded.Load())

			final, err := l.Balance(ctx, acct.UserID, acct.Channel)
			require.NoError(t, err)
			assert.Equal(t, tc.balance-want*tc.amount, final)
		})
	}
}

func TestSetNegativeBalanceReadsZero(t *testing.T) {
	db := testutil.SetupTestDB(t)
	l := NewLedger(db)
	acct := seed(t, l, 500)
	ctx := context.Background()

	_, err := l.SetBalance(ctx, acct, -100)
	require.NoError(t, err)

	bal, err := l.Balance(ctx, acct.UserID, acct.Channel)
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestInsufficientDebitLeavesBalance(t *testing.T) {
	db := testutil.SetupTestDB(t)
	l := NewLedger(db)
	acct := seed(t, l, 50)
	ctx := context.Background()

	ok, bal, err := l.DebitIfSufficient(ctx, acct.UserID, acct.Channel, 100)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(50), bal)

	after, err := l.Balance(ctx, acct.UserID, acct.Channel)
	require.NoError(t, err)
	assert.Equal(t, int64(50), after)
}

func TestStorageRejectsNegativeBalance(t *testing.T) {
	db := testutil.SetupTestDB(t)
	l := NewLedger(db)
	acct := seed(t, l, 10)

	_, err := db.Exec(`UPDATE user_loyalty SET points = -1 WHERE user_id = $1`, acct.UserID)
	assert.Error(t, err, "points >= 0 constraint must reject the write")
}

func TestCreditCreatesRowAndDeductFloors(t *testing.T) {
	db := testutil.SetupTestDB(t)
	l := NewLedger(db)
	ctx := context.Background()
	acct := Account{UserID: "test-" + uuid.NewString(), Username: "newbie", Channel: "ledger_test"}
	t.Cleanup(func() { _, _ = db.Exec(`DELETE FROM user_loyalty WHERE user_id = $1`, acct.UserID) })

	bal, err := l.Credit(ctx, acct, 25)
	require.NoError(t, err)
	assert.Equal(t, int64(25), bal)

	bal, found, err := l.Deduct(ctx, acct.UserID, acct.Channel, 1000)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Zero(t, bal)

	id, ok, err := l.LookupUser(ctx, acct.Channel, "@Newbie")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, acct.UserID, id)
}
