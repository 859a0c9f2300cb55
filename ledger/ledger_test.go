package ledger_test

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/ledger"
	"github.com/warp/points-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	t1  = time.Date(2024, time.January, 1, 9, 0, 0, 0, time.UTC)
	t2  = time.Date(2024, time.January, 2, 9, 0, 0, 0, time.UTC)
	t3  = time.Date(2024, time.January, 3, 9, 0, 0, 0, time.UTC)
	now = time.Date(2024, time.February, 1, 12, 0, 0, 0, time.UTC)
)

type testLedger struct {
	store    *store.Memory
	accounts *ledger.Accounts
	engine   *ledger.Engine
	balances *ledger.Balances
}

func newTestLedger(t *testing.T) *testLedger {
	m := store.NewMemory()
	t.Cleanup(func() { m.Close() })

	engine := ledger.NewEngine(m)
	engine.Now = func() time.Time { return now }

	return &testLedger{
		store:    m,
		accounts: ledger.NewAccounts(m),
		engine:   engine,
		balances: ledger.NewBalances(m),
	}
}

func (l *testLedger) addUser(t *testing.T, id ledger.UserID) {
	require.NoError(t, l.store.CreateUser(context.Background(), ledger.User{ID: id, Name: string(id)}))
}

func (l *testLedger) addPayer(t *testing.T, id ledger.PayerID, name string, allowance int64) {
	require.NoError(t, l.store.CreatePayer(context.Background(), ledger.Payer{ID: id, Name: name, Balance: allowance}))
}

func (l *testLedger) grant(t *testing.T, user ledger.UserID, payer ledger.PayerID, points int64, at time.Time) ledger.Lot {
	res, err := l.accounts.Transfer(context.Background(), ledger.TransferRequest{
		UserID: user, PayerID: payer, Points: points, Timestamp: at,
	})
	require.NoError(t, err)
	return res.Lot
}

func (l *testLedger) userBalance(t *testing.T, id ledger.UserID) int64 {
	u, err := l.balances.User(context.Background(), id)
	require.NoError(t, err)
	return u.Balance
}

func (l *testLedger) payerBalance(t *testing.T, id ledger.PayerID) int64 {
	p, err := l.balances.Payer(context.Background(), id)
	require.NoError(t, err)
	return p.Balance
}

type snapshot struct {
	users  []ledger.User
	payers []ledger.Payer
	lots   map[ledger.UserID][]ledger.Lot
}

func (l *testLedger) snapshot(t *testing.T) snapshot {
	ctx := context.Background()
	users, err := l.store.ListUsers(ctx)
	require.NoError(t, err)
	payers, err := l.store.ListPayers(ctx)
	require.NoError(t, err)

	lots := make(map[ledger.UserID][]ledger.Lot)
	for _, u := range users {
		ls, err := l.store.ListLots(ctx, u.ID)
		require.NoError(t, err)
		lots[u.ID] = ls
	}
	return snapshot{users: users, payers: payers, lots: lots}
}

func (l *testLedger) requireConsistent(t *testing.T) {
	require.NoError(t, ledger.Audit(context.Background(), l.store, l.store))
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestSpend_SplitsSecondLot(t *testing.T) {
	// GIVEN: P1 granted 10 @ t1 and 5 @ t2
	// WHEN: User spends 12
	// THEN: Deductions are 10 then 2, and 3 points remain at t2

	l := newTestLedger(t)
	l.addUser(t, "u1")
	l.addPayer(t, "p1", "P1", 100)
	first := l.grant(t, "u1", "p1", 10, t1)
	second := l.grant(t, "u1", "p1", 5, t2)
	assert.Equal(t, int64(85), l.payerBalance(t, "p1"))

	result, err := l.engine.Spend(context.Background(), "u1", 12)
	require.NoError(t, err)

	require.Len(t, result.Deductions, 2)
	assert.Equal(t, ledger.Deduction{PayerID: "p1", PayerName: "P1", LotID: first.ID, Points: 10}, result.Deductions[0])
	assert.Equal(t, ledger.Deduction{PayerID: "p1", PayerName: "P1", LotID: second.ID, Points: 2}, result.Deductions[1])
	assert.Equal(t, int64(3), result.Balance)

	assert.Equal(t, int64(3), l.userBalance(t, "u1"))
	assert.Equal(t, int64(97), l.payerBalance(t, "p1"))

	active, err := l.balances.Lots(context.Background(), "u1", true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, int64(3), active[0].Points)
	assert.True(t, active[0].Timestamp.Equal(t2), "remainder keeps the original timestamp")
	assert.Equal(t, ledger.LotCarryForward, active[0].Kind)

	l.requireConsistent(t)
}

func TestTransfer_PayerNotEnough(t *testing.T) {
	// GIVEN: Payer with 5 points of allowance
	// WHEN: Granting 10
	// THEN: PAYER_NOT_ENOUGH and no state change

	l := newTestLedger(t)
	l.addUser(t, "u1")
	l.addPayer(t, "p1", "P1", 5)
	before := l.snapshot(t)

	_, err := l.accounts.Transfer(context.Background(), ledger.TransferRequest{
		UserID: "u1", PayerID: "p1", Points: 10, Timestamp: t1,
	})

	require.ErrorIs(t, err, ledger.ErrInsufficientPayerBalance)
	assert.Equal(t, ledger.CodePayerNotEnough, ledger.CodeFor(ledger.OpTransfer, err))

	var ie *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, int64(5), ie.Available)
	assert.Equal(t, int64(10), ie.Requested)

	assert.Equal(t, before, l.snapshot(t))
}

func TestPayerBalances_NoPayers(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.balances.PayerBalances(context.Background())

	require.ErrorIs(t, err, ledger.ErrNoPayers)
	assert.Equal(t, ledger.CodeNoPayersFound, ledger.CodeFor(ledger.OpPayerBalances, err))
}

func TestTransfer_UserNotEnough(t *testing.T) {
	// GIVEN: User with zero balance
	// WHEN: Transfer of -5
	// THEN: USER_NOT_ENOUGH

	l := newTestLedger(t)
	l.addUser(t, "u1")
	l.addPayer(t, "p1", "P1", 100)
	before := l.snapshot(t)

	_, err := l.accounts.Transfer(context.Background(), ledger.TransferRequest{
		UserID: "u1", PayerID: "p1", Points: -5, Timestamp: t1,
	})

	require.ErrorIs(t, err, ledger.ErrInsufficientUserBalance)
	assert.Equal(t, ledger.CodeUserNotEnough, ledger.CodeFor(ledger.OpTransfer, err))
	assert.Equal(t, before, l.snapshot(t))
}

// =============================================================================
// TRANSFER TESTS
// =============================================================================

func TestTransfer_GrantMovesAllowanceToUser(t *testing.T) {
	l := newTestLedger(t)
	l.addUser(t, "u1")
	l.addPayer(t, "p1", "P1", 100)

	res, err := l.accounts.Transfer(context.Background(), ledger.TransferRequest{
		UserID: "u1", PayerID: "p1", Points: 30, Timestamp: t1,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(30), res.User.Balance)
	assert.Equal(t, int64(70), res.Payer.Balance)
	assert.Equal(t, ledger.LotGrant, res.Lot.Kind)
	assert.NotZero(t, res.Lot.ID)
	assert.True(t, res.Lot.IsActive())
	l.requireConsistent(t)
}

func TestTransfer_NegativeReturnsPointsToPayer(t *testing.T) {
	l := newTestLedger(t)
	l.addUser(t, "u1")
	l.addPayer(t, "p1", "P1", 100)
	l.grant(t, "u1", "p1", 30, t1)

	res, err := l.accounts.Transfer(context.Background(), ledger.TransferRequest{
		UserID: "u1", PayerID: "p1", Points: -10, Timestamp: t2,
	})
	require.NoError(t, err)

	assert.Equal(t, ledger.LotAdjustment, res.Lot.Kind)
	assert.False(t, res.Lot.IsActive(), "negative lots are never spendable")
	assert.Equal(t, int64(20), l.userBalance(t, "u1"))
	assert.Equal(t, int64(80), l.payerBalance(t, "p1"))
	l.requireConsistent(t)
}

func TestTransfer_Validation(t *testing.T) {
	l := newTestLedger(t)
	l.addUser(t, "u1")
	l.addPayer(t, "p1", "P1", 100)

	tests := []struct {
		name  string
		req   ledger.TransferRequest
		field string
	}{
		{"zero points", ledger.TransferRequest{UserID: "u1", PayerID: "p1", Points: 0, Timestamp: t1}, "points"},
		{"zero timestamp", ledger.TransferRequest{UserID: "u1", PayerID: "p1", Points: 5}, "timestamp"},
		{"min int64 points", ledger.TransferRequest{UserID: "u1", PayerID: "p1", Points: math.MinInt64, Timestamp: t1}, "points"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.accounts.Transfer(context.Background(), tt.req)

			var ve *ledger.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.Equal(t, ledger.CodeValidation, ledger.CodeFor(ledger.OpTransfer, err))
		})
	}
}

func TestTransfer_MinInt64NeverDrivesBalancesNegative(t *testing.T) {
	// GIVEN: User holding 10 points
	// WHEN: Transfer of math.MinInt64, whose negation wraps
	// THEN: Rejected before any write; no balance goes negative

	l := newTestLedger(t)
	l.addUser(t, "u1")
	l.addPayer(t, "p1", "P1", 100)
	l.grant(t, "u1", "p1", 10, t1)
	before := l.snapshot(t)

	_, err := l.accounts.Transfer(context.Background(), ledger.TransferRequest{
		UserID: "u1", PayerID: "p1", Points: math.MinInt64, Timestamp: t2,
	})

	require.Error(t, err)
	assert.Equal(t, ledger.CodeValidation, ledger.CodeFor(ledger.OpTransfer, err))
	assert.Equal(t, before, l.snapshot(t))
	assert.Equal(t, int64(10), l.userBalance(t, "u1"))
	assert.Equal(t, int64(90), l.payerBalance(t, "p1"))
	l.requireConsistent(t)
}

func TestTransfer_LargestDebitStillChecksBalance(t *testing.T) {
	l := newTestLedger(t)
	l.addUser(t, "u1")
	l.addPayer(t, "p1", "P1", 100)
	l.grant(t, "u1", "p1", 10, t1)

	_, err := l.accounts.Transfer(context.Background(), ledger.TransferRequest{
		UserID: "u1", PayerID: "p1", Points: -math.MaxInt64, Timestamp: t2,
	})

	require.ErrorIs(t, err, ledger.ErrInsufficientUserBalance)
	assert.Equal(t, int64(10), l.userBalance(t, "u1"))
	l.requireConsistent(t)
}

func TestTransfer_GrantOverflowRejected(t *testing.T) {
	// GIVEN: User already holding math.MaxInt64 points from one payer
	// WHEN: Another payer grants 1 more
	// THEN: Rejected; the user balance does not wrap

	l := newTestLedger(t)
	l.addUser(t, "u1")
	l.addPayer(t, "p1", "P1", math.MaxInt64)
	l.addPayer(t, "p2", "P2", 100)
	l.grant(t, "u1", "p1", math.MaxInt64, t1)
	before := l.snapshot(t)

	_, err := l.accounts.Transfer(context.Background(), ledger.TransferRequest{
		UserID: "u1", PayerID: "p2", Points: 1, Timestamp: t2,
	})

	var ve *ledger.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "points", ve.Field)
	assert.Equal(t, before, l.snapshot(t))
	assert.Equal(t, int64(math.MaxInt64), l.userBalance(t, "u1"))
	assert.Equal(t, int64(100), l.payerBalance(t, "p2"))
}

func TestTransfer_NotFound(t *testing.T) {
	l := newTestLedger(t)
	l.addUser(t, "u1")
	l.addPayer(t, "p1", "P1", 100)

	tests := []struct {
		name   string
		user   ledger.UserID
		payer  ledger.PayerID
		entity ledger.Entity
	}{
		{"unknown user", "ghost", "p1", ledger.EntityUser},
		{"unknown payer", "u1", "ghost", ledger.EntityPayer},
		{"user checked first", "ghost", "ghost", ledger.EntityUser},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.accounts.Transfer(context.Background(), ledger.TransferRequest{
				UserID: tt.user, PayerID: tt.payer, Points: 5, Timestamp: t1,
			})

			var nf *ledger.NotFoundError
			require.ErrorAs(t, err, &nf)
			assert.Equal(t, tt.entity, nf.Entity)
			assert.True(t, ledger.IsNotFound(err))
			assert.Equal(t, ledger.CodeNotFound, ledger.CodeFor(ledger.OpTransfer, err))
		})
	}
}

// =============================================================================
// SPEND TESTS
// =============================================================================

func TestSpend_ExactLotTouchesOneLot(t *testing.T) {
	// GIVEN: Lots of 10 @ t1 and 5 @ t2
	// WHEN: Spending exactly 10
	// THEN: Only the first lot is consumed; no remainder lot is written

	l := newTestLedger(t)
	l.addUser(t, "u1")
	l.addPayer(t, "p1", "P1", 100)
	first := l.grant(t, "u1", "p1", 10, t1)
	second := l.grant(t, "u1", "p1", 5, t2)

	result, err := l.engine.Spend(context.Background(), "u1", 10)
	require.NoError(t, err)

	require.Len(t, result.Deductions, 1)
	assert.Equal(t, first.ID, result.Deductions[0].LotID)

	active, err := l.balances.Lots(context.Background(), "u1", true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second, active[0], "second lot is untouched")

	all, err := l.balances.Lots(context.Background(), "u1", false)
	require.NoError(t, err)
	for _, lot := range all {
		assert.NotEqual(t, ledger.LotCarryForward, lot.Kind)
	}
	l.requireConsistent(t)
}

func TestSpend_OldestFirstRegardlessOfInsertOrder(t *testing.T) {
	// GIVEN: A lot at t2 inserted before a lot at t1
	// WHEN: Spending
	// THEN: The t1 lot is consumed first

	l := newTestLedger(t)
	l.addUser(t, "u1")
	l.addPayer(t, "p1", "P1", 100)
	l.addPayer(t, "p2", "P2", 100)
	late := l.grant(t, "u1", "p1", 10, t2)
	early := l.grant(t, "u1", "p2", 5, t1)

	result, err := l.engine.Spend(context.Background(), "u1", 8)
	require.NoError(t, err)

	require.Len(t, result.Deductions, 2)
	assert.Equal(t, early.ID, result.Deductions[0].LotID)
	assert.Equal(t, int64(5), result.Deductions[0].Points)
	assert.Equal(t, late.ID, result.Deductions[1].LotID)
	assert.Equal(t, int64(3), result.Deductions[1].Points)

	// Each payer gets back exactly what was taken from its lot
	assert.Equal(t, int64(100), l.payerBalance(t, "p2"))
	assert.Equal(t, int64(93), l.payerBalance(t, "p1"))
	assert.Equal(t, map[string]int64{"P1": 3, "P2": 5}, result.ByPayer())
	l.requireConsistent(t)
}

func TestSpend_EqualTimestampsUseLotOrder(t *testing.T) {
	l := newTestLedger(t)
	l.addUser(t, "u1")
	l.addPayer(t, "p1", "P1", 100)
	l.addPayer(t, "p2", "P2", 100)
	a := l.grant(t, "u1", "p1", 4, t1)
	b := l.grant(t, "u1", "p2", 4, t1)

	result, err := l.engine.Spend(context.Background(), "u1", 6)
	require.NoError(t, err)

	require.Len(t, result.Deductions, 2)
	assert.Equal(t, a.ID, result.Deductions[0].LotID)
	assert.Equal(t, b.ID, result.Deductions[1].LotID)
}

func TestSpend_DeductionsFromSamePayerNotMerged(t *testing.T) {
	l := newTestLedger(t)
	l.addUser(t, "u1")
	l.addPayer(t, "p1", "P1", 100)
	l.grant(t, "u1", "p1", 3, t1)
	l.grant(t, "u1", "p1", 3, t2)
	l.grant(t, "u1", "p1", 3, t3)

	result, err := l.engine.Spend(context.Background(), "u1", 9)
	require.NoError(t, err)

	assert.Len(t, result.Deductions, 3)
	assert.Equal(t, map[string]int64{"P1": 9}, result.ByPayer())
	assert.Equal(t, int64(0), result.Balance)
}

func TestSpend_SplitRemainderIsSpentNext(t *testing.T) {
	// GIVEN: A split remainder of 6 @ t1 and a lot of 5 @ t2
	// WHEN: Spending 7
	// THEN: The remainder goes first, since it kept t1

	l := newTestLedger(t)
	l.addUser(t, "u1")
	l.addPayer(t, "p1", "P1", 100)
	l.addPayer(t, "p2", "P2", 100)
	l.grant(t, "u1", "p1", 10, t1)
	l.grant(t, "u1", "p2", 5, t2)

	_, err := l.engine.Spend(context.Background(), "u1", 4)
	require.NoError(t, err)

	result, err := l.engine.Spend(context.Background(), "u1", 7)
	require.NoError(t, err)

	require.Len(t, result.Deductions, 2)
	assert.Equal(t, ledger.PayerID("p1"), result.Deductions[0].PayerID)
	assert.Equal(t, int64(6), result.Deductions[0].Points)
	assert.Equal(t, ledger.PayerID("p2"), result.Deductions[1].PayerID)
	assert.Equal(t, int64(1), result.Deductions[1].Points)
	assert.Equal(t, int64(4), l.userBalance(t, "u1"))
	l.requireConsistent(t)
}

func TestSpend_NotEnoughPointsLeavesLedgerUntouched(t *testing.T) {
	l := newTestLedger(t)
	l.addUser(t, "u1")
	l.addPayer(t, "p1", "P1", 100)
	l.grant(t, "u1", "p1", 10, t1)
	before := l.snapshot(t)

	_, err := l.engine.Spend(context.Background(), "u1", 11)

	require.ErrorIs(t, err, ledger.ErrInsufficientUserBalance)
	assert.Equal(t, ledger.CodeNotEnoughUserPoints, ledger.CodeFor(ledger.OpSpend, err))
	assert.True(t, ledger.IsClientError(err))
	assert.Equal(t, before, l.snapshot(t))
}

func TestSpend_Validation(t *testing.T) {
	l := newTestLedger(t)
	l.addUser(t, "u1")

	for _, amount := range []int64{0, -1} {
		_, err := l.engine.Spend(context.Background(), "u1", amount)
		require.ErrorIs(t, err, ledger.ErrInvalidAmount)
		assert.Equal(t, ledger.CodeValidation, ledger.CodeFor(ledger.OpSpend, err))
	}
}

func TestSpend_UnknownUser(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.engine.Spend(context.Background(), "ghost", 5)

	var nf *ledger.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, ledger.EntityUser, nf.Entity)
}

func TestSpend_InconsistentLedgerRollsBack(t *testing.T) {
	// GIVEN: A user whose balance claims more than its lots hold
	// WHEN: Spending past the lots
	// THEN: ErrLedgerInconsistent and the first lot's redemption is undone

	l := newTestLedger(t)
	l.addUser(t, "u1")
	l.addPayer(t, "p1", "P1", 100)
	l.grant(t, "u1", "p1", 10, t1)
	require.NoError(t, l.store.SaveUserBalance(context.Background(), "u1", 20))
	before := l.snapshot(t)

	_, err := l.engine.Spend(context.Background(), "u1", 15)

	require.ErrorIs(t, err, ledger.ErrLedgerInconsistent)
	assert.Equal(t, ledger.CodeInternal, ledger.CodeFor(ledger.OpSpend, err))
	assert.Equal(t, before, l.snapshot(t))
}

func TestSpend_ConcurrentSpendsNeverOverdraw(t *testing.T) {
	// GIVEN: 100 points spread across 10 lots
	// WHEN: 20 goroutines each spend 7
	// THEN: Exactly 14 succeed and the ledger stays consistent

	l := newTestLedger(t)
	l.addUser(t, "u1")
	l.addPayer(t, "p1", "P1", 1000)
	for i := 0; i < 10; i++ {
		l.grant(t, "u1", "p1", 10, t1.Add(time.Duration(i)*time.Hour))
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.engine.Spend(context.Background(), "u1", 7)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			if assert.ErrorIs(t, err, ledger.ErrInsufficientUserBalance) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 14, succeeded)
	assert.Equal(t, 6, rejected)
	assert.Equal(t, int64(2), l.userBalance(t, "u1"))
	assert.Equal(t, int64(998), l.payerBalance(t, "p1"))
	l.requireConsistent(t)
}

// =============================================================================
// BALANCE AND AUDIT TESTS
// =============================================================================

func TestPayerBalances_ByName(t *testing.T) {
	l := newTestLedger(t)
	l.addUser(t, "u1")
	l.addPayer(t, "dannon", "DANNON", 1000)
	l.addPayer(t, "unilever", "UNILEVER", 500)
	l.grant(t, "u1", "dannon", 300, t1)

	balances, err := l.balances.PayerBalances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"DANNON": 700, "UNILEVER": 500}, balances)
}

func TestLots_UnknownUser(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.balances.Lots(context.Background(), "ghost", false)
	assert.True(t, ledger.IsNotFound(err))
}

func TestAudit_DetectsBalanceDrift(t *testing.T) {
	l := newTestLedger(t)
	l.addUser(t, "u1")
	l.addPayer(t, "p1", "P1", 100)
	l.grant(t, "u1", "p1", 10, t1)
	require.NoError(t, l.store.SaveUserBalance(context.Background(), "u1", 12))

	err := ledger.Audit(context.Background(), l.store, l.store)

	var iv *ledger.InvariantViolationError
	require.ErrorAs(t, err, &iv)
	require.Len(t, iv.Violations, 1)
	assert.Contains(t, iv.Violations[0], "balance 12 != lot sum 10")
	assert.ErrorIs(t, err, ledger.ErrLedgerInconsistent)
}

func TestAudit_HoldsAfterMixedHistory(t *testing.T) {
	l := newTestLedger(t)
	l.addUser(t, "u1")
	l.addUser(t, "u2")
	l.addPayer(t, "p1", "P1", 500)
	l.addPayer(t, "p2", "P2", 500)
	l.grant(t, "u1", "p1", 50, t1)
	l.grant(t, "u1", "p2", 70, t2)
	l.grant(t, "u2", "p1", 20, t1)
	_, err := l.accounts.Transfer(context.Background(), ledger.TransferRequest{
		UserID: "u1", PayerID: "p2", Points: -20, Timestamp: t3,
	})
	require.NoError(t, err)
	_, err = l.engine.Spend(context.Background(), "u1", 55)
	require.NoError(t, err)
	_, err = l.engine.Spend(context.Background(), "u2", 20)
	require.NoError(t, err)

	l.requireConsistent(t)
	assert.Equal(t, int64(45), l.userBalance(t, "u1"))
	assert.Equal(t, int64(0), l.userBalance(t, "u2"))
}
