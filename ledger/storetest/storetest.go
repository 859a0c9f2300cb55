// Package storetest is the behaviour every ledger.Backend must share. Each
// store package runs it from its own tests:
//
//	func TestContract(t *testing.T) {
//	    storetest.Run(t, func(t *testing.T) ledger.Backend { ... })
//	}
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/ledger"
)

var (
	t1  = time.Date(2024, time.January, 1, 9, 0, 0, 0, time.UTC)
	t2  = time.Date(2024, time.January, 2, 9, 0, 0, 0, time.UTC)
	now = time.Date(2024, time.February, 1, 12, 0, 0, 0, time.UTC)
)

var errAbort = errors.New("abort")

// Factory returns a fresh, empty backend. It should register its own cleanup.
type Factory func(t *testing.T) ledger.Backend

// Run executes the contract suite against backends produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b ledger.Backend)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"DuplicateID", testDuplicateID},
		{"NotFound", testNotFound},
		{"AppendAndListLots", testAppendAndListLots},
		{"ExpireLot", testExpireLot},
		{"WithTxCommits", testWithTxCommits},
		{"WithTxRollsBack", testWithTxRollsBack},
		{"Reset", testReset},
		{"SpendSplitsLot", testSpendSplitsLot},
		{"RejectedSpendWritesNothing", testRejectedSpendWritesNothing},
		{"ConcurrentSpends", testConcurrentSpends},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newBackend(t))
		})
	}
}

// =============================================================================
// PROVISIONING
// =============================================================================

func testCreateAndGet(t *testing.T, b ledger.Backend) {
	ctx := context.Background()
	require.NoError(t, b.CreateUser(ctx, ledger.User{ID: "u1", Name: "Alice"}))
	require.NoError(t, b.CreatePayer(ctx, ledger.Payer{ID: "p1", Name: "DANNON", Balance: 500}))
	require.NoError(t, b.CreatePayer(ctx, ledger.Payer{ID: "p2", Name: "UNILEVER", Balance: 200}))

	u, err := b.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, ledger.User{ID: "u1", Name: "Alice"}, u)

	p, err := b.GetPayer(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Payer{ID: "p1", Name: "DANNON", Balance: 500}, p)

	payers, err := b.ListPayers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []ledger.Payer{
		{ID: "p1", Name: "DANNON", Balance: 500},
		{ID: "p2", Name: "UNILEVER", Balance: 200},
	}, payers)

	users, err := b.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)

	require.NoError(t, b.SaveUserBalance(ctx, "u1", 42))
	u, err = b.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), u.Balance)
}

func testDuplicateID(t *testing.T, b ledger.Backend) {
	ctx := context.Background()
	require.NoError(t, b.CreateUser(ctx, ledger.User{ID: "u1", Name: "Alice"}))
	require.NoError(t, b.CreatePayer(ctx, ledger.Payer{ID: "p1", Name: "P1"}))

	assert.ErrorIs(t, b.CreateUser(ctx, ledger.User{ID: "u1", Name: "Bob"}), ledger.ErrDuplicateID)
	assert.ErrorIs(t, b.CreatePayer(ctx, ledger.Payer{ID: "p1", Name: "P1 again"}), ledger.ErrDuplicateID)
}

func testNotFound(t *testing.T, b ledger.Backend) {
	ctx := context.Background()
	var nf *ledger.NotFoundError

	_, err := b.GetUser(ctx, "ghost")
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, ledger.EntityUser, nf.Entity)

	_, err = b.GetPayer(ctx, "ghost")
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, ledger.EntityPayer, nf.Entity)

	err = b.SavePayerBalance(ctx, "ghost", 1)
	assert.True(t, ledger.IsNotFound(err))

	err = b.ExpireLot(ctx, 999)
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, ledger.EntityLot, nf.Entity)
}

// =============================================================================
// LOTS
// =============================================================================

func seedAccounts(t *testing.T, b ledger.Backend) {
	ctx := context.Background()
	require.NoError(t, b.CreateUser(ctx, ledger.User{ID: "u1", Name: "Alice"}))
	require.NoError(t, b.CreatePayer(ctx, ledger.Payer{ID: "p1", Name: "P1", Balance: 100}))
	require.NoError(t, b.CreatePayer(ctx, ledger.Payer{ID: "p2", Name: "P2", Balance: 100}))
}

func testAppendAndListLots(t *testing.T, b ledger.Backend) {
	ctx := context.Background()
	seedAccounts(t, b)

	late, err := b.AppendLot(ctx, ledger.Lot{UserID: "u1", PayerID: "p1", Points: 10, Timestamp: t2, Kind: ledger.LotGrant})
	require.NoError(t, err)
	early, err := b.AppendLot(ctx, ledger.Lot{UserID: "u1", PayerID: "p2", Points: 5, Timestamp: t1, Kind: ledger.LotGrant})
	require.NoError(t, err)
	tie, err := b.AppendLot(ctx, ledger.Lot{UserID: "u1", PayerID: "p2", Points: 3, Timestamp: t2, Kind: ledger.LotGrant})
	require.NoError(t, err)
	neg, err := b.AppendLot(ctx, ledger.Lot{UserID: "u1", PayerID: "p1", Points: -2, Timestamp: t1, Kind: ledger.LotAdjustment})
	require.NoError(t, err)

	assert.Greater(t, early.ID, late.ID, "ids increase in insert order")
	assert.Greater(t, tie.ID, early.ID)

	all, err := b.ListLots(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, []ledger.LotID{early.ID, neg.ID, late.ID, tie.ID}, lotIDs(all))
	assert.True(t, all[0].Timestamp.Equal(t1))
	assert.Equal(t, ledger.LotAdjustment, all[1].Kind)

	active, err := b.ListActiveLots(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []ledger.LotID{early.ID, late.ID, tie.ID}, lotIDs(active))

	none, err := b.ListLots(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testExpireLot(t *testing.T, b ledger.Backend) {
	ctx := context.Background()
	seedAccounts(t, b)

	lot, err := b.AppendLot(ctx, ledger.Lot{UserID: "u1", PayerID: "p1", Points: 10, Timestamp: t1, Kind: ledger.LotGrant})
	require.NoError(t, err)
	require.NoError(t, b.ExpireLot(ctx, lot.ID))

	active, err := b.ListActiveLots(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := b.ListLots(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Expired)
	assert.Equal(t, int64(10), all[0].Points, "expiring never edits points")
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func testWithTxCommits(t *testing.T, b ledger.Backend) {
	ctx := context.Background()
	seedAccounts(t, b)

	err := b.WithTx(ctx, func(s ledger.Store) error {
		if err := s.SaveUserBalance(ctx, "u1", 7); err != nil {
			return err
		}
		if _, err := s.AppendLot(ctx, ledger.Lot{UserID: "u1", PayerID: "p1", Points: 7, Timestamp: t1, Kind: ledger.LotGrant}); err != nil {
			return err
		}

		// Reads inside the transaction see its own writes
		u, err := s.GetUser(ctx, "u1")
		if err != nil {
			return err
		}
		assert.Equal(t, int64(7), u.Balance)
		lots, err := s.ListActiveLots(ctx, "u1")
		if err != nil {
			return err
		}
		assert.Len(t, lots, 1)
		return nil
	})
	require.NoError(t, err)

	u, err := b.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), u.Balance)
}

func testWithTxRollsBack(t *testing.T, b ledger.Backend) {
	ctx := context.Background()
	seedAccounts(t, b)
	kept, err := b.AppendLot(ctx, ledger.Lot{UserID: "u1", PayerID: "p1", Points: 10, Timestamp: t1, Kind: ledger.LotGrant})
	require.NoError(t, err)

	err = b.WithTx(ctx, func(s ledger.Store) error {
		if err := s.SaveUserBalance(ctx, "u1", 99); err != nil {
			return err
		}
		if err := s.SavePayerBalance(ctx, "p1", 1); err != nil {
			return err
		}
		if _, err := s.AppendLot(ctx, ledger.Lot{UserID: "u1", PayerID: "p1", Points: 5, Timestamp: t2, Kind: ledger.LotGrant}); err != nil {
			return err
		}
		if err := s.ExpireLot(ctx, kept.ID); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	u, err := b.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.Balance)

	p, err := b.GetPayer(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.Balance)

	lots, err := b.ListLots(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, kept.ID, lots[0].ID)
	assert.False(t, lots[0].Expired)
}

func testReset(t *testing.T, b ledger.Backend) {
	ctx := context.Background()
	seedAccounts(t, b)
	_, err := b.AppendLot(ctx, ledger.Lot{UserID: "u1", PayerID: "p1", Points: 10, Timestamp: t1, Kind: ledger.LotGrant})
	require.NoError(t, err)

	require.NoError(t, b.Reset(ctx))

	payers, err := b.ListPayers(ctx)
	require.NoError(t, err)
	assert.Empty(t, payers)
	users, err := b.ListUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)

	// The store stays usable after a reset
	seedAccounts(t, b)
	lots, err := b.ListLots(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, lots)
}

// =============================================================================
// LEDGER OVER THE STORE
// =============================================================================

func testSpendSplitsLot(t *testing.T, b ledger.Backend) {
	ctx := context.Background()
	seedAccounts(t, b)

	accounts := ledger.NewAccounts(b)
	engine := ledger.NewEngine(b)
	engine.Now = func() time.Time { return now }

	for _, req := range []ledger.TransferRequest{
		{UserID: "u1", PayerID: "p1", Points: 10, Timestamp: t1},
		{UserID: "u1", PayerID: "p1", Points: 5, Timestamp: t2},
	} {
		_, err := accounts.Transfer(ctx, req)
		require.NoError(t, err)
	}

	result, err := engine.Spend(ctx, "u1", 12)
	require.NoError(t, err)
	require.Len(t, result.Deductions, 2)
	assert.Equal(t, int64(10), result.Deductions[0].Points)
	assert.Equal(t, int64(2), result.Deductions[1].Points)

	u, err := b.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), u.Balance)

	p, err := b.GetPayer(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(97), p.Balance)

	active, err := b.ListActiveLots(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, int64(3), active[0].Points)
	assert.True(t, active[0].Timestamp.Equal(t2))

	requireAudit(t, b)
}

func testRejectedSpendWritesNothing(t *testing.T, b ledger.Backend) {
	ctx := context.Background()
	seedAccounts(t, b)

	_, err := ledger.NewAccounts(b).Transfer(ctx, ledger.TransferRequest{
		UserID: "u1", PayerID: "p1", Points: 10, Timestamp: t1,
	})
	require.NoError(t, err)
	before, err := b.ListLots(ctx, "u1")
	require.NoError(t, err)

	_, err = ledger.NewEngine(b).Spend(ctx, "u1", 11)
	require.ErrorIs(t, err, ledger.ErrInsufficientUserBalance)

	after, err := b.ListLots(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func testConcurrentSpends(t *testing.T, b ledger.Backend) {
	ctx := context.Background()
	seedAccounts(t, b)

	accounts := ledger.NewAccounts(b)
	for i := 0; i < 5; i++ {
		_, err := accounts.Transfer(ctx, ledger.TransferRequest{
			UserID: "u1", PayerID: "p1", Points: 10, Timestamp: t1.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	engine := ledger.NewEngine(b)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := engine.Spend(ctx, "u1", 6); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, ok)
	u, err := b.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), u.Balance)
	requireAudit(t, b)
}

// =============================================================================
// HELPERS
// =============================================================================

func requireAudit(t *testing.T, b ledger.Backend) {
	ctx := context.Background()
	err := b.WithTx(ctx, func(s ledger.Store) error {
		users, ok := s.(ledger.UserLister)
		if !ok {
			users = b
		}
		return ledger.Audit(ctx, s, users)
	})
	require.NoError(t, err)
}

func lotIDs(lots []ledger.Lot) []ledger.LotID {
	ids := make([]ledger.LotID, len(lots))
	for i, l := range lots {
		ids[i] = l.ID
	}
	return ids
}
