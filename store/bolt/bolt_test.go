package bolt_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	boltdb "github.com/boltdb/bolt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/ledger"
	"github.com/warp/points-ledger/ledger/storetest"
	"github.com/warp/points-ledger/store/bolt"
)

func newTestStore(t *testing.T) *bolt.Store {
	t.Helper()
	s, err := bolt.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.Backend {
		return newTestStore(t)
	})
}

func TestBolt_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "points.db")
	ts := time.Date(2024, time.March, 5, 10, 30, 0, 0, time.UTC)

	s, err := bolt.New(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateUser(ctx, ledger.User{ID: "u1", Name: "Alice"}))
	require.NoError(t, s.CreatePayer(ctx, ledger.Payer{ID: "p1", Name: "P1", Balance: 50}))
	first, err := s.AppendLot(ctx, ledger.Lot{UserID: "u1", PayerID: "p1", Points: 20, Timestamp: ts, Kind: ledger.LotGrant})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := bolt.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	lots, err := reopened.ListLots(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, first, lots[0])

	// Lot ids keep increasing after reopen
	next, err := reopened.AppendLot(ctx, ledger.Lot{UserID: "u1", PayerID: "p1", Points: 1, Timestamp: ts, Kind: ledger.LotGrant})
	require.NoError(t, err)
	assert.Greater(t, next.ID, first.ID)
}

func TestBolt_SecondOpenTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locked.db")
	s, err := bolt.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = bolt.New(path)
	assert.ErrorIs(t, err, ledger.ErrStoreUnavailable)
}

func TestBolt_ActiveIndexDropsExpiredLots(t *testing.T) {
	// GIVEN: Three grants, two of them consumed by a spend
	// WHEN: Inspecting the file after close
	// THEN: active_lots holds only the open remainder; user_lots keeps the full history

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")
	ts := time.Date(2024, time.March, 5, 10, 30, 0, 0, time.UTC)

	s, err := bolt.New(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateUser(ctx, ledger.User{ID: "u1", Name: "Alice"}))
	require.NoError(t, s.CreatePayer(ctx, ledger.Payer{ID: "p1", Name: "P1", Balance: 100}))

	accounts := ledger.NewAccounts(s)
	for i, pts := range []int64{10, 5, 7} {
		_, err := accounts.Transfer(ctx, ledger.TransferRequest{
			UserID: "u1", PayerID: "p1", Points: pts, Timestamp: ts.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}
	_, err = ledger.NewEngine(s).Spend(ctx, "u1", 15)
	require.NoError(t, err)

	active, err := s.ListActiveLots(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, int64(7), active[0].Points)

	all, err := s.ListLots(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	db, err := boltdb.Open(path, 0o600, &boltdb.Options{Timeout: time.Second})
	require.NoError(t, err)
	defer db.Close()

	var activeKeys, historyKeys int
	require.NoError(t, db.View(func(tx *boltdb.Tx) error {
		activeKeys = tx.Bucket([]byte("active_lots")).Bucket([]byte("u1")).Stats().KeyN
		historyKeys = tx.Bucket([]byte("user_lots")).Bucket([]byte("u1")).Stats().KeyN
		return nil
	}))
	assert.Equal(t, 1, activeKeys)
	assert.Equal(t, len(all), historyKeys)
}
