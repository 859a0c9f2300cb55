package store_test

import (
	"testing"

	"github.com/warp/points-ledger/ledger"
	"github.com/warp/points-ledger/ledger/storetest"
	"github.com/warp/points-ledger/ledger/store"
)

func TestMemoryContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.Backend {
		m := store.NewMemory()
		t.Cleanup(func() { m.Close() })
		return m
	})
}
