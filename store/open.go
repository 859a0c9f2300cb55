// Package store selects and opens a ledger backend by driver name.
package store

import (
	"fmt"

	"github.com/warp/points-ledger/config"
	"github.com/warp/points-ledger/ledger"
	memstore "github.com/warp/points-ledger/ledger/store"
	"github.com/warp/points-ledger/store/bolt"
	"github.com/warp/points-ledger/store/retry"
	"github.com/warp/points-ledger/store/sqlite"
)

// Open returns the backend named by driver, wrapped with retries.
// Stores create their schema on open; they never insert data.
func Open(driver, path string, policy retry.Policy) (ledger.Backend, error) {
	var (
		backend ledger.Backend
		err     error
	)
	switch driver {
	case config.DriverSQLite, "":
		backend, err = sqlite.New(path)
	case config.DriverBolt:
		backend, err = bolt.New(path)
	case config.DriverMemory:
		backend = memstore.NewMemory()
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store at %s: %w", driver, path, err)
	}
	return retry.New(backend, policy), nil
}
