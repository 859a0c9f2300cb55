/*
store.go - Persistence contract for users, payers and lots

PURPOSE:
  Defines the interface between the ledger and its storage. The ledger never
  sees SQL, buckets or maps; it only sees these methods.

KEY INTERFACES:
  Store:       Reads and the four mutations the ledger performs
  TxStore:     Store plus WithTx for atomic multi-step writes
  Provisioner: Account creation and reset, used by seeding only

APPEND-ONLY LOTS:
  Lots are appended, never rewritten. The one exception is ExpireLot, which
  flips Expired from false to true when a lot has been consumed or split.

ATOMICITY:
  Every Transfer and every Spend runs inside exactly one WithTx call. If the
  callback returns an error, nothing it wrote is visible afterwards. Stores
  serialize WithTx callers, so two writes can never interleave their
  read-modify-write balance updates.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, for tests and the memory driver
  - store/sqlite:           SQLite via go-sqlite3 and sqlx
  - store/bolt:             Single-file boltdb
  - store/retry:            Retries transient faults of any TxStore
*/
package ledger

import "context"

// =============================================================================
// STORE
// =============================================================================

// Store is the ledger's view of persistence.
// Get methods return *NotFoundError when the id does not resolve.
type Store interface {
	GetUser(ctx context.Context, id UserID) (User, error)
	GetPayer(ctx context.Context, id PayerID) (Payer, error)
	ListPayers(ctx context.Context) ([]Payer, error)

	// ListActiveLots returns lots with Points > 0 and !Expired for the user,
	// ordered by (Timestamp, ID).
	ListActiveLots(ctx context.Context, userID UserID) ([]Lot, error)

	// ListLots returns every lot of the user, ordered by (Timestamp, ID).
	ListLots(ctx context.Context, userID UserID) ([]Lot, error)

	SaveUserBalance(ctx context.Context, id UserID, balance int64) error
	SavePayerBalance(ctx context.Context, id PayerID, balance int64) error

	// AppendLot assigns the next lot id and persists the lot.
	AppendLot(ctx context.Context, lot Lot) (Lot, error)

	// ExpireLot marks a lot as consumed.
	ExpireLot(ctx context.Context, id LotID) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// PROVISIONER - Outside the core, used by seeding and admin endpoints
// =============================================================================

// Provisioner creates accounts. Users and payers are created once and never
// deleted in normal operation; Reset exists for demo scenarios only.
type Provisioner interface {
	CreateUser(ctx context.Context, u User) error
	CreatePayer(ctx context.Context, p Payer) error
	ListUsers(ctx context.Context) ([]User, error)
	Reset(ctx context.Context) error
}

// Backend is what a concrete store driver provides.
type Backend interface {
	TxStore
	Provisioner
	Close() error
}
