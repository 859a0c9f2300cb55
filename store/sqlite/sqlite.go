/*
Package sqlite provides a SQLite-backed implementation of the ledger store.

INTERFACES IMPLEMENTED:
  ledger.Store, ledger.TxStore: balances and lots
  ledger.Provisioner:           account creation, reset

KEY TABLES:
  users:  id, name, balance
  payers: id, name, balance
  lots:   append-only; only the expired flag is ever updated

INDEXES:
  - idx_lots_user_active: active lot scan in (timestamp, id) order (hot path)
  - idx_lots_user:        lot history per user

TIMESTAMPS:
  Stored as fixed-width UTC text (nanosecond precision) so that ORDER BY on
  the column is chronological.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection. WithTx holds
  the write lock for the whole callback, so transfers and spends never
  interleave. Reads take the read lock and run as one statement.

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)

MIGRATION:
  Schema is created on New(). No data is ever seeded here.
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/points-ledger/ledger"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sqlx.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: keeps ":memory:" a single database and matches
	// SQLite's single-writer model.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		created_at TEXT NOT NULL
	);

	-- Lots (append-only; expired is the only mutable column)
	CREATE TABLE IF NOT EXISTS lots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL REFERENCES users(id),
		payer_id TEXT NOT NULL REFERENCES payers(id),
		points INTEGER NOT NULL,
		timestamp TEXT NOT NULL,
		expired BOOLEAN NOT NULL DEFAULT FALSE,
		kind TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_lots_user
		ON lots(user_id, timestamp, id);

	CREATE INDEX IF NOT EXISTS idx_lots_user_active
		ON lots(user_id, timestamp, id) WHERE points > 0 AND expired = FALSE;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ROWS
// =============================================================================

type accountRow struct {
	ID      string `db:"id"`
	Name    string `db:"name"`
	Balance int64  `db:"balance"`
}

type lotRow struct {
	ID        int64  `db:"id"`
	UserID    string `db:"user_id"`
	PayerID   string `db:"payer_id"`
	Points    int64  `db:"points"`
	Timestamp string `db:"timestamp"`
	Expired   bool   `db:"expired"`
	Kind      string `db:"kind"`
}

func (r lotRow) toLot() (ledger.Lot, error) {
	ts, err := time.Parse(timeLayout, r.Timestamp)
	if err != nil {
		return ledger.Lot{}, fmt.Errorf("lot %d: bad timestamp %q: %w", r.ID, r.Timestamp, err)
	}
	return ledger.Lot{
		ID:        ledger.LotID(r.ID),
		UserID:    ledger.UserID(r.UserID),
		PayerID:   ledger.PayerID(r.PayerID),
		Points:    r.Points,
		Timestamp: ts,
		Expired:   r.Expired,
		Kind:      ledger.LotKind(r.Kind),
	}, nil
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

func (s *Store) GetUser(ctx context.Context, id ledger.UserID) (ledger.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getUser(ctx, s.db, id)
}

func (s *Store) GetPayer(ctx context.Context, id ledger.PayerID) (ledger.Payer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPayer(ctx, s.db, id)
}

func (s *Store) ListPayers(ctx context.Context) ([]ledger.Payer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPayers(ctx, s.db)
}

func (s *Store) ListActiveLots(ctx context.Context, userID ledger.UserID) ([]ledger.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listLots(ctx, s.db, userID, true)
}

func (s *Store) ListLots(ctx context.Context, userID ledger.UserID) ([]ledger.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listLots(ctx, s.db, userID, false)
}

func (s *Store) SaveUserBalance(ctx context.Context, id ledger.UserID, balance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveBalance(ctx, s.db, "users", ledger.EntityUser, string(id), balance)
}

func (s *Store) SavePayerBalance(ctx context.Context, id ledger.PayerID, balance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveBalance(ctx, s.db, "payers", ledger.EntityPayer, string(id), balance)
}

func (s *Store) AppendLot(ctx context.Context, lot ledger.Lot) (ledger.Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendLot(ctx, s.db, lot)
}

func (s *Store) ExpireLot(ctx context.Context, id ledger.LotID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return expireLot(ctx, s.db, id)
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", translate(err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", translate(err))
	}
	return nil
}

// txStore runs every call on the open transaction, so reads see the
// transaction's own writes.
type txStore struct {
	tx *sqlx.Tx
}

func (ts *txStore) GetUser(ctx context.Context, id ledger.UserID) (ledger.User, error) {
	return getUser(ctx, ts.tx, id)
}

func (ts *txStore) GetPayer(ctx context.Context, id ledger.PayerID) (ledger.Payer, error) {
	return getPayer(ctx, ts.tx, id)
}

func (ts *txStore) ListPayers(ctx context.Context) ([]ledger.Payer, error) {
	return listPayers(ctx, ts.tx)
}

func (ts *txStore) ListUsers(ctx context.Context) ([]ledger.User, error) {
	return listUsers(ctx, ts.tx)
}

func (ts *txStore) ListActiveLots(ctx context.Context, userID ledger.UserID) ([]ledger.Lot, error) {
	return listLots(ctx, ts.tx, userID, true)
}

func (ts *txStore) ListLots(ctx context.Context, userID ledger.UserID) ([]ledger.Lot, error) {
	return listLots(ctx, ts.tx, userID, false)
}

func (ts *txStore) SaveUserBalance(ctx context.Context, id ledger.UserID, balance int64) error {
	return saveBalance(ctx, ts.tx, "users", ledger.EntityUser, string(id), balance)
}

func (ts *txStore) SavePayerBalance(ctx context.Context, id ledger.PayerID, balance int64) error {
	return saveBalance(ctx, ts.tx, "payers", ledger.EntityPayer, string(id), balance)
}

func (ts *txStore) AppendLot(ctx context.Context, lot ledger.Lot) (ledger.Lot, error) {
	return appendLot(ctx, ts.tx, lot)
}

func (ts *txStore) ExpireLot(ctx context.Context, id ledger.LotID) error {
	return expireLot(ctx, ts.tx, id)
}

// =============================================================================
// PROVISIONING (ledger.Provisioner interface)
// =============================================================================

func (s *Store) CreateUser(ctx context.Context, u ledger.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createAccount(ctx, s.db, "users", string(u.ID), u.Name, u.Balance)
}

func (s *Store) CreatePayer(ctx context.Context, p ledger.Payer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createAccount(ctx, s.db, "payers", string(p.ID), p.Name, p.Balance)
}

func (s *Store) ListUsers(ctx context.Context) ([]ledger.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listUsers(ctx, s.db)
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stmts := []string{
		"DELETE FROM lots",
		"DELETE FROM users",
		"DELETE FROM payers",
		"DELETE FROM sqlite_sequence WHERE name = 'lots'",
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return translate(err)
		}
	}
	return nil
}

// =============================================================================
// QUERIES - shared by Store and txStore
// =============================================================================

func getUser(ctx context.Context, q sqlx.QueryerContext, id ledger.UserID) (ledger.User, error) {
	var row accountRow
	err := sqlx.GetContext(ctx, q, &row, "SELECT id, name, balance FROM users WHERE id = ?", string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.User{}, &ledger.NotFoundError{Entity: ledger.EntityUser, ID: string(id)}
	}
	if err != nil {
		return ledger.User{}, fmt.Errorf("failed to get user: %w", translate(err))
	}
	return ledger.User{ID: ledger.UserID(row.ID), Name: row.Name, Balance: row.Balance}, nil
}

func getPayer(ctx context.Context, q sqlx.QueryerContext, id ledger.PayerID) (ledger.Payer, error) {
	var row accountRow
	err := sqlx.GetContext(ctx, q, &row, "SELECT id, name, balance FROM payers WHERE id = ?", string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Payer{}, &ledger.NotFoundError{Entity: ledger.EntityPayer, ID: string(id)}
	}
	if err != nil {
		return ledger.Payer{}, fmt.Errorf("failed to get payer: %w", translate(err))
	}
	return ledger.Payer{ID: ledger.PayerID(row.ID), Name: row.Name, Balance: row.Balance}, nil
}

func listPayers(ctx context.Context, q sqlx.QueryerContext) ([]ledger.Payer, error) {
	var rows []accountRow
	if err := sqlx.SelectContext(ctx, q, &rows,
		"SELECT id, name, balance FROM payers ORDER BY created_at, id"); err != nil {
		return nil, fmt.Errorf("failed to list payers: %w", translate(err))
	}
	payers := make([]ledger.Payer, len(rows))
	for i, r := range rows {
		payers[i] = ledger.Payer{ID: ledger.PayerID(r.ID), Name: r.Name, Balance: r.Balance}
	}
	return payers, nil
}

func listUsers(ctx context.Context, q sqlx.QueryerContext) ([]ledger.User, error) {
	var rows []accountRow
	if err := sqlx.SelectContext(ctx, q, &rows,
		"SELECT id, name, balance FROM users ORDER BY created_at, id"); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", translate(err))
	}
	users := make([]ledger.User, len(rows))
	for i, r := range rows {
		users[i] = ledger.User{ID: ledger.UserID(r.ID), Name: r.Name, Balance: r.Balance}
	}
	return users, nil
}

func listLots(ctx context.Context, q sqlx.QueryerContext, userID ledger.UserID, activeOnly bool) ([]ledger.Lot, error) {
	query := `
		SELECT id, user_id, payer_id, points, timestamp, expired, kind
		FROM lots
		WHERE user_id = ?`
	if activeOnly {
		query += ` AND points > 0 AND expired = FALSE`
	}
	query += ` ORDER BY timestamp ASC, id ASC`

	var rows []lotRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, string(userID)); err != nil {
		return nil, fmt.Errorf("failed to query lots: %w", translate(err))
	}

	lots := make([]ledger.Lot, 0, len(rows))
	for _, r := range rows {
		lot, err := r.toLot()
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, nil
}

func saveBalance(ctx context.Context, e sqlx.ExecerContext, table string, entity ledger.Entity, id string, balance int64) error {
	res, err := e.ExecContext(ctx, "UPDATE "+table+" SET balance = ? WHERE id = ?", balance, id)
	if err != nil {
		return fmt.Errorf("failed to save %s balance: %w", entity, translate(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ledger.NotFoundError{Entity: entity, ID: id}
	}
	return nil
}

func appendLot(ctx context.Context, e sqlx.ExecerContext, lot ledger.Lot) (ledger.Lot, error) {
	query := `
		INSERT INTO lots (user_id, payer_id, points, timestamp, expired, kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	res, err := e.ExecContext(ctx, query,
		string(lot.UserID),
		string(lot.PayerID),
		lot.Points,
		lot.Timestamp.UTC().Format(timeLayout),
		lot.Expired,
		string(lot.Kind),
		time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return ledger.Lot{}, fmt.Errorf("failed to append lot: %w", translate(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ledger.Lot{}, fmt.Errorf("failed to read lot id: %w", err)
	}
	lot.ID = ledger.LotID(id)
	lot.Timestamp = lot.Timestamp.UTC()
	return lot, nil
}

func expireLot(ctx context.Context, e sqlx.ExecerContext, id ledger.LotID) error {
	res, err := e.ExecContext(ctx, "UPDATE lots SET expired = TRUE WHERE id = ?", int64(id))
	if err != nil {
		return fmt.Errorf("failed to expire lot: %w", translate(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ledger.NotFoundError{Entity: ledger.EntityLot, ID: strconv.FormatInt(int64(id), 10)}
	}
	return nil
}

func createAccount(ctx context.Context, e sqlx.ExecerContext, table, id, name string, balance int64) error {
	_, err := e.ExecContext(ctx,
		"INSERT INTO "+table+" (id, name, balance, created_at) VALUES (?, ?, ?, ?)",
		id, name, balance, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", table, translate(err))
	}
	return nil
}

// translate maps driver errors onto ledger sentinels so callers can classify
// them without importing the driver.
func translate(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique:
			return fmt.Errorf("%w: %v", ledger.ErrDuplicateID, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}
	return err
}
