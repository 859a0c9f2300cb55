// Package bolt provides a BoltDB-backed ledger store.
//
// BoltDB is an embedded key/value store. All data lives in a single file and
// bolt allows exactly one read-write transaction at a time, which is the
// single-writer model the ledger needs: WithTx maps directly onto db.Update
// and reads map onto db.View.
//
// Layout
// ------
//   users/<id>            JSON user
//   payers/<id>           JSON payer
//   lots/<id:uint64 BE>   JSON lot, id from the bucket sequence
//   user_lots/<user>/<id> empty; per-user index into lots
//   active_lots/<user>/<id> empty; the subset of user_lots still spendable
//
// A spend reads only active_lots, so its cost follows the number of open
// lots rather than the user's whole history.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/warp/points-ledger/ledger"
)

var (
	bucketUsers      = []byte("users")
	bucketPayers     = []byte("payers")
	bucketLots       = []byte("lots")
	bucketUserLots   = []byte("user_lots")
	bucketActiveLots = []byte("active_lots")

	allBuckets = [][]byte{bucketUsers, bucketPayers, bucketLots, bucketUserLots, bucketActiveLots}
)

// Store wraps a BoltDB database.
type Store struct {
	db *bolt.DB
}

// New opens (or creates) a BoltDB database at the given path and ensures the
// buckets exist.
func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", translate(err))
	}

	err = db.Update(func(tx *bolt.Tx) error {
		return createBuckets(tx)
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the database file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

func createBuckets(tx *bolt.Tx) error {
	for _, name := range allBuckets {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// RECORDS
// =============================================================================

type accountRecord struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Balance int64  `json:"balance"`
}

type lotRecord struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	PayerID   string    `json:"payer_id"`
	Points    int64     `json:"points"`
	Timestamp time.Time `json:"timestamp"`
	Expired   bool      `json:"expired"`
	Kind      string    `json:"kind"`
}

func (r lotRecord) toLot() ledger.Lot {
	return ledger.Lot{
		ID:        ledger.LotID(r.ID),
		UserID:    ledger.UserID(r.UserID),
		PayerID:   ledger.PayerID(r.PayerID),
		Points:    r.Points,
		Timestamp: r.Timestamp.UTC(),
		Expired:   r.Expired,
		Kind:      ledger.LotKind(r.Kind),
	}
}

func lotKey(id ledger.LotID) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func (s *Store) view(fn func(v *view) error) error {
	return translate(s.db.View(func(tx *bolt.Tx) error { return fn(&view{tx: tx}) }))
}

func (s *Store) update(fn func(v *view) error) error {
	return translate(s.db.Update(func(tx *bolt.Tx) error { return fn(&view{tx: tx}) }))
}

func (s *Store) GetUser(ctx context.Context, id ledger.UserID) (u ledger.User, err error) {
	err = s.view(func(v *view) error {
		u, err = v.GetUser(ctx, id)
		return err
	})
	return u, err
}

func (s *Store) GetPayer(ctx context.Context, id ledger.PayerID) (p ledger.Payer, err error) {
	err = s.view(func(v *view) error {
		p, err = v.GetPayer(ctx, id)
		return err
	})
	return p, err
}

func (s *Store) ListPayers(ctx context.Context) (payers []ledger.Payer, err error) {
	err = s.view(func(v *view) error {
		payers, err = v.ListPayers(ctx)
		return err
	})
	return payers, err
}

func (s *Store) ListUsers(ctx context.Context) (users []ledger.User, err error) {
	err = s.view(func(v *view) error {
		users, err = v.ListUsers(ctx)
		return err
	})
	return users, err
}

func (s *Store) ListActiveLots(ctx context.Context, userID ledger.UserID) (lots []ledger.Lot, err error) {
	err = s.view(func(v *view) error {
		lots, err = v.ListActiveLots(ctx, userID)
		return err
	})
	return lots, err
}

func (s *Store) ListLots(ctx context.Context, userID ledger.UserID) (lots []ledger.Lot, err error) {
	err = s.view(func(v *view) error {
		lots, err = v.ListLots(ctx, userID)
		return err
	})
	return lots, err
}

func (s *Store) SaveUserBalance(ctx context.Context, id ledger.UserID, balance int64) error {
	return s.update(func(v *view) error { return v.SaveUserBalance(ctx, id, balance) })
}

func (s *Store) SavePayerBalance(ctx context.Context, id ledger.PayerID, balance int64) error {
	return s.update(func(v *view) error { return v.SavePayerBalance(ctx, id, balance) })
}

func (s *Store) AppendLot(ctx context.Context, lot ledger.Lot) (out ledger.Lot, err error) {
	err = s.update(func(v *view) error {
		out, err = v.AppendLot(ctx, lot)
		return err
	})
	return out, err
}

func (s *Store) ExpireLot(ctx context.Context, id ledger.LotID) error {
	return s.update(func(v *view) error { return v.ExpireLot(ctx, id) })
}

// WithTx runs fn inside a single bolt read-write transaction. Bolt rolls the
// transaction back when fn returns an error.
func (s *Store) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	return s.update(func(v *view) error { return fn(v) })
}

// =============================================================================
// PROVISIONING
// =============================================================================

func (s *Store) CreateUser(_ context.Context, u ledger.User) error {
	return s.update(func(v *view) error {
		return v.create(bucketUsers, accountRecord{ID: string(u.ID), Name: u.Name, Balance: u.Balance})
	})
}

func (s *Store) CreatePayer(_ context.Context, p ledger.Payer) error {
	return s.update(func(v *view) error {
		return v.create(bucketPayers, accountRecord{ID: string(p.ID), Name: p.Name, Balance: p.Balance})
	})
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(_ context.Context) error {
	return s.update(func(v *view) error {
		for _, name := range allBuckets {
			if err := v.tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
		}
		return createBuckets(v.tx)
	})
}

// =============================================================================
// VIEW - ledger.Store over one bolt transaction
// =============================================================================

type view struct {
	tx *bolt.Tx
}

func (v *view) GetUser(_ context.Context, id ledger.UserID) (ledger.User, error) {
	rec, err := v.account(bucketUsers, ledger.EntityUser, string(id))
	if err != nil {
		return ledger.User{}, err
	}
	return ledger.User{ID: ledger.UserID(rec.ID), Name: rec.Name, Balance: rec.Balance}, nil
}

func (v *view) GetPayer(_ context.Context, id ledger.PayerID) (ledger.Payer, error) {
	rec, err := v.account(bucketPayers, ledger.EntityPayer, string(id))
	if err != nil {
		return ledger.Payer{}, err
	}
	return ledger.Payer{ID: ledger.PayerID(rec.ID), Name: rec.Name, Balance: rec.Balance}, nil
}

func (v *view) ListPayers(_ context.Context) ([]ledger.Payer, error) {
	payers := []ledger.Payer{}
	err := v.tx.Bucket(bucketPayers).ForEach(func(_, data []byte) error {
		var rec accountRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		payers = append(payers, ledger.Payer{ID: ledger.PayerID(rec.ID), Name: rec.Name, Balance: rec.Balance})
		return nil
	})
	return payers, err
}

func (v *view) ListUsers(_ context.Context) ([]ledger.User, error) {
	users := []ledger.User{}
	err := v.tx.Bucket(bucketUsers).ForEach(func(_, data []byte) error {
		var rec accountRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		users = append(users, ledger.User{ID: ledger.UserID(rec.ID), Name: rec.Name, Balance: rec.Balance})
		return nil
	})
	return users, err
}

func (v *view) ListActiveLots(ctx context.Context, userID ledger.UserID) ([]ledger.Lot, error) {
	return v.lots(userID, true)
}

func (v *view) ListLots(ctx context.Context, userID ledger.UserID) ([]ledger.Lot, error) {
	return v.lots(userID, false)
}

func (v *view) SaveUserBalance(_ context.Context, id ledger.UserID, balance int64) error {
	return v.saveBalance(bucketUsers, ledger.EntityUser, string(id), balance)
}

func (v *view) SavePayerBalance(_ context.Context, id ledger.PayerID, balance int64) error {
	return v.saveBalance(bucketPayers, ledger.EntityPayer, string(id), balance)
}

func (v *view) AppendLot(_ context.Context, lot ledger.Lot) (ledger.Lot, error) {
	lots := v.tx.Bucket(bucketLots)
	seq, err := lots.NextSequence()
	if err != nil {
		return ledger.Lot{}, err
	}
	lot.ID = ledger.LotID(seq)
	lot.Timestamp = lot.Timestamp.UTC()

	if err := v.putLot(lot); err != nil {
		return ledger.Lot{}, err
	}

	if err := v.index(bucketUserLots, lot); err != nil {
		return ledger.Lot{}, err
	}
	if lot.IsActive() {
		if err := v.index(bucketActiveLots, lot); err != nil {
			return ledger.Lot{}, err
		}
	}
	return lot, nil
}

func (v *view) index(bucket []byte, lot ledger.Lot) error {
	idx, err := v.tx.Bucket(bucket).CreateBucketIfNotExists([]byte(lot.UserID))
	if err != nil {
		return err
	}
	return idx.Put(lotKey(lot.ID), nil)
}

func (v *view) ExpireLot(_ context.Context, id ledger.LotID) error {
	data := v.tx.Bucket(bucketLots).Get(lotKey(id))
	if data == nil {
		return &ledger.NotFoundError{Entity: ledger.EntityLot, ID: strconv.FormatInt(int64(id), 10)}
	}
	var rec lotRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	lot := rec.toLot()
	lot.Expired = true
	if err := v.putLot(lot); err != nil {
		return err
	}
	if idx := v.tx.Bucket(bucketActiveLots).Bucket([]byte(lot.UserID)); idx != nil {
		return idx.Delete(lotKey(lot.ID))
	}
	return nil
}

func (v *view) account(bucket []byte, entity ledger.Entity, id string) (accountRecord, error) {
	var rec accountRecord
	data := v.tx.Bucket(bucket).Get([]byte(id))
	if data == nil {
		return rec, &ledger.NotFoundError{Entity: entity, ID: id}
	}
	err := json.Unmarshal(data, &rec)
	return rec, err
}

func (v *view) saveBalance(bucket []byte, entity ledger.Entity, id string, balance int64) error {
	rec, err := v.account(bucket, entity, id)
	if err != nil {
		return err
	}
	rec.Balance = balance
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return v.tx.Bucket(bucket).Put([]byte(id), data)
}

func (v *view) create(bucket []byte, rec accountRecord) error {
	b := v.tx.Bucket(bucket)
	if b.Get([]byte(rec.ID)) != nil {
		return ledger.ErrDuplicateID
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(rec.ID), data)
}

func (v *view) putLot(lot ledger.Lot) error {
	data, err := json.Marshal(lotRecord{
		ID:        int64(lot.ID),
		UserID:    string(lot.UserID),
		PayerID:   string(lot.PayerID),
		Points:    lot.Points,
		Timestamp: lot.Timestamp,
		Expired:   lot.Expired,
		Kind:      string(lot.Kind),
	})
	if err != nil {
		return err
	}
	return v.tx.Bucket(bucketLots).Put(lotKey(lot.ID), data)
}

func (v *view) lots(userID ledger.UserID, activeOnly bool) ([]ledger.Lot, error) {
	var out []ledger.Lot
	bucket := bucketUserLots
	if activeOnly {
		bucket = bucketActiveLots
	}
	idx := v.tx.Bucket(bucket).Bucket([]byte(userID))
	if idx == nil {
		return out, nil
	}

	lots := v.tx.Bucket(bucketLots)
	err := idx.ForEach(func(k, _ []byte) error {
		var rec lotRecord
		if err := json.Unmarshal(lots.Get(k), &rec); err != nil {
			return err
		}
		if lot := rec.toLot(); !activeOnly || lot.IsActive() {
			out = append(out, lot)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	ledger.SortLots(out)
	return out, nil
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bolt.ErrDatabaseNotOpen), errors.Is(err, bolt.ErrTimeout):
		return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	default:
		return err
	}
}
