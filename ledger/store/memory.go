// Package store provides an in-memory ledger.TxStore.
package store

import (
	"context"
	"strconv"
	"sync"

	"github.com/warp/points-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	state memoryState
}

type memoryState struct {
	users      map[ledger.UserID]ledger.User
	payers     map[ledger.PayerID]ledger.Payer
	userOrder  []ledger.UserID
	payerOrder []ledger.PayerID
	lots       []ledger.Lot // lots[i].ID == i+1
}

func NewMemory() *Memory {
	return &Memory{state: memoryState{
		users:  make(map[ledger.UserID]ledger.User),
		payers: make(map[ledger.PayerID]ledger.Payer),
	}}
}

func (m *Memory) Close() error { return nil }

// --- reads ---

func (m *Memory) GetUser(_ context.Context, id ledger.UserID) (ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getUser(id)
}

func (m *Memory) GetPayer(_ context.Context, id ledger.PayerID) (ledger.Payer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getPayer(id)
}

func (m *Memory) ListPayers(_ context.Context) ([]ledger.Payer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listPayers(), nil
}

func (m *Memory) ListUsers(_ context.Context) ([]ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listUsers(), nil
}

func (m *Memory) ListActiveLots(_ context.Context, userID ledger.UserID) ([]ledger.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listLots(userID, true), nil
}

func (m *Memory) ListLots(_ context.Context, userID ledger.UserID) ([]ledger.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listLots(userID, false), nil
}

// --- writes ---

func (m *Memory) SaveUserBalance(_ context.Context, id ledger.UserID, balance int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.saveUserBalance(id, balance)
}

func (m *Memory) SavePayerBalance(_ context.Context, id ledger.PayerID, balance int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.savePayerBalance(id, balance)
}

func (m *Memory) AppendLot(_ context.Context, lot ledger.Lot) (ledger.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.appendLot(lot), nil
}

func (m *Memory) ExpireLot(_ context.Context, id ledger.LotID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.expireLot(id)
}

// --- provisioning ---

func (m *Memory) CreateUser(_ context.Context, u ledger.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.users[u.ID]; ok {
		return ledger.ErrDuplicateID
	}
	m.state.users[u.ID] = u
	m.state.userOrder = append(m.state.userOrder, u.ID)
	return nil
}

func (m *Memory) CreatePayer(_ context.Context, p ledger.Payer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.payers[p.ID]; ok {
		return ledger.ErrDuplicateID
	}
	m.state.payers[p.ID] = p
	m.state.payerOrder = append(m.state.payerOrder, p.ID)
	return nil
}

// Reset clears all data (for testing/demo).
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = NewMemory().state
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&memoryView{state: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// memoryView is the Store handed to WithTx callbacks. The caller already
// holds the write lock.
type memoryView struct {
	state *memoryState
}

func (v *memoryView) GetUser(_ context.Context, id ledger.UserID) (ledger.User, error) {
	return v.state.getUser(id)
}

func (v *memoryView) GetPayer(_ context.Context, id ledger.PayerID) (ledger.Payer, error) {
	return v.state.getPayer(id)
}

func (v *memoryView) ListPayers(_ context.Context) ([]ledger.Payer, error) {
	return v.state.listPayers(), nil
}

func (v *memoryView) ListUsers(_ context.Context) ([]ledger.User, error) {
	return v.state.listUsers(), nil
}

func (v *memoryView) ListActiveLots(_ context.Context, userID ledger.UserID) ([]ledger.Lot, error) {
	return v.state.listLots(userID, true), nil
}

func (v *memoryView) ListLots(_ context.Context, userID ledger.UserID) ([]ledger.Lot, error) {
	return v.state.listLots(userID, false), nil
}

func (v *memoryView) SaveUserBalance(_ context.Context, id ledger.UserID, balance int64) error {
	return v.state.saveUserBalance(id, balance)
}

func (v *memoryView) SavePayerBalance(_ context.Context, id ledger.PayerID, balance int64) error {
	return v.state.savePayerBalance(id, balance)
}

func (v *memoryView) AppendLot(_ context.Context, lot ledger.Lot) (ledger.Lot, error) {
	return v.state.appendLot(lot), nil
}

func (v *memoryView) ExpireLot(_ context.Context, id ledger.LotID) error {
	return v.state.expireLot(id)
}

// =============================================================================
// STATE - unlocked helpers shared by Memory and memoryView
// =============================================================================

func (s *memoryState) getUser(id ledger.UserID) (ledger.User, error) {
	u, ok := s.users[id]
	if !ok {
		return ledger.User{}, &ledger.NotFoundError{Entity: ledger.EntityUser, ID: string(id)}
	}
	return u, nil
}

func (s *memoryState) getPayer(id ledger.PayerID) (ledger.Payer, error) {
	p, ok := s.payers[id]
	if !ok {
		return ledger.Payer{}, &ledger.NotFoundError{Entity: ledger.EntityPayer, ID: string(id)}
	}
	return p, nil
}

func (s *memoryState) listPayers() []ledger.Payer {
	out := make([]ledger.Payer, 0, len(s.payerOrder))
	for _, id := range s.payerOrder {
		out = append(out, s.payers[id])
	}
	return out
}

func (s *memoryState) listUsers() []ledger.User {
	out := make([]ledger.User, 0, len(s.userOrder))
	for _, id := range s.userOrder {
		out = append(out, s.users[id])
	}
	return out
}

func (s *memoryState) listLots(userID ledger.UserID, activeOnly bool) []ledger.Lot {
	var out []ledger.Lot
	for _, l := range s.lots {
		if l.UserID != userID || (activeOnly && !l.IsActive()) {
			continue
		}
		out = append(out, l)
	}
	ledger.SortLots(out)
	return out
}

func (s *memoryState) saveUserBalance(id ledger.UserID, balance int64) error {
	u, err := s.getUser(id)
	if err != nil {
		return err
	}
	u.Balance = balance
	s.users[id] = u
	return nil
}

func (s *memoryState) savePayerBalance(id ledger.PayerID, balance int64) error {
	p, err := s.getPayer(id)
	if err != nil {
		return err
	}
	p.Balance = balance
	s.payers[id] = p
	return nil
}

func (s *memoryState) appendLot(lot ledger.Lot) ledger.Lot {
	lot.ID = ledger.LotID(len(s.lots) + 1)
	s.lots = append(s.lots, lot)
	return lot
}

func (s *memoryState) expireLot(id ledger.LotID) error {
	i := int(id) - 1
	if i < 0 || i >= len(s.lots) {
		return &ledger.NotFoundError{Entity: ledger.EntityLot, ID: lotKey(id)}
	}
	s.lots[i].Expired = true
	return nil
}

func (s *memoryState) clone() memoryState {
	c := memoryState{
		users:      make(map[ledger.UserID]ledger.User, len(s.users)),
		payers:     make(map[ledger.PayerID]ledger.Payer, len(s.payers)),
		userOrder:  append([]ledger.UserID(nil), s.userOrder...),
		payerOrder: append([]ledger.PayerID(nil), s.payerOrder...),
		lots:       append([]ledger.Lot(nil), s.lots...),
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.payers {
		c.payers[k] = v
	}
	return c
}

func lotKey(id ledger.LotID) string {
	return strconv.FormatInt(int64(id), 10)
}
