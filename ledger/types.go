/*
Package ledger provides the reward points ledger and spend-allocation engine.

PURPOSE:
  Payers grant point lots to users. Users later redeem points, and every
  redeemed point is taken from the lot that originally granted it, oldest lot
  first. The ledger answers two questions at all times and keeps them
  consistent with each other:
  - How many points can this user spend?  (User.Balance)
  - How many points does each payer still owe? (Payer.Balance)

KEY CONCEPTS IN THIS FILE (types.go):
  - User:  a points holder with a spendable balance
  - Payer: a points sponsor with a remaining allowance (its liability)
  - Lot:   an append-only entry recording a signed movement between the two
  - LotKind: why a lot was written (grant, redemption, split remainder...)

INVARIANTS:
  1. User.Balance == sum(Lot.Points) over every lot of that user
  2. User.Balance >= 0 and Payer.Balance >= 0
  3. Lots are never edited, except for the one-way Expired flag
  4. Active lots (Points > 0, !Expired) are consumed in (Timestamp, ID) order

USAGE:
  accounts := ledger.NewAccounts(store)
  _, err := accounts.Transfer(ctx, ledger.TransferRequest{
      UserID: "user-1", PayerID: "dannon", Points: 300, Timestamp: ts,
  })

  engine := ledger.NewEngine(store)
  result, err := engine.Spend(ctx, "user-1", 200)

SEE ALSO:
  - account.go: signed transfers between a user and a payer
  - spend.go:   FIFO spend allocation
  - balance.go: read-only projections
  - store.go:   persistence contract
*/
package ledger

import (
	"sort"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type PayerID string
type LotID int64

// =============================================================================
// ACCOUNTS
// =============================================================================

// User holds points earned from payers.
type User struct {
	ID      UserID
	Name    string
	Balance int64
}

// Payer sponsors points. Balance is the allowance it has not yet handed out,
// i.e. what it still owes once outstanding grants are redeemed.
type Payer struct {
	ID      PayerID
	Name    string
	Balance int64
}

// =============================================================================
// LOTS
// =============================================================================

type LotKind string

const (
	LotGrant        LotKind = "grant"         // Positive transfer requested by a caller
	LotAdjustment   LotKind = "adjustment"    // Negative transfer requested by a caller
	LotRedemption   LotKind = "redemption"    // Consumed portion of a lot during a spend
	LotRelease      LotKind = "release"       // Unconsumed portion of a split lot handed back to its payer
	LotCarryForward LotKind = "carry_forward" // Split remainder, re-granted at the original timestamp
)

// Lot is an append-only ledger entry. Only Expired ever changes after the
// lot is written, and only from false to true.
type Lot struct {
	ID        LotID
	UserID    UserID
	PayerID   PayerID
	Points    int64
	Timestamp time.Time
	Expired   bool
	Kind      LotKind
}

// IsActive reports whether the lot can still satisfy a redemption.
func (l Lot) IsActive() bool {
	return l.Points > 0 && !l.Expired
}

// Before orders lots by timestamp, falling back to ID for equal timestamps.
func (l Lot) Before(other Lot) bool {
	if !l.Timestamp.Equal(other.Timestamp) {
		return l.Timestamp.Before(other.Timestamp)
	}
	return l.ID < other.ID
}

// SortLots sorts lots in consumption order.
func SortLots(lots []Lot) {
	sort.SliceStable(lots, func(i, j int) bool { return lots[i].Before(lots[j]) })
}

// KindForDelta returns the kind recorded for a caller-requested transfer.
func KindForDelta(delta int64) LotKind {
	if delta < 0 {
		return LotAdjustment
	}
	return LotGrant
}

// =============================================================================
// TRANSFER AND SPEND RESULTS
// =============================================================================

// TransferRequest asks for a signed movement of points between a user and a
// payer. Positive Points is a grant, negative Points returns points to the
// payer.
type TransferRequest struct {
	UserID    UserID
	PayerID   PayerID
	Points    int64
	Timestamp time.Time
}

// TransferResult is the state after a successful transfer.
type TransferResult struct {
	Lot   Lot
	User  User
	Payer Payer
}

// Deduction is the portion of a spend taken from one lot.
type Deduction struct {
	PayerID   PayerID
	PayerName string
	LotID     LotID
	Points    int64 // always positive; the amount removed from the user
}

// SpendResult lists one deduction per lot touched, in consumption order.
// Deductions from the same payer are never merged.
type SpendResult struct {
	UserID     UserID
	Requested  int64
	Deductions []Deduction
	Balance    int64 // user balance after the spend
}

// ByPayer sums the deductions per payer name. Convenience for callers that
// want a merged view; the engine itself never merges.
func (r *SpendResult) ByPayer() map[string]int64 {
	out := make(map[string]int64, len(r.Deductions))
	for _, d := range r.Deductions {
		out[d.PayerName] += d.Points
	}
	return out
}
