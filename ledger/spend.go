/*
spend.go - FIFO spend allocation

ALGORITHM:
  Given a user and an amount, consume the user's active lots oldest first
  ((Timestamp, ID) ascending) until the amount is covered:

    lot.Points <= remaining  -> redeem the whole lot, expire it
    lot.Points >  remaining  -> split: redeem `remaining`, hand the rest back
                                to the payer and re-grant it as a new lot that
                                keeps the ORIGINAL timestamp, expire the original

  Every redeemed point goes back to the payer that granted it. There is no
  shared pool.

SPLIT ACCOUNTING:
  Lot 1: +10 from P1 @ t1. Spend 4.
    redemption     -4  @ now   user 10->6   P1 +4
    release        -6  @ now   (no balance change)
    carry_forward  +6  @ t1    (no balance change)
  Lot 1 is expired. Net: user -4, P1 +4, active lots {+6 @ t1}.
  The release/carry_forward pair cancels out, so sum(lot points) still
  equals the user balance.

ATOMICITY:
  The whole spend runs inside one TxStore.WithTx. A failure on any step,
  including running out of lots, rolls back every transfer and expiry.

EXAMPLE:
  Lots: (P1, 10, t1), (P1, 5, t2). Spend 12.
    -> deductions [(P1, 10), (P1, 2)], active lots {(P1, 3, t2)}
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/points-ledger/logging"
)

// Engine allocates spends across lots.
type Engine struct {
	Store TxStore
	Now   func() time.Time
}

func NewEngine(store TxStore) *Engine {
	return &Engine{Store: store, Now: time.Now}
}

// Spend redeems amount points from the user's oldest active lots.
func (e *Engine) Spend(ctx context.Context, userID UserID, amount int64) (*SpendResult, error) {
	if amount <= 0 {
		return nil, &ValidationError{Field: "points", Reason: "must be greater than zero"}
	}

	now := e.now()
	var result *SpendResult
	err := e.Store.WithTx(ctx, func(s Store) error {
		r, err := spendLocked(ctx, s, userID, amount, now)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.FromContext(ctx).Info().
		Str("user_id", string(userID)).
		Int64("points", amount).
		Int("lots", len(result.Deductions)).
		Int64("balance", result.Balance).
		Msg("points spent")
	return result, nil
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

func spendLocked(ctx context.Context, s Store, userID UserID, amount int64, now time.Time) (*SpendResult, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Balance < amount {
		return nil, &InsufficientBalanceError{
			Entity: EntityUser, ID: string(userID),
			Available: user.Balance, Requested: amount,
		}
	}

	lots, err := s.ListActiveLots(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list active lots: %w", err)
	}

	result := &SpendResult{UserID: userID, Requested: amount}
	remaining := amount

	for _, lot := range lots {
		if remaining == 0 {
			break
		}

		take := lot.Points
		if take > remaining {
			take = remaining
		}

		redeemed, err := applyTransfer(ctx, s, TransferRequest{
			UserID: userID, PayerID: lot.PayerID, Points: -take, Timestamp: now,
		}, LotRedemption)
		if err != nil {
			return nil, fmt.Errorf("redeem lot %d: %w", lot.ID, err)
		}

		if rest := lot.Points - take; rest > 0 {
			if err := carryForward(ctx, s, lot, rest, now); err != nil {
				return nil, err
			}
		}

		if err := s.ExpireLot(ctx, lot.ID); err != nil {
			return nil, fmt.Errorf("expire lot %d: %w", lot.ID, err)
		}

		result.Deductions = append(result.Deductions, Deduction{
			PayerID:   lot.PayerID,
			PayerName: redeemed.Payer.Name,
			LotID:     lot.ID,
			Points:    take,
		})
		remaining -= take
	}

	if remaining > 0 {
		return nil, fmt.Errorf("%w: user %s has balance %d but active lots cover only %d",
			ErrLedgerInconsistent, userID, user.Balance, amount-remaining)
	}

	final, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	result.Balance = final.Balance

	logging.FromContext(ctx).Debug().
		Str("user_id", string(userID)).
		Interface("deductions", result.Deductions).
		Msg("spend allocated")
	return result, nil
}

// carryForward returns the unconsumed part of a split lot to its payer and
// re-grants it at the lot's original timestamp, so it keeps its place in line.
// The two lots cancel out, so neither balance moves and no check can fail.
func carryForward(ctx context.Context, s Store, lot Lot, rest int64, now time.Time) error {
	if _, err := s.AppendLot(ctx, Lot{
		UserID: lot.UserID, PayerID: lot.PayerID, Points: -rest, Timestamp: now, Kind: LotRelease,
	}); err != nil {
		return fmt.Errorf("release lot %d: %w", lot.ID, err)
	}
	if _, err := s.AppendLot(ctx, Lot{
		UserID: lot.UserID, PayerID: lot.PayerID, Points: rest, Timestamp: lot.Timestamp, Kind: LotCarryForward,
	}); err != nil {
		return fmt.Errorf("carry forward lot %d: %w", lot.ID, err)
	}
	return nil
}
