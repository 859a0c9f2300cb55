package ledger

import (
	"context"
	"fmt"
	"math"

	"github.com/warp/points-ledger/logging"
)

// =============================================================================
// ACCOUNTS - Signed transfers between a user and a payer
// =============================================================================

// Accounts applies single transfers. It is the only writer of User.Balance
// and Payer.Balance.
type Accounts struct {
	Store TxStore
}

func NewAccounts(store TxStore) *Accounts {
	return &Accounts{Store: store}
}

// Transfer moves req.Points from the payer to the user (or back, when
// negative) and records the movement as a lot, all in one transaction.
func (a *Accounts) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if req.Points == 0 {
		return nil, &ValidationError{Field: "points", Reason: "must not be zero"}
	}
	if req.Points == math.MinInt64 {
		return nil, &ValidationError{Field: "points", Reason: "out of range"}
	}
	if req.Timestamp.IsZero() {
		return nil, &ValidationError{Field: "timestamp", Reason: "is required"}
	}

	var result *TransferResult
	err := a.Store.WithTx(ctx, func(s Store) error {
		r, err := applyTransfer(ctx, s, req, KindForDelta(req.Points))
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
		Str("user_id", string(req.UserID)).
		Str("payer_id", string(req.PayerID)).
		Int64("points", req.Points).
		Int64("lot_id", int64(result.Lot.ID)).
		Msg("transfer applied")
	return result, nil
}

// applyTransfer performs one transfer against s. Callers own the transaction.
// Balance checks run before any write, so a rejected transfer writes nothing.
// delta is never math.MinInt64, so -delta and the sums below cannot wrap.
func applyTransfer(ctx context.Context, s Store, req TransferRequest, kind LotKind) (*TransferResult, error) {
	user, err := s.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	payer, err := s.GetPayer(ctx, req.PayerID)
	if err != nil {
		return nil, err
	}

	delta := req.Points
	switch {
	case delta > 0 && payer.Balance < delta:
		return nil, &InsufficientBalanceError{
			Entity: EntityPayer, ID: string(payer.ID),
			Available: payer.Balance, Requested: delta,
		}
	case delta < 0 && user.Balance+delta < 0:
		return nil, &InsufficientBalanceError{
			Entity: EntityUser, ID: string(user.ID),
			Available: user.Balance, Requested: -delta,
		}
	case delta > 0 && user.Balance > math.MaxInt64-delta:
		return nil, &ValidationError{Field: "points", Reason: "user balance would overflow"}
	case delta < 0 && payer.Balance > math.MaxInt64+delta:
		return nil, &ValidationError{Field: "points", Reason: "payer balance would overflow"}
	}

	user.Balance += delta
	payer.Balance -= delta

	if err := s.SaveUserBalance(ctx, user.ID, user.Balance); err != nil {
		return nil, fmt.Errorf("save user balance: %w", err)
	}
	if err := s.SavePayerBalance(ctx, payer.ID, payer.Balance); err != nil {
		return nil, fmt.Errorf("save payer balance: %w", err)
	}
	lot, err := s.AppendLot(ctx, Lot{
		UserID:    user.ID,
		PayerID:   payer.ID,
		Points:    delta,
		Timestamp: req.Timestamp.UTC(),
		Kind:      kind,
	})
	if err != nil {
		return nil, fmt.Errorf("append lot: %w", err)
	}

	return &TransferResult{Lot: lot, User: user, Payer: payer}, nil
}
