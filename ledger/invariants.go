package ledger

import (
	"context"
	"fmt"
)

// UserLister is the part of Provisioner that Audit needs.
type UserLister interface {
	ListUsers(ctx context.Context) ([]User, error)
}

// Audit checks the ledger invariants for every user and payer:
//   - user balance equals the sum of the user's lot points
//   - no balance is negative
//   - no expired lot is negative (only grants are ever consumed)
//
// It returns an *InvariantViolationError listing every violation found, or
// nil when the ledger is consistent. Run it inside WithTx for a consistent
// snapshot under concurrent writes.
func Audit(ctx context.Context, s Store, users UserLister) error {
	all, err := users.ListUsers(ctx)
	if err != nil {
		return err
	}

	var violations []string
	for _, u := range all {
		if u.Balance < 0 {
			violations = append(violations, fmt.Sprintf("user %s: negative balance %d", u.ID, u.Balance))
		}

		lots, err := s.ListLots(ctx, u.ID)
		if err != nil {
			return err
		}
		var sum int64
		for _, l := range lots {
			sum += l.Points
			if l.Expired && l.Points < 0 {
				violations = append(violations, fmt.Sprintf("lot %d: negative lot marked expired", l.ID))
			}
		}
		if sum != u.Balance {
			violations = append(violations, fmt.Sprintf("user %s: balance %d != lot sum %d", u.ID, u.Balance, sum))
		}
	}

	payers, err := s.ListPayers(ctx)
	if err != nil {
		return err
	}
	for _, p := range payers {
		if p.Balance < 0 {
			violations = append(violations, fmt.Sprintf("payer %s: negative balance %d", p.ID, p.Balance))
		}
	}

	if len(violations) > 0 {
		return &InvariantViolationError{Violations: violations}
	}
	return nil
}
