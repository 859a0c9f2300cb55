package ledger

import "context"

// =============================================================================
// BALANCES - Read-only projections
// =============================================================================

// Balances answers read-only questions about the ledger. Each method is a
// single store read, so it never observes a half-applied transfer.
type Balances struct {
	Store Store
}

func NewBalances(store Store) *Balances {
	return &Balances{Store: store}
}

// PayerBalances maps payer name to remaining allowance.
// Names are assumed unique; with duplicates the later payer in store order
// wins.
func (b *Balances) PayerBalances(ctx context.Context) (map[string]int64, error) {
	payers, err := b.Store.ListPayers(ctx)
	if err != nil {
		return nil, err
	}
	if len(payers) == 0 {
		return nil, ErrNoPayers
	}

	out := make(map[string]int64, len(payers))
	for _, p := range payers {
		out[p.Name] = p.Balance
	}
	return out, nil
}

// User returns the user with its current spendable balance.
func (b *Balances) User(ctx context.Context, id UserID) (User, error) {
	return b.Store.GetUser(ctx, id)
}

// Payer returns the payer with its current allowance.
func (b *Balances) Payer(ctx context.Context, id PayerID) (Payer, error) {
	return b.Store.GetPayer(ctx, id)
}

// Lots returns the user's full lot history in consumption order. The user
// must exist.
func (b *Balances) Lots(ctx context.Context, id UserID, activeOnly bool) ([]Lot, error) {
	if _, err := b.Store.GetUser(ctx, id); err != nil {
		return nil, err
	}
	if activeOnly {
		return b.Store.ListActiveLots(ctx, id)
	}
	return b.Store.ListLots(ctx, id)
}
