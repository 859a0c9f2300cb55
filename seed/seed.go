/*
Package seed loads demo scenarios into a ledger backend.

Seeding is always an explicit step: cmd/seed, or POST /api/scenarios/load.
Opening a store never inserts data.

HOW SCENARIOS WORK:
 1. Reset the backend (clear all data)
 2. Create payers with their allowances
 3. Create users with zero balance
 4. Apply grants through ledger.Accounts, exactly as API callers would

Each step commits on its own. When a step after the reset fails, Load resets
the backend again, so a failed load leaves it empty rather than half-seeded.

AVAILABLE SCENARIOS:
  fetch-rewards:   three payers, one user, four grants across two days
  split-remainder: one payer, two lots of 10 and 5 points
  empty:           no payers at all
*/
package seed

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/points-ledger/ledger"
)

// Scenario describes a demo data set.
type Scenario struct {
	ID          string
	Name        string
	Description string

	Payers []ledger.Payer
	Users  []ledger.User
	Grants []ledger.TransferRequest
}

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

// Scenarios lists every scenario that Load accepts.
var Scenarios = []Scenario{
	{
		ID:          "fetch-rewards",
		Name:        "Fetch Rewards",
		Description: "Three payers granting to one user over two days",
		Payers: []ledger.Payer{
			{ID: "dannon", Name: "DANNON", Balance: 5000},
			{ID: "unilever", Name: "UNILEVER", Balance: 5000},
			{ID: "miller-coors", Name: "MILLER COORS", Balance: 20000},
		},
		Users: []ledger.User{{ID: "user-1", Name: "Demo User"}},
		Grants: []ledger.TransferRequest{
			{UserID: "user-1", PayerID: "dannon", Points: 300, Timestamp: ts("2022-10-31T10:00:00Z")},
			{UserID: "user-1", PayerID: "unilever", Points: 200, Timestamp: ts("2022-10-31T11:00:00Z")},
			{UserID: "user-1", PayerID: "miller-coors", Points: 10000, Timestamp: ts("2022-11-01T14:00:00Z")},
			{UserID: "user-1", PayerID: "dannon", Points: 1000, Timestamp: ts("2022-11-02T14:00:00Z")},
		},
	},
	{
		ID:          "split-remainder",
		Name:        "Split Remainder",
		Description: "Two lots from one payer; spending 12 splits the second lot",
		Payers:      []ledger.Payer{{ID: "p1", Name: "P1", Balance: 100}},
		Users:       []ledger.User{{ID: "user-1", Name: "Demo User"}},
		Grants: []ledger.TransferRequest{
			{UserID: "user-1", PayerID: "p1", Points: 10, Timestamp: ts("2024-01-01T09:00:00Z")},
			{UserID: "user-1", PayerID: "p1", Points: 5, Timestamp: ts("2024-01-02T09:00:00Z")},
		},
	},
	{
		ID:          "empty",
		Name:        "Empty Ledger",
		Description: "No payers; the balance query reports NO_PAYERS_FOUND",
	},
}

// Find returns the scenario with the given id.
func Find(id string) (Scenario, bool) {
	for _, s := range Scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return Scenario{}, false
}

// Load resets backend and applies the scenario.
func Load(ctx context.Context, backend ledger.Backend, id string) error {
	sc, ok := Find(id)
	if !ok {
		return fmt.Errorf("unknown scenario %q", id)
	}

	if err := backend.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if err := apply(ctx, backend, sc); err != nil {
		if rerr := backend.Reset(ctx); rerr != nil {
			return fmt.Errorf("%w (cleanup reset: %v)", err, rerr)
		}
		return err
	}
	return nil
}

func apply(ctx context.Context, backend ledger.Backend, sc Scenario) error {
	for _, p := range sc.Payers {
		if err := backend.CreatePayer(ctx, p); err != nil {
			return fmt.Errorf("create payer %s: %w", p.ID, err)
		}
	}
	for _, u := range sc.Users {
		if err := backend.CreateUser(ctx, u); err != nil {
			return fmt.Errorf("create user %s: %w", u.ID, err)
		}
	}

	accounts := ledger.NewAccounts(backend)
	for _, g := range sc.Grants {
		if _, err := accounts.Transfer(ctx, g); err != nil {
			return fmt.Errorf("grant %d from %s to %s: %w", g.Points, g.PayerID, g.UserID, err)
		}
	}
	return nil
}
