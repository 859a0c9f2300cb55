// Package retry wraps a ledger backend and retries transient store faults
// with exponential backoff. Business errors are returned on the first try.
//
// Retrying WithTx is safe: a failed transaction has been rolled back, so the
// callback starts again from committed state.
package retry

import (
	"context"
	"time"

	"github.com/warp/points-ledger/ledger"
	"github.com/warp/points-ledger/logging"
)

// Policy controls how often and how long to retry.
type Policy struct {
	Attempts int           // total tries, including the first
	Backoff  time.Duration // delay before the second try; doubles each time
	MaxDelay time.Duration // cap on a single delay; 0 means no cap
}

// DefaultPolicy is used when a zero Policy is passed to New.
var DefaultPolicy = Policy{Attempts: 3, Backoff: 20 * time.Millisecond, MaxDelay: time.Second}

// Store is a ledger.Backend that retries transient failures of the wrapped
// backend.
type Store struct {
	ledger.Backend
	policy Policy
	sleep  func(context.Context, time.Duration) error
}

func New(backend ledger.Backend, policy Policy) *Store {
	if policy.Attempts <= 0 {
		policy = DefaultPolicy
	}
	return &Store{Backend: backend, policy: policy, sleep: sleepCtx}
}

// do runs op until it succeeds, fails with a non-retryable error, runs out of
// attempts, or ctx is done.
func (s *Store) do(ctx context.Context, name string, op func() error) error {
	delay := s.policy.Backoff
	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil || !ledger.IsRetryable(err) || attempt >= s.policy.Attempts {
			return err
		}

		logging.FromContext(ctx).Warn().Err(err).
			Str("op", name).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("transient store error, retrying")

		if serr := s.sleep(ctx, delay); serr != nil {
			return err
		}
		delay *= 2
		if s.policy.MaxDelay > 0 && delay > s.policy.MaxDelay {
			delay = s.policy.MaxDelay
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// =============================================================================
// ledger.TxStore
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return s.do(ctx, "with_tx", func() error { return s.Backend.WithTx(ctx, fn) })
}

func (s *Store) GetUser(ctx context.Context, id ledger.UserID) (u ledger.User, err error) {
	err = s.do(ctx, "get_user", func() error {
		u, err = s.Backend.GetUser(ctx, id)
		return err
	})
	return u, err
}

func (s *Store) GetPayer(ctx context.Context, id ledger.PayerID) (p ledger.Payer, err error) {
	err = s.do(ctx, "get_payer", func() error {
		p, err = s.Backend.GetPayer(ctx, id)
		return err
	})
	return p, err
}

func (s *Store) ListPayers(ctx context.Context) (payers []ledger.Payer, err error) {
	err = s.do(ctx, "list_payers", func() error {
		payers, err = s.Backend.ListPayers(ctx)
		return err
	})
	return payers, err
}

func (s *Store) ListUsers(ctx context.Context) (users []ledger.User, err error) {
	err = s.do(ctx, "list_users", func() error {
		users, err = s.Backend.ListUsers(ctx)
		return err
	})
	return users, err
}

func (s *Store) ListActiveLots(ctx context.Context, userID ledger.UserID) (lots []ledger.Lot, err error) {
	err = s.do(ctx, "list_active_lots", func() error {
		lots, err = s.Backend.ListActiveLots(ctx, userID)
		return err
	})
	return lots, err
}

func (s *Store) ListLots(ctx context.Context, userID ledger.UserID) (lots []ledger.Lot, err error) {
	err = s.do(ctx, "list_lots", func() error {
		lots, err = s.Backend.ListLots(ctx, userID)
		return err
	})
	return lots, err
}
