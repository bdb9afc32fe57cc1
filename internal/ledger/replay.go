package ledger

import (
	"context"
	"fmt"
)

// ReplayGuard enforces that each authorized instruction carries the
// account's current counter and advances it.
type ReplayGuard struct {
	store Store
}

// NewReplayGuard creates a guard over store.
func NewReplayGuard(store Store) *ReplayGuard {
	return &ReplayGuard{store: store}
}

// CheckAndConsume fails with ErrStaleCounter when submitted differs from the
// stored counter; otherwise it advances the stored counter by one.
func (g *ReplayGuard) CheckAndConsume(ctx context.Context, address string, submitted uint64) error {
	_, err := g.store.Update(ctx, address, func(current Account, _ bool) (Account, Entry, error) {
		next, err := g.Consume(current, submitted)
		return next, Entry{}, err
	})
	return err
}

// Consume is the in-transaction form of CheckAndConsume. It runs inside a
// caller's UpdateFunc so the counter advance commits with the balance change.
func (g *ReplayGuard) Consume(acct Account, submitted uint64) (Account, error) {
	if submitted != acct.Counter {
		return acct, fmt.Errorf("%w: submitted %d, current %d", ErrStaleCounter, submitted, acct.Counter)
	}
	return acct.AdvanceCounter(), nil
}
