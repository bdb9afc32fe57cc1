package ledger

import (
	"context"
	"sync"
	"time"
)

// UpdateFunc computes the next state of an account. current is the stored
// record, or the zero record with found=false when the address has never
// been written. Returning an error aborts the update with no change.
type UpdateFunc func(current Account, found bool) (next Account, entry Entry, err error)

// Store owns all account records. Update must apply the new account and
// append the journal entry as one atomic unit, serialized against other
// updates of the same address.
type Store interface {
	// Get returns the stored account. Unknown addresses yield the zero
	// account and found=false; Get never creates a record.
	Get(ctx context.Context, address string) (acct Account, found bool, err error)
	Update(ctx context.Context, address string, fn UpdateFunc) (Account, error)
	// Entries returns the newest entries first, at most limit of them.
	Entries(ctx context.Context, address string, limit int) ([]Entry, error)
	Stats(ctx context.Context) (Stats, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]Account
	entries  map[string][]Entry
	now      func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]Account),
		entries:  make(map[string][]Entry),
		now:      time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, address string) (Account, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[address]
	if !ok {
		return Account{Address: address}, false, nil
	}
	return acct, true, nil
}

func (s *MemoryStore) Update(ctx context.Context, address string, fn UpdateFunc) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, found := s.accounts[address]
	if !found {
		current = Account{Address: address}
	}

	next, entry, err := fn(current, found)
	if err != nil {
		return current, err
	}

	now := s.now().UTC()
	next.Address = address
	if !found {
		next.CreatedAt = now
	}
	next.UpdatedAt = now
	s.accounts[address] = next

	if entry.ID != "" {
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		s.entries[address] = append(s.entries[address], entry)
	}
	return next, nil
}

func (s *MemoryStore) Entries(_ context.Context, address string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.entries[address]
	n := len(all)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	for _, acct := range s.accounts {
		if err := st.Add(acct.Balance); err != nil {
			return Stats{}, err
		}
	}
	return st, nil
}
