// Package ledger implements the meta-transaction account ledger: the account
// store contract, the replay guard and the instruction processor.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/R3E-Network/metatx_ledger/internal/metatx"
)

var (
	ErrExpired           = errors.New("instruction expired")
	ErrBadSignature      = errors.New("bad signature")
	ErrStaleCounter      = errors.New("stale or replayed counter")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownAccount    = errors.New("unknown account")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidAddress    = errors.New("invalid address")
	ErrBalanceOverflow   = errors.New("balance overflow")
)

// Account is the mutable per-address ledger record.
type Account struct {
	Address   string    `json:"address" db:"address"`
	Balance   uint64    `json:"balance" db:"balance"`
	Counter   uint64    `json:"counter" db:"counter"`
	CreatedAt time.Time `json:"created_at,omitempty" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty" db:"updated_at"`
}

// Credit returns a copy of a with amount added to the balance.
func (a Account) Credit(amount uint64) (Account, error) {
	if amount > math.MaxUint64-a.Balance {
		return a, fmt.Errorf("%w: balance %d + %d", ErrBalanceOverflow, a.Balance, amount)
	}
	a.Balance += amount
	return a, nil
}

// Debit returns a copy of a with amount removed from the balance.
func (a Account) Debit(amount uint64) (Account, error) {
	if amount > a.Balance {
		return a, fmt.Errorf("%w: available %d, requested %d", ErrInsufficientFunds, a.Balance, amount)
	}
	a.Balance -= amount
	return a, nil
}

// AdvanceCounter returns a copy of a with the counter incremented.
func (a Account) AdvanceCounter() Account {
	a.Counter++
	return a
}

// EntryKind classifies journal entries.
type EntryKind string

const (
	EntryDeposit     EntryKind = "deposit"
	EntryInstruction EntryKind = "instruction"
	EntryWithdrawal  EntryKind = "withdrawal"
)

// Entry is the journal record written atomically with each account mutation.
// It doubles as the receipt returned to callers and the event published to
// downstream consumers.
type Entry struct {
	ID        string           `json:"id" db:"id"`
	Kind      EntryKind        `json:"kind" db:"kind"`
	Address   string           `json:"address" db:"address"`
	Direction metatx.Direction `json:"direction" db:"direction"`
	Amount    uint64           `json:"amount" db:"amount"`
	Counter   uint64           `json:"counter" db:"counter"`
	Balance   uint64           `json:"balance" db:"balance"`
	Relayer   string           `json:"relayer,omitempty" db:"relayer"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
}

// Stats summarises the store.
type Stats struct {
	Accounts     int64  `json:"accounts"`
	TotalBalance uint64 `json:"total_balance"`
}

// Add counts one account holding balance. The total never wraps; a sum past
// the uint64 range yields ErrBalanceOverflow.
func (s *Stats) Add(balance uint64) error {
	if balance > math.MaxUint64-s.TotalBalance {
		return fmt.Errorf("%w: total balance %d + %d", ErrBalanceOverflow, s.TotalBalance, balance)
	}
	s.Accounts++
	s.TotalBalance += balance
	return nil
}

// SignedInstruction is a holder-authorized directional balance move.
type SignedInstruction struct {
	PublicKey []byte
	Signature []byte
	Direction metatx.Direction
	Amount    uint64
	Expiry    time.Time
	Counter   uint64
	// Relayer identifies the submitting party. Recorded only.
	Relayer string
}

// SignedWithdrawal is a holder-authorized release of funds.
type SignedWithdrawal struct {
	PublicKey []byte
	Signature []byte
	Amount    uint64
	Expiry    time.Time
	Counter   uint64
	Relayer   string
}
