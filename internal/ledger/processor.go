package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/metatx_ledger/internal/keys"
	"github.com/R3E-Network/metatx_ledger/internal/logging"
	"github.com/R3E-Network/metatx_ledger/internal/metatx"
)

// Operation names used for logging and metrics.
const (
	OpDeposit     = "deposit"
	OpInstruction = "instruction"
	OpWithdraw    = "withdraw"
)

// Clock supplies the current time used for expiry checks.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// Notifier receives committed entries, e.g. to forward trade intent to a
// venue or release withdrawn funds. It runs after the commit; failures never
// undo the ledger mutation.
type Notifier interface {
	Notify(ctx context.Context, entry Entry) error
}

// Recorder receives processing metrics.
type Recorder interface {
	RecordInstruction(op, outcome string, duration time.Duration)
	RecordNotifyFailure(kind string)
}

// Config configures a Processor.
type Config struct {
	Store    Store
	DomainID string
	Clock    Clock
	Notifier Notifier
	Metrics  Recorder
	Logger   *logging.Logger
}

// Processor orchestrates expiry check, signer resolution, signature
// verification, replay protection and the balance effect of each
// instruction.
type Processor struct {
	store    Store
	replay   *ReplayGuard
	domainID string
	clock    Clock
	notifier Notifier
	metrics  Recorder
	logger   *logging.Logger
}

// NewProcessor validates cfg and creates a Processor.
func NewProcessor(cfg Config) (*Processor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	domainID := strings.TrimSpace(cfg.DomainID)
	if domainID == "" {
		return nil, fmt.Errorf("domain id is required")
	}
	if len(domainID) > metatx.MaxDomainIDLength {
		return nil, fmt.Errorf("domain id longer than %d bytes", metatx.MaxDomainIDLength)
	}

	p := &Processor{
		store:    cfg.Store,
		replay:   NewReplayGuard(cfg.Store),
		domainID: domainID,
		clock:    cfg.Clock,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
	if p.clock == nil {
		p.clock = ClockFunc(time.Now)
	}
	if p.logger == nil {
		p.logger = logging.Default()
	}
	return p, nil
}

// DomainID returns the domain separator mixed into every signed hash.
func (p *Processor) DomainID() string {
	return p.domainID
}

// Account returns the stored account for address. Unknown addresses yield a
// zero account with found=false.
func (p *Processor) Account(ctx context.Context, address string) (Account, bool, error) {
	return p.store.Get(ctx, address)
}

// Entries returns the newest journal entries for address.
func (p *Processor) Entries(ctx context.Context, address string, limit int) ([]Entry, error) {
	_, found, err := p.store.Get(ctx, address)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, address)
	}
	return p.store.Entries(ctx, address, limit)
}

// Deposit credits the caller's own account and advances its counter. The
// caller is self-authorizing, so no signature is involved. A zero amount only
// advances the counter, which invalidates any outstanding signed instruction.
func (p *Processor) Deposit(ctx context.Context, caller string, amount uint64) (Entry, error) {
	start := time.Now()
	entry, err := p.deposit(ctx, caller, amount)
	p.finish(ctx, OpDeposit, caller, entry, err, start)
	return entry, err
}

func (p *Processor) deposit(ctx context.Context, caller string, amount uint64) (Entry, error) {
	if err := keys.ValidateAddress(caller); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	id := uuid.NewString()
	now := p.clock.Now().UTC()
	var entry Entry
	_, err := p.store.Update(ctx, caller, func(current Account, _ bool) (Account, Entry, error) {
		next, err := current.Credit(amount)
		if err != nil {
			return current, Entry{}, err
		}
		next = next.AdvanceCounter()
		entry = Entry{
			ID:        id,
			Kind:      EntryDeposit,
			Address:   caller,
			Direction: metatx.Increase,
			Amount:    amount,
			Counter:   current.Counter,
			Balance:   next.Balance,
			CreatedAt: now,
		}
		return next, entry, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// SubmitInstruction applies a holder-signed directional balance move.
func (p *Processor) SubmitInstruction(ctx context.Context, in SignedInstruction) (Entry, error) {
	start := time.Now()
	entry, err := p.authorize(ctx, authorization{
		kind:      EntryInstruction,
		purpose:   metatx.PurposeTrade,
		direction: in.Direction,
		amount:    in.Amount,
		expiry:    in.Expiry,
		counter:   in.Counter,
		publicKey: in.PublicKey,
		signature: in.Signature,
		relayer:   in.Relayer,
	})
	p.finish(ctx, OpInstruction, entry.Address, entry, err, start)
	return entry, err
}

// Withdraw applies a holder-signed release of funds. The direction is fixed to
// decrease and the signature is scoped to the withdrawal purpose.
func (p *Processor) Withdraw(ctx context.Context, in SignedWithdrawal) (Entry, error) {
	start := time.Now()
	entry, err := p.authorize(ctx, authorization{
		kind:            EntryWithdrawal,
		purpose:         metatx.PurposeWithdraw,
		direction:       metatx.Decrease,
		amount:          in.Amount,
		expiry:          in.Expiry,
		counter:         in.Counter,
		publicKey:       in.PublicKey,
		signature:       in.Signature,
		relayer:         in.Relayer,
		requireExisting: true,
	})
	p.finish(ctx, OpWithdraw, entry.Address, entry, err, start)
	return entry, err
}

type authorization struct {
	kind            EntryKind
	purpose         metatx.Purpose
	direction       metatx.Direction
	amount          uint64
	expiry          time.Time
	counter         uint64
	publicKey       []byte
	signature       []byte
	relayer         string
	requireExisting bool
}

// authorize runs the fixed pipeline: expiry, signer resolution, signature,
// counter, balance. Every check completes before anything is written; the
// counter advance, balance change and journal entry commit together.
func (p *Processor) authorize(ctx context.Context, a authorization) (Entry, error) {
	if a.amount == 0 {
		return Entry{}, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if !a.direction.Valid() {
		return Entry{}, metatx.ErrInvalidDirection
	}

	now := p.clock.Now()
	if now.Unix() > a.expiry.Unix() {
		return Entry{}, fmt.Errorf("%w: expiry %s, now %s", ErrExpired,
			a.expiry.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}

	pub, err := keys.ParsePublicKey(a.publicKey)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	address := pub.Address()

	hash, err := metatx.Message{
		Purpose:   a.purpose,
		Direction: a.direction,
		Amount:    a.amount,
		Expiry:    a.expiry,
		DomainID:  p.domainID,
		Counter:   a.counter,
	}.Hash()
	if err != nil {
		return Entry{Address: address}, err
	}
	if !pub.Verify(a.signature, hash) {
		return Entry{Address: address}, ErrBadSignature
	}

	id := uuid.NewString()
	var entry Entry
	_, err = p.store.Update(ctx, address, func(current Account, found bool) (Account, Entry, error) {
		next, err := p.replay.Consume(current, a.counter)
		if err != nil {
			return current, Entry{}, err
		}
		if a.requireExisting && !found {
			return current, Entry{}, fmt.Errorf("%w: %s", ErrUnknownAccount, address)
		}

		switch a.direction {
		case metatx.Increase:
			next, err = next.Credit(a.amount)
		case metatx.Decrease:
			next, err = next.Debit(a.amount)
		}
		if err != nil {
			return current, Entry{}, err
		}

		entry = Entry{
			ID:        id,
			Kind:      a.kind,
			Address:   address,
			Direction: a.direction,
			Amount:    a.amount,
			Counter:   current.Counter,
			Balance:   next.Balance,
			Relayer:   a.relayer,
			CreatedAt: now.UTC(),
		}
		return next, entry, nil
	})
	if err != nil {
		return Entry{Address: address}, err
	}
	return entry, nil
}

// finish logs, records metrics and, on success, notifies downstream.
func (p *Processor) finish(ctx context.Context, op, address string, entry Entry, err error, start time.Time) {
	outcome := Outcome(err)
	if p.metrics != nil {
		p.metrics.RecordInstruction(op, outcome, time.Since(start))
	}

	log := p.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"operation": op,
		"address":   address,
		"outcome":   outcome,
	})
	if err != nil {
		log.WithError(err).Warn("instruction rejected")
		return
	}
	log.WithFields(map[string]interface{}{
		"entry_id": entry.ID,
		"counter":  entry.Counter,
		"amount":   entry.Amount,
		"balance":  entry.Balance,
	}).Info("instruction applied")

	if p.notifier == nil {
		return
	}
	if nerr := p.notifier.Notify(ctx, entry); nerr != nil {
		if p.metrics != nil {
			p.metrics.RecordNotifyFailure(string(entry.Kind))
		}
		log.WithError(nerr).Error("notify downstream failed")
	}
}

// Outcome maps a processing error to a stable label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrStaleCounter):
		return "stale_counter"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrUnknownAccount):
		return "unknown_account"
	case errors.Is(err, ErrBalanceOverflow):
		return "balance_overflow"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidAddress),
		errors.Is(err, metatx.ErrInvalidDirection):
		return "invalid"
	default:
		return "error"
	}
}
