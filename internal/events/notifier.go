// Package events delivers committed ledger entries to downstream consumers:
// a Kafka topic for settlement services and websocket subscribers.
package events

import (
	"context"
	"errors"

	"github.com/R3E-Network/metatx_ledger/internal/ledger"
)

// Nop discards every entry.
type Nop struct{}

func (Nop) Notify(context.Context, ledger.Entry) error { return nil }

// Multi fans an entry out to every notifier and joins their errors. A failing
// notifier does not stop delivery to the others.
type Multi []ledger.Notifier

func (m Multi) Notify(ctx context.Context, entry ledger.Entry) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ ledger.Notifier = Nop{}
	_ ledger.Notifier = Multi(nil)
)
