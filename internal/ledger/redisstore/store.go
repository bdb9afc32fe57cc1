// Package redisstore implements the ledger account store on Redis using
// optimistic WATCH/MULTI transactions.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/metatx_ledger/internal/ledger"
)

const (
	defaultPrefix     = "ledger"
	defaultJournalCap = 1000
	maxTxAttempts     = 16
)

// Options configures a Store.
type Options struct {
	// Prefix namespaces every key. Defaults to "ledger".
	Prefix string
	// JournalCap bounds the per-account entry list. Defaults to 1000.
	JournalCap int
}

// Store implements ledger.Store on Redis. Each account is a hash, each
// journal a capped list of JSON entries newest first.
type Store struct {
	client     redis.UniversalClient
	prefix     string
	journalCap int
	now        func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// New wraps client.
func New(client redis.UniversalClient, opts Options) *Store {
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.JournalCap <= 0 {
		opts.JournalCap = defaultJournalCap
	}
	return &Store{client: client, prefix: opts.Prefix, journalCap: opts.JournalCap, now: time.Now}
}

func (s *Store) accountKey(address string) string {
	return s.prefix + ":account:" + address
}

func (s *Store) entriesKey(address string) string {
	return s.prefix + ":entries:" + address
}

func (s *Store) indexKey() string {
	return s.prefix + ":accounts"
}

func (s *Store) Get(ctx context.Context, address string) (ledger.Account, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.accountKey(address)).Result()
	if err != nil {
		return ledger.Account{}, false, err
	}
	return decodeAccount(address, fields)
}

// Update retries fn on concurrent modification of the watched account key.
func (s *Store) Update(ctx context.Context, address string, fn ledger.UpdateFunc) (ledger.Account, error) {
	key := s.accountKey(address)
	var result ledger.Account

	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		current, found, err := decodeAccount(address, fields)
		if err != nil {
			return err
		}

		next, entry, err := fn(current, found)
		if err != nil {
			result = current
			return err
		}

		now := s.now().UTC()
		next.Address = address
		next.UpdatedAt = now
		if found {
			next.CreatedAt = current.CreatedAt
		} else {
			next.CreatedAt = now
		}

		var payload []byte
		if entry.ID != "" {
			entry.Address = address
			if entry.CreatedAt.IsZero() {
				entry.CreatedAt = now
			}
			if payload, err = json.Marshal(entry); err != nil {
				return fmt.Errorf("encode entry: %w", err)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeAccount(next))
			pipe.SAdd(ctx, s.indexKey(), address)
			if payload != nil {
				pipe.LPush(ctx, s.entriesKey(address), payload)
				pipe.LTrim(ctx, s.entriesKey(address), 0, int64(s.journalCap-1))
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return ledger.Account{}, err
		}
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return result, err
	}
	return ledger.Account{}, fmt.Errorf("update %s: too much contention", address)
}

func (s *Store) Entries(ctx context.Context, address string, limit int) ([]ledger.Entry, error) {
	if limit <= 0 || limit > s.journalCap {
		limit = s.journalCap
	}
	raw, err := s.client.LRange(ctx, s.entriesKey(address), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Entry, 0, len(raw))
	for _, r := range raw {
		var e ledger.Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context) (ledger.Stats, error) {
	var (
		st     ledger.Stats
		cursor uint64
	)
	for {
		members, next, err := s.client.SScan(ctx, s.indexKey(), cursor, "", 500).Result()
		if err != nil {
			return st, err
		}
		for _, addr := range members {
			raw, err := s.client.HGet(ctx, s.accountKey(addr), "balance").Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return st, err
			}
			bal, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return st, fmt.Errorf("parse balance of %s: %w", addr, err)
			}
			if err := st.Add(bal); err != nil {
				return ledger.Stats{}, err
			}
		}
		if next == 0 {
			return st, nil
		}
		cursor = next
	}
}

func encodeAccount(a ledger.Account) map[string]interface{} {
	return map[string]interface{}{
		"balance":    strconv.FormatUint(a.Balance, 10),
		"counter":    strconv.FormatUint(a.Counter, 10),
		"created_at": a.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": a.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func decodeAccount(address string, fields map[string]string) (ledger.Account, bool, error) {
	acct := ledger.Account{Address: address}
	if len(fields) == 0 {
		return acct, false, nil
	}
	var err error
	if acct.Balance, err = strconv.ParseUint(fields["balance"], 10, 64); err != nil {
		return acct, false, fmt.Errorf("parse balance: %w", err)
	}
	if acct.Counter, err = strconv.ParseUint(fields["counter"], 10, 64); err != nil {
		return acct, false, fmt.Errorf("parse counter: %w", err)
	}
	if v := fields["created_at"]; v != "" {
		if acct.CreatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return acct, false, fmt.Errorf("parse created_at: %w", err)
		}
	}
	if v := fields["updated_at"]; v != "" {
		if acct.UpdatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return acct, false, fmt.Errorf("parse updated_at: %w", err)
		}
	}
	return acct, true, nil
}
