// Package natskv implements the ledger store on a NATS JetStream key-value
// bucket. Per-key atomicity comes from compare-and-swap on the entry
// revision: an upsert re-reads and re-applies its mutator until the write
// lands on the revision it read.
package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	walleterrors "github.com/c360/walletvault/errors"
	"github.com/c360/walletvault/ledger"
	"github.com/c360/walletvault/pkg/retry"
)

// Bucket is the slice of jetstream.KeyValue the store relies on.
type Bucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	Keys(ctx context.Context, opts ...jetstream.WatchOpt) ([]string, error)
}

// Store implements ledger.Store over a JetStream KV bucket.
type Store struct {
	kv      Bucket
	healthy func() error
	logger  *slog.Logger
	retry   retry.Config
}

// New wraps an existing bucket. healthy reports backing-connection status
// for Healthy (nil means always healthy).
func New(kv Bucket, healthy func() error, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		kv:      kv,
		healthy: healthy,
		logger:  logger.With("component", "natskv"),
		retry:   retry.DefaultConfig(),
	}
}

// encodeKey flattens a ledger key into the bucket's dot-separated keyspace.
// Wallet and contract addresses are alphanumeric on all supported networks,
// so the parts never collide with the separator.
func encodeKey(key ledger.Key) string {
	return strings.Join([]string{key.Wallet, key.Symbol, key.Contract, key.Network}, ".")
}

// Get returns the record for key.
func (s *Store) Get(ctx context.Context, key ledger.Key) (ledger.Record, error) {
	entry, err := s.kv.Get(ctx, encodeKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return ledger.Record{}, walleterrors.ErrRecordNotFound
		}
		return ledger.Record{}, fmt.Errorf("natskv.Get: reading %s failed: %w", encodeKey(key), err)
	}
	return decode(entry.Value())
}

// Upsert runs the mutator inside a CAS retry loop. Mutator errors abort
// immediately; revision conflicts re-read and retry.
func (s *Store) Upsert(ctx context.Context, key ledger.Key, mutate ledger.Mutator) (ledger.Record, error) {
	kvKey := encodeKey(key)
	var committed ledger.Record

	err := retry.Do(ctx, s.retry, func() error {
		var (
			rec      ledger.Record
			exists   bool
			revision uint64
		)
		entry, err := s.kv.Get(ctx, kvKey)
		switch {
		case err == nil:
			rec, err = decode(entry.Value())
			if err != nil {
				return retry.NonRetryable(err)
			}
			exists = true
			revision = entry.Revision()
		case errors.Is(err, jetstream.ErrKeyNotFound):
			rec = ledger.Record{Key: key}
		default:
			return fmt.Errorf("reading %s: %w", kvKey, err)
		}

		if err := mutate(&rec, exists); err != nil {
			if retry.IsNonRetryable(err) {
				return err
			}
			return retry.NonRetryable(err)
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return retry.NonRetryable(fmt.Errorf("encoding %s: %w", kvKey, err))
		}

		if exists {
			_, err = s.kv.Update(ctx, kvKey, data, revision)
		} else {
			_, err = s.kv.Create(ctx, kvKey, data)
		}
		if err != nil {
			if isConflict(err) {
				s.logger.Debug("revision conflict, retrying", "key", kvKey)
				return fmt.Errorf("revision conflict on %s: %w", kvKey, err)
			}
			return fmt.Errorf("writing %s: %w", kvKey, err)
		}
		committed = rec
		return nil
	})
	if err != nil {
		return ledger.Record{}, err
	}
	return committed, nil
}

// Find lists the bucket and filters client-side. The bucket holds one entry
// per balance record, so a full listing stays proportional to ledger size.
func (s *Store) Find(ctx context.Context, filter ledger.Filter) ([]ledger.Record, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("natskv.Find: listing keys failed: %w", err)
	}

	var out []ledger.Record
	for _, kvKey := range keys {
		entry, err := s.kv.Get(ctx, kvKey)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue // deleted between list and read
			}
			return nil, fmt.Errorf("natskv.Find: reading %s failed: %w", kvKey, err)
		}
		rec, err := decode(entry.Value())
		if err != nil {
			s.logger.Warn("skipping undecodable entry", "key", kvKey, "error", err)
			continue
		}
		if filter.Matches(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Healthy reports the backing connection status.
func (s *Store) Healthy(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.healthy != nil {
		return s.healthy()
	}
	return nil
}

func decode(data []byte) (ledger.Record, error) {
	var rec ledger.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return ledger.Record{}, fmt.Errorf("decoding ledger record failed: %w", err)
	}
	return rec, nil
}

// isConflict detects CAS failures: create-on-existing and update with a
// stale revision.
func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	return strings.Contains(err.Error(), "wrong last sequence")
}
