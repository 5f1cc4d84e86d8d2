package ledger

import "context"

// Filter selects records. Empty fields match everything; ActiveOnly
// restricts to records still marked active.
type Filter struct {
	Wallet     string
	Symbol     string
	Contract   string
	Network    string
	ActiveOnly bool
}

// Matches reports whether rec satisfies the filter.
func (f Filter) Matches(rec Record) bool {
	if f.Wallet != "" && rec.Key.Wallet != f.Wallet {
		return false
	}
	if f.Symbol != "" && rec.Key.Symbol != f.Symbol {
		return false
	}
	if f.Contract != "" && rec.Key.Contract != f.Contract {
		return false
	}
	if f.Network != "" && rec.Key.Network != f.Network {
		return false
	}
	if f.ActiveOnly && !rec.Active {
		return false
	}
	return true
}

// Mutator transforms a record inside an atomic upsert. exists tells whether
// the record was already present; when false, rec is zero-valued with the
// key filled in. Returning an error aborts the upsert without writing.
type Mutator func(rec *Record, exists bool) error

// Store is the persistence contract the ledger service runs against.
// Implementations must make Upsert atomic per key: concurrent upserts on
// the same key serialize, and the mutator always sees the latest committed
// record. No atomicity is required across keys.
type Store interface {
	// Get returns the record for key, or errors.ErrRecordNotFound.
	Get(ctx context.Context, key Key) (Record, error)

	// Upsert applies mutate atomically to the record for key and returns
	// the committed result.
	Upsert(ctx context.Context, key Key, mutate Mutator) (Record, error)

	// Find returns all records matching the filter.
	Find(ctx context.Context, filter Filter) ([]Record, error)

	// Healthy reports whether the backing store is reachable.
	Healthy(ctx context.Context) error
}
