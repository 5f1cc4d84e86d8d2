package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	walleterrors "github.com/c360/walletvault/errors"
	"github.com/c360/walletvault/ledger"
	"github.com/c360/walletvault/pkg/retry"
)

var testKey = ledger.Key{
	Wallet:   "0x1111111111111111111111111111111111111111",
	Symbol:   "USDT",
	Contract: "0xdAC17F958D2ee523a2206206994597C13D831ec7",
	Network:  "ERC20",
}

// fakeKV is an in-memory stand-in for a JetStream bucket.
type fakeKV struct {
	mu      sync.Mutex
	data    map[string]fakeEntry
	rev     uint64
	failers []func(op string) error
}

type fakeEntry struct {
	jetstream.KeyValueEntry
	value []byte
	rev   uint64
}

func (e fakeEntry) Value() []byte    { return e.value }
func (e fakeEntry) Revision() uint64 { return e.rev }

var (
	_ Bucket       = (*fakeKV)(nil)
	_ ledger.Store = (*Store)(nil)
)

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string]fakeEntry)}
}

// failNext queues an error returned by the next matching operation.
func (f *fakeKV) failNext(fn func(op string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failers = append(f.failers, fn)
}

func (f *fakeKV) interceptLocked(op string) error {
	if len(f.failers) == 0 {
		return nil
	}
	fn := f.failers[0]
	if err := fn(op); err != nil {
		f.failers = f.failers[1:]
		return err
	}
	return nil
}

func (f *fakeKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return entry, nil
}

func (f *fakeKV) Create(_ context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.interceptLocked("create"); err != nil {
		return 0, err
	}
	if _, ok := f.data[key]; ok {
		return 0, jetstream.ErrKeyExists
	}
	f.rev++
	f.data[key] = fakeEntry{value: value, rev: f.rev}
	return f.rev, nil
}

func (f *fakeKV) Update(_ context.Context, key string, value []byte, expected uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.interceptLocked("update"); err != nil {
		return 0, err
	}
	entry, ok := f.data[key]
	if !ok || entry.rev != expected {
		return 0, fmt.Errorf("nats: wrong last sequence: %d", entry.rev)
	}
	f.rev++
	f.data[key] = fakeEntry{value: value, rev: f.rev}
	return f.rev, nil
}

func (f *fakeKV) Keys(_ context.Context, _ ...jetstream.WatchOpt) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.data) == 0 {
		return nil, jetstream.ErrNoKeysFound
	}
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func TestEncodeKeyIsStable(t *testing.T) {
	encoded := encodeKey(testKey)
	assert.Equal(t,
		"0x1111111111111111111111111111111111111111.USDT.0xdAC17F958D2ee523a2206206994597C13D831ec7.ERC20",
		encoded)
}

func TestUpsertCreateAndGet(t *testing.T) {
	s := New(newFakeKV(), nil, nil)
	ctx := context.Background()

	rec, err := s.Upsert(ctx, testKey, func(rec *ledger.Record, exists bool) error {
		require.False(t, exists)
		rec.Quantity = decimal.NewFromInt(10)
		rec.Active = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, rec.Quantity.Equal(decimal.NewFromInt(10)))

	got, err := s.Get(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, got.Quantity.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, testKey, got.Key)
}

func TestGetMissingKey(t *testing.T) {
	s := New(newFakeKV(), nil, nil)
	_, err := s.Get(context.Background(), testKey)
	assert.True(t, errors.Is(err, walleterrors.ErrRecordNotFound))
}

func TestUpsertRetriesOnRevisionConflict(t *testing.T) {
	kv := newFakeKV()
	s := New(kv, nil, nil)
	ctx := context.Background()

	_, err := s.Upsert(ctx, testKey, func(rec *ledger.Record, _ bool) error {
		rec.Quantity = decimal.NewFromInt(1)
		return nil
	})
	require.NoError(t, err)

	// First update hits a stale revision; the CAS loop re-reads and lands.
	kv.failNext(func(op string) error {
		if op != "update" {
			return nil
		}
		return fmt.Errorf("nats: wrong last sequence: 99")
	})

	calls := 0
	rec, err := s.Upsert(ctx, testKey, func(rec *ledger.Record, _ bool) error {
		calls++
		rec.Quantity = rec.Quantity.Add(decimal.NewFromInt(1))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "mutator re-runs after a conflict")
	assert.True(t, rec.Quantity.Equal(decimal.NewFromInt(2)))
}

func TestUpsertMutatorErrorAborts(t *testing.T) {
	kv := newFakeKV()
	s := New(kv, nil, nil)
	ctx := context.Background()

	calls := 0
	_, err := s.Upsert(ctx, testKey, func(*ledger.Record, bool) error {
		calls++
		return retry.NonRetryable(walleterrors.ErrInsufficientBalance)
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, walleterrors.ErrInsufficientBalance))
	assert.Equal(t, 1, calls, "domain rejections must not be retried")

	_, err = s.Get(ctx, testKey)
	assert.True(t, errors.Is(err, walleterrors.ErrRecordNotFound), "nothing written")
}

func TestFindFiltersDecodedRecords(t *testing.T) {
	kv := newFakeKV()
	s := New(kv, nil, nil)
	ctx := context.Background()

	other := testKey
	other.Wallet = "0x2222222222222222222222222222222222222222"
	for _, key := range []ledger.Key{testKey, other} {
		_, err := s.Upsert(ctx, key, func(rec *ledger.Record, _ bool) error {
			rec.Active = true
			return nil
		})
		require.NoError(t, err)
	}

	// A corrupted entry is skipped, not fatal.
	kv.mu.Lock()
	kv.rev++
	kv.data["garbage.key"] = fakeEntry{value: []byte("{not json"), rev: kv.rev}
	kv.mu.Unlock()

	records, err := s.Find(ctx, ledger.Filter{Wallet: testKey.Wallet})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, testKey, records[0].Key)

	all, err := s.Find(ctx, ledger.Filter{Symbol: "USDT"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestFindEmptyBucket(t *testing.T) {
	s := New(newFakeKV(), nil, nil)
	records, err := s.Find(context.Background(), ledger.Filter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestHealthyDelegates(t *testing.T) {
	s := New(newFakeKV(), func() error { return errors.New("down") }, nil)
	assert.Error(t, s.Healthy(context.Background()))

	s = New(newFakeKV(), nil, nil)
	assert.NoError(t, s.Healthy(context.Background()))
}

func TestRecordJSONRoundTrip(t *testing.T) {
	rec := ledger.Record{
		Key:      testKey,
		Quantity: decimal.RequireFromString("1000"),
		Price:    decimal.RequireFromString("1.05"),
		Active:   true,
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	decoded, err := decode(data)
	require.NoError(t, err)
	assert.True(t, decoded.Quantity.Equal(rec.Quantity))
	assert.True(t, decoded.Price.Equal(rec.Price))
	assert.Equal(t, testKey, decoded.Key)
}
