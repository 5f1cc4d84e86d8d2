package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	open   bool
}

func newFakeHandle(id string) *fakeHandle {
	return &fakeHandle{id: id, open: true}
}

func (f *fakeHandle) ID() string { return f.id }

func (f *fakeHandle) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeHandle) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeHandle) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	return nil
}

func TestSubscribeIsIdempotent(t *testing.T) {
	r := New(nil)
	h := newFakeHandle("c1")

	r.Subscribe("wallet-a", h)
	r.Subscribe("wallet-a", h)

	assert.Equal(t, 1, r.SubscriberCount("wallet-a"))
	assert.Len(t, r.Subscribers("wallet-a"), 1)
}

func TestUnsubscribePrunesEmptySets(t *testing.T) {
	r := New(nil)
	h := newFakeHandle("c1")

	r.Subscribe("wallet-a", h)
	require.Len(t, r.Keys(), 1)

	r.Unsubscribe("wallet-a", h)
	assert.Empty(t, r.Keys())
	assert.Equal(t, 0, r.SubscriberCount("wallet-a"))

	// Unknown key and absent handle are no-ops.
	r.Unsubscribe("wallet-a", h)
	r.Unsubscribe("never-seen", h)
}

func TestUnsubscribeAllRemovesEveryKey(t *testing.T) {
	r := New(nil)
	h1 := newFakeHandle("c1")
	h2 := newFakeHandle("c2")

	r.Subscribe("wallet-a", h1)
	r.Subscribe("wallet-b", h1)
	r.Subscribe("wallet-a", h2)

	removed := r.UnsubscribeAll(h1)
	assert.Equal(t, 2, removed)
	assert.Empty(t, r.Subscriptions(h1))
	assert.Equal(t, 1, r.SubscriberCount("wallet-a"))
	assert.Equal(t, 0, r.SubscriberCount("wallet-b"))

	assert.Equal(t, 0, r.UnsubscribeAll(h1))
}

func TestSubscribersReturnsSnapshot(t *testing.T) {
	r := New(nil)
	h := newFakeHandle("c1")
	r.Subscribe("wallet-a", h)

	snapshot := r.Subscribers("wallet-a")
	r.Unsubscribe("wallet-a", h)

	// The earlier snapshot is unaffected by the unsubscribe.
	assert.Len(t, snapshot, 1)
	assert.Empty(t, r.Subscribers("wallet-a"))
}

func TestConcurrentChurn(t *testing.T) {
	r := New(nil)
	const goroutines = 16
	const keys = 8

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			h := newFakeHandle(fmt.Sprintf("conn-%d", g))
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("wallet-%d", i%keys)
				r.Subscribe(key, h)
				r.Subscribers(key)
				if i%3 == 0 {
					r.Unsubscribe(key, h)
				}
			}
			r.UnsubscribeAll(h)
		}(g)
	}
	wg.Wait()

	// Every handle fully unsubscribed; no keys may linger.
	assert.Empty(t, r.Keys())
}
