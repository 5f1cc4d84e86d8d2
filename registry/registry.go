// Package registry tracks which connections are subscribed to which wallet
// keys. It is the single source of truth for fan-out targets and is safe
// for concurrent use.
package registry

import (
	"hash/fnv"
	"log/slog"
	"sync"
)

// ConnectionHandle is the capability a session exposes to the registry and
// dispatcher. Send must not block indefinitely; implementations enqueue to
// a bounded outbound buffer.
type ConnectionHandle interface {
	// ID uniquely identifies the connection for the registry's lifetime.
	ID() string
	// Send enqueues an already-encoded frame for delivery.
	Send(data []byte) error
	// IsOpen reports whether the connection can still accept frames.
	IsOpen() bool
	// Close tears the connection down.
	Close() error
}

const shardCount = 16

type shard struct {
	mu   sync.RWMutex
	subs map[string]map[string]ConnectionHandle // wallet key -> handle ID -> handle
}

// Registry is a sharded wallet-key → subscriber-set map. Empty sets are
// pruned on unsubscribe so lookups never return stale keys.
type Registry struct {
	shards [shardCount]*shard

	reverseMu sync.Mutex
	reverse   map[string]map[string]struct{} // handle ID -> wallet keys

	logger *slog.Logger
}

// New creates an empty registry. A nil logger disables logging.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Registry{
		reverse: make(map[string]map[string]struct{}),
		logger:  logger.With("component", "registry"),
	}
	for i := range r.shards {
		r.shards[i] = &shard{subs: make(map[string]map[string]ConnectionHandle)}
	}
	return r
}

func (r *Registry) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return r.shards[h.Sum32()%shardCount]
}

// Subscribe adds handle to the subscriber set for key. Subscribing twice is
// a no-op.
func (r *Registry) Subscribe(key string, handle ConnectionHandle) {
	s := r.shardFor(key)
	s.mu.Lock()
	set, ok := s.subs[key]
	if !ok {
		set = make(map[string]ConnectionHandle)
		s.subs[key] = set
	}
	_, existed := set[handle.ID()]
	set[handle.ID()] = handle
	s.mu.Unlock()

	r.reverseMu.Lock()
	keys, ok := r.reverse[handle.ID()]
	if !ok {
		keys = make(map[string]struct{})
		r.reverse[handle.ID()] = keys
	}
	keys[key] = struct{}{}
	r.reverseMu.Unlock()

	if !existed {
		r.logger.Debug("subscribed", "wallet", key, "connection", handle.ID())
	}
}

// Unsubscribe removes handle from the subscriber set for key. Unknown keys
// and absent handles are no-ops.
func (r *Registry) Unsubscribe(key string, handle ConnectionHandle) {
	r.remove(key, handle.ID())

	r.reverseMu.Lock()
	if keys, ok := r.reverse[handle.ID()]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(r.reverse, handle.ID())
		}
	}
	r.reverseMu.Unlock()
}

func (r *Registry) remove(key, handleID string) {
	s := r.shardFor(key)
	s.mu.Lock()
	if set, ok := s.subs[key]; ok {
		delete(set, handleID)
		if len(set) == 0 {
			delete(s.subs, key)
		}
	}
	s.mu.Unlock()
}

// UnsubscribeAll removes handle from every key it is subscribed to and
// returns the number of subscriptions removed. It completes synchronously;
// after it returns no dispatch will target the handle.
func (r *Registry) UnsubscribeAll(handle ConnectionHandle) int {
	r.reverseMu.Lock()
	keys := r.reverse[handle.ID()]
	delete(r.reverse, handle.ID())
	r.reverseMu.Unlock()

	for key := range keys {
		r.remove(key, handle.ID())
	}
	if len(keys) > 0 {
		r.logger.Debug("unsubscribed all", "connection", handle.ID(), "count", len(keys))
	}
	return len(keys)
}

// Subscribers returns a snapshot of the handles subscribed to key. The
// slice is owned by the caller; mutating the registry afterwards does not
// affect it.
func (r *Registry) Subscribers(key string) []ConnectionHandle {
	s := r.shardFor(key)
	s.mu.RLock()
	set := s.subs[key]
	handles := make([]ConnectionHandle, 0, len(set))
	for _, h := range set {
		handles = append(handles, h)
	}
	s.mu.RUnlock()
	return handles
}

// SubscriberCount returns the size of the subscriber set for key.
func (r *Registry) SubscriberCount(key string) int {
	s := r.shardFor(key)
	s.mu.RLock()
	n := len(s.subs[key])
	s.mu.RUnlock()
	return n
}

// Keys returns a snapshot of all wallet keys with at least one subscriber.
func (r *Registry) Keys() []string {
	var keys []string
	for _, s := range r.shards {
		s.mu.RLock()
		for key := range s.subs {
			keys = append(keys, key)
		}
		s.mu.RUnlock()
	}
	return keys
}

// Subscriptions returns the wallet keys handle is currently subscribed to.
func (r *Registry) Subscriptions(handle ConnectionHandle) []string {
	r.reverseMu.Lock()
	defer r.reverseMu.Unlock()
	keys := make([]string, 0, len(r.reverse[handle.ID()]))
	for key := range r.reverse[handle.ID()] {
		keys = append(keys, key)
	}
	return keys
}
