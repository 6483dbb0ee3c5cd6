package runtime

import (
	"context"
	"sync"
)

// KeyedMutex hands out one mutex per key. Entries are reference counted and
// released when no caller holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Serialized wraps an Adapter so that mutating calls for the same workload id
// never overlap. Reads pass through unlocked.
type Serialized struct {
	inner Adapter
	locks KeyedMutex
}

// NewSerialized wraps inner.
func NewSerialized(inner Adapter) *Serialized {
	return &Serialized{inner: inner}
}

var _ Adapter = (*Serialized)(nil)

// Lock holds the per-workload lock so a caller can inspect-then-act atomically.
// Use the Unlocked adapter returned by Inner while holding it.
func (s *Serialized) Lock(id string) func() {
	return s.locks.Lock(id)
}

// Inner returns the wrapped adapter.
func (s *Serialized) Inner() Adapter {
	return s.inner
}

func (s *Serialized) List(ctx context.Context) ([]WorkloadSummary, error) {
	return s.inner.List(ctx)
}

func (s *Serialized) Inspect(ctx context.Context, id string) (WorkloadDetail, error) {
	return s.inner.Inspect(ctx, id)
}

func (s *Serialized) Start(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.inner.Start(ctx, id)
}

func (s *Serialized) Stop(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.inner.Stop(ctx, id)
}

func (s *Serialized) Restart(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.inner.Restart(ctx, id)
}
