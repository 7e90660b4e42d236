// SPDX-License-Identifier: AGPL-3.0-only

package promise

import (
	"context"
	"sort"
	"sync"
)

// Map is a string-keyed set of promises. Entries are never evicted.
type Map[T any] struct {
	mtx     sync.Mutex
	entries map[string]*Promise[T]
}

func NewMap[T any]() *Map[T] {
	return &Map[T]{entries: map[string]*Promise[T]{}}
}

// Get returns the promise stored under key, or nil if the key was never written.
func (m *Map[T]) Get(key string) *Promise[T] {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.entries[key]
}

// Set replaces the promise stored under key.
func (m *Map[T]) Set(key string, p *Promise[T]) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.entries[key] = p
}

// SetIfAbsent stores p under key unless the key already holds a promise.
// It returns the promise held by the key afterwards and whether p was stored.
func (m *Map[T]) SetIfAbsent(key string, p *Promise[T]) (*Promise[T], bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if existing, ok := m.entries[key]; ok {
		return existing, false
	}
	m.entries[key] = p
	return p, true
}

// CompareAndDelete removes key if it still holds p.
func (m *Map[T]) CompareAndDelete(key string, p *Promise[T]) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.entries[key] != p {
		return false
	}
	delete(m.entries, key)
	return true
}

// GetOrCreate returns the promise stored under key. On a miss a new promise is
// published under key before fn starts, so concurrent callers share the same
// in-flight call. fn runs in its own goroutine with a context that is never
// canceled: once started, it always runs to completion. Its outcome, error
// included, stays stored under key.
func (m *Map[T]) GetOrCreate(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (p *Promise[T], created bool) {
	m.mtx.Lock()
	if existing, ok := m.entries[key]; ok {
		m.mtx.Unlock()
		return existing, false
	}
	p = New[T]()
	m.entries[key] = p
	m.mtx.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		v, err := fn(detached)
		if err != nil {
			p.Reject(err)
			return
		}
		p.Resolve(v)
	}()
	return p, true
}

// Len returns the number of keys.
func (m *Map[T]) Len() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.entries)
}

// Keys returns all keys, sorted.
func (m *Map[T]) Keys() []string {
	m.mtx.Lock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	m.mtx.Unlock()

	sort.Strings(keys)
	return keys
}

// Append adds item to the list stored under key. The promise replacing the
// previous one is published before the previous one is awaited, so appends to
// the same key are applied in call order. A previous entry that was rejected
// counts as empty. If equal is not nil and the list already holds an item equal
// to item, the list is kept unchanged.
func Append[E any](m *Map[[]E], key string, item E, equal func(a, b E) bool) *Promise[[]E] {
	next := New[[]E]()

	m.mtx.Lock()
	prev := m.entries[key]
	m.entries[key] = next
	m.mtx.Unlock()

	var current []E
	if prev != nil {
		// The previous writer always settles its promise, so this cannot block forever.
		if v, err := prev.Wait(context.Background()); err == nil {
			current = v
		}
	}

	if equal != nil {
		for _, existing := range current {
			if equal(existing, item) {
				next.Resolve(current)
				return next
			}
		}
	}

	updated := make([]E, len(current), len(current)+1)
	copy(updated, current)
	updated = append(updated, item)
	next.Resolve(updated)
	return next
}
