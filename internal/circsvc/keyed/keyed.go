// Package keyed provides a table of mutexes addressed by key. Entries are
// reference counted and removed when the last holder unlocks, so the table
// only ever holds keys that are in use.
package keyed

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

type Mutex[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*entry
}

func New[K comparable]() *Mutex[K] {
	return &Mutex[K]{locks: make(map[K]*entry)}
}

// Lock blocks until key is held and returns the matching unlock.
func (m *Mutex[K]) Lock(key K) (unlock func()) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.locks, key)
			}
			m.mu.Unlock()
		})
	}
}

// Len reports how many keys are currently locked or waited on.
func (m *Mutex[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
