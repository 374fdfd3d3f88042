// Package lock implements the C3 key-range lock table: a mutex table keyed
// by "bucket||object" that serializes all object-mutating operations
// (PUT, DELETE, part upload, complete, abort). Read-only operations
// (GET/HEAD) never take this lock (§4.3).
package lock

import "sync"

type entry struct {
	mu       sync.Mutex
	waiters  int
}

// Table is a map of mutexes, one per contended key, created on first use
// and evicted once its last waiter releases.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty Table.
func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Key joins a bucket and object name into the lock table's key shape.
func Key(bucket, object string) string {
	return bucket + "||" + object
}

// Lock blocks until no other holder owns key, then acquires it.
func (t *Table) Lock(key string) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{}
		t.entries[key] = e
	}
	e.waiters++
	t.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases key, evicting its entry from the table when no other
// goroutine is waiting on it.
func (t *Table) Unlock(key string) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		t.mu.Unlock()
		panic("lock: Unlock of unlocked key " + key)
	}
	e.waiters--
	if e.waiters == 0 {
		delete(t.entries, key)
	}
	t.mu.Unlock()

	e.mu.Unlock()
}
