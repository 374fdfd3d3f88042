// Package namelist implements the C2 ListMap: a reference-counted,
// lazily-loaded, write-through cache of ordered name sets keyed by scope
// (one global scope for the bucket namelist, bucket name for object
// namelists).
package namelist

import (
	"context"
	"fmt"
	"sync"

	"github.com/s3gwd/s3gw/internal/store"
)

// entry is one cached namelist: an ordered set of names plus its own
// reference count and mutation lock. The map mutex in Cache guards entry
// creation/destruction and refcount changes; entry.mu guards only point
// mutations (Insert/Delete/IsExist), never store I/O (§4.2).
type entry struct {
	mu       sync.Mutex
	names    []string
	index    map[string]int // name -> position in names, for O(1) IsExist/Delete
	refcount int
	dirty    bool
}

// List is a handle returned by Ref: an ordered set of names borrowed under
// one reference. Callers must call Cache.Unref(scope) exactly once per Ref.
type List struct {
	e *entry
}

// Names returns a snapshot copy of the list's current contents, in
// insertion order.
func (l *List) Names() []string {
	l.e.mu.Lock()
	defer l.e.mu.Unlock()
	out := make([]string, len(l.e.names))
	copy(out, l.e.names)
	return out
}

// Insert adds name to the set if not already present, marking the list
// dirty so it is persisted on the last Unref.
func (l *List) Insert(name string) {
	l.e.mu.Lock()
	defer l.e.mu.Unlock()
	if _, ok := l.e.index[name]; ok {
		return
	}
	l.e.index[name] = len(l.e.names)
	l.e.names = append(l.e.names, name)
	l.e.dirty = true
}

// Delete removes name from the set if present, marking the list dirty.
func (l *List) Delete(name string) {
	l.e.mu.Lock()
	defer l.e.mu.Unlock()
	pos, ok := l.e.index[name]
	if !ok {
		return
	}
	l.e.names = append(l.e.names[:pos], l.e.names[pos+1:]...)
	delete(l.e.index, name)
	for n, p := range l.e.index {
		if p > pos {
			l.e.index[n] = p - 1
		}
	}
	l.e.dirty = true
}

// IsExist reports whether name is currently a member of the set.
func (l *List) IsExist(name string) bool {
	l.e.mu.Lock()
	defer l.e.mu.Unlock()
	_, ok := l.e.index[name]
	return ok
}

// Cache is one ListMap instance: either the bucket-namelist cache (one
// global scope holding every user's bucket names; there is no per-user
// bucket namelist) or an object-namelist cache (scope = bucket name).
// Both are constructed the same way; the caller decides which scope
// strings it uses.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	store   *store.Store
}

// New creates an empty Cache backed by st for lazy loads and dirty flushes.
func New(st *store.Store) *Cache {
	return &Cache{entries: make(map[string]*entry), store: st}
}

// Ref returns the List for scope, loading it from the store on first
// access and incrementing its refcount. Callers must pair every Ref with
// exactly one Unref.
func (c *Cache) Ref(ctx context.Context, scope string) (*List, error) {
	c.mu.Lock()
	if e, ok := c.entries[scope]; ok {
		e.refcount++
		c.mu.Unlock()
		return &List{e: e}, nil
	}
	// Not cached: load under the map lock so concurrent Refs for the same
	// scope observe a single load, not a duplicate one (§4.2 guarantee).
	names, err := c.store.GetNameList(ctx, scope)
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("loading namelist for scope %q: %w", scope, err)
	}
	index := make(map[string]int, len(names))
	for i, n := range names {
		index[n] = i
	}
	e := &entry{names: names, index: index, refcount: 1}
	c.entries[scope] = e
	c.mu.Unlock()
	return &List{e: e}, nil
}

// Unref decrements scope's refcount. When it reaches zero and the list is
// dirty, the list is persisted via Store.SaveNameList. Entries stay cached
// after their last Unref; nothing evicts them.
func (c *Cache) Unref(ctx context.Context, scope string) error {
	c.mu.Lock()
	e, ok := c.entries[scope]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("unref of scope %q with no outstanding ref", scope)
	}
	e.refcount--
	if e.refcount < 0 {
		c.mu.Unlock()
		return fmt.Errorf("unref of scope %q past zero refcount", scope)
	}
	shouldFlush := e.refcount == 0 && e.dirty
	c.mu.Unlock()

	if !shouldFlush {
		return nil
	}

	e.mu.Lock()
	names := make([]string, len(e.names))
	copy(names, e.names)
	e.mu.Unlock()

	if err := c.store.SaveNameList(ctx, scope, names); err != nil {
		return fmt.Errorf("flushing namelist for scope %q: %w", scope, err)
	}
	e.mu.Lock()
	e.dirty = false
	e.mu.Unlock()
	return nil
}
