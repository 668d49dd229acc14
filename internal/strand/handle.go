package strand

import "sync"

// Table is an owning registry of values of type T, issuing WeakHandles that
// survive the value's removal without dangling: Resolve reports ok=false
// once the owner has freed the entry instead of returning stale data.
//
// This is the Go realisation of the "weak reference + upgrade on entry"
// pattern spec.md calls out in its design notes: async callbacks capture a
// WeakHandle rather than a *T, and Resolve at the top of the callback before
// touching any state.
type Table[T any] struct {
	mu     sync.Mutex
	nextID uint64
	values map[uint64]*T
}

// NewTable creates an empty Table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{values: make(map[uint64]*T)}
}

// WeakHandle references an entry in a Table without keeping it alive.
type WeakHandle[T any] struct {
	id    uint64
	table *Table[T]
}

// Put registers v and returns a handle to it.
func (t *Table[T]) Put(v *T) WeakHandle[T] {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID
	t.values[id] = v
	return WeakHandle[T]{id: id, table: t}
}

// Delete removes the entry a handle refers to. Subsequent Resolve calls on
// any handle to this id report ok=false.
func (t *Table[T]) Delete(h WeakHandle[T]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.values, h.id)
}

// Resolve upgrades a WeakHandle to its current value. ok is false if the
// owning Table has already deleted the entry.
func (h WeakHandle[T]) Resolve() (v *T, ok bool) {
	if h.table == nil {
		return nil, false
	}
	h.table.mu.Lock()
	defer h.table.mu.Unlock()
	v, ok = h.table.values[h.id]
	return v, ok
}

// Valid reports whether the handle was ever issued by a Table.
func (h WeakHandle[T]) Valid() bool {
	return h.table != nil
}
