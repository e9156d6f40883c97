package resource

import (
	"errors"
)

var ErrClosed = errors.New("resource table closed")

// Table stores values under small integer IDs and reuses freed IDs.
//
// Tables are not safe for concurrent use. Every table in this module is owned
// by a single event loop goroutine.
type Table[T any] struct {
	entries   []entry[T]
	freeList  []ID
	observers []Observer[T]
	base      ID
	live      int
	closed    bool
}

type entry[T any] struct {
	value T
	valid bool
}

// NewTable creates a table whose first issued ID is base.
// Protocol tables start at 0; host-facing handle tables start at 1 so that 0 stays invalid.
func NewTable[T any](base ID) *Table[T] {
	return &Table[T]{
		entries:  make([]entry[T], 0, 16),
		freeList: make([]ID, 0, 8),
		base:     base,
	}
}

// Insert adds a value and returns its ID.
func (t *Table[T]) Insert(value T) (ID, error) {
	if t.closed {
		return 0, ErrClosed
	}

	var id ID
	if n := len(t.freeList); n > 0 {
		id = t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		t.entries[id-t.base] = entry[T]{value: value, valid: true}
	} else {
		t.entries = append(t.entries, entry[T]{value: value, valid: true})
		id = t.base + ID(len(t.entries)-1)
	}
	t.live++

	t.notify(Event[T]{Type: EventCreated, ID: id, Value: value})
	return id, nil
}

// Get retrieves a value by ID.
func (t *Table[T]) Get(id ID) (T, bool) {
	var zero T
	if id < t.base {
		return zero, false
	}
	idx := int(id - t.base)
	if idx >= len(t.entries) || !t.entries[idx].valid {
		return zero, false
	}
	return t.entries[idx].value, true
}

// Set replaces the value stored under an existing ID.
func (t *Table[T]) Set(id ID, value T) bool {
	if id < t.base {
		return false
	}
	idx := int(id - t.base)
	if idx >= len(t.entries) || !t.entries[idx].valid {
		return false
	}
	t.entries[idx].value = value
	return true
}

// Remove frees an ID and returns its value without running Dropper.
func (t *Table[T]) Remove(id ID) (T, bool) {
	var zero T
	if id < t.base {
		return zero, false
	}
	idx := int(id - t.base)
	if idx >= len(t.entries) || !t.entries[idx].valid {
		return zero, false
	}

	value := t.entries[idx].value
	t.entries[idx] = entry[T]{}
	t.freeList = append(t.freeList, id)
	t.live--

	t.notify(Event[T]{Type: EventDropped, ID: id, Value: value})
	return value, true
}

// Drop removes an entry and calls Drop on its value when it implements Dropper.
func (t *Table[T]) Drop(id ID) bool {
	value, ok := t.Remove(id)
	if !ok {
		return false
	}
	if d, ok := any(value).(Dropper); ok {
		d.Drop()
	}
	return true
}

// Len returns the number of live entries.
func (t *Table[T]) Len() int {
	return t.live
}

// Each iterates over live entries in ID order until fn returns false.
func (t *Table[T]) Each(fn func(ID, T) bool) {
	for i := range t.entries {
		if !t.entries[i].valid {
			continue
		}
		if !fn(t.base+ID(i), t.entries[i].value) {
			return
		}
	}
}

// Subscribe adds an observer for lifecycle events.
func (t *Table[T]) Subscribe(o Observer[T]) {
	t.observers = append(t.observers, o)
}

// Unsubscribe removes an observer.
func (t *Table[T]) Unsubscribe(o Observer[T]) {
	for i, obs := range t.observers {
		if any(obs) == any(o) {
			t.observers = append(t.observers[:i], t.observers[i+1:]...)
			return
		}
	}
}

// Clear drops every live entry and keeps the table usable.
func (t *Table[T]) Clear() {
	var ids []ID
	t.Each(func(id ID, _ T) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		t.Drop(id)
	}
}

// Close drops every entry and stops accepting inserts.
func (t *Table[T]) Close() error {
	if t.closed {
		return nil
	}
	t.Clear()
	t.closed = true
	t.entries = nil
	t.freeList = nil
	return nil
}

func (t *Table[T]) notify(e Event[T]) {
	for _, o := range t.observers {
		o.OnResourceEvent(e)
	}
}
