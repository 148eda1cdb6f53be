// Package handle provides an owned table of values addressed by
// generation-checked ids. An id names a slot index and the generation the
// slot had when the value was inserted; once the value is removed the slot's
// generation moves on and the old id stops resolving.
package handle

import (
	"errors"
	"sync"
)

var ErrStale = errors.New("handle: unknown or stale id")

// ID packs generation (high 32 bits) and slot index (low 32 bits). Zero is
// never issued.
type ID uint64

func makeID(gen, index uint32) ID { return ID(uint64(gen)<<32 | uint64(index)) }

func (id ID) split() (gen, index uint32) { return uint32(id >> 32), uint32(id) }

type slot[T any] struct {
	gen  uint32
	used bool
	val  T
}

// Table is safe for concurrent use.
type Table[T any] struct {
	mu    sync.RWMutex
	slots []slot[T]
	free  []uint32
	count int
}

func NewTable[T any]() *Table[T] {
	return &Table[T]{}
}

func (t *Table[T]) Insert(val T) ID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var index uint32
	if n := len(t.free); n > 0 {
		index = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, slot[T]{gen: 1})
		index = uint32(len(t.slots) - 1)
	}
	s := &t.slots[index]
	s.used = true
	s.val = val
	t.count++
	return makeID(s.gen, index)
}

func (t *Table[T]) Get(id ID) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var zero T
	s := t.lookup(id)
	if s == nil {
		return zero, ErrStale
	}
	return s.val, nil
}

// Remove deletes the value and retires id.
func (t *Table[T]) Remove(id ID) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	s := t.lookup(id)
	if s == nil {
		return zero, ErrStale
	}
	val := s.val
	s.val = zero
	s.used = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	_, index := id.split()
	t.free = append(t.free, index)
	t.count--
	return val, nil
}

// Collect returns the ids of all values matching keep.
func (t *Table[T]) Collect(keep func(T) bool) []ID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []ID
	for i := range t.slots {
		s := &t.slots[i]
		if s.used && keep(s.val) {
			ids = append(ids, makeID(s.gen, uint32(i)))
		}
	}
	return ids
}

func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

func (t *Table[T]) lookup(id ID) *slot[T] {
	gen, index := id.split()
	if int(index) >= len(t.slots) {
		return nil
	}
	s := &t.slots[index]
	if !s.used || s.gen != gen {
		return nil
	}
	return s
}
