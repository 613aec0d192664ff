// Package keyedset implements a collection which hands out a fresh key for every
// inserted item. Keys grow monotonically and are never reused, so a holder of a
// stale key can never accidentally remove a newer item.
package keyedset

import (
	"errors"
)

var (
	// ErrUnknownKey is returned when removing a key which was never issued by the set.
	// Seeing it means a bug in the caller.
	ErrUnknownKey = errors.New("keyedset: unknown key")
	// ErrKeyRemoved is returned when the key was issued but the item is already gone.
	// This is an expected race, i.e. a connection closed while a delivery was in flight.
	// errors.Is(ErrKeyRemoved, ErrUnknownKey) is true.
	ErrKeyRemoved = &removedErr{}
)

type removedErr struct{}

func (*removedErr) Error() string { return "keyedset: key already removed" }

func (*removedErr) Is(target error) bool { return target == ErrUnknownKey }

// Set is a keyed collection of items. The zero value is not usable, call New.
// Set is not safe for concurrent use.
type Set[T any] struct {
	items   map[uint64]T
	lastKey uint64
}

// New creates an empty Set.
func New[T any]() *Set[T] {
	return &Set[T]{items: make(map[uint64]T)}
}

// Add inserts the item and returns its key. The first key is 1.
func (s *Set[T]) Add(item T) uint64 {
	s.lastKey++
	s.items[s.lastKey] = item
	return s.lastKey
}

// Remove deletes the item with the given key.
func (s *Set[T]) Remove(key uint64) error {
	if _, ok := s.items[key]; !ok {
		if key == 0 || key > s.lastKey {
			return ErrUnknownKey
		}
		return ErrKeyRemoved
	}
	delete(s.items, key)
	return nil
}

// Get returns the item stored under the key.
func (s *Set[T]) Get(key uint64) (T, bool) {
	item, ok := s.items[key]
	return item, ok
}

// Range calls f for every item currently in the set in unspecified order.
// Iteration stops when f returns false. f may remove the item it is visiting
// but must not otherwise modify the set; use Keys to take a snapshot instead.
func (s *Set[T]) Range(f func(key uint64, item T) bool) {
	for k, v := range s.items {
		if !f(k, v) {
			return
		}
	}
}

// Keys returns a snapshot of the keys currently in the set.
func (s *Set[T]) Keys() []uint64 {
	keys := make([]uint64, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of items in the set.
func (s *Set[T]) Len() int {
	return len(s.items)
}
