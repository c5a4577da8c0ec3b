// Package fixed provides a bounded list whose capacity is set once and never
// grows.
package fixed

import "github.com/pkg/errors"

// ErrCapacity is returned when pushing onto a full list.
var ErrCapacity = errors.New("fixed capacity exceeded")

// List is an ordered collection with a capacity chosen at construction.
// The zero value has capacity zero.
type List[T any] struct {
	items []T
}

// New returns an empty list that holds at most capacity items.
func New[T any](capacity int) *List[T] {
	return &List[T]{items: make([]T, 0, capacity)}
}

// Push appends v, or returns ErrCapacity if the list is full.
func (l *List[T]) Push(v T) error {
	if len(l.items) == cap(l.items) {
		return ErrCapacity
	}
	l.items = append(l.items, v)
	return nil
}

// Len returns the number of items.
func (l *List[T]) Len() int { return len(l.items) }

// Cap returns the fixed capacity.
func (l *List[T]) Cap() int { return cap(l.items) }

// Full reports whether Push would fail.
func (l *List[T]) Full() bool { return len(l.items) == cap(l.items) }

// At returns the item at index i.
func (l *List[T]) At(i int) T { return l.items[i] }

// Remove deletes the item at index i, preserving order, and returns it.
func (l *List[T]) Remove(i int) T {
	v := l.items[i]
	copy(l.items[i:], l.items[i+1:])
	var zero T
	l.items[len(l.items)-1] = zero
	l.items = l.items[:len(l.items)-1]
	return v
}

// PopFront removes and returns the first item.
func (l *List[T]) PopFront() (T, bool) {
	if len(l.items) == 0 {
		var zero T
		return zero, false
	}
	return l.Remove(0), true
}

// Find returns the index of the first item matching fn, or -1.
func (l *List[T]) Find(fn func(T) bool) int {
	for i, v := range l.items {
		if fn(v) {
			return i
		}
	}
	return -1
}

// Clear removes every item without releasing capacity.
func (l *List[T]) Clear() {
	var zero T
	for i := range l.items {
		l.items[i] = zero
	}
	l.items = l.items[:0]
}
