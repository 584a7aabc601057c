// Package lazy provides deferred values that are computed on first use.
package lazy

import "sync"

// Value defers a computation until Get is called. The computation runs at
// most once; its result and error are memoized.
type Value[T any] struct {
	once sync.Once
	fn   func() (T, error)
	v    T
	err  error
}

// New wraps fn.
func New[T any](fn func() (T, error)) *Value[T] {
	return &Value[T]{fn: fn}
}

// Ready wraps an already computed value.
func Ready[T any](v T) *Value[T] {
	l := &Value[T]{v: v}
	l.once.Do(func() {})
	return l
}

// Get forces the value.
func (l *Value[T]) Get() (T, error) {
	l.once.Do(func() {
		l.v, l.err = l.fn()
		l.fn = nil
	})
	return l.v, l.err
}

// Map is an ordered set of keyed lazy values.
type Map[K comparable, T any] struct {
	keys   []K
	values map[K]*Value[T]
}

// NewMap returns an empty Map.
func NewMap[K comparable, T any]() *Map[K, T] {
	return &Map[K, T]{values: make(map[K]*Value[T])}
}

// Put registers a deferred value for key.
func (m *Map[K, T]) Put(key K, fn func() (T, error)) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = New(fn)
}

// Keys returns keys in insertion order.
func (m *Map[K, T]) Keys() []K { return m.keys }

// Len returns the number of keys.
func (m *Map[K, T]) Len() int { return len(m.keys) }

// Get forces the value of key. ok is false for unknown keys.
func (m *Map[K, T]) Get(key K) (v T, ok bool, err error) {
	l, ok := m.values[key]
	if !ok {
		return v, false, nil
	}
	v, err = l.Get()
	return v, true, err
}

// Subset returns a Map restricted to keys, sharing the memoized values.
func (m *Map[K, T]) Subset(keys []K) *Map[K, T] {
	out := NewMap[K, T]()
	for _, k := range keys {
		if l, ok := m.values[k]; ok {
			out.keys = append(out.keys, k)
			out.values[k] = l
		}
	}
	return out
}
