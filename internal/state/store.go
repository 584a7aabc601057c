// Package state is the reactive key/value store observed by the UI.
//
// Writes accumulate until Flush, which notifies per-key subscribers and
// streams a coalesced Delta to every watcher. Deleting a key stores nil;
// keys are never removed, and readers treat nil as absent.
package state

import (
	"slices"
	"sync"

	"github.com/Kitware/nrtk-explorer-sub000/internal/logger"
)

// Delta maps changed keys to their new values. A nil value is a deletion.
type Delta map[string]any

// ChangeFunc observes one key.
type ChangeFunc func(key string, old, new any)

type subscription struct {
	id int
	fn ChangeFunc
}

type pendingChange struct {
	old any
}

// Store holds reactive state.
type Store struct {
	mu       sync.Mutex
	values   map[string]any
	dirty    map[string]pendingChange
	subs     map[string][]subscription
	watchers map[int]chan Delta
	nextID   int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		values:   make(map[string]any),
		dirty:    make(map[string]pendingChange),
		subs:     make(map[string][]subscription),
		watchers: make(map[int]chan Delta),
	}
}

// Get returns the value of key, or nil when it is unset or deleted.
func (s *Store) Get(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

// Has reports whether key holds a non-nil value.
func (s *Store) Has(key string) bool {
	return s.Get(key) != nil
}

// Set stores value under key. The change is observable after Flush.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, value)
}

// SetDefault sets key only when it currently holds nothing.
func (s *Store) SetDefault(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values[key] == nil {
		s.setLocked(key, value)
	}
}

// Update applies several writes at once.
func (s *Store) Update(values map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.setLocked(k, v)
	}
}

func (s *Store) setLocked(key string, value any) {
	if _, ok := s.dirty[key]; !ok {
		s.dirty[key] = pendingChange{old: s.values[key]}
	}
	s.values[key] = value
}

// Delete nulls key.
func (s *Store) Delete(key string) {
	s.Set(key, nil)
}

// Snapshot copies every key, including nulled ones.
func (s *Store) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Keys returns all keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Subscribe registers fn for changes of key and returns a function that
// removes it.
func (s *Store) Subscribe(key string, fn ChangeFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.subs[key] = append(s.subs[key], subscription{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[key]
		for i, sub := range subs {
			if sub.id == id {
				s.subs[key] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Watch returns a channel receiving every flushed Delta. Deltas coalesce
// while the watcher is behind, so a slow reader never blocks Flush.
func (s *Store) Watch() (int, <-chan Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan Delta, 1)
	s.watchers[id] = ch

	logger.Debug("State", "Watcher #%d attached (total: %d)", id, len(s.watchers))
	return id, ch
}

// Unwatch closes and removes a watcher.
func (s *Store) Unwatch(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.watchers[id]; ok {
		close(ch)
		delete(s.watchers, id)
		logger.Debug("State", "Watcher #%d detached (remaining: %d)", id, len(s.watchers))
	}
}

// Flush publishes accumulated writes. Subscribers run on the calling
// goroutine, outside the store lock, so they may write back into the store;
// such writes are published by the next Flush.
func (s *Store) Flush() {
	s.mu.Lock()
	if len(s.dirty) == 0 {
		s.mu.Unlock()
		return
	}

	delta := make(Delta, len(s.dirty))
	type call struct {
		fn       ChangeFunc
		key      string
		old, new any
	}
	var calls []call

	keys := make([]string, 0, len(s.dirty))
	for k := range s.dirty {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		change := s.dirty[k]
		value := s.values[k]
		delta[k] = value
		for _, sub := range s.subs[k] {
			calls = append(calls, call{fn: sub.fn, key: k, old: change.old, new: value})
		}
	}
	s.dirty = make(map[string]pendingChange)

	for _, ch := range s.watchers {
		send(ch, delta)
	}
	s.mu.Unlock()

	for _, c := range calls {
		c.fn(c.key, c.old, c.new)
	}
}

// send delivers d, merging it into an undelivered delta if one is queued.
// Only Flush sends, under the store lock.
func send(ch chan Delta, d Delta) {
	select {
	case ch <- d:
		return
	default:
	}

	merged := make(Delta, len(d))
	select {
	case queued := <-ch:
		for k, v := range queued {
			merged[k] = v
		}
	default:
	}
	for k, v := range d {
		merged[k] = v
	}
	ch <- merged
}

// Value returns the value of key as T.
func Value[T any](s *Store, key string) (T, bool) {
	v, ok := s.Get(key).(T)
	return v, ok
}
