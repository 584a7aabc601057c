package state

// Prefixer returns a key-mapping function that namespaces keys.
func Prefixer(prefix string) func(string) string {
	if prefix == "" {
		return func(k string) string { return k }
	}
	return func(k string) string { return prefix + "_" + k }
}

// Scope is a namespaced view over a Store. Components receive a Scope at
// construction so two instances never collide on keys.
type Scope struct {
	store *Store
	key   func(string) string
}

// Scoped returns a view whose keys are prefixed with prefix + "_".
func (s *Store) Scoped(prefix string) Scope {
	return Scope{store: s, key: Prefixer(prefix)}
}

// Key maps a local key to the store key.
func (sc Scope) Key(k string) string { return sc.key(k) }

// Store returns the underlying store.
func (sc Scope) Store() *Store { return sc.store }

func (sc Scope) Get(k string) any { return sc.store.Get(sc.key(k)) }
func (sc Scope) Set(k string, v any) { sc.store.Set(sc.key(k), v) }
func (sc Scope) Delete(k string) { sc.store.Delete(sc.key(k)) }
func (sc Scope) SetDefault(k string, v any) { sc.store.SetDefault(sc.key(k), v) }
func (sc Scope) Flush() { sc.store.Flush() }

// Subscribe observes a local key.
func (sc Scope) Subscribe(k string, fn ChangeFunc) func() {
	return sc.store.Subscribe(sc.key(k), fn)
}
