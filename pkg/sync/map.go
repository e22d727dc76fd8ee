package sync

import "sync"

// TypedSyncMap is a thin generic wrapper around sync.Map.
type TypedSyncMap[K comparable, V any] struct {
	m sync.Map
}

func (m *TypedSyncMap[K, V]) Delete(key K) { m.m.Delete(key) }

func (m *TypedSyncMap[K, V]) Load(key K) (V, bool) {
	v, ok := m.m.Load(key)
	if !ok {
		return *new(V), ok
	}

	if vv, ok := v.(V); ok {
		return vv, true
	}
	return *new(V), false
}

func (m *TypedSyncMap[K, V]) LoadOrStore(key K, value V) (V, bool) {
	a, loaded := m.m.LoadOrStore(key, value)
	if av, ok := a.(V); ok {
		return av, loaded
	}

	return *new(V), loaded
}

// CompareAndDelete deletes the entry for key only if it is
// currently mapped to old.
func (m *TypedSyncMap[K, V]) CompareAndDelete(key K, old V) bool {
	return m.m.CompareAndDelete(key, old)
}

func (m *TypedSyncMap[K, V]) Store(key K, value V) { m.m.Store(key, value) }

// Range calls f for each entry in the map, stopping
// early if f returns false.
func (m *TypedSyncMap[K, V]) Range(f func(K, V) bool) {
	m.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

// Values returns a snapshot of all values currently in the map.
func (m *TypedSyncMap[K, V]) Values() []V {
	out := make([]V, 0)
	m.Range(func(_ K, v V) bool {
		out = append(out, v)
		return true
	})
	return out
}
