package sparse

// Map is a sparse map from uint32 keys to values of type V. A sparse index
// slice points into parallel dense key and value slices, giving O(1) insert,
// lookup and delete with contiguous iteration over present keys. Deletion
// swap-removes, so iteration order is not insertion order.
type Map[V any] struct {
	index  []int32
	keys   []uint32
	values []V
}

// NewMap creates an empty sparse map.
func NewMap[V any]() *Map[V] {
	return &Map[V]{}
}

func (m *Map[V]) grow(key uint32) {
	for uint32(len(m.index)) <= key {
		n := len(m.index)*2 + 8
		next := make([]int32, n)
		for i := range next {
			next[i] = -1
		}
		copy(next, m.index)
		m.index = next
	}
}

// Set inserts or overwrites the value for key.
func (m *Map[V]) Set(key uint32, value V) {
	m.grow(key)
	if at := m.index[key]; at >= 0 {
		m.values[at] = value
		return
	}
	m.index[key] = int32(len(m.keys))
	m.keys = append(m.keys, key)
	m.values = append(m.values, value)
}

// Get returns the value for key and whether it is present.
func (m *Map[V]) Get(key uint32) (V, bool) {
	if uint32(len(m.index)) <= key || m.index[key] < 0 {
		var zero V
		return zero, false
	}
	return m.values[m.index[key]], true
}

// Has reports whether key is present.
func (m *Map[V]) Has(key uint32) bool {
	return uint32(len(m.index)) > key && m.index[key] >= 0
}

// Delete removes key if present, swap-removing its dense slot.
func (m *Map[V]) Delete(key uint32) {
	if uint32(len(m.index)) <= key || m.index[key] < 0 {
		return
	}
	at := m.index[key]
	last := int32(len(m.keys) - 1)
	if at != last {
		m.keys[at] = m.keys[last]
		m.values[at] = m.values[last]
		m.index[m.keys[at]] = at
	}
	m.keys = m.keys[:last]
	m.values = m.values[:last]
	m.index[key] = -1
}

// Len returns the number of present keys.
func (m *Map[V]) Len() int {
	return len(m.keys)
}

// Each calls fn for every present (key, value) pair. fn must not mutate the
// map.
func (m *Map[V]) Each(fn func(key uint32, value V)) {
	for i, k := range m.keys {
		fn(k, m.values[i])
	}
}

// Keys returns the dense key slice. The slice is owned by the map and is
// invalidated by mutation.
func (m *Map[V]) Keys() []uint32 {
	return m.keys
}

// Set is the membership-only specialisation of Map.
type Set struct {
	m Map[struct{}]
}

// NewSet creates an empty sparse set.
func NewSet() *Set {
	return &Set{}
}

// Add inserts key.
func (s *Set) Add(key uint32) {
	s.m.Set(key, struct{}{})
}

// Has reports whether key is present.
func (s *Set) Has(key uint32) bool {
	return s.m.Has(key)
}

// Delete removes key if present.
func (s *Set) Delete(key uint32) {
	s.m.Delete(key)
}

// Len returns the number of present keys.
func (s *Set) Len() int {
	return s.m.Len()
}

// Each calls fn for every present key.
func (s *Set) Each(fn func(key uint32)) {
	for _, k := range s.m.keys {
		fn(k)
	}
}

// Keys returns the dense key slice, owned by the set.
func (s *Set) Keys() []uint32 {
	return s.m.keys
}
