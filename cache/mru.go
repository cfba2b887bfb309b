// Package cache holds the in-process caches: a generic MRU, an in-memory shared cache
// and the ObjectCache that fronts storage reads.
package cache

// node is an element of the recency list.
type node[K comparable, V any] struct {
	key   K
	value V
	prev  *node[K, V]
	next  *node[K, V]
}

// MRU is a fixed capacity map that evicts its least recently used entries.
// It is not safe for concurrent use; callers guard it.
type MRU[K comparable, V any] struct {
	capacity int
	lookup   map[K]*node[K, V]
	head     *node[K, V]
	tail     *node[K, V]
	onEvict  func(K, V)
}

// NewMRU creates an MRU holding at most capacity entries.
func NewMRU[K comparable, V any](capacity int) *MRU[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &MRU[K, V]{
		capacity: capacity,
		lookup:   make(map[K]*node[K, V], capacity),
	}
}

// OnEvict sets a callback invoked for entries dropped due to capacity.
func (m *MRU[K, V]) OnEvict(fn func(K, V)) {
	m.onEvict = fn
}

// Get returns the value under key and marks it most recently used.
func (m *MRU[K, V]) Get(key K) (V, bool) {
	n, ok := m.lookup[key]
	if !ok {
		var zero V
		return zero, false
	}
	m.moveToHead(n)
	return n.value, true
}

// Peek returns the value under key without touching its recency.
func (m *MRU[K, V]) Peek(key K) (V, bool) {
	n, ok := m.lookup[key]
	if !ok {
		var zero V
		return zero, false
	}
	return n.value, true
}

// Set inserts or replaces key, then evicts down to capacity.
func (m *MRU[K, V]) Set(key K, value V) {
	if n, ok := m.lookup[key]; ok {
		n.value = value
		m.moveToHead(n)
		return
	}
	n := &node[K, V]{key: key, value: value}
	m.lookup[key] = n
	m.pushHead(n)
	m.evict()
}

// Delete removes keys, ignoring absent ones.
func (m *MRU[K, V]) Delete(keys ...K) {
	for _, k := range keys {
		if n, ok := m.lookup[k]; ok {
			m.unlink(n)
			delete(m.lookup, k)
		}
	}
}

// Len is the number of entries held.
func (m *MRU[K, V]) Len() int {
	return len(m.lookup)
}

// IsFull reports whether the next new key triggers an eviction.
func (m *MRU[K, V]) IsFull() bool {
	return len(m.lookup) >= m.capacity
}

// Keys lists keys from most to least recently used.
func (m *MRU[K, V]) Keys() []K {
	keys := make([]K, 0, len(m.lookup))
	for n := m.head; n != nil; n = n.next {
		keys = append(keys, n.key)
	}
	return keys
}

// Clear drops every entry without calling the eviction callback.
func (m *MRU[K, V]) Clear() {
	m.lookup = make(map[K]*node[K, V], m.capacity)
	m.head = nil
	m.tail = nil
}

func (m *MRU[K, V]) evict() {
	for len(m.lookup) > m.capacity && m.tail != nil {
		n := m.tail
		m.unlink(n)
		delete(m.lookup, n.key)
		if m.onEvict != nil {
			m.onEvict(n.key, n.value)
		}
	}
}

func (m *MRU[K, V]) moveToHead(n *node[K, V]) {
	if m.head == n {
		return
	}
	m.unlink(n)
	m.pushHead(n)
}

func (m *MRU[K, V]) pushHead(n *node[K, V]) {
	n.prev = nil
	n.next = m.head
	if m.head != nil {
		m.head.prev = n
	} else {
		m.tail = n
	}
	m.head = n
}

func (m *MRU[K, V]) unlink(n *node[K, V]) {
	if n == m.head {
		m.head = n.next
	}
	if n == m.tail {
		m.tail = n.prev
	}
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	n.prev = nil
	n.next = nil
}
