package state

import (
	"cmp"
	"slices"
)

// TxMap is a map whose writes inside a request can be rolled back. The first
// write to a key in a transaction saves a clone of its prior value; Rollback
// restores those clones and drops keys the transaction created.
//
// Not thread-safe; only accessed from the single-threaded deterministic core.
type TxMap[K cmp.Ordered, V any] struct {
	live  map[K]*V
	saved map[K]*V // nil entry: key did not exist before the transaction
	clone func(*V) *V
	inTx  bool
}

func NewTxMap[K cmp.Ordered, V any](clone func(*V) *V) *TxMap[K, V] {
	return &TxMap[K, V]{
		live:  make(map[K]*V),
		saved: make(map[K]*V),
		clone: clone,
	}
}

// Get returns the live value for reading. Callers must not mutate it; use
// Mutable for writes.
func (m *TxMap[K, V]) Get(k K) (*V, bool) {
	v, ok := m.live[k]
	return v, ok
}

// Mutable returns a writable value, creating it with init when absent.
func (m *TxMap[K, V]) Mutable(k K, init func() *V) *V {
	m.track(k)
	v, ok := m.live[k]
	if !ok {
		v = init()
		m.live[k] = v
	}
	return v
}

// Put replaces the value at k.
func (m *TxMap[K, V]) Put(k K, v *V) {
	m.track(k)
	m.live[k] = v
}

func (m *TxMap[K, V]) Delete(k K) {
	m.track(k)
	delete(m.live, k)
}

func (m *TxMap[K, V]) track(k K) {
	if !m.inTx {
		return
	}
	if _, seen := m.saved[k]; seen {
		return
	}
	if v, ok := m.live[k]; ok {
		m.saved[k] = m.clone(v)
	} else {
		m.saved[k] = nil
	}
}

// Keys returns the live keys in ascending order.
func (m *TxMap[K, V]) Keys() []K {
	keys := make([]K, 0, len(m.live))
	for k := range m.live {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (m *TxMap[K, V]) Len() int {
	return len(m.live)
}

// Touched returns the keys written in the open transaction, sorted.
func (m *TxMap[K, V]) Touched() []K {
	keys := make([]K, 0, len(m.saved))
	for k := range m.saved {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (m *TxMap[K, V]) Begin() {
	m.inTx = true
	clear(m.saved)
}

func (m *TxMap[K, V]) Commit() {
	m.inTx = false
	clear(m.saved)
}

func (m *TxMap[K, V]) Rollback() {
	for k, v := range m.saved {
		if v == nil {
			delete(m.live, k)
		} else {
			m.live[k] = v
		}
	}
	m.inTx = false
	clear(m.saved)
}
