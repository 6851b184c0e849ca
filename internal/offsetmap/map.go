// Package offsetmap implements the offset-addressed hash map of
// spec.md §4.B: an open-hash map over a heap.Allocator, keyed by string,
// FNV-1a/32, chained buckets, power-of-two table, doubling when
// size > tableSize. Every inter-item reference (bucket head, chain link,
// value) is a heap.Handle rather than a native pointer, so the map works
// unmodified whether it sits over heap.Private or heap.Arena — mirroring
// the allocator-parity trick in
// _examples/original_source/dynHashmap.c, where the low bit of
// tableSize records which allocator variant built the table.
package offsetmap

import (
	"encoding/binary"
	"fmt"

	"github.com/odinkv/kvsvrd/internal/heap"
)

const (
	initialCapacity = 16
	itemHeaderSize  = 18 // next(8) + value(8) + keyLen(2)
)

// Map is the offset hash map. It is not safe for concurrent use by
// itself; callers (internal/store) serialize access through
// internal/rwgate, matching spec.md §5's "all mutations happen under the
// write gate" ordering guarantee.
type Map struct {
	alloc     heap.Allocator
	table     heap.Handle
	tableSize uint64
	size      uint64
}

// New creates a Map with room for at least capacity items before its
// first growth.
func New(alloc heap.Allocator, capacity int) (*Map, error) {
	if capacity < initialCapacity {
		capacity = initialCapacity
	}
	tableSize := nextPow2(uint64(capacity))

	m := &Map{alloc: alloc, tableSize: tableSize}
	if err := m.allocTable(tableSize); err != nil {
		return nil, err
	}
	return m, nil
}

func nextPow2(n uint64) uint64 {
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

func (m *Map) allocTable(size uint64) error {
	h, err := m.alloc.Reserve(int(size) * 8)
	if err != nil {
		return fmt.Errorf("offsetmap: allocate table: %w", err)
	}
	buf := m.alloc.Resolve(h)
	for i := range buf {
		buf[i] = 0
	}
	m.table = h
	return nil
}

func (m *Map) tableSlot(index uint64) heap.Handle {
	buf := m.alloc.Resolve(m.table)
	return heap.Handle(binary.LittleEndian.Uint64(buf[index*8 : index*8+8]))
}

func (m *Map) setTableSlot(index uint64, h heap.Handle) {
	buf := m.alloc.Resolve(m.table)
	binary.LittleEndian.PutUint64(buf[index*8:index*8+8], uint64(h))
}

func (m *Map) itemNext(item heap.Handle) heap.Handle {
	buf := m.alloc.Resolve(item)
	return heap.Handle(binary.LittleEndian.Uint64(buf[0:8]))
}

func (m *Map) setItemNext(item, next heap.Handle) {
	buf := m.alloc.Resolve(item)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(next))
}

func (m *Map) itemValue(item heap.Handle) heap.Handle {
	buf := m.alloc.Resolve(item)
	return heap.Handle(binary.LittleEndian.Uint64(buf[8:16]))
}

func (m *Map) setItemValue(item, value heap.Handle) {
	buf := m.alloc.Resolve(item)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(value))
}

func (m *Map) itemKey(item heap.Handle) []byte {
	buf := m.alloc.Resolve(item)
	keyLen := binary.LittleEndian.Uint16(buf[16:18])
	return buf[itemHeaderSize : itemHeaderSize+int(keyLen)]
}

// bucketIndex mirrors hashmapFindItem's index calculation exactly.
func (m *Map) bucketIndex(key []byte) uint64 {
	return uint64(hash32(key)) & (m.tableSize - 1)
}

// locate walks the bucket chain for key, returning the bucket index, the
// handle of the item immediately preceding a match (NilHandle if the
// match is the bucket head or there is no match), and the matching item's
// handle (NilHandle if absent).
func (m *Map) locate(key []byte) (slot uint64, prev heap.Handle, item heap.Handle) {
	slot = m.bucketIndex(key)
	prev = heap.NilHandle
	item = m.tableSlot(slot)
	for item != heap.NilHandle {
		if string(m.itemKey(item)) == string(key) {
			return slot, prev, item
		}
		prev = item
		item = m.itemNext(item)
	}
	return slot, prev, heap.NilHandle
}

// Get performs a read-only lookup, returning the stored value handle.
func (m *Map) Get(key []byte) (heap.Handle, bool) {
	_, _, item := m.locate(key)
	if item == heap.NilHandle {
		return heap.NilHandle, false
	}
	return m.itemValue(item), true
}

// Contains reports whether key is present.
func (m *Map) Contains(key []byte) bool {
	_, _, item := m.locate(key)
	return item != heap.NilHandle
}

// ItemHandle returns the stable handle identifying key's record slot, the
// Go analogue of spec.md §3's per-record index used by the pub/sub
// registry: stable for the lifetime of the key, only ever reused by a
// later, unrelated key once this one is deleted and the handle's backing
// block is released and reallocated.
func (m *Map) ItemHandle(key []byte) (heap.Handle, bool) {
	_, _, item := m.locate(key)
	if item == heap.NilHandle {
		return heap.NilHandle, false
	}
	return item, true
}

func (m *Map) insert(key []byte, value heap.Handle, overwrite bool) (heap.Handle, error) {
	slot, _, item := m.locate(key)
	if item != heap.NilHandle {
		existing := m.itemValue(item)
		if overwrite {
			m.setItemValue(item, value)
			return existing, nil
		}
		return existing, nil
	}

	h, err := m.alloc.Reserve(itemHeaderSize + len(key))
	if err != nil {
		return heap.NilHandle, fmt.Errorf("offsetmap: allocate item: %w", err)
	}
	buf := m.alloc.Resolve(h)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(heap.NilHandle))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(value))
	binary.LittleEndian.PutUint16(buf[16:18], uint16(len(key)))
	copy(buf[itemHeaderSize:], key)

	head := m.tableSlot(slot)
	m.setItemNext(h, head)
	m.setTableSlot(slot, h)

	m.size++
	if m.size > m.tableSize {
		if err := m.grow(); err != nil {
			return heap.NilHandle, err
		}
	}
	return heap.NilHandle, nil
}

// Add inserts key→value if absent. If key is already present, the map is
// left unchanged and the existing value handle is returned so the caller
// can reclaim the value it was about to store.
func (m *Map) Add(key []byte, value heap.Handle) (existing heap.Handle, err error) {
	return m.insert(key, value, false)
}

// Put inserts key→value, overwriting any existing value. Returns the
// displaced value handle (heap.NilHandle if this was an insert), which
// the caller must reclaim.
func (m *Map) Put(key []byte, value heap.Handle) (displaced heap.Handle, err error) {
	return m.insert(key, value, true)
}

// Remove unlinks key's item and returns its value handle (heap.NilHandle
// if absent). The caller owns releasing the returned value handle.
func (m *Map) Remove(key []byte) heap.Handle {
	slot, prev, item := m.locate(key)
	if item == heap.NilHandle {
		return heap.NilHandle
	}

	next := m.itemNext(item)
	if prev == heap.NilHandle {
		m.setTableSlot(slot, next)
	} else {
		m.setItemNext(prev, next)
	}

	value := m.itemValue(item)
	m.alloc.Release(item)
	m.size--
	return value
}

// Size returns the number of stored items.
func (m *Map) Size() uint64 { return m.size }

func (m *Map) grow() error {
	oldTable := m.table
	oldSize := m.tableSize
	newSize := oldSize * 2

	if err := m.allocTable(newSize); err != nil {
		m.table = oldTable
		return err
	}
	m.tableSize = newSize

	for i := uint64(0); i < oldSize; i++ {
		buf := m.alloc.Resolve(oldTable)
		item := heap.Handle(binary.LittleEndian.Uint64(buf[i*8 : i*8+8]))
		for item != heap.NilHandle {
			next := m.itemNext(item)
			slot := m.bucketIndex(m.itemKey(item))
			head := m.tableSlot(slot)
			m.setItemNext(item, head)
			m.setTableSlot(slot, item)
			item = next
		}
	}
	m.alloc.Release(oldTable)
	return nil
}

// Next resumes iteration after previous (heap.NilHandle to start from the
// beginning), visiting bucket chains in table order and each chain in
// link order. Valid only while no insertions or deletions occur between
// calls, per spec.md §4.B's iteration contract.
func (m *Map) Next(previous heap.Handle) (item heap.Handle, ok bool) {
	if previous != heap.NilHandle {
		if n := m.itemNext(previous); n != heap.NilHandle {
			return n, true
		}
		slot := m.bucketIndex(m.itemKey(previous)) + 1
		return m.nextNonEmptySlot(slot)
	}
	return m.nextNonEmptySlot(0)
}

func (m *Map) nextNonEmptySlot(from uint64) (heap.Handle, bool) {
	for i := from; i < m.tableSize; i++ {
		if head := m.tableSlot(i); head != heap.NilHandle {
			return head, true
		}
	}
	return heap.NilHandle, false
}

// ForEach visits every key/value pair exactly once. fn receives the raw
// key bytes (valid only for the duration of the call) and the value
// handle.
func (m *Map) ForEach(fn func(key []byte, value heap.Handle)) {
	for i := uint64(0); i < m.tableSize; i++ {
		item := m.tableSlot(i)
		for item != heap.NilHandle {
			next := m.itemNext(item)
			fn(m.itemKey(item), m.itemValue(item))
			item = next
		}
	}
}
