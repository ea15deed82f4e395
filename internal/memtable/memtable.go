package memtable

import (
	"errors"
	"sync/atomic"
)

var ErrFrozen = errors.New("memtable: frozen")

// Memtable is the in-memory ordered mutation buffer. It holds at most one
// entry per key; later inserts overwrite. Durability is not its concern: the
// engine appends to the WAL before touching the memtable.
type Memtable struct {
	sl     *SkipList
	frozen int32 // atomic flag: 0 = mutable, 1 = frozen
}

func New() *Memtable {
	return &Memtable{sl: NewSkipList()}
}

// Insert stores key -> value, overwriting any prior entry.
func (mt *Memtable) Insert(key, value []byte) error {
	if atomic.LoadInt32(&mt.frozen) == 1 {
		return ErrFrozen
	}
	mt.sl.Put(key, value, false)
	return nil
}

// Delete stores a tombstone for key. The tombstone is a real entry: it must
// shadow any older value for the key living in an SSTable.
func (mt *Memtable) Delete(key []byte) error {
	if atomic.LoadInt32(&mt.frozen) == 1 {
		return ErrFrozen
	}
	mt.sl.Put(key, nil, true)
	return nil
}

// Get returns (value, tombstone, present).
func (mt *Memtable) Get(key []byte) ([]byte, bool, bool) {
	return mt.sl.Get(key)
}

// ByteSize returns the estimated logical size of the content.
func (mt *Memtable) ByteSize() int64 {
	return mt.sl.Bytes()
}

// Len returns the number of entries, tombstones included.
func (mt *Memtable) Len() int {
	return mt.sl.Count()
}

// Freeze marks the memtable immutable. Subsequent Insert/Delete fail with
// ErrFrozen; reads and iteration are still allowed. Called before the flush
// path drains the memtable into an SSTable.
func (mt *Memtable) Freeze() {
	atomic.StoreInt32(&mt.frozen, 1)
}

// IsFrozen indicates whether the memtable has been frozen (immutable).
func (mt *Memtable) IsFrozen() bool {
	return atomic.LoadInt32(&mt.frozen) == 1
}

// Iter returns an iterator over all entries in ascending key order.
func (mt *Memtable) Iter() *SLIterator {
	return mt.sl.NewIterator()
}

// IterRange returns an iterator over entries with lo <= key < hi.
func (mt *Memtable) IterRange(lo, hi []byte) *SLIterator {
	return mt.sl.NewRangeIterator(lo, hi)
}

// DrainSorted freezes the memtable and returns the sorted stream the flush
// path writes out. The memtable is discarded after the flush commits.
func (mt *Memtable) DrainSorted() *SLIterator {
	mt.Freeze()
	return mt.sl.NewIterator()
}
