package lsm

import (
	"bytes"
	"container/heap"

	"github.com/return2faye/ShaleKV/internal/memtable"
	"github.com/return2faye/ShaleKV/internal/sstable"
)

// iterator is the common shape of every sorted source the merge consumes:
// the memtable, a single SSTable, or a whole non-zero level.
type iterator interface {
	Valid() bool
	Key() []byte
	Value() []byte
	Tombstone() bool
	Next() error
}

// memIter adapts the skiplist iterator, whose Next cannot fail.
type memIter struct {
	it *memtable.SLIterator
}

func (m *memIter) Valid() bool     { return m.it.Valid() }
func (m *memIter) Key() []byte     { return m.it.Key() }
func (m *memIter) Value() []byte   { return m.it.Value() }
func (m *memIter) Tombstone() bool { return m.it.Tombstone() }
func (m *memIter) Next() error     { m.it.Next(); return nil }

// levelIter presents a non-zero level as one logical sorted input. The
// level's tables are disjoint and ordered by key range, so the iterator is a
// lazy concatenation: only the table the merge is currently inside is open.
type levelIter struct {
	tables  []TableMeta
	cache   *readerCache
	lo      []byte // first positioning bound, nil = level start
	pos     int
	cur     *sstable.Iterator
	release func()
}

func newLevelIter(tables []TableMeta, cache *readerCache, lo []byte) (*levelIter, error) {
	li := &levelIter{tables: tables, cache: cache, lo: lo}

	// Skip tables entirely below lo.
	for li.pos < len(tables) && lo != nil && bytes.Compare(tables[li.pos].MaxKey, lo) < 0 {
		li.pos++
	}
	if err := li.open(); err != nil {
		return nil, err
	}
	return li, nil
}

func (li *levelIter) open() error {
	for li.pos < len(li.tables) {
		r, release, err := li.cache.acquire(li.tables[li.pos])
		if err != nil {
			return err
		}

		var it *sstable.Iterator
		if li.lo != nil {
			it = r.IterFrom(li.lo)
			li.lo = nil // only the first table needs positioning
		} else {
			it = r.Iter()
		}
		if err := it.Err(); err != nil {
			release()
			return err
		}
		if it.Valid() {
			li.cur = it
			li.release = release
			return nil
		}
		// Exhausted before it began (lo past the table's content); move on.
		release()
		li.pos++
	}
	li.cur = nil
	li.release = nil
	return nil
}

func (li *levelIter) Valid() bool     { return li.cur != nil && li.cur.Valid() }
func (li *levelIter) Key() []byte     { return li.cur.Key() }
func (li *levelIter) Value() []byte   { return li.cur.Value() }
func (li *levelIter) Tombstone() bool { return li.cur.Tombstone() }

func (li *levelIter) Next() error {
	if li.cur == nil {
		return nil
	}
	if err := li.cur.Next(); err != nil {
		return err
	}
	if li.cur.Valid() {
		return nil
	}
	// Current table drained; close it and open the next one.
	li.release()
	li.cur, li.release = nil, nil
	li.pos++
	return li.open()
}

// Close releases the currently open table, if any.
func (li *levelIter) Close() {
	if li.release != nil {
		li.release()
		li.cur, li.release = nil, nil
	}
}

// mergeIterator is the k-way merge over sorted inputs with newest-wins
// semantics. Priority is positional: sources[0] is the freshest (the active
// memtable), then the frozen memtable, level-0 tables newest to oldest, then
// each deeper level. Where several inputs share a key, only the freshest
// entry is emitted; the older duplicates are discarded. Tombstones pass
// through unchanged; dropping them is the caller's decision.
type mergeIterator struct {
	h     mergeHeap
	key   []byte
	value []byte
	tomb  bool
	valid bool
}

type mergeSource struct {
	it  iterator
	pri int
}

type mergeHeap []*mergeSource

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].it.Key(), h[j].it.Key()); c != 0 {
		return c < 0
	}
	return h[i].pri < h[j].pri
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*mergeSource)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// newMergeIterator builds the merge. sources must be ordered freshest first.
func newMergeIterator(sources []iterator) (*mergeIterator, error) {
	mi := &mergeIterator{}
	for pri, it := range sources {
		if it.Valid() {
			mi.h = append(mi.h, &mergeSource{it: it, pri: pri})
		}
	}
	heap.Init(&mi.h)

	if err := mi.advance(); err != nil {
		return nil, err
	}
	return mi, nil
}

func (mi *mergeIterator) Valid() bool     { return mi.valid }
func (mi *mergeIterator) Key() []byte     { return mi.key }
func (mi *mergeIterator) Value() []byte   { return mi.value }
func (mi *mergeIterator) Tombstone() bool { return mi.tomb }

func (mi *mergeIterator) Next() error {
	return mi.advance()
}

func (mi *mergeIterator) advance() error {
	if mi.h.Len() == 0 {
		mi.valid = false
		mi.key, mi.value = nil, nil
		return nil
	}

	// The heap top is the smallest key; ties rank the freshest source first.
	top := mi.h[0]
	mi.key = top.it.Key()
	mi.value = top.it.Value()
	mi.tomb = top.it.Tombstone()
	mi.valid = true

	if err := mi.step(top); err != nil {
		return err
	}

	// Discard older entries for the same key.
	for mi.h.Len() > 0 && bytes.Equal(mi.h[0].it.Key(), mi.key) {
		if err := mi.step(mi.h[0]); err != nil {
			return err
		}
	}
	return nil
}

// step advances the source at the heap top and restores heap order, dropping
// the source once it is exhausted.
func (mi *mergeIterator) step(src *mergeSource) error {
	if err := src.it.Next(); err != nil {
		return err
	}
	if src.it.Valid() {
		heap.Fix(&mi.h, 0)
	} else {
		heap.Pop(&mi.h)
	}
	return nil
}
