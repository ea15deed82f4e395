package lsm

import (
	"fmt"
	"testing"

	"github.com/return2faye/ShaleKV/internal/codec"
	"github.com/return2faye/ShaleKV/internal/memtable"
	"github.com/return2faye/ShaleKV/internal/sstable"
)

func memSource(entries map[string]string, tombs ...string) iterator {
	mt := memtable.New()
	for k, v := range entries {
		mt.Insert([]byte(k), []byte(v))
	}
	for _, k := range tombs {
		mt.Delete([]byte(k))
	}
	return &memIter{it: mt.Iter()}
}

func drain(t *testing.T, it *mergeIterator) map[string]string {
	t.Helper()
	out := make(map[string]string)
	prev := ""
	for it.Valid() {
		k := string(it.Key())
		if prev != "" && k <= prev {
			t.Fatalf("merge emitted %q after %q", k, prev)
		}
		prev = k
		if it.Tombstone() {
			out[k] = "<tomb>"
		} else {
			out[k] = string(it.Value())
		}
		if err := it.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	return out
}

func TestMergeNewestWins(t *testing.T) {
	// Source 0 is freshest; its entries shadow the same keys below.
	fresh := memSource(map[string]string{"a": "new-a", "c": "new-c"})
	old := memSource(map[string]string{"a": "old-a", "b": "old-b", "c": "old-c"})

	mi, err := newMergeIterator([]iterator{fresh, old})
	if err != nil {
		t.Fatalf("newMergeIterator: %v", err)
	}

	got := drain(t, mi)
	want := map[string]string{"a": "new-a", "b": "old-b", "c": "new-c"}
	if len(got) != len(want) {
		t.Fatalf("merged %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("key %q = %q, want %q", k, got[k], v)
		}
	}
}

func TestMergeTombstonePassThrough(t *testing.T) {
	fresh := memSource(nil, "k")
	old := memSource(map[string]string{"k": "v"})

	mi, err := newMergeIterator([]iterator{fresh, old})
	if err != nil {
		t.Fatalf("newMergeIterator: %v", err)
	}

	got := drain(t, mi)
	// The tombstone wins and is emitted as a tombstone; suppression is the
	// consumer's decision, not the merge's.
	if got["k"] != "<tomb>" {
		t.Errorf("k = %q, want tombstone", got["k"])
	}
}

func TestMergeThreeWay(t *testing.T) {
	s0 := memSource(map[string]string{"b": "0b"})
	s1 := memSource(map[string]string{"a": "1a", "b": "1b", "d": "1d"})
	s2 := memSource(map[string]string{"b": "2b", "c": "2c", "e": "2e"})

	mi, err := newMergeIterator([]iterator{s0, s1, s2})
	if err != nil {
		t.Fatalf("newMergeIterator: %v", err)
	}

	got := drain(t, mi)
	want := map[string]string{"a": "1a", "b": "0b", "c": "2c", "d": "1d", "e": "2e"}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("key %q = %q, want %q", k, got[k], v)
		}
	}
	if len(got) != len(want) {
		t.Errorf("merged %d keys, want %d", len(got), len(want))
	}
}

func TestMergeEmptySources(t *testing.T) {
	mi, err := newMergeIterator([]iterator{memSource(nil), memSource(nil)})
	if err != nil {
		t.Fatalf("newMergeIterator: %v", err)
	}
	if mi.Valid() {
		t.Error("merge over empty sources should be exhausted")
	}

	mi, err = newMergeIterator(nil)
	if err != nil {
		t.Fatalf("newMergeIterator(nil): %v", err)
	}
	if mi.Valid() {
		t.Error("merge over no sources should be exhausted")
	}
}

// buildTable writes n records keyed key-<start>..key-<start+n-1> as one SST.
func buildTable(t *testing.T, dir string, level int, id uint64, start, n int) TableMeta {
	t.Helper()
	w, err := sstable.NewWriter(sstPath(dir, level, id), bloomPath(dir, level, id), 16, 0.01)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := start; i < start+n; i++ {
		rec := codec.Record{
			Key:   []byte(fmt.Sprintf("key-%05d", i)),
			Value: []byte(fmt.Sprintf("val-%d-%d", id, i)),
		}
		if err := w.Append(rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	meta, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return TableMeta{Level: level, ID: id, MinKey: meta.MinKey, MaxKey: meta.MaxKey, Size: meta.FileSize}
}

func TestLevelIterLazyConcatenation(t *testing.T) {
	dir := t.TempDir()
	cache := newReaderCache(dir, 0.01)
	defer cache.closeAll()

	// Three disjoint tables forming one level.
	tables := []TableMeta{
		buildTable(t, dir, 1, 1, 0, 10),
		buildTable(t, dir, 1, 2, 10, 10),
		buildTable(t, dir, 1, 3, 20, 10),
	}

	li, err := newLevelIter(tables, cache, nil)
	if err != nil {
		t.Fatalf("newLevelIter: %v", err)
	}
	defer li.Close()

	count := 0
	prev := ""
	for li.Valid() {
		k := string(li.Key())
		if prev != "" && k <= prev {
			t.Fatalf("level iter emitted %q after %q", k, prev)
		}
		prev = k
		count++
		if err := li.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if count != 30 {
		t.Errorf("iterated %d records, want 30", count)
	}
}

func TestLevelIterSeeksPastWholeTables(t *testing.T) {
	dir := t.TempDir()
	cache := newReaderCache(dir, 0.01)
	defer cache.closeAll()

	tables := []TableMeta{
		buildTable(t, dir, 1, 1, 0, 10),
		buildTable(t, dir, 1, 2, 10, 10),
		buildTable(t, dir, 1, 3, 20, 10),
	}

	// Bound falls inside the second table; the first is never opened.
	li, err := newLevelIter(tables, cache, []byte("key-00015"))
	if err != nil {
		t.Fatalf("newLevelIter: %v", err)
	}
	defer li.Close()

	if !li.Valid() || string(li.Key()) != "key-00015" {
		t.Fatalf("level iter starts at %q, want key-00015", li.Key())
	}

	count := 0
	for li.Valid() {
		count++
		if err := li.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if count != 15 {
		t.Errorf("iterated %d records, want 15", count)
	}
}
