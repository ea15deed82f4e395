package memtable

import (
	"bytes"
	"fmt"
	"sort"
	"testing"
)

func TestSkipListPutGet(t *testing.T) {
	sl := NewSkipList()

	sl.Put([]byte("a"), []byte("1"), false)
	sl.Put([]byte("b"), []byte("2"), false)
	sl.Put([]byte("a"), []byte("3"), false)

	val, tomb, ok := sl.Get([]byte("a"))
	if !ok || tomb || string(val) != "3" {
		t.Errorf("Get(a) = (%q, %v, %v), want (3, false, true)", val, tomb, ok)
	}

	val, tomb, ok = sl.Get([]byte("b"))
	if !ok || tomb || string(val) != "2" {
		t.Errorf("Get(b) = (%q, %v, %v), want (2, false, true)", val, tomb, ok)
	}

	if _, _, ok := sl.Get([]byte("c")); ok {
		t.Error("Get(c) should miss")
	}

	// Overwrite must not grow the entry count.
	if sl.Count() != 2 {
		t.Errorf("Count = %d, want 2", sl.Count())
	}
}

func TestSkipListTombstone(t *testing.T) {
	sl := NewSkipList()

	sl.Put([]byte("k"), []byte("v"), false)
	sl.Put([]byte("k"), nil, true)

	val, tomb, ok := sl.Get([]byte("k"))
	if !ok || !tomb || val != nil {
		t.Errorf("Get(k) = (%q, %v, %v), want tombstone hit", val, tomb, ok)
	}

	// A tombstone is not the same as an empty value.
	sl.Put([]byte("e"), []byte{}, false)
	val, tomb, ok = sl.Get([]byte("e"))
	if !ok || tomb || len(val) != 0 {
		t.Errorf("Get(e) = (%q, %v, %v), want empty value hit", val, tomb, ok)
	}
}

func TestSkipListOrderedIteration(t *testing.T) {
	sl := NewSkipList()

	keys := []string{"b", "d", "a", "c", "e"}
	for _, k := range keys {
		sl.Put([]byte(k), []byte("v-"+k), false)
	}

	var got []string
	for it := sl.NewIterator(); it.Valid(); it.Next() {
		got = append(got, string(it.Key()))
	}

	want := append([]string(nil), keys...)
	sort.Strings(want)
	if len(got) != len(want) {
		t.Fatalf("iterated %d keys, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSkipListRangeIterator(t *testing.T) {
	sl := NewSkipList()
	for i := 0; i < 26; i++ {
		k := []byte{byte('a' + i)}
		sl.Put(k, k, false)
	}

	var got []string
	for it := sl.NewRangeIterator([]byte("f"), []byte("j")); it.Valid(); it.Next() {
		got = append(got, string(it.Key()))
	}
	want := []string{"f", "g", "h", "i"}
	if len(got) != len(want) {
		t.Fatalf("range [f, j) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("range [f, j) = %v, want %v", got, want)
		}
	}

	// nil hi means unbounded above.
	n := 0
	for it := sl.NewRangeIterator([]byte("x"), nil); it.Valid(); it.Next() {
		n++
	}
	if n != 3 {
		t.Errorf("range [x, nil) has %d keys, want 3", n)
	}
}

func TestSkipListBytesMonotone(t *testing.T) {
	sl := NewSkipList()

	sl.Put([]byte("key"), []byte("valvalval"), false)
	first := sl.Bytes()
	if first != int64(len("key")+len("valvalval")) {
		t.Errorf("Bytes = %d after first insert", first)
	}

	// Shrinking overwrite shrinks the estimate.
	sl.Put([]byte("key"), []byte("v"), false)
	if sl.Bytes() != int64(len("key")+1) {
		t.Errorf("Bytes = %d after overwrite", sl.Bytes())
	}

	sl.Put([]byte("key2"), []byte("v2"), false)
	if sl.Bytes() <= int64(len("key")+1) {
		t.Errorf("Bytes = %d should grow with new keys", sl.Bytes())
	}
}

func TestSkipListManyKeys(t *testing.T) {
	sl := NewSkipList()

	const n = 2000
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%06d", i))
		sl.Put(k, []byte(fmt.Sprintf("val-%d", i)), false)
	}

	if sl.Count() != n {
		t.Fatalf("Count = %d, want %d", sl.Count(), n)
	}

	prev := []byte(nil)
	count := 0
	for it := sl.NewIterator(); it.Valid(); it.Next() {
		if prev != nil && bytes.Compare(prev, it.Key()) >= 0 {
			t.Fatalf("keys out of order: %q then %q", prev, it.Key())
		}
		prev = append(prev[:0], it.Key()...)
		count++
	}
	if count != n {
		t.Errorf("iterated %d keys, want %d", count, n)
	}
}
