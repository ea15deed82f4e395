package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"
	pkgerrors "github.com/pkg/errors"
	"github.com/return2faye/ShaleKV/internal/codec"
	"github.com/return2faye/ShaleKV/internal/utils"
)

// Reader serves point lookups and forward iteration over one SST file.
// Opening a reader decodes the footer and sparse index; the record section is
// read lazily with positioned reads. Point lookups are gated by the Bloom
// filter, so most misses cost no record I/O at all.
type Reader struct {
	file     *os.File
	path     string
	fileSize int64
	dataSize int64 // length of the record section
	index    []codec.IndexEntry
	filter   *bloom.BloomFilter
	minKey   []byte
	maxKey   []byte
}

// OpenReader opens the table at path with its filter sidecar at bloomPath.
// A missing or unreadable sidecar is not fatal: the filter is rebuilt by
// scanning the table's records.
func OpenReader(path, bloomPath string, fpRate float64) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "sstable: open")
	}

	r := &Reader{file: f, path: path}
	if err := r.loadIndex(); err != nil {
		f.Close()
		return nil, err
	}

	filter, err := readFilter(bloomPath)
	if err != nil {
		filter, err = r.rebuildFilter(bloomPath, fpRate)
		if err != nil {
			f.Close()
			return nil, err
		}
	}
	r.filter = filter

	return r, nil
}

func (r *Reader) loadIndex() error {
	st, err := r.file.Stat()
	if err != nil {
		return pkgerrors.Wrap(err, "sstable: stat")
	}
	r.fileSize = st.Size()
	if r.fileSize < 8 {
		return ErrCorrupt
	}

	var footer [8]byte
	if _, err := r.file.ReadAt(footer[:], r.fileSize-8); err != nil {
		return pkgerrors.Wrap(err, "sstable: read footer")
	}
	indexSize := binary.BigEndian.Uint64(footer[:])
	if indexSize == 0 || indexSize > uint64(r.fileSize-8) {
		return ErrCorrupt
	}
	r.dataSize = r.fileSize - 8 - int64(indexSize)

	indexBuf := make([]byte, indexSize)
	if _, err := r.file.ReadAt(indexBuf, r.dataSize); err != nil {
		return pkgerrors.Wrap(err, "sstable: read index")
	}

	pos := 0
	var prev codec.IndexEntry
	for pos < len(indexBuf) {
		e, n, err := codec.DecodeIndexEntry(indexBuf[pos:])
		if err != nil {
			return ErrCorrupt
		}
		// Index keys ascend with their offsets; anything else is corruption.
		if len(r.index) > 0 && (bytes.Compare(e.Key, prev.Key) <= 0 || e.Offset <= prev.Offset) {
			return ErrCorrupt
		}
		if len(r.index) == 0 && e.Offset != 0 {
			return ErrCorrupt
		}
		e.Key = utils.CopyBytes(e.Key)
		r.index = append(r.index, e)
		prev = e
		pos += n
	}
	if len(r.index) == 0 {
		return ErrCorrupt
	}

	r.minKey = r.index[0].Key

	// The max key lives in the last record; walk forward from the last index
	// entry, which is at most one stride away.
	it := r.iterAt(int64(r.index[len(r.index)-1].Offset))
	for it.Valid() {
		r.maxKey = utils.CopyBytes(it.Key())
		if err := it.Next(); err != nil {
			return err
		}
	}
	if it.err != nil {
		return it.err
	}
	if r.maxKey == nil {
		return ErrCorrupt
	}
	return nil
}

// rebuildFilter scans every record and reconstructs the sidecar.
func (r *Reader) rebuildFilter(bloomPath string, fpRate float64) (*bloom.BloomFilter, error) {
	var keys [][]byte
	it := r.Iter()
	for it.Valid() {
		keys = append(keys, utils.CopyBytes(it.Key()))
		if err := it.Next(); err != nil {
			return nil, err
		}
	}
	if it.err != nil {
		return nil, it.err
	}

	filter := newFilter(len(keys), fpRate)
	for _, k := range keys {
		filter.Add(k)
	}
	if err := writeFilter(bloomPath, filter); err != nil {
		return nil, err
	}
	return filter, nil
}

// Get returns (value, tombstone, present). The filter is consulted first; a
// negative answer is definitive and costs no record I/O.
func (r *Reader) Get(key []byte) ([]byte, bool, bool, error) {
	if r.file == nil {
		return nil, false, false, os.ErrInvalid
	}
	if !r.filter.Test(key) {
		return nil, false, false, nil
	}
	if bytes.Compare(key, r.minKey) < 0 || bytes.Compare(key, r.maxKey) > 0 {
		return nil, false, false, nil
	}

	// Largest index entry with entry.Key <= key, then a short forward scan:
	// the target is within one stride of the index entry.
	i := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].Key, key) > 0
	})
	if i == 0 {
		return nil, false, false, nil
	}

	it := r.iterAt(int64(r.index[i-1].Offset))
	for it.Valid() {
		cmp := bytes.Compare(it.Key(), key)
		if cmp == 0 {
			return utils.CopyBytes(it.Value()), it.Tombstone(), true, nil
		}
		if cmp > 0 {
			return nil, false, false, nil
		}
		if err := it.Next(); err != nil {
			return nil, false, false, err
		}
	}
	return nil, false, false, it.err
}

// MinKey returns the smallest key in the table.
func (r *Reader) MinKey() []byte { return r.minKey }

// MaxKey returns the largest key in the table.
func (r *Reader) MaxKey() []byte { return r.maxKey }

// FileSize returns the total size of the table file.
func (r *Reader) FileSize() int64 { return r.fileSize }

// Path returns the table's file path.
func (r *Reader) Path() string { return r.path }

func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Iterator walks the record section forward. A freshly created iterator is
// already positioned on its first record (Valid reports whether one exists).
type Iterator struct {
	br  *bufio.Reader
	rec codec.Record
	ok  bool
	err error
}

// Iter iterates the whole table in key order.
func (r *Reader) Iter() *Iterator {
	return r.iterAt(0)
}

// IterFrom iterates records with key >= from.
func (r *Reader) IterFrom(from []byte) *Iterator {
	i := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].Key, from) > 0
	})
	start := int64(0)
	if i > 0 {
		start = int64(r.index[i-1].Offset)
	}

	it := r.iterAt(start)
	for it.Valid() && bytes.Compare(it.Key(), from) < 0 {
		if err := it.Next(); err != nil {
			break
		}
	}
	return it
}

func (r *Reader) iterAt(offset int64) *Iterator {
	sec := io.NewSectionReader(r.file, offset, r.dataSize-offset)
	it := &Iterator{br: bufio.NewReader(sec)}
	it.err = it.advance()
	return it
}

func (it *Iterator) Valid() bool { return it.ok }

func (it *Iterator) Key() []byte { return it.rec.Key }

func (it *Iterator) Value() []byte { return it.rec.Value }

func (it *Iterator) Tombstone() bool { return it.rec.Tombstone }

// Next advances to the following record. After the last record Valid turns
// false with a nil error.
func (it *Iterator) Next() error {
	if !it.ok {
		return it.err
	}
	return it.advance()
}

func (it *Iterator) advance() error {
	rec, err := codec.ReadRecord(it.br)
	if err == io.EOF {
		it.ok = false
		it.rec = codec.Record{}
		return nil
	}
	if err != nil {
		// Inside an SST there is no legitimate truncation: the footer said
		// this region holds whole records.
		it.ok = false
		it.err = ErrCorrupt
		return ErrCorrupt
	}
	it.rec = rec
	it.ok = true
	return nil
}

// Err returns the first corruption error the iterator hit, if any.
func (it *Iterator) Err() error { return it.err }
