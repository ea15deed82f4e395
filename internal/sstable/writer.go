// Package sstable implements the immutable sorted table files and their
// Bloom filter sidecars.
//
// File layout: record section | sparse index | index_size:u64. Records are in
// strictly ascending key order, each key unique within the file. Every Nth
// record (first included) contributes a sparse index entry mapping its key to
// its byte offset in the record section.
package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"os"

	pkgerrors "github.com/pkg/errors"
	"github.com/return2faye/ShaleKV/internal/codec"
	"github.com/return2faye/ShaleKV/internal/utils"
)

var (
	// ErrOutOfOrder is returned when Append sees a key that is not strictly
	// greater than the previous one.
	ErrOutOfOrder = errors.New("sstable: keys must be strictly ascending")
	// ErrEmptyTable is returned by Finish when nothing was appended.
	ErrEmptyTable = errors.New("sstable: no records written")
	// ErrCorrupt means the table's content cannot be decoded.
	ErrCorrupt = errors.New("sstable: corrupt table")
)

// Meta describes a finished table for the manifest.
type Meta struct {
	MinKey   []byte
	MaxKey   []byte
	FileSize uint64
	Count    int
}

// Writer serializes a sorted record stream into an SST file plus its Bloom
// filter sidecar. The file is not visible to the manifest until the caller
// commits it; an unfinished or aborted writer leaves only garbage for the
// startup GC.
type Writer struct {
	file      *os.File
	bw        *bufio.Writer
	path      string
	bloomPath string
	stride    int
	fpRate    float64

	offset  uint64
	count   int
	index   []codec.IndexEntry
	keys    [][]byte // all keys, for building the filter at Finish
	lastKey []byte
	buf     []byte
}

// NewWriter creates a writer for an SST at path with its filter at bloomPath.
// stride is the sparse index interval in records.
func NewWriter(path, bloomPath string, stride int, fpRate float64) (*Writer, error) {
	// SSTable is immutable, we don't append
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "sstable: create")
	}
	return &Writer{
		file:      f,
		bw:        bufio.NewWriter(f),
		path:      path,
		bloomPath: bloomPath,
		stride:    stride,
		fpRate:    fpRate,
	}, nil
}

// Append writes one record. Keys must arrive in strictly ascending order.
func (w *Writer) Append(rec codec.Record) error {
	if w.file == nil {
		return os.ErrInvalid
	}
	if len(rec.Key) == 0 {
		return ErrOutOfOrder
	}
	if w.lastKey != nil && bytes.Compare(rec.Key, w.lastKey) <= 0 {
		return ErrOutOfOrder
	}

	key := utils.CopyBytes(rec.Key)
	if w.count%w.stride == 0 {
		w.index = append(w.index, codec.IndexEntry{Key: key, Offset: w.offset})
	}

	w.buf = codec.AppendRecord(w.buf[:0], rec)
	if _, err := w.bw.Write(w.buf); err != nil {
		return pkgerrors.Wrap(err, "sstable: write record")
	}

	w.offset += uint64(len(w.buf))
	w.count++
	w.keys = append(w.keys, key)
	w.lastKey = key
	return nil
}

// EstimatedSize returns the bytes of record section written so far. The
// compactor uses it to roll to a new output file at the target size.
func (w *Writer) EstimatedSize() uint64 {
	return w.offset
}

// Count returns the number of records appended so far.
func (w *Writer) Count() int {
	return w.count
}

// Finish writes the sparse index and footer, syncs the table, and writes the
// Bloom filter sidecar. The writer is unusable afterwards.
func (w *Writer) Finish() (Meta, error) {
	if w.file == nil {
		return Meta{}, os.ErrInvalid
	}
	if w.count == 0 {
		w.discard()
		return Meta{}, ErrEmptyTable
	}

	var indexBuf []byte
	for _, e := range w.index {
		indexBuf = codec.AppendIndexEntry(indexBuf, e)
	}
	if _, err := w.bw.Write(indexBuf); err != nil {
		w.discard()
		return Meta{}, pkgerrors.Wrap(err, "sstable: write index")
	}

	var footer [8]byte
	binary.BigEndian.PutUint64(footer[:], uint64(len(indexBuf)))
	if _, err := w.bw.Write(footer[:]); err != nil {
		w.discard()
		return Meta{}, pkgerrors.Wrap(err, "sstable: write footer")
	}

	if err := w.bw.Flush(); err != nil {
		w.discard()
		return Meta{}, pkgerrors.Wrap(err, "sstable: flush")
	}
	if err := w.file.Sync(); err != nil {
		w.discard()
		return Meta{}, pkgerrors.Wrap(err, "sstable: sync")
	}
	if err := w.file.Close(); err != nil {
		w.file = nil
		return Meta{}, pkgerrors.Wrap(err, "sstable: close")
	}
	w.file = nil

	filter := newFilter(len(w.keys), w.fpRate)
	for _, k := range w.keys {
		filter.Add(k)
	}
	if err := writeFilter(w.bloomPath, filter); err != nil {
		return Meta{}, err
	}

	meta := Meta{
		MinKey:   w.keys[0],
		MaxKey:   w.lastKey,
		FileSize: w.offset + uint64(len(indexBuf)) + 8,
		Count:    w.count,
	}
	return meta, nil
}

// Abort discards the writer and removes any partial output files.
func (w *Writer) Abort() {
	w.discard()
	os.Remove(w.path)
	os.Remove(w.bloomPath)
}

func (w *Writer) discard() {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
}
