// Package kv is the public surface of the store.
package kv

import (
	"errors"

	"github.com/return2faye/ShaleKV/internal/lsm"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a key is not found
	ErrNotFound = errors.New("kv: key not found")
	// ErrClosed is returned when the store is closed
	ErrClosed = errors.New("kv: store is closed")
	// ErrEmptyKey is returned for the empty key, which is not a valid key
	ErrEmptyKey = errors.New("kv: empty key")
)

// Options configures a store. Zero fields take the defaults listed.
type Options struct {
	// Path is the store directory. Required.
	Path string
	// MemtableSizeLimit is the WAL/memtable size that triggers a flush.
	// Default 4 MiB.
	MemtableSizeLimit int64
	// SSTTargetSize is the compaction output file size. Default 2 MiB.
	SSTTargetSize uint64
	// SparseIndexStride is the records-per-index-entry interval. Default 16.
	SparseIndexStride int
	// Level0SSTLimit is the table count that triggers a level-0 compaction.
	// Default 4.
	Level0SSTLimit int
	// LevelSizeMultiplierBase sets level capacities: level L holds base^L
	// MiB. Default 10.
	LevelSizeMultiplierBase int
	// BloomFPRate is the per-table Bloom filter false positive rate.
	// Default 0.01.
	BloomFPRate float64
	// Logger receives engine events. Default is a no-op logger.
	Logger *zap.Logger
}

// Store is a single-writer embedded key-value store. Keys and values are
// opaque byte strings; keys must be non-empty.
type Store struct {
	db *lsm.DB
}

// Open opens or creates the store at opts.Path.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("kv: path cannot be empty")
	}

	db, err := lsm.Open(lsm.Options{
		Dir:                     opts.Path,
		MemtableSizeLimit:       opts.MemtableSizeLimit,
		SSTTargetSize:           opts.SSTTargetSize,
		SparseIndexStride:       opts.SparseIndexStride,
		Level0SSTLimit:          opts.Level0SSTLimit,
		LevelSizeMultiplierBase: opts.LevelSizeMultiplierBase,
		BloomFPRate:             opts.BloomFPRate,
		Logger:                  opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Put stores key -> value. The returned previous value is best-effort,
// served from the in-memory buffer only.
func (s *Store) Put(key, value []byte) ([]byte, bool, error) {
	if s.db == nil {
		return nil, false, ErrClosed
	}
	old, ok, err := s.db.Insert(key, value)
	return old, ok, mapErr(err)
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key []byte) ([]byte, bool, error) {
	if s.db == nil {
		return nil, false, ErrClosed
	}
	old, ok, err := s.db.Delete(key)
	return old, ok, mapErr(err)
}

// Get returns the value for key, or ErrNotFound.
func (s *Store) Get(key []byte) ([]byte, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	val, ok, err := s.db.Get(key)
	if err != nil {
		return nil, mapErr(err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	return val, nil
}

// Scan calls fn for each key in [lo, hi) whose latest write is a value, in
// ascending key order. A nil hi scans to the end. fn returning false stops
// the scan early.
func (s *Store) Scan(lo, hi []byte, fn func(key, value []byte) bool) error {
	if s.db == nil {
		return ErrClosed
	}
	sc, err := s.db.Scan(lo, hi)
	if err != nil {
		return mapErr(err)
	}
	defer sc.Close()

	for sc.Valid() {
		if !fn(sc.Key(), sc.Value()) {
			return nil
		}
		if err := sc.Next(); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes, settles the manifest and releases every resource. The
// store is unusable afterwards.
func (s *Store) Close() error {
	if s.db == nil {
		return ErrClosed
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, lsm.ErrClosed):
		return ErrClosed
	case errors.Is(err, lsm.ErrEmptyKey):
		return ErrEmptyKey
	default:
		return err
	}
}
