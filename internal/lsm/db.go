// Package lsm implements the storage engine: a log-structured merge tree
// with a WAL-backed memtable, leveled SSTables, a crash-safe manifest and
// background compaction.
package lsm

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	goerrors "errors"

	"github.com/pkg/errors"
	"github.com/return2faye/ShaleKV/internal/codec"
	"github.com/return2faye/ShaleKV/internal/memtable"
	"github.com/return2faye/ShaleKV/internal/sstable"
	"github.com/return2faye/ShaleKV/internal/utils"
	"github.com/return2faye/ShaleKV/internal/wal"
	"go.uber.org/zap"
)

var (
	ErrClosed   = goerrors.New("lsm: db is closed")
	ErrEmptyKey = goerrors.New("lsm: empty key")
)

const (
	walName       = "wal.log"
	frozenWALName = "wal.frozen.log"
)

// Options configures the engine. Zero fields take defaults.
type Options struct {
	Dir                     string
	MemtableSizeLimit       int64
	SSTTargetSize           uint64
	SparseIndexStride       int
	Level0SSTLimit          int
	LevelSizeMultiplierBase int
	BloomFPRate             float64
	Logger                  *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.MemtableSizeLimit <= 0 {
		o.MemtableSizeLimit = 4 << 20
	}
	if o.SSTTargetSize == 0 {
		o.SSTTargetSize = 2 << 20
	}
	if o.SparseIndexStride <= 0 {
		o.SparseIndexStride = 16
	}
	if o.Level0SSTLimit <= 0 {
		o.Level0SSTLimit = 4
	}
	if o.LevelSizeMultiplierBase <= 0 {
		o.LevelSizeMultiplierBase = 10
	}
	if o.BloomFPRate <= 0 {
		o.BloomFPRate = 0.01
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type flushJob struct {
	mt      *memtable.Memtable
	walPath string
}

// DB is the engine. One foreground caller at a time writes; one background
// worker services flush and compaction jobs sequentially. Readers run in
// parallel against immutable state: frozen memtables, SSTables and manifest
// snapshots.
type DB struct {
	opts Options
	dir  string
	log  *zap.Logger

	mu        sync.RWMutex
	flushCond *sync.Cond // signaled when the frozen memtable drains
	active    *memtable.Memtable
	frozen    *memtable.Memtable // at most one, awaiting flush
	walLog    *wal.Log
	closed    bool
	degraded  error // first background failure; writes fail with it

	manifest *Manifest
	readers  *readerCache

	jobs chan flushJob
	wg   sync.WaitGroup
}

// Open opens or creates a store in opts.Dir.
//
// Fresh start: empty memtable, empty WAL, empty manifest. Normal restart:
// manifest loaded, WAL empty. Crash recovery: manifest recovered (pending
// batch applied or discarded), then the WAL — and the sealed WAL of a flush
// that never committed, if one exists — is replayed.
func Open(opts Options) (*DB, error) {
	if opts.Dir == "" {
		return nil, os.ErrInvalid
	}
	opts = opts.withDefaults()

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "lsm: create dir")
	}

	manifest, err := OpenManifest(opts.Dir, opts.Logger)
	if err != nil {
		return nil, err
	}

	db := &DB{
		opts:     opts,
		dir:      opts.Dir,
		log:      opts.Logger,
		manifest: manifest,
		readers:  newReaderCache(opts.Dir, opts.BloomFPRate),
		jobs:     make(chan flushJob, 1),
	}
	db.flushCond = sync.NewCond(&db.mu)

	if err := db.gcOrphans(); err != nil {
		manifest.Close()
		return nil, err
	}

	// A sealed WAL means a memtable froze but its flush never committed.
	// Rebuild and flush it synchronously before serving anything, so its
	// writes regain their place below the newer active WAL.
	frozenPath := filepath.Join(opts.Dir, frozenWALName)
	if _, err := os.Stat(frozenPath); err == nil {
		mt := memtable.New()
		n, err := wal.ReplayFile(frozenPath, func(rec codec.Record) { applyRecord(mt, rec) })
		if err != nil {
			manifest.Close()
			return nil, err
		}
		if mt.Len() > 0 {
			if err := db.flushMemtable(mt); err != nil {
				manifest.Close()
				return nil, err
			}
		}
		if err := os.Remove(frozenPath); err != nil {
			manifest.Close()
			return nil, errors.Wrap(err, "lsm: remove sealed wal")
		}
		db.log.Info("recovered sealed wal", zap.Int("records", n))
		db.compactLoop()
	}

	walLog, err := wal.Open(filepath.Join(opts.Dir, walName))
	if err != nil {
		manifest.Close()
		return nil, err
	}
	db.walLog = walLog
	db.active = memtable.New()

	n, err := walLog.Replay(func(rec codec.Record) { applyRecord(db.active, rec) })
	if err != nil {
		walLog.Close()
		manifest.Close()
		return nil, err
	}
	if n > 0 {
		db.log.Info("wal replayed", zap.Int("records", n))
	}

	db.wg.Add(1)
	go db.worker()

	return db, nil
}

func applyRecord(mt *memtable.Memtable, rec codec.Record) {
	if rec.Tombstone {
		mt.Delete(rec.Key)
	} else {
		mt.Insert(rec.Key, rec.Value)
	}
}

// gcOrphans unlinks SST and bloom files the manifest does not reference:
// the debris of flushes and compactions that built files but crashed before
// their commit.
func (db *DB) gcOrphans() error {
	entries, err := os.ReadDir(db.dir)
	if err != nil {
		return errors.Wrap(err, "lsm: scan dir")
	}
	refs := db.manifest.Referenced()

	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "sst-") {
			continue
		}
		var level int
		var id uint64
		var suffix string
		if n, _ := fmt.Sscanf(name, "sst-%d-%d.%s", &level, &id, &suffix); n != 3 {
			continue
		}
		if refLevel, ok := refs[id]; ok && refLevel == level {
			continue
		}
		path := filepath.Join(db.dir, name)
		if err := os.Remove(path); err != nil {
			return errors.Wrap(err, "lsm: gc orphan")
		}
		db.log.Info("gc removed orphan", zap.String("file", name))
	}
	return nil
}

// Insert stores key -> value. The returned prior value is best-effort: it is
// served from the current memtable only, never from disk.
func (db *DB) Insert(key, value []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}
	return db.write(codec.Record{Key: key, Value: value})
}

// Delete writes a tombstone for key. Like Insert, the returned prior value
// comes from the current memtable only.
func (db *DB) Delete(key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}
	return db.write(codec.Record{Key: key, Tombstone: true})
}

func (db *DB) write(rec codec.Record) ([]byte, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, false, ErrClosed
	}
	if db.degraded != nil {
		return nil, false, errors.Wrap(db.degraded, "lsm: engine degraded")
	}

	// Durability order: the WAL append completes (synced) before the
	// memtable mutation becomes observable.
	if err := db.walLog.Append(rec); err != nil {
		return nil, false, err
	}

	old, oldTomb, existed := db.active.Get(rec.Key)
	if rec.Tombstone {
		db.active.Delete(rec.Key)
	} else {
		db.active.Insert(rec.Key, rec.Value)
	}

	if err := db.maybeRotateLocked(); err != nil {
		return nil, false, err
	}

	if existed && !oldTomb {
		return utils.CopyBytes(old), true, nil
	}
	return nil, false, nil
}

// maybeRotateLocked freezes the memtable and hands it to the flush path once
// the WAL passes the size limit. Caller holds mu for writing.
func (db *DB) maybeRotateLocked() error {
	if db.walLog.Size() < db.opts.MemtableSizeLimit {
		return nil
	}

	// At most one frozen memtable exists; back-pressure the writer until the
	// previous flush commits.
	for db.frozen != nil && db.degraded == nil && !db.closed {
		db.flushCond.Wait()
	}
	if db.closed {
		// The write itself succeeded; Close will flush the active memtable.
		return nil
	}
	if db.degraded != nil {
		return errors.Wrap(db.degraded, "lsm: engine degraded")
	}

	frozenPath := filepath.Join(db.dir, frozenWALName)
	if err := db.walLog.Seal(frozenPath); err != nil {
		db.degraded = err
		return err
	}
	newLog, err := wal.Open(filepath.Join(db.dir, walName))
	if err != nil {
		db.degraded = err
		return err
	}

	db.active.Freeze()
	db.frozen = db.active
	db.active = memtable.New()
	db.walLog = newLog

	db.log.Info("memtable frozen",
		zap.Int("entries", db.frozen.Len()),
		zap.Int64("bytes", db.frozen.ByteSize()))

	// Buffered by one; with a single frozen memtable the send cannot block.
	db.jobs <- flushJob{mt: db.frozen, walPath: frozenPath}
	return nil
}

// Get returns the value for key, or (nil, false) when the key is absent or
// deleted. Search order: active memtable, frozen memtable, level 0 newest
// first, then each deeper level. The first definitive answer (value or
// tombstone) wins.
func (db *DB) Get(key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}

	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return nil, false, ErrClosed
	}
	active, frozen := db.active, db.frozen
	db.mu.RUnlock()

	if val, tomb, ok := active.Get(key); ok {
		if tomb {
			return nil, false, nil
		}
		return utils.CopyBytes(val), true, nil
	}
	if frozen != nil {
		if val, tomb, ok := frozen.Get(key); ok {
			if tomb {
				return nil, false, nil
			}
			return utils.CopyBytes(val), true, nil
		}
	}

	levels := db.manifest.Snapshot()

	for _, t := range levels[0] {
		if bytes.Compare(key, t.MinKey) < 0 || bytes.Compare(key, t.MaxKey) > 0 {
			continue
		}
		val, tomb, ok, err := db.tableGet(t, key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			if tomb {
				return nil, false, nil
			}
			return val, true, nil
		}
	}

	for level := 1; level < len(levels); level++ {
		tables := levels[level]
		// Disjoint and sorted by range: at most one candidate per level.
		i := sort.Search(len(tables), func(i int) bool {
			return bytes.Compare(tables[i].MinKey, key) > 0
		})
		if i == 0 {
			continue
		}
		t := tables[i-1]
		if bytes.Compare(key, t.MaxKey) > 0 {
			continue
		}
		val, tomb, ok, err := db.tableGet(t, key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			if tomb {
				return nil, false, nil
			}
			return val, true, nil
		}
	}

	return nil, false, nil
}

func (db *DB) tableGet(t TableMeta, key []byte) ([]byte, bool, bool, error) {
	r, release, err := db.readers.acquire(t)
	if err != nil {
		return nil, false, false, err
	}
	defer release()
	return r.Get(key)
}

// Scan returns an iterator over keys in [lo, hi) whose latest write is a
// value, in ascending order. A nil hi means unbounded above. The scanner
// holds table readers open; callers must Close it.
func (db *DB) Scan(lo, hi []byte) (*Scanner, error) {
	if len(lo) == 0 {
		return nil, ErrEmptyKey
	}

	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return nil, ErrClosed
	}
	active, frozen := db.active, db.frozen
	db.mu.RUnlock()

	sc := &Scanner{hi: utils.CopyBytes(hi)}

	// Freshest first: this ordering is the merge's priority.
	sources := []iterator{&memIter{it: active.IterRange(lo, hi)}}
	if frozen != nil {
		sources = append(sources, &memIter{it: frozen.IterRange(lo, hi)})
	}

	levels := db.manifest.Snapshot()
	for _, t := range levels[0] {
		if hi != nil && bytes.Compare(t.MinKey, hi) >= 0 {
			continue
		}
		if bytes.Compare(t.MaxKey, lo) < 0 {
			continue
		}
		r, release, err := db.readers.acquire(t)
		if err != nil {
			sc.Close()
			return nil, err
		}
		sc.releases = append(sc.releases, release)
		it := r.IterFrom(lo)
		if err := it.Err(); err != nil {
			sc.Close()
			return nil, err
		}
		sources = append(sources, it)
	}
	for level := 1; level < len(levels); level++ {
		if len(levels[level]) == 0 {
			continue
		}
		li, err := newLevelIter(levels[level], db.readers, lo)
		if err != nil {
			sc.Close()
			return nil, err
		}
		sc.levelIters = append(sc.levelIters, li)
		sources = append(sources, li)
	}

	mi, err := newMergeIterator(sources)
	if err != nil {
		sc.Close()
		return nil, err
	}
	sc.mi = mi

	if err := sc.settle(); err != nil {
		sc.Close()
		return nil, err
	}
	return sc, nil
}

// Scanner iterates scan results. Tombstones are suppressed and newest-wins
// is already applied; Key and Value are stable until the next call to Next.
type Scanner struct {
	mi         *mergeIterator
	hi         []byte
	releases   []func()
	levelIters []*levelIter
	key, value []byte
	valid      bool
}

func (sc *Scanner) Valid() bool   { return sc.valid }
func (sc *Scanner) Key() []byte   { return sc.key }
func (sc *Scanner) Value() []byte { return sc.value }

func (sc *Scanner) Next() error {
	if !sc.valid {
		return nil
	}
	if err := sc.mi.Next(); err != nil {
		sc.valid = false
		return err
	}
	return sc.settle()
}

// settle positions on the next live entry below the upper bound.
func (sc *Scanner) settle() error {
	for sc.mi.Valid() {
		if sc.hi != nil && bytes.Compare(sc.mi.Key(), sc.hi) >= 0 {
			break
		}
		if !sc.mi.Tombstone() {
			sc.key = utils.CopyBytes(sc.mi.Key())
			sc.value = utils.CopyBytes(sc.mi.Value())
			sc.valid = true
			return nil
		}
		if err := sc.mi.Next(); err != nil {
			sc.valid = false
			return err
		}
	}
	sc.valid = false
	sc.key, sc.value = nil, nil
	return nil
}

// Close releases the table readers the scan pinned.
func (sc *Scanner) Close() {
	for _, li := range sc.levelIters {
		li.Close()
	}
	sc.levelIters = nil
	for _, release := range sc.releases {
		release()
	}
	sc.releases = nil
	sc.valid = false
}

// worker is the single background goroutine: it flushes frozen memtables
// and then drives compaction until every level is back within budget.
func (db *DB) worker() {
	defer db.wg.Done()

	for job := range db.jobs {
		err := db.flushMemtable(job.mt)
		if err == nil {
			// The SSTable is committed; the sealed WAL is now redundant.
			if rmErr := os.Remove(job.walPath); rmErr != nil && !os.IsNotExist(rmErr) {
				err = rmErr
			}
		}

		db.mu.Lock()
		if err != nil {
			if db.degraded == nil {
				db.degraded = err
			}
		} else {
			db.frozen = nil
		}
		db.flushCond.Broadcast()
		db.mu.Unlock()

		if err != nil {
			db.log.Error("flush failed", zap.Error(err))
			continue
		}

		db.compactLoop()
	}
}

func (db *DB) compactLoop() {
	for {
		job := db.manifest.pickCompaction(db.opts.Level0SSTLimit, uint64(db.opts.LevelSizeMultiplierBase))
		if job == nil {
			return
		}
		if err := db.runCompaction(job); err != nil {
			db.mu.Lock()
			if db.degraded == nil {
				db.degraded = err
			}
			db.mu.Unlock()
			db.log.Error("compaction failed", zap.Error(err))
			return
		}
	}
}

// flushMemtable writes a frozen memtable as one level-0 SSTable and commits
// it. Tombstones are preserved: they must keep shadowing older values in
// deeper levels.
func (db *DB) flushMemtable(mt *memtable.Memtable) error {
	if mt.Len() == 0 {
		return nil
	}

	id := db.manifest.PeekNextID()
	tb, err := db.newTableBuilder(0, id)
	if err != nil {
		return err
	}

	for it := mt.DrainSorted(); it.Valid(); it.Next() {
		rec := codec.Record{Key: it.Key(), Value: it.Value(), Tombstone: it.Tombstone()}
		if err := tb.w.Append(rec); err != nil {
			tb.w.Abort()
			return err
		}
	}

	meta, err := tb.finish()
	if err != nil {
		return err
	}

	if err := db.manifest.Commit(ChangeBatch{
		NextSSTID: id + 1,
		Add:       []TableMeta{meta},
	}); err != nil {
		os.Remove(sstPath(db.dir, 0, id))
		os.Remove(bloomPath(db.dir, 0, id))
		return err
	}

	db.log.Info("memtable flushed",
		zap.Uint64("sst_id", id),
		zap.Int("entries", mt.Len()),
		zap.Uint64("file_size", meta.Size))
	return nil
}

type tableBuilder struct {
	w     *sstable.Writer
	level int
	id    uint64
}

func (db *DB) newTableBuilder(level int, id uint64) (*tableBuilder, error) {
	w, err := sstable.NewWriter(
		sstPath(db.dir, level, id),
		bloomPath(db.dir, level, id),
		db.opts.SparseIndexStride,
		db.opts.BloomFPRate,
	)
	if err != nil {
		return nil, err
	}
	return &tableBuilder{w: w, level: level, id: id}, nil
}

func (tb *tableBuilder) finish() (TableMeta, error) {
	meta, err := tb.w.Finish()
	if err != nil {
		return TableMeta{}, err
	}
	return TableMeta{
		Level:  tb.level,
		ID:     tb.id,
		MinKey: meta.MinKey,
		MaxKey: meta.MaxKey,
		Size:   meta.FileSize,
	}, nil
}

// Close drains in-flight background work, flushes the memtable, settles the
// manifest and removes the WAL, so the next Open takes the normal restart
// path.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}

	// Let an in-flight flush finish before queueing the final one.
	for db.frozen != nil && db.degraded == nil {
		db.flushCond.Wait()
	}

	db.closed = true
	var final *flushJob
	if db.degraded == nil && db.active.Len() > 0 {
		frozenPath := filepath.Join(db.dir, frozenWALName)
		if err := db.walLog.Seal(frozenPath); err == nil {
			db.active.Freeze()
			db.frozen = db.active
			db.walLog = nil // consumed by Seal
			final = &flushJob{mt: db.active, walPath: frozenPath}
		} else {
			// The active memtable's writes stay recoverable in wal.log.
			db.log.Error("final wal seal failed", zap.Error(err))
			db.degraded = err
		}
	}
	walLog := db.walLog
	db.mu.Unlock()

	if final != nil {
		db.jobs <- *final
	}
	close(db.jobs)
	db.wg.Wait()

	db.mu.Lock()
	degraded := db.degraded
	db.mu.Unlock()

	if walLog != nil {
		walLog.Close()
		if degraded == nil {
			// Flushed (or empty): the next Open takes the normal restart path.
			os.Remove(filepath.Join(db.dir, walName))
		}
	}

	db.readers.closeAll()
	err := db.manifest.Close()
	if degraded != nil && err == nil {
		err = degraded
	}
	return err
}
