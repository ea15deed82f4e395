package lsm

import (
	"bytes"
	"os"

	"github.com/return2faye/ShaleKV/internal/codec"
	"go.uber.org/zap"
)

// compactionJob describes one merge: the chosen tables at srcLevel, the
// overlapping tables one level down, and whether the output level is the
// deepest populated one (which allows tombstones to be purged, since nothing
// below could still hold a shadowed value).
type compactionJob struct {
	srcLevel int
	inputs   []TableMeta // from srcLevel; for level 0, every table, newest first
	overlaps []TableMeta // from srcLevel+1, key order
	terminal bool
}

// pickCompaction evaluates the triggers and selects a job, or returns nil
// when every level is within budget. Called by the background worker after
// each flush and after each compaction commit.
//
// Level 0 triggers on table count and compacts all of its tables at once,
// since they overlap. Level L >= 1 triggers on byte size (base^L MiB) and
// rotates a cursor across the key space so successive compactions cover
// different ranges instead of hammering the smallest keys.
func (m *Manifest) pickCompaction(level0Limit int, sizeBase uint64) *compactionJob {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.levels[0]) >= level0Limit {
		inputs := append([]TableMeta(nil), m.levels[0]...)
		min, max := keyRangeUnion(inputs)
		job := &compactionJob{
			srcLevel: 0,
			inputs:   inputs,
			overlaps: m.overlappingLocked(1, min, max),
		}
		job.terminal = m.terminalLocked(1)
		return job
	}

	for level := 1; level < len(m.levels); level++ {
		if len(m.levels[level]) == 0 {
			continue
		}
		var total uint64
		for _, t := range m.levels[level] {
			total += t.Size
		}
		if total <= levelCapacity(level, sizeBase) {
			continue
		}

		pick := m.rotateCursorLocked(level)
		job := &compactionJob{
			srcLevel: level,
			inputs:   []TableMeta{pick},
			overlaps: m.overlappingLocked(level+1, pick.MinKey, pick.MaxKey),
		}
		job.terminal = m.terminalLocked(level + 1)
		return job
	}
	return nil
}

// levelCapacity is base^level MiB.
func levelCapacity(level int, base uint64) uint64 {
	c := uint64(1 << 20)
	for i := 0; i < level; i++ {
		c *= base
	}
	return c
}

// rotateCursorLocked picks the next table at level by key range: the first
// table starting after the last compacted range, wrapping to the smallest
// when the cursor passes the end. Caller holds mu.
func (m *Manifest) rotateCursorLocked(level int) TableMeta {
	tables := m.levels[level]
	cursor := m.cursors[level]

	for _, t := range tables {
		if cursor == nil || bytes.Compare(t.MinKey, cursor) > 0 {
			return t
		}
	}
	return tables[0]
}

// terminalLocked reports whether outLevel is the deepest populated level
// (ignoring the source tables, which the job consumes). Caller holds mu.
func (m *Manifest) terminalLocked(outLevel int) bool {
	for level := outLevel + 1; level < len(m.levels); level++ {
		if len(m.levels[level]) > 0 {
			return false
		}
	}
	return true
}

func keyRangeUnion(tables []TableMeta) (min, max []byte) {
	for _, t := range tables {
		if min == nil || bytes.Compare(t.MinKey, min) < 0 {
			min = t.MinKey
		}
		if max == nil || bytes.Compare(t.MaxKey, max) > 0 {
			max = t.MaxKey
		}
	}
	return min, max
}

// runCompaction merges the job's inputs into the next level and commits the
// swap atomically. The merge runs against immutable tables without any lock;
// the manifest lock is taken only inside Commit. A crash at any point before
// the commit leaves the new files unreferenced, to be reclaimed by startup
// GC.
func (db *DB) runCompaction(job *compactionJob) error {
	outLevel := job.srcLevel + 1

	// Freshness order: srcLevel tables (for level 0, already newest first),
	// then the overlapped tables below them.
	var sources []iterator
	var releases []func()
	defer func() {
		for _, rel := range releases {
			rel()
		}
	}()

	for _, t := range job.inputs {
		r, rel, err := db.readers.acquire(t)
		if err != nil {
			return err
		}
		releases = append(releases, rel)
		it := r.Iter()
		if err := it.Err(); err != nil {
			return err
		}
		sources = append(sources, it)
	}
	if len(job.overlaps) > 0 {
		li, err := newLevelIter(job.overlaps, db.readers, nil)
		if err != nil {
			return err
		}
		defer li.Close()
		sources = append(sources, li)
	}

	merge, err := newMergeIterator(sources)
	if err != nil {
		return err
	}

	nextID := db.manifest.PeekNextID()
	var outputs []TableMeta
	var tb *tableBuilder

	abortAll := func() {
		if tb != nil {
			tb.w.Abort()
		}
		for _, t := range outputs {
			os.Remove(sstPath(db.dir, t.Level, t.ID))
			os.Remove(bloomPath(db.dir, t.Level, t.ID))
		}
	}

	for merge.Valid() {
		// Tombstones whose keys cannot be shadowed anywhere deeper are done
		// propagating; drop them.
		if !(merge.Tombstone() && job.terminal) {
			if tb == nil {
				tb, err = db.newTableBuilder(outLevel, nextID)
				if err != nil {
					abortAll()
					return err
				}
				nextID++
			}
			rec := codec.Record{Key: merge.Key(), Value: merge.Value(), Tombstone: merge.Tombstone()}
			if err := tb.w.Append(rec); err != nil {
				abortAll()
				return err
			}
			if tb.w.EstimatedSize() >= db.opts.SSTTargetSize {
				meta, err := tb.finish()
				if err != nil {
					abortAll()
					return err
				}
				outputs = append(outputs, meta)
				tb = nil
			}
		}
		if err := merge.Next(); err != nil {
			abortAll()
			return err
		}
	}
	if tb != nil {
		meta, err := tb.finish()
		if err != nil {
			abortAll()
			return err
		}
		outputs = append(outputs, meta)
	}

	batch := ChangeBatch{NextSSTID: nextID, Add: outputs}
	for _, t := range job.inputs {
		batch.Del = append(batch.Del, tableRef{Level: t.Level, ID: t.ID})
	}
	for _, t := range job.overlaps {
		batch.Del = append(batch.Del, tableRef{Level: t.Level, ID: t.ID})
	}
	if job.srcLevel >= 1 {
		batch.Cursors = map[int][]byte{job.srcLevel: job.inputs[0].MaxKey}
	}

	if err := db.manifest.Commit(batch); err != nil {
		abortAll()
		return err
	}

	// Committed: the inputs are garbage now. Close their readers as soon as
	// in-flight scans let go, and unlink the files.
	for _, ref := range batch.Del {
		db.readers.drop(ref.ID)
		os.Remove(sstPath(db.dir, ref.Level, ref.ID))
		os.Remove(bloomPath(db.dir, ref.Level, ref.ID))
	}

	db.log.Info("compaction committed",
		zap.Int("src_level", job.srcLevel),
		zap.Int("out_level", outLevel),
		zap.Int("inputs", len(job.inputs)+len(job.overlaps)),
		zap.Int("outputs", len(outputs)),
		zap.Bool("terminal", job.terminal))
	return nil
}
