package lsm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	goerrors "errors"

	"github.com/pkg/errors"
	"github.com/return2faye/ShaleKV/internal/codec"
	"github.com/return2faye/ShaleKV/internal/utils"
	"go.uber.org/zap"
)

// The manifest is the authoritative catalog of live SSTables. The in-memory
// state is mutated only by applying change batches, and a batch is applied
// only after it has been durably appended to the manifest log with its commit
// marker. Replaying the log from the last snapshot reproduces the state
// exactly, so a crash at any point leaves either the state before a commit or
// the state after it, never something in between.

var ErrManifestCorrupt = goerrors.New("lsm: corrupt manifest log")

const (
	manifestLogName  = "MANIFEST.log"
	manifestSnapName = "MANIFEST.snapshot"

	// snapshotThreshold is the log size past which Commit folds the log into
	// a fresh snapshot. Cadence is policy, not contract.
	snapshotThreshold = 1 << 20
)

// TableMeta is the manifest's handle on one SSTable.
type TableMeta struct {
	Level  int
	ID     uint64
	MinKey []byte
	MaxKey []byte
	Size   uint64
}

type tableRef struct {
	Level int
	ID    uint64
}

// ChangeBatch is the single unit of manifest mutation: tables added, tables
// removed, the id allocator position after the batch, and compaction cursor
// updates. Flush commits and compaction commits are both expressed as one
// batch.
type ChangeBatch struct {
	NextSSTID uint64
	Add       []TableMeta
	Del       []tableRef
	Cursors   map[int][]byte
}

// Manifest holds the catalog and its durable log.
type Manifest struct {
	mu        sync.Mutex
	dir       string
	levels    [][]TableMeta // levels[0] newest first; levels[L>=1] sorted by MinKey, disjoint
	nextSSTID uint64
	cursors   map[int][]byte // per-level key-range rotation for compaction selection
	logFile   *os.File
	logSize   int64
	logger    *zap.Logger
}

// OpenManifest loads the snapshot (if any), replays the log, and leaves the
// log open for appends. A pending batch whose commit frame never made it to
// disk is discarded, re-creating the pre-commit state.
func OpenManifest(dir string, logger *zap.Logger) (*Manifest, error) {
	m := &Manifest{
		dir:       dir,
		levels:    [][]TableMeta{nil},
		nextSSTID: 1,
		cursors:   make(map[int][]byte),
		logger:    logger,
	}

	snapPath := filepath.Join(dir, manifestSnapName)
	if data, err := os.ReadFile(snapPath); err == nil {
		batch, err := decodeBatch(data)
		if err != nil {
			return nil, ErrManifestCorrupt
		}
		m.apply(batch)
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "lsm: read manifest snapshot")
	}

	logPath := filepath.Join(dir, manifestLogName)
	data, err := os.ReadFile(logPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "lsm: read manifest log")
	}

	var pending *ChangeBatch
	pos := 0
	for pos < len(data) {
		kind, payload, n, err := codec.DecodeFrame(data[pos:])
		if err == codec.ErrTruncated {
			// Tail of an interrupted append; whatever it was going to commit
			// never happened.
			break
		}
		if err != nil {
			return nil, ErrManifestCorrupt
		}
		switch kind {
		case codec.FrameEdit:
			batch, err := decodeBatch(payload)
			if err != nil {
				return nil, ErrManifestCorrupt
			}
			pending = &batch
		case codec.FrameCommit:
			if pending == nil {
				return nil, ErrManifestCorrupt
			}
			m.apply(*pending)
			pending = nil
		default:
			return nil, ErrManifestCorrupt
		}
		pos += n
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "lsm: open manifest log")
	}
	// Trim a torn tail so the next append starts at a frame boundary.
	if int64(pos) != int64(len(data)) {
		if err := f.Truncate(int64(pos)); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "lsm: trim manifest log")
		}
	}
	m.logFile = f
	m.logSize = int64(pos)

	m.logger.Info("manifest opened",
		zap.Int("levels", len(m.levels)),
		zap.Uint64("next_sst_id", m.nextSSTID))
	return m, nil
}

// Snapshot returns a copy of the level structure for a read path. Table
// metas are immutable once published, so a shallow per-level copy suffices.
func (m *Manifest) Snapshot() [][]TableMeta {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([][]TableMeta, len(m.levels))
	for i, lvl := range m.levels {
		out[i] = append([]TableMeta(nil), lvl...)
	}
	return out
}

// PeekNextID returns the next SST id without advancing the allocator. The
// caller reserves ids locally while building files; the counter moves only
// when the batch referencing them commits. Abandoned ids are harmless: the
// files become garbage for the startup GC.
func (m *Manifest) PeekNextID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextSSTID
}

// Referenced returns the set of live table ids mapped to their level.
func (m *Manifest) Referenced() map[uint64]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	refs := make(map[uint64]int)
	for level, lvl := range m.levels {
		for _, t := range lvl {
			refs[t.ID] = level
		}
	}
	return refs
}

// Commit durably appends the batch (edit frame + commit marker in a single
// write), then applies it in memory. Only after Commit returns may the
// caller delete the files the batch removed.
func (m *Manifest) Commit(batch ChangeBatch) error {
	payload := encodeBatch(batch)
	var frame []byte
	frame = codec.AppendFrame(frame, codec.FrameEdit, payload)
	frame = codec.AppendFrame(frame, codec.FrameCommit, nil)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.logFile == nil {
		return errors.New("lsm: manifest closed")
	}
	if _, err := m.logFile.Write(frame); err != nil {
		return errors.Wrap(err, "lsm: append manifest log")
	}
	if err := m.logFile.Sync(); err != nil {
		return errors.Wrap(err, "lsm: sync manifest log")
	}
	m.logSize += int64(len(frame))

	m.apply(batch)

	if m.logSize > snapshotThreshold {
		if err := m.writeSnapshotLocked(); err != nil {
			// The log still holds everything; snapshotting is an optimization.
			m.logger.Warn("manifest snapshot failed", zap.Error(err))
		}
	}
	return nil
}

// apply mutates the in-memory state. Caller holds mu (or is initializing).
func (m *Manifest) apply(batch ChangeBatch) {
	for _, ref := range batch.Del {
		if ref.Level >= len(m.levels) {
			continue
		}
		lvl := m.levels[ref.Level]
		for i, t := range lvl {
			if t.ID == ref.ID {
				m.levels[ref.Level] = append(lvl[:i], lvl[i+1:]...)
				break
			}
		}
	}

	for _, t := range batch.Add {
		for t.Level >= len(m.levels) {
			m.levels = append(m.levels, nil)
		}
		lvl := append(m.levels[t.Level], t)
		if t.Level == 0 {
			// Level 0 overlaps; order newest first so reads and merges see
			// the freshest table first.
			sort.Slice(lvl, func(i, j int) bool { return lvl[i].ID > lvl[j].ID })
		} else {
			// Deeper levels are disjoint; order by key range.
			sort.Slice(lvl, func(i, j int) bool {
				return bytes.Compare(lvl[i].MinKey, lvl[j].MinKey) < 0
			})
		}
		m.levels[t.Level] = lvl
	}

	if batch.NextSSTID > m.nextSSTID {
		m.nextSSTID = batch.NextSSTID
	}
	for level, key := range batch.Cursors {
		m.cursors[level] = utils.CopyBytes(key)
	}
}

// overlappingLocked returns the tables at level whose key range intersects
// [min, max]. Caller holds mu.
func (m *Manifest) overlappingLocked(level int, min, max []byte) []TableMeta {
	if level >= len(m.levels) {
		return nil
	}
	var out []TableMeta
	for _, t := range m.levels[level] {
		if bytes.Compare(t.MaxKey, min) < 0 || bytes.Compare(t.MinKey, max) > 0 {
			continue
		}
		out = append(out, t)
	}
	return out
}

// writeSnapshotLocked folds the current state into MANIFEST.snapshot via
// temp file + rename, then resets the log. Caller holds mu.
func (m *Manifest) writeSnapshotLocked() error {
	state := ChangeBatch{
		NextSSTID: m.nextSSTID,
		Cursors:   m.cursors,
	}
	for _, lvl := range m.levels {
		state.Add = append(state.Add, lvl...)
	}
	payload := encodeBatch(state)

	snapPath := filepath.Join(m.dir, manifestSnapName)
	tmpPath := snapPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrap(err, "lsm: create snapshot temp")
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "lsm: write snapshot")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "lsm: sync snapshot")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "lsm: close snapshot")
	}
	if err := os.Rename(tmpPath, snapPath); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "lsm: rename snapshot")
	}

	// Snapshot now covers everything in the log.
	if err := m.logFile.Truncate(0); err != nil {
		return errors.Wrap(err, "lsm: reset manifest log")
	}
	if err := m.logFile.Sync(); err != nil {
		return errors.Wrap(err, "lsm: sync reset manifest log")
	}
	m.logSize = 0

	m.logger.Info("manifest snapshot written", zap.Uint64("next_sst_id", m.nextSSTID))
	return nil
}

// Close snapshots the state so restart replays nothing, then closes the log.
func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.logFile == nil {
		return nil
	}
	if err := m.writeSnapshotLocked(); err != nil {
		m.logger.Warn("manifest snapshot on close failed", zap.Error(err))
	}
	err := m.logFile.Close()
	m.logFile = nil
	return err
}

// Batch payload encoding. All integers big-endian:
//
//	next_sst_id:u64 | n_add:u32 | add* | n_del:u32 | del* | n_cur:u32 | cursor*
//	add    = level:u32 | id:u64 | size:u64 | min_len:u64 | min | max_len:u64 | max
//	del    = level:u32 | id:u64
//	cursor = level:u32 | key_len:u64 | key

func encodeBatch(b ChangeBatch) []byte {
	var buf []byte
	buf = binary.BigEndian.AppendUint64(buf, b.NextSSTID)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b.Add)))
	for _, t := range b.Add {
		buf = binary.BigEndian.AppendUint32(buf, uint32(t.Level))
		buf = binary.BigEndian.AppendUint64(buf, t.ID)
		buf = binary.BigEndian.AppendUint64(buf, t.Size)
		buf = binary.BigEndian.AppendUint64(buf, uint64(len(t.MinKey)))
		buf = append(buf, t.MinKey...)
		buf = binary.BigEndian.AppendUint64(buf, uint64(len(t.MaxKey)))
		buf = append(buf, t.MaxKey...)
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b.Del)))
	for _, ref := range b.Del {
		buf = binary.BigEndian.AppendUint32(buf, uint32(ref.Level))
		buf = binary.BigEndian.AppendUint64(buf, ref.ID)
	}

	// Deterministic cursor order keeps encode(decode(x)) stable.
	levels := make([]int, 0, len(b.Cursors))
	for level := range b.Cursors {
		levels = append(levels, level)
	}
	sort.Ints(levels)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(levels)))
	for _, level := range levels {
		buf = binary.BigEndian.AppendUint32(buf, uint32(level))
		key := b.Cursors[level]
		buf = binary.BigEndian.AppendUint64(buf, uint64(len(key)))
		buf = append(buf, key...)
	}
	return buf
}

type batchDecoder struct {
	buf []byte
	pos int
	err error
}

func (d *batchDecoder) u32() uint32 {
	if d.err != nil {
		return 0
	}
	if d.pos+4 > len(d.buf) {
		d.err = codec.ErrTruncated
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v
}

func (d *batchDecoder) u64() uint64 {
	if d.err != nil {
		return 0
	}
	if d.pos+8 > len(d.buf) {
		d.err = codec.ErrTruncated
		return 0
	}
	v := binary.BigEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v
}

func (d *batchDecoder) bytes(n uint64) []byte {
	if d.err != nil {
		return nil
	}
	if uint64(d.pos)+n > uint64(len(d.buf)) {
		d.err = codec.ErrTruncated
		return nil
	}
	out := utils.CopyBytes(d.buf[d.pos : d.pos+int(n)])
	d.pos += int(n)
	return out
}

func decodeBatch(payload []byte) (ChangeBatch, error) {
	d := &batchDecoder{buf: payload}
	var b ChangeBatch

	b.NextSSTID = d.u64()

	nAdd := d.u32()
	for i := uint32(0); i < nAdd && d.err == nil; i++ {
		var t TableMeta
		t.Level = int(d.u32())
		t.ID = d.u64()
		t.Size = d.u64()
		t.MinKey = d.bytes(d.u64())
		t.MaxKey = d.bytes(d.u64())
		b.Add = append(b.Add, t)
	}

	nDel := d.u32()
	for i := uint32(0); i < nDel && d.err == nil; i++ {
		var ref tableRef
		ref.Level = int(d.u32())
		ref.ID = d.u64()
		b.Del = append(b.Del, ref)
	}

	nCur := d.u32()
	for i := uint32(0); i < nCur && d.err == nil; i++ {
		level := int(d.u32())
		key := d.bytes(d.u64())
		if d.err == nil {
			if b.Cursors == nil {
				b.Cursors = make(map[int][]byte)
			}
			b.Cursors[level] = key
		}
	}

	if d.err != nil || d.pos != len(payload) {
		return ChangeBatch{}, ErrManifestCorrupt
	}
	return b, nil
}

func sstPath(dir string, level int, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("sst-%d-%d.sst", level, id))
}

func bloomPath(dir string, level int, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("sst-%d-%d.bloom", level, id))
}
