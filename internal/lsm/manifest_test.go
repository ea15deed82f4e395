package lsm

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/return2faye/ShaleKV/internal/codec"
	"go.uber.org/zap"
)

func TestManifestCommitAndReload(t *testing.T) {
	dir := t.TempDir()

	m, err := OpenManifest(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("OpenManifest: %v", err)
	}

	batch := ChangeBatch{
		NextSSTID: 3,
		Add: []TableMeta{
			{Level: 0, ID: 1, MinKey: []byte("a"), MaxKey: []byte("m"), Size: 100},
			{Level: 0, ID: 2, MinKey: []byte("k"), MaxKey: []byte("z"), Size: 200},
		},
	}
	if err := m.Commit(batch); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	m.mu.Lock()
	m.logFile.Close()
	m.logFile = nil // drop without snapshot, as a crash would
	m.mu.Unlock()

	m2, err := OpenManifest(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer m2.Close()

	levels := m2.Snapshot()
	if len(levels[0]) != 2 {
		t.Fatalf("level 0 has %d tables, want 2", len(levels[0]))
	}
	// Level 0 is ordered newest (highest id) first.
	if levels[0][0].ID != 2 || levels[0][1].ID != 1 {
		t.Errorf("level 0 order = [%d, %d], want [2, 1]", levels[0][0].ID, levels[0][1].ID)
	}
	if m2.PeekNextID() != 3 {
		t.Errorf("next id = %d, want 3", m2.PeekNextID())
	}
}

func TestManifestRemovalAndLevelOrder(t *testing.T) {
	dir := t.TempDir()

	m, err := OpenManifest(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("OpenManifest: %v", err)
	}
	defer m.Close()

	if err := m.Commit(ChangeBatch{
		NextSSTID: 4,
		Add: []TableMeta{
			{Level: 0, ID: 1, MinKey: []byte("a"), MaxKey: []byte("z"), Size: 10},
			{Level: 1, ID: 3, MinKey: []byte("n"), MaxKey: []byte("z"), Size: 10},
			{Level: 1, ID: 2, MinKey: []byte("a"), MaxKey: []byte("m"), Size: 10},
		},
	}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := m.Commit(ChangeBatch{
		NextSSTID: 4,
		Del:       []tableRef{{Level: 0, ID: 1}},
	}); err != nil {
		t.Fatalf("Commit removal: %v", err)
	}

	levels := m.Snapshot()
	if len(levels[0]) != 0 {
		t.Errorf("level 0 has %d tables after removal, want 0", len(levels[0]))
	}
	// Level 1 sorted by key range.
	if len(levels[1]) != 2 || levels[1][0].ID != 2 || levels[1][1].ID != 3 {
		t.Errorf("level 1 order wrong: %+v", levels[1])
	}
}

// An edit frame with no commit marker is an interrupted commit: replay must
// discard it and leave the prior state intact.
func TestManifestPendingBatchDiscarded(t *testing.T) {
	dir := t.TempDir()

	m, err := OpenManifest(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("OpenManifest: %v", err)
	}
	if err := m.Commit(ChangeBatch{
		NextSSTID: 2,
		Add:       []TableMeta{{Level: 0, ID: 1, MinKey: []byte("a"), MaxKey: []byte("z"), Size: 10}},
	}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	m.mu.Lock()
	m.logFile.Close()
	m.logFile = nil
	m.mu.Unlock()

	// Append an edit frame without its commit, as a crash mid-step-2 would.
	orphan := encodeBatch(ChangeBatch{
		NextSSTID: 9,
		Add:       []TableMeta{{Level: 0, ID: 8, MinKey: []byte("x"), MaxKey: []byte("y"), Size: 10}},
	})
	f, err := os.OpenFile(filepath.Join(dir, manifestLogName), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(codec.AppendFrame(nil, codec.FrameEdit, orphan)); err != nil {
		t.Fatal(err)
	}
	f.Close()

	m2, err := OpenManifest(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer m2.Close()

	levels := m2.Snapshot()
	if len(levels[0]) != 1 || levels[0][0].ID != 1 {
		t.Errorf("level 0 = %+v, want only table 1", levels[0])
	}
	if m2.PeekNextID() != 2 {
		t.Errorf("next id = %d, want 2 (orphan batch discarded)", m2.PeekNextID())
	}
}

// A torn frame at the log tail is a crash artifact, tolerated; flipped bytes
// in the middle are corruption, fatal.
func TestManifestTruncatedVsCorrupt(t *testing.T) {
	dir := t.TempDir()

	m, err := OpenManifest(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("OpenManifest: %v", err)
	}
	if err := m.Commit(ChangeBatch{
		NextSSTID: 2,
		Add:       []TableMeta{{Level: 0, ID: 1, MinKey: []byte("a"), MaxKey: []byte("z"), Size: 10}},
	}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	m.mu.Lock()
	m.logFile.Close()
	m.logFile = nil
	m.mu.Unlock()

	logPath := filepath.Join(dir, manifestLogName)
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}

	// Torn tail: half a frame appended after the good one.
	torn := append(append([]byte(nil), data...), data[:len(data)/2]...)
	if err := os.WriteFile(logPath, torn, 0644); err != nil {
		t.Fatal(err)
	}
	m2, err := OpenManifest(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("torn tail should be tolerated: %v", err)
	}
	if len(m2.Snapshot()[0]) != 1 {
		t.Error("committed state lost after torn tail")
	}
	m2.Close()

	// Corruption: an oversized frame length at the head of the log.
	bad := append([]byte(nil), data...)
	for i := 0; i < 8; i++ {
		bad[i] = 0xFF
	}
	// The manifest was closed cleanly above, so state lives in the snapshot;
	// remove it to force log replay over the corrupt bytes.
	os.Remove(filepath.Join(dir, manifestSnapName))
	if err := os.WriteFile(logPath, bad, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenManifest(dir, zap.NewNop()); !errors.Is(err, ErrManifestCorrupt) {
		t.Errorf("corrupt log: %v, want ErrManifestCorrupt", err)
	}
}

func TestManifestSnapshotOnClose(t *testing.T) {
	dir := t.TempDir()

	m, err := OpenManifest(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("OpenManifest: %v", err)
	}
	if err := m.Commit(ChangeBatch{
		NextSSTID: 3,
		Add: []TableMeta{
			{Level: 1, ID: 1, MinKey: []byte("a"), MaxKey: []byte("m"), Size: 5},
			{Level: 1, ID: 2, MinKey: []byte("n"), MaxKey: []byte("z"), Size: 5},
		},
		Cursors: map[int][]byte{1: []byte("m")},
	}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, manifestSnapName)); err != nil {
		t.Fatalf("snapshot missing after close: %v", err)
	}
	st, err := os.Stat(filepath.Join(dir, manifestLogName))
	if err != nil {
		t.Fatal(err)
	}
	if st.Size() != 0 {
		t.Errorf("log not reset after snapshot, %d bytes", st.Size())
	}

	m2, err := OpenManifest(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer m2.Close()

	levels := m2.Snapshot()
	if len(levels) < 2 || len(levels[1]) != 2 {
		t.Fatalf("state not restored from snapshot: %+v", levels)
	}
	if m2.PeekNextID() != 3 {
		t.Errorf("next id = %d, want 3", m2.PeekNextID())
	}
	if string(m2.cursors[1]) != "m" {
		t.Errorf("cursor[1] = %q, want m", m2.cursors[1])
	}
}

func TestBatchCodecRoundTrip(t *testing.T) {
	want := ChangeBatch{
		NextSSTID: 42,
		Add: []TableMeta{
			{Level: 0, ID: 7, MinKey: []byte("aa"), MaxKey: []byte("bb"), Size: 1024},
			{Level: 2, ID: 9, MinKey: []byte("c"), MaxKey: []byte("d"), Size: 2048},
		},
		Del:     []tableRef{{Level: 1, ID: 3}, {Level: 1, ID: 4}},
		Cursors: map[int][]byte{1: []byte("mm"), 2: []byte("qq")},
	}

	got, err := decodeBatch(encodeBatch(want))
	if err != nil {
		t.Fatalf("decodeBatch: %v", err)
	}

	if got.NextSSTID != want.NextSSTID {
		t.Errorf("NextSSTID = %d, want %d", got.NextSSTID, want.NextSSTID)
	}
	if len(got.Add) != 2 || got.Add[1].ID != 9 || string(got.Add[0].MaxKey) != "bb" {
		t.Errorf("Add = %+v", got.Add)
	}
	if len(got.Del) != 2 || got.Del[0] != (tableRef{Level: 1, ID: 3}) {
		t.Errorf("Del = %+v", got.Del)
	}
	if string(got.Cursors[1]) != "mm" || string(got.Cursors[2]) != "qq" {
		t.Errorf("Cursors = %+v", got.Cursors)
	}

	// Truncated payload must not decode.
	buf := encodeBatch(want)
	if _, err := decodeBatch(buf[:len(buf)-1]); err == nil {
		t.Error("truncated batch decoded")
	}
}
