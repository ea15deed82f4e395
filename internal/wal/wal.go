// Package wal implements the write-ahead log.
//
// The log is an append-only stream of records. Replaying it from the start
// reconstructs the memtable it backed. Every Append is synced to disk before
// it returns: a write the caller saw succeed survives a crash.
package wal

import (
	"os"
	"sync"

	goerrors "errors"

	"github.com/pkg/errors"
	"github.com/return2faye/ShaleKV/internal/codec"
)

var (
	// ErrCorrupt is returned by Replay when the log contains a malformed
	// record. A merely truncated final record is not corruption: it is the
	// unacknowledged tail of a write interrupted by a crash.
	ErrCorrupt = goerrors.New("wal: corrupt log record")
	// ErrClosed is returned after Close.
	ErrClosed = goerrors.New("wal: log is closed")
)

// initialBufferSize is the initial capacity for the reusable encode buffer.
// This reduces allocations for small writes.
const initialBufferSize = 512

// Log is a single write-ahead log file.
type Log struct {
	mu   sync.Mutex
	file *os.File
	path string
	size int64
	buf  []byte // reusable buffer for encoding a single record
}

// Open opens the log at path, creating it if absent.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "wal: open")
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "wal: stat")
	}
	return &Log{
		file: f,
		path: path,
		size: st.Size(),
		buf:  make([]byte, 0, initialBufferSize),
	}, nil
}

// Append writes one record and syncs it to disk before returning.
// The durability order is the engine's contract: the record must be on disk
// before the corresponding memtable insert becomes observable.
func (l *Log) Append(rec codec.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrClosed
	}

	l.buf = codec.AppendRecord(l.buf[:0], rec)
	n, err := l.file.Write(l.buf)
	if err != nil {
		return errors.Wrap(err, "wal: append")
	}
	if err := l.file.Sync(); err != nil {
		return errors.Wrap(err, "wal: sync")
	}
	l.size += int64(n)
	return nil
}

// Size returns the current on-disk length of the log.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Replay reads the log from the start and calls apply for every record, in
// append order. A truncated final record is discarded silently and the file
// is trimmed back to its last complete record, so later appends start at a
// clean boundary. A malformed record fails with ErrCorrupt.
// Returns the number of records applied.
func (l *Log) Replay(apply func(codec.Record)) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return 0, ErrClosed
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, errors.Wrap(err, "wal: replay read")
	}

	applied := 0
	pos := 0
	for pos < len(data) {
		rec, n, err := codec.DecodeRecord(data[pos:])
		if err == codec.ErrTruncated {
			// The last append did not complete before a crash. The write was
			// never acknowledged, so dropping it is correct.
			break
		}
		if err != nil {
			return applied, ErrCorrupt
		}
		apply(rec)
		applied++
		pos += n
	}

	if int64(pos) != l.size {
		if err := l.file.Truncate(int64(pos)); err != nil {
			return applied, errors.Wrap(err, "wal: truncate partial tail")
		}
		if err := l.file.Sync(); err != nil {
			return applied, errors.Wrap(err, "wal: sync after truncate")
		}
		l.size = int64(pos)
	}

	return applied, nil
}

// Rotate resets the log to a fresh empty file. The previous contents must
// already be persisted elsewhere (flushed to an SSTable) before calling.
func (l *Log) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrClosed
	}
	if err := l.file.Sync(); err != nil {
		return errors.Wrap(err, "wal: sync before rotate")
	}
	if err := l.file.Truncate(0); err != nil {
		return errors.Wrap(err, "wal: rotate")
	}
	if err := l.file.Sync(); err != nil {
		return errors.Wrap(err, "wal: sync after rotate")
	}
	l.size = 0
	return nil
}

// Seal syncs and closes the log, then renames it to "to". The engine seals
// the active log when its memtable freezes; the sealed file keeps the frozen
// memtable durable until the flush commits, then it is removed.
func (l *Log) Seal(to string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrClosed
	}
	if err := l.file.Sync(); err != nil {
		return errors.Wrap(err, "wal: sync before seal")
	}
	if err := l.file.Close(); err != nil {
		l.file = nil
		return errors.Wrap(err, "wal: close before seal")
	}
	l.file = nil
	if err := os.Rename(l.path, to); err != nil {
		return errors.Wrap(err, "wal: seal rename")
	}
	return nil
}

// Path returns the file path of the log.
func (l *Log) Path() string {
	return l.path
}

// Close syncs and closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	syncErr := l.file.Sync()
	closeErr := l.file.Close()
	l.file = nil
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

// ReplayFile replays a sealed log that is no longer open for writing. Like
// (*Log).Replay it stops silently at a truncated final record and fails with
// ErrCorrupt on a malformed one; unlike Replay it does not trim the file.
// Used during recovery for the frozen memtable's log.
func ReplayFile(path string, apply func(codec.Record)) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrap(err, "wal: replay read")
	}

	applied := 0
	pos := 0
	for pos < len(data) {
		rec, n, err := codec.DecodeRecord(data[pos:])
		if err == codec.ErrTruncated {
			break
		}
		if err != nil {
			return applied, ErrCorrupt
		}
		apply(rec)
		applied++
		pos += n
	}
	return applied, nil
}
