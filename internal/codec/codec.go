// Package codec implements the on-disk encoding shared by the WAL, SSTables
// and the manifest log.
//
// All multi-byte integers are big-endian, so the byte order of an encoded
// integer matches its numeric order. Records, index entries and manifest
// frames are length-prefixed. Decoding distinguishes a truncated input (the
// buffer ends mid-record, expected at the tail of a log after a crash) from a
// malformed one (the bytes cannot be a valid record at all).
package codec

import (
	"encoding/binary"
	"errors"
	"io"
)

var (
	// ErrTruncated means the input ends before the record does.
	ErrTruncated = errors.New("codec: truncated input")
	// ErrMalformed means the input cannot be a valid encoding.
	ErrMalformed = errors.New("codec: malformed input")
)

const (
	kindValue     = 0
	kindTombstone = 1

	// maxKeyLen and maxValueLen bound decoded lengths. A length beyond these
	// is treated as malformed rather than as an allocation request.
	maxKeyLen   = 1 << 20  // 1MB
	maxValueLen = 10 << 20 // 10MB
)

// Record is a single mutation: a key and either a value or a tombstone.
// A tombstone is a distinct variant, not an empty value and not an absent key.
type Record struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

// RecordSize returns the encoded size of r in bytes.
func RecordSize(r Record) int {
	// key_len(8) | key | kind(1) | value_len(8) | value
	return 8 + len(r.Key) + 1 + 8 + len(r.Value)
}

// AppendRecord appends the encoding of r to dst and returns the result.
func AppendRecord(dst []byte, r Record) []byte {
	dst = binary.BigEndian.AppendUint64(dst, uint64(len(r.Key)))
	dst = append(dst, r.Key...)
	if r.Tombstone {
		dst = append(dst, kindTombstone)
		dst = binary.BigEndian.AppendUint64(dst, 0)
		return dst
	}
	dst = append(dst, kindValue)
	dst = binary.BigEndian.AppendUint64(dst, uint64(len(r.Value)))
	dst = append(dst, r.Value...)
	return dst
}

// DecodeRecord decodes one record from the front of buf.
// It returns the record and the number of bytes consumed.
func DecodeRecord(buf []byte) (Record, int, error) {
	if len(buf) < 8 {
		return Record{}, 0, ErrTruncated
	}
	klen := binary.BigEndian.Uint64(buf)
	if klen == 0 || klen > maxKeyLen {
		return Record{}, 0, ErrMalformed
	}
	pos := 8
	if uint64(len(buf)-pos) < klen {
		return Record{}, 0, ErrTruncated
	}
	key := buf[pos : pos+int(klen)]
	pos += int(klen)

	if len(buf)-pos < 1+8 {
		return Record{}, 0, ErrTruncated
	}
	kind := buf[pos]
	pos++
	vlen := binary.BigEndian.Uint64(buf[pos:])
	pos += 8

	switch kind {
	case kindTombstone:
		if vlen != 0 {
			return Record{}, 0, ErrMalformed
		}
		return Record{Key: key, Tombstone: true}, pos, nil
	case kindValue:
		if vlen > maxValueLen {
			return Record{}, 0, ErrMalformed
		}
		if uint64(len(buf)-pos) < vlen {
			return Record{}, 0, ErrTruncated
		}
		val := buf[pos : pos+int(vlen)]
		pos += int(vlen)
		return Record{Key: key, Value: val}, pos, nil
	default:
		return Record{}, 0, ErrMalformed
	}
}

// ReadRecord reads one record from r.
// It returns io.EOF at a clean record boundary, ErrTruncated when the stream
// ends mid-record, and ErrMalformed for bytes that cannot be a record.
// The returned record owns its byte slices.
func ReadRecord(r io.Reader) (Record, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, ErrTruncated
	}
	klen := binary.BigEndian.Uint64(hdr[:])
	if klen == 0 || klen > maxKeyLen {
		return Record{}, ErrMalformed
	}

	key := make([]byte, klen)
	if _, err := io.ReadFull(r, key); err != nil {
		return Record{}, ErrTruncated
	}

	var tail [9]byte // kind(1) | value_len(8)
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return Record{}, ErrTruncated
	}
	kind := tail[0]
	vlen := binary.BigEndian.Uint64(tail[1:])

	switch kind {
	case kindTombstone:
		if vlen != 0 {
			return Record{}, ErrMalformed
		}
		return Record{Key: key, Tombstone: true}, nil
	case kindValue:
		if vlen > maxValueLen {
			return Record{}, ErrMalformed
		}
		val := make([]byte, vlen)
		if _, err := io.ReadFull(r, val); err != nil {
			return Record{}, ErrTruncated
		}
		return Record{Key: key, Value: val}, nil
	default:
		return Record{}, ErrMalformed
	}
}

// IndexEntry maps a key to the byte offset of the record that carries it.
type IndexEntry struct {
	Key    []byte
	Offset uint64
}

// AppendIndexEntry appends the encoding of e to dst and returns the result.
func AppendIndexEntry(dst []byte, e IndexEntry) []byte {
	dst = binary.BigEndian.AppendUint64(dst, uint64(len(e.Key)))
	dst = append(dst, e.Key...)
	dst = binary.BigEndian.AppendUint64(dst, e.Offset)
	return dst
}

// DecodeIndexEntry decodes one index entry from the front of buf.
func DecodeIndexEntry(buf []byte) (IndexEntry, int, error) {
	if len(buf) < 8 {
		return IndexEntry{}, 0, ErrTruncated
	}
	klen := binary.BigEndian.Uint64(buf)
	if klen == 0 || klen > maxKeyLen {
		return IndexEntry{}, 0, ErrMalformed
	}
	pos := 8
	if uint64(len(buf)-pos) < klen+8 {
		return IndexEntry{}, 0, ErrTruncated
	}
	key := buf[pos : pos+int(klen)]
	pos += int(klen)
	off := binary.BigEndian.Uint64(buf[pos:])
	pos += 8
	return IndexEntry{Key: key, Offset: off}, pos, nil
}

// Manifest log frame kinds.
const (
	FrameEdit     = 0
	FrameCommit   = 1
	FrameSnapshot = 2
)

// AppendFrame appends a manifest log frame to dst and returns the result.
// Layout: frame_len(8) | payload | frame_kind(1); frame_len covers the
// payload only.
func AppendFrame(dst []byte, kind byte, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, uint64(len(payload)))
	dst = append(dst, payload...)
	dst = append(dst, kind)
	return dst
}

// DecodeFrame decodes one manifest log frame from the front of buf.
func DecodeFrame(buf []byte) (kind byte, payload []byte, n int, err error) {
	if len(buf) < 8 {
		return 0, nil, 0, ErrTruncated
	}
	plen := binary.BigEndian.Uint64(buf)
	if plen > maxValueLen {
		return 0, nil, 0, ErrMalformed
	}
	pos := 8
	if uint64(len(buf)-pos) < plen+1 {
		return 0, nil, 0, ErrTruncated
	}
	payload = buf[pos : pos+int(plen)]
	pos += int(plen)
	kind = buf[pos]
	pos++
	if kind > FrameSnapshot {
		return 0, nil, 0, ErrMalformed
	}
	return kind, payload, pos, nil
}
