package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const version byte = 1

// FlagSpeculative marks an unconfirmed optimistic write.
const FlagSpeculative byte = 1 << 0

var (
	ErrCorrupt = errors.New("optcache: corrupt entry")
	magic4     = [...]byte{'O', 'P', 'T', 'V'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Entry is one framed cache record.
type Entry struct {
	Rev       uint64
	FetchedAt int64 // unix nanos of the last authoritative write
	Flags     byte
	Payload   []byte
}

// Speculative reports whether the record is an unconfirmed optimistic write.
func (e Entry) Speculative() bool { return e.Flags&FlagSpeculative != 0 }

// Frame: magic(4) | ver(1) | flags(1) | rev(u64 be) | fetchedAt(i64 be) | vlen(u32 be) | payload(vlen)
func Encode(e Entry) []byte {
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 8 + 8 + 4 + len(e.Payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(e.Flags)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], e.Rev)
	buf.Write(u8[:])

	binary.BigEndian.PutUint64(u8[:], uint64(e.FetchedAt))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Payload)))
	buf.Write(u4[:])

	buf.Write(e.Payload)
	return buf.Bytes()
}

// Decode validates strictly: bad magic, version, announced lengths that do
// not match the buffer exactly, or trailing bytes all fail with ErrCorrupt
// so foreign writes under the cache keyspace self-heal instead of decoding
// into garbage.
func Decode(b []byte) (Entry, error) {
	const hdr = 4 + 1 + 1 + 8 + 8 + 4
	if len(b) < hdr || !hasMagic(b) || b[4] != version {
		return Entry{}, ErrCorrupt
	}

	e := Entry{Flags: b[5]}
	off := 6

	e.Rev = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	e.FetchedAt = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || off+vlen != len(b) { // exact length; no trailing bytes
		return Entry{}, ErrCorrupt
	}

	e.Payload = b[off : off+vlen]
	return e, nil
}
