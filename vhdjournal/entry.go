// Package vhdjournal implements a crash-consistent undo log for in-place
// VHD metadata and block updates: before a block or metadata structure is
// overwritten, its prior contents are appended to a sidecar file as a
// checksummed entry, so a transaction that is interrupted mid-write can be
// rolled back by replaying the sidecar against the image.
package vhdjournal

import (
	"encoding/binary"
	"fmt"

	"github.com/vhdtap/tapcore/vhd"
)

// EntryType identifies which VHD structure an entry's payload restores.
type EntryType uint32

const (
	EntryFooter    EntryType = 0
	EntryHeader    EntryType = 1
	EntryLocator   EntryType = 2
	EntryBAT       EntryType = 3
	EntryBatmapHdr EntryType = 4
	EntryBatmapMap EntryType = 5
	EntryData      EntryType = 6
)

func (t EntryType) String() string {
	switch t {
	case EntryFooter:
		return "footer"
	case EntryHeader:
		return "header"
	case EntryLocator:
		return "locator"
	case EntryBAT:
		return "bat"
	case EntryBatmapHdr:
		return "batmap-header"
	case EntryBatmapMap:
		return "batmap-map"
	case EntryData:
		return "data"
	default:
		return fmt.Sprintf("entry-type(%d)", uint32(t))
	}
}

// entryCookie marks the start of every entry record; it has no on-wire
// interop partner outside this module, so its value is an arbitrary fixed
// magic rather than one borrowed from an external format.
const entryCookie uint64 = 0xabcd1234abcd1234

const entryWireSize = 4 + 4 + 8 + 8 + 4 // type, size, offset, cookie, checksum

// Entry is the fixed-size record preceding every payload in the journal
// sidecar.
type Entry struct {
	Type     EntryType
	Size     uint32
	Offset   int64
	Cookie   uint64
	Checksum uint32
}

func (e *Entry) toWire() []byte {
	b := make([]byte, entryWireSize)
	binary.BigEndian.PutUint32(b[0:4], uint32(e.Type))
	binary.BigEndian.PutUint32(b[4:8], e.Size)
	binary.BigEndian.PutUint64(b[8:16], uint64(e.Offset))
	binary.BigEndian.PutUint64(b[16:24], e.Cookie)
	binary.BigEndian.PutUint32(b[24:28], e.Checksum)
	return b
}

func entryFromWire(b []byte) (*Entry, error) {
	if len(b) < entryWireSize {
		return nil, fmt.Errorf("%w: entry record truncated to %d bytes", ErrCorrupt, len(b))
	}
	return &Entry{
		Type:     EntryType(binary.BigEndian.Uint32(b[0:4])),
		Size:     binary.BigEndian.Uint32(b[4:8]),
		Offset:   int64(binary.BigEndian.Uint64(b[8:16])),
		Cookie:   binary.BigEndian.Uint64(b[16:24]),
		Checksum: binary.BigEndian.Uint32(b[24:28]),
	}, nil
}

// validate checks the structural invariants every entry must satisfy
// regardless of type: non-zero, sector-aligned size and the fixed cookie.
func (e *Entry) validate() error {
	if e.Size == 0 {
		return fmt.Errorf("%w: entry size is zero", ErrCorrupt)
	}
	if e.Size%vhd.SectorSize != 0 {
		return fmt.Errorf("%w: entry size %d is not sector-aligned", ErrCorrupt, e.Size)
	}
	if e.Cookie != entryCookie {
		return fmt.Errorf("%w: entry cookie mismatch", ErrCorrupt)
	}
	return nil
}

// checksum computes the entry's checksum: the wire-form bytes of e with
// Checksum zeroed, plus every payload byte, summed into a wrapping uint32
// accumulator and then bitwise-complemented. e is taken by value and its
// Checksum field is zeroed before summing, so the same call both stamps a
// new entry and verifies an already-stamped one.
func checksum(e Entry, payload []byte) uint32 {
	e.Checksum = 0
	wire := e.toWire()

	var sum uint32
	for _, c := range wire {
		sum += uint32(c)
	}
	for _, c := range payload {
		sum += uint32(c)
	}
	return ^sum
}

// validateData recomputes e's checksum over payload and reports whether it
// matches the stored value.
func validateData(e Entry, payload []byte) error {
	if uint32(len(payload)) != e.Size {
		return fmt.Errorf("%w: expected %d payload bytes, got %d", ErrCorrupt, e.Size, len(payload))
	}
	want := checksum(e, payload)
	if want != e.Checksum {
		return fmt.Errorf("%w: entry %s at offset %d: computed checksum %#x, stored %#x",
			ErrChecksumMismatch, e.Type, e.Offset, want, e.Checksum)
	}
	return nil
}
