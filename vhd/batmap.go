package vhd

import (
	"encoding/binary"
	"fmt"

	"github.com/vhdtap/tapcore/internal/bitmap"
)

const batmapHeaderCookie = "tdbatmap"

// BatmapHeader precedes the batmap bitmap body, one sector after the BAT.
type BatmapHeader struct {
	Cookie      string
	Offset      uint64
	SizeSectors uint32
	Version     uint32
	Checksum    uint32
}

func (h *BatmapHeader) toWire() []byte {
	b := make([]byte, SectorSize)
	copy(b[0:8], padCookie(h.Cookie))
	binary.BigEndian.PutUint64(b[8:16], h.Offset)
	binary.BigEndian.PutUint32(b[16:20], h.SizeSectors)
	binary.BigEndian.PutUint32(b[20:24], h.Version)
	binary.BigEndian.PutUint32(b[24:28], 0) // checksum, stamped by caller
	return b
}

func (h *BatmapHeader) Stamp() {
	h.Checksum = footerChecksum(h.toWire())
}

// ToBytes returns the stamped, sector-padded wire form.
func (h *BatmapHeader) ToBytes() []byte {
	h.Stamp()
	b := h.toWire()
	binary.BigEndian.PutUint32(b[24:28], h.Checksum)
	return b
}

func batmapHeaderFromWire(b []byte) (*BatmapHeader, error) {
	if len(b) < SectorSize {
		return nil, fmt.Errorf("%w: batmap header truncated", ErrInvalidFormat)
	}
	cookie := string(b[0:8])
	h := &BatmapHeader{
		Cookie:      cookie,
		Offset:      binary.BigEndian.Uint64(b[8:16]),
		SizeSectors: binary.BigEndian.Uint32(b[16:20]),
		Version:     binary.BigEndian.Uint32(b[20:24]),
		Checksum:    binary.BigEndian.Uint32(b[24:28]),
	}
	if cookie != batmapHeaderCookie {
		return nil, NewInvalidCookieError("batmap header", cookie)
	}
	zeroed := make([]byte, SectorSize)
	copy(zeroed, b[:SectorSize])
	binary.BigEndian.PutUint32(zeroed[24:28], 0)
	if want := footerChecksum(zeroed); want != h.Checksum {
		return nil, NewChecksumMismatchError("batmap header", want, h.Checksum)
	}
	return h, nil
}

// Batmap marks, one bit per BAT entry, which blocks are fully allocated
// (every sector written), letting callers skip per-sector bitmap checks.
type Batmap struct {
	Header BatmapHeader
	Bits   *bitmap.Bitmap
}

// IsFullyAllocated reports whether block's bit is set in the batmap. A block
// index beyond the batmap's size is treated as not fully allocated.
func (m *Batmap) IsFullyAllocated(block uint32) bool {
	if m == nil || m.Bits == nil {
		return false
	}
	set, err := m.Bits.IsSet(int(block))
	if err != nil {
		return false
	}
	return set
}

func batmapFromBytes(header BatmapHeader, body []byte) *Batmap {
	return &Batmap{Header: header, Bits: bitmap.FromBytes(body)}
}
