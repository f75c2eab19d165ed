package vhd

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Footer is the 512-byte structure present at the end of every VHD image
// (and, for dynamic disks, duplicated at offset 0).
type Footer struct {
	Cookie              string
	Features            uint32
	FileFormatVersion   uint32
	DataOffset          uint64 // 0xFFFFFFFFFFFFFFFF for fixed disks
	Timestamp           uint32
	CreatorApplication  string
	CreatorVersion      uint32
	CreatorHostOS       string
	OriginalSize        uint64
	CurrentSize         uint64
	DiskGeometryCyl     uint16
	DiskGeometryHeads   uint8
	DiskGeometrySectors uint8
	DiskType            DiskType
	Checksum            uint32
	UniqueID            uuid.UUID
	SavedState          uint8
}

// toWire serializes the footer with Checksum zeroed; callers must compute
// the checksum over this zeroed encoding and then stamp it back in, never
// the other order.
func (f *Footer) toWire() []byte {
	b := make([]byte, FooterSize)
	copy(b[0:8], padCookie(f.Cookie))
	binary.BigEndian.PutUint32(b[8:12], f.Features)
	binary.BigEndian.PutUint32(b[12:16], f.FileFormatVersion)
	binary.BigEndian.PutUint64(b[16:24], f.DataOffset)
	binary.BigEndian.PutUint32(b[24:28], f.Timestamp)
	copy(b[28:32], padAppTag(f.CreatorApplication))
	binary.BigEndian.PutUint32(b[32:36], f.CreatorVersion)
	copy(b[36:40], padAppTag(f.CreatorHostOS))
	binary.BigEndian.PutUint64(b[40:48], f.OriginalSize)
	binary.BigEndian.PutUint64(b[48:56], f.CurrentSize)
	binary.BigEndian.PutUint16(b[56:58], f.DiskGeometryCyl)
	b[58] = f.DiskGeometryHeads
	b[59] = f.DiskGeometrySectors
	binary.BigEndian.PutUint32(b[60:64], uint32(f.DiskType))
	binary.BigEndian.PutUint32(b[64:68], 0) // checksum, stamped by caller
	idBytes, _ := f.UniqueID.MarshalBinary()
	copy(b[68:84], idBytes)
	b[84] = f.SavedState
	// b[85:512] reserved, left zero
	return b
}

// footerChecksum computes the footer's one's-complement byte-sum checksum
// over the wire form with the checksum field zeroed.
func footerChecksum(wire []byte) uint32 {
	var sum uint32
	for _, c := range wire {
		sum += uint32(c)
	}
	return ^sum
}

// Stamp recomputes and sets f.Checksum from the current field values.
func (f *Footer) Stamp() {
	wire := f.toWire()
	f.Checksum = footerChecksum(wire)
}

// ToBytes returns the fully stamped wire representation, ready to write.
func (f *Footer) ToBytes() []byte {
	f.Stamp()
	b := f.toWire()
	binary.BigEndian.PutUint32(b[64:68], f.Checksum)
	return b
}

// footerFromWire parses a 512-byte footer and validates its checksum and cookie.
func footerFromWire(b []byte) (*Footer, error) {
	if len(b) < FooterSize {
		return nil, fmt.Errorf("%w: footer truncated to %d bytes", ErrInvalidFormat, len(b))
	}
	cookie := string(b[0:8])
	f := &Footer{
		Cookie:              cookie,
		Features:            binary.BigEndian.Uint32(b[8:12]),
		FileFormatVersion:   binary.BigEndian.Uint32(b[12:16]),
		DataOffset:          binary.BigEndian.Uint64(b[16:24]),
		Timestamp:           binary.BigEndian.Uint32(b[24:28]),
		CreatorApplication:  trimTag(b[28:32]),
		CreatorVersion:      binary.BigEndian.Uint32(b[32:36]),
		CreatorHostOS:       trimTag(b[36:40]),
		OriginalSize:        binary.BigEndian.Uint64(b[40:48]),
		CurrentSize:         binary.BigEndian.Uint64(b[48:56]),
		DiskGeometryCyl:     binary.BigEndian.Uint16(b[56:58]),
		DiskGeometryHeads:   b[58],
		DiskGeometrySectors: b[59],
		DiskType:            DiskType(binary.BigEndian.Uint32(b[60:64])),
		Checksum:            binary.BigEndian.Uint32(b[64:68]),
		SavedState:          b[84],
	}
	id, err := uuid.FromBytes(b[68:84])
	if err != nil {
		return nil, fmt.Errorf("%w: parsing footer unique id: %v", ErrInvalidFormat, err)
	}
	f.UniqueID = id

	if cookie != footerCookie && cookie != poisonCookie {
		return nil, NewInvalidCookieError("footer", cookie)
	}

	zeroed := make([]byte, len(b))
	copy(zeroed, b)
	binary.BigEndian.PutUint32(zeroed[64:68], 0)
	if want := footerChecksum(zeroed); cookie == footerCookie && want != f.Checksum {
		return nil, NewChecksumMismatchError("footer", want, f.Checksum)
	}
	return f, nil
}

// poisoned reports whether the footer currently carries the poison cookie.
func (f *Footer) poisoned() bool {
	return f.Cookie == poisonCookie
}

func padCookie(s string) []byte {
	return padTag(s, 8)
}

func padAppTag(s string) []byte {
	return padTag(s, 4)
}

func padTag(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	return b
}

func trimTag(b []byte) string {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return string(b[:i])
}
