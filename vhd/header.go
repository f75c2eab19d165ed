package vhd

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// ParentLocator records where a differencing disk's parent image can be found.
type ParentLocator struct {
	PlatformCode PlatformCode
	DataSpace    uint32
	DataLength   uint32
	Reserved     uint32
	DataOffset   uint64
}

func (p ParentLocator) toWire() []byte {
	b := make([]byte, 24)
	binary.BigEndian.PutUint32(b[0:4], uint32(p.PlatformCode))
	binary.BigEndian.PutUint32(b[4:8], p.DataSpace)
	binary.BigEndian.PutUint32(b[8:12], p.DataLength)
	binary.BigEndian.PutUint32(b[12:16], p.Reserved)
	binary.BigEndian.PutUint64(b[16:24], p.DataOffset)
	return b
}

func parentLocatorFromWire(b []byte) ParentLocator {
	return ParentLocator{
		PlatformCode: PlatformCode(binary.BigEndian.Uint32(b[0:4])),
		DataSpace:    binary.BigEndian.Uint32(b[4:8]),
		DataLength:   binary.BigEndian.Uint32(b[8:12]),
		Reserved:     binary.BigEndian.Uint32(b[12:16]),
		DataOffset:   binary.BigEndian.Uint64(b[16:24]),
	}
}

// Empty reports whether this locator slot is unused.
func (p ParentLocator) Empty() bool {
	return p.PlatformCode == PlatformCodeNone
}

// SizeBytes returns the sector-rounded size of the locator's data region,
// DataSpace being the on-disk field expressed in sectors.
func (p ParentLocator) SizeBytes() uint32 {
	return p.DataSpace * SectorSize
}

// Header is the dynamic-disk extension that follows the footer at
// DataOffset, holding the block allocation table location and geometry.
type Header struct {
	Cookie            string
	DataOffset        uint64 // 0xFFFFFFFFFFFFFFFF, no next extension
	TableOffset       uint64
	HeaderVersion     uint32
	MaxTableEntries   uint32
	BlockSize         uint32
	Checksum          uint32
	ParentUniqueID    uuid.UUID
	ParentTimestamp   uint32
	ParentUnicodeName string
	ParentLocators    [MaxParentLocators]ParentLocator
}

func (h *Header) toWire() []byte {
	b := make([]byte, HeaderSize)
	copy(b[0:8], padCookie(h.Cookie))
	binary.BigEndian.PutUint64(b[8:16], h.DataOffset)
	binary.BigEndian.PutUint64(b[16:24], h.TableOffset)
	binary.BigEndian.PutUint32(b[24:28], h.HeaderVersion)
	binary.BigEndian.PutUint32(b[28:32], h.MaxTableEntries)
	binary.BigEndian.PutUint32(b[32:36], h.BlockSize)
	binary.BigEndian.PutUint32(b[36:40], 0) // checksum, stamped by caller
	idBytes, _ := h.ParentUniqueID.MarshalBinary()
	copy(b[40:56], idBytes)
	binary.BigEndian.PutUint32(b[56:60], h.ParentTimestamp)
	// b[60:64] reserved
	nameBytes := []byte(h.ParentUnicodeName)
	if len(nameBytes) > 512 {
		nameBytes = nameBytes[:512]
	}
	copy(b[64:576], nameBytes)
	for i, loc := range h.ParentLocators {
		off := 576 + i*24
		copy(b[off:off+24], loc.toWire())
	}
	// remaining reserved bytes left zero
	return b
}

func (h *Header) Stamp() {
	wire := h.toWire()
	h.Checksum = footerChecksum(wire)
}

func (h *Header) ToBytes() []byte {
	h.Stamp()
	b := h.toWire()
	binary.BigEndian.PutUint32(b[36:40], h.Checksum)
	return b
}

func headerFromWire(b []byte) (*Header, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: header truncated to %d bytes", ErrInvalidFormat, len(b))
	}
	cookie := string(b[0:8])
	h := &Header{
		Cookie:          cookie,
		DataOffset:      binary.BigEndian.Uint64(b[8:16]),
		TableOffset:     binary.BigEndian.Uint64(b[16:24]),
		HeaderVersion:   binary.BigEndian.Uint32(b[24:28]),
		MaxTableEntries: binary.BigEndian.Uint32(b[28:32]),
		BlockSize:       binary.BigEndian.Uint32(b[32:36]),
		Checksum:        binary.BigEndian.Uint32(b[36:40]),
		ParentTimestamp: binary.BigEndian.Uint32(b[56:60]),
	}
	id, err := uuid.FromBytes(b[40:56])
	if err != nil {
		return nil, fmt.Errorf("%w: parsing header parent unique id: %v", ErrInvalidFormat, err)
	}
	h.ParentUniqueID = id
	h.ParentUnicodeName = trimTag(b[64:576])
	for i := range h.ParentLocators {
		off := 576 + i*24
		h.ParentLocators[i] = parentLocatorFromWire(b[off : off+24])
	}

	if cookie != headerCookie {
		return nil, NewInvalidCookieError("header", cookie)
	}
	zeroed := make([]byte, len(b))
	copy(zeroed, b)
	binary.BigEndian.PutUint32(zeroed[36:40], 0)
	if want := footerChecksum(zeroed); want != h.Checksum {
		return nil, NewChecksumMismatchError("header", want, h.Checksum)
	}
	return h, nil
}

// SectorsPerBlock returns how many 512-byte sectors make up one data block.
func (h *Header) SectorsPerBlock() uint32 {
	return h.BlockSize / SectorSize
}

// BitmapSectors returns how many sectors the per-block allocation bitmap
// occupies, rounded up to a sector boundary (one bit per data sector).
func (h *Header) BitmapSectors() uint32 {
	spb := h.SectorsPerBlock()
	return (spb + 8*SectorSize - 1) / (8 * SectorSize)
}
