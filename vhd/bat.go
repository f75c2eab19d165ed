package vhd

import "encoding/binary"

// BAT is the block allocation table: one uint32 entry per data block,
// either BlockUnused or the block's sector offset within the image file.
type BAT struct {
	Entries []uint32
}

// ToBytes serializes the table as fixed-width big-endian entries, written
// field-at-a-time rather than struct-cast.
func (t *BAT) ToBytes() []byte {
	b := make([]byte, len(t.Entries)*BATEntrySize)
	for i, e := range t.Entries {
		binary.BigEndian.PutUint32(b[i*BATEntrySize:], e)
	}
	return b
}

func batFromBytes(b []byte, count uint32) (*BAT, error) {
	need := int(count) * BATEntrySize
	if len(b) < need {
		return nil, ErrInvalidFormat
	}
	entries := make([]uint32, count)
	for i := range entries {
		entries[i] = binary.BigEndian.Uint32(b[i*BATEntrySize:])
	}
	return &BAT{Entries: entries}, nil
}

// Allocated reports whether block is mapped to on-disk storage.
func (t *BAT) Allocated(block uint32) bool {
	return int(block) < len(t.Entries) && t.Entries[block] != BlockUnused
}
