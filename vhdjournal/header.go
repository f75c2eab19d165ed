package vhdjournal

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const headerCookie = "tapjrnlH"

const headerWireSize = 8 + 16 + 4 + 8 // cookie, uuid, entries, footer_offset

// Header is the fixed record at the start of the journal sidecar: the
// image's identity, how many entries follow, and where the trailing footer
// lives in the image being journaled.
type Header struct {
	Cookie       string
	UUID         uuid.UUID
	Entries      uint32
	FooterOffset int64
}

func (h *Header) toWire() []byte {
	b := make([]byte, headerWireSize)
	copy(b[0:8], padTag(h.Cookie, 8))
	idBytes, _ := h.UUID.MarshalBinary()
	copy(b[8:24], idBytes)
	binary.BigEndian.PutUint32(b[24:28], h.Entries)
	binary.BigEndian.PutUint64(b[28:36], uint64(h.FooterOffset))
	return b
}

func headerFromWire(b []byte) (*Header, error) {
	if len(b) < headerWireSize {
		return nil, fmt.Errorf("%w: journal header truncated to %d bytes", ErrCorrupt, len(b))
	}
	cookie := padTagTrim(b[0:8])
	if cookie != headerCookie {
		return nil, fmt.Errorf("%w: unrecognized journal header cookie %q", ErrCorrupt, cookie)
	}
	id, err := uuid.FromBytes(b[8:24])
	if err != nil {
		return nil, fmt.Errorf("%w: parsing journal header uuid: %v", ErrCorrupt, err)
	}
	return &Header{
		Cookie:       cookie,
		UUID:         id,
		Entries:      binary.BigEndian.Uint32(b[24:28]),
		FooterOffset: int64(binary.BigEndian.Uint64(b[28:36])),
	}, nil
}

func padTag(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	return b
}

func padTagTrim(b []byte) string {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return string(b[:i])
}
