// Package ring models the shared-memory producer/consumer ring used to pass
// block requests and responses between a guest domain and the host. The
// wire layout of the descriptor slots differs by protocol variant; this
// package dispatches ring-index arithmetic on the variant rather than a
// union-and-switch, so a caller never has to know which one it is holding.
package ring

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Protocol identifies the guest's ABI for the shared ring's request and
// response descriptor layout.
type Protocol int

const (
	Native Protocol = iota
	X86_32
	X86_64
)

func (p Protocol) String() string {
	switch p {
	case Native:
		return "native"
	case X86_32:
		return "x86_32"
	case X86_64:
		return "x86_64"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

// ErrUnsupportedProtocol is returned by NewBackRing for any value outside
// Native, X86_32, X86_64.
var ErrUnsupportedProtocol = errors.New("unsupported ring protocol")

// request/response descriptor strides, in bytes, per protocol. Native and
// x86_64 share a stride on the architectures tapdisk runs on; x86_32 packs
// tighter because its request struct lacks the padding the 64-bit ABI
// inserts.
const (
	nativeReqStride = 64
	nativeRspStride = 32
	x8632ReqStride  = 60
	x8632RspStride  = 28
	x8664ReqStride  = 64
	x8664RspStride  = 32
)

// sringHeaderSize is the fixed portion of the shared ring page preceding the
// descriptor array: req_prod, req_event, rsp_prod, rsp_event, each a u32,
// padded to a cacheline so requests and responses don't share one.
const sringHeaderSize = 48

// RingStats is a point-in-time snapshot of the shared ring's producer and
// consumer state, used by the stats publisher (xen/blkif) to format the
// io_ring page without reaching back through the BackRing interface.
type RingStats struct {
	NrEnts   uint32
	ReqProd  uint32
	ReqCons  uint32
	ReqEvent uint32
	RspProd  uint32
	RspPvt   int32
	RspEvent uint32
}

// BackRing is the host-side ("back end") view of a mapped shared ring: it
// tracks how far the host has consumed requests and produced responses,
// independent of the guest-visible producer/consumer counters stored in the
// ring page itself.
type BackRing interface {
	// Protocol reports which wire layout this view was initialized for.
	Protocol() Protocol
	// NrEnts is the number of descriptor slots, always a power of two.
	NrEnts() uint32
	// ReqProd returns the guest's published request producer index.
	ReqProd() uint32
	// ReqConsRead returns the host's own request consumer index.
	ReqConsRead() uint32
	// Advance moves the host's request consumer forward by one slot.
	Advance()
	// RspProdPvt returns the host's private (not yet published) response
	// producer index.
	RspProdPvt() int32
	// PushResponses publishes rsp_prod_pvt into the shared rsp_prod field
	// so the guest can see newly produced responses.
	PushResponses()
	// Stats snapshots the current producer/consumer counters.
	Stats() RingStats
}

type backRing struct {
	proto     Protocol
	mem       []byte
	nrEnts    uint32
	reqStride int
	rspStride int

	reqCons    uint32
	rspProdPvt int32
}

// NewBackRing initializes a back-ring view over mem, a mapped shared-ring
// page (or run of pages) of the given size in bytes, according to proto.
// size must be a power of two; the descriptor count is derived from the
// space remaining after the fixed ring header, divided by the protocol's
// combined request+response stride (mirroring BACK_RING_INIT's __RD2 macro:
// the ring is sized to fit equal numbers of request and response slots in
// the available page).
func NewBackRing(proto Protocol, mem []byte, size int) (BackRing, error) {
	var reqStride, rspStride int
	switch proto {
	case Native:
		reqStride, rspStride = nativeReqStride, nativeRspStride
	case X86_32:
		reqStride, rspStride = x8632ReqStride, x8632RspStride
	case X86_64:
		reqStride, rspStride = x8664ReqStride, x8664RspStride
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedProtocol, proto)
	}
	if size < sringHeaderSize {
		return nil, fmt.Errorf("ring page too small: %d bytes", size)
	}
	avail := size - sringHeaderSize
	nrEnts := nextPowerOfTwo(uint32(avail / (reqStride + rspStride)))
	if nrEnts == 0 {
		return nil, fmt.Errorf("ring page too small for any descriptor: %d bytes", size)
	}
	return &backRing{
		proto:     proto,
		mem:       mem,
		nrEnts:    nrEnts,
		reqStride: reqStride,
		rspStride: rspStride,
	}, nil
}

func nextPowerOfTwo(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	p := uint32(1)
	for p < n {
		p <<= 1
	}
	if p > n {
		p >>= 1
	}
	return p
}

func (r *backRing) Protocol() Protocol { return r.proto }
func (r *backRing) NrEnts() uint32     { return r.nrEnts }

// mask wraps idx into [0, nr_ents) by masking with nr_ents-1 (nr_ents is
// always a power of two) before touching guest memory, so a malicious or
// buggy guest producer index can never address outside the descriptor
// array.
func (r *backRing) mask(idx uint32) uint32 {
	return idx & (r.nrEnts - 1)
}

func (r *backRing) ReqProd() uint32 {
	return binary.LittleEndian.Uint32(r.mem[0:4])
}

func (r *backRing) ReqConsRead() uint32 { return r.reqCons }

func (r *backRing) Advance() {
	r.reqCons++
	r.rspProdPvt++
}

func (r *backRing) RspProdPvt() int32 { return r.rspProdPvt }

func (r *backRing) PushResponses() {
	binary.LittleEndian.PutUint32(r.mem[8:12], uint32(r.rspProdPvt))
}

func (r *backRing) Stats() RingStats {
	return RingStats{
		NrEnts:   r.nrEnts,
		ReqProd:  binary.LittleEndian.Uint32(r.mem[0:4]),
		ReqCons:  r.reqCons,
		ReqEvent: binary.LittleEndian.Uint32(r.mem[4:8]),
		RspProd:  binary.LittleEndian.Uint32(r.mem[8:12]),
		RspPvt:   r.rspProdPvt,
		RspEvent: binary.LittleEndian.Uint32(r.mem[12:16]),
	}
}

// RequestSlot returns the byte range of the mem buffer holding the masked
// request descriptor at idx. Decoding the per-protocol struct is left to the
// request-processing pipeline; this package only owns the index arithmetic
// and slot addressing.
func (r *backRing) RequestSlot(idx uint32) []byte {
	off := sringHeaderSize + int(r.mask(idx))*r.reqStride
	return r.mem[off : off+r.reqStride]
}

// ResponseSlot returns the byte range of the mem buffer holding the masked
// response descriptor at idx.
func (r *backRing) ResponseSlot(idx uint32) []byte {
	reqRegion := sringHeaderSize + int(r.nrEnts)*r.reqStride
	off := reqRegion + int(r.mask(idx))*r.rspStride
	return r.mem[off : off+r.rspStride]
}
