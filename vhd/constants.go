// Package vhd implements the on-disk VHD image format: the fixed 512-byte
// footer every image carries, the dynamic-disk header and block allocation
// table that follow it, and the batmap extension that accelerates
// fully-allocated-block detection. It exposes a File type that caches the
// parsed metadata and serves block/bitmap reads, the substrate the journal
// package replays entries against.
package vhd

const (
	// SectorSize is the VHD on-disk unit: bitmaps, blocks and the footer's
	// trailing copy are always sector-aligned.
	SectorSize = 512

	// FooterSize is the wire size of the 512-byte VHD footer.
	FooterSize = 512

	// HeaderSize is the wire size of the dynamic-disk header.
	HeaderSize = 1024

	// BATEntrySize is the wire size of a single block allocation table entry.
	BATEntrySize = 4

	// BlockUnused marks a BAT entry as not-yet-allocated.
	BlockUnused uint32 = 0xFFFFFFFF

	// MaxParentLocators is the number of parent locator slots in a dynamic header.
	MaxParentLocators = 8

	footerCookie = "conectix"
	headerCookie = "cxsparse"

	// poisonCookie replaces footerCookie while a journal transaction is
	// in flight, marking the image as unsafe to open without replay.
	poisonCookie = "tapjrnlP"
)

// DiskType enumerates the VHD footer's disk-type field.
type DiskType uint32

const (
	DiskTypeFixed        DiskType = 2
	DiskTypeDynamic      DiskType = 3
	DiskTypeDifferencing DiskType = 4
)

// PlatformCode enumerates a parent locator's platform-code field.
type PlatformCode uint32

const (
	// PlatformCodeNone marks an empty parent-locator slot.
	PlatformCodeNone PlatformCode = 0
	PlatformCodeWi2r PlatformCode = 0x57693272 // "Wi2r": relative Windows path
	PlatformCodeWi2k PlatformCode = 0x5769326b // "Wi2k": absolute Windows path
	PlatformCodeW2ru PlatformCode = 0x57327275 // "W2ru": relative Windows unicode path
	PlatformCodeW2ku PlatformCode = 0x57326b75 // "W2ku": absolute Windows unicode path
	PlatformCodeMac  PlatformCode = 0x4d616320 // "Mac ": Mac OS alias
	PlatformCodeMacX PlatformCode = 0x4d616358 // "MacX": Mac OS X file URL
)
