package vhd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/vhdtap/tapcore/backend/file"
	"github.com/vhdtap/tapcore/internal/bitmap"
)

func sampleFooter() *Footer {
	return &Footer{
		Cookie:              footerCookie,
		Features:            2,
		FileFormatVersion:   0x00010000,
		DataOffset:          FooterSize,
		Timestamp:           1234567,
		CreatorApplication:  "tap3",
		CreatorVersion:      1,
		CreatorHostOS:       "Wi2k",
		OriginalSize:        8 << 20,
		CurrentSize:         8 << 20,
		DiskGeometryCyl:     16,
		DiskGeometryHeads:   4,
		DiskGeometrySectors: 17,
		DiskType:            DiskTypeDynamic,
		UniqueID:            uuid.New(),
	}
}

func TestFooterRoundTrip(t *testing.T) {
	f := sampleFooter()
	wire := f.ToBytes()
	got, err := footerFromWire(wire)
	if err != nil {
		t.Fatalf("footerFromWire: %v", err)
	}
	if got.Cookie != f.Cookie || got.CurrentSize != f.CurrentSize || got.UniqueID != f.UniqueID {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, f)
	}
	if got.Checksum != f.Checksum {
		t.Fatalf("Checksum = %#x, want %#x", got.Checksum, f.Checksum)
	}
}

func TestFooterRejectsBadCookie(t *testing.T) {
	f := sampleFooter()
	wire := f.ToBytes()
	copy(wire[0:8], "garbage!")
	if _, err := footerFromWire(wire); err == nil {
		t.Fatal("expected an error for an unrecognized cookie")
	}
}

func TestFooterRejectsBadChecksum(t *testing.T) {
	f := sampleFooter()
	wire := f.ToBytes()
	wire[70] ^= 0xFF // perturb a byte inside the unique id, leaving checksum stale
	if _, err := footerFromWire(wire); err == nil {
		t.Fatal("expected an error for a mismatched checksum")
	}
}

func TestFooterAcceptsPoisonCookieWithoutChecksumCheck(t *testing.T) {
	f := sampleFooter()
	wire := f.ToBytes()
	copy(wire[0:8], poisonCookie)
	// The checksum was computed over the real cookie's bytes, so it no
	// longer matches; a poisoned footer must still parse.
	got, err := footerFromWire(wire)
	if err != nil {
		t.Fatalf("footerFromWire of a poisoned footer: %v", err)
	}
	if !got.poisoned() {
		t.Fatal("poisoned() = false for a footer carrying the poison cookie")
	}
}

func sampleHeader() *Header {
	return &Header{
		Cookie:          headerCookie,
		DataOffset:      ^uint64(0),
		TableOffset:     FooterSize + HeaderSize,
		HeaderVersion:   0x00010000,
		MaxTableEntries: 4,
		BlockSize:       4096,
		ParentUniqueID:  uuid.Nil,
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := sampleHeader()
	h.ParentLocators[0] = ParentLocator{PlatformCode: PlatformCodeW2ku, DataSpace: 1, DataLength: 10, DataOffset: 4096}
	wire := h.ToBytes()
	got, err := headerFromWire(wire)
	if err != nil {
		t.Fatalf("headerFromWire: %v", err)
	}
	if got.TableOffset != h.TableOffset || got.MaxTableEntries != h.MaxTableEntries {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
	if got.ParentLocators[0].PlatformCode != PlatformCodeW2ku {
		t.Fatalf("ParentLocators[0] = %+v, want platform code preserved", got.ParentLocators[0])
	}
	if got.ParentLocators[1].Empty() != true {
		t.Fatal("ParentLocators[1] should be the empty-slot sentinel")
	}
}

func TestHeaderSectorsPerBlockAndBitmapSectors(t *testing.T) {
	h := sampleHeader()
	h.BlockSize = 2 << 20
	if got, want := h.SectorsPerBlock(), uint32(4096); got != want {
		t.Fatalf("SectorsPerBlock() = %d, want %d", got, want)
	}
	if got, want := h.BitmapSectors(), uint32(1); got != want {
		t.Fatalf("BitmapSectors() = %d, want %d", got, want)
	}
}

func TestBATRoundTripAndAllocated(t *testing.T) {
	bat := &BAT{Entries: []uint32{10, BlockUnused, 42, BlockUnused}}
	wire := bat.ToBytes()
	got, err := batFromBytes(wire, uint32(len(bat.Entries)))
	if err != nil {
		t.Fatalf("batFromBytes: %v", err)
	}
	for i, e := range bat.Entries {
		if got.Entries[i] != e {
			t.Fatalf("entry %d = %d, want %d", i, got.Entries[i], e)
		}
	}
	if !got.Allocated(0) || got.Allocated(1) || !got.Allocated(2) || got.Allocated(3) {
		t.Fatalf("Allocated() mismatch: %+v", got.Entries)
	}
	if got.Allocated(99) {
		t.Fatal("Allocated() on an out-of-range block must be false")
	}
}

func TestBatmapHeaderRoundTrip(t *testing.T) {
	h := &BatmapHeader{Cookie: batmapHeaderCookie, Offset: 4096, SizeSectors: 1, Version: 0x00010002}
	wire := h.ToBytes()
	got, err := batmapHeaderFromWire(wire)
	if err != nil {
		t.Fatalf("batmapHeaderFromWire: %v", err)
	}
	if got.Offset != h.Offset || got.SizeSectors != h.SizeSectors {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestBatmapIsFullyAllocated(t *testing.T) {
	bits := bitmap.NewBits(4)
	if err := bits.Set(0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	m := &Batmap{Bits: bits}
	if !m.IsFullyAllocated(0) {
		t.Fatal("IsFullyAllocated(0) = false, want true")
	}
	if m.IsFullyAllocated(1) {
		t.Fatal("IsFullyAllocated(1) = true, want false")
	}
	if m.IsFullyAllocated(99) {
		t.Fatal("IsFullyAllocated on an out-of-range block must be false, not panic")
	}
}

func TestValidatePlatformCode(t *testing.T) {
	for _, pc := range []PlatformCode{PlatformCodeNone, PlatformCodeWi2r, PlatformCodeWi2k, PlatformCodeW2ru, PlatformCodeW2ku, PlatformCodeMac, PlatformCodeMacX} {
		if !ValidatePlatformCode(pc) {
			t.Fatalf("ValidatePlatformCode(%#x) = false, want true", uint32(pc))
		}
	}
	if ValidatePlatformCode(PlatformCode(0xdeadbeef)) {
		t.Fatal("ValidatePlatformCode accepted an unrecognized code")
	}
}

// buildDynamicVHD assembles a complete, self-consistent dynamic VHD image
// with nBlocks BAT entries, every even-numbered block allocated with one
// bitmap sector plus 8 data sectors, and returns the full byte image.
func buildDynamicVHD(t *testing.T, nBlocks uint32, withBatmap bool) []byte {
	t.Helper()
	const spb = 8 // sectors per block's data region

	headerOff := int64(FooterSize)
	tableOff := headerOff + HeaderSize
	batSectors := (int64(nBlocks)*BATEntrySize + SectorSize - 1) / SectorSize
	if batSectors == 0 {
		batSectors = 1
	}

	var batmapHeaderOff, batmapBodyOff int64
	dataStart := tableOff + batSectors*SectorSize
	if withBatmap {
		batmapHeaderOff = dataStart
		batmapBodyOff = batmapHeaderOff + SectorSize
		dataStart = batmapBodyOff + SectorSize
	}

	blockStride := int64(1+spb) * SectorSize // 1 bitmap sector + spb data sectors
	totalSize := dataStart + int64(nBlocks)*blockStride + FooterSize

	buf := make([]byte, totalSize)

	bat := &BAT{Entries: make([]uint32, nBlocks)}
	for i := range bat.Entries {
		bat.Entries[i] = BlockUnused
	}
	// Allocate every even-numbered block.
	for i := uint32(0); i < nBlocks; i += 2 {
		sectorOff := (dataStart + int64(i)*blockStride) / SectorSize
		bat.Entries[i] = uint32(sectorOff)
	}
	copy(buf[tableOff:], bat.ToBytes())

	batmapBits := bitmap.NewBits(int(nBlocks))
	if withBatmap {
		if err := batmapBits.Set(0); err != nil {
			t.Fatalf("Set: %v", err)
		}
		bmHeader := &BatmapHeader{Cookie: batmapHeaderCookie, Offset: uint64(batmapBodyOff), SizeSectors: 1, Version: 0x00010002}
		copy(buf[batmapHeaderOff:], bmHeader.ToBytes())
		copy(buf[batmapBodyOff:], batmapBits.ToBytes())
	}

	header := sampleHeader()
	header.TableOffset = uint64(tableOff)
	header.MaxTableEntries = nBlocks
	header.BlockSize = spb * SectorSize
	copy(buf[headerOff:], header.ToBytes())

	footer := sampleFooter()
	footer.DataOffset = uint64(headerOff)
	copy(buf[0:], footer.ToBytes())
	copy(buf[totalSize-FooterSize:], footer.ToBytes())

	return buf
}

func openTestImage(t *testing.T, buf []byte) *File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.vhd")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("writing test image: %v", err)
	}
	storage, err := file.OpenFromPath(path, false, false)
	if err != nil {
		t.Fatalf("OpenFromPath: %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	f, err := Open(storage)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return f
}

func TestFileOpenDynamicDiskWithBatmap(t *testing.T) {
	buf := buildDynamicVHD(t, 4, true)
	f := openTestImage(t, buf)

	if !f.TypeDynamic() {
		t.Fatal("TypeDynamic() = false for a dynamic disk")
	}
	if !f.HasBatmap() {
		t.Fatal("HasBatmap() = false for an image carrying the batmap extension")
	}
	bat, err := f.GetBAT()
	if err != nil {
		t.Fatalf("GetBAT: %v", err)
	}
	if !bat.Allocated(0) || bat.Allocated(1) {
		t.Fatalf("unexpected allocation state: %+v", bat.Entries)
	}
	m, err := f.GetBatmap()
	if err != nil {
		t.Fatalf("GetBatmap: %v", err)
	}
	if !m.IsFullyAllocated(0) {
		t.Fatal("IsFullyAllocated(0) = false, want true")
	}
}

func TestFileOpenDynamicDiskWithoutBatmap(t *testing.T) {
	buf := buildDynamicVHD(t, 4, false)
	f := openTestImage(t, buf)
	if f.HasBatmap() {
		t.Fatal("HasBatmap() = true for an image without the extension")
	}
}

func TestFileReadBlockReturnsBitmapAndData(t *testing.T) {
	buf := buildDynamicVHD(t, 4, false)
	f := openTestImage(t, buf)
	got, err := f.ReadBlock(0)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	wantLen := (1 + 8) * SectorSize // bitmap sector + 8 data sectors
	if len(got) != wantLen {
		t.Fatalf("ReadBlock returned %d bytes, want %d", len(got), wantLen)
	}
	if _, err := f.ReadBlock(1); err == nil {
		t.Fatal("ReadBlock on an unallocated block should fail")
	}
}

func TestFilePoisonUnpoisonRoundTrip(t *testing.T) {
	buf := buildDynamicVHD(t, 4, false)
	f := openTestImage(t, buf)

	off, err := f.FooterOffset()
	if err != nil {
		t.Fatalf("FooterOffset: %v", err)
	}
	if err := f.Poison(off); err != nil {
		t.Fatalf("Poison: %v", err)
	}
	poisoned, err := f.ReadFooterAt(off)
	if err != nil {
		t.Fatalf("ReadFooterAt: %v", err)
	}
	if poisoned.Cookie != poisonCookie {
		t.Fatalf("Cookie = %q after Poison, want %q", poisoned.Cookie, poisonCookie)
	}

	if err := f.Unpoison(off); err != nil {
		t.Fatalf("Unpoison: %v", err)
	}
	clean, err := f.ReadFooterAt(off)
	if err != nil {
		t.Fatalf("ReadFooterAt: %v", err)
	}
	if clean.Cookie != footerCookie {
		t.Fatalf("Cookie = %q after Unpoison, want %q", clean.Cookie, footerCookie)
	}
}
