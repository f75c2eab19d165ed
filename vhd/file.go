package vhd

import (
	"fmt"
	"io"
	"sync"

	"github.com/vhdtap/tapcore/atomicio"
	"github.com/vhdtap/tapcore/backend"
)

// File wraps a backend.Storage holding a VHD image, caching the parsed
// footer/header/BAT/batmap on first access the way the original C library's
// vhd_open caches them in the vhd_context_t.
type File struct {
	storage backend.Storage

	mu     sync.Mutex
	footer *Footer
	header *Header
	bat    *BAT
	batmap *Batmap
}

// New wraps an already-open backend.Storage as a File. Callers normally get
// one back from Open rather than constructing it directly.
func New(storage backend.Storage) *File {
	return &File{storage: storage}
}

// Open reads and validates the footer (and, for dynamic disks, the header)
// of the image backed by storage.
func Open(storage backend.Storage) (*File, error) {
	f := New(storage)
	if _, err := f.GetFooter(); err != nil {
		return nil, err
	}
	if f.TypeDynamic() {
		if _, err := f.GetHeader(); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Storage returns the underlying backend handle, e.g. for closing or
// reopening the image.
func (f *File) Storage() backend.Storage {
	return f.storage
}

// FooterOffset returns the byte offset of the trailing footer copy, computed
// from the current file size the same way vhd_journal_create captures it via
// SEEK_END rather than trusting a stored disk-size field.
func (f *File) FooterOffset() (int64, error) {
	size, err := f.size()
	if err != nil {
		return 0, err
	}
	if size < FooterSize {
		return 0, fmt.Errorf("%w: image shorter than one footer", ErrInvalidFormat)
	}
	return size - FooterSize, nil
}

func (f *File) size() (int64, error) {
	end, err := f.storage.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	return end, nil
}

// GetFooter returns the cached footer, reading and validating it from disk
// on first call.
func (f *File) GetFooter() (*Footer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.footer != nil {
		return f.footer, nil
	}
	off, err := f.FooterOffset()
	if err != nil {
		return nil, err
	}
	footer, err := f.readFooterAt(off)
	if err != nil {
		return nil, err
	}
	f.footer = footer
	return footer, nil
}

// ReadFooterAt reads and parses a footer at an arbitrary offset, bypassing
// the cache (used by journal replay, which restores the copy at offset 0
// independently of the trailing copy).
func (f *File) ReadFooterAt(off int64) (*Footer, error) {
	return f.readFooterAt(off)
}

func (f *File) readFooterAt(off int64) (*Footer, error) {
	buf := make([]byte, FooterSize)
	if _, err := atomicio.ReadFull(f.storage, buf, off); err != nil {
		return nil, fmt.Errorf("reading footer at %d: %w", off, err)
	}
	return footerFromWire(buf)
}

// WriteFooterAt writes footer's stamped wire form at off and, if off is the
// cached footer's own offset, refreshes the cache.
func (f *File) WriteFooterAt(footer *Footer, off int64) error {
	w, err := f.storage.Writable()
	if err != nil {
		return err
	}
	wire := footer.ToBytes()
	if _, err := atomicio.WriteFull(w, wire, off); err != nil {
		return fmt.Errorf("writing footer at %d: %w", off, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if cachedOff, cerr := f.FooterOffset(); cerr == nil && cachedOff == off {
		f.footer = footer
	}
	return nil
}

// GetHeader returns the cached dynamic-disk header, reading it on first
// call. Returns ErrNotDynamic for a fixed disk.
func (f *File) GetHeader() (*Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headerLocked()
}

func (f *File) footerLocked() (*Footer, error) {
	if f.footer != nil {
		return f.footer, nil
	}
	off, err := f.FooterOffset()
	if err != nil {
		return nil, err
	}
	footer, err := f.readFooterAt(off)
	if err != nil {
		return nil, err
	}
	f.footer = footer
	return footer, nil
}

// GetBAT returns the cached block allocation table, reading it on first call.
func (f *File) GetBAT() (*BAT, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bat != nil {
		return f.bat, nil
	}
	header, err := f.headerLocked()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, int(header.MaxTableEntries)*BATEntrySize)
	if _, err := atomicio.ReadFull(f.storage, buf, int64(header.TableOffset)); err != nil {
		return nil, fmt.Errorf("reading BAT at %d: %w", header.TableOffset, err)
	}
	bat, err := batFromBytes(buf, header.MaxTableEntries)
	if err != nil {
		return nil, err
	}
	f.bat = bat
	return bat, nil
}

func (f *File) headerLocked() (*Header, error) {
	if f.header != nil {
		return f.header, nil
	}
	footer, err := f.footerLocked()
	if err != nil {
		return nil, err
	}
	if footer.DiskType == DiskTypeFixed {
		return nil, ErrNotDynamic
	}
	buf := make([]byte, HeaderSize)
	if _, err := atomicio.ReadFull(f.storage, buf, int64(footer.DataOffset)); err != nil {
		return nil, fmt.Errorf("reading header at %d: %w", footer.DataOffset, err)
	}
	header, err := headerFromWire(buf)
	if err != nil {
		return nil, err
	}
	f.header = header
	return header, nil
}

// batOffset returns the byte offset immediately following the BAT, where a
// batmap header (if any) is stored.
func (f *File) batOffset() (int64, error) {
	header, err := f.headerLocked()
	if err != nil {
		return 0, err
	}
	batSectors := (int64(header.MaxTableEntries)*BATEntrySize + SectorSize - 1) / SectorSize
	return int64(header.TableOffset) + batSectors*SectorSize, nil
}

// BatmapHeaderOffset returns the byte offset immediately following the BAT,
// where a batmap header (if any) is stored.
func (f *File) BatmapHeaderOffset() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batOffset()
}

// HasBatmap reports whether this image carries the batmap extension.
func (f *File) HasBatmap() bool {
	m, err := f.GetBatmap()
	return err == nil && m != nil
}

// GetBatmap returns the cached batmap, reading it on first call. A dynamic
// disk without the extension returns (nil, nil).
func (f *File) GetBatmap() (*Batmap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batmap != nil {
		return f.batmap, nil
	}
	off, err := f.batOffset()
	if err != nil {
		return nil, err
	}
	hdrBuf := make([]byte, SectorSize)
	if _, err := atomicio.ReadFull(f.storage, hdrBuf, off); err != nil {
		return nil, fmt.Errorf("reading batmap header at %d: %w", off, err)
	}
	batmapHeader, err := batmapHeaderFromWire(hdrBuf)
	if err != nil {
		if _, ok := err.(*InvalidCookieError); ok {
			return nil, nil
		}
		return nil, err
	}
	body := make([]byte, int64(batmapHeader.SizeSectors)*SectorSize)
	if _, err := atomicio.ReadFull(f.storage, body, int64(batmapHeader.Offset)); err != nil {
		return nil, fmt.Errorf("reading batmap body at %d: %w", batmapHeader.Offset, err)
	}
	m := batmapFromBytes(*batmapHeader, body)
	f.batmap = m
	return m, nil
}

// TypeDynamic reports whether the image is a dynamic (or differencing) disk.
func (f *File) TypeDynamic() bool {
	footer, err := f.GetFooter()
	if err != nil {
		return false
	}
	return footer.DiskType != DiskTypeFixed
}

// ValidatePlatformCode reports whether code is one this module recognizes
// for a non-empty parent locator slot.
func ValidatePlatformCode(code PlatformCode) bool {
	switch code {
	case PlatformCodeNone, PlatformCodeWi2r, PlatformCodeWi2k,
		PlatformCodeW2ru, PlatformCodeW2ku, PlatformCodeMac, PlatformCodeMacX:
		return true
	default:
		return false
	}
}

// ReadBitmap returns the per-sector allocation bitmap for block.
func (f *File) ReadBitmap(block uint32) ([]byte, error) {
	header, err := f.headerLocked()
	if err != nil {
		return nil, err
	}
	bat, err := f.GetBAT()
	if err != nil {
		return nil, err
	}
	if !bat.Allocated(block) {
		return nil, fmt.Errorf("block %d is not allocated", block)
	}
	off := int64(bat.Entries[block]) * SectorSize
	buf := make([]byte, int64(header.BitmapSectors())*SectorSize)
	if _, err := atomicio.ReadFull(f.storage, buf, off); err != nil {
		return nil, fmt.Errorf("reading bitmap for block %d: %w", block, err)
	}
	return buf, nil
}

// ReadBlock returns the full data payload (bitmap sectors plus sector-per-
// block data) stored for block.
func (f *File) ReadBlock(block uint32) ([]byte, error) {
	header, err := f.headerLocked()
	if err != nil {
		return nil, err
	}
	bat, err := f.GetBAT()
	if err != nil {
		return nil, err
	}
	if !bat.Allocated(block) {
		return nil, fmt.Errorf("block %d is not allocated", block)
	}
	off := int64(bat.Entries[block]) * SectorSize
	total := int64(header.BitmapSectors()+header.SectorsPerBlock()) * SectorSize
	buf := make([]byte, total)
	if _, err := atomicio.ReadFull(f.storage, buf, off); err != nil {
		return nil, fmt.Errorf("reading block %d: %w", block, err)
	}
	return buf, nil
}

// Poison swaps the footer's on-disk cookie for the poison marker, both at
// off and in the cache, signalling a journal transaction is in flight (spec
// §3 "poisoned" invariant).
func (f *File) Poison(off int64) error {
	return f.swapCookie(off, poisonCookie)
}

// Unpoison restores the footer's real cookie after a journal transaction
// completes or is fully replayed.
func (f *File) Unpoison(off int64) error {
	return f.swapCookie(off, footerCookie)
}

// swapCookie rewrites the footer's cookie field at off. footerFromWire
// already accepts both footerCookie and poisonCookie, so the footer parses
// cleanly whichever state it's currently in.
func (f *File) swapCookie(off int64, cookie string) error {
	footer, err := f.readFooterAt(off)
	if err != nil {
		return err
	}
	footer.Cookie = cookie
	return f.WriteFooterAt(footer, off)
}

// Truncate resizes the underlying image file.
func (f *File) Truncate(size int64) error {
	w, err := f.storage.Writable()
	if err != nil {
		return err
	}
	return w.Truncate(size)
}

// Close closes the underlying storage.
func (f *File) Close() error {
	return f.storage.Close()
}
