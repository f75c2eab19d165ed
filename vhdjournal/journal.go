package vhdjournal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/vhdtap/tapcore/atomicio"
	"github.com/vhdtap/tapcore/backend"
	"github.com/vhdtap/tapcore/backend/file"
	"github.com/vhdtap/tapcore/internal/hexdump"
	"github.com/vhdtap/tapcore/vhd"
)

// Mode selects which parts of a block AddBlock journals.
type Mode uint8

const (
	// Metadata journals the block's allocation bitmap sectors.
	Metadata Mode = 1 << iota
	// Data journals the block's data sectors.
	Data
)

const sidecarMode = 0o644

// Journal is an open undo log paired with the VHD image it protects.
type Journal struct {
	sidecarPath string
	sidecar     backend.Storage
	img         *vhd.File
	header      Header

	log *logrus.Entry
}

func sidecarPathFor(vhdPath string) string {
	return vhdPath + ".journal"
}

// Create opens vhdPath for read-write direct I/O, snapshots its current
// metadata (footer, and for dynamic disks header/locators/BAT/batmap) into a
// freshly created sidecar, then poisons the image's footer to mark a
// transaction in flight. Any failure from sidecar creation onward is
// cleaned up by removing the sidecar and restoring the image (spec
// §4.4.1: "any failure past sidecar creation triggers Remove").
func Create(ctx context.Context, vhdPath string) (*Journal, error) {
	sidecarPath := sidecarPathFor(vhdPath)
	if _, err := os.Stat(sidecarPath); err == nil {
		return nil, fmt.Errorf("%s: %w", sidecarPath, ErrAlreadyExists)
	}

	sidecar, err := file.CreateTruncate(sidecarPath, sidecarMode)
	if err != nil {
		return nil, fmt.Errorf("creating journal sidecar: %w", err)
	}

	storage, err := file.OpenFromPath(vhdPath, false, true)
	if err != nil {
		sidecar.Close()
		os.Remove(sidecarPath)
		return nil, fmt.Errorf("opening %s: %w", vhdPath, err)
	}

	img, err := vhd.Open(storage)
	if err != nil {
		sidecar.Close()
		os.Remove(sidecarPath)
		storage.Close()
		return nil, fmt.Errorf("opening %s: %w", vhdPath, err)
	}

	j := &Journal{
		sidecarPath: sidecarPath,
		sidecar:     sidecar,
		img:         img,
		log:         logrus.WithField("vhd", vhdPath),
	}

	if img.TypeDynamic() {
		if _, err := img.GetBAT(); err != nil {
			j.Remove(ctx)
			return nil, fmt.Errorf("reading BAT: %w", err)
		}
		if img.HasBatmap() {
			if _, err := img.GetBatmap(); err != nil {
				j.Remove(ctx)
				return nil, fmt.Errorf("reading batmap: %w", err)
			}
		}
	}

	if err := j.writeJournalHeader(); err != nil {
		j.Remove(ctx)
		return nil, fmt.Errorf("writing journal header: %w", err)
	}

	if err := j.addMetadata(ctx); err != nil {
		j.Remove(ctx)
		return nil, fmt.Errorf("snapshotting metadata: %w", err)
	}

	footerOff, err := img.FooterOffset()
	if err != nil {
		j.Remove(ctx)
		return nil, err
	}
	if err := img.Poison(footerOff); err != nil {
		j.Remove(ctx)
		return nil, fmt.Errorf("poisoning image: %w", err)
	}

	return j, nil
}

// writeJournalHeader records the image's footer offset and UUID, captured
// via SEEK_END the way the original library does, rather than from a
// stored disk-size field.
func (j *Journal) writeJournalHeader() error {
	footerOff, err := j.img.FooterOffset()
	if err != nil {
		return err
	}
	footer, err := j.img.GetFooter()
	if err != nil {
		return err
	}
	j.header = Header{
		Cookie:       headerCookie,
		UUID:         footer.UniqueID,
		Entries:      0,
		FooterOffset: footerOff,
	}
	return j.writeHeaderRecord()
}

func (j *Journal) writeHeaderRecord() error {
	w, err := j.sidecar.Writable()
	if err != nil {
		return err
	}
	if _, err := j.sidecar.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err = atomicio.SequentialWriteFull(w, j.header.toWire())
	return err
}

func (j *Journal) readHeaderRecord() (*Header, error) {
	if _, err := j.sidecar.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, headerWireSize)
	if _, err := atomicio.SequentialReadFull(j.sidecar, buf); err != nil {
		return nil, err
	}
	return headerFromWire(buf)
}

// addMetadata appends the fixed sequence FOOTER, [HEADER, LOCATOR*, BAT,
// BATMAP_H+BATMAP_M] that vhd_journal_add_metadata writes, skipping the
// dynamic-only entries on a fixed disk. Each entry's payload is read back
// off the image as raw bytes rather than re-serialized from parsed
// structs, so replay restores the exact bytes that were there, padding
// included.
func (j *Journal) addMetadata(ctx context.Context) error {
	footer, err := j.img.GetFooter()
	if err != nil {
		return err
	}
	footerOff, err := j.img.FooterOffset()
	if err != nil {
		return err
	}
	rawFooter, err := j.readRaw(footerOff, vhd.FooterSize)
	if err != nil {
		return fmt.Errorf("reading footer: %w", err)
	}
	if err := j.update(ctx, footerOff, rawFooter, EntryFooter); err != nil {
		return err
	}

	if !j.img.TypeDynamic() {
		return nil
	}

	header, err := j.img.GetHeader()
	if err != nil {
		return err
	}
	rawHeader, err := j.readRaw(int64(footer.DataOffset), vhd.HeaderSize)
	if err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	if err := j.update(ctx, int64(footer.DataOffset), rawHeader, EntryHeader); err != nil {
		return err
	}

	for _, loc := range header.ParentLocators {
		if loc.Empty() {
			continue
		}
		if !vhd.ValidatePlatformCode(loc.PlatformCode) {
			return fmt.Errorf("unrecognized parent locator platform code %#x", loc.PlatformCode)
		}
		buf, err := j.readRaw(int64(loc.DataOffset), int(loc.SizeBytes()))
		if err != nil {
			return fmt.Errorf("reading parent locator: %w", err)
		}
		if err := j.update(ctx, int64(loc.DataOffset), buf, EntryLocator); err != nil {
			return err
		}
	}

	bat, err := j.img.GetBAT()
	if err != nil {
		return err
	}
	batSize := roundUpSector(len(bat.Entries) * vhd.BATEntrySize)
	rawBAT, err := j.readRaw(int64(header.TableOffset), batSize)
	if err != nil {
		return fmt.Errorf("reading BAT: %w", err)
	}
	if err := j.update(ctx, int64(header.TableOffset), rawBAT, EntryBAT); err != nil {
		return err
	}

	if j.img.HasBatmap() {
		batmap, err := j.img.GetBatmap()
		if err != nil {
			return err
		}
		batmapHdrOff, err := j.img.BatmapHeaderOffset()
		if err != nil {
			return err
		}
		rawBatmapHdr, err := j.readRaw(batmapHdrOff, vhd.SectorSize)
		if err != nil {
			return fmt.Errorf("reading batmap header: %w", err)
		}
		if err := j.update(ctx, batmapHdrOff, rawBatmapHdr, EntryBatmapHdr); err != nil {
			return err
		}
		mapSize := int(batmap.Header.SizeSectors) * vhd.SectorSize
		rawBatmapBody, err := j.readRaw(int64(batmap.Header.Offset), mapSize)
		if err != nil {
			return fmt.Errorf("reading batmap body: %w", err)
		}
		if err := j.update(ctx, int64(batmap.Header.Offset), rawBatmapBody, EntryBatmapMap); err != nil {
			return err
		}
	}

	return nil
}

func (j *Journal) readRaw(off int64, size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := atomicio.ReadFull(j.img.Storage(), buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

func roundUpSector(n int) int {
	return (n + vhd.SectorSize - 1) / vhd.SectorSize * vhd.SectorSize
}

// update appends one journal entry covering offset/payload in the protected
// image, rolling the sidecar back to its prior end-of-file on any failure
// after the append begins (mirroring vhd_journal_update's fail path).
func (j *Journal) update(ctx context.Context, offset int64, payload []byte, typ EntryType) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	eof, err := j.sidecar.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}

	entry := Entry{
		Type:   typ,
		Size:   uint32(len(payload)),
		Offset: offset,
		Cookie: entryCookie,
	}
	entry.Checksum = checksum(entry, payload)

	w, err := j.sidecar.Writable()
	if err != nil {
		return err
	}

	if _, err := atomicio.SequentialWriteFull(w, entry.toWire()); err != nil {
		w.Truncate(eof)
		return fmt.Errorf("writing journal entry: %w", err)
	}
	if _, err := atomicio.SequentialWriteFull(w, payload); err != nil {
		w.Truncate(eof)
		return fmt.Errorf("writing journal entry payload: %w", err)
	}

	j.header.Entries++
	if err := j.writeHeaderRecord(); err != nil {
		j.header.Entries--
		w.Truncate(eof)
		return fmt.Errorf("updating journal header: %w", err)
	}

	return nil
}

// Open reads an existing sidecar's header and replays it against the image,
// restoring both in-flight copies of the footer (offset 0 too, on a dynamic
// disk), then header, locators, BAT and batmap if present, before
// truncating the image back to its pre-transaction size and closing/
// reopening it so cached BAT/batmap state reflects the restored bytes.
func Open(ctx context.Context, vhdPath string) (*Journal, error) {
	sidecarPath := sidecarPathFor(vhdPath)

	sidecar, err := file.OpenFromPath(sidecarPath, false, false)
	if err != nil {
		return nil, fmt.Errorf("opening journal sidecar: %w", err)
	}

	storage, err := file.OpenFromPath(vhdPath, false, true)
	if err != nil {
		sidecar.Close()
		return nil, fmt.Errorf("opening %s: %w", vhdPath, err)
	}

	j := &Journal{
		sidecarPath: sidecarPath,
		sidecar:     sidecar,
		img:         vhd.New(storage),
		log:         logrus.WithField("vhd", vhdPath),
	}

	header, err := j.readHeaderRecord()
	if err != nil {
		j.Close()
		return nil, fmt.Errorf("reading journal header: %w", err)
	}
	j.header = *header

	if err := j.restoreMetadata(ctx); err != nil {
		j.Close()
		return nil, fmt.Errorf("restoring metadata: %w", err)
	}

	if err := storage.Close(); err != nil {
		return nil, err
	}
	reopened, err := file.OpenFromPath(vhdPath, false, true)
	if err != nil {
		return nil, fmt.Errorf("reopening %s: %w", vhdPath, err)
	}
	j.img = vhd.New(reopened)

	if j.img.TypeDynamic() {
		if _, err := j.img.GetBAT(); err != nil {
			j.Close()
			return nil, err
		}
		if j.img.HasBatmap() {
			if _, err := j.img.GetBatmap(); err != nil {
				j.Close()
				return nil, err
			}
		}
	}

	footerOff, err := j.img.FooterOffset()
	if err != nil {
		j.Close()
		return nil, err
	}
	if err := j.img.Poison(footerOff); err != nil {
		j.Close()
		return nil, fmt.Errorf("poisoning image: %w", err)
	}

	return j, nil
}

// restoreMetadata reads each recorded entry in order and writes its payload
// back to the exact offset it was captured from, truncating the image to
// its pre-transaction size only once every entry replayed cleanly. Each
// entry already carries its own target offset, so no structural
// re-derivation from parsed headers is needed except to check the number
// of LOCATOR entries against the restored header's non-empty slots.
func (j *Journal) restoreMetadata(ctx context.Context) error {
	if _, err := j.sidecar.Seek(headerWireSize, io.SeekStart); err != nil {
		return err
	}

	w, err := j.img.Storage().Writable()
	if err != nil {
		return err
	}

	footerEntry, footerPayload, err := j.readNextEntry(ctx, EntryFooter)
	if err != nil {
		return err
	}
	footer, err := vhd.FooterFromBytes(footerPayload)
	if err != nil {
		return err
	}
	if _, err := atomicio.WriteFull(w, footerPayload, footerEntry.Offset); err != nil {
		return fmt.Errorf("restoring footer: %w", err)
	}

	dynamic := footer.DiskType != vhd.DiskTypeFixed
	if !dynamic {
		return j.img.Truncate(j.header.FooterOffset + vhd.FooterSize)
	}

	if err := atomicWriteFooterAtZero(w, footerPayload); err != nil {
		return fmt.Errorf("restoring footer copy at offset 0: %w", err)
	}

	headerEntry, headerPayload, err := j.readNextEntry(ctx, EntryHeader)
	if err != nil {
		return err
	}
	header, err := vhd.HeaderFromBytes(headerPayload)
	if err != nil {
		return err
	}
	if _, err := atomicio.WriteFull(w, headerPayload, headerEntry.Offset); err != nil {
		return fmt.Errorf("restoring header: %w", err)
	}

	nonEmpty := 0
	for _, loc := range header.ParentLocators {
		if !loc.Empty() {
			nonEmpty++
		}
	}

	locs := 0
	for {
		rec := make([]byte, entryWireSize)
		if _, err := atomicio.SequentialReadFull(j.sidecar, rec); err != nil {
			return fmt.Errorf("reading entry record: %w", err)
		}
		if _, err := j.sidecar.Seek(-entryWireSize, io.SeekCurrent); err != nil {
			return err
		}
		if next, _ := entryFromWire(rec); next.Type != EntryLocator {
			break
		}
		locEntry, payload, err := j.readNextEntry(ctx, EntryLocator)
		if err != nil {
			return err
		}
		if _, err := atomicio.WriteFull(w, payload, locEntry.Offset); err != nil {
			return fmt.Errorf("restoring parent locator: %w", err)
		}
		locs++
	}
	if locs != nonEmpty {
		return ErrLocatorCountMismatch
	}

	batEntry, batPayload, err := j.readNextEntry(ctx, EntryBAT)
	if err != nil {
		return err
	}
	if _, err := atomicio.WriteFull(w, batPayload, batEntry.Offset); err != nil {
		return fmt.Errorf("restoring BAT: %w", err)
	}

	// entries consumed so far: footer, header, locators, bat. A batmap
	// header + map pair follows iff the original image carried the batmap
	// extension; any entries after that are AddBlock DATA entries, which
	// Revert replays and Open leaves alone.
	consumed := uint32(3 + nonEmpty)
	hasBatmap := false
	if consumed < j.header.Entries {
		rec := make([]byte, entryWireSize)
		if _, err := atomicio.SequentialReadFull(j.sidecar, rec); err != nil {
			return fmt.Errorf("reading entry record: %w", err)
		}
		if _, err := j.sidecar.Seek(-entryWireSize, io.SeekCurrent); err != nil {
			return err
		}
		next, _ := entryFromWire(rec)
		hasBatmap = next.Type == EntryBatmapHdr
	}
	if hasBatmap {
		hdrEntry, hdrPayload, err := j.readNextEntry(ctx, EntryBatmapHdr)
		if err != nil {
			return err
		}
		if _, err := atomicio.WriteFull(w, hdrPayload, hdrEntry.Offset); err != nil {
			return fmt.Errorf("restoring batmap header: %w", err)
		}
		mapEntry, mapPayload, err := j.readNextEntry(ctx, EntryBatmapMap)
		if err != nil {
			return err
		}
		if _, err := atomicio.WriteFull(w, mapPayload, mapEntry.Offset); err != nil {
			return fmt.Errorf("restoring batmap body: %w", err)
		}
	}

	return j.img.Truncate(j.header.FooterOffset + vhd.FooterSize)
}

func atomicWriteFooterAtZero(w backend.WritableFile, payload []byte) error {
	_, err := atomicio.WriteFull(w, payload, 0)
	return err
}

// readNextEntry reads the next entry record and payload, validating its
// checksum and that it carries the expected type.
func (j *Journal) readNextEntry(ctx context.Context, want EntryType) (*Entry, []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	buf := make([]byte, entryWireSize)
	if _, err := atomicio.SequentialReadFull(j.sidecar, buf); err != nil {
		return nil, nil, fmt.Errorf("reading entry record: %w", err)
	}
	entry, err := entryFromWire(buf)
	if err != nil {
		return nil, nil, err
	}
	if err := entry.validate(); err != nil {
		return nil, nil, err
	}
	if entry.Type != want {
		return nil, nil, fmt.Errorf("%w: expected %s entry, got %s", ErrCorrupt, want, entry.Type)
	}

	payload := make([]byte, entry.Size)
	if _, err := atomicio.SequentialReadFull(j.sidecar, payload); err != nil {
		return nil, nil, fmt.Errorf("reading entry payload: %w", err)
	}
	if err := validateData(*entry, payload); err != nil {
		if errors.Is(err, ErrChecksumMismatch) {
			j.log.WithError(err).Debugf("corrupt entry payload:\n%s", hexdump.Dump(payload, 16))
		}
		return nil, nil, err
	}
	return entry, payload, nil
}

// AddBlock journals block's current on-disk contents before it is
// overwritten in place. The bitmap and data regions are journaled as two
// independent DATA entries so a metadata-only transaction doesn't pay for
// the data sectors it never touches.
func (j *Journal) AddBlock(ctx context.Context, block uint32, mode Mode) error {
	if !j.img.TypeDynamic() {
		return ErrNotDynamic
	}

	bat, err := j.img.GetBAT()
	if err != nil {
		return err
	}
	if int(block) >= len(bat.Entries) {
		return ErrBlockOutOfRange
	}
	blk := bat.Entries[block]
	if blk == vhd.BlockUnused {
		return nil
	}

	header, err := j.img.GetHeader()
	if err != nil {
		return err
	}

	off := int64(blk) * vhd.SectorSize
	bitmapSize := int64(header.BitmapSectors()) * vhd.SectorSize
	dataSize := int64(header.SectorsPerBlock()) * vhd.SectorSize

	if mode&Metadata != 0 {
		buf, err := j.img.ReadBitmap(block)
		if err != nil {
			return err
		}
		if int64(len(buf)) > bitmapSize {
			buf = buf[:bitmapSize]
		}
		if err := j.update(ctx, off, buf, EntryData); err != nil {
			return err
		}
	}

	if mode&Data != 0 {
		full, err := j.img.ReadBlock(block)
		if err != nil {
			return err
		}
		dataOff := off + bitmapSize
		data := full[len(full)-int(dataSize):]
		if err := j.update(ctx, dataOff, data, EntryData); err != nil {
			return err
		}
	}

	return nil
}

// Commit discards the undo log: the transaction succeeded and the recorded
// prior state is no longer needed.
func (j *Journal) Commit(ctx context.Context) error {
	j.header.Entries = 0
	if err := j.writeHeaderRecord(); err != nil {
		return err
	}
	w, err := j.sidecar.Writable()
	if err != nil {
		return err
	}
	return w.Truncate(headerWireSize)
}

// Revert replays every recorded entry back onto the image, undoing a
// transaction that failed partway through, then truncates the image to its
// pre-transaction size and re-poisons the footer, since the sidecar stays
// in place until Remove.
func (j *Journal) Revert(ctx context.Context) error {
	if _, err := j.sidecar.Seek(headerWireSize, io.SeekStart); err != nil {
		return err
	}

	w, err := j.img.Storage().Writable()
	if err != nil {
		return err
	}

	for i := uint32(0); i < j.header.Entries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		buf := make([]byte, entryWireSize)
		if _, err := atomicio.SequentialReadFull(j.sidecar, buf); err != nil {
			return fmt.Errorf("reading entry record: %w", err)
		}
		entry, err := entryFromWire(buf)
		if err != nil {
			return err
		}
		if err := entry.validate(); err != nil {
			return err
		}

		payload := make([]byte, entry.Size)
		if _, err := atomicio.SequentialReadFull(j.sidecar, payload); err != nil {
			return fmt.Errorf("reading entry payload: %w", err)
		}
		if err := validateData(*entry, payload); err != nil {
			if errors.Is(err, ErrChecksumMismatch) {
				j.log.WithError(err).Debugf("corrupt entry payload:\n%s", hexdump.Dump(payload, 16))
			}
			return err
		}

		if _, err := atomicio.WriteFull(w, payload, entry.Offset); err != nil {
			return fmt.Errorf("restoring entry %s at %d: %w", entry.Type, entry.Offset, err)
		}
	}

	if err := j.img.Truncate(j.header.FooterOffset + vhd.FooterSize); err != nil {
		return err
	}
	return j.img.Poison(j.header.FooterOffset)
}

// Remove unpoisons the image, then closes and unlinks the sidecar; every
// step's error is logged and tolerated so the journal is unconditionally
// freed, mirroring td-blkif.c's destroy teardown tolerance.
func (j *Journal) Remove(ctx context.Context) error {
	if j.img != nil {
		if footerOff, err := j.img.FooterOffset(); err == nil {
			if err := j.img.Unpoison(footerOff); err != nil {
				j.log.WithError(err).Warn("unpoisoning image during journal removal")
			}
		} else {
			j.log.WithError(err).Warn("locating footer during journal removal")
		}
	}

	if j.sidecar != nil {
		if err := j.sidecar.Close(); err != nil {
			j.log.WithError(err).Warn("closing journal sidecar")
		}
		if err := os.Remove(j.sidecarPath); err != nil && !os.IsNotExist(err) {
			j.log.WithError(err).Warn("unlinking journal sidecar")
		}
	}

	if j.img != nil {
		if err := j.img.Close(); err != nil {
			j.log.WithError(err).Warn("closing vhd image")
		}
	}

	return nil
}

// Close releases the sidecar and image handles without modifying either,
// for the failure paths that run before a transaction has fully started.
func (j *Journal) Close() error {
	var firstErr error
	if j.sidecar != nil {
		if err := j.sidecar.Close(); err != nil {
			firstErr = err
		}
	}
	if j.img != nil {
		if err := j.img.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
