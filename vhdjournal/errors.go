package vhdjournal

import "errors"

// ErrCorrupt wraps a structural problem with the journal sidecar (bad
// cookie, bad size, short read) that makes replay impossible.
var ErrCorrupt = errors.New("journal entry is corrupt")

// ErrChecksumMismatch wraps a specific checksum validation failure.
var ErrChecksumMismatch = errors.New("journal entry checksum mismatch")

// ErrAlreadyExists is returned by Create when a sidecar already exists next
// to the target image.
var ErrAlreadyExists = errors.New("journal already exists")

// ErrNotDynamic is returned by AddBlock against a fixed-disk image, which
// has no block allocation table to journal against.
var ErrNotDynamic = errors.New("vhd image has no block allocation table")

// ErrBlockOutOfRange is returned by AddBlock for a block index beyond the
// image's table size.
var ErrBlockOutOfRange = errors.New("block index out of range")

// ErrLocatorCountMismatch is returned by Open when the number of LOCATOR
// entries replayed from the sidecar doesn't match the number of non-empty
// parent locator slots the restored header declares.
var ErrLocatorCountMismatch = errors.New("locator entry count does not match header")
