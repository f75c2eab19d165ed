package vhd

// This file exposes the package's wire codecs for callers outside vhd that
// need to parse a structure from a byte slice captured elsewhere, rather
// than read directly off a File — namely vhdjournal replaying a payload it
// already pulled out of the sidecar.

// FooterFromBytes parses a 512-byte footer.
func FooterFromBytes(b []byte) (*Footer, error) {
	return footerFromWire(b)
}

// HeaderFromBytes parses a 1024-byte dynamic-disk header.
func HeaderFromBytes(b []byte) (*Header, error) {
	return headerFromWire(b)
}

// BATFromBytes parses count fixed-width BAT entries.
func BATFromBytes(b []byte, count uint32) (*BAT, error) {
	return batFromBytes(b, count)
}

// BatmapHeaderFromBytes parses a sector-sized batmap header.
func BatmapHeaderFromBytes(b []byte) (*BatmapHeader, error) {
	return batmapHeaderFromWire(b)
}
