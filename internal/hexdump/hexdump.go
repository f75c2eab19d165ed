// Package hexdump renders short byte slices for diagnostic log lines, used
// when a journal entry fails checksum validation and the operator needs to
// see the bytes that were actually read off disk.
package hexdump

import "fmt"

// Dump renders b as hex rows of bytesPerRow bytes, xxd-style, with a leading
// byte-offset column and a trailing ASCII column.
func Dump(b []byte, bytesPerRow int) string {
	if bytesPerRow <= 0 {
		bytesPerRow = 16
	}
	var out string
	numRows := (len(b) + bytesPerRow - 1) / bytesPerRow
	for i := 0; i < numRows; i++ {
		firstByte := i * bytesPerRow
		lastByte := firstByte + bytesPerRow
		row := fmt.Sprintf("%08x  ", firstByte)
		var ascii []byte
		for j := firstByte; j < lastByte; j++ {
			if j < len(b) {
				row += fmt.Sprintf("%02x ", b[j])
				switch {
				case b[j] < 32 || b[j] > 126:
					ascii = append(ascii, '.')
				default:
					ascii = append(ascii, b[j])
				}
			} else {
				row += "   "
			}
		}
		out += row + " " + string(ascii) + "\n"
	}
	return out
}
