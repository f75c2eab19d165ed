//go:build linux

package file

import "golang.org/x/sys/unix"

// openDirectFlag is OR'd into the open(2) flags when direct I/O is requested.
// Grounded on disk/disk_unix.go's platform-gated use of golang.org/x/sys/unix
// for block-device-specific behavior.
const openDirectFlag = unix.O_DIRECT
