//go:build !linux

package file

// O_DIRECT has no portable equivalent outside Linux, so non-Linux builds
// fall back to buffered I/O.
const openDirectFlag = 0
