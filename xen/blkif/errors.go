package blkif

import (
	"errors"
	"fmt"
)

// ErrAlreadyConnected is returned by Connect when (domid, devid) is already
// attached.
var ErrAlreadyConnected = errors.New("blkif: domain/device already connected")

// ErrNotConnected is returned by Disconnect, EventID and ShowIORing for an
// unknown (domid, devid).
var ErrNotConnected = errors.New("blkif: domain/device not connected")

// ErrBusy is returned by Disconnect when requests are still outstanding and
// the VBD is not paused.
var ErrBusy = errors.New("blkif: requests still outstanding")

// ErrShutdown is returned by Disconnect when requests are still outstanding
// and the VBD is paused, since the ring will never drain in that state.
var ErrShutdown = errors.New("blkif: requests outstanding on a paused vbd")

// TooManyRingPagesError is returned by Connect when the requested ring
// order exceeds the compile-time grant-ref array bound.
type TooManyRingPagesError struct {
	Requested int
	Max       int
}

func (e *TooManyRingPagesError) Error() string {
	return fmt.Sprintf("blkif: %d ring page(s) requested, max %d", e.Requested, e.Max)
}
