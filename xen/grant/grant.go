// Package grant models the two resources a blkif attachment borrows from
// the hypervisor: grant-table mappings (pages the guest has authorized the
// host to map) and event-channel ports (the guest/host notification
// mechanism). Both are exposed as small interfaces, with mmap and eventfd
// standing in for the real grant-table device and event channel, so a
// caller can substitute a fake implementation per test without driving an
// actual hypervisor.
package grant

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// GrantTable maps and unmaps guest memory pages granted to this domain.
type GrantTable interface {
	// MapGrantRefs maps the pages identified by refs, granted by domid,
	// into process memory with the given protection flags (unix.PROT_*).
	// order is log2 of the page count; len(refs) must equal 1<<order.
	MapGrantRefs(domid uint16, refs []uint32, order uint32, prot int) ([]byte, error)
	// Unmap releases a mapping previously returned by MapGrantRefs.
	Unmap(mem []byte) error
}

// EventChannel binds and unbinds interdomain notification ports.
type EventChannel interface {
	// BindInterdomain binds a local port to remotePort on domid, returning
	// the local port number.
	BindInterdomain(domid uint16, remotePort int) (localPort int, err error)
	// Unbind releases a port previously returned by BindInterdomain.
	Unbind(port int) error
}

// pageSize is the unit MapGrantRefs maps in, matching XC_PAGE_SIZE on every
// architecture tapdisk runs on.
const pageSize = 4096

// mmapGrantTable is the default Linux GrantTable: instead of mapping pages
// through a real grant-table device, it stands up anonymous mmap'd memory
// of the requested size, giving the rest of the blkif lifecycle something
// real to map/unmap in tests and in a Xen-less dev environment.
type mmapGrantTable struct{}

// NewMmapGrantTable returns the default Linux GrantTable implementation.
func NewMmapGrantTable() GrantTable {
	return mmapGrantTable{}
}

func (mmapGrantTable) MapGrantRefs(domid uint16, refs []uint32, order uint32, prot int) ([]byte, error) {
	want := uint32(1) << order
	if uint32(len(refs)) != want {
		return nil, fmt.Errorf("grant: %d refs provided, order %d requires %d", len(refs), order, want)
	}
	size := int(want) * pageSize
	mem, err := unix.Mmap(-1, 0, size, prot, unix.MAP_ANON|unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("grant: mapping %d page(s) for domain %d: %w", want, domid, err)
	}
	return mem, nil
}

func (mmapGrantTable) Unmap(mem []byte) error {
	if mem == nil {
		return nil
	}
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("grant: unmapping %d byte(s): %w", len(mem), err)
	}
	return nil
}

// eventfdChannel is the default Linux EventChannel: unix.Eventfd stands in
// for the hypervisor's interdomain event-channel port, giving bind/unbind a
// real kernel file descriptor to exercise.
type eventfdChannel struct{}

// NewEventfdChannel returns the default Linux EventChannel implementation.
func NewEventfdChannel() EventChannel {
	return eventfdChannel{}
}

func (eventfdChannel) BindInterdomain(domid uint16, remotePort int) (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("grant: binding event channel to domain %d port %d: %w", domid, remotePort, err)
	}
	return fd, nil
}

func (eventfdChannel) Unbind(port int) error {
	if port < 0 {
		return nil
	}
	if err := unix.Close(port); err != nil {
		return fmt.Errorf("grant: unbinding port %d: %w", port, err)
	}
	return nil
}
