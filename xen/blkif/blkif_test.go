package blkif

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/vhdtap/tapcore/xen/blkctx"
	"github.com/vhdtap/tapcore/xen/grant"
	"github.com/vhdtap/tapcore/xen/grant/granttest"
	"github.com/vhdtap/tapcore/xen/ring"
)

type fakeVBD struct {
	paused bool
	sring  *Blkif
}

func (v *fakeVBD) Paused() bool      { return v.paused }
func (v *fakeVBD) SetSring(b *Blkif) { v.sring = b }

// testManager builds a Manager over fake grant/event-channel implementations
// and arranges for the real stats directory it creates under /dev/shm to be
// cleaned up regardless of whether the test disconnects cleanly.
func testManager(t *testing.T) *Manager {
	t.Helper()
	registry := &blkctx.Registry{
		Factory: blkctx.Factory{
			NewGrantTable:   func() grant.GrantTable { return &granttest.GrantTable{} },
			NewEventChannel: func() grant.EventChannel { return granttest.NewEventChannel() },
			NewRingEvent:    func(string) blkctx.EventID { return 1 },
		},
	}
	m := NewManager(registry, Config{})
	t.Cleanup(func() {
		os.RemoveAll(shmDir(7, 768))
		os.RemoveAll(shmDir(1, 1))
	})
	return m
}

func connectArgs() (grefs []uint32, order uint32, port int, proto ring.Protocol, pool string) {
	return []uint32{1, 2}, 1, 42, ring.Native, "pool-a"
}

func TestConnectDisconnectRoundTrip(t *testing.T) {
	m := testManager(t)
	vbd := &fakeVBD{}
	grefs, order, port, proto, pool := connectArgs()

	b, err := m.Connect(7, 768, grefs, order, port, proto, pool, vbd)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if vbd.sring != b {
		t.Fatal("Connect did not publish the blkif onto the vbd")
	}
	if b.Port < 0 {
		t.Fatalf("Port = %d, want a bound (non-negative) port", b.Port)
	}

	if err := m.Disconnect(7, 768); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if vbd.sring != nil {
		t.Fatal("Disconnect did not clear the vbd's sring")
	}
	if _, ok := m.Find(7, 768); ok {
		t.Fatal("Find still reports the blkif present after Disconnect")
	}
}

func TestConnectDuplicateFails(t *testing.T) {
	m := testManager(t)
	grefs, order, port, proto, pool := connectArgs()

	if _, err := m.Connect(7, 768, grefs, order, port, proto, pool, &fakeVBD{}); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	if _, err := m.Connect(7, 768, grefs, order, port, proto, pool, &fakeVBD{}); err == nil {
		t.Fatal("expected the second Connect for the same (domid, devid) to fail")
	}
}

func TestConnectRejectsTooManyRingPages(t *testing.T) {
	m := testManager(t)
	grefs := make([]uint32, 16)
	for i := range grefs {
		grefs[i] = uint32(i)
	}
	if _, err := m.Connect(7, 768, grefs, 4 /* 1<<4 = 16 pages */, 42, ring.Native, "pool-a", &fakeVBD{}); err == nil {
		t.Fatal("expected Connect to reject an order exceeding the ring page cap")
	}
	if _, ok := m.Find(7, 768); ok {
		t.Fatal("a failed Connect must not leave a blkif findable")
	}
}

func TestDisconnectUnknownReturnsNotConnected(t *testing.T) {
	m := testManager(t)
	if err := m.Disconnect(1, 1); err == nil {
		t.Fatal("expected an error disconnecting an unattached (domid, devid)")
	}
}

func TestDisconnectBusyThenShutdownWhenPaused(t *testing.T) {
	m := testManager(t)
	vbd := &fakeVBD{}
	grefs, order, port, proto, pool := connectArgs()

	b, err := m.Connect(7, 768, grefs, order, port, proto, pool, vbd)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	b.NReqsFree = b.RingSize - 1 // simulate one in-flight request

	if err := m.Disconnect(7, 768); err != ErrBusy {
		t.Fatalf("Disconnect = %v, want ErrBusy", err)
	}

	vbd.paused = true
	if err := m.Disconnect(7, 768); err != ErrShutdown {
		t.Fatalf("Disconnect (paused) = %v, want ErrShutdown", err)
	}

	if _, ok := m.Find(7, 768); !ok {
		t.Fatal("a rejected Disconnect must leave the blkif attached")
	}
}

func TestDisconnectTeardownToleratesHypervisorErrors(t *testing.T) {
	m := testManager(t)
	grefs, order, port, proto, pool := connectArgs()

	b, err := m.Connect(7, 768, grefs, order, port, proto, pool, &fakeVBD{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ctx := m.Registry.Lookup(pool)
	ctx.GrantTable.(*granttest.GrantTable).UnmapErr = errors.New("unmap failed")
	ctx.EventChannel.(*granttest.EventChannel).UnbindErr = errors.New("unbind failed")

	if err := m.Disconnect(7, 768); err != nil {
		t.Fatalf("Disconnect = %v, want nil (hypervisor teardown errors are logged, not returned)", err)
	}
	if _, ok := m.Find(b.DomID, b.DevID); ok {
		t.Fatal("blkif still findable after Disconnect despite teardown errors")
	}
	if _, err := os.Stat(shmDir(7, 768)); !os.IsNotExist(err) {
		t.Fatalf("stats directory still present after Disconnect: err = %v", err)
	}
}

func TestShowIORingRateLimited(t *testing.T) {
	m := testManager(t)
	m.Config.RefreshInterval = time.Hour
	grefs, order, port, proto, pool := connectArgs()

	b, err := m.Connect(7, 768, grefs, order, port, proto, pool, &fakeVBD{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := m.ShowIORing(7, 768); err != nil {
		t.Fatalf("ShowIORing (first call): %v", err)
	}
	first, err := os.ReadFile(b.shmPath)
	if err != nil {
		t.Fatalf("reading stats file: %v", err)
	}
	if len(first) == 0 {
		t.Fatal("ShowIORing did not write a stats page on first call")
	}

	sentinel := []byte("untouched by a rate-limited refresh")
	if err := os.WriteFile(b.shmPath, sentinel, 0600); err != nil {
		t.Fatalf("seeding sentinel content: %v", err)
	}

	if err := m.ShowIORing(7, 768); err != nil {
		t.Fatalf("ShowIORing (rate-limited call): %v", err)
	}
	got, err := os.ReadFile(b.shmPath)
	if err != nil {
		t.Fatalf("reading stats file: %v", err)
	}
	if string(got) != string(sentinel) {
		t.Fatalf("ShowIORing overwrote the stats page despite being within the refresh interval: got %q", got)
	}
}

func TestEventIDReflectsOwningContext(t *testing.T) {
	m := testManager(t)
	grefs, order, port, proto, pool := connectArgs()
	if _, err := m.Connect(7, 768, grefs, order, port, proto, pool, &fakeVBD{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	id, err := m.EventID(7, 768)
	if err != nil {
		t.Fatalf("EventID: %v", err)
	}
	if id != 1 {
		t.Fatalf("EventID() = %d, want 1", id)
	}
}
