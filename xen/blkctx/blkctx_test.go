package blkctx

import (
	"testing"

	"github.com/vhdtap/tapcore/xen/grant"
	"github.com/vhdtap/tapcore/xen/grant/granttest"
)

func testRegistry() *Registry {
	return &Registry{
		Factory: Factory{
			NewGrantTable:   func() grant.GrantTable { return &granttest.GrantTable{} },
			NewEventChannel: func() grant.EventChannel { return granttest.NewEventChannel() },
			NewRingEvent:    func(string) EventID { return 0 },
		},
	}
}

type stubAttachment Key

func (s stubAttachment) Key() Key { return Key(s) }

func TestRegistryGetCreatesOnFirstReference(t *testing.T) {
	r := testRegistry()
	ctx, err := r.Get("pool-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ctx.Pool != "pool-a" {
		t.Fatalf("Pool = %q, want pool-a", ctx.Pool)
	}
	if ctx.refs != 1 {
		t.Fatalf("refs = %d, want 1", ctx.refs)
	}
}

func TestRegistryGetReusesContextAndBumpsRefs(t *testing.T) {
	r := testRegistry()
	first, _ := r.Get("pool-a")
	second, _ := r.Get("pool-a")
	if first != second {
		t.Fatal("Get returned a different context for the same pool")
	}
	if second.refs != 2 {
		t.Fatalf("refs = %d, want 2", second.refs)
	}
}

func TestRegistryPutTearsDownAtZero(t *testing.T) {
	r := testRegistry()
	r.Get("pool-a")
	r.Get("pool-a")
	if err := r.Put("pool-a"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if r.Lookup("pool-a") == nil {
		t.Fatal("context torn down after only one of two references released")
	}
	if err := r.Put("pool-a"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if r.Lookup("pool-a") != nil {
		t.Fatal("context still present after refs reached zero")
	}
}

func TestRegistryPutUnknownPool(t *testing.T) {
	r := testRegistry()
	if err := r.Put("never-gotten"); err == nil {
		t.Fatal("expected an error releasing a pool never acquired")
	}
}

func TestNewRegistryWiresDefaultFactory(t *testing.T) {
	r := NewRegistry()
	ctx, err := r.Get("pool-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ctx.GrantTable == nil || ctx.EventChannel == nil {
		t.Fatal("default factory left a nil hypervisor handle")
	}
	if err := r.Put("pool-a"); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func TestContextAttachDetach(t *testing.T) {
	ctx := &Context{Pool: "pool-a"}
	key := Key{DomID: 7, DevID: 768}
	ctx.Attach(stubAttachment(key))
	if ctx.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", ctx.Len())
	}
	ctx.Detach(key)
	if ctx.Len() != 0 {
		t.Fatalf("Len() = %d after detach, want 0", ctx.Len())
	}
}
