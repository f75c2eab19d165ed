package grant

import "testing"

func TestMmapGrantTableRejectsRefCountMismatch(t *testing.T) {
	gt := NewMmapGrantTable()
	_, err := gt.MapGrantRefs(1, []uint32{1, 2, 3}, 2, 0)
	if err == nil {
		t.Fatal("expected an error when len(refs) != 1<<order")
	}
}

func TestMmapGrantTableRoundTrip(t *testing.T) {
	gt := NewMmapGrantTable()
	mem, err := gt.MapGrantRefs(7, []uint32{10, 11}, 1, 0x3)
	if err != nil {
		t.Fatalf("MapGrantRefs: %v", err)
	}
	if len(mem) != 2*4096 {
		t.Fatalf("mapped %d bytes, want %d", len(mem), 2*4096)
	}
	if err := gt.Unmap(mem); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
}

func TestMmapGrantTableUnmapNil(t *testing.T) {
	gt := NewMmapGrantTable()
	if err := gt.Unmap(nil); err != nil {
		t.Fatalf("Unmap(nil) = %v, want nil", err)
	}
}

func TestEventfdChannelUnbindNegativePortIsNoop(t *testing.T) {
	ec := NewEventfdChannel()
	if err := ec.Unbind(-1); err != nil {
		t.Fatalf("Unbind(-1) = %v, want nil", err)
	}
}

func TestEventfdChannelBindUnbind(t *testing.T) {
	ec := NewEventfdChannel()
	port, err := ec.BindInterdomain(3, 42)
	if err != nil {
		t.Fatalf("BindInterdomain: %v", err)
	}
	if port < 0 {
		t.Fatalf("BindInterdomain returned negative port %d", port)
	}
	if err := ec.Unbind(port); err != nil {
		t.Fatalf("Unbind: %v", err)
	}
}
