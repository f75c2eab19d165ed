package ring

import "testing"

func TestNewBackRingUnsupportedProtocol(t *testing.T) {
	mem := make([]byte, 4096)
	if _, err := NewBackRing(Protocol(99), mem, len(mem)); err == nil {
		t.Fatal("expected an error for an unrecognized protocol")
	}
}

func TestNewBackRingDispatchesByProtocol(t *testing.T) {
	cases := []struct {
		name  string
		proto Protocol
	}{
		{"native", Native},
		{"x86_32", X86_32},
		{"x86_64", X86_64},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mem := make([]byte, 4096)
			r, err := NewBackRing(tc.proto, mem, len(mem))
			if err != nil {
				t.Fatalf("NewBackRing: %v", err)
			}
			if r.Protocol() != tc.proto {
				t.Fatalf("Protocol() = %v, want %v", r.Protocol(), tc.proto)
			}
			if r.NrEnts() == 0 {
				t.Fatal("NrEnts() = 0")
			}
			if r.NrEnts()&(r.NrEnts()-1) != 0 {
				t.Fatalf("NrEnts() = %d, not a power of two", r.NrEnts())
			}
		})
	}
}

func TestNewBackRingRejectsUndersizedPage(t *testing.T) {
	mem := make([]byte, 10)
	if _, err := NewBackRing(Native, mem, len(mem)); err == nil {
		t.Fatal("expected an error for a page too small to hold the ring header")
	}
}

func TestBackRingMaskWraps(t *testing.T) {
	mem := make([]byte, 4096)
	r, err := NewBackRing(Native, mem, len(mem))
	if err != nil {
		t.Fatalf("NewBackRing: %v", err)
	}
	br := r.(*backRing)
	nrEnts := br.NrEnts()
	if got := br.mask(nrEnts); got != 0 {
		t.Fatalf("mask(nrEnts) = %d, want 0", got)
	}
	if got := br.mask(nrEnts + 3); got != 3 {
		t.Fatalf("mask(nrEnts+3) = %d, want 3", got)
	}
}

func TestBackRingAdvance(t *testing.T) {
	mem := make([]byte, 4096)
	r, err := NewBackRing(Native, mem, len(mem))
	if err != nil {
		t.Fatalf("NewBackRing: %v", err)
	}
	if r.ReqConsRead() != 0 || r.RspProdPvt() != 0 {
		t.Fatalf("fresh ring has nonzero counters: cons=%d pvt=%d", r.ReqConsRead(), r.RspProdPvt())
	}
	r.Advance()
	r.Advance()
	if r.ReqConsRead() != 2 {
		t.Fatalf("ReqConsRead() = %d, want 2", r.ReqConsRead())
	}
	if r.RspProdPvt() != 2 {
		t.Fatalf("RspProdPvt() = %d, want 2", r.RspProdPvt())
	}
}

func TestBackRingRequestResponseSlotsDontOverlap(t *testing.T) {
	mem := make([]byte, 4096)
	r, err := NewBackRing(X86_64, mem, len(mem))
	if err != nil {
		t.Fatalf("NewBackRing: %v", err)
	}
	br := r.(*backRing)
	req := br.RequestSlot(0)
	rsp := br.ResponseSlot(0)
	req[0] = 0xAB
	if rsp[0] == 0xAB {
		t.Fatal("request and response slots alias the same bytes")
	}
}
