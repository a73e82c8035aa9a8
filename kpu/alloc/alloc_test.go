package alloc

import (
	"testing"

	"github.com/stillwater-sc/kpusim/kpu"
)

func TestBump_AllocateThenReset(t *testing.T) {
	// GIVEN a bump allocator over a small arena
	b := NewBump(0x1000, 256)

	// WHEN two allocations are made
	a1 := b.Allocate(64, 16, "x")
	a2 := b.Allocate(64, 16, "y")

	// THEN they do not overlap and OOM returns 0
	if a1 == 0 || a2 == 0 || a1 == a2 {
		t.Fatalf("got a1=%d a2=%d, want distinct nonzero addresses", a1, a2)
	}
	if got := b.Allocate(1000, 16, "too-big"); got != 0 {
		t.Errorf("OOM allocate: got %d, want 0", got)
	}

	// WHEN reset
	b.Reset()

	// THEN the frontier rewinds and the first allocation succeeds again
	if got := b.Allocate(64, 16, "z"); got != a1 {
		t.Errorf("after reset: got %d, want %d", got, a1)
	}
}

func TestBump_RejectsNonPowerOfTwoAlignment(t *testing.T) {
	b := NewBump(0, 1024)
	if got := b.Allocate(16, 3, "x"); got != 0 {
		t.Errorf("got %d, want 0 for non-power-of-two alignment", got)
	}
}

func TestTracking_AllocateDeallocateReuse(t *testing.T) {
	// GIVEN a tracking allocator and one allocation
	tr := NewTracking(0x2000, 1024)
	a := tr.Allocate(64, 16, "block")
	if a == 0 {
		t.Fatal("initial allocate failed")
	}

	// WHEN it's freed and an identically-sized block is requested again
	if !tr.Deallocate(a) {
		t.Fatal("deallocate of live block should succeed")
	}
	b := tr.Allocate(64, 16, "block2")

	// THEN the freed address is reused rather than bumping the frontier
	if b != a {
		t.Errorf("got reused address %d, want %d", b, a)
	}
}

func TestTracking_DeallocateUnknownAddressFails(t *testing.T) {
	tr := NewTracking(0, 1024)
	if tr.Deallocate(0x999) {
		t.Error("deallocate of unknown address should fail")
	}
}

func TestPool_AllocateDeallocateCycle(t *testing.T) {
	// GIVEN a pool of 4 blocks of 64 bytes
	p := NewPool(0x3000, 64, 4)

	// WHEN all blocks are allocated
	addrs := make([]kpu.Address, 4)
	for i := range addrs {
		a := p.Allocate(64, 16, "blk")
		if a == 0 {
			t.Fatalf("allocate %d failed", i)
		}
		addrs[i] = a
	}

	// THEN a fifth allocation fails (pool exhausted)
	if got := p.Allocate(64, 16, "blk"); got != 0 {
		t.Errorf("got %d, want 0 (pool exhausted)", got)
	}

	// WHEN one block is freed
	if !p.Deallocate(addrs[0]) {
		t.Fatal("deallocate should succeed")
	}

	// THEN it can be reallocated
	if got := p.Allocate(64, 16, "blk"); got == 0 {
		t.Error("expected reuse of freed block")
	}
}

func TestPool_RejectsMisalignedDeallocate(t *testing.T) {
	p := NewPool(0x4000, 64, 4)
	if p.Deallocate(0x4001) {
		t.Error("expected misaligned deallocate to be rejected")
	}
}
