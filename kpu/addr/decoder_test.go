package addr

import (
	"math/rand"
	"testing"

	"github.com/stillwater-sc/kpusim/kpu"
)

func TestDecoder_AddRegion_RejectsOverlap(t *testing.T) {
	// GIVEN a decoder with one region [0,100)
	d := NewDecoder()
	if err := d.AddRegion(0, 100, kpu.External, 0, "ext0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// WHEN a second region overlapping it is added
	err := d.AddRegion(50, 100, kpu.External, 1, "ext1")

	// THEN it is rejected
	if err == nil {
		t.Fatal("expected overlap error, got nil")
	}
}

func TestDecoder_AddRegion_RejectsZeroSize(t *testing.T) {
	d := NewDecoder()
	if err := d.AddRegion(0, 0, kpu.External, 0, "ext0"); err == nil {
		t.Fatal("expected zero-size error, got nil")
	}
}

func TestDecoder_Decode_RoutesWithinRegion(t *testing.T) {
	// GIVEN a decoder with a region starting at a non-zero base
	d := NewDecoder()
	if err := d.AddRegion(0x1000, 0x100, kpu.L3Tile, 2, "l3.2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// WHEN decoding an address in the middle of the region
	route, err := d.Decode(0x1050)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// THEN the route carries the correct kind, instance, and local offset
	if route.Kind != kpu.L3Tile || route.Instance != 2 || route.Offset != 0x50 {
		t.Errorf("got %+v, want {L3Tile 2 0x50}", route)
	}
}

func TestDecoder_Decode_UnmappedFails(t *testing.T) {
	d := NewDecoder()
	_ = d.AddRegion(0, 0x100, kpu.L3Tile, 0, "l3.0")

	if _, err := d.Decode(0x200); err != ErrNotMapped {
		t.Errorf("got %v, want ErrNotMapped", err)
	}
}

func TestDecoder_DecodeRange_CrossesRegionFails(t *testing.T) {
	d := NewDecoder()
	_ = d.AddRegion(0, 0x100, kpu.L3Tile, 0, "l3.0")

	if _, err := d.DecodeRange(0x80, 0x100); err != ErrCrossesRegion {
		t.Errorf("got %v, want ErrCrossesRegion", err)
	}
}

func TestDecoder_Stress_RandomRegionsDecodeCorrectly(t *testing.T) {
	// GIVEN 1000 non-overlapping 4KB regions at random bases
	const n = 1000
	const regionSize = kpu.Size(4096)
	rng := rand.New(rand.NewSource(42))

	d := NewDecoder()
	bases := make([]kpu.Address, 0, n)
	used := map[kpu.Address]bool{}
	for len(bases) < n {
		slot := kpu.Address(rng.Int63n(n*10)) * kpu.Address(regionSize)
		if used[slot] {
			continue
		}
		used[slot] = true
		if err := d.AddRegion(slot, regionSize, kpu.L3Tile, kpu.InstanceID(len(bases)), "r"); err != nil {
			t.Fatalf("unexpected overlap on non-overlapping grid: %v", err)
		}
		bases = append(bases, slot)
	}

	// WHEN decoding the middle address of every region
	for i, base := range bases {
		mid := base + kpu.Address(regionSize/2)
		route, err := d.Decode(mid)
		if err != nil {
			t.Fatalf("region %d: unexpected error %v", i, err)
		}
		if route.Instance != kpu.InstanceID(i) {
			t.Errorf("region %d: got instance %d, want %d", i, route.Instance, i)
		}
	}

	// THEN an address far outside every region fails to decode
	if _, err := d.Decode(kpu.Address(n*10+1) * kpu.Address(regionSize)); err != ErrNotMapped {
		t.Errorf("got %v, want ErrNotMapped for out-of-range address", err)
	}
}
