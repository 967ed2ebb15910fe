package alloc

import (
	"testing"
	"unsafe"
)

func TestAllocZeroTreatedAsOne(t *testing.T) {
	a := New(6, 20, 20)
	defer a.Release()

	p := a.Alloc(0, 8)
	if p == nil {
		t.Fatal("alloc(0) returned nil")
	}
	a.Free(p)
}

func TestAllocFreeReuse(t *testing.T) {
	a := New(6, 20, 20)
	defer a.Release()

	p1 := a.Alloc(64, 8)
	a.Free(p1)
	p2 := a.Alloc(64, 8)
	if p1 != p2 {
		t.Errorf("expected reused block at same address, got %v != %v", p1, p2)
	}
	s := a.Stats()
	if s.ReuseHits != 1 {
		t.Errorf("ReuseHits = %d, want 1", s.ReuseHits)
	}
	a.Free(p2)
	if a.Stats().BytesInUse != 0 {
		t.Errorf("BytesInUse = %d, want 0", a.Stats().BytesInUse)
	}
}

func TestFreeForeignPointerIsNoop(t *testing.T) {
	a := New(6, 20, 20)
	defer a.Release()

	var x [256]byte
	foreign := unsafe.Pointer(&x[0])

	before := a.Stats()
	a.Free(foreign) // must not panic, must not touch stats
	after := a.Stats()
	if before != after {
		t.Errorf("foreign free mutated stats: %+v -> %+v", before, after)
	}
}

func TestAllocatorChurn(t *testing.T) {
	a := New(6, 20, 20)
	defer a.Release()

	const iterations = 2000
	for i := 0; i < iterations; i++ {
		p1 := a.Alloc(64, 8)
		p2 := a.Alloc(1024, 8)
		a.Free(p1)
		a.Free(p2)
	}

	s := a.Stats()
	binCount := 20 - 6 + 1
	if s.ReuseHits < s.AllocCalls-uint64(2*binCount) {
		t.Errorf("ReuseHits = %d too low for AllocCalls = %d (bins=%d)", s.ReuseHits, s.AllocCalls, binCount)
	}
	if s.BytesInUse != 0 {
		t.Errorf("BytesInUse = %d, want 0 at end of churn", s.BytesInUse)
	}
}

func TestLargeAllocationBypassesBins(t *testing.T) {
	a := New(6, 20, 20)
	defer a.Release()

	p := a.Alloc(2<<20, 64) // 2 MiB, above the 1 MiB large threshold
	if p == nil {
		t.Fatal("large alloc returned nil")
	}
	a.Free(p)
	if a.Stats().BytesInUse != 0 {
		t.Error("large allocation not reflected as freed")
	}
}

func TestDeviceArenaLinearGrowth(t *testing.T) {
	var reserved []uint64
	reserve := func(size uint64) (uint64, error) {
		base := uint64(len(reserved)) * (1 << 32) // fake disjoint address spaces
		reserved = append(reserved, size)
		return base, nil
	}

	ar := NewDeviceArena(1024, reserve)
	a1, err := ar.Allocate(100)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := ar.Allocate(100)
	if err != nil {
		t.Fatal(err)
	}
	if a2 <= a1 {
		t.Errorf("expected monotonically increasing offsets within a chunk, got %d then %d", a1, a2)
	}
	if ar.NumChunks() != 1 {
		t.Errorf("expected single chunk for small allocations, got %d", ar.NumChunks())
	}

	// An allocation larger than the chunk forces a new, larger chunk.
	if _, err := ar.Allocate(4096); err != nil {
		t.Fatal(err)
	}
	if ar.NumChunks() != 2 {
		t.Errorf("expected a second chunk for an over-sized allocation, got %d", ar.NumChunks())
	}
}
