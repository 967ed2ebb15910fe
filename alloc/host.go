// Package alloc provides the two host-side allocators the runtime needs
// before any device is opened: a power-of-two binned pool allocator for
// staging buffers (spec §4.1) and a linear device-memory arena (§4.2).
//
// The binned-pool shape follows the block-header-plus-freelist idiom
// common to the pack's allocator examples; the concurrency story (one
// coarse mutex guarding stats and freelists) mirrors the teacher's
// util/bytex pool, which uses a sync.Pool for the same "reuse over
// reallocate" goal at a smaller scale.
package alloc

import (
	"sync"
	"unsafe"

	"github.com/gretacore/gretacore/internal/xmath"
)

// blockMagic is the sentinel written into every block header; free() of
// a pointer whose header doesn't carry it is treated as foreign and
// silently ignored (spec §3 invariants).
const blockMagic uint32 = 0x47434F52

const headerSize = int(unsafe.Sizeof(blockHeader{}))

type blockHeader struct {
	magic   uint32
	bin     int32 // -1 means "direct" (OS-backed, bypasses bins)
	payload int   // requested payload size, for stats bookkeeping
	total   int   // bytes in the underlying mapping, for munmap on release
}

// Stats are the monotone counters spec §4.1 requires.
type Stats struct {
	AllocCalls    uint64
	FreeCalls     uint64
	ReuseHits     uint64
	OSAllocs      uint64
	BytesInUse    uint64
	BytesReserved uint64
}

// HostAllocator is a binned cache over OS-aligned allocations; requests
// at or above the large threshold bypass the bins entirely.
type HostAllocator struct {
	mu sync.Mutex

	binMinPow2   int
	binMaxPow2   int
	largePow2    int
	freelists    [][]unsafe.Pointer
	binOutstand  []int // number of blocks handed out (not yet freed) per bin, for release bookkeeping
	stats        Stats
}

// New constructs a HostAllocator with the construction parameters from
// spec §4.1. binMinPow2 defaults to 6 (64 B), binMaxPow2 to 20 (1 MiB),
// largeThresholdPow2 to 20, when zero is passed.
func New(binMinPow2, binMaxPow2, largeThresholdPow2 int) *HostAllocator {
	if binMinPow2 <= 0 {
		binMinPow2 = 6
	}
	if binMaxPow2 <= 0 {
		binMaxPow2 = 20
	}
	if largeThresholdPow2 <= 0 {
		largeThresholdPow2 = 20
	}
	n := binMaxPow2 - binMinPow2 + 1
	return &HostAllocator{
		binMinPow2:  binMinPow2,
		binMaxPow2:  binMaxPow2,
		largePow2:   largeThresholdPow2,
		freelists:   make([][]unsafe.Pointer, n),
		binOutstand: make([]int, n),
	}
}

func (a *HostAllocator) binCapacity(bin int) int {
	return 1 << (a.binMinPow2 + bin)
}

// binFor returns the smallest bin index whose capacity covers payload,
// or -1 if payload is too large for any bin.
func (a *HostAllocator) binFor(payload int) int {
	for b := 0; b < len(a.freelists); b++ {
		if a.binCapacity(b) >= payload {
			return b
		}
	}
	return -1
}

// Alloc reserves payload bytes aligned to at least alignment, per the
// four-step procedure in spec §4.1. alloc(0) is treated as alloc(1).
func (a *HostAllocator) Alloc(size, alignment int) unsafe.Pointer {
	if size <= 0 {
		size = 1
	}
	if alignment < 64 {
		alignment = 64
	}
	payload := xmath.AlignUp(size, alignment)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.AllocCalls++

	if payload >= (1 << a.largePow2) {
		total := xmath.AlignUp(headerSize, 64) + payload
		raw := rawAlloc(total)
		hdr := (*blockHeader)(raw)
		hdr.magic = blockMagic
		hdr.bin = -1
		hdr.payload = payload
		hdr.total = total
		a.stats.OSAllocs++
		a.stats.BytesInUse += uint64(payload)
		a.stats.BytesReserved += uint64(total)
		return payloadOf(raw)
	}

	bin := a.binFor(payload)
	if bin < 0 {
		// Shouldn't happen given largePow2 >= binMaxPow2, but fall back
		// to a direct allocation rather than panic.
		total := xmath.AlignUp(headerSize, 64) + payload
		raw := rawAlloc(total)
		hdr := (*blockHeader)(raw)
		hdr.magic = blockMagic
		hdr.bin = -1
		hdr.payload = payload
		hdr.total = total
		a.stats.OSAllocs++
		a.stats.BytesInUse += uint64(payload)
		a.stats.BytesReserved += uint64(total)
		return payloadOf(raw)
	}

	if n := len(a.freelists[bin]); n > 0 {
		raw := a.freelists[bin][n-1]
		a.freelists[bin] = a.freelists[bin][:n-1]
		hdr := (*blockHeader)(raw)
		hdr.payload = payload
		a.stats.ReuseHits++
		a.binOutstand[bin]++
		a.stats.BytesInUse += uint64(payload)
		return payloadOf(raw)
	}

	total := xmath.AlignUp(headerSize, 64) + a.binCapacity(bin)
	raw := rawAlloc(total)
	hdr := (*blockHeader)(raw)
	hdr.magic = blockMagic
	hdr.bin = int32(bin)
	hdr.payload = payload
	hdr.total = total
	a.stats.OSAllocs++
	a.binOutstand[bin]++
	a.stats.BytesInUse += uint64(payload)
	a.stats.BytesReserved += uint64(total)
	return payloadOf(raw)
}

// Free releases p. A pointer whose header magic does not match is a
// foreign pointer and Free silently no-ops (safety over diagnostics).
func (a *HostAllocator) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	raw := rawOf(p)
	hdr := (*blockHeader)(raw)
	if hdr.magic != blockMagic {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.FreeCalls++
	a.stats.BytesInUse -= uint64(hdr.payload)

	bin := int(hdr.bin)
	if bin < 0 || bin >= len(a.freelists) {
		total := hdr.total
		osFree(raw, total)
		a.stats.BytesReserved -= uint64(total)
		return
	}
	a.freelists[bin] = append(a.freelists[bin], raw)
	a.binOutstand[bin]--
}

// Release drains every freelist back to the OS.
func (a *HostAllocator) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for b := range a.freelists {
		cap := a.binCapacity(b)
		total := xmath.AlignUp(headerSize, 64) + cap
		for _, raw := range a.freelists[b] {
			osFree(raw, total)
			a.stats.BytesReserved -= uint64(total)
		}
		a.freelists[b] = nil
	}
}

// Stats returns a snapshot of the monotone counters.
func (a *HostAllocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
