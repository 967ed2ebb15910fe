package alloc

import (
	"sync"

	"github.com/gretacore/gretacore/internal/xmath"
)

// DefaultChunkSize is the default device-memory chunk size (spec §4.2).
const DefaultChunkSize = 256 * 1024 * 1024

const arenaAlign = 256

// chunk is one device-memory reservation the arena carves allocations
// from. base is the chunk's base offset in its backend's virtual
// address space; the arena itself never touches device memory directly,
// it only tracks offsets — the backend does the actual allocation via
// Reserve.
type chunk struct {
	base   uint64
	size   uint64
	offset uint64
}

// Reserve is called once per chunk to obtain a fresh device-memory
// region; it is supplied by the backend so the arena stays decoupled
// from any particular device API.
type Reserve func(size uint64) (base uint64, err error)

// DeviceArena is a linear sub-allocator over large device-memory chunks.
// It never frees individual allocations; memory is reclaimed only by
// dropping the arena (spec §4.2).
type DeviceArena struct {
	mu        sync.Mutex
	chunkSize uint64
	reserve   Reserve

	chunks     []chunk
	totalBytes uint64
}

// NewDeviceArena constructs an arena that requests new chunks of at
// least chunkSize (DefaultChunkSize if zero) from reserve.
func NewDeviceArena(chunkSize uint64, reserve Reserve) *DeviceArena {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	return &DeviceArena{chunkSize: chunkSize, reserve: reserve}
}

// Allocate returns a device-address-space offset for a size-byte region,
// 256-byte aligned, growing the arena with a fresh chunk when the
// current one has no room. The chunk sized for an allocation larger than
// chunkSize is exactly that allocation's (rounded) size.
func (a *DeviceArena) Allocate(size uint64) (uint64, error) {
	size = xmath.AlignUp(size, uint64(arenaAlign))

	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.chunks); n > 0 {
		c := &a.chunks[n-1]
		if c.size-c.offset >= size {
			addr := c.base + c.offset
			c.offset += size
			return addr, nil
		}
	}

	newSize := xmath.Max(a.chunkSize, size)
	base, err := a.reserve(newSize)
	if err != nil {
		return 0, err
	}
	a.chunks = append(a.chunks, chunk{base: base, size: newSize, offset: size})
	a.totalBytes += newSize
	return base, nil
}

// TotalBytes returns the sum of all chunk sizes reserved so far.
func (a *DeviceArena) TotalBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalBytes
}

// NumChunks returns the number of chunks reserved so far.
func (a *DeviceArena) NumChunks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.chunks)
}
