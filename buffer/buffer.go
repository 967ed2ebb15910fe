// Package buffer wraps device memory handles with the typed, bounds-
// checked host<->device transfer operations the rest of the runtime
// dispatches against (spec §4.4). A Buffer owns exactly one gpu.Memory
// handle for its lifetime; transfers flow through a Stream so callers
// control ordering the same way they would any other device operation.
package buffer

import (
	"fmt"

	"github.com/gretacore/gretacore/dtype"
	"github.com/gretacore/gretacore/gpu"
)

// Usage selects how the backing allocation is placed.
type Usage uint8

const (
	// UsageDeviceOnly is not host-addressable; transfers must go through
	// a staging path. It is the default for weights and activations.
	UsageDeviceOnly Usage = iota
	// UsageHostVisible is mapped into host address space for direct
	// memcpy-style transfers, at the cost of slower device-side access.
	UsageHostVisible
)

// Allocator is the minimal device-allocation surface a Buffer needs;
// backend.Device (via its arena) or a test double both satisfy it.
type Allocator interface {
	AllocateDevice(size uint64, hostVisible bool) (mem *gpu.Memory, err error)
}

// Buffer is a typed, size-bounded device-memory region (spec §4.4).
type Buffer struct {
	mem      *gpu.Memory
	elem     dtype.ElementType
	capacity uint64
}

// Allocate reserves bytes of device memory of usage kind, tagged with
// elem for dispatch-time dtype checks.
func Allocate(alloc Allocator, bytes uint64, usage Usage, elem dtype.ElementType) (*Buffer, error) {
	mem, err := alloc.AllocateDevice(bytes, usage == UsageHostVisible)
	if err != nil {
		return nil, fmt.Errorf("buffer: allocate %d bytes: %w", bytes, err)
	}
	return &Buffer{mem: mem, elem: elem, capacity: bytes}, nil
}

// ElementType returns the dtype tag this buffer was allocated with.
func (b *Buffer) ElementType() dtype.ElementType { return b.elem }

// Capacity returns the buffer's byte size.
func (b *Buffer) Capacity() uint64 { return b.capacity }

// Memory returns the underlying device memory handle.
func (b *Buffer) Memory() *gpu.Memory { return b.mem }

// QuantDescriptor forwards the attached quantization metadata, if any.
func (b *Buffer) QuantDescriptor() (dtype.QuantDescriptor, bool) {
	return b.mem.QuantDescriptor()
}

// SetQuantDescriptor attaches quantization metadata to this buffer.
func (b *Buffer) SetQuantDescriptor(q dtype.QuantDescriptor) {
	b.mem.SetQuantDescriptor(q)
}

// checkBounds fails explicitly when offset+size would read or write
// past capacity (spec §4.4 "safe offset-copy").
func (b *Buffer) checkBounds(offset, size uint64) error {
	if offset+size < offset {
		return fmt.Errorf("buffer: offset %d + size %d overflows", offset, size)
	}
	if offset+size > b.capacity {
		return fmt.Errorf("buffer: offset %d + size %d exceeds capacity %d", offset, size, b.capacity)
	}
	return nil
}

// UploadHostToDevice copies src into the buffer at byte offset 0 on s,
// failing if src does not fit within capacity.
func (b *Buffer) UploadHostToDevice(s *gpu.Stream, src []byte) error {
	return b.UploadAt(s, 0, src)
}

// UploadAt copies src into the buffer starting at offset, on s.
func (b *Buffer) UploadAt(s *gpu.Stream, offset uint64, src []byte) error {
	if err := b.checkBounds(offset, uint64(len(src))); err != nil {
		return err
	}
	mapped := b.mem.MappedBytes()
	if mapped == nil {
		return fmt.Errorf("buffer: upload requires a host-visible buffer")
	}
	s.Enqueue(func() {
		copy(mapped[offset:offset+uint64(len(src))], src)
	})
	return nil
}

// DownloadDeviceToHost copies len(dst) bytes from the start of the
// buffer into dst on s.
func (b *Buffer) DownloadDeviceToHost(s *gpu.Stream, dst []byte) error {
	return b.DownloadAt(s, 0, dst)
}

// DownloadAt copies size(dst) bytes starting at offset into dst on s
// (spec §4.4 "device->host at byte offset").
func (b *Buffer) DownloadAt(s *gpu.Stream, offset uint64, dst []byte) error {
	if err := b.checkBounds(offset, uint64(len(dst))); err != nil {
		return err
	}
	mapped := b.mem.MappedBytes()
	if mapped == nil {
		return fmt.Errorf("buffer: download requires a host-visible buffer")
	}
	s.Enqueue(func() {
		copy(dst, mapped[offset:offset+uint64(len(dst))])
	})
	return nil
}

// Release returns the backing allocation.
func (b *Buffer) Release() {
	b.mem.Release()
}
