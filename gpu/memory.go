// Package gpu holds the device runtime primitives spec §3-§5 describe:
// memory handles, streams, events and graph capture. It models the
// reference's abstract base classes (GretaMemory, GretaStream, GretaEvent,
// GretaGraph) as a small closed set of concrete types rather than an
// interface hierarchy, per the Design Notes' "inheritance hierarchies ->
// tagged variants" guidance — there are exactly two memory kinds
// (device-only, host-visible) and two stream ownership modes (owned,
// borrowed), so static polymorphism over a bool/enum field is simpler
// than a vtable.
package gpu

import (
	"fmt"

	"github.com/gretacore/gretacore/dtype"
)

// MemoryKind distinguishes device-only allocations from host-visible
// (mapped) ones.
type MemoryKind uint8

const (
	DeviceOnly MemoryKind = iota
	HostVisible
)

// Memory is a device-resident byte region plus its element type and
// optional quantization descriptor (spec §3 "Device memory handle").
// It is exclusively owned by its creator: destruction via Release
// returns the backing allocation to whichever allocator produced it.
type Memory struct {
	kind    MemoryKind
	elem    dtype.ElementType
	quant   *dtype.QuantDescriptor
	size    uint64
	handle  uint64 // opaque device address / allocation handle
	mapped  []byte // non-nil only for HostVisible memory
	release func()
}

// NewMemory wraps a device allocation already made by the backend. The
// release func is called exactly once, from Memory.Release.
func NewMemory(kind MemoryKind, elem dtype.ElementType, size uint64, handle uint64, mapped []byte, release func()) *Memory {
	return &Memory{kind: kind, elem: elem, size: size, handle: handle, mapped: mapped, release: release}
}

func (m *Memory) Kind() MemoryKind          { return m.kind }
func (m *Memory) ElementType() dtype.ElementType { return m.elem }
func (m *Memory) Size() uint64              { return m.size }
func (m *Memory) Handle() uint64            { return m.handle }

// SetQuantDescriptor attaches quantization metadata (scales/zero-point/
// group size) to this handle.
func (m *Memory) SetQuantDescriptor(q dtype.QuantDescriptor) { m.quant = &q }

// QuantDescriptor returns the attached quantization metadata, if any.
func (m *Memory) QuantDescriptor() (dtype.QuantDescriptor, bool) {
	if m.quant == nil {
		return dtype.QuantDescriptor{}, false
	}
	return *m.quant, true
}

// MappedBytes returns the host-visible mapping for this handle, or nil
// for DeviceOnly memory.
func (m *Memory) MappedBytes() []byte { return m.mapped }

// Release returns the backing allocation. Calling Release twice is a
// programmer error but is made idempotent defensively, matching the
// "safety over diagnostics" stance spec §3 takes for the host allocator.
func (m *Memory) Release() {
	if m.release == nil {
		return
	}
	f := m.release
	m.release = nil
	f()
}

func (m *Memory) String() string {
	return fmt.Sprintf("Memory{kind=%d elem=%s size=%d}", m.kind, m.elem, m.size)
}
