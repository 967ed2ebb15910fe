// Package backend selects a physical device, opens a logical device and
// compute queue, probes capabilities and applies the safety policy
// (spec §4.3). The actual device-shading-language IR compilation and the
// native compute-queue API are out of scope collaborators (spec §1): this
// package defines the Go-side shape those calls flow through, the way a
// real binding such as vulkan-go (see the pack's christerso/vulkan-go
// reference) would be wrapped by an application-level backend type.
package backend

import (
	"fmt"
	"time"
)

// DeviceType mirrors the handful of device classes a capability probe
// needs to distinguish to prefer non-software devices.
type DeviceType uint8

const (
	DeviceTypeOther DeviceType = iota
	DeviceTypeIntegratedGPU
	DeviceTypeDiscreteGPU
	DeviceTypeVirtualGPU
	DeviceTypeCPU
)

// Capabilities is the output of a capability probe (spec §4.3).
type Capabilities struct {
	VendorID              uint32
	DeviceID              uint32
	DeviceName            string
	DriverName            string
	DeviceType            DeviceType
	SubgroupSizeReported  uint32
	SubgroupSizeMin       uint32 // 0 if subgroup-size control is unsupported
	SubgroupSizeMax       uint32
	Storage16Bit          bool
	Float16Arithmetic     bool
	RobustBufferAccess    bool
	SubgroupSizeControl   bool
}

// Device is a selected physical+logical device pair with a single
// compute queue and its command pool.
type Device struct {
	Caps  Capabilities
	Queue *Queue
}

// Queue represents the single compute queue plus its associated command
// pool (spec §4.3). The native handles are opaque uint64s standing in
// for whatever the real device API hands back.
type Queue struct {
	handle    uint64
	cmdPool   uint64
	submitFn  func(cmds []uint64) error
	idleFn    func() error
}

// NewQueue wires a Queue to the submit/wait-idle hooks a concrete device
// API implementation supplies.
func NewQueue(handle, cmdPool uint64, submit func([]uint64) error, idle func() error) *Queue {
	return &Queue{handle: handle, cmdPool: cmdPool, submitFn: submit, idleFn: idle}
}

// Submit issues cmds to the queue in order.
func (q *Queue) Submit(cmds []uint64) error {
	if q.submitFn == nil {
		return nil
	}
	return q.submitFn(cmds)
}

// WaitIdle blocks until the queue has finished all submitted work.
func (q *Queue) WaitIdle() error {
	if q.idleFn == nil {
		return nil
	}
	return q.idleFn()
}

// Selector picks a physical device from a list of probed candidates,
// preferring non-software (non-CPU) devices.
func Selector(candidates []Capabilities) (Capabilities, error) {
	if len(candidates) == 0 {
		return Capabilities{}, fmt.Errorf("backend: no candidate devices")
	}
	for _, c := range candidates {
		if c.DeviceType != DeviceTypeCPU {
			return c, nil
		}
	}
	return candidates[0], nil
}

// EmptySubmit submits an empty (nil) command list to the queue and
// waits for queue idle, returning the wall-clock
// nanoseconds elapsed (spec §4.3 `empty_submit`). It is used to measure
// submit/idle round-trip overhead, independent of any real dispatch.
func (d *Device) EmptySubmit() (int64, error) {
	start := time.Now()
	if err := d.Queue.Submit(nil); err != nil {
		return 0, err
	}
	if err := d.Queue.WaitIdle(); err != nil {
		return 0, err
	}
	return time.Since(start).Nanoseconds(), nil
}
