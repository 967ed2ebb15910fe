package compute

import (
	"testing"

	"github.com/gretacore/gretacore/buffer"
	"github.com/gretacore/gretacore/dtype"
	"github.com/gretacore/gretacore/gpu"
)

type fakeAllocator struct{}

func (fakeAllocator) AllocateDevice(size uint64, hostVisible bool) (*gpu.Memory, error) {
	return gpu.NewMemory(gpu.DeviceOnly, dtype.F32, size, 1, nil, func() {}), nil
}

func newBuf(t *testing.T, elem dtype.ElementType) *buffer.Buffer {
	t.Helper()
	b, err := buffer.Allocate(fakeAllocator{}, 64, buffer.UsageDeviceOnly, elem)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestResolveRouteThreshold(t *testing.T) {
	if got := ResolveRoute(33); got != RouteMFMA {
		t.Errorf("M=33: got %v, want MFMA", got)
	}
	if got := ResolveRoute(32); got != RouteVALU {
		t.Errorf("M=32: got %v, want VALU", got)
	}
}

func TestResolveRouteEnvOverride(t *testing.T) {
	t.Setenv("GEMM_FORCE", "VALU")
	if got := ResolveRoute(999); got != RouteVALU {
		t.Errorf("got %v, want VALU under override", got)
	}
}

func TestSelectKernelByDtype(t *testing.T) {
	t.Setenv("GEMM_FORCE", "")
	if k, _ := selectKernel(newBuf(t, dtype.Int8)); k != Kernel8Bit {
		t.Errorf("got %v, want Kernel8Bit", k)
	}
	if k, _ := selectKernel(newBuf(t, dtype.F16)); k != KernelMixedPrecision {
		t.Errorf("got %v, want KernelMixedPrecision", k)
	}
	if k, _ := selectKernel(newBuf(t, dtype.F32)); k != KernelMatrixCore {
		t.Errorf("got %v, want KernelMatrixCore", k)
	}
}

func TestGEMMDispatchesAndFlushesStream(t *testing.T) {
	t.Setenv("GEMM_FORCE", "")
	t.Setenv("PROFILE_BLOCKS", "")
	s := gpu.NewStream(1, nil)
	defer s.Destroy()

	a, b, c := newBuf(t, dtype.F32), newBuf(t, dtype.F32), newBuf(t, dtype.F32)
	var called bool
	err := GEMM(func(kernel Kernel, route Route, a, b, c *buffer.Buffer, m, n, k uint32, transposeA, transposeB bool, accumType dtype.ElementType) error {
		called = true
		return nil
	}, s, a, b, c, 4, 4, 4, false, false, dtype.F32)
	if err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Error("dispatch was not called")
	}
}
