package buffer

import (
	"testing"

	"github.com/gretacore/gretacore/dtype"
	"github.com/gretacore/gretacore/gpu"
)

type fakeAllocator struct{}

func (fakeAllocator) AllocateDevice(size uint64, hostVisible bool) (*gpu.Memory, error) {
	var mapped []byte
	if hostVisible {
		mapped = make([]byte, size)
	}
	return gpu.NewMemory(gpu.HostVisible, dtype.F32, size, 1, mapped, func() {}), nil
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	buf, err := Allocate(fakeAllocator{}, 16, UsageHostVisible, dtype.F32)
	if err != nil {
		t.Fatal(err)
	}
	s := gpu.NewStream(1, nil)
	defer s.Destroy()

	want := []byte{1, 2, 3, 4}
	if err := buf.UploadAt(s, 4, want); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 4)
	if err := buf.DownloadAt(s, 4, got); err != nil {
		t.Fatal(err)
	}
	s.Flush()

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestBoundsCheckRejectsOverflow(t *testing.T) {
	buf, err := Allocate(fakeAllocator{}, 8, UsageHostVisible, dtype.F32)
	if err != nil {
		t.Fatal(err)
	}
	s := gpu.NewStream(1, nil)
	defer s.Destroy()

	if err := buf.UploadAt(s, 4, make([]byte, 8)); err == nil {
		t.Error("expected an error for offset+size > capacity")
	}
}

func TestDeviceOnlyBufferRejectsDirectTransfer(t *testing.T) {
	buf, err := Allocate(fakeAllocator{}, 8, UsageDeviceOnly, dtype.F32)
	if err != nil {
		t.Fatal(err)
	}
	s := gpu.NewStream(1, nil)
	defer s.Destroy()

	if err := buf.UploadHostToDevice(s, make([]byte, 4)); err == nil {
		t.Error("expected an error uploading to a device-only buffer")
	}
}
