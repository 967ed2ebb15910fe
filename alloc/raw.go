package alloc

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/gretacore/gretacore/internal/xmath"
)

// rawAlloc reserves n bytes via an anonymous mmap rather than the Go
// heap: the allocator hands out raw unsafe.Pointer header+payload
// regions to callers, which the garbage collector must never believe it
// owns. This mirrors the teacher's util/osx/file_mmap.go use of mmap for
// memory the Go runtime doesn't manage.
func rawAlloc(n int) unsafe.Pointer {
	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		panic("alloc: mmap failed: " + err.Error())
	}
	return unsafe.Pointer(&b[0])
}

// osFree releases an n-byte region previously returned by rawAlloc.
func osFree(p unsafe.Pointer, n int) {
	b := unsafe.Slice((*byte)(p), n)
	_ = unix.Munmap(b)
}

func payloadOf(raw unsafe.Pointer) unsafe.Pointer {
	off := uintptr(xmath.AlignUp(headerSize, 64))
	return unsafe.Pointer(uintptr(raw) + off)
}

func rawOf(payload unsafe.Pointer) unsafe.Pointer {
	off := uintptr(xmath.AlignUp(headerSize, 64))
	return unsafe.Pointer(uintptr(payload) - off)
}
