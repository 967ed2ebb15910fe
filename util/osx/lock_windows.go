//go:build windows

package osx

// LockFile is a no-op on Windows; the autotune cache accepts
// last-writer-wins semantics there rather than pulling in a
// platform-specific locking API.
func LockFile(f interface{ Fd() uintptr }) error { return nil }

// UnlockFile is a no-op on Windows, see LockFile.
func UnlockFile(f interface{ Fd() uintptr }) error { return nil }
