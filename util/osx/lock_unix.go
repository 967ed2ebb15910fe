//go:build !windows

package osx

import "golang.org/x/sys/unix"

// LockFile takes an exclusive advisory lock on f, blocking until it is
// available. Unlock releases it. Used to serialize concurrent writers
// to the autotune cache/blacklist files across processes.
func LockFile(f interface{ Fd() uintptr }) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX)
}

// UnlockFile releases a lock taken by LockFile.
func UnlockFile(f interface{ Fd() uintptr }) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
