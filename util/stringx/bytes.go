package stringx

import "unsafe"

// ToBytes views s's bytes without copying. The returned slice must not
// be mutated or retained past s's lifetime.
func ToBytes(s *string) []byte {
	return unsafe.Slice(unsafe.StringData(*s), len(*s))
}
