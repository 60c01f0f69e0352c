//go:build !linux

package sys

// Preallocate is not available on this platform.
func Preallocate(f FileHandle, size int64) error {
	return ErrPreallocNotSupported
}
