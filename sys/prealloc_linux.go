//go:build linux

package sys

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Preallocate reserves size bytes for f without changing its visible size,
// so a full disk is detected when a segment is created rather than halfway
// through a record.
func Preallocate(f FileHandle, size int64) error {
	if size <= 0 {
		return nil
	}
	err := unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_KEEP_SIZE, 0, size)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ENOSPC), errors.Is(err, unix.EDQUOT):
		return fmt.Errorf("%w: fallocate %d bytes for %s", ErrNoSpace, size, f.Name())
	case errors.Is(err, unix.ENOSYS), errors.Is(err, unix.EINVAL), errors.Is(err, unix.EOPNOTSUPP), errors.Is(err, unix.ENOTTY):
		return ErrPreallocNotSupported
	default:
		return fmt.Errorf("preallocation failed for %s: %w", f.Name(), err)
	}
}
