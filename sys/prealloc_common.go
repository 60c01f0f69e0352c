package sys

import "errors"

var (
	// ErrPreallocNotSupported is returned when the underlying file or filesystem
	// does not support preallocation. Callers treat it as non-fatal.
	ErrPreallocNotSupported = errors.New("preallocation not supported")
	// ErrNoSpace is returned when the filesystem cannot reserve the requested space.
	ErrNoSpace = errors.New("no space left on device")
)
