package core

import (
	"errors"
	"fmt"
)

var (
	// ErrAllocationFailure means a new segment or datafile could not be created,
	// either because the disk is full or because a fail point forced it.
	ErrAllocationFailure = errors.New("could not allocate new segment or datafile")
	// ErrNoWritableSegment means no segment is currently available to accept writes.
	ErrNoWritableSegment = errors.New("no writable log segment available")
	// ErrChecksumFailure means a record failed checksum validation.
	ErrChecksumFailure = errors.New("log entry checksum mismatch")
	// ErrFlushFailure means a durability barrier could not be established.
	ErrFlushFailure = errors.New("flush failed")
	// ErrCorruption is a structural log inconsistency beyond a torn tail. It aborts startup.
	ErrCorruption = errors.New("log corruption detected")

	ErrRecordTooLarge     = errors.New("record exceeds maximum segment size")
	ErrClosed             = errors.New("wal is closed")
	ErrNotReady           = errors.New("database is not ready")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrCollectionExists   = errors.New("duplicate collection name")
	ErrDocumentNotFound   = errors.New("document not found")
	ErrUniqueConstraint   = errors.New("unique constraint violated")
)

// ValidationError is a custom error type for validation failures.
type ValidationError struct {
	Message string
	Field   string // e.g., "collection", "_key"
	Value   string // The invalid value
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s '%s': %s", e.Field, e.Value, e.Message)
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var validationError *ValidationError
	return errors.As(err, &validationError)
}

// CorruptionError describes where in the log a corruption was found.
type CorruptionError struct {
	SegmentID uint64
	Offset    int64
	Reason    string
	Err       error
}

func (e *CorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corruption in segment %d at offset %d: %s: %v", e.SegmentID, e.Offset, e.Reason, e.Err)
	}
	return fmt.Sprintf("corruption in segment %d at offset %d: %s", e.SegmentID, e.Offset, e.Reason)
}

// Unwrap lets errors.Is match both ErrCorruption and the underlying cause.
func (e *CorruptionError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrCorruption, e.Err}
	}
	return []error{ErrCorruption}
}
