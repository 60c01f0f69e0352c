package wal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/sys"
)

// SegmentState is the lifecycle state of a segment. Transitions only move forward.
type SegmentState int32

const (
	SegmentWritable SegmentState = iota
	SegmentSealed
	SegmentCollectible
	SegmentDeleted
)

func (s SegmentState) String() string {
	switch s {
	case SegmentWritable:
		return "writable"
	case SegmentSealed:
		return "sealed"
	case SegmentCollectible:
		return "collectible"
	case SegmentDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// errTruncateFailed marks a failed write whose partial bytes could not be removed.
var errTruncateFailed = errors.New("could not truncate partial record")

// Segment is one WAL file. Fields are owned by the SegmentStore and change
// only under its lock; callers outside the package see SegmentInfo copies.
type Segment struct {
	ID       uint64
	Path     string
	Capacity int64
	// Offset is the end of valid data, header included.
	Offset   int64
	State    SegmentState
	FirstSeq uint64
	LastSeq  uint64
	Entries  int

	compression core.CompressionType
	file        sys.FileHandle
}

// SegmentInfo is an immutable snapshot of a Segment.
type SegmentInfo struct {
	ID          uint64
	Path        string
	Capacity    int64
	Offset      int64
	State       SegmentState
	FirstSeq    uint64
	LastSeq     uint64
	Entries     int
	Compression core.CompressionType
}

func (s *Segment) info() SegmentInfo {
	return SegmentInfo{
		ID:          s.ID,
		Path:        s.Path,
		Capacity:    s.Capacity,
		Offset:      s.Offset,
		State:       s.State,
		FirstSeq:    s.FirstSeq,
		LastSeq:     s.LastSeq,
		Entries:     s.Entries,
		Compression: s.compression,
	}
}

// sealReserve is the room kept at the end of every segment for the seal marker.
const sealReserve = 64

// remaining is the number of record bytes the segment can still take.
func (s *Segment) remaining() int64 {
	return s.Capacity - s.Offset - sealReserve
}

// createSegmentFile creates a segment file with a header and reserves capacity
// bytes of disk for it. On failure the partial file is removed.
func createSegmentFile(path string, capacity int64, ct core.CompressionType) (f sys.FileHandle, err error) {
	f, err = sys.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			f.Close()
			_ = sys.Remove(path)
		}
	}()

	if err = sys.Preallocate(f, capacity); err != nil {
		if !errors.Is(err, sys.ErrPreallocNotSupported) {
			return nil, err
		}
		err = nil
	}

	var buf bytes.Buffer
	header := core.NewFileHeader(core.WALMagicNumber, ct)
	if err = binary.Write(&buf, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to encode segment header for %s: %w", path, err)
	}
	if _, err = f.WriteAt(buf.Bytes(), 0); err != nil {
		return nil, fmt.Errorf("failed to write segment header to %s: %w", path, err)
	}
	if err = f.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync new segment %s: %w", path, err)
	}
	return f, nil
}

// writeFrame appends frame at the segment's offset. When the write fails the
// file is truncated back so no partial record stays on disk. If that
// truncation also fails the returned error wraps errTruncateFailed.
func (s *Segment) writeFrame(frame []byte, verify bool) error {
	if s.file == nil {
		return fmt.Errorf("segment %d: %w", s.ID, os.ErrClosed)
	}
	_, err := s.file.WriteAt(frame, s.Offset)
	if err == nil && verify {
		err = s.verifyAt(s.Offset, len(frame))
	}
	if err == nil {
		return nil
	}
	if terr := s.file.Truncate(s.Offset); terr != nil {
		return fmt.Errorf("segment %d write at %d: %w (%w: %v)", s.ID, s.Offset, err, errTruncateFailed, terr)
	}
	return fmt.Errorf("segment %d write at %d: %w", s.ID, s.Offset, err)
}

// verifyAt reads a just written frame back and checks its checksum.
func (s *Segment) verifyAt(off int64, n int) error {
	buf := make([]byte, n)
	if _, err := s.file.ReadAt(buf, off); err != nil {
		return fmt.Errorf("%w: read back: %v", core.ErrChecksumFailure, err)
	}
	if err := verifyFrame(buf); err != nil {
		return fmt.Errorf("%w: frame at offset %d does not match what was written", core.ErrChecksumFailure, off)
	}
	return nil
}

func (s *Segment) sync() error {
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}

func (s *Segment) close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// drop releases the handle without syncing. Used to simulate a crash.
func (s *Segment) drop() {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
}
