package wal

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/INLOpen/nexusdoc/compressors"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/sys"
)

// ScanResult describes what ScanSegment found in a segment file.
type ScanResult struct {
	SegmentID uint64
	Header    core.FileHeader
	// HeaderValid is false when the file is shorter than a header, which
	// happens when a crash interrupts segment creation.
	HeaderValid bool
	FileSize    int64
	// ValidEnd is the offset just past the last intact record.
	ValidEnd int64
	Records  int
	Entries  int
	FirstSeq uint64
	LastSeq  uint64
	// Sealed is set when the seal marker was found.
	Sealed bool
	// Torn is set when the file ends in a record that was cut short or whose
	// checksum fails with nothing but zero bytes after it.
	Torn       bool
	TornReason string
}

// TornBytes is the number of bytes past the last intact record.
func (r ScanResult) TornBytes() int64 {
	if !r.Torn {
		return 0
	}
	return r.FileSize - r.ValidEnd
}

// ScanSegment validates every record of the segment at path and calls fn for
// each decoded entry in append order. The seal marker is reported through
// ScanResult.Sealed and not passed to fn. A torn tail is reported in the
// result, not as an error: only the caller knows whether the segment is the
// last one. Damage anywhere else is returned as a *core.CorruptionError.
func ScanSegment(path string, fn func(core.LogEntry) error) (ScanResult, error) {
	res := ScanResult{}
	id, err := core.ParseSegmentFileName(filepath.Base(path))
	if err != nil {
		return res, err
	}
	res.SegmentID = id

	data, err := readWholeFile(path)
	if err != nil {
		return res, err
	}
	res.FileSize = int64(len(data))

	if res.FileSize < core.FileHeaderSize {
		res.Torn = true
		res.TornReason = "incomplete file header"
		return res, nil
	}
	header, err := core.ReadFileHeader(bytes.NewReader(data[:core.FileHeaderSize]), core.WALMagicNumber)
	if err != nil {
		return res, &core.CorruptionError{SegmentID: id, Offset: 0, Reason: "bad file header", Err: err}
	}
	res.Header = header
	res.HeaderValid = true
	compressor, err := compressors.ForType(header.CompressorType)
	if err != nil {
		return res, &core.CorruptionError{SegmentID: id, Offset: 0, Reason: "unknown compression", Err: err}
	}

	pos := core.FileHeaderSize
	size := res.FileSize
	for {
		res.ValidEnd = pos
		if pos == size {
			return res, nil
		}
		if core.AllZero(data[pos:]) {
			return res, nil
		}
		if size-pos < core.RecordHeaderSize {
			res.Torn, res.TornReason = true, "partial record header"
			return res, nil
		}

		hdr, ok := core.ParseRecordHeader(data[pos:])
		if !ok {
			// A header torn by a crash has nothing written after it.
			if core.AllZero(data[pos+core.RecordHeaderSize:]) {
				res.Torn, res.TornReason = true, "damaged header in last record"
				return res, nil
			}
			return res, &core.CorruptionError{SegmentID: id, Offset: pos, Reason: "record header checksum mismatch", Err: core.ErrChecksumFailure}
		}
		if hdr.Length == 0 {
			return res, &core.CorruptionError{SegmentID: id, Offset: pos, Reason: "zero length record"}
		}
		end := pos + core.RecordHeaderSize + int64(hdr.Length)
		if end > size {
			res.Torn, res.TornReason = true, "record runs past end of file"
			return res, nil
		}

		payload := data[pos+core.RecordHeaderSize : end]
		if core.RecordChecksum(payload) != hdr.PayloadSum {
			if core.AllZero(data[end:]) {
				res.Torn, res.TornReason = true, "checksum mismatch in last record"
				return res, nil
			}
			return res, &core.CorruptionError{SegmentID: id, Offset: pos, Reason: "checksum mismatch", Err: core.ErrChecksumFailure}
		}

		entries, err := decodeFramePayload(payload, compressor)
		if err != nil {
			return res, &core.CorruptionError{SegmentID: id, Offset: pos, Reason: "undecodable record", Err: err}
		}
		res.Records++
		for _, e := range entries {
			if kind, _, ok := e.Marker(); ok && kind == core.MarkerSeal {
				res.Sealed = true
				continue
			}
			e.SegmentID = id
			if res.FirstSeq == 0 {
				res.FirstSeq = e.SeqNum
			}
			res.LastSeq = e.SeqNum
			res.Entries++
			if fn != nil {
				if err := fn(e); err != nil {
					return res, err
				}
			}
		}
		pos = end
	}
}

// TruncateSegment cuts the segment file at size and syncs it.
func TruncateSegment(path string, size int64) error {
	f, err := sys.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open segment %s for truncation: %w", path, err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate segment %s to %d: %w", path, size, err)
	}
	return f.Sync()
}

func readWholeFile(path string) ([]byte, error) {
	f, err := sys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %s: %w", path, err)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	data := make([]byte, stat.Size())
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, fmt.Errorf("failed to read segment %s: %w", path, err)
	}
	return data, nil
}
