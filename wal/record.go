package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/nexusdoc/core"
)

// Record frame: core record header | payload. The payload is the encoded
// entry, or batch of entries, after compression.

// encodePayload serializes entries into the uncompressed record payload.
// A single entry is written as is; several entries are wrapped in a batch so
// they are durable or lost together.
func encodePayload(buf []byte, entries []core.LogEntry) []byte {
	if len(entries) == 1 {
		return core.AppendEntry(buf, &entries[0])
	}
	buf = append(buf, byte(core.EntryTypeBatch))
	buf = binary.AppendUvarint(buf, uint64(len(entries)))
	for i := range entries {
		buf = core.AppendEntry(buf, &entries[i])
	}
	return buf
}

// decodePayload is the inverse of encodePayload.
func decodePayload(b []byte) ([]core.LogEntry, error) {
	if len(b) == 0 {
		return nil, core.ErrShortEntry
	}
	if core.EntryType(b[0]) != core.EntryTypeBatch {
		e, n, err := core.DecodeEntry(b)
		if err != nil {
			return nil, err
		}
		if n != len(b) {
			return nil, fmt.Errorf("%d trailing bytes after entry", len(b)-n)
		}
		return []core.LogEntry{e}, nil
	}

	count, n := binary.Uvarint(b[1:])
	if n <= 0 {
		return nil, fmt.Errorf("bad batch count: %w", core.ErrShortEntry)
	}
	pos := 1 + n
	if count > uint64(len(b)) {
		return nil, fmt.Errorf("batch count %d exceeds payload size", count)
	}
	entries := make([]core.LogEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		e, used, err := core.DecodeEntry(b[pos:])
		if err != nil {
			return nil, fmt.Errorf("batch entry %d: %w", i, err)
		}
		entries = append(entries, e)
		pos += used
	}
	if pos != len(b) {
		return nil, fmt.Errorf("%d trailing bytes after batch", len(b)-pos)
	}
	return entries, nil
}

// encodeFrame builds the on-disk frame for entries. scratch is reused for the
// uncompressed payload when large enough.
func encodeFrame(dst, scratch []byte, entries []core.LogEntry, c core.Compressor) ([]byte, []byte, error) {
	raw := encodePayload(scratch[:0], entries)
	var payload []byte
	if c == nil || c.Type() == core.CompressionNone {
		payload = raw
	} else {
		var err error
		payload, err = c.Compress(nil, raw)
		if err != nil {
			return nil, raw, fmt.Errorf("compress record: %w", err)
		}
	}

	dst = core.AppendRecordHeader(dst[:0], payload)
	dst = append(dst, payload...)
	return dst, raw, nil
}

// verifyFrame re-reads the header of an encoded frame and checks the payload
// against it.
func verifyFrame(frame []byte) error {
	h, ok := core.ParseRecordHeader(frame)
	if !ok {
		return core.ErrChecksumFailure
	}
	payload := frame[core.RecordHeaderSize:]
	if int(h.Length) != len(payload) || core.RecordChecksum(payload) != h.PayloadSum {
		return core.ErrChecksumFailure
	}
	return nil
}

// decodeFramePayload decompresses and decodes a payload whose checksum has
// already been validated.
func decodeFramePayload(payload []byte, c core.Compressor) ([]core.LogEntry, error) {
	raw := payload
	if c != nil && c.Type() != core.CompressionNone {
		var err error
		raw, err = c.Decompress(nil, payload)
		if err != nil {
			return nil, err
		}
	}
	return decodePayload(raw)
}
