package core

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortEntry means an encoded entry ended before all of its fields.
var ErrShortEntry = errors.New("entry truncated")

// AppendEntry appends the binary encoding of entry to buf.
// Layout: type | seq (8 bytes LE) | collection id (uvarint) | key len (uvarint) | key | value len (uvarint) | value
func AppendEntry(buf []byte, entry *LogEntry) []byte {
	buf = append(buf, byte(entry.Type))
	buf = binary.LittleEndian.AppendUint64(buf, entry.SeqNum)
	buf = binary.AppendUvarint(buf, entry.CollectionID)
	buf = binary.AppendUvarint(buf, uint64(len(entry.Key)))
	buf = append(buf, entry.Key...)
	buf = binary.AppendUvarint(buf, uint64(len(entry.Value)))
	buf = append(buf, entry.Value...)
	return buf
}

// DecodeEntry decodes one entry from b and returns the number of bytes consumed.
// Key and Value are copied so the entry does not alias b.
func DecodeEntry(b []byte) (LogEntry, int, error) {
	var e LogEntry
	if len(b) < 1+SeqNumSize {
		return e, 0, ErrShortEntry
	}
	e.Type = EntryType(b[0])
	e.SeqNum = binary.LittleEndian.Uint64(b[1:9])
	pos := 9

	id, n := binary.Uvarint(b[pos:])
	if n <= 0 {
		return e, 0, fmt.Errorf("bad collection id varint: %w", ErrShortEntry)
	}
	e.CollectionID = id
	pos += n

	var err error
	if e.Key, pos, err = readBytes(b, pos); err != nil {
		return e, 0, fmt.Errorf("key: %w", err)
	}
	if e.Value, pos, err = readBytes(b, pos); err != nil {
		return e, 0, fmt.Errorf("value: %w", err)
	}
	return e, pos, nil
}

func readBytes(b []byte, pos int) ([]byte, int, error) {
	l, n := binary.Uvarint(b[pos:])
	if n <= 0 {
		return nil, 0, ErrShortEntry
	}
	pos += n
	if l > uint64(len(b)-pos) {
		return nil, 0, ErrShortEntry
	}
	if l == 0 {
		return nil, pos, nil
	}
	out := make([]byte, l)
	copy(out, b[pos:pos+int(l)])
	return out, pos + int(l), nil
}
