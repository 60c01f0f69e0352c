package core

import (
	"encoding/binary"
	"hash/crc32"
)

// Every record in a WAL segment or datafile starts with this header:
//
//	length u32 | crc32c(length) u32 | crc32c(payload) u32
//
// The length has its own checksum, so a damaged length field is told apart
// from a record cut short at the end of a file.
const RecordHeaderSize = 12

var recordTable = crc32.MakeTable(crc32.Castagnoli)

// RecordChecksum is the checksum used for record headers and payloads.
func RecordChecksum(b []byte) uint32 {
	return crc32.Checksum(b, recordTable)
}

// RecordHeader is a decoded record header.
type RecordHeader struct {
	Length     uint32
	PayloadSum uint32
}

// AppendRecordHeader appends the header for payload to dst.
func AppendRecordHeader(dst, payload []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	dst = append(dst, lenBuf[:]...)
	dst = binary.LittleEndian.AppendUint32(dst, RecordChecksum(lenBuf[:]))
	return binary.LittleEndian.AppendUint32(dst, RecordChecksum(payload))
}

// ParseRecordHeader decodes the header at the start of b. ok is false when b
// is too short or the length does not match its checksum.
func ParseRecordHeader(b []byte) (h RecordHeader, ok bool) {
	if len(b) < RecordHeaderSize {
		return h, false
	}
	if RecordChecksum(b[0:4]) != binary.LittleEndian.Uint32(b[4:8]) {
		return h, false
	}
	h.Length = binary.LittleEndian.Uint32(b[0:4])
	h.PayloadSum = binary.LittleEndian.Uint32(b[8:12])
	return h, true
}

// AllZero reports whether b holds only zero bytes, as the unwritten part of
// a preallocated or freshly extended file does.
func AllZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
