package core

// CompressionType identifies the compression algorithm used.
// This will be stored on disk to know how to decompress.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
)

// Compressor defines the interface for compression and decompression algorithms
// applied to record payloads.
type Compressor interface {
	// Compress appends the compressed form of src to dst[:0] and returns it.
	Compress(dst, src []byte) ([]byte, error)
	// Decompress appends the decompressed form of src to dst[:0] and returns it.
	Decompress(dst, src []byte) ([]byte, error)
	// Type returns the CompressionType identifier for this compressor.
	Type() CompressionType
}

// String returns the string representation of the CompressionType.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

const (
	SeqNumSize   = 8 // uint64 for sequence number
	ChecksumSize = 4 // uint32 for CRC32 checksum
)
