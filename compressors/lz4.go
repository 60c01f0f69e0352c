package compressors

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/pierrec/lz4/v4"
)

// maxLZ4DecodedSize bounds the size prefix so a corrupt record cannot force a huge allocation.
const maxLZ4DecodedSize = 256 * 1024 * 1024

const (
	lz4BlockRaw byte = 0
	lz4BlockLZ4 byte = 1
)

// LZ4Compressor implements the Compressor interface using the LZ4 block format.
// Output layout: uvarint(uncompressed length) | flag byte | body. The block
// format does not record the decoded size, and lz4 refuses incompressible
// input, in which case the body is stored raw.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(dst, src []byte) ([]byte, error) {
	bound := binary.MaxVarintLen64 + 1 + lz4.CompressBlockBound(len(src))
	if cap(dst) < bound {
		dst = make([]byte, bound)
	}
	dst = dst[:bound]
	n := binary.PutUvarint(dst, uint64(len(src)))

	written := 0
	if len(src) > 0 {
		var err error
		written, err = lz4.CompressBlock(src, dst[n+1:], nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress error: %w", err)
		}
	}
	if written == 0 || written >= len(src) {
		dst[n] = lz4BlockRaw
		copy(dst[n+1:], src)
		return dst[:n+1+len(src)], nil
	}
	dst[n] = lz4BlockLZ4
	return dst[:n+1+written], nil
}

func (c *LZ4Compressor) Decompress(dst, src []byte) ([]byte, error) {
	size, n := binary.Uvarint(src)
	if n <= 0 || len(src) < n+1 {
		return nil, errors.New("lz4 decompress error: invalid header")
	}
	if size > maxLZ4DecodedSize {
		return nil, fmt.Errorf("lz4 decompress error: declared size %d too large", size)
	}
	if uint64(cap(dst)) < size {
		dst = make([]byte, size)
	}
	dst = dst[:size]
	body := src[n+1:]

	switch src[n] {
	case lz4BlockRaw:
		if uint64(len(body)) != size {
			return nil, fmt.Errorf("lz4 decompress error: raw body is %d bytes, want %d", len(body), size)
		}
		copy(dst, body)
		return dst, nil
	case lz4BlockLZ4:
		got, err := lz4.UncompressBlock(body, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress error: %w", err)
		}
		if uint64(got) != size {
			return nil, fmt.Errorf("lz4 decompress error: got %d bytes, want %d", got, size)
		}
		return dst, nil
	default:
		return nil, fmt.Errorf("lz4 decompress error: unknown block flag %d", src[n])
	}
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
