package compressors

import (
	"fmt"
	"sync"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor implements the Compressor interface using zstd frames.
// EncodeAll and DecodeAll are safe for concurrent use, so one encoder and one
// decoder are shared and created on first use.
type ZstdCompressor struct {
	once    sync.Once
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	initErr error
}

var _ core.Compressor = (*ZstdCompressor)(nil)

func NewZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{}
}

func (c *ZstdCompressor) init() error {
	c.once.Do(func() {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			c.initErr = fmt.Errorf("zstd encoder: %w", err)
			return
		}
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxLZ4DecodedSize))
		if err != nil {
			c.initErr = fmt.Errorf("zstd decoder: %w", err)
			return
		}
		c.enc, c.dec = enc, dec
	})
	return c.initErr
}

func (c *ZstdCompressor) Compress(dst, src []byte) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(src, dst[:0]), nil
}

func (c *ZstdCompressor) Decompress(dst, src []byte) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	out, err := c.dec.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, fmt.Errorf("zstd decompress error: %w", err)
	}
	return out, nil
}

func (c *ZstdCompressor) Type() core.CompressionType {
	return core.CompressionZSTD
}
