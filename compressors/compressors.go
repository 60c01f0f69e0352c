// Package compressors provides the record payload codecs selectable through
// the wal.compression setting.
package compressors

import (
	"fmt"
	"strings"

	"github.com/INLOpen/nexusdoc/core"
)

var (
	none  = &NoCompressionCompressor{}
	snap  = NewSnappyCompressor()
	lz4c  = NewLz4Compressor()
	zstdc = NewZstdCompressor()
)

// ForType returns the shared compressor for ct.
func ForType(ct core.CompressionType) (core.Compressor, error) {
	switch ct {
	case core.CompressionNone:
		return none, nil
	case core.CompressionSnappy:
		return snap, nil
	case core.CompressionLZ4:
		return lz4c, nil
	case core.CompressionZSTD:
		return zstdc, nil
	default:
		return nil, fmt.Errorf("unknown compression type %d", ct)
	}
}

// ByName resolves a configuration name such as "snappy" to a compressor.
// An empty name selects no compression.
func ByName(name string) (core.Compressor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return none, nil
	case "snappy":
		return snap, nil
	case "lz4":
		return lz4c, nil
	case "zstd":
		return zstdc, nil
	default:
		return nil, &core.ValidationError{Field: "wal.compression", Value: name, Message: "unknown compression algorithm"}
	}
}
