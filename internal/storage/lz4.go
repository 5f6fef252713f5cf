package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// Cache blobs use a small framed lz4 block format:
// 8-byte magic "tzLz4v1\x00" + 4-byte LE uint32 uncompressed size + block.
// Incompressible payloads are stored raw under the "tzRawv1\x00" magic.
var (
	cacheMagicLz4 = []byte("tzLz4v1\x00")
	cacheMagicRaw = []byte("tzRawv1\x00")
)

const cacheHeaderSize = 12 // 8 magic + 4 size

func compressBlock(data []byte) ([]byte, error) {
	buf := make([]byte, cacheHeaderSize+lz4.CompressBlockBound(len(data)))
	copy(buf, cacheMagicLz4)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(data)))

	var c lz4.Compressor
	n, err := c.CompressBlock(data, buf[cacheHeaderSize:])
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 {
		// Incompressible — store raw.
		out := make([]byte, cacheHeaderSize+len(data))
		copy(out, cacheMagicRaw)
		binary.LittleEndian.PutUint32(out[8:12], uint32(len(data)))
		copy(out[cacheHeaderSize:], data)
		return out, nil
	}
	return buf[:cacheHeaderSize+n], nil
}

func decompressBlock(data []byte) ([]byte, error) {
	if len(data) < cacheHeaderSize {
		return nil, fmt.Errorf("cache blob too short (%d bytes)", len(data))
	}
	size := binary.LittleEndian.Uint32(data[8:12])

	switch {
	case bytes.Equal(data[:8], cacheMagicRaw):
		if int(size) != len(data)-cacheHeaderSize {
			return nil, fmt.Errorf("cache blob: size mismatch")
		}
		return data[cacheHeaderSize:], nil
	case bytes.Equal(data[:8], cacheMagicLz4):
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(data[cacheHeaderSize:], dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return dst[:n], nil
	default:
		return nil, fmt.Errorf("cache blob: invalid header magic")
	}
}
