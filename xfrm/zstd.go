//go:build zstd

package xfrm

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

func init() {
	Register(ZSTD, newZstdCompressor)
}

// zstdCompressor wraps klauspost/compress/zstd, grounded on the teacher's
// go.mod dependency and comp_zstd.go's build-tag-gated registration.
type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCompressor() (Compressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &zstdCompressor{enc: enc, dec: dec}, nil
}

func (c *zstdCompressor) Compress(dst, src []byte) (int, error) {
	out := c.enc.EncodeAll(src, nil)
	if len(out) >= len(src) {
		return 0, ErrIncompressible
	}
	if len(out) > len(dst) {
		return 0, io.ErrShortBuffer
	}
	return copy(dst, out), nil
}

func (c *zstdCompressor) Decompress(src []byte) ([]byte, error) {
	return c.dec.DecodeAll(src, nil)
}
