//go:build lz4

package xfrm

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4"
)

func init() {
	Register(LZ4, newLz4Compressor)
}

// lz4Compressor wraps pierrec/lz4, the library used by the vendored copy
// found in the pack's ethereum-go-ethereum sample.
type lz4Compressor struct {
	buf bytes.Buffer
}

func newLz4Compressor() (Compressor, error) {
	return &lz4Compressor{}, nil
}

func (c *lz4Compressor) Compress(dst, src []byte) (int, error) {
	c.buf.Reset()
	w := lz4.NewWriter(&c.buf)
	if _, err := w.Write(src); err != nil {
		w.Close()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	if c.buf.Len() >= len(src) {
		return 0, ErrIncompressible
	}
	if c.buf.Len() > len(dst) {
		return 0, io.ErrShortBuffer
	}
	return copy(dst, c.buf.Bytes()), nil
}

func (c *lz4Compressor) Decompress(src []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(src))
	return io.ReadAll(r)
}
