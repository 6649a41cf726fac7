//go:build xz

package xfrm

import (
	"bytes"
	"io"

	"github.com/ulikunitz/xz"
)

func init() {
	Register(XZ, newXzCompressor)
}

// xzCompressor wraps ulikunitz/xz, the same library the teacher's
// comp_xz.go builds against under the "xz" build tag.
type xzCompressor struct {
	buf bytes.Buffer
}

func newXzCompressor() (Compressor, error) {
	return &xzCompressor{}, nil
}

func (c *xzCompressor) Compress(dst, src []byte) (int, error) {
	c.buf.Reset()
	w, err := xz.NewWriter(&c.buf)
	if err != nil {
		return 0, err
	}
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

func (c *xzCompressor) Decompress(src []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
