package xfrm

import (
	"bytes"
	"compress/gzip"
	"io"
)

// gzipCompressor is the always-available default backend, grounded on
// KarpelesLab-squashfs/comp.go registering GZip as the default Compression.
type gzipCompressor struct {
	buf bytes.Buffer
}

func newGzipCompressor() (Compressor, error) {
	return &gzipCompressor{}, nil
}

func (c *gzipCompressor) Compress(dst, src []byte) (int, error) {
	c.buf.Reset()
	w, err := gzip.NewWriterLevel(&c.buf, gzip.BestCompression)
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

func (c *gzipCompressor) Decompress(src []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
