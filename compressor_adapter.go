package squashfs

import (
	"errors"

	"github.com/gosquash/mkimage/blockproc"
	"github.com/gosquash/mkimage/xfrm"
)

// compressorAdapter wraps an xfrm.Compressor to satisfy blockproc.Compressor,
// translating xfrm's incompressible-input sentinel to blockproc's own so
// blockproc never needs to import xfrm (see blockproc/options.go's
// Compressor/Factory doc comments for why that boundary exists).
type compressorAdapter struct {
	c xfrm.Compressor
}

func (a compressorAdapter) Compress(dst, src []byte) (int, error) {
	n, err := a.c.Compress(dst, src)
	if errors.Is(err, xfrm.ErrIncompressible) {
		return 0, blockproc.ErrIncompressible
	}
	return n, err
}

func (a compressorAdapter) Decompress(src []byte) ([]byte, error) {
	return a.c.Decompress(src)
}

// blockprocFactory adapts SquashComp.factory's compressorAdapter constructor to
// blockproc.Factory's exact signature.
func (s SquashComp) blockprocFactory() blockproc.Factory {
	build := s.factory()
	return func() (blockproc.Compressor, error) {
		return build()
	}
}
