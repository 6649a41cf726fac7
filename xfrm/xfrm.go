// Package xfrm provides the pluggable compressor backends used when packing
// a SquashFS image. A Compressor is a stateless-per-call function object: it
// compresses one block at a time into a caller-owned scratch buffer and
// never retains the block afterwards.
package xfrm

import (
	"errors"
	"fmt"
	"sync"
)

// ErrIncompressible is returned by a Compressor when the input did not
// shrink. Callers should keep the original bytes and clear the
// SIZE_IS_COMPRESSED flag.
var ErrIncompressible = errors.New("xfrm: block did not compress")

// ErrCompressorUnavailable is returned by New for an ID that is
// recognized but whose backend was not linked in (missing build tag) or has
// no Go implementation at all.
var ErrCompressorUnavailable = errors.New("xfrm: compressor unavailable")

// ID identifies a compression algorithm. It matches squashfs.SquashComp's
// numbering so the two packages can share on-disk values without an import
// cycle.
type ID uint16

const (
	GZip ID = 1
	LZMA ID = 2
	LZO  ID = 3
	XZ   ID = 4
	LZ4  ID = 5
	ZSTD ID = 6
)

func (id ID) String() string {
	switch id {
	case GZip:
		return "gzip"
	case LZMA:
		return "lzma"
	case LZO:
		return "lzo"
	case XZ:
		return "xz"
	case LZ4:
		return "lz4"
	case ZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("xfrm.ID(%d)", id)
	}
}

// Compressor compresses and decompresses blocks for one worker. It is never
// shared between goroutines: blockproc's Processor creates one instance per
// worker via Factory.
type Compressor interface {
	// Compress writes the compressed form of src into dst and returns the
	// number of bytes written. dst is guaranteed to be at least
	// len(src)-1 bytes: compression that would not shrink the input must
	// fail with ErrIncompressible instead of writing a full-size block.
	Compress(dst, src []byte) (int, error)

	// Decompress returns the decompressed form of src.
	Decompress(src []byte) ([]byte, error)
}

// Factory builds a fresh Compressor instance, used once per worker so that
// no compressor state (e.g. an LZMA dictionary) is shared across goroutines.
type Factory func() (Compressor, error)

var (
	mu        sync.RWMutex
	factories = map[ID]Factory{
		GZip: newGzipCompressor,
	}
)

// Register installs a Factory for the given compressor ID. Backend files
// gated behind build tags (xz.go, zstd.go, lz4.go) call this from an init
// func, mirroring the teacher's RegisterCompHandler/RegisterDecompressor
// idiom from comp_xz.go/comp_zstd.go.
func Register(id ID, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[id] = f
}

// New builds a new Compressor instance for id. Returns ErrCompressorUnavailable
// if id is not registered (either an unbuilt backend, e.g. zstd without
// the "zstd" build tag, or algorithms with no Go implementation, e.g. LZO).
func New(id ID) (Compressor, error) {
	mu.RLock()
	f, ok := factories[id]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCompressorUnavailable, id)
	}
	return f()
}

// Available reports whether id has a registered backend.
func Available(id ID) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := factories[id]
	return ok
}
