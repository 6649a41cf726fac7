package blockproc

import "fmt"

// Compressor compresses and decompresses one block's worth of data.
// Implementations are not required to be safe for concurrent use; the
// processor creates one instance per worker goroutine via Factory, plus one
// dedicated instance used only by the drain goroutine's byte-compare-on-hit
// fallback (see index.go). xfrm.Compressor satisfies this interface
// structurally, so callers pass an *xfrm-backed* factory without this
// package importing xfrm, keeping blockproc usable against any transform
// with this shape.
type Compressor interface {
	Compress(dst, src []byte) (int, error)

	// Decompress returns the decompressed form of src. Only called on a
	// byte-compare-on-hit LRU miss, to recover a candidate block's
	// uncompressed bytes from the sink before comparing.
	Decompress(src []byte) ([]byte, error)
}

// Factory constructs a new, independent Compressor instance. Called once
// per worker goroutine so that stateful backends (e.g. a zstd encoder with
// an internal window) are never shared across goroutines.
type Factory func() (Compressor, error)

type passthroughCompressor struct{}

func (passthroughCompressor) Compress([]byte, []byte) (int, error) { return 0, ErrIncompressible }

// Decompress is never exercised in practice: passthroughCompressor always
// fails to compress, so no block processed by it ever carries
// SizeIsCompressed. Defined only to satisfy Compressor.
func (passthroughCompressor) Decompress(src []byte) ([]byte, error) { return src, nil }

func defaultFactory() (Compressor, error) { return passthroughCompressor{}, nil }

// config holds the fully resolved option set. Following
// KarpelesLab-squashfs/options.go's pattern, each Option mutates a config
// value rather than the Processor directly, so validation can happen once
// in NewProcessor after every option has run.
type config struct {
	blockSize        uint32
	numWorkers       int
	maxBacklog       int
	factory          Factory
	byteCompareOnHit bool
	lruCapacity      int
	deviceBlockSize  uint32
	fragmentsEnabled bool
}

func defaultConfig() *config {
	return &config{
		blockSize:        131072,
		numWorkers:       1,
		maxBacklog:       0, // resolved to 2*numWorkers if left zero
		factory:          defaultFactory,
		byteCompareOnHit: true,
		lruCapacity:      256,
		deviceBlockSize:  4096,
		fragmentsEnabled: true,
	}
}

// Option configures a Processor at construction time.
type Option func(*config) error

// WithBlockSize sets the fixed block size files are split into. Must be a
// positive multiple of nothing in particular, but callers building a real
// SquashFS image will pass the superblock's block_size.
func WithBlockSize(n uint32) Option {
	return func(c *config) error {
		if n == 0 {
			return fmt.Errorf("blockproc: block size must be positive")
		}
		c.blockSize = n
		return nil
	}
}

// WithWorkers sets the number of compressor worker goroutines.
func WithWorkers(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return fmt.Errorf("blockproc: worker count must be at least 1")
		}
		c.numWorkers = n
		return nil
	}
}

// WithMaxBacklog bounds how many blocks may be enqueued but not yet
// committed at once, the way original_source/lib/sqfs/blk_proc/internal.h
// bounds its queue with max_backlog to keep memory use proportional to
// worker count rather than input size.
func WithMaxBacklog(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return fmt.Errorf("blockproc: max backlog must be at least 1")
		}
		c.maxBacklog = n
		return nil
	}
}

// WithCompressorFactory installs the backend used to compress blocks. Each
// worker goroutine calls f once at startup to obtain its own instance.
func WithCompressorFactory(f Factory) Option {
	return func(c *config) error {
		if f == nil {
			return fmt.Errorf("blockproc: compressor factory must not be nil")
		}
		c.factory = f
		return nil
	}
}

// WithByteCompareOnHit controls whether a checksum match is verified with
// an actual byte comparison before being trusted as a duplicate. Defaults
// to enabled; disabling it trades a small collision risk for one less
// comparison (and, on an LRU miss, one less re-read) per candidate hit.
func WithByteCompareOnHit(enabled bool) Option {
	return func(c *config) error {
		c.byteCompareOnHit = enabled
		return nil
	}
}

// WithDedupLRUCapacity sets how many recently committed blocks' raw bytes
// are cached in memory for byte-compare-on-hit, before falling back to
// Sink.ReadAt.
func WithDedupLRUCapacity(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return fmt.Errorf("blockproc: dedup LRU capacity must be at least 1")
		}
		c.lruCapacity = n
		return nil
	}
}

// WithDeviceBlockSize sets the alignment unit used when a block is flagged
// Align; the drain step pads the output to this boundary before writing it.
func WithDeviceBlockSize(n uint32) Option {
	return func(c *config) error {
		if n == 0 {
			return fmt.Errorf("blockproc: device block size must be positive")
		}
		c.deviceBlockSize = n
		return nil
	}
}

// WithFragmentsEnabled sets the processor-wide default for whether short
// file tails are packed into shared fragment blocks. Per-file
// WithFileDontFragment always overrides this to false for that file.
func WithFragmentsEnabled(enabled bool) Option {
	return func(c *config) error {
		c.fragmentsEnabled = enabled
		return nil
	}
}

// FileOption configures a single file's block flags at NewFile time.
type FileOption func(*FileHandle)

// WithFileDontCompress stores every block of this file uncompressed.
func WithFileDontCompress() FileOption {
	return func(fh *FileHandle) { fh.flags |= DontCompress }
}

// WithFileDontFragment forces this file's tail to be written as a
// standalone short block instead of being handed to the fragment
// accumulator, regardless of the processor-wide default.
func WithFileDontFragment() FileOption {
	return func(fh *FileHandle) { fh.flags |= DontFragment }
}

// WithFileDontDeduplicate always commits fresh copies of this file's
// blocks, even when an identical block has already been written.
func WithFileDontDeduplicate() FileOption {
	return func(fh *FileHandle) { fh.flags |= DontDeduplicate }
}

// WithFileAlignFirstBlock pads the output to the device block boundary
// before writing this file's first block.
func WithFileAlignFirstBlock() FileOption {
	return func(fh *FileHandle) { fh.alignFirst = true }
}
