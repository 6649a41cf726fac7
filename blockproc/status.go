package blockproc

import "errors"

// Sentinel errors a Sink or compressor may return; the processor treats any
// non-nil error from either as terminal and sticky (spec section 7).
var (
	// ErrClosed is returned by Submit/Finish calls made after the
	// processor has already been torn down.
	ErrClosed = errors.New("blockproc: processor closed")
	// ErrUnknownFile is returned when a FileHandle from a different
	// processor (or an already-finished file) is passed to SubmitAppend.
	ErrUnknownFile = errors.New("blockproc: unknown or finished file handle")
	// ErrIncompressible is the convention a Compressor returns when the
	// compressed form would not be smaller than the input: the block is
	// then stored raw instead of failing the pipeline. Backends that
	// report their own incompressible-input error (e.g. xfrm's) must be
	// adapted to return this sentinel instead.
	ErrIncompressible = errors.New("blockproc: block is incompressible")
)
