// Package blockproc implements the parallel block processor described by
// the SquashFS-family image builder: it partitions file payloads into
// fixed-size blocks plus a trailing fragment, compresses blocks across a
// worker pool, deduplicates identical blocks and fragments, coalesces
// fragments into shared fragment blocks, and commits finished blocks to an
// output sink in strict submission order regardless of how many workers are
// in flight.
//
// The package knows nothing about the SquashFS on-disk format; it talks to
// its caller purely through the Sink interface (see processor.go), the way
// original_source/lib/sqfs/blk_proc/internal.h's sqfs_block_processor_t is
// independent of the higher-level inode/superblock code in mkfs.c.
package blockproc

import "hash/crc32"

// Flags is a bitset describing how a Block should be processed and how its
// size_word should be interpreted once written.
type Flags uint16

const (
	// IsFragment marks a tail payload shorter than the block size that is
	// a candidate for the fragment accumulator rather than a standalone
	// data block.
	IsFragment Flags = 1 << iota
	// IsFragmentBlock marks a packed concatenation of fragments re-entering
	// the pipeline as its own block.
	IsFragmentBlock
	// DontCompress forces a block to bypass the compressor entirely.
	DontCompress
	// DontFragment forces a file's short tail to be stored as a standalone
	// short data block instead of being handed to the fragment accumulator.
	DontFragment
	// DontDeduplicate forces the writer to always commit a fresh copy of
	// this block even if an identical one was already written.
	DontDeduplicate
	// Align requests that the writer pad the output to the next device
	// block boundary before writing this block.
	Align
	// SizeIsCompressed is set by the worker when the payload written back
	// into Data is smaller than UncompressedSize.
	SizeIsCompressed
	// IsSparse marks an all-zero block that is not physically written;
	// the writer records a zero size_word and a logical hole.
	IsSparse
	// LastBlock marks the final block of a file (full-size or a short
	// tail stored without fragmentation).
	LastBlock
	// FirstBlock marks the first block of a file, used by the writer to
	// record the file's data start offset.
	FirstBlock
)

func (f Flags) Has(bit Flags) bool { return f&bit == bit }

// indexKey is the dedup key used by both the block index and the fragment
// index: (uncompressed_size, checksum), per spec section 4.6.
type indexKey struct {
	size uint32
	crc  uint32
}

// Block is an owned buffer plus the metadata needed to commit it to the
// output file in order. Lifecycle: created by the facade when a caller
// appends bytes to a file (or when the fragment accumulator seals a
// fragment block); handed to the work queue; mutated only by its assigned
// worker; then read-only to the drain/writer step; released back to the
// buffer pool after commit.
type Block struct {
	SeqID            uint64 // total-order submission sequence, strictly increasing
	FileID           uint64 // owning file; 0 for standalone fragment blocks
	IndexInFile      uint32
	Flags            Flags
	UncompressedSize uint32
	Checksum         uint32 // CRC32 (IEEE) of the uncompressed payload

	raw     []byte // uncompressed payload, borrowed from the buffer pool
	payload []byte // what gets written: raw, or a freshly compressed copy

	// fragMembers is non-nil only for fragment blocks: the fragments
	// packed into this block, in packing order, needed by the Sink to
	// build the owning files' fragment references once the block's final
	// offset is known.
	fragMembers []FragmentRef
}

// Payload returns the bytes that should be written to the output file: the
// compressed form if SizeIsCompressed is set, the raw form otherwise.
func (b *Block) Payload() []byte {
	if b.payload != nil {
		return b.payload
	}
	return b.raw
}

// Raw returns the uncompressed payload, used for checksum verification and
// byte-compare-on-hit dedup.
func (b *Block) Raw() []byte { return b.raw }

func checksum(p []byte) uint32 {
	return crc32.ChecksumIEEE(p)
}

func (b *Block) key() indexKey {
	return indexKey{size: b.UncompressedSize, crc: b.Checksum}
}
