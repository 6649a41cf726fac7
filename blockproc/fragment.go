package blockproc

// FragmentRef locates a fragment inside whichever fragment block it was
// packed into. BlockIndex is stable and known the instant accept returns,
// even though the fragment block itself has not been compressed, written,
// or even submitted to the work queue yet -- matching spec section 5's
// requirement that a file's fragment reference be recordable immediately.
type FragmentRef struct {
	BlockIndex uint32
	Offset     uint32
	Size       uint32
}

type fragEntry struct {
	ref FragmentRef
	raw []byte
}

// fragmentAccumulator packs short file tails into shared fragment blocks,
// the way original_source/bin/gensquashfs/src/mkfs.c relies on
// sqfs_block_processor's built-in fragment table instead of writing every
// tail as its own block. Content-identical fragments are deduplicated by
// (size, checksum) the same way full blocks are, but comparison is done
// against fragments still held in memory rather than by re-reading the
// sink, since fragments are bounded by blockSize and cheap to retain for
// the lifetime of the run.
type fragmentAccumulator struct {
	blockSize uint32
	pool      *bufPool

	cur        []byte
	curMembers []FragmentRef
	curIndex   uint32
	nextIndex  uint32

	dedup map[indexKey][]fragEntry

	// submit hands a sealed fragment block to the processor's normal
	// submission path (sequence assignment + enqueue).
	submit func(*Block) error
}

func newFragmentAccumulator(blockSize uint32, pool *bufPool, submit func(*Block) error) *fragmentAccumulator {
	return &fragmentAccumulator{
		blockSize: blockSize,
		pool:      pool,
		cur:       pool.get(0)[:0],
		dedup:     make(map[indexKey][]fragEntry),
		submit:    submit,
	}
}

// accept returns a FragmentRef for tail, reusing an existing fragment when
// an identical one has already been accumulated and dedup is enabled for
// this file, or packing a fresh copy into the current (or a new) fragment
// block otherwise.
func (a *fragmentAccumulator) accept(tail []byte, dedupEnabled bool) (FragmentRef, error) {
	key := indexKey{size: uint32(len(tail)), crc: checksum(tail)}
	if dedupEnabled {
		for _, e := range a.dedup[key] {
			if bytesEqual(e.raw, tail) {
				return e.ref, nil
			}
		}
	}

	if uint32(len(a.cur))+uint32(len(tail)) > a.blockSize {
		if err := a.seal(); err != nil {
			return FragmentRef{}, err
		}
	}

	ref := FragmentRef{BlockIndex: a.curIndex, Offset: uint32(len(a.cur)), Size: uint32(len(tail))}
	a.cur = append(a.cur, tail...)
	a.curMembers = append(a.curMembers, ref)

	cached := make([]byte, len(tail))
	copy(cached, tail)
	a.dedup[key] = append(a.dedup[key], fragEntry{ref: ref, raw: cached})

	return ref, nil
}

// seal submits whatever has been accumulated so far as a fragment block and
// starts a fresh one. A no-op if nothing is pending.
func (a *fragmentAccumulator) seal() error {
	if len(a.cur) == 0 {
		return nil
	}
	b := &Block{
		FileID:           0,
		IndexInFile:      a.curIndex,
		Flags:            IsFragmentBlock,
		UncompressedSize: uint32(len(a.cur)),
		Checksum:         checksum(a.cur),
		raw:              a.cur,
		fragMembers:      a.curMembers,
	}
	a.nextIndex++
	a.curIndex = a.nextIndex
	a.cur = a.pool.get(0)[:0]
	a.curMembers = nil
	return a.submit(b)
}

// finish flushes any partial fragment block. Called once, from
// Processor.Finish, after every file has stopped submitting fragments.
func (a *fragmentAccumulator) finish() error {
	return a.seal()
}
