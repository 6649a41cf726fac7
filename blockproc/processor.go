package blockproc

import (
	"errors"
	"fmt"
	"sync"
)

// sizeWordUncompressedBit mirrors the SquashFS on-disk convention: when set
// in a block's size_word, the stored bytes are the literal uncompressed
// payload rather than compressor output.
const sizeWordUncompressedBit uint32 = 1 << 24

// Sink receives committed blocks in submission order and owns all physical
// I/O. The processor never touches an output file descriptor directly,
// mirroring the separation between sqfs_block_processor_t and ostream_t in
// original_source/include/io/ostream.h: the processor produces bytes and
// order, the sink decides where they land.
type Sink interface {
	// Write appends data at the sink's current position and returns the
	// offset it landed at.
	Write(data []byte) (offset uint64, err error)
	// Pad advances the sink to the next multiple of deviceBlockSize,
	// writing zero bytes as needed, and returns the resulting offset.
	Pad(deviceBlockSize uint32) (offset uint64, err error)
	// ReadAt re-reads previously written bytes for a byte-compare-on-hit
	// dedup check whose LRU entry has been evicted.
	ReadAt(p []byte, offset uint64) error
	// OnBlockCommitted reports a data block's final placement, in
	// submission order, for file fileID's block at indexInFile.
	OnBlockCommitted(fileID uint64, indexInFile uint32, ref Ref)
	// OnFragmentBlockCommitted reports a fragment block's final
	// placement and the fragments packed inside it, in submission order.
	OnFragmentBlockCommitted(blockIndex uint32, ref Ref, members []FragmentRef)
}

// Processor partitions file data into blocks, compresses them across a
// worker pool, deduplicates identical blocks and fragments, and commits
// them to a Sink in strict submission order. See block.go, queue.go,
// index.go and fragment.go for the pieces it coordinates.
type Processor struct {
	sink Sink

	blockSize        uint32
	deviceBlockSize  uint32
	fragmentsEnabled bool

	q    *queue
	pool *bufPool

	blockIdx *blockIndex
	frag     *fragmentAccumulator

	workerWG sync.WaitGroup
	drainWG  sync.WaitGroup

	closedMu sync.RWMutex
	closed   bool
}

// NewProcessor builds a Processor and starts its worker pool and drain
// goroutine. Callers must eventually call Finish to release them.
func NewProcessor(sink Sink, opts ...Option) (*Processor, error) {
	if sink == nil {
		return nil, fmt.Errorf("blockproc: sink must not be nil")
	}
	cfg := defaultConfig()
	for _, o := range opts {
		if err := o(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.maxBacklog == 0 {
		cfg.maxBacklog = 2 * cfg.numWorkers
	}

	p := &Processor{
		sink:             sink,
		blockSize:        cfg.blockSize,
		deviceBlockSize:  cfg.deviceBlockSize,
		fragmentsEnabled: cfg.fragmentsEnabled,
		q:                newQueue(cfg.maxBacklog),
	}
	p.pool = newBufPool(cfg.blockSize, cfg.maxBacklog+cfg.numWorkers)

	var decompress func([]byte) ([]byte, error)
	if cfg.byteCompareOnHit {
		// Dedicated instance for the drain goroutine's LRU-miss fallback;
		// never touched by the worker goroutines, so it needs no locking
		// despite Compressor not being safe for concurrent use.
		dc, err := cfg.factory()
		if err != nil {
			return nil, fmt.Errorf("blockproc: build byte-compare decompressor: %w", err)
		}
		decompress = dc.Decompress
	}
	p.blockIdx = newBlockIndex(cfg.byteCompareOnHit, cfg.lruCapacity, sink.ReadAt, decompress)
	p.frag = newFragmentAccumulator(cfg.blockSize, p.pool, p.submitBlock)

	for i := 0; i < cfg.numWorkers; i++ {
		compressor, err := cfg.factory()
		if err != nil {
			return nil, fmt.Errorf("blockproc: build worker compressor: %w", err)
		}
		p.workerWG.Add(1)
		go p.workerLoop(compressor)
	}
	p.drainWG.Add(1)
	go p.drainLoop()

	return p, nil
}

// FileHandle tracks one file's in-progress block partitioning. Obtained
// from NewFile and retired by FinishFile.
type FileHandle struct {
	id    uint64
	p     *Processor
	flags Flags

	alignFirst  bool
	started     bool
	finished    bool
	indexInFile uint32
	size        uint64

	carry    []byte
	carryLen uint32
}

// NewFile begins tracking a new file identified by fileID, a caller-chosen
// key opaque to the processor (typically an inode number).
func (p *Processor) NewFile(fileID uint64, opts ...FileOption) *FileHandle {
	fh := &FileHandle{id: fileID, p: p, carry: p.pool.get(p.blockSize)}
	for _, o := range opts {
		o(fh)
	}
	return fh
}

// Size returns the number of bytes submitted to this file so far.
func (fh *FileHandle) Size() uint64 { return fh.size }

// SubmitAppend appends data to fh, sealing and submitting full blocks as
// they accumulate. Safe to call repeatedly with arbitrarily sized chunks.
func (p *Processor) SubmitAppend(fh *FileHandle, data []byte) error {
	if fh == nil || fh.p != p {
		return ErrUnknownFile
	}
	if fh.finished {
		return ErrUnknownFile
	}
	if p.isClosed() {
		return ErrClosed
	}
	if status := p.q.getStatus(); status != nil {
		return status
	}
	for len(data) > 0 {
		n := copy(fh.carry[fh.carryLen:p.blockSize], data)
		fh.carryLen += uint32(n)
		data = data[n:]
		fh.size += uint64(n)
		if fh.carryLen == p.blockSize {
			if err := p.sealFullBlock(fh); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Processor) sealFullBlock(fh *FileHandle) error {
	raw := fh.carry
	flags := fh.flags
	if !fh.started {
		flags |= FirstBlock
		if fh.alignFirst {
			flags |= Align
		}
		fh.started = true
	}
	if isAllZero(raw) {
		flags |= IsSparse
	}
	b := &Block{
		FileID:           fh.id,
		IndexInFile:      fh.indexInFile,
		Flags:            flags,
		UncompressedSize: uint32(len(raw)),
		Checksum:         checksum(raw),
		raw:              raw,
	}
	fh.indexInFile++
	fh.carry = p.pool.get(p.blockSize)
	fh.carryLen = 0
	return p.submitBlock(b)
}

// FinishFile seals whatever partial tail remains for fh. When the tail is
// handed to the fragment accumulator, the returned *FragmentRef is valid
// immediately; it is nil when the file had no tail, or when the tail was
// written as a standalone block instead (FileDontFragment, or fragments
// disabled processor-wide).
func (p *Processor) FinishFile(fh *FileHandle) (*FragmentRef, error) {
	if fh == nil || fh.p != p {
		return nil, ErrUnknownFile
	}
	if fh.finished {
		return nil, ErrUnknownFile
	}
	if p.isClosed() {
		return nil, ErrClosed
	}
	fh.finished = true
	tailLen := fh.carryLen
	if tailLen == 0 {
		p.pool.put(fh.carry)
		fh.carry = nil
		return nil, nil
	}
	tail := make([]byte, tailLen)
	copy(tail, fh.carry[:tailLen])
	p.pool.put(fh.carry)
	fh.carry = nil

	if fh.flags.Has(DontFragment) || !p.fragmentsEnabled {
		flags := fh.flags | LastBlock
		if !fh.started {
			flags |= FirstBlock
			if fh.alignFirst {
				flags |= Align
			}
		}
		if isAllZero(tail) {
			flags |= IsSparse
		}
		b := &Block{
			FileID:           fh.id,
			IndexInFile:      fh.indexInFile,
			Flags:            flags,
			UncompressedSize: uint32(tailLen),
			Checksum:         checksum(tail),
			raw:              tail,
		}
		fh.indexInFile++
		return nil, p.submitBlock(b)
	}

	ref, err := p.frag.accept(tail, !fh.flags.Has(DontDeduplicate))
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// submitBlock assigns a sequence number and hands b to the work queue.
func (p *Processor) submitBlock(b *Block) error {
	if err := p.q.enqueue(b); err != nil {
		return err
	}
	return nil
}

// Sync blocks until every block submitted so far has been committed to the
// sink, or returns the pipeline's sticky error.
func (p *Processor) Sync() error {
	return p.q.waitIdle()
}

// Finish flushes the fragment accumulator, waits for all outstanding work
// to commit, stops the worker pool and drain goroutine, and returns the
// pipeline's final status (nil on success). Every SubmitAppend/FinishFile
// call made after Finish returns ErrClosed instead of touching the
// already-torn-down queue.
func (p *Processor) Finish() error {
	if p.isClosed() {
		return ErrClosed
	}
	if err := p.frag.finish(); err != nil {
		p.q.setStatus(err)
	}
	p.q.waitIdle()
	p.q.shutdown()
	p.workerWG.Wait()
	p.drainWG.Wait()
	p.closedMu.Lock()
	p.closed = true
	p.closedMu.Unlock()
	return p.q.getStatus()
}

func (p *Processor) isClosed() bool {
	p.closedMu.RLock()
	defer p.closedMu.RUnlock()
	return p.closed
}

func (p *Processor) workerLoop(c Compressor) {
	defer p.workerWG.Done()
	var scratch []byte
	for {
		b, ok := p.q.dequeueWork()
		if !ok {
			return
		}
		p.compressBlock(c, &scratch, b)
		p.q.complete(b)
	}
}

func (p *Processor) compressBlock(c Compressor, scratch *[]byte, b *Block) {
	if b.Flags.Has(DontCompress) || b.Flags.Has(IsSparse) {
		return
	}
	if cap(*scratch) < len(b.raw) {
		*scratch = make([]byte, len(b.raw))
	}
	dst := (*scratch)[:len(b.raw)]
	n, err := c.Compress(dst, b.raw)
	switch {
	case err == nil:
		payload := make([]byte, n)
		copy(payload, dst[:n])
		b.payload = payload
		b.Flags |= SizeIsCompressed
	case errors.Is(err, ErrIncompressible):
		// leave payload nil; Payload() falls back to raw.
	default:
		p.q.setStatus(fmt.Errorf("blockproc: compress block %d: %w", b.SeqID, err))
	}
}

func (p *Processor) drainLoop() {
	defer p.drainWG.Done()
	for {
		b, ok := p.q.dequeueDone()
		if !ok {
			return
		}
		p.commit(b)
		p.q.markCommitted()
		p.pool.put(b.raw)
	}
}

func (p *Processor) commit(b *Block) {
	if b.Flags.Has(Align) {
		if _, err := p.sink.Pad(p.deviceBlockSize); err != nil {
			p.q.setStatus(fmt.Errorf("blockproc: pad before block %d: %w", b.SeqID, err))
			return
		}
	}
	if b.Flags.Has(IsFragmentBlock) {
		p.commitFragmentBlock(b)
		return
	}
	p.commitDataBlock(b)
}

func (p *Processor) commitDataBlock(b *Block) {
	if b.Flags.Has(IsSparse) {
		p.sink.OnBlockCommitted(b.FileID, b.IndexInFile, Ref{})
		return
	}
	key := b.key()
	dedupOK := !b.Flags.Has(DontDeduplicate)
	if dedupOK {
		if ref, ok := p.blockIdx.lookup(key, b.Raw()); ok {
			p.sink.OnBlockCommitted(b.FileID, b.IndexInFile, ref)
			return
		}
	}
	payload := b.Payload()
	offset, err := p.sink.Write(payload)
	if err != nil {
		p.q.setStatus(fmt.Errorf("blockproc: write block %d: %w", b.SeqID, err))
		return
	}
	ref := Ref{Offset: offset, SizeWord: sizeWord(payload, b.Flags)}
	if dedupOK {
		p.blockIdx.insert(key, ref, b.Raw())
	}
	p.sink.OnBlockCommitted(b.FileID, b.IndexInFile, ref)
}

func (p *Processor) commitFragmentBlock(b *Block) {
	payload := b.Payload()
	offset, err := p.sink.Write(payload)
	if err != nil {
		p.q.setStatus(fmt.Errorf("blockproc: write fragment block %d: %w", b.SeqID, err))
		return
	}
	ref := Ref{Offset: offset, SizeWord: sizeWord(payload, b.Flags)}
	p.sink.OnFragmentBlockCommitted(b.IndexInFile, ref, b.fragMembers)
}

func sizeWord(payload []byte, flags Flags) uint32 {
	w := uint32(len(payload))
	if !flags.Has(SizeIsCompressed) {
		w |= sizeWordUncompressedBit
	}
	return w
}

func isAllZero(p []byte) bool {
	for _, c := range p {
		if c != 0 {
			return false
		}
	}
	return true
}
