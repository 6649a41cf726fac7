package blockproc

import (
	"bytes"
	"errors"
	"sync"
	"testing"
)

// memSink is a minimal in-memory Sink used across tests, grounded on the
// *bytes.Buffer-backed fakes KarpelesLab-squashfs/writer_test.go uses in
// place of a real file.
type memSink struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	offs []uint64 // committed block offsets, in commit order, for assertions

	dataBlocks map[uint64][]blockCommit
	fragBlocks []fragCommit
}

type blockCommit struct {
	indexInFile uint32
	ref         Ref
}

type fragCommit struct {
	blockIndex uint32
	ref        Ref
	members    []FragmentRef
}

func newMemSink() *memSink {
	return &memSink{dataBlocks: make(map[uint64][]blockCommit)}
}

func (s *memSink) Write(data []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off := uint64(s.buf.Len())
	s.buf.Write(data)
	s.offs = append(s.offs, off)
	return off, nil
}

func (s *memSink) Pad(devBlockSize uint32) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rem := uint32(s.buf.Len()) % devBlockSize
	if rem != 0 {
		s.buf.Write(make([]byte, devBlockSize-rem))
	}
	return uint64(s.buf.Len()), nil
}

func (s *memSink) ReadAt(p []byte, offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buf.Bytes()
	if offset+uint64(len(p)) > uint64(len(b)) {
		return errors.New("memSink: short read")
	}
	copy(p, b[offset:offset+uint64(len(p))])
	return nil
}

func (s *memSink) OnBlockCommitted(fileID uint64, indexInFile uint32, ref Ref) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataBlocks[fileID] = append(s.dataBlocks[fileID], blockCommit{indexInFile, ref})
}

func (s *memSink) OnFragmentBlockCommitted(blockIndex uint32, ref Ref, members []FragmentRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fragBlocks = append(s.fragBlocks, fragCommit{blockIndex, ref, members})
}

func newTestProcessor(t *testing.T, sink Sink, workers int) *Processor {
	t.Helper()
	p, err := NewProcessor(sink,
		WithBlockSize(16),
		WithWorkers(workers),
		WithMaxBacklog(8),
		WithCompressorFactory(defaultFactory),
	)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	return p
}

func TestCommitOrderIndependentOfWorkerCount(t *testing.T) {
	for _, workers := range []int{1, 2, 4, 8} {
		sink := newMemSink()
		p := newTestProcessor(t, sink, workers)
		fh := p.NewFile(1)
		var want [][]byte
		for i := 0; i < 32; i++ {
			block := bytes.Repeat([]byte{byte(i + 1)}, 16)
			want = append(want, block)
			if err := p.SubmitAppend(fh, block); err != nil {
				t.Fatalf("SubmitAppend: %v", err)
			}
		}
		if _, err := p.FinishFile(fh); err != nil {
			t.Fatalf("FinishFile: %v", err)
		}
		if err := p.Finish(); err != nil {
			t.Fatalf("Finish: %v", err)
		}
		commits := sink.dataBlocks[1]
		if len(commits) != len(want) {
			t.Fatalf("workers=%d: got %d commits, want %d", workers, len(commits), len(want))
		}
		for i, c := range commits {
			if c.indexInFile != uint32(i) {
				t.Fatalf("workers=%d: commit %d has indexInFile %d, want %d", workers, i, c.indexInFile, i)
			}
			got := make([]byte, len(want[i]))
			if err := sink.ReadAt(got, c.ref.Offset); err != nil {
				t.Fatalf("ReadAt: %v", err)
			}
			if !bytes.Equal(got, want[i]) {
				t.Fatalf("workers=%d: block %d content mismatch", workers, i)
			}
		}
	}
}

func TestIdenticalBlocksAreDeduplicated(t *testing.T) {
	sink := newMemSink()
	p := newTestProcessor(t, sink, 4)
	fh := p.NewFile(1)
	block := bytes.Repeat([]byte{0x42}, 16)
	for i := 0; i < 5; i++ {
		if err := p.SubmitAppend(fh, block); err != nil {
			t.Fatalf("SubmitAppend: %v", err)
		}
	}
	if _, err := p.FinishFile(fh); err != nil {
		t.Fatalf("FinishFile: %v", err)
	}
	if err := p.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	commits := sink.dataBlocks[1]
	if len(commits) != 5 {
		t.Fatalf("got %d commits, want 5", len(commits))
	}
	first := commits[0].ref.Offset
	for i, c := range commits[1:] {
		if c.ref.Offset != first {
			t.Fatalf("commit %d: offset %d, want dedup to %d", i+1, c.ref.Offset, first)
		}
	}
	if sink.buf.Len() != 16 {
		t.Fatalf("sink has %d physical bytes, want exactly one 16-byte block", sink.buf.Len())
	}
}

func TestDontDeduplicateForcesFreshWrite(t *testing.T) {
	sink := newMemSink()
	p := newTestProcessor(t, sink, 2)
	fh := p.NewFile(1, WithFileDontDeduplicate())
	block := bytes.Repeat([]byte{0x7}, 16)
	for i := 0; i < 3; i++ {
		if err := p.SubmitAppend(fh, block); err != nil {
			t.Fatalf("SubmitAppend: %v", err)
		}
	}
	if _, err := p.FinishFile(fh); err != nil {
		t.Fatalf("FinishFile: %v", err)
	}
	if err := p.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if sink.buf.Len() != 48 {
		t.Fatalf("sink has %d physical bytes, want 48 (no dedup)", sink.buf.Len())
	}
}

func TestSparseBlockIsNotPhysicallyWritten(t *testing.T) {
	sink := newMemSink()
	p := newTestProcessor(t, sink, 2)
	fh := p.NewFile(1)
	if err := p.SubmitAppend(fh, make([]byte, 16)); err != nil {
		t.Fatalf("SubmitAppend: %v", err)
	}
	if _, err := p.FinishFile(fh); err != nil {
		t.Fatalf("FinishFile: %v", err)
	}
	if err := p.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if sink.buf.Len() != 0 {
		t.Fatalf("sink has %d physical bytes, want 0 for an all-zero block", sink.buf.Len())
	}
	commits := sink.dataBlocks[1]
	if len(commits) != 1 || commits[0].ref.SizeWord != 0 {
		t.Fatalf("got commits %+v, want a single zero size_word", commits)
	}
}

func TestShortTailIsFragmented(t *testing.T) {
	sink := newMemSink()
	p := newTestProcessor(t, sink, 2)
	fh := p.NewFile(1)
	if err := p.SubmitAppend(fh, []byte("hello")); err != nil {
		t.Fatalf("SubmitAppend: %v", err)
	}
	ref, err := p.FinishFile(fh)
	if err != nil {
		t.Fatalf("FinishFile: %v", err)
	}
	if ref == nil {
		t.Fatalf("expected a fragment ref for a short tail")
	}
	if ref.Size != 5 || ref.Offset != 0 {
		t.Fatalf("unexpected fragment ref: %+v", ref)
	}
	if err := p.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if len(sink.fragBlocks) != 1 {
		t.Fatalf("got %d fragment block commits, want 1", len(sink.fragBlocks))
	}
	if len(sink.dataBlocks[1]) != 0 {
		t.Fatalf("tail should not also appear as a data block")
	}
}

func TestIdenticalFragmentsShareOneSlot(t *testing.T) {
	sink := newMemSink()
	p := newTestProcessor(t, sink, 2)

	fh1 := p.NewFile(1)
	if err := p.SubmitAppend(fh1, []byte("same-tail")); err != nil {
		t.Fatal(err)
	}
	ref1, err := p.FinishFile(fh1)
	if err != nil {
		t.Fatal(err)
	}

	fh2 := p.NewFile(2)
	if err := p.SubmitAppend(fh2, []byte("same-tail")); err != nil {
		t.Fatal(err)
	}
	ref2, err := p.FinishFile(fh2)
	if err != nil {
		t.Fatal(err)
	}

	if *ref1 != *ref2 {
		t.Fatalf("expected identical fragments to share one ref, got %+v vs %+v", ref1, ref2)
	}
	if err := p.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if len(sink.fragBlocks) != 1 {
		t.Fatalf("got %d fragment block commits, want 1 (deduplicated)", len(sink.fragBlocks))
	}
}

func TestFileDontFragmentStoresStandaloneBlock(t *testing.T) {
	sink := newMemSink()
	p := newTestProcessor(t, sink, 2)
	fh := p.NewFile(1, WithFileDontFragment())
	if err := p.SubmitAppend(fh, []byte("tail")); err != nil {
		t.Fatal(err)
	}
	ref, err := p.FinishFile(fh)
	if err != nil {
		t.Fatal(err)
	}
	if ref != nil {
		t.Fatalf("expected no fragment ref when fragmentation is disabled")
	}
	if err := p.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if len(sink.dataBlocks[1]) != 1 {
		t.Fatalf("expected the short tail to be committed as one standalone data block")
	}
	if len(sink.fragBlocks) != 0 {
		t.Fatalf("expected no fragment blocks")
	}
}

// failingCompressor always reports a hard failure, to exercise the sticky
// status path.
type failingCompressor struct{}

func (failingCompressor) Compress([]byte, []byte) (int, error) {
	return 0, errors.New("boom")
}

func (failingCompressor) Decompress(src []byte) ([]byte, error) {
	return src, nil
}

func TestCompressorErrorIsStickyAndPropagates(t *testing.T) {
	sink := newMemSink()
	p, err := NewProcessor(sink,
		WithBlockSize(16),
		WithWorkers(2),
		WithMaxBacklog(4),
		WithCompressorFactory(func() (Compressor, error) { return failingCompressor{}, nil }),
	)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	fh := p.NewFile(1)
	for i := 0; i < 4; i++ {
		_ = p.SubmitAppend(fh, bytes.Repeat([]byte{byte(i)}, 16))
	}
	_, _ = p.FinishFile(fh)
	if err := p.Finish(); err == nil {
		t.Fatalf("expected Finish to surface the compressor error")
	}
}

func TestByteCompareOnHitCatchesChecksumCollision(t *testing.T) {
	// Two distinct 16-byte payloads engineered to share a CRC32 would be
	// ideal, but constructing one is unnecessary to exercise the code
	// path: directly drive the index with a synthetic collision.
	sink := newMemSink()
	idx := newBlockIndex(true, 4, sink.ReadAt, nil)
	a := bytes.Repeat([]byte{1}, 16)
	b := bytes.Repeat([]byte{2}, 16)
	key := indexKey{size: 16, crc: 0xdeadbeef} // forced shared key

	offA, err := sink.Write(a)
	if err != nil {
		t.Fatal(err)
	}
	idx.insert(key, Ref{Offset: offA, SizeWord: 16 | sizeWordUncompressedBit}, a)

	if ref, ok := idx.lookup(key, a); !ok || ref.Offset != offA {
		t.Fatalf("expected a to hit its own entry, got ref=%+v ok=%v", ref, ok)
	}
	if _, ok := idx.lookup(key, b); ok {
		t.Fatalf("expected a checksum collision with different content to miss")
	}
}

// runCompressor is a deterministic, trivially-decodable stand-in for a real
// codec: it shrinks a uniform-byte block of length n >= 2 to the two bytes
// [value, n], and Decompress expands that back to bytes.Repeat(value, n).
// Used to exercise the byte-compare-on-hit path against genuinely
// compressed on-disk bytes instead of passthrough's always-uncompressed
// output.
type runCompressor struct{}

func (runCompressor) Compress(dst, src []byte) (int, error) {
	if len(src) < 2 {
		return 0, ErrIncompressible
	}
	v := src[0]
	for _, c := range src[1:] {
		if c != v {
			return 0, ErrIncompressible
		}
	}
	dst[0] = v
	dst[1] = byte(len(src))
	return 2, nil
}

func (runCompressor) Decompress(src []byte) ([]byte, error) {
	if len(src) != 2 {
		return nil, errors.New("runCompressor: bad payload")
	}
	return bytes.Repeat([]byte{src[0]}, int(src[1])), nil
}

func runFactory() (Compressor, error) { return runCompressor{}, nil }

// TestByteCompareOnHitSurvivesLRUEvictionForCompressedBlock pins
// WithDedupLRUCapacity(1) so a second, distinct block immediately evicts
// the first block's cached raw bytes, forcing the byte-compare fallback to
// re-read and decompress the first block's on-disk (compressed) payload
// before a third, identical-to-the-first submission can be recognized as a
// duplicate.
func TestByteCompareOnHitSurvivesLRUEvictionForCompressedBlock(t *testing.T) {
	sink := newMemSink()
	p, err := NewProcessor(sink,
		WithBlockSize(16),
		WithWorkers(1),
		WithMaxBacklog(4),
		WithCompressorFactory(runFactory),
		WithDedupLRUCapacity(1),
	)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	a := bytes.Repeat([]byte{0xAA}, 16)
	b := bytes.Repeat([]byte{0xBB}, 16)

	fh1 := p.NewFile(1)
	if err := p.SubmitAppend(fh1, a); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	if _, err := p.FinishFile(fh1); err != nil {
		t.Fatalf("finish 1: %v", err)
	}

	fh2 := p.NewFile(2)
	if err := p.SubmitAppend(fh2, b); err != nil {
		t.Fatalf("submit b: %v", err)
	}
	if _, err := p.FinishFile(fh2); err != nil {
		t.Fatalf("finish 2: %v", err)
	}

	if err := p.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	sink.mu.Lock()
	writesAfterAB := len(sink.offs)
	sink.mu.Unlock()

	// a's LRU entry is now evicted (capacity 1, b inserted after it).
	fh3 := p.NewFile(3)
	if err := p.SubmitAppend(fh3, bytes.Repeat([]byte{0xAA}, 16)); err != nil {
		t.Fatalf("submit a again: %v", err)
	}
	if _, err := p.FinishFile(fh3); err != nil {
		t.Fatalf("finish 3: %v", err)
	}
	if err := p.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.offs) != writesAfterAB {
		t.Fatalf("expected the re-submitted block to dedup against a's compressed copy without a new write, writes before=%d after=%d", writesAfterAB, len(sink.offs))
	}
	ref1 := sink.dataBlocks[1][0].ref
	ref3 := sink.dataBlocks[3][0].ref
	if ref3.Offset != ref1.Offset {
		t.Fatalf("expected file 3's block to reuse file 1's offset, got %+v vs %+v", ref3, ref1)
	}
}

func TestCallsAfterFinishReturnErrClosed(t *testing.T) {
	sink := newMemSink()
	p := newTestProcessor(t, sink, 1)

	fh := p.NewFile(1)
	if err := p.SubmitAppend(fh, bytes.Repeat([]byte{1}, 16)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := p.FinishFile(fh); err != nil {
		t.Fatalf("finish file: %v", err)
	}
	if err := p.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}

	if err := p.Finish(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected second Finish to return ErrClosed, got %v", err)
	}

	fh2 := p.NewFile(2)
	if err := p.SubmitAppend(fh2, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected SubmitAppend after Finish to return ErrClosed, got %v", err)
	}
	if _, err := p.FinishFile(fh2); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected FinishFile after Finish to return ErrClosed, got %v", err)
	}
}
