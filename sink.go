package squashfs

import (
	"fmt"

	"github.com/gosquash/mkimage/blockproc"
)

// Writer implements blockproc.Sink so Finalize can drive a blockproc.Processor
// directly instead of writing file data serially, the way
// original_source/bin/gensquashfs/src/mkfs.c hands its ostream_t to
// sqfs_block_processor_create_ostream rather than writing blocks itself.

// Write appends data at the writer's current offset.
func (w *Writer) Write(data []byte) (uint64, error) {
	offset := w.offset
	if err := w.write(data); err != nil {
		return 0, err
	}
	return offset, nil
}

// Pad advances the writer to the next multiple of deviceBlockSize.
func (w *Writer) Pad(deviceBlockSize uint32) (uint64, error) {
	if deviceBlockSize == 0 {
		return w.offset, nil
	}
	rem := w.offset % uint64(deviceBlockSize)
	if rem != 0 {
		if err := w.write(make([]byte, uint64(deviceBlockSize)-rem)); err != nil {
			return 0, err
		}
	}
	return w.offset, nil
}

// ReadAt re-reads previously written bytes for blockproc's byte-compare-on-hit
// dedup check. Only available when the underlying writer supports random
// access (io.WriterAt + io.ReaderAt) or the Writer is buffering in memory.
func (w *Writer) ReadAt(p []byte, offset uint64) error {
	if w.ra != nil {
		_, err := w.ra.ReadAt(p, int64(offset))
		return err
	}
	if w.buf != nil {
		b := w.buf.Bytes()
		if offset+uint64(len(p)) > uint64(len(b)) {
			return fmt.Errorf("squashfs: short read at offset %d", offset)
		}
		copy(p, b[offset:offset+uint64(len(p))])
		return nil
	}
	return fmt.Errorf("squashfs: writer has no random-access read support")
}

// OnBlockCommitted records a full-size (or standalone short, non-fragmented)
// data block's placement on the owning inode, in the order blockproc commits
// blocks: strictly increasing indexInFile per file.
func (w *Writer) OnBlockCommitted(fileID uint64, indexInFile uint32, ref blockproc.Ref) {
	inode := w.inodeByID[uint32(fileID)]
	if inode == nil {
		return
	}
	if indexInFile == 0 {
		inode.startBlock = ref.Offset
	}
	inode.dataBlocks = append(inode.dataBlocks, ref.SizeWord)
}

// OnFragmentBlockCommitted records a fragment block's placement. blockIndex
// is assigned sequentially by the fragment accumulator and fragment blocks
// commit in that same order, so appending here keeps w.fragTable indexed
// exactly by blockIndex.
func (w *Writer) OnFragmentBlockCommitted(blockIndex uint32, ref blockproc.Ref, members []blockproc.FragmentRef) {
	w.fragTable = append(w.fragTable, fragEntry{offset: ref.Offset, sizeWord: ref.SizeWord})
}
