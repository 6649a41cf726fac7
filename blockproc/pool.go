package blockproc

// bufPool is a fixed-size free list of raw payload buffers, modeled on
// VariousForks-dedup/writer.go's w.buffers channel: buffers are handed out
// to producers, filled, submitted, and returned once a block is committed
// and no longer referenced by the dedup index. Using a channel instead of
// sync.Pool keeps the pool's capacity bounded by maxBacklog plus the worker
// count, so memory use
// tracks the configured backlog rather than growing unbounded under GC
// pressure.
type bufPool struct {
	blockSize uint32
	free      chan []byte
}

func newBufPool(blockSize uint32, capacity int) *bufPool {
	p := &bufPool{blockSize: blockSize, free: make(chan []byte, capacity)}
	for i := 0; i < capacity; i++ {
		p.free <- make([]byte, blockSize)
	}
	return p
}

// get returns a buffer sized exactly n, reusing a pooled buffer when one is
// immediately available and allocating fresh otherwise (e.g. the pool is
// momentarily exhausted, or n is smaller than blockSize for a fragment/tail
// block).
func (p *bufPool) get(n uint32) []byte {
	select {
	case b := <-p.free:
		return b[:n]
	default:
		return make([]byte, n)
	}
}

// put returns a buffer to the pool if it is the pool's standard block size;
// undersized fragment/tail buffers are simply dropped for the GC to collect.
func (p *bufPool) put(b []byte) {
	if uint32(cap(b)) != p.blockSize {
		return
	}
	select {
	case p.free <- b[:p.blockSize]:
	default:
	}
}
