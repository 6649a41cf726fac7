package blockproc

import (
	"container/heap"
	"sync"
)

// doneHeap is a min-heap of completed blocks ordered by SeqID, so the drain
// step can always ask "is the next block in submission order ready yet?"
// without scanning. Grounded on cosnicolaou-pbzip2/parallel.go's blockHeap,
// itself ordering by a monotonic order field for the same reason: workers
// finish out of order, the reassembly step must not.
type doneHeap []*Block

func (h doneHeap) Len() int            { return len(h) }
func (h doneHeap) Less(i, j int) bool  { return h[i].SeqID < h[j].SeqID }
func (h doneHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *doneHeap) Push(x interface{}) { *h = append(*h, x.(*Block)) }
func (h *doneHeap) Pop() interface{} {
	old := *h
	n := len(old)
	b := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return b
}

// queue is the shared coordination point between producers (SubmitAppend /
// the fragment accumulator), the worker pool, and the single drain
// goroutine that commits blocks to the Sink in order. Its shape follows
// original_source/lib/sqfs/blk_proc/internal.h: one mutex guarding both the
// pending work list and the reassembly heap, two condition variables (one
// for "work is available or we should stop", one for "a done block or
// backlog state changed"), a monotonic enqueue counter, and a sticky
// status that, once set, short-circuits every future enqueue.
type queue struct {
	mu       sync.Mutex
	workCond sync.Cond
	doneCond sync.Cond

	work []*Block // FIFO; appended at back, popped from front
	done doneHeap

	nextSeqID  uint64
	nextCommit uint64 // SeqID the drain step is waiting to commit next

	backlog    int // blocks enqueued but not yet committed
	maxBacklog int

	terminate bool
	status    error
}

func newQueue(maxBacklog int) *queue {
	q := &queue{maxBacklog: maxBacklog, nextSeqID: 1, nextCommit: 1}
	q.workCond.L = &q.mu
	q.doneCond.L = &q.mu
	return q
}

// setStatus records the first error the pipeline encounters. Subsequent
// calls are no-ops: the status is sticky, matching spec section 7's "first
// error wins" rule.
func (q *queue) setStatus(err error) {
	q.mu.Lock()
	if q.status == nil {
		q.status = err
	}
	q.mu.Unlock()
	q.workCond.Broadcast()
	q.doneCond.Broadcast()
}

func (q *queue) getStatus() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

// enqueue assigns the next sequence id to b, blocks until there is backlog
// capacity (or the pipeline has failed or is shutting down), and appends it
// to the work list. Returns the sticky status without enqueueing anything
// if one is already set.
func (q *queue) enqueue(b *Block) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.backlog >= q.maxBacklog && q.status == nil && !q.terminate {
		q.doneCond.Wait()
	}
	if q.status != nil {
		return q.status
	}
	b.SeqID = q.nextSeqID
	q.nextSeqID++
	q.backlog++
	q.work = append(q.work, b)
	q.workCond.Signal()
	return nil
}

// dequeueWork blocks until work is available, the pipeline is terminating
// with no more work coming, or a status has been set. ok is false when the
// worker should exit.
func (q *queue) dequeueWork() (b *Block, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.work) == 0 && q.status == nil && !q.terminate {
		q.workCond.Wait()
	}
	if len(q.work) == 0 {
		return nil, false
	}
	b, q.work = q.work[0], q.work[1:]
	return b, true
}

// complete moves a processed block from the worker into the reassembly
// heap and wakes the drain step.
func (q *queue) complete(b *Block) {
	q.mu.Lock()
	heap.Push(&q.done, b)
	q.mu.Unlock()
	q.doneCond.Broadcast()
}

// dequeueDone blocks until the block with SeqID == nextCommit is at the top
// of the heap, the pipeline is draining to completion, or a status has been
// set.
func (q *queue) dequeueDone() (b *Block, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.status != nil {
			return nil, false
		}
		if len(q.done) > 0 && q.done[0].SeqID == q.nextCommit {
			b = heap.Pop(&q.done).(*Block)
			q.nextCommit++
			return b, true
		}
		if q.terminate && q.backlog == 0 {
			return nil, false
		}
		q.doneCond.Wait()
	}
}

// markCommitted records that a block has been durably written (or skipped
// as a dedup hit / sparse hole) and releases one unit of backlog capacity.
func (q *queue) markCommitted() {
	q.mu.Lock()
	q.backlog--
	q.mu.Unlock()
	q.doneCond.Broadcast()
}

// shutdown tells workers and the drain step that no further work will be
// enqueued once the current backlog drains.
func (q *queue) shutdown() {
	q.mu.Lock()
	q.terminate = true
	q.mu.Unlock()
	q.workCond.Broadcast()
	q.doneCond.Broadcast()
}

// waitIdle blocks until every enqueued block has been committed (backlog
// reaches zero) or a status has been set. Used by Processor.Sync.
func (q *queue) waitIdle() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.backlog > 0 && q.status == nil {
		q.doneCond.Wait()
	}
	return q.status
}
