package outputbuffer

// waiter is a pending blocking read, keyed by the position it wants to read
// from. It lives in the buffer's waiter heap from the moment read() decides
// it cannot be satisfied immediately until it is satisfied, cancelled by a
// timeout, or pre-empted by Close.
//
// All fields are only ever written while OutputBuffer.mu is held; done is
// the one-shot signal a blocked reader waits on, and the reader reads
// result only after done has been closed.
type waiter struct {
	begin     int64
	target    []byte
	result    Result
	done      chan struct{}
	cancelled bool
	index     int // maintained by container/heap
}

// waiterHeap is a min-heap ordered by begin, so write's wakeup scan can stop
// at the first waiter whose begin is still >= writtenBytes.
type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool { return h[i].begin < h[j].begin }

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}

// activeCount returns the number of waiters that have not been cancelled.
// Used to decide when the heap is due for compaction.
func (h waiterHeap) activeCount() int {
	n := 0
	for _, w := range h {
		if !w.cancelled {
			n++
		}
	}
	return n
}
