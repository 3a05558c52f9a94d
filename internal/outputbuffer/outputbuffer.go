// Package outputbuffer implements the supervisor's core data structure: a
// byte-position-addressed circular buffer with blocking and non-blocking
// reads. Conceptually it holds every byte the child process has ever
// produced; only the most recent maxCapacity bytes are ever materialized,
// but positions never renumber when the window slides, so a reader can
// name a byte by position and later detect whether it was overwritten.
//
// Built around a single mutex protecting a ring plus background-
// goroutine wiring, with a replay-buffer cursor design: a writer that
// never blocks on readers, and readers that carry their own cursor and
// detect gaps by comparing the position they get back against the one
// they asked for.
package outputbuffer

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by Write once the buffer has been closed.
var ErrClosed = errors.New("outputbuffer: closed")

// Kind discriminates the outcome of a read.
type Kind int

const (
	// KindData means N bytes were copied into the caller's target starting
	// at Begin.
	KindData Kind = iota
	// KindTimeout means a blocking read's deadline elapsed with nothing to
	// return; TryRead also returns this when it cannot satisfy immediately.
	KindTimeout
	// KindClosed means the buffer is closed and the request cannot ever be
	// satisfied.
	KindClosed
)

// Result is the outcome of a read or tryRead call.
type Result struct {
	Kind  Kind
	Begin int64 // only meaningful when Kind == KindData
	N     int   // only meaningful when Kind == KindData
}

// compactionMinHeap and compactionRatio gate the waiter-heap rebuild: it
// only runs once the heap is large AND mostly dead weight.
const (
	compactionMinHeap = 1000
	compactionRatio   = 8
)

// OutputBuffer is a byte-position-addressed circular buffer. The zero value
// is not usable; construct with New.
type OutputBuffer struct {
	mu sync.Mutex

	buf   []byte // len == maxCapacity, allocated up front
	start int    // ring index of the oldest resident byte
	size  int    // number of resident bytes, 0 <= size <= len(buf)

	maxCapacity  int
	writtenBytes int64
	closed       bool

	waiters waiterHeap

	logger *logrus.Logger
}

// New allocates an OutputBuffer. maxCapacity must be > 0. initialCapacity is
// accepted for API compatibility but is not observable: the backing array
// is always sized at maxCapacity up front (doubling a fixed,
// already-allocated array would only add bookkeeping), so the parameter
// is unused beyond validation.
func New(maxCapacity, initialCapacity int, logger *logrus.Logger) *OutputBuffer {
	if maxCapacity <= 0 {
		panic("outputbuffer: maxCapacity must be > 0")
	}
	if initialCapacity > maxCapacity {
		panic("outputbuffer: initialCapacity must be <= maxCapacity")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &OutputBuffer{
		buf:         make([]byte, maxCapacity),
		maxCapacity: maxCapacity,
		logger:      logger,
	}
}

// MaxCapacity returns the configured ceiling on materialized bytes.
func (b *OutputBuffer) MaxCapacity() int { return b.maxCapacity }

// WrittenBytes returns the total number of bytes ever accepted.
func (b *OutputBuffer) WrittenBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writtenBytes
}

// Size returns the number of bytes currently materialized.
func (b *OutputBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// IsClosed reports whether Close has been called.
func (b *OutputBuffer) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Write appends data, sliding the materialized window forward and waking
// any waiter whose requested position the write makes available. It never
// blocks on readers. Returns ErrClosed if the buffer is already closed.
func (b *OutputBuffer) Write(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrClosed
	}

	oldWritten := b.writtenBytes
	b.writtenBytes += int64(len(data))
	overwritten := b.ringAppendLocked(data)
	b.wakeWaitersLocked(oldWritten, data)
	b.mu.Unlock()

	return overwritten, nil
}

// Read performs a blocking read. begin may be negative, meaning
// max(0, writtenBytes+begin) evaluated under the lock at call time.
// timeout <= 0 waits forever.
func (b *OutputBuffer) Read(begin int64, target []byte, timeout time.Duration) Result {
	b.mu.Lock()

	normalized := b.normalizeBeginLocked(begin)
	if normalized < b.writtenBytes {
		res := b.copyWindowLocked(normalized, target)
		b.mu.Unlock()
		return res
	}
	if b.closed {
		b.mu.Unlock()
		return Result{Kind: KindClosed}
	}

	w := &waiter{begin: normalized, target: target, done: make(chan struct{})}
	heap.Push(&b.waiters, w)
	b.maybeCompactLocked()
	b.mu.Unlock()

	if timeout <= 0 {
		<-w.done
		return w.result
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return w.result
	case <-timer.C:
		b.mu.Lock()
		w.cancelled = true
		b.mu.Unlock()
		return Result{Kind: KindTimeout}
	}
}

// TryRead is Read's non-blocking counterpart: it never enqueues a waiter,
// returning KindTimeout immediately instead when the read can't be
// satisfied from current contents.
func (b *OutputBuffer) TryRead(begin int64, target []byte) Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	normalized := b.normalizeBeginLocked(begin)
	if normalized < b.writtenBytes {
		return b.copyWindowLocked(normalized, target)
	}
	if b.closed {
		return Result{Kind: KindClosed}
	}
	return Result{Kind: KindTimeout}
}

// Close is idempotent. It wakes every pending waiter with KindClosed and
// rejects all future writes.
func (b *OutputBuffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	pending := b.waiters
	b.waiters = nil

	for _, w := range pending {
		if w.cancelled {
			continue
		}
		w.result = Result{Kind: KindClosed}
		close(w.done)
	}
	b.mu.Unlock()
}

// normalizeBeginLocked resolves a possibly-negative begin to an absolute
// position, clamping to 0 rather than erroring when the magnitude exceeds
// writtenBytes (resolved per DESIGN.md's Open Question Decisions).
func (b *OutputBuffer) normalizeBeginLocked(begin int64) int64 {
	if begin >= 0 {
		return begin
	}
	n := b.writtenBytes + begin
	if n < 0 {
		return 0
	}
	return n
}

// copyWindowLocked serves an immediately-satisfiable read: begin is known
// to be < writtenBytes. actualBegin clamps up to the oldest resident byte
// when begin names a position that has already been overwritten.
func (b *OutputBuffer) copyWindowLocked(begin int64, target []byte) Result {
	windowStart := b.writtenBytes - int64(b.size)
	actualBegin := begin
	if actualBegin < windowStart {
		actualBegin = windowStart
	}
	available := b.writtenBytes - actualBegin
	n := int64(len(target))
	if available < n {
		n = available
	}
	offset := int(actualBegin - windowStart) // byte offset from oldest resident byte
	ringPos := (b.start + offset) % len(b.buf)
	copyFromRing(b.buf, ringPos, target[:n])
	return Result{Kind: KindData, Begin: actualBegin, N: int(n)}
}

// ringAppendLocked writes data into the ring, advancing start/size, and
// returns how many previously-resident bytes were pushed out.
func (b *OutputBuffer) ringAppendLocked(data []byte) int {
	if len(data) > b.maxCapacity {
		data = data[len(data)-b.maxCapacity:]
	}
	n := len(data)

	overwritten := 0
	if b.size+n > b.maxCapacity {
		overwritten = b.size + n - b.maxCapacity
	}

	writePos := (b.start + b.size) % b.maxCapacity
	copyIntoRing(b.buf, writePos, data)

	if overwritten > 0 {
		b.start = (b.start + overwritten) % b.maxCapacity
		b.size = b.maxCapacity
	} else {
		b.size += n
	}
	return overwritten
}

// wakeWaitersLocked implements the write-time wakeup rule: in ascending
// begin order, every waiter whose begin is now < writtenBytes is satisfied
// (or, if already cancelled, silently dropped) directly from data — never
// from the ring, since the same write may already have overwritten those
// bytes there.
func (b *OutputBuffer) wakeWaitersLocked(oldWritten int64, data []byte) {
	for b.waiters.Len() > 0 && b.waiters[0].begin < b.writtenBytes {
		w := heap.Pop(&b.waiters).(*waiter)
		if w.cancelled {
			continue
		}

		offset := w.begin - oldWritten
		available := b.writtenBytes - w.begin
		n := int64(len(w.target))
		if available < n {
			n = available
		}
		copy(w.target[:n], data[offset:offset+n])

		w.result = Result{Kind: KindData, Begin: w.begin, N: int(n)}
		close(w.done)
	}
}

// maybeCompactLocked rebuilds the waiter heap once it is large and mostly
// cancelled entries, following a lazy-cancellation compaction rule.
func (b *OutputBuffer) maybeCompactLocked() {
	heapSize := b.waiters.Len()
	if heapSize <= compactionMinHeap {
		return
	}
	active := b.waiters.activeCount()
	if active*compactionRatio >= heapSize {
		return
	}

	fresh := make(waiterHeap, 0, active)
	for _, w := range b.waiters {
		if !w.cancelled {
			fresh = append(fresh, w)
		}
	}
	heap.Init(&fresh)
	b.waiters = fresh

	b.logger.WithFields(logrus.Fields{
		"before": heapSize,
		"after":  active,
	}).Debug("outputbuffer: compacted waiter heap")
}

// copyFromRing copies len(dst) bytes out of the ring starting at pos.
func copyFromRing(ring []byte, pos int, dst []byte) {
	n := len(dst)
	if n == 0 {
		return
	}
	m := len(ring)
	first := m - pos
	if first > n {
		first = n
	}
	copy(dst[:first], ring[pos:])
	if n > first {
		copy(dst[first:], ring[:n-first])
	}
}

// copyIntoRing writes src into the ring starting at pos, wrapping as needed.
func copyIntoRing(ring []byte, pos int, src []byte) {
	n := len(src)
	if n == 0 {
		return
	}
	m := len(ring)
	first := m - pos
	if first > n {
		first = n
	}
	copy(ring[pos:], src[:first])
	if n > first {
		copy(ring, src[first:])
	}
}
