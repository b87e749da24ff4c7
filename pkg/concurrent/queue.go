package concurrent

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/invariant-systems/chronicle/pkg/frame"
)

var (
	ErrQueueFull             = errors.New("queue: full")
	ErrQueueEmpty            = errors.New("queue: empty")
	ErrCapacityNotPowerOfTwo = errors.New("queue: capacity must be a power of two")
)

// FrameQueue is a bounded multi-producer multi-consumer ring buffer
// over sealed frames. Head and tail are monotonically increasing
// counters; the slot for position p is p masked by capacity-1.
//
// Enqueue claims a position with a compare-and-swap on tail, then
// publishes into the slot. Dequeue reads the slot at head and commits
// with a compare-and-swap on head. Neither operation blocks: a full
// queue rejects the frame back to the caller and an empty queue
// returns ErrQueueEmpty.
type FrameQueue struct {
	head  atomic.Uint64
	tail  atomic.Uint64
	mask  uint64
	slots []atomic.Pointer[frame.Frame]
}

// NewFrameQueue builds a queue with the given capacity. Capacity must
// be a power of two: slot indices are the position counters masked by
// capacity-1, so the monotonic counters never need a modulo or a wrap
// branch on the hot path. Callers with other sizes round up.
func NewFrameQueue(capacity int) (*FrameQueue, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("%w: got %d", ErrCapacityNotPowerOfTwo, capacity)
	}
	return &FrameQueue{
		mask:  uint64(capacity - 1),
		slots: make([]atomic.Pointer[frame.Frame], capacity),
	}, nil
}

// Capacity returns the maximum number of queued frames.
func (q *FrameQueue) Capacity() int { return len(q.slots) }

// Len reports the current number of queued frames. The value is a
// snapshot and may be stale under concurrent use.
func (q *FrameQueue) Len() int {
	return int(q.tail.Load() - q.head.Load())
}

// Enqueue appends a frame. On a full queue it returns the rejected
// frame together with ErrQueueFull so the caller can retry or shed it.
func (q *FrameQueue) Enqueue(f *frame.Frame) (*frame.Frame, error) {
	for {
		tail := q.tail.Load()
		head := q.head.Load()
		if tail-head >= uint64(len(q.slots)) {
			return f, ErrQueueFull
		}
		if !q.tail.CompareAndSwap(tail, tail+1) {
			continue
		}
		slot := &q.slots[tail&q.mask]
		// A slow consumer may not have cleared the slot from a prior
		// lap yet; spin until it does.
		for !slot.CompareAndSwap(nil, f) {
			runtime.Gosched()
		}
		return nil, nil
	}
}

// Dequeue removes the oldest frame, or returns ErrQueueEmpty.
func (q *FrameQueue) Dequeue() (*frame.Frame, error) {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		if head >= tail {
			return nil, ErrQueueEmpty
		}
		slot := &q.slots[head&q.mask]
		f := slot.Load()
		if f == nil {
			// The producer has claimed the position but not yet
			// published; let it finish.
			runtime.Gosched()
			continue
		}
		if !q.head.CompareAndSwap(head, head+1) {
			continue
		}
		slot.CompareAndSwap(f, nil)
		return f, nil
	}
}
