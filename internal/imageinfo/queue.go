// Package imageinfo implements the lock-free singly-linked stack (C3) that
// carries image-load metadata from the passive-level loader notification
// path to the writer thread that drains it before every trace-buffer
// flush.
//
// It is the direct analogue of the SLIST_HEADER/InterlockedPushEntrySList/
// InterlockedPopEntrySList triple in defevntsink.c; Go's generic
// atomic.Pointer gives the same push-with-release / pop-with-acquire
// discipline without hand-rolled assembly.
package imageinfo

import "sync/atomic"

// node links one already-serialized, fully-aligned image-info chunk into
// the stack. The producer transfers ownership of Chunk to the queue when
// it calls Push; the drainer takes ownership back when it pops the node.
type node struct {
	next  atomic.Pointer[node]
	chunk []byte
}

// Queue is a lock-free LIFO. The zero value is an empty, ready-to-use
// queue. Ordering between pushes is unspecified — readers must not rely on
// insertion order, per spec.md §4.3.
type Queue struct {
	head atomic.Pointer[node]
}

// Push enqueues a fully-serialized image-info chunk. It never blocks and
// performs no I/O or allocation beyond the one node wrapping chunk, so it
// is safe to call from the passive-level loader-notification path (which,
// per spec.md §5, is allowed to allocate — unlike the dispatch-level
// transition callbacks, this path doesn't need to be allocation-free, only
// lock-free).
func (q *Queue) Push(chunk []byte) {
	n := &node{chunk: chunk}
	for {
		head := q.head.Load()
		n.next.Store(head)
		if q.head.CompareAndSwap(head, n) {
			return
		}
	}
}

// Pop removes and returns the most recently pushed chunk, or (nil, false)
// if the queue is empty.
func (q *Queue) Pop() ([]byte, bool) {
	for {
		head := q.head.Load()
		if head == nil {
			return nil, false
		}
		next := head.next.Load()
		if q.head.CompareAndSwap(head, next) {
			return head.chunk, true
		}
	}
}

// Drain repeatedly pops until the queue is empty, calling write for each
// entry in turn. Draining an empty queue is a no-op, satisfying the
// idempotence property in spec.md §8. write's error, if any, is swallowed
// by the caller's policy (package sink counts it as a failed flush); the
// popped entry is discarded regardless so the queue never grows without
// bound even under persistent write failures.
func (q *Queue) Drain(write func(chunk []byte) error) {
	for {
		chunk, ok := q.Pop()
		if !ok {
			return
		}
		_ = write(chunk)
	}
}
