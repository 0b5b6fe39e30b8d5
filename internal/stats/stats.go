// Package stats holds the monotonically-incrementing drop counters shared
// between the trace buffer pipeline, the event sink and the log writer.
//
// Every counter is mutated with a single atomic instruction and may be
// snapshotted by readers without any additional coordination; values read
// concurrently with a writer may be slightly stale, never torn.
package stats

import "sync/atomic"

// Statistics is embedded (by pointer) in the default event sink and handed
// to the command processor for read-only sampling. The four counters mirror
// the original defevntsink.c fields one for one; none of them is ever
// reset during the lifetime of a sink.
type Statistics struct {
	imageInfoEventsDropped uint32
	entryEventsDropped     uint32
	exitEventsDropped      uint32
	failedChunkFlushes     uint32
}

// New returns a zeroed Statistics block.
func New() *Statistics {
	return &Statistics{}
}

func (s *Statistics) IncImageInfoDropped() { atomic.AddUint32(&s.imageInfoEventsDropped, 1) }
func (s *Statistics) IncEntryDropped()     { atomic.AddUint32(&s.entryEventsDropped, 1) }
func (s *Statistics) IncExitDropped()      { atomic.AddUint32(&s.exitEventsDropped, 1) }
func (s *Statistics) IncFailedFlush()      { atomic.AddUint32(&s.failedChunkFlushes, 1) }

// Snapshot is a point-in-time, widened (non-wrapping for practical purposes)
// copy of the counters, suitable for logging, export or diffing in tests.
type Snapshot struct {
	ImageInfoEventsDropped uint64 `json:"image_info_events_dropped"`
	EntryEventsDropped     uint64 `json:"entry_events_dropped"`
	ExitEventsDropped      uint64 `json:"exit_events_dropped"`
	FailedChunkFlushes     uint64 `json:"failed_chunk_flushes"`
}

// Snapshot reads all four counters. The 32-bit counters may wrap under a
// sustained drop storm (inherited from the on-disk-adjacent wire format);
// the snapshot widens to uint64 but cannot recover counts already lost to a
// wraparound that happened before this call.
func (s *Statistics) Snapshot() Snapshot {
	return Snapshot{
		ImageInfoEventsDropped: uint64(atomic.LoadUint32(&s.imageInfoEventsDropped)),
		EntryEventsDropped:     uint64(atomic.LoadUint32(&s.entryEventsDropped)),
		ExitEventsDropped:      uint64(atomic.LoadUint32(&s.exitEventsDropped)),
		FailedChunkFlushes:     uint64(atomic.LoadUint32(&s.failedChunkFlushes)),
	}
}
