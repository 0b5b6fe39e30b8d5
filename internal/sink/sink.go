// Package sink implements the event sink (C4): the facade instrumented call
// sites and the loader notifier actually call, routing each event kind to
// the chunk codec (C1), the log writer (C2), or the image-info queue (C3).
package sink

import (
	"io"
	"log"
	"sync/atomic"

	"golang.org/x/net/trace"

	"github.com/pboy0922/ntrace/internal/chunkfmt"
	"github.com/pboy0922/ntrace/internal/imageinfo"
	"github.com/pboy0922/ntrace/internal/stats"
	"github.com/pboy0922/ntrace/internal/tracelog"
)

// bufferSource is the subset of *tracebuf.Pipeline the sink needs. Taking it
// as an interface, rather than importing package tracebuf directly, lets
// tests supply their own buffer source; in the other direction, tracebuf's
// Sink interface is satisfied by *Sink via duck typing.
type bufferSource interface {
	GetBuffer(processID, threadID uint32, nBytes int) []byte
}

// state tracks the Open -> Closing -> Closed machine from spec.md §4.4.
type state int32

const (
	stateOpen state = iota
	stateClosing
	stateClosed
)

// Sink is the C4 reference implementation. The zero value is not usable;
// construct with New.
type Sink struct {
	writer  *tracelog.Writer
	queue   *imageinfo.Queue
	buffers bufferSource
	stats   *stats.Statistics
	clock   Clock
	log     *log.Logger
	closer  io.Closer // optional; the underlying file, if any
	debug   bool
	state   atomic.Int32
}

// Option configures optional Sink behavior.
type Option func(*Sink)

// WithLogger installs a logger for dropped/failed-event diagnostics.
func WithLogger(l *log.Logger) Option { return func(s *Sink) { s.log = l } }

// WithClock overrides the default monotonic Clock, primarily for tests.
func WithClock(c Clock) Option { return func(s *Sink) { s.clock = c } }

// WithCloser registers the resource delete() releases once the producer has
// stopped and the sink transitions to Closed.
func WithCloser(c io.Closer) Option { return func(s *Sink) { s.closer = c } }

// WithDebug enables per-flush golang.org/x/net/trace events, visible on
// /debug/requests, recording flush latency and failures. Off by default:
// trace.New keeps a bounded in-memory ring even when nobody is looking, so
// this is gated the same way the precondition asserts are.
func WithDebug(enabled bool) Option { return func(s *Sink) { s.debug = enabled } }

// New builds an Open sink layering C3's queue and C5's buffer source on top
// of an already-constructed C2 writer (whose file header, per spec.md §4.7
// step 3, must already be on disk).
func New(writer *tracelog.Writer, buffers bufferSource, st *stats.Statistics, opts ...Option) *Sink {
	s := &Sink{
		writer:  writer,
		queue:   &imageinfo.Queue{},
		buffers: buffers,
		stats:   st,
		clock:   newMonotonicClock(),
		log:     log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnImageLoad is C4.on_image_load. Passive level only.
func (s *Sink) OnImageLoad(loadAddr uint64, size uint32, path []byte) {
	if len(path) > chunkfmt.MaxPathLength {
		s.log.Printf("sink: image path too long (%d bytes), dropping", len(path))
		return
	}
	chunk, err := chunkfmt.SerializeImageInfo(loadAddr, size, path)
	if err != nil {
		s.stats.IncImageInfoDropped()
		s.log.Printf("sink: serializing image-info chunk: %v", err)
		return
	}
	s.queue.Push(chunk)
}

// OnProcedureEntry is C4.on_procedure_entry. May run at dispatch level: it
// must not block, allocate, or perform I/O, so the only thing it does on
// the drop path is an atomic increment.
func (s *Sink) OnProcedureEntry(processID, threadID, procedure, callerIP uint32) {
	slot := s.buffers.GetBuffer(processID, threadID, chunkfmt.TransitionSize)
	if slot == nil {
		s.stats.IncEntryDropped()
		return
	}
	chunkfmt.EncodeTransition(slot, chunkfmt.Transition{
		Kind:      chunkfmt.TransitionEntry,
		Timestamp: s.clock.Now(),
		Procedure: procedure,
		Info:      callerIP,
	})
}

// OnProcedureExit is C4.on_procedure_exit. Same dispatch-level constraints
// as OnProcedureEntry.
func (s *Sink) OnProcedureExit(processID, threadID, procedure, returnValue uint32) {
	slot := s.buffers.GetBuffer(processID, threadID, chunkfmt.TransitionSize)
	if slot == nil {
		s.stats.IncExitDropped()
		return
	}
	chunkfmt.EncodeTransition(slot, chunkfmt.Transition{
		Kind:      chunkfmt.TransitionExit,
		Timestamp: s.clock.Now(),
		Procedure: procedure,
		Info:      returnValue,
	})
}

// OnProcessBuffer is C4.on_process_buffer. It also satisfies
// tracebuf.Sink, which is how the trace-buffer pipeline (C5) calls back
// into the sink at passive level once a buffer fills.
func (s *Sink) OnProcessBuffer(buf []byte, processID, threadID uint32) error {
	if len(buf) == 0 || len(buf)%chunkfmt.TransitionSize != 0 {
		return chunkfmt.ErrBadTransitionBuffer
	}
	var tr trace.Trace
	if s.debug {
		tr = trace.New("ntrace.sink", "flush")
		tr.LazyPrintf("pid=%d tid=%d bytes=%d", processID, threadID, len(buf))
		defer tr.Finish()
	}

	s.drainImageInfo()

	hdr := chunkfmt.SerializeTraceBufferHeader(processID, threadID, uint32(len(buf)))
	if err := s.writer.FlushChunk(hdr, buf); err != nil {
		// Failure is swallowed here: C2 already bumped FailedChunkFlushes
		// and, per spec.md §4.4, no failure aborts future tracing.
		s.log.Printf("sink: flushing trace-buffer chunk for pid=%d tid=%d: %v", processID, threadID, err)
		if tr != nil {
			tr.SetError()
			tr.LazyPrintf("flush failed: %v", err)
		}
	}
	return nil
}

// drainImageInfo empties the image-info queue, flushing each chunk ahead of
// the trace-buffer chunk that triggered the drain so that any procedure
// address the trace-buffer references has its owning module already on
// disk, per spec.md §5's ordering guarantee.
func (s *Sink) drainImageInfo() {
	s.queue.Drain(func(chunk []byte) error {
		return s.writer.FlushChunk(chunk, nil)
	})
}

// Position returns the writer's current logical file position, useful for
// size-based segment rotation policies.
func (s *Sink) Position() int64 { return s.writer.Position() }

// Delete is C4.delete. The caller must have already stopped the producer;
// Delete does not and cannot enforce that, per spec.md §5.
func (s *Sink) Delete() error {
	if !s.state.CompareAndSwap(int32(stateOpen), int32(stateClosing)) {
		return nil // already closing or closed; delete is not reentrant
	}
	s.drainImageInfo()
	var err error
	if s.closer != nil {
		err = s.closer.Close()
	}
	s.state.Store(int32(stateClosed))
	return err
}
