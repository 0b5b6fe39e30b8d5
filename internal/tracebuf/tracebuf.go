// Package tracebuf provides the trace buffer pipeline (C5): a per-thread
// slot allocator callable at up to dispatch level, and a passive-level
// worker pool that hands completed buffers to the event sink.
//
// Per spec.md §4.5 and the size-budget note in §2, C5 is specified as an
// interface boundary — get_buffer(n_bytes) and an internal worker that
// eventually calls on_process_buffer — with the full production
// implementation's internals considered external. This package supplies a
// straightforward, idiomatic reference implementation of that boundary: the
// fast path (claiming room for a transition inside the current buffer) is a
// single atomic add, wait-free; only the rare "this buffer just filled up"
// transition takes a per-producer mutex to install the next buffer and hand
// the full one off, mirroring the worker-pool/errgroup shape
// internal/batch.scheduler.run uses to drain completed build nodes.
package tracebuf

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/net/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Sink is the subset of the event sink the pipeline drives: one callback,
// invoked at passive level with a byte-contiguous, filled buffer.
type Sink interface {
	OnProcessBuffer(buf []byte, processID, threadID uint32) error
}

// producerKey identifies one logical producer (a process/thread pair);
// each gets its own buffer so that, per spec.md §4.5, ordering of
// allocations within a single buffer reflects the order in which that
// thread produced them.
type producerKey struct {
	processID, threadID uint32
}

type slab struct {
	data []byte
	used int64 // atomic offset, bytes claimed so far; may exceed len(data)
}

type producer struct {
	mu  sync.Mutex // guards only the rare buffer-rotation path
	cur atomic.Pointer[slab]
}

// Pipeline is the reference C5 implementation.
type Pipeline struct {
	bufferSize int
	sink       Sink
	debug      bool

	eg  *errgroup.Group
	ctx context.Context
	sem *semaphore.Weighted

	producers sync.Map // producerKey -> *producer
}

// Option configures optional Pipeline behavior.
type Option func(*Pipeline)

// WithDebug enables golang.org/x/net/trace events around each drain,
// visible on /debug/requests, the same debug flag as package sink's
// per-flush tracing.
func WithDebug(enabled bool) Option { return func(p *Pipeline) { p.debug = enabled } }

// New returns a Pipeline whose buffers are bufferSize bytes and which
// drains at most maxInFlight completed buffers concurrently. ctx bounds
// the lifetime of the background drain workers; cancelling it causes
// in-flight drains to unwind once their current OnProcessBuffer call
// returns.
func New(ctx context.Context, bufferSize, maxInFlight int, opts ...Option) *Pipeline {
	eg, ctx := errgroup.WithContext(ctx)
	p := &Pipeline{
		bufferSize: bufferSize,
		eg:         eg,
		ctx:        ctx,
		sem:        semaphore.NewWeighted(int64(maxInFlight)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetSink installs the callback target. Must be called before the first
// GetBuffer/Close.
func (p *Pipeline) SetSink(sink Sink) { p.sink = sink }

// GetBuffer reserves nBytes contiguous bytes in the calling producer's
// current buffer and returns them, or returns nil if nBytes doesn't fit a
// single buffer at all (a configuration error, not a transient drop). It
// never blocks and never allocates on the common path, so it is safe to
// call from a context that forbids blocking, per spec.md §5.
func (p *Pipeline) GetBuffer(processID, threadID uint32, nBytes int) []byte {
	if nBytes > p.bufferSize {
		return nil
	}
	key := producerKey{processID, threadID}
	v, ok := p.producers.Load(key)
	if !ok {
		v, _ = p.producers.LoadOrStore(key, &producer{})
	}
	pp := v.(*producer)

	for {
		s := pp.cur.Load()
		if s == nil {
			pp.rotate(p, key, nil)
			continue
		}
		off := atomic.AddInt64(&s.used, int64(nBytes)) - int64(nBytes)
		if off+int64(nBytes) <= int64(len(s.data)) {
			return s.data[off : off+int64(nBytes) : off+int64(nBytes)]
		}
		// Doesn't fit: the buffer is either full or mid-rotation. Whoever
		// observes pp.cur still pointing at s drives the rotation; everyone
		// else just retries against whatever buffer wins.
		pp.rotate(p, key, s)
	}
}

// rotate installs a fresh buffer for key if the current one is still expect
// (an identity check prevents every racing producer from sealing the same
// full buffer twice), and hands the outgoing buffer, if any, to the drain
// workers.
func (pp *producer) rotate(p *Pipeline, key producerKey, expect *slab) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if pp.cur.Load() != expect {
		return // someone else already rotated
	}
	next := &slab{data: make([]byte, p.bufferSize)}
	pp.cur.Store(next)
	if expect != nil {
		p.drainAsync(key, expect)
	}
}

// drainAsync hands a filled buffer to the sink on a background worker. The
// pipeline's in-flight semaphore bounds how many workers call the sink at
// once; workers still waiting for it keep their buffers in memory until
// then. filled trims the buffer to what was actually claimed before a
// concurrent writer could overrun it.
func (p *Pipeline) drainAsync(key producerKey, s *slab) {
	p.eg.Go(func() error {
		var tr trace.Trace
		if p.debug {
			tr = trace.New("ntrace.tracebuf", "drain")
			tr.LazyPrintf("pid=%d tid=%d", key.processID, key.threadID)
			defer tr.Finish()
		}

		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return nil // pipeline is shutting down
		}
		defer p.sem.Release(1)

		buf := filled(s, p.bufferSize)
		if len(buf) == 0 {
			return nil
		}
		if err := p.sink.OnProcessBuffer(buf, key.processID, key.threadID); err != nil {
			if tr != nil {
				tr.SetError()
				tr.LazyPrintf("drain failed: %v", err)
			}
			return err
		}
		return nil
	})
}

// filled returns the prefix of s.data that producers actually claimed,
// capped at bufferSize to tolerate the last claim having overrun the
// buffer (that claim's caller retried against the next buffer instead).
func filled(s *slab, bufferSize int) []byte {
	used := atomic.LoadInt64(&s.used)
	if used > int64(bufferSize) {
		used = int64(bufferSize)
	}
	return s.data[:used]
}

// Close seals every producer's current (possibly partially-filled) buffer,
// waits for all in-flight drains to complete, and returns the first error
// any drain returned. The external buffer-producer thread must already
// have stopped before Close is called, per spec.md §4.4/§5.
func (p *Pipeline) Close() error {
	p.producers.Range(func(_, v interface{}) bool {
		pp := v.(*producer)
		pp.mu.Lock()
		s := pp.cur.Load()
		pp.cur.Store(nil)
		pp.mu.Unlock()
		if s != nil && atomic.LoadInt64(&s.used) > 0 {
			key, _ := findKey(p, pp)
			p.drainAsync(key, s)
		}
		return true
	})
	return p.eg.Wait()
}

// findKey recovers the producerKey for a *producer during Close's final
// flush; Close runs after the producer pipeline has stopped, so this
// O(n) scan over a small, no-longer-growing map is not on any hot path.
func findKey(p *Pipeline, target *producer) (producerKey, bool) {
	var found producerKey
	var ok bool
	p.producers.Range(func(k, v interface{}) bool {
		if v.(*producer) == target {
			found = k.(producerKey)
			ok = true
			return false
		}
		return true
	})
	return found, ok
}
