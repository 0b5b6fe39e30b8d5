package tracelog

import (
	"bytes"
	"io"
	"testing"

	"github.com/orcaman/writerseeker"

	"github.com/pboy0922/ntrace/internal/chunkfmt"
	"github.com/pboy0922/ntrace/internal/stats"
)

func TestFlushChunkNoPaddingNeeded(t *testing.T) {
	var ws writerseeker.WriterSeeker
	st := stats.New()
	w := New(&ws, 0, st)

	chunk, err := chunkfmt.SerializeImageInfo(0x400000, 0x10000, []byte("a.exe"))
	if err != nil {
		t.Fatal(err)
	}
	if err := w.FlushChunk(chunk, nil); err != nil {
		t.Fatalf("FlushChunk: %v", err)
	}
	if w.Position() != int64(len(chunk)) {
		t.Errorf("Position() = %d, want %d", w.Position(), len(chunk))
	}
	got, _ := io.ReadAll(ws.Reader())
	if !bytes.Equal(got, chunk) {
		t.Errorf("written bytes differ from the serialized chunk")
	}
	if snap := st.Snapshot(); snap.FailedChunkFlushes != 0 {
		t.Errorf("FailedChunkFlushes = %d, want 0", snap.FailedChunkFlushes)
	}
}

func TestFlushChunkTraceBufferSplitsHeaderAndBody(t *testing.T) {
	var ws writerseeker.WriterSeeker
	w := New(&ws, 0, stats.New())

	body := make([]byte, 2*chunkfmt.TransitionSize)
	chunkfmt.EncodeTransition(body[:chunkfmt.TransitionSize], chunkfmt.Transition{Kind: chunkfmt.TransitionEntry, Timestamp: 1, Procedure: 0x401000, Info: 0x402000})
	chunkfmt.EncodeTransition(body[chunkfmt.TransitionSize:], chunkfmt.Transition{Kind: chunkfmt.TransitionExit, Timestamp: 2, Procedure: 0x401000, Info: 0})
	hdr := chunkfmt.SerializeTraceBufferHeader(100, 200, uint32(len(body)))

	if err := w.FlushChunk(hdr, body); err != nil {
		t.Fatalf("FlushChunk: %v", err)
	}
	if w.Position() != 64 {
		t.Fatalf("Position() = %d, want 64", w.Position())
	}
	got, _ := io.ReadAll(ws.Reader())
	if len(got) != 64 {
		t.Fatalf("len(written) = %d, want 64", len(got))
	}
}

// newWriterAt pre-fills a stream to an arbitrary offset so segment-boundary
// tests don't need to flush tens of thousands of bytes of real chunks.
func newWriterAt(t *testing.T, position int64) (*writerseeker.WriterSeeker, *Writer, *stats.Statistics) {
	t.Helper()
	var ws writerseeker.WriterSeeker
	if _, err := ws.Write(make([]byte, position)); err != nil {
		t.Fatal(err)
	}
	st := stats.New()
	return &ws, New(&ws, position, st), st
}

func TestFlushChunkInsertsPadAtSegmentBoundary(t *testing.T) {
	// spec.md §8 scenario 4: SEGMENT_SIZE=65536, 65504 bytes already
	// written, a 64-byte chunk is submitted -> a 32-byte pad chunk first.
	const before = 65504
	ws, w, _ := newWriterAt(t, before)

	body := make([]byte, 2*chunkfmt.TransitionSize)
	hdr := chunkfmt.SerializeTraceBufferHeader(1, 1, uint32(len(body)))
	if err := w.FlushChunk(hdr, body); err != nil {
		t.Fatalf("FlushChunk: %v", err)
	}

	all, _ := io.ReadAll(ws.Reader())
	written := all[before:]
	padHdr, err := chunkfmt.DecodeChunkHeader(written[:8])
	if err != nil {
		t.Fatalf("DecodeChunkHeader(pad): %v", err)
	}
	if padHdr.Type != chunkfmt.ChunkPad || padHdr.Size != 32 {
		t.Fatalf("pad header = %+v, want {Type:PAD Size:32}", padHdr)
	}
	if w.Position() != chunkfmt.SegmentSize+64 {
		t.Fatalf("Position() = %d, want %d", w.Position(), chunkfmt.SegmentSize+64)
	}
}

func TestFlushChunkExactFitNoPad(t *testing.T) {
	// A chunk whose size exactly equals the remaining segment space must
	// not be preceded by a pad chunk.
	const chunkSize = 64
	before := int64(chunkfmt.SegmentSize - chunkSize)
	ws, w, _ := newWriterAt(t, before)

	body := make([]byte, 2*chunkfmt.TransitionSize)
	hdr := chunkfmt.SerializeTraceBufferHeader(1, 1, uint32(len(body)))
	if err := w.FlushChunk(hdr, body); err != nil {
		t.Fatalf("FlushChunk: %v", err)
	}
	all, _ := io.ReadAll(ws.Reader())
	written := all[before:]
	gotHdr, err := chunkfmt.DecodeChunkHeader(written[:8])
	if err != nil {
		t.Fatal(err)
	}
	if gotHdr.Type != chunkfmt.ChunkTraceBuffer {
		t.Fatalf("first chunk after exact fit = %s, want TRACE_BUFFER (no pad)", gotHdr.Type)
	}
	if w.Position()%chunkfmt.SegmentSize != 0 {
		t.Fatalf("Position() = %d, want a multiple of SegmentSize", w.Position())
	}
}

// failingStream fails its Nth Write call, after which subsequent writes
// continue to succeed (mirroring a transient I/O error).
type failingStream struct {
	buf       bytes.Buffer
	failAfter int
	writes    int
	truncated *int64
}

func (f *failingStream) Write(p []byte) (int, error) {
	f.writes++
	if f.writes == f.failAfter {
		return 0, io.ErrClosedPipe
	}
	return f.buf.Write(p)
}

func (f *failingStream) Seek(offset int64, whence int) (int64, error) {
	return int64(f.buf.Len()), nil
}

func (f *failingStream) Truncate(size int64) error {
	f.truncated = &size
	return nil
}

func TestFlushChunkBodyWriteFailureStopsPositionAdvance(t *testing.T) {
	// spec.md §8 scenario 5: the body write (2nd Write call for a
	// trace-buffer chunk) fails; FailedChunkFlushes increments by one and
	// the logical position only reflects the successful header write.
	fs := &failingStream{failAfter: 2}
	st := stats.New()
	w := New(fs, 0, st)

	body := make([]byte, 2*chunkfmt.TransitionSize)
	hdr := chunkfmt.SerializeTraceBufferHeader(1, 1, uint32(len(body)))
	if err := w.FlushChunk(hdr, body); err == nil {
		t.Fatal("FlushChunk: want error, got nil")
	}
	if snap := st.Snapshot(); snap.FailedChunkFlushes != 1 {
		t.Fatalf("FailedChunkFlushes = %d, want 1", snap.FailedChunkFlushes)
	}
	if w.Position() != int64(len(hdr)) {
		t.Fatalf("Position() = %d, want %d (header only)", w.Position(), len(hdr))
	}
	if fs.truncated == nil || *fs.truncated != int64(len(hdr)) {
		t.Fatalf("truncated = %v, want pointer to %d", fs.truncated, len(hdr))
	}

	// The next flush proceeds consistently from the writer's view.
	hdr2 := chunkfmt.SerializeTraceBufferHeader(2, 2, uint32(len(body)))
	if err := w.FlushChunk(hdr2, body); err != nil {
		t.Fatalf("second FlushChunk: %v", err)
	}
}

func TestNewImageInfoAllocationDropped(t *testing.T) {
	// Checks only that one IncImageInfoDropped call shows up as exactly one
	// ImageInfoEventsDropped in a snapshot; no Writer or FlushChunk call is
	// involved.
	st := stats.New()
	st.IncImageInfoDropped()
	if got := st.Snapshot().ImageInfoEventsDropped; got != 1 {
		t.Fatalf("ImageInfoEventsDropped = %d, want 1", got)
	}
}
