package logreader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pboy0922/ntrace/internal/chunkfmt"
	"github.com/pboy0922/ntrace/internal/stats"
	"github.com/pboy0922/ntrace/internal/tracelog"
)

func writeTestLog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.jtrc")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	header := chunkfmt.EncodeFileHeader()
	if _, err := f.Write(header); err != nil {
		t.Fatal(err)
	}
	w := tracelog.New(f, int64(len(header)), stats.New())

	imgChunk, err := chunkfmt.SerializeImageInfo(0x400000, 0x2000, []byte("a.so"))
	if err != nil {
		t.Fatal(err)
	}
	if err := w.FlushChunk(imgChunk, nil); err != nil {
		t.Fatal(err)
	}

	body := make([]byte, 2*chunkfmt.TransitionSize)
	chunkfmt.EncodeTransition(body[:chunkfmt.TransitionSize], chunkfmt.Transition{Kind: chunkfmt.TransitionEntry, Timestamp: 1, Procedure: 0x401000, Info: 0x401500})
	chunkfmt.EncodeTransition(body[chunkfmt.TransitionSize:], chunkfmt.Transition{Kind: chunkfmt.TransitionExit, Timestamp: 2, Procedure: 0x401000, Info: 0})
	hdr := chunkfmt.SerializeTraceBufferHeader(11, 22, uint32(len(body)))
	if err := w.FlushChunk(hdr, body); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestWalkVisitsImageInfoThenTraceBuffer(t *testing.T) {
	path := writeTestLog(t)
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	var order []string
	var gotImage chunkfmt.ImageInfo
	var gotHdr chunkfmt.TraceBufferHeader
	var gotTransitions []chunkfmt.Transition

	err = f.Walk(Visitor{
		OnImageInfo: func(info chunkfmt.ImageInfo) error {
			order = append(order, "image")
			gotImage = info
			return nil
		},
		OnTraceBuffer: func(hdr chunkfmt.TraceBufferHeader, transitions []chunkfmt.Transition) error {
			order = append(order, "trace")
			gotHdr = hdr
			gotTransitions = transitions
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	if len(order) != 2 || order[0] != "image" || order[1] != "trace" {
		t.Fatalf("visit order = %v, want [image trace]", order)
	}
	if string(gotImage.Path) != "a.so" || gotImage.LoadAddress != 0x400000 {
		t.Fatalf("image info = %+v", gotImage)
	}
	if gotHdr.ProcessID != 11 || gotHdr.ThreadID != 22 || gotHdr.Transitions != 2 {
		t.Fatalf("trace-buffer header = %+v", gotHdr)
	}
	if len(gotTransitions) != 2 || gotTransitions[0].Kind != chunkfmt.TransitionEntry || gotTransitions[1].Kind != chunkfmt.TransitionExit {
		t.Fatalf("transitions = %+v", gotTransitions)
	}
}

func TestWalkStopsOnVisitorError(t *testing.T) {
	path := writeTestLog(t)
	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	boom := xerrorsBoom{}
	err = f.Walk(Visitor{
		OnImageInfo: func(chunkfmt.ImageInfo) error { return boom },
	})
	if err != boom {
		t.Fatalf("Walk error = %v, want the visitor's own error surfaced unwrapped", err)
	}
}

type xerrorsBoom struct{}

func (xerrorsBoom) Error() string { return "boom" }

func TestHeaderOnEmptyFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.jtrc")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.Header(); err == nil {
		t.Fatal("Header: want error decoding a truncated file")
	}
}
