package control

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pboy0922/ntrace/internal/chunkfmt"
	"github.com/pboy0922/ntrace/internal/stats"
)

func TestCreateDefaultSinkWritesFileHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jtrc")
	st := stats.New()
	s, err := CreateDefaultSink(context.Background(), path, st, Config{})
	if err != nil {
		t.Fatalf("CreateDefaultSink: %v", err)
	}
	if err := DeleteSink(s); err != nil {
		t.Fatalf("DeleteSink: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != chunkfmt.FileHeaderSize {
		t.Fatalf("len(file) = %d, want %d (header only, no events)", len(got), chunkfmt.FileHeaderSize)
	}
	hdr, err := chunkfmt.DecodeFileHeader(got)
	if err != nil {
		t.Fatalf("DecodeFileHeader: %v", err)
	}
	if hdr.Characteristics != chunkfmt.CharacteristicTSC|chunkfmt.Characteristic32Bit {
		t.Fatalf("Characteristics = %#x, want TSC|32-bit", hdr.Characteristics)
	}
}

func TestCreateDefaultSinkRejectsExistingPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jtrc")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	st := stats.New()
	_, err := CreateDefaultSink(context.Background(), path, st, Config{})
	if err == nil {
		t.Fatal("CreateDefaultSink: want error for a path that already exists")
	}
}

func TestCreateDefaultSinkRoundTripsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jtrc")
	st := stats.New()
	s, err := CreateDefaultSink(context.Background(), path, st, Config{BufferSize: 2 * chunkfmt.TransitionSize})
	if err != nil {
		t.Fatalf("CreateDefaultSink: %v", err)
	}

	s.OnImageLoad(0x400000, 0x1000, []byte("a.so"))
	s.OnProcedureEntry(1, 1, 0x401000, 0x401500)
	s.OnProcedureExit(1, 1, 0x401000, 0)

	if err := DeleteSink(s); err != nil {
		t.Fatalf("DeleteSink: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) <= chunkfmt.FileHeaderSize {
		t.Fatal("expected more than just the file header after events were recorded")
	}
}
