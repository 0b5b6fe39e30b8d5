package chunkfmt

import "testing"

func TestChunkTypeString(t *testing.T) {
	cases := map[ChunkType]string{
		ChunkPad:         "PAD",
		ChunkImageInfo:   "IMAGE_INFO",
		ChunkTraceBuffer: "TRACE_BUFFER",
		ChunkType(99):    "UNKNOWN",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("ChunkType(%d).String() = %q, want %q", kind, got, want)
		}
	}
}

func TestTransitionKindString(t *testing.T) {
	cases := map[TransitionKind]string{
		TransitionEntry:     "ENTRY",
		TransitionExit:      "EXIT",
		TransitionKind(0):   "UNKNOWN",
		TransitionKind(255): "UNKNOWN",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("TransitionKind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}
