// Package logreader walks a trace log written by package tracelog back into
// its constituent chunks, the read-side mirror of C1+C2. It mmaps the file
// (golang.org/x/exp/mmap) rather than seeking through it, the same
// trade-off internal/squashfs's reader TODO calls out wanting to make.
package logreader

import (
	"io"

	"golang.org/x/exp/mmap"
	"golang.org/x/xerrors"

	"github.com/pboy0922/ntrace/internal/chunkfmt"
)

// ErrUnknownChunkType is returned when a chunk header declares a type this
// reader doesn't know how to interpret; a real dump tool would skip it by
// size and keep going; this package surfaces it to the caller instead, who
// is in a better position to decide whether that's fatal.
var ErrUnknownChunkType = xerrors.New("logreader: unknown chunk type")

// Visitor receives each payload chunk as Walk visits the file in order.
// Either field may be left nil to ignore that chunk kind.
type Visitor struct {
	OnImageInfo   func(info chunkfmt.ImageInfo) error
	OnTraceBuffer func(hdr chunkfmt.TraceBufferHeader, transitions []chunkfmt.Transition) error
}

// File is an opened trace log ready for Walk. Close releases the mapping.
type File struct {
	ra   *mmap.ReaderAt
	size int64
}

// Open mmaps path for reading.
func Open(path string) (*File, error) {
	ra, err := mmap.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("logreader: opening %s: %w", path, err)
	}
	return &File{ra: ra, size: int64(ra.Len())}, nil
}

// Close releases the memory mapping.
func (f *File) Close() error { return f.ra.Close() }

// Header decodes and validates the 32-byte file header.
func (f *File) Header() (chunkfmt.FileHeader, error) {
	buf := make([]byte, chunkfmt.FileHeaderSize)
	if _, err := f.ra.ReadAt(buf, 0); err != nil && err != io.EOF {
		return chunkfmt.FileHeader{}, xerrors.Errorf("logreader: reading file header: %w", err)
	}
	return chunkfmt.DecodeFileHeader(buf)
}

// Walk visits every payload chunk after the file header in file order,
// calling the matching Visitor callback for IMAGE_INFO and TRACE_BUFFER
// chunks and silently skipping PAD chunks, which per spec.md §3 carry no
// payload of interest. It stops at the first error, whether from decoding
// a malformed chunk or from a Visitor callback.
func (f *File) Walk(v Visitor) error {
	if _, err := f.Header(); err != nil {
		return err
	}
	pos := int64(chunkfmt.FileHeaderSize)
	for pos < f.size {
		hdrBuf := make([]byte, chunkfmt.ChunkHeaderSize)
		if _, err := f.ra.ReadAt(hdrBuf, pos); err != nil {
			return xerrors.Errorf("logreader: reading chunk header at offset %d: %w", pos, err)
		}
		hdr, err := chunkfmt.DecodeChunkHeader(hdrBuf)
		if err != nil {
			return xerrors.Errorf("logreader: chunk header at offset %d: %w", pos, err)
		}
		if hdr.Size == 0 || pos+int64(hdr.Size) > f.size {
			return xerrors.Errorf("logreader: chunk at offset %d declares size %d past end of file: %w", pos, hdr.Size, chunkfmt.ErrTruncated)
		}

		body := make([]byte, hdr.Size)
		if _, err := f.ra.ReadAt(body, pos); err != nil {
			return xerrors.Errorf("logreader: reading chunk body at offset %d: %w", pos, err)
		}

		switch hdr.Type {
		case chunkfmt.ChunkPad:
			// Nothing to deliver; the chunk exists only to preserve the
			// segment-alignment invariant.
		case chunkfmt.ChunkImageInfo:
			if v.OnImageInfo != nil {
				info, err := chunkfmt.DecodeImageInfo(body)
				if err != nil {
					return xerrors.Errorf("logreader: decoding image-info chunk at offset %d: %w", pos, err)
				}
				if err := v.OnImageInfo(info); err != nil {
					return err
				}
			}
		case chunkfmt.ChunkTraceBuffer:
			if v.OnTraceBuffer != nil {
				tbHdr, err := chunkfmt.DecodeTraceBufferHeader(body)
				if err != nil {
					return xerrors.Errorf("logreader: decoding trace-buffer chunk at offset %d: %w", pos, err)
				}
				transitions, err := decodeTransitions(body, tbHdr.Transitions)
				if err != nil {
					return xerrors.Errorf("logreader: decoding transitions at offset %d: %w", pos, err)
				}
				if err := v.OnTraceBuffer(tbHdr, transitions); err != nil {
					return err
				}
			}
		default:
			return xerrors.Errorf("offset %d, type %d: %w", pos, hdr.Type, ErrUnknownChunkType)
		}

		pos += int64(hdr.Size)
	}
	return nil
}

func decodeTransitions(body []byte, n int) ([]chunkfmt.Transition, error) {
	const clientSize = 8 // process id + thread id, see chunkfmt.SerializeTraceBufferHeader
	start := chunkfmt.ChunkHeaderSize + clientSize
	out := make([]chunkfmt.Transition, 0, n)
	for i := 0; i < n; i++ {
		off := start + i*chunkfmt.TransitionSize
		tr, err := chunkfmt.DecodeTransition(body[off:])
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, nil
}
