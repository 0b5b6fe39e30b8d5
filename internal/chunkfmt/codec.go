package chunkfmt

// EncodeFileHeader returns the 32-byte encoding of a fresh file header
// advertising TSC timestamps and the 32-bit payload layout.
func EncodeFileHeader() []byte {
	buf := make([]byte, FileHeaderSize)
	copy(buf[0:4], Signature[:])
	byteOrder.PutUint32(buf[4:8], CurrentVersion)
	byteOrder.PutUint32(buf[8:12], CharacteristicTSC|Characteristic32Bit)
	// buf[12:32] stays zero (reserved).
	return buf
}

// DecodeFileHeader parses the 32-byte file header and validates the
// signature and reserved bytes.
func DecodeFileHeader(b []byte) (FileHeader, error) {
	var h FileHeader
	if len(b) < FileHeaderSize {
		return h, ErrTruncated
	}
	copy(h.Signature[:], b[0:4])
	if h.Signature != Signature {
		return h, ErrBadMagic
	}
	h.Version = byteOrder.Uint32(b[4:8])
	h.Characteristics = byteOrder.Uint32(b[8:12])
	copy(h.Reserved[:], b[12:32])
	for _, b := range h.Reserved {
		if b != 0 {
			return h, ErrReservedNonZero
		}
	}
	return h, nil
}

// encodeChunkHeader writes an 8-byte chunk header into the front of dst.
func encodeChunkHeader(dst []byte, typ ChunkType, size uint32) {
	byteOrder.PutUint16(dst[0:2], uint16(typ))
	byteOrder.PutUint16(dst[2:4], 0)
	byteOrder.PutUint32(dst[4:8], size)
}

// DecodeChunkHeader parses an 8-byte chunk header and rejects a non-zero
// reserved field as a format error, per §3.
func DecodeChunkHeader(b []byte) (ChunkHeader, error) {
	var h ChunkHeader
	if len(b) < ChunkHeaderSize {
		return h, ErrTruncated
	}
	h.Type = ChunkType(byteOrder.Uint16(b[0:2]))
	h.Reserved = byteOrder.Uint16(b[2:4])
	h.Size = byteOrder.Uint32(b[4:8])
	if h.Reserved != 0 {
		return h, ErrReservedNonZero
	}
	return h, nil
}

// SerializePad returns the header bytes for a PAD chunk of the given total
// size (header included). The body is intentionally not produced: readers
// skip pad chunks by size alone, and the spec explicitly leaves pad bytes
// on disk uninitialised.
func SerializePad(remaining uint32) []byte {
	buf := make([]byte, ChunkHeaderSize)
	encodeChunkHeader(buf, ChunkPad, remaining)
	return buf
}

const imageInfoFixedFields = 8 + 4 + 2 + 2 // load address + size + path-size + reserved

// ImageInfoChunkSize returns the 8-byte-aligned total size (header
// included) of an image-info chunk carrying a path of pathLen bytes.
func ImageInfoChunkSize(pathLen int) (uint32, error) {
	if pathLen < 0 || pathLen > MaxPathLength {
		return 0, ErrBadPathLength
	}
	raw := uint32(ChunkHeaderSize + imageInfoFixedFields + pathLen)
	return Align(raw), nil
}

// SerializeImageInfo returns a fully-framed, alignment-padded IMAGE_INFO
// chunk. Every tail byte beyond the path is zeroed, so no uninitialised
// (or stale heap) bytes ever reach disk.
func SerializeImageInfo(loadAddr uint64, size uint32, path []byte) ([]byte, error) {
	total, err := ImageInfoChunkSize(len(path))
	if err != nil {
		return nil, err
	}
	buf := make([]byte, total) // zero-valued; padding is implicit
	encodeChunkHeader(buf, ChunkImageInfo, total)
	byteOrder.PutUint64(buf[8:16], loadAddr)
	byteOrder.PutUint32(buf[16:20], size)
	byteOrder.PutUint16(buf[20:22], uint16(len(path)))
	byteOrder.PutUint16(buf[22:24], 0) // reserved
	copy(buf[24:24+len(path)], path)
	return buf, nil
}

// ImageInfo is the decoded form of an IMAGE_INFO chunk payload.
type ImageInfo struct {
	LoadAddress uint64
	Size        uint32
	Path        []byte
}

// DecodeImageInfo parses a full IMAGE_INFO chunk (header included) and
// verifies the declared path-size fits the chunk and that tail padding is
// all zero, per §8's testable invariant.
func DecodeImageInfo(b []byte) (ImageInfo, error) {
	var info ImageInfo
	hdr, err := DecodeChunkHeader(b)
	if err != nil {
		return info, err
	}
	if hdr.Type != ChunkImageInfo {
		return info, xerrorsWrongType(ChunkImageInfo, hdr.Type)
	}
	if len(b) < int(hdr.Size) || hdr.Size < ChunkHeaderSize+imageInfoFixedFields {
		return info, ErrTruncated
	}
	info.LoadAddress = byteOrder.Uint64(b[8:16])
	info.Size = byteOrder.Uint32(b[16:20])
	pathSize := byteOrder.Uint16(b[20:22])
	pathStart := ChunkHeaderSize + imageInfoFixedFields
	pathEnd := pathStart + int(pathSize)
	if pathEnd > int(hdr.Size) {
		return info, ErrTruncated
	}
	info.Path = append([]byte(nil), b[pathStart:pathEnd]...)
	for _, pad := range b[pathEnd:hdr.Size] {
		if pad != 0 {
			return info, ErrNonZeroPadding
		}
	}
	return info, nil
}

const traceBufferClientSize = 4 + 4 // process id + thread id

// SerializeTraceBufferHeader returns the chunk header plus client tuple
// (16 bytes total: 8-byte chunk header + 4-byte pid + 4-byte tid) for a
// TRACE_BUFFER chunk whose body is payloadBytes long. The caller writes the
// transitions body (already contiguous, as produced by the pipeline)
// separately, without an intermediate copy.
func SerializeTraceBufferHeader(pid, tid, payloadBytes uint32) []byte {
	total := uint32(ChunkHeaderSize+traceBufferClientSize) + payloadBytes
	buf := make([]byte, ChunkHeaderSize+traceBufferClientSize)
	encodeChunkHeader(buf, ChunkTraceBuffer, total)
	byteOrder.PutUint32(buf[8:12], pid)
	byteOrder.PutUint32(buf[12:16], tid)
	return buf
}

// EncodeTransition writes one 24-byte transition record into the front of
// dst, which must be at least TransitionSize bytes long.
func EncodeTransition(dst []byte, t Transition) {
	byteOrder.PutUint32(dst[0:4], uint32(t.Kind))
	byteOrder.PutUint64(dst[4:12], t.Timestamp)
	byteOrder.PutUint32(dst[12:16], t.Procedure)
	byteOrder.PutUint32(dst[16:20], t.Info)
	byteOrder.PutUint32(dst[20:24], 0) // padding
}

// DecodeTransition parses one 24-byte transition record.
func DecodeTransition(b []byte) (Transition, error) {
	var t Transition
	if len(b) < TransitionSize {
		return t, ErrTruncated
	}
	t.Kind = TransitionKind(byteOrder.Uint32(b[0:4]))
	t.Timestamp = byteOrder.Uint64(b[4:12])
	t.Procedure = byteOrder.Uint32(b[12:16])
	t.Info = byteOrder.Uint32(b[16:20])
	return t, nil
}

// TraceBufferHeader is the decoded client tuple of a TRACE_BUFFER chunk.
type TraceBufferHeader struct {
	ProcessID uint32
	ThreadID  uint32
	// Transitions is the number of 24-byte records following the client
	// tuple, derived from the chunk's declared size.
	Transitions int
}

// DecodeTraceBufferHeader parses the chunk header and client tuple of a
// TRACE_BUFFER chunk and validates the body is a non-zero multiple of
// TransitionSize.
func DecodeTraceBufferHeader(b []byte) (TraceBufferHeader, error) {
	var h TraceBufferHeader
	hdr, err := DecodeChunkHeader(b)
	if err != nil {
		return h, err
	}
	if hdr.Type != ChunkTraceBuffer {
		return h, xerrorsWrongType(ChunkTraceBuffer, hdr.Type)
	}
	if len(b) < ChunkHeaderSize+traceBufferClientSize {
		return h, ErrTruncated
	}
	h.ProcessID = byteOrder.Uint32(b[8:12])
	h.ThreadID = byteOrder.Uint32(b[12:16])
	body := int(hdr.Size) - ChunkHeaderSize - traceBufferClientSize
	if body <= 0 || body%TransitionSize != 0 {
		return h, ErrBadTransitionBuffer
	}
	h.Transitions = body / TransitionSize
	return h, nil
}
