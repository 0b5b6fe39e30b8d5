package chunkfmt

import "golang.org/x/xerrors"

// ErrBadPathLength is returned when an image path exceeds MaxPathLength.
var ErrBadPathLength = xerrors.New("chunkfmt: path length exceeds maximum")

// ErrReservedNonZero is returned by decoders when a chunk's reserved field
// is non-zero; the spec requires readers to treat this as a format error.
var ErrReservedNonZero = xerrors.New("chunkfmt: reserved field is non-zero")

// ErrBadMagic is returned when a file header's signature doesn't match.
var ErrBadMagic = xerrors.New("chunkfmt: signature mismatch, not a trace log")

// ErrTruncated is returned by decoders handed too few bytes.
var ErrTruncated = xerrors.New("chunkfmt: buffer too short to decode")

// ErrBadTransitionBuffer is returned when a trace buffer body is not a
// non-zero multiple of TransitionSize.
var ErrBadTransitionBuffer = xerrors.New("chunkfmt: buffer size is not a non-zero multiple of the transition record size")

// ErrNonZeroPadding is returned when the tail padding of an image-info
// chunk contains non-zero bytes, violating the "no secret bytes leak to
// disk" invariant.
var ErrNonZeroPadding = xerrors.New("chunkfmt: image-info tail padding is non-zero")

func xerrorsWrongType(want, got ChunkType) error {
	return xerrors.Errorf("chunkfmt: wrong chunk type: want %s, got %s", want, got)
}
