// Package control implements the control surface (C7): construction and
// teardown of a default, file-backed event sink, wiring together the chunk
// codec, log writer, image-info queue and trace-buffer pipeline the way
// cmd/ntrace-agent needs them wired.
package control

import (
	"context"
	"errors"
	"log"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/pboy0922/ntrace/internal/chunkfmt"
	"github.com/pboy0922/ntrace/internal/sink"
	"github.com/pboy0922/ntrace/internal/stats"
	"github.com/pboy0922/ntrace/internal/tracebuf"
	"github.com/pboy0922/ntrace/internal/tracelog"
)

// Sentinel errors for CreateDefaultSink, per spec.md §4.7 step 1.
var (
	ErrPathInUse    = xerrors.New("control: log path already exists")
	ErrAccessDenied = xerrors.New("control: access denied opening log path")
	ErrIO           = xerrors.New("control: I/O error opening log path")
)

// Config controls the trace-buffer pipeline sizing; it has no equivalent
// in the original vtable but the original hard-coded these as build-time
// constants, which would be un-idiomatic to bake in here.
type Config struct {
	// BufferSize is the size in bytes of each per-producer trace buffer
	// handed out by C5. Defaults to 16384 transitions (384KiB) if zero.
	BufferSize int
	// MaxInFlightDrains bounds how many buffers package tracebuf will hand
	// to the sink concurrently. Defaults to 4 if zero.
	MaxInFlightDrains int
	Logger            *log.Logger
	Debug             bool
}

// DefaultSink bundles the constructed C1-C5 components behind the C4
// vtable plus the file handle CreateDefaultSink opened, so DeleteSink can
// fsync and close it.
type DefaultSink struct {
	*sink.Sink
	file     *os.File
	pipeline *tracebuf.Pipeline
	cancel   context.CancelFunc
}

// fileCloser fsyncs before closing, satisfying spec.md §4.4's "close the
// file, release memory" step with data actually durable on disk.
type fileCloser struct{ f *os.File }

func (c fileCloser) Close() error {
	if err := c.f.Sync(); err != nil {
		_ = c.f.Close()
		return xerrors.Errorf("control: fsync before close: %w", err)
	}
	return c.f.Close()
}

// CreateDefaultSink implements spec.md §4.7's create_default_sink: it opens
// logPath exclusively, writes the file header, and returns a ready-to-use
// sink wired to st.
func CreateDefaultSink(ctx context.Context, logPath string, st *stats.Statistics, cfg Config) (*DefaultSink, error) {
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL|unix.O_CLOEXEC, 0644)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrExist):
			return nil, xerrors.Errorf("%s: %w", logPath, ErrPathInUse)
		case errors.Is(err, os.ErrPermission):
			return nil, xerrors.Errorf("%s: %w", logPath, ErrAccessDenied)
		default:
			return nil, xerrors.Errorf("%s: %w: %v", logPath, ErrIO, err)
		}
	}

	header := chunkfmt.EncodeFileHeader()
	if _, err := f.Write(header); err != nil {
		_ = f.Close()
		return nil, xerrors.Errorf("control: writing file header to %s: %w", logPath, err)
	}

	if cfg.BufferSize == 0 {
		cfg.BufferSize = 16384 * chunkfmt.TransitionSize
	}
	if cfg.MaxInFlightDrains == 0 {
		cfg.MaxInFlightDrains = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	pctx, cancel := context.WithCancel(ctx)
	writer := tracelog.New(f, int64(len(header)), st, tracelog.WithLogger(cfg.Logger), tracelog.WithDebug(cfg.Debug))
	pipeline := tracebuf.New(pctx, cfg.BufferSize, cfg.MaxInFlightDrains, tracebuf.WithDebug(cfg.Debug))

	s := sink.New(writer, pipeline, st, sink.WithLogger(cfg.Logger), sink.WithCloser(fileCloser{f: f}), sink.WithDebug(cfg.Debug))
	pipeline.SetSink(s)

	return &DefaultSink{Sink: s, file: f, pipeline: pipeline, cancel: cancel}, nil
}

// DeleteSink is spec.md §4.7's delete_sink: C4.delete, plus draining the
// trace-buffer pipeline's own in-flight drains and cancelling its
// background context. The producer must already be stopped; this does not
// enforce that.
func DeleteSink(s *DefaultSink) error {
	defer s.cancel()
	if err := s.pipeline.Close(); err != nil {
		return xerrors.Errorf("control: draining trace-buffer pipeline: %w", err)
	}
	return s.Delete()
}
