// Package archive implements the optional segment rotation and archival
// policy SPEC_FULL adds on top of the original single ever-growing log
// file: seal a finished segment, compress it, and fold it into a cpio
// bundle described by an atomically-written manifest.
package archive

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cavaliercoder/go-cpio"
	"github.com/google/renameio"
	"github.com/klauspost/pgzip"
	"golang.org/x/xerrors"
)

// ManifestEntry describes one sealed, compressed segment inside the bundle.
type ManifestEntry struct {
	Name            string    `json:"name"`
	SealedAt        time.Time `json:"sealed_at"`
	OriginalBytes   int64     `json:"original_bytes"`
	CompressedBytes int64     `json:"compressed_bytes"`
}

// Manifest is the JSON sidecar describing every segment currently bundled.
type Manifest struct {
	Segments []ManifestEntry `json:"segments"`
}

// Archiver seals rotated trace-log segments into dir. It is safe for
// concurrent use by multiple callers sealing different segments; sealing
// itself is serialised because the cpio bundle and manifest are rewritten
// from scratch on every seal, mirroring the full-image-rewrite approach
// internal/squashfs's writer uses rather than attempting an in-place
// append to an already-closed cpio archive.
type Archiver struct {
	dir string

	mu       sync.Mutex
	manifest Manifest
}

// New returns an Archiver that seals segments into dir, which must already
// exist.
func New(dir string) *Archiver {
	return &Archiver{dir: dir}
}

func (a *Archiver) manifestPath() string { return filepath.Join(a.dir, "manifest.json") }
func (a *Archiver) bundlePath() string   { return filepath.Join(a.dir, "segments.cpio") }

// SealSegment compresses the finished segment at segmentPath with pgzip,
// writes it alongside the bundle, appends it to the manifest, and rebuilds
// the cpio bundle and manifest atomically (via renameio, so a crash
// mid-rebuild never leaves a half-written bundle or a manifest referencing
// entries the bundle doesn't have).
func (a *Archiver) SealSegment(segmentPath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	in, err := os.Open(segmentPath)
	if err != nil {
		return xerrors.Errorf("archive: opening sealed segment %s: %w", segmentPath, err)
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return xerrors.Errorf("archive: stat %s: %w", segmentPath, err)
	}

	name := filepath.Base(segmentPath) + ".gz"
	compressedPath := filepath.Join(a.dir, name)
	compressedSize, err := compressSegment(in, compressedPath)
	if err != nil {
		return err
	}

	a.manifest.Segments = append(a.manifest.Segments, ManifestEntry{
		Name:            name,
		SealedAt:        time.Now().UTC(),
		OriginalBytes:   fi.Size(),
		CompressedBytes: compressedSize,
	})

	if err := a.rebuildBundle(); err != nil {
		return err
	}
	return a.writeManifest()
}

// compressSegment pgzips src into a new file at dstPath and returns the
// compressed size.
func compressSegment(src io.Reader, dstPath string) (int64, error) {
	pf, err := renameio.TempFile("", dstPath)
	if err != nil {
		return 0, xerrors.Errorf("archive: creating temp file for %s: %w", dstPath, err)
	}
	defer pf.Cleanup()

	gz := pgzip.NewWriter(pf)
	if _, err := io.Copy(gz, src); err != nil {
		return 0, xerrors.Errorf("archive: compressing %s: %w", dstPath, err)
	}
	if err := gz.Close(); err != nil {
		return 0, xerrors.Errorf("archive: finishing gzip stream for %s: %w", dstPath, err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return 0, xerrors.Errorf("archive: replacing %s: %w", dstPath, err)
	}
	fi, err := os.Stat(dstPath)
	if err != nil {
		return 0, xerrors.Errorf("archive: stat %s after write: %w", dstPath, err)
	}
	return fi.Size(), nil
}

// rebuildBundle writes a fresh cpio archive containing every segment named
// in the current manifest, in manifest order.
func (a *Archiver) rebuildBundle() error {
	pf, err := renameio.TempFile("", a.bundlePath())
	if err != nil {
		return xerrors.Errorf("archive: creating temp bundle: %w", err)
	}
	defer pf.Cleanup()

	w := cpio.NewWriter(pf)
	for _, seg := range a.manifest.Segments {
		data, err := os.ReadFile(filepath.Join(a.dir, seg.Name))
		if err != nil {
			return xerrors.Errorf("archive: reading %s for bundling: %w", seg.Name, err)
		}
		hdr := &cpio.Header{
			Name: seg.Name,
			Mode: cpio.ModeRegular | 0644,
			Size: int64(len(data)),
		}
		if err := w.WriteHeader(hdr); err != nil {
			return xerrors.Errorf("archive: writing cpio header for %s: %w", seg.Name, err)
		}
		if _, err := w.Write(data); err != nil {
			return xerrors.Errorf("archive: writing cpio body for %s: %w", seg.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return xerrors.Errorf("archive: closing cpio writer: %w", err)
	}
	return pf.CloseAtomicallyReplace()
}

func (a *Archiver) writeManifest() error {
	data, err := json.MarshalIndent(a.manifest, "", "  ")
	if err != nil {
		return xerrors.Errorf("archive: marshalling manifest: %w", err)
	}
	if err := renameio.WriteFile(a.manifestPath(), data, 0644); err != nil {
		return xerrors.Errorf("archive: writing manifest: %w", err)
	}
	return nil
}

// removeSegmentFile deletes a sealed segment's compressed file from disk,
// tolerating its prior removal.
func removeSegmentFile(a *Archiver, name string) error {
	if err := os.Remove(filepath.Join(a.dir, name)); err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("archive: removing %s: %w", name, err)
	}
	return nil
}

// Manifest returns a copy of the current manifest.
func (a *Archiver) Manifest() Manifest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Manifest{Segments: append([]ManifestEntry(nil), a.manifest.Segments...)}
}
