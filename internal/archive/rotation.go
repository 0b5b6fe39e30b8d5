package archive

// Policy decides when the active log segment should be sealed and handed
// to SealSegment, and how many sealed segments the bundle should retain.
type Policy struct {
	// MaxBytes rotates the active segment once its logical position
	// reaches this many bytes. Zero disables size-based rotation.
	MaxBytes int64
	// MaxSegments caps how many sealed segments Prune keeps in the
	// manifest; older entries (and their .gz files) are dropped. Zero
	// disables pruning.
	MaxSegments int
}

// ShouldRotate reports whether a segment currently at the given logical
// position should be sealed now.
func (p Policy) ShouldRotate(position int64) bool {
	return p.MaxBytes > 0 && position >= p.MaxBytes
}

// Prune removes the oldest sealed segments past MaxSegments from disk and
// the manifest, rewriting both atomically. A zero MaxSegments disables
// pruning.
func (a *Archiver) Prune(p Policy) error {
	if p.MaxSegments <= 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	segs := a.manifest.Segments
	if len(segs) <= p.MaxSegments {
		return nil
	}
	drop := segs[:len(segs)-p.MaxSegments]
	keep := append([]ManifestEntry(nil), segs[len(segs)-p.MaxSegments:]...)

	for _, seg := range drop {
		if err := removeSegmentFile(a, seg.Name); err != nil {
			return err
		}
	}
	a.manifest.Segments = keep
	if err := a.rebuildBundle(); err != nil {
		return err
	}
	return a.writeManifest()
}
