// Package loadnotify substitutes for PsSetLoadImageNotifyRoutine on a
// portable Go build: the original fires synchronously inside the kernel the
// instant a module's sections are mapped; here, cmd/ntrace-agent instead
// subscribes to the kernel's "module" uevent subsystem (the same netlink
// multicast group cmd/minitrd already listens on for block-device
// notifications) and treats "add" events as image-load notifications.
package loadnotify

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/s-urbaniak/uevent"
	"golang.org/x/xerrors"
)

// ImageLoadFunc matches the shape of (*sink.Sink).OnImageLoad closely enough
// to be wired to it directly.
type ImageLoadFunc func(loadAddr uint64, size uint32, path []byte)

// Watcher subscribes to kernel module uevents and reports each "add" event
// as an image-load notification.
type Watcher struct {
	r   io.Closer
	dec *uevent.Decoder
	log *log.Logger

	// sysModuleRoot is "/sys/module" in production; overridable in tests.
	sysModuleRoot string
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger installs a logger for decode errors.
func WithLogger(l *log.Logger) Option { return func(w *Watcher) { w.log = l } }

// New opens a netlink uevent subscription. Callers must eventually call
// Close, or cancel the context passed to Run, to release the socket.
func New(opts ...Option) (*Watcher, error) {
	r, err := uevent.NewReader()
	if err != nil {
		return nil, xerrors.Errorf("loadnotify: opening uevent socket: %w", err)
	}
	w := &Watcher{
		r:             r,
		dec:           uevent.NewDecoder(r),
		log:           log.Default(),
		sysModuleRoot: "/sys/module",
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Close releases the uevent socket.
func (w *Watcher) Close() error { return w.r.Close() }

// Run decodes uevents until ctx is cancelled or the socket errors, calling
// onLoad for every kernel module "add" event. It blocks; run it in its own
// goroutine.
func (w *Watcher) Run(ctx context.Context, onLoad ImageLoadFunc) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			w.r.Close()
		case <-stop:
		}
	}()

	for {
		ev, err := w.dec.Decode()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return xerrors.Errorf("loadnotify: decoding uevent: %w", err)
		}
		if ev.Subsystem != "module" || ev.Action != "add" {
			continue
		}
		name := filepath.Base(ev.Devpath)
		loadAddr, size := moduleExtent(w.sysModuleRoot, name)
		onLoad(loadAddr, size, []byte(name))
	}
}

// moduleExtent best-effort reads a loaded module's code size and base
// address from sysfs. Reading the base address requires
// /proc/sys/kernel/kptr_restrict=0 and CAP_SYSLOG; lacking either, the
// kernel hashes the pointer to zero and this legitimately returns 0, which
// callers should treat the same as "unknown", not as an error.
func moduleExtent(sysModuleRoot, name string) (loadAddr uint64, size uint32) {
	if coresize, err := os.ReadFile(filepath.Join(sysModuleRoot, name, "coresize")); err == nil {
		if n, err := strconv.ParseUint(strings.TrimSpace(string(coresize)), 10, 32); err == nil {
			size = uint32(n)
		}
	}
	if text, err := os.ReadFile(filepath.Join(sysModuleRoot, name, "sections/.text")); err == nil {
		trimmed := strings.TrimSpace(string(text))
		trimmed = strings.TrimPrefix(trimmed, "0x")
		if n, err := strconv.ParseUint(trimmed, 16, 64); err == nil {
			loadAddr = n
		}
	}
	return loadAddr, size
}
