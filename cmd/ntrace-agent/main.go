// Command ntrace-agent is a demo host process for the ntrace sink: it
// wires a real loader-notification source (package loadnotify) and a
// synthetic procedure-entry/exit producer (standing in for the
// instrumentation patcher, which spec.md's Non-goals explicitly exclude)
// through the C4/C5 pipeline, with optional segment rotation and a
// read-only diagnostics endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/pboy0922/ntrace"
	"github.com/pboy0922/ntrace/internal/addrfd"
	"github.com/pboy0922/ntrace/internal/archive"
	"github.com/pboy0922/ntrace/internal/control"
	"github.com/pboy0922/ntrace/internal/diag"
	"github.com/pboy0922/ntrace/internal/distritrace"
	"github.com/pboy0922/ntrace/internal/env"
	"github.com/pboy0922/ntrace/internal/loadnotify"
	"github.com/pboy0922/ntrace/internal/oninterrupt"
	"github.com/pboy0922/ntrace/internal/stats"
)

const help = `ntrace-agent [-flags]

Runs a trace-log sink, a kernel module-load watcher and a synthetic
procedure-call producer, writing a .jtrc log at -log. A bare -log
filename (no directory component) is resolved against $NTRACE_LOG_DIR,
or $HOME/.local/share/ntrace when that is unset.

Example:
  ntrace-agent -log /var/log/ntrace/trace.jtrc -diag_listen 127.0.0.1:6060
`

// rotatingSink swaps the active *control.DefaultSink out for a fresh one
// once the policy says to rotate, sealing the outgoing segment with an
// Archiver. Readers of cur take an RLock so rotation never races a
// producer mid-callback; see spec.md §5's single-writer file-handle
// policy, generalized here to "single active sink at a time".
type rotatingSink struct {
	mu  sync.RWMutex
	cur *control.DefaultSink

	ctx      context.Context
	base     string
	st       *stats.Statistics
	cfg      control.Config
	policy   archive.Policy
	archiver *archive.Archiver
	seq      int
}

func newRotatingSink(ctx context.Context, base string, st *stats.Statistics, cfg control.Config, policy archive.Policy, archiver *archive.Archiver) (*rotatingSink, error) {
	rs := &rotatingSink{ctx: ctx, base: base, st: st, cfg: cfg, policy: policy, archiver: archiver}
	ds, err := control.CreateDefaultSink(ctx, rs.segmentPath(), st, cfg)
	if err != nil {
		return nil, err
	}
	rs.cur = ds
	return rs, nil
}

func (rs *rotatingSink) segmentPath() string {
	return fmt.Sprintf("%s.%04d", rs.base, rs.seq)
}

func (rs *rotatingSink) OnImageLoad(loadAddr uint64, size uint32, path []byte) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	rs.cur.OnImageLoad(loadAddr, size, path)
}

func (rs *rotatingSink) OnProcedureEntry(pid, tid, proc, callerIP uint32) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	rs.cur.OnProcedureEntry(pid, tid, proc, callerIP)
}

func (rs *rotatingSink) OnProcedureExit(pid, tid, proc, retVal uint32) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	rs.cur.OnProcedureExit(pid, tid, proc, retVal)
}

// maybeRotate seals the active segment and opens a fresh one if the
// policy says the active segment has grown large enough.
func (rs *rotatingSink) maybeRotate() error {
	rs.mu.RLock()
	pos := rs.cur.Position()
	rs.mu.RUnlock()
	if !rs.policy.ShouldRotate(pos) {
		return nil
	}

	ev := distritrace.Event("rotate_segment", 0)
	defer ev.Done()

	rs.mu.Lock()
	defer rs.mu.Unlock()
	old := rs.cur
	oldPath := rs.segmentPath()
	rs.seq++
	next, err := control.CreateDefaultSink(rs.ctx, rs.segmentPath(), rs.st, rs.cfg)
	if err != nil {
		rs.seq--
		return fmt.Errorf("opening next segment: %w", err)
	}
	rs.cur = next

	if err := control.DeleteSink(old); err != nil {
		log.Printf("ntrace-agent: closing rotated-out segment: %v", err)
	}
	if rs.archiver != nil {
		if err := rs.archiver.SealSegment(oldPath); err != nil {
			log.Printf("ntrace-agent: sealing %s: %v", oldPath, err)
			return nil
		}
		if err := os.Remove(oldPath); err != nil {
			log.Printf("ntrace-agent: removing sealed segment %s: %v", oldPath, err)
		}
		if err := rs.archiver.Prune(rs.policy); err != nil {
			log.Printf("ntrace-agent: pruning archive: %v", err)
		}
	}
	return nil
}

func (rs *rotatingSink) Close() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return control.DeleteSink(rs.cur)
}

// demoProducer stands in for an instrumented target process: it invents
// procedure addresses and calls through the same entry/exit path a real
// instrumentation patcher would drive. Patching real call sites is
// explicitly out of scope (spec.md's Non-goals).
func demoProducer(ctx context.Context, rs *rotatingSink) {
	const pid = 1
	procs := []uint32{0x401000, 0x402500, 0x403a10}
	tick := time.NewTicker(2 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			proc := procs[rand.Intn(len(procs))]
			callerIP := proc + 0x20
			rs.OnProcedureEntry(pid, 1, proc, callerIP)
			rs.OnProcedureExit(pid, 1, proc, 0)
		}
	}
}

func run(ctx context.Context) error {
	// Use the global FlagSet rather than a private one so that package
	// addrfd's own "-addrfd" flag (registered on flag.CommandLine at
	// package-init time, same as cmd/distri/distri.go's global flags)
	// parses alongside ours.
	fset := flag.CommandLine
	var (
		logBase     = fset.String("log", "", "path prefix for the trace log segments (required)")
		diagListen  = fset.String("diag_listen", "", "address for the read-only diagnostics HTTP endpoint (empty disables it)")
		archiveDir  = fset.String("archive_dir", "", "directory for sealed, compressed segment archives (empty disables rotation)")
		rotateBytes = fset.Int64("rotate_bytes", 0, "seal and start a new segment after this many bytes (0 disables rotation)")
		maxSegments = fset.Int("max_segments", 0, "keep at most this many sealed segments (0 disables pruning)")
		debug       = fset.Bool("debug", false, "enable debug-mode consistency assertions")
		traceSelf   = fset.String("self_trace", "", "write a Chrome trace-event file of ntrace-agent's own operations to $TMPDIR/ntrace.traces/<base name of this value>.<pid>")
	)
	fset.Usage = usage(fset, help)
	fset.Parse(os.Args[1:])

	if *logBase == "" {
		fset.Usage()
		return fmt.Errorf("ntrace-agent: -log is required")
	}
	if !filepath.IsAbs(*logBase) && filepath.Dir(*logBase) == "." && env.LogDir != "" {
		// A bare filename (no directory component) resolves against
		// env.LogDir ($NTRACE_LOG_DIR, or $HOME/.local/share/ntrace when
		// unset) instead of the working directory.
		joined := filepath.Join(env.LogDir, *logBase)
		logBase = &joined
	}
	if *traceSelf != "" {
		if err := distritrace.Enable(filepath.Base(*traceSelf)); err != nil {
			return fmt.Errorf("enabling self-trace: %w", err)
		}
	}

	st := stats.New()
	cfg := control.Config{Debug: *debug, Logger: log.Default()}
	policy := archive.Policy{MaxBytes: *rotateBytes, MaxSegments: *maxSegments}

	var archiver *archive.Archiver
	if *archiveDir != "" {
		if err := os.MkdirAll(*archiveDir, 0755); err != nil {
			return fmt.Errorf("creating archive dir: %w", err)
		}
		archiver = archive.New(*archiveDir)
	}

	startupLine := fmt.Sprintf("ntrace-agent: writing to %s.NNNN", *logBase)
	if isatty.IsTerminal(os.Stdout.Fd()) {
		startupLine = "\033[1m" + startupLine + "\033[0m"
	}
	fmt.Println(startupLine)

	rs, err := newRotatingSink(ctx, *logBase, st, cfg, policy, archiver)
	if err != nil {
		return fmt.Errorf("creating sink: %w", err)
	}
	// RegisterAtExit drives the ordinary shutdown path (ctx canceled, run
	// returns); oninterrupt.Register is a second, SIGINT-specific backstop
	// in case cleanup itself hangs, matching the teacher's own dual
	// mechanism for this.
	ntrace.RegisterAtExit(rs.Close)
	oninterrupt.Register(func() { rs.Close() })
	defer ntrace.RunAtExit()

	if *diagListen != "" {
		segDir := *archiveDir
		if segDir == "" {
			segDir = filepath.Dir(*logBase)
		}
		diagSrv, err := diag.New(ctx, *diagListen, st, segDir)
		if err != nil {
			return fmt.Errorf("starting diagnostics server: %w", err)
		}
		// Communicate the (possibly kernel-assigned, if -diag_listen ends in
		// :0) address to a supervising test harness the same way `distri
		// export` does.
		addrfd.MustWrite(diagSrv.Addr())
	}

	watcher, err := loadnotify.New()
	if err != nil {
		log.Printf("ntrace-agent: loader-notification watcher unavailable: %v", err)
	} else {
		defer watcher.Close()
		go func() {
			if err := watcher.Run(ctx, rs.OnImageLoad); err != nil && ctx.Err() == nil {
				log.Printf("ntrace-agent: loadnotify: %v", err)
			}
		}()
	}

	go distritrace.StatsEvents(ctx, time.Second, st)
	go demoProducer(ctx, rs)

	rotate := time.NewTicker(500 * time.Millisecond)
	defer rotate.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-rotate.C:
			if err := rs.maybeRotate(); err != nil {
				log.Printf("ntrace-agent: rotation: %v", err)
			}
		}
	}
}

func main() {
	ctx, cancel := ntrace.InterruptibleContext()
	defer cancel()
	if err := run(ctx); err != nil {
		log.Fatal(err)
	}
}
