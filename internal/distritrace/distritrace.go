// Package distritrace emits a Chrome trace-event JSON stream instrumenting
// ntrace's own control-plane operations (segment rotation, drop-counter
// trends) — not the traced target process's
// procedure calls, which are package chunkfmt/tracelog/tracebuf's concern.
// It is adapted from internal/trace's Chrome-trace-event sink: the event
// envelope and sink plumbing are unchanged in shape, but the periodic
// counter sampling now reads ntrace's own Statistics instead of
// /proc/stat and /proc/meminfo.
package distritrace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pboy0922/ntrace/internal/stats"
)

// https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/edit

var start = time.Now()

var (
	sinkMu sync.Mutex
	sink   io.Writer = ioutil.Discard
)

// Sink writes all following Event()s as a Chrome trace-event file into w.
func Sink(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	sink = w
	w.Write([]byte{'['}) // start the JSON Array Format; the closing ] is optional
}

// Enable is a convenience function creating a file in
// $TMPDIR/ntrace.traces/prefix.$PID.
func Enable(prefix string) error {
	fn := filepath.Join(os.TempDir(), "ntrace.traces", fmt.Sprintf("%s.%d", prefix, os.Getpid()))
	if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
		return err
	}
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	Sink(f)
	return nil
}

// PendingEvent is a duration event awaiting completion via Done.
type PendingEvent struct {
	Name           string      `json:"name"`
	Categories     string      `json:"cat"`
	Type           string      `json:"ph"`
	ClockTimestamp uint64      `json:"ts"`
	Duration       uint64      `json:"dur"`
	Pid            uint64      `json:"pid"`
	Tid            uint64      `json:"tid"`
	Args           interface{} `json:"args"`

	start time.Time
}

// Done completes pe and writes it to the current sink.
func (pe *PendingEvent) Done() {
	pe.Duration = uint64(time.Since(pe.start) / time.Microsecond)
	b, err := json.Marshal(pe)
	if err != nil {
		panic(err)
	}
	sinkMu.Lock()
	defer sinkMu.Unlock()
	if _, err := sink.Write(append(b, ',')); err != nil {
		log.Printf("[distritrace] %v", err)
	}
}

// Event begins a duration event named name on logical thread tid. Call
// Done on the result once the operation completes.
func Event(name string, tid int) *PendingEvent {
	return &PendingEvent{
		Name:           name,
		Type:           "X",
		ClockTimestamp: uint64(time.Since(start) / time.Microsecond),
		Tid:            uint64(tid),
		start:          time.Now(),
	}
}

// counterEvent emits an instantaneous counter event (ph="C"), the same
// shape Trace Viewer uses for CPU/memory graphs, carrying an arbitrary
// named value set instead.
func counterEvent(name string, pid uint64, args map[string]uint64) {
	ev := Event(name, 0)
	ev.Pid = pid
	ev.Type = "C"
	ev.Args = args
	ev.Done()
}

// StatsEvents periodically samples st and emits one counter event per tick
// showing the four drop counters' deltas since the previous sample, until
// ctx is cancelled. This is ntrace's analogue of distri's periodic
// /proc/stat and /proc/meminfo counter events, aimed at the sink's own
// health instead of the host's.
func StatsEvents(ctx context.Context, period time.Duration, st *stats.Statistics) error {
	tick := time.NewTicker(period)
	defer tick.Stop()

	var last stats.Snapshot
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			cur := st.Snapshot()
			counterEvent("ntrace.drops", 1, map[string]uint64{
				"image_info": cur.ImageInfoEventsDropped - last.ImageInfoEventsDropped,
				"entry":      cur.EntryEventsDropped - last.EntryEventsDropped,
				"exit":       cur.ExitEventsDropped - last.ExitEventsDropped,
				"flush":      cur.FailedChunkFlushes - last.FailedChunkFlushes,
			})
			last = cur
		}
	}
}
