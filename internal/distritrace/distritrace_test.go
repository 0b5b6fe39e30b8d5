package distritrace

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/pboy0922/ntrace/internal/stats"
)

func TestEventDoneWritesJSONArrayEntry(t *testing.T) {
	var buf bytes.Buffer
	Sink(&buf)

	ev := Event("flush_chunk", 1)
	ev.Done()

	out := buf.String()
	if !strings.HasPrefix(out, "[") {
		t.Fatalf("output %q does not start the JSON array", out)
	}
	var pe PendingEvent
	entry := strings.TrimSuffix(strings.TrimPrefix(out, "["), ",")
	if err := json.Unmarshal([]byte(entry), &pe); err != nil {
		t.Fatalf("unmarshalling emitted event: %v", err)
	}
	if pe.Name != "flush_chunk" || pe.Type != "X" {
		t.Fatalf("event = %+v, want Name=flush_chunk Type=X", pe)
	}
}

func TestStatsEventsEmitsDeltas(t *testing.T) {
	var buf bytes.Buffer
	Sink(&buf)

	st := stats.New()
	st.IncEntryDropped()
	st.IncEntryDropped()

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	err := StatsEvents(ctx, 5*time.Millisecond, st)
	if err != context.DeadlineExceeded {
		t.Fatalf("StatsEvents returned %v, want context.DeadlineExceeded", err)
	}
	if !strings.Contains(buf.String(), "ntrace.drops") {
		t.Fatal("expected at least one ntrace.drops counter event to be emitted")
	}
}
