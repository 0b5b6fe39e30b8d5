package diag

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pboy0922/ntrace/internal/stats"
)

func TestServerServesStatsAndSegments(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "segment-0001.gz"), []byte("fake gzip data"), 0644); err != nil {
		t.Fatal(err)
	}

	st := stats.New()
	st.IncEntryDropped()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, err := New(ctx, "127.0.0.1:0", st, dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/stats")
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	defer resp.Body.Close()
	var snap stats.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decoding /stats body: %v", err)
	}
	if snap.EntryEventsDropped != 1 {
		t.Fatalf("EntryEventsDropped = %d, want 1", snap.EntryEventsDropped)
	}

	resp2, err := http.Get("http://" + srv.Addr() + "/segments/segment-0001.gz")
	if err != nil {
		t.Fatalf("GET /segments/segment-0001.gz: %v", err)
	}
	defer resp2.Body.Close()
	body, _ := io.ReadAll(resp2.Body)
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp2.StatusCode)
	}
	if string(body) != "fake gzip data" {
		t.Fatalf("body = %q", body)
	}

	cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down after context cancellation")
	}
}
