// Package diag serves a read-only view of a running sink's statistics and
// rotated segments. It listens on whatever address it is given; it does not
// itself restrict connections to loop-back. The original only samples Statistics
// in-process via its command processor (out of scope here per spec.md §1);
// this is a supplemental, optional surface, not a replacement for it.
package diag

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/lpar/gzipped/v2"
	"golang.org/x/sync/errgroup"

	"github.com/pboy0922/ntrace/internal/stats"
)

// tcpKeepAliveListener is copied from net/http/server.go's unexported
// helper of the same name.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (net.Conn, error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	tc.SetKeepAlive(true)
	return tc, nil
}

// Server is a diagnostics HTTP endpoint: GET /stats returns the
// current Statistics snapshot as JSON; GET /segments/ lists (and, where a
// .gz exists, serves compressed) rotated segments from segmentsDir.
type Server struct {
	ln net.Listener
	eg *errgroup.Group
}

// New starts serving on addr (e.g. "127.0.0.1:0") and returns immediately;
// the server stops when ctx is cancelled.
func New(ctx context.Context, addr string, st *stats.Statistics, segmentsDir string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(st.Snapshot())
	})
	mux.Handle("/segments/", http.StripPrefix("/segments/", gzipped.FileServer(http.Dir(segmentsDir))))

	httpServer := &http.Server{Addr: ln.Addr().String(), Handler: mux}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		err := httpServer.Serve(tcpKeepAliveListener{ln.(*net.TCPListener)})
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		<-ctx.Done()
		return httpServer.Shutdown(context.Background())
	})

	return &Server{ln: ln, eg: eg}, nil
}

// Addr returns the bound address, useful when addr was passed as ":0".
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Wait blocks until the server has shut down, returning the first error
// encountered (nil on a clean shutdown).
func (s *Server) Wait() error { return s.eg.Wait() }
