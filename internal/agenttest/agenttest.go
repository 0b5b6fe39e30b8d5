// Package agenttest spawns a real ntrace-agent subprocess for integration
// tests, the same way internal/distritest spawned `distri export`: over a
// pipe passed as -addrfd=3, reading the diagnostics address back as both
// the value and the readiness signal.
package agenttest

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// StartAgent launches ntrace-agent writing its log under dir and serving
// diagnostics on an OS-assigned loopback port, returning that address once
// the subprocess has reported it.
func StartAgent(ctx context.Context, dir string) (addr string, cleanup func(), _ error) {
	agent := exec.CommandContext(ctx, "ntrace-agent",
		"-addrfd=3", // Go dup2()s ExtraFiles to 3 and onwards
		"-log="+filepath.Join(dir, "trace.jtrc"),
		"-diag_listen=127.0.0.1:0",
	)
	r, w, err := os.Pipe()
	if err != nil {
		return "", nil, err
	}
	agent.Stderr = os.Stderr
	agent.Stdout = os.Stdout
	agent.ExtraFiles = []*os.File{w}
	if err := agent.Start(); err != nil {
		return "", nil, fmt.Errorf("%v: %w", agent.Args, err)
	}
	cleanup = func() {
		agent.Process.Kill()
		agent.Wait()
	}

	if err := w.Close(); err != nil {
		cleanup()
		return "", nil, err
	}

	b, err := io.ReadAll(r)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	return string(b), cleanup, nil
}

// RemoveAll wraps os.RemoveAll and fails the test on failure.
func RemoveAll(t testing.TB, path string) {
	if err := os.RemoveAll(path); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}
