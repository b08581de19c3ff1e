//go:build integration

package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

const defaultTimeout = 2 * time.Minute

// Harness runs the gitstore binary against a data directory and remote
type Harness struct {
	t       *testing.T
	bin     string
	DataDir string
	Remote  string
	env     []string
}

// NewHarness builds the binary and prepares an isolated environment
func NewHarness(t *testing.T, remote string) *Harness {
	t.Helper()
	h := &Harness{
		t:       t,
		bin:     filepath.Join(t.TempDir(), "gitstore"),
		DataDir: filepath.Join(t.TempDir(), "data"),
		Remote:  remote,
	}
	h.env = append(os.Environ(),
		"XDG_CONFIG_HOME="+t.TempDir(),
		"GITSTORE_DATA_DIR="+h.DataDir,
		"GITSTORE_REPO_URL="+remote,
		"GITSTORE_BRANCH=main",
		"GITSTORE_LOG_LEVEL=debug",
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	if err := h.build(ctx); err != nil {
		t.Fatalf("build failed: %v", err)
	}
	return h
}

// Setenv adds variables for every later command
func (h *Harness) Setenv(kv ...string) {
	h.env = append(h.env, kv...)
}

func (h *Harness) build(ctx context.Context) error {
	projectRoot, err := findProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.bin, "./cmd/gitstore")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// Run executes a gitstore command and returns its output and exit code
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()
	cmd := exec.CommandContext(ctx, h.bin, args...)
	cmd.Env = h.env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}
	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes a command and fails the test if it returns non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout
}

// Daemon is a running `gitstore serve`
type Daemon struct {
	cmd  *exec.Cmd
	done chan error
	Addr string

	once sync.Once
	err  error
}

// Serve starts the daemon on a free local port and waits until /healthz
// answers
func (h *Harness) Serve(ctx context.Context, env ...string) *Daemon {
	h.t.Helper()

	addr, err := freeAddr()
	if err != nil {
		h.t.Fatalf("no free port: %v", err)
	}

	cmd := exec.Command(h.bin, "serve")
	cmd.Env = append(append(append([]string{}, h.env...), env...), "GITSTORE_LISTEN_ADDR="+addr)
	cmd.Stdout = &testWriter{t: h.t, prefix: "[serve] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[serve] "}
	if err := cmd.Start(); err != nil {
		h.t.Fatalf("start serve: %v", err)
	}

	d := &Daemon{cmd: cmd, done: make(chan error, 1), Addr: addr}
	go func() { d.done <- cmd.Wait() }()
	h.t.Cleanup(func() { h.stop(d) })

	h.WaitFor(ctx, "daemon health", func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})
	return d
}

// Stop sends SIGTERM and waits for a clean exit
func (h *Harness) Stop(d *Daemon) {
	h.t.Helper()
	if err := h.stop(d); err != nil {
		h.t.Errorf("daemon exited with error: %v", err)
	}
}

func (h *Harness) stop(d *Daemon) error {
	d.once.Do(func() {
		_ = d.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case d.err = <-d.done:
		case <-time.After(30 * time.Second):
			_ = d.cmd.Process.Kill()
			d.err = fmt.Errorf("daemon did not stop")
		}
	})
	return d.err
}

// WaitFor polls cond until it holds or ctx expires
func (h *Harness) WaitFor(ctx context.Context, what string, cond func() bool) {
	h.t.Helper()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return
		}
		select {
		case <-ctx.Done():
			h.t.Fatalf("timed out waiting for %s", what)
		case <-ticker.C:
		}
	}
}

// RemoteFile returns path at the tip of branch in the remote, or an error
// if it does not exist there
func (h *Harness) RemoteFile(branch, path string) (string, error) {
	out, err := exec.Command("git", "--git-dir", h.Remote, "show", branch+":"+path).Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func freeAddr() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer func() { _ = ln.Close() }()
	return ln.Addr().String(), nil
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// findProjectRoot walks up from this source file to the directory holding
// go.mod
func findProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
