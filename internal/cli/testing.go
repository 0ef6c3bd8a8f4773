package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/calvinalkan/mediadb/internal/config"
	"github.com/calvinalkan/mediadb/pkg/mediadb/bus"
)

// CLI runs mediadb commands in tests. Every invocation gets its own bus
// connection on a shared in-memory hub, like separate processes on one
// session bus, and all of them share one data directory.
type CLI struct {
	t   *testing.T
	Dir string
	Env map[string]string
	Hub *bus.Hub
}

// NewCLI creates a test CLI rooted in a temp directory.
func NewCLI(t *testing.T) *CLI {
	t.Helper()

	dir := t.TempDir()

	return &CLI{
		t:   t,
		Dir: dir,
		Env: map[string]string{
			"XDG_CONFIG_HOME": filepath.Join(dir, "config"),
			"XDG_RUNTIME_DIR": filepath.Join(dir, "run"),
		},
		Hub: bus.NewHub(),
	}
}

// DataDir is where snapshots of the default namespace are written.
func (r *CLI) DataDir() string {
	return filepath.Join(r.Dir, "config", "mediadb")
}

// Deps returns dependencies that dial the shared hub.
func (r *CLI) Deps() Deps {
	return Deps{Dial: func(config.Config, *zap.Logger) (bus.Conn, error) {
		return r.Hub.Connect(), nil
	}}
}

// Run executes the CLI with args (without "mediadb") and returns stdout,
// stderr and the exit code.
func (r *CLI) Run(args ...string) (string, string, int) {
	return r.run(nil, nil, args)
}

// RunWithInput is [CLI.Run] with stdin. stdin must be a string or io.Reader.
func (r *CLI) RunWithInput(stdin any, args ...string) (string, string, int) {
	var in io.Reader

	switch v := stdin.(type) {
	case string:
		in = strings.NewReader(v)
	case io.Reader:
		in = v
	default:
		panic(fmt.Sprintf("stdin must be string or io.Reader, got %T", stdin))
	}

	return r.run(in, nil, args)
}

// Result is the outcome of a command started with [CLI.Start].
type Result struct {
	Stdout string
	Stderr string
	Code   int
}

// Start runs a long-lived command such as serve in the background. Signals
// sent on sigCh reach it like SIGINT would.
func (r *CLI) Start(sigCh <-chan os.Signal, args ...string) <-chan Result {
	done := make(chan Result, 1)

	go func() {
		stdout, stderr, code := r.run(nil, sigCh, args)
		done <- Result{Stdout: stdout, Stderr: stderr, Code: code}
	}()

	return done
}

func (r *CLI) run(in io.Reader, sigCh <-chan os.Signal, args []string) (string, string, int) {
	var outBuf, errBuf bytes.Buffer

	fullArgs := append([]string{"mediadb"}, args...)
	code := RunWith(r.Deps(), in, &outBuf, &errBuf, fullArgs, r.Env, sigCh)

	return outBuf.String(), errBuf.String(), code
}

// MustRun executes the CLI and fails the test on a non-zero exit.
// Returns trimmed stdout.
func (r *CLI) MustRun(args ...string) string {
	r.t.Helper()

	stdout, stderr, code := r.Run(args...)
	if code != 0 {
		r.t.Fatalf("command %v failed with exit code %d\nstderr: %s", args, code, stderr)
	}

	return strings.TrimSpace(stdout)
}

// MustFail executes the CLI and fails the test if the command succeeds or
// writes to stdout. Returns trimmed stderr.
func (r *CLI) MustFail(args ...string) string {
	r.t.Helper()

	stdout, stderr, code := r.Run(args...)
	if code == 0 {
		r.t.Fatalf("command %v should have failed but succeeded\nstdout: %s", args, stdout)
	}

	if stdout != "" {
		r.t.Fatalf("command %v failed but stdout should be empty\nstdout: %s", args, stdout)
	}

	return strings.TrimSpace(stderr)
}

// AssertContains fails the test if content doesn't contain substr.
func AssertContains(t *testing.T, content, substr string) {
	t.Helper()

	if !strings.Contains(content, substr) {
		t.Errorf("content should contain %q\ncontent:\n%s", substr, content)
	}
}

// AssertNotContains fails the test if content contains substr.
func AssertNotContains(t *testing.T, content, substr string) {
	t.Helper()

	if strings.Contains(content, substr) {
		t.Errorf("content should NOT contain %q\ncontent:\n%s", substr, content)
	}
}
