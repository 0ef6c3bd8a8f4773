package cli_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/calvinalkan/mediadb/internal/cli"
)

func TestRunNoArgsPrintsUsage(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	code := cli.Run(nil, &stdout, &stderr, []string{"mediadb"}, map[string]string{"XDG_CONFIG_HOME": t.TempDir()}, nil)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0\nstderr: %s", code, stderr.String())
	}

	out := stdout.String()
	for _, want := range []string{"Usage: mediadb", "Commands:", "--remote", "serve [catalogue...]", "print-config"} {
		cli.AssertContains(t, out, want)
	}
}

func TestRunRejectsBadInvocations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command: frobnicate"},
		{"unknown global flag", []string{"--nope", "ls", "Music"}, "unknown flag: --nope"},
		{"missing catalogue", []string{"ls"}, "missing catalogue"},
		{"missing fields", []string{"add", "Music"}, "missing catalogue or fields"},
		{"field without equals", []string{"add", "Music", "title"}, `want tag=value, got "title"`},
		{"id is reserved", []string{"add", "Music", "id=4"}, `"id" is assigned by the catalogue`},
		{"invalid id", []string{"get", "Music", "abc"}, `invalid record id "abc"`},
		{"zero id", []string{"rm", "Music", "0"}, `invalid record id "0"`},
		{"invalid catalogue", []string{"ls", "Mu/sic"}, "invalid catalogue type"},
		{"unknown command flag", []string{"ls", "Music", "--limit", "3"}, "unknown flag: --limit"},
		{"bad namespace", []string{"--namespace", "a..b", "ls", "Music"}, `"a..b" is invalid`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := cli.NewCLI(t)
			stderr := c.MustFail(tt.args...)
			cli.AssertContains(t, stderr, tt.want)
		})
	}
}

func TestCommandHelp(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	out := c.MustRun("get", "--help")
	cli.AssertContains(t, out, "Usage: mediadb get <catalogue> <id> [flags]")
	cli.AssertContains(t, out, "--tags")

	stderr := c.MustFail("update", "Music")
	cli.AssertContains(t, stderr, "Usage: mediadb update")
}

func TestPrintConfigShowsDefaultsAndSources(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	out := c.MustRun("--namespace", "test", "print-config")
	cli.AssertContains(t, out, `"namespace": "test"`)
	cli.AssertContains(t, out, `"lock_timeout": "10s"`)
	cli.AssertContains(t, out, `"snapshot_mode": "atomic"`)
	cli.AssertContains(t, out, "(defaults only)")

	if strings.Contains(out, "Sources") {
		t.Errorf("sources leaked into the JSON:\n%s", out)
	}
}
