package cli_test

import (
	"strings"
	"testing"

	"github.com/calvinalkan/mediadb/internal/cli"
)

func TestShellRunsCommandsFromInput(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	input := strings.Join([]string{
		"add title=A artist=X",
		"add title=B",
		"# comments and blank lines are skipped",
		"",
		"update 2 artist=Y",
		"ls --tags id,title,artist",
		"rm 1",
		"get 1",
		"bogus",
		"help",
		"exit",
		"add title=never",
	}, "\n")

	stdout, stderr, code := c.RunWithInput(input, "shell", "Music")
	if code != 0 {
		t.Fatalf("exit code = %d\nstderr: %s", code, stderr)
	}

	for _, want := range []string{
		"mediadb shell on Music (owner, 0 records)",
		"* added 1",
		"* updated 2",
		"1\tA\tX\n2\tB\tY",
		"removed 1",
		"* removed 1",
		"add <catalogue> <tag=value>...",
	} {
		cli.AssertContains(t, stdout, want)
	}

	cli.AssertContains(t, stderr, "record not found")
	cli.AssertContains(t, stderr, "unknown command: bogus")

	// Input after exit is not run, and the session was flushed on exit.
	if got := c.MustRun("ls", "Music", "--tags", "title"); got != "B" {
		t.Fatalf("ls = %q, want only B", got)
	}
}

func TestShellEndsOnEOF(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("add", "Videos", "title=Film")

	stdout, stderr, code := c.RunWithInput("tags\n", "shell", "Videos")
	if code != 0 {
		t.Fatalf("exit code = %d\nstderr: %s", code, stderr)
	}

	cli.AssertContains(t, stdout, "(owner, 1 records)")
	cli.AssertContains(t, stdout, "title")
}
