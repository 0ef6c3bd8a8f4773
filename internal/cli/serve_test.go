package cli_test

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/calvinalkan/mediadb/internal/cli"
	"github.com/calvinalkan/mediadb/pkg/mediadb"
)

func waitForServe(t *testing.T, c *cli.CLI, typ string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)

	for time.Now().Before(deadline) {
		if _, _, code := c.Run("--remote", "status", typ); code == 0 {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("serve never took ownership of %s", typ)
}

func waitResult(t *testing.T, done <-chan cli.Result) cli.Result {
	t.Helper()

	select {
	case res := <-done:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not exit")
		return cli.Result{}
	}
}

func TestServeHostsCataloguesUntilSignal(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	sigCh := make(chan os.Signal, 1)
	done := c.Start(sigCh, "serve", "Music", "Videos")

	waitForServe(t, c, "Music")

	if id := c.MustRun("--remote", "add", "Music", "title=Live"); id != "1" {
		t.Fatalf("remote add = %q, want 1", id)
	}

	// A participant joins as a replica and loads the owner's state.
	if got := c.MustRun("get", "Music", "1", "--tags", "title"); got != "Live" {
		t.Fatalf("get = %q, want Live", got)
	}

	cli.AssertContains(t, c.MustRun("status", "Music"), "role=replica")
	cli.AssertContains(t, c.MustRun("--remote", "status", "Videos"), "role=owner")

	sigCh <- os.Interrupt

	res := waitResult(t, done)
	if res.Code != 0 {
		t.Fatalf("serve exit code = %d\nstderr: %s", res.Code, res.Stderr)
	}

	cli.AssertContains(t, res.Stdout, "serving Music as owner")
	cli.AssertContains(t, res.Stdout, "serving Videos as owner")

	// Shutdown flushed the snapshot.
	cli.AssertContains(t, c.MustRun("get", "Music", "1"), "title=Live")
}

func TestServeExitsWhenLastClientReleases(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	done := c.Start(nil, "serve", "Music")

	waitForServe(t, c, "Music")

	conn := c.Hub.Connect()
	defer func() { _ = conn.Close() }()

	client, err := mediadb.NewClient(conn, "", "Music", time.Second)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	ctx := t.Context()

	if err := client.Ref(ctx); err != nil {
		t.Fatalf("Ref: %v", err)
	}

	if _, err := client.Add(ctx, mediadb.Fields{"title": "x"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := client.Unref(ctx); err != nil {
		t.Fatalf("Unref: %v", err)
	}

	if res := waitResult(t, done); res.Code != 0 {
		t.Fatalf("serve exit code = %d\nstderr: %s", res.Code, res.Stderr)
	}

	if got := c.MustRun("ls", "Music", "--tags", "title"); got != "x" {
		t.Fatalf("ls = %q, want the record added before release", got)
	}
}

func TestServeRejectsRemoteAndBadTypes(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	cli.AssertContains(t, c.MustFail("--remote", "serve"), "not available with --remote")
	cli.AssertContains(t, c.MustFail("serve", "Music", "../x"), "invalid catalogue type")

	// The catalogue hosted before the bad one was closed again.
	stderr := c.MustFail("--remote", "ls", "Music")
	if !strings.Contains(stderr, "bus unavailable") {
		t.Fatalf("stderr = %q, want no owner left", stderr)
	}
}
