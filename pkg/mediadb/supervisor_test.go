package mediadb_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/calvinalkan/mediadb/pkg/mediadb"
	"github.com/calvinalkan/mediadb/pkg/mediadb/bus"
)

func startSupervisor(t *testing.T, ctx context.Context, cl *cluster, types ...string) (*mediadb.Supervisor, []*mediadb.Catalogue, <-chan error) {
	t.Helper()

	conn := cl.hub.Connect()
	t.Cleanup(func() { _ = conn.Close() })

	sup := mediadb.NewSupervisor(cl.options(conn))

	cats := make([]*mediadb.Catalogue, 0, len(types))

	for _, typ := range types {
		c, err := sup.Host(ctx, typ)
		if err != nil {
			t.Fatalf("Host(%s): %v", typ, err)
		}

		cats = append(cats, c)
	}

	done := make(chan error, 1)

	go func() { done <- sup.Run(ctx) }()

	return sup, cats, done
}

func Test_Supervisor_Closes_Catalogue_When_Last_Ref_Dropped(t *testing.T) {
	t.Parallel()

	cl := newCluster(t)
	ctx := t.Context()
	sup, cats, done := startSupervisor(t, ctx, cl, "Music", "Videos")
	music, videos := cats[0], cats[1]

	_ = music.Ref(ctx)
	_ = music.Ref(ctx)

	if _, err := music.Add(ctx, mediadb.Fields{"location": "/a.mp3"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	_ = music.Unref(ctx)

	time.Sleep(20 * time.Millisecond)

	if music.Role() != mediadb.RoleOwner {
		t.Fatalf("closed with a ref outstanding, role=%s", music.Role())
	}

	_ = music.Unref(ctx)

	waitFor(t, "music to close", func() bool { return music.Role() == mediadb.RoleClosed })

	if got := len(sup.Catalogues()); got != 1 {
		t.Fatalf("hosted=%d, want=1", got)
	}

	// Never referenced catalogues stay open.
	if videos.Role() != mediadb.RoleOwner {
		t.Fatalf("videos role=%s, want=owner", videos.Role())
	}

	_ = videos.Ref(ctx)
	_ = videos.Unref(ctx)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after every catalogue closed")
	}

	reopened, _ := cl.open("Music")
	if reopened.Len() != 1 {
		t.Fatalf("reopened len=%d, want=1 (close must flush)", reopened.Len())
	}
}

func Test_Supervisor_Counts_Client_Refs_When_Sent_Over_Bus(t *testing.T) {
	t.Parallel()

	cl := newCluster(t)
	ctx := t.Context()
	_, cats, done := startSupervisor(t, ctx, cl, "Pictures")

	conn := cl.hub.Connect()
	defer func() { _ = conn.Close() }()

	client, err := mediadb.NewClient(conn, "", "Pictures", time.Second)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if err := client.Ref(ctx); err != nil {
		t.Fatalf("Ref: %v", err)
	}

	waitFor(t, "ref to land", func() bool { return cats[0].Refs() == 1 })

	if err := client.Unref(ctx); err != nil {
		t.Fatalf("Unref: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}

	if _, err := client.Status(ctx); !errors.Is(err, bus.ErrNoOwner) {
		t.Fatalf("Status after shutdown err=%v, want=ErrNoOwner", err)
	}
}

func Test_Supervisor_Closes_All_When_Context_Done(t *testing.T) {
	t.Parallel()

	cl := newCluster(t)
	ctx, cancel := context.WithCancel(t.Context())
	_, cats, done := startSupervisor(t, ctx, cl, "Music", "TVShows")

	_ = cats[0].Ref(ctx)

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	for _, c := range cats {
		if c.Role() != mediadb.RoleClosed {
			t.Fatalf("%s role=%s, want=closed", c.Type(), c.Role())
		}
	}
}
