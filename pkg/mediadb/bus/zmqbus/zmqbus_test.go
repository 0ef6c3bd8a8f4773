package zmqbus_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/mediadb/pkg/fs"
	"github.com/calvinalkan/mediadb/pkg/mediadb/bus"
	"github.com/calvinalkan/mediadb/pkg/mediadb/bus/zmqbus"
)

// runtimeDir returns a short directory; ipc socket paths are length limited.
func runtimeDir(t *testing.T) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "zb")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	return dir
}

func dial(t *testing.T, dir string) *zmqbus.Conn {
	t.Helper()

	c, err := zmqbus.Dial(dir, zmqbus.Options{WatchInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return c
}

func Test_RequestName_Is_Exclusive_Across_Connections(t *testing.T) {
	t.Parallel()

	dir := runtimeDir(t)
	a, b := dial(t, dir), dial(t, dir)
	ctx := t.Context()

	require.NoError(t, a.RequestName(ctx, "ns.Music"))
	require.ErrorIs(t, b.RequestName(ctx, "ns.Music"), bus.ErrNameTaken)

	owner, err := b.Owner(ctx, "ns.Music")
	require.NoError(t, err)
	require.Equal(t, a.ID(), owner)

	require.NoError(t, a.ReleaseName("ns.Music"))
	require.NoError(t, b.RequestName(ctx, "ns.Music"))
}

func Test_RequestName_Succeeds_When_Watcher_Probe_In_Flight(t *testing.T) {
	t.Parallel()

	dir := runtimeDir(t)
	a, b := dial(t, dir), dial(t, dir)
	ctx := t.Context()

	// A watcher in another process holds the shared probe lock.
	probe, err := fs.NewLocker(fs.NewReal()).RLock(filepath.Join(dir, "ns.Music.alive"))
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = probe.Close()
	}()

	require.NoError(t, a.RequestName(ctx, "ns.Music"))

	owner, err := b.Owner(ctx, "ns.Music")
	require.NoError(t, err)
	require.Equal(t, a.ID(), owner)

	require.ErrorIs(t, b.RequestName(ctx, "ns.Music"), bus.ErrNameTaken)
}

func Test_Call_Reaches_Owner_Handler(t *testing.T) {
	t.Parallel()

	dir := runtimeDir(t)
	a, b := dial(t, dir), dial(t, dir)
	ctx := t.Context()

	_, err := a.Serve("ns.Music", func(_ context.Context, call bus.Call) ([]byte, error) {
		if call.Method == "fail" {
			return nil, errors.New("boom")
		}

		return append([]byte(call.Sender+":"), call.Body...), nil
	})
	require.NoError(t, err)

	_, err = b.Call(ctx, "ns.Music", "echo", []byte("x"))
	require.ErrorIs(t, err, bus.ErrNoOwner)

	require.NoError(t, a.RequestName(ctx, "ns.Music"))

	got, err := b.Call(ctx, "ns.Music", "echo", []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, b.ID()+":hello", string(got))

	_, err = b.Call(ctx, "ns.Music", "fail", nil)

	var remote *bus.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "boom", remote.Message)
}

func Test_Publish_Delivers_To_Subscriber_In_Order(t *testing.T) {
	t.Parallel()

	dir := runtimeDir(t)
	a, b := dial(t, dir), dial(t, dir)

	require.NoError(t, a.RequestName(t.Context(), "ns.Music"))

	got := make(chan bus.Signal, 64)
	cancel, err := b.Subscribe("ns.Music", func(s bus.Signal) { got <- s })
	require.NoError(t, err)
	defer cancel()

	// Wait out the subscription handshake.
	require.Eventually(t, func() bool {
		_ = a.Publish("ns.Music", "ping", nil)

		select {
		case <-got:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 3*time.Second, time.Millisecond)

	for _, body := range []string{"1", "2", "3"} {
		require.NoError(t, a.Publish("ns.Music", "added", []byte(body)))
	}

	var bodies []string

	for len(bodies) < 3 {
		select {
		case s := <-got:
			if s.Name == "ping" {
				continue
			}

			require.Equal(t, a.ID(), s.Sender)
			bodies = append(bodies, string(s.Body))
		case <-time.After(3 * time.Second):
			t.Fatalf("received %v, want 3 signals", bodies)
		}
	}

	require.Equal(t, []string{"1", "2", "3"}, bodies)
	require.ErrorIs(t, b.Publish("ns.Music", "added", nil), bus.ErrNotOwner)
}

func Test_WatchOwner_Reports_Release(t *testing.T) {
	t.Parallel()

	dir := runtimeDir(t)
	a, b := dial(t, dir), dial(t, dir)

	require.NoError(t, a.RequestName(t.Context(), "ns.Music"))

	owners := make(chan string, 4)
	cancel, err := b.WatchOwner("ns.Music", func(owner string) { owners <- owner })
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, a.Close())

	select {
	case owner := <-owners:
		require.Empty(t, owner)
	case <-time.After(3 * time.Second):
		t.Fatal("owner loss not reported")
	}

	require.ErrorIs(t, a.RequestName(t.Context(), "ns.Music"), bus.ErrClosed)
}
