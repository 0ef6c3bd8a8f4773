package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func Test_Locker_TryLock_Returns_ErrWouldBlock_When_Path_Is_Locked(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "lock")

	lock1, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock(%q): %v", path, err)
	}
	t.Cleanup(func() { _ = lock1.Close() })

	lock2, err := locker.TryLock(path)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("TryLock(%q) while locked: err=%v, want %v", path, err, ErrWouldBlock)
	}
	if lock2 != nil {
		_ = lock2.Close()
		t.Fatalf("TryLock(%q) while locked: want lock=nil, got non-nil", path)
	}

	if err := lock1.Close(); err != nil {
		t.Fatalf("Close(): %v", err)
	}

	lock3, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock(%q) after release: %v", path, err)
	}
	if err := lock3.Close(); err != nil {
		t.Fatalf("Close(): %v", err)
	}
}

func Test_Locker_LockWithTimeout_Returns_ErrWouldBlock_When_Path_Is_Locked(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "lock")

	lock1, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock(%q): %v", path, err)
	}
	defer lock1.Close()

	_, err = locker.LockWithTimeout(path, 50*time.Millisecond)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("LockWithTimeout(%q): err=%v, want %v", path, err, ErrWouldBlock)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("LockWithTimeout(%q): err=%q, want substring %q", path, err.Error(), "timed out")
	}
}

func Test_Locker_LockWithTimeout_Returns_Error_When_Timeout_Is_Non_Positive(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "lock")

	_, err := locker.LockWithTimeout(path, 0)
	if !errors.Is(err, ErrInvalidTimeout) {
		t.Fatalf("LockWithTimeout(%q, 0): err=%v, want %v", path, err, ErrInvalidTimeout)
	}
}

func Test_Locker_LockContext_Returns_Context_Error_When_Context_Ends_First(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "lock")

	held, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock(%q): %v", path, err)
	}
	defer held.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()

	_, err = locker.LockContext(ctx, path)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("LockContext: err=%v, want %v", err, ErrWouldBlock)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("LockContext: err=%v, want %v", err, context.DeadlineExceeded)
	}
}

func Test_Locker_LockContext_Acquires_When_Holder_Releases(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "lock")

	held, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock(%q): %v", path, err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = held.Close()
	}()

	lk, err := locker.LockContext(t.Context(), path)
	if err != nil {
		t.Fatalf("LockContext(%q): %v", path, err)
	}
	if got, want := lk.Path(), path; got != want {
		t.Fatalf("Path()=%q, want=%q", got, want)
	}
	if err := lk.Close(); err != nil {
		t.Fatalf("Close(): %v", err)
	}
}

func Test_Locker_RLock_Allows_Multiple_Readers_And_Blocks_Writer(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "lock")

	r1, err := locker.RLock(path)
	if err != nil {
		t.Fatalf("RLock(%q): %v", path, err)
	}
	defer r1.Close()

	r2, err := locker.TryRLock(path)
	if err != nil {
		t.Fatalf("TryRLock(%q) second: %v", path, err)
	}
	defer r2.Close()

	_, err = locker.TryLock(path)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("TryLock(%q) while read-locked: err=%v, want %v", path, err, ErrWouldBlock)
	}
}

func Test_Locker_Lock_Creates_Parent_Directories_When_Missing(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "a", "b", ".locks", "x.A")

	lk, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock(%q): %v", path, err)
	}
	defer lk.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Stat(%q): %v", path, err)
	}
}

func Test_Lock_Close_Is_Idempotent(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "lock")

	lk, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock(%q): %v", path, err)
	}

	if err := lk.Close(); err != nil {
		t.Fatalf("first Close(): %v", err)
	}
	if err := lk.Close(); err != nil {
		t.Fatalf("second Close(): %v", err)
	}
}

func Test_Locker_Retries_Flock_When_Interrupted(t *testing.T) {
	t.Parallel()

	calls := 0
	locker := NewLocker(NewReal())
	locker.flock = func(fd int, how int) error {
		calls++
		if calls < 3 {
			return unix.EINTR
		}

		return unix.Flock(fd, how)
	}

	path := filepath.Join(t.TempDir(), "lock")

	lk, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock(%q): %v", path, err)
	}
	defer lk.Close()

	if calls < 3 {
		t.Fatalf("flock calls=%d, want>=3", calls)
	}
}

func Test_Locker_Relocks_When_Lock_File_Is_Replaced_Before_Flock(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "lock")

	replaced := false
	locker := NewLocker(NewReal())
	locker.flock = func(fd int, how int) error {
		if !replaced && how&unix.LOCK_UN == 0 {
			replaced = true

			if err := os.Remove(path); err != nil {
				t.Errorf("Remove: %v", err)
			}
			if err := os.WriteFile(path, nil, 0o600); err != nil {
				t.Errorf("WriteFile: %v", err)
			}
		}

		return unix.Flock(fd, how)
	}

	lk, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock(%q): %v", path, err)
	}
	defer lk.Close()

	match, err := inodeMatchesPath(int(lk.file.Fd()), path)
	if err != nil {
		t.Fatalf("inodeMatchesPath: %v", err)
	}
	if !match {
		t.Fatalf("lock held on a stale inode")
	}
}
