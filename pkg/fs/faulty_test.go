package fs

import (
	"errors"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
)

func Test_Faulty_Fails_Matching_Calls_N_Times(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	f := NewFaulty(NewReal())
	f.Fail(OpWriteAtomic, ".db", 2, syscall.ENOSPC)

	db := filepath.Join(dir, "Music.db")

	for i := range 2 {
		err := f.WriteFileAtomic(db, strings.NewReader("x"))
		if !IsInjected(err) || !errors.Is(err, syscall.ENOSPC) {
			t.Fatalf("call %d: err=%v, want injected ENOSPC", i, err)
		}
	}

	// Other paths are untouched.
	if err := f.WriteFileAtomic(filepath.Join(dir, "Music.id"), strings.NewReader("x")); err != nil {
		t.Fatalf("non-matching path: %v", err)
	}

	if err := f.WriteFileAtomic(db, strings.NewReader("ok")); err != nil {
		t.Fatalf("third call: %v", err)
	}

	data, err := f.ReadFile(db)
	if err != nil || string(data) != "ok" {
		t.Fatalf("ReadFile=%q,%v, want ok", data, err)
	}

	if got, want := f.Calls(OpWriteAtomic), 4; got != want {
		t.Fatalf("calls=%d, want=%d", got, want)
	}
}

func Test_Faulty_Fails_Forever_Until_Reset(t *testing.T) {
	t.Parallel()

	f := NewFaulty(NewReal())
	f.Fail(OpOpen, "", -1, syscall.EIO)

	path := filepath.Join(t.TempDir(), "missing")

	for range 3 {
		if _, err := f.Open(path); !IsInjected(err) {
			t.Fatalf("err=%v, want injected", err)
		}
	}

	f.Reset()

	_, err := f.Open(path)
	if err == nil || IsInjected(err) {
		t.Fatalf("err=%v, want the real not-exist error", err)
	}
}
