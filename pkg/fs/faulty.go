package fs

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync"
)

// Op names an [FS] operation that [Faulty] can fail.
type Op string

const (
	OpOpen        Op = "open"
	OpOpenFile    Op = "openfile"
	OpReadFile    Op = "readfile"
	OpWriteAtomic Op = "writeatomic"
	OpMkdirAll    Op = "mkdirall"
	OpRename      Op = "rename"
	OpRemove      Op = "remove"
)

// InjectedError marks an error returned by [Faulty].
// It wraps the configured error so errors.Is/As keep working.
type InjectedError struct {
	Op   Op
	Path string
	Err  error
}

func (e *InjectedError) Error() string {
	return "injected " + string(e.Op) + " " + e.Path + ": " + e.Err.Error()
}

func (e *InjectedError) Unwrap() error { return e.Err }

// IsInjected reports whether err (or any wrapped error) came from [Faulty].
func IsInjected(err error) bool {
	var injected *InjectedError
	return errors.As(err, &injected)
}

type fault struct {
	op     Op
	suffix string
	left   int // <0 fails forever
	err    error
}

// Faulty wraps an [FS] and fails selected operations. Operations without a
// matching fault go to the wrapped FS.
//
// Faulty is safe for concurrent use.
type Faulty struct {
	FS

	mu     sync.Mutex
	faults []*fault
	counts map[Op]int
}

// NewFaulty wraps base.
func NewFaulty(base FS) *Faulty {
	return &Faulty{FS: base, counts: make(map[Op]int)}
}

// Fail makes the next n calls of op on paths ending in suffix return err
// wrapped in an [InjectedError]. A negative n fails every call.
func (f *Faulty) Fail(op Op, suffix string, n int, err error) {
	if n == 0 {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.faults = append(f.faults, &fault{op: op, suffix: suffix, left: n, err: err})
}

// Reset removes all faults.
func (f *Faulty) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.faults = nil
}

// Calls returns how many times op was called, failed or not.
func (f *Faulty) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.counts[op]
}

func (f *Faulty) check(op Op, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.counts[op]++

	for i, ft := range f.faults {
		if ft.op != op || !strings.HasSuffix(path, ft.suffix) {
			continue
		}

		if ft.left > 0 {
			ft.left--
			if ft.left == 0 {
				f.faults = append(f.faults[:i], f.faults[i+1:]...)
			}
		}

		return &InjectedError{Op: op, Path: path, Err: ft.err}
	}

	return nil
}

func (f *Faulty) Open(path string) (File, error) {
	if err := f.check(OpOpen, path); err != nil {
		return nil, err
	}

	return f.FS.Open(path)
}

func (f *Faulty) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if err := f.check(OpOpenFile, path); err != nil {
		return nil, err
	}

	return f.FS.OpenFile(path, flag, perm)
}

func (f *Faulty) ReadFile(path string) ([]byte, error) {
	if err := f.check(OpReadFile, path); err != nil {
		return nil, err
	}

	return f.FS.ReadFile(path)
}

func (f *Faulty) WriteFileAtomic(path string, r io.Reader) error {
	if err := f.check(OpWriteAtomic, path); err != nil {
		return err
	}

	return f.FS.WriteFileAtomic(path, r)
}

func (f *Faulty) MkdirAll(path string, perm os.FileMode) error {
	if err := f.check(OpMkdirAll, path); err != nil {
		return err
	}

	return f.FS.MkdirAll(path, perm)
}

func (f *Faulty) Rename(oldpath, newpath string) error {
	if err := f.check(OpRename, newpath); err != nil {
		return err
	}

	return f.FS.Rename(oldpath, newpath)
}

func (f *Faulty) Remove(path string) error {
	if err := f.check(OpRemove, path); err != nil {
		return err
	}

	return f.FS.Remove(path)
}

var _ FS = (*Faulty)(nil)
