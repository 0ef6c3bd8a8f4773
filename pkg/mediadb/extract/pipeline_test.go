package extract_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/uber-go/tally/v4"

	"github.com/calvinalkan/mediadb/pkg/mediadb/extract"
)

type recordingSink struct {
	mu      sync.Mutex
	records []map[string]string
	refs    int
	maxRefs int
	refLog  []int
	block   chan struct{}
}

func (s *recordingSink) Add(ctx context.Context, fields map[string]string) (uint32, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, fields)

	return uint32(len(s.records)), nil
}

func (s *recordingSink) Ref() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refs++
	s.maxRefs = max(s.maxRefs, s.refs)
	s.refLog = append(s.refLog, s.refs)
}

func (s *recordingSink) Unref() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refs--
	s.refLog = append(s.refLog, s.refs)
}

func (s *recordingSink) locations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, r := range s.records {
		out = append(out, r[extract.FieldLocation])
	}

	sort.Strings(out)

	return out
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("setup MkdirAll: %v", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("setup WriteFile(%q): %v", path, err)
	}
}

func Test_Pipeline_Adds_One_Record_Per_File_When_Directory_Is_Submitted(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.jpg"), []byte("x"))
	writeFile(t, filepath.Join(dir, "sub", "b.png"), []byte("y"))
	writeFile(t, filepath.Join(dir, "notes.txt"), []byte("skip me"))

	sink := &recordingSink{}
	p := extract.New(sink, extract.ForCatalogue("Pictures"))
	defer p.Close()

	if err := p.Submit(dir); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := p.Wait(t.Context()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	want := []string{filepath.Join(dir, "a.jpg"), filepath.Join(dir, "sub", "b.png")}
	if diff := cmp.Diff(want, sink.locations()); diff != "" {
		t.Fatalf("locations mismatch (-want +got):\n%s", diff)
	}
}

func Test_Pipeline_Holds_One_Ref_While_Busy_And_Releases_When_Drained(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"1.jpg", "2.jpg", "3.jpg"} {
		writeFile(t, filepath.Join(dir, name), []byte(name))
	}

	sink := &recordingSink{block: make(chan struct{})}
	p := extract.New(sink, extract.FileExtractor{})
	defer p.Close()

	for _, name := range []string{"1.jpg", "2.jpg", "3.jpg"} {
		if err := p.Submit(filepath.Join(dir, name)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	close(sink.block)

	if err := p.Wait(t.Context()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()

	if got, want := sink.maxRefs, 1; got != want {
		t.Fatalf("maxRefs=%d, want=%d", got, want)
	}
	if got, want := sink.refs, 0; got != want {
		t.Fatalf("refs after drain=%d, want=%d", got, want)
	}
	if got, want := len(sink.records), 3; got != want {
		t.Fatalf("records=%d, want=%d", got, want)
	}
}

func Test_Pipeline_Close_Discards_Queued_Paths_And_Releases_Ref(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"1.jpg", "2.jpg", "3.jpg"} {
		writeFile(t, filepath.Join(dir, name), []byte(name))
	}

	sink := &recordingSink{block: make(chan struct{})}
	p := extract.New(sink, extract.FileExtractor{})

	for _, name := range []string{"1.jpg", "2.jpg", "3.jpg"} {
		if err := p.Submit(filepath.Join(dir, name)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	// Wait for the worker to pick up the first path.
	deadline := time.Now().Add(time.Second)
	busy := func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()

		return sink.refs == 1
	}

	for !busy() {
		if time.Now().After(deadline) {
			t.Fatalf("worker did not start")
		}
		time.Sleep(time.Millisecond)
	}

	discarded := p.Close()
	if got, want := discarded, 2; got != want {
		t.Fatalf("Close discarded=%d, want=%d", got, want)
	}

	if err := p.Submit(filepath.Join(dir, "1.jpg")); !errors.Is(err, extract.ErrClosed) {
		t.Fatalf("Submit after Close: err=%v, want %v", err, extract.ErrClosed)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()

	if got, want := sink.refs, 0; got != want {
		t.Fatalf("refs after Close=%d, want=%d", got, want)
	}
	if got, want := len(sink.records), 0; got != want {
		t.Fatalf("records=%d, want=%d (in-flight add must be cancelled)", got, want)
	}
}

func Test_Pipeline_Skips_Path_When_Skip_Predicate_Matches(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	known := filepath.Join(dir, "known.jpg")
	fresh := filepath.Join(dir, "fresh.jpg")
	writeFile(t, known, []byte("k"))
	writeFile(t, fresh, []byte("f"))

	sink := &recordingSink{}
	p := extract.New(sink, extract.FileExtractor{}, extract.WithSkip(func(path string) bool { return path == known }))
	defer p.Close()

	if err := p.Submit(dir); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := p.Wait(t.Context()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if diff := cmp.Diff([]string{fresh}, sink.locations()); diff != "" {
		t.Fatalf("locations mismatch (-want +got):\n%s", diff)
	}
}

func Test_Pipeline_Counts_Failures_When_Path_Is_Missing(t *testing.T) {
	t.Parallel()

	scope := tally.NewTestScope("", nil)
	sink := &recordingSink{}
	p := extract.New(sink, extract.FileExtractor{}, extract.WithMetrics(scope))
	defer p.Close()

	if err := p.Submit(filepath.Join(t.TempDir(), "missing.jpg")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := p.Wait(t.Context()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	var failed int64
	for _, c := range scope.Snapshot().Counters() {
		if c.Name() == "extract_failed" {
			failed = c.Value()
		}
	}

	if got, want := failed, int64(1); got != want {
		t.Fatalf("extract_failed=%d, want=%d", got, want)
	}
}

func Test_Pipeline_Wait_Returns_Immediately_When_Idle(t *testing.T) {
	t.Parallel()

	p := extract.New(&recordingSink{}, extract.FileExtractor{}, extract.WithRateLimit(100))
	defer p.Close()

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()

	if err := p.Wait(ctx); err != nil {
		t.Fatalf("Wait on idle pipeline: %v", err)
	}
}
