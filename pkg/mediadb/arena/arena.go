// Package arena provides a chunked string interner for catalogue records.
//
// # Memory Management
//
// Interned strings are copied into fixed-size chunks (5 KiB by default) and
// never freed individually. A record store interns every tag name and value it
// holds; the whole arena is released as one unit when the catalogue is torn
// down. Strings larger than a chunk get a dedicated chunk of their own.
//
// # Sharing
//
// Returned strings alias chunk memory and are immutable. Identical values are
// de-duplicated, so the thousands of repeated tag names ("artist", "album")
// and common values ("Rock") are stored once.
//
// # Concurrency
//
// All methods are safe for concurrent use.
package arena

import (
	"sync"
	"unsafe"
)

// DefaultChunkSize is the default chunk size (5 KiB).
const DefaultChunkSize = 5 * 1024

// Stats reports arena usage.
type Stats struct {
	Chunks        int // chunks currently held
	BytesReserved int // total chunk capacity
	BytesUsed     int // bytes copied into chunks
	Strings       int // distinct strings interned
	DedupeHits    int // Intern calls answered from the dedupe table
}

// Arena interns strings into chunked storage.
type Arena struct {
	mu        sync.Mutex
	chunkSize int
	chunks    [][]byte
	cur       []byte // tail of the active chunk, len==used, cap==chunk capacity
	seen      map[string]string
	stats     Stats
}

// New returns an arena allocating chunks of chunkSize bytes.
// chunkSize <= 0 selects [DefaultChunkSize].
func New(chunkSize int) *Arena {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	return &Arena{
		chunkSize: chunkSize,
		seen:      make(map[string]string),
	}
}

// Intern returns an immutable arena-backed copy of b.
//
// The empty input always yields "" and allocates nothing.
func (a *Arena) Intern(b []byte) string {
	if len(b) == 0 {
		return ""
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// The map lookup with a converted key does not allocate.
	if s, ok := a.seen[string(b)]; ok {
		a.stats.DedupeHits++
		return s
	}

	s := a.copyLocked(b)
	a.seen[s] = s
	a.stats.Strings++

	return s
}

// InternString is [Arena.Intern] for strings.
func (a *Arena) InternString(s string) string {
	if s == "" {
		return ""
	}

	return a.Intern(unsafe.Slice(unsafe.StringData(s), len(s)))
}

func (a *Arena) copyLocked(b []byte) string {
	n := len(b)

	if n > a.chunkSize {
		buf := make([]byte, n)
		copy(buf, b)
		a.chunks = append(a.chunks, buf)
		a.stats.Chunks++
		a.stats.BytesReserved += n
		a.stats.BytesUsed += n

		return unsafe.String(&buf[0], n)
	}

	if cap(a.cur)-len(a.cur) < n {
		chunk := make([]byte, 0, a.chunkSize)
		a.chunks = append(a.chunks, chunk)
		a.cur = chunk
		a.stats.Chunks++
		a.stats.BytesReserved += a.chunkSize
	}

	start := len(a.cur)
	a.cur = append(a.cur, b...)
	a.stats.BytesUsed += n

	return unsafe.String(&a.cur[start], n)
}

// Stats returns a snapshot of usage counters.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.stats
}

// Release drops every chunk and the dedupe table.
//
// Strings handed out earlier stay valid (the garbage collector keeps their
// chunk alive) but are no longer shared with later Intern calls.
func (a *Arena) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.chunks = nil
	a.cur = nil
	a.seen = make(map[string]string)
	a.stats = Stats{}
}
