package mediadb

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"slices"

	"github.com/calvinalkan/mediadb/pkg/fs"
)

// Snapshot layout (little-endian, no header, records back to back):
//
//	int32 id
//	int32 field_count
//	field_count × { int32 key_len, key bytes, int32 value_len, value bytes }
//
// A clean end of input before an id ends the snapshot.

// MaxFieldLen bounds a single key or value in a snapshot.
const MaxFieldLen = 16 << 20

// maxFieldHint caps the map size hint taken from a record's field count,
// which is read from the file before any field is.
const maxFieldHint = 64

// SnapshotMode selects how the owner rewrites the snapshot file.
type SnapshotMode int

const (
	// WriteAtomic writes to a temp file and renames it over the snapshot.
	// A crash mid-write leaves the previous snapshot intact.
	WriteAtomic SnapshotMode = iota

	// WriteTruncate truncates and rewrites the snapshot in place.
	// A crash mid-write leaves a truncated file.
	WriteTruncate
)

// String returns the config spelling of m.
func (m SnapshotMode) String() string {
	switch m {
	case WriteAtomic:
		return "atomic"
	case WriteTruncate:
		return "truncate"
	default:
		return fmt.Sprintf("SnapshotMode(%d)", int(m))
	}
}

// ParseSnapshotMode parses "atomic" or "truncate". The empty string is atomic.
func ParseSnapshotMode(s string) (SnapshotMode, error) {
	switch s {
	case "", "atomic":
		return WriteAtomic, nil
	case "truncate":
		return WriteTruncate, nil
	default:
		return 0, fmt.Errorf("unknown snapshot mode %q (want atomic or truncate)", s)
	}
}

// EncodeSnapshot writes every record of s to w in ascending id order.
// Keys within a record are written in sorted order so output is deterministic.
func EncodeSnapshot(w io.Writer, s *Store) error {
	bw := bufio.NewWriter(w)

	var hdr [4]byte

	putInt := func(n int) error {
		binary.LittleEndian.PutUint32(hdr[:], uint32(int32(n)))
		_, err := bw.Write(hdr[:])

		return err
	}

	putString := func(v string) error {
		if err := putInt(len(v)); err != nil {
			return err
		}

		_, err := bw.WriteString(v)

		return err
	}

	for _, id := range s.IDs() {
		if id > math.MaxInt32 {
			return fmt.Errorf("record id %d does not fit the snapshot format", id)
		}

		rec := s.records[id]

		if err := putInt(int(id)); err != nil {
			return err
		}

		if err := putInt(len(rec)); err != nil {
			return err
		}

		for _, k := range slices.Sorted(maps.Keys(rec)) {
			if err := putString(k); err != nil {
				return err
			}

			if err := putString(rec[k]); err != nil {
				return err
			}
		}
	}

	return bw.Flush()
}

// DecodeSnapshot reads records from r into s and returns how many were read.
//
// If r ends inside a record, the partial record is dropped and the error
// satisfies [errors.Is] with [ErrSnapshotTruncated]; records before it are kept
// in s. Impossible ids or lengths yield [ErrSnapshotCorrupt].
func DecodeSnapshot(r io.Reader, s *Store) (int, error) {
	br := bufio.NewReader(r)
	dec := decoder{r: br}
	n := 0

	for {
		id, err := dec.int32()
		if errors.Is(err, io.EOF) {
			return n, nil
		}

		if err != nil {
			return n, dec.fail(err, n)
		}

		if id <= 0 {
			return n, fmt.Errorf("%w: record %d has id %d", ErrSnapshotCorrupt, n, id)
		}

		count, err := dec.int32()
		if err != nil {
			return n, dec.fail(err, n)
		}

		if count < 0 {
			return n, fmt.Errorf("%w: record %d has field count %d", ErrSnapshotCorrupt, id, count)
		}

		fields := make(Fields, min(count, maxFieldHint))

		for range count {
			k, err := dec.bytes()
			if err != nil {
				return n, dec.fail(err, n)
			}

			v, err := dec.bytes()
			if err != nil {
				return n, dec.fail(err, n)
			}

			fields[string(k)] = string(v)
		}

		s.Put(uint32(id), fields)
		n++
	}
}

type decoder struct {
	r   *bufio.Reader
	buf []byte
	hdr [4]byte
	off int64
}

func (d *decoder) int32() (int32, error) {
	m, err := io.ReadFull(d.r, d.hdr[:])
	d.off += int64(m)

	if err != nil {
		return 0, err
	}

	return int32(binary.LittleEndian.Uint32(d.hdr[:])), nil
}

// bytes reads a length-prefixed field. The returned slice is reused by the
// next call; callers copy it.
func (d *decoder) bytes() ([]byte, error) {
	n, err := d.int32()
	if err != nil {
		return nil, noEOF(err)
	}

	if n < 0 || n > MaxFieldLen {
		return nil, fmt.Errorf("%w: field length %d at offset %d", ErrSnapshotCorrupt, n, d.off-4)
	}

	if cap(d.buf) < int(n) {
		d.buf = make([]byte, n)
	}

	d.buf = d.buf[:n]

	m, err := io.ReadFull(d.r, d.buf)
	d.off += int64(m)

	if err != nil {
		return nil, noEOF(err)
	}

	return d.buf, nil
}

func (d *decoder) fail(err error, complete int) error {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: input ends at offset %d after %d complete records", ErrSnapshotTruncated, d.off, complete)
	}

	return err
}

// noEOF turns a clean EOF inside a record into an unexpected one.
func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}

	return err
}

const snapshotPerm = 0o644

// readSnapshotFile decodes path into s. A missing file is an empty snapshot.
func readSnapshotFile(fsys fs.FS, path string, s *Store) (int, error) {
	f, err := fsys.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("fs: open snapshot: %w", err)
	}

	n, decErr := DecodeSnapshot(f, s)
	closeErr := f.Close()

	if closeErr != nil {
		closeErr = fmt.Errorf("fs: close snapshot: %w", closeErr)
	}

	return n, errors.Join(decErr, closeErr)
}

// writeSnapshotFile replaces path with data using mode.
func writeSnapshotFile(fsys fs.FS, path string, mode SnapshotMode, data []byte) error {
	if mode == WriteAtomic {
		if err := fsys.WriteFileAtomic(path, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("fs: write snapshot: %w", err)
		}

		return nil
	}

	f, err := fsys.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, snapshotPerm)
	if err != nil {
		return fmt.Errorf("fs: open snapshot: %w", err)
	}

	_, writeErr := f.Write(data)
	if writeErr == nil {
		writeErr = f.Sync()
	}

	closeErr := f.Close()

	if writeErr != nil {
		writeErr = fmt.Errorf("fs: write snapshot: %w", writeErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("fs: close snapshot: %w", closeErr)
	}

	return errors.Join(writeErr, closeErr)
}
