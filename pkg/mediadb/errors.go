package mediadb

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrNotFound is returned when a record id does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrBusUnavailable is returned when a call to the catalogue owner failed.
	// The local replica is left untouched; the owner stays authoritative.
	ErrBusUnavailable = errors.New("bus unavailable")

	// ErrCodec is the parent of all snapshot decoding failures.
	ErrCodec = errors.New("snapshot codec")

	// ErrSnapshotTruncated is returned when a snapshot ends inside a record.
	// Records decoded before the cut are still returned.
	ErrSnapshotTruncated = fmt.Errorf("%w: truncated record", ErrCodec)

	// ErrSnapshotCorrupt is returned for impossible lengths or ids.
	ErrSnapshotCorrupt = fmt.Errorf("%w: corrupt record", ErrCodec)

	// ErrLock is returned when the access or flush lock cannot be acquired.
	ErrLock = errors.New("catalogue lock")

	// ErrFlushTimeout is returned when the owner did not complete a requested
	// flush before the handshake gave up polling.
	ErrFlushTimeout = errors.New("flush handshake timed out")

	// ErrClosed is returned by operations on a closed catalogue.
	ErrClosed = errors.New("catalogue closed")

	// ErrInvalidType is returned for catalogue type names that are not safe
	// to use in bus names and file names.
	ErrInvalidType = errors.New("invalid catalogue type")
)

// Error is the error type returned by public catalogue APIs.
//
// The underlying message comes first, followed by context:
//
//	catalogue lock: timed out after 10s (catalogue=Music op=add)
//
// Use [errors.Is] for the sentinels above and [errors.As] to get the fields.
type Error struct {
	// Catalogue is the catalogue type name, e.g. "Music".
	Catalogue string

	// Op is the operation that failed, e.g. "add" or "flush".
	Op string

	// ID is the record id involved, or 0.
	ID uint32

	// Err is the underlying cause.
	Err error
}

// Error formats as "<cause> (catalogue=X op=Y id=Z)".
func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	var parts []string

	if e.Catalogue != "" {
		parts = append(parts, "catalogue="+e.Catalogue)
	}

	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}

	if e.ID != 0 {
		parts = append(parts, "id="+strconv.FormatUint(uint64(e.ID), 10))
	}

	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}

	if len(parts) == 0 {
		return cause
	}

	suffix := "(" + strings.Join(parts, " ") + ")"
	if cause == "" {
		return suffix
	}

	return cause + " " + suffix
}

// Unwrap returns the underlying error for use with [errors.Is] and [errors.As].
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// withContext attaches catalogue context at API boundaries.
// An existing *Error keeps its fields; missing ones are filled in.
func withContext(err error, catalogue, op string, id uint32) error {
	if err == nil {
		return nil
	}

	existing := &Error{}
	if errors.As(err, &existing) {
		if existing.Catalogue == "" {
			existing.Catalogue = catalogue
		}

		if existing.Op == "" {
			existing.Op = op
		}

		if existing.ID == 0 {
			existing.ID = id
		}

		return existing
	}

	return &Error{Catalogue: catalogue, Op: op, ID: id, Err: err}
}
