package mediadb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"github.com/calvinalkan/mediadb/pkg/fs"
	"github.com/calvinalkan/mediadb/pkg/mediadb/bus"
	"github.com/calvinalkan/mediadb/pkg/mediadb/extract"
)

// Defaults applied by [Open] when the corresponding option is zero.
const (
	DefaultNamespace    = "mediadb"
	DefaultLockTimeout  = 10 * time.Second
	DefaultFlushTimeout = 5 * time.Second
	DefaultCallTimeout  = 5 * time.Second
)

// Options configures a catalogue.
type Options struct {
	// Bus is the connection the catalogue registers on. Required.
	Bus bus.Conn

	// Namespace prefixes bus names, lock names and the data directory.
	// Default: [DefaultNamespace].
	Namespace string

	// ConfigDir is the parent of the namespace directory holding snapshots.
	// Default: [os.UserConfigDir].
	ConfigDir string

	// FS is used for snapshot and lock files. Default: [fs.NewReal].
	FS fs.FS

	// Logger receives structured logs. Default: [zap.NewNop].
	Logger *zap.Logger

	// Metrics receives counters and gauges. Default: [tally.NoopScope].
	Metrics tally.Scope

	// LockTimeout bounds access and flush lock acquisition.
	// Default: [DefaultLockTimeout].
	LockTimeout time.Duration

	// FlushTimeout bounds how long a starting replica polls the owner for a
	// completed flush. Keep it below LockTimeout: the owner cannot mutate
	// while a replica holds the access lock. Default: [DefaultFlushTimeout].
	FlushTimeout time.Duration

	// CallTimeout bounds every bus call and the wait for a forwarded
	// mutation to come back as an event. Default: [DefaultCallTimeout].
	CallTimeout time.Duration

	// SnapshotMode selects how snapshots are rewritten. Default: [WriteAtomic].
	SnapshotMode SnapshotMode

	// StrictSnapshot makes Open fail on a truncated snapshot instead of
	// loading the complete records and marking the catalogue dirty.
	StrictSnapshot bool

	// ChunkSize is the arena chunk size. Default: 5 KiB.
	ChunkSize int

	// Extractor turns imported files into records.
	// Default: [extract.ForCatalogue] for the catalogue type.
	Extractor extract.Extractor

	// ImportRate caps extraction at this many files per second; 0 is unlimited.
	ImportRate float64

	// refs routes Ref/Unref to a supervisor. Set by [Supervisor.Host].
	refs refSink
}

var (
	typeNameRE  = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	namespaceRE = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*$`)
)

// ValidateType reports whether typ can name a catalogue.
func ValidateType(typ string) error {
	if !typeNameRE.MatchString(typ) {
		return fmt.Errorf("%w: %q (want [A-Za-z0-9_-]+)", ErrInvalidType, typ)
	}

	return nil
}

func (o Options) withDefaults(typ string) (Options, error) {
	if o.Bus == nil {
		return o, errors.New("Options.Bus is required")
	}

	if o.Namespace == "" {
		o.Namespace = DefaultNamespace
	}

	if !namespaceRE.MatchString(o.Namespace) {
		return o, fmt.Errorf("Options.Namespace %q is invalid", o.Namespace)
	}

	if o.ConfigDir == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return o, fmt.Errorf("Options.ConfigDir is required: %w", err)
		}

		o.ConfigDir = dir
	}

	if o.FS == nil {
		o.FS = fs.NewReal()
	}

	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	if o.Metrics == nil {
		o.Metrics = tally.NoopScope
	}

	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}

	if o.FlushTimeout <= 0 {
		o.FlushTimeout = DefaultFlushTimeout
	}

	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}

	if o.Extractor == nil {
		o.Extractor = extract.ForCatalogue(typ)
	}

	return o, nil
}

// Paths are the on-disk and on-bus names of one catalogue.
type Paths struct {
	// Bus is the well-known bus name, "<namespace>.<type>".
	Bus string

	// Dir is "<config-dir>/<namespace>".
	Dir string

	// Snapshot is "<config-dir>/<namespace>/<type>.db".
	Snapshot string

	// AccessLock guards snapshot reads and owner mutations.
	AccessLock string

	// FlushLock guards snapshot rewrites.
	FlushLock string
}

// ResolvePaths computes the paths for a catalogue.
//
// Lock files live in a ".locks" subdirectory named like the POSIX semaphores
// "/<namespace>.<type>.A" and "/<namespace>.<type>.F". They are never removed.
func ResolvePaths(configDir, namespace, typ string) Paths {
	dir := filepath.Join(configDir, namespace)
	base := namespace + "." + typ

	return Paths{
		Bus:        base,
		Dir:        dir,
		Snapshot:   filepath.Join(dir, typ+".db"),
		AccessLock: filepath.Join(dir, ".locks", base+".A"),
		FlushLock:  filepath.Join(dir, ".locks", base+".F"),
	}
}
