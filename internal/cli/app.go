package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/calvinalkan/mediadb/internal/config"
	"github.com/calvinalkan/mediadb/pkg/mediadb"
	"github.com/calvinalkan/mediadb/pkg/mediadb/bus"
)

// closeTimeout bounds the final flush when a command releases its catalogue.
const closeTimeout = 30 * time.Second

var errLocalOnly = errors.New("not available with --remote")

// app is the state shared by all commands of one invocation.
type app struct {
	cfg    config.Config
	log    *zap.Logger
	deps   Deps
	remote bool
	in     io.Reader
	sigCh  <-chan os.Signal

	conn bus.Conn
}

// opener runs fn against catalogue typ.
type opener func(ctx context.Context, typ string, fn func(ctx context.Context, s session) error) error

// catalogueCommands are the commands that work on one catalogue. The shell
// runs them against its open session.
func catalogueCommands(open opener) []*Command {
	return []*Command{
		addCmd(open),
		updateCmd(open),
		rmCmd(open),
		getCmd(open),
		lsCmd(open),
		findCmd(open),
		tagsCmd(open),
		importCmd(open),
		flushCmd(open),
		statusCmd(open),
	}
}

func (a *app) commands() []*Command {
	return append(catalogueCommands(a.withCatalogue),
		a.serveCmd(),
		a.shellCmd(),
		a.printConfigCmd(),
	)
}

// bus dials on first use, so commands like print-config never touch it.
func (a *app) bus() (bus.Conn, error) {
	if a.conn != nil {
		return a.conn, nil
	}

	conn, err := a.deps.Dial(a.cfg, a.log.Named("bus"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", mediadb.ErrBusUnavailable, err)
	}

	a.conn = conn

	return conn, nil
}

func (a *app) close() {
	if a.conn == nil {
		return
	}

	if err := a.conn.Close(); err != nil {
		a.log.Debug("closing bus connection", zap.Error(err))
	}
}

func (a *app) options(conn bus.Conn) (mediadb.Options, error) {
	mode, err := mediadb.ParseSnapshotMode(a.cfg.SnapshotMode)
	if err != nil {
		return mediadb.Options{}, err
	}

	return mediadb.Options{
		Bus:          conn,
		Namespace:    a.cfg.Namespace,
		ConfigDir:    a.cfg.DataDir,
		Logger:       a.log,
		LockTimeout:  time.Duration(a.cfg.LockTimeout),
		FlushTimeout: time.Duration(a.cfg.FlushTimeout),
		CallTimeout:  time.Duration(a.cfg.CallTimeout),
		SnapshotMode: mode,
		ImportRate:   a.cfg.ImportRate,
	}, nil
}

// session is the catalogue handle a command works on. cat is nil with
// --remote, where every call goes to the owner.
type session struct {
	api mediadb.API
	cat *mediadb.Catalogue
}

// withCatalogue joins catalogue typ for the duration of fn, or connects a
// client to its owner with --remote. A joined catalogue is closed afterwards,
// flushing it when this process ended up owning it.
func (a *app) withCatalogue(ctx context.Context, typ string, fn func(ctx context.Context, s session) error) error {
	conn, err := a.bus()
	if err != nil {
		return err
	}

	if a.remote {
		cl, err := mediadb.NewClient(conn, a.cfg.Namespace, typ, time.Duration(a.cfg.CallTimeout))
		if err != nil {
			return err
		}

		return fn(ctx, session{api: cl})
	}

	opts, err := a.options(conn)
	if err != nil {
		return err
	}

	cat, err := mediadb.Open(ctx, typ, opts)
	if err != nil {
		return err
	}

	err = fn(ctx, session{api: cat, cat: cat})

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()

	return errors.Join(err, cat.Close(cctx))
}

// parseFields parses "tag=value" arguments. An empty value is kept, which
// deletes the tag on update.
func parseFields(args []string) (mediadb.Fields, error) {
	fields := make(mediadb.Fields, len(args))

	for _, arg := range args {
		tag, value, ok := strings.Cut(arg, "=")
		if !ok || tag == "" {
			return nil, usageError("want tag=value, got %q", arg)
		}

		if tag == mediadb.IDTag {
			return nil, usageError("%q is assigned by the catalogue", mediadb.IDTag)
		}

		fields[tag] = value
	}

	return fields, nil
}

func parseID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil || id == 0 {
		return 0, usageError("invalid record id %q", s)
	}

	return uint32(id), nil
}

func parseIDs(args []string) ([]uint32, error) {
	ids := make([]uint32, 0, len(args))

	for _, arg := range args {
		id, err := parseID(arg)
		if err != nil {
			return nil, err
		}

		ids = append(ids, id)
	}

	return ids, nil
}

// splitTags parses the --tags flag value.
func splitTags(s string) []string {
	if s == "" {
		return nil
	}

	var tags []string

	for tag := range strings.SplitSeq(s, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}

	return tags
}

// formatRow renders a row from Get/GetAll/Find. Projected rows are tab
// separated values; full rows are tab separated tag=value pairs.
func formatRow(row []string, projected bool) string {
	if projected {
		return strings.Join(row, "\t")
	}

	pairs := make([]string, 0, len(row)/2)
	for i := 0; i+1 < len(row); i += 2 {
		pairs = append(pairs, row[i]+"="+row[i+1])
	}

	return strings.Join(pairs, "\t")
}

func needArgs(args []string, n int, what string) error {
	if len(args) < n {
		return usageError("missing %s", what)
	}

	return nil
}
