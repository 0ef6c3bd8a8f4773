package cli

import (
	"context"
	"strconv"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/mediadb/pkg/mediadb"
)

func importCmd(open opener) *Command {
	return &Command{
		Flags: flag.NewFlagSet("import", flag.ContinueOnError),
		Usage: "import <catalogue> <path>...",
		Short: "Extract tags from files or directory trees",
		Long: `Queue files or directory trees for tag extraction. Files whose location is
already catalogued are skipped.

When this process owns the catalogue the command waits for the queue to
drain. Otherwise the paths are handed to the owner, which imports them in
the background.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if err := needArgs(args, 2, "catalogue or path"); err != nil {
				return err
			}

			return open(ctx, args[0], func(ctx context.Context, s session) error {
				if err := s.api.ImportPath(ctx, args[1:]...); err != nil {
					return err
				}

				if s.cat == nil || s.cat.Role() != mediadb.RoleOwner {
					o.Println("queued " + strconv.Itoa(len(args)-1) + " paths on the owner")
					return nil
				}

				before := s.cat.Len()

				if err := s.cat.WaitImports(ctx); err != nil {
					return err
				}

				o.Println("imported " + strconv.Itoa(s.cat.Len()-before) + " records")

				return nil
			})
		},
	}
}

func flushCmd(open opener) *Command {
	return &Command{
		Flags: flag.NewFlagSet("flush", flag.ContinueOnError),
		Usage: "flush <catalogue>",
		Short: "Write the snapshot if it has unflushed changes",
		Exec: func(ctx context.Context, _ *IO, args []string) error {
			if err := needArgs(args, 1, "catalogue"); err != nil {
				return err
			}

			return open(ctx, args[0], func(ctx context.Context, s session) error {
				return s.api.Flush(ctx)
			})
		},
	}
}

func statusCmd(open opener) *Command {
	return &Command{
		Flags: flag.NewFlagSet("status", flag.ContinueOnError),
		Usage: "status <catalogue>",
		Short: "Show role, owner and record count",
		Long: `Show the state of the catalogue handle. Without --remote this is the handle
the command itself opened; with --remote it is the owner's.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if err := needArgs(args, 1, "catalogue"); err != nil {
				return err
			}

			return open(ctx, args[0], func(ctx context.Context, s session) error {
				st, err := s.api.Status(ctx)
				if err != nil {
					return err
				}

				printStatus(o, st)

				return nil
			})
		},
	}
}

func printStatus(o *IO, st mediadb.Status) {
	o.Println("catalogue=" + st.Catalogue)
	o.Println("role=" + st.Role)
	o.Println("self=" + st.Self)
	o.Println("owner=" + st.Owner)
	o.Println("records=" + strconv.Itoa(st.Records))
	o.Println("dirty=" + strconv.FormatBool(st.Dirty))
	o.Println("seq=" + strconv.FormatUint(st.Seq, 10))
	o.Println("refs=" + strconv.Itoa(st.Refs))
	o.Println("importing=" + strconv.Itoa(st.Importing))
	o.Println("snapshot=" + st.Snapshot)
}
