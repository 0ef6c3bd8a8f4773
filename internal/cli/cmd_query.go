package cli

import (
	"context"

	flag "github.com/spf13/pflag"
)

func tagsFlag(fs *flag.FlagSet) *string {
	return fs.StringP("tags", "t", "", "comma separated `tags` to print, in order (\"id\" is the record id)")
}

func getCmd(open opener) *Command {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	tags := tagsFlag(fs)

	return &Command{
		Flags: fs,
		Usage: "get <catalogue> <id> [flags]",
		Short: "Print one record",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if err := needArgs(args, 2, "catalogue or id"); err != nil {
				return err
			}

			id, err := parseID(args[1])
			if err != nil {
				return err
			}

			want := splitTags(*tags)

			return open(ctx, args[0], func(ctx context.Context, s session) error {
				row, err := s.api.Get(ctx, id, want)
				if err != nil {
					return err
				}

				o.Println(formatRow(row, want != nil))

				return nil
			})
		},
	}
}

func lsCmd(open opener) *Command {
	fs := flag.NewFlagSet("ls", flag.ContinueOnError)
	tags := tagsFlag(fs)

	return &Command{
		Flags: fs,
		Usage: "ls <catalogue> [flags]",
		Short: "Print all records in id order",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if err := needArgs(args, 1, "catalogue"); err != nil {
				return err
			}

			want := splitTags(*tags)

			return open(ctx, args[0], func(ctx context.Context, s session) error {
				rows, err := s.api.GetAll(ctx, want)
				if err != nil {
					return err
				}

				printRows(o, rows, want != nil)

				return nil
			})
		},
	}
}

func findCmd(open opener) *Command {
	fs := flag.NewFlagSet("find", flag.ContinueOnError)
	tags := tagsFlag(fs)

	return &Command{
		Flags: fs,
		Usage: "find <catalogue> <tag> <value> [flags]",
		Short: "Print records whose tag equals value",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if err := needArgs(args, 3, "catalogue, tag or value"); err != nil {
				return err
			}

			want := splitTags(*tags)

			return open(ctx, args[0], func(ctx context.Context, s session) error {
				rows, err := s.api.Find(ctx, args[1], args[2], want)
				if err != nil {
					return err
				}

				printRows(o, rows, want != nil)

				return nil
			})
		},
	}
}

func tagsCmd(open opener) *Command {
	return &Command{
		Flags: flag.NewFlagSet("tags", flag.ContinueOnError),
		Usage: "tags <catalogue>",
		Short: "Print every tag name in use",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if err := needArgs(args, 1, "catalogue"); err != nil {
				return err
			}

			return open(ctx, args[0], func(ctx context.Context, s session) error {
				tags, err := s.api.Tags(ctx)
				if err != nil {
					return err
				}

				for _, tag := range tags {
					o.Println(tag)
				}

				return nil
			})
		},
	}
}

func printRows(o *IO, rows [][]string, projected bool) {
	for _, row := range rows {
		o.Println(formatRow(row, projected))
	}
}
