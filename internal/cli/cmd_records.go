package cli

import (
	"context"
	"strconv"

	flag "github.com/spf13/pflag"
)

func addCmd(open opener) *Command {
	return &Command{
		Flags: flag.NewFlagSet("add", flag.ContinueOnError),
		Usage: "add <catalogue> <tag=value>...",
		Short: "Add a record and print its id",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if err := needArgs(args, 2, "catalogue or fields"); err != nil {
				return err
			}

			fields, err := parseFields(args[1:])
			if err != nil {
				return err
			}

			return open(ctx, args[0], func(ctx context.Context, s session) error {
				id, err := s.api.Add(ctx, fields)
				if err != nil {
					return err
				}

				o.Println(id)

				return nil
			})
		},
	}
}

func updateCmd(open opener) *Command {
	return &Command{
		Flags: flag.NewFlagSet("update", flag.ContinueOnError),
		Usage: "update <catalogue> <id> <tag=value>...",
		Short: "Set tags on a record; tag= deletes a tag",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if err := needArgs(args, 3, "catalogue, id or fields"); err != nil {
				return err
			}

			id, err := parseID(args[1])
			if err != nil {
				return err
			}

			fields, err := parseFields(args[2:])
			if err != nil {
				return err
			}

			return open(ctx, args[0], func(ctx context.Context, s session) error {
				return s.api.Update(ctx, id, fields)
			})
		},
	}
}

func rmCmd(open opener) *Command {
	return &Command{
		Flags: flag.NewFlagSet("rm", flag.ContinueOnError),
		Usage: "rm <catalogue> <id>...",
		Short: "Remove records",
		Long:  "Remove records by id. Ids that do not exist are reported as warnings.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if err := needArgs(args, 2, "catalogue or id"); err != nil {
				return err
			}

			ids, err := parseIDs(args[1:])
			if err != nil {
				return err
			}

			return open(ctx, args[0], func(ctx context.Context, s session) error {
				n, err := s.api.RemoveMany(ctx, ids)
				if err != nil {
					return err
				}

				o.Println("removed " + strconv.Itoa(n))

				if n < len(ids) {
					o.Warn("%d of %d ids not found", len(ids)-n, len(ids))
				}

				return nil
			})
		},
	}
}
